package scheduler

import (
	"github.com/stark-io/stark/pkg/stark"
)

// Scoring weights per term. Each term contributes a value in [0, 100]
// before weighting.
const (
	weightLeastAllocated    = 1.0
	weightPreferredAffinity = 1.0
	weightAntiAffinity      = 1.0
	weightPreferNoSchedule  = 0.5

	antiAffinityPenaltyPerPod = 20.0
	preferNoSchedulePenalty   = 100.0
)

// scoreNode sums the weighted scoring terms for one candidate.
func scoreNode(pod *stark.Pod, node *stark.Node, nodePods []*stark.Pod) float64 {
	score := weightLeastAllocated * leastAllocatedScore(pod, node)
	score += weightPreferredAffinity * preferredAffinityScore(pod, node)
	score -= weightAntiAffinity * antiAffinityPenalty(pod, nodePods)
	score += weightPreferredAffinity * podAffinityScore(pod, nodePods)
	score -= weightPreferNoSchedule * preferNoScheduleScore(pod, node)
	return score
}

// leastAllocatedScore favors emptier nodes: 100 x (1 - dominant share) of
// the node's utilization after admitting the pod.
func leastAllocatedScore(pod *stark.Pod, node *stark.Node) float64 {
	projected := node.Allocated.Add(pod.EffectiveRequests())
	return 100 * (1 - projected.DominantShare(node.Allocatable))
}

// preferredAffinityScore sums the weights of matched preferred node
// affinity terms, clamped to 100.
func preferredAffinityScore(pod *stark.Pod, node *stark.Node) float64 {
	affinity := pod.Scheduling.NodeAffinity
	if affinity == nil {
		return 0
	}
	total := 0.0
	for _, term := range affinity.Preferred {
		if term.Term.Matches(node.Labels) {
			total += float64(term.Weight)
		}
	}
	return clamp(total)
}

// antiAffinityPenalty grows with the count of pods on the node that match
// any anti-affinity term, clamped to 100.
func antiAffinityPenalty(pod *stark.Pod, nodePods []*stark.Pod) float64 {
	if len(pod.Scheduling.PodAntiAffinity) == 0 {
		return 0
	}
	matches := 0
	for _, other := range nodePods {
		for _, term := range pod.Scheduling.PodAntiAffinity {
			if term.MatchesPod(other) {
				matches++
				break
			}
		}
	}
	return clamp(float64(matches) * antiAffinityPenaltyPerPod)
}

// podAffinityScore rewards co-location with matching pods.
func podAffinityScore(pod *stark.Pod, nodePods []*stark.Pod) float64 {
	if len(pod.Scheduling.PodAffinity) == 0 {
		return 0
	}
	total := 0.0
	for _, other := range nodePods {
		for _, term := range pod.Scheduling.PodAffinity {
			if term.MatchesPod(other) {
				weight := float64(term.Weight)
				if weight == 0 {
					weight = antiAffinityPenaltyPerPod
				}
				total += weight
				break
			}
		}
	}
	return clamp(total)
}

// preferNoScheduleScore penalizes each PreferNoSchedule taint the pod does
// not tolerate.
func preferNoScheduleScore(pod *stark.Pod, node *stark.Node) float64 {
	total := 0.0
	for _, taint := range node.Taints {
		if taint.Effect != stark.TaintEffectPreferNoSchedule {
			continue
		}
		if !stark.Tolerated(taint, pod.Tolerations) {
			total += preferNoSchedulePenalty
		}
	}
	return clamp(total)
}

func clamp(v float64) float64 {
	if v > 100 {
		return 100
	}
	if v < 0 {
		return 0
	}
	return v
}
