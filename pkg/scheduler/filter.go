package scheduler

import (
	"github.com/blang/semver/v4"
	"github.com/samber/lo"
	"github.com/stark-io/stark/pkg/stark"
)

// rejection explains why a node was filtered out; the dominant reason
// becomes the pod's recorded outcome.
type rejection struct {
	nodeID  string
	outcome string
	// resourcesOnly marks nodes that failed on capacity alone; these are
	// the preemption candidates.
	resourcesOnly bool
}

// filter keeps the nodes that jointly satisfy every hard constraint.
func (s *Scheduler) filter(pod *stark.Pod, pack *stark.Pack, nodes []*stark.Node) ([]*stark.Node, []rejection) {
	var candidates []*stark.Node
	var rejections []rejection

	for _, node := range nodes {
		outcome, resourcesOnly := s.checkNode(pod, pack, node)
		if outcome == "" {
			candidates = append(candidates, node)
		} else {
			rejections = append(rejections, rejection{nodeID: node.ID, outcome: outcome, resourcesOnly: resourcesOnly})
		}
	}
	return candidates, rejections
}

func (s *Scheduler) checkNode(pod *stark.Pod, pack *stark.Pack, node *stark.Node) (outcome string, resourcesOnly bool) {
	if !node.Schedulable() {
		return OutcomeNoMatchingNodes, false
	}
	if !pack.RuntimeTag.Compatible(node.RuntimeType) {
		return OutcomeIncompatibleRuntime, false
	}
	if pack.MinNodeVersion != "" {
		minVer, err := semver.ParseTolerant(pack.MinNodeVersion)
		if err == nil {
			nodeVer, err := semver.ParseTolerant(node.RuntimeVersion)
			if err != nil || nodeVer.LT(minVer) {
				return OutcomeIncompatibleRuntime, false
			}
		}
	}
	for key, value := range pod.Scheduling.NodeSelector {
		if node.Labels[key] != value {
			return OutcomeNoMatchingNodes, false
		}
	}
	if affinity := pod.Scheduling.NodeAffinity; affinity != nil && len(affinity.Required) > 0 {
		matched := lo.SomeBy(affinity.Required, func(term stark.NodeSelectorTerm) bool {
			return term.Matches(node.Labels)
		})
		if !matched {
			return OutcomeNoMatchingNodes, false
		}
	}
	for _, taint := range node.Taints {
		if taint.Effect == stark.TaintEffectPreferNoSchedule {
			continue
		}
		if !stark.Tolerated(taint, pod.Tolerations) {
			return OutcomeNoMatchingNodes, false
		}
	}
	if !s.packSchedulableOn(pack, node) {
		return OutcomePolicyDenied, false
	}
	if !pod.EffectiveRequests().Fits(node.Free()) {
		return OutcomeInsufficientResources, true
	}
	return "", false
}

// packSchedulableOn enforces ownership: a private (or system) pack only runs
// on nodes registered by the pack owner or by an admin. Public packs run
// anywhere compatible.
func (s *Scheduler) packSchedulableOn(pack *stark.Pack, node *stark.Node) bool {
	if pack.Visibility == stark.VisibilityPublic {
		return true
	}
	return node.RegisteredBy == pack.OwnerID || s.isAdmin(node.RegisteredBy)
}

// dominantRejection picks the outcome to surface when nothing matched.
// Resource exhaustion on an otherwise-eligible node beats generic mismatch.
func dominantRejection(rejections []rejection) string {
	if len(rejections) == 0 {
		return OutcomeNoMatchingNodes
	}
	counts := map[string]int{}
	for _, r := range rejections {
		counts[r.outcome]++
	}
	for _, outcome := range []string{
		OutcomeInsufficientResources,
		OutcomePolicyDenied,
		OutcomeIncompatibleRuntime,
		OutcomeNoMatchingNodes,
	} {
		if counts[outcome] > 0 {
			return outcome
		}
	}
	return OutcomeNoMatchingNodes
}
