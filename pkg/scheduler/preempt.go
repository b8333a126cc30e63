package scheduler

import (
	"context"
	"sort"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stark-io/stark/pkg/stark"
)

// preempt looks for a node where evicting strictly-lower-priority pods
// would make the pod schedulable, minimizing the aggregate priority of the
// victims. Victims are evicted and the incoming pod's bind is deferred to
// the next tick; binding inline would race the eviction window.
func (s *Scheduler) preempt(ctx context.Context, pod *stark.Pod, nodes []*stark.Node, rejections []rejection, podsByNode map[string][]*stark.Pod) bool {
	if pod.Priority <= s.threshold {
		return false
	}

	// only nodes that failed on resources alone are worth evicting for
	eligible := map[string]bool{}
	for _, r := range rejections {
		if r.resourcesOnly {
			eligible[r.nodeID] = true
		}
	}
	if len(eligible) == 0 {
		return false
	}

	type plan struct {
		node          *stark.Node
		victims       []*stark.Pod
		totalPriority int
	}
	var best *plan

	for _, node := range nodes {
		if !eligible[node.ID] {
			continue
		}
		victims, total := victimsFor(pod, node, podsByNode[node.ID])
		if victims == nil {
			continue
		}
		if best == nil || total < best.totalPriority ||
			(total == best.totalPriority && node.ID < best.node.ID) {
			best = &plan{node: node, victims: victims, totalPriority: total}
		}
	}
	if best == nil {
		return false
	}

	logrus.Infof("Preempting %d pods (aggregate priority %d) on node %s for pod %s (priority %d)",
		len(best.victims), best.totalPriority, best.node.Name, pod.ID, pod.Priority)

	for _, victim := range best.victims {
		now := time.Now()
		if _, err := s.store.Pods().Transition(ctx, victim.ID, victim.Status, stark.PodEvicted, func(p *stark.Pod) {
			p.StatusMessage = "preempted by higher priority pod"
			p.StoppedAt = &now
		}); err != nil {
			logrus.Warnf("Failed to preempt pod %s: %v", victim.ID, err)
			continue
		}
		if _, err := s.store.Nodes().Update(ctx, best.node.ID, func(n *stark.Node) error {
			n.Allocated = n.Allocated.Sub(victim.EffectiveRequests())
			return nil
		}); err != nil {
			logrus.Warnf("Failed to release allocation for preempted pod %s: %v", victim.ID, err)
		}
		if s.commander != nil {
			msg, err := stark.NewMessage(stark.MsgPodStop, "", &stark.PodStop{PodID: victim.ID, Reason: "preempted"})
			if err == nil {
				if err := s.commander.Send(ctx, best.node.ID, msg); err != nil {
					logrus.Debugf("Could not dispatch stop for preempted pod %s: %v", victim.ID, err)
				}
			}
		}
	}
	return true
}

// victimsFor picks the cheapest set of strictly-lower-priority pods whose
// eviction frees enough room. Lowest priority pods go first; returns nil
// when no sufficient set exists.
func victimsFor(pod *stark.Pod, node *stark.Node, nodePods []*stark.Pod) ([]*stark.Pod, int) {
	var lower []*stark.Pod
	for _, other := range nodePods {
		if other.Status.Terminal() {
			continue
		}
		if other.Priority < pod.Priority {
			lower = append(lower, other)
		}
	}
	sort.Slice(lower, func(i, j int) bool {
		if lower[i].Priority != lower[j].Priority {
			return lower[i].Priority < lower[j].Priority
		}
		return lower[i].ID < lower[j].ID
	})

	free := node.Free()
	needed := pod.EffectiveRequests()
	var victims []*stark.Pod
	total := 0
	for _, victim := range lower {
		if needed.Fits(free) {
			break
		}
		victims = append(victims, victim)
		total += victim.Priority
		free = free.Add(victim.EffectiveRequests())
	}
	if !needed.Fits(free) {
		return nil, 0
	}
	return victims, total
}
