package nodes

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stark-io/stark/pkg/apierror"
	"github.com/stark-io/stark/pkg/stark"
)

// ApplyPodStatus records a pod status reported by the agent hosting it. The
// transition is validated against the pod state machine; a report for a pod
// the node does not own is rejected. Terminal reports release the node's
// allocation.
func (r *Registry) ApplyPodStatus(ctx context.Context, nodeID string, update *stark.PodStatusUpdate) error {
	if nodeID == "" {
		return apierror.NewAuth("status update before registration")
	}
	pod, err := r.store.Pods().Get(ctx, update.PodID)
	if err != nil {
		return err
	}
	if pod.NodeID != nodeID {
		return apierror.NewPolicy("WrongNode", "pod %s is not assigned to node %s", update.PodID, nodeID)
	}
	if pod.Status == update.Status {
		return nil
	}

	wasCounted := !pod.Status.Terminal() && pod.Status != stark.PodPending
	next, err := r.store.Pods().Transition(ctx, pod.ID, pod.Status, update.Status, func(p *stark.Pod) {
		p.StatusMessage = update.Message
		if update.StartedAt != nil {
			p.StartedAt = update.StartedAt
		}
		if update.Status.Terminal() && p.StoppedAt == nil {
			now := time.Now()
			p.StoppedAt = &now
		}
	})
	if err != nil {
		return err
	}

	if next.Status.Terminal() && wasCounted {
		if _, err := r.store.Nodes().Update(ctx, nodeID, func(n *stark.Node) error {
			n.Allocated = n.Allocated.Sub(pod.EffectiveRequests())
			return nil
		}); err != nil {
			logrus.Warnf("Failed to release allocation for pod %s on node %s: %v", pod.ID, nodeID, err)
		}
	}
	logrus.Debugf("Pod %s reported %s -> %s by node %s", pod.ID, pod.Status, next.Status, nodeID)
	return nil
}
