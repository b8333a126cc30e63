// Package scheduler assigns pending pods to nodes through a three-stage
// filter, score, and bind pipeline, with preemption for high-priority pods
// that find no room.
package scheduler

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/avast/retry-go"
	"github.com/sirupsen/logrus"
	"github.com/stark-io/stark/pkg/apierror"
	"github.com/stark-io/stark/pkg/metrics"
	"github.com/stark-io/stark/pkg/stark"
	"github.com/stark-io/stark/pkg/store"
)

// Outcome codes recorded in pod statusMessage when no bind happens.
const (
	OutcomeNoMatchingNodes       = "NoMatchingNodes"
	OutcomeInsufficientResources = "InsufficientResources"
	OutcomeQuotaExceeded         = "QuotaExceeded"
	OutcomeIncompatibleRuntime   = "IncompatibleRuntime"
	OutcomePackNotFound          = "PackNotFound"
	OutcomePolicyDenied          = "PolicyDenied"
	OutcomeChaosInjected         = "ChaosInjected"
)

// PreemptThreshold is the priority above which a pod may evict lower
// priority pods to make room.
const PreemptThreshold = 500

// Commander dispatches pod:start commands to bound nodes.
type Commander interface {
	Send(ctx context.Context, nodeID string, msg *stark.Message) error
}

// NodeLocker serializes allocation updates per node; the node registry
// provides it so binds and heartbeat resyncs share one lock.
type NodeLocker interface {
	Lock(nodeID string) *sync.Mutex
}

// IsAdmin reports whether a principal may run private packs on any node.
type IsAdmin func(principal string) bool

type Scheduler struct {
	store     store.Interface
	commander Commander
	locker    NodeLocker
	isAdmin   IsAdmin
	threshold int

	// test-only pre-bind veto; nil in production
	veto func(pod *stark.Pod, node *stark.Node) bool
}

func New(st store.Interface, commander Commander, locker NodeLocker, isAdmin IsAdmin) *Scheduler {
	if isAdmin == nil {
		isAdmin = func(principal string) bool { return principal == "admin" }
	}
	return &Scheduler{
		store:     st,
		commander: commander,
		locker:    locker,
		isAdmin:   isAdmin,
		threshold: PreemptThreshold,
	}
}

// SchedulePending runs the pipeline for every pending pod. Invoked by the
// controller on pod and node events and on the periodic tick.
func (s *Scheduler) SchedulePending(ctx context.Context) error {
	pods, err := s.store.Pods().List(ctx, store.PodFilter{Statuses: []stark.PodStatus{stark.PodPending}})
	if err != nil {
		return err
	}
	for _, pod := range pods {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if err := s.SchedulePod(ctx, pod.ID); err != nil {
			logrus.Debugf("Pod %s not scheduled: %v", pod.ID, err)
		}
	}
	return nil
}

// SchedulePod runs one pipeline pass for a single pod. A PreconditionFailed
// during bind retries the full pipeline once; a second conflict leaves the
// pod pending for the next tick.
func (s *Scheduler) SchedulePod(ctx context.Context, podID string) error {
	start := time.Now()
	err := retry.Do(
		func() error { return s.schedule(ctx, podID) },
		retry.Attempts(2),
		retry.LastErrorOnly(true),
		retry.RetryIf(apierror.IsPreconditionFailed),
	)
	metrics.ObserveWithStatus(metrics.SchedulingDuration, start, err)
	return err
}

func (s *Scheduler) schedule(ctx context.Context, podID string) error {
	pod, err := s.store.Pods().Get(ctx, podID)
	if err != nil {
		return err
	}
	if pod.Status != stark.PodPending {
		return nil
	}

	pack, err := s.store.Packs().Get(ctx, pod.PackID)
	if apierror.IsNotFound(err) {
		s.recordOutcome(ctx, pod, OutcomePackNotFound)
		return nil
	} else if err != nil {
		return err
	}

	nodes, err := s.store.Nodes().List(ctx, store.NodeFilter{})
	if err != nil {
		return err
	}

	nsUsage, quota, err := s.namespaceUsage(ctx, pod.Namespace)
	if err != nil {
		return err
	}
	if !quota.Admits(nsUsage, pod.EffectiveRequests()) {
		s.recordOutcome(ctx, pod, OutcomeQuotaExceeded)
		return nil
	}

	podsByNode, err := s.podsByNode(ctx)
	if err != nil {
		return err
	}

	candidates, rejections := s.filter(pod, pack, nodes)
	if len(candidates) == 0 {
		if s.preempt(ctx, pod, nodes, rejections, podsByNode) {
			// victims evicted; bind deferred to the next tick
			return nil
		}
		s.recordOutcome(ctx, pod, dominantRejection(rejections))
		return nil
	}

	ranked := s.score(pod, candidates, podsByNode)
	chosen := ranked[0]

	if s.veto != nil && s.veto(pod, chosen.node) {
		s.recordOutcome(ctx, pod, OutcomeChaosInjected)
		return nil
	}

	return s.bind(ctx, pod, pack, chosen.node)
}

// namespaceUsage sums effective requests of the namespace's bound,
// non-terminal pods and returns the namespace quota (nil quota admits
// everything). Pods still waiting for a node hold no quota.
func (s *Scheduler) namespaceUsage(ctx context.Context, namespace string) (stark.ResourceList, *stark.ResourceQuota, error) {
	var usage stark.ResourceList
	pods, err := s.store.Pods().List(ctx, store.PodFilter{Namespace: namespace})
	if err != nil {
		return usage, nil, err
	}
	for _, pod := range pods {
		if pod.Status.Terminal() || pod.NodeID == "" {
			continue
		}
		usage = usage.Add(pod.EffectiveRequests())
	}
	ns, err := s.store.Namespaces().GetByName(ctx, namespace)
	if apierror.IsNotFound(err) {
		return usage, nil, nil
	} else if err != nil {
		return usage, nil, err
	}
	return usage, ns.ResourceQuota, nil
}

func (s *Scheduler) podsByNode(ctx context.Context) (map[string][]*stark.Pod, error) {
	pods, err := s.store.Pods().List(ctx, store.PodFilter{})
	if err != nil {
		return nil, err
	}
	out := map[string][]*stark.Pod{}
	for _, pod := range pods {
		if pod.NodeID == "" || pod.Status.Terminal() {
			continue
		}
		out[pod.NodeID] = append(out[pod.NodeID], pod)
	}
	return out, nil
}

// bind sets the pod's node and charges the node's allocation under the
// shared per-node lock, compare-and-swap on both rows.
func (s *Scheduler) bind(ctx context.Context, pod *stark.Pod, pack *stark.Pack, node *stark.Node) error {
	lock := s.locker.Lock(node.ID)
	lock.Lock()
	defer lock.Unlock()

	requests := pod.EffectiveRequests()
	_, err := s.store.Nodes().Update(ctx, node.ID, func(n *stark.Node) error {
		if !n.Schedulable() {
			return apierror.NewPreconditionFailed("node", n.ID)
		}
		next := n.Allocated.Add(requests)
		if !next.Fits(n.Allocatable) {
			return apierror.NewPreconditionFailed("node", n.ID)
		}
		n.Allocated = next
		return nil
	})
	if err != nil {
		return err
	}

	_, err = s.store.Pods().Transition(ctx, pod.ID, stark.PodPending, stark.PodScheduled, func(p *stark.Pod) {
		p.NodeID = node.ID
		p.StatusMessage = ""
	})
	if err != nil {
		// roll the allocation back; the pod stays pending
		if _, rerr := s.store.Nodes().Update(ctx, node.ID, func(n *stark.Node) error {
			n.Allocated = n.Allocated.Sub(requests)
			return nil
		}); rerr != nil {
			logrus.Errorf("Failed to roll back allocation on node %s: %v", node.Name, rerr)
		}
		return err
	}

	logrus.Infof("Bound pod %s (%s@%s) to node %s", pod.ID, pack.Name, pod.PackVersion, node.Name)
	metrics.SchedulingOutcomes.WithLabelValues("bound").Inc()

	if s.commander != nil {
		msg, err := stark.NewMessage(stark.MsgPodStart, "", &stark.PodStart{
			PodID:          pod.ID,
			PackID:         pack.ID,
			PackVersion:    pod.PackVersion,
			BundleRef:      pack.BundlePath,
			ResourceLimits: pod.ResourceLimits,
		})
		if err == nil {
			if err := s.commander.Send(ctx, node.ID, msg); err != nil {
				logrus.Warnf("Failed to dispatch start for pod %s: %v", pod.ID, err)
			}
		}
	}
	return nil
}

func (s *Scheduler) recordOutcome(ctx context.Context, pod *stark.Pod, outcome string) {
	metrics.SchedulingOutcomes.WithLabelValues(outcome).Inc()
	if pod.StatusMessage == outcome {
		return
	}
	if _, err := s.store.Pods().Update(ctx, pod.ID, func(p *stark.Pod) error {
		p.StatusMessage = outcome
		return nil
	}); err != nil {
		logrus.Warnf("Failed to record scheduling outcome for pod %s: %v", pod.ID, err)
	}
	logrus.Debugf("Pod %s not schedulable: %s", pod.ID, outcome)
}

type rankedNode struct {
	node  *stark.Node
	score float64
}

func (s *Scheduler) score(pod *stark.Pod, candidates []*stark.Node, podsByNode map[string][]*stark.Pod) []rankedNode {
	ranked := make([]rankedNode, 0, len(candidates))
	for _, node := range candidates {
		ranked = append(ranked, rankedNode{node: node, score: scoreNode(pod, node, podsByNode[node.ID])})
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].score != ranked[j].score {
			return ranked[i].score > ranked[j].score
		}
		return ranked[i].node.ID < ranked[j].node.ID
	})
	return ranked
}
