// Package nodes tracks worker liveness. It owns the node lifecycle state
// machine, consumes heartbeats from the agent channel, and evicts pods from
// nodes that go quiet.
package nodes

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stark-io/stark/pkg/apierror"
	"github.com/stark-io/stark/pkg/metrics"
	"github.com/stark-io/stark/pkg/stark"
	"github.com/stark-io/stark/pkg/store"
)

// Commander dispatches a command frame to a connected node agent.
type Commander interface {
	Send(ctx context.Context, nodeID string, msg *stark.Message) error
}

type Config struct {
	HeartbeatInterval time.Duration
	UnhealthyAfter    time.Duration
	OfflineAfter      time.Duration
	DrainBackoff      time.Duration
}

// DefaultConfig derives the timeout policy from the heartbeat interval:
// unhealthy after two missed beats plus slack, offline after four.
func DefaultConfig() Config {
	interval := 15 * time.Second
	return Config{
		HeartbeatInterval: interval,
		UnhealthyAfter:    2*interval + 5*time.Second,
		OfflineAfter:      4*interval + 10*time.Second,
		DrainBackoff:      5 * time.Second,
	}
}

// Registry is the node registry. Per-node work is serialized by a per-node
// lock; global snapshots only take the registry read lock.
type Registry struct {
	store     store.Interface
	commander Commander
	cfg       Config

	mu        sync.RWMutex
	locks     map[string]*sync.Mutex
	heartbeat map[string]time.Time
	lastDrain map[string]time.Time
	banned    map[string]bool

	// test-only heartbeat attenuation hook; nil in production
	attenuate func(nodeID string) bool
}

func NewRegistry(st store.Interface, commander Commander, cfg Config) *Registry {
	if cfg.HeartbeatInterval <= 0 {
		cfg = DefaultConfig()
	}
	return &Registry{
		store:     st,
		commander: commander,
		cfg:       cfg,
		locks:     map[string]*sync.Mutex{},
		heartbeat: map[string]time.Time{},
		lastDrain: map[string]time.Time{},
		banned:    map[string]bool{},
	}
}

// Lock returns the per-node mutex. The scheduler holds it across the bind
// transaction so allocation updates cannot double-book.
func (r *Registry) Lock(nodeID string) *sync.Mutex {
	return r.nodeLock(nodeID)
}

func (r *Registry) nodeLock(id string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	lock, ok := r.locks[id]
	if !ok {
		lock = &sync.Mutex{}
		r.locks[id] = lock
	}
	return lock
}

// Register creates a node record, or resumes an existing one by name. The
// node always comes back online with the connection that registered it.
func (r *Registry) Register(ctx context.Context, connectionID, principal string, req *stark.NodeRegister) (*stark.Node, error) {
	if req.Name == "" {
		return nil, apierror.NewValidation("node name is required")
	}
	if req.RuntimeType != stark.RuntimeNode && req.RuntimeType != stark.RuntimeBrowser {
		return nil, apierror.NewValidation("unknown runtime type %q", req.RuntimeType)
	}

	existing, err := r.store.Nodes().GetByName(ctx, req.Name)
	if apierror.IsNotFound(err) {
		node := &stark.Node{
			Name:           req.Name,
			RuntimeType:    req.RuntimeType,
			RuntimeVersion: req.RuntimeVersion,
			Status:         stark.NodeOnline,
			Labels:         req.Labels,
			Taints:         req.Taints,
			Allocatable:    req.Allocatable,
			LastHeartbeat:  time.Now(),
			RegisteredBy:   principal,
			ConnectionID:   connectionID,
		}
		if err := r.store.Nodes().Create(ctx, node); err != nil {
			return nil, err
		}
		r.observeHeartbeat(node.ID)
		logrus.Infof("Node %s (%s) registered with runtime %s/%s", node.Name, node.ID, node.RuntimeType, node.RuntimeVersion)
		return node, nil
	} else if err != nil {
		return nil, err
	}

	if existing.ConnectionID != "" && existing.ConnectionID != connectionID && existing.Status == stark.NodeOnline {
		return nil, apierror.NewConflict("node", req.Name, "already registered from another connection")
	}

	lock := r.nodeLock(existing.ID)
	lock.Lock()
	defer lock.Unlock()

	node, err := r.store.Nodes().Update(ctx, existing.ID, func(n *stark.Node) error {
		n.Status = stark.NodeOnline
		n.ConnectionID = connectionID
		n.RuntimeType = req.RuntimeType
		n.RuntimeVersion = req.RuntimeVersion
		n.Allocatable = req.Allocatable
		n.Labels = req.Labels
		n.Taints = req.Taints
		n.RegisteredBy = principal
		n.LastHeartbeat = time.Now()
		return nil
	})
	if err != nil {
		return nil, err
	}
	r.observeHeartbeat(node.ID)
	logrus.Infof("Node %s (%s) resumed registration", node.Name, node.ID)
	return node, nil
}

// Heartbeat processes one heartbeat frame. Heartbeats from connections that
// do not own the node, or that have been banned, are refused.
func (r *Registry) Heartbeat(ctx context.Context, connectionID string, hb *stark.NodeHeartbeat) error {
	r.mu.RLock()
	bannedConn := r.banned[connectionID]
	r.mu.RUnlock()
	if bannedConn {
		return apierror.NewAuth("connection is banned")
	}
	if r.attenuate != nil && r.attenuate(hb.NodeID) {
		return nil
	}

	lock := r.nodeLock(hb.NodeID)
	lock.Lock()
	defer lock.Unlock()

	node, err := r.store.Nodes().Get(ctx, hb.NodeID)
	if err != nil {
		return err
	}
	if node.ConnectionID != connectionID {
		return apierror.NewAuth("heartbeat from unknown connection")
	}

	now := time.Now()
	r.mu.RLock()
	if last, ok := r.heartbeat[hb.NodeID]; ok {
		metrics.HeartbeatLag.WithLabelValues(node.Name).Observe(now.Sub(last).Seconds())
	}
	r.mu.RUnlock()
	r.observeHeartbeat(hb.NodeID)

	_, err = r.store.Nodes().Update(ctx, node.ID, func(n *stark.Node) error {
		if n.Status == stark.NodeUnhealthy || n.Status == stark.NodeOffline {
			logrus.Infof("Node %s is back online", n.Name)
			n.Status = stark.NodeOnline
		}
		n.LastHeartbeat = now
		n.Allocated = hb.Allocated
		if hb.RuntimeVersion != "" {
			n.RuntimeVersion = hb.RuntimeVersion
		}
		return nil
	})
	if err != nil {
		return err
	}

	return r.resyncPodStates(ctx, node.ID, hb.PodStates)
}

// resyncPodStates reconciles the agent's view of its pods with the store.
// Pods the store believes are non-terminal but the agent no longer reports
// move to unknown; reported statuses ahead of the store are applied.
func (r *Registry) resyncPodStates(ctx context.Context, nodeID string, states []stark.PodStateSummary) error {
	pods, err := r.store.Pods().List(ctx, store.PodFilter{NodeID: nodeID})
	if err != nil {
		return err
	}
	reported := map[string]stark.PodStatus{}
	for _, s := range states {
		reported[s.PodID] = s.Status
	}
	for _, pod := range pods {
		if pod.Status.Terminal() {
			continue
		}
		status, ok := reported[pod.ID]
		if !ok {
			// scheduled pods may not have reached the agent yet
			if pod.Status == stark.PodScheduled || pod.Status == stark.PodUnknown {
				continue
			}
			if _, err := r.store.Pods().Transition(ctx, pod.ID, pod.Status, stark.PodUnknown, func(p *stark.Pod) {
				p.StatusMessage = "not reported by node agent"
			}); err != nil && !apierror.IsPreconditionFailed(err) {
				logrus.Warnf("Failed to mark pod %s unknown: %v", pod.ID, err)
			}
			continue
		}
		if status != pod.Status && stark.ValidPodTransition(pod.Status, status) {
			if _, err := r.store.Pods().Transition(ctx, pod.ID, pod.Status, status, nil); err != nil && !apierror.IsPreconditionFailed(err) {
				logrus.Warnf("Failed to resync pod %s to %s: %v", pod.ID, status, err)
			}
		}
	}
	return nil
}

func (r *Registry) observeHeartbeat(nodeID string) {
	r.mu.Lock()
	r.heartbeat[nodeID] = time.Now()
	r.mu.Unlock()
}

// Disconnected clears the connection binding. The node keeps its status;
// the sweep demotes it if no new connection arrives.
func (r *Registry) Disconnected(ctx context.Context, connectionID string) {
	nodes, err := r.store.Nodes().List(ctx, store.NodeFilter{})
	if err != nil {
		logrus.Errorf("Failed to list nodes on disconnect: %v", err)
		return
	}
	for _, node := range nodes {
		if node.ConnectionID != connectionID {
			continue
		}
		if _, err := r.store.Nodes().Update(ctx, node.ID, func(n *stark.Node) error {
			n.ConnectionID = ""
			return nil
		}); err != nil {
			logrus.Warnf("Failed to clear connection for node %s: %v", node.Name, err)
		}
	}
}

// Ban refuses all future heartbeats from a connection.
func (r *Registry) Ban(connectionID string) {
	r.mu.Lock()
	r.banned[connectionID] = true
	r.mu.Unlock()
}

// Sweep walks all nodes and applies heartbeat timeouts: online nodes that
// missed T_unhealthy go unhealthy, unhealthy nodes that missed T_offline go
// offline and have their pods evicted. Draining nodes evict one pod per
// sweep with backoff.
func (r *Registry) Sweep(ctx context.Context) error {
	nodes, err := r.store.Nodes().List(ctx, store.NodeFilter{})
	if err != nil {
		return err
	}
	now := time.Now()
	for _, node := range nodes {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		lock := r.nodeLock(node.ID)
		lock.Lock()
		r.sweepNode(ctx, node, now)
		lock.Unlock()
	}
	return nil
}

func (r *Registry) sweepNode(ctx context.Context, node *stark.Node, now time.Time) {
	lag := now.Sub(node.LastHeartbeat)
	switch node.Status {
	case stark.NodeOnline:
		if lag > r.cfg.UnhealthyAfter {
			logrus.Warnf("Node %s missed heartbeats for %s, marking unhealthy", node.Name, lag.Truncate(time.Second))
			r.transition(ctx, node.ID, stark.NodeUnhealthy)
		}
	case stark.NodeUnhealthy:
		if lag > r.cfg.OfflineAfter {
			logrus.Errorf("Node %s lost after %s, marking offline and evicting pods", node.Name, lag.Truncate(time.Second))
			r.transition(ctx, node.ID, stark.NodeOffline)
			if err := r.EvictPods(ctx, node.ID, "node lost"); err != nil {
				logrus.Errorf("Failed to evict pods from node %s: %v", node.Name, err)
			}
		}
	case stark.NodeDraining:
		r.drainOne(ctx, node)
	}
}

func (r *Registry) transition(ctx context.Context, nodeID string, to stark.NodeStatus) {
	_, err := r.store.Nodes().Update(ctx, nodeID, func(n *stark.Node) error {
		if !stark.ValidNodeTransition(n.Status, to) {
			return apierror.NewValidation("node transition %s -> %s is not allowed", n.Status, to)
		}
		n.Status = to
		return nil
	})
	if err != nil {
		logrus.Warnf("Failed to transition node %s to %s: %v", nodeID, to, err)
	}
}

// EvictPods moves every non-terminal pod on the node to evicted and frees
// the node's allocation. The service reconciler creates replacements on its
// next pass.
func (r *Registry) EvictPods(ctx context.Context, nodeID, reason string) error {
	pods, err := r.store.Pods().List(ctx, store.PodFilter{NodeID: nodeID})
	if err != nil {
		return err
	}
	for _, pod := range pods {
		if pod.Status.Terminal() || pod.Status == stark.PodPending {
			continue
		}
		r.evictPod(ctx, pod, reason)
	}
	return nil
}

func (r *Registry) evictPod(ctx context.Context, pod *stark.Pod, reason string) {
	now := time.Now()
	if _, err := r.store.Pods().Transition(ctx, pod.ID, pod.Status, stark.PodEvicted, func(p *stark.Pod) {
		p.StatusMessage = reason
		p.StoppedAt = &now
	}); err != nil {
		logrus.Warnf("Failed to evict pod %s: %v", pod.ID, err)
		return
	}
	if _, err := r.store.Nodes().Update(ctx, pod.NodeID, func(n *stark.Node) error {
		n.Allocated = n.Allocated.Sub(pod.EffectiveRequests())
		return nil
	}); err != nil {
		logrus.Warnf("Failed to release allocation for pod %s: %v", pod.ID, err)
	}
	if r.commander != nil {
		msg, err := stark.NewMessage(stark.MsgPodStop, "", &stark.PodStop{PodID: pod.ID, Reason: reason})
		if err == nil {
			if err := r.commander.Send(ctx, pod.NodeID, msg); err != nil {
				logrus.Debugf("Could not dispatch stop for evicted pod %s: %v", pod.ID, err)
			}
		}
	}
}

// drainOne evicts at most one pod per drain backoff window.
func (r *Registry) drainOne(ctx context.Context, node *stark.Node) {
	r.mu.Lock()
	last := r.lastDrain[node.ID]
	r.mu.Unlock()
	if time.Since(last) < r.cfg.DrainBackoff {
		return
	}
	pods, err := r.store.Pods().List(ctx, store.PodFilter{NodeID: node.ID})
	if err != nil {
		logrus.Warnf("Failed to list pods for draining node %s: %v", node.Name, err)
		return
	}
	for _, pod := range pods {
		if pod.Status.Terminal() {
			continue
		}
		r.evictPod(ctx, pod, "node draining")
		r.mu.Lock()
		r.lastDrain[node.ID] = time.Now()
		r.mu.Unlock()
		return
	}
	// no pods left, drain complete
	logrus.Infof("Node %s drained", node.Name)
	r.transition(ctx, node.ID, stark.NodeMaintenance)
}

// Cordon toggles schedulability without changing node status.
func (r *Registry) Cordon(ctx context.Context, nodeID string, unschedulable bool) (*stark.Node, error) {
	lock := r.nodeLock(nodeID)
	lock.Lock()
	defer lock.Unlock()
	return r.store.Nodes().Update(ctx, nodeID, func(n *stark.Node) error {
		n.Unschedulable = unschedulable
		return nil
	})
}

// Drain marks the node draining; the sweep evicts its pods one at a time.
func (r *Registry) Drain(ctx context.Context, nodeID string) (*stark.Node, error) {
	lock := r.nodeLock(nodeID)
	lock.Lock()
	defer lock.Unlock()
	return r.store.Nodes().Update(ctx, nodeID, func(n *stark.Node) error {
		if !stark.ValidNodeTransition(n.Status, stark.NodeDraining) {
			return apierror.NewValidation("cannot drain node in status %s", n.Status)
		}
		n.Status = stark.NodeDraining
		n.Unschedulable = true
		return nil
	})
}

// Remove deletes the node record after evicting its pods.
func (r *Registry) Remove(ctx context.Context, nodeID string) error {
	lock := r.nodeLock(nodeID)
	lock.Lock()
	defer lock.Unlock()
	if err := r.EvictPods(ctx, nodeID, "node removed"); err != nil {
		return err
	}
	return r.store.Nodes().Delete(ctx, nodeID)
}

// ApplyConfig patches labels, taints, and schedulability, pushes the new
// config to the agent, and evicts pods that no longer tolerate a NoExecute
// taint.
func (r *Registry) ApplyConfig(ctx context.Context, nodeID string, labels map[string]string, taints []stark.Taint, unschedulable *bool) (*stark.Node, error) {
	lock := r.nodeLock(nodeID)
	lock.Lock()
	defer lock.Unlock()

	node, err := r.store.Nodes().Update(ctx, nodeID, func(n *stark.Node) error {
		if labels != nil {
			n.Labels = labels
		}
		if taints != nil {
			n.Taints = taints
		}
		if unschedulable != nil {
			n.Unschedulable = *unschedulable
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if r.commander != nil && node.ConnectionID != "" {
		msg, err := stark.NewMessage(stark.MsgNodeConfig, "", &stark.NodeConfig{Labels: node.Labels, Taints: node.Taints})
		if err == nil {
			if err := r.commander.Send(ctx, node.ID, msg); err != nil {
				logrus.Debugf("Could not push config to node %s: %v", node.Name, err)
			}
		}
	}

	if taints != nil {
		r.evictUntolerated(ctx, node)
	}
	return node, nil
}

// evictUntolerated enforces NoExecute: pods on the node that do not tolerate
// every NoExecute taint are evicted, including pods whose toleration was
// removed mid-life.
func (r *Registry) evictUntolerated(ctx context.Context, node *stark.Node) {
	var noExecute []stark.Taint
	for _, taint := range node.Taints {
		if taint.Effect == stark.TaintEffectNoExecute {
			noExecute = append(noExecute, taint)
		}
	}
	if len(noExecute) == 0 {
		return
	}
	pods, err := r.store.Pods().List(ctx, store.PodFilter{NodeID: node.ID})
	if err != nil {
		logrus.Warnf("Failed to list pods for taint enforcement on node %s: %v", node.Name, err)
		return
	}
	for _, pod := range pods {
		if pod.Status.Terminal() {
			continue
		}
		for _, taint := range noExecute {
			if !stark.Tolerated(taint, pod.Tolerations) {
				r.evictPod(ctx, pod, "NoExecute taint "+taint.Key)
				break
			}
		}
	}
}
