// Package network is the routing fabric: it tracks which running pods back
// which services, evaluates network policy, answers route queries from
// agents, and broadcasts peer departures.
package network

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stark-io/stark/pkg/events"
	"github.com/stark-io/stark/pkg/metrics"
	"github.com/stark-io/stark/pkg/stark"
	"github.com/stark-io/stark/pkg/store"
)

// Commander is the slice of the agent channel the fabric needs for
// peer-gone broadcasts and signal relays.
type Commander interface {
	Send(ctx context.Context, nodeID string, msg *stark.Message) error
	ConnectedNodeIDs() []string
}

type endpoint struct {
	podID    string
	nodeID   string
	lastUsed time.Time
}

type serviceState struct {
	id             string
	name           string
	namespace      string
	visibility     stark.Visibility
	allowedSources []string
	endpoints      map[string]*endpoint
}

// clone copies the identity fields so policy evaluation never reads state
// mutated under the fabric lock.
func (s *serviceState) clone() *serviceState {
	return &serviceState{
		id:             s.id,
		name:           s.name,
		namespace:      s.namespace,
		visibility:     s.visibility,
		allowedSources: append([]string(nil), s.allowedSources...),
	}
}

type podRef struct {
	nodeID    string
	serviceID string
}

// Fabric holds the in-memory routing tables. They are rebuilt from the
// store at startup, kept current from bus events, and resynced on a
// periodic tick to repair any drops.
type Fabric struct {
	store     store.Interface
	bus       *events.Bus
	commander Commander

	mu       sync.RWMutex
	services map[string]*serviceState
	byName   map[string]string
	pods     map[string]podRef

	policy  atomic.Pointer[policySnapshot]
	counter atomic.Uint64

	resyncInterval time.Duration
}

func NewFabric(st store.Interface, bus *events.Bus, commander Commander) *Fabric {
	f := &Fabric{
		store:          st,
		bus:            bus,
		commander:      commander,
		services:       map[string]*serviceState{},
		byName:         map[string]string{},
		pods:           map[string]podRef{},
		resyncInterval: 30 * time.Second,
	}
	f.policy.Store(&policySnapshot{})
	return f
}

// Run rebuilds the tables, then follows bus events until the context is
// canceled.
func (f *Fabric) Run(ctx context.Context) error {
	if err := f.Rebuild(ctx); err != nil {
		return err
	}

	ch, cancel := f.bus.Subscribe(events.Filter{
		Kinds: []events.Kind{events.KindPod, events.KindService, events.KindPolicy},
	}, 256)
	defer cancel()

	ticker := time.NewTicker(f.resyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := f.Rebuild(ctx); err != nil {
				logrus.Warnf("Routing table resync failed: %v", err)
			}
		case e, ok := <-ch:
			if !ok {
				return nil
			}
			f.apply(ctx, e)
		}
	}
}

// Rebuild replaces the routing tables with the store's current view.
func (f *Fabric) Rebuild(ctx context.Context) error {
	svcs, err := f.store.Services().List(ctx, store.ServiceFilter{})
	if err != nil {
		return err
	}
	running, err := f.store.Pods().List(ctx, store.PodFilter{Statuses: []stark.PodStatus{stark.PodRunning}})
	if err != nil {
		return err
	}
	policies, err := f.store.Policies().List(ctx, "")
	if err != nil {
		return err
	}

	services := map[string]*serviceState{}
	byName := map[string]string{}
	pods := map[string]podRef{}
	for _, svc := range svcs {
		state := newServiceState(svc)
		services[svc.ID] = state
		byName[svc.Namespace+"/"+svc.Name] = svc.ID
	}
	for _, pod := range running {
		if pod.ServiceID == "" {
			continue
		}
		if state, ok := services[pod.ServiceID]; ok {
			state.endpoints[pod.ID] = &endpoint{podID: pod.ID, nodeID: pod.NodeID}
		}
		pods[pod.ID] = podRef{nodeID: pod.NodeID, serviceID: pod.ServiceID}
	}

	f.mu.Lock()
	f.services = services
	f.byName = byName
	f.pods = pods
	f.mu.Unlock()

	f.policy.Store(newPolicySnapshot(policies))
	return nil
}

func newServiceState(svc *stark.Service) *serviceState {
	return &serviceState{
		id:             svc.ID,
		name:           svc.Name,
		namespace:      svc.Namespace,
		visibility:     svc.Visibility,
		allowedSources: svc.AllowedSources,
		endpoints:      map[string]*endpoint{},
	}
}

func (f *Fabric) apply(ctx context.Context, e events.Event) {
	switch e.Kind {
	case events.KindPolicy:
		f.reloadPolicies(ctx)
	case events.KindService:
		f.applyService(e)
	case events.KindPod:
		f.applyPod(ctx, e)
	}
}

func (f *Fabric) reloadPolicies(ctx context.Context) {
	policies, err := f.store.Policies().List(ctx, "")
	if err != nil {
		logrus.Warnf("Policy reload failed: %v", err)
		return
	}
	f.policy.Store(newPolicySnapshot(policies))
}

func (f *Fabric) applyService(e events.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if e.Action == events.ActionDeleted {
		if old, ok := e.Old.(*stark.Service); ok {
			if state, found := f.services[old.ID]; found {
				delete(f.byName, state.namespace+"/"+state.name)
			}
			delete(f.services, old.ID)
		}
		return
	}
	svc, ok := e.New.(*stark.Service)
	if !ok {
		return
	}
	state, found := f.services[svc.ID]
	if !found {
		state = newServiceState(svc)
		f.services[svc.ID] = state
	} else {
		state.name = svc.Name
		state.namespace = svc.Namespace
		state.visibility = svc.Visibility
		state.allowedSources = svc.AllowedSources
	}
	f.byName[svc.Namespace+"/"+svc.Name] = svc.ID
}

// applyPod keeps the endpoint tables aligned with pod status: a pod
// entering running becomes routable, a pod leaving running is withdrawn
// and its departure broadcast.
func (f *Fabric) applyPod(ctx context.Context, e events.Event) {
	oldPod, _ := e.Old.(*stark.Pod)
	newPod, _ := e.New.(*stark.Pod)

	wasRunning := oldPod != nil && oldPod.Status == stark.PodRunning
	isRunning := newPod != nil && newPod.Status == stark.PodRunning

	switch {
	case isRunning:
		if newPod.ServiceID == "" {
			return
		}
		f.mu.Lock()
		f.pods[newPod.ID] = podRef{nodeID: newPod.NodeID, serviceID: newPod.ServiceID}
		if state, ok := f.services[newPod.ServiceID]; ok {
			if _, exists := state.endpoints[newPod.ID]; !exists {
				state.endpoints[newPod.ID] = &endpoint{podID: newPod.ID, nodeID: newPod.NodeID}
			}
		}
		f.mu.Unlock()
	case wasRunning:
		f.withdraw(ctx, oldPod)
	}
}

func (f *Fabric) withdraw(ctx context.Context, pod *stark.Pod) {
	f.mu.Lock()
	delete(f.pods, pod.ID)
	var serviceName string
	if state, ok := f.services[pod.ServiceID]; ok {
		delete(state.endpoints, pod.ID)
		serviceName = state.name
	}
	f.mu.Unlock()

	f.broadcastPeerGone(ctx, pod.ID, serviceName)
}

// broadcastPeerGone tells every connected agent that a pod is no longer
// reachable so cached routes and open peer channels are torn down.
func (f *Fabric) broadcastPeerGone(ctx context.Context, podID, serviceName string) {
	msg, err := stark.NewMessage(stark.MsgPeerGone, "", &stark.PeerGone{PodID: podID, ServiceName: serviceName})
	if err != nil {
		return
	}
	for _, nodeID := range f.commander.ConnectedNodeIDs() {
		if err := f.commander.Send(ctx, nodeID, msg); err != nil {
			logrus.Debugf("Peer-gone broadcast to node %s failed: %v", nodeID, err)
		}
	}
}

// NodeForPod locates the node hosting a running pod.
func (f *Fabric) NodeForPod(podID string) (string, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	ref, ok := f.pods[podID]
	return ref.nodeID, ok
}

// Resolve answers a route query from an agent: policy first, then the
// least-recently-used healthy endpoint with lexicographic tie-break.
func (f *Fabric) Resolve(ctx context.Context, req *stark.RouteRequest) *stark.RouteResponse {
	f.mu.RLock()
	source, sourceOK := f.lookupSource(req)
	if source != nil {
		source = source.clone()
	}
	target, targetOK := f.lookupTarget(req.TargetService, source)
	if target != nil {
		target = target.clone()
	}
	f.mu.RUnlock()

	if !sourceOK {
		metrics.RouteResolutions.WithLabelValues("denied").Inc()
		return &stark.RouteResponse{DenyReason: "unknown source pod"}
	}
	return f.decide(source, target, targetOK)
}

// ResolveServices answers a route query keyed by caller service instead of
// caller pod; the control API's route endpoint uses it.
func (f *Fabric) ResolveServices(ctx context.Context, callerServiceID, targetServiceID string) *stark.RouteResponse {
	f.mu.RLock()
	source, sourceOK := f.services[callerServiceID]
	if sourceOK {
		source = source.clone()
	}
	target, targetOK := f.lookupTarget(targetServiceID, source)
	if targetOK {
		target = target.clone()
	}
	f.mu.RUnlock()

	if !sourceOK {
		metrics.RouteResolutions.WithLabelValues("denied").Inc()
		return &stark.RouteResponse{DenyReason: "unknown caller service"}
	}
	return f.decide(source, target, targetOK)
}

// decide runs the shared tail of route resolution: policy, then endpoint
// selection.
func (f *Fabric) decide(source, target *serviceState, targetOK bool) *stark.RouteResponse {
	if !targetOK {
		metrics.RouteResolutions.WithLabelValues("not_found").Inc()
		return &stark.RouteResponse{DenyReason: "no such service"}
	}
	if allowed, reason := f.policy.Load().Allowed(source, target); !allowed {
		metrics.RouteResolutions.WithLabelValues("denied").Inc()
		return &stark.RouteResponse{DenyReason: reason}
	}
	pick := f.pickEndpoint(target.id)
	if pick == nil {
		metrics.RouteResolutions.WithLabelValues("no_endpoints").Inc()
		return &stark.RouteResponse{PolicyAllowed: true, DenyReason: "no healthy endpoints"}
	}
	metrics.RouteResolutions.WithLabelValues("allowed").Inc()
	return &stark.RouteResponse{
		TargetPodID:   pick.podID,
		TargetNodeID:  pick.nodeID,
		PolicyAllowed: true,
	}
}

// lookupSource resolves the calling pod to its service. Callers hold f.mu.
func (f *Fabric) lookupSource(req *stark.RouteRequest) (*serviceState, bool) {
	ref, ok := f.pods[req.SourcePodID]
	if !ok {
		return nil, false
	}
	state, ok := f.services[ref.serviceID]
	return state, ok
}

// lookupTarget accepts "name" (resolved in the source's namespace) or
// "namespace/name". Callers hold f.mu.
func (f *Fabric) lookupTarget(target string, source *serviceState) (*serviceState, bool) {
	if id, ok := f.byName[target]; ok {
		state, found := f.services[id]
		return state, found
	}
	if source == nil {
		return nil, false
	}
	if id, ok := f.byName[source.namespace+"/"+target]; ok {
		state, found := f.services[id]
		return state, found
	}
	if state, ok := f.services[target]; ok {
		return state, true
	}
	return nil, false
}

func (f *Fabric) pickEndpoint(serviceID string) *endpoint {
	f.mu.Lock()
	defer f.mu.Unlock()
	state, ok := f.services[serviceID]
	if !ok || len(state.endpoints) == 0 {
		return nil
	}
	var pick *endpoint
	for _, ep := range state.endpoints {
		if pick == nil {
			pick = ep
			continue
		}
		if ep.lastUsed.Before(pick.lastUsed) ||
			(ep.lastUsed.Equal(pick.lastUsed) && ep.podID < pick.podID) {
			pick = ep
		}
	}
	pick.lastUsed = time.Now()
	return &endpoint{podID: pick.podID, nodeID: pick.nodeID}
}

// EndpointRef is one routable backend of a service.
type EndpointRef struct {
	PodID  string
	NodeID string
}

// Endpoints lists a service's routable backends sorted by pod ID.
func (f *Fabric) Endpoints(serviceID string) []EndpointRef {
	f.mu.RLock()
	defer f.mu.RUnlock()
	state, ok := f.services[serviceID]
	if !ok {
		return nil
	}
	out := make([]EndpointRef, 0, len(state.endpoints))
	for _, ep := range state.endpoints {
		out = append(out, EndpointRef{PodID: ep.podID, NodeID: ep.nodeID})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PodID < out[j].PodID })
	return out
}

// RegistryEntry is one (service, pod) pair of the routing registry, the
// shape returned by the control API's registry listing.
type RegistryEntry struct {
	ServiceID   string `json:"serviceId"`
	ServiceName string `json:"serviceName"`
	Namespace   string `json:"namespace"`
	PodID       string `json:"podId"`
	NodeID      string `json:"nodeId"`
}

// Registry snapshots every routable endpoint, sorted by service then pod.
func (f *Fabric) Registry() []RegistryEntry {
	f.mu.RLock()
	defer f.mu.RUnlock()
	var out []RegistryEntry
	for _, state := range f.services {
		for _, ep := range state.endpoints {
			out = append(out, RegistryEntry{
				ServiceID:   state.id,
				ServiceName: state.name,
				Namespace:   state.namespace,
				PodID:       ep.podID,
				NodeID:      ep.nodeID,
			})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ServiceName != out[j].ServiceName {
			return out[i].ServiceName < out[j].ServiceName
		}
		return out[i].PodID < out[j].PodID
	})
	return out
}

// NextCounter returns the monotonic fallback key for ingress selection.
func (f *Fabric) NextCounter() uint64 {
	return f.counter.Add(1)
}
