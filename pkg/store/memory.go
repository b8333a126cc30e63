package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/blang/semver/v4"
	"github.com/google/uuid"
	"github.com/stark-io/stark/pkg/apierror"
	"github.com/stark-io/stark/pkg/events"
	"github.com/stark-io/stark/pkg/stark"
)

// memory is the in-memory gateway implementation. It backs tests and
// single-process dev mode, and mirrors the SQL implementation's error
// classification exactly so components cannot tell them apart.
type memory struct {
	bus *events.Bus

	mu         sync.RWMutex
	packs      map[string]*stark.Pack
	nodes      map[string]*stark.Node
	pods       map[string]*stark.Pod
	services   map[string]*stark.Service
	namespaces map[string]*stark.Namespace
	policies   map[string]*stark.NetworkPolicy
	history    map[string][]*stark.PodHistoryEntry
}

// NewMemory returns an in-memory store gateway publishing changes to bus.
func NewMemory(bus *events.Bus) Interface {
	return &memory{
		bus:        bus,
		packs:      map[string]*stark.Pack{},
		nodes:      map[string]*stark.Node{},
		pods:       map[string]*stark.Pod{},
		services:   map[string]*stark.Service{},
		namespaces: map[string]*stark.Namespace{},
		policies:   map[string]*stark.NetworkPolicy{},
		history:    map[string][]*stark.PodHistoryEntry{},
	}
}

func deepCopy[T any](v *T) *T {
	if v == nil {
		return nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	out := new(T)
	if err := json.Unmarshal(raw, out); err != nil {
		panic(err)
	}
	return out
}

func (m *memory) publish(kind events.Kind, action events.Action, key string, old, new interface{}) {
	if m.bus != nil {
		m.bus.Publish(events.Event{Kind: kind, Action: action, Key: key, Old: old, New: new})
	}
}

func (m *memory) Packs() PackStore            { return &memPacks{m} }
func (m *memory) Nodes() NodeStore            { return &memNodes{m} }
func (m *memory) Pods() PodStore              { return &memPods{m} }
func (m *memory) Services() ServiceStore      { return &memServices{m} }
func (m *memory) Namespaces() NamespaceStore  { return &memNamespaces{m} }
func (m *memory) Policies() PolicyStore       { return &memPolicies{m} }
func (m *memory) PodHistory() PodHistoryStore { return &memHistory{m} }

type memPacks struct{ *memory }

func (m *memPacks) Create(_ context.Context, pack *stark.Pack) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if pack.ID == "" {
		pack.ID = uuid.NewString()
	}
	if _, ok := m.packs[pack.ID]; ok {
		return apierror.NewConflict("pack", pack.ID, "already exists")
	}
	for _, existing := range m.packs {
		if existing.Name == pack.Name && existing.Version == pack.Version {
			return apierror.NewConflict("pack", pack.Name+"@"+pack.Version, "version already registered")
		}
	}
	if pack.CreatedAt.IsZero() {
		pack.CreatedAt = time.Now()
	}
	pack.Revision = 1
	m.packs[pack.ID] = deepCopy(pack)
	m.publish(events.KindPack, events.ActionCreated, pack.ID, nil, deepCopy(pack))
	return nil
}

func (m *memPacks) Get(_ context.Context, id string) (*stark.Pack, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	pack, ok := m.packs[id]
	if !ok {
		return nil, apierror.NewNotFound("pack", id)
	}
	return deepCopy(pack), nil
}

func (m *memPacks) GetByNameVersion(_ context.Context, name, version string) (*stark.Pack, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, pack := range m.packs {
		if pack.Name == name && pack.Version == version {
			return deepCopy(pack), nil
		}
	}
	return nil, apierror.NewNotFound("pack", name+"@"+version)
}

func (m *memPacks) Latest(_ context.Context, name string) (*stark.Pack, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var best *stark.Pack
	var bestVer semver.Version
	for _, pack := range m.packs {
		if pack.Name != name {
			continue
		}
		ver, err := semver.ParseTolerant(pack.Version)
		if err != nil {
			continue
		}
		if best == nil || ver.GT(bestVer) {
			best, bestVer = pack, ver
		}
	}
	if best == nil {
		return nil, apierror.NewNotFound("pack", name)
	}
	return deepCopy(best), nil
}

func (m *memPacks) List(_ context.Context, filter PackFilter) ([]*stark.Pack, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*stark.Pack
	for _, pack := range m.packs {
		if filter.Name != "" && pack.Name != filter.Name {
			continue
		}
		if filter.OwnerID != "" && pack.OwnerID != filter.OwnerID {
			continue
		}
		if filter.Visibility != "" && pack.Visibility != filter.Visibility {
			continue
		}
		out = append(out, deepCopy(pack))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return page(out, filter.Limit, filter.Offset), nil
}

func (m *memPacks) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	pack, ok := m.packs[id]
	if !ok {
		return apierror.NewNotFound("pack", id)
	}
	delete(m.packs, id)
	m.publish(events.KindPack, events.ActionDeleted, id, deepCopy(pack), nil)
	return nil
}

type memNodes struct{ *memory }

func (m *memNodes) Create(_ context.Context, node *stark.Node) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if node.ID == "" {
		node.ID = uuid.NewString()
	}
	if _, ok := m.nodes[node.ID]; ok {
		return apierror.NewConflict("node", node.ID, "already exists")
	}
	for _, existing := range m.nodes {
		if existing.Name == node.Name {
			return apierror.NewConflict("node", node.Name, "name already registered")
		}
	}
	if node.CreatedAt.IsZero() {
		node.CreatedAt = time.Now()
	}
	node.Revision = 1
	m.nodes[node.ID] = deepCopy(node)
	m.publish(events.KindNode, events.ActionCreated, node.ID, nil, deepCopy(node))
	return nil
}

func (m *memNodes) Get(_ context.Context, id string) (*stark.Node, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	node, ok := m.nodes[id]
	if !ok {
		return nil, apierror.NewNotFound("node", id)
	}
	return deepCopy(node), nil
}

func (m *memNodes) GetByName(_ context.Context, name string) (*stark.Node, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, node := range m.nodes {
		if node.Name == name {
			return deepCopy(node), nil
		}
	}
	return nil, apierror.NewNotFound("node", name)
}

func (m *memNodes) List(_ context.Context, filter NodeFilter) ([]*stark.Node, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*stark.Node
	for _, node := range m.nodes {
		if filter.Status != "" && node.Status != filter.Status {
			continue
		}
		out = append(out, deepCopy(node))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return page(out, filter.Limit, filter.Offset), nil
}

func (m *memNodes) Update(_ context.Context, id string, mutate func(*stark.Node) error) (*stark.Node, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.nodes[id]
	if !ok {
		return nil, apierror.NewNotFound("node", id)
	}
	old := deepCopy(current)
	next := deepCopy(current)
	if err := mutate(next); err != nil {
		return nil, err
	}
	if next.Revision != old.Revision {
		return nil, apierror.NewPreconditionFailed("node", id)
	}
	next.Revision++
	m.nodes[id] = deepCopy(next)
	m.publish(events.KindNode, events.ActionUpdated, id, old, deepCopy(next))
	return next, nil
}

func (m *memNodes) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	node, ok := m.nodes[id]
	if !ok {
		return apierror.NewNotFound("node", id)
	}
	delete(m.nodes, id)
	m.publish(events.KindNode, events.ActionDeleted, id, deepCopy(node), nil)
	return nil
}

type memPods struct{ *memory }

func (m *memPods) Create(_ context.Context, pod *stark.Pod) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if pod.ID == "" {
		pod.ID = uuid.NewString()
	}
	if _, ok := m.pods[pod.ID]; ok {
		return apierror.NewConflict("pod", pod.ID, "already exists")
	}
	if pod.Status == "" {
		pod.Status = stark.PodPending
	}
	if pod.CreatedAt.IsZero() {
		pod.CreatedAt = time.Now()
	}
	pod.Revision = 1
	m.pods[pod.ID] = deepCopy(pod)
	m.publish(events.KindPod, events.ActionCreated, pod.ID, nil, deepCopy(pod))
	return nil
}

func (m *memPods) Get(_ context.Context, id string) (*stark.Pod, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	pod, ok := m.pods[id]
	if !ok {
		return nil, apierror.NewNotFound("pod", id)
	}
	return deepCopy(pod), nil
}

func (m *memPods) List(_ context.Context, filter PodFilter) ([]*stark.Pod, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*stark.Pod
	for _, pod := range m.pods {
		if filter.Namespace != "" && pod.Namespace != filter.Namespace {
			continue
		}
		if filter.ServiceID != "" && pod.ServiceID != filter.ServiceID {
			continue
		}
		if filter.NodeID != "" && pod.NodeID != filter.NodeID {
			continue
		}
		if len(filter.Statuses) > 0 && !containsStatus(filter.Statuses, pod.Status) {
			continue
		}
		out = append(out, deepCopy(pod))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return page(out, filter.Limit, filter.Offset), nil
}

func (m *memPods) Update(_ context.Context, id string, mutate func(*stark.Pod) error) (*stark.Pod, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.pods[id]
	if !ok {
		return nil, apierror.NewNotFound("pod", id)
	}
	old := deepCopy(current)
	next := deepCopy(current)
	if err := mutate(next); err != nil {
		return nil, err
	}
	if next.Revision != old.Revision {
		return nil, apierror.NewPreconditionFailed("pod", id)
	}
	next.Revision++
	m.pods[id] = deepCopy(next)
	m.publish(events.KindPod, events.ActionUpdated, id, old, deepCopy(next))
	return next, nil
}

func (m *memPods) Transition(_ context.Context, id string, from, to stark.PodStatus, mutate func(*stark.Pod)) (*stark.Pod, error) {
	if !stark.ValidPodTransition(from, to) {
		return nil, apierror.NewValidation("pod transition %s -> %s is not allowed", from, to)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.pods[id]
	if !ok {
		return nil, apierror.NewNotFound("pod", id)
	}
	if current.Status != from {
		return nil, apierror.NewPreconditionFailed("pod", id)
	}
	old := deepCopy(current)
	next := deepCopy(current)
	next.Status = to
	if mutate != nil {
		mutate(next)
	}
	next.Revision++
	m.pods[id] = deepCopy(next)
	m.history[id] = append(m.history[id], &stark.PodHistoryEntry{
		PodID: id, From: from, To: to, Message: next.StatusMessage, Timestamp: time.Now(),
	})
	m.publish(events.KindPod, events.ActionUpdated, id, old, deepCopy(next))
	return next, nil
}

func (m *memPods) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	pod, ok := m.pods[id]
	if !ok {
		return apierror.NewNotFound("pod", id)
	}
	delete(m.pods, id)
	delete(m.history, id)
	m.publish(events.KindPod, events.ActionDeleted, id, deepCopy(pod), nil)
	return nil
}

type memServices struct{ *memory }

func (m *memServices) Create(_ context.Context, svc *stark.Service) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if svc.ID == "" {
		svc.ID = uuid.NewString()
	}
	if _, ok := m.services[svc.ID]; ok {
		return apierror.NewConflict("service", svc.ID, "already exists")
	}
	for _, existing := range m.services {
		if existing.Name == svc.Name && existing.Namespace == svc.Namespace {
			return apierror.NewConflict("service", svc.Namespace+"/"+svc.Name, "name already in use")
		}
	}
	now := time.Now()
	if svc.CreatedAt.IsZero() {
		svc.CreatedAt = now
	}
	svc.UpdatedAt = now
	svc.Revision = 1
	m.services[svc.ID] = deepCopy(svc)
	m.publish(events.KindService, events.ActionCreated, svc.ID, nil, deepCopy(svc))
	return nil
}

func (m *memServices) Get(_ context.Context, id string) (*stark.Service, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	svc, ok := m.services[id]
	if !ok {
		return nil, apierror.NewNotFound("service", id)
	}
	return deepCopy(svc), nil
}

func (m *memServices) GetByName(_ context.Context, namespace, name string) (*stark.Service, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, svc := range m.services {
		if svc.Namespace == namespace && svc.Name == name {
			return deepCopy(svc), nil
		}
	}
	return nil, apierror.NewNotFound("service", namespace+"/"+name)
}

func (m *memServices) List(_ context.Context, filter ServiceFilter) ([]*stark.Service, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*stark.Service
	for _, svc := range m.services {
		if filter.Namespace != "" && svc.Namespace != filter.Namespace {
			continue
		}
		if filter.Status != "" && svc.Status != filter.Status {
			continue
		}
		out = append(out, deepCopy(svc))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return page(out, filter.Limit, filter.Offset), nil
}

func (m *memServices) Update(_ context.Context, id string, mutate func(*stark.Service) error) (*stark.Service, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.services[id]
	if !ok {
		return nil, apierror.NewNotFound("service", id)
	}
	old := deepCopy(current)
	next := deepCopy(current)
	if err := mutate(next); err != nil {
		return nil, err
	}
	if next.Revision != old.Revision {
		return nil, apierror.NewPreconditionFailed("service", id)
	}
	next.Revision++
	next.UpdatedAt = time.Now()
	m.services[id] = deepCopy(next)
	m.publish(events.KindService, events.ActionUpdated, id, old, deepCopy(next))
	return next, nil
}

func (m *memServices) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	svc, ok := m.services[id]
	if !ok {
		return apierror.NewNotFound("service", id)
	}
	delete(m.services, id)
	m.publish(events.KindService, events.ActionDeleted, id, deepCopy(svc), nil)
	return nil
}

type memNamespaces struct{ *memory }

func (m *memNamespaces) Create(_ context.Context, ns *stark.Namespace) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ns.ID == "" {
		ns.ID = uuid.NewString()
	}
	for _, existing := range m.namespaces {
		if existing.Name == ns.Name {
			return apierror.NewConflict("namespace", ns.Name, "already exists")
		}
	}
	if ns.Phase == "" {
		ns.Phase = stark.NamespaceActive
	}
	if ns.CreatedAt.IsZero() {
		ns.CreatedAt = time.Now()
	}
	ns.Revision = 1
	m.namespaces[ns.ID] = deepCopy(ns)
	m.publish(events.KindNamespace, events.ActionCreated, ns.ID, nil, deepCopy(ns))
	return nil
}

func (m *memNamespaces) Get(_ context.Context, id string) (*stark.Namespace, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ns, ok := m.namespaces[id]
	if !ok {
		return nil, apierror.NewNotFound("namespace", id)
	}
	return deepCopy(ns), nil
}

func (m *memNamespaces) GetByName(_ context.Context, name string) (*stark.Namespace, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, ns := range m.namespaces {
		if ns.Name == name {
			return deepCopy(ns), nil
		}
	}
	return nil, apierror.NewNotFound("namespace", name)
}

func (m *memNamespaces) List(_ context.Context) ([]*stark.Namespace, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*stark.Namespace
	for _, ns := range m.namespaces {
		out = append(out, deepCopy(ns))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *memNamespaces) Update(_ context.Context, id string, mutate func(*stark.Namespace) error) (*stark.Namespace, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.namespaces[id]
	if !ok {
		return nil, apierror.NewNotFound("namespace", id)
	}
	old := deepCopy(current)
	next := deepCopy(current)
	if err := mutate(next); err != nil {
		return nil, err
	}
	if next.Revision != old.Revision {
		return nil, apierror.NewPreconditionFailed("namespace", id)
	}
	next.Revision++
	m.namespaces[id] = deepCopy(next)
	m.publish(events.KindNamespace, events.ActionUpdated, id, old, deepCopy(next))
	return next, nil
}

func (m *memNamespaces) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ns, ok := m.namespaces[id]
	if !ok {
		return apierror.NewNotFound("namespace", id)
	}
	delete(m.namespaces, id)
	m.publish(events.KindNamespace, events.ActionDeleted, id, deepCopy(ns), nil)
	return nil
}

type memPolicies struct{ *memory }

func (m *memPolicies) Create(_ context.Context, policy *stark.NetworkPolicy) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if policy.ID == "" {
		policy.ID = uuid.NewString()
	}
	for _, existing := range m.policies {
		if existing.SourceService == policy.SourceService &&
			existing.TargetService == policy.TargetService &&
			existing.Namespace == policy.Namespace {
			return apierror.NewConflict("policy", policy.SourceService+"->"+policy.TargetService, "policy already exists for this pair")
		}
	}
	if policy.CreatedAt.IsZero() {
		policy.CreatedAt = time.Now()
	}
	policy.Revision = 1
	m.policies[policy.ID] = deepCopy(policy)
	m.publish(events.KindPolicy, events.ActionCreated, policy.ID, nil, deepCopy(policy))
	return nil
}

func (m *memPolicies) Get(_ context.Context, id string) (*stark.NetworkPolicy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	policy, ok := m.policies[id]
	if !ok {
		return nil, apierror.NewNotFound("policy", id)
	}
	return deepCopy(policy), nil
}

func (m *memPolicies) List(_ context.Context, namespace string) ([]*stark.NetworkPolicy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*stark.NetworkPolicy
	for _, policy := range m.policies {
		if namespace != "" && policy.Namespace != namespace {
			continue
		}
		out = append(out, deepCopy(policy))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memPolicies) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	policy, ok := m.policies[id]
	if !ok {
		return apierror.NewNotFound("policy", id)
	}
	delete(m.policies, id)
	m.publish(events.KindPolicy, events.ActionDeleted, id, deepCopy(policy), nil)
	return nil
}

type memHistory struct{ *memory }

func (m *memHistory) Append(_ context.Context, entry *stark.PodHistoryEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	m.history[entry.PodID] = append(m.history[entry.PodID], deepCopy(entry))
	return nil
}

func (m *memHistory) List(_ context.Context, podID string) ([]*stark.PodHistoryEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entries := m.history[podID]
	out := make([]*stark.PodHistoryEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, deepCopy(e))
	}
	return out, nil
}

func containsStatus(statuses []stark.PodStatus, s stark.PodStatus) bool {
	for _, status := range statuses {
		if status == s {
			return true
		}
	}
	return false
}

func page[T any](rows []T, limit, offset int) []T {
	if offset > 0 {
		if offset >= len(rows) {
			return nil
		}
		rows = rows[offset:]
	}
	if limit > 0 && limit < len(rows) {
		rows = rows[:limit]
	}
	return rows
}
