// Package store is the typed gateway to the persistent relational store.
// It exposes narrow per-entity interfaces, classifies backend errors into
// the apierror kinds, and publishes a change event for every write. Other
// components never see raw SQL errors.
package store

import (
	"context"

	"github.com/stark-io/stark/pkg/stark"
)

// Interface is the full gateway. The controller, scheduler, reconciler, and
// HTTP handlers all go through it; nothing else touches the backend.
type Interface interface {
	Packs() PackStore
	Nodes() NodeStore
	Pods() PodStore
	Services() ServiceStore
	Namespaces() NamespaceStore
	Policies() PolicyStore
	PodHistory() PodHistoryStore
}

type PackFilter struct {
	Name       string
	OwnerID    string
	Visibility stark.Visibility
	Limit      int
	Offset     int
}

type PackStore interface {
	Create(ctx context.Context, pack *stark.Pack) error
	Get(ctx context.Context, id string) (*stark.Pack, error)
	GetByNameVersion(ctx context.Context, name, version string) (*stark.Pack, error)
	// Latest returns the pack with the highest semver for the name.
	Latest(ctx context.Context, name string) (*stark.Pack, error)
	List(ctx context.Context, filter PackFilter) ([]*stark.Pack, error)
	Delete(ctx context.Context, id string) error
}

type NodeFilter struct {
	Status stark.NodeStatus
	Limit  int
	Offset int
}

type NodeStore interface {
	Create(ctx context.Context, node *stark.Node) error
	Get(ctx context.Context, id string) (*stark.Node, error)
	GetByName(ctx context.Context, name string) (*stark.Node, error)
	List(ctx context.Context, filter NodeFilter) ([]*stark.Node, error)
	// Update applies mutate to a fresh copy under optimistic concurrency;
	// a concurrent write surfaces as PreconditionFailed.
	Update(ctx context.Context, id string, mutate func(*stark.Node) error) (*stark.Node, error)
	Delete(ctx context.Context, id string) error
}

type PodFilter struct {
	Namespace string
	ServiceID string
	NodeID    string
	Statuses  []stark.PodStatus
	Limit     int
	Offset    int
}

type PodStore interface {
	Create(ctx context.Context, pod *stark.Pod) error
	Get(ctx context.Context, id string) (*stark.Pod, error)
	List(ctx context.Context, filter PodFilter) ([]*stark.Pod, error)
	Update(ctx context.Context, id string, mutate func(*stark.Pod) error) (*stark.Pod, error)
	// Transition moves the pod from one status to another atomically. Fails
	// with PreconditionFailed when the pod is no longer in from, and with
	// Validation when (from, to) is not a declared state-machine edge.
	Transition(ctx context.Context, id string, from, to stark.PodStatus, mutate func(*stark.Pod)) (*stark.Pod, error)
	Delete(ctx context.Context, id string) error
}

type ServiceFilter struct {
	Namespace string
	Status    stark.ServiceStatus
	Limit     int
	Offset    int
}

type ServiceStore interface {
	Create(ctx context.Context, svc *stark.Service) error
	Get(ctx context.Context, id string) (*stark.Service, error)
	GetByName(ctx context.Context, namespace, name string) (*stark.Service, error)
	List(ctx context.Context, filter ServiceFilter) ([]*stark.Service, error)
	Update(ctx context.Context, id string, mutate func(*stark.Service) error) (*stark.Service, error)
	Delete(ctx context.Context, id string) error
}

type NamespaceStore interface {
	Create(ctx context.Context, ns *stark.Namespace) error
	Get(ctx context.Context, id string) (*stark.Namespace, error)
	GetByName(ctx context.Context, name string) (*stark.Namespace, error)
	List(ctx context.Context) ([]*stark.Namespace, error)
	Update(ctx context.Context, id string, mutate func(*stark.Namespace) error) (*stark.Namespace, error)
	Delete(ctx context.Context, id string) error
}

type PolicyStore interface {
	Create(ctx context.Context, policy *stark.NetworkPolicy) error
	Get(ctx context.Context, id string) (*stark.NetworkPolicy, error)
	List(ctx context.Context, namespace string) ([]*stark.NetworkPolicy, error)
	Delete(ctx context.Context, id string) error
}

type PodHistoryStore interface {
	Append(ctx context.Context, entry *stark.PodHistoryEntry) error
	List(ctx context.Context, podID string) ([]*stark.PodHistoryEntry, error)
}
