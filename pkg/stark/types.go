// Package stark holds the API types shared by the control plane, the node
// agent, and clients of the control API.
package stark

import (
	"time"

	"github.com/blang/semver/v4"
)

type RuntimeType string

const (
	RuntimeNode    RuntimeType = "node"
	RuntimeBrowser RuntimeType = "browser"
)

// RuntimeTag classifies which runtimes a pack can execute on.
type RuntimeTag string

const (
	RuntimeTagNode      RuntimeTag = "node"
	RuntimeTagBrowser   RuntimeTag = "browser"
	RuntimeTagUniversal RuntimeTag = "universal"
)

// Compatible reports whether a pack tagged with t can run on a node of the
// given runtime type.
func (t RuntimeTag) Compatible(rt RuntimeType) bool {
	return t == RuntimeTagUniversal || string(t) == string(rt)
}

type Visibility string

const (
	VisibilityPrivate Visibility = "private"
	VisibilityPublic  Visibility = "public"
	VisibilitySystem  Visibility = "system"
)

// Pack is an immutable versioned bundle. A (name, version) pair is never
// mutated, only superseded by a newer version.
type Pack struct {
	ID             string     `json:"id" db:"id"`
	Name           string     `json:"name" db:"name"`
	Version        string     `json:"version" db:"version"`
	RuntimeTag     RuntimeTag `json:"runtimeTag" db:"runtime_tag"`
	OwnerID        string     `json:"ownerId" db:"owner_id"`
	Visibility     Visibility `json:"visibility" db:"visibility"`
	BundlePath     string     `json:"bundlePath" db:"bundle_path"`
	MinNodeVersion string     `json:"minNodeVersion,omitempty" db:"min_node_version"`
	CreatedAt      time.Time  `json:"createdAt" db:"created_at"`
	Revision       int64      `json:"revision" db:"revision"`
}

func (p *Pack) Semver() (semver.Version, error) {
	return semver.ParseTolerant(p.Version)
}

type NodeStatus string

const (
	NodeOnline      NodeStatus = "online"
	NodeOffline     NodeStatus = "offline"
	NodeUnhealthy   NodeStatus = "unhealthy"
	NodeDraining    NodeStatus = "draining"
	NodeMaintenance NodeStatus = "maintenance"
)

// Node is a worker that has registered with the control plane.
type Node struct {
	ID             string            `json:"id" db:"id"`
	Name           string            `json:"name" db:"name"`
	RuntimeType    RuntimeType       `json:"runtimeType" db:"runtime_type"`
	RuntimeVersion string            `json:"runtimeVersion,omitempty" db:"runtime_version"`
	Status         NodeStatus        `json:"status" db:"status"`
	Unschedulable  bool              `json:"unschedulable" db:"unschedulable"`
	Labels         map[string]string `json:"labels,omitempty"`
	Taints         []Taint           `json:"taints,omitempty"`
	Allocatable    ResourceList      `json:"allocatable"`
	Allocated      ResourceList      `json:"allocated"`
	LastHeartbeat  time.Time         `json:"lastHeartbeat" db:"last_heartbeat"`
	RegisteredBy   string            `json:"registeredBy" db:"registered_by"`
	ConnectionID   string            `json:"connectionId,omitempty" db:"connection_id"`
	CreatedAt      time.Time         `json:"createdAt" db:"created_at"`
	Revision       int64             `json:"revision" db:"revision"`
}

// Schedulable reports whether the node accepts new pods at all; taint and
// resource checks are the scheduler's business.
func (n *Node) Schedulable() bool {
	return n.Status == NodeOnline && !n.Unschedulable
}

func (n *Node) Free() ResourceList {
	return n.Allocatable.Sub(n.Allocated)
}

type PodStatus string

const (
	PodPending   PodStatus = "pending"
	PodScheduled PodStatus = "scheduled"
	PodStarting  PodStatus = "starting"
	PodRunning   PodStatus = "running"
	PodStopping  PodStatus = "stopping"
	PodStopped   PodStatus = "stopped"
	PodFailed    PodStatus = "failed"
	PodEvicted   PodStatus = "evicted"
	PodUnknown   PodStatus = "unknown"
)

// Terminal reports whether the status is an end state; terminal pods are
// never rescheduled, the reconciler creates replacements instead.
func (s PodStatus) Terminal() bool {
	switch s {
	case PodStopped, PodFailed, PodEvicted:
		return true
	}
	return false
}

// Pod is a single instance of a pack bound (or waiting to be bound) to a node.
type Pod struct {
	ID               string            `json:"id" db:"id"`
	PackID           string            `json:"packId" db:"pack_id"`
	PackName         string            `json:"packName" db:"pack_name"`
	PackVersion      string            `json:"packVersion" db:"pack_version"`
	NodeID           string            `json:"nodeId,omitempty" db:"node_id"`
	Namespace        string            `json:"namespace" db:"namespace"`
	Status           PodStatus         `json:"status" db:"status"`
	StatusMessage    string            `json:"statusMessage,omitempty" db:"status_message"`
	Priority         int               `json:"priority" db:"priority"`
	Labels           map[string]string `json:"labels,omitempty"`
	Tolerations      []Toleration      `json:"tolerations,omitempty"`
	Scheduling       SchedulingSpec    `json:"scheduling,omitempty"`
	ResourceRequests ResourceList      `json:"resourceRequests"`
	ResourceLimits   *ResourceList     `json:"resourceLimits,omitempty"`
	CreatedBy        string            `json:"createdBy" db:"created_by"`
	ServiceID        string            `json:"serviceId,omitempty" db:"service_id"`
	CreatedAt        time.Time         `json:"createdAt" db:"created_at"`
	StartedAt        *time.Time        `json:"startedAt,omitempty" db:"started_at"`
	StoppedAt        *time.Time        `json:"stoppedAt,omitempty" db:"stopped_at"`
	Revision         int64             `json:"revision" db:"revision"`
}

// EffectiveRequests returns the pod's resource demand including its own pod
// slot on the node.
func (p *Pod) EffectiveRequests() ResourceList {
	r := p.ResourceRequests
	r.Pods = 1
	return r
}

type ServiceStatus string

const (
	ServicePending ServiceStatus = "pending"
	ServiceActive  ServiceStatus = "active"
	ServiceRolling ServiceStatus = "rolling"
	ServicePaused  ServiceStatus = "paused"
	ServiceFailed  ServiceStatus = "failed"
	ServiceDeleted ServiceStatus = "deleted"
)

// FailureState tracks crash-loop bookkeeping for a service.
type FailureState struct {
	ConsecutiveFailures int        `json:"consecutiveFailures"`
	LastFailedVersion   string     `json:"lastFailedVersion,omitempty"`
	LastGoodVersion     string     `json:"lastGoodVersion,omitempty"`
	BackoffUntil        *time.Time `json:"backoffUntil,omitempty"`
	Attempts            int        `json:"attempts,omitempty"`
}

// Service declares how many pods of a pack should be kept running.
// Replicas == 0 means DaemonSet mode: one pod per matching node.
type Service struct {
	ID               string            `json:"id" db:"id"`
	Name             string            `json:"name" db:"name"`
	Namespace        string            `json:"namespace" db:"namespace"`
	PackID           string            `json:"packId" db:"pack_id"`
	PackName         string            `json:"packName" db:"pack_name"`
	PackVersion      string            `json:"packVersion" db:"pack_version"`
	Replicas         int               `json:"replicas" db:"replicas"`
	Status           ServiceStatus     `json:"status" db:"status"`
	StatusMessage    string            `json:"statusMessage,omitempty" db:"status_message"`
	Visibility       Visibility        `json:"visibility" db:"visibility"`
	Exposed          bool              `json:"exposed" db:"exposed"`
	IngressPort      int               `json:"ingressPort,omitempty" db:"ingress_port"`
	Scheduling       SchedulingSpec    `json:"scheduling,omitempty"`
	Tolerations      []Toleration      `json:"tolerations,omitempty"`
	ResourceRequests ResourceList      `json:"resourceRequests"`
	PodLabels        map[string]string `json:"podLabels,omitempty"`
	AllowedSources   []string          `json:"allowedSources,omitempty"`
	FollowLatest     bool              `json:"followLatest" db:"follow_latest"`
	FailureState     FailureState      `json:"failureState"`
	CreatedBy        string            `json:"createdBy" db:"created_by"`
	CreatedAt        time.Time         `json:"createdAt" db:"created_at"`
	UpdatedAt        time.Time         `json:"updatedAt" db:"updated_at"`
	Revision         int64             `json:"revision" db:"revision"`
}

type NamespacePhase string

const (
	NamespaceActive      NamespacePhase = "Active"
	NamespaceTerminating NamespacePhase = "Terminating"
)

// ResourceQuota caps cumulative resource admission within a namespace.
// Nil members are unlimited.
type ResourceQuota struct {
	MaxPods    *int64 `json:"maxPods,omitempty"`
	MaxCPU     *int64 `json:"maxCpu,omitempty"`
	MaxMemory  *int64 `json:"maxMemory,omitempty"`
	MaxStorage *int64 `json:"maxStorage,omitempty"`
}

// Admits reports whether usage+requests stays within the quota on every
// bounded dimension.
func (q *ResourceQuota) Admits(usage, requests ResourceList) bool {
	if q == nil {
		return true
	}
	total := usage.Add(requests)
	if q.MaxPods != nil && total.Pods > *q.MaxPods {
		return false
	}
	if q.MaxCPU != nil && total.CPU > *q.MaxCPU {
		return false
	}
	if q.MaxMemory != nil && total.Memory > *q.MaxMemory {
		return false
	}
	if q.MaxStorage != nil && total.Storage > *q.MaxStorage {
		return false
	}
	return true
}

// LimitRange supplies default requests for pods that declare none.
type LimitRange struct {
	DefaultCPU    int64 `json:"defaultCpu,omitempty"`
	DefaultMemory int64 `json:"defaultMemory,omitempty"`
}

type Namespace struct {
	ID            string            `json:"id" db:"id"`
	Name          string            `json:"name" db:"name"`
	Phase         NamespacePhase    `json:"phase" db:"phase"`
	Labels        map[string]string `json:"labels,omitempty"`
	ResourceQuota *ResourceQuota    `json:"resourceQuota,omitempty"`
	LimitRange    *LimitRange       `json:"limitRange,omitempty"`
	CreatedBy     string            `json:"createdBy" db:"created_by"`
	CreatedAt     time.Time         `json:"createdAt" db:"created_at"`
	Revision      int64             `json:"revision" db:"revision"`
}

type PolicyAction string

const (
	PolicyAllow PolicyAction = "allow"
	PolicyDeny  PolicyAction = "deny"
)

// NetworkPolicy allows or denies traffic from one service to another within
// a namespace. Absence of an allow rule denies traffic.
type NetworkPolicy struct {
	ID            string       `json:"id" db:"id"`
	SourceService string       `json:"sourceService" db:"source_service"`
	TargetService string       `json:"targetService" db:"target_service"`
	Action        PolicyAction `json:"action" db:"action"`
	Namespace     string       `json:"namespace" db:"namespace"`
	CreatedAt     time.Time    `json:"createdAt" db:"created_at"`
	Revision      int64        `json:"revision" db:"revision"`
}

// PodHistoryEntry records one status transition of a pod.
type PodHistoryEntry struct {
	PodID     string    `json:"podId" db:"pod_id"`
	From      PodStatus `json:"from" db:"from_status"`
	To        PodStatus `json:"to" db:"to_status"`
	Message   string    `json:"message,omitempty" db:"message"`
	Timestamp time.Time `json:"timestamp" db:"ts"`
}
