package stark

import (
	"encoding/json"
	"time"

	"github.com/pkg/errors"
)

// MessageType discriminates frames on the agent channel.
type MessageType string

const (
	// orchestrator -> agent
	MsgPodStart       MessageType = "pod:start"
	MsgPodStop        MessageType = "pod:stop"
	MsgPodDrain       MessageType = "pod:drain"
	MsgNodeConfig     MessageType = "node:config"
	MsgIngressRequest MessageType = "ingress:request"
	MsgPeerGone       MessageType = "network:peer-gone"

	// agent -> orchestrator
	MsgNodeRegister    MessageType = "node:register"
	MsgNodeRegistered  MessageType = "node:registered"
	MsgNodeHeartbeat   MessageType = "node:heartbeat"
	MsgPodStatus       MessageType = "pod:status"
	MsgPodLog          MessageType = "pod:log"
	MsgIngressResponse MessageType = "ingress:response"
	MsgRouteRequest    MessageType = "network:route:request"
	MsgRouteResponse   MessageType = "network:route:response"

	// either direction
	MsgPeerSignal MessageType = "peer:signal"
	MsgError      MessageType = "error"
)

// Message is the framing envelope on the agent channel. Payload holds the
// type-specific body; CorrelationID ties requests to responses.
type Message struct {
	Type          MessageType     `json:"type"`
	CorrelationID string          `json:"correlationId,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

// NewMessage marshals payload into an envelope.
func NewMessage(t MessageType, correlationID string, payload interface{}) (*Message, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to encode %s payload", t)
	}
	return &Message{Type: t, CorrelationID: correlationID, Payload: raw}, nil
}

// Decode unmarshals the payload into out.
func (m *Message) Decode(out interface{}) error {
	if err := json.Unmarshal(m.Payload, out); err != nil {
		return errors.Wrapf(err, "malformed %s payload", m.Type)
	}
	return nil
}

type PodStart struct {
	PodID          string            `json:"podId"`
	PackID         string            `json:"packId"`
	PackVersion    string            `json:"packVersion"`
	BundleRef      string            `json:"bundleRef"`
	Env            map[string]string `json:"env,omitempty"`
	ResourceLimits *ResourceList     `json:"resourceLimits,omitempty"`
}

type PodStop struct {
	PodID  string `json:"podId"`
	Reason string `json:"reason,omitempty"`
}

type PodDrain struct {
	PodID string `json:"podId"`
}

type NodeConfig struct {
	Labels map[string]string `json:"labels,omitempty"`
	Taints []Taint           `json:"taints,omitempty"`
}

type NodeRegister struct {
	Name           string            `json:"name"`
	RuntimeType    RuntimeType       `json:"runtimeType"`
	RuntimeVersion string            `json:"runtimeVersion,omitempty"`
	Allocatable    ResourceList      `json:"allocatable"`
	Labels         map[string]string `json:"labels,omitempty"`
	Taints         []Taint           `json:"taints,omitempty"`
}

type NodeRegistered struct {
	NodeID            string `json:"nodeId"`
	HeartbeatInterval int    `json:"heartbeatInterval"`
}

// PodStateSummary is the per-pod slice of a heartbeat.
type PodStateSummary struct {
	PodID  string    `json:"podId"`
	Status PodStatus `json:"status"`
}

type NodeHeartbeat struct {
	NodeID         string            `json:"nodeId"`
	Allocated      ResourceList      `json:"allocated"`
	RuntimeVersion string            `json:"runtimeVersion,omitempty"`
	PodStates      []PodStateSummary `json:"podStates,omitempty"`
}

type PodStatusUpdate struct {
	PodID     string     `json:"podId"`
	Status    PodStatus  `json:"status"`
	Message   string     `json:"message,omitempty"`
	StartedAt *time.Time `json:"startedAt,omitempty"`
}

type PodLog struct {
	PodID  string `json:"podId"`
	Stream string `json:"stream"`
	Line   string `json:"line"`
}

type PeerSignal struct {
	SourcePodID string          `json:"sourcePodId"`
	TargetPodID string          `json:"targetPodId"`
	Data        json.RawMessage `json:"data"`
}

type PeerGone struct {
	PodID       string `json:"podId"`
	ServiceName string `json:"serviceName,omitempty"`
}

type IngressRequest struct {
	PodID   string              `json:"podId"`
	Method  string              `json:"method"`
	URL     string              `json:"url"`
	Headers map[string][]string `json:"headers,omitempty"`
	Body    []byte              `json:"body,omitempty"`
}

type IngressResponse struct {
	Status  int                 `json:"status"`
	Headers map[string][]string `json:"headers,omitempty"`
	Body    []byte              `json:"body,omitempty"`
}

type RouteRequest struct {
	SourcePodID     string `json:"sourcePodId"`
	SourceServiceID string `json:"sourceServiceId,omitempty"`
	TargetService   string `json:"targetServiceId"`
}

type RouteResponse struct {
	TargetPodID   string `json:"targetPodId,omitempty"`
	TargetNodeID  string `json:"targetNodeId,omitempty"`
	PolicyAllowed bool   `json:"policyAllowed"`
	DenyReason    string `json:"denyReason,omitempty"`
}

type ErrorFrame struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
