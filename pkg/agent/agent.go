// Package agent is the worker-node side of the channel: it maintains the
// websocket to the orchestrator, registers the node, heartbeats, and
// delegates pod lifecycle work to the sandbox runtime.
package agent

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	cache "github.com/patrickmn/go-cache"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/stark-io/stark/pkg/apierror"
	"github.com/stark-io/stark/pkg/stark"
)

// Runtime is the narrow surface of the JavaScript sandbox the agent
// drives. Implementations own bundle execution; the agent owns transport.
type Runtime interface {
	StartPod(ctx context.Context, start *stark.PodStart) error
	StopPod(ctx context.Context, podID, reason string) error
	DrainPod(ctx context.Context, podID string) error
	Signal(ctx context.Context, signal *stark.PeerSignal) error
	PeerGone(gone *stark.PeerGone)
	ApplyConfig(labels map[string]string, taints []stark.Taint)
	ServeIngress(ctx context.Context, req *stark.IngressRequest) (*stark.IngressResponse, error)
	// Snapshot reports currently allocated resources and per-pod states
	// for the next heartbeat.
	Snapshot() (stark.ResourceList, []stark.PodStateSummary)
}

type Config struct {
	ServerURL      string
	Token          string
	NodeName       string
	RuntimeType    stark.RuntimeType
	RuntimeVersion string
	Allocatable    stark.ResourceList
	Labels         map[string]string
	Taints         []stark.Taint

	// base reconnect interval; attempts back off linearly and cap at
	// five times this value
	ReconnectInterval time.Duration
	RequestTimeout    time.Duration
}

func DefaultConfig() Config {
	return Config{
		ReconnectInterval: 5 * time.Second,
		RequestTimeout:    30 * time.Second,
	}
}

// Agent runs the connection lifecycle: authenticate, register, steady
// state, reconnect.
type Agent struct {
	cfg     Config
	runtime Runtime

	mu     sync.Mutex // serializes websocket writes
	ws     *websocket.Conn
	nodeID string

	pendingMu sync.Mutex
	pending   map[string]chan *stark.Message

	routes *cache.Cache

	heartbeatInterval time.Duration
}

func New(cfg Config, runtime Runtime) *Agent {
	if cfg.ReconnectInterval == 0 {
		cfg.ReconnectInterval = DefaultConfig().ReconnectInterval
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = DefaultConfig().RequestTimeout
	}
	return &Agent{
		cfg:     cfg,
		runtime: runtime,
		pending: map[string]chan *stark.Message{},
		routes:  cache.New(5*time.Second, time.Minute),
	}
}

// NodeID returns the identity assigned at registration, empty before the
// first successful register.
func (a *Agent) NodeID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.nodeID
}

// Run connects and serves until the context is canceled. A refused
// authentication clears the stored token and returns; every other failure
// reconnects with linear backoff capped at five base intervals.
func (a *Agent) Run(ctx context.Context) error {
	attempt := 0
	for {
		err := a.session(ctx)
		if err == nil || ctx.Err() != nil {
			return ctx.Err()
		}
		if apierror.IsAuth(err) {
			a.cfg.Token = ""
			return errors.Wrap(err, "registration refused, credentials cleared")
		}

		attempt++
		delay := time.Duration(attempt) * a.cfg.ReconnectInterval
		if max := 5 * a.cfg.ReconnectInterval; delay > max {
			delay = max
		}
		logrus.Warnf("Connection to %s lost, reconnecting in %s: %v", a.cfg.ServerURL, delay, err)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

func (a *Agent) session(ctx context.Context) error {
	ws, err := a.dial(ctx)
	if err != nil {
		return err
	}
	a.mu.Lock()
	a.ws = ws
	a.mu.Unlock()
	defer func() {
		ws.Close()
		a.failPending()
	}()

	if err := a.register(ctx); err != nil {
		return err
	}

	hbCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go a.heartbeatLoop(hbCtx)

	return a.readLoop(ctx, ws)
}

func (a *Agent) dial(ctx context.Context) (*websocket.Conn, error) {
	wsURL, err := websocketURL(a.cfg.ServerURL)
	if err != nil {
		return nil, err
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+a.cfg.Token)

	ws, resp, err := websocket.DefaultDialer.DialContext(ctx, wsURL, header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, apierror.NewAuth("server refused agent credentials")
		}
		return nil, errors.Wrapf(err, "failed to connect to %s", wsURL)
	}
	return ws, nil
}

func websocketURL(server string) (string, error) {
	u, err := url.Parse(server)
	if err != nil {
		return "", errors.Wrapf(err, "invalid server url %q", server)
	}
	switch u.Scheme {
	case "https", "wss":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws"
	return u.String(), nil
}

func (a *Agent) register(ctx context.Context) error {
	allocatable := a.cfg.Allocatable
	msg, err := stark.NewMessage(stark.MsgNodeRegister, uuid.NewString(), &stark.NodeRegister{
		Name:           a.cfg.NodeName,
		RuntimeType:    a.cfg.RuntimeType,
		RuntimeVersion: a.cfg.RuntimeVersion,
		Allocatable:    allocatable,
		Labels:         a.cfg.Labels,
		Taints:         a.cfg.Taints,
	})
	if err != nil {
		return err
	}
	reply, err := a.request(ctx, msg)
	if err != nil {
		return err
	}
	if reply.Type == stark.MsgError {
		frame := &stark.ErrorFrame{}
		if derr := reply.Decode(frame); derr == nil && frame.Code == "Auth" {
			return apierror.NewAuth(frame.Message)
		}
		return errors.Errorf("registration rejected: %s", reply.Payload)
	}

	registered := &stark.NodeRegistered{}
	if err := reply.Decode(registered); err != nil {
		return err
	}
	a.mu.Lock()
	a.nodeID = registered.NodeID
	a.mu.Unlock()
	a.heartbeatInterval = time.Duration(registered.HeartbeatInterval) * time.Second
	if a.heartbeatInterval <= 0 {
		a.heartbeatInterval = 15 * time.Second
	}
	logrus.Infof("Registered as node %s, heartbeat every %s", registered.NodeID, a.heartbeatInterval)
	return nil
}

func (a *Agent) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(a.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			allocated, states := a.runtime.Snapshot()
			msg, err := stark.NewMessage(stark.MsgNodeHeartbeat, "", &stark.NodeHeartbeat{
				NodeID:         a.NodeID(),
				Allocated:      allocated,
				RuntimeVersion: a.cfg.RuntimeVersion,
				PodStates:      states,
			})
			if err != nil {
				continue
			}
			if err := a.write(msg); err != nil {
				logrus.Debugf("Heartbeat send failed: %v", err)
			}
		}
	}
}

func (a *Agent) readLoop(ctx context.Context, ws *websocket.Conn) error {
	for {
		var msg stark.Message
		if err := ws.ReadJSON(&msg); err != nil {
			return errors.Wrap(err, "connection closed")
		}
		a.dispatch(ctx, &msg)
	}
}

func (a *Agent) dispatch(ctx context.Context, msg *stark.Message) {
	switch msg.Type {
	case stark.MsgPodStart:
		go a.handleStart(ctx, msg)
	case stark.MsgPodStop:
		go a.handleStop(ctx, msg)
	case stark.MsgPodDrain:
		go a.handleDrain(ctx, msg)
	case stark.MsgNodeConfig:
		cfg := &stark.NodeConfig{}
		if err := msg.Decode(cfg); err == nil {
			a.runtime.ApplyConfig(cfg.Labels, cfg.Taints)
		}
	case stark.MsgIngressRequest:
		go a.handleIngress(ctx, msg)
	case stark.MsgPeerSignal:
		signal := &stark.PeerSignal{}
		if err := msg.Decode(signal); err == nil {
			if err := a.runtime.Signal(ctx, signal); err != nil {
				logrus.Debugf("Peer signal for %s dropped: %v", signal.TargetPodID, err)
			}
		}
	case stark.MsgPeerGone:
		gone := &stark.PeerGone{}
		if err := msg.Decode(gone); err == nil {
			a.routes.Flush()
			a.runtime.PeerGone(gone)
		}
	case stark.MsgRouteResponse, stark.MsgError, stark.MsgNodeRegistered:
		a.complete(msg)
	default:
		logrus.Debugf("Ignoring unexpected message type %q", msg.Type)
	}
}

func (a *Agent) handleStart(ctx context.Context, msg *stark.Message) {
	start := &stark.PodStart{}
	if err := msg.Decode(start); err != nil {
		logrus.Warnf("Malformed pod:start: %v", err)
		return
	}
	if err := a.runtime.StartPod(ctx, start); err != nil {
		logrus.Errorf("Pod %s failed to start: %v", start.PodID, err)
		a.ReportPodStatus(start.PodID, stark.PodFailed, err.Error())
		return
	}
	a.ReportPodStatus(start.PodID, stark.PodRunning, "")
}

func (a *Agent) handleStop(ctx context.Context, msg *stark.Message) {
	stop := &stark.PodStop{}
	if err := msg.Decode(stop); err != nil {
		logrus.Warnf("Malformed pod:stop: %v", err)
		return
	}
	if err := a.runtime.StopPod(ctx, stop.PodID, stop.Reason); err != nil {
		logrus.Errorf("Pod %s failed to stop: %v", stop.PodID, err)
	}
	a.ReportPodStatus(stop.PodID, stark.PodStopped, stop.Reason)
}

func (a *Agent) handleDrain(ctx context.Context, msg *stark.Message) {
	drain := &stark.PodDrain{}
	if err := msg.Decode(drain); err != nil {
		return
	}
	if err := a.runtime.DrainPod(ctx, drain.PodID); err != nil {
		logrus.Errorf("Pod %s failed to drain: %v", drain.PodID, err)
		return
	}
	a.ReportPodStatus(drain.PodID, stark.PodStopped, "drained")
}

func (a *Agent) handleIngress(ctx context.Context, msg *stark.Message) {
	req := &stark.IngressRequest{}
	if err := msg.Decode(req); err != nil {
		return
	}
	resp, err := a.runtime.ServeIngress(ctx, req)
	if err != nil {
		resp = &stark.IngressResponse{Status: http.StatusBadGateway, Body: []byte(err.Error())}
	}
	reply, err := stark.NewMessage(stark.MsgIngressResponse, msg.CorrelationID, resp)
	if err != nil {
		return
	}
	if err := a.write(reply); err != nil {
		logrus.Debugf("Ingress response for %s dropped: %v", req.PodID, err)
	}
}

// ReportPodStatus pushes a status update upstream. Failures are logged
// only; the next heartbeat resync repairs any divergence.
func (a *Agent) ReportPodStatus(podID string, status stark.PodStatus, message string) {
	update := &stark.PodStatusUpdate{PodID: podID, Status: status, Message: message}
	if status == stark.PodRunning {
		now := time.Now()
		update.StartedAt = &now
	}
	msg, err := stark.NewMessage(stark.MsgPodStatus, "", update)
	if err != nil {
		return
	}
	if err := a.write(msg); err != nil {
		logrus.Debugf("Pod %s status update dropped: %v", podID, err)
	}
}

// ReportLog forwards one sandbox log line upstream.
func (a *Agent) ReportLog(podID, stream, line string) {
	msg, err := stark.NewMessage(stark.MsgPodLog, "", &stark.PodLog{PodID: podID, Stream: stream, Line: line})
	if err != nil {
		return
	}
	if err := a.write(msg); err != nil {
		logrus.Debugf("Pod %s log line dropped: %v", podID, err)
	}
}

// ResolveRoute asks the orchestrator for a routable endpoint of a target
// service. Responses are cached briefly so chatty pods do not hammer the
// control plane.
func (a *Agent) ResolveRoute(ctx context.Context, req *stark.RouteRequest) (*stark.RouteResponse, error) {
	key := req.SourcePodID + "|" + req.TargetService
	if cached, ok := a.routes.Get(key); ok {
		return cached.(*stark.RouteResponse), nil
	}

	msg, err := stark.NewMessage(stark.MsgRouteRequest, uuid.NewString(), req)
	if err != nil {
		return nil, err
	}
	reply, err := a.request(ctx, msg)
	if err != nil {
		return nil, err
	}
	if reply.Type == stark.MsgError {
		frame := &stark.ErrorFrame{}
		if derr := reply.Decode(frame); derr == nil {
			return nil, errors.Errorf("route request failed: %s: %s", frame.Code, frame.Message)
		}
		return nil, errors.New("route request failed")
	}
	route := &stark.RouteResponse{}
	if err := reply.Decode(route); err != nil {
		return nil, err
	}
	a.routes.SetDefault(key, route)
	return route, nil
}

func (a *Agent) request(ctx context.Context, msg *stark.Message) (*stark.Message, error) {
	ch := make(chan *stark.Message, 1)
	a.pendingMu.Lock()
	a.pending[msg.CorrelationID] = ch
	a.pendingMu.Unlock()
	defer func() {
		a.pendingMu.Lock()
		delete(a.pending, msg.CorrelationID)
		a.pendingMu.Unlock()
	}()

	if err := a.write(msg); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, a.cfg.RequestTimeout)
	defer cancel()
	select {
	case <-ctx.Done():
		return nil, apierror.Wrap(ctx.Err(), apierror.KindTimeout, "Timeout", "no response for %s", msg.Type)
	case reply, ok := <-ch:
		if !ok {
			return nil, errors.New("connection closed")
		}
		return reply, nil
	}
}

func (a *Agent) complete(msg *stark.Message) {
	a.pendingMu.Lock()
	defer a.pendingMu.Unlock()
	if ch, ok := a.pending[msg.CorrelationID]; ok {
		ch <- msg
		delete(a.pending, msg.CorrelationID)
	}
}

func (a *Agent) failPending() {
	a.pendingMu.Lock()
	defer a.pendingMu.Unlock()
	for id, ch := range a.pending {
		close(ch)
		delete(a.pending, id)
	}
}

func (a *Agent) write(msg *stark.Message) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.ws == nil {
		return errors.New("not connected")
	}
	return a.ws.WriteJSON(msg)
}
