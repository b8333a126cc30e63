// Package dispatch is the orchestrator side of the agent channel: one
// persistent duplex websocket per node carrying commands, heartbeats, pod
// status, ingress traffic, and peer-signal relays.
package dispatch

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/stark-io/stark/pkg/apierror"
	"github.com/stark-io/stark/pkg/metrics"
	"github.com/stark-io/stark/pkg/stark"
)

// ErrConnectionClosed fails pending correlated requests when the owning
// connection drops.
var ErrConnectionClosed = errors.New("ConnectionClosed")

// ErrBackpressure is returned instead of queueing once a connection's
// pending-request ceiling is reached.
var ErrBackpressure = errors.New("Backpressure")

// Authenticator validates a bearer token and returns the principal it is
// bound to.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (principal string, err error)
}

// Registrar is the slice of the node registry the channel needs.
type Registrar interface {
	Register(ctx context.Context, connectionID, principal string, req *stark.NodeRegister) (*stark.Node, error)
	Heartbeat(ctx context.Context, connectionID string, hb *stark.NodeHeartbeat) error
	Disconnected(ctx context.Context, connectionID string)
}

// PodStatusSink applies pod status updates reported by agents.
type PodStatusSink interface {
	ApplyPodStatus(ctx context.Context, nodeID string, update *stark.PodStatusUpdate) error
}

// Router answers route queries and locates the node hosting a pod, for
// peer-signal relaying.
type Router interface {
	Resolve(ctx context.Context, req *stark.RouteRequest) *stark.RouteResponse
	NodeForPod(podID string) (nodeID string, ok bool)
}

type Config struct {
	HeartbeatInterval time.Duration
	PendingCeiling    int
	WriteTimeout      time.Duration
}

func DefaultConfig() Config {
	return Config{
		HeartbeatInterval: 15 * time.Second,
		PendingCeiling:    64,
		WriteTimeout:      10 * time.Second,
	}
}

// Server owns the connection table. Exactly one active connection exists
// per node; a second registration for the same node from a different live
// connection is refused.
type Server struct {
	auth      Authenticator
	registrar Registrar
	pods      PodStatusSink
	router    Router
	cfg       Config
	upgrader  websocket.Upgrader

	mu       sync.RWMutex
	conns    map[string]*conn
	nodeConn map[string]string

	logs *logBuffer

	// test-only pre-dispatch filter; a true return drops the frame
	filter func(nodeID string, msg *stark.Message) bool
}

type conn struct {
	id        string
	ws        *websocket.Conn
	principal string

	mu     sync.Mutex // serializes writes: commands keep send order
	nodeID string

	pendingMu sync.Mutex
	pending   map[string]chan *stark.Message
	closed    bool
}

func NewServer(auth Authenticator, registrar Registrar, pods PodStatusSink, router Router, cfg Config) *Server {
	if cfg.PendingCeiling == 0 {
		cfg = DefaultConfig()
	}
	return &Server{
		auth:      auth,
		registrar: registrar,
		pods:      pods,
		router:    router,
		cfg:       cfg,
		upgrader:  websocket.Upgrader{ReadBufferSize: 4096, WriteBufferSize: 4096},
		conns:     map[string]*conn{},
		nodeConn:  map[string]string{},
		logs:      newLogBuffer(512),
	}
}

// ServeHTTP upgrades /ws and runs the connection until it drops. The
// bearer token comes from the upgrade request header.
func (s *Server) ServeHTTP(resp http.ResponseWriter, req *http.Request) {
	token := bearerToken(req)
	principal, err := s.auth.Authenticate(req.Context(), token)
	if err != nil {
		logrus.Warnf("Agent connection from %s refused: %v", req.RemoteAddr, err)
		http.Error(resp, "unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := s.upgrader.Upgrade(resp, req, nil)
	if err != nil {
		logrus.Errorf("Websocket upgrade failed for %s: %v", req.RemoteAddr, err)
		return
	}

	c := &conn{
		id:        uuid.NewString(),
		ws:        ws,
		principal: principal,
		pending:   map[string]chan *stark.Message{},
	}
	s.mu.Lock()
	s.conns[c.id] = c
	s.mu.Unlock()
	metrics.ConnectedAgents.Inc()
	logrus.Infof("Agent connection %s established for %s", c.id, principal)

	s.readLoop(req.Context(), c)
	s.teardown(req.Context(), c)
}

func bearerToken(req *http.Request) string {
	const prefix = "Bearer "
	auth := req.Header.Get("Authorization")
	if len(auth) > len(prefix) && auth[:len(prefix)] == prefix {
		return auth[len(prefix):]
	}
	return ""
}

func (s *Server) readLoop(ctx context.Context, c *conn) {
	for {
		var msg stark.Message
		if err := c.ws.ReadJSON(&msg); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logrus.Debugf("Agent connection %s read error: %v", c.id, err)
			}
			return
		}
		if err := s.handle(ctx, c, &msg); err != nil {
			logrus.Warnf("Agent message %s on connection %s failed: %v", msg.Type, c.id, err)
			s.sendError(c, msg.CorrelationID, err)
		}
	}
}

// teardown removes the connection and atomically fails every outstanding
// correlated request with ConnectionClosed.
func (s *Server) teardown(ctx context.Context, c *conn) {
	c.pendingMu.Lock()
	c.closed = true
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
	c.pendingMu.Unlock()

	s.mu.Lock()
	delete(s.conns, c.id)
	if c.nodeID != "" && s.nodeConn[c.nodeID] == c.id {
		delete(s.nodeConn, c.nodeID)
	}
	s.mu.Unlock()

	metrics.ConnectedAgents.Dec()
	c.ws.Close()
	s.registrar.Disconnected(ctx, c.id)
	logrus.Infof("Agent connection %s closed", c.id)
}

func (s *Server) handle(ctx context.Context, c *conn, msg *stark.Message) error {
	switch msg.Type {
	case stark.MsgNodeRegister:
		return s.handleRegister(ctx, c, msg)
	case stark.MsgNodeHeartbeat:
		hb := &stark.NodeHeartbeat{}
		if err := msg.Decode(hb); err != nil {
			return err
		}
		return s.registrar.Heartbeat(ctx, c.id, hb)
	case stark.MsgPodStatus:
		update := &stark.PodStatusUpdate{}
		if err := msg.Decode(update); err != nil {
			return err
		}
		return s.pods.ApplyPodStatus(ctx, c.nodeID, update)
	case stark.MsgPodLog:
		entry := &stark.PodLog{}
		if err := msg.Decode(entry); err != nil {
			return err
		}
		s.logs.append(entry)
		return nil
	case stark.MsgRouteRequest:
		req := &stark.RouteRequest{}
		if err := msg.Decode(req); err != nil {
			return err
		}
		reply, err := stark.NewMessage(stark.MsgRouteResponse, msg.CorrelationID, s.router.Resolve(ctx, req))
		if err != nil {
			return err
		}
		return c.write(reply, s.cfg.WriteTimeout)
	case stark.MsgPeerSignal:
		return s.relaySignal(ctx, c, msg)
	case stark.MsgIngressResponse:
		c.complete(msg)
		return nil
	default:
		return apierror.NewValidation("unexpected message type %q", msg.Type)
	}
}

func (s *Server) handleRegister(ctx context.Context, c *conn, msg *stark.Message) error {
	req := &stark.NodeRegister{}
	if err := msg.Decode(req); err != nil {
		return err
	}
	node, err := s.registrar.Register(ctx, c.id, c.principal, req)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if existing, ok := s.nodeConn[node.ID]; ok && existing != c.id {
		s.mu.Unlock()
		return apierror.NewConflict("node", node.Name, "already registered from another connection")
	}
	s.nodeConn[node.ID] = c.id
	s.mu.Unlock()
	c.nodeID = node.ID

	reply, err := stark.NewMessage(stark.MsgNodeRegistered, msg.CorrelationID, &stark.NodeRegistered{
		NodeID:            node.ID,
		HeartbeatInterval: int(s.cfg.HeartbeatInterval.Seconds()),
	})
	if err != nil {
		return err
	}
	return c.write(reply, s.cfg.WriteTimeout)
}

// relaySignal forwards a peer:signal frame to the agent hosting the target
// pod without inspecting the data.
func (s *Server) relaySignal(ctx context.Context, c *conn, msg *stark.Message) error {
	signal := &stark.PeerSignal{}
	if err := msg.Decode(signal); err != nil {
		return err
	}
	nodeID, ok := s.router.NodeForPod(signal.TargetPodID)
	if !ok {
		return apierror.NewNotFound("pod", signal.TargetPodID)
	}
	return s.Send(ctx, nodeID, msg)
}

func (s *Server) sendError(c *conn, correlationID string, err error) {
	code := "Internal"
	if e, ok := apierror.As(err); ok {
		code = e.Code
	} else if errors.Is(err, ErrBackpressure) {
		code = "Backpressure"
	} else if errors.Is(err, ErrConnectionClosed) {
		code = "ConnectionClosed"
	}
	frame, merr := stark.NewMessage(stark.MsgError, correlationID, &stark.ErrorFrame{Code: code, Message: err.Error()})
	if merr != nil {
		return
	}
	if werr := c.write(frame, s.cfg.WriteTimeout); werr != nil {
		logrus.Debugf("Failed to send error frame on connection %s: %v", c.id, werr)
	}
}

func (s *Server) connForNode(nodeID string) (*conn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	connID, ok := s.nodeConn[nodeID]
	if !ok {
		return nil, errors.Wrapf(ErrConnectionClosed, "node %s has no active connection", nodeID)
	}
	c, ok := s.conns[connID]
	if !ok {
		return nil, errors.Wrapf(ErrConnectionClosed, "node %s connection %s vanished", nodeID, connID)
	}
	return c, nil
}

// Send dispatches a command frame to a node. Writes on one connection are
// serialized, so commands arrive in send order.
func (s *Server) Send(ctx context.Context, nodeID string, msg *stark.Message) error {
	if s.filter != nil && s.filter(nodeID, msg) {
		return nil
	}
	c, err := s.connForNode(nodeID)
	if err != nil {
		return err
	}
	return c.write(msg, s.cfg.WriteTimeout)
}

// Request dispatches a correlated frame and waits for the response, the
// context deadline, or connection loss.
func (s *Server) Request(ctx context.Context, nodeID string, msg *stark.Message) (*stark.Message, error) {
	c, err := s.connForNode(nodeID)
	if err != nil {
		return nil, err
	}
	if msg.CorrelationID == "" {
		msg.CorrelationID = uuid.NewString()
	}

	ch := make(chan *stark.Message, 1)
	c.pendingMu.Lock()
	if c.closed {
		c.pendingMu.Unlock()
		return nil, ErrConnectionClosed
	}
	if len(c.pending) >= s.cfg.PendingCeiling {
		c.pendingMu.Unlock()
		return nil, ErrBackpressure
	}
	c.pending[msg.CorrelationID] = ch
	c.pendingMu.Unlock()

	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, msg.CorrelationID)
		c.pendingMu.Unlock()
	}()

	if err := c.write(msg, s.cfg.WriteTimeout); err != nil {
		return nil, err
	}

	select {
	case <-ctx.Done():
		return nil, apierror.Wrap(ctx.Err(), apierror.KindTimeout, "Timeout", "request %s to node %s timed out", msg.Type, nodeID)
	case reply, ok := <-ch:
		if !ok {
			return nil, ErrConnectionClosed
		}
		return reply, nil
	}
}

// Logs returns the retained log tail for a pod.
func (s *Server) Logs(podID string, tail int) []*stark.PodLog {
	return s.logs.tail(podID, tail)
}

// ConnectedNodeIDs snapshots nodes with a live connection.
func (s *Server) ConnectedNodeIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.nodeConn))
	for nodeID := range s.nodeConn {
		out = append(out, nodeID)
	}
	return out
}

func (c *conn) write(msg *stark.Message, timeout time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if timeout > 0 {
		c.ws.SetWriteDeadline(time.Now().Add(timeout))
	}
	if err := c.ws.WriteJSON(msg); err != nil {
		return errors.Wrap(ErrConnectionClosed, err.Error())
	}
	return nil
}

func (c *conn) complete(msg *stark.Message) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	if ch, ok := c.pending[msg.CorrelationID]; ok {
		ch <- msg
		delete(c.pending, msg.CorrelationID)
	}
}
