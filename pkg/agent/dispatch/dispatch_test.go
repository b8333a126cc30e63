package dispatch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stark-io/stark/pkg/apierror"
	"github.com/stark-io/stark/pkg/stark"
)

type fakeAuth struct{}

func (fakeAuth) Authenticate(_ context.Context, token string) (string, error) {
	if token != "agent-token" {
		return "", apierror.NewAuth("bad token")
	}
	return "agent", nil
}

type fakeRegistrar struct {
	mu           sync.Mutex
	heartbeats   []*stark.NodeHeartbeat
	disconnected []string
}

func (f *fakeRegistrar) Register(_ context.Context, connectionID, principal string, req *stark.NodeRegister) (*stark.Node, error) {
	if req.Name == "" {
		return nil, apierror.NewValidation("node name is required")
	}
	return &stark.Node{ID: "node-" + req.Name, Name: req.Name, ConnectionID: connectionID, RegisteredBy: principal}, nil
}

func (f *fakeRegistrar) Heartbeat(_ context.Context, _ string, hb *stark.NodeHeartbeat) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.heartbeats = append(f.heartbeats, hb)
	return nil
}

func (f *fakeRegistrar) Disconnected(_ context.Context, connectionID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnected = append(f.disconnected, connectionID)
}

func (f *fakeRegistrar) heartbeatCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.heartbeats)
}

func (f *fakeRegistrar) disconnectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.disconnected)
}

type fakeSink struct {
	mu      sync.Mutex
	updates []struct {
		nodeID string
		update *stark.PodStatusUpdate
	}
}

func (f *fakeSink) ApplyPodStatus(_ context.Context, nodeID string, update *stark.PodStatusUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, struct {
		nodeID string
		update *stark.PodStatusUpdate
	}{nodeID, update})
	return nil
}

type fakeRouter struct {
	response  *stark.RouteResponse
	nodeByPod map[string]string
}

func (f *fakeRouter) Resolve(_ context.Context, _ *stark.RouteRequest) *stark.RouteResponse {
	if f.response != nil {
		return f.response
	}
	return &stark.RouteResponse{DenyReason: "no such service"}
}

func (f *fakeRouter) NodeForPod(podID string) (string, bool) {
	nodeID, ok := f.nodeByPod[podID]
	return nodeID, ok
}

type harness struct {
	server    *Server
	registrar *fakeRegistrar
	sink      *fakeSink
	router    *fakeRouter
	ts        *httptest.Server
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{
		registrar: &fakeRegistrar{},
		sink:      &fakeSink{},
		router:    &fakeRouter{nodeByPod: map[string]string{}},
	}
	h.server = NewServer(fakeAuth{}, h.registrar, h.sink, h.router, cfg)
	h.ts = httptest.NewServer(h.server)
	t.Cleanup(h.ts.Close)
	return h
}

func (h *harness) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(h.ts.URL, "http")
	header := http.Header{"Authorization": {"Bearer agent-token"}}
	ws, _, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return ws
}

// register performs the registration handshake and returns the assigned
// node ID.
func (h *harness) register(t *testing.T, ws *websocket.Conn, name string) string {
	t.Helper()
	msg, err := stark.NewMessage(stark.MsgNodeRegister, "reg-1", &stark.NodeRegister{
		Name: name, RuntimeType: stark.RuntimeNode,
	})
	require.NoError(t, err)
	require.NoError(t, ws.WriteJSON(msg))

	reply := readMessage(t, ws)
	require.Equal(t, stark.MsgNodeRegistered, reply.Type)
	registered := &stark.NodeRegistered{}
	require.NoError(t, reply.Decode(registered))
	return registered.NodeID
}

func readMessage(t *testing.T, ws *websocket.Conn) *stark.Message {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	msg := &stark.Message{}
	require.NoError(t, ws.ReadJSON(msg))
	return msg
}

func TestRejectsBadToken(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	url := "ws" + strings.TrimPrefix(h.ts.URL, "http")
	_, resp, err := websocket.DefaultDialer.Dial(url, http.Header{"Authorization": {"Bearer wrong"}})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestRegisterHandshake(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	ws := h.dial(t)

	msg, err := stark.NewMessage(stark.MsgNodeRegister, "reg-1", &stark.NodeRegister{
		Name: "worker-1", RuntimeType: stark.RuntimeNode,
	})
	require.NoError(t, err)
	require.NoError(t, ws.WriteJSON(msg))

	reply := readMessage(t, ws)
	assert.Equal(t, stark.MsgNodeRegistered, reply.Type)
	assert.Equal(t, "reg-1", reply.CorrelationID)

	registered := &stark.NodeRegistered{}
	require.NoError(t, reply.Decode(registered))
	assert.Equal(t, "node-worker-1", registered.NodeID)
	assert.Equal(t, int(DefaultConfig().HeartbeatInterval.Seconds()), registered.HeartbeatInterval)
	assert.Equal(t, []string{"node-worker-1"}, h.server.ConnectedNodeIDs())
}

func TestHeartbeatForwardedToRegistrar(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	ws := h.dial(t)
	nodeID := h.register(t, ws, "worker-1")

	hb, err := stark.NewMessage(stark.MsgNodeHeartbeat, "", &stark.NodeHeartbeat{NodeID: nodeID})
	require.NoError(t, err)
	require.NoError(t, ws.WriteJSON(hb))

	require.Eventually(t, func() bool { return h.registrar.heartbeatCount() == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestPodStatusCarriesNodeIdentity(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	ws := h.dial(t)
	nodeID := h.register(t, ws, "worker-1")

	update, err := stark.NewMessage(stark.MsgPodStatus, "", &stark.PodStatusUpdate{PodID: "pod-1", Status: stark.PodRunning})
	require.NoError(t, err)
	require.NoError(t, ws.WriteJSON(update))

	require.Eventually(t, func() bool {
		h.sink.mu.Lock()
		defer h.sink.mu.Unlock()
		return len(h.sink.updates) == 1
	}, 2*time.Second, 10*time.Millisecond)

	h.sink.mu.Lock()
	defer h.sink.mu.Unlock()
	assert.Equal(t, nodeID, h.sink.updates[0].nodeID)
	assert.Equal(t, "pod-1", h.sink.updates[0].update.PodID)
}

func TestPodLogsRetained(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	ws := h.dial(t)
	h.register(t, ws, "worker-1")

	for _, line := range []string{"starting", "listening on :3000"} {
		entry, err := stark.NewMessage(stark.MsgPodLog, "", &stark.PodLog{PodID: "pod-1", Stream: "stdout", Line: line})
		require.NoError(t, err)
		require.NoError(t, ws.WriteJSON(entry))
	}

	require.Eventually(t, func() bool { return len(h.server.Logs("pod-1", 0)) == 2 }, 2*time.Second, 10*time.Millisecond)
	logs := h.server.Logs("pod-1", 1)
	require.Len(t, logs, 1)
	assert.Equal(t, "listening on :3000", logs[0].Line)
}

func TestRouteRequestAnswered(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.router.response = &stark.RouteResponse{TargetPodID: "pod-x", TargetNodeID: "node-x", PolicyAllowed: true}
	ws := h.dial(t)
	h.register(t, ws, "worker-1")

	req, err := stark.NewMessage(stark.MsgRouteRequest, "route-1", &stark.RouteRequest{
		SourcePodID: "pod-1", TargetService: "cache",
	})
	require.NoError(t, err)
	require.NoError(t, ws.WriteJSON(req))

	reply := readMessage(t, ws)
	assert.Equal(t, stark.MsgRouteResponse, reply.Type)
	assert.Equal(t, "route-1", reply.CorrelationID)
	route := &stark.RouteResponse{}
	require.NoError(t, reply.Decode(route))
	assert.Equal(t, "pod-x", route.TargetPodID)
}

func TestSendDeliversInOrder(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	ws := h.dial(t)
	nodeID := h.register(t, ws, "worker-1")

	for _, podID := range []string{"pod-1", "pod-2", "pod-3"} {
		msg, err := stark.NewMessage(stark.MsgPodStart, "", &stark.PodStart{PodID: podID})
		require.NoError(t, err)
		require.NoError(t, h.server.Send(context.Background(), nodeID, msg))
	}

	for _, want := range []string{"pod-1", "pod-2", "pod-3"} {
		msg := readMessage(t, ws)
		assert.Equal(t, stark.MsgPodStart, msg.Type)
		start := &stark.PodStart{}
		require.NoError(t, msg.Decode(start))
		assert.Equal(t, want, start.PodID)
	}
}

func TestSendToUnknownNode(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	msg, err := stark.NewMessage(stark.MsgPodStop, "", &stark.PodStop{PodID: "pod-1"})
	require.NoError(t, err)
	err = h.server.Send(context.Background(), "nowhere", msg)
	assert.True(t, errors.Is(err, ErrConnectionClosed))
}

func TestRequestRoundTrip(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	ws := h.dial(t)
	nodeID := h.register(t, ws, "worker-1")

	// The agent side answers the first ingress:request it sees.
	go func() {
		msg := &stark.Message{}
		ws.SetReadDeadline(time.Now().Add(5 * time.Second))
		if err := ws.ReadJSON(msg); err != nil {
			return
		}
		reply, err := stark.NewMessage(stark.MsgIngressResponse, msg.CorrelationID, &stark.IngressResponse{
			Status: http.StatusOK, Body: []byte("hello"),
		})
		if err != nil {
			return
		}
		ws.WriteJSON(reply)
	}()

	req, err := stark.NewMessage(stark.MsgIngressRequest, "", &stark.IngressRequest{PodID: "pod-1", Method: "GET", URL: "/"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	reply, err := h.server.Request(ctx, nodeID, req)
	require.NoError(t, err)
	assert.Equal(t, stark.MsgIngressResponse, reply.Type)

	ingress := &stark.IngressResponse{}
	require.NoError(t, reply.Decode(ingress))
	assert.Equal(t, "hello", string(ingress.Body))
}

func TestRequestTimeout(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	ws := h.dial(t)
	nodeID := h.register(t, ws, "worker-1")

	// The agent never answers.
	req, err := stark.NewMessage(stark.MsgIngressRequest, "", &stark.IngressRequest{PodID: "pod-1"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = h.server.Request(ctx, nodeID, req)
	assert.True(t, apierror.IsTimeout(err))
}

func TestRequestBackpressure(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PendingCeiling = 1
	h := newHarness(t, cfg)
	ws := h.dial(t)
	nodeID := h.register(t, ws, "worker-1")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	started := make(chan struct{})
	go func() {
		req, _ := stark.NewMessage(stark.MsgIngressRequest, "slot-holder", &stark.IngressRequest{PodID: "pod-1"})
		close(started)
		h.server.Request(ctx, nodeID, req)
	}()
	<-started
	// Wait until the first request occupies the pending slot.
	require.Eventually(t, func() bool {
		h.server.mu.RLock()
		defer h.server.mu.RUnlock()
		for _, c := range h.server.conns {
			c.pendingMu.Lock()
			n := len(c.pending)
			c.pendingMu.Unlock()
			if n > 0 {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)

	req, err := stark.NewMessage(stark.MsgIngressRequest, "", &stark.IngressRequest{PodID: "pod-2"})
	require.NoError(t, err)
	_, err = h.server.Request(ctx, nodeID, req)
	assert.True(t, errors.Is(err, ErrBackpressure))
}

func TestDisconnectFailsPendingRequests(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	ws := h.dial(t)
	nodeID := h.register(t, ws, "worker-1")

	errCh := make(chan error, 1)
	go func() {
		req, _ := stark.NewMessage(stark.MsgIngressRequest, "", &stark.IngressRequest{PodID: "pod-1"})
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_, err := h.server.Request(ctx, nodeID, req)
		errCh <- err
	}()

	// Drain the request frame, then drop the connection.
	readMessage(t, ws)
	ws.Close()

	select {
	case err := <-errCh:
		assert.True(t, errors.Is(err, ErrConnectionClosed))
	case <-time.After(5 * time.Second):
		t.Fatal("pending request not failed on disconnect")
	}

	require.Eventually(t, func() bool { return h.registrar.disconnectCount() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Empty(t, h.server.ConnectedNodeIDs())
}

func TestPeerSignalRelay(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	wsA := h.dial(t)
	h.register(t, wsA, "worker-a")
	wsB := h.dial(t)
	nodeB := h.register(t, wsB, "worker-b")
	h.router.nodeByPod["pod-b"] = nodeB

	signal, err := stark.NewMessage(stark.MsgPeerSignal, "sig-1", &stark.PeerSignal{
		SourcePodID: "pod-a", TargetPodID: "pod-b", Data: []byte(`{"sdp":"offer"}`),
	})
	require.NoError(t, err)
	require.NoError(t, wsA.WriteJSON(signal))

	relayed := readMessage(t, wsB)
	assert.Equal(t, stark.MsgPeerSignal, relayed.Type)
	got := &stark.PeerSignal{}
	require.NoError(t, relayed.Decode(got))
	assert.Equal(t, "pod-a", got.SourcePodID)
}

func TestUnknownMessageTypeGetsErrorFrame(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	ws := h.dial(t)
	h.register(t, ws, "worker-1")

	require.NoError(t, ws.WriteJSON(&stark.Message{Type: "gibberish", CorrelationID: "x-1"}))

	reply := readMessage(t, ws)
	assert.Equal(t, stark.MsgError, reply.Type)
	assert.Equal(t, "x-1", reply.CorrelationID)
	frame := &stark.ErrorFrame{}
	require.NoError(t, reply.Decode(frame))
	assert.Equal(t, "Invalid", frame.Code)
}

func TestLogBufferBounds(t *testing.T) {
	buf := newLogBuffer(3)
	for i := 0; i < 5; i++ {
		buf.append(&stark.PodLog{PodID: "pod-1", Line: string(rune('a' + i))})
	}
	lines := buf.tail("pod-1", 0)
	require.Len(t, lines, 3)
	assert.Equal(t, "c", lines[0].Line)
	assert.Equal(t, "e", lines[2].Line)

	buf.drop("pod-1")
	assert.Empty(t, buf.tail("pod-1", 0))
}
