package nodes

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stark-io/stark/pkg/apierror"
	"github.com/stark-io/stark/pkg/stark"
	"github.com/stark-io/stark/pkg/store"
)

type fakeCommander struct {
	mu   sync.Mutex
	sent []*stark.Message
}

func (f *fakeCommander) Send(_ context.Context, _ string, msg *stark.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeCommander) sentTypes() []stark.MessageType {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []stark.MessageType
	for _, m := range f.sent {
		out = append(out, m.Type)
	}
	return out
}

func testConfig() Config {
	return Config{
		HeartbeatInterval: 10 * time.Millisecond,
		UnhealthyAfter:    30 * time.Millisecond,
		OfflineAfter:      60 * time.Millisecond,
		DrainBackoff:      0,
	}
}

func newTestRegistry(t *testing.T) (*Registry, store.Interface, *fakeCommander) {
	t.Helper()
	st := store.NewMemory(nil)
	cmd := &fakeCommander{}
	return NewRegistry(st, cmd, testConfig()), st, cmd
}

func TestRegisterCreatesNode(t *testing.T) {
	ctx := context.Background()
	reg, st, _ := newTestRegistry(t)

	node, err := reg.Register(ctx, "conn-1", "agent", &stark.NodeRegister{
		Name:        "worker-1",
		RuntimeType: stark.RuntimeNode,
		Allocatable: stark.ResourceList{CPU: 1000, Memory: 1024, Pods: 10},
	})
	require.NoError(t, err)
	assert.Equal(t, stark.NodeOnline, node.Status)
	assert.Equal(t, "conn-1", node.ConnectionID)
	assert.Equal(t, "agent", node.RegisteredBy)

	stored, err := st.Nodes().Get(ctx, node.ID)
	require.NoError(t, err)
	assert.Equal(t, "worker-1", stored.Name)
}

func TestRegisterValidation(t *testing.T) {
	ctx := context.Background()
	reg, _, _ := newTestRegistry(t)

	_, err := reg.Register(ctx, "conn-1", "agent", &stark.NodeRegister{RuntimeType: stark.RuntimeNode})
	assert.True(t, apierror.IsValidation(err))

	_, err = reg.Register(ctx, "conn-1", "agent", &stark.NodeRegister{Name: "x", RuntimeType: "jvm"})
	assert.True(t, apierror.IsValidation(err))
}

func TestRegisterResumesByName(t *testing.T) {
	ctx := context.Background()
	reg, st, _ := newTestRegistry(t)

	first, err := reg.Register(ctx, "conn-1", "agent", &stark.NodeRegister{
		Name: "worker-1", RuntimeType: stark.RuntimeNode,
		Allocatable: stark.ResourceList{CPU: 1000, Pods: 10},
	})
	require.NoError(t, err)

	// Simulate a dropped connection, then a fresh one registering again.
	reg.Disconnected(ctx, "conn-1")
	resumed, err := reg.Register(ctx, "conn-2", "agent", &stark.NodeRegister{
		Name: "worker-1", RuntimeType: stark.RuntimeNode,
		Allocatable: stark.ResourceList{CPU: 2000, Pods: 20},
	})
	require.NoError(t, err)
	assert.Equal(t, first.ID, resumed.ID)
	assert.Equal(t, "conn-2", resumed.ConnectionID)
	assert.Equal(t, int64(2000), resumed.Allocatable.CPU)

	nodes, err := st.Nodes().List(ctx, store.NodeFilter{})
	require.NoError(t, err)
	assert.Len(t, nodes, 1)
}

func TestRegisterRefusesSecondLiveConnection(t *testing.T) {
	ctx := context.Background()
	reg, _, _ := newTestRegistry(t)

	_, err := reg.Register(ctx, "conn-1", "agent", &stark.NodeRegister{Name: "worker-1", RuntimeType: stark.RuntimeNode})
	require.NoError(t, err)

	_, err = reg.Register(ctx, "conn-2", "agent", &stark.NodeRegister{Name: "worker-1", RuntimeType: stark.RuntimeNode})
	assert.True(t, apierror.IsConflict(err))
}

func TestHeartbeatUpdatesNode(t *testing.T) {
	ctx := context.Background()
	reg, st, _ := newTestRegistry(t)

	node, err := reg.Register(ctx, "conn-1", "agent", &stark.NodeRegister{Name: "worker-1", RuntimeType: stark.RuntimeNode})
	require.NoError(t, err)

	err = reg.Heartbeat(ctx, "conn-1", &stark.NodeHeartbeat{
		NodeID:    node.ID,
		Allocated: stark.ResourceList{CPU: 300, Pods: 2},
	})
	require.NoError(t, err)

	stored, err := st.Nodes().Get(ctx, node.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(300), stored.Allocated.CPU)

	// A heartbeat from a connection that does not own the node is refused.
	err = reg.Heartbeat(ctx, "conn-other", &stark.NodeHeartbeat{NodeID: node.ID})
	assert.True(t, apierror.IsAuth(err))

	reg.Ban("conn-1")
	err = reg.Heartbeat(ctx, "conn-1", &stark.NodeHeartbeat{NodeID: node.ID})
	assert.True(t, apierror.IsAuth(err))
}

func TestHeartbeatRecoversUnhealthyNode(t *testing.T) {
	ctx := context.Background()
	reg, st, _ := newTestRegistry(t)

	node, err := reg.Register(ctx, "conn-1", "agent", &stark.NodeRegister{Name: "worker-1", RuntimeType: stark.RuntimeNode})
	require.NoError(t, err)

	_, err = st.Nodes().Update(ctx, node.ID, func(n *stark.Node) error {
		n.Status = stark.NodeUnhealthy
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, reg.Heartbeat(ctx, "conn-1", &stark.NodeHeartbeat{NodeID: node.ID}))

	stored, err := st.Nodes().Get(ctx, node.ID)
	require.NoError(t, err)
	assert.Equal(t, stark.NodeOnline, stored.Status)
}

func TestHeartbeatResyncMarksMissingPodsUnknown(t *testing.T) {
	ctx := context.Background()
	reg, st, _ := newTestRegistry(t)

	node, err := reg.Register(ctx, "conn-1", "agent", &stark.NodeRegister{Name: "worker-1", RuntimeType: stark.RuntimeNode})
	require.NoError(t, err)

	running := &stark.Pod{Namespace: "default", NodeID: node.ID, Status: stark.PodRunning}
	require.NoError(t, st.Pods().Create(ctx, running))
	// Scheduled pods may not have reached the agent yet; they are left alone.
	scheduled := &stark.Pod{Namespace: "default", NodeID: node.ID, Status: stark.PodScheduled}
	require.NoError(t, st.Pods().Create(ctx, scheduled))

	require.NoError(t, reg.Heartbeat(ctx, "conn-1", &stark.NodeHeartbeat{NodeID: node.ID}))

	got, err := st.Pods().Get(ctx, running.ID)
	require.NoError(t, err)
	assert.Equal(t, stark.PodUnknown, got.Status)

	got, err = st.Pods().Get(ctx, scheduled.ID)
	require.NoError(t, err)
	assert.Equal(t, stark.PodScheduled, got.Status)
}

func TestHeartbeatResyncAppliesReportedStatus(t *testing.T) {
	ctx := context.Background()
	reg, st, _ := newTestRegistry(t)

	node, err := reg.Register(ctx, "conn-1", "agent", &stark.NodeRegister{Name: "worker-1", RuntimeType: stark.RuntimeNode})
	require.NoError(t, err)

	pod := &stark.Pod{Namespace: "default", NodeID: node.ID, Status: stark.PodStarting}
	require.NoError(t, st.Pods().Create(ctx, pod))

	require.NoError(t, reg.Heartbeat(ctx, "conn-1", &stark.NodeHeartbeat{
		NodeID:    node.ID,
		PodStates: []stark.PodStateSummary{{PodID: pod.ID, Status: stark.PodRunning}},
	}))

	got, err := st.Pods().Get(ctx, pod.ID)
	require.NoError(t, err)
	assert.Equal(t, stark.PodRunning, got.Status)
}

func TestSweepLifecycle(t *testing.T) {
	ctx := context.Background()
	reg, st, cmd := newTestRegistry(t)

	node, err := reg.Register(ctx, "conn-1", "agent", &stark.NodeRegister{Name: "worker-1", RuntimeType: stark.RuntimeNode})
	require.NoError(t, err)

	pod := &stark.Pod{Namespace: "default", NodeID: node.ID, Status: stark.PodRunning}
	require.NoError(t, st.Pods().Create(ctx, pod))

	// Backdate the heartbeat past the unhealthy threshold.
	_, err = st.Nodes().Update(ctx, node.ID, func(n *stark.Node) error {
		n.LastHeartbeat = time.Now().Add(-40 * time.Millisecond)
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, reg.Sweep(ctx))
	got, err := st.Nodes().Get(ctx, node.ID)
	require.NoError(t, err)
	assert.Equal(t, stark.NodeUnhealthy, got.Status)

	// Past the offline threshold the node goes offline and pods are evicted.
	_, err = st.Nodes().Update(ctx, node.ID, func(n *stark.Node) error {
		n.LastHeartbeat = time.Now().Add(-100 * time.Millisecond)
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, reg.Sweep(ctx))
	got, err = st.Nodes().Get(ctx, node.ID)
	require.NoError(t, err)
	assert.Equal(t, stark.NodeOffline, got.Status)

	evicted, err := st.Pods().Get(ctx, pod.ID)
	require.NoError(t, err)
	assert.Equal(t, stark.PodEvicted, evicted.Status)
	assert.Contains(t, cmd.sentTypes(), stark.MsgPodStop)
}

func TestDrainEvictsOnePodPerSweep(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory(nil)
	cfg := testConfig()
	cfg.DrainBackoff = time.Hour // only the first sweep may evict
	reg := NewRegistry(st, &fakeCommander{}, cfg)

	node, err := reg.Register(ctx, "conn-1", "agent", &stark.NodeRegister{Name: "worker-1", RuntimeType: stark.RuntimeNode})
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		require.NoError(t, st.Pods().Create(ctx, &stark.Pod{Namespace: "default", NodeID: node.ID, Status: stark.PodRunning}))
	}

	drained, err := reg.Drain(ctx, node.ID)
	require.NoError(t, err)
	assert.Equal(t, stark.NodeDraining, drained.Status)
	assert.True(t, drained.Unschedulable)

	require.NoError(t, reg.Sweep(ctx))
	evicted, err := st.Pods().List(ctx, store.PodFilter{Statuses: []stark.PodStatus{stark.PodEvicted}})
	require.NoError(t, err)
	assert.Len(t, evicted, 1)

	// Second sweep is inside the backoff window; nothing more is evicted.
	require.NoError(t, reg.Sweep(ctx))
	evicted, err = st.Pods().List(ctx, store.PodFilter{Statuses: []stark.PodStatus{stark.PodEvicted}})
	require.NoError(t, err)
	assert.Len(t, evicted, 1)
}

func TestDrainCompletesIntoMaintenance(t *testing.T) {
	ctx := context.Background()
	reg, st, _ := newTestRegistry(t)

	node, err := reg.Register(ctx, "conn-1", "agent", &stark.NodeRegister{Name: "worker-1", RuntimeType: stark.RuntimeNode})
	require.NoError(t, err)

	_, err = reg.Drain(ctx, node.ID)
	require.NoError(t, err)

	require.NoError(t, reg.Sweep(ctx))
	got, err := st.Nodes().Get(ctx, node.ID)
	require.NoError(t, err)
	assert.Equal(t, stark.NodeMaintenance, got.Status)
}

func TestCordon(t *testing.T) {
	ctx := context.Background()
	reg, _, _ := newTestRegistry(t)

	node, err := reg.Register(ctx, "conn-1", "agent", &stark.NodeRegister{Name: "worker-1", RuntimeType: stark.RuntimeNode})
	require.NoError(t, err)

	cordoned, err := reg.Cordon(ctx, node.ID, true)
	require.NoError(t, err)
	assert.True(t, cordoned.Unschedulable)
	assert.Equal(t, stark.NodeOnline, cordoned.Status)

	uncordoned, err := reg.Cordon(ctx, node.ID, false)
	require.NoError(t, err)
	assert.False(t, uncordoned.Unschedulable)
}

func TestApplyConfigEvictsUntoleratedPods(t *testing.T) {
	ctx := context.Background()
	reg, st, cmd := newTestRegistry(t)

	node, err := reg.Register(ctx, "conn-1", "agent", &stark.NodeRegister{Name: "worker-1", RuntimeType: stark.RuntimeNode})
	require.NoError(t, err)

	tolerant := &stark.Pod{
		Namespace: "default", NodeID: node.ID, Status: stark.PodRunning,
		Tolerations: []stark.Toleration{{Key: "maintenance", Operator: stark.TolerationOpExists}},
	}
	require.NoError(t, st.Pods().Create(ctx, tolerant))
	intolerant := &stark.Pod{Namespace: "default", NodeID: node.ID, Status: stark.PodRunning}
	require.NoError(t, st.Pods().Create(ctx, intolerant))

	_, err = reg.ApplyConfig(ctx, node.ID, nil, []stark.Taint{
		{Key: "maintenance", Effect: stark.TaintEffectNoExecute},
	}, nil)
	require.NoError(t, err)

	kept, err := st.Pods().Get(ctx, tolerant.ID)
	require.NoError(t, err)
	assert.Equal(t, stark.PodRunning, kept.Status)

	gone, err := st.Pods().Get(ctx, intolerant.ID)
	require.NoError(t, err)
	assert.Equal(t, stark.PodEvicted, gone.Status)

	// Config push plus the stop for the evicted pod.
	assert.Contains(t, cmd.sentTypes(), stark.MsgNodeConfig)
	assert.Contains(t, cmd.sentTypes(), stark.MsgPodStop)
}

func TestApplyPodStatus(t *testing.T) {
	ctx := context.Background()
	reg, st, _ := newTestRegistry(t)

	node, err := reg.Register(ctx, "conn-1", "agent", &stark.NodeRegister{Name: "worker-1", RuntimeType: stark.RuntimeNode})
	require.NoError(t, err)
	_, err = st.Nodes().Update(ctx, node.ID, func(n *stark.Node) error {
		n.Allocated = stark.ResourceList{CPU: 200, Memory: 128, Pods: 1}
		return nil
	})
	require.NoError(t, err)

	pod := &stark.Pod{
		Namespace: "default", NodeID: node.ID, Status: stark.PodStarting,
		ResourceRequests: stark.ResourceList{CPU: 200, Memory: 128},
	}
	require.NoError(t, st.Pods().Create(ctx, pod))

	err = reg.ApplyPodStatus(ctx, "", &stark.PodStatusUpdate{PodID: pod.ID, Status: stark.PodRunning})
	assert.True(t, apierror.IsAuth(err))

	err = reg.ApplyPodStatus(ctx, "other-node", &stark.PodStatusUpdate{PodID: pod.ID, Status: stark.PodRunning})
	assert.True(t, apierror.IsPolicy(err))

	started := time.Now()
	require.NoError(t, reg.ApplyPodStatus(ctx, node.ID, &stark.PodStatusUpdate{
		PodID: pod.ID, Status: stark.PodRunning, StartedAt: &started,
	}))
	got, err := st.Pods().Get(ctx, pod.ID)
	require.NoError(t, err)
	assert.Equal(t, stark.PodRunning, got.Status)
	require.NotNil(t, got.StartedAt)

	// Terminal report releases the node allocation.
	require.NoError(t, reg.ApplyPodStatus(ctx, node.ID, &stark.PodStatusUpdate{
		PodID: pod.ID, Status: stark.PodFailed, Message: "exit 1",
	}))
	got, err = st.Pods().Get(ctx, pod.ID)
	require.NoError(t, err)
	assert.Equal(t, stark.PodFailed, got.Status)
	assert.Equal(t, "exit 1", got.StatusMessage)
	assert.NotNil(t, got.StoppedAt)

	n, err := st.Nodes().Get(ctx, node.ID)
	require.NoError(t, err)
	assert.Equal(t, stark.ResourceList{}, n.Allocated)
}

func TestRemoveEvictsAndDeletes(t *testing.T) {
	ctx := context.Background()
	reg, st, _ := newTestRegistry(t)

	node, err := reg.Register(ctx, "conn-1", "agent", &stark.NodeRegister{Name: "worker-1", RuntimeType: stark.RuntimeNode})
	require.NoError(t, err)
	pod := &stark.Pod{Namespace: "default", NodeID: node.ID, Status: stark.PodRunning}
	require.NoError(t, st.Pods().Create(ctx, pod))

	require.NoError(t, reg.Remove(ctx, node.ID))

	_, err = st.Nodes().Get(ctx, node.ID)
	assert.True(t, apierror.IsNotFound(err))

	got, err := st.Pods().Get(ctx, pod.ID)
	require.NoError(t, err)
	assert.Equal(t, stark.PodEvicted, got.Status)
}
