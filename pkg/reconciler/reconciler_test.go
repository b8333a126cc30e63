package reconciler

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

func (f *fakeCommander) stops() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, m := range f.sent {
		if m.Type == stark.MsgPodStop {
			n++
		}
	}
	return n
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.FailWindow = time.Minute
	cfg.BackoffBase = 10 * time.Millisecond
	cfg.BackoffMax = time.Second
	return cfg
}

type fixture struct {
	ctx context.Context
	st  store.Interface
	cmd *fakeCommander
	rec *Reconciler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := store.NewMemory(nil)
	cmd := &fakeCommander{}
	return &fixture{ctx: context.Background(), st: st, cmd: cmd, rec: New(st, cmd, testConfig())}
}

func (f *fixture) addPack(t *testing.T, version string) *stark.Pack {
	t.Helper()
	pack := &stark.Pack{Name: "cache", Version: version, RuntimeTag: stark.RuntimeTagNode, Visibility: stark.VisibilityPublic}
	require.NoError(t, f.st.Packs().Create(f.ctx, pack))
	return pack
}

func (f *fixture) addService(t *testing.T, pack *stark.Pack, replicas int, mut func(*stark.Service)) *stark.Service {
	t.Helper()
	svc := &stark.Service{
		Name:        "api",
		Namespace:   "default",
		PackID:      pack.ID,
		PackName:    pack.Name,
		PackVersion: pack.Version,
		Replicas:    replicas,
		Status:      stark.ServicePending,
	}
	if mut != nil {
		mut(svc)
	}
	require.NoError(t, f.st.Services().Create(f.ctx, svc))
	return svc
}

func (f *fixture) ownedPods(t *testing.T, svc *stark.Service) []*stark.Pod {
	t.Helper()
	pods, err := f.st.Pods().List(f.ctx, store.PodFilter{ServiceID: svc.ID})
	require.NoError(t, err)
	return pods
}

func (f *fixture) service(t *testing.T, id string) *stark.Service {
	t.Helper()
	svc, err := f.st.Services().Get(f.ctx, id)
	require.NoError(t, err)
	return svc
}

func (f *fixture) markRunning(t *testing.T, pods ...*stark.Pod) {
	t.Helper()
	for _, pod := range pods {
		_, err := f.st.Pods().Transition(f.ctx, pod.ID, stark.PodPending, stark.PodScheduled, func(p *stark.Pod) {
			p.NodeID = "node-1"
		})
		require.NoError(t, err)
		_, err = f.st.Pods().Transition(f.ctx, pod.ID, stark.PodScheduled, stark.PodRunning, nil)
		require.NoError(t, err)
	}
}

func TestReconcileCreatesMissingPods(t *testing.T) {
	f := newFixture(t)
	pack := f.addPack(t, "1.0.0")
	svc := f.addService(t, pack, 3, nil)

	require.NoError(t, f.rec.Reconcile(f.ctx, svc.ID))

	pods := f.ownedPods(t, svc)
	require.Len(t, pods, 3)
	for _, pod := range pods {
		assert.Equal(t, stark.PodPending, pod.Status)
		assert.Equal(t, "1.0.0", pod.PackVersion)
		assert.Equal(t, svc.ID, pod.ServiceID)
	}

	// The count is settled on the next pass, which concludes the service.
	require.NoError(t, f.rec.Reconcile(f.ctx, svc.ID))
	assert.Len(t, f.ownedPods(t, svc), 3)
	assert.Equal(t, stark.ServiceActive, f.service(t, svc.ID).Status)
}

func TestReconcileReplacesTerminalPods(t *testing.T) {
	f := newFixture(t)
	pack := f.addPack(t, "1.0.0")
	svc := f.addService(t, pack, 2, nil)

	require.NoError(t, f.rec.Reconcile(f.ctx, svc.ID))
	pods := f.ownedPods(t, svc)
	require.Len(t, pods, 2)

	f.markRunning(t, pods[0], pods[1])
	_, err := f.st.Pods().Transition(f.ctx, pods[0].ID, stark.PodRunning, stark.PodFailed, nil)
	require.NoError(t, err)

	require.NoError(t, f.rec.Reconcile(f.ctx, svc.ID))
	live := 0
	for _, pod := range f.ownedPods(t, svc) {
		if !pod.Status.Terminal() {
			live++
		}
	}
	assert.Equal(t, 2, live)
}

func TestReconcileScalesDownNewestFirst(t *testing.T) {
	f := newFixture(t)
	pack := f.addPack(t, "1.0.0")
	svc := f.addService(t, pack, 1, nil)

	old := &stark.Pod{
		PackID: pack.ID, PackName: pack.Name, PackVersion: pack.Version,
		Namespace: "default", ServiceID: svc.ID, Status: stark.PodRunning,
		NodeID: "node-1", CreatedAt: time.Now().Add(-time.Hour),
	}
	require.NoError(t, f.st.Pods().Create(f.ctx, old))
	young := &stark.Pod{
		PackID: pack.ID, PackName: pack.Name, PackVersion: pack.Version,
		Namespace: "default", ServiceID: svc.ID, Status: stark.PodRunning,
		NodeID: "node-1",
	}
	require.NoError(t, f.st.Pods().Create(f.ctx, young))

	require.NoError(t, f.rec.Reconcile(f.ctx, svc.ID))

	gotOld, err := f.st.Pods().Get(f.ctx, old.ID)
	require.NoError(t, err)
	assert.Equal(t, stark.PodRunning, gotOld.Status)

	gotYoung, err := f.st.Pods().Get(f.ctx, young.ID)
	require.NoError(t, err)
	assert.Equal(t, stark.PodStopping, gotYoung.Status)
	assert.Equal(t, 1, f.cmd.stops())
}

func TestScaleDownStopsScheduledPod(t *testing.T) {
	f := newFixture(t)
	pack := f.addPack(t, "1.0.0")
	svc := f.addService(t, pack, 1, nil)

	old := &stark.Pod{
		PackID: pack.ID, PackName: pack.Name, PackVersion: pack.Version,
		Namespace: "default", ServiceID: svc.ID, Status: stark.PodRunning,
		NodeID: "node-1", CreatedAt: time.Now().Add(-time.Hour),
	}
	require.NoError(t, f.st.Pods().Create(f.ctx, old))
	// Bound to a node, start not yet confirmed by the agent.
	young := &stark.Pod{
		PackID: pack.ID, PackName: pack.Name, PackVersion: pack.Version,
		Namespace: "default", ServiceID: svc.ID, Status: stark.PodScheduled,
		NodeID: "node-1",
	}
	require.NoError(t, f.st.Pods().Create(f.ctx, young))

	require.NoError(t, f.rec.Reconcile(f.ctx, svc.ID))

	got, err := f.st.Pods().Get(f.ctx, young.ID)
	require.NoError(t, err)
	assert.Equal(t, stark.PodStopping, got.Status)
	assert.Equal(t, 1, f.cmd.stops())
}

func TestRollingUpdateOnePodAtATime(t *testing.T) {
	f := newFixture(t)
	v1 := f.addPack(t, "1.0.0")
	f.addPack(t, "2.0.0")
	svc := f.addService(t, v1, 2, nil)

	require.NoError(t, f.rec.Reconcile(f.ctx, svc.ID))
	oldPods := f.ownedPods(t, svc)
	require.Len(t, oldPods, 2)
	f.markRunning(t, oldPods[0], oldPods[1])

	// Point the service at the new version.
	v2, err := f.st.Packs().GetByNameVersion(f.ctx, "cache", "2.0.0")
	require.NoError(t, err)
	_, err = f.st.Services().Update(f.ctx, svc.ID, func(s *stark.Service) error {
		s.PackID = v2.ID
		s.PackVersion = v2.Version
		return nil
	})
	require.NoError(t, err)

	// First step: a single surge pod on the new version, nothing stopped.
	require.NoError(t, f.rec.Reconcile(f.ctx, svc.ID))
	assert.Equal(t, stark.ServiceRolling, f.service(t, svc.ID).Status)
	pods := f.ownedPods(t, svc)
	var newPods, stillOld []*stark.Pod
	for _, pod := range pods {
		if pod.PackVersion == "2.0.0" {
			newPods = append(newPods, pod)
		} else if !pod.Status.Terminal() && pod.Status != stark.PodStopping {
			stillOld = append(stillOld, pod)
		}
	}
	require.Len(t, newPods, 1)
	assert.Len(t, stillOld, 2)

	// Surge pod not running yet: another pass must not stop old pods.
	require.NoError(t, f.rec.Reconcile(f.ctx, svc.ID))
	assert.Equal(t, 0, f.cmd.stops())

	// Once the surge pod runs, one old pod is stopped.
	f.markRunning(t, newPods[0])
	require.NoError(t, f.rec.Reconcile(f.ctx, svc.ID))
	assert.Equal(t, 1, f.cmd.stops())
}

func TestRollingUpdateCompletes(t *testing.T) {
	f := newFixture(t)
	v1 := f.addPack(t, "1.0.0")
	v2 := f.addPack(t, "2.0.0")
	svc := f.addService(t, v1, 1, nil)

	require.NoError(t, f.rec.Reconcile(f.ctx, svc.ID))
	oldPod := f.ownedPods(t, svc)[0]
	f.markRunning(t, oldPod)

	_, err := f.st.Services().Update(f.ctx, svc.ID, func(s *stark.Service) error {
		s.PackID = v2.ID
		s.PackVersion = v2.Version
		return nil
	})
	require.NoError(t, err)

	// Surge, run, stop old, finish old, conclude.
	require.NoError(t, f.rec.Reconcile(f.ctx, svc.ID))
	for _, pod := range f.ownedPods(t, svc) {
		if pod.PackVersion == "2.0.0" {
			f.markRunning(t, pod)
		}
	}
	require.NoError(t, f.rec.Reconcile(f.ctx, svc.ID))

	stopping, err := f.st.Pods().Get(f.ctx, oldPod.ID)
	require.NoError(t, err)
	require.Equal(t, stark.PodStopping, stopping.Status)
	_, err = f.st.Pods().Transition(f.ctx, oldPod.ID, stark.PodStopping, stark.PodStopped, nil)
	require.NoError(t, err)

	require.NoError(t, f.rec.Reconcile(f.ctx, svc.ID))
	assert.Equal(t, stark.ServiceActive, f.service(t, svc.ID).Status)
}

func TestFollowLatestAdvancesVersion(t *testing.T) {
	f := newFixture(t)
	v1 := f.addPack(t, "1.0.0")
	svc := f.addService(t, v1, 1, func(s *stark.Service) { s.FollowLatest = true })

	require.NoError(t, f.rec.Reconcile(f.ctx, svc.ID))
	f.markRunning(t, f.ownedPods(t, svc)[0])

	f.addPack(t, "1.1.0")
	require.NoError(t, f.rec.Reconcile(f.ctx, svc.ID))

	got := f.service(t, svc.ID)
	assert.Equal(t, "1.1.0", got.PackVersion)
	assert.Equal(t, stark.ServiceRolling, got.Status)
}

func TestCrashLoopRollsBackToKnownGood(t *testing.T) {
	f := newFixture(t)
	v1 := f.addPack(t, "1.0.0")
	v2 := f.addPack(t, "2.0.0")
	svc := f.addService(t, v1, 1, func(s *stark.Service) {
		s.PackID = v2.ID
		s.PackVersion = v2.Version
		s.FailureState = stark.FailureState{
			ConsecutiveFailures: 3,
			LastFailedVersion:   "2.0.0",
			LastGoodVersion:     "1.0.0",
		}
	})

	require.NoError(t, f.rec.Reconcile(f.ctx, svc.ID))

	got := f.service(t, svc.ID)
	assert.Equal(t, "1.0.0", got.PackVersion)
	assert.Equal(t, stark.ServiceRolling, got.Status)
	assert.Equal(t, 0, got.FailureState.ConsecutiveFailures)
	assert.Equal(t, 1, got.FailureState.Attempts)
}

func TestCrashLoopWithoutKnownGoodPauses(t *testing.T) {
	f := newFixture(t)
	v1 := f.addPack(t, "1.0.0")
	svc := f.addService(t, v1, 1, func(s *stark.Service) {
		s.FailureState = stark.FailureState{
			ConsecutiveFailures: 3,
			LastFailedVersion:   "1.0.0",
		}
	})

	require.NoError(t, f.rec.Reconcile(f.ctx, svc.ID))

	got := f.service(t, svc.ID)
	assert.Equal(t, stark.ServicePaused, got.Status)
	require.NotNil(t, got.FailureState.BackoffUntil)
	assert.True(t, got.FailureState.BackoffUntil.After(time.Now().Add(-time.Second)))
	assert.Equal(t, 1, got.FailureState.Attempts)

	// Paused services are left alone.
	require.NoError(t, f.rec.Reconcile(f.ctx, svc.ID))
	assert.Empty(t, f.ownedPods(t, svc))
}

func TestObservePodEventFailureCounting(t *testing.T) {
	f := newFixture(t)
	pack := f.addPack(t, "1.0.0")
	svc := f.addService(t, pack, 1, nil)

	pod := &stark.Pod{
		PackID: pack.ID, PackName: pack.Name, PackVersion: "1.0.0",
		Namespace: "default", ServiceID: svc.ID,
	}
	require.NoError(t, f.st.Pods().Create(f.ctx, pod))

	failed := *pod
	failed.Status = stark.PodFailed
	f.rec.ObservePodEvent(f.ctx, pod, &failed)

	got := f.service(t, svc.ID)
	assert.Equal(t, 1, got.FailureState.ConsecutiveFailures)
	assert.Equal(t, "1.0.0", got.FailureState.LastFailedVersion)

	// A running pod on the current version clears the counter and records
	// the version as known good.
	running := *pod
	running.Status = stark.PodRunning
	f.rec.ObservePodEvent(f.ctx, pod, &running)

	got = f.service(t, svc.ID)
	assert.Equal(t, 0, got.FailureState.ConsecutiveFailures)
	assert.Equal(t, "1.0.0", got.FailureState.LastGoodVersion)
}

func TestObservePodEventIgnoresOldFailures(t *testing.T) {
	f := newFixture(t)
	pack := f.addPack(t, "1.0.0")
	svc := f.addService(t, pack, 1, nil)

	pod := &stark.Pod{
		PackID: pack.ID, PackName: pack.Name, PackVersion: "1.0.0",
		Namespace: "default", ServiceID: svc.ID,
		CreatedAt: time.Now().Add(-2 * time.Hour),
	}
	require.NoError(t, f.st.Pods().Create(f.ctx, pod))

	failed := *pod
	failed.Status = stark.PodFailed
	f.rec.ObservePodEvent(f.ctx, pod, &failed)

	// Outside the failure window: not a crash, just an old pod dying.
	assert.Equal(t, 0, f.service(t, svc.ID).FailureState.ConsecutiveFailures)
}

func TestDaemonSetDesiredFollowsNodes(t *testing.T) {
	f := newFixture(t)
	pack := f.addPack(t, "1.0.0")
	svc := f.addService(t, pack, 0, func(s *stark.Service) {
		s.Scheduling.NodeSelector = map[string]string{"tier": "edge"}
	})

	mkNode := func(name string, labels map[string]string, status stark.NodeStatus) {
		require.NoError(t, f.st.Nodes().Create(f.ctx, &stark.Node{
			Name: name, RuntimeType: stark.RuntimeNode, Status: status, Labels: labels,
		}))
	}
	mkNode("edge-1", map[string]string{"tier": "edge"}, stark.NodeOnline)
	mkNode("edge-2", map[string]string{"tier": "edge"}, stark.NodeOnline)
	mkNode("core-1", map[string]string{"tier": "core"}, stark.NodeOnline)
	mkNode("edge-down", map[string]string{"tier": "edge"}, stark.NodeOffline)

	require.NoError(t, f.rec.Reconcile(f.ctx, svc.ID))
	assert.Len(t, f.ownedPods(t, svc), 2)
}

func TestTeardownStopsThenDeletes(t *testing.T) {
	f := newFixture(t)
	pack := f.addPack(t, "1.0.0")
	svc := f.addService(t, pack, 2, nil)

	require.NoError(t, f.rec.Reconcile(f.ctx, svc.ID))
	pods := f.ownedPods(t, svc)
	f.markRunning(t, pods...)

	done, err := f.rec.Teardown(f.ctx, svc.ID)
	require.NoError(t, err)
	assert.False(t, done)
	for _, pod := range f.ownedPods(t, svc) {
		assert.Equal(t, stark.PodStopping, pod.Status)
	}

	for _, pod := range f.ownedPods(t, svc) {
		_, err := f.st.Pods().Transition(f.ctx, pod.ID, stark.PodStopping, stark.PodStopped, nil)
		require.NoError(t, err)
	}

	done, err = f.rec.Teardown(f.ctx, svc.ID)
	require.NoError(t, err)
	assert.True(t, done)

	_, err = f.st.Services().Get(f.ctx, svc.ID)
	assert.True(t, apierror.IsNotFound(err))
}

func TestReconcileDrivesDeletedService(t *testing.T) {
	f := newFixture(t)
	pack := f.addPack(t, "1.0.0")
	svc := f.addService(t, pack, 1, nil)

	require.NoError(t, f.rec.Reconcile(f.ctx, svc.ID))
	_, err := f.st.Services().Update(f.ctx, svc.ID, func(s *stark.Service) error {
		s.Status = stark.ServiceDeleted
		return nil
	})
	require.NoError(t, err)

	// Pending pod stops directly, then the record goes away.
	require.NoError(t, f.rec.Reconcile(f.ctx, svc.ID))
	require.NoError(t, f.rec.Reconcile(f.ctx, svc.ID))

	_, err = f.st.Services().Get(f.ctx, svc.ID)
	assert.True(t, apierror.IsNotFound(err))
}

func TestStopOrphanPods(t *testing.T) {
	f := newFixture(t)

	orphanRunning := &stark.Pod{Namespace: "doomed", Status: stark.PodRunning, NodeID: "node-1"}
	require.NoError(t, f.st.Pods().Create(f.ctx, orphanRunning))
	orphanPending := &stark.Pod{Namespace: "doomed", Status: stark.PodPending}
	require.NoError(t, f.st.Pods().Create(f.ctx, orphanPending))
	// Bound to a node but the agent never confirmed the start.
	orphanScheduled := &stark.Pod{Namespace: "doomed", Status: stark.PodScheduled, NodeID: "node-1"}
	require.NoError(t, f.st.Pods().Create(f.ctx, orphanScheduled))
	owned := &stark.Pod{Namespace: "doomed", Status: stark.PodRunning, ServiceID: "svc-1", NodeID: "node-1"}
	require.NoError(t, f.st.Pods().Create(f.ctx, owned))
	elsewhere := &stark.Pod{Namespace: "other", Status: stark.PodRunning, NodeID: "node-1"}
	require.NoError(t, f.st.Pods().Create(f.ctx, elsewhere))

	count, err := f.rec.StopOrphanPods(f.ctx, "doomed", "namespace terminating")
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	got, err := f.st.Pods().Get(f.ctx, orphanRunning.ID)
	require.NoError(t, err)
	assert.Equal(t, stark.PodStopping, got.Status)

	got, err = f.st.Pods().Get(f.ctx, orphanPending.ID)
	require.NoError(t, err)
	assert.Equal(t, stark.PodStopped, got.Status)

	got, err = f.st.Pods().Get(f.ctx, orphanScheduled.ID)
	require.NoError(t, err)
	assert.Equal(t, stark.PodStopping, got.Status)
	assert.Equal(t, 2, f.cmd.stops())

	got, err = f.st.Pods().Get(f.ctx, owned.ID)
	require.NoError(t, err)
	assert.Equal(t, stark.PodRunning, got.Status)

	got, err = f.st.Pods().Get(f.ctx, elsewhere.ID)
	require.NoError(t, err)
	assert.Equal(t, stark.PodRunning, got.Status)
}
