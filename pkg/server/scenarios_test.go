package server

import (
	"net/http"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stark-io/stark/pkg/network"
	"github.com/stark-io/stark/pkg/scheduler"
	"github.com/stark-io/stark/pkg/stark"
	"github.com/stark-io/stark/pkg/store"
)

// settle runs one reconcile pass for the service followed by one
// scheduling pass, the same sequence the controller loop drives.
func (f *fixture) settle(serviceID string) {
	require.NoError(f.t, f.rec.Reconcile(f.ctx, serviceID))
	require.NoError(f.t, f.sched.SchedulePending(f.ctx))
}

// reportPodStatus plays the agent's part: a status update arrives over the
// channel, is applied through the registry, and the resulting pod change
// feeds the reconciler's failure bookkeeping.
func (f *fixture) reportPodStatus(podID string, status stark.PodStatus) {
	old, err := f.st.Pods().Get(f.ctx, podID)
	require.NoError(f.t, err)
	require.NoError(f.t, f.registry.ApplyPodStatus(f.ctx, old.NodeID, &stark.PodStatusUpdate{
		PodID:  podID,
		Status: status,
	}))
	updated, err := f.st.Pods().Get(f.ctx, podID)
	require.NoError(f.t, err)
	f.rec.ObservePodEvent(f.ctx, old, updated)
}

func (f *fixture) service(id string) *stark.Service {
	svc, err := f.st.Services().Get(f.ctx, id)
	require.NoError(f.t, err)
	return svc
}

func (f *fixture) podsOf(serviceID string) []*stark.Pod {
	pods, err := f.st.Pods().List(f.ctx, store.PodFilter{ServiceID: serviceID})
	require.NoError(f.t, err)
	return pods
}

// driveRollout alternates control-plane passes with agent confirmations
// until the service reports active.
func (f *fixture) driveRollout(serviceID string) {
	for i := 0; i < 25; i++ {
		f.settle(serviceID)
		for _, pod := range f.podsOf(serviceID) {
			switch pod.Status {
			case stark.PodScheduled:
				f.reportPodStatus(pod.ID, stark.PodRunning)
			case stark.PodStopping:
				f.reportPodStatus(pod.ID, stark.PodStopped)
			}
		}
		if f.service(serviceID).Status == stark.ServiceActive {
			return
		}
	}
	f.t.Fatalf("service %s did not converge", serviceID)
}

// deployHello stands up the baseline cluster: one public pack, one worker
// node, and a two-replica service running on it.
func deployHello(t *testing.T) (*fixture, string, *stark.Node) {
	f := newFixture(t)
	f.createPack(adminToken, "hello", "1.0.0", stark.VisibilityPublic)
	node := f.registerNode("worker-1")
	svc := f.createService(adminToken, map[string]interface{}{
		"name":             "svc",
		"packName":         "hello",
		"replicas":         2,
		"resourceRequests": map[string]int64{"cpu": 100, "memory": 128},
	})
	f.driveRollout(svc.ID)
	return f, svc.ID, node
}

func TestScenarioDeploy(t *testing.T) {
	f, svcID, node := deployHello(t)

	pods := f.podsOf(svcID)
	require.Len(t, pods, 2)
	for _, pod := range pods {
		assert.Equal(t, stark.PodRunning, pod.Status)
		assert.Equal(t, node.ID, pod.NodeID)
	}

	got, err := f.st.Nodes().Get(f.ctx, node.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(200), got.Allocated.CPU)
	assert.Equal(t, int64(256), got.Allocated.Memory)
	assert.Equal(t, int64(2), got.Allocated.Pods)

	require.NoError(t, f.fabric.Rebuild(f.ctx))
	r := f.request(http.MethodGet, "/api/network/registry", adminToken, nil)
	require.Equal(t, http.StatusOK, r.Status)
	var entries []network.RegistryEntry
	f.decode(r, &entries)
	require.Len(t, entries, 2)
	for _, entry := range entries {
		assert.Equal(t, "svc", entry.ServiceName)
		assert.Equal(t, node.ID, entry.NodeID)
	}
}

func TestScenarioRollingUpdate(t *testing.T) {
	f, svcID, _ := deployHello(t)
	f.createPack(adminToken, "hello", "1.1.0", stark.VisibilityPublic)

	r := f.request(http.MethodPatch, "/api/services/"+svcID, adminToken, map[string]string{"packVersion": "1.1.0"})
	require.Equal(t, http.StatusOK, r.Status)

	sawRolling := false
	maxLive := 0
	for i := 0; i < 25; i++ {
		f.settle(svcID)

		live := 0
		for _, pod := range f.podsOf(svcID) {
			if !pod.Status.Terminal() {
				live++
			}
		}
		if live > maxLive {
			maxLive = live
		}

		for _, pod := range f.podsOf(svcID) {
			switch pod.Status {
			case stark.PodScheduled:
				f.reportPodStatus(pod.ID, stark.PodRunning)
			case stark.PodStopping:
				f.reportPodStatus(pod.ID, stark.PodStopped)
			}
		}

		svc := f.service(svcID)
		if svc.Status == stark.ServiceRolling {
			sawRolling = true
		}
		if sawRolling && svc.Status == stark.ServiceActive {
			break
		}
	}

	svc := f.service(svcID)
	assert.True(t, sawRolling)
	assert.Equal(t, stark.ServiceActive, svc.Status)
	assert.LessOrEqual(t, maxLive, 3, "rollout must respect maxSurge")

	running := 0
	for _, pod := range f.podsOf(svcID) {
		if pod.Status == stark.PodRunning {
			running++
			assert.Equal(t, "1.1.0", pod.PackVersion)
		}
	}
	assert.Equal(t, 2, running)
}

func TestScenarioCrashLoopRollback(t *testing.T) {
	f, svcID, _ := deployHello(t)
	f.createPack(adminToken, "hello", "1.1.0", stark.VisibilityPublic)
	r := f.request(http.MethodPatch, "/api/services/"+svcID, adminToken, map[string]string{"packVersion": "1.1.0"})
	require.Equal(t, http.StatusOK, r.Status)
	f.driveRollout(svcID)

	// 1.2.0 fails every time it starts
	f.createPack(adminToken, "hello", "1.2.0", stark.VisibilityPublic)
	r = f.request(http.MethodPatch, "/api/services/"+svcID, adminToken, map[string]string{"packVersion": "1.2.0"})
	require.Equal(t, http.StatusOK, r.Status)

	for i := 0; i < 10; i++ {
		f.settle(svcID)
		for _, pod := range f.podsOf(svcID) {
			if pod.PackVersion == "1.2.0" && pod.Status == stark.PodScheduled {
				f.reportPodStatus(pod.ID, stark.PodFailed)
			}
		}
		if f.service(svcID).PackVersion == "1.1.0" {
			break
		}
	}

	svc := f.service(svcID)
	require.Equal(t, "1.1.0", svc.PackVersion, "service should auto-roll back to the known-good version")
	assert.Equal(t, stark.ServiceRolling, svc.Status)
	assert.Equal(t, "1.2.0", svc.FailureState.LastFailedVersion)
	assert.Equal(t, 1, svc.FailureState.Attempts)

	// the surviving 1.1.0 pods satisfy the rollback without churn
	f.settle(svcID)
	assert.Equal(t, stark.ServiceActive, f.service(svcID).Status)
	running := 0
	for _, pod := range f.podsOf(svcID) {
		if pod.Status == stark.PodRunning {
			running++
			assert.Equal(t, "1.1.0", pod.PackVersion)
		}
	}
	assert.Equal(t, 2, running)
}

func TestScenarioNodeLoss(t *testing.T) {
	f, svcID, node := deployHello(t)

	// N1 goes silent
	_, err := f.st.Nodes().Update(f.ctx, node.ID, func(n *stark.Node) error {
		n.LastHeartbeat = time.Now().Add(-time.Hour)
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, f.registry.Sweep(f.ctx))
	got, err := f.st.Nodes().Get(f.ctx, node.ID)
	require.NoError(t, err)
	require.Equal(t, stark.NodeUnhealthy, got.Status)

	require.NoError(t, f.registry.Sweep(f.ctx))
	got, err = f.st.Nodes().Get(f.ctx, node.ID)
	require.NoError(t, err)
	require.Equal(t, stark.NodeOffline, got.Status)
	assert.Zero(t, got.Allocated.Pods)

	evicted := f.podsOf(svcID)
	require.Len(t, evicted, 2)
	for _, pod := range evicted {
		assert.Equal(t, stark.PodEvicted, pod.Status)
	}

	// a fresh node picks up the replacements within one pass
	replacement := f.registerNode("worker-2")
	f.settle(svcID)

	bound := 0
	for _, pod := range f.podsOf(svcID) {
		if pod.Status == stark.PodScheduled {
			bound++
			assert.Equal(t, replacement.ID, pod.NodeID)
		}
	}
	assert.Equal(t, 2, bound)
}

func TestScenarioPolicyDeny(t *testing.T) {
	f := newFixture(t)
	f.createPack(adminToken, "hello", "1.0.0", stark.VisibilityPublic)
	f.registerNode("worker-1")

	caller := f.createService(adminToken, map[string]interface{}{
		"name":             "caller-svc",
		"packName":         "hello",
		"replicas":         1,
		"resourceRequests": map[string]int64{"cpu": 10, "memory": 16},
	})
	target := f.createService(adminToken, map[string]interface{}{
		"name":             "target-svc",
		"packName":         "hello",
		"replicas":         1,
		"resourceRequests": map[string]int64{"cpu": 10, "memory": 16},
	})
	f.driveRollout(caller.ID)
	f.driveRollout(target.ID)
	require.NoError(t, f.fabric.Rebuild(f.ctx))

	route := func() *stark.RouteResponse {
		r := f.request(http.MethodPost, "/api/network/route", devToken, map[string]string{
			"callerServiceId": caller.ID,
			"targetServiceId": target.ID,
		})
		require.Equal(t, http.StatusOK, r.Status)
		out := &stark.RouteResponse{}
		f.decode(r, out)
		return out
	}

	denied := route()
	assert.False(t, denied.PolicyAllowed)
	assert.Equal(t, "default-deny", denied.DenyReason)
	assert.Empty(t, denied.TargetPodID)

	r := f.request(http.MethodPost, "/api/network/policies", adminToken, map[string]interface{}{
		"sourceService": "caller-svc",
		"targetService": "target-svc",
		"action":        stark.PolicyAllow,
	})
	require.Equal(t, http.StatusCreated, r.Status)
	require.NoError(t, f.fabric.Rebuild(f.ctx))

	allowed := route()
	assert.True(t, allowed.PolicyAllowed)
	targetPods := f.podsOf(target.ID)
	require.Len(t, targetPods, 1)
	assert.Equal(t, targetPods[0].ID, allowed.TargetPodID)
}

func TestScenarioQuotaExceeded(t *testing.T) {
	f := newFixture(t)
	f.createPack(adminToken, "hello", "1.0.0", stark.VisibilityPublic)
	f.registerNode("worker-1")

	r := f.request(http.MethodPost, "/api/namespaces", adminToken, map[string]interface{}{
		"name":          "prod",
		"resourceQuota": map[string]int64{"maxPods": 3},
	})
	require.Equal(t, http.StatusCreated, r.Status)

	svc := f.createService(adminToken, map[string]interface{}{
		"name":             "svc",
		"namespace":        "prod",
		"packName":         "hello",
		"replicas":         5,
		"resourceRequests": map[string]int64{"cpu": 10, "memory": 16},
	})
	f.settle(svc.ID)

	pods := f.podsOf(svc.ID)
	require.Len(t, pods, 5)
	scheduled, blocked := 0, 0
	for _, pod := range pods {
		switch pod.Status {
		case stark.PodScheduled:
			scheduled++
		case stark.PodPending:
			blocked++
			assert.Equal(t, scheduler.OutcomeQuotaExceeded, pod.StatusMessage)
		}
	}
	assert.Equal(t, 3, scheduled)
	assert.Equal(t, 2, blocked)

	// raising the quota admits the remaining two on the next pass
	ns, err := f.st.Namespaces().GetByName(f.ctx, "prod")
	require.NoError(t, err)
	_, err = f.st.Namespaces().Update(f.ctx, ns.ID, func(n *stark.Namespace) error {
		raised := int64(5)
		n.ResourceQuota.MaxPods = &raised
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, f.sched.SchedulePending(f.ctx))
	for _, pod := range f.podsOf(svc.ID) {
		assert.Equal(t, stark.PodScheduled, pod.Status)
	}
}

func TestServicePatchUnchangedIsNoop(t *testing.T) {
	f, svcID, _ := deployHello(t)

	before := podIDs(f.podsOf(svcID))

	r := f.request(http.MethodPatch, "/api/services/"+svcID, adminToken, map[string]int{"replicas": 2})
	require.Equal(t, http.StatusOK, r.Status)
	f.settle(svcID)

	after := podIDs(f.podsOf(svcID))
	assert.Equal(t, before, after)
	assert.Equal(t, stark.ServiceActive, f.service(svcID).Status)
}

func podIDs(pods []*stark.Pod) []string {
	ids := make([]string, 0, len(pods))
	for _, pod := range pods {
		ids = append(ids, pod.ID)
	}
	sort.Strings(ids)
	return ids
}
