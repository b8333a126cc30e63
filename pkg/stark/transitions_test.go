package stark

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidPodTransition(t *testing.T) {
	tests := []struct {
		from, to PodStatus
		want     bool
	}{
		{PodPending, PodScheduled, true},
		{PodPending, PodStopped, true},
		{PodPending, PodRunning, false},
		{PodScheduled, PodStarting, true},
		{PodScheduled, PodPending, true},  // unbind on node loss
		{PodScheduled, PodStopping, true}, // teardown before the agent confirms start
		{PodStarting, PodRunning, true},
		{PodStarting, PodStopping, true},
		{PodRunning, PodStopping, true},
		{PodRunning, PodUnknown, true},
		{PodUnknown, PodRunning, true},
		{PodStopping, PodStopped, true},
		{PodStopped, PodRunning, false},
		{PodFailed, PodPending, false},
		{PodEvicted, PodScheduled, false},
		{PodRunning, PodRunning, true}, // message-only update
	}
	for _, tt := range tests {
		assert.Equalf(t, tt.want, ValidPodTransition(tt.from, tt.to), "%s -> %s", tt.from, tt.to)
	}
}

func TestValidNodeTransition(t *testing.T) {
	tests := []struct {
		from, to NodeStatus
		want     bool
	}{
		{NodeOnline, NodeUnhealthy, true},
		{NodeUnhealthy, NodeOffline, true},
		{NodeOffline, NodeOnline, true},
		{NodeOffline, NodeUnhealthy, false},
		{NodeDraining, NodeMaintenance, true},
		{NodeMaintenance, NodeOnline, true},
		// Registration may bring any state back online.
		{NodeUnhealthy, NodeOnline, true},
		{NodeDraining, NodeOnline, true},
	}
	for _, tt := range tests {
		assert.Equalf(t, tt.want, ValidNodeTransition(tt.from, tt.to), "%s -> %s", tt.from, tt.to)
	}
}

func TestPodStatusTerminal(t *testing.T) {
	for _, s := range []PodStatus{PodStopped, PodFailed, PodEvicted} {
		assert.Truef(t, s.Terminal(), "%s", s)
	}
	for _, s := range []PodStatus{PodPending, PodScheduled, PodStarting, PodRunning, PodStopping, PodUnknown} {
		assert.Falsef(t, s.Terminal(), "%s", s)
	}
}
