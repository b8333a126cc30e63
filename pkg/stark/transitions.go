package stark

// podEdges is the declared edge set of the pod state machine. Transitions
// not listed here are rejected by the store gateway.
var podEdges = map[PodStatus][]PodStatus{
	PodPending:   {PodScheduled, PodFailed, PodStopped},
	PodScheduled: {PodStarting, PodRunning, PodStopping, PodFailed, PodEvicted, PodPending, PodUnknown},
	PodStarting:  {PodRunning, PodStopping, PodFailed, PodEvicted, PodUnknown},
	PodRunning:   {PodStopping, PodFailed, PodEvicted, PodUnknown},
	PodStopping:  {PodStopped, PodFailed, PodEvicted},
	PodUnknown:   {PodRunning, PodStopping, PodStopped, PodFailed, PodEvicted},
}

// ValidPodTransition reports whether from -> to is a declared edge.
// Self-transitions are allowed for status message updates.
func ValidPodTransition(from, to PodStatus) bool {
	if from == to {
		return true
	}
	for _, next := range podEdges[from] {
		if next == to {
			return true
		}
	}
	return false
}

var nodeEdges = map[NodeStatus][]NodeStatus{
	NodeOnline:      {NodeUnhealthy, NodeDraining, NodeMaintenance, NodeOffline},
	NodeUnhealthy:   {NodeOnline, NodeOffline},
	NodeOffline:     {NodeOnline},
	NodeDraining:    {NodeOnline, NodeOffline, NodeMaintenance, NodeUnhealthy},
	NodeMaintenance: {NodeOnline, NodeOffline, NodeDraining},
}

// ValidNodeTransition reports whether from -> to is a declared edge. Any
// state may re-enter online on registration.
func ValidNodeTransition(from, to NodeStatus) bool {
	if from == to || to == NodeOnline {
		return true
	}
	for _, next := range nodeEdges[from] {
		if next == to {
			return true
		}
	}
	return false
}
