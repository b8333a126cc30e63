package cmds

import "time"

// Defaults is the one place the timeout policy lives. Flags override the
// members; components receive the resolved values, never the flags.
type Defaults struct {
	HeartbeatInterval time.Duration
	UnhealthyAfter    time.Duration
	OfflineAfter      time.Duration
	SchedulingRetry   time.Duration
	ConnectionIdle    time.Duration
	PodReadyWait      time.Duration
	CrashLoopWindow   time.Duration
	BackoffMax        time.Duration
	IngressTimeout    time.Duration
	RouteTimeout      time.Duration
}

func NewDefaults() Defaults {
	return Defaults{
		HeartbeatInterval: 15 * time.Second,
		UnhealthyAfter:    35 * time.Second,
		OfflineAfter:      70 * time.Second,
		SchedulingRetry:   10 * time.Second,
		ConnectionIdle:    60 * time.Second,
		PodReadyWait:      120 * time.Second,
		CrashLoopWindow:   120 * time.Second,
		BackoffMax:        3600 * time.Second,
		IngressTimeout:    30 * time.Second,
		RouteTimeout:      10 * time.Second,
	}
}
