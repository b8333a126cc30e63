package dispatch

import (
	"sync"

	"github.com/stark-io/stark/pkg/stark"
)

// logBuffer retains a bounded tail of log lines per pod. Oldest lines are
// dropped once the per-pod limit is reached.
type logBuffer struct {
	mu    sync.Mutex
	limit int
	pods  map[string][]*stark.PodLog
}

func newLogBuffer(limit int) *logBuffer {
	return &logBuffer{limit: limit, pods: map[string][]*stark.PodLog{}}
}

func (b *logBuffer) append(entry *stark.PodLog) {
	b.mu.Lock()
	defer b.mu.Unlock()
	lines := append(b.pods[entry.PodID], entry)
	if len(lines) > b.limit {
		lines = lines[len(lines)-b.limit:]
	}
	b.pods[entry.PodID] = lines
}

func (b *logBuffer) tail(podID string, n int) []*stark.PodLog {
	b.mu.Lock()
	defer b.mu.Unlock()
	lines := b.pods[podID]
	if n > 0 && len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	out := make([]*stark.PodLog, len(lines))
	copy(out, lines)
	return out
}

func (b *logBuffer) drop(podID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.pods, podID)
}
