// Package events implements the in-process pub/sub bus that carries every
// state transition in the control plane. Store writes, node lifecycle
// changes, and pod status updates are all published here; the controller
// loop, the routing fabric, and the audit stream subscribe.
package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/mitchellh/hashstructure/v2"
	"github.com/sirupsen/logrus"
)

type Kind string

const (
	KindPack      Kind = "pack"
	KindNode      Kind = "node"
	KindPod       Kind = "pod"
	KindService   Kind = "service"
	KindNamespace Kind = "namespace"
	KindPolicy    Kind = "policy"
)

type Action string

const (
	ActionCreated Action = "created"
	ActionUpdated Action = "updated"
	ActionDeleted Action = "deleted"
)

// Event is one state change. Old and New carry the entity before and after
// the write; Old is nil on create, New is nil on delete. Key is the entity
// ID and is what the controller loop serializes on.
type Event struct {
	ID            string
	CorrelationID string
	Kind          Kind
	Action        Action
	Key           string
	Old           interface{}
	New           interface{}
	Time          time.Time
	hash          uint64
}

// NoOp reports whether the write changed nothing observable. Subscribers use
// it to skip trailing-edge re-runs for idempotent patches.
func (e *Event) NoOp() bool {
	if e.Action != ActionUpdated || e.Old == nil || e.New == nil {
		return false
	}
	oldHash, err1 := hashstructure.Hash(e.Old, hashstructure.FormatV2, nil)
	newHash, err2 := hashstructure.Hash(e.New, hashstructure.FormatV2, nil)
	return err1 == nil && err2 == nil && oldHash == newHash
}

// Filter selects events for a subscriber. Zero-value fields match anything.
type Filter struct {
	Kinds   []Kind
	Actions []Action
}

func (f Filter) matches(e Event) bool {
	if len(f.Kinds) > 0 {
		found := false
		for _, k := range f.Kinds {
			if k == e.Kind {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if len(f.Actions) > 0 {
		found := false
		for _, a := range f.Actions {
			if a == e.Action {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

type subscription struct {
	filter  Filter
	ch      chan Event
	dropped atomic.Int64
}

// Bus is the process-local event bus. Publish never blocks: subscribers that
// fall behind lose events and the drop is counted, so every consumer that
// needs completeness must also run on a periodic tick.
type Bus struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]*subscription
}

func NewBus() *Bus {
	return &Bus{subs: map[int]*subscription{}}
}

// Subscribe registers a buffered subscriber. The returned cancel func must
// be called to release the subscription.
func (b *Bus) Subscribe(filter Filter, buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	sub := &subscription{filter: filter, ch: make(chan Event, buffer)}

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = sub
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if s, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(s.ch)
		}
		b.mu.Unlock()
	}
	return sub.ch, cancel
}

// Publish fans the event out to matching subscribers. Fills in ID,
// correlation ID, and timestamp when absent.
func (b *Bus) Publish(e Event) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CorrelationID == "" {
		e.CorrelationID = uuid.NewString()
	}
	if e.Time.IsZero() {
		e.Time = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if !sub.filter.matches(e) {
			continue
		}
		select {
		case sub.ch <- e:
		default:
			sub.dropped.Add(1)
			logrus.Warnf("Event subscriber overflow, dropped %s %s for %s", e.Kind, e.Action, e.Key)
		}
	}
}
