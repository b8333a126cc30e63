// Package controller runs the background workers of the control plane: the
// registry sweep, the scheduler, the service reconciler, and the namespace
// terminator. Each worker wakes on matching bus events and on a jittered
// tick, so a dropped event is only ever a delay, never a loss.
package controller

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/stark-io/stark/pkg/events"
	"github.com/stark-io/stark/pkg/nodes"
	"github.com/stark-io/stark/pkg/reconciler"
	"github.com/stark-io/stark/pkg/scheduler"
	"github.com/stark-io/stark/pkg/stark"
	"github.com/stark-io/stark/pkg/store"
)

const (
	baseTick      = 10 * time.Second
	tickJitter    = 0.2
	sweepTick     = 5 * time.Second
	drainDeadline = 10 * time.Second
)

// worker is one reconciliation loop. handle("") runs a full pass; other
// keys scope the pass to one entity. Per-key runs are serialized with
// trailing-edge coalescing: events arriving during a run schedule exactly
// one re-run.
type worker struct {
	name   string
	tick   time.Duration
	filter events.Filter
	keyFor func(events.Event) (string, bool)
	handle func(ctx context.Context, key string) error

	group   singleflight.Group
	mu      sync.Mutex
	dirty   map[string]bool
	running map[string]bool
	wg      sync.WaitGroup
}

// Controller wires the workers to the bus and owns their lifecycle.
type Controller struct {
	bus        *events.Bus
	reconciler *reconciler.Reconciler
	workers    []*worker
}

func New(bus *events.Bus, st store.Interface, registry *nodes.Registry, sched *scheduler.Scheduler, rec *reconciler.Reconciler) *Controller {
	c := &Controller{bus: bus, reconciler: rec}

	c.workers = []*worker{
		{
			name: "registry-sweep",
			tick: sweepTick,
			handle: func(ctx context.Context, _ string) error {
				return registry.Sweep(ctx)
			},
		},
		{
			name:   "scheduler",
			tick:   baseTick,
			filter: events.Filter{Kinds: []events.Kind{events.KindPod, events.KindNode}},
			keyFor: func(e events.Event) (string, bool) {
				switch e.Kind {
				case events.KindPod:
					pod, ok := e.New.(*stark.Pod)
					if !ok || pod.Status != stark.PodPending {
						return "", false
					}
					return pod.ID, true
				case events.KindNode:
					// capacity may have freed up, run a full pass
					return "", true
				}
				return "", false
			},
			handle: func(ctx context.Context, key string) error {
				if key == "" {
					return sched.SchedulePending(ctx)
				}
				return sched.SchedulePod(ctx, key)
			},
		},
		{
			name:   "service-reconciler",
			tick:   baseTick,
			filter: events.Filter{Kinds: []events.Kind{events.KindService, events.KindPod, events.KindPack}},
			keyFor: func(e events.Event) (string, bool) {
				switch e.Kind {
				case events.KindService:
					if e.Action == events.ActionDeleted {
						return "", false
					}
					if e.NoOp() {
						return "", false
					}
					return e.Key, true
				case events.KindPod:
					pod := podFromEvent(e)
					if pod == nil || pod.ServiceID == "" {
						return "", false
					}
					return pod.ServiceID, true
				case events.KindPack:
					// a new version may need a followLatest roll
					return "", true
				}
				return "", false
			},
			handle: func(ctx context.Context, key string) error {
				if key == "" {
					return rec.ReconcileAll(ctx)
				}
				return rec.Reconcile(ctx, key)
			},
		},
		{
			name:   "namespace-terminator",
			tick:   baseTick,
			filter: events.Filter{Kinds: []events.Kind{events.KindNamespace, events.KindPod}},
			keyFor: func(e events.Event) (string, bool) {
				if e.Kind == events.KindNamespace {
					if ns, ok := e.New.(*stark.Namespace); ok && ns.Phase == stark.NamespaceTerminating {
						return ns.ID, true
					}
					return "", false
				}
				// pods draining out of a terminating namespace
				return "", true
			},
			handle: newTerminator(st, rec).handle,
		},
	}
	return c
}

func podFromEvent(e events.Event) *stark.Pod {
	if pod, ok := e.New.(*stark.Pod); ok {
		return pod
	}
	if pod, ok := e.Old.(*stark.Pod); ok {
		return pod
	}
	return nil
}

// Run starts every worker plus the crash-loop observer and blocks until the
// context is canceled. Shutdown drains in-flight passes for a bounded
// period.
func (c *Controller) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for _, w := range c.workers {
		wg.Add(1)
		go func(w *worker) {
			defer wg.Done()
			w.run(ctx, c.bus)
		}(w)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		c.observePods(ctx)
	}()

	<-ctx.Done()
	wg.Wait()

	done := make(chan struct{})
	go func() {
		for _, w := range c.workers {
			w.wg.Wait()
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(drainDeadline):
		logrus.Warn("Controller shutdown deadline reached with passes still in flight")
	}
	return ctx.Err()
}

// observePods feeds pod transitions to the reconciler's crash-loop
// bookkeeping before the reconcile worker reacts to the same event.
func (c *Controller) observePods(ctx context.Context) {
	ch, cancel := c.bus.Subscribe(events.Filter{Kinds: []events.Kind{events.KindPod}}, 256)
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			oldPod, _ := e.Old.(*stark.Pod)
			newPod, _ := e.New.(*stark.Pod)
			c.reconciler.ObservePodEvent(ctx, oldPod, newPod)
		}
	}
}

func (w *worker) run(ctx context.Context, bus *events.Bus) {
	w.dirty = map[string]bool{}
	w.running = map[string]bool{}

	var ch <-chan events.Event
	if w.keyFor != nil {
		sub, cancel := bus.Subscribe(w.filter, 256)
		defer cancel()
		ch = sub
	}

	timer := time.NewTimer(jittered(w.tick))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			w.kick(ctx, "")
			timer.Reset(jittered(w.tick))
		case e, ok := <-ch:
			if !ok {
				return
			}
			if key, match := w.keyFor(e); match {
				w.kick(ctx, key)
			}
		}
	}
}

// kick schedules a pass for key. A pass already in flight marks the key
// dirty instead; the running goroutine re-runs once when it finishes.
func (w *worker) kick(ctx context.Context, key string) {
	w.mu.Lock()
	if w.running[key] {
		w.dirty[key] = true
		w.mu.Unlock()
		return
	}
	w.running[key] = true
	w.mu.Unlock()

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		for {
			if ctx.Err() != nil {
				w.mu.Lock()
				delete(w.running, key)
				delete(w.dirty, key)
				w.mu.Unlock()
				return
			}
			_, err, _ := w.group.Do(key, func() (interface{}, error) {
				return nil, w.handle(ctx, key)
			})
			if err != nil && ctx.Err() == nil {
				logrus.Warnf("Worker %s pass for %q failed: %v", w.name, key, err)
			}

			w.mu.Lock()
			if w.dirty[key] {
				delete(w.dirty, key)
				w.mu.Unlock()
				continue
			}
			delete(w.running, key)
			w.mu.Unlock()
			return
		}
	}()
}

func jittered(base time.Duration) time.Duration {
	spread := float64(base) * tickJitter
	return base + time.Duration((rand.Float64()*2-1)*spread)
}
