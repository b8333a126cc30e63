package server

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/stark-io/stark/pkg/events"
	"github.com/stark-io/stark/pkg/network"
	"github.com/stark-io/stark/pkg/stark"
	"github.com/stark-io/stark/pkg/store"
)

// ingressManager keeps one HTTP listener per exposed service, started and
// stopped as services declare and undeclare their ingress port.
type ingressManager struct {
	store     store.Interface
	bus       *events.Bus
	fabric    *network.Fabric
	requester network.Requester

	mu        sync.Mutex
	listeners map[string]*ingressListener
}

type ingressListener struct {
	port   int
	server *http.Server
}

func newIngressManager(st store.Interface, bus *events.Bus, fabric *network.Fabric, requester network.Requester) *ingressManager {
	return &ingressManager{
		store:     st,
		bus:       bus,
		fabric:    fabric,
		requester: requester,
		listeners: map[string]*ingressListener{},
	}
}

func (m *ingressManager) run(ctx context.Context) {
	m.sync(ctx)

	ch, cancel := m.bus.Subscribe(events.Filter{Kinds: []events.Kind{events.KindService}}, 64)
	defer cancel()
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sync(ctx)
		case _, ok := <-ch:
			if !ok {
				return
			}
			m.sync(ctx)
		}
	}
}

// sync reconciles running listeners against the set of exposed services.
func (m *ingressManager) sync(ctx context.Context) {
	services, err := m.store.Services().List(ctx, store.ServiceFilter{})
	if err != nil {
		logrus.Warnf("Ingress sync failed to list services: %v", err)
		return
	}

	want := map[string]*stark.Service{}
	for _, svc := range services {
		if svc.Exposed && svc.IngressPort > 0 && svc.Status != stark.ServiceDeleted {
			want[svc.ID] = svc
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for id, listener := range m.listeners {
		svc, keep := want[id]
		if keep && svc.IngressPort == listener.port {
			continue
		}
		m.stopLocked(id, listener)
	}
	for id, svc := range want {
		if _, running := m.listeners[id]; running {
			continue
		}
		m.startLocked(svc)
	}
}

func (m *ingressManager) startLocked(svc *stark.Service) {
	proxy := network.NewIngressProxy(m.fabric, m.requester, svc.ID, svc.Name)
	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", svc.IngressPort),
		Handler: proxy,
	}
	m.listeners[svc.ID] = &ingressListener{port: svc.IngressPort, server: server}

	go func() {
		logrus.Infof("Ingress listener for service %s/%s on :%d", svc.Namespace, svc.Name, svc.IngressPort)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.Errorf("Ingress listener for service %s failed: %v", svc.Name, err)
			m.mu.Lock()
			if current, ok := m.listeners[svc.ID]; ok && current.server == server {
				delete(m.listeners, svc.ID)
			}
			m.mu.Unlock()
		}
	}()
}

func (m *ingressManager) stopLocked(serviceID string, listener *ingressListener) {
	delete(m.listeners, serviceID)
	go func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := listener.server.Shutdown(shutdownCtx); err != nil {
			logrus.Debugf("Ingress listener shutdown for service %s: %v", serviceID, err)
		}
	}()
}

func (m *ingressManager) stopAll(ctx context.Context) {
	m.mu.Lock()
	listeners := m.listeners
	m.listeners = map[string]*ingressListener{}
	m.mu.Unlock()

	for _, listener := range listeners {
		if err := listener.server.Shutdown(ctx); err != nil {
			logrus.Debugf("Ingress listener shutdown: %v", err)
		}
	}
}
