// Package server is the control API: a gorilla/mux router over the store,
// the node registry, the reconciler, and the routing fabric, plus the /ws
// upgrade onto the agent channel and the ingress listeners for exposed
// services.
package server

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/stark-io/stark/pkg/agent/dispatch"
	"github.com/stark-io/stark/pkg/events"
	"github.com/stark-io/stark/pkg/metrics"
	"github.com/stark-io/stark/pkg/network"
	"github.com/stark-io/stark/pkg/nodes"
	"github.com/stark-io/stark/pkg/reconciler"
	"github.com/stark-io/stark/pkg/stark"
	"github.com/stark-io/stark/pkg/store"
	"github.com/stark-io/stark/pkg/version"
)

type Config struct {
	BindAddress string
	Port        int
	AuthURL     string
	TLSCertFile string
	TLSKeyFile  string
}

// Server carries the control API's collaborators. All request handling
// goes through the store gateway; no handler touches the backend directly.
type Server struct {
	cfg        Config
	store      store.Interface
	registry   *nodes.Registry
	reconciler *reconciler.Reconciler
	fabric     *network.Fabric
	dispatch   *dispatch.Server
	bus        *events.Bus
	auth       Authenticator

	ingress *ingressManager
	started time.Time
}

func New(cfg Config, st store.Interface, registry *nodes.Registry, rec *reconciler.Reconciler,
	fabric *network.Fabric, disp *dispatch.Server, bus *events.Bus, auth Authenticator) *Server {
	s := &Server{
		cfg:        cfg,
		store:      st,
		registry:   registry,
		reconciler: rec,
		fabric:     fabric,
		dispatch:   disp,
		bus:        bus,
		auth:       auth,
		started:    time.Now(),
	}
	s.ingress = newIngressManager(st, bus, fabric, disp)
	return s
}

// Router assembles the full route table.
func (s *Server) Router() http.Handler {
	router := mux.NewRouter()
	router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	router.HandleFunc("/ready", s.handleReady).Methods(http.MethodGet)
	router.HandleFunc("/live", s.handleLive).Methods(http.MethodGet)
	router.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	router.Handle("/ws", s.dispatch)

	if s.cfg.AuthURL != "" {
		if proxy, err := authProxy(s.cfg.AuthURL); err == nil {
			router.PathPrefix("/auth/").Handler(proxy)
		} else {
			logrus.Errorf("Auth proxy disabled: %v", err)
		}
	}

	api := router.PathPrefix("/api").Subrouter()
	api.Use(s.authMiddleware)

	api.HandleFunc("/packs", s.handlePackList).Methods(http.MethodGet)
	api.HandleFunc("/packs", s.handlePackCreate).Methods(http.MethodPost)
	api.HandleFunc("/packs/{name}/versions", s.handlePackVersions).Methods(http.MethodGet)
	api.HandleFunc("/packs/{id}", s.handlePackDelete).Methods(http.MethodDelete)

	api.HandleFunc("/pods", s.handlePodList).Methods(http.MethodGet)
	api.HandleFunc("/pods", s.handlePodCreate).Methods(http.MethodPost)
	api.HandleFunc("/pods", s.handlePodBulkStop).Methods(http.MethodDelete)
	api.HandleFunc("/pods/{id}", s.handlePodGet).Methods(http.MethodGet)
	api.HandleFunc("/pods/{id}", s.handlePodStop).Methods(http.MethodDelete)
	api.HandleFunc("/pods/{id}/status", s.handlePodStatus).Methods(http.MethodGet)
	api.HandleFunc("/pods/{id}/history", s.handlePodHistory).Methods(http.MethodGet)
	api.HandleFunc("/pods/{id}/logs", s.handlePodLogs).Methods(http.MethodGet)
	api.HandleFunc("/pods/{id}/rollback", s.handlePodRollback).Methods(http.MethodPost)

	api.HandleFunc("/nodes", s.handleNodeList).Methods(http.MethodGet)
	api.HandleFunc("/nodes", s.handleNodeCreate).Methods(http.MethodPost)
	api.HandleFunc("/nodes/name/{name}", s.handleNodeGetByName).Methods(http.MethodGet)
	api.HandleFunc("/nodes/{id}", s.handleNodeGet).Methods(http.MethodGet)
	api.HandleFunc("/nodes/{id}", s.handleNodePatch).Methods(http.MethodPatch)
	api.HandleFunc("/nodes/{id}", s.handleNodeDelete).Methods(http.MethodDelete)
	api.HandleFunc("/nodes/{id}/drain", s.handleNodeDrain).Methods(http.MethodPost)

	api.HandleFunc("/services", s.handleServiceList).Methods(http.MethodGet)
	api.HandleFunc("/services", s.handleServiceCreate).Methods(http.MethodPost)
	api.HandleFunc("/services/name/{name}", s.handleServiceGetByName).Methods(http.MethodGet)
	api.HandleFunc("/services/{id}", s.handleServiceGet).Methods(http.MethodGet)
	api.HandleFunc("/services/{id}", s.handleServicePatch).Methods(http.MethodPatch)
	api.HandleFunc("/services/{id}", s.handleServiceDelete).Methods(http.MethodDelete)
	api.HandleFunc("/services/{id}/scale", s.handleServiceScale).Methods(http.MethodPost)
	api.HandleFunc("/services/{id}/expose", s.handleServiceExpose).Methods(http.MethodPost)
	api.HandleFunc("/services/{id}/unexpose", s.handleServiceUnexpose).Methods(http.MethodPost)
	api.HandleFunc("/services/{id}/visibility", s.handleServiceVisibility).Methods(http.MethodPost)

	api.HandleFunc("/namespaces", s.handleNamespaceList).Methods(http.MethodGet)
	api.HandleFunc("/namespaces", s.handleNamespaceCreate).Methods(http.MethodPost)
	api.HandleFunc("/namespaces/name/{name}", s.handleNamespaceGet).Methods(http.MethodGet)
	api.HandleFunc("/namespaces/name/{name}/quota", s.handleNamespaceQuota).Methods(http.MethodGet)
	api.HandleFunc("/namespaces/name/{name}", s.handleNamespaceDelete).Methods(http.MethodDelete)

	api.HandleFunc("/network/policies", s.handlePolicyList).Methods(http.MethodGet)
	api.HandleFunc("/network/policies", s.handlePolicyCreate).Methods(http.MethodPost)
	api.HandleFunc("/network/policies/{id}", s.handlePolicyDelete).Methods(http.MethodDelete)
	api.HandleFunc("/network/registry", s.handleNetworkRegistry).Methods(http.MethodGet)
	api.HandleFunc("/network/route", s.handleNetworkRoute).Methods(http.MethodPost)

	return router
}

func authProxy(target string) (http.Handler, error) {
	u, err := url.Parse(target)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid auth url %q", target)
	}
	return httputil.NewSingleHostReverseProxy(u), nil
}

// Run serves the control API until the context is canceled, then drains
// connections and stops the ingress listeners.
func (s *Server) Run(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.BindAddress, s.cfg.Port)
	httpServer := &http.Server{
		Addr:    addr,
		Handler: s.Router(),
	}

	go s.ingress.run(ctx)

	errCh := make(chan error, 1)
	go func() {
		logrus.Infof("Control API listening on %s", addr)
		var err error
		if s.cfg.TLSCertFile != "" && s.cfg.TLSKeyFile != "" {
			err = httpServer.ListenAndServeTLS(s.cfg.TLSCertFile, s.cfg.TLSKeyFile)
		} else {
			err = httpServer.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	s.ingress.stopAll(shutdownCtx)
	return httpServer.Shutdown(shutdownCtx)
}

func (s *Server) handleHealth(resp http.ResponseWriter, req *http.Request) {
	checks := map[string]string{"store": "ok"}
	status := "ok"
	if _, err := s.store.Namespaces().List(req.Context()); err != nil {
		checks["store"] = err.Error()
		status = "degraded"
	}
	writeData(resp, http.StatusOK, map[string]interface{}{
		"status":  status,
		"version": version.Version,
		"uptime":  time.Since(s.started).Round(time.Second).String(),
		"checks":  checks,
	})
}

func (s *Server) handleReady(resp http.ResponseWriter, req *http.Request) {
	if _, err := s.store.Namespaces().List(req.Context()); err != nil {
		writeErr(resp, err)
		return
	}
	writeData(resp, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) handleLive(resp http.ResponseWriter, _ *http.Request) {
	writeData(resp, http.StatusOK, map[string]string{"status": "alive"})
}

// pagination pulls limit/offset query params with defaults.
func pagination(req *http.Request) (limit, offset int) {
	if v := req.URL.Query().Get("limit"); v != "" {
		limit, _ = strconv.Atoi(v)
	}
	if v := req.URL.Query().Get("offset"); v != "" {
		offset, _ = strconv.Atoi(v)
	}
	return limit, offset
}

// DispatchAuthenticator adapts the control API authenticator onto the
// agent channel's narrower contract.
type DispatchAuthenticator struct {
	Auth Authenticator
}

func (d DispatchAuthenticator) Authenticate(ctx context.Context, token string) (string, error) {
	principal, err := d.Auth.Authenticate(ctx, token)
	if err != nil {
		return "", err
	}
	return principal.ID, nil
}

// namespaceUsage sums the live demand inside a namespace for quota
// reporting.
func (s *Server) namespaceUsage(ctx context.Context, namespace string) (stark.ResourceList, error) {
	pods, err := s.store.Pods().List(ctx, store.PodFilter{Namespace: namespace})
	if err != nil {
		return stark.ResourceList{}, err
	}
	var usage stark.ResourceList
	for _, pod := range pods {
		if pod.Status.Terminal() {
			continue
		}
		usage = usage.Add(pod.EffectiveRequests())
	}
	return usage, nil
}
