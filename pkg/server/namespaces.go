package server

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/stark-io/stark/pkg/apierror"
	"github.com/stark-io/stark/pkg/stark"
)

type namespaceCreateRequest struct {
	Name          string               `json:"name"`
	Labels        map[string]string    `json:"labels,omitempty"`
	ResourceQuota *stark.ResourceQuota `json:"resourceQuota,omitempty"`
	LimitRange    *stark.LimitRange    `json:"limitRange,omitempty"`
}

func (s *Server) handleNamespaceCreate(resp http.ResponseWriter, req *http.Request) {
	body := namespaceCreateRequest{}
	if err := decodeBody(req, &body); err != nil {
		writeErr(resp, err)
		return
	}
	if body.Name == "" {
		writeErr(resp, apierror.NewValidation("namespace name is required"))
		return
	}
	ns := &stark.Namespace{
		Name:          body.Name,
		Phase:         stark.NamespaceActive,
		Labels:        body.Labels,
		ResourceQuota: body.ResourceQuota,
		LimitRange:    body.LimitRange,
		CreatedBy:     principalFrom(req.Context()).ID,
	}
	if err := s.store.Namespaces().Create(req.Context(), ns); err != nil {
		writeErr(resp, err)
		return
	}
	writeData(resp, http.StatusCreated, ns)
}

func (s *Server) handleNamespaceList(resp http.ResponseWriter, req *http.Request) {
	namespaces, err := s.store.Namespaces().List(req.Context())
	if err != nil {
		writeErr(resp, err)
		return
	}
	writeData(resp, http.StatusOK, namespaces)
}

func (s *Server) handleNamespaceGet(resp http.ResponseWriter, req *http.Request) {
	ns, err := s.store.Namespaces().GetByName(req.Context(), mux.Vars(req)["name"])
	if err != nil {
		writeErr(resp, err)
		return
	}
	writeData(resp, http.StatusOK, ns)
}

func (s *Server) handleNamespaceQuota(resp http.ResponseWriter, req *http.Request) {
	ns, err := s.store.Namespaces().GetByName(req.Context(), mux.Vars(req)["name"])
	if err != nil {
		writeErr(resp, err)
		return
	}
	usage, err := s.namespaceUsage(req.Context(), ns.Name)
	if err != nil {
		writeErr(resp, err)
		return
	}
	writeData(resp, http.StatusOK, map[string]interface{}{
		"quota": ns.ResourceQuota,
		"usage": usage,
	})
}

// handleNamespaceDelete flips the namespace to terminating; the terminator
// worker drains and removes it.
func (s *Server) handleNamespaceDelete(resp http.ResponseWriter, req *http.Request) {
	ns, err := s.store.Namespaces().GetByName(req.Context(), mux.Vars(req)["name"])
	if err != nil {
		writeErr(resp, err)
		return
	}
	if ns.Name == "default" {
		writeErr(resp, apierror.NewValidation("the default namespace cannot be deleted"))
		return
	}
	updated, err := s.store.Namespaces().Update(req.Context(), ns.ID, func(n *stark.Namespace) error {
		n.Phase = stark.NamespaceTerminating
		return nil
	})
	if err != nil {
		writeErr(resp, err)
		return
	}
	writeData(resp, http.StatusOK, updated)
}
