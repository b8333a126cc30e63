package server

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/stark-io/stark/pkg/apierror"
	"github.com/stark-io/stark/pkg/stark"
)

type policyCreateRequest struct {
	SourceService string             `json:"sourceService"`
	TargetService string             `json:"targetService"`
	Action        stark.PolicyAction `json:"action"`
	Namespace     string             `json:"namespace,omitempty"`
}

func (s *Server) handlePolicyCreate(resp http.ResponseWriter, req *http.Request) {
	body := policyCreateRequest{}
	if err := decodeBody(req, &body); err != nil {
		writeErr(resp, err)
		return
	}
	if body.SourceService == "" || body.TargetService == "" {
		writeErr(resp, apierror.NewValidation("sourceService and targetService are required"))
		return
	}
	if body.Action != stark.PolicyAllow && body.Action != stark.PolicyDeny {
		writeErr(resp, apierror.NewValidation("action must be allow or deny"))
		return
	}
	if body.Namespace == "" {
		body.Namespace = "default"
	}
	if _, err := s.store.Namespaces().GetByName(req.Context(), body.Namespace); err != nil {
		writeErr(resp, err)
		return
	}

	policy := &stark.NetworkPolicy{
		SourceService: body.SourceService,
		TargetService: body.TargetService,
		Action:        body.Action,
		Namespace:     body.Namespace,
	}
	if err := s.store.Policies().Create(req.Context(), policy); err != nil {
		writeErr(resp, err)
		return
	}
	writeData(resp, http.StatusCreated, policy)
}

func (s *Server) handlePolicyList(resp http.ResponseWriter, req *http.Request) {
	policies, err := s.store.Policies().List(req.Context(), req.URL.Query().Get("namespace"))
	if err != nil {
		writeErr(resp, err)
		return
	}
	writeData(resp, http.StatusOK, policies)
}

func (s *Server) handlePolicyDelete(resp http.ResponseWriter, req *http.Request) {
	id := mux.Vars(req)["id"]
	if err := s.store.Policies().Delete(req.Context(), id); err != nil {
		writeErr(resp, err)
		return
	}
	writeData(resp, http.StatusOK, map[string]string{"id": id})
}

func (s *Server) handleNetworkRegistry(resp http.ResponseWriter, _ *http.Request) {
	writeData(resp, http.StatusOK, s.fabric.Registry())
}

type routeRequest struct {
	CallerServiceID string `json:"callerServiceId"`
	TargetServiceID string `json:"targetServiceId"`
}

// handleNetworkRoute is the cache-miss path pods use when their agent-side
// route cache expires.
func (s *Server) handleNetworkRoute(resp http.ResponseWriter, req *http.Request) {
	body := routeRequest{}
	if err := decodeBody(req, &body); err != nil {
		writeErr(resp, err)
		return
	}
	if body.CallerServiceID == "" || body.TargetServiceID == "" {
		writeErr(resp, apierror.NewValidation("callerServiceId and targetServiceId are required"))
		return
	}
	writeData(resp, http.StatusOK, s.fabric.ResolveServices(req.Context(), body.CallerServiceID, body.TargetServiceID))
}
