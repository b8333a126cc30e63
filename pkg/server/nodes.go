package server

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/stark-io/stark/pkg/apierror"
	"github.com/stark-io/stark/pkg/stark"
	"github.com/stark-io/stark/pkg/store"
)

func (s *Server) handleNodeList(resp http.ResponseWriter, req *http.Request) {
	limit, offset := pagination(req)
	nodes, err := s.store.Nodes().List(req.Context(), store.NodeFilter{
		Status: stark.NodeStatus(req.URL.Query().Get("status")),
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		writeErr(resp, err)
		return
	}
	writeData(resp, http.StatusOK, nodes)
}

type nodeCreateRequest struct {
	Name           string             `json:"name"`
	RuntimeType    stark.RuntimeType  `json:"runtimeType"`
	RuntimeVersion string             `json:"runtimeVersion,omitempty"`
	Allocatable    stark.ResourceList `json:"allocatable"`
	Labels         map[string]string  `json:"labels,omitempty"`
	Taints         []stark.Taint      `json:"taints,omitempty"`
}

// handleNodeCreate pre-registers a node record in offline state. The agent
// adopts it by name when it first connects.
func (s *Server) handleNodeCreate(resp http.ResponseWriter, req *http.Request) {
	principal := principalFrom(req.Context())
	if !principal.Admin {
		writeErr(resp, apierror.NewPolicy("AdminOnly", "node pre-registration requires admin"))
		return
	}
	body := nodeCreateRequest{}
	if err := decodeBody(req, &body); err != nil {
		writeErr(resp, err)
		return
	}
	if body.Name == "" {
		writeErr(resp, apierror.NewValidation("node name is required"))
		return
	}
	if body.RuntimeType != stark.RuntimeNode && body.RuntimeType != stark.RuntimeBrowser {
		writeErr(resp, apierror.NewValidation("unknown runtime type %q", body.RuntimeType))
		return
	}

	node := &stark.Node{
		Name:           body.Name,
		RuntimeType:    body.RuntimeType,
		RuntimeVersion: body.RuntimeVersion,
		Status:         stark.NodeOffline,
		Allocatable:    body.Allocatable,
		Labels:         body.Labels,
		Taints:         body.Taints,
		RegisteredBy:   principal.ID,
	}
	if err := s.store.Nodes().Create(req.Context(), node); err != nil {
		writeErr(resp, err)
		return
	}
	writeData(resp, http.StatusCreated, node)
}

func (s *Server) handleNodeGet(resp http.ResponseWriter, req *http.Request) {
	node, err := s.store.Nodes().Get(req.Context(), mux.Vars(req)["id"])
	if err != nil {
		writeErr(resp, err)
		return
	}
	writeData(resp, http.StatusOK, node)
}

func (s *Server) handleNodeGetByName(resp http.ResponseWriter, req *http.Request) {
	node, err := s.store.Nodes().GetByName(req.Context(), mux.Vars(req)["name"])
	if err != nil {
		writeErr(resp, err)
		return
	}
	writeData(resp, http.StatusOK, node)
}

type nodePatchRequest struct {
	Labels        map[string]string `json:"labels,omitempty"`
	Taints        []stark.Taint     `json:"taints,omitempty"`
	Unschedulable *bool             `json:"unschedulable,omitempty"`
}

// handleNodePatch updates labels, taints, and schedulability. Changes are
// pushed to the agent as node:config; adding NoExecute taints evicts pods
// that no longer tolerate them.
func (s *Server) handleNodePatch(resp http.ResponseWriter, req *http.Request) {
	if !principalFrom(req.Context()).Admin {
		writeErr(resp, apierror.NewPolicy("AdminOnly", "node updates require admin"))
		return
	}
	body := nodePatchRequest{}
	if err := decodeBody(req, &body); err != nil {
		writeErr(resp, err)
		return
	}
	node, err := s.registry.ApplyConfig(req.Context(), mux.Vars(req)["id"], body.Labels, body.Taints, body.Unschedulable)
	if err != nil {
		writeErr(resp, err)
		return
	}
	writeData(resp, http.StatusOK, node)
}

func (s *Server) handleNodeDrain(resp http.ResponseWriter, req *http.Request) {
	if !principalFrom(req.Context()).Admin {
		writeErr(resp, apierror.NewPolicy("AdminOnly", "node drain requires admin"))
		return
	}
	node, err := s.registry.Drain(req.Context(), mux.Vars(req)["id"])
	if err != nil {
		writeErr(resp, err)
		return
	}
	writeData(resp, http.StatusOK, node)
}

func (s *Server) handleNodeDelete(resp http.ResponseWriter, req *http.Request) {
	if !principalFrom(req.Context()).Admin {
		writeErr(resp, apierror.NewPolicy("AdminOnly", "node removal requires admin"))
		return
	}
	id := mux.Vars(req)["id"]
	if err := s.registry.Remove(req.Context(), id); err != nil {
		writeErr(resp, err)
		return
	}
	writeData(resp, http.StatusOK, map[string]string{"id": id})
}
