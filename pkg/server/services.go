package server

import (
	"net/http"

	"github.com/blang/semver/v4"
	"github.com/gorilla/mux"

	"github.com/stark-io/stark/pkg/apierror"
	"github.com/stark-io/stark/pkg/stark"
	"github.com/stark-io/stark/pkg/store"
)

type serviceCreateRequest struct {
	Name             string               `json:"name"`
	Namespace        string               `json:"namespace,omitempty"`
	PackName         string               `json:"packName"`
	PackVersion      string               `json:"packVersion,omitempty"`
	Replicas         int                  `json:"replicas"`
	Visibility       stark.Visibility     `json:"visibility,omitempty"`
	Exposed          bool                 `json:"exposed,omitempty"`
	IngressPort      int                  `json:"ingressPort,omitempty"`
	Scheduling       stark.SchedulingSpec `json:"scheduling,omitempty"`
	Tolerations      []stark.Toleration   `json:"tolerations,omitempty"`
	ResourceRequests stark.ResourceList   `json:"resourceRequests,omitempty"`
	PodLabels        map[string]string    `json:"podLabels,omitempty"`
	AllowedSources   []string             `json:"allowedSources,omitempty"`
	FollowLatest     bool                 `json:"followLatest,omitempty"`
}

func (s *Server) handleServiceCreate(resp http.ResponseWriter, req *http.Request) {
	body := serviceCreateRequest{}
	if err := decodeBody(req, &body); err != nil {
		writeErr(resp, err)
		return
	}
	if body.Name == "" || body.PackName == "" {
		writeErr(resp, apierror.NewValidation("service name and packName are required"))
		return
	}
	if body.Replicas < 0 {
		writeErr(resp, apierror.NewValidation("replicas must not be negative"))
		return
	}
	if body.Exposed && body.IngressPort <= 0 {
		writeErr(resp, apierror.NewValidation("exposed services need an ingressPort"))
		return
	}
	if body.Namespace == "" {
		body.Namespace = "default"
	}
	if body.Visibility == "" {
		body.Visibility = stark.VisibilityPrivate
	}

	ns, err := s.store.Namespaces().GetByName(req.Context(), body.Namespace)
	if err != nil {
		writeErr(resp, err)
		return
	}
	if ns.Phase != stark.NamespaceActive {
		writeErr(resp, apierror.NewConflict("namespace", ns.Name, "is terminating"))
		return
	}

	pack, err := s.resolvePack(req, body.PackName, body.PackVersion)
	if err != nil {
		writeErr(resp, err)
		return
	}

	svc := &stark.Service{
		Name:             body.Name,
		Namespace:        ns.Name,
		PackID:           pack.ID,
		PackName:         pack.Name,
		PackVersion:      pack.Version,
		Replicas:         body.Replicas,
		Status:           stark.ServicePending,
		Visibility:       body.Visibility,
		Exposed:          body.Exposed,
		IngressPort:      body.IngressPort,
		Scheduling:       body.Scheduling,
		Tolerations:      body.Tolerations,
		ResourceRequests: body.ResourceRequests,
		PodLabels:        body.PodLabels,
		AllowedSources:   body.AllowedSources,
		FollowLatest:     body.FollowLatest,
	}
	svc.CreatedBy = principalFrom(req.Context()).ID
	if err := s.store.Services().Create(req.Context(), svc); err != nil {
		writeErr(resp, err)
		return
	}
	writeData(resp, http.StatusCreated, svc)
}

func (s *Server) handleServiceList(resp http.ResponseWriter, req *http.Request) {
	limit, offset := pagination(req)
	services, err := s.store.Services().List(req.Context(), store.ServiceFilter{
		Namespace: req.URL.Query().Get("namespace"),
		Status:    stark.ServiceStatus(req.URL.Query().Get("status")),
		Limit:     limit,
		Offset:    offset,
	})
	if err != nil {
		writeErr(resp, err)
		return
	}
	writeData(resp, http.StatusOK, services)
}

func (s *Server) handleServiceGet(resp http.ResponseWriter, req *http.Request) {
	svc, err := s.store.Services().Get(req.Context(), mux.Vars(req)["id"])
	if err != nil {
		writeErr(resp, err)
		return
	}
	writeData(resp, http.StatusOK, svc)
}

func (s *Server) handleServiceGetByName(resp http.ResponseWriter, req *http.Request) {
	namespace := req.URL.Query().Get("namespace")
	if namespace == "" {
		namespace = "default"
	}
	svc, err := s.store.Services().GetByName(req.Context(), namespace, mux.Vars(req)["name"])
	if err != nil {
		writeErr(resp, err)
		return
	}
	writeData(resp, http.StatusOK, svc)
}

type servicePatchRequest struct {
	Replicas       *int              `json:"replicas,omitempty"`
	PackVersion    *string           `json:"packVersion,omitempty"`
	FollowLatest   *bool             `json:"followLatest,omitempty"`
	PodLabels      map[string]string `json:"podLabels,omitempty"`
	AllowedSources []string          `json:"allowedSources,omitempty"`
	IngressPort    *int              `json:"ingressPort,omitempty"`
	Paused         *bool             `json:"paused,omitempty"`
}

// handleServicePatch applies a partial update. A version change drives a
// rolling update on the reconciler's next pass; paused=false resumes a
// crash-looped service and resets its failure counter.
func (s *Server) handleServicePatch(resp http.ResponseWriter, req *http.Request) {
	body := servicePatchRequest{}
	if err := decodeBody(req, &body); err != nil {
		writeErr(resp, err)
		return
	}
	if body.Replicas != nil && *body.Replicas < 0 {
		writeErr(resp, apierror.NewValidation("replicas must not be negative"))
		return
	}

	id := mux.Vars(req)["id"]
	current, err := s.store.Services().Get(req.Context(), id)
	if err != nil {
		writeErr(resp, err)
		return
	}

	var targetPack *stark.Pack
	if body.PackVersion != nil && *body.PackVersion != current.PackVersion {
		if _, err := semver.ParseTolerant(*body.PackVersion); err != nil {
			writeErr(resp, apierror.NewValidation("version %q is not a valid semver", *body.PackVersion))
			return
		}
		if targetPack, err = s.resolvePack(req, current.PackName, *body.PackVersion); err != nil {
			writeErr(resp, err)
			return
		}
	}

	svc, err := s.store.Services().Update(req.Context(), id, func(svc *stark.Service) error {
		if body.Replicas != nil {
			svc.Replicas = *body.Replicas
		}
		if targetPack != nil {
			svc.PackID = targetPack.ID
			svc.PackVersion = targetPack.Version
		}
		if body.FollowLatest != nil {
			svc.FollowLatest = *body.FollowLatest
		}
		if body.PodLabels != nil {
			svc.PodLabels = body.PodLabels
		}
		if body.AllowedSources != nil {
			svc.AllowedSources = body.AllowedSources
		}
		if body.IngressPort != nil {
			svc.IngressPort = *body.IngressPort
		}
		if body.Paused != nil {
			if *body.Paused {
				svc.Status = stark.ServicePaused
			} else if svc.Status == stark.ServicePaused {
				svc.Status = stark.ServicePending
				svc.FailureState = stark.FailureState{}
			}
		}
		return nil
	})
	if err != nil {
		writeErr(resp, err)
		return
	}
	writeData(resp, http.StatusOK, svc)
}

type serviceScaleRequest struct {
	Replicas int `json:"replicas"`
}

func (s *Server) handleServiceScale(resp http.ResponseWriter, req *http.Request) {
	body := serviceScaleRequest{}
	if err := decodeBody(req, &body); err != nil {
		writeErr(resp, err)
		return
	}
	if body.Replicas < 0 {
		writeErr(resp, apierror.NewValidation("replicas must not be negative"))
		return
	}
	svc, err := s.store.Services().Update(req.Context(), mux.Vars(req)["id"], func(svc *stark.Service) error {
		svc.Replicas = body.Replicas
		return nil
	})
	if err != nil {
		writeErr(resp, err)
		return
	}
	writeData(resp, http.StatusOK, svc)
}

func (s *Server) handleServiceExpose(resp http.ResponseWriter, req *http.Request) {
	svc, err := s.store.Services().Update(req.Context(), mux.Vars(req)["id"], func(svc *stark.Service) error {
		if svc.IngressPort <= 0 {
			return apierror.NewValidation("service has no ingressPort to expose")
		}
		svc.Exposed = true
		return nil
	})
	if err != nil {
		writeErr(resp, err)
		return
	}
	writeData(resp, http.StatusOK, svc)
}

func (s *Server) handleServiceUnexpose(resp http.ResponseWriter, req *http.Request) {
	svc, err := s.store.Services().Update(req.Context(), mux.Vars(req)["id"], func(svc *stark.Service) error {
		svc.Exposed = false
		return nil
	})
	if err != nil {
		writeErr(resp, err)
		return
	}
	writeData(resp, http.StatusOK, svc)
}

type serviceVisibilityRequest struct {
	Visibility stark.Visibility `json:"visibility"`
}

func (s *Server) handleServiceVisibility(resp http.ResponseWriter, req *http.Request) {
	body := serviceVisibilityRequest{}
	if err := decodeBody(req, &body); err != nil {
		writeErr(resp, err)
		return
	}
	switch body.Visibility {
	case stark.VisibilityPrivate, stark.VisibilityPublic, stark.VisibilitySystem:
	default:
		writeErr(resp, apierror.NewValidation("unknown visibility %q", body.Visibility))
		return
	}
	svc, err := s.store.Services().Update(req.Context(), mux.Vars(req)["id"], func(svc *stark.Service) error {
		svc.Visibility = body.Visibility
		return nil
	})
	if err != nil {
		writeErr(resp, err)
		return
	}
	writeData(resp, http.StatusOK, svc)
}

// handleServiceDelete marks the service deleted; the reconciler stops its
// pods and removes the record once they are terminal.
func (s *Server) handleServiceDelete(resp http.ResponseWriter, req *http.Request) {
	svc, err := s.store.Services().Update(req.Context(), mux.Vars(req)["id"], func(svc *stark.Service) error {
		svc.Status = stark.ServiceDeleted
		return nil
	})
	if err != nil {
		writeErr(resp, err)
		return
	}
	writeData(resp, http.StatusOK, svc)
}
