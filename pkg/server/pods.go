package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/stark-io/stark/pkg/apierror"
	"github.com/stark-io/stark/pkg/stark"
	"github.com/stark-io/stark/pkg/store"
)

type podCreateRequest struct {
	PackName         string               `json:"packName"`
	PackVersion      string               `json:"packVersion,omitempty"`
	Namespace        string               `json:"namespace,omitempty"`
	Priority         int                  `json:"priority,omitempty"`
	Labels           map[string]string    `json:"labels,omitempty"`
	Tolerations      []stark.Toleration   `json:"tolerations,omitempty"`
	Scheduling       stark.SchedulingSpec `json:"scheduling,omitempty"`
	ResourceRequests stark.ResourceList   `json:"resourceRequests,omitempty"`
	ResourceLimits   *stark.ResourceList  `json:"resourceLimits,omitempty"`
}

func (s *Server) handlePodCreate(resp http.ResponseWriter, req *http.Request) {
	body := podCreateRequest{}
	if err := decodeBody(req, &body); err != nil {
		writeErr(resp, err)
		return
	}
	if body.PackName == "" {
		writeErr(resp, apierror.NewValidation("packName is required"))
		return
	}
	if body.Namespace == "" {
		body.Namespace = "default"
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

	requests := body.ResourceRequests
	if ns.LimitRange != nil {
		if requests.CPU == 0 {
			requests.CPU = ns.LimitRange.DefaultCPU
		}
		if requests.Memory == 0 {
			requests.Memory = ns.LimitRange.DefaultMemory
		}
	}

	pod := &stark.Pod{
		PackID:           pack.ID,
		PackName:         pack.Name,
		PackVersion:      pack.Version,
		Namespace:        ns.Name,
		Status:           stark.PodPending,
		Priority:         body.Priority,
		Labels:           body.Labels,
		Tolerations:      body.Tolerations,
		Scheduling:       body.Scheduling,
		ResourceRequests: requests,
		ResourceLimits:   body.ResourceLimits,
		CreatedBy:        principalFrom(req.Context()).ID,
	}
	if err := s.store.Pods().Create(req.Context(), pod); err != nil {
		writeErr(resp, err)
		return
	}
	writeData(resp, http.StatusCreated, pod)
}

// resolvePack finds the pack by name, latest version when none given, and
// enforces pack visibility against the caller.
func (s *Server) resolvePack(req *http.Request, name, packVersion string) (*stark.Pack, error) {
	var pack *stark.Pack
	var err error
	if packVersion == "" {
		pack, err = s.store.Packs().Latest(req.Context(), name)
	} else {
		pack, err = s.store.Packs().GetByNameVersion(req.Context(), name, packVersion)
	}
	if err != nil {
		return nil, err
	}
	principal := principalFrom(req.Context())
	if pack.Visibility == stark.VisibilityPrivate && pack.OwnerID != principal.ID && !principal.Admin {
		return nil, apierror.NewPolicy("NotOwner", "pack %s is private", pack.Name)
	}
	return pack, nil
}

func (s *Server) handlePodList(resp http.ResponseWriter, req *http.Request) {
	limit, offset := pagination(req)
	filter := store.PodFilter{
		Namespace: req.URL.Query().Get("namespace"),
		ServiceID: req.URL.Query().Get("serviceId"),
		NodeID:    req.URL.Query().Get("nodeId"),
		Limit:     limit,
		Offset:    offset,
	}
	if status := req.URL.Query().Get("status"); status != "" {
		filter.Statuses = []stark.PodStatus{stark.PodStatus(status)}
	}
	pods, err := s.store.Pods().List(req.Context(), filter)
	if err != nil {
		writeErr(resp, err)
		return
	}
	writeData(resp, http.StatusOK, pods)
}

func (s *Server) handlePodGet(resp http.ResponseWriter, req *http.Request) {
	pod, err := s.store.Pods().Get(req.Context(), mux.Vars(req)["id"])
	if err != nil {
		writeErr(resp, err)
		return
	}
	writeData(resp, http.StatusOK, pod)
}

func (s *Server) handlePodStatus(resp http.ResponseWriter, req *http.Request) {
	pod, err := s.store.Pods().Get(req.Context(), mux.Vars(req)["id"])
	if err != nil {
		writeErr(resp, err)
		return
	}
	writeData(resp, http.StatusOK, map[string]interface{}{
		"status":        pod.Status,
		"statusMessage": pod.StatusMessage,
		"nodeId":        pod.NodeID,
		"startedAt":     pod.StartedAt,
		"stoppedAt":     pod.StoppedAt,
	})
}

func (s *Server) handlePodHistory(resp http.ResponseWriter, req *http.Request) {
	id := mux.Vars(req)["id"]
	if _, err := s.store.Pods().Get(req.Context(), id); err != nil {
		writeErr(resp, err)
		return
	}
	history, err := s.store.PodHistory().List(req.Context(), id)
	if err != nil {
		writeErr(resp, err)
		return
	}
	writeData(resp, http.StatusOK, history)
}

func (s *Server) handlePodLogs(resp http.ResponseWriter, req *http.Request) {
	id := mux.Vars(req)["id"]
	if _, err := s.store.Pods().Get(req.Context(), id); err != nil {
		writeErr(resp, err)
		return
	}
	tail := 100
	if v := req.URL.Query().Get("tail"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 0 {
			writeErr(resp, apierror.NewValidation("tail must be a non-negative integer"))
			return
		}
		tail = parsed
	}
	writeData(resp, http.StatusOK, s.dispatch.Logs(id, tail))
}

type podRollbackRequest struct {
	TargetVersion string `json:"targetVersion"`
}

// handlePodRollback replaces a pod with one running the target version.
// Rolling back to the version already running is refused with SameVersion
// and leaves state untouched.
func (s *Server) handlePodRollback(resp http.ResponseWriter, req *http.Request) {
	body := podRollbackRequest{}
	if err := decodeBody(req, &body); err != nil {
		writeErr(resp, err)
		return
	}
	if body.TargetVersion == "" {
		writeErr(resp, apierror.NewValidation("targetVersion is required"))
		return
	}

	pod, err := s.store.Pods().Get(req.Context(), mux.Vars(req)["id"])
	if err != nil {
		writeErr(resp, err)
		return
	}
	if pod.PackVersion == body.TargetVersion {
		writeErr(resp, apierror.New(apierror.KindConflict, "SameVersion",
			"pod already runs %s", body.TargetVersion))
		return
	}
	if pod.ServiceID != "" {
		writeErr(resp, apierror.NewConflict("pod", pod.ID, "is owned by a service; roll the service back instead"))
		return
	}

	pack, err := s.resolvePack(req, pod.PackName, body.TargetVersion)
	if err != nil {
		writeErr(resp, err)
		return
	}

	replacement := &stark.Pod{
		PackID:           pack.ID,
		PackName:         pack.Name,
		PackVersion:      pack.Version,
		Namespace:        pod.Namespace,
		Status:           stark.PodPending,
		Priority:         pod.Priority,
		Labels:           pod.Labels,
		Tolerations:      pod.Tolerations,
		Scheduling:       pod.Scheduling,
		ResourceRequests: pod.ResourceRequests,
		ResourceLimits:   pod.ResourceLimits,
		CreatedBy:        principalFrom(req.Context()).ID,
	}
	if err := s.store.Pods().Create(req.Context(), replacement); err != nil {
		writeErr(resp, err)
		return
	}
	if err := s.stopPod(req, pod, "rolled back to "+pack.Version); err != nil {
		writeErr(resp, err)
		return
	}
	writeData(resp, http.StatusOK, replacement)
}

func (s *Server) handlePodStop(resp http.ResponseWriter, req *http.Request) {
	pod, err := s.store.Pods().Get(req.Context(), mux.Vars(req)["id"])
	if err != nil {
		writeErr(resp, err)
		return
	}
	if err := s.stopPod(req, pod, "deleted by user"); err != nil {
		writeErr(resp, err)
		return
	}
	writeData(resp, http.StatusOK, map[string]string{"id": pod.ID})
}

// handlePodBulkStop stops every matching non-terminal pod. A namespace
// filter is mandatory so a stray call cannot empty the cluster.
func (s *Server) handlePodBulkStop(resp http.ResponseWriter, req *http.Request) {
	namespace := req.URL.Query().Get("namespace")
	if namespace == "" {
		writeErr(resp, apierror.NewValidation("namespace query parameter is required"))
		return
	}
	pods, err := s.store.Pods().List(req.Context(), store.PodFilter{
		Namespace: namespace,
		ServiceID: req.URL.Query().Get("serviceId"),
	})
	if err != nil {
		writeErr(resp, err)
		return
	}
	stopped := 0
	for _, pod := range pods {
		if pod.Status.Terminal() {
			continue
		}
		if err := s.stopPod(req, pod, "deleted by user"); err != nil {
			writeErr(resp, err)
			return
		}
		stopped++
	}
	writeData(resp, http.StatusOK, map[string]int{"stopped": stopped})
}

func (s *Server) stopPod(req *http.Request, pod *stark.Pod, reason string) error {
	if pod.Status.Terminal() {
		return nil
	}
	if pod.Status == stark.PodPending {
		now := time.Now()
		_, err := s.store.Pods().Transition(req.Context(), pod.ID, stark.PodPending, stark.PodStopped, func(p *stark.Pod) {
			p.StatusMessage = reason
			p.StoppedAt = &now
		})
		return err
	}
	if _, err := s.store.Pods().Transition(req.Context(), pod.ID, pod.Status, stark.PodStopping, func(p *stark.Pod) {
		p.StatusMessage = reason
	}); err != nil {
		return err
	}
	if pod.NodeID != "" {
		msg, err := stark.NewMessage(stark.MsgPodStop, "", &stark.PodStop{PodID: pod.ID, Reason: reason})
		if err != nil {
			return err
		}
		if err := s.dispatch.Send(req.Context(), pod.NodeID, msg); err != nil {
			// the node registry's resync repairs the divergence
			return nil
		}
	}
	return nil
}
