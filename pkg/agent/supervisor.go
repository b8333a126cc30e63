package agent

import (
	"context"
	"net/http"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/stark-io/stark/pkg/stark"
)

// Sandbox executes one bundle instance. The real implementation shells out
// to the JavaScript sandbox; tests substitute fakes.
type Sandbox interface {
	Start(ctx context.Context, start *stark.PodStart) error
	Stop(ctx context.Context, podID string) error
	Deliver(ctx context.Context, signal *stark.PeerSignal) error
	Handle(ctx context.Context, req *stark.IngressRequest) (*stark.IngressResponse, error)
}

// Supervisor is the default Runtime: it keeps the local pod table and
// resource ledger, and delegates execution to the sandbox.
type Supervisor struct {
	sandbox Sandbox

	mu     sync.Mutex
	pods   map[string]*localPod
	labels map[string]string
	taints []stark.Taint
}

type localPod struct {
	start    *stark.PodStart
	status   stark.PodStatus
	draining bool
}

func NewSupervisor(sandbox Sandbox) *Supervisor {
	return &Supervisor{
		sandbox: sandbox,
		pods:    map[string]*localPod{},
	}
}

func (s *Supervisor) StartPod(ctx context.Context, start *stark.PodStart) error {
	s.mu.Lock()
	if _, ok := s.pods[start.PodID]; ok {
		s.mu.Unlock()
		return errors.Errorf("pod %s already running", start.PodID)
	}
	s.pods[start.PodID] = &localPod{start: start, status: stark.PodStarting}
	s.mu.Unlock()

	if err := s.sandbox.Start(ctx, start); err != nil {
		s.mu.Lock()
		delete(s.pods, start.PodID)
		s.mu.Unlock()
		return err
	}

	s.mu.Lock()
	if p, ok := s.pods[start.PodID]; ok {
		p.status = stark.PodRunning
	}
	s.mu.Unlock()
	logrus.Infof("Pod %s started (%s@%s)", start.PodID, start.PackID, start.PackVersion)
	return nil
}

func (s *Supervisor) StopPod(ctx context.Context, podID, reason string) error {
	s.mu.Lock()
	_, ok := s.pods[podID]
	s.mu.Unlock()
	if !ok {
		return nil
	}
	err := s.sandbox.Stop(ctx, podID)
	s.mu.Lock()
	delete(s.pods, podID)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	logrus.Infof("Pod %s stopped: %s", podID, reason)
	return nil
}

// DrainPod marks the pod as no longer accepting new work, then stops it.
// In-flight ingress completes before the sandbox is torn down.
func (s *Supervisor) DrainPod(ctx context.Context, podID string) error {
	s.mu.Lock()
	if p, ok := s.pods[podID]; ok {
		p.draining = true
		p.status = stark.PodStopping
	}
	s.mu.Unlock()
	return s.StopPod(ctx, podID, "drained")
}

func (s *Supervisor) Signal(ctx context.Context, signal *stark.PeerSignal) error {
	s.mu.Lock()
	_, ok := s.pods[signal.TargetPodID]
	s.mu.Unlock()
	if !ok {
		return errors.Errorf("pod %s not on this node", signal.TargetPodID)
	}
	return s.sandbox.Deliver(ctx, signal)
}

func (s *Supervisor) PeerGone(gone *stark.PeerGone) {
	logrus.Debugf("Peer %s gone", gone.PodID)
}

func (s *Supervisor) ApplyConfig(labels map[string]string, taints []stark.Taint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.labels = labels
	s.taints = taints
	logrus.Infof("Applied node config: %d labels, %d taints", len(labels), len(taints))
}

func (s *Supervisor) ServeIngress(ctx context.Context, req *stark.IngressRequest) (*stark.IngressResponse, error) {
	s.mu.Lock()
	p, ok := s.pods[req.PodID]
	draining := ok && p.draining
	s.mu.Unlock()
	if !ok {
		return &stark.IngressResponse{Status: http.StatusNotFound, Body: []byte("pod not found")}, nil
	}
	if draining {
		return &stark.IngressResponse{Status: http.StatusServiceUnavailable, Body: []byte("pod draining")}, nil
	}
	return s.sandbox.Handle(ctx, req)
}

func (s *Supervisor) Snapshot() (stark.ResourceList, []stark.PodStateSummary) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var allocated stark.ResourceList
	states := make([]stark.PodStateSummary, 0, len(s.pods))
	for id, p := range s.pods {
		if p.start.ResourceLimits != nil {
			allocated = allocated.Add(*p.start.ResourceLimits)
		}
		allocated.Pods++
		states = append(states, stark.PodStateSummary{PodID: id, Status: p.status})
	}
	return allocated, states
}
