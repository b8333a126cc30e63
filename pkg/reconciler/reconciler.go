// Package reconciler converges each service's owned pods with its declared
// replica count: it creates and stops pods, drives rolling updates, follows
// latest pack versions, and backs off crash-looping versions.
package reconciler

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/samber/lo"
	"github.com/sirupsen/logrus"
	"github.com/stark-io/stark/pkg/apierror"
	"github.com/stark-io/stark/pkg/metrics"
	"github.com/stark-io/stark/pkg/stark"
	"github.com/stark-io/stark/pkg/store"
	"golang.org/x/sync/errgroup"
)

// Rolling update bounds. One surge pod, zero unavailable: a new-version pod
// must report running before an old-version pod is stopped.
const (
	maxSurge       = 1
	maxUnavailable = 0
)

type Config struct {
	FailWindow  time.Duration // failures within this window of pod creation count as crash-loop
	StableAfter time.Duration // running this long clears the failure counter
	BackoffBase time.Duration
	BackoffMax  time.Duration
	MaxFailures int
	Parallelism int // concurrent service reconciliations per pass
}

func DefaultConfig() Config {
	return Config{
		FailWindow:  120 * time.Second,
		StableAfter: 5 * time.Minute,
		BackoffBase: 60 * time.Second,
		BackoffMax:  3600 * time.Second,
		MaxFailures: 3,
		Parallelism: 4,
	}
}

// Commander dispatches pod:stop commands to nodes.
type Commander interface {
	Send(ctx context.Context, nodeID string, msg *stark.Message) error
}

type Reconciler struct {
	store     store.Interface
	commander Commander
	cfg       Config

	mu    sync.Mutex
	locks map[string]*sync.Mutex // per-service serialization
}

func New(st store.Interface, commander Commander, cfg Config) *Reconciler {
	if cfg.MaxFailures == 0 {
		cfg = DefaultConfig()
	}
	return &Reconciler{store: st, commander: commander, cfg: cfg, locks: map[string]*sync.Mutex{}}
}

func (r *Reconciler) serviceLock(id string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	lock, ok := r.locks[id]
	if !ok {
		lock = &sync.Mutex{}
		r.locks[id] = lock
	}
	return lock
}

// ReconcileAll runs one pass over every service, serially per service and
// concurrently across services.
func (r *Reconciler) ReconcileAll(ctx context.Context) error {
	services, err := r.store.Services().List(ctx, store.ServiceFilter{})
	if err != nil {
		return err
	}
	group, ctx := errgroup.WithContext(ctx)
	group.SetLimit(r.cfg.Parallelism)
	for _, svc := range services {
		id := svc.ID
		group.Go(func() error {
			if err := r.Reconcile(ctx, id); err != nil && !apierror.IsNotFound(err) {
				logrus.Errorf("Reconcile of service %s failed: %v", id, err)
			}
			return nil
		})
	}
	return group.Wait()
}

// Reconcile runs one reconciliation pass for a single service. Errors are
// absorbed into the service record where possible; a pass never leaves the
// service in a half-written state.
func (r *Reconciler) Reconcile(ctx context.Context, serviceID string) error {
	lock := r.serviceLock(serviceID)
	lock.Lock()
	defer lock.Unlock()

	start := time.Now()
	err := r.reconcile(ctx, serviceID)
	metrics.ObserveWithStatus(metrics.ReconcilePasses, start, err)
	return err
}

func (r *Reconciler) reconcile(ctx context.Context, serviceID string) error {
	svc, err := r.store.Services().Get(ctx, serviceID)
	if err != nil {
		return err
	}
	if svc.Status == stark.ServiceDeleted {
		_, err := r.teardown(ctx, svc)
		return err
	}

	// follow-latest advances the target version before anything else; the
	// version change then drives an ordinary rolling update. A newer pack
	// version also clears a crash-loop pause.
	if svc.FollowLatest {
		if svc, err = r.followLatest(ctx, svc); err != nil {
			return err
		}
	}

	if svc.Status == stark.ServicePaused {
		return nil
	}

	pods, err := r.ownedPods(ctx, svc)
	if err != nil {
		return err
	}

	// success decay: a pod that has run stable clears the failure counter
	if svc.FailureState.ConsecutiveFailures > 0 && r.hasStablePod(pods) {
		if svc, err = r.clearFailures(ctx, svc, "stable pod observed"); err != nil {
			return err
		}
	}

	if svc.FailureState.ConsecutiveFailures >= r.cfg.MaxFailures {
		return r.handleCrashLoop(ctx, svc)
	}
	if until := svc.FailureState.BackoffUntil; until != nil && until.After(time.Now()) &&
		svc.PackVersion == svc.FailureState.LastFailedVersion {
		logrus.Debugf("Service %s/%s backing off until %s", svc.Namespace, svc.Name, until.Format(time.RFC3339))
		return nil
	}

	desired, err := r.desiredCount(ctx, svc)
	if err != nil {
		return err
	}

	current := lo.Filter(pods, func(p *stark.Pod, _ int) bool { return !p.Status.Terminal() })
	onVersion, offVersion := splitByVersion(current, svc.PackVersion)

	if len(offVersion) > 0 {
		return r.rollingStep(ctx, svc, desired, onVersion, offVersion)
	}

	// converged on version; settle the replica count
	if svc.Status == stark.ServiceRolling {
		runningOn := countRunning(onVersion)
		if runningOn >= desired && len(onVersion) == desired {
			if _, err := r.setStatus(ctx, svc.ID, stark.ServiceActive, "rollout complete"); err != nil {
				return err
			}
			logrus.Infof("Service %s/%s rollout to %s complete", svc.Namespace, svc.Name, svc.PackVersion)
		}
	}

	if missing := desired - len(onVersion); missing > 0 {
		return r.createPods(ctx, svc, missing)
	}
	if surplus := len(onVersion) - desired; surplus > 0 {
		return r.stopPods(ctx, svc, surplusVictims(onVersion, surplus), "scaled down")
	}
	if svc.Status == stark.ServicePending {
		_, err = r.setStatus(ctx, svc.ID, stark.ServiceActive, "")
	}
	return err
}

// rollingStep advances a rolling update by at most one pod: create the
// surge pod if room allows, otherwise stop one old-version pod once a
// new-version replacement reports running.
func (r *Reconciler) rollingStep(ctx context.Context, svc *stark.Service, desired int, onVersion, offVersion []*stark.Pod) error {
	if svc.Status != stark.ServiceRolling {
		var err error
		if svc, err = r.setStatus(ctx, svc.ID, stark.ServiceRolling, "rolling to "+svc.PackVersion); err != nil {
			return err
		}
	}

	total := len(onVersion) + len(offVersion)
	runningOn := countRunning(onVersion)
	runningOff := countRunning(offVersion)

	// old pods that are not serving can go immediately
	for _, pod := range offVersion {
		if pod.Status != stark.PodRunning {
			return r.stopPods(ctx, svc, []*stark.Pod{pod}, "rolling update")
		}
	}

	if len(onVersion) < desired && total < desired+maxSurge {
		return r.createPods(ctx, svc, 1)
	}

	// stopping a serving old pod must keep running count at or above
	// desired - maxUnavailable
	if runningOff > 0 && runningOn+runningOff-1 >= desired-maxUnavailable {
		return r.stopPods(ctx, svc, offVersion[:1], "rolling update")
	}
	// surge pod exists but is not ready yet; wait for the next wake
	return nil
}

func (r *Reconciler) followLatest(ctx context.Context, svc *stark.Service) (*stark.Service, error) {
	latest, err := r.store.Packs().Latest(ctx, svc.PackName)
	if apierror.IsNotFound(err) {
		return svc, nil
	} else if err != nil {
		return nil, err
	}
	if latest.Version == svc.PackVersion {
		return svc, nil
	}
	logrus.Infof("Service %s/%s following latest: %s -> %s", svc.Namespace, svc.Name, svc.PackVersion, latest.Version)
	return r.store.Services().Update(ctx, svc.ID, func(s *stark.Service) error {
		s.PackID = latest.ID
		s.PackVersion = latest.Version
		// a new version lifts a crash-loop pause on the old one
		if s.Status == stark.ServicePaused && s.FailureState.LastFailedVersion != latest.Version {
			s.Status = stark.ServiceRolling
			s.FailureState.ConsecutiveFailures = 0
			s.FailureState.BackoffUntil = nil
		}
		return nil
	})
}

// handleCrashLoop rolls back to the last known-good version when one
// exists, otherwise pauses the service with exponential backoff.
func (r *Reconciler) handleCrashLoop(ctx context.Context, svc *stark.Service) error {
	state := svc.FailureState
	if state.LastGoodVersion != "" && state.LastGoodVersion != svc.PackVersion {
		logrus.Warnf("Service %s/%s crash-looping on %s, rolling back to %s",
			svc.Namespace, svc.Name, svc.PackVersion, state.LastGoodVersion)
		good, err := r.store.Packs().GetByNameVersion(ctx, svc.PackName, state.LastGoodVersion)
		if err != nil {
			return err
		}
		_, err = r.store.Services().Update(ctx, svc.ID, func(s *stark.Service) error {
			s.PackID = good.ID
			s.PackVersion = good.Version
			s.Status = stark.ServiceRolling
			s.FailureState.ConsecutiveFailures = 0
			s.FailureState.BackoffUntil = nil
			s.FailureState.Attempts++
			return nil
		})
		return err
	}

	attempts := state.Attempts + 1
	backoff := r.cfg.BackoffBase * time.Duration(1<<uint(min(attempts, 10)))
	if backoff > r.cfg.BackoffMax {
		backoff = r.cfg.BackoffMax
	}
	until := time.Now().Add(backoff)
	logrus.Errorf("Service %s/%s crash-looping on %s with no known-good version, pausing until %s",
		svc.Namespace, svc.Name, svc.PackVersion, until.Format(time.RFC3339))
	_, err := r.store.Services().Update(ctx, svc.ID, func(s *stark.Service) error {
		s.Status = stark.ServicePaused
		s.FailureState.BackoffUntil = &until
		s.FailureState.Attempts = attempts
		return nil
	})
	return err
}

// ObservePodEvent feeds pod status transitions into crash-loop
// bookkeeping. Invoked by the controller loop for every pod change event.
func (r *Reconciler) ObservePodEvent(ctx context.Context, old, new *stark.Pod) {
	if new == nil || new.ServiceID == "" || old == nil || old.Status == new.Status {
		return
	}
	lock := r.serviceLock(new.ServiceID)
	lock.Lock()
	defer lock.Unlock()

	switch new.Status {
	case stark.PodFailed:
		if time.Since(new.CreatedAt) > r.cfg.FailWindow {
			return
		}
		_, err := r.store.Services().Update(ctx, new.ServiceID, func(s *stark.Service) error {
			s.FailureState.ConsecutiveFailures++
			s.FailureState.LastFailedVersion = new.PackVersion
			return nil
		})
		if err != nil && !apierror.IsNotFound(err) {
			logrus.Warnf("Failed to record pod failure for service %s: %v", new.ServiceID, err)
		}
	case stark.PodRunning:
		_, err := r.store.Services().Update(ctx, new.ServiceID, func(s *stark.Service) error {
			if s.FailureState.ConsecutiveFailures > 0 && new.PackVersion == s.PackVersion {
				s.FailureState.ConsecutiveFailures = 0
			}
			if new.PackVersion == s.PackVersion {
				s.FailureState.LastGoodVersion = new.PackVersion
			}
			return nil
		})
		if err != nil && !apierror.IsNotFound(err) {
			logrus.Warnf("Failed to record pod success for service %s: %v", new.ServiceID, err)
		}
	}
}

// Teardown stops every owned pod; once all are terminal the service record
// is deleted. Returns true when the delete happened.
func (r *Reconciler) Teardown(ctx context.Context, serviceID string) (bool, error) {
	lock := r.serviceLock(serviceID)
	lock.Lock()
	defer lock.Unlock()

	svc, err := r.store.Services().Get(ctx, serviceID)
	if err != nil {
		return false, err
	}
	return r.teardown(ctx, svc)
}

// teardown does the actual stop-then-delete work; callers hold the service
// lock.
func (r *Reconciler) teardown(ctx context.Context, svc *stark.Service) (bool, error) {
	pods, err := r.ownedPods(ctx, svc)
	if err != nil {
		return false, err
	}
	live := lo.Filter(pods, func(p *stark.Pod, _ int) bool { return !p.Status.Terminal() })
	if len(live) > 0 {
		if err := r.stopPods(ctx, svc, live, "service deleted"); err != nil {
			return false, err
		}
		return false, nil
	}
	if err := r.store.Services().Delete(ctx, svc.ID); err != nil {
		return false, err
	}
	return true, nil
}

// StopOrphanPods stops every live pod in the namespace that no service
// owns. Returns how many pods were told to stop.
func (r *Reconciler) StopOrphanPods(ctx context.Context, namespace, reason string) (int, error) {
	pods, err := r.store.Pods().List(ctx, store.PodFilter{Namespace: namespace})
	if err != nil {
		return 0, err
	}
	orphans := lo.Filter(pods, func(p *stark.Pod, _ int) bool {
		return p.ServiceID == "" && !p.Status.Terminal()
	})
	for _, pod := range orphans {
		switch pod.Status {
		case stark.PodPending:
			now := time.Now()
			if _, err := r.store.Pods().Transition(ctx, pod.ID, stark.PodPending, stark.PodStopped, func(p *stark.Pod) {
				p.StatusMessage = reason
				p.StoppedAt = &now
			}); err != nil && !apierror.IsPreconditionFailed(err) {
				return 0, err
			}
		default:
			if _, err := r.store.Pods().Transition(ctx, pod.ID, pod.Status, stark.PodStopping, func(p *stark.Pod) {
				p.StatusMessage = reason
			}); err != nil {
				if apierror.IsPreconditionFailed(err) {
					continue
				}
				return 0, err
			}
			if r.commander != nil && pod.NodeID != "" {
				if msg, err := stark.NewMessage(stark.MsgPodStop, "", &stark.PodStop{PodID: pod.ID, Reason: reason}); err == nil {
					if err := r.commander.Send(ctx, pod.NodeID, msg); err != nil {
						logrus.Warnf("Failed to dispatch stop for pod %s: %v", pod.ID, err)
					}
				}
			}
		}
	}
	return len(orphans), nil
}

func (r *Reconciler) ownedPods(ctx context.Context, svc *stark.Service) ([]*stark.Pod, error) {
	return r.store.Pods().List(ctx, store.PodFilter{ServiceID: svc.ID})
}

// desiredCount resolves the replica target; replicas == 0 means DaemonSet
// mode, one pod per node passing the service's filter predicate.
func (r *Reconciler) desiredCount(ctx context.Context, svc *stark.Service) (int, error) {
	if svc.Replicas > 0 {
		return svc.Replicas, nil
	}
	pack, err := r.store.Packs().Get(ctx, svc.PackID)
	if err != nil {
		return 0, err
	}
	nodes, err := r.store.Nodes().List(ctx, store.NodeFilter{})
	if err != nil {
		return 0, err
	}
	count := 0
	for _, node := range nodes {
		if daemonNodeMatches(svc, pack, node) {
			count++
		}
	}
	return count, nil
}

// daemonNodeMatches is the DaemonSet filter predicate: node is schedulable,
// runtime-compatible, selector-matched, and every hard taint is tolerated.
func daemonNodeMatches(svc *stark.Service, pack *stark.Pack, node *stark.Node) bool {
	if !node.Schedulable() {
		return false
	}
	if !pack.RuntimeTag.Compatible(node.RuntimeType) {
		return false
	}
	for key, value := range svc.Scheduling.NodeSelector {
		if node.Labels[key] != value {
			return false
		}
	}
	for _, taint := range node.Taints {
		if taint.Effect == stark.TaintEffectPreferNoSchedule {
			continue
		}
		if !stark.Tolerated(taint, svc.Tolerations) {
			return false
		}
	}
	return true
}

func (r *Reconciler) createPods(ctx context.Context, svc *stark.Service, count int) error {
	for i := 0; i < count; i++ {
		pod := &stark.Pod{
			PackID:           svc.PackID,
			PackName:         svc.PackName,
			PackVersion:      svc.PackVersion,
			Namespace:        svc.Namespace,
			Status:           stark.PodPending,
			Labels:           svc.PodLabels,
			Tolerations:      svc.Tolerations,
			Scheduling:       svc.Scheduling,
			ResourceRequests: svc.ResourceRequests,
			CreatedBy:        svc.CreatedBy,
			ServiceID:        svc.ID,
		}
		if err := r.store.Pods().Create(ctx, pod); err != nil {
			return err
		}
		logrus.Infof("Created pod %s for service %s/%s (%s@%s)", pod.ID, svc.Namespace, svc.Name, svc.PackName, svc.PackVersion)
	}
	return nil
}

// stopPods never mutates pods in place: running pods get a graceful stop
// command and move through stopping; pods that never started stop directly.
func (r *Reconciler) stopPods(ctx context.Context, svc *stark.Service, pods []*stark.Pod, reason string) error {
	for _, pod := range pods {
		switch pod.Status {
		case stark.PodPending:
			now := time.Now()
			if _, err := r.store.Pods().Transition(ctx, pod.ID, stark.PodPending, stark.PodStopped, func(p *stark.Pod) {
				p.StatusMessage = reason
				p.StoppedAt = &now
			}); err != nil {
				return err
			}
		default:
			if pod.Status.Terminal() {
				continue
			}
			if _, err := r.store.Pods().Transition(ctx, pod.ID, pod.Status, stark.PodStopping, func(p *stark.Pod) {
				p.StatusMessage = reason
			}); err != nil {
				if apierror.IsPreconditionFailed(err) {
					continue
				}
				return err
			}
			if r.commander != nil && pod.NodeID != "" {
				msg, err := stark.NewMessage(stark.MsgPodStop, "", &stark.PodStop{PodID: pod.ID, Reason: reason})
				if err == nil {
					if err := r.commander.Send(ctx, pod.NodeID, msg); err != nil {
						logrus.Warnf("Failed to dispatch stop for pod %s: %v", pod.ID, err)
					}
				}
			}
		}
		logrus.Infof("Stopping pod %s of service %s/%s: %s", pod.ID, svc.Namespace, svc.Name, reason)
	}
	return nil
}

func (r *Reconciler) setStatus(ctx context.Context, serviceID string, status stark.ServiceStatus, message string) (*stark.Service, error) {
	return r.store.Services().Update(ctx, serviceID, func(s *stark.Service) error {
		s.Status = status
		s.StatusMessage = message
		return nil
	})
}

func (r *Reconciler) clearFailures(ctx context.Context, svc *stark.Service, reason string) (*stark.Service, error) {
	logrus.Debugf("Service %s/%s failure counter cleared: %s", svc.Namespace, svc.Name, reason)
	return r.store.Services().Update(ctx, svc.ID, func(s *stark.Service) error {
		s.FailureState.ConsecutiveFailures = 0
		s.FailureState.BackoffUntil = nil
		return nil
	})
}

func (r *Reconciler) hasStablePod(pods []*stark.Pod) bool {
	for _, pod := range pods {
		if pod.Status == stark.PodRunning && pod.StartedAt != nil &&
			time.Since(*pod.StartedAt) >= r.cfg.StableAfter {
			return true
		}
	}
	return false
}

func splitByVersion(pods []*stark.Pod, version string) (on, off []*stark.Pod) {
	for _, pod := range pods {
		if pod.PackVersion == version {
			on = append(on, pod)
		} else {
			off = append(off, pod)
		}
	}
	return on, off
}

func countRunning(pods []*stark.Pod) int {
	count := 0
	for _, pod := range pods {
		if pod.Status == stark.PodRunning {
			count++
		}
	}
	return count
}

// surplusVictims picks the newest pods first so long-lived pods survive a
// scale-down.
func surplusVictims(pods []*stark.Pod, count int) []*stark.Pod {
	sorted := append([]*stark.Pod(nil), pods...)
	sortPodsNewestFirst(sorted)
	if count > len(sorted) {
		count = len(sorted)
	}
	return sorted[:count]
}

func sortPodsNewestFirst(pods []*stark.Pod) {
	sort.Slice(pods, func(i, j int) bool { return pods[i].CreatedAt.After(pods[j].CreatedAt) })
}
