package controller

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/stark-io/stark/pkg/apierror"
	"github.com/stark-io/stark/pkg/reconciler"
	"github.com/stark-io/stark/pkg/stark"
	"github.com/stark-io/stark/pkg/store"
)

// terminator drives terminating namespaces to removal: tear down every
// service, stop orphan pods, and delete the namespace record once nothing
// live remains. Pod records are kept until the namespace goes away so the
// API can still answer history queries during the drain.
type terminator struct {
	store      store.Interface
	reconciler *reconciler.Reconciler
}

func newTerminator(st store.Interface, rec *reconciler.Reconciler) *terminator {
	return &terminator{store: st, reconciler: rec}
}

func (t *terminator) handle(ctx context.Context, key string) error {
	if key != "" {
		return t.terminate(ctx, key)
	}
	namespaces, err := t.store.Namespaces().List(ctx)
	if err != nil {
		return err
	}
	for _, ns := range namespaces {
		if ns.Phase != stark.NamespaceTerminating {
			continue
		}
		if err := t.terminate(ctx, ns.ID); err != nil {
			logrus.Warnf("Namespace %s termination pass failed: %v", ns.Name, err)
		}
	}
	return nil
}

func (t *terminator) terminate(ctx context.Context, namespaceID string) error {
	ns, err := t.store.Namespaces().Get(ctx, namespaceID)
	if apierror.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if ns.Phase != stark.NamespaceTerminating {
		return nil
	}

	services, err := t.store.Services().List(ctx, store.ServiceFilter{Namespace: ns.Name})
	if err != nil {
		return err
	}
	settled := true
	for _, svc := range services {
		done, err := t.reconciler.Teardown(ctx, svc.ID)
		if err != nil && !apierror.IsNotFound(err) {
			return err
		}
		if !done {
			settled = false
		}
	}

	stopped, err := t.reconciler.StopOrphanPods(ctx, ns.Name, "namespace terminating")
	if err != nil {
		return err
	}
	if stopped > 0 {
		settled = false
	}

	pods, err := t.store.Pods().List(ctx, store.PodFilter{Namespace: ns.Name})
	if err != nil {
		return err
	}
	for _, pod := range pods {
		if !pod.Status.Terminal() {
			settled = false
		}
	}
	if !settled {
		return nil
	}

	policies, err := t.store.Policies().List(ctx, ns.Name)
	if err != nil {
		return err
	}
	for _, policy := range policies {
		if err := t.store.Policies().Delete(ctx, policy.ID); err != nil && !apierror.IsNotFound(err) {
			return err
		}
	}
	for _, pod := range pods {
		if err := t.store.Pods().Delete(ctx, pod.ID); err != nil && !apierror.IsNotFound(err) {
			return err
		}
	}
	if err := t.store.Namespaces().Delete(ctx, ns.ID); err != nil && !apierror.IsNotFound(err) {
		return err
	}
	logrus.Infof("Namespace %s terminated", ns.Name)
	return nil
}
