package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/finemagazi/shellcache/internal/cache"
)

func waitForActive(t *testing.T, manager *Manager, version string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for manager.ActiveVersion() != version {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s to activate, active=%q", version, manager.ActiveVersion())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func runReconciler(t *testing.T, reconciler *Reconciler) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		reconciler.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestReconcilerRetriesFailedInstallWithBackoff(t *testing.T) {
	forEachBackend(t, func(t *testing.T, storage cache.Storage) {
		network := newFakeNetwork()
		manager := newTestManager(t, storage, network, nil)
		reconciler := NewReconciler(manager, 5*time.Millisecond, 20*time.Millisecond)

		network.fail("/script.js")
		reconciler.SetTarget("v1", testManifest)
		if err := reconciler.Reconcile(context.Background()); !errors.Is(err, ErrInstallFailed) {
			t.Fatalf("expected ErrInstallFailed, got %v", err)
		}
		if reconciler.Done() || manager.ActiveVersion() != "" {
			t.Fatalf("failed install must not be recorded as done")
		}

		runReconciler(t, reconciler)
		network.heal("/script.js")
		waitForActive(t, manager, "v1")
		if reconciler.SetTarget("v1", testManifest) {
			t.Fatalf("same target should not count as a change")
		}
	})
}

func TestReconcilerResubmittedTargetRetriesImmediately(t *testing.T) {
	forEachBackend(t, func(t *testing.T, storage cache.Storage) {
		network := newFakeNetwork()
		manager := newTestManager(t, storage, network, nil)
		reconciler := NewReconciler(manager, time.Hour, time.Hour)

		network.fail("/script.js")
		reconciler.SetTarget("v1", testManifest)
		_ = reconciler.Reconcile(context.Background())
		runReconciler(t, reconciler)
		waitForCalls(t, network, "/script.js", 2)

		network.heal("/script.js")
		if reconciler.SetTarget("v1", testManifest) {
			t.Fatalf("resubmitting the same target is not a change")
		}
		waitForActive(t, manager, "v1")
		if !reconciler.Done() {
			t.Fatalf("target should be recorded as installed")
		}
	})
}

func TestReconcilerInstallsNewTarget(t *testing.T) {
	forEachBackend(t, func(t *testing.T, storage cache.Storage) {
		network := newFakeNetwork()
		manager := newTestManager(t, storage, network, nil)
		reconciler := NewReconciler(manager, time.Hour, time.Hour)

		reconciler.SetTarget("v1", testManifest)
		if err := reconciler.Reconcile(context.Background()); err != nil {
			t.Fatalf("reconcile error: %v", err)
		}
		runReconciler(t, reconciler)

		if !reconciler.SetTarget("v2", testManifest) {
			t.Fatalf("new version should count as a change")
		}
		waitForActive(t, manager, "v2")
	})
}
