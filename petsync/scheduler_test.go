// ABOUTME: Tests for the sync scheduler: phase transitions, overlap
// ABOUTME: rejection, per-kind ordering, and the auto-revert to idle.
package petsync

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type schedEnv struct {
	store  *fakeStore
	remote *fakeRemote
	sched  *Scheduler

	mu     sync.Mutex
	phases []SyncPhase
	kinds  []RecordKind
}

func (env *schedEnv) phaseLog() []SyncPhase {
	env.mu.Lock()
	defer env.mu.Unlock()
	return append([]SyncPhase(nil), env.phases...)
}

func (env *schedEnv) kindLog() []RecordKind {
	env.mu.Lock()
	defer env.mu.Unlock()
	return append([]RecordKind(nil), env.kinds...)
}

func newSchedEnv(t *testing.T, cfg SchedulerConfig) *schedEnv {
	t.Helper()
	env := &schedEnv{store: newFakeStore(), remote: newFakeRemote()}
	client := testClient(t, env.remote)
	merger := NewMerger(env.store, client, testCodec(t), nil)

	events := &SchedulerEvents{
		OnPhase: func(p SyncPhase) {
			env.mu.Lock()
			env.phases = append(env.phases, p)
			env.mu.Unlock()
		},
		OnKind: func(k RecordKind, _ MergeStats, _ error) {
			env.mu.Lock()
			env.kinds = append(env.kinds, k)
			env.mu.Unlock()
		},
	}
	env.sched = NewScheduler(client, merger, env.store, cfg, nil, events)
	return env
}

func waitForPhase(t *testing.T, s *Scheduler, want SyncPhase) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for s.Phase() != want {
		if time.Now().After(deadline) {
			t.Fatalf("phase never reached %q, stuck at %q", want, s.Phase())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSyncNowCompletes(t *testing.T) {
	ctx := context.Background()
	env := newSchedEnv(t, SchedulerConfig{StatusReset: time.Hour})

	pet := testPet()
	rec, err := testCodec(t).Encode(pet)
	if err != nil {
		t.Fatal(err)
	}
	env.remote.putPrivate(rec)

	if err := env.sched.SyncNow(ctx); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if got := env.sched.Phase(); got != PhaseCompleted {
		t.Fatalf("expected Completed, got %q", got)
	}

	got, err := env.store.Get(ctx, KindPet, pet.ID)
	if err != nil {
		t.Fatalf("pet not merged: %v", err)
	}
	if got.(*Pet).Name != pet.Name {
		t.Fatal("merged pet lost its name")
	}

	last, err := env.store.GetState(ctx, "last_synced_at", "")
	if err != nil || last == "" {
		t.Fatalf("last_synced_at not recorded: %q %v", last, err)
	}
}

func TestSyncVisitsKindsInDependencyOrder(t *testing.T) {
	env := newSchedEnv(t, SchedulerConfig{StatusReset: time.Hour})

	if err := env.sched.SyncNow(context.Background()); err != nil {
		t.Fatalf("sync: %v", err)
	}
	kinds := env.kindLog()
	if len(kinds) != len(SyncOrder) {
		t.Fatalf("expected %d kinds, got %d", len(SyncOrder), len(kinds))
	}
	for i, kind := range SyncOrder {
		if kinds[i] != kind {
			t.Fatalf("kind %d: expected %s, got %s", i, kind, kinds[i])
		}
	}
}

func TestSyncFailureKeepsEarlierKinds(t *testing.T) {
	ctx := context.Background()
	env := newSchedEnv(t, SchedulerConfig{StatusReset: time.Hour})

	pet := testPet()
	rec, err := testCodec(t).Encode(pet)
	if err != nil {
		t.Fatal(err)
	}
	env.remote.putPrivate(rec)
	env.remote.failKind = KindCareLog // pet merges first, then the pass dies

	if err := env.sched.SyncNow(ctx); err == nil {
		t.Fatal("expected pass failure")
	}
	if got := env.sched.Phase(); got != PhaseFailed {
		t.Fatalf("expected Failed, got %q", got)
	}

	// The pet kind, visited before the failure, stays merged.
	if _, err := env.store.Get(ctx, KindPet, pet.ID); err != nil {
		t.Fatalf("earlier kind must stay merged: %v", err)
	}
	// The pass never reached the timestamp write.
	last, _ := env.store.GetState(ctx, "last_synced_at", "")
	if last != "" {
		t.Fatalf("failed pass must not record last_synced_at: %q", last)
	}
}

func TestTriggerSyncRejectsOverlap(t *testing.T) {
	env := newSchedEnv(t, SchedulerConfig{StatusReset: time.Hour})

	// Block the pass inside the store's List.
	gate := make(chan struct{})
	env.store.mu.Lock()
	env.store.listGate = gate
	env.store.mu.Unlock()

	if !env.sched.TriggerSync(context.Background()) {
		t.Fatal("first trigger must start")
	}
	if got := env.sched.Phase(); got != PhaseSyncing {
		t.Fatalf("trigger must move the phase to Syncing, got %q", got)
	}

	if env.sched.TriggerSync(context.Background()) {
		t.Fatal("overlapping trigger must be refused")
	}
	if err := env.sched.SyncNow(context.Background()); !errors.Is(err, ErrSyncActive) {
		t.Fatalf("SyncNow during a pass must be ErrSyncActive, got %v", err)
	}
	if got := env.sched.Phase(); got != PhaseSyncing {
		t.Fatalf("refused trigger must leave the phase alone, got %q", got)
	}

	close(gate)
	waitForPhase(t, env.sched, PhaseCompleted)
}

func TestPhaseAutoRevertsToIdle(t *testing.T) {
	env := newSchedEnv(t, SchedulerConfig{StatusReset: 20 * time.Millisecond})

	if err := env.sched.SyncNow(context.Background()); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if got := env.sched.Phase(); got != PhaseCompleted {
		t.Fatalf("expected Completed right after the pass, got %q", got)
	}
	waitForPhase(t, env.sched, PhaseIdle)

	want := []SyncPhase{PhaseSyncing, PhaseCompleted, PhaseIdle}
	phases := env.phaseLog()
	if len(phases) != len(want) {
		t.Fatalf("phase transitions: %v", phases)
	}
	for i, p := range want {
		if phases[i] != p {
			t.Fatalf("transition %d: expected %s, got %v", i, p, phases)
		}
	}
}

func TestStaleAutoRevertDoesNotClobberNewPass(t *testing.T) {
	env := newSchedEnv(t, SchedulerConfig{StatusReset: 20 * time.Millisecond})

	if err := env.sched.SyncNow(context.Background()); err != nil {
		t.Fatalf("first sync: %v", err)
	}

	// Start a second pass and hold it in Syncing across the first
	// pass's revert deadline.
	gate := make(chan struct{})
	env.store.mu.Lock()
	env.store.listGate = gate
	env.store.mu.Unlock()
	if !env.sched.TriggerSync(context.Background()) {
		t.Fatal("second pass must start")
	}

	time.Sleep(50 * time.Millisecond) // first pass's timer fires in here
	if got := env.sched.Phase(); got != PhaseSyncing {
		t.Fatalf("stale revert clobbered an active pass: %q", got)
	}

	close(gate)
	waitForPhase(t, env.sched, PhaseCompleted)
	waitForPhase(t, env.sched, PhaseIdle)
}

func TestRunStopsOnCancel(t *testing.T) {
	env := newSchedEnv(t, SchedulerConfig{Interval: 10 * time.Millisecond, StatusReset: time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		env.sched.Run(ctx)
		close(done)
	}()

	// Let at least the immediate first pass run.
	deadline := time.Now().Add(2 * time.Second)
	for len(env.kindLog()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("no pass ever ran")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop on cancel")
	}
}
