// ABOUTME: Sync Scheduler: drives periodic and on-demand sync passes.
// ABOUTME: Observable state machine: Idle -> Syncing -> Completed/Failed -> Idle.
package petsync

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// SyncPhase is the scheduler's observable state.
type SyncPhase string

const (
	PhaseIdle      SyncPhase = "idle"
	PhaseSyncing   SyncPhase = "syncing"
	PhaseCompleted SyncPhase = "completed"
	PhaseFailed    SyncPhase = "failed"
)

// SchedulerEvents provides hooks for observability during sync passes.
type SchedulerEvents struct {
	OnPhase func(SyncPhase)                                 // called on every phase transition
	OnKind  func(kind RecordKind, stats MergeStats, err error) // called after each entity kind
}

// Scheduler runs full sync passes: every entity kind is queried and
// reconciled in dependency order, aggregate roots first.
type Scheduler struct {
	client *Client
	merger *Merger
	store  LocalStore
	cfg    SchedulerConfig
	log    *zap.Logger
	events *SchedulerEvents

	mu    sync.Mutex
	phase SyncPhase
	gen   int // pass generation; stale auto-reverts are dropped
}

// NewScheduler wires the scheduler to its collaborators. events may be nil.
func NewScheduler(client *Client, merger *Merger, store LocalStore, cfg SchedulerConfig, log *zap.Logger, events *SchedulerEvents) *Scheduler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Scheduler{
		client: client,
		merger: merger,
		store:  store,
		cfg:    cfg,
		log:    log,
		events: events,
		phase:  PhaseIdle,
	}
}

// Phase returns the current scheduler state.
func (s *Scheduler) Phase() SyncPhase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

func (s *Scheduler) notify(p SyncPhase) {
	if s.events != nil && s.events.OnPhase != nil {
		s.events.OnPhase(p)
	}
}

// begin transitions Idle/Completed/Failed -> Syncing. Returns false
// when a pass is already in flight: overlapping passes are forbidden.
func (s *Scheduler) begin() bool {
	s.mu.Lock()
	if s.phase == PhaseSyncing {
		s.mu.Unlock()
		return false
	}
	s.phase = PhaseSyncing
	s.gen++
	s.mu.Unlock()
	s.notify(PhaseSyncing)
	return true
}

// finish records the pass outcome and schedules the auto-revert to
// Idle, unless a newer pass has started by then.
func (s *Scheduler) finish(err error) {
	s.mu.Lock()
	if err != nil {
		s.phase = PhaseFailed
	} else {
		s.phase = PhaseCompleted
	}
	terminal := s.phase
	gen := s.gen
	s.mu.Unlock()
	s.notify(terminal)

	time.AfterFunc(s.cfg.statusReset(), func() {
		s.mu.Lock()
		if s.gen != gen || s.phase == PhaseSyncing {
			s.mu.Unlock()
			return
		}
		s.phase = PhaseIdle
		s.mu.Unlock()
		s.notify(PhaseIdle)
	})
}

// pass visits every entity kind in dependency order. The first
// fetch/merge failure fails the whole pass; kinds already merged stay
// merged.
func (s *Scheduler) pass(ctx context.Context) error {
	for _, kind := range SyncOrder {
		recs, err := s.client.Query(ctx, kind, nil, "updatedAt")
		if err != nil {
			s.log.Warn("sync pass failed on fetch", zap.String("kind", string(kind)), zap.Error(err))
			if s.events != nil && s.events.OnKind != nil {
				s.events.OnKind(kind, MergeStats{}, err)
			}
			return err
		}
		stats, err := s.merger.Reconcile(ctx, kind, recs)
		if s.events != nil && s.events.OnKind != nil {
			s.events.OnKind(kind, stats, err)
		}
		if err != nil {
			s.log.Warn("sync pass failed on merge", zap.String("kind", string(kind)), zap.Error(err))
			return err
		}
	}
	return s.store.SetState(ctx, "last_synced_at", time.Now().UTC().Format(time.RFC3339Nano))
}

// SyncNow runs one pass synchronously. Returns ErrSyncActive when a
// pass is already running.
func (s *Scheduler) SyncNow(ctx context.Context) error {
	if !s.begin() {
		return ErrSyncActive
	}
	err := s.pass(ctx)
	s.finish(err)
	return err
}

// TriggerSync starts an on-demand pass in the background. Returns false
// (no-op) when a pass is already in flight; the state stays Syncing and
// no second pass starts.
func (s *Scheduler) TriggerSync(ctx context.Context) bool {
	if !s.begin() {
		return false
	}
	go func() {
		s.finish(s.pass(ctx))
	}()
	return true
}

// Run drives periodic passes until ctx is cancelled. The first pass
// fires immediately.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.interval())
	defer ticker.Stop()

	runOnce := func() {
		if !s.begin() {
			return
		}
		s.finish(s.pass(ctx))
	}

	runOnce()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			runOnce()
		}
	}
}
