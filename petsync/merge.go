// ABOUTME: Merge Engine: reconciles a local collection against a remote snapshot.
// ABOUTME: Last-write-wins with identity-aware exceptions; local-only items upload.
package petsync

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// MergeStats summarizes one reconcile pass for logging.
type MergeStats struct {
	Applied       int // remote newer, applied over local
	Inserted      int // remote with no local match
	Skipped       int // local newer or tied, kept
	Stale         int // previously synced local missing remotely, untouched
	UploadsQueued int // local-only items queued for upload
	ItemErrors    int // records that failed hydration
}

// Merger reconciles local state for one entity kind at a time against
// freshly fetched remote snapshots.
type Merger struct {
	store  LocalStore
	client *Client
	codec  *Codec
	log    *zap.Logger

	notifier Notifier

	mu       sync.Mutex
	inFlight map[RecordKind]bool
	pushing  bool
}

// WithNotifier sets the alert collaborator for newly arriving care
// schedules. Returns the merger for chaining at construction time.
func (m *Merger) WithNotifier(n Notifier) *Merger {
	m.notifier = n
	return m
}

// NewMerger wires the merge engine to its collaborators.
func NewMerger(store LocalStore, client *Client, codec *Codec, log *zap.Logger) *Merger {
	if log == nil {
		log = zap.NewNop()
	}
	return &Merger{
		store:    store,
		client:   client,
		codec:    codec,
		log:      log,
		inFlight: make(map[RecordKind]bool),
	}
}

func (m *Merger) acquire(kind RecordKind) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.inFlight[kind] {
		return false
	}
	m.inFlight[kind] = true
	return true
}

func (m *Merger) release(kind RecordKind) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.inFlight, kind)
}

// carryLocalOnly forwards fields that generic merge must never
// overwrite: a profile's current-user mark and a pet's sharing state.
func carryLocalOnly(local, remote Entity) {
	switch r := remote.(type) {
	case *UserProfile:
		if l, ok := local.(*UserProfile); ok {
			r.IsCurrentUser = l.IsCurrentUser
		}
	case *Pet:
		if l, ok := local.(*Pet); ok {
			r.ShareState = l.ShareState
			r.Participants = l.Participants
		}
	}
}

// insertDefaults clears ownership marks on entities arriving from other
// devices: a remote profile is never the local current user.
func insertDefaults(remote Entity) {
	if p, ok := remote.(*UserProfile); ok {
		p.IsCurrentUser = false
	}
}

// Reconcile merges one remote snapshot into the local store.
// Passes for the same kind are mutually exclusive; a second concurrent
// call returns ErrMergeInFlight. Different kinds may run concurrently;
// the store serializes their writes.
func (m *Merger) Reconcile(ctx context.Context, kind RecordKind, snapshot []WireRecord) (MergeStats, error) {
	if !m.acquire(kind) {
		return MergeStats{}, ErrMergeInFlight
	}
	defer m.release(kind)

	var stats MergeStats

	remotes, itemErrs, err := HydrateRecords(ctx, m.codec, snapshot)
	if err != nil {
		return stats, err
	}
	stats.ItemErrors = len(itemErrs)
	for _, ie := range itemErrs {
		m.log.Warn("skipping malformed remote record", zap.String("kind", string(kind)), zap.Error(ie))
	}

	locals, err := m.store.List(ctx, kind)
	if err != nil {
		return stats, err
	}
	localByID := make(map[string]Entity, len(locals))
	for _, l := range locals {
		localByID[l.EntityID()] = l
	}

	remoteIDs := make(map[string]struct{}, len(remotes))
	for _, r := range remotes {
		remoteIDs[r.EntityID()] = struct{}{}

		l, exists := localByID[r.EntityID()]
		if !exists {
			insertDefaults(r)
			if err := m.store.Put(ctx, r); err != nil {
				return stats, err
			}
			stats.Inserted++
			m.alertForSchedule(r)
			continue
		}

		// Strict comparison: ties keep the local copy.
		if !r.ModTime().After(l.ModTime()) {
			stats.Skipped++
			continue
		}
		carryLocalOnly(l, r)
		if err := m.store.Put(ctx, r); err != nil {
			return stats, err
		}
		stats.Applied++
	}

	for _, l := range locals {
		if _, matched := remoteIDs[l.EntityID()]; matched {
			continue
		}
		if l.RemoteID() != "" {
			// Previously synced, now missing remotely. Treated as a
			// stale cache; no tombstone handling here.
			stats.Stale++
			continue
		}
		if _, err := m.store.EnqueueUpload(ctx, kind, l.EntityID()); err != nil {
			return stats, err
		}
		stats.UploadsQueued++
	}

	// Drain whenever the outbox holds anything, not just what this pass
	// queued: items enqueued between passes (an unshare's root
	// re-upload, a failed earlier drain) must not wait forever.
	pending := stats.UploadsQueued
	if pending == 0 {
		if n, err := m.store.PendingUploads(ctx); err == nil {
			pending = n
		}
	}
	if pending > 0 {
		m.schedulePush(ctx)
	}

	m.log.Debug("merge pass complete",
		zap.String("kind", string(kind)),
		zap.Int("applied", stats.Applied),
		zap.Int("inserted", stats.Inserted),
		zap.Int("skipped", stats.Skipped),
		zap.Int("uploads_queued", stats.UploadsQueued),
	)
	return stats, nil
}

// alertForSchedule hands an open, future care schedule to the
// notification collaborator. Fire-and-forget: never awaited.
func (m *Merger) alertForSchedule(e Entity) {
	if m.notifier == nil {
		return
	}
	cs, ok := e.(*CareSchedule)
	if !ok || cs.IsCompleted || !cs.ScheduledDate.After(time.Now()) {
		return
	}
	m.notifier.ScheduleAlert(cs.PetID, cs.Type, cs.ScheduledDate)
}

// schedulePush starts an asynchronous outbox drain. Merge passes never
// block on upload completion; at most one drain runs at a time.
func (m *Merger) schedulePush(ctx context.Context) {
	m.mu.Lock()
	if m.pushing || m.client == nil || !m.client.Configured() {
		m.mu.Unlock()
		return
	}
	m.pushing = true
	m.mu.Unlock()

	// Outlive the merge pass that scheduled us.
	bg := context.WithoutCancel(ctx)
	go func() {
		defer func() {
			m.mu.Lock()
			m.pushing = false
			m.mu.Unlock()
		}()
		if err := m.PushUploads(bg); err != nil {
			m.log.Warn("upload drain failed", zap.Error(err))
		}
	}()
}

// PushUploads drains the upload outbox: each queued entity is encoded,
// saved to the private partition, and its remote record id written back
// through the store's serialized path. Each item's outcome is terminal;
// a failed item stays queued for the next drain.
func (m *Merger) PushUploads(ctx context.Context) error {
	for {
		items, err := m.store.DequeueUploads(ctx, 200)
		if err != nil {
			return err
		}
		if len(items) == 0 {
			return nil
		}

		progressed := false
		for _, it := range items {
			if err := m.pushOne(ctx, it); err != nil {
				m.log.Warn("upload failed, leaving queued",
					zap.String("kind", string(it.Kind)),
					zap.String("entity", it.EntityID),
					zap.Error(err),
				)
				continue
			}
			progressed = true
		}
		if !progressed {
			// Nothing moved; bail rather than spin on a dead remote.
			return nil
		}
	}
}

func (m *Merger) pushOne(ctx context.Context, it UploadItem) error {
	e, err := m.store.Get(ctx, it.Kind, it.EntityID)
	if IsNotFound(err) {
		// Deleted locally before it ever uploaded; drop the queue entry.
		return m.store.AckUpload(ctx, it.ChangeID)
	}
	if err != nil {
		return err
	}

	rec, err := m.codec.Encode(e)
	if err != nil {
		return err
	}
	rid, err := m.client.Save(ctx, rec)
	if err != nil {
		return err
	}
	if e.RemoteID() == "" {
		if err := m.store.SetRemoteID(ctx, it.Kind, it.EntityID, rid.String()); err != nil {
			return err
		}
	}
	return m.store.AckUpload(ctx, it.ChangeID)
}
