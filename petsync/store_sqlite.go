// ABOUTME: Local entity store with a serialized write path and upload outbox.
// ABOUTME: SQLite-backed; all mutations funnel through one writer lock.
package petsync

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	_ "modernc.org/sqlite"
)

// LocalStore is the persistence boundary consumed by the merge engine
// and the sharing manager. Implementations must serialize writes.
type LocalStore interface {
	Get(ctx context.Context, kind RecordKind, id string) (Entity, error)
	Put(ctx context.Context, e Entity) error
	Delete(ctx context.Context, kind RecordKind, id string) error
	List(ctx context.Context, kind RecordKind) ([]Entity, error)
	ListByPet(ctx context.Context, kind RecordKind, petID string) ([]Entity, error)

	EnqueueUpload(ctx context.Context, kind RecordKind, id string) (string, error)
	DequeueUploads(ctx context.Context, limit int) ([]UploadItem, error)
	AckUpload(ctx context.Context, changeID string) error
	PendingUploads(ctx context.Context) (int, error)
	SetRemoteID(ctx context.Context, kind RecordKind, id, remoteID string) error

	GetState(ctx context.Context, key, def string) (string, error)
	SetState(ctx context.Context, key, val string) error
}

// UploadItem is a queued local-only entity awaiting remote persist.
type UploadItem struct {
	ChangeID string
	Kind     RecordKind
	EntityID string
}

// Store persists entities, the upload outbox, and sync state locally.
type Store struct {
	db *sql.DB

	// Single serialized write path: merge application, UI mutations,
	// and upload-completion callbacks all take this lock. Reads go
	// straight to SQLite, which snapshots consistently.
	wmu sync.Mutex
}

var _ LocalStore = (*Store)(nil)

// OpenStore opens/creates a SQLite database and runs migrations.
func OpenStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
CREATE TABLE IF NOT EXISTS entities (
  kind TEXT NOT NULL,
  id TEXT NOT NULL,
  pet_id TEXT NOT NULL DEFAULT '',
  updated_at INTEGER NOT NULL,
  remote_id TEXT NOT NULL DEFAULT '',
  body TEXT NOT NULL,
  PRIMARY KEY (kind, id)
);

CREATE INDEX IF NOT EXISTS idx_entities_pet ON entities(kind, pet_id);

CREATE TABLE IF NOT EXISTS upload_queue (
  change_id TEXT PRIMARY KEY,
  kind TEXT NOT NULL,
  entity_id TEXT NOT NULL,
  queued_at INTEGER NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_upload_entity ON upload_queue(kind, entity_id);

CREATE TABLE IF NOT EXISTS sync_state (
  k TEXT PRIMARY KEY,
  v TEXT NOT NULL
);
`)
	return err
}

// owningPetID returns the pet FK for dependent entities, "" for roots.
func owningPetID(e Entity) string {
	switch v := e.(type) {
	case *CareLog:
		return v.PetID
	case *CareSchedule:
		return v.PetID
	case *FeedingLog:
		return v.PetID
	case *HealthLog:
		return v.PetID
	case *Vaccination:
		return v.PetID
	case *WeightLog:
		return v.PetID
	}
	return ""
}

// Get loads one entity. Returns ErrNotFound when absent.
func (s *Store) Get(ctx context.Context, kind RecordKind, id string) (Entity, error) {
	var body string
	err := s.db.QueryRowContext(ctx,
		`SELECT body FROM entities WHERE kind=? AND id=?`, string(kind), id).Scan(&body)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return decodeStored(kind, body)
}

func decodeStored(kind RecordKind, body string) (Entity, error) {
	e := newEntity(kind)
	if e == nil {
		return nil, fmt.Errorf("%w: unknown entity kind %q", ErrConversion, kind)
	}
	if err := json.Unmarshal([]byte(body), e); err != nil {
		return nil, err
	}
	return e, nil
}

// Put inserts or replaces an entity row.
func (s *Store) Put(ctx context.Context, e Entity) error {
	if e.EntityID() == "" {
		return fmt.Errorf("%w: entity id required", ErrValidation)
	}
	body, err := json.Marshal(e)
	if err != nil {
		return err
	}

	s.wmu.Lock()
	defer s.wmu.Unlock()
	_, err = s.db.ExecContext(ctx, `
INSERT INTO entities(kind, id, pet_id, updated_at, remote_id, body)
VALUES(?,?,?,?,?,?)
ON CONFLICT(kind, id) DO UPDATE SET
  pet_id=excluded.pet_id,
  updated_at=excluded.updated_at,
  remote_id=excluded.remote_id,
  body=excluded.body`,
		string(e.Kind()), e.EntityID(), owningPetID(e),
		e.ModTime().UTC().UnixNano(), e.RemoteID(), string(body),
	)
	return err
}

// Delete removes an entity row. Deleting an absent row is a no-op.
func (s *Store) Delete(ctx context.Context, kind RecordKind, id string) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM entities WHERE kind=? AND id=?`, string(kind), id)
	return err
}

// List returns all entities of one kind, oldest updated first.
func (s *Store) List(ctx context.Context, kind RecordKind) ([]Entity, error) {
	return s.list(ctx, `SELECT kind, body FROM entities WHERE kind=? ORDER BY updated_at ASC`, string(kind))
}

// ListByPet returns dependents of one pet.
func (s *Store) ListByPet(ctx context.Context, kind RecordKind, petID string) ([]Entity, error) {
	return s.list(ctx, `SELECT kind, body FROM entities WHERE kind=? AND pet_id=? ORDER BY updated_at ASC`, string(kind), petID)
}

func (s *Store) list(ctx context.Context, q string, args ...any) ([]Entity, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = rows.Close()
	}()

	var out []Entity
	for rows.Next() {
		var kind, body string
		if err := rows.Scan(&kind, &body); err != nil {
			return nil, err
		}
		e, err := decodeStored(RecordKind(kind), body)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// EnqueueUpload queues a local entity for remote persist and returns
// the change id. Re-queueing the same entity is harmless.
func (s *Store) EnqueueUpload(ctx context.Context, kind RecordKind, id string) (string, error) {
	changeID := ulid.Make().String()
	s.wmu.Lock()
	defer s.wmu.Unlock()
	_, err := s.db.ExecContext(ctx, `
INSERT OR IGNORE INTO upload_queue(change_id, kind, entity_id, queued_at)
VALUES(?,?,?,?)`,
		changeID, string(kind), id, time.Now().UTC().UnixNano(),
	)
	return changeID, err
}

// DequeueUploads returns queued uploads up to limit, oldest first.
func (s *Store) DequeueUploads(ctx context.Context, limit int) ([]UploadItem, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT change_id, kind, entity_id FROM upload_queue ORDER BY queued_at ASC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = rows.Close()
	}()

	var items []UploadItem
	for rows.Next() {
		var it UploadItem
		var kind string
		if err := rows.Scan(&it.ChangeID, &kind, &it.EntityID); err != nil {
			return nil, err
		}
		it.Kind = RecordKind(kind)
		items = append(items, it)
	}
	return items, rows.Err()
}

// AckUpload removes a completed upload from the queue.
func (s *Store) AckUpload(ctx context.Context, changeID string) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	_, err := s.db.ExecContext(ctx, `DELETE FROM upload_queue WHERE change_id=?`, changeID)
	return err
}

// SetRemoteID records the remote key after first successful persist.
// It deliberately leaves updatedAt alone: assigning the key is not a
// user mutation and must not win merge comparisons.
func (s *Store) SetRemoteID(ctx context.Context, kind RecordKind, id, remoteID string) error {
	e, err := s.Get(ctx, kind, id)
	if err != nil {
		return err
	}
	e.SetRemoteID(remoteID)
	body, err := json.Marshal(e)
	if err != nil {
		return err
	}

	s.wmu.Lock()
	defer s.wmu.Unlock()
	_, err = s.db.ExecContext(ctx,
		`UPDATE entities SET remote_id=?, body=? WHERE kind=? AND id=?`,
		remoteID, string(body), string(kind), id)
	return err
}

// GetState fetches sync metadata with default fallback.
func (s *Store) GetState(ctx context.Context, key, def string) (string, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT v FROM sync_state WHERE k = ?`, key).Scan(&v)
	if err == sql.ErrNoRows {
		return def, nil
	}
	return v, err
}

// SetState updates sync metadata.
func (s *Store) SetState(ctx context.Context, key, val string) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	_, err := s.db.ExecContext(ctx, `
INSERT INTO sync_state(k,v) VALUES(?,?)
ON CONFLICT(k) DO UPDATE SET v=excluded.v`, key, val)
	return err
}

// PendingUploads returns the number of entities waiting to upload.
func (s *Store) PendingUploads(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM upload_queue`).Scan(&count)
	return count, err
}

// SyncStatus contains current local sync state.
type SyncStatus struct {
	PendingUploads int
	LastSyncedAt   time.Time
}

// SyncStatus returns current local sync state.
func (s *Store) SyncStatus(ctx context.Context) (SyncStatus, error) {
	pending, err := s.PendingUploads(ctx)
	if err != nil {
		return SyncStatus{}, err
	}

	at, err := s.GetState(ctx, "last_synced_at", "")
	if err != nil {
		return SyncStatus{}, err
	}

	st := SyncStatus{PendingUploads: pending}
	if at != "" {
		if t, err := time.Parse(time.RFC3339Nano, at); err == nil {
			st.LastSyncedAt = t
		}
	}
	return st, nil
}
