// ABOUTME: Server-side record store: per-owner private records plus share grants.
// ABOUTME: SQLite-backed; the shared partition is a view through accepted grants.
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/harperreed/pawsync/petsync"
)

// storedRecord is one row of the records table, decoded.
type storedRecord struct {
	Owner  string
	Kind   petsync.RecordKind
	ID     petsync.RecordID
	Fields map[string]any
}

func (r storedRecord) wire() petsync.WireRecord {
	return petsync.WireRecord{Kind: r.Kind, ID: r.ID, Fields: r.Fields}
}

// petOf resolves which pet aggregate a record belongs to, for grant
// checks. Pet roots and share tokens are named by the pet id; dependents
// carry a petId field.
func (r storedRecord) petOf() string {
	if r.ID.Zone == petsync.PetZone || r.ID.Zone == petsync.ShareZone {
		return r.ID.Name
	}
	if petID, ok := r.Fields["petId"].(string); ok {
		return petID
	}
	return ""
}

// serverStore persists records and share grants.
type serverStore struct {
	db *sql.DB
}

func openServerStore(path string) (*serverStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	s := &serverStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *serverStore) Close() error { return s.db.Close() }

func (s *serverStore) migrate() error {
	_, err := s.db.Exec(`
CREATE TABLE IF NOT EXISTS records (
  owner TEXT NOT NULL,
  zone TEXT NOT NULL,
  name TEXT NOT NULL,
  kind TEXT NOT NULL,
  fields TEXT NOT NULL,
  saved_at INTEGER NOT NULL,
  PRIMARY KEY(owner, zone, name)
);

CREATE INDEX IF NOT EXISTS idx_records_kind ON records(kind);

CREATE TABLE IF NOT EXISTS grants (
  identity TEXT NOT NULL,
  owner TEXT NOT NULL,
  pet_id TEXT NOT NULL,
  granted_at INTEGER NOT NULL,
  PRIMARY KEY(identity, owner, pet_id)
);
`)
	return err
}

func (s *serverStore) save(ctx context.Context, owner string, rec petsync.WireRecord) error {
	fields, err := json.Marshal(rec.Fields)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO records(owner, zone, name, kind, fields, saved_at)
VALUES(?,?,?,?,?,?)
ON CONFLICT(owner, zone, name) DO UPDATE SET
  kind=excluded.kind, fields=excluded.fields, saved_at=excluded.saved_at`,
		owner, rec.ID.Zone, rec.ID.Name, string(rec.Kind), string(fields),
		time.Now().UTC().UnixNano(),
	)
	return err
}

// saveBatch persists all records in one transaction: all or nothing.
func (s *serverStore) saveBatch(ctx context.Context, owner string, recs []petsync.WireRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	stmt, err := tx.PrepareContext(ctx, `
INSERT INTO records(owner, zone, name, kind, fields, saved_at)
VALUES(?,?,?,?,?,?)
ON CONFLICT(owner, zone, name) DO UPDATE SET
  kind=excluded.kind, fields=excluded.fields, saved_at=excluded.saved_at`)
	if err != nil {
		return err
	}
	defer func() {
		_ = stmt.Close()
	}()

	now := time.Now().UTC().UnixNano()
	for _, rec := range recs {
		fields, err := json.Marshal(rec.Fields)
		if err != nil {
			return err
		}
		if _, err := stmt.ExecContext(ctx, owner, rec.ID.Zone, rec.ID.Name,
			string(rec.Kind), string(fields), now); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *serverStore) get(ctx context.Context, owner string, id petsync.RecordID) (storedRecord, bool, error) {
	var kind, fields string
	err := s.db.QueryRowContext(ctx,
		`SELECT kind, fields FROM records WHERE owner=? AND zone=? AND name=?`,
		owner, id.Zone, id.Name).Scan(&kind, &fields)
	if err == sql.ErrNoRows {
		return storedRecord{}, false, nil
	}
	if err != nil {
		return storedRecord{}, false, err
	}
	rec := storedRecord{Owner: owner, Kind: petsync.RecordKind(kind), ID: id}
	if err := json.Unmarshal([]byte(fields), &rec.Fields); err != nil {
		return storedRecord{}, false, err
	}
	return rec, true, nil
}

// delete removes a record; reports whether a row existed. Dropping a
// share token also revokes every grant issued through it, in the same
// transaction, so removed participants lose shared visibility at once.
func (s *serverStore) delete(ctx context.Context, owner string, id petsync.RecordID) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	res, err := tx.ExecContext(ctx,
		`DELETE FROM records WHERE owner=? AND zone=? AND name=?`,
		owner, id.Zone, id.Name)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if id.Zone == petsync.ShareZone {
		if err := s.revokeGrants(ctx, tx, owner, id.Name); err != nil {
			return false, err
		}
	}
	return n > 0, tx.Commit()
}

// revokeGrants drops all grants for one pet aggregate.
func (s *serverStore) revokeGrants(ctx context.Context, tx *sql.Tx, owner, petID string) error {
	_, err := tx.ExecContext(ctx,
		`DELETE FROM grants WHERE owner=? AND pet_id=?`, owner, petID)
	return err
}

func (s *serverStore) scan(ctx context.Context, q string, args ...any) ([]storedRecord, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = rows.Close()
	}()

	var out []storedRecord
	for rows.Next() {
		var rec storedRecord
		var kind, fields string
		if err := rows.Scan(&rec.Owner, &rec.ID.Zone, &rec.ID.Name, &kind, &fields); err != nil {
			return nil, err
		}
		rec.Kind = petsync.RecordKind(kind)
		if err := json.Unmarshal([]byte(fields), &rec.Fields); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// queryPrivate returns the owner's records of one kind.
func (s *serverStore) queryPrivate(ctx context.Context, owner string, kind petsync.RecordKind) ([]storedRecord, error) {
	return s.scan(ctx, `
SELECT owner, zone, name, kind, fields FROM records
WHERE owner=? AND kind=? ORDER BY saved_at ASC`, owner, string(kind))
}

// queryShared returns records of one kind that identity can see through
// accepted grants: records owned by others, belonging to granted pets.
func (s *serverStore) queryShared(ctx context.Context, identity string, kind petsync.RecordKind) ([]storedRecord, error) {
	grants, err := s.grantsFor(ctx, identity)
	if err != nil {
		return nil, err
	}
	if len(grants) == 0 {
		return nil, nil
	}

	recs, err := s.scan(ctx, `
SELECT owner, zone, name, kind, fields FROM records
WHERE kind=? ORDER BY saved_at ASC`, string(kind))
	if err != nil {
		return nil, err
	}

	var out []storedRecord
	for _, rec := range recs {
		if rec.Owner == identity {
			continue
		}
		pet := rec.petOf()
		if pet == "" {
			continue
		}
		if _, ok := grants[grantKey{rec.Owner, pet}]; ok {
			out = append(out, rec)
		}
	}
	return out, nil
}

// getShared fetches one record visible to identity through a grant.
func (s *serverStore) getShared(ctx context.Context, identity string, id petsync.RecordID) (storedRecord, bool, error) {
	recs, err := s.scan(ctx, `
SELECT owner, zone, name, kind, fields FROM records
WHERE zone=? AND name=?`, id.Zone, id.Name)
	if err != nil {
		return storedRecord{}, false, err
	}
	grants, err := s.grantsFor(ctx, identity)
	if err != nil {
		return storedRecord{}, false, err
	}
	for _, rec := range recs {
		if rec.Owner == identity {
			continue
		}
		if _, ok := grants[grantKey{rec.Owner, rec.petOf()}]; ok {
			return rec, true, nil
		}
	}
	return storedRecord{}, false, nil
}

type grantKey struct {
	owner string
	petID string
}

func (s *serverStore) grantsFor(ctx context.Context, identity string) (map[grantKey]struct{}, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT owner, pet_id FROM grants WHERE identity=?`, identity)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = rows.Close()
	}()

	out := make(map[grantKey]struct{})
	for rows.Next() {
		var k grantKey
		if err := rows.Scan(&k.owner, &k.petID); err != nil {
			return nil, err
		}
		out[k] = struct{}{}
	}
	return out, rows.Err()
}

func (s *serverStore) addGrant(ctx context.Context, identity, owner, petID string) error {
	_, err := s.db.ExecContext(ctx, `
INSERT OR IGNORE INTO grants(identity, owner, pet_id, granted_at)
VALUES(?,?,?,?)`, identity, owner, petID, time.Now().UTC().UnixNano())
	return err
}

// findShareToken locates the token record for a pet across all owners.
func (s *serverStore) findShareToken(ctx context.Context, petID, tokenID string) (storedRecord, bool, error) {
	recs, err := s.scan(ctx, `
SELECT owner, zone, name, kind, fields FROM records
WHERE zone=? AND name=?`, petsync.ShareZone, petID)
	if err != nil {
		return storedRecord{}, false, err
	}
	for _, rec := range recs {
		if id, ok := rec.Fields["id"].(string); ok && id == tokenID {
			return rec, true, nil
		}
	}
	return storedRecord{}, false, nil
}

// addParticipant appends identity to the token record's participant
// list (dedupe by identity) and records the grant. Idempotent.
func (s *serverStore) addParticipant(ctx context.Context, token storedRecord, participant map[string]any) error {
	identity, _ := participant["identity"].(string)
	if identity == "" {
		return fmt.Errorf("participant identity required")
	}

	var participants []map[string]any
	if raw, ok := token.Fields["participants"].(string); ok && raw != "" {
		if err := json.Unmarshal([]byte(raw), &participants); err != nil {
			return err
		}
	}
	exists := false
	for _, p := range participants {
		if pid, _ := p["identity"].(string); pid == identity {
			exists = true
			break
		}
	}
	if !exists {
		participants = append(participants, participant)
		raw, err := json.Marshal(participants)
		if err != nil {
			return err
		}
		token.Fields["participants"] = string(raw)
		if err := s.save(ctx, token.Owner, token.wire()); err != nil {
			return err
		}
	}
	return s.addGrant(ctx, identity, token.Owner, token.ID.Name)
}
