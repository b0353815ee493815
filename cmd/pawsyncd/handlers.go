// ABOUTME: HTTP handlers for the pawsyncd record store.
// ABOUTME: Implements the private/shared partition contract and share accept.
package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/harperreed/pawsync/petsync"
)

// recordPayload mirrors the client's wire shape for one record.
type recordPayload struct {
	Kind     petsync.RecordKind `json:"kind"`
	RecordID string             `json:"record_id"`
	Fields   map[string]any     `json:"fields"`
}

func (p recordPayload) wire() (petsync.WireRecord, error) {
	id, err := petsync.ParseRecordID(p.RecordID)
	if err != nil {
		return petsync.WireRecord{}, err
	}
	if p.Kind == "" {
		return petsync.WireRecord{}, fmt.Errorf("record kind required")
	}
	return petsync.WireRecord{Kind: p.Kind, ID: id, Fields: p.Fields}, nil
}

func toPayload(rec storedRecord) recordPayload {
	return recordPayload{Kind: rec.Kind, RecordID: rec.ID.String(), Fields: rec.Fields}
}

// server bundles state for pawsyncd handlers.
type server struct {
	store    *serverStore
	log      *zap.Logger
	tokens   map[string]string // bearer token -> identity
	shareKey []byte
	limiters *rateLimiterStore
}

func (s *server) routes() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	r.Group(func(r chi.Router) {
		r.Use(s.withAuth)
		r.Use(s.withRateLimit)

		r.Post("/v1/db/private/records", s.handleSave)
		r.Post("/v1/db/private/batch", s.handleBatch)
		r.Get("/v1/db/{partition}/records/{zone}/{name}", s.handleGet)
		r.Delete("/v1/db/private/records/{zone}/{name}", s.handleDelete)
		r.Post("/v1/db/{partition}/query", s.handleQuery)
		r.Post("/v1/share/accept", s.handleAccept)
	})
	return r
}

func (s *server) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		const prefix = "Bearer "
		auth := r.Header.Get("Authorization")
		if len(auth) <= len(prefix) || auth[:len(prefix)] != prefix {
			fail(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		identity, ok := s.tokens[auth[len(prefix):]]
		if !ok {
			fail(w, http.StatusUnauthorized, "unknown token")
			return
		}
		ctx := contextWithIdentity(r.Context(), identity)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *server) withRateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity := identityFrom(r)
		if !s.limiters.get(identity).Allow() {
			fail(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *server) handleSave(w http.ResponseWriter, r *http.Request) {
	var payload recordPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		fail(w, http.StatusBadRequest, "malformed record")
		return
	}
	rec, err := payload.wire()
	if err != nil {
		fail(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.store.save(r.Context(), identityFrom(r), rec); err != nil {
		s.log.Error("save failed", zap.Error(err))
		fail(w, http.StatusInternalServerError, "save failed")
		return
	}
	ok(w, map[string]string{"record_id": rec.ID.String()})
}

func (s *server) handleBatch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Records []recordPayload `json:"records"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		fail(w, http.StatusBadRequest, "malformed batch")
		return
	}
	recs := make([]petsync.WireRecord, 0, len(req.Records))
	for _, payload := range req.Records {
		rec, err := payload.wire()
		if err != nil {
			fail(w, http.StatusBadRequest, err.Error())
			return
		}
		recs = append(recs, rec)
	}
	if err := s.store.saveBatch(r.Context(), identityFrom(r), recs); err != nil {
		s.log.Error("batch save failed", zap.Error(err))
		fail(w, http.StatusInternalServerError, "batch save failed")
		return
	}
	ok(w, map[string]int{"saved": len(recs)})
}

func (s *server) handleGet(w http.ResponseWriter, r *http.Request) {
	id := petsync.RecordID{Zone: chi.URLParam(r, "zone"), Name: chi.URLParam(r, "name")}
	identity := identityFrom(r)

	var rec storedRecord
	var found bool
	var err error
	switch chi.URLParam(r, "partition") {
	case "private":
		rec, found, err = s.store.get(r.Context(), identity, id)
	case "shared":
		rec, found, err = s.store.getShared(r.Context(), identity, id)
	default:
		fail(w, http.StatusBadRequest, "unknown partition")
		return
	}
	if err != nil {
		s.log.Error("fetch failed", zap.Error(err))
		fail(w, http.StatusInternalServerError, "fetch failed")
		return
	}
	if !found {
		fail(w, http.StatusNotFound, "record not found")
		return
	}
	ok(w, toPayload(rec))
}

func (s *server) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := petsync.RecordID{Zone: chi.URLParam(r, "zone"), Name: chi.URLParam(r, "name")}
	found, err := s.store.delete(r.Context(), identityFrom(r), id)
	if err != nil {
		s.log.Error("delete failed", zap.Error(err))
		fail(w, http.StatusInternalServerError, "delete failed")
		return
	}
	if !found {
		fail(w, http.StatusNotFound, "record not found")
		return
	}
	ok(w, map[string]bool{"deleted": true})
}

func (s *server) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Kind    petsync.RecordKind `json:"kind"`
		Filter  map[string]any     `json:"filter,omitempty"`
		OrderBy string             `json:"order_by,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		fail(w, http.StatusBadRequest, "malformed query")
		return
	}
	identity := identityFrom(r)

	var recs []storedRecord
	var err error
	switch chi.URLParam(r, "partition") {
	case "private":
		recs, err = s.store.queryPrivate(r.Context(), identity, req.Kind)
	case "shared":
		recs, err = s.store.queryShared(r.Context(), identity, req.Kind)
	default:
		fail(w, http.StatusBadRequest, "unknown partition")
		return
	}
	if err != nil {
		s.log.Error("query failed", zap.Error(err))
		fail(w, http.StatusInternalServerError, "query failed")
		return
	}

	matched := recs[:0]
	for _, rec := range recs {
		if matchesFilter(rec.Fields, req.Filter) {
			matched = append(matched, rec)
		}
	}
	if req.OrderBy != "" {
		sortByField(matched, req.OrderBy)
	}

	out := struct {
		Records []recordPayload `json:"records"`
	}{Records: make([]recordPayload, 0, len(matched))}
	for _, rec := range matched {
		out.Records = append(out.Records, toPayload(rec))
	}
	ok(w, out)
}

func matchesFilter(fields, filter map[string]any) bool {
	for k, want := range filter {
		if fields[k] != want {
			return false
		}
	}
	return true
}

// sortByField orders records by a string field ascending. RFC 3339
// timestamps sort correctly as strings.
func sortByField(recs []storedRecord, field string) {
	sort.SliceStable(recs, func(i, j int) bool {
		a, _ := recs[i].Fields[field].(string)
		b, _ := recs[j].Fields[field].(string)
		return a < b
	})
}

func (s *server) handleAccept(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token       string         `json:"token"`
		Participant map[string]any `json:"participant"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		fail(w, http.StatusBadRequest, "malformed accept request")
		return
	}

	claims := jwt.MapClaims{}
	if _, err := jwt.ParseWithClaims(req.Token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.shareKey, nil
	}); err != nil {
		fail(w, http.StatusBadRequest, "invalid share token")
		return
	}
	tokenID, _ := claims["tid"].(string)
	petID, _ := claims["pet"].(string)
	if tokenID == "" || petID == "" {
		fail(w, http.StatusBadRequest, "share token missing claims")
		return
	}

	token, found, err := s.store.findShareToken(r.Context(), petID, tokenID)
	if err != nil {
		s.log.Error("share lookup failed", zap.Error(err))
		fail(w, http.StatusInternalServerError, "share lookup failed")
		return
	}
	if !found {
		fail(w, http.StatusNotFound, "share token not found")
		return
	}

	if err := s.store.addParticipant(r.Context(), token, req.Participant); err != nil {
		s.log.Error("accept failed", zap.Error(err))
		fail(w, http.StatusInternalServerError, "accept failed")
		return
	}
	ok(w, map[string]bool{"accepted": true})
}

func ok(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func fail(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
