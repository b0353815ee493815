// ABOUTME: In-memory fake of the sync server contract for tests.
// ABOUTME: Two partition maps plus share-accept bookkeeping, with failure toggles.
package petsync

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/golang-jwt/jwt/v5"
)

type fakeRemote struct {
	mu       sync.Mutex
	private  map[string]recordJSON // keyed by "zone:name"
	shared   map[string]recordJSON
	accepted []Participant

	failPrivateQuery bool
	failSharedQuery  bool
	failBatch        bool
	failKind         RecordKind // queries for this kind return 500 in both partitions

	saves      int
	batchCalls int
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		private: make(map[string]recordJSON),
		shared:  make(map[string]recordJSON),
	}
}

func (f *fakeRemote) putPrivate(rec WireRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.private[rec.ID.String()] = toRecordJSON(rec)
}

func (f *fakeRemote) putShared(rec WireRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.shared[rec.ID.String()] = toRecordJSON(rec)
}

func (f *fakeRemote) savedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.saves
}

func (f *fakeRemote) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/db/private/records", f.handleSave)
	mux.HandleFunc("POST /v1/db/private/batch", f.handleBatch)
	mux.HandleFunc("GET /v1/db/{partition}/records/{zone}/{name}", f.handleGet)
	mux.HandleFunc("DELETE /v1/db/private/records/{zone}/{name}", f.handleDelete)
	mux.HandleFunc("POST /v1/db/{partition}/query", f.handleQuery)
	mux.HandleFunc("POST /v1/share/accept", f.handleAccept)
	return mux
}

func (f *fakeRemote) handleSave(w http.ResponseWriter, r *http.Request) {
	var rj recordJSON
	if err := json.NewDecoder(r.Body).Decode(&rj); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	f.mu.Lock()
	f.private[rj.RecordID] = rj
	f.saves++
	f.mu.Unlock()
	_ = json.NewEncoder(w).Encode(map[string]string{"record_id": rj.RecordID})
}

func (f *fakeRemote) handleBatch(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.batchCalls++
	failBatch := f.failBatch
	f.mu.Unlock()
	if failBatch {
		http.Error(w, "batch unavailable", http.StatusInternalServerError)
		return
	}
	var req struct {
		Records []recordJSON `json:"records"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	f.mu.Lock()
	for _, rj := range req.Records {
		f.private[rj.RecordID] = rj
	}
	f.mu.Unlock()
	_ = json.NewEncoder(w).Encode(map[string]int{"saved": len(req.Records)})
}

func (f *fakeRemote) handleGet(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("zone") + ":" + r.PathValue("name")
	f.mu.Lock()
	var rj recordJSON
	var ok bool
	if r.PathValue("partition") == "shared" {
		rj, ok = f.shared[key]
	} else {
		rj, ok = f.private[key]
	}
	f.mu.Unlock()
	if !ok {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	_ = json.NewEncoder(w).Encode(rj)
}

func (f *fakeRemote) handleDelete(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("zone") + ":" + r.PathValue("name")
	f.mu.Lock()
	_, ok := f.private[key]
	delete(f.private, key)
	f.mu.Unlock()
	if !ok {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]bool{"deleted": true})
}

func (f *fakeRemote) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Kind RecordKind `json:"kind"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	partition := r.PathValue("partition")
	f.mu.Lock()
	failed := (partition == "private" && f.failPrivateQuery) ||
		(partition == "shared" && f.failSharedQuery) ||
		(f.failKind != "" && req.Kind == f.failKind)
	src := f.private
	if partition == "shared" {
		src = f.shared
	}
	var records []recordJSON
	for _, rj := range src {
		if rj.Kind == req.Kind {
			records = append(records, rj)
		}
	}
	f.mu.Unlock()

	if failed {
		http.Error(w, "partition unavailable", http.StatusInternalServerError)
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]any{"records": records})
}

func (f *fakeRemote) handleAccept(w http.ResponseWriter, r *http.Request) {
	var req acceptShareReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(req.Token, claims); err != nil {
		http.Error(w, "bad claim", http.StatusBadRequest)
		return
	}
	petID, _ := claims["pet"].(string)
	key := ShareZone + ":" + petID

	f.mu.Lock()
	defer f.mu.Unlock()
	rj, ok := f.private[key]
	if !ok {
		http.Error(w, "token not found", http.StatusNotFound)
		return
	}

	var participants []Participant
	if raw, ok := rj.Fields["participants"].(string); ok && raw != "" {
		if err := json.Unmarshal([]byte(raw), &participants); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	}
	for _, p := range participants {
		if p.Identity == req.Participant.Identity {
			_ = json.NewEncoder(w).Encode(map[string]bool{"accepted": true})
			return
		}
	}
	participants = append(participants, req.Participant)
	raw, _ := json.Marshal(participants)
	rj.Fields["participants"] = string(raw)
	f.private[key] = rj
	f.accepted = append(f.accepted, req.Participant)
	_ = json.NewEncoder(w).Encode(map[string]bool{"accepted": true})
}
