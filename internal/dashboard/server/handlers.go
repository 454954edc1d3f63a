package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/tracepackd/tracepackd/internal/dashboard/storage"
)

// Server holds the dependencies needed by the REST handlers.
type Server struct {
	store Store
}

// NewServer creates a new Server with the provided storage layer.
func NewServer(store Store) *Server {
	return &Server{store: store}
}

// handleHealthz responds to GET /healthz.
//
// This endpoint does not require authentication and returns HTTP 200 with
// a simple JSON body so load balancers and orchestrators can verify
// liveness.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// handleGetPacks responds to GET /api/v1/packs.
//
// Supported query parameters:
//
//	host_id – exact host UUID filter (optional)
//	from    – RFC3339 start of the received_at window (required)
//	to      – RFC3339 end of the received_at window (required)
//	limit   – maximum number of results (default 100, max 1000)
//	offset  – pagination offset (default 0)
//
// Returns HTTP 400 when required parameters are missing or malformed.
// Returns HTTP 200 with a JSON array of Pack objects on success.
func (s *Server) handleGetPacks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	fromStr := q.Get("from")
	toStr := q.Get("to")
	if fromStr == "" || toStr == "" {
		writeError(w, http.StatusBadRequest, "query parameters 'from' and 'to' are required (RFC3339)")
		return
	}

	from, err := time.Parse(time.RFC3339, fromStr)
	if err != nil {
		writeError(w, http.StatusBadRequest, "'from' must be a valid RFC3339 timestamp")
		return
	}
	to, err := time.Parse(time.RFC3339, toStr)
	if err != nil {
		writeError(w, http.StatusBadRequest, "'to' must be a valid RFC3339 timestamp")
		return
	}
	if !to.After(from) {
		writeError(w, http.StatusBadRequest, "'to' must be after 'from'")
		return
	}

	pq := storage.PackQuery{From: from, To: to}

	if hostID := q.Get("host_id"); hostID != "" {
		pq.HostID = hostID
	}

	if limitStr := q.Get("limit"); limitStr != "" {
		limit, err := strconv.Atoi(limitStr)
		if err != nil || limit <= 0 {
			writeError(w, http.StatusBadRequest, "'limit' must be a positive integer")
			return
		}
		if limit > 1000 {
			limit = 1000
		}
		pq.Limit = limit
	}

	if offsetStr := q.Get("offset"); offsetStr != "" {
		offset, err := strconv.Atoi(offsetStr)
		if err != nil || offset < 0 {
			writeError(w, http.StatusBadRequest, "'offset' must be a non-negative integer")
			return
		}
		pq.Offset = offset
	}

	packs, err := s.store.QueryPacks(r.Context(), pq)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to query packs")
		return
	}

	// Ensure we always return a JSON array, not null.
	if packs == nil {
		packs = []storage.Pack{}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(packs)
}

// handleSubmitPack responds to POST /api/v1/packs.
//
// The request body is a single JSON-encoded storage.Pack, as produced by
// internal/dashboard/client when it reports a pack from internal/packstore.
// Returns HTTP 400 on a malformed body, HTTP 202 on success (the insert is
// buffered and may not be visible to QueryPacks until the next flush).
func (s *Server) handleSubmitPack(w http.ResponseWriter, r *http.Request) {
	var p storage.Pack
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, http.StatusBadRequest, "malformed pack body")
		return
	}
	if p.PackID == "" || p.HostID == "" {
		writeError(w, http.StatusBadRequest, "pack_id and host_id are required")
		return
	}

	if err := s.store.BatchInsertPacks(r.Context(), p); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to record pack")
		return
	}

	w.WriteHeader(http.StatusAccepted)
}

// handleRegisterHost responds to POST /api/v1/hosts.
//
// The request body is a single JSON-encoded storage.Host. Registration is
// an upsert keyed on hostname, so a reporting host may call this endpoint
// on every reconnect to refresh its liveness fields. Returns HTTP 200 with
// {"host_id": "..."} on success.
func (s *Server) handleRegisterHost(w http.ResponseWriter, r *http.Request) {
	var h storage.Host
	if err := json.NewDecoder(r.Body).Decode(&h); err != nil {
		writeError(w, http.StatusBadRequest, "malformed host body")
		return
	}
	if h.Hostname == "" {
		writeError(w, http.StatusBadRequest, "hostname is required")
		return
	}

	hostID, err := s.store.UpsertHost(r.Context(), h)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to register host")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"host_id": hostID})
}

// handleGetHosts responds to GET /api/v1/hosts.
//
// Returns HTTP 200 with a JSON array of all registered Host objects
// ordered alphabetically by hostname.
func (s *Server) handleGetHosts(w http.ResponseWriter, r *http.Request) {
	hosts, err := s.store.ListHosts(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list hosts")
		return
	}

	if hosts == nil {
		hosts = []storage.Host{}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(hosts)
}
