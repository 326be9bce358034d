package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/iamthanushgowdap/APSConnect-sub000/core"
	"github.com/iamthanushgowdap/APSConnect-sub000/remote"
)

// campusAPIServer is a small in-memory authoritative store, hosting the REST
// collection the engine commits against. It honors the Idempotency-Key
// header on creates so a replayed create has exactly one effect.
type campusAPIServer struct {
	server  *http.Server
	logger  *slog.Logger
	started bool
	mu      sync.Mutex

	dataMu      sync.Mutex
	nextID      int
	order       []core.RecordID
	records     map[core.RecordID]core.FieldValues
	idempotency map[string]core.RecordID
}

func newCampusAPIServer(addr, collection string, logger *slog.Logger) *campusAPIServer {
	s := &campusAPIServer{
		logger:      logger.With("component", "CampusAPIServer"),
		records:     make(map[core.RecordID]core.FieldValues),
		idempotency: make(map[string]core.RecordID),
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Route("/"+collection, func(r chi.Router) {
		r.Get("/", s.handleList)
		r.Post("/", s.handleCreate)
		r.Route("/{id}", func(r chi.Router) {
			r.Put("/", s.handleUpdate)
			r.Patch("/", s.handlePatch)
			r.Delete("/", s.handleDelete)
		})
	})

	if addr == "" {
		addr = ":8090"
	}
	s.server = &http.Server{Addr: addr, Handler: r}
	return s
}

// Start starts the API server. It's a blocking call.
func (s *campusAPIServer) Start() error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.mu.Unlock()

	s.logger.Info("Campus API listening", "address", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start campus API server: %w", err)
	}
	return nil
}

// Stop gracefully shuts down the API server.
func (s *campusAPIServer) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		s.logger.Error("Campus API shutdown failed", "error", err)
	}
}

func (s *campusAPIServer) handleList(w http.ResponseWriter, r *http.Request) {
	s.dataMu.Lock()
	docs := make([]remote.RecordDocument, 0, len(s.order))
	for _, id := range s.order {
		docs = append(docs, remote.RecordDocument{ID: id, Fields: s.records[id].Clone()})
	}
	s.dataMu.Unlock()
	writeJSON(w, http.StatusOK, docs)
}

func (s *campusAPIServer) handleCreate(w http.ResponseWriter, r *http.Request) {
	payload, ok := decodeFields(w, r)
	if !ok {
		return
	}

	s.dataMu.Lock()
	defer s.dataMu.Unlock()

	// A replayed create with the same idempotency key returns the record it
	// already produced.
	key := r.Header.Get("Idempotency-Key")
	if key != "" {
		if id, seen := s.idempotency[key]; seen {
			writeJSON(w, http.StatusOK, remote.RecordDocument{ID: id, Fields: s.records[id].Clone()})
			return
		}
	}

	s.nextID++
	id := core.RecordID(fmt.Sprintf("club-%d", s.nextID))
	s.records[id] = payload.Clone()
	s.order = append([]core.RecordID{id}, s.order...)
	if key != "" {
		s.idempotency[key] = id
	}
	writeJSON(w, http.StatusCreated, remote.RecordDocument{ID: id, Fields: payload})
}

func (s *campusAPIServer) handleUpdate(w http.ResponseWriter, r *http.Request) {
	payload, ok := decodeFields(w, r)
	if !ok {
		return
	}
	id := core.RecordID(chi.URLParam(r, "id"))

	s.dataMu.Lock()
	defer s.dataMu.Unlock()
	if _, exists := s.records[id]; !exists {
		http.Error(w, "record not found", http.StatusNotFound)
		return
	}
	s.records[id] = payload.Clone()
	writeJSON(w, http.StatusOK, remote.RecordDocument{ID: id, Fields: payload})
}

func (s *campusAPIServer) handlePatch(w http.ResponseWriter, r *http.Request) {
	patch, ok := decodeFields(w, r)
	if !ok {
		return
	}
	id := core.RecordID(chi.URLParam(r, "id"))

	s.dataMu.Lock()
	defer s.dataMu.Unlock()
	fields, exists := s.records[id]
	if !exists {
		http.Error(w, "record not found", http.StatusNotFound)
		return
	}
	merged := fields.Merge(patch)
	s.records[id] = merged
	writeJSON(w, http.StatusOK, remote.RecordDocument{ID: id, Fields: merged.Clone()})
}

func (s *campusAPIServer) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := core.RecordID(chi.URLParam(r, "id"))

	s.dataMu.Lock()
	defer s.dataMu.Unlock()
	if _, exists := s.records[id]; !exists {
		// Deleting an already-deleted record is fine; replays must converge.
		w.WriteHeader(http.StatusNoContent)
		return
	}
	delete(s.records, id)
	for i, other := range s.order {
		if other == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func decodeFields(w http.ResponseWriter, r *http.Request) (core.FieldValues, bool) {
	var payload core.FieldValues
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "malformed payload: "+err.Error(), http.StatusBadRequest)
		return nil, false
	}
	return payload, true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
