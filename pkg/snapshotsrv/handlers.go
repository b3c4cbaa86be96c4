package snapshotsrv

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/felixge/httpsnoop"
	"github.com/gorilla/mux"
	"golang.org/x/time/rate"

	"github.com/docrelay/docrelay/pkg/snapshot"
)

// Service exposes the snapshot store over HTTP.
type Service struct {
	store *Store

	limitersMu sync.Mutex
	limiters   map[string]*rate.Limiter
	saveRate   rate.Limit
	saveBurst  int
}

// NewService wires the store behind the documented routes. saveRate/saveBurst
// bound PATCH traffic per document; zero saveRate disables limiting.
func NewService(store *Store, saveRate float64, saveBurst int) *Service {
	return &Service{
		store:     store,
		limiters:  make(map[string]*rate.Limiter),
		saveRate:  rate.Limit(saveRate),
		saveBurst: saveBurst,
	}
}

func (s *Service) Register(r *mux.Router) {
	r.Methods(http.MethodGet).Path("/documents/{document}/snapshot").HandlerFunc(s.getSnapshot)
	r.Methods(http.MethodPatch).Path("/documents/{document}/snapshot").HandlerFunc(s.patchSnapshot)
}

// LoggingMiddleware logs each handled request with its duration and status.
func LoggingMiddleware(handler http.Handler) http.Handler {
	return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		m := httpsnoop.CaptureMetrics(handler, writer, request)
		slog.Info("handled", "method", request.Method, "url", request.URL, "duration", m.Duration, "status", m.Code)
	})
}

func (s *Service) getSnapshot(writer http.ResponseWriter, request *http.Request) {
	vars := mux.Vars(request)
	snap, err := s.store.Get(request.Context(), vars["document"])
	if err != nil {
		slog.Error("failed to load snapshot", "err", err)
		writer.WriteHeader(http.StatusInternalServerError)
		return
	}
	if snap == nil {
		writer.WriteHeader(http.StatusNotFound)
		return
	}
	writer.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(writer).Encode(snap); err != nil {
		slog.Error("failed to write", "err", err)
	}
}

func (s *Service) patchSnapshot(writer http.ResponseWriter, request *http.Request) {
	vars := mux.Vars(request)
	documentID := vars["document"]

	if !s.allow(documentID) {
		writer.Header().Set("Retry-After", "1")
		writer.WriteHeader(http.StatusTooManyRequests)
		return
	}

	var req snapshot.SaveRequest
	if err := json.NewDecoder(request.Body).Decode(&req); err != nil {
		slog.Error("failed to decode body", "err", err)
		writer.WriteHeader(http.StatusBadRequest)
		return
	}
	if req.OpID == "" {
		writer.WriteHeader(http.StatusBadRequest)
		return
	}

	newVersion, conflict, err := s.store.Save(request.Context(), documentID, req)
	if err != nil {
		slog.Error("failed to save snapshot", "err", err)
		writer.WriteHeader(http.StatusInternalServerError)
		return
	}
	writer.Header().Set("Content-Type", "application/json")
	if conflict != nil {
		writer.WriteHeader(http.StatusConflict)
		if err := json.NewEncoder(writer).Encode(conflict); err != nil {
			slog.Error("failed to write", "err", err)
		}
		return
	}
	if err := json.NewEncoder(writer).Encode(snapshot.SaveResponse{NewVersion: newVersion}); err != nil {
		slog.Error("failed to write", "err", err)
	}
}

func (s *Service) allow(documentID string) bool {
	if s.saveRate <= 0 {
		return true
	}
	s.limitersMu.Lock()
	limiter, ok := s.limiters[documentID]
	if !ok {
		limiter = rate.NewLimiter(s.saveRate, s.saveBurst)
		s.limiters[documentID] = limiter
	}
	s.limitersMu.Unlock()
	return limiter.Allow()
}
