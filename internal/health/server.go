package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vietddude/retryq/internal/core/domain"
	"github.com/vietddude/retryq/internal/core/queue"
	"github.com/vietddude/retryq/internal/infra/storage"
)

// Server provides HTTP endpoints for health, metrics and queue administration.
type Server struct {
	monitor *Monitor
	mgr     queue.Manager
	archive storage.DeadLetterRepository
	log     *slog.Logger
	server  *http.Server
}

// NewServer creates a new HTTP server. archive may be nil, in which case
// dead letters are listed from the manager.
func NewServer(monitor *Monitor, mgr queue.Manager, archive storage.DeadLetterRepository, port int, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	mux := http.NewServeMux()
	s := &Server{
		monitor: monitor,
		mgr:     mgr,
		archive: archive,
		log:     logger.With("component", "http"),
		server: &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /health/detailed", s.handleDetailed)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("POST /messages", s.handleEnqueue)
	mux.HandleFunc("GET /messages/{id}", s.handleGetMessage)
	mux.HandleFunc("GET /dead-letters", s.handleDeadLetters)
	mux.HandleFunc("POST /admin/recover", s.handleRecover)

	return s
}

// Handler returns the routing handler.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.log.Info("HTTP server listening", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop stops the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := s.monitor.Status()
	code := http.StatusOK
	if status == StatusCritical {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]string{"status": string(status)})
}

func (s *Server) handleDetailed(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.monitor.CheckHealth(r.Context()))
}

type enqueueRequest struct {
	Payload json.RawMessage `json:"payload"`
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}

	var payload any
	if len(req.Payload) > 0 {
		if err := json.Unmarshal(req.Payload, &payload); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
	}

	id, err := s.mgr.Enqueue(r.Context(), payload)
	switch {
	case errors.Is(err, queue.ErrInvalidPayload):
		writeError(w, http.StatusBadRequest, err)
		return
	case errors.Is(err, queue.ErrQueueFull):
		writeError(w, http.StatusServiceUnavailable, err)
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (s *Server) handleGetMessage(w http.ResponseWriter, r *http.Request) {
	msg, err := s.mgr.Get(r.PathValue("id"))
	if errors.Is(err, queue.ErrMessageNotFound) {
		writeError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

func (s *Server) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	var filter storage.ListFilter
	if c := r.URL.Query().Get("category"); c != "" {
		category, err := domain.ParseFailureCategory(c)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		filter.Category = category
	}
	if l := r.URL.Query().Get("limit"); l != "" {
		limit, err := strconv.Atoi(l)
		if err != nil || limit < 0 {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid limit %q", l))
			return
		}
		filter.Limit = limit
	}

	if s.archive != nil {
		letters, err := s.archive.List(r.Context(), filter)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, letters)
		return
	}

	letters := make([]*domain.DeadLetter, 0)
	for _, msg := range s.mgr.DeadLetters() {
		dl, err := domain.NewDeadLetter(msg, "")
		if err != nil {
			continue
		}
		if !filter.Matches(dl) {
			continue
		}
		letters = append(letters, dl)
		if filter.Limit > 0 && len(letters) >= filter.Limit {
			break
		}
	}
	writeJSON(w, http.StatusOK, letters)
}

func (s *Server) handleRecover(w http.ResponseWriter, r *http.Request) {
	n, err := s.mgr.RecoverProcessing(r.Context())
	if err != nil {
		s.log.Error("Recovery failed", "recovered", n, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"recovered": n, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"recovered": n})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
