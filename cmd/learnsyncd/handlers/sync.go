// Package handlers provides the REST API and status stream for the sync daemon.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	apperrors "github.com/kimhsiao/learnsync/core/internal/errors"
	"github.com/kimhsiao/learnsync/core/internal/logging"
	"github.com/kimhsiao/learnsync/core/internal/models"
	syncpkg "github.com/kimhsiao/learnsync/core/internal/sync"
	"github.com/kimhsiao/learnsync/core/internal/sync/queue"
	"github.com/kimhsiao/learnsync/core/internal/uuid"
)

// NetworkSetter lets the client report connectivity.
type NetworkSetter interface {
	IsOnline() bool
	SetOnline(online bool) bool
}

// QueueInspector exposes queue counters and evicted actions.
type QueueInspector interface {
	Stats() queue.Stats
	DeadLetters(ctx context.Context, limit int) ([]*models.DeadLetter, error)
}

// SyncHandler handles sync status and operations.
type SyncHandler struct {
	engine  syncpkg.SyncEngineInterface
	network NetworkSetter
	queue   QueueInspector
	logger  *logging.Logger
}

// NewSyncHandler creates a new SyncHandler. queue may be nil.
func NewSyncHandler(engine syncpkg.SyncEngineInterface, network NetworkSetter, q QueueInspector) *SyncHandler {
	return &SyncHandler{
		engine:  engine,
		network: network,
		queue:   q,
		logger:  logging.Get(),
	}
}

// SetLogger replaces the handler's logger.
func (h *SyncHandler) SetLogger(l *logging.Logger) {
	h.logger = l
}

// Routes builds the API router.
func (h *SyncHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(h.requestLogger)

	r.Get("/api/health", h.Health)

	r.Route("/api/sync", func(r chi.Router) {
		r.Get("/status", h.GetStatus)
		r.Post("/trigger", h.TriggerSync)
		r.Get("/queue", h.GetQueue)
		r.Get("/conflicts", h.ListConflicts)
		r.Post("/conflicts/{id}/resolve", h.ResolveConflict)
	})
	r.Post("/api/network", h.SetNetwork)

	r.Get("/ws/sync", HandleStatusStream(h.engine, h.logger))

	return r
}

func (h *SyncHandler) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		h.logger.Debug("HTTP request", map[string]interface{}{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      ww.Status(),
			"duration_ms": time.Since(start).Milliseconds(),
			"request_id":  middleware.GetReqID(r.Context()),
		})
	})
}

// Health handles GET /api/health.
func (h *SyncHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"service": "learnsyncd",
	})
}

// GetStatus handles GET /api/sync/status.
func (h *SyncHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.engine.Status())
}

// TriggerSync handles POST /api/sync/trigger and runs one cycle inline.
func (h *SyncHandler) TriggerSync(w http.ResponseWriter, r *http.Request) {
	result, err := h.engine.Sync(r.Context(), syncpkg.TriggerManual)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// GetQueue handles GET /api/sync/queue?limit=N.
func (h *SyncHandler) GetQueue(w http.ResponseWriter, r *http.Request) {
	if h.queue == nil {
		h.writeError(w, apperrors.New(apperrors.ErrNotFound, "queue inspection not available"))
		return
	}

	limit := 50
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			h.writeError(w, apperrors.New(apperrors.ErrInvalid, "limit must be a positive integer"))
			return
		}
		limit = n
	}

	dead, err := h.queue.DeadLetters(r.Context(), limit)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if dead == nil {
		dead = []*models.DeadLetter{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"stats":        h.queue.Stats(),
		"dead_letters": dead,
	})
}

// SetNetwork handles POST /api/network with {"online": bool}.
func (h *SyncHandler) SetNetwork(w http.ResponseWriter, r *http.Request) {
	var request struct {
		Online *bool `json:"online"`
	}
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		h.writeError(w, apperrors.Wrap(apperrors.ErrInvalid, "invalid request body", err))
		return
	}
	if request.Online == nil {
		h.writeError(w, apperrors.New(apperrors.ErrInvalid, "online is required"))
		return
	}

	changed := h.network.SetOnline(*request.Online)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"online":  h.network.IsOnline(),
		"changed": changed,
	})
}

// ListConflicts handles GET /api/sync/conflicts.
func (h *SyncHandler) ListConflicts(w http.ResponseWriter, r *http.Request) {
	conflicts, err := h.engine.OpenConflicts(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	if conflicts == nil {
		conflicts = []*models.ConflictLog{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"conflicts": conflicts,
	})
}

// ResolveConflict handles POST /api/sync/conflicts/{id}/resolve with
// {"strategy": "CLIENT_WINS"|"SERVER_WINS"|"MERGE"}.
func (h *SyncHandler) ResolveConflict(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Normalize(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, apperrors.Wrap(apperrors.ErrInvalid, "invalid conflict id", err))
		return
	}

	var request struct {
		Strategy string `json:"strategy"`
	}
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		h.writeError(w, apperrors.Wrap(apperrors.ErrInvalid, "invalid request body", err))
		return
	}
	strategy, err := models.ParseResolutionType(request.Strategy)
	if err != nil {
		h.writeError(w, apperrors.Wrap(apperrors.ErrInvalid, "invalid strategy", err))
		return
	}

	resolved, err := h.engine.ResolveConflict(r.Context(), id, strategy)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resolved)
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// writeError maps an error to a status code and a JSON body.
func (h *SyncHandler) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	body := errorResponse{Code: string(apperrors.ErrInternal), Message: err.Error()}

	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		body.Code = string(appErr.Code)
		body.Message = appErr.Message
		switch {
		case appErr.Code == apperrors.ErrNotFound:
			status = http.StatusNotFound
		case appErr.Code == apperrors.ErrInvalid, appErr.Code == apperrors.ErrValidation:
			status = http.StatusBadRequest
		case appErr.Kind == apperrors.KindStorage:
			status = http.StatusServiceUnavailable
		}
	}

	if status >= 500 {
		h.logger.ErrorWithCode("Request failed", body.Code, err)
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
