package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/golang/snappy"
	"go.uber.org/zap"

	"pos-sync-service/internal/config"
	"pos-sync-service/internal/logger"
	"pos-sync-service/internal/model"
	"pos-sync-service/internal/store"
	"pos-sync-service/internal/sync"
)

const maxPushBody = 16 << 20

type Handler struct {
	syncManager *sync.Manager
	server      config.ServerConfig
	sync        config.SyncConfig
	now         func() time.Time
}

func NewHandler(manager *sync.Manager, cfg *config.Config) *Handler {
	return &Handler{
		syncManager: manager,
		server:      cfg.Server,
		sync:        cfg.Sync,
		now:         time.Now,
	}
}

func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(CorsMiddleware(h.server.CorsOrigins))

	r.Get("/health", h.HealthCheck)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(AuthMiddleware(h.server.AuthToken))

		r.Post("/sync/push", h.Push)
		r.Get("/sync/pull", h.Pull)
		r.Get("/sync/status", h.GetSyncStatus)
		r.Get("/sync/history", h.ListHistory)
		r.Get("/sync/conflicts", h.ListConflicts)
		r.Get("/sync/conflicts/{id}", h.GetConflict)
		r.Post("/sync/conflicts/{id}/resolve", h.ResolveConflict)
		r.Get("/sync/events", h.Events)
		r.Get("/entities/{entity}", h.Collection)
	})

	return r
}

func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (h *Handler) Push(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var req model.PushRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid push body: %v", err))
		return
	}
	if req.ClientID == "" {
		writeError(w, http.StatusBadRequest, "clientId is required")
		return
	}

	resp, err := h.syncManager.Push(r.Context(), req)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// readBody returns the request body, undoing snappy block compression when
// the client announced it.
func readBody(r *http.Request) ([]byte, error) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxPushBody+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read body: %w", err)
	}
	if len(raw) > maxPushBody {
		return nil, errors.New("body too large")
	}
	switch r.Header.Get("Content-Encoding") {
	case "":
		return raw, nil
	case "snappy":
		decoded, err := snappy.Decode(nil, raw)
		if err != nil {
			return nil, fmt.Errorf("invalid snappy body: %w", err)
		}
		return decoded, nil
	default:
		return nil, fmt.Errorf("unsupported content encoding %q", r.Header.Get("Content-Encoding"))
	}
}

func (h *Handler) Pull(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	since := h.now().Add(-h.sync.PullDefaultWindow)
	if s := q.Get("since"); s != "" {
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid since: %v", err))
			return
		}
		since = t
	}

	limit := h.sync.PullDefaultLimit
	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	if h.sync.PullMaxLimit > 0 && limit > h.sync.PullMaxLimit {
		limit = h.sync.PullMaxLimit
	}

	resp, err := h.syncManager.Pull(r.Context(), since, limit)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) Collection(w http.ResponseWriter, r *http.Request) {
	entity, err := model.ParseEntity(chi.URLParam(r, "entity"))
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	records, err := h.syncManager.Collection(r.Context(), entity)
	if err != nil {
		writeFailure(w, err)
		return
	}
	if records == nil {
		records = []*model.Record{}
	}
	writeJSON(w, http.StatusOK, records)
}

func (h *Handler) GetSyncStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.syncManager.GetStatus())
}

func (h *Handler) ListHistory(w http.ResponseWriter, r *http.Request) {
	limit, offset, ok := paging(w, r)
	if !ok {
		return
	}
	history, err := h.syncManager.Store().GetSyncHistory(r.Context(), limit, offset)
	if err != nil {
		writeFailure(w, err)
		return
	}
	out := make([]historyView, 0, len(history))
	for _, hist := range history {
		out = append(out, newHistoryView(hist))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) ListConflicts(w http.ResponseWriter, r *http.Request) {
	limit, offset, ok := paging(w, r)
	if !ok {
		return
	}
	resolved := r.URL.Query().Get("resolved") == "true"
	conflicts, err := h.syncManager.Store().ListConflicts(r.Context(), resolved, limit, offset)
	if err != nil {
		writeFailure(w, err)
		return
	}
	out := make([]conflictView, 0, len(conflicts))
	for _, c := range conflicts {
		out = append(out, newConflictView(c))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) GetConflict(w http.ResponseWriter, r *http.Request) {
	c, err := h.syncManager.Store().GetConflict(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeFailure(w, err)
		return
	}
	if c == nil {
		writeError(w, http.StatusNotFound, "conflict not found")
		return
	}
	writeJSON(w, http.StatusOK, newConflictView(c))
}

type resolveRequest struct {
	Strategy string          `json:"strategy"`
	Data     json.RawMessage `json:"data,omitempty"`
}

func (h *Handler) ResolveConflict(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid body: %v", err))
		return
	}
	if req.Strategy == "" {
		writeError(w, http.StatusBadRequest, "strategy is required")
		return
	}

	id := chi.URLParam(r, "id")
	if err := h.syncManager.Store().ResolveConflict(r.Context(), id, req.Strategy, req.Data); err != nil {
		writeFailure(w, err)
		return
	}
	logger.Log.Info("Conflict resolved", zap.String("id", id), zap.String("strategy", req.Strategy))
	writeJSON(w, http.StatusOK, map[string]string{"status": "resolved"})
}

func paging(w http.ResponseWriter, r *http.Request) (limit, offset int, ok bool) {
	limit, offset = 50, 0
	q := r.URL.Query()
	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return 0, 0, false
		}
		limit = n
	}
	if s := q.Get("offset"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "offset must not be negative")
			return 0, 0, false
		}
		offset = n
	}
	return limit, offset, true
}

type conflictView struct {
	ID                 string             `json:"id"`
	OpID               string             `json:"opId"`
	ClientID           string             `json:"clientId"`
	Entity             model.Entity       `json:"entity"`
	EntityID           string             `json:"entityId,omitempty"`
	Action             model.Action       `json:"action"`
	ConflictType       model.ConflictType `json:"conflictType"`
	ClientData         json.RawMessage    `json:"clientData,omitempty"`
	ServerData         json.RawMessage    `json:"serverData,omitempty"`
	Message            string             `json:"message"`
	DetectedAt         time.Time          `json:"detectedAt"`
	Resolved           bool               `json:"resolved"`
	ResolutionStrategy string             `json:"resolutionStrategy,omitempty"`
	ResolvedAt         *time.Time         `json:"resolvedAt,omitempty"`
}

func newConflictView(c *store.Conflict) conflictView {
	v := conflictView{
		ID:                 c.ID,
		OpID:               c.OpID,
		ClientID:           c.ClientID,
		Entity:             c.Entity,
		EntityID:           c.EntityID,
		Action:             c.Action,
		ConflictType:       c.ConflictType,
		ClientData:         c.ClientData,
		ServerData:         c.ServerData,
		Message:            c.Message,
		DetectedAt:         c.DetectedAt,
		Resolved:           c.Resolved,
		ResolutionStrategy: c.ResolutionStrategy.String,
	}
	if c.ResolvedAt.Valid {
		at := c.ResolvedAt.Time
		v.ResolvedAt = &at
	}
	return v
}

type historyView struct {
	ID                string    `json:"id"`
	ClientID          string    `json:"clientId"`
	StartedAt         time.Time `json:"startedAt"`
	CompletedAt       time.Time `json:"completedAt"`
	Operations        int       `json:"operations"`
	Processed         int       `json:"processed"`
	ConflictsDetected int       `json:"conflictsDetected"`
	Errors            int       `json:"errors"`
}

func newHistoryView(h *store.SyncHistory) historyView {
	return historyView(*h)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Log.Debug("Failed to write response", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeFailure maps engine errors onto status codes.
func writeFailure(w http.ResponseWriter, err error) {
	var verr *model.ValidationError
	switch {
	case errors.As(err, &verr):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	default:
		logger.Log.Error("Request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
