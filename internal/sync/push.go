package sync

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"pos-sync-service/internal/logger"
	"pos-sync-service/internal/model"
	"pos-sync-service/internal/store"
)

// PushHandler applies client batches. Every operation runs in its own
// transaction so one failure never rolls back its siblings.
type PushHandler struct {
	store    store.Store
	registry *Registry
	now      func() time.Time
	// notify receives one notice per applied operation; nil disables it.
	notify func(model.ChangeNotice)
}

func NewPushHandler(s store.Store, registry *Registry, now func() time.Time) *PushHandler {
	if now == nil {
		now = time.Now
	}
	return &PushHandler{store: s, registry: registry, now: now}
}

// OnApplied registers the change-notice sink.
func (h *PushHandler) OnApplied(fn func(model.ChangeNotice)) {
	h.notify = fn
}

type opResult struct {
	record   *model.Record
	serverID string
	replayed bool
}

// Push processes req.Operations in order and reports a per-operation outcome.
// It only fails as a whole when ctx is cancelled.
func (h *PushHandler) Push(ctx context.Context, req model.PushRequest) (*model.PushResponse, error) {
	started := h.now().UTC()
	resp := &model.PushResponse{
		CreatedServerIDs: make(map[string]string),
		Conflicts:        []model.ConflictRecord{},
		Errors:           []model.OpError{},
	}

	for _, op := range req.Operations {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if op.ClientID == "" {
			op.ClientID = req.ClientID
		}

		res, err := h.apply(ctx, op)
		var conflictErr *ConflictError
		switch {
		case err == nil:
			resp.Processed++
			if op.Action == model.ActionCreate && res.serverID != "" {
				resp.CreatedServerIDs[op.OpID] = res.serverID
			}
			if !res.replayed && res.record != nil && h.notify != nil {
				h.notify(model.ChangeNotice{Entity: res.record.Entity, IDs: []string{res.record.ID}, At: res.record.SyncTime()})
			}
		case errors.As(err, &conflictErr):
			resp.Conflicts = append(resp.Conflicts, conflictErr.Record)
			h.audit(ctx, op, conflictErr.Record)
		default:
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if !isBusinessError(err) {
				logger.Log.Error("Push operation failed",
					zap.String("opId", op.OpID),
					zap.String("entity", string(op.Entity)),
					zap.Error(err),
				)
			}
			resp.Errors = append(resp.Errors, model.OpError{OpID: op.OpID, Error: err.Error()})
		}
	}

	h.record(ctx, req, resp, started)
	logger.Log.Info("Push processed",
		zap.String("clientId", req.ClientID),
		zap.Int("operations", len(req.Operations)),
		zap.Int("processed", resp.Processed),
		zap.Int("conflicts", len(resp.Conflicts)),
		zap.Int("errors", len(resp.Errors)),
	)
	return resp, nil
}

func (h *PushHandler) apply(ctx context.Context, op model.SyncOperation) (opResult, error) {
	typed, err := op.Typed()
	if err != nil {
		return opResult{}, err
	}

	var res opResult
	err = h.store.InTx(ctx, func(tx store.Tx) error {
		applied, err := tx.LookupApplied(ctx, op.OpID)
		if err != nil {
			return err
		}
		if applied != nil {
			res = opResult{serverID: applied.ServerID, replayed: true}
			return nil
		}

		rec, err := h.registry.Apply(ctx, tx, typed)
		if err != nil {
			return err
		}
		res = opResult{record: rec, serverID: rec.ID}
		return tx.RecordApplied(ctx, &store.AppliedOp{
			OpID:      op.OpID,
			ClientID:  op.ClientID,
			Entity:    op.Entity,
			ServerID:  rec.ID,
			AppliedAt: h.now().UTC(),
		})
	})
	if err != nil {
		return opResult{}, err
	}
	if res.replayed {
		logger.Log.Debug("Acknowledged replayed operation", zap.String("opId", op.OpID))
	}
	return res, nil
}

func (h *PushHandler) audit(ctx context.Context, op model.SyncOperation, rec model.ConflictRecord) {
	err := h.store.CreateConflict(ctx, &store.Conflict{
		ID:           uuid.New().String(),
		OpID:         op.OpID,
		ClientID:     op.ClientID,
		Entity:       op.Entity,
		EntityID:     op.EntityID,
		Action:       op.Action,
		ConflictType: rec.ConflictType,
		ClientData:   rec.ClientData,
		ServerData:   rec.ServerData,
		Message:      rec.Message,
		DetectedAt:   h.now().UTC(),
	})
	if err != nil {
		logger.Log.Warn("Failed to store conflict audit", zap.String("opId", op.OpID), zap.Error(err))
	}
}

func (h *PushHandler) record(ctx context.Context, req model.PushRequest, resp *model.PushResponse, started time.Time) {
	err := h.store.CreateSyncHistory(ctx, &store.SyncHistory{
		ID:                uuid.New().String(),
		ClientID:          req.ClientID,
		StartedAt:         started,
		CompletedAt:       h.now().UTC(),
		Operations:        len(req.Operations),
		Processed:         resp.Processed,
		ConflictsDetected: len(resp.Conflicts),
		Errors:            len(resp.Errors),
	})
	if err != nil {
		logger.Log.Warn("Failed to store sync history", zap.String("clientId", req.ClientID), zap.Error(err))
	}
}

// isBusinessError reports errors caused by the operation itself rather than the server.
func isBusinessError(err error) bool {
	var verr *model.ValidationError
	return errors.As(err, &verr) || errors.Is(err, ErrAppendOnly) || errors.Is(err, store.ErrNotFound)
}
