package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"pos-sync-service/internal/model"
	"pos-sync-service/internal/store"
)

// ConflictError carries the record reported back to the client. The operation
// it describes was not applied.
type ConflictError struct {
	Record model.ConflictRecord
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s conflict on %s: %s", e.Record.ConflictType, e.Record.Entity, e.Record.Message)
}

// Resolver decides whether an operation may be applied against the stored state.
// The server copy wins every conflict; nothing is merged.
type Resolver struct {
	now func() time.Time
}

func NewResolver(now func() time.Time) *Resolver {
	if now == nil {
		now = time.Now
	}
	return &Resolver{now: now}
}

// CheckNaturalKey rejects op when an active record other than selfID already
// holds its business key.
func (r *Resolver) CheckNaturalKey(ctx context.Context, repo store.RecordRepository, op model.TypedOperation, selfID string) error {
	key := op.Data.NaturalKey()
	if key == "" {
		return nil
	}
	holders, err := repo.FindMany(ctx, store.Filter{NaturalKey: key, ActiveOnly: true, ForUpdate: true})
	if err != nil {
		return err
	}
	for _, h := range holders {
		if h.ID == selfID {
			continue
		}
		return conflict(op, model.ConflictState, h,
			fmt.Sprintf("active %s %s already holds key %q", op.Entity, h.ID, key))
	}
	return nil
}

// CheckUpdate applies last-writer-wins against the stored copy.
func (r *Resolver) CheckUpdate(existing *model.Record, op model.TypedOperation) error {
	if existing.Deleted {
		return conflict(op, model.ConflictState, existing,
			fmt.Sprintf("%s %s was deleted on the server", op.Entity, existing.ID))
	}
	return r.checkVersions(existing, op)
}

// CheckDelete follows the update rule; deleting a deleted record is allowed.
func (r *Resolver) CheckDelete(existing *model.Record, op model.TypedOperation) error {
	return r.checkVersions(existing, op)
}

func (r *Resolver) checkVersions(existing *model.Record, op model.TypedOperation) error {
	if op.BaseVersion != nil && *op.BaseVersion != existing.Version {
		return conflict(op, model.ConflictVersion, existing,
			fmt.Sprintf("client edited version %d, server is at version %d", *op.BaseVersion, existing.Version))
	}
	clientAt := op.ClientUpdatedAt.Truncate(time.Millisecond)
	if existing.UpdatedAt.After(clientAt) {
		return conflict(op, model.ConflictTimestamp, existing,
			fmt.Sprintf("server copy updated at %s is newer than client copy at %s",
				existing.UpdatedAt.Format(time.RFC3339Nano), op.ClientUpdatedAt.Format(time.RFC3339Nano)))
	}
	return nil
}

// bump advances version and updatedAt so the new state always sorts after the old.
func (r *Resolver) bump(next, prev *model.Record) {
	now := r.now().UTC().Truncate(time.Millisecond)
	if !now.After(prev.UpdatedAt) {
		now = prev.UpdatedAt.Add(time.Millisecond)
	}
	next.UpdatedAt = now
	next.Version = prev.Version + 1
}

func conflict(op model.TypedOperation, kind model.ConflictType, server *model.Record, msg string) *ConflictError {
	rec := model.ConflictRecord{
		OpID:         op.OpID,
		Entity:       op.Entity,
		Action:       op.Action,
		ConflictType: kind,
		ClientData:   op.Payload,
		Message:      msg,
	}
	if server != nil {
		if b, err := json.Marshal(server); err == nil {
			rec.ServerData = b
		}
	}
	return &ConflictError{Record: rec}
}
