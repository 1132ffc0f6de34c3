package sync

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"pos-sync-service/internal/model"
	"pos-sync-service/internal/store"
)

// mutableHandler serves entities that support the full create/update/delete cycle.
type mutableHandler struct {
	entity   model.Entity
	resolver *Resolver
}

func newMutableHandler(e model.Entity, r *Resolver) *mutableHandler {
	return &mutableHandler{entity: e, resolver: r}
}

func (h *mutableHandler) Entity() model.Entity { return h.entity }

func (h *mutableHandler) Create(ctx context.Context, tx store.Tx, op model.TypedOperation) (*model.Record, error) {
	return create(ctx, tx, h.resolver, op)
}

func (h *mutableHandler) Update(ctx context.Context, tx store.Tx, op model.TypedOperation) (*model.Record, error) {
	if op.Data == nil {
		return nil, &model.ValidationError{Field: "payload", Reason: "required for update"}
	}
	repo := tx.Records(h.entity)
	existing, err := repo.FindByID(ctx, op.EntityID, true)
	if err != nil {
		return nil, err
	}
	if err := h.resolver.CheckUpdate(existing, op); err != nil {
		return nil, err
	}
	if err := h.resolver.CheckNaturalKey(ctx, repo, op, existing.ID); err != nil {
		return nil, err
	}

	data, err := model.EncodePayload(op.Data)
	if err != nil {
		return nil, err
	}
	next := *existing
	next.Data = data
	next.NaturalKey = op.Data.NaturalKey()
	h.resolver.bump(&next, existing)
	if err := repo.Update(ctx, &next); err != nil {
		return nil, err
	}
	return &next, nil
}

// Delete is an update of the deleted flag, held to the same timestamp rule.
func (h *mutableHandler) Delete(ctx context.Context, tx store.Tx, op model.TypedOperation) (*model.Record, error) {
	repo := tx.Records(h.entity)
	existing, err := repo.FindByID(ctx, op.EntityID, true)
	if err != nil {
		return nil, err
	}
	if err := h.resolver.CheckDelete(existing, op); err != nil {
		return nil, err
	}

	next := *existing
	next.Deleted = true
	next.NaturalKey = ""
	h.resolver.bump(&next, existing)
	if err := repo.Update(ctx, &next); err != nil {
		return nil, err
	}
	return &next, nil
}

// appendOnlyHandler serves immutable logs such as sales.
type appendOnlyHandler struct {
	entity   model.Entity
	resolver *Resolver
}

func newAppendOnlyHandler(e model.Entity, r *Resolver) *appendOnlyHandler {
	return &appendOnlyHandler{entity: e, resolver: r}
}

func (h *appendOnlyHandler) Entity() model.Entity { return h.entity }

func (h *appendOnlyHandler) Create(ctx context.Context, tx store.Tx, op model.TypedOperation) (*model.Record, error) {
	return create(ctx, tx, h.resolver, op)
}

func (h *appendOnlyHandler) Update(context.Context, store.Tx, model.TypedOperation) (*model.Record, error) {
	return nil, fmt.Errorf("update %s: %w", h.entity, ErrAppendOnly)
}

func (h *appendOnlyHandler) Delete(context.Context, store.Tx, model.TypedOperation) (*model.Record, error) {
	return nil, fmt.Errorf("delete %s: %w", h.entity, ErrAppendOnly)
}

func create(ctx context.Context, tx store.Tx, resolver *Resolver, op model.TypedOperation) (*model.Record, error) {
	if op.Data == nil {
		return nil, &model.ValidationError{Field: "payload", Reason: "required for create"}
	}
	repo := tx.Records(op.Entity)
	if err := resolver.CheckNaturalKey(ctx, repo, op, ""); err != nil {
		return nil, err
	}

	data, err := model.EncodePayload(op.Data)
	if err != nil {
		return nil, err
	}
	now := resolver.now().UTC().Truncate(time.Millisecond)
	rec := &model.Record{
		ID:         uuid.New().String(),
		Entity:     op.Entity,
		NaturalKey: op.Data.NaturalKey(),
		Data:       data,
		Version:    1,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := repo.Create(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}
