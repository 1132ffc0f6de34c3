package sync

import (
	"context"
	"errors"
	"fmt"

	"pos-sync-service/internal/model"
	"pos-sync-service/internal/store"
)

// ErrAppendOnly rejects updates and deletes of immutable entities.
var ErrAppendOnly = errors.New("entity is append-only")

// EntityHandler applies create/update/delete for one entity inside a transaction.
// Each method returns the record as stored after the change.
type EntityHandler interface {
	Entity() model.Entity
	Create(ctx context.Context, tx store.Tx, op model.TypedOperation) (*model.Record, error)
	Update(ctx context.Context, tx store.Tx, op model.TypedOperation) (*model.Record, error)
	Delete(ctx context.Context, tx store.Tx, op model.TypedOperation) (*model.Record, error)
}

// Registry maps every entity tag to its handler.
type Registry struct {
	handlers map[model.Entity]EntityHandler
}

// NewRegistry fails unless every tag in model.AllEntities has exactly one handler.
func NewRegistry(handlers ...EntityHandler) (*Registry, error) {
	r := &Registry{handlers: make(map[model.Entity]EntityHandler, len(handlers))}
	for _, h := range handlers {
		e := h.Entity()
		if !e.Valid() {
			return nil, fmt.Errorf("handler for unknown entity %q", e)
		}
		if _, dup := r.handlers[e]; dup {
			return nil, fmt.Errorf("duplicate handler for entity %q", e)
		}
		r.handlers[e] = h
	}
	for _, e := range model.AllEntities {
		if _, ok := r.handlers[e]; !ok {
			return nil, fmt.Errorf("no handler registered for entity %q", e)
		}
	}
	return r, nil
}

// DefaultRegistry wires the built-in handlers.
func DefaultRegistry(resolver *Resolver) (*Registry, error) {
	return NewRegistry(
		newMutableHandler(model.EntityProduct, resolver),
		newMutableHandler(model.EntityTableSession, resolver),
		newAppendOnlyHandler(model.EntitySale, resolver),
		newAppendOnlyHandler(model.EntityStockAdjustment, resolver),
	)
}

func (r *Registry) Lookup(e model.Entity) (EntityHandler, bool) {
	h, ok := r.handlers[e]
	return h, ok
}

// Apply dispatches op to its entity handler by action.
func (r *Registry) Apply(ctx context.Context, tx store.Tx, op model.TypedOperation) (*model.Record, error) {
	h, ok := r.Lookup(op.Entity)
	if !ok {
		return nil, &model.ValidationError{Field: "entity", Reason: fmt.Sprintf("unknown entity %q", op.Entity)}
	}
	switch op.Action {
	case model.ActionCreate:
		return h.Create(ctx, tx, op)
	case model.ActionUpdate:
		return h.Update(ctx, tx, op)
	case model.ActionDelete:
		return h.Delete(ctx, tx, op)
	default:
		return nil, &model.ValidationError{Field: "action", Reason: fmt.Sprintf("unknown action %q", op.Action)}
	}
}
