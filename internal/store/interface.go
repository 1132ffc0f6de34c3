package store

import (
	"context"
	"errors"
	"time"

	"pos-sync-service/internal/model"
)

var ErrNotFound = errors.New("record not found")

// RecordRepository is the per-entity storage capability.
type RecordRepository interface {
	// FindMany returns matches ordered by sync time, then id.
	FindMany(ctx context.Context, f Filter) ([]*model.Record, error)
	// FindByID returns ErrNotFound when id is unknown.
	FindByID(ctx context.Context, id string, forUpdate bool) (*model.Record, error)
	Create(ctx context.Context, rec *model.Record) error
	Update(ctx context.Context, rec *model.Record) error
}

// Tx is the unit of work one push operation runs in.
type Tx interface {
	Records(entity model.Entity) RecordRepository
	// LookupApplied returns nil when opID was never applied.
	LookupApplied(ctx context.Context, opID string) (*AppliedOp, error)
	RecordApplied(ctx context.Context, op *AppliedOp) error
}

type Store interface {
	// Records reads outside of any transaction.
	Records(entity model.Entity) RecordRepository
	InTx(ctx context.Context, fn func(tx Tx) error) error

	// Conflicts
	CreateConflict(ctx context.Context, conflict *Conflict) error
	GetConflict(ctx context.Context, id string) (*Conflict, error)
	ListConflicts(ctx context.Context, resolved bool, limit, offset int) ([]*Conflict, error)
	ResolveConflict(ctx context.Context, id string, strategy string, resolvedData []byte) error

	// History
	CreateSyncHistory(ctx context.Context, history *SyncHistory) error
	GetSyncHistory(ctx context.Context, limit, offset int) ([]*SyncHistory, error)

	// Maintenance
	PruneApplied(ctx context.Context, before time.Time) (int64, error)
	PruneAudit(ctx context.Context, before time.Time) (int64, error)

	// General
	Close() error
}
