// Package client is the POS-side sync engine: it routes calls to the server
// or to the local queue and cache, drains the queue and pulls server changes.
package client

import (
	"context"
	"time"

	"pos-sync-service/internal/client/cache"
	"pos-sync-service/internal/client/queue"
	"pos-sync-service/internal/model"
)

// Transport is the server as seen by the client.
type Transport interface {
	Push(ctx context.Context, req model.PushRequest) (*model.PushResponse, error)
	Pull(ctx context.Context, since time.Time, limit int) (*model.PullResponse, error)
	Fetch(ctx context.Context, e model.Entity) ([]model.Record, error)
	Ping(ctx context.Context) error
}

// Queue is the durable operation queue.
type Queue interface {
	Enqueue(ctx context.Context, op *queue.QueuedOperation) (string, error)
	ListAll(ctx context.Context) ([]*queue.QueuedOperation, error)
	Remove(ctx context.Context, id string) error
	IncrementRetry(ctx context.Context, id string) (int, error)
	Size(ctx context.Context) (int, error)
	EvictExceeding(ctx context.Context, maxRetries int) ([]*queue.QueuedOperation, error)
	Rebind(ctx context.Context, from, to string) (int, error)
}

// Cache is the read-through snapshot store.
type Cache interface {
	Get(ctx context.Context, e model.Entity) (*cache.Snapshot, error)
	ReplaceAll(ctx context.Context, e model.Entity, records []model.Record) error
	Update(ctx context.Context, e model.Entity, fn func([]model.Record) []model.Record) error
	Merge(ctx context.Context, e model.Entity, changes []model.EntityChange) error
	Watermark(ctx context.Context) (time.Time, error)
	SetWatermark(ctx context.Context, t time.Time) error
}
