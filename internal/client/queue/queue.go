// Package queue is the client's durable FIFO of operations waiting to reach the server.
package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"pos-sync-service/internal/database"
	"pos-sync-service/internal/logger"
	"pos-sync-service/internal/model"
)

const schema = `
CREATE TABLE IF NOT EXISTS queued_operations (
    id                TEXT PRIMARY KEY,
    method            TEXT NOT NULL,
    resource          TEXT NOT NULL,
    payload           TEXT,
    client_updated_at INTEGER NOT NULL,
    base_version      INTEGER,
    enqueued_at       INTEGER NOT NULL UNIQUE,
    retry_count       INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_queued_operations_enqueued ON queued_operations (enqueued_at);
`

const columns = "id, method, resource, payload, client_updated_at, base_version, enqueued_at, retry_count"

// QueuedOperation is a pending mutation bound to a method and resource.
type QueuedOperation struct {
	ID              string          `json:"id" yaml:"id"`
	Method          model.Method    `json:"method" yaml:"method"`
	Resource        string          `json:"resource" yaml:"resource"`
	Payload         json.RawMessage `json:"payload,omitempty" yaml:"-"`
	ClientUpdatedAt time.Time       `json:"clientUpdatedAt" yaml:"clientUpdatedAt"`
	BaseVersion     *int64          `json:"baseVersion,omitempty" yaml:"baseVersion,omitempty"`
	EnqueuedAt      time.Time       `json:"enqueuedAt" yaml:"enqueuedAt"`
	RetryCount      int             `json:"retryCount" yaml:"retryCount"`
}

// SyncOperation converts the queued form into the push wire form.
func (op *QueuedOperation) SyncOperation(clientID string) (model.SyncOperation, error) {
	entity, id, err := model.ParseResource(op.Resource)
	if err != nil {
		return model.SyncOperation{}, err
	}
	action, err := op.Method.Action()
	if err != nil {
		return model.SyncOperation{}, err
	}
	return model.SyncOperation{
		OpID:            op.ID,
		Entity:          entity,
		Action:          action,
		EntityID:        id,
		Payload:         op.Payload,
		ClientUpdatedAt: op.ClientUpdatedAt,
		ClientID:        clientID,
		BaseVersion:     op.BaseVersion,
	}, nil
}

// Queue persists operations in SQLite, ordered by a strictly increasing
// enqueue timestamp.
type Queue struct {
	db   *database.Database
	mu   sync.Mutex
	last int64
	now  func() time.Time
}

// Open creates or reopens the queue file at path.
func Open(path string) (*Queue, error) {
	db, err := database.OpenSQLite(path)
	if err != nil {
		return nil, err
	}
	q, err := New(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return q, nil
}

func New(db *database.Database) (*Queue, error) {
	if _, err := db.DB.Exec(schema); err != nil {
		return nil, fmt.Errorf("failed to apply queue schema: %w", err)
	}
	q := &Queue{db: db, now: time.Now}
	if err := db.DB.QueryRow(`SELECT COALESCE(MAX(enqueued_at), 0) FROM queued_operations`).Scan(&q.last); err != nil {
		return nil, fmt.Errorf("failed to read queue tail: %w", err)
	}
	return q, nil
}

func (q *Queue) Close() error {
	return q.db.Close()
}

// Enqueue stores op with a fresh enqueue time and zero retries and returns its id.
// An empty ID is replaced by a new UUID.
func (q *Queue) Enqueue(ctx context.Context, op *QueuedOperation) (string, error) {
	if _, _, err := model.ParseResource(op.Resource); err != nil {
		return "", err
	}
	if _, err := op.Method.Action(); err != nil {
		return "", err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if op.ID == "" {
		op.ID = uuid.New().String()
	}
	at := q.now().UnixNano()
	if at <= q.last {
		at = q.last + 1
	}
	if op.ClientUpdatedAt.IsZero() {
		op.ClientUpdatedAt = time.Unix(0, at).UTC()
	}

	var payload sql.NullString
	if len(op.Payload) > 0 {
		payload = sql.NullString{String: string(op.Payload), Valid: true}
	}
	var base sql.NullInt64
	if op.BaseVersion != nil {
		base = sql.NullInt64{Int64: *op.BaseVersion, Valid: true}
	}

	_, err := q.db.DB.ExecContext(ctx,
		`INSERT INTO queued_operations (`+columns+`) VALUES (?, ?, ?, ?, ?, ?, ?, 0)`,
		op.ID, string(op.Method), op.Resource, payload, op.ClientUpdatedAt.UnixNano(), base, at)
	if err != nil {
		return "", fmt.Errorf("enqueue %s: %w", op.ID, err)
	}

	q.last = at
	op.EnqueuedAt = time.Unix(0, at).UTC()
	op.RetryCount = 0

	logger.Log.Debug("Operation queued",
		zap.String("id", op.ID),
		zap.String("method", string(op.Method)),
		zap.String("resource", op.Resource),
	)
	return op.ID, nil
}

// ListAll returns every pending operation in enqueue order. It has no side effects.
func (q *Queue) ListAll(ctx context.Context) ([]*QueuedOperation, error) {
	rows, err := q.db.DB.QueryContext(ctx, `SELECT `+columns+` FROM queued_operations ORDER BY enqueued_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("list queue: %w", err)
	}
	defer rows.Close()

	var ops []*QueuedOperation
	for rows.Next() {
		op, err := scan(rows)
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	return ops, rows.Err()
}

// Remove deletes id; unknown ids are ignored.
func (q *Queue) Remove(ctx context.Context, id string) error {
	if _, err := q.db.DB.ExecContext(ctx, `DELETE FROM queued_operations WHERE id = ?`, id); err != nil {
		return fmt.Errorf("remove %s: %w", id, err)
	}
	return nil
}

// IncrementRetry bumps the retry counter of id and returns the new value,
// or 0 when id is no longer queued.
func (q *Queue) IncrementRetry(ctx context.Context, id string) (int, error) {
	var count int
	err := q.db.ExecTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE queued_operations SET retry_count = retry_count + 1 WHERE id = ?`, id)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil
		}
		return tx.QueryRowContext(ctx, `SELECT retry_count FROM queued_operations WHERE id = ?`, id).Scan(&count)
	})
	if err != nil {
		return 0, fmt.Errorf("increment retry %s: %w", id, err)
	}
	return count, nil
}

func (q *Queue) Size(ctx context.Context) (int, error) {
	var n int
	if err := q.db.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM queued_operations`).Scan(&n); err != nil {
		return 0, fmt.Errorf("queue size: %w", err)
	}
	return n, nil
}

// Rebind moves every operation targeting resource from onto resource to and
// reports how many moved.
func (q *Queue) Rebind(ctx context.Context, from, to string) (int, error) {
	if _, _, err := model.ParseResource(to); err != nil {
		return 0, err
	}
	res, err := q.db.DB.ExecContext(ctx, `UPDATE queued_operations SET resource = ? WHERE resource = ?`, to, from)
	if err != nil {
		return 0, fmt.Errorf("rebind %s: %w", from, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rebind %s: %w", from, err)
	}
	return int(n), nil
}

// EvictExceeding removes every operation with more than maxRetries failures
// and returns what it removed; the count is len of the result.
func (q *Queue) EvictExceeding(ctx context.Context, maxRetries int) ([]*QueuedOperation, error) {
	var evicted []*QueuedOperation
	err := q.db.ExecTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx,
			`SELECT `+columns+` FROM queued_operations WHERE retry_count > ? ORDER BY enqueued_at ASC`, maxRetries)
		if err != nil {
			return err
		}
		for rows.Next() {
			op, err := scan(rows)
			if err != nil {
				rows.Close()
				return err
			}
			evicted = append(evicted, op)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}
		if len(evicted) == 0 {
			return nil
		}
		_, err = tx.ExecContext(ctx, `DELETE FROM queued_operations WHERE retry_count > ?`, maxRetries)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("evict exceeding %d retries: %w", maxRetries, err)
	}
	return evicted, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scan(row rowScanner) (*QueuedOperation, error) {
	var (
		op        QueuedOperation
		method    string
		payload   sql.NullString
		updatedAt int64
		base      sql.NullInt64
		enqueued  int64
	)
	if err := row.Scan(&op.ID, &method, &op.Resource, &payload, &updatedAt, &base, &enqueued, &op.RetryCount); err != nil {
		return nil, fmt.Errorf("scan queued operation: %w", err)
	}
	op.Method = model.Method(method)
	if payload.Valid {
		op.Payload = json.RawMessage(payload.String)
	}
	if base.Valid {
		v := base.Int64
		op.BaseVersion = &v
	}
	op.ClientUpdatedAt = time.Unix(0, updatedAt).UTC()
	op.EnqueuedAt = time.Unix(0, enqueued).UTC()
	return &op, nil
}
