// Package cache keeps the last-known-good copy of server collections on the client.
package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"pos-sync-service/internal/database"
	"pos-sync-service/internal/logger"
	"pos-sync-service/internal/model"
)

const schema = `
CREATE TABLE IF NOT EXISTS cache_records (
    entity   TEXT NOT NULL,
    position INTEGER NOT NULL,
    id       TEXT NOT NULL,
    record   TEXT NOT NULL,
    PRIMARY KEY (entity, id)
);
CREATE INDEX IF NOT EXISTS idx_cache_records_position ON cache_records (entity, position);

CREATE TABLE IF NOT EXISTS cache_snapshots (
    entity     TEXT PRIMARY KEY,
    fetched_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS sync_state (
    key   TEXT PRIMARY KEY,
    value TEXT NOT NULL
);
`

const watermarkKey = "pull_watermark"

// Snapshot is the full last-fetched collection of one entity.
type Snapshot struct {
	Entity    model.Entity   `json:"entity" yaml:"entity"`
	Records   []model.Record `json:"records" yaml:"records"`
	FetchedAt time.Time      `json:"fetchedAt" yaml:"fetchedAt"`
}

func (s *Snapshot) Empty() bool { return len(s.Records) == 0 }

// Find returns the record with id, if present.
func (s *Snapshot) Find(id string) (model.Record, bool) {
	for _, r := range s.Records {
		if r.ID == id {
			return r, true
		}
	}
	return model.Record{}, false
}

// Cache stores snapshots and the pull watermark in SQLite.
type Cache struct {
	db  *database.Database
	now func() time.Time
}

func Open(path string) (*Cache, error) {
	db, err := database.OpenSQLite(path)
	if err != nil {
		return nil, err
	}
	c, err := New(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return c, nil
}

func New(db *database.Database) (*Cache, error) {
	if _, err := db.DB.Exec(schema); err != nil {
		return nil, fmt.Errorf("failed to apply cache schema: %w", err)
	}
	return &Cache{db: db, now: time.Now}, nil
}

func (c *Cache) Close() error {
	return c.db.Close()
}

// Get returns the current snapshot of e, empty when nothing was cached yet.
func (c *Cache) Get(ctx context.Context, e model.Entity) (*Snapshot, error) {
	snap := &Snapshot{Entity: e, Records: []model.Record{}}
	err := c.db.ExecTx(ctx, func(tx *sql.Tx) error {
		records, fetchedAt, err := load(ctx, tx, e)
		if err != nil {
			return err
		}
		snap.Records, snap.FetchedAt = records, fetchedAt
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("get %s snapshot: %w", e, err)
	}
	return snap, nil
}

// ReplaceAll swaps the snapshot of e for records in one transaction.
func (c *Cache) ReplaceAll(ctx context.Context, e model.Entity, records []model.Record) error {
	err := c.db.ExecTx(ctx, func(tx *sql.Tx) error {
		return store(ctx, tx, e, records, c.now())
	})
	if err != nil {
		return fmt.Errorf("replace %s snapshot: %w", e, err)
	}
	logger.Log.Debug("Cache snapshot replaced", zap.String("entity", string(e)), zap.Int("records", len(records)))
	return nil
}

// Update rewrites the snapshot of e through fn atomically. It backs the
// optimistic path and merges of pulled changes; the result is still stored
// as a wholesale replace.
func (c *Cache) Update(ctx context.Context, e model.Entity, fn func([]model.Record) []model.Record) error {
	err := c.db.ExecTx(ctx, func(tx *sql.Tx) error {
		current, _, err := load(ctx, tx, e)
		if err != nil {
			return err
		}
		return store(ctx, tx, e, fn(current), c.now())
	})
	if err != nil {
		return fmt.Errorf("update %s snapshot: %w", e, err)
	}
	return nil
}

// Merge applies the pulled changes of e by id: deletes drop the record, anything
// else replaces or appends it. Changes of other entities are skipped.
func (c *Cache) Merge(ctx context.Context, e model.Entity, changes []model.EntityChange) error {
	var mine []model.EntityChange
	for _, ch := range changes {
		if ch.Entity == e {
			mine = append(mine, ch)
		}
	}
	if len(mine) == 0 {
		return nil
	}
	return c.Update(ctx, e, func(records []model.Record) []model.Record {
		return MergeChanges(records, mine)
	})
}

// MergeChanges is the pure form of Merge.
func MergeChanges(records []model.Record, changes []model.EntityChange) []model.Record {
	index := make(map[string]int, len(records))
	for i, r := range records {
		index[r.ID] = i
	}
	removed := make(map[string]bool)
	for _, ch := range changes {
		if ch.Deleted || ch.Action == model.ActionDelete {
			removed[ch.ID] = true
			continue
		}
		delete(removed, ch.ID)
		// The change carries the server's version; a cached one is stale by now.
		rec := model.Record{ID: ch.ID, Entity: ch.Entity, Data: ch.Data, Version: ch.Version, UpdatedAt: ch.UpdatedAt}
		if i, ok := index[ch.ID]; ok {
			rec.CreatedAt = records[i].CreatedAt
			records[i] = rec
			continue
		}
		index[ch.ID] = len(records)
		records = append(records, rec)
	}
	if len(removed) == 0 {
		return records
	}
	out := records[:0]
	for _, r := range records {
		if !removed[r.ID] {
			out = append(out, r)
		}
	}
	return out
}

// Watermark returns the last pull position, zero before the first pull.
func (c *Cache) Watermark(ctx context.Context) (time.Time, error) {
	v, ok, err := c.Value(ctx, watermarkKey)
	if err != nil || !ok {
		return time.Time{}, err
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse watermark %q: %w", v, err)
	}
	return t, nil
}

func (c *Cache) SetWatermark(ctx context.Context, t time.Time) error {
	return c.SetValue(ctx, watermarkKey, t.UTC().Format(time.RFC3339Nano))
}

// Value reads a client state entry such as the installation id.
func (c *Cache) Value(ctx context.Context, key string) (string, bool, error) {
	var v string
	err := c.db.DB.QueryRowContext(ctx, `SELECT value FROM sync_state WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("read %s: %w", key, err)
	}
	return v, true, nil
}

func (c *Cache) SetValue(ctx context.Context, key, value string) error {
	_, err := c.db.DB.ExecContext(ctx,
		`INSERT INTO sync_state (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value)
	if err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}
	return nil
}

func load(ctx context.Context, tx *sql.Tx, e model.Entity) ([]model.Record, time.Time, error) {
	var fetchedAt time.Time
	var ms int64
	err := tx.QueryRowContext(ctx, `SELECT fetched_at FROM cache_snapshots WHERE entity = ?`, string(e)).Scan(&ms)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return nil, fetchedAt, err
	default:
		fetchedAt = time.UnixMilli(ms).UTC()
	}

	rows, err := tx.QueryContext(ctx, `SELECT record FROM cache_records WHERE entity = ? ORDER BY position`, string(e))
	if err != nil {
		return nil, fetchedAt, err
	}
	defer rows.Close()

	records := []model.Record{}
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fetchedAt, err
		}
		var rec model.Record
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return nil, fetchedAt, fmt.Errorf("decode cached %s: %w", e, err)
		}
		records = append(records, rec)
	}
	return records, fetchedAt, rows.Err()
}

func store(ctx context.Context, tx *sql.Tx, e model.Entity, records []model.Record, at time.Time) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM cache_records WHERE entity = ?`, string(e)); err != nil {
		return err
	}
	for i, rec := range records {
		rec.Entity = e
		raw, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO cache_records (entity, position, id, record) VALUES (?, ?, ?, ?)
			 ON CONFLICT(entity, id) DO UPDATE SET position = excluded.position, record = excluded.record`,
			string(e), i, rec.ID, string(raw)); err != nil {
			return err
		}
	}
	_, err := tx.ExecContext(ctx,
		`INSERT INTO cache_snapshots (entity, fetched_at) VALUES (?, ?)
		 ON CONFLICT(entity) DO UPDATE SET fetched_at = excluded.fetched_at`,
		string(e), at.UnixMilli())
	return err
}
