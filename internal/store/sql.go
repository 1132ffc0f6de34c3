package store

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"pos-sync-service/internal/config"
	"pos-sync-service/internal/database"
	"pos-sync-service/internal/logger"
	"pos-sync-service/internal/model"
)

//go:embed schema/mysql.sql
var mysqlSchema string

//go:embed schema/sqlite.sql
var sqliteSchema string

var tableNames = map[model.Entity]string{
	model.EntityProduct:         "products",
	model.EntityTableSession:    "table_sessions",
	model.EntitySale:            "sales",
	model.EntityStockAdjustment: "stock_adjustments",
}

// TableName returns the table holding records of e.
func TableName(e model.Entity) (string, bool) {
	t, ok := tableNames[e]
	return t, ok
}

// EntityForTable maps a table name back to its entity.
func EntityForTable(table string) (model.Entity, bool) {
	for e, t := range tableNames {
		if t == table {
			return e, true
		}
	}
	return "", false
}

const recordColumns = "id, natural_key, data, version, deleted, created_at, updated_at"

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// SQLStore implements Store on MySQL or SQLite.
type SQLStore struct {
	db *database.Database
}

// Open connects to the configured storage and applies the schema.
func Open(cfg config.StateStorage) (*SQLStore, error) {
	db, err := database.NewDatabase(cfg)
	if err != nil {
		return nil, err
	}
	s, err := NewSQLStore(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLStore wraps an open database and makes sure the schema exists.
func NewSQLStore(db *database.Database) (*SQLStore, error) {
	schema := sqliteSchema
	if db.Dialect == database.MySQL {
		schema = mysqlSchema
	}
	if _, err := db.DB.Exec(schema); err != nil {
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	logger.Log.Info("State store ready", zap.String("dialect", string(db.Dialect)))
	return &SQLStore{db: db}, nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) Records(entity model.Entity) RecordRepository {
	return s.repo(s.db.DB, entity)
}

func (s *SQLStore) repo(q querier, entity model.Entity) RecordRepository {
	table, ok := tableNames[entity]
	if !ok {
		return missingRepo{entity: entity}
	}
	return &recordRepo{q: q, table: table, entity: entity, lock: s.db.LockClause()}
}

func (s *SQLStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	return s.db.ExecTx(ctx, func(tx *sql.Tx) error {
		return fn(&sqlTx{tx: tx, store: s})
	})
}

type sqlTx struct {
	tx    *sql.Tx
	store *SQLStore
}

func (t *sqlTx) Records(entity model.Entity) RecordRepository {
	return t.store.repo(t.tx, entity)
}

func (t *sqlTx) LookupApplied(ctx context.Context, opID string) (*AppliedOp, error) {
	row := t.tx.QueryRowContext(ctx,
		`SELECT op_id, client_id, entity, server_id, applied_at FROM sync_idempotency WHERE op_id = ?`, opID)

	var op AppliedOp
	var appliedAt int64
	err := row.Scan(&op.OpID, &op.ClientID, &op.Entity, &op.ServerID, &appliedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup applied op: %w", err)
	}
	op.AppliedAt = fromMillis(appliedAt)
	return &op, nil
}

func (t *sqlTx) RecordApplied(ctx context.Context, op *AppliedOp) error {
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO sync_idempotency (op_id, client_id, entity, server_id, applied_at) VALUES (?, ?, ?, ?, ?)`,
		op.OpID, op.ClientID, string(op.Entity), op.ServerID, toMillis(op.AppliedAt))
	if err != nil {
		return fmt.Errorf("record applied op: %w", err)
	}
	return nil
}

type recordRepo struct {
	q      querier
	table  string
	entity model.Entity
	lock   string
}

func (r *recordRepo) syncColumn() string {
	if r.entity.AppendOnly() {
		return "created_at"
	}
	return "updated_at"
}

func (r *recordRepo) FindMany(ctx context.Context, f Filter) ([]*model.Record, error) {
	var (
		where []string
		args  []any
	)
	if !f.Since.IsZero() {
		where = append(where, r.syncColumn()+" >= ?")
		args = append(args, toMillis(f.Since))
	}
	if f.NaturalKey != "" {
		where = append(where, "natural_key = ?")
		args = append(args, f.NaturalKey)
	}
	if f.ActiveOnly {
		where = append(where, "deleted = 0")
	}

	var b strings.Builder
	fmt.Fprintf(&b, "SELECT %s FROM %s", recordColumns, r.table)
	if len(where) > 0 {
		b.WriteString(" WHERE " + strings.Join(where, " AND "))
	}
	fmt.Fprintf(&b, " ORDER BY %s, id", r.syncColumn())
	if f.Limit > 0 {
		b.WriteString(" LIMIT ?")
		args = append(args, f.Limit)
	}
	if f.ForUpdate {
		b.WriteString(r.lock)
	}

	rows, err := r.q.QueryContext(ctx, b.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("find %s: %w", r.entity, err)
	}
	defer rows.Close()

	var records []*model.Record
	for rows.Next() {
		rec, err := r.scan(rows)
		if err != nil {
			return nil, fmt.Errorf("find %s: %w", r.entity, err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("find %s: %w", r.entity, err)
	}
	return records, nil
}

func (r *recordRepo) FindByID(ctx context.Context, id string, forUpdate bool) (*model.Record, error) {
	query := fmt.Sprintf("SELECT %s FROM %s WHERE id = ?", recordColumns, r.table)
	if forUpdate {
		query += r.lock
	}
	rec, err := r.scan(r.q.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%s %s: %w", r.entity, id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("find %s %s: %w", r.entity, id, err)
	}
	return rec, nil
}

func (r *recordRepo) Create(ctx context.Context, rec *model.Record) error {
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (?, ?, ?, ?, ?, ?, ?)", r.table, recordColumns)
	_, err := r.q.ExecContext(ctx, query,
		rec.ID,
		nullString(rec.NaturalKey),
		string(rec.Data),
		rec.Version,
		rec.Deleted,
		toMillis(rec.CreatedAt),
		toMillis(rec.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("create %s: %w", r.entity, err)
	}
	return nil
}

func (r *recordRepo) Update(ctx context.Context, rec *model.Record) error {
	query := fmt.Sprintf(
		"UPDATE %s SET natural_key = ?, data = ?, version = ?, deleted = ?, updated_at = ? WHERE id = ?", r.table)
	res, err := r.q.ExecContext(ctx, query,
		nullString(rec.NaturalKey),
		string(rec.Data),
		rec.Version,
		rec.Deleted,
		toMillis(rec.UpdatedAt),
		rec.ID,
	)
	if err != nil {
		return fmt.Errorf("update %s: %w", r.entity, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update %s: %w", r.entity, err)
	}
	if n == 0 {
		return fmt.Errorf("%s %s: %w", r.entity, rec.ID, ErrNotFound)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (r *recordRepo) scan(row rowScanner) (*model.Record, error) {
	var (
		rec                  model.Record
		naturalKey           sql.NullString
		data                 string
		createdAt, updatedAt int64
	)
	if err := row.Scan(&rec.ID, &naturalKey, &data, &rec.Version, &rec.Deleted, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	rec.Entity = r.entity
	rec.NaturalKey = naturalKey.String
	rec.Data = json.RawMessage(data)
	rec.CreatedAt = fromMillis(createdAt)
	rec.UpdatedAt = fromMillis(updatedAt)
	return &rec, nil
}

type missingRepo struct {
	entity model.Entity
}

func (m missingRepo) err() error {
	return &model.ValidationError{Field: "entity", Reason: fmt.Sprintf("no storage for entity %q", m.entity)}
}

func (m missingRepo) FindMany(context.Context, Filter) ([]*model.Record, error) { return nil, m.err() }
func (m missingRepo) FindByID(context.Context, string, bool) (*model.Record, error) {
	return nil, m.err()
}
func (m missingRepo) Create(context.Context, *model.Record) error { return m.err() }
func (m missingRepo) Update(context.Context, *model.Record) error { return m.err() }

const conflictColumns = `id, op_id, client_id, entity, entity_id, action, conflict_type, client_data, server_data, message,
	detected_at, resolved, resolution_strategy, resolved_at, resolved_data`

func (s *SQLStore) CreateConflict(ctx context.Context, conflict *Conflict) error {
	query := `INSERT INTO sync_conflicts (id, op_id, client_id, entity, entity_id, action, conflict_type, client_data, server_data, message, detected_at, resolved)
			  VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.DB.ExecContext(ctx, query,
		conflict.ID,
		conflict.OpID,
		conflict.ClientID,
		string(conflict.Entity),
		conflict.EntityID,
		string(conflict.Action),
		string(conflict.ConflictType),
		nullJSON(conflict.ClientData),
		nullJSON(conflict.ServerData),
		conflict.Message,
		toMillis(conflict.DetectedAt),
		conflict.Resolved,
	)
	if err != nil {
		return fmt.Errorf("create conflict: %w", err)
	}
	return nil
}

func (s *SQLStore) GetConflict(ctx context.Context, id string) (*Conflict, error) {
	query := `SELECT ` + conflictColumns + ` FROM sync_conflicts WHERE id = ?`

	c, err := scanConflict(s.db.DB.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (s *SQLStore) ListConflicts(ctx context.Context, resolved bool, limit, offset int) ([]*Conflict, error) {
	query := `SELECT ` + conflictColumns + ` FROM sync_conflicts WHERE resolved = ? ORDER BY detected_at, id LIMIT ? OFFSET ?`

	rows, err := s.db.DB.QueryContext(ctx, query, resolved, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var conflicts []*Conflict
	for rows.Next() {
		c, err := scanConflict(rows)
		if err != nil {
			return nil, err
		}
		conflicts = append(conflicts, c)
	}
	return conflicts, rows.Err()
}

func (s *SQLStore) ResolveConflict(ctx context.Context, id string, strategy string, resolvedData []byte) error {
	query := `UPDATE sync_conflicts SET resolved = ?, resolution_strategy = ?, resolved_data = ?, resolved_at = ? WHERE id = ?`

	res, err := s.db.DB.ExecContext(ctx, query, true, strategy, nullJSON(resolvedData), toMillis(time.Now()), id)
	if err != nil {
		return fmt.Errorf("resolve conflict: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("resolve conflict: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("conflict %s: %w", id, ErrNotFound)
	}
	return nil
}

func scanConflict(row rowScanner) (*Conflict, error) {
	var (
		c                                  Conflict
		clientData, serverData, resolvedDt sql.NullString
		detectedAt                         int64
		resolvedAt                         sql.NullInt64
	)
	err := row.Scan(
		&c.ID,
		&c.OpID,
		&c.ClientID,
		&c.Entity,
		&c.EntityID,
		&c.Action,
		&c.ConflictType,
		&clientData,
		&serverData,
		&c.Message,
		&detectedAt,
		&c.Resolved,
		&c.ResolutionStrategy,
		&resolvedAt,
		&resolvedDt,
	)
	if err != nil {
		return nil, err
	}
	c.ClientData = rawOrNil(clientData)
	c.ServerData = rawOrNil(serverData)
	c.ResolvedData = rawOrNil(resolvedDt)
	c.DetectedAt = fromMillis(detectedAt)
	if resolvedAt.Valid {
		c.ResolvedAt = sql.NullTime{Time: fromMillis(resolvedAt.Int64), Valid: true}
	}
	return &c, nil
}

func (s *SQLStore) CreateSyncHistory(ctx context.Context, h *SyncHistory) error {
	query := `INSERT INTO sync_history (id, client_id, started_at, completed_at, operations, processed, conflicts_detected, errors)
			  VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.DB.ExecContext(ctx, query,
		h.ID,
		h.ClientID,
		toMillis(h.StartedAt),
		toMillis(h.CompletedAt),
		h.Operations,
		h.Processed,
		h.ConflictsDetected,
		h.Errors,
	)
	if err != nil {
		return fmt.Errorf("create sync history: %w", err)
	}
	return nil
}

func (s *SQLStore) GetSyncHistory(ctx context.Context, limit, offset int) ([]*SyncHistory, error) {
	query := `SELECT id, client_id, started_at, completed_at, operations, processed, conflicts_detected, errors
			  FROM sync_history ORDER BY started_at DESC, id LIMIT ? OFFSET ?`

	rows, err := s.db.DB.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var history []*SyncHistory
	for rows.Next() {
		var h SyncHistory
		var started, completed int64
		err := rows.Scan(&h.ID, &h.ClientID, &started, &completed, &h.Operations, &h.Processed, &h.ConflictsDetected, &h.Errors)
		if err != nil {
			return nil, err
		}
		h.StartedAt = fromMillis(started)
		h.CompletedAt = fromMillis(completed)
		history = append(history, &h)
	}
	return history, rows.Err()
}

func (s *SQLStore) PruneApplied(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.DB.ExecContext(ctx, `DELETE FROM sync_idempotency WHERE applied_at < ?`, toMillis(before))
	if err != nil {
		return 0, fmt.Errorf("prune idempotency keys: %w", err)
	}
	return res.RowsAffected()
}

// PruneAudit drops resolved conflicts and push history older than before.
func (s *SQLStore) PruneAudit(ctx context.Context, before time.Time) (int64, error) {
	cutoff := toMillis(before)
	var total int64
	err := s.db.ExecTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM sync_conflicts WHERE resolved = ? AND detected_at < ?`, true, cutoff)
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		total += n

		res, err = tx.ExecContext(ctx, `DELETE FROM sync_history WHERE started_at < ?`, cutoff)
		if err != nil {
			return err
		}
		n, _ = res.RowsAffected()
		total += n
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("prune audit: %w", err)
	}
	return total, nil
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullJSON(b []byte) sql.NullString {
	return sql.NullString{String: string(b), Valid: len(b) > 0}
}

func rawOrNil(s sql.NullString) json.RawMessage {
	if !s.Valid || s.String == "" {
		return nil
	}
	return json.RawMessage(s.String)
}

// IsNotFound reports whether err wraps ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
