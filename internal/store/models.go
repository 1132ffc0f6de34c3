package store

import (
	"database/sql"
	"encoding/json"
	"time"

	"pos-sync-service/internal/model"
)

// Conflict is the server-side audit copy of a ConflictRecord returned to a client.
type Conflict struct {
	ID                 string             `db:"id"`
	OpID               string             `db:"op_id"`
	ClientID           string             `db:"client_id"`
	Entity             model.Entity       `db:"entity"`
	EntityID           string             `db:"entity_id"`
	Action             model.Action       `db:"action"`
	ConflictType       model.ConflictType `db:"conflict_type"`
	ClientData         json.RawMessage    `db:"client_data"`
	ServerData         json.RawMessage    `db:"server_data"`
	Message            string             `db:"message"`
	DetectedAt         time.Time          `db:"detected_at"`
	Resolved           bool               `db:"resolved"`
	ResolutionStrategy sql.NullString     `db:"resolution_strategy"`
	ResolvedAt         sql.NullTime       `db:"resolved_at"`
	ResolvedData       json.RawMessage    `db:"resolved_data"`
}

// SyncHistory records one push batch.
type SyncHistory struct {
	ID                string    `db:"id"`
	ClientID          string    `db:"client_id"`
	StartedAt         time.Time `db:"started_at"`
	CompletedAt       time.Time `db:"completed_at"`
	Operations        int       `db:"operations"`
	Processed         int       `db:"processed"`
	ConflictsDetected int       `db:"conflicts_detected"`
	Errors            int       `db:"errors"`
}

// AppliedOp remembers an operation that was applied, keyed by its op id.
type AppliedOp struct {
	OpID      string       `db:"op_id"`
	ClientID  string       `db:"client_id"`
	Entity    model.Entity `db:"entity"`
	ServerID  string       `db:"server_id"`
	AppliedAt time.Time    `db:"applied_at"`
}

// Filter selects records of one entity.
type Filter struct {
	// Since keeps records whose sync time (updated_at, or created_at for
	// append-only entities) is at or after it. Zero means no bound.
	Since time.Time
	// NaturalKey keeps records with this business key.
	NaturalKey string
	// ActiveOnly drops soft-deleted records.
	ActiveOnly bool
	Limit      int
	// ForUpdate locks matched rows until the transaction ends.
	ForUpdate bool
}
