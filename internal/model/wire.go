package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// SyncOperation is the wire form of one client-originated mutation.
type SyncOperation struct {
	OpID            string          `json:"opId"`
	Entity          Entity          `json:"entity"`
	Action          Action          `json:"action"`
	EntityID        string          `json:"entityId,omitempty"`
	Payload         json.RawMessage `json:"payload,omitempty"`
	ClientUpdatedAt time.Time       `json:"clientUpdatedAt"`
	ClientID        string          `json:"clientId"`
	// BaseVersion is the server version the client last observed; optional.
	BaseVersion *int64 `json:"baseVersion,omitempty"`
}

// TypedOperation is a SyncOperation whose payload has been decoded and validated.
// Data is nil for deletes that carry no payload.
type TypedOperation struct {
	SyncOperation
	Data Payload
}

// Typed validates the envelope and decodes the payload for the operation's entity.
func (op SyncOperation) Typed() (TypedOperation, error) {
	if op.OpID == "" {
		return TypedOperation{}, &ValidationError{Field: "opId", Reason: "required"}
	}
	if !op.Entity.Valid() {
		return TypedOperation{}, &ValidationError{Field: "entity", Reason: fmt.Sprintf("unknown entity %q", op.Entity)}
	}
	if _, err := ParseAction(string(op.Action)); err != nil {
		return TypedOperation{}, err
	}
	if op.Action != ActionCreate {
		if op.EntityID == "" {
			return TypedOperation{}, &ValidationError{Field: "entityId", Reason: "required for " + string(op.Action)}
		}
		if op.ClientUpdatedAt.IsZero() {
			return TypedOperation{}, &ValidationError{Field: "clientUpdatedAt", Reason: "required for " + string(op.Action)}
		}
	}

	typed := TypedOperation{SyncOperation: op}
	if op.Action == ActionDelete && len(op.Payload) == 0 {
		return typed, nil
	}
	data, err := DecodePayload(op.Entity, op.Payload)
	if err != nil {
		return TypedOperation{}, err
	}
	typed.Data = data
	return typed, nil
}

type ConflictType string

const (
	ConflictTimestamp ConflictType = "timestamp"
	ConflictVersion   ConflictType = "version"
	ConflictState     ConflictType = "state"
)

type ConflictRecord struct {
	OpID         string          `json:"opId"`
	Entity       Entity          `json:"entity"`
	Action       Action          `json:"action"`
	ConflictType ConflictType    `json:"conflictType"`
	ClientData   json.RawMessage `json:"clientData,omitempty"`
	ServerData   json.RawMessage `json:"serverData,omitempty"`
	Message      string          `json:"message"`
}

type OpError struct {
	OpID  string `json:"opId"`
	Error string `json:"error"`
}

type PushRequest struct {
	ClientID   string          `json:"clientId"`
	Operations []SyncOperation `json:"operations"`
}

type PushResponse struct {
	Processed        int               `json:"processed"`
	CreatedServerIDs map[string]string `json:"createdServerIds"`
	Conflicts        []ConflictRecord  `json:"conflicts"`
	Errors           []OpError         `json:"errors"`
}

// Outcome reports how the push treated opID.
func (r *PushResponse) Outcome(opID string) (conflict *ConflictRecord, opErr *OpError) {
	for i := range r.Conflicts {
		if r.Conflicts[i].OpID == opID {
			return &r.Conflicts[i], nil
		}
	}
	for i := range r.Errors {
		if r.Errors[i].OpID == opID {
			return nil, &r.Errors[i]
		}
	}
	return nil, nil
}

type EntityChange struct {
	Entity    Entity          `json:"entity"`
	ID        string          `json:"id"`
	Action    Action          `json:"action"`
	Data      json.RawMessage `json:"data"`
	Version   int64           `json:"version"`
	UpdatedAt time.Time       `json:"updatedAt"`
	Deleted   bool            `json:"deleted"`
}

type PullResponse struct {
	Changes      []EntityChange `json:"changes"`
	LastSyncTime time.Time      `json:"lastSyncTime"`
	HasMore      bool           `json:"hasMore"`
}

// Record is one stored entity instance as served to clients.
type Record struct {
	ID         string          `json:"id"`
	Entity     Entity          `json:"entity"`
	NaturalKey string          `json:"-"`
	Data       json.RawMessage `json:"data"`
	Version    int64           `json:"version"`
	Deleted    bool            `json:"deleted"`
	CreatedAt  time.Time       `json:"createdAt"`
	UpdatedAt  time.Time       `json:"updatedAt"`
}

// SyncTime is the timestamp pulls filter on.
func (r *Record) SyncTime() time.Time {
	if r.Entity.AppendOnly() {
		return r.CreatedAt
	}
	return r.UpdatedAt
}

// Change converts a stored record into its pull representation.
func (r *Record) Change() EntityChange {
	action := ActionUpdate
	if r.Deleted {
		action = ActionDelete
	}
	return EntityChange{
		Entity:    r.Entity,
		ID:        r.ID,
		Action:    action,
		Data:      r.Data,
		Version:   r.Version,
		UpdatedAt: r.SyncTime(),
		Deleted:   r.Deleted,
	}
}

// ChangeNotice tells subscribers that records changed on the server.
type ChangeNotice struct {
	Entity Entity    `json:"entity"`
	IDs    []string  `json:"ids"`
	At     time.Time `json:"at"`
}
