package model

import (
	"fmt"
	"strings"
)

// Entity tags the closed set of synchronized entity types.
type Entity string

const (
	EntityProduct         Entity = "product"
	EntitySale            Entity = "sale"
	EntityStockAdjustment Entity = "stock_adjustment"
	EntityTableSession    Entity = "table_session"
)

// AllEntities lists every entity tag in pull order.
var AllEntities = []Entity{
	EntityProduct,
	EntityTableSession,
	EntitySale,
	EntityStockAdjustment,
}

// ParseEntity accepts the canonical tag, case-insensitively.
func ParseEntity(s string) (Entity, error) {
	e := Entity(strings.ToLower(strings.TrimSpace(s)))
	if !e.Valid() {
		return "", &ValidationError{Field: "entity", Reason: fmt.Sprintf("unknown entity %q", s)}
	}
	return e, nil
}

func (e Entity) Valid() bool {
	for _, known := range AllEntities {
		if e == known {
			return true
		}
	}
	return false
}

// AppendOnly reports whether records of this entity are immutable once created.
// Append-only entities are pulled by creation time.
func (e Entity) AppendOnly() bool {
	return e == EntitySale || e == EntityStockAdjustment
}

type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

func ParseAction(s string) (Action, error) {
	switch a := Action(strings.ToLower(strings.TrimSpace(s))); a {
	case ActionCreate, ActionUpdate, ActionDelete:
		return a, nil
	default:
		return "", &ValidationError{Field: "action", Reason: fmt.Sprintf("unknown action %q", s)}
	}
}

// ValidationError reports a payload or envelope that cannot be accepted.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Reason)
}
