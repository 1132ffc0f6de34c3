package sync

import (
	"fmt"
	"time"

	"pos-sync-service/internal/model"
)

type EventType string

const (
	Insert EventType = "INSERT"
	Update EventType = "UPDATE"
	Delete EventType = "DELETE"
)

// BinlogEvent is a row change observed on an entity table.
type BinlogEvent struct {
	Type      EventType
	Entity    model.Entity
	Table     string
	IDs       []string
	Timestamp time.Time
}

func (e BinlogEvent) String() string {
	return fmt.Sprintf("[%s] %s (%d rows)", e.Type, e.Table, len(e.IDs))
}

// Status is reported by the health endpoint.
type Status struct {
	Running     bool      `json:"running"`
	Realtime    bool      `json:"realtime"`
	StartedAt   time.Time `json:"startedAt"`
	Subscribers int       `json:"subscribers"`
	LastPushAt  time.Time `json:"lastPushAt"`
	Pushes      int64     `json:"pushes"`
	Pulls       int64     `json:"pulls"`
}
