package sync

import (
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"pos-sync-service/internal/config"
	"pos-sync-service/internal/model"
	"pos-sync-service/internal/store"
)

func newTestStore(t *testing.T) *store.SQLStore {
	t.Helper()
	s, err := store.Open(config.StateStorage{Type: "sqlite", FilePath: filepath.Join(t.TempDir(), "state.db")})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// fakeClock returns a settable, strictly advancing clock.
type fakeClock struct {
	t time.Time
}

func (c *fakeClock) Now() time.Time { return c.t }

func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newPushHandler(t *testing.T, s store.Store, clock *fakeClock) *PushHandler {
	t.Helper()
	registry, err := DefaultRegistry(NewResolver(clock.Now))
	require.NoError(t, err)
	return NewPushHandler(s, registry, clock.Now)
}

func createOp(opID string, e model.Entity, payload string) model.SyncOperation {
	return model.SyncOperation{
		OpID:     opID,
		Entity:   e,
		Action:   model.ActionCreate,
		Payload:  json.RawMessage(payload),
		ClientID: "pos-1",
	}
}

func updateOp(opID string, e model.Entity, id, payload string, at time.Time) model.SyncOperation {
	return model.SyncOperation{
		OpID:            opID,
		Entity:          e,
		Action:          model.ActionUpdate,
		EntityID:        id,
		Payload:         json.RawMessage(payload),
		ClientUpdatedAt: at,
		ClientID:        "pos-1",
	}
}

func storeFilterAll() store.Filter { return store.Filter{} }
