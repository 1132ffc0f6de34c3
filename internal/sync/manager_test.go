package sync

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pos-sync-service/internal/config"
	"pos-sync-service/internal/model"
)

func TestManager_PushPublishesAndCounts(t *testing.T) {
	cfg := &config.Config{
		Scheduler: config.SchedulerConfig{Enabled: true, Interval: "@every 1h"},
		Sync:      config.SyncConfig{IdempotencyRetention: time.Hour},
	}
	m, err := NewManager(cfg, newTestStore(t))
	require.NoError(t, err)
	require.NoError(t, m.Start())
	defer m.Stop()
	assert.Error(t, m.Start(), "second start")

	ch, unsubscribe := m.Hub().Subscribe(4)
	defer unsubscribe()

	ctx := context.Background()
	resp, err := m.Push(ctx, model.PushRequest{ClientID: "pos-1", Operations: []model.SyncOperation{
		createOp("op-1", model.EntityProduct, `{"sku":"A1"}`),
	}})
	require.NoError(t, err)
	id := resp.CreatedServerIDs["op-1"]

	n := receive(t, ch)
	assert.Equal(t, []string{id}, n.IDs)

	pulled, err := m.Pull(ctx, time.Time{}, 10)
	require.NoError(t, err)
	assert.Len(t, pulled.Changes, 1)

	st := m.GetStatus()
	assert.True(t, st.Running)
	assert.Equal(t, int64(1), st.Pushes)
	assert.Equal(t, int64(1), st.Pulls)
	assert.Equal(t, 1, st.Subscribers)
	assert.False(t, st.LastPushAt.IsZero())

	m.Stop()
	assert.False(t, m.GetStatus().Running)
}
