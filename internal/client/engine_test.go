package client

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pos-sync-service/internal/api"
	"pos-sync-service/internal/config"
	"pos-sync-service/internal/model"
	"pos-sync-service/internal/store"
	syncsvc "pos-sync-service/internal/sync"
)

const testToken = "terminal-token"

func newSyncServer(t *testing.T) (*httptest.Server, *syncsvc.Manager) {
	t.Helper()
	cfg := &config.Config{
		Server: config.ServerConfig{AuthToken: testToken, CorsOrigins: []string{"*"}},
		Sync: config.SyncConfig{
			PullDefaultLimit:  1000,
			PullMaxLimit:      1000,
			PullDefaultWindow: 24 * time.Hour,
		},
	}
	s, err := store.Open(config.StateStorage{Type: "sqlite", FilePath: filepath.Join(t.TempDir(), "server.db")})
	require.NoError(t, err)
	m, err := syncsvc.NewManager(cfg, s)
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })

	srv := httptest.NewServer(api.NewHandler(m, cfg).Routes())
	t.Cleanup(srv.Close)
	return srv, m
}

func newTestEngine(t *testing.T, serverURL, dataDir string) *Engine {
	t.Helper()
	e, err := NewEngine(context.Background(), config.ClientConfig{
		ServerURL:      serverURL,
		AuthToken:      testToken,
		DataDir:        dataDir,
		MaxRetries:     3,
		DrainInterval:  time.Hour,
		PingInterval:   time.Second,
		RequestTimeout: 5 * time.Second,
		PullLimit:      100,
	})
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return e
}

func TestEngine_OfflineCreateSyncsOnReconnect(t *testing.T) {
	srv, m := newSyncServer(t)
	e := newTestEngine(t, srv.URL, t.TempDir())
	ctx := context.Background()

	var events []EventKind
	unsubscribe := e.Subscribe(func(ev Event) { events = append(events, ev.Kind) })
	defer unsubscribe()

	e.conn.SetOnline(false)
	res, err := e.Mutate(ctx, Mutation{Entity: model.EntityProduct, Action: model.ActionCreate, Payload: json.RawMessage(`{"sku":"X1"}`)})
	require.NoError(t, err)
	require.True(t, res.Pending)

	size, err := e.QueueSize(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, size)

	assert.True(t, e.CheckConnectivity(ctx))
	drained, err := e.DrainNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, drained.Synced)

	size, err = e.QueueSize(ctx)
	require.NoError(t, err)
	assert.Zero(t, size)

	snap, err := e.CachedCollection(ctx, model.EntityProduct)
	require.NoError(t, err)
	require.Len(t, snap.Records, 1)
	rec := snap.Records[0]
	assert.False(t, strings.HasPrefix(rec.ID, ProvisionalPrefix), "provisional id replaced by the server id")
	assert.Equal(t, int64(1), rec.Version)
	var payload model.ProductPayload
	require.NoError(t, json.Unmarshal(rec.Data, &payload))
	assert.Equal(t, "X1", payload.SKU)

	conflicts, err := m.Store().ListConflicts(ctx, false, 10, 0)
	require.NoError(t, err)
	assert.Empty(t, conflicts)

	assert.Contains(t, events, EventOptimistic)
	assert.Contains(t, events, EventSynced)
	assert.Contains(t, events, EventRefreshed)
}

func TestEngine_PullSeesOtherTerminals(t *testing.T) {
	srv, _ := newSyncServer(t)
	a := newTestEngine(t, srv.URL, t.TempDir())
	b := newTestEngine(t, srv.URL, t.TempDir())
	ctx := context.Background()
	assert.NotEqual(t, a.ClientID(), b.ClientID())

	created, err := a.Mutate(ctx, Mutation{Entity: model.EntityProduct, Action: model.ActionCreate, Payload: json.RawMessage(`{"sku":"X1","priceCents":250}`)})
	require.NoError(t, err)
	require.False(t, created.Pending)

	_, err = a.Mutate(ctx, Mutation{Entity: model.EntitySale, Action: model.ActionCreate, Payload: json.RawMessage(`{"productId":"` + created.ServerID + `","quantity":2}`)})
	require.NoError(t, err)

	res, err := b.Pull(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Changes)

	products, err := b.CachedCollection(ctx, model.EntityProduct)
	require.NoError(t, err)
	_, ok := products.Find(created.ServerID)
	assert.True(t, ok)

	sales, err := b.CachedCollection(ctx, model.EntitySale)
	require.NoError(t, err)
	assert.Len(t, sales.Records, 1)

	wm, err := b.Watermark(ctx)
	require.NoError(t, err)
	assert.False(t, wm.IsZero())

	records, src, err := b.Read(ctx, model.EntityProduct)
	require.NoError(t, err)
	assert.Equal(t, SourceNetwork, src)
	assert.Len(t, records, 1)
}

func TestEngine_ConflictingCreateIsReported(t *testing.T) {
	srv, m := newSyncServer(t)
	a := newTestEngine(t, srv.URL, t.TempDir())
	b := newTestEngine(t, srv.URL, t.TempDir())
	ctx := context.Background()

	_, err := a.Mutate(ctx, Mutation{Entity: model.EntityProduct, Action: model.ActionCreate, Payload: json.RawMessage(`{"sku":"X1"}`)})
	require.NoError(t, err)

	_, err = b.Enqueue(ctx, Mutation{Entity: model.EntityProduct, Action: model.ActionCreate, Payload: json.RawMessage(`{"sku":"X1"}`)})
	require.NoError(t, err)
	res, err := b.DrainNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Conflicts)

	pending, err := b.PendingOperations(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)

	conflicts, err := m.Store().ListConflicts(ctx, false, 10, 0)
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	assert.Equal(t, model.ConflictState, conflicts[0].ConflictType)
	assert.Equal(t, b.ClientID(), conflicts[0].ClientID)
}

func TestEngine_ClientIDPersists(t *testing.T) {
	dir := t.TempDir()
	e, err := NewEngine(context.Background(), config.ClientConfig{ServerURL: "http://127.0.0.1:1", DataDir: dir})
	require.NoError(t, err)
	id := e.ClientID()
	require.NotEmpty(t, id)
	require.NoError(t, e.Close())

	again := newTestEngine(t, "http://127.0.0.1:1", dir)
	assert.Equal(t, id, again.ClientID())

	configured, err := NewEngine(context.Background(), config.ClientConfig{ServerURL: "http://127.0.0.1:1", DataDir: t.TempDir(), ClientID: "till-7"})
	require.NoError(t, err)
	defer configured.Close()
	assert.Equal(t, "till-7", configured.ClientID())

	_, err = configured.CachedCollection(context.Background(), "invoice")
	assert.Error(t, err)
}

func TestEngine_StartStop(t *testing.T) {
	srv, _ := newSyncServer(t)
	e := newTestEngine(t, srv.URL, t.TempDir())
	ctx := context.Background()

	require.NoError(t, e.Start(ctx))
	assert.Error(t, e.Start(ctx), "already started")
	assert.True(t, e.Online())
	assert.Equal(t, StateIdle, e.State())

	e.Stop()
	e.Stop()
	require.NoError(t, e.Close())
}
