package cache

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pos-sync-service/internal/model"
)

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	c, err := Open(filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func product(id, sku string) model.Record {
	return model.Record{ID: id, Entity: model.EntityProduct, Data: json.RawMessage(`{"sku":"` + sku + `"}`), Version: 1}
}

func TestCache_GetEmpty(t *testing.T) {
	c := newTestCache(t)
	snap, err := c.Get(context.Background(), model.EntityProduct)
	require.NoError(t, err)
	assert.True(t, snap.Empty())
	assert.True(t, snap.FetchedAt.IsZero())
}

func TestCache_ReplaceAllIsWholesale(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.ReplaceAll(ctx, model.EntityProduct, []model.Record{product("p1", "A"), product("p2", "B")}))
	require.NoError(t, c.ReplaceAll(ctx, model.EntitySale, []model.Record{{ID: "s1", Data: json.RawMessage(`{}`)}}))
	require.NoError(t, c.ReplaceAll(ctx, model.EntityProduct, []model.Record{product("p3", "C")}))

	snap, err := c.Get(ctx, model.EntityProduct)
	require.NoError(t, err)
	require.Len(t, snap.Records, 1)
	assert.Equal(t, "p3", snap.Records[0].ID)
	assert.False(t, snap.FetchedAt.IsZero())

	sales, err := c.Get(ctx, model.EntitySale)
	require.NoError(t, err)
	require.Len(t, sales.Records, 1)
	assert.Equal(t, model.EntitySale, sales.Records[0].Entity, "entity is stamped on store")
}

func TestCache_UpdateAndFind(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()
	require.NoError(t, c.ReplaceAll(ctx, model.EntityProduct, []model.Record{product("p1", "A")}))

	require.NoError(t, c.Update(ctx, model.EntityProduct, func(rs []model.Record) []model.Record {
		return append(rs, product("local-op-1", "B"))
	}))

	snap, err := c.Get(ctx, model.EntityProduct)
	require.NoError(t, err)
	_, ok := snap.Find("local-op-1")
	assert.True(t, ok)
	_, ok = snap.Find("nope")
	assert.False(t, ok)
}

func TestCache_Merge(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()
	at := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	require.NoError(t, c.ReplaceAll(ctx, model.EntityProduct, []model.Record{product("p1", "A"), product("p2", "B")}))

	err := c.Merge(ctx, model.EntityProduct, []model.EntityChange{
		{Entity: model.EntityProduct, ID: "p1", Action: model.ActionUpdate, Data: json.RawMessage(`{"sku":"A2"}`), Version: 2, UpdatedAt: at},
		{Entity: model.EntityProduct, ID: "p2", Action: model.ActionDelete, Deleted: true, UpdatedAt: at},
		{Entity: model.EntityProduct, ID: "p3", Action: model.ActionUpdate, Data: json.RawMessage(`{"sku":"C"}`), UpdatedAt: at},
		{Entity: model.EntitySale, ID: "s1", Action: model.ActionUpdate, Data: json.RawMessage(`{}`), UpdatedAt: at},
	})
	require.NoError(t, err)

	snap, err := c.Get(ctx, model.EntityProduct)
	require.NoError(t, err)
	require.Len(t, snap.Records, 2)
	assert.Equal(t, "p1", snap.Records[0].ID)
	assert.JSONEq(t, `{"sku":"A2"}`, string(snap.Records[0].Data))
	assert.Equal(t, int64(2), snap.Records[0].Version, "the pulled version replaces the cached one")
	assert.Equal(t, "p3", snap.Records[1].ID)
}

func TestMergeChanges_DeleteThenRecreate(t *testing.T) {
	out := MergeChanges([]model.Record{product("p1", "A")}, []model.EntityChange{
		{Entity: model.EntityProduct, ID: "p1", Action: model.ActionDelete, Deleted: true},
		{Entity: model.EntityProduct, ID: "p1", Action: model.ActionUpdate, Data: json.RawMessage(`{"sku":"A"}`)},
	})
	require.Len(t, out, 1)
	assert.Equal(t, "p1", out[0].ID)
}

func TestCache_Watermark(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	wm, err := c.Watermark(ctx)
	require.NoError(t, err)
	assert.True(t, wm.IsZero())

	at := time.Date(2026, 5, 1, 8, 0, 0, 123000000, time.UTC)
	require.NoError(t, c.SetWatermark(ctx, at))
	require.NoError(t, c.SetWatermark(ctx, at.Add(time.Second)))

	wm, err = c.Watermark(ctx)
	require.NoError(t, err)
	assert.Equal(t, at.Add(time.Second), wm)
}

func TestCache_Values(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	_, ok, err := c.Value(ctx, "client_id")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.SetValue(ctx, "client_id", "pos-7"))
	v, ok, err := c.Value(ctx, "client_id")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "pos-7", v)
}
