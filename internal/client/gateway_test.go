package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pos-sync-service/internal/client/transport"
	"pos-sync-service/internal/model"
)

func products(ids ...string) []model.Record {
	out := make([]model.Record, 0, len(ids))
	for _, id := range ids {
		out = append(out, model.Record{ID: id, Entity: model.EntityProduct, Data: json.RawMessage(`{"sku":"` + id + `"}`), Version: 2})
	}
	return out
}

func TestRead_FallsBackToCache(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	g := f.gateway()

	f.transport.fetchFn = func(model.Entity) ([]model.Record, error) { return products("p1", "p2"), nil }
	records, src, err := g.Read(ctx, model.EntityProduct)
	require.NoError(t, err)
	assert.Equal(t, SourceNetwork, src)
	assert.Len(t, records, 2)

	f.transport.fetchFn = func(model.Entity) ([]model.Record, error) {
		return nil, &transport.NetworkError{Op: "fetch", Err: errors.New("no route to host")}
	}
	records, src, err = g.Read(ctx, model.EntityProduct)
	require.NoError(t, err)
	assert.Equal(t, SourceCache, src)
	assert.Equal(t, []string{"p1", "p2"}, []string{records[0].ID, records[1].ID})
	assert.False(t, f.conn.Online())

	// Offline reads do not touch the network.
	fetches := len(f.transport.fetched)
	_, src, err = g.Read(ctx, model.EntityProduct)
	require.NoError(t, err)
	assert.Equal(t, SourceCache, src)
	assert.Len(t, f.transport.fetched, fetches)
}

func TestRead_NothingCached(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	g := f.gateway()

	f.transport.fetchFn = func(model.Entity) ([]model.Record, error) { return nil, errRefused }
	_, _, err := g.Read(ctx, model.EntitySale)
	assert.True(t, transport.IsNetworkError(err), "the network failure is surfaced when the cache is empty")

	_, _, err = g.Read(ctx, model.EntitySale)
	assert.ErrorIs(t, err, ErrNoCachedData)

	_, _, err = g.Read(ctx, "invoice")
	var verr *model.ValidationError
	assert.True(t, errors.As(err, &verr))
}

func TestRead_BusinessErrorPropagates(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.cache.ReplaceAll(context.Background(), model.EntityProduct, products("p1")))
	f.transport.fetchFn = func(model.Entity) ([]model.Record, error) {
		return nil, &transport.BusinessError{Op: "fetch", Status: http.StatusForbidden, Message: "forbidden"}
	}

	_, _, err := f.gateway().Read(context.Background(), model.EntityProduct)
	assert.True(t, transport.IsBusinessError(err))
	assert.True(t, f.conn.Online())
}

func TestMutate_Online(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.gateway().Mutate(ctx, Mutation{Entity: model.EntityProduct, Action: model.ActionCreate, Payload: json.RawMessage(`{"sku":"X1"}`)})
	require.NoError(t, err)
	assert.False(t, res.Pending)
	assert.Equal(t, "srv-"+res.OpID, res.ServerID)
	assert.Equal(t, res.ServerID, res.Record.ID)

	require.Len(t, f.transport.pushed, 1)
	assert.Equal(t, "pos-1", f.transport.pushed[0].ClientID)

	size, err := f.queue.Size(ctx)
	require.NoError(t, err)
	assert.Zero(t, size)
}

func TestMutate_OfflineQueuesOptimistically(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.conn.SetOnline(false)

	res, err := f.gateway().Mutate(ctx, Mutation{Entity: model.EntityProduct, Action: model.ActionCreate, Payload: json.RawMessage(`{"sku":"X1"}`)})
	require.NoError(t, err)
	assert.True(t, res.Pending)
	assert.True(t, strings.HasPrefix(res.Record.ID, ProvisionalPrefix))
	assert.Empty(t, f.transport.pushed)

	ops, err := f.queue.ListAll(ctx)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, model.MethodPost, ops[0].Method)
	assert.Equal(t, "product", ops[0].Resource)

	snap, err := f.cache.Get(ctx, model.EntityProduct)
	require.NoError(t, err)
	_, ok := snap.Find(res.Record.ID)
	assert.True(t, ok)
	assert.Len(t, f.recorder.ofKind(EventOptimistic), 1)
}

func TestMutate_NetworkFailureQueues(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.transport.pushFn = func(int, model.SyncOperation) (*model.PushResponse, error) { return nil, errRefused }

	res, err := f.gateway().Mutate(ctx, Mutation{Entity: model.EntitySale, Action: model.ActionCreate, Payload: json.RawMessage(`{"productId":"p1","quantity":2}`)})
	require.NoError(t, err)
	assert.True(t, res.Pending)
	assert.False(t, f.conn.Online())

	size, err := f.queue.Size(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, size)
}

func TestMutate_ServerRefusals(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	g := f.gateway()
	update := Mutation{Entity: model.EntityProduct, Action: model.ActionUpdate, ID: "p1", Payload: json.RawMessage(`{"sku":"X1"}`)}

	f.transport.pushFn = func(_ int, op model.SyncOperation) (*model.PushResponse, error) {
		return &model.PushResponse{Conflicts: []model.ConflictRecord{{OpID: op.OpID, ConflictType: model.ConflictTimestamp, Message: "server copy is newer"}}}, nil
	}
	res, err := g.Mutate(ctx, update)
	require.NoError(t, err)
	require.NotNil(t, res.Conflict)
	assert.Equal(t, model.ConflictTimestamp, res.Conflict.ConflictType)

	f.transport.pushFn = func(_ int, op model.SyncOperation) (*model.PushResponse, error) {
		return &model.PushResponse{Errors: []model.OpError{{OpID: op.OpID, Error: "product p1 not found"}}}, nil
	}
	_, err = g.Mutate(ctx, update)
	var berr *transport.BusinessError
	require.True(t, errors.As(err, &berr))
	assert.Equal(t, http.StatusUnprocessableEntity, berr.Status)

	size, err := f.queue.Size(ctx)
	require.NoError(t, err)
	assert.Zero(t, size, "refusals are never queued")
}

func TestMutate_Invalid(t *testing.T) {
	f := newFixture(t)
	f.conn.SetOnline(false)

	_, err := f.gateway().Mutate(context.Background(), Mutation{Entity: model.EntityProduct, Action: model.ActionCreate, Payload: json.RawMessage(`{"name":"no sku"}`)})
	var verr *model.ValidationError
	require.True(t, errors.As(err, &verr))

	size, err := f.queue.Size(context.Background())
	require.NoError(t, err)
	assert.Zero(t, size)
}

func TestEnqueue_OptimisticUpdateAndDelete(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	g := f.gateway()
	require.NoError(t, f.cache.ReplaceAll(ctx, model.EntityProduct, products("p1", "p2")))

	_, err := g.Enqueue(ctx, Mutation{Entity: model.EntityProduct, Action: model.ActionUpdate, ID: "p1", Payload: json.RawMessage(`{"sku":"p1","name":"Latte"}`)})
	require.NoError(t, err)
	_, err = g.Enqueue(ctx, Mutation{Entity: model.EntityProduct, Action: model.ActionDelete, ID: "p2"})
	require.NoError(t, err)

	snap, err := f.cache.Get(ctx, model.EntityProduct)
	require.NoError(t, err)
	require.Len(t, snap.Records, 1)
	assert.Equal(t, "p1", snap.Records[0].ID)
	assert.Equal(t, int64(2), snap.Records[0].Version, "version kept until the server answers")
	assert.JSONEq(t, `{"sku":"p1","name":"Latte"}`, string(snap.Records[0].Data))

	ops, err := f.queue.ListAll(ctx)
	require.NoError(t, err)
	require.Len(t, ops, 2)
	assert.Equal(t, "product/p2", ops[1].Resource)
	assert.Equal(t, model.MethodDelete, ops[1].Method)
}

func TestMutate_FallbackKeepsOpID(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.transport.pushFn = func(n int, op model.SyncOperation) (*model.PushResponse, error) {
		if n == 0 {
			return nil, errRefused
		}
		return accepted(op), nil
	}

	res, err := f.gateway().Mutate(ctx, Mutation{Entity: model.EntitySale, Action: model.ActionCreate, Payload: json.RawMessage(`{"productId":"p1","quantity":1}`)})
	require.NoError(t, err)
	require.True(t, res.Pending)

	f.conn.SetOnline(true)
	drained, err := f.orchestrator(3).Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, drained.Synced)

	require.Len(t, f.transport.pushed, 2)
	direct, resubmitted := f.transport.pushed[0], f.transport.pushed[1]
	assert.Equal(t, direct.OpID, res.OpID)
	assert.Equal(t, direct.OpID, resubmitted.OpID, "the server dedupes the resubmission by op id")
	assert.True(t, direct.ClientUpdatedAt.Equal(resubmitted.ClientUpdatedAt))
}

func TestMutate_ProvisionalTargetQueuesBehindCreate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	g := f.gateway()

	f.conn.SetOnline(false)
	created, err := g.Mutate(ctx, Mutation{Entity: model.EntityTableSession, Action: model.ActionCreate, Payload: json.RawMessage(`{"tableId":"t4","status":"open","guests":2}`)})
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(created.Record.ID, ProvisionalPrefix))

	f.conn.SetOnline(true)
	closed, err := g.Mutate(ctx, Mutation{Entity: model.EntityTableSession, Action: model.ActionUpdate, ID: created.Record.ID, Payload: json.RawMessage(`{"tableId":"t4","status":"closed"}`)})
	require.NoError(t, err)
	assert.True(t, closed.Pending)
	assert.Empty(t, f.transport.pushed, "the create has not reached the server yet")

	res, err := f.orchestrator(3).Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Synced)

	require.Len(t, f.transport.pushed, 2)
	assert.Equal(t, model.ActionUpdate, f.transport.pushed[1].Action)
	assert.Equal(t, "srv-"+created.OpID, f.transport.pushed[1].EntityID)
}
