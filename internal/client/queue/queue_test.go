package queue

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

func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	q, err := Open(filepath.Join(t.TempDir(), "queue.db"))
	require.NoError(t, err)
	t.Cleanup(func() { q.Close() })
	return q
}

func op(resource string) *QueuedOperation {
	return &QueuedOperation{Method: model.MethodPost, Resource: resource, Payload: json.RawMessage(`{"sku":"X1"}`)}
}

func TestQueue_FIFOWithFrozenClock(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()
	frozen := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	q.now = func() time.Time { return frozen }

	var ids []string
	for _, r := range []string{"product", "sale", "stock_adjustment", "table_session"} {
		id, err := q.Enqueue(ctx, op(r))
		require.NoError(t, err)
		ids = append(ids, id)
	}

	ops, err := q.ListAll(ctx)
	require.NoError(t, err)
	require.Len(t, ops, 4)
	for i, o := range ops {
		assert.Equal(t, ids[i], o.ID)
		assert.Zero(t, o.RetryCount)
		if i > 0 {
			assert.True(t, o.EnqueuedAt.After(ops[i-1].EnqueuedAt), "enqueuedAt strictly increases")
		}
	}

	again, err := q.ListAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, ops, again, "listing is repeatable")
}

func TestQueue_OrderSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.db")
	ctx := context.Background()
	future := time.Now().Add(time.Hour)

	q, err := Open(path)
	require.NoError(t, err)
	q.now = func() time.Time { return future }
	first, err := q.Enqueue(ctx, op("product"))
	require.NoError(t, err)
	require.NoError(t, q.Close())

	// The reopened queue's clock is behind the stored tail.
	q, err = Open(path)
	require.NoError(t, err)
	defer q.Close()
	second, err := q.Enqueue(ctx, op("sale"))
	require.NoError(t, err)

	ops, err := q.ListAll(ctx)
	require.NoError(t, err)
	require.Len(t, ops, 2)
	assert.Equal(t, []string{first, second}, []string{ops[0].ID, ops[1].ID})
}

func TestQueue_IdempotentRemove(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, op("product"))
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, op("product"))
	require.NoError(t, err)

	require.NoError(t, q.Remove(ctx, id))
	size, err := q.Size(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, size)

	require.NoError(t, q.Remove(ctx, id))
	require.NoError(t, q.Remove(ctx, "never-existed"))
	size, err = q.Size(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, size)
}

func TestQueue_RetryAndEvict(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	flaky, err := q.Enqueue(ctx, op("product"))
	require.NoError(t, err)
	healthy, err := q.Enqueue(ctx, op("sale"))
	require.NoError(t, err)

	for want := 1; want <= 4; want++ {
		n, err := q.IncrementRetry(ctx, flaky)
		require.NoError(t, err)
		assert.Equal(t, want, n)
	}

	n, err := q.IncrementRetry(ctx, "gone")
	require.NoError(t, err)
	assert.Zero(t, n)

	evicted, err := q.EvictExceeding(ctx, 3)
	require.NoError(t, err)
	require.Len(t, evicted, 1)
	assert.Equal(t, flaky, evicted[0].ID)
	assert.Equal(t, 4, evicted[0].RetryCount)

	ops, err := q.ListAll(ctx)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, healthy, ops[0].ID)

	evicted, err = q.EvictExceeding(ctx, 3)
	require.NoError(t, err)
	assert.Empty(t, evicted)
}

func TestQueue_RejectsBadTargets(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, &QueuedOperation{Method: model.MethodPost, Resource: "invoice"})
	assert.Error(t, err)
	_, err = q.Enqueue(ctx, &QueuedOperation{Method: "GET", Resource: "product"})
	assert.Error(t, err)
}

func TestQueuedOperation_SyncOperation(t *testing.T) {
	base := int64(2)
	at := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	qo := &QueuedOperation{
		ID:              "op-1",
		Method:          model.MethodPut,
		Resource:        "table_session/t1",
		Payload:         json.RawMessage(`{"tableId":"4","status":"closed"}`),
		ClientUpdatedAt: at,
		BaseVersion:     &base,
	}
	so, err := qo.SyncOperation("pos-1")
	require.NoError(t, err)
	assert.Equal(t, "op-1", so.OpID)
	assert.Equal(t, model.EntityTableSession, so.Entity)
	assert.Equal(t, model.ActionUpdate, so.Action)
	assert.Equal(t, "t1", so.EntityID)
	assert.Equal(t, "pos-1", so.ClientID)
	assert.Equal(t, at, so.ClientUpdatedAt)
	assert.Equal(t, &base, so.BaseVersion)
}

func TestQueue_PreservesFields(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()
	base := int64(5)
	at := time.Date(2026, 5, 1, 8, 0, 0, 123456789, time.UTC)

	_, err := q.Enqueue(ctx, &QueuedOperation{Method: model.MethodDelete, Resource: "product/p1", ClientUpdatedAt: at, BaseVersion: &base})
	require.NoError(t, err)

	ops, err := q.ListAll(ctx)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Nil(t, ops[0].Payload)
	assert.Equal(t, at, ops[0].ClientUpdatedAt)
	require.NotNil(t, ops[0].BaseVersion)
	assert.Equal(t, int64(5), *ops[0].BaseVersion)
}

func TestQueue_Rebind(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	update := &QueuedOperation{Method: model.MethodPut, Resource: "table_session/local-1", Payload: json.RawMessage(`{"tableId":"t4","status":"closed"}`)}
	_, err := q.Enqueue(ctx, update)
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, op("product"))
	require.NoError(t, err)

	n, err := q.Rebind(ctx, "table_session/local-1", "table_session/s-9")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	ops, err := q.ListAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, "table_session/s-9", ops[0].Resource)
	assert.Equal(t, "product", ops[1].Resource)

	n, err = q.Rebind(ctx, "table_session/local-1", "table_session/s-9")
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = q.Rebind(ctx, "product", "invoice/1")
	assert.Error(t, err)
}
