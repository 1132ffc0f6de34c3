package client

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pos-sync-service/internal/client/transport"
	"pos-sync-service/internal/model"
)

func change(id string, action model.Action, at time.Time) model.EntityChange {
	return model.EntityChange{
		Entity:    model.EntityProduct,
		ID:        id,
		Action:    action,
		Data:      json.RawMessage(`{"sku":"` + id + `"}`),
		UpdatedAt: at,
		Deleted:   action == model.ActionDelete,
	}
}

func TestPull_PagesUntilDone(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	t1 := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	t2 := t1.Add(time.Minute)

	f.transport.pullFn = func(since time.Time, limit int) (*model.PullResponse, error) {
		assert.Equal(t, 2, limit)
		switch {
		case since.Equal(epoch):
			return &model.PullResponse{
				Changes:      []model.EntityChange{change("p1", model.ActionCreate, t1), change("p2", model.ActionCreate, t1)},
				LastSyncTime: t1,
				HasMore:      true,
			}, nil
		case since.Equal(t1):
			return &model.PullResponse{Changes: []model.EntityChange{change("p1", model.ActionDelete, t2)}, LastSyncTime: t2}, nil
		default:
			return &model.PullResponse{LastSyncTime: since}, nil
		}
	}
	p := f.puller(2)

	res, err := p.Pull(ctx)
	require.NoError(t, err)
	assert.Equal(t, PullResult{Pages: 2, Changes: 3, Watermark: t2}, res)

	snap, err := f.cache.Get(ctx, model.EntityProduct)
	require.NoError(t, err)
	require.Len(t, snap.Records, 1)
	assert.Equal(t, "p2", snap.Records[0].ID)

	wm, err := f.cache.Watermark(ctx)
	require.NoError(t, err)
	assert.True(t, wm.Equal(t2))

	_, err = p.Pull(ctx)
	require.NoError(t, err)
	assert.True(t, f.transport.pulls[2].Equal(t2), "resumes from the stored watermark")
	assert.Len(t, f.recorder.ofKind(EventRefreshed), 2)
}

func TestPull_StopsWhenWatermarkIsStuck(t *testing.T) {
	f := newFixture(t)
	f.transport.pullFn = func(since time.Time, limit int) (*model.PullResponse, error) {
		return &model.PullResponse{Changes: []model.EntityChange{change("p1", model.ActionCreate, since)}, LastSyncTime: since, HasMore: true}, nil
	}

	res, err := f.puller(1).Pull(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Pages)
}

func TestPull_Errors(t *testing.T) {
	f := newFixture(t)
	f.transport.pullFn = func(time.Time, int) (*model.PullResponse, error) {
		return nil, &transport.BusinessError{Op: "pull", Status: http.StatusBadRequest, Message: "invalid since"}
	}
	_, err := f.puller(10).Pull(context.Background())
	assert.True(t, transport.IsBusinessError(err))
	assert.True(t, f.conn.Online())

	f.transport.pullFn = func(time.Time, int) (*model.PullResponse, error) { return nil, errRefused }
	_, err = f.puller(10).Pull(context.Background())
	assert.True(t, transport.IsNetworkError(err))
	assert.False(t, f.conn.Online())
}

func TestConnectivity_CheckAndRestore(t *testing.T) {
	ft := &fakeTransport{}
	c := NewConnectivity(ft, time.Second)
	assert.True(t, c.Online(), "starts online")

	restored := 0
	unsubscribe := c.OnRestored(func() { restored++ })

	ft.pingErr = &transport.NetworkError{Op: "ping", Err: context.DeadlineExceeded}
	assert.False(t, c.Check(context.Background()))

	ft.pingErr = &transport.BusinessError{Op: "ping", Status: http.StatusUnauthorized, Message: "bad token"}
	assert.True(t, c.Check(context.Background()), "a rejection still proves the server is reachable")
	assert.Equal(t, 1, restored)

	c.SetOnline(true)
	assert.Equal(t, 1, restored, "online to online is not a restore")

	unsubscribe()
	c.SetOnline(false)
	c.SetOnline(true)
	assert.Equal(t, 1, restored)

	c.ReportNetworkError(&transport.BusinessError{Op: "push", Status: http.StatusBadRequest})
	assert.True(t, c.Online())
	c.ReportNetworkError(errRefused)
	assert.False(t, c.Online())
}

func TestConnectivity_StartStop(t *testing.T) {
	ft := &fakeTransport{pingErr: errRefused}
	c := NewConnectivity(ft, 20*time.Millisecond)
	c.Start(context.Background())
	c.Start(context.Background())

	require.Eventually(t, func() bool { return !c.Online() }, time.Second, 5*time.Millisecond)
	c.Stop()
	c.Stop()
}
