package client

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"pos-sync-service/internal/client/cache"
	"pos-sync-service/internal/client/queue"
	"pos-sync-service/internal/client/transport"
	"pos-sync-service/internal/model"
)

var errRefused = &transport.NetworkError{Op: "push", Err: errors.New("connection refused")}

// fakeTransport accepts everything unless a hook says otherwise and records
// what it was sent.
type fakeTransport struct {
	mu      sync.Mutex
	pushFn  func(n int, op model.SyncOperation) (*model.PushResponse, error)
	pullFn  func(since time.Time, limit int) (*model.PullResponse, error)
	fetchFn func(e model.Entity) ([]model.Record, error)
	pingErr error
	pushed  []model.SyncOperation
	pulls   []time.Time
	fetched []model.Entity
}

func (f *fakeTransport) Push(_ context.Context, req model.PushRequest) (*model.PushResponse, error) {
	f.mu.Lock()
	n := len(f.pushed)
	f.pushed = append(f.pushed, req.Operations...)
	fn := f.pushFn
	f.mu.Unlock()

	op := req.Operations[0]
	if fn != nil {
		return fn(n, op)
	}
	return accepted(op), nil
}

func (f *fakeTransport) Pull(_ context.Context, since time.Time, limit int) (*model.PullResponse, error) {
	f.mu.Lock()
	f.pulls = append(f.pulls, since)
	fn := f.pullFn
	f.mu.Unlock()
	if fn != nil {
		return fn(since, limit)
	}
	return &model.PullResponse{LastSyncTime: since}, nil
}

func (f *fakeTransport) Fetch(_ context.Context, e model.Entity) ([]model.Record, error) {
	f.mu.Lock()
	f.fetched = append(f.fetched, e)
	fn := f.fetchFn
	f.mu.Unlock()
	if fn != nil {
		return fn(e)
	}
	return nil, nil
}

func (f *fakeTransport) Ping(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pingErr
}

func (f *fakeTransport) pushedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.pushed))
	for _, op := range f.pushed {
		out = append(out, op.OpID)
	}
	return out
}

func accepted(op model.SyncOperation) *model.PushResponse {
	resp := &model.PushResponse{Processed: 1, CreatedServerIDs: map[string]string{}}
	if op.Action == model.ActionCreate {
		resp.CreatedServerIDs[op.OpID] = "srv-" + op.OpID
	}
	return resp
}

type fixture struct {
	transport *fakeTransport
	queue     *queue.Queue
	cache     *cache.Cache
	conn      *Connectivity
	events    *bus
	recorder  *recorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	q, err := queue.Open(filepath.Join(dir, "queue.db"))
	require.NoError(t, err)
	t.Cleanup(func() { q.Close() })
	c, err := cache.Open(filepath.Join(dir, "cache.db"))
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })

	ft := &fakeTransport{}
	f := &fixture{
		transport: ft,
		queue:     q,
		cache:     c,
		conn:      NewConnectivity(ft, time.Second),
		events:    &bus{},
		recorder:  &recorder{},
	}
	f.events.subscribe(f.recorder.record)
	return f
}

func (f *fixture) orchestrator(maxRetries int) *Orchestrator {
	return newOrchestrator(f.queue, f.cache, f.transport, f.conn, Options{ClientID: "pos-1", MaxRetries: maxRetries}, f.events)
}

func (f *fixture) gateway() *Gateway {
	return newGateway(f.transport, f.queue, f.cache, f.conn, "pos-1", f.events)
}

func (f *fixture) puller(limit int) *Puller {
	return newPuller(f.transport, f.cache, f.conn, limit, f.events)
}

// enqueueProduct queues a product create and returns its operation id.
func (f *fixture) enqueueProduct(t *testing.T, sku string) string {
	t.Helper()
	res, err := f.gateway().Enqueue(context.Background(), Mutation{
		Entity:  model.EntityProduct,
		Action:  model.ActionCreate,
		Payload: []byte(fmt.Sprintf(`{"sku":%q}`, sku)),
	})
	require.NoError(t, err)
	require.True(t, res.Pending)
	return res.OpID
}

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) record(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) kinds() []EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EventKind, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Kind)
	}
	return out
}

func (r *recorder) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}

func (r *recorder) ofKind(k EventKind) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, e := range r.events {
		if e.Kind == k {
			out = append(out, e)
		}
	}
	return out
}
