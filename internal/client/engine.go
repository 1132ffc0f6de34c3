package client

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"pos-sync-service/internal/client/cache"
	"pos-sync-service/internal/client/queue"
	"pos-sync-service/internal/client/transport"
	"pos-sync-service/internal/config"
	"pos-sync-service/internal/logger"
	"pos-sync-service/internal/model"
)

const clientIDKey = "client_id"

// Engine is the surface the presentation layer uses. It owns every client
// component and their background loops.
type Engine struct {
	cfg          config.ClientConfig
	clientID     string
	queue        *queue.Queue
	cache        *cache.Cache
	transport    *transport.Client
	conn         *Connectivity
	orchestrator *Orchestrator
	gateway      *Gateway
	puller       *Puller
	events       *bus
	pullSignal   chan struct{}

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewEngine opens the local stores under cfg.DataDir and wires the components.
func NewEngine(ctx context.Context, cfg config.ClientConfig) (*Engine, error) {
	q, err := queue.Open(filepath.Join(cfg.DataDir, "queue.db"))
	if err != nil {
		return nil, fmt.Errorf("failed to open queue: %w", err)
	}
	c, err := cache.Open(filepath.Join(cfg.DataDir, "cache.db"))
	if err != nil {
		q.Close()
		return nil, fmt.Errorf("failed to open cache: %w", err)
	}
	t, err := transport.New(transport.Options{
		BaseURL:   cfg.ServerURL,
		AuthToken: cfg.AuthToken,
		Timeout:   cfg.RequestTimeout,
		Compress:  cfg.Compress,
	})
	if err != nil {
		q.Close()
		c.Close()
		return nil, err
	}

	clientID, err := resolveClientID(ctx, c, cfg.ClientID)
	if err != nil {
		q.Close()
		c.Close()
		return nil, err
	}

	events := &bus{}
	conn := NewConnectivity(t, cfg.PingInterval)
	e := &Engine{
		cfg:          cfg,
		clientID:     clientID,
		queue:        q,
		cache:        c,
		transport:    t,
		conn:         conn,
		orchestrator: newOrchestrator(q, c, t, conn, Options{ClientID: clientID, MaxRetries: cfg.MaxRetries}, events),
		gateway:      newGateway(t, q, c, conn, clientID, events),
		puller:       newPuller(t, c, conn, cfg.PullLimit, events),
		events:       events,
		pullSignal:   make(chan struct{}, 1),
	}
	logger.Log.Info("Client engine ready", zap.String("clientId", clientID), zap.String("server", cfg.ServerURL))
	return e, nil
}

// resolveClientID prefers the configured id, then the persisted one, and
// otherwise mints and stores a new installation id.
func resolveClientID(ctx context.Context, c *cache.Cache, configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	id, ok, err := c.Value(ctx, clientIDKey)
	if err != nil {
		return "", err
	}
	if ok {
		return id, nil
	}
	id = uuid.New().String()
	if err := c.SetValue(ctx, clientIDKey, id); err != nil {
		return "", err
	}
	return id, nil
}

func (e *Engine) ClientID() string { return e.clientID }

func (e *Engine) Online() bool { return e.conn.Online() }

func (e *Engine) State() State { return e.orchestrator.State() }

// Mutate performs a create, update or delete through the gateway.
func (e *Engine) Mutate(ctx context.Context, m Mutation) (*MutationResult, error) {
	return e.gateway.Mutate(ctx, m)
}

// Enqueue queues m for the next drain and applies it to the cache provisionally.
func (e *Engine) Enqueue(ctx context.Context, m Mutation) (*MutationResult, error) {
	return e.gateway.Enqueue(ctx, m)
}

func (e *Engine) Read(ctx context.Context, entity model.Entity) ([]model.Record, Source, error) {
	return e.gateway.Read(ctx, entity)
}

func (e *Engine) DrainNow(ctx context.Context) (DrainResult, error) {
	return e.orchestrator.Drain(ctx)
}

func (e *Engine) Pull(ctx context.Context) (PullResult, error) {
	return e.puller.Pull(ctx)
}

// Subscribe registers fn for every engine event. The returned func unsubscribes.
func (e *Engine) Subscribe(fn func(Event)) func() {
	return e.events.subscribe(fn)
}

func (e *Engine) CachedCollection(ctx context.Context, entity model.Entity) (*cache.Snapshot, error) {
	if !entity.Valid() {
		return nil, &model.ValidationError{Field: "entity", Reason: fmt.Sprintf("unknown entity %q", entity)}
	}
	return e.cache.Get(ctx, entity)
}

func (e *Engine) QueueSize(ctx context.Context) (int, error) {
	return e.queue.Size(ctx)
}

func (e *Engine) PendingOperations(ctx context.Context) ([]*queue.QueuedOperation, error) {
	return e.queue.ListAll(ctx)
}

func (e *Engine) Watermark(ctx context.Context) (time.Time, error) {
	return e.cache.Watermark(ctx)
}

// CheckConnectivity pings the server once and updates the online state.
func (e *Engine) CheckConnectivity(ctx context.Context) bool {
	return e.conn.Check(ctx)
}

// Start runs the background loops: connectivity pings, periodic drains,
// pulls on reconnect and, when enabled, on server change notices.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancel != nil {
		return errors.New("engine already started")
	}

	e.conn.Check(ctx)
	if err := e.orchestrator.StartPeriodic(e.cfg.DrainInterval); err != nil {
		return err
	}
	ctx, e.cancel = context.WithCancel(ctx)
	e.conn.Start(ctx)

	unsubscribe := e.conn.OnRestored(e.requestPull)
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer unsubscribe()
		e.pullLoop(ctx)
	}()

	if e.cfg.Watch {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.watchLoop(ctx)
		}()
	}

	// Catch up on whatever was queued or changed while the terminal was off.
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if _, err := e.orchestrator.Drain(ctx); err != nil && ctx.Err() == nil {
			logger.Log.Error("Initial drain failed", zap.Error(err))
		}
		e.requestPull()
	}()
	return nil
}

func (e *Engine) requestPull() {
	select {
	case e.pullSignal <- struct{}{}:
	default:
	}
}

func (e *Engine) pullLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.pullSignal:
			if !e.conn.Online() {
				continue
			}
			if _, err := e.puller.Pull(ctx); err != nil && ctx.Err() == nil {
				logger.Log.Warn("Background pull failed", zap.Error(err))
			}
		}
	}
}

func (e *Engine) watchLoop(ctx context.Context) {
	backoff := e.cfg.PingInterval
	if backoff <= 0 {
		backoff = 10 * time.Second
	}
	for {
		err := e.transport.Watch(ctx, func(model.ChangeNotice) { e.requestPull() })
		if ctx.Err() != nil {
			return
		}
		logger.Log.Debug("Change watch ended, reconnecting", zap.Error(err), zap.Duration("after", backoff))
		e.conn.ReportNetworkError(err)
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
	}
}

// Stop ends the background loops. A drain in flight runs to completion.
func (e *Engine) Stop() {
	e.mu.Lock()
	cancel := e.cancel
	e.cancel = nil
	e.mu.Unlock()
	if cancel == nil {
		return
	}
	e.orchestrator.Stop()
	cancel()
	e.conn.Stop()
	e.wg.Wait()
}

func (e *Engine) Close() error {
	e.Stop()
	return errors.Join(e.queue.Close(), e.cache.Close())
}
