package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"pos-sync-service/internal/client/queue"
	"pos-sync-service/internal/client/transport"
	"pos-sync-service/internal/logger"
	"pos-sync-service/internal/model"
)

type Options struct {
	ClientID string
	// MaxRetries is the number of failed attempts an operation may accumulate
	// before it is evicted. Defaults to 3.
	MaxRetries int
}

// DrainResult summarizes one pass over the queue.
type DrainResult struct {
	// Skipped is set when the drain did not run: one was already in flight
	// or the client was offline.
	Skipped   bool `json:"skipped" yaml:"skipped"`
	Attempted int  `json:"attempted" yaml:"attempted"`
	Synced    int  `json:"synced" yaml:"synced"`
	Conflicts int  `json:"conflicts" yaml:"conflicts"`
	Rejected  int  `json:"rejected" yaml:"rejected"`
	Retried   int  `json:"retried" yaml:"retried"`
	Evicted   int  `json:"evicted" yaml:"evicted"`
	// Halted is set when connectivity dropped mid-pass.
	Halted bool `json:"halted" yaml:"halted"`
}

// Orchestrator drains the queue against the server, one operation at a time
// in enqueue order.
type Orchestrator struct {
	queue     Queue
	cache     Cache
	transport Transport
	conn      *Connectivity
	opts      Options
	events    *bus

	draining atomic.Bool

	mu                sync.Mutex
	cron              *cron.Cron
	unsubscribeOnline func()
}

func NewOrchestrator(q Queue, c Cache, t Transport, conn *Connectivity, opts Options) *Orchestrator {
	return newOrchestrator(q, c, t, conn, opts, &bus{})
}

func newOrchestrator(q Queue, c Cache, t Transport, conn *Connectivity, opts Options, events *bus) *Orchestrator {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	return &Orchestrator{queue: q, cache: c, transport: t, conn: conn, opts: opts, events: events}
}

// Subscribe registers fn for state changes and per-operation outcomes.
// The returned func unsubscribes.
func (o *Orchestrator) Subscribe(fn func(Event)) func() {
	return o.events.subscribe(fn)
}

func (o *Orchestrator) State() State {
	if o.draining.Load() {
		return StateDraining
	}
	return StateIdle
}

// Drain submits every queued operation once. A drain that is already running,
// or an offline client, makes it a no-op.
func (o *Orchestrator) Drain(ctx context.Context) (DrainResult, error) {
	if !o.conn.Online() {
		return DrainResult{Skipped: true}, nil
	}
	if !o.draining.CompareAndSwap(false, true) {
		return DrainResult{Skipped: true}, nil
	}
	o.events.emit(Event{Kind: EventState, State: StateDraining})
	defer func() {
		o.draining.Store(false)
		o.events.emit(Event{Kind: EventState, State: StateIdle})
	}()

	var res DrainResult
	ops, err := o.queue.ListAll(ctx)
	if err != nil {
		return res, err
	}

	affected := make(map[model.Entity]bool)
	for i, op := range ops {
		if !o.conn.Online() {
			res.Halted = true
			logger.Log.Info("Drain halted, client went offline", zap.String("next", op.ID))
			break
		}
		res.Attempted++
		entity, err := o.submit(ctx, op, &res, ops[i+1:])
		if err != nil {
			return res, err
		}
		if entity != "" {
			affected[entity] = true
		}
	}

	evicted, err := o.queue.EvictExceeding(ctx, o.opts.MaxRetries)
	if err != nil {
		return res, err
	}
	for _, op := range evicted {
		res.Evicted++
		logger.Log.Warn("Evicted operation after exhausting retries",
			zap.String("id", op.ID),
			zap.String("method", string(op.Method)),
			zap.String("resource", op.Resource),
			zap.Int("retryCount", op.RetryCount),
		)
		o.events.emit(Event{Kind: EventEvicted, Op: op, Message: fmt.Sprintf("dropped after %d failed attempts", op.RetryCount)})
	}

	if res.Synced > 0 {
		o.refresh(ctx, affected)
	}

	logger.Log.Info("Drain finished",
		zap.Int("attempted", res.Attempted),
		zap.Int("synced", res.Synced),
		zap.Int("conflicts", res.Conflicts),
		zap.Int("rejected", res.Rejected),
		zap.Int("retried", res.Retried),
		zap.Int("evicted", res.Evicted),
		zap.Bool("halted", res.Halted),
	)
	return res, nil
}

// submit pushes one operation and settles it in the queue. It returns the
// entity touched on success; an error is returned only for local failures
// that should end the drain. pending holds the operations still to submit.
func (o *Orchestrator) submit(ctx context.Context, op *queue.QueuedOperation, res *DrainResult, pending []*queue.QueuedOperation) (model.Entity, error) {
	syncOp, err := op.SyncOperation(o.opts.ClientID)
	if err != nil {
		res.Rejected++
		o.events.emit(Event{Kind: EventRejected, Op: op, Message: err.Error()})
		return "", o.queue.Remove(ctx, op.ID)
	}

	resp, err := o.transport.Push(ctx, model.PushRequest{ClientID: o.opts.ClientID, Operations: []model.SyncOperation{syncOp}})
	switch {
	case err == nil:
	case errors.Is(err, context.Canceled):
		return "", err
	case transport.IsBusinessError(err):
		res.Rejected++
		o.events.emit(Event{Kind: EventRejected, Entity: syncOp.Entity, Op: op, Message: err.Error()})
		return "", o.queue.Remove(ctx, op.ID)
	default:
		return "", o.retry(ctx, op, err, res)
	}

	conflict, opErr := resp.Outcome(op.ID)
	switch {
	case conflict != nil:
		res.Conflicts++
		o.events.emit(Event{Kind: EventConflict, Entity: syncOp.Entity, Op: op, Conflict: conflict, Message: conflict.Message})
		return "", o.queue.Remove(ctx, op.ID)
	case opErr != nil:
		res.Rejected++
		o.events.emit(Event{Kind: EventRejected, Entity: syncOp.Entity, Op: op, Message: opErr.Error})
		return "", o.queue.Remove(ctx, op.ID)
	}

	if err := o.queue.Remove(ctx, op.ID); err != nil {
		return "", err
	}
	res.Synced++
	serverID := resp.CreatedServerIDs[op.ID]
	if serverID == "" {
		serverID = syncOp.EntityID
	} else if err := o.rebind(ctx, syncOp.Entity, op.ID, serverID, pending); err != nil {
		return "", err
	}
	o.events.emit(Event{Kind: EventSynced, Entity: syncOp.Entity, Op: op, ServerID: serverID})
	return syncOp.Entity, nil
}

// rebind points queued changes to a record created offline at the id the
// server assigned it.
func (o *Orchestrator) rebind(ctx context.Context, e model.Entity, opID, serverID string, pending []*queue.QueuedOperation) error {
	from := model.Resource(e, ProvisionalPrefix+opID)
	to := model.Resource(e, serverID)
	n, err := o.queue.Rebind(ctx, from, to)
	if err != nil || n == 0 {
		return err
	}
	for _, p := range pending {
		if p.Resource == from {
			p.Resource = to
		}
	}
	logger.Log.Debug("Rebound queued operations to server id",
		zap.String("from", from),
		zap.String("to", to),
		zap.Int("operations", n),
	)
	return nil
}

func (o *Orchestrator) retry(ctx context.Context, op *queue.QueuedOperation, cause error, res *DrainResult) error {
	n, err := o.queue.IncrementRetry(ctx, op.ID)
	if err != nil {
		return err
	}
	res.Retried++
	logger.Log.Debug("Operation failed, will retry",
		zap.String("id", op.ID),
		zap.Int("retryCount", n),
		zap.Error(cause),
	)
	o.events.emit(Event{Kind: EventRetry, Op: op, Message: cause.Error()})
	return nil
}

// refresh replaces the affected snapshots with authoritative server data so
// provisional records disappear.
func (o *Orchestrator) refresh(ctx context.Context, affected map[model.Entity]bool) {
	for _, e := range model.AllEntities {
		if !affected[e] {
			continue
		}
		records, err := o.transport.Fetch(ctx, e)
		if err != nil {
			logger.Log.Warn("Failed to refresh collection after drain", zap.String("entity", string(e)), zap.Error(err))
			o.conn.ReportNetworkError(err)
			continue
		}
		if err := o.cache.ReplaceAll(ctx, e, records); err != nil {
			logger.Log.Warn("Failed to store refreshed collection", zap.String("entity", string(e)), zap.Error(err))
			continue
		}
		o.events.emit(Event{Kind: EventRefreshed, Entity: e})
	}
}

// StartPeriodic drains every interval and whenever connectivity comes back.
// Stop ends the schedule; a drain in flight still completes.
func (o *Orchestrator) StartPeriodic(interval time.Duration) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.cron != nil {
		return errors.New("periodic drain already running")
	}
	if interval < time.Second {
		return fmt.Errorf("drain interval must be at least 1s, got %s", interval)
	}

	run := func() {
		if _, err := o.Drain(context.Background()); err != nil {
			logger.Log.Error("Drain failed", zap.Error(err))
		}
	}

	log := logger.CronLogger(logger.Log)
	o.cron = cron.New(cron.WithChain(cron.Recover(log), cron.SkipIfStillRunning(log)))
	o.cron.Schedule(cron.Every(interval), cron.FuncJob(run))
	o.cron.Start()

	o.unsubscribeOnline = o.conn.OnRestored(func() { go run() })

	logger.Log.Info("Periodic drain started", zap.Duration("interval", interval))
	return nil
}

func (o *Orchestrator) Stop() {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.cron == nil {
		return
	}
	o.cron.Stop()
	o.cron = nil
	o.unsubscribeOnline()
	o.unsubscribeOnline = nil
	logger.Log.Info("Periodic drain stopped")
}
