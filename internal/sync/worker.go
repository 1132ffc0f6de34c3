package sync

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"pos-sync-service/internal/logger"
	"pos-sync-service/internal/model"
)

// NoticeBatcher coalesces binlog events into one change notice per entity
// and hands them to the hub on a size or time trigger.
type NoticeBatcher struct {
	events        <-chan BinlogEvent
	hub           *Hub
	batchSize     int
	flushInterval time.Duration
	ctx           context.Context
	cancel        context.CancelFunc
	wg            sync.WaitGroup
	batch         []BinlogEvent
}

func NewNoticeBatcher(events <-chan BinlogEvent, hub *Hub, batchSize int, flushInterval time.Duration) *NoticeBatcher {
	if batchSize <= 0 {
		batchSize = 100
	}
	if flushInterval <= 0 {
		flushInterval = 500 * time.Millisecond
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &NoticeBatcher{
		events:        events,
		hub:           hub,
		batchSize:     batchSize,
		flushInterval: flushInterval,
		ctx:           ctx,
		cancel:        cancel,
	}
}

func (b *NoticeBatcher) Start() {
	logger.Log.Info("Starting notice batcher",
		zap.Int("batchSize", b.batchSize),
		zap.Duration("flushInterval", b.flushInterval),
	)
	b.wg.Add(1)
	go b.run()
}

func (b *NoticeBatcher) Stop() {
	b.cancel()
	b.wg.Wait()
	logger.Log.Info("Stopped notice batcher")
}

func (b *NoticeBatcher) run() {
	defer b.wg.Done()

	ticker := time.NewTicker(b.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case event, ok := <-b.events:
			if !ok {
				b.flush()
				return
			}
			b.batch = append(b.batch, event)
			if len(b.batch) >= b.batchSize {
				b.flush()
			}

		case <-ticker.C:
			b.flush()

		case <-b.ctx.Done():
			b.flush()
			return
		}
	}
}

func (b *NoticeBatcher) flush() {
	if len(b.batch) == 0 {
		return
	}
	for _, n := range coalesce(b.batch) {
		b.hub.Publish(n)
	}
	logger.Log.Debug("Flushed change notices", zap.Int("events", len(b.batch)))
	b.batch = b.batch[:0]
}

// coalesce groups events by entity, de-duplicating ids. Notices come out in
// model.AllEntities order and carry the latest event time of their group.
func coalesce(events []BinlogEvent) []model.ChangeNotice {
	type group struct {
		ids  map[string]struct{}
		last time.Time
	}
	groups := make(map[model.Entity]*group)
	for _, e := range events {
		g, ok := groups[e.Entity]
		if !ok {
			g = &group{ids: make(map[string]struct{})}
			groups[e.Entity] = g
		}
		for _, id := range e.IDs {
			g.ids[id] = struct{}{}
		}
		if e.Timestamp.After(g.last) {
			g.last = e.Timestamp
		}
	}

	var out []model.ChangeNotice
	for _, entity := range model.AllEntities {
		g, ok := groups[entity]
		if !ok {
			continue
		}
		ids := make([]string, 0, len(g.ids))
		for id := range g.ids {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		out = append(out, model.ChangeNotice{Entity: entity, IDs: ids, At: g.last})
	}
	return out
}
