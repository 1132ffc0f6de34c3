package sync

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"pos-sync-service/internal/config"
	"pos-sync-service/internal/logger"
	"pos-sync-service/internal/model"
	"pos-sync-service/internal/store"
)

// Manager owns the server engine and its background components.
type Manager struct {
	cfg            *config.Config
	store          store.Store
	push           *PushHandler
	pull           *PullHandler
	hub            *Hub
	scheduler      *Scheduler
	binlogListener *BinlogListener
	batcher        *NoticeBatcher
	mu             sync.Mutex
	running        bool
	startedAt      time.Time
	pushes         atomic.Int64
	pulls          atomic.Int64
	lastPush       atomic.Int64
}

func NewManager(cfg *config.Config, s store.Store) (*Manager, error) {
	registry, err := DefaultRegistry(NewResolver(nil))
	if err != nil {
		return nil, fmt.Errorf("failed to build entity registry: %w", err)
	}

	m := &Manager{
		cfg:       cfg,
		store:     s,
		push:      NewPushHandler(s, registry, nil),
		pull:      NewPullHandler(s, nil),
		hub:       NewHub(),
		scheduler: NewScheduler(cfg.Scheduler, cfg.Sync, s),
	}
	// With realtime on, the binlog reports every write including pushes.
	if !cfg.Sync.Realtime {
		m.push.OnApplied(m.hub.Publish)
	}
	return m, nil
}

func (m *Manager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return fmt.Errorf("sync manager is already running")
	}

	logger.Log.Info("Starting sync manager", zap.Bool("realtime", m.cfg.Sync.Realtime))

	if m.cfg.Sync.Realtime {
		listener, err := NewBinlogListener(m.cfg.StateStorage, m.cfg.Sync.Replication)
		if err != nil {
			return err
		}
		m.binlogListener = listener

		m.batcher = NewNoticeBatcher(listener.Events(), m.hub, m.cfg.Sync.NoticeBatchSize, m.cfg.Sync.NoticeFlushInterval)
		m.batcher.Start()

		if err := m.binlogListener.Start(); err != nil {
			m.stopRealtime()
			return err
		}
	}

	if err := m.scheduler.Start(); err != nil {
		m.stopRealtime()
		return fmt.Errorf("failed to schedule maintenance: %w", err)
	}

	m.running = true
	m.startedAt = time.Now().UTC()
	return nil
}

func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return
	}

	logger.Log.Info("Stopping sync manager")

	m.scheduler.Stop()
	m.stopRealtime()
	m.running = false
}

func (m *Manager) stopRealtime() {
	if m.binlogListener != nil {
		m.binlogListener.Stop()
		m.binlogListener = nil
	}
	if m.batcher != nil {
		m.batcher.Stop()
		m.batcher = nil
	}
}

func (m *Manager) Close() error {
	m.Stop()
	return m.store.Close()
}

func (m *Manager) GetStatus() Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := Status{
		Running:     m.running,
		Realtime:    m.cfg.Sync.Realtime,
		StartedAt:   m.startedAt,
		Subscribers: m.hub.Subscribers(),
		Pushes:      m.pushes.Load(),
		Pulls:       m.pulls.Load(),
	}
	if ms := m.lastPush.Load(); ms > 0 {
		st.LastPushAt = time.UnixMilli(ms).UTC()
	}
	return st
}

func (m *Manager) Push(ctx context.Context, req model.PushRequest) (*model.PushResponse, error) {
	resp, err := m.push.Push(ctx, req)
	if err == nil {
		m.pushes.Add(1)
		m.lastPush.Store(time.Now().UnixMilli())
	}
	return resp, err
}

func (m *Manager) Pull(ctx context.Context, since time.Time, limit int) (*model.PullResponse, error) {
	resp, err := m.pull.Pull(ctx, since, limit)
	if err == nil {
		m.pulls.Add(1)
	}
	return resp, err
}

func (m *Manager) Collection(ctx context.Context, entity model.Entity) ([]*model.Record, error) {
	return m.pull.Collection(ctx, entity)
}

func (m *Manager) Hub() *Hub { return m.hub }

func (m *Manager) Store() store.Store { return m.store }
