package client

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"pos-sync-service/internal/client/transport"
	"pos-sync-service/internal/logger"
)

// Pinger checks that the server is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Connectivity tracks whether the server is reachable. It starts out online;
// network failures seen anywhere flip it offline and the periodic ping flips
// it back, firing the restored listeners.
type Connectivity struct {
	pinger   Pinger
	interval time.Duration
	online   atomic.Bool
	restored bus

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewConnectivity(p Pinger, interval time.Duration) *Connectivity {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	c := &Connectivity{pinger: p, interval: interval}
	c.online.Store(true)
	return c
}

func (c *Connectivity) Online() bool {
	return c.online.Load()
}

// SetOnline records the current state; an offline to online change notifies
// the restored listeners.
func (c *Connectivity) SetOnline(online bool) {
	was := c.online.Swap(online)
	switch {
	case !was && online:
		logger.Log.Info("Connectivity restored")
		c.restored.emit(Event{Kind: EventState})
	case was && !online:
		logger.Log.Warn("Connectivity lost")
	}
}

// ReportNetworkError marks the client offline after a network-class failure.
func (c *Connectivity) ReportNetworkError(err error) {
	if transport.IsNetworkError(err) {
		c.SetOnline(false)
	}
}

// OnRestored registers fn for offline to online transitions.
func (c *Connectivity) OnRestored(fn func()) func() {
	return c.restored.subscribe(func(Event) { fn() })
}

// Check pings the server once. Only network-class failures count as offline.
func (c *Connectivity) Check(ctx context.Context) bool {
	pingCtx, cancel := context.WithTimeout(ctx, c.interval)
	defer cancel()

	err := c.pinger.Ping(pingCtx)
	if err != nil && ctx.Err() != nil {
		return c.Online()
	}
	online := err == nil || !transport.IsNetworkError(err)
	if err != nil {
		logger.Log.Debug("Ping failed", zap.Error(err))
	}
	c.SetOnline(online)
	return online
}

// Start pings on the configured interval until Stop.
func (c *Connectivity) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		return
	}
	ctx, c.cancel = context.WithCancel(ctx)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.Check(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (c *Connectivity) Stop() {
	c.mu.Lock()
	cancel := c.cancel
	c.cancel = nil
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	c.wg.Wait()
}
