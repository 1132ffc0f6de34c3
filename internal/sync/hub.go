package sync

import (
	"sync"

	"go.uber.org/zap"

	"pos-sync-service/internal/logger"
	"pos-sync-service/internal/model"
)

// Hub fans change notices out to websocket subscribers. A subscriber that
// falls behind loses notices rather than stalling publishers.
type Hub struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]chan model.ChangeNotice
}

func NewHub() *Hub {
	return &Hub{subs: make(map[int]chan model.ChangeNotice)}
}

// Subscribe registers a listener. The returned func unsubscribes and closes the channel.
func (h *Hub) Subscribe(buffer int) (<-chan model.ChangeNotice, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan model.ChangeNotice, buffer)

	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.subs[id] = ch
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
			close(ch)
		})
	}
}

func (h *Hub) Publish(n model.ChangeNotice) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for id, ch := range h.subs {
		select {
		case ch <- n:
		default:
			logger.Log.Debug("Dropping change notice for slow subscriber",
				zap.Int("subscriber", id),
				zap.String("entity", string(n.Entity)),
			)
		}
	}
}

func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}
