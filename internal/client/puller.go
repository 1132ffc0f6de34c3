package client

import (
	"context"
	"time"

	"go.uber.org/zap"

	"pos-sync-service/internal/logger"
	"pos-sync-service/internal/model"
)

// epoch is the watermark of a client that never pulled; it asks for all history.
var epoch = time.Unix(0, 0).UTC()

// PullResult summarizes one Pull call.
type PullResult struct {
	Pages     int       `json:"pages" yaml:"pages"`
	Changes   int       `json:"changes" yaml:"changes"`
	Watermark time.Time `json:"watermark" yaml:"watermark"`
}

// Puller brings the cache up to date with changes made elsewhere.
type Puller struct {
	transport Transport
	cache     Cache
	conn      *Connectivity
	limit     int
	events    *bus
}

func NewPuller(t Transport, c Cache, conn *Connectivity, limit int) *Puller {
	return newPuller(t, c, conn, limit, &bus{})
}

func newPuller(t Transport, c Cache, conn *Connectivity, limit int, events *bus) *Puller {
	if limit <= 0 {
		limit = 1000
	}
	return &Puller{transport: t, cache: c, conn: conn, limit: limit, events: events}
}

// Pull fetches pages from the stored watermark until the server reports no
// more, merging each page into the cache by id and saving the new watermark.
func (p *Puller) Pull(ctx context.Context) (PullResult, error) {
	var res PullResult
	since, err := p.cache.Watermark(ctx)
	if err != nil {
		return res, err
	}
	if since.IsZero() {
		since = epoch
	}

	for {
		resp, err := p.transport.Pull(ctx, since, p.limit)
		if err != nil {
			p.conn.ReportNetworkError(err)
			return res, err
		}
		res.Pages++
		res.Changes += len(resp.Changes)

		byEntity := make(map[model.Entity][]model.EntityChange)
		for _, ch := range resp.Changes {
			byEntity[ch.Entity] = append(byEntity[ch.Entity], ch)
		}
		for _, e := range model.AllEntities {
			changes, ok := byEntity[e]
			if !ok {
				continue
			}
			if err := p.cache.Merge(ctx, e, changes); err != nil {
				return res, err
			}
			p.events.emit(Event{Kind: EventRefreshed, Entity: e})
		}

		if err := p.cache.SetWatermark(ctx, resp.LastSyncTime); err != nil {
			return res, err
		}
		res.Watermark = resp.LastSyncTime

		if !resp.HasMore {
			break
		}
		// A full page sharing one timestamp cannot advance the cursor.
		if !resp.LastSyncTime.After(since) {
			logger.Log.Warn("Pull watermark did not advance, stopping",
				zap.Time("watermark", since),
				zap.Int("limit", p.limit),
			)
			break
		}
		since = resp.LastSyncTime
	}

	logger.Log.Debug("Pull finished",
		zap.Int("pages", res.Pages),
		zap.Int("changes", res.Changes),
		zap.Time("watermark", res.Watermark),
	)
	return res, nil
}
