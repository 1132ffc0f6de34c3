package sync

import (
	"context"
	"fmt"
	"sort"
	"time"

	"pos-sync-service/internal/model"
	"pos-sync-service/internal/store"
)

// PullHandler serves changes since a client watermark.
type PullHandler struct {
	store store.Store
	now   func() time.Time
}

func NewPullHandler(s store.Store, now func() time.Time) *PullHandler {
	if now == nil {
		now = time.Now
	}
	return &PullHandler{store: s, now: now}
}

// Pull returns up to limit changes with a sync time at or after since.
//
// Each entity type is read in ascending (time, id) order, then the streams are
// merged by (time, entity, id) and cut at limit. When the cut is hit,
// LastSyncTime is the time of the last returned change so the next pull
// resumes there; the inclusive bound re-delivers boundary records instead of
// skipping them.
func (h *PullHandler) Pull(ctx context.Context, since time.Time, limit int) (*model.PullResponse, error) {
	if limit <= 0 {
		return nil, &model.ValidationError{Field: "limit", Reason: "must be positive"}
	}
	startedAt := h.now().UTC().Truncate(time.Millisecond)

	type ranked struct {
		rec  *model.Record
		rank int
	}
	var all []ranked
	for i, entity := range model.AllEntities {
		records, err := h.store.Records(entity).FindMany(ctx, store.Filter{Since: since, Limit: limit})
		if err != nil {
			return nil, fmt.Errorf("failed to read %s changes: %w", entity, err)
		}
		for _, r := range records {
			all = append(all, ranked{rec: r, rank: i})
		}
	}

	sort.SliceStable(all, func(i, j int) bool {
		ti, tj := all[i].rec.SyncTime(), all[j].rec.SyncTime()
		if !ti.Equal(tj) {
			return ti.Before(tj)
		}
		if all[i].rank != all[j].rank {
			return all[i].rank < all[j].rank
		}
		return all[i].rec.ID < all[j].rec.ID
	})
	if len(all) > limit {
		all = all[:limit]
	}

	resp := &model.PullResponse{
		Changes:      make([]model.EntityChange, 0, len(all)),
		LastSyncTime: startedAt,
		HasMore:      len(all) == limit,
	}
	for _, r := range all {
		resp.Changes = append(resp.Changes, r.rec.Change())
	}
	if resp.HasMore {
		resp.LastSyncTime = resp.Changes[len(resp.Changes)-1].UpdatedAt
	}
	return resp, nil
}

// Collection returns every active record of one entity.
func (h *PullHandler) Collection(ctx context.Context, entity model.Entity) ([]*model.Record, error) {
	if !entity.Valid() {
		return nil, &model.ValidationError{Field: "entity", Reason: fmt.Sprintf("unknown entity %q", entity)}
	}
	return h.store.Records(entity).FindMany(ctx, store.Filter{ActiveOnly: true})
}
