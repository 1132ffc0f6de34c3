package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"pos-sync-service/internal/client/queue"
	"pos-sync-service/internal/client/transport"
	"pos-sync-service/internal/logger"
	"pos-sync-service/internal/model"
)

// ErrNoCachedData is returned for reads that cannot reach the server and
// have nothing cached to fall back on.
var ErrNoCachedData = errors.New("no cached data")

// ProvisionalPrefix marks ids of records created locally and not yet synced.
const ProvisionalPrefix = "local-"

type Source string

const (
	SourceNetwork Source = "network"
	SourceCache   Source = "cache"
)

// Mutation is a caller's create, update or delete.
type Mutation struct {
	Entity model.Entity
	Action model.Action
	// ID is the target record; empty for creates.
	ID      string
	Payload json.RawMessage
	// BaseVersion is the version the caller last saw, if known.
	BaseVersion *int64
}

func (m Mutation) resource() string {
	return model.Resource(m.Entity, m.ID)
}

// MutationResult describes how a mutation was handled. When Pending is set the
// operation is queued and Record is provisional.
type MutationResult struct {
	Pending  bool                  `json:"pending" yaml:"pending"`
	OpID     string                `json:"opId" yaml:"opId"`
	ServerID string                `json:"serverId,omitempty" yaml:"serverId,omitempty"`
	Record   *model.Record         `json:"record,omitempty" yaml:"record,omitempty"`
	Conflict *model.ConflictRecord `json:"conflict,omitempty" yaml:"conflict,omitempty"`
}

// Gateway routes each call to the server or to the queue and cache.
type Gateway struct {
	transport Transport
	queue     Queue
	cache     Cache
	conn      *Connectivity
	clientID  string
	events    *bus
	group     singleflight.Group
	now       func() time.Time
}

func NewGateway(t Transport, q Queue, c Cache, conn *Connectivity, clientID string) *Gateway {
	return newGateway(t, q, c, conn, clientID, &bus{})
}

func newGateway(t Transport, q Queue, c Cache, conn *Connectivity, clientID string, events *bus) *Gateway {
	return &Gateway{transport: t, queue: q, cache: c, conn: conn, clientID: clientID, events: events, now: time.Now}
}

// Read returns the collection of e from the server when possible, refreshing
// the cache, and from the cache when the server is unreachable.
func (g *Gateway) Read(ctx context.Context, e model.Entity) ([]model.Record, Source, error) {
	if !e.Valid() {
		return nil, "", &model.ValidationError{Field: "entity", Reason: fmt.Sprintf("unknown entity %q", e)}
	}
	if !g.conn.Online() {
		return g.fromCache(ctx, e, nil)
	}

	v, err, _ := g.group.Do(string(e), func() (interface{}, error) {
		records, err := g.transport.Fetch(ctx, e)
		if err != nil {
			return nil, err
		}
		if err := g.cache.ReplaceAll(ctx, e, records); err != nil {
			logger.Log.Warn("Failed to cache collection", zap.String("entity", string(e)), zap.Error(err))
		}
		return records, nil
	})
	if err == nil {
		return v.([]model.Record), SourceNetwork, nil
	}
	if !transport.IsNetworkError(err) {
		return nil, "", err
	}
	g.conn.ReportNetworkError(err)
	return g.fromCache(ctx, e, err)
}

func (g *Gateway) fromCache(ctx context.Context, e model.Entity, cause error) ([]model.Record, Source, error) {
	snap, err := g.cache.Get(ctx, e)
	if err != nil {
		return nil, "", err
	}
	if snap.Empty() {
		if cause != nil {
			return nil, "", cause
		}
		return nil, "", fmt.Errorf("%s: %w", e, ErrNoCachedData)
	}
	return snap.Records, SourceCache, nil
}

// Mutate sends m to the server when online. Network-class failures, or
// being offline, queue it instead and apply it to the cache provisionally.
// Server rejections are returned unchanged.
func (g *Gateway) Mutate(ctx context.Context, m Mutation) (*MutationResult, error) {
	if err := g.validate(m); err != nil {
		return nil, err
	}
	opID := uuid.New().String()
	at := g.now().UTC()
	// A record created offline only exists on the server once its queued
	// create drains, so changes to it have to queue behind that create.
	if !g.conn.Online() || strings.HasPrefix(m.ID, ProvisionalPrefix) {
		return g.enqueue(ctx, m, opID, at)
	}

	op := model.SyncOperation{
		OpID:            opID,
		Entity:          m.Entity,
		Action:          m.Action,
		EntityID:        m.ID,
		Payload:         m.Payload,
		ClientUpdatedAt: at,
		ClientID:        g.clientID,
		BaseVersion:     m.BaseVersion,
	}
	resp, err := g.transport.Push(ctx, model.PushRequest{ClientID: g.clientID, Operations: []model.SyncOperation{op}})
	if err != nil {
		if transport.IsNetworkError(err) {
			g.conn.ReportNetworkError(err)
			// The server may have applied the push before the failure; the
			// same op id lets it recognise the resubmission.
			return g.enqueue(ctx, m, opID, at)
		}
		return nil, err
	}

	conflict, opErr := resp.Outcome(opID)
	switch {
	case conflict != nil:
		return &MutationResult{OpID: opID, Conflict: conflict}, nil
	case opErr != nil:
		return nil, &transport.BusinessError{Op: "push", Status: http.StatusUnprocessableEntity, Message: opErr.Error}
	}

	serverID := resp.CreatedServerIDs[opID]
	if serverID == "" {
		serverID = m.ID
	}
	return &MutationResult{
		OpID:     opID,
		ServerID: serverID,
		Record: &model.Record{
			ID:        serverID,
			Entity:    m.Entity,
			Data:      m.Payload,
			Deleted:   m.Action == model.ActionDelete,
			UpdatedAt: op.ClientUpdatedAt,
		},
	}, nil
}

// Enqueue queues m without trying the server and applies it to the cache
// provisionally.
func (g *Gateway) Enqueue(ctx context.Context, m Mutation) (*MutationResult, error) {
	if err := g.validate(m); err != nil {
		return nil, err
	}
	return g.enqueue(ctx, m, "", g.now().UTC())
}

// enqueue queues m under opID, or a fresh id when empty.
func (g *Gateway) enqueue(ctx context.Context, m Mutation, opID string, at time.Time) (*MutationResult, error) {
	qo := &queue.QueuedOperation{
		ID:              opID,
		Method:          model.MethodFor(m.Action),
		Resource:        m.resource(),
		Payload:         m.Payload,
		ClientUpdatedAt: at,
		BaseVersion:     m.BaseVersion,
	}
	id, err := g.queue.Enqueue(ctx, qo)
	if err != nil {
		return nil, err
	}

	rec := g.applyOptimistic(ctx, m, qo)
	return &MutationResult{Pending: true, OpID: id, Record: rec}, nil
}

func (g *Gateway) validate(m Mutation) error {
	op := model.SyncOperation{
		OpID:            "validate",
		Entity:          m.Entity,
		Action:          m.Action,
		EntityID:        m.ID,
		Payload:         m.Payload,
		ClientUpdatedAt: g.now(),
	}
	_, err := op.Typed()
	return err
}

// applyOptimistic mirrors a queued operation in the cache and tells
// subscribers. A failure here only loses the provisional view.
func (g *Gateway) applyOptimistic(ctx context.Context, m Mutation, qo *queue.QueuedOperation) *model.Record {
	rec := &model.Record{
		ID:        m.ID,
		Entity:    m.Entity,
		Data:      m.Payload,
		CreatedAt: qo.ClientUpdatedAt,
		UpdatedAt: qo.ClientUpdatedAt,
		Deleted:   m.Action == model.ActionDelete,
	}
	if m.Action == model.ActionCreate {
		rec.ID = ProvisionalPrefix + qo.ID
	}

	err := g.cache.Update(ctx, m.Entity, func(records []model.Record) []model.Record {
		switch m.Action {
		case model.ActionCreate:
			return append(records, *rec)
		case model.ActionDelete:
			out := records[:0]
			for _, r := range records {
				if r.ID != m.ID {
					out = append(out, r)
				}
			}
			return out
		default:
			for i, r := range records {
				if r.ID == m.ID {
					rec.Version, rec.CreatedAt = r.Version, r.CreatedAt
					records[i] = *rec
					return records
				}
			}
			return append(records, *rec)
		}
	})
	if err != nil {
		logger.Log.Warn("Failed to apply optimistic update", zap.String("opId", qo.ID), zap.Error(err))
		return rec
	}
	g.events.emit(Event{Kind: EventOptimistic, Entity: m.Entity, Op: qo, ServerID: rec.ID})
	return rec
}
