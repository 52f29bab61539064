package events

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/asotonet/isp-billing/internal/bus"
	"github.com/asotonet/isp-billing/internal/model"
	"github.com/asotonet/isp-billing/internal/storage/repo"
)

// MaxWindow bounds how far back event listings may look.
const MaxWindow = 720 * time.Hour

// Recorder persists router events and publishes them on the bus.
type Recorder struct {
	store  repo.Events
	pub    bus.Publisher
	schema *Schema
	prefix string
	log    *zap.Logger
}

// NewRecorder builds a recorder. pub may be nil when no broker is configured.
func NewRecorder(store repo.Events, pub bus.Publisher, prefix string, log *zap.Logger) (*Recorder, error) {
	schema, err := LoadSchema()
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Recorder{store: store, pub: pub, schema: schema, prefix: prefix, log: log.Named("events")}, nil
}

// Record appends an event. Publishing is best-effort and never fails the call.
func (r *Recorder) Record(ctx context.Context, router model.Router, typ model.EventType, description string, metadata map[string]string) (model.RouterEvent, error) {
	e := model.NewRouterEvent(router, typ, description, metadata)
	if err := r.store.InsertEvent(ctx, &e); err != nil {
		r.log.Error("persist router event failed",
			zap.String("router_id", router.ID),
			zap.String("type", string(typ)),
			zap.Error(err),
		)
		return e, err
	}
	r.log.Info("router event",
		zap.String("router_id", router.ID),
		zap.String("router", router.Name),
		zap.String("type", string(typ)),
		zap.String("description", description),
	)
	r.publish(ctx, e)
	return e, nil
}

func (r *Recorder) publish(ctx context.Context, e model.RouterEvent) {
	if r.pub == nil {
		return
	}
	topic := RouterTopic(e.Type)
	b, err := EncodeRouterEvent(r.schema, Subject(r.prefix, topic), e)
	if err != nil {
		r.log.Warn("encode router event", zap.String("id", e.ID), zap.Error(err))
		return
	}
	if err := r.pub.Publish(ctx, topic, b); err != nil {
		r.log.Warn("publish router event", zap.String("id", e.ID), zap.String("topic", topic), zap.Error(err))
	}
}

type Query struct {
	RouterID string
	Type     model.EventType
	Hours    int
	Limit    int
}

// List returns events newest first. Hours is clamped to MaxWindow and
// defaults to 24; Limit defaults to 100.
func (r *Recorder) List(ctx context.Context, q Query) ([]model.RouterEvent, error) {
	window := time.Duration(q.Hours) * time.Hour
	if window <= 0 {
		window = 24 * time.Hour
	}
	window = min(window, MaxWindow)
	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}
	return r.store.ListEvents(ctx, repo.EventFilter{
		RouterID: q.RouterID,
		Type:     q.Type,
		Since:    time.Now().Add(-window),
		Limit:    limit,
	})
}

func (r *Recorder) Recent(ctx context.Context, limit int) ([]model.RouterEvent, error) {
	if limit <= 0 {
		limit = 20
	}
	return r.store.ListEvents(ctx, repo.EventFilter{Limit: limit})
}

// Prune deletes events older than retention.
func (r *Recorder) Prune(ctx context.Context, retention time.Duration) (int64, error) {
	n, err := r.store.DeleteEventsBefore(ctx, time.Now().Add(-retention))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		r.log.Info("router events pruned", zap.Int64("count", n), zap.Duration("retention", retention))
	}
	return n, nil
}
