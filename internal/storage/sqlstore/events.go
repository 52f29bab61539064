package sqlstore

import (
	"context"
	"time"

	"github.com/asotonet/isp-billing/internal/model"
	"github.com/asotonet/isp-billing/internal/storage/repo"
)

func (s *Store) InsertEvent(ctx context.Context, e *model.RouterEvent) error {
	return mapErr(s.db.WithContext(ctx).Create(e).Error)
}

// ListEvents returns newest first.
func (s *Store) ListEvents(ctx context.Context, f repo.EventFilter) ([]model.RouterEvent, error) {
	q := s.db.WithContext(ctx).Order("created_at DESC")
	if f.RouterID != "" {
		q = q.Where("router_id = ?", f.RouterID)
	}
	if f.Type != "" {
		q = q.Where("event_type = ?", f.Type)
	}
	if !f.Since.IsZero() {
		q = q.Where("created_at >= ?", f.Since.UTC())
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	var out []model.RouterEvent
	if err := q.Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) DeleteEventsBefore(ctx context.Context, before time.Time) (int64, error) {
	res := s.db.WithContext(ctx).Where("created_at < ?", before.UTC()).Delete(&model.RouterEvent{})
	return res.RowsAffected, res.Error
}
