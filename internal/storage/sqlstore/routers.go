package sqlstore

import (
	"context"

	"github.com/asotonet/isp-billing/internal/model"
	"github.com/asotonet/isp-billing/internal/storage/repo"
)

func (s *Store) CreateRouter(ctx context.Context, r *model.Router) error {
	return mapErr(s.db.WithContext(ctx).Create(r).Error)
}

// healthColumns belong to the monitor. UpdateRouter never writes them, so a
// router loaded before a health check cannot roll the check back.
var healthColumns = []string{"is_online", "last_check_at", "last_online_at", "identity", "routeros_version"}

// UpdateRouter saves the configuration of r and refreshes its health fields
// from the stored row.
func (s *Store) UpdateRouter(ctx context.Context, r *model.Router) error {
	db := s.db.WithContext(ctx)
	if err := db.Omit(healthColumns...).Save(r).Error; err != nil {
		return mapErr(err)
	}
	return mapErr(db.Select(healthColumns).Where("id = ?", r.ID).Take(r).Error)
}

func (s *Store) GetRouter(ctx context.Context, id string) (model.Router, error) {
	var r model.Router
	if err := s.db.WithContext(ctx).First(&r, "id = ?", id).Error; err != nil {
		return model.Router{}, mapErr(err)
	}
	return r, nil
}

func (s *Store) GetRouterByHost(ctx context.Context, host string) (model.Router, error) {
	var r model.Router
	if err := s.db.WithContext(ctx).First(&r, "host = ?", host).Error; err != nil {
		return model.Router{}, mapErr(err)
	}
	return r, nil
}

func (s *Store) ListRouters(ctx context.Context, activeOnly bool) ([]model.Router, error) {
	q := s.db.WithContext(ctx).Order("name")
	if activeOnly {
		q = q.Where("is_active = ?", true)
	}
	var out []model.Router
	if err := q.Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) DeleteRouter(ctx context.Context, id string) (bool, error) {
	res := s.db.WithContext(ctx).Delete(&model.Router{}, "id = ?", id)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// UpdateRouterHealth writes only monitoring columns so a concurrent edit of
// the router is not overwritten.
func (s *Store) UpdateRouterHealth(ctx context.Context, id string, h repo.RouterHealth) error {
	fields := map[string]any{
		"is_online":     h.IsOnline,
		"last_check_at": h.CheckedAt,
	}
	if h.IsOnline {
		fields["last_online_at"] = h.CheckedAt
	}
	if h.Identity != "" {
		fields["identity"] = h.Identity
	}
	if h.RouterOSVersion != "" {
		fields["routeros_version"] = h.RouterOSVersion
	}
	res := s.db.WithContext(ctx).Model(&model.Router{}).Where("id = ?", id).Updates(fields)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return repo.ErrNotFound
	}
	return nil
}
