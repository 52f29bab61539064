package sqlstore

import (
	"context"

	"github.com/asotonet/isp-billing/internal/model"
	"github.com/asotonet/isp-billing/internal/storage/repo"
)

func (s *Store) CreateContract(ctx context.Context, c *model.Contract) error {
	return mapErr(s.db.WithContext(ctx).Create(c).Error)
}

func (s *Store) UpdateContract(ctx context.Context, c *model.Contract) error {
	return mapErr(s.db.WithContext(ctx).Save(c).Error)
}

func (s *Store) GetContract(ctx context.Context, id string) (model.Contract, error) {
	var c model.Contract
	if err := s.db.WithContext(ctx).First(&c, "id = ?", id).Error; err != nil {
		return model.Contract{}, mapErr(err)
	}
	return c, nil
}

func (s *Store) ListContracts(ctx context.Context, f repo.ContractFilter) ([]model.Contract, error) {
	q := s.db.WithContext(ctx).Order("number")
	if f.RouterID != "" {
		q = q.Where("router_id = ?", f.RouterID)
	}
	if f.PlanID != "" {
		q = q.Where("plan_id = ?", f.PlanID)
	}
	if f.ConnectionType != "" {
		q = q.Where("connection_type = ?", f.ConnectionType)
	}
	if len(f.States) > 0 {
		q = q.Where("state IN ?", f.States)
	}
	var out []model.Contract
	if err := q.Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) AssignedIPs(ctx context.Context, routerID string) ([]string, error) {
	var ips []string
	err := s.db.WithContext(ctx).Model(&model.Contract{}).
		Where("router_id = ? AND ip IS NOT NULL AND ip <> ''", routerID).
		Pluck("ip", &ips).Error
	if err != nil {
		return nil, err
	}
	return ips, nil
}

func (s *Store) FindByIP(ctx context.Context, routerID, ip, excludeID string) ([]model.Contract, error) {
	q := s.db.WithContext(ctx).
		Where("router_id = ? AND ip = ? AND state <> ?", routerID, ip, model.StateCancelled)
	if excludeID != "" {
		q = q.Where("id <> ?", excludeID)
	}
	var out []model.Contract
	if err := q.Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) FindByPPPoEUser(ctx context.Context, routerID, user, excludeID string) ([]model.Contract, error) {
	q := s.db.WithContext(ctx).
		Where("router_id = ? AND pppoe_user = ? AND connection_type = ?", routerID, user, model.PPPoE)
	if excludeID != "" {
		q = q.Where("id <> ?", excludeID)
	}
	var out []model.Contract
	if err := q.Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}
