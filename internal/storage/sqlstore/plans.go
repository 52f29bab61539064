package sqlstore

import (
	"context"

	"github.com/asotonet/isp-billing/internal/model"
)

func (s *Store) CreatePlan(ctx context.Context, p *model.Plan) error {
	return mapErr(s.db.WithContext(ctx).Create(p).Error)
}

func (s *Store) UpdatePlan(ctx context.Context, p *model.Plan) error {
	return mapErr(s.db.WithContext(ctx).Save(p).Error)
}

func (s *Store) GetPlan(ctx context.Context, id string) (model.Plan, error) {
	var p model.Plan
	if err := s.db.WithContext(ctx).First(&p, "id = ?", id).Error; err != nil {
		return model.Plan{}, mapErr(err)
	}
	return p, nil
}
