// Package memstore is an in-memory repo.Store for tests and ephemeral runs.
package memstore

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/asotonet/isp-billing/internal/model"
	"github.com/asotonet/isp-billing/internal/storage/repo"
)

type Store struct {
	mu        sync.RWMutex
	routers   map[string]*model.Router
	contracts map[string]*model.Contract
	plans     map[string]*model.Plan
	events    []model.RouterEvent
}

var _ repo.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		routers:   map[string]*model.Router{},
		contracts: map[string]*model.Contract{},
		plans:     map[string]*model.Plan{},
	}
}

func (s *Store) CreateRouter(_ context.Context, r *model.Router) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.routers[r.ID]; ok {
		return repo.ErrConflict
	}
	for _, o := range s.routers {
		if o.Host == r.Host {
			return repo.ErrConflict
		}
	}
	now := time.Now().UTC()
	r.CreatedAt, r.UpdatedAt = now, now
	cp := *r
	s.routers[r.ID] = &cp
	return nil
}

func (s *Store) UpdateRouter(_ context.Context, r *model.Router) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.routers[r.ID]
	if !ok {
		return repo.ErrNotFound
	}
	for _, o := range s.routers {
		if o.ID != r.ID && o.Host == r.Host {
			return repo.ErrConflict
		}
	}
	// health fields are owned by UpdateRouterHealth
	r.IsOnline, r.LastCheckAt, r.LastOnlineAt = cur.IsOnline, cur.LastCheckAt, cur.LastOnlineAt
	r.Identity, r.RouterOSVersion = cur.Identity, cur.RouterOSVersion
	r.UpdatedAt = time.Now().UTC()
	cp := *r
	s.routers[r.ID] = &cp
	return nil
}

func (s *Store) GetRouter(_ context.Context, id string) (model.Router, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.routers[id]
	if !ok {
		return model.Router{}, repo.ErrNotFound
	}
	return *r, nil
}

func (s *Store) GetRouterByHost(_ context.Context, host string) (model.Router, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.routers {
		if r.Host == host {
			return *r, nil
		}
	}
	return model.Router{}, repo.ErrNotFound
}

func (s *Store) ListRouters(_ context.Context, activeOnly bool) ([]model.Router, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Router, 0, len(s.routers))
	for _, r := range s.routers {
		if activeOnly && !r.IsActive {
			continue
		}
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *Store) DeleteRouter(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.routers[id]; !ok {
		return false, nil
	}
	delete(s.routers, id)
	return true, nil
}

func (s *Store) UpdateRouterHealth(_ context.Context, id string, h repo.RouterHealth) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.routers[id]
	if !ok {
		return repo.ErrNotFound
	}
	online, at := h.IsOnline, h.CheckedAt
	r.IsOnline, r.LastCheckAt = &online, &at
	if online {
		r.LastOnlineAt = &at
	}
	if h.Identity != "" {
		r.Identity = h.Identity
	}
	if h.RouterOSVersion != "" {
		r.RouterOSVersion = h.RouterOSVersion
	}
	return nil
}

func (s *Store) CreateContract(_ context.Context, c *model.Contract) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.contracts[c.ID]; ok {
		return repo.ErrConflict
	}
	for _, o := range s.contracts {
		if o.Number == c.Number {
			return repo.ErrConflict
		}
	}
	now := time.Now().UTC()
	c.CreatedAt, c.UpdatedAt = now, now
	s.contracts[c.ID] = cloneContract(c)
	return nil
}

func (s *Store) UpdateContract(_ context.Context, c *model.Contract) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.contracts[c.ID]; !ok {
		return repo.ErrNotFound
	}
	c.UpdatedAt = time.Now().UTC()
	s.contracts[c.ID] = cloneContract(c)
	return nil
}

func (s *Store) GetContract(_ context.Context, id string) (model.Contract, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.contracts[id]
	if !ok {
		return model.Contract{}, repo.ErrNotFound
	}
	return *cloneContract(c), nil
}

func (s *Store) ListContracts(_ context.Context, f repo.ContractFilter) ([]model.Contract, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.Contract
	for _, c := range s.contracts {
		if f.RouterID != "" && c.Router() != f.RouterID {
			continue
		}
		if f.PlanID != "" && c.PlanID != f.PlanID {
			continue
		}
		if f.ConnectionType != "" && c.ConnectionType != f.ConnectionType {
			continue
		}
		if len(f.States) > 0 && !slices.Contains(f.States, c.State) {
			continue
		}
		out = append(out, *cloneContract(c))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out, nil
}

func (s *Store) AssignedIPs(_ context.Context, routerID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for _, c := range s.contracts {
		if c.Router() == routerID && c.Address() != "" {
			out = append(out, c.Address())
		}
	}
	return out, nil
}

func (s *Store) FindByIP(_ context.Context, routerID, ip, excludeID string) ([]model.Contract, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.Contract
	for _, c := range s.contracts {
		if c.Router() == routerID && c.Address() == ip && c.State != model.StateCancelled && c.ID != excludeID {
			out = append(out, *cloneContract(c))
		}
	}
	return out, nil
}

func (s *Store) FindByPPPoEUser(_ context.Context, routerID, user, excludeID string) ([]model.Contract, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.Contract
	for _, c := range s.contracts {
		if c.Router() == routerID && c.Username() == user && c.ConnectionType == model.PPPoE && c.ID != excludeID {
			out = append(out, *cloneContract(c))
		}
	}
	return out, nil
}

func (s *Store) CreatePlan(_ context.Context, p *model.Plan) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.plans[p.ID]; ok {
		return repo.ErrConflict
	}
	cp := *p
	s.plans[p.ID] = &cp
	return nil
}

func (s *Store) UpdatePlan(_ context.Context, p *model.Plan) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.plans[p.ID]; !ok {
		return repo.ErrNotFound
	}
	cp := *p
	s.plans[p.ID] = &cp
	return nil
}

func (s *Store) GetPlan(_ context.Context, id string) (model.Plan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.plans[id]
	if !ok {
		return model.Plan{}, repo.ErrNotFound
	}
	return *p, nil
}

func (s *Store) InsertEvent(_ context.Context, e *model.RouterEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, *e)
	return nil
}

func (s *Store) ListEvents(_ context.Context, f repo.EventFilter) ([]model.RouterEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.RouterEvent
	for i := len(s.events) - 1; i >= 0; i-- {
		e := s.events[i]
		if f.RouterID != "" && e.RouterID != f.RouterID {
			continue
		}
		if f.Type != "" && e.Type != f.Type {
			continue
		}
		if !f.Since.IsZero() && e.CreatedAt.Before(f.Since) {
			continue
		}
		out = append(out, e)
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out, nil
}

func (s *Store) DeleteEventsBefore(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.events[:0]
	var n int64
	for _, e := range s.events {
		if e.CreatedAt.Before(before) {
			n++
			continue
		}
		kept = append(kept, e)
	}
	s.events = kept
	return n, nil
}

// Events returns every stored event oldest first.
func (s *Store) Events() []model.RouterEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.events)
}

func cloneContract(c *model.Contract) *model.Contract {
	cp := *c
	cp.RouterID = clonePtr(c.RouterID)
	cp.IP = clonePtr(c.IP)
	cp.PPPoEUser = clonePtr(c.PPPoEUser)
	cp.PPPoEPasswordEnc = clonePtr(c.PPPoEPasswordEnc)
	cp.PPPoERemoteAddress = clonePtr(c.PPPoERemoteAddress)
	return &cp
}

func clonePtr(p *string) *string {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
