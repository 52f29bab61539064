// Package repo declares the persistence collaborators used by the router
// synchronization core.
package repo

import (
	"context"
	"errors"
	"time"

	"github.com/asotonet/isp-billing/internal/model"
)

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("conflict")
)

// RouterHealth is what one monitor check writes back.
type RouterHealth struct {
	IsOnline        bool
	CheckedAt       time.Time
	Identity        string
	RouterOSVersion string
}

type Routers interface {
	CreateRouter(ctx context.Context, r *model.Router) error
	UpdateRouter(ctx context.Context, r *model.Router) error
	GetRouter(ctx context.Context, id string) (model.Router, error)
	GetRouterByHost(ctx context.Context, host string) (model.Router, error)
	ListRouters(ctx context.Context, activeOnly bool) ([]model.Router, error)
	DeleteRouter(ctx context.Context, id string) (bool, error)
	UpdateRouterHealth(ctx context.Context, id string, h RouterHealth) error
}

type ContractFilter struct {
	RouterID       string
	PlanID         string
	ConnectionType model.ConnectionType
	States         []model.ContractState
}

type Contracts interface {
	CreateContract(ctx context.Context, c *model.Contract) error
	UpdateContract(ctx context.Context, c *model.Contract) error
	GetContract(ctx context.Context, id string) (model.Contract, error)
	ListContracts(ctx context.Context, f ContractFilter) ([]model.Contract, error)
	// AssignedIPs returns every non-null IP bound on the router.
	AssignedIPs(ctx context.Context, routerID string) ([]string, error)
	// FindByIP returns non-cancelled contracts on the router bound to ip.
	FindByIP(ctx context.Context, routerID, ip, excludeID string) ([]model.Contract, error)
	FindByPPPoEUser(ctx context.Context, routerID, user, excludeID string) ([]model.Contract, error)
}

type Plans interface {
	CreatePlan(ctx context.Context, p *model.Plan) error
	UpdatePlan(ctx context.Context, p *model.Plan) error
	GetPlan(ctx context.Context, id string) (model.Plan, error)
}

type EventFilter struct {
	RouterID string
	Type     model.EventType
	Since    time.Time
	Limit    int
}

type Events interface {
	InsertEvent(ctx context.Context, e *model.RouterEvent) error
	ListEvents(ctx context.Context, f EventFilter) ([]model.RouterEvent, error)
	DeleteEventsBefore(ctx context.Context, before time.Time) (int64, error)
}

// Store bundles every collaborator.
type Store interface {
	Routers
	Contracts
	Plans
	Events
}
