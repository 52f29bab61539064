package contracts

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/asotonet/isp-billing/internal/mikrotik"
	"github.com/asotonet/isp-billing/internal/model"
	"github.com/asotonet/isp-billing/internal/storage/repo"
)

// PlanPropagator pushes plan speed changes to every router that serves the
// plan over PPPoE.
type PlanPropagator struct {
	store       Store
	control     ControlFactory
	log         *zap.Logger
	timeout     time.Duration
	concurrency int

	wg sync.WaitGroup
}

func NewPlanPropagator(store Store, control ControlFactory, log *zap.Logger) *PlanPropagator {
	if log == nil {
		log = zap.NewNop()
	}
	return &PlanPropagator{
		store:       store,
		control:     control,
		log:         log.Named("plans"),
		timeout:     2 * time.Minute,
		concurrency: 8,
	}
}

// propagationStates are the contracts counted as served by a plan profile.
var propagationStates = []model.ContractState{model.StateActive, model.StatePending}

// boundStates are the contracts whose secret follows the plan to its new
// profile. Suspended secrets are moved but stay disabled.
var boundStates = []model.ContractState{model.StateActive, model.StatePending, model.StateSuspended}

type RouterProfileInfo struct {
	RouterID       string `json:"router_id"`
	RouterName     string `json:"router_name"`
	ContractsCount int    `json:"contracts_count"`
	Online         *bool  `json:"online"`
	Active         bool   `json:"active"`
}

type ProfilesInfo struct {
	PlanID      string              `json:"plan_id"`
	ProfileName string              `json:"profile_name"`
	RateLimit   string              `json:"rate_limit"`
	Routers     []RouterProfileInfo `json:"routers"`
}

// routersForPlan groups the plan's PPPoE contracts in the given states by
// router.
func (p *PlanPropagator) routersForPlan(ctx context.Context, planID string, states []model.ContractState) ([]model.Router, map[string][]model.Contract, error) {
	list, err := p.store.ListContracts(ctx, repo.ContractFilter{
		PlanID:         planID,
		ConnectionType: model.PPPoE,
		States:         states,
	})
	if err != nil {
		return nil, nil, err
	}
	byRouter := map[string][]model.Contract{}
	for _, c := range list {
		if id := c.Router(); id != "" {
			byRouter[id] = append(byRouter[id], c)
		}
	}
	routers := make([]model.Router, 0, len(byRouter))
	for id := range byRouter {
		r, err := p.store.GetRouter(ctx, id)
		if err != nil {
			p.log.Warn("contract references missing router", zap.String("router_id", id), zap.Error(err))
			continue
		}
		routers = append(routers, r)
	}
	sort.Slice(routers, func(i, j int) bool { return routers[i].Name < routers[j].Name })
	return routers, byRouter, nil
}

func (p *PlanPropagator) GetPPPProfilesInfo(ctx context.Context, planID string) (ProfilesInfo, error) {
	plan, err := p.store.GetPlan(ctx, planID)
	if err != nil {
		return ProfilesInfo{}, err
	}
	routers, byRouter, err := p.routersForPlan(ctx, planID, propagationStates)
	if err != nil {
		return ProfilesInfo{}, err
	}
	info := ProfilesInfo{
		PlanID:      plan.ID,
		ProfileName: plan.ProfileName(),
		RateLimit:   mikrotik.RateLimit(plan.UploadMbps, plan.DownloadMbps),
		Routers:     make([]RouterProfileInfo, 0, len(routers)),
	}
	for _, r := range routers {
		info.Routers = append(info.Routers, RouterProfileInfo{
			RouterID:       r.ID,
			RouterName:     r.Name,
			ContractsCount: len(byRouter[r.ID]),
			Online:         r.IsOnline,
			Active:         r.IsActive,
		})
	}
	return info, nil
}

type ProfileSyncResult struct {
	RouterID   string `json:"router_id"`
	RouterName string `json:"router_name"`
	Success    bool   `json:"success"`
	Moved      int    `json:"secrets_moved"`
	Error      string `json:"error,omitempty"`
}

// SyncPPPProfiles updates the plan profile on every affected router
// concurrently and moves the plan's secrets onto it. A failing router is
// logged and reported; the others still run.
func (p *PlanPropagator) SyncPPPProfiles(ctx context.Context, planID string) ([]ProfileSyncResult, error) {
	plan, err := p.store.GetPlan(ctx, planID)
	if err != nil {
		return nil, err
	}
	routers, byRouter, err := p.routersForPlan(ctx, planID, boundStates)
	if err != nil {
		return nil, err
	}

	results := make([]ProfileSyncResult, len(routers))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.concurrency)
	for i, r := range routers {
		results[i] = ProfileSyncResult{RouterID: r.ID, RouterName: r.Name}
		g.Go(func() error {
			n, err := p.syncRouter(gctx, r, plan, byRouter[r.ID])
			results[i].Moved = n
			if err != nil {
				results[i].Error = err.Error()
				p.log.Warn("profile propagation failed",
					zap.String("plan", plan.Name),
					zap.String("router", r.Name),
					zap.Error(err),
				)
				return nil
			}
			results[i].Success = true
			return nil
		})
	}
	_ = g.Wait()

	ok := 0
	for _, r := range results {
		if r.Success {
			ok++
		}
	}
	p.log.Info("plan profiles propagated",
		zap.String("plan", plan.Name),
		zap.String("profile", plan.ProfileName()),
		zap.Int("routers", len(results)),
		zap.Int("succeeded", ok),
	)
	return results, nil
}

// syncRouter ensures the plan profile on r, then points every secret of
// contracts at it. It returns how many secrets were moved.
func (p *PlanPropagator) syncRouter(ctx context.Context, r model.Router, plan model.Plan, contracts []model.Contract) (int, error) {
	if !r.IsActive {
		return 0, guardErr("router %s is inactive", r.Name)
	}
	if r.KnownOffline() {
		return 0, guardErr("router %s is offline", r.Name)
	}
	ctl, err := p.control(r)
	if err != nil {
		return 0, err
	}
	profile, err := ensureProfile(ctx, ctl, r, plan)
	if err != nil {
		return 0, err
	}
	moved := 0
	for _, c := range contracts {
		user := c.Username()
		if user == "" {
			continue
		}
		found, err := ctl.SetPPPSecretProfile(ctx, user, profile)
		if err != nil {
			return moved, syncErr(err, "move secret %s to %s", user, profile)
		}
		if !found {
			p.log.Warn("plan contract has no secret on router",
				zap.String("contract", c.Number),
				zap.String("router", r.Name),
				zap.String("user", user),
			)
			continue
		}
		moved++
	}
	return moved, nil
}

// OnPlanUpdated starts propagation in the background when the plan speed
// changed and reports whether it did. Callers never wait on it.
func (p *PlanPropagator) OnPlanUpdated(prev, next model.Plan) bool {
	if !prev.SpeedChanged(next) {
		return false
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
		defer cancel()
		if _, err := p.SyncPPPProfiles(ctx, next.ID); err != nil {
			p.log.Warn("plan propagation aborted", zap.String("plan_id", next.ID), zap.Error(err))
		}
	}()
	return true
}

// Wait blocks until background propagations finish.
func (p *PlanPropagator) Wait() { p.wg.Wait() }
