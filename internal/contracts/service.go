package contracts

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/asotonet/isp-billing/internal/model"
	"github.com/asotonet/isp-billing/internal/routers"
	"github.com/asotonet/isp-billing/internal/storage/repo"
)

// Allocator hands out and validates IPoE addresses.
type Allocator interface {
	NextAvailableIP(ctx context.Context, routerID string) (string, error)
	CheckIPAvailable(ctx context.Context, routerID, ip, excludeContractID string) (routers.IPCheck, error)
	CheckPPPoEUser(ctx context.Context, routerID, user, excludeContractID string) (bool, error)
}

type Cipher interface {
	Decrypter
	EncryptString(plain string) (string, error)
}

// Service persists contract changes and mirrors them to the router. Guards
// run before anything is written; router failures after the write are
// returned as *SyncError alongside the stored contract.
type Service struct {
	store  Store
	sync   *Synchronizer
	plans  *PlanPropagator
	alloc  Allocator
	cipher Cipher
	log    *zap.Logger
}

func NewService(store Store, sync *Synchronizer, plans *PlanPropagator, alloc Allocator, cipher Cipher, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{store: store, sync: sync, plans: plans, alloc: alloc, cipher: cipher, log: log.Named("contracts")}
}

type ContractInput struct {
	Number             string               `json:"number" validate:"required,max=50"`
	ClientName         string               `json:"client_name" validate:"required,max=200"`
	PlanID             string               `json:"plan_id" validate:"required"`
	RouterID           string               `json:"router_id"`
	ConnectionType     model.ConnectionType `json:"connection_type" validate:"required,oneof=IPOE PPPOE"`
	State              model.ContractState  `json:"state" validate:"omitempty,oneof=ACTIVO SUSPENDIDO CANCELADO PENDIENTE"`
	IP                 string               `json:"ip" validate:"omitempty,ipv4"`
	AutoAssignIP       bool                 `json:"auto_assign_ip"`
	PPPoEUser          string               `json:"pppoe_user" validate:"omitempty,max=64"`
	PPPoEPassword      string               `json:"pppoe_password"`
	PPPoERemoteAddress string               `json:"pppoe_remote_address" validate:"omitempty,ipv4"`
}

type ContractUpdate struct {
	ClientName         *string               `json:"client_name"`
	PlanID             *string               `json:"plan_id"`
	RouterID           *string               `json:"router_id"`
	ConnectionType     *model.ConnectionType `json:"connection_type" validate:"omitempty,oneof=IPOE PPPOE"`
	State              *model.ContractState  `json:"state" validate:"omitempty,oneof=ACTIVO SUSPENDIDO CANCELADO PENDIENTE"`
	IP                 *string               `json:"ip" validate:"omitempty,ipv4"`
	PPPoEUser          *string               `json:"pppoe_user"`
	PPPoEPassword      *string               `json:"pppoe_password"`
	PPPoERemoteAddress *string               `json:"pppoe_remote_address"`
}

func (s *Service) Get(ctx context.Context, id string) (model.Contract, error) {
	return s.store.GetContract(ctx, id)
}

func (s *Service) Create(ctx context.Context, in ContractInput) (model.Contract, error) {
	c := model.NewContract(strings.TrimSpace(in.Number), strings.TrimSpace(in.ClientName), in.PlanID, in.ConnectionType)
	if in.State != "" {
		c.State = in.State
	}
	c.RouterID = model.Ptr(in.RouterID)

	if in.ConnectionType == model.IPoE && in.IP == "" && in.AutoAssignIP && in.RouterID != "" {
		ip, err := s.alloc.NextAvailableIP(ctx, in.RouterID)
		if err != nil {
			return model.Contract{}, err
		}
		in.IP = ip
	}
	if err := s.applyConnection(&c, in.ConnectionType, in.IP, in.PPPoEUser, in.PPPoEPassword, in.PPPoERemoteAddress); err != nil {
		return model.Contract{}, err
	}
	if err := s.validate(ctx, c); err != nil {
		return model.Contract{}, err
	}
	if err := s.sync.Preflight(ctx, c); err != nil {
		return model.Contract{}, err
	}
	if err := s.store.CreateContract(ctx, &c); err != nil {
		return model.Contract{}, err
	}
	return c, s.sync.Sync(ctx, c, nil)
}

func (s *Service) Update(ctx context.Context, id string, in ContractUpdate) (model.Contract, error) {
	prev, err := s.store.GetContract(ctx, id)
	if err != nil {
		return model.Contract{}, err
	}
	next := prev
	if in.ClientName != nil {
		next.ClientName = strings.TrimSpace(*in.ClientName)
	}
	if in.PlanID != nil {
		next.PlanID = *in.PlanID
	}
	if in.RouterID != nil {
		next.RouterID = model.Ptr(*in.RouterID)
	}
	if in.State != nil {
		next.State = *in.State
	}

	typ := next.ConnectionType
	if in.ConnectionType != nil {
		typ = *in.ConnectionType
	}
	ip, user, remote := pick(in.IP, prev.Address()), pick(in.PPPoEUser, prev.Username()), pick(in.PPPoERemoteAddress, deref(prev.PPPoERemoteAddress))
	password := ""
	if in.PPPoEPassword != nil {
		password = *in.PPPoEPassword
	}
	if err := s.applyConnection(&next, typ, ip, user, password, remote); err != nil {
		return model.Contract{}, err
	}
	if err := s.validate(ctx, next); err != nil {
		return model.Contract{}, err
	}
	if err := s.sync.Preflight(ctx, next); err != nil {
		return model.Contract{}, err
	}
	if err := s.store.UpdateContract(ctx, &next); err != nil {
		return model.Contract{}, err
	}
	return next, s.sync.Sync(ctx, next, &prev)
}

// Resync re-applies the stored state of a contract.
func (s *Service) Resync(ctx context.Context, id string) (model.Contract, error) {
	c, err := s.store.GetContract(ctx, id)
	if err != nil {
		return model.Contract{}, err
	}
	return c, s.sync.Sync(ctx, c, nil)
}

// UpdatePlanSpeed stores new bandwidth values and propagates them to routers
// in the background. It reports whether propagation started.
func (s *Service) UpdatePlanSpeed(ctx context.Context, planID string, download, upload float64) (model.Plan, bool, error) {
	if download <= 0 || upload <= 0 {
		return model.Plan{}, false, &routers.ValidationError{Msg: "download and upload must be positive"}
	}
	prev, err := s.store.GetPlan(ctx, planID)
	if err != nil {
		return model.Plan{}, false, err
	}
	next := prev
	next.DownloadMbps, next.UploadMbps = download, upload
	if err := s.store.UpdatePlan(ctx, &next); err != nil {
		return model.Plan{}, false, err
	}
	return next, s.plans.OnPlanUpdated(prev, next), nil
}

// applyConnection sets the identifiers for typ and clears the other type's.
func (s *Service) applyConnection(c *model.Contract, typ model.ConnectionType, ip, user, password, remote string) error {
	if !typ.Valid() {
		return &routers.ValidationError{Msg: fmt.Sprintf("invalid connection type %q", typ)}
	}
	c.ConnectionType = typ
	if typ == model.IPoE {
		c.IP = model.Ptr(strings.TrimSpace(ip))
		c.PPPoEUser, c.PPPoEPasswordEnc, c.PPPoERemoteAddress = nil, nil, nil
		return nil
	}
	c.IP = nil
	c.PPPoEUser = model.Ptr(strings.TrimSpace(user))
	c.PPPoERemoteAddress = model.Ptr(strings.TrimSpace(remote))
	if password != "" {
		enc, err := s.cipher.EncryptString(password)
		if err != nil {
			return fmt.Errorf("encrypt pppoe password: %w", err)
		}
		c.PPPoEPasswordEnc = &enc
	}
	return nil
}

func (s *Service) validate(ctx context.Context, c model.Contract) error {
	if !c.State.Valid() {
		return &routers.ValidationError{Msg: fmt.Sprintf("invalid contract state %q", c.State)}
	}
	if _, err := s.store.GetPlan(ctx, c.PlanID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return &routers.ValidationError{Msg: fmt.Sprintf("plan %s not found", c.PlanID)}
		}
		return err
	}
	routerID := c.Router()
	if routerID == "" {
		return nil
	}
	switch c.ConnectionType {
	case model.IPoE:
		if c.Address() == "" {
			return nil
		}
		check, err := s.alloc.CheckIPAvailable(ctx, routerID, c.Address(), c.ID)
		if err != nil {
			if errors.Is(err, routers.ErrInvalidIP) {
				return &routers.ValidationError{Msg: err.Error()}
			}
			return err
		}
		if !check.Available {
			return fmt.Errorf("%w: %s", repo.ErrConflict, check.Message)
		}
		if !check.InRange {
			s.log.Warn("ip outside router ranges", zap.String("contract", c.Number), zap.String("ip", c.Address()))
		}
	case model.PPPoE:
		if c.Username() == "" {
			return nil
		}
		free, err := s.alloc.CheckPPPoEUser(ctx, routerID, c.Username(), c.ID)
		if err != nil {
			return err
		}
		if !free {
			return fmt.Errorf("%w: pppoe user %s already exists on this router", repo.ErrConflict, c.Username())
		}
	}
	return nil
}

func pick(p *string, fallback string) string {
	if p != nil {
		return *p
	}
	return fallback
}

func deref(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}
