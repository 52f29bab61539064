// Package contracts reconciles a contract's billing state with the objects
// that represent it on its router.
package contracts

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/asotonet/isp-billing/internal/model"
	"github.com/asotonet/isp-billing/internal/storage/repo"
)

type Store interface {
	repo.Routers
	repo.Contracts
	repo.Plans
}

type Synchronizer struct {
	store   Store
	control ControlFactory
	secrets Decrypter
	log     *zap.Logger
}

func NewSynchronizer(store Store, control ControlFactory, secrets Decrypter, log *zap.Logger) *Synchronizer {
	if log == nil {
		log = zap.NewNop()
	}
	return &Synchronizer{store: store, control: control, secrets: secrets, log: log.Named("contracts")}
}

// target is a contract whose router passed the guards.
type target struct {
	router model.Router
	ctl    RouterControl
}

// resolve runs the pre-sync guards. A nil target with a nil error means
// there is nothing to sync.
func (s *Synchronizer) resolve(ctx context.Context, c model.Contract) (*target, error) {
	routerID := c.Router()
	if routerID == "" {
		return nil, nil
	}
	switch c.ConnectionType {
	case model.IPoE:
		if c.Address() == "" {
			return nil, nil
		}
	case model.PPPoE:
		if c.Username() == "" || c.PPPoEPasswordEnc == nil || *c.PPPoEPasswordEnc == "" {
			return nil, nil
		}
	default:
		return nil, guardErr("unknown connection type %q", c.ConnectionType)
	}

	r, err := s.store.GetRouter(ctx, routerID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, guardErr("router %s not found", routerID)
	}
	if err != nil {
		return nil, syncErr(err, "load router %s", routerID)
	}
	if !r.IsActive {
		return nil, guardErr("router %s is inactive; activate the router first", r.Name)
	}
	if r.KnownOffline() {
		return nil, guardErr("router %s is offline; restore connectivity before changing this contract", r.Name)
	}
	ctl, err := s.control(r)
	if err != nil {
		return nil, syncErr(err, "open router %s", r.Name)
	}
	return &target{router: r, ctl: ctl}, nil
}

// Preflight runs only the guards so callers can reject a change before
// persisting it.
func (s *Synchronizer) Preflight(ctx context.Context, c model.Contract) error {
	_, err := s.resolve(ctx, c)
	return err
}

// Sync drives the router so it mirrors c. When prev is given, objects left
// behind by a type, router, IP or username change are removed first.
func (s *Synchronizer) Sync(ctx context.Context, c model.Contract, prev *model.Contract) error {
	t, err := s.resolve(ctx, c)
	if err != nil {
		s.log.Warn("contract sync rejected", zap.String("contract", c.Number), zap.Error(err))
		return err
	}
	if prev != nil {
		s.cleanup(ctx, *prev, c)
	}
	if t == nil {
		s.log.Debug("contract has nothing to sync", zap.String("contract", c.Number))
		return nil
	}

	log := s.log.With(
		zap.String("contract", c.Number),
		zap.String("router", t.router.Name),
		zap.String("type", string(c.ConnectionType)),
		zap.String("state", string(c.State)),
	)
	if c.ConnectionType == model.PPPoE {
		err = s.syncPPPoE(ctx, t, c)
	} else {
		err = s.syncIPoE(ctx, t, c)
	}
	if err != nil {
		log.Error("contract sync failed", zap.Error(err))
		return err
	}
	log.Info("contract synced")
	return nil
}

// cleanup removes what prev left on its router. It is best-effort: failures
// are logged and never abort the sync of the new state.
func (s *Synchronizer) cleanup(ctx context.Context, prev, next model.Contract) {
	oldRouterID := prev.Router()
	if oldRouterID == "" {
		return
	}
	routerChanged := oldRouterID != next.Router()
	typeChanged := prev.ConnectionType != next.ConnectionType

	removeIP := prev.ConnectionType == model.IPoE && prev.Address() != "" &&
		(routerChanged || typeChanged || prev.Address() != next.Address())
	removeSecret := prev.ConnectionType == model.PPPoE && prev.Username() != "" &&
		(routerChanged || typeChanged || prev.Username() != next.Username())
	if !removeIP && !removeSecret {
		return
	}

	log := s.log.With(zap.String("contract", prev.Number), zap.String("router_id", oldRouterID))
	r, err := s.store.GetRouter(ctx, oldRouterID)
	if err != nil {
		log.Warn("cleanup skipped: previous router unavailable", zap.Error(err))
		return
	}
	if !r.IsActive || r.KnownOffline() {
		log.Warn("cleanup skipped: previous router inactive or offline", zap.String("router", r.Name))
		return
	}
	ctl, err := s.control(r)
	if err != nil {
		log.Warn("cleanup skipped", zap.Error(err))
		return
	}

	if removeIP {
		if holder, err := s.addressHolder(ctx, oldRouterID, prev.Address(), prev.ID); err != nil || holder != "" {
			log.Warn("previous address-list entries kept", zap.String("ip", prev.Address()), zap.String("held_by", holder), zap.Error(err))
			removeIP = false
		}
	}
	if removeSecret {
		if holder, err := s.userHolder(ctx, oldRouterID, prev.Username(), prev.ID); err != nil || holder != "" {
			log.Warn("previous ppp secret kept", zap.String("user", prev.Username()), zap.String("held_by", holder), zap.Error(err))
			removeSecret = false
		}
	}

	if removeIP {
		if _, err := ctl.RemoveAllEntriesForAddress(ctx, prev.Address()); err != nil {
			log.Warn("remove previous address-list entries", zap.String("ip", prev.Address()), zap.Error(err))
		} else {
			log.Info("previous address-list entries removed", zap.String("ip", prev.Address()))
		}
	}
	if removeSecret {
		if err := ctl.RemovePPPSecret(ctx, prev.Username()); err != nil {
			log.Warn("remove previous ppp secret", zap.String("user", prev.Username()), zap.Error(err))
		} else {
			log.Info("previous ppp secret removed", zap.String("user", prev.Username()))
		}
	}
}

// addressHolder returns the number of the live contract other than excludeID
// bound to ip on the router, or "" when there is none.
func (s *Synchronizer) addressHolder(ctx context.Context, routerID, ip, excludeID string) (string, error) {
	list, err := s.store.FindByIP(ctx, routerID, ip, excludeID)
	if err != nil || len(list) == 0 {
		return "", err
	}
	return list[0].Number, nil
}

// userHolder is addressHolder for PPPoE usernames.
func (s *Synchronizer) userHolder(ctx context.Context, routerID, user, excludeID string) (string, error) {
	list, err := s.store.FindByPPPoEUser(ctx, routerID, user, excludeID)
	if err != nil {
		return "", err
	}
	for _, c := range list {
		if c.State != model.StateCancelled {
			return c.Number, nil
		}
	}
	return "", nil
}
