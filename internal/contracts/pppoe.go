package contracts

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/asotonet/isp-billing/internal/mikrotik"
	"github.com/asotonet/isp-billing/internal/model"
	"github.com/asotonet/isp-billing/internal/netutil"
	"github.com/asotonet/isp-billing/internal/storage/repo"
)

func (s *Synchronizer) syncPPPoE(ctx context.Context, t *target, c model.Contract) error {
	user := c.Username()
	if c.State == model.StateCancelled {
		holder, err := s.userHolder(ctx, t.router.ID, user, c.ID)
		if err != nil {
			return syncErr(err, "look up holders of %s", user)
		}
		if holder != "" {
			s.log.Warn("username reassigned; keeping its ppp secret",
				zap.String("contract", c.Number),
				zap.String("user", user),
				zap.String("held_by", holder),
			)
			return nil
		}
		if err := t.ctl.RemovePPPSecret(ctx, user); err != nil {
			return syncErr(err, "remove ppp secret %s on %s", user, t.router.Name)
		}
		return nil
	}
	if c.State != model.StateSuspended && !c.State.Enabled() {
		return guardErr("unknown contract state %q", c.State)
	}

	plan, err := s.store.GetPlan(ctx, c.PlanID)
	if errors.Is(err, repo.ErrNotFound) {
		return guardErr("plan %s not found", c.PlanID)
	}
	if err != nil {
		return syncErr(err, "load plan %s", c.PlanID)
	}
	password, err := s.secrets.DecryptString(*c.PPPoEPasswordEnc)
	if err != nil {
		return syncErr(err, "decrypt pppoe password for %s", user)
	}

	profile, err := ensureProfile(ctx, t.ctl, t.router, plan)
	if err != nil {
		return err
	}
	secret := mikrotik.PPPSecret{
		Username: user,
		Password: password,
		Profile:  profile,
		Disabled: c.State == model.StateSuspended,
		Comment:  c.Comment(),
	}
	if c.PPPoERemoteAddress != nil {
		secret.RemoteAddress = *c.PPPoERemoteAddress
	}
	if err := t.ctl.AddOrUpdatePPPSecret(ctx, secret); err != nil {
		return syncErr(err, "upsert ppp secret %s on %s", user, t.router.Name)
	}
	return nil
}

// ensureProfile makes the plan's shared profile exist on the router, backed
// by the router's pool when it has usable CIDRs. It returns the profile name.
func ensureProfile(ctx context.Context, ctl RouterControl, r model.Router, plan model.Plan) (string, error) {
	p := mikrotik.PPPProfile{
		Name:         plan.ProfileName(),
		DownloadMbps: plan.DownloadMbps,
		UploadMbps:   plan.UploadMbps,
	}
	if cidrs := validCIDRs(r.CIDRList()); len(cidrs) > 0 {
		local, err := netutil.LocalAddress(cidrs)
		if err != nil {
			return "", syncErr(err, "derive local address for %s", r.Name)
		}
		pool := r.PoolName()
		if err := ctl.EnsureIPPool(ctx, pool, cidrs); err != nil {
			return "", syncErr(err, "ensure pool %s on %s", pool, r.Name)
		}
		p.LocalAddress, p.RemoteAddress = local, pool
	}
	if err := ctl.CreateOrUpdatePPPProfile(ctx, p); err != nil {
		return "", syncErr(err, "upsert ppp profile %s on %s", p.Name, r.Name)
	}
	return p.Name, nil
}

func validCIDRs(cidrs []string) []string {
	out := make([]string, 0, len(cidrs))
	for _, c := range cidrs {
		if _, err := netutil.ParseCIDR(c); err == nil {
			out = append(out, c)
		}
	}
	return out
}
