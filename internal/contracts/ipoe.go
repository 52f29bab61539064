package contracts

import (
	"context"

	"go.uber.org/zap"

	"github.com/asotonet/isp-billing/internal/mikrotik"
	"github.com/asotonet/isp-billing/internal/model"
)

// syncIPoE clears every membership of the address, then adds it to the list
// matching the contract state. Cancelled contracts end up in no list, unless
// the address now belongs to a live contract, whose entries are left alone.
func (s *Synchronizer) syncIPoE(ctx context.Context, t *target, c model.Contract) error {
	ip := c.Address()
	if c.State == model.StateCancelled {
		holder, err := s.addressHolder(ctx, t.router.ID, ip, c.ID)
		if err != nil {
			return syncErr(err, "look up holders of %s", ip)
		}
		if holder != "" {
			s.log.Warn("address reassigned; keeping its address-list entries",
				zap.String("contract", c.Number),
				zap.String("ip", ip),
				zap.String("held_by", holder),
			)
			return nil
		}
	}
	if _, err := t.ctl.RemoveAllEntriesForAddress(ctx, ip); err != nil {
		return syncErr(err, "clear address-lists for %s on %s", ip, t.router.Name)
	}

	var list string
	switch {
	case c.State == model.StateCancelled:
		return nil
	case c.State == model.StateSuspended:
		list = mikrotik.ListSuspended
	case c.State.Enabled():
		list = mikrotik.ListActive
	default:
		return guardErr("unknown contract state %q", c.State)
	}
	if err := t.ctl.AddOrUpdateAddressListEntry(ctx, list, ip, false, c.Comment()); err != nil {
		return syncErr(err, "add %s to %s on %s", ip, list, t.router.Name)
	}
	return nil
}
