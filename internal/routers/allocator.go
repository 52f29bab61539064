package routers

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/asotonet/isp-billing/internal/netutil"
)

// NextFreeIP walks cidrs in the given order and returns the first usable host
// not present in used. Invalid CIDRs are skipped and reported through bad.
func NextFreeIP(cidrs []string, used map[string]struct{}) (ip string, bad []string, err error) {
	for _, c := range cidrs {
		n, perr := netutil.ParseCIDR(c)
		if perr != nil {
			bad = append(bad, c)
			continue
		}
		for host := range netutil.Hosts(n) {
			h := host.String()
			if _, taken := used[h]; !taken {
				return h, bad, nil
			}
		}
	}
	return "", bad, ErrNoAddressAvailable
}

// NextAvailableIP returns the first unassigned host across the router's
// pools. Every bound IP on the router counts as used, including those of
// cancelled contracts.
func (s *Service) NextAvailableIP(ctx context.Context, routerID string) (string, error) {
	r, err := s.store.GetRouter(ctx, routerID)
	if err != nil {
		return "", err
	}
	cidrs := r.CIDRList()
	if len(cidrs) == 0 {
		return "", fmt.Errorf("router %s has no cidr ranges: %w", r.Name, ErrNoAddressAvailable)
	}
	assigned, err := s.store.AssignedIPs(ctx, r.ID)
	if err != nil {
		return "", err
	}
	used := make(map[string]struct{}, len(assigned))
	for _, ip := range assigned {
		used[ip] = struct{}{}
	}
	ip, bad, err := NextFreeIP(cidrs, used)
	for _, b := range bad {
		s.log.Warn("skipping invalid cidr", zap.String("router_id", r.ID), zap.String("cidr", b))
	}
	return ip, err
}

type IPCheck struct {
	Available bool   `json:"available"`
	Message   string `json:"message"`
	InRange   bool   `json:"in_range"`
}

// CheckIPAvailable reports whether ip can be bound on the router. Addresses
// outside every configured pool are still available, with a warning, so
// manually managed addresses can be assigned.
func (s *Service) CheckIPAvailable(ctx context.Context, routerID, ip, excludeContractID string) (IPCheck, error) {
	addr, err := netutil.ParseIPv4(ip)
	if err != nil {
		return IPCheck{}, fmt.Errorf("%w: %v", ErrInvalidIP, err)
	}
	r, err := s.store.GetRouter(ctx, routerID)
	if err != nil {
		return IPCheck{}, err
	}
	holders, err := s.store.FindByIP(ctx, r.ID, addr.String(), excludeContractID)
	if err != nil {
		return IPCheck{}, err
	}
	if len(holders) > 0 {
		return IPCheck{Message: fmt.Sprintf("IP %s is already assigned to contract %s", addr, holders[0].Number)}, nil
	}

	var valid []string
	for _, c := range r.CIDRList() {
		if _, err := netutil.ParseCIDR(c); err == nil {
			valid = append(valid, c)
		}
	}
	nets, _ := netutil.ParseCIDRs(valid)
	if !netutil.ContainsAny(nets, addr) {
		return IPCheck{
			Available: true,
			Message:   fmt.Sprintf("IP %s is available but outside the router's configured ranges", addr),
		}, nil
	}
	return IPCheck{Available: true, InRange: true, Message: fmt.Sprintf("IP %s is available", addr)}, nil
}

// CheckPPPoEUser reports whether user is free on the router among PPPoE
// contracts.
func (s *Service) CheckPPPoEUser(ctx context.Context, routerID, user, excludeContractID string) (bool, error) {
	holders, err := s.store.FindByPPPoEUser(ctx, routerID, user, excludeContractID)
	if err != nil {
		return false, err
	}
	return len(holders) == 0, nil
}
