package mikrotik

import (
	"context"
	"fmt"
	"strconv"

	"go.uber.org/zap"

	"github.com/asotonet/isp-billing/internal/netutil"
)

const (
	ListActive    = "ISP-ACTIVOS"
	ListSuspended = "ISP-SUSPENDIDOS"

	PathAddressList = "/ip/firewall/address-list"
	PathPool        = "/ip/pool"
	PathPPPProfile  = "/ppp/profile"
	PathPPPSecret   = "/ppp/secret"
	PathIdentity    = "/system/identity"
	PathResource    = "/system/resource"

	DefaultComment = "ISP Billing System"
)

// Service exposes idempotent router operations. Each method runs its lookups
// and mutations on one fresh session.
type Service struct {
	client *Client
	log    *zap.Logger
}

func NewService(client *Client, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		client: client,
		log:    log.Named("mikrotik").With(zap.String("router", client.Config().Address())),
	}
}

func (s *Service) Client() *Client { return s.client }

// AddOrUpdateAddressListEntry upserts the (list, address) entry.
func (s *Service) AddOrUpdateAddressListEntry(ctx context.Context, list, address string, disabled bool, comment string) error {
	if comment = ASCII(comment); comment == "" {
		comment = DefaultComment
	}
	fields := map[string]string{
		"disabled": yesNo(disabled),
		"comment":  comment,
	}
	return s.client.Do(ctx, func(sess *Session) error {
		existing, found, err := sess.Find(PathAddressList, map[string]string{"list": list, "address": address})
		if err != nil {
			return err
		}
		if found {
			if err := sess.Update(PathAddressList, existing.ID(), fields); err != nil {
				return fmt.Errorf("update address-list %s %s: %w", list, address, err)
			}
			s.log.Debug("address-list entry updated", zap.String("list", list), zap.String("address", address))
			return nil
		}
		fields["list"] = list
		fields["address"] = address
		if _, err := sess.Add(PathAddressList, fields); err != nil {
			return fmt.Errorf("add address-list %s %s: %w", list, address, err)
		}
		s.log.Debug("address-list entry added", zap.String("list", list), zap.String("address", address))
		return nil
	})
}

// RemoveAllEntriesForAddress drops address from every address-list and
// reports how many entries were removed.
func (s *Service) RemoveAllEntriesForAddress(ctx context.Context, address string) (int, error) {
	removed := 0
	err := s.client.Do(ctx, func(sess *Session) error {
		entries, err := sess.Query(PathAddressList, map[string]string{"address": address})
		if err != nil {
			return err
		}
		for _, e := range entries {
			if err := sess.Remove(PathAddressList, e.ID()); err != nil {
				return fmt.Errorf("remove address-list %s from %s: %w", address, e.String("list"), err)
			}
			removed++
		}
		return nil
	})
	if removed > 0 {
		s.log.Debug("address-list entries removed", zap.String("address", address), zap.Int("count", removed))
	}
	return removed, err
}

type AddressListEntry struct {
	ID       string
	List     string
	Address  string
	Disabled bool
	Comment  string
}

func (s *Service) AddressListEntries(ctx context.Context, list string) ([]AddressListEntry, error) {
	var filters map[string]string
	if list != "" {
		filters = map[string]string{"list": list}
	}
	recs, err := s.client.Query(ctx, PathAddressList, filters)
	if err != nil {
		return nil, err
	}
	out := make([]AddressListEntry, 0, len(recs))
	for _, r := range recs {
		out = append(out, AddressListEntry{
			ID:       r.ID(),
			List:     r.String("list"),
			Address:  r.String("address"),
			Disabled: r.Bool("disabled"),
			Comment:  r.String("comment"),
		})
	}
	return out, nil
}

// EnsureIPPool creates or updates pool name so that its ranges cover the
// usable hosts of cidrs. Unparseable CIDRs are skipped with a warning.
func (s *Service) EnsureIPPool(ctx context.Context, name string, cidrs []string) error {
	ranges, bad := netutil.PoolRanges(cidrs)
	for _, b := range bad {
		s.log.Warn("skipping invalid pool cidr", zap.String("pool", name), zap.String("cidr", b))
	}
	if ranges == "" {
		return fmt.Errorf("pool %s: no usable ranges", name)
	}
	return s.client.Do(ctx, func(sess *Session) error {
		existing, found, err := sess.Find(PathPool, map[string]string{"name": name})
		if err != nil {
			return err
		}
		if found {
			if existing.String("ranges") == ranges {
				return nil
			}
			if err := sess.Update(PathPool, existing.ID(), map[string]string{"ranges": ranges}); err != nil {
				return fmt.Errorf("update pool %s: %w", name, err)
			}
			s.log.Info("ip pool updated", zap.String("pool", name), zap.String("ranges", ranges))
			return nil
		}
		if _, err := sess.Add(PathPool, map[string]string{"name": name, "ranges": ranges}); err != nil {
			return fmt.Errorf("add pool %s: %w", name, err)
		}
		s.log.Info("ip pool created", zap.String("pool", name), zap.String("ranges", ranges))
		return nil
	})
}

type PPPProfile struct {
	Name          string
	DownloadMbps  float64
	UploadMbps    float64
	LocalAddress  string
	RemoteAddress string
}

// RateLimit renders the RouterOS "rx/tx" limit from the router's point of
// view: upload first, whole megabits.
func RateLimit(uploadMbps, downloadMbps float64) string {
	return strconv.Itoa(int(uploadMbps)) + "M/" + strconv.Itoa(int(downloadMbps)) + "M"
}

// CreateOrUpdatePPPProfile upserts a profile. Local and remote address are
// only sent when set because RouterOS rejects references to missing pools.
func (s *Service) CreateOrUpdatePPPProfile(ctx context.Context, p PPPProfile) error {
	fields := map[string]string{"rate-limit": RateLimit(p.UploadMbps, p.DownloadMbps)}
	if p.LocalAddress != "" {
		fields["local-address"] = p.LocalAddress
	}
	if p.RemoteAddress != "" {
		fields["remote-address"] = p.RemoteAddress
	}
	return s.client.Do(ctx, func(sess *Session) error {
		existing, found, err := sess.Find(PathPPPProfile, map[string]string{"name": p.Name})
		if err != nil {
			return err
		}
		if found {
			if err := sess.Update(PathPPPProfile, existing.ID(), fields); err != nil {
				return fmt.Errorf("update ppp profile %s: %w", p.Name, err)
			}
			s.log.Debug("ppp profile updated", zap.String("profile", p.Name), zap.String("rate_limit", fields["rate-limit"]))
			return nil
		}
		fields["name"] = p.Name
		if _, err := sess.Add(PathPPPProfile, fields); err != nil {
			return fmt.Errorf("add ppp profile %s: %w", p.Name, err)
		}
		s.log.Info("ppp profile created", zap.String("profile", p.Name), zap.String("rate_limit", fields["rate-limit"]))
		return nil
	})
}

type PPPSecret struct {
	Username      string
	Password      string
	Profile       string
	Disabled      bool
	Comment       string
	RemoteAddress string
}

// AddOrUpdatePPPSecret upserts a pppoe secret. Without a fixed remote address
// any previous one is unset so the profile pool assigns addresses.
func (s *Service) AddOrUpdatePPPSecret(ctx context.Context, sec PPPSecret) error {
	fields := map[string]string{
		"password": sec.Password,
		"profile":  sec.Profile,
		"service":  "pppoe",
		"disabled": yesNo(sec.Disabled),
	}
	if c := ASCII(sec.Comment); c != "" {
		fields["comment"] = c
	}
	if sec.RemoteAddress != "" {
		fields["remote-address"] = sec.RemoteAddress
	}
	return s.client.Do(ctx, func(sess *Session) error {
		existing, found, err := sess.Find(PathPPPSecret, map[string]string{"name": sec.Username})
		if err != nil {
			return err
		}
		if found {
			if err := sess.Update(PathPPPSecret, existing.ID(), fields); err != nil {
				return fmt.Errorf("update ppp secret %s: %w", sec.Username, err)
			}
			if _, had := existing.Get("remote-address"); had && sec.RemoteAddress == "" {
				if err := sess.Unset(PathPPPSecret, existing.ID(), "remote-address"); err != nil {
					return fmt.Errorf("unset remote-address for %s: %w", sec.Username, err)
				}
			}
			s.log.Debug("ppp secret updated", zap.String("user", sec.Username), zap.Bool("disabled", sec.Disabled))
			return nil
		}
		fields["name"] = sec.Username
		if _, err := sess.Add(PathPPPSecret, fields); err != nil {
			return fmt.Errorf("add ppp secret %s: %w", sec.Username, err)
		}
		s.log.Debug("ppp secret added", zap.String("user", sec.Username), zap.Bool("disabled", sec.Disabled))
		return nil
	})
}

// SetPPPSecretProfile moves an existing secret to profile, leaving every
// other property alone. It reports whether the secret was found.
func (s *Service) SetPPPSecretProfile(ctx context.Context, username, profile string) (bool, error) {
	var found bool
	err := s.client.Do(ctx, func(sess *Session) error {
		existing, ok, err := sess.Find(PathPPPSecret, map[string]string{"name": username})
		if err != nil || !ok {
			return err
		}
		found = true
		if existing.String("profile") == profile {
			return nil
		}
		if err := sess.Update(PathPPPSecret, existing.ID(), map[string]string{"profile": profile}); err != nil {
			return fmt.Errorf("set profile of ppp secret %s: %w", username, err)
		}
		s.log.Debug("ppp secret moved", zap.String("user", username), zap.String("profile", profile))
		return nil
	})
	return found, err
}

// RemovePPPSecret deletes the secret for username. A missing secret is not
// an error.
func (s *Service) RemovePPPSecret(ctx context.Context, username string) error {
	return s.client.Do(ctx, func(sess *Session) error {
		existing, found, err := sess.Find(PathPPPSecret, map[string]string{"name": username})
		if err != nil || !found {
			return err
		}
		if err := sess.Remove(PathPPPSecret, existing.ID()); err != nil {
			return fmt.Errorf("remove ppp secret %s: %w", username, err)
		}
		s.log.Debug("ppp secret removed", zap.String("user", username))
		return nil
	})
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
