// Package routers owns the router lifecycle, on-demand connectivity checks and
// IP allocation from a router's CIDR pools.
package routers

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/asotonet/isp-billing/internal/mikrotik"
	"github.com/asotonet/isp-billing/internal/model"
	"github.com/asotonet/isp-billing/internal/netutil"
	"github.com/asotonet/isp-billing/internal/storage/repo"
)

type Store interface {
	repo.Routers
	repo.Contracts
}

// EventSink records router audit events.
type EventSink interface {
	Record(ctx context.Context, router model.Router, typ model.EventType, description string, metadata map[string]string) (model.RouterEvent, error)
}

// Tester checks connectivity with plaintext credentials. It is swapped out in
// tests.
type Tester func(ctx context.Context, cfg mikrotik.Config) mikrotik.TestResult

func dialTest(ctx context.Context, cfg mikrotik.Config) mikrotik.TestResult {
	return mikrotik.NewService(mikrotik.NewClient(cfg), nil).TestConnection(ctx)
}

type Service struct {
	store       Store
	conn        *Connector
	events      EventSink
	test        Tester
	defaultPort int
	log         *zap.Logger
}

type Option func(*Service)

func WithTester(t Tester) Option { return func(s *Service) { s.test = t } }

func WithDefaultPort(p int) Option { return func(s *Service) { s.defaultPort = p } }

func NewService(store Store, conn *Connector, events EventSink, log *zap.Logger, opts ...Option) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Service{
		store:       store,
		conn:        conn,
		events:      events,
		test:        dialTest,
		defaultPort: mikrotik.DefaultPort,
		log:         log.Named("routers"),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

type CreateInput struct {
	Name     string   `json:"name" validate:"required,max=100"`
	Host     string   `json:"host" validate:"required,hostname|ip"`
	Port     int      `json:"port" validate:"omitempty,min=1,max=65535"`
	TLS      bool     `json:"tls"`
	Username string   `json:"username" validate:"required"`
	Password string   `json:"password" validate:"required"`
	CIDRs    []string `json:"cidr_ranges" validate:"dive,cidrv4"`
}

func (s *Service) Get(ctx context.Context, id string) (model.Router, error) {
	return s.store.GetRouter(ctx, id)
}

func (s *Service) List(ctx context.Context, activeOnly bool) ([]model.Router, error) {
	return s.store.ListRouters(ctx, activeOnly)
}

// Create registers a router after a successful live connection test.
func (s *Service) Create(ctx context.Context, in CreateInput) (model.Router, error) {
	in.Name, in.Host = strings.TrimSpace(in.Name), strings.TrimSpace(in.Host)
	if in.Name == "" || in.Host == "" || in.Username == "" || in.Password == "" {
		return model.Router{}, invalidf("name, host, username and password are required")
	}
	if err := validateCIDRs(in.CIDRs); err != nil {
		return model.Router{}, err
	}
	if in.Port == 0 {
		in.Port = s.defaultPort
	}
	if err := s.ensureHostFree(ctx, in.Host, ""); err != nil {
		return model.Router{}, err
	}

	res := s.test(ctx, mikrotik.Config{
		Host: in.Host, Port: in.Port, TLS: in.TLS,
		Username: in.Username, Password: in.Password,
		Timeout: s.conn.timeout,
	})
	if !res.Success {
		return model.Router{}, invalidf("cannot connect to router: %s", res.Message)
	}

	enc, err := s.conn.Cipher().EncryptString(in.Password)
	if err != nil {
		return model.Router{}, fmt.Errorf("encrypt password: %w", err)
	}
	r := model.NewRouter(in.Name, in.Host, in.Port, in.TLS, in.Username, enc, in.CIDRs)
	online := true
	now := time.Now().UTC()
	r.IsOnline, r.LastCheckAt, r.LastOnlineAt = &online, &now, &now
	r.Identity, r.RouterOSVersion = res.Identity, res.Version

	if err := s.store.CreateRouter(ctx, &r); err != nil {
		if errors.Is(err, repo.ErrConflict) {
			return model.Router{}, ErrHostTaken
		}
		return model.Router{}, err
	}
	s.record(ctx, r, model.EventCreated, fmt.Sprintf("router %s created", r.Name), map[string]string{
		"host":    r.Host,
		"version": r.RouterOSVersion,
	})
	return r, nil
}

type UpdateInput struct {
	Name     *string   `json:"name" validate:"omitempty,max=100"`
	Host     *string   `json:"host" validate:"omitempty,hostname|ip"`
	Port     *int      `json:"port" validate:"omitempty,min=1,max=65535"`
	TLS      *bool     `json:"tls"`
	Username *string   `json:"username"`
	Password *string   `json:"password"`
	CIDRs    *[]string `json:"cidr_ranges"`
}

// Update applies the non-nil fields. A new password is re-encrypted.
func (s *Service) Update(ctx context.Context, id string, in UpdateInput) (model.Router, error) {
	r, err := s.store.GetRouter(ctx, id)
	if err != nil {
		return model.Router{}, err
	}
	var changed []string
	if in.Name != nil && strings.TrimSpace(*in.Name) != r.Name {
		r.Name = strings.TrimSpace(*in.Name)
		changed = append(changed, "name")
	}
	if in.Host != nil && strings.TrimSpace(*in.Host) != r.Host {
		host := strings.TrimSpace(*in.Host)
		if err := s.ensureHostFree(ctx, host, r.ID); err != nil {
			return model.Router{}, err
		}
		r.Host = host
		changed = append(changed, "host")
	}
	if in.Port != nil && *in.Port != r.Port {
		r.Port = *in.Port
		changed = append(changed, "port")
	}
	if in.TLS != nil && *in.TLS != r.TLS {
		r.TLS = *in.TLS
		changed = append(changed, "tls")
	}
	if in.Username != nil && *in.Username != r.Username {
		r.Username = *in.Username
		changed = append(changed, "username")
	}
	if in.Password != nil && *in.Password != "" {
		enc, err := s.conn.Cipher().EncryptString(*in.Password)
		if err != nil {
			return model.Router{}, fmt.Errorf("encrypt password: %w", err)
		}
		r.PasswordEnc = enc
		changed = append(changed, "password")
	}
	if in.CIDRs != nil {
		if err := validateCIDRs(*in.CIDRs); err != nil {
			return model.Router{}, err
		}
		r.SetCIDRs(*in.CIDRs)
		changed = append(changed, "cidr_ranges")
	}
	if len(changed) == 0 {
		return r, nil
	}
	if err := s.store.UpdateRouter(ctx, &r); err != nil {
		if errors.Is(err, repo.ErrConflict) {
			return model.Router{}, ErrHostTaken
		}
		return model.Router{}, err
	}
	s.record(ctx, r, model.EventUpdated, fmt.Sprintf("router %s updated", r.Name), map[string]string{
		"fields": strings.Join(changed, ","),
	})
	return r, nil
}

// SetActive soft-(de)activates a router. Nothing is recorded when the flag
// already has the requested value.
func (s *Service) SetActive(ctx context.Context, id string, active bool) (model.Router, error) {
	r, err := s.store.GetRouter(ctx, id)
	if err != nil {
		return model.Router{}, err
	}
	if r.IsActive == active {
		return r, nil
	}
	r.IsActive = active
	if err := s.store.UpdateRouter(ctx, &r); err != nil {
		return model.Router{}, err
	}
	typ, verb := model.EventDeactivated, "deactivated"
	if active {
		typ, verb = model.EventActivated, "activated"
	}
	s.record(ctx, r, typ, fmt.Sprintf("router %s %s", r.Name, verb), nil)
	return r, nil
}

// Delete removes the router record. Router-side objects are left untouched.
func (s *Service) Delete(ctx context.Context, id string) error {
	r, err := s.store.GetRouter(ctx, id)
	if err != nil {
		return err
	}
	s.record(ctx, r, model.EventDeleted, fmt.Sprintf("router %s deleted", r.Name), map[string]string{"host": r.Host})
	ok, err := s.store.DeleteRouter(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return repo.ErrNotFound
	}
	return nil
}

// TestConnection checks a stored router and refreshes its health fields on
// success.
func (s *Service) TestConnection(ctx context.Context, id string) (mikrotik.TestResult, error) {
	r, err := s.store.GetRouter(ctx, id)
	if err != nil {
		return mikrotik.TestResult{}, err
	}
	cfg, err := s.conn.Config(r)
	if err != nil {
		return mikrotik.TestResult{}, err
	}
	res := s.test(ctx, cfg)
	if res.Success {
		h := repo.RouterHealth{IsOnline: true, CheckedAt: time.Now().UTC(), Identity: res.Identity, RouterOSVersion: res.Version}
		if err := s.store.UpdateRouterHealth(ctx, r.ID, h); err != nil {
			s.log.Warn("store router health", zap.String("router_id", r.ID), zap.Error(err))
		}
	}
	return res, nil
}

func (s *Service) ensureHostFree(ctx context.Context, host, selfID string) error {
	other, err := s.store.GetRouterByHost(ctx, host)
	switch {
	case errors.Is(err, repo.ErrNotFound):
		return nil
	case err != nil:
		return err
	case other.ID != selfID:
		return ErrHostTaken
	}
	return nil
}

func (s *Service) record(ctx context.Context, r model.Router, typ model.EventType, desc string, meta map[string]string) {
	if s.events == nil {
		return
	}
	if _, err := s.events.Record(ctx, r, typ, desc, meta); err != nil {
		s.log.Warn("record router event", zap.String("router_id", r.ID), zap.String("type", string(typ)), zap.Error(err))
	}
}

func validateCIDRs(cidrs []string) error {
	for _, c := range cidrs {
		if _, err := netutil.ParseCIDR(c); err != nil {
			return invalidf("invalid cidr %q: %v", c, err)
		}
	}
	return nil
}
