// Package monitor polls routers for liveness and records health changes.
package monitor

import (
	"context"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/asotonet/isp-billing/internal/mikrotik"
	"github.com/asotonet/isp-billing/internal/model"
	"github.com/asotonet/isp-billing/internal/routers"
	"github.com/asotonet/isp-billing/internal/storage/repo"
)

type Store interface {
	ListRouters(ctx context.Context, activeOnly bool) ([]model.Router, error)
	UpdateRouterHealth(ctx context.Context, id string, h repo.RouterHealth) error
}

type EventSink interface {
	Record(ctx context.Context, router model.Router, typ model.EventType, description string, metadata map[string]string) (model.RouterEvent, error)
}

// Prober reports whether addr accepts TCP connections.
type Prober func(ctx context.Context, addr string, timeout time.Duration) bool

// InfoFetcher reads identity and firmware version over the API.
type InfoFetcher func(ctx context.Context, r model.Router) (mikrotik.SystemInfo, error)

type Config struct {
	Interval     time.Duration
	ProbeTimeout time.Duration
	Concurrency  int
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 30 * time.Second
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = 5 * time.Second
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 32
	}
	return c
}

type Monitor struct {
	cfg    Config
	store  Store
	events EventSink
	fetch  InfoFetcher
	probe  Prober
	now    func() time.Time
	log    *zap.Logger
}

type Option func(*Monitor)

func WithProber(p Prober) Option { return func(m *Monitor) { m.probe = p } }

func WithClock(now func() time.Time) Option { return func(m *Monitor) { m.now = now } }

func New(cfg Config, store Store, events EventSink, fetch InfoFetcher, log *zap.Logger, opts ...Option) *Monitor {
	if log == nil {
		log = zap.NewNop()
	}
	m := &Monitor{
		cfg:    cfg.withDefaults(),
		store:  store,
		events: events,
		fetch:  fetch,
		probe:  tcpOpen,
		now:    time.Now,
		log:    log.Named("monitor"),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// FetchWith builds an InfoFetcher that talks to routers through conn.
func FetchWith(conn *routers.Connector) InfoFetcher {
	return func(ctx context.Context, r model.Router) (mikrotik.SystemInfo, error) {
		svc, err := conn.Control(r)
		if err != nil {
			return mikrotik.SystemInfo{}, err
		}
		return svc.SystemInfo(ctx)
	}
}

// Run checks every active router immediately and then on each tick until
// ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	m.log.Info("router monitor started", zap.Duration("interval", m.cfg.Interval))
	t := time.NewTicker(m.cfg.Interval)
	defer t.Stop()
	for {
		m.CheckAll(ctx)
		select {
		case <-ctx.Done():
			m.log.Info("router monitor stopped")
			return nil
		case <-t.C:
		}
	}
}

// Result is the outcome of one router check.
type Result struct {
	RouterID string
	Online   bool
	Identity string
	Version  string
	Events   []model.EventType
}

// CheckAll probes all active routers concurrently. A failing router is
// logged and left out of the results.
func (m *Monitor) CheckAll(ctx context.Context) []Result {
	list, err := m.store.ListRouters(ctx, true)
	if err != nil {
		m.log.Error("list routers", zap.Error(err))
		return nil
	}
	if len(list) == 0 {
		m.log.Debug("no active routers to monitor")
		return nil
	}

	results := make([]*Result, len(list))
	var g errgroup.Group
	g.SetLimit(m.cfg.Concurrency)
	for i, r := range list {
		g.Go(func() error {
			defer func() {
				if p := recover(); p != nil {
					m.log.Error("router check panicked", zap.String("router", r.Name), zap.Any("panic", p))
				}
			}()
			res, err := m.Check(ctx, r)
			if err != nil {
				m.log.Warn("router check failed", zap.String("router", r.Name), zap.Error(err))
				return nil
			}
			results[i] = &res
			return nil
		})
	}
	_ = g.Wait()

	out := make([]Result, 0, len(results))
	online := 0
	for _, r := range results {
		if r == nil {
			continue
		}
		if r.Online {
			online++
		}
		out = append(out, *r)
	}
	m.log.Info("router check cycle complete", zap.Int("routers", len(list)), zap.Int("online", online))
	return out
}

// Check probes one router, stores its health and records transitions. The
// first reading of a router only sets the baseline.
func (m *Monitor) Check(ctx context.Context, r model.Router) (Result, error) {
	addr := mikrotik.Config{Host: r.Host, Port: r.Port, TLS: r.TLS}.Address()
	online := m.probe(ctx, addr, m.cfg.ProbeTimeout)
	now := m.now().UTC()
	res := Result{RouterID: r.ID, Online: online}

	if r.IsOnline != nil && *r.IsOnline != online {
		meta := map[string]string{"ip": r.Host}
		if online {
			m.record(ctx, r, model.EventOnline, fmt.Sprintf("router %s came online", r.Name), meta, &res)
			m.log.Info("router came online", zap.String("router", r.Name), zap.String("addr", addr))
		} else {
			m.record(ctx, r, model.EventOffline, fmt.Sprintf("router %s went offline", r.Name), meta, &res)
			m.log.Warn("router went offline", zap.String("router", r.Name), zap.String("addr", addr))
		}
	}

	if online && m.fetch != nil {
		info, err := m.fetch(ctx, r)
		if err != nil {
			m.log.Debug("system info unavailable", zap.String("router", r.Name), zap.Error(err))
		} else {
			res.Identity, res.Version = info.Identity, info.Version
			if changed(r.Identity, info.Identity) {
				m.record(ctx, r, model.EventIdentityChanged,
					fmt.Sprintf("identity changed: %s -> %s", r.Identity, info.Identity),
					map[string]string{"old_value": r.Identity, "new_value": info.Identity}, &res)
			}
			if changed(r.RouterOSVersion, info.Version) {
				m.record(ctx, r, model.EventVersionChanged,
					fmt.Sprintf("RouterOS updated: %s -> %s", r.RouterOSVersion, info.Version),
					map[string]string{"old_value": r.RouterOSVersion, "new_value": info.Version}, &res)
			}
		}
	}

	err := m.store.UpdateRouterHealth(ctx, r.ID, repo.RouterHealth{
		IsOnline:        online,
		CheckedAt:       now,
		Identity:        res.Identity,
		RouterOSVersion: res.Version,
	})
	if err != nil {
		return res, fmt.Errorf("store health of %s: %w", r.Name, err)
	}
	return res, nil
}

func (m *Monitor) record(ctx context.Context, r model.Router, typ model.EventType, desc string, meta map[string]string, res *Result) {
	res.Events = append(res.Events, typ)
	if m.events == nil {
		return
	}
	if _, err := m.events.Record(ctx, r, typ, desc, meta); err != nil {
		m.log.Warn("record router event", zap.String("router", r.Name), zap.String("type", string(typ)), zap.Error(err))
	}
}

func changed(old, cur string) bool { return old != "" && cur != "" && old != cur }

func tcpOpen(ctx context.Context, addr string, timeout time.Duration) bool {
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}
