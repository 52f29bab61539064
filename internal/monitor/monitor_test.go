package monitor_test

import (
	"bytes"
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/asotonet/isp-billing/internal/events"
	"github.com/asotonet/isp-billing/internal/mikrotik"
	"github.com/asotonet/isp-billing/internal/mikrotik/mikrotiktest"
	"github.com/asotonet/isp-billing/internal/model"
	"github.com/asotonet/isp-billing/internal/monitor"
	"github.com/asotonet/isp-billing/internal/routers"
	"github.com/asotonet/isp-billing/internal/secrets"
	"github.com/asotonet/isp-billing/internal/storage/memstore"
)

type fixture struct {
	t     *testing.T
	store *memstore.Store
	rec   *events.Recorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := memstore.New()
	rec, err := events.NewRecorder(store, nil, "isp", zaptest.NewLogger(t))
	if err != nil {
		t.Fatal(err)
	}
	return &fixture{t: t, store: store, rec: rec}
}

func (f *fixture) router(name, host string, online *bool, identity, version string) model.Router {
	f.t.Helper()
	r := model.NewRouter(name, host, 8728, false, "admin", "x", nil)
	r.IsOnline, r.Identity, r.RouterOSVersion = online, identity, version
	if err := f.store.CreateRouter(context.Background(), &r); err != nil {
		f.t.Fatal(err)
	}
	return r
}

func (f *fixture) reload(id string) model.Router {
	f.t.Helper()
	r, err := f.store.GetRouter(context.Background(), id)
	if err != nil {
		f.t.Fatal(err)
	}
	return r
}

func (f *fixture) eventTypes() []model.EventType {
	var out []model.EventType
	for _, e := range f.store.Events() {
		out = append(out, e.Type)
	}
	return out
}

func (f *fixture) monitor(up bool, fetch monitor.InfoFetcher) *monitor.Monitor {
	probe := func(context.Context, string, time.Duration) bool { return up }
	return monitor.New(monitor.Config{}, f.store, f.rec, fetch, zaptest.NewLogger(f.t), monitor.WithProber(probe))
}

func staticInfo(identity, version string) monitor.InfoFetcher {
	return func(context.Context, model.Router) (mikrotik.SystemInfo, error) {
		return mikrotik.SystemInfo{Identity: identity, Version: version}, nil
	}
}

func boolPtr(b bool) *bool { return &b }

func TestFirstCheckSetsBaselineWithoutEvents(t *testing.T) {
	f := newFixture(t)
	r := f.router("Core", "10.0.0.1", nil, "", "")

	res, err := f.monitor(true, staticInfo("core", "7.14")).Check(context.Background(), r)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Online || len(res.Events) != 0 || len(f.store.Events()) != 0 {
		t.Fatalf("result = %+v events = %v", res, f.eventTypes())
	}
	got := f.reload(r.ID)
	if got.IsOnline == nil || !*got.IsOnline || got.Identity != "core" || got.RouterOSVersion != "7.14" {
		t.Fatalf("router = %+v", got)
	}
	if got.LastCheckAt == nil || got.LastOnlineAt == nil {
		t.Fatal("timestamps not stored")
	}
}

func TestOnlineOfflineTransitions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r := f.router("Core", "10.0.0.1", boolPtr(true), "", "")

	if _, err := f.monitor(false, nil).Check(ctx, r); err != nil {
		t.Fatal(err)
	}
	r = f.reload(r.ID)
	if *r.IsOnline {
		t.Fatal("router still online")
	}
	if _, err := f.monitor(false, nil).Check(ctx, r); err != nil {
		t.Fatal(err)
	}
	if _, err := f.monitor(true, nil).Check(ctx, f.reload(r.ID)); err != nil {
		t.Fatal(err)
	}

	types := f.eventTypes()
	if len(types) != 2 {
		t.Fatalf("events = %v", types)
	}
	seen := map[model.EventType]bool{}
	for _, ty := range types {
		seen[ty] = true
	}
	if !seen[model.EventOnline] || !seen[model.EventOffline] {
		t.Fatalf("events = %v", types)
	}
	for _, e := range f.store.Events() {
		if e.Metadata["ip"] != "10.0.0.1" {
			t.Fatalf("metadata = %v", e.Metadata)
		}
	}
}

func TestIdentityAndVersionDrift(t *testing.T) {
	f := newFixture(t)
	r := f.router("Core", "10.0.0.1", boolPtr(true), "old-name", "7.1")

	res, err := f.monitor(true, staticInfo("new-name", "7.14")).Check(context.Background(), r)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Events) != 2 || res.Events[0] != model.EventIdentityChanged || res.Events[1] != model.EventVersionChanged {
		t.Fatalf("events = %v", res.Events)
	}
	for _, e := range f.store.Events() {
		switch e.Type {
		case model.EventIdentityChanged:
			if e.Metadata["old_value"] != "old-name" || e.Metadata["new_value"] != "new-name" {
				t.Fatalf("metadata = %v", e.Metadata)
			}
		case model.EventVersionChanged:
			if e.Metadata["old_value"] != "7.1" || e.Metadata["new_value"] != "7.14" {
				t.Fatalf("metadata = %v", e.Metadata)
			}
		}
	}
}

func TestFetchFailureKeepsRouterOnline(t *testing.T) {
	f := newFixture(t)
	r := f.router("Core", "10.0.0.1", boolPtr(true), "core", "7.1")
	fail := func(context.Context, model.Router) (mikrotik.SystemInfo, error) {
		return mikrotik.SystemInfo{}, errors.New("login failed")
	}

	res, err := f.monitor(true, fail).Check(context.Background(), r)
	if err != nil {
		t.Fatal(err)
	}
	got := f.reload(r.ID)
	if !res.Online || !*got.IsOnline || got.Identity != "core" || len(res.Events) != 0 {
		t.Fatalf("result = %+v router = %+v", res, got)
	}
}

func TestCheckAllIsolatesFailures(t *testing.T) {
	f := newFixture(t)
	f.router("Good", "10.0.0.1", nil, "", "")
	f.router("Bad", "10.0.0.2", nil, "", "")
	inactive := f.router("Idle", "10.0.0.3", nil, "", "")
	inactive.IsActive = false
	if err := f.store.UpdateRouter(context.Background(), &inactive); err != nil {
		t.Fatal(err)
	}

	fetch := func(_ context.Context, r model.Router) (mikrotik.SystemInfo, error) {
		if r.Name == "Bad" {
			panic("boom")
		}
		return mikrotik.SystemInfo{Identity: r.Name}, nil
	}
	results := f.monitor(true, fetch).CheckAll(context.Background())
	if len(results) != 1 || results[0].Identity != "Good" {
		t.Fatalf("results = %+v", results)
	}
}

func TestCheckAgainstEmulator(t *testing.T) {
	srv := mikrotiktest.NewServer(t)
	srv.SetSystem("core-01", "7.14.3 (stable)")
	sec, err := secrets.FromKey(bytes.Repeat([]byte{9}, 32))
	if err != nil {
		t.Fatal(err)
	}
	enc, err := sec.EncryptString(mikrotiktest.DefaultPassword)
	if err != nil {
		t.Fatal(err)
	}

	f := newFixture(t)
	r := model.NewRouter("Core", srv.Host(), srv.Port(), false, mikrotiktest.DefaultUser, enc, nil)
	if err := f.store.CreateRouter(context.Background(), &r); err != nil {
		t.Fatal(err)
	}
	log := zaptest.NewLogger(t)
	m := monitor.New(monitor.Config{ProbeTimeout: time.Second}, f.store, f.rec,
		monitor.FetchWith(routers.NewConnector(sec, 2*time.Second, log)), log)

	res, err := m.Check(context.Background(), r)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Online || res.Identity != "core-01" || res.Version != "7.14.3 (stable)" {
		t.Fatalf("result = %+v", res)
	}

	srv.Close()
	res, err = m.Check(context.Background(), f.reload(r.ID))
	if err != nil {
		t.Fatal(err)
	}
	if res.Online || len(res.Events) != 1 || res.Events[0] != model.EventOffline {
		t.Fatalf("result = %+v", res)
	}
}

func TestRunChecksImmediatelyAndStops(t *testing.T) {
	f := newFixture(t)
	f.router("Core", "10.0.0.1", nil, "", "")

	var probes atomic.Int32
	first := make(chan struct{})
	probe := func(context.Context, string, time.Duration) bool {
		if probes.Add(1) == 1 {
			close(first)
		}
		return true
	}
	m := monitor.New(monitor.Config{Interval: time.Hour}, f.store, f.rec, nil, zaptest.NewLogger(t), monitor.WithProber(probe))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	select {
	case <-first:
	case <-time.After(5 * time.Second):
		t.Fatal("no check before first tick")
	}
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop")
	}
}
