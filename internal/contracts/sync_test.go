package contracts

import (
	"bytes"
	"context"
	"errors"
	"slices"
	"testing"

	"go.uber.org/zap/zaptest"

	"github.com/asotonet/isp-billing/internal/mikrotik"
	"github.com/asotonet/isp-billing/internal/model"
	"github.com/asotonet/isp-billing/internal/secrets"
	"github.com/asotonet/isp-billing/internal/storage/memstore"
)

type env struct {
	t     *testing.T
	store *memstore.Store
	fleet *fakeFleet
	sec   *secrets.Secrets
	sync  *Synchronizer
	plan  model.Plan
}

func newEnv(t *testing.T) *env {
	t.Helper()
	sec, err := secrets.FromKey(bytes.Repeat([]byte{3}, 32))
	if err != nil {
		t.Fatal(err)
	}
	store := memstore.New()
	fleet := newFleet()
	plan := model.NewPlan("Hogar 25", 25.7, 5)
	if err := store.CreatePlan(context.Background(), &plan); err != nil {
		t.Fatal(err)
	}
	return &env{
		t:     t,
		store: store,
		fleet: fleet,
		sec:   sec,
		sync:  NewSynchronizer(store, fleet.factory(), sec, zaptest.NewLogger(t)),
		plan:  plan,
	}
}

func boolPtr(b bool) *bool { return &b }

func (e *env) router(name, host string, active bool, online *bool, cidrs ...string) model.Router {
	e.t.Helper()
	r := model.NewRouter(name, host, 8728, false, "admin", "x", cidrs)
	r.IsActive = active
	r.IsOnline = online
	if err := e.store.CreateRouter(context.Background(), &r); err != nil {
		e.t.Fatal(err)
	}
	return r
}

func (e *env) ipoe(routerID, ip string, state model.ContractState) model.Contract {
	c := model.NewContract("C-100", "José Pérez", e.plan.ID, model.IPoE)
	c.RouterID, c.IP, c.State = model.Ptr(routerID), model.Ptr(ip), state
	return c
}

func (e *env) pppoe(routerID, user string, state model.ContractState) model.Contract {
	e.t.Helper()
	enc, err := e.sec.EncryptString("pw-" + user)
	if err != nil {
		e.t.Fatal(err)
	}
	c := model.NewContract("C-200", "Ana Muñoz", e.plan.ID, model.PPPoE)
	c.RouterID, c.PPPoEUser, c.PPPoEPasswordEnc, c.State = model.Ptr(routerID), model.Ptr(user), &enc, state
	return c
}

func TestGuardsSkipSilently(t *testing.T) {
	e := newEnv(t)
	r := e.router("Core", "10.1.0.1", true, nil)
	ctx := context.Background()

	noRouter := e.ipoe("", "10.0.0.5", model.StateActive)
	noRouter.RouterID = nil
	noIP := e.ipoe(r.ID, "", model.StateActive)
	noIP.IP = nil
	noPassword := e.pppoe(r.ID, "ana", model.StateActive)
	noPassword.PPPoEPasswordEnc = nil

	for name, c := range map[string]model.Contract{"no router": noRouter, "no ip": noIP, "no password": noPassword} {
		if err := e.sync.Sync(ctx, c, nil); err != nil {
			t.Fatalf("%s: err = %v", name, err)
		}
	}
	if len(e.fleet.ops) != 0 {
		t.Fatalf("ops = %v", e.fleet.ops)
	}
}

func TestGuardsFailWithoutRouterCalls(t *testing.T) {
	e := newEnv(t)
	inactive := e.router("Inactive", "10.1.0.1", false, nil)
	offline := e.router("Offline", "10.1.0.2", true, boolPtr(false))
	ctx := context.Background()

	cases := map[string]model.Contract{
		"inactive": e.ipoe(inactive.ID, "10.0.0.5", model.StateActive),
		"offline":  e.pppoe(offline.ID, "ana", model.StateSuspended),
		"missing":  e.ipoe("nope", "10.0.0.5", model.StateActive),
	}
	for name, c := range cases {
		err := e.sync.Sync(ctx, c, nil)
		var serr *SyncError
		if !errors.As(err, &serr) || !serr.Guard {
			t.Fatalf("%s: err = %v, want guard SyncError", name, err)
		}
		if err := e.sync.Preflight(ctx, c); err == nil {
			t.Fatalf("%s: preflight passed", name)
		}
	}
	if len(e.fleet.ops) != 0 {
		t.Fatalf("router touched: %v", e.fleet.ops)
	}
}

func TestUnknownOnlineStateIsAllowed(t *testing.T) {
	e := newEnv(t)
	r := e.router("Core", "10.1.0.1", true, nil)
	if err := e.sync.Sync(context.Background(), e.ipoe(r.ID, "10.0.0.5", model.StateActive), nil); err != nil {
		t.Fatal(err)
	}
}

func TestIPoEStateTable(t *testing.T) {
	cases := []struct {
		state model.ContractState
		ops   []string
	}{
		{model.StateActive, []string{"Core:remove-address 10.0.0.5", "Core:add-address ISP-ACTIVOS 10.0.0.5"}},
		{model.StatePending, []string{"Core:remove-address 10.0.0.5", "Core:add-address ISP-ACTIVOS 10.0.0.5"}},
		{model.StateSuspended, []string{"Core:remove-address 10.0.0.5", "Core:add-address ISP-SUSPENDIDOS 10.0.0.5"}},
		{model.StateCancelled, []string{"Core:remove-address 10.0.0.5"}},
	}
	for _, c := range cases {
		t.Run(string(c.state), func(t *testing.T) {
			e := newEnv(t)
			r := e.router("Core", "10.1.0.1", true, boolPtr(true))
			if err := e.sync.Sync(context.Background(), e.ipoe(r.ID, "10.0.0.5", c.state), nil); err != nil {
				t.Fatal(err)
			}
			if !slices.Equal(e.fleet.ops, c.ops) {
				t.Fatalf("ops = %v, want %v", e.fleet.ops, c.ops)
			}
		})
	}
}

func TestIPoEConvergesAndListsStayExclusive(t *testing.T) {
	e := newEnv(t)
	r := e.router("Core", "10.1.0.1", true, boolPtr(true))
	ctx := context.Background()
	fr := e.fleet.router(r)

	seq := []model.ContractState{
		model.StatePending, model.StateActive, model.StateSuspended, model.StateActive,
		model.StateSuspended, model.StateSuspended, model.StateCancelled, model.StateActive,
	}
	want := map[model.ContractState][]string{
		model.StatePending:   {"ISP-ACTIVOS:10.0.0.5"},
		model.StateActive:    {"ISP-ACTIVOS:10.0.0.5"},
		model.StateSuspended: {"ISP-SUSPENDIDOS:10.0.0.5"},
		model.StateCancelled: nil,
	}
	var prev *model.Contract
	for i, st := range seq {
		c := e.ipoe(r.ID, "10.0.0.5", st)
		if err := e.sync.Sync(ctx, c, prev); err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
		if got := fr.memberships(); !slices.Equal(got, want[st]) {
			t.Fatalf("step %d (%s): memberships = %v, want %v", i, st, got, want[st])
		}
		prev = &c
	}
}

func TestIPoEFailureToAddIsReturned(t *testing.T) {
	e := newEnv(t)
	r := e.router("Core", "10.1.0.1", true, nil)
	e.fleet.router(r).failOn["add-address"] = errors.New("trap")

	err := e.sync.Sync(context.Background(), e.ipoe(r.ID, "10.0.0.5", model.StateSuspended), nil)
	var serr *SyncError
	if !errors.As(err, &serr) || serr.Guard {
		t.Fatalf("err = %v, want non-guard SyncError", err)
	}
}

func TestPPPoEProfileAndSecret(t *testing.T) {
	e := newEnv(t)
	r := e.router("Torre Norte", "10.1.0.1", true, boolPtr(true), "192.168.1.0/24", "10.0.0.0/24")
	fr := e.fleet.router(r)
	ctx := context.Background()

	c := e.pppoe(r.ID, "ana", model.StateActive)
	c.PPPoERemoteAddress = model.Ptr("10.0.0.50")
	if err := e.sync.Sync(ctx, c, nil); err != nil {
		t.Fatal(err)
	}

	wantOps := []string{"Torre Norte:pool pool-torre-norte", "Torre Norte:profile PLAN-25MB", "Torre Norte:secret ana"}
	if !slices.Equal(e.fleet.ops, wantOps) {
		t.Fatalf("ops = %v, want %v", e.fleet.ops, wantOps)
	}
	p := fr.profiles["PLAN-25MB"]
	if p.LocalAddress != "10.0.0.1" || p.RemoteAddress != "pool-torre-norte" {
		t.Fatalf("profile = %+v", p)
	}
	if got := mikrotik.RateLimit(p.UploadMbps, p.DownloadMbps); got != "5M/25M" {
		t.Fatalf("rate limit = %q", got)
	}
	s := fr.secrets["ana"]
	if s.Disabled || s.Password != "pw-ana" || s.Profile != "PLAN-25MB" || s.RemoteAddress != "10.0.0.50" {
		t.Fatalf("secret = %+v", s)
	}

	c.State = model.StateSuspended
	if err := e.sync.Sync(ctx, c, nil); err != nil {
		t.Fatal(err)
	}
	if !fr.secrets["ana"].Disabled {
		t.Fatal("suspended secret must be disabled")
	}

	c.State = model.StateCancelled
	if err := e.sync.Sync(ctx, c, nil); err != nil {
		t.Fatal(err)
	}
	if _, ok := fr.secrets["ana"]; ok {
		t.Fatal("cancelled secret must be removed")
	}
}

func TestPPPoEWithoutCIDRsSkipsPool(t *testing.T) {
	e := newEnv(t)
	r := e.router("Core", "10.1.0.1", true, nil, "garbage")
	if err := e.sync.Sync(context.Background(), e.pppoe(r.ID, "ana", model.StateActive), nil); err != nil {
		t.Fatal(err)
	}
	p := e.fleet.router(r).profiles["PLAN-25MB"]
	if p.LocalAddress != "" || p.RemoteAddress != "" {
		t.Fatalf("profile = %+v", p)
	}
	if e.fleet.index("Core:pool pool-core") >= 0 {
		t.Fatal("pool created without cidrs")
	}
}

func TestPPPoEProfileFailureIsReturned(t *testing.T) {
	e := newEnv(t)
	r := e.router("Core", "10.1.0.1", true, nil)
	e.fleet.router(r).failOn["profile"] = errors.New("trap")
	if err := e.sync.Sync(context.Background(), e.pppoe(r.ID, "ana", model.StateActive), nil); err == nil {
		t.Fatal("expected error")
	}
	if e.fleet.index("Core:secret ana") >= 0 {
		t.Fatal("secret written after profile failure")
	}
}

func TestTypeChangeRemovesOldRepresentationFirst(t *testing.T) {
	e := newEnv(t)
	r := e.router("Core", "10.1.0.1", true, boolPtr(true), "10.0.0.0/24")
	ctx := context.Background()

	prev := e.pppoe(r.ID, "userA", model.StateActive)
	next := e.ipoe(r.ID, "10.0.0.1", model.StateActive)
	next.ID = prev.ID
	if err := e.sync.Sync(ctx, next, &prev); err != nil {
		t.Fatal(err)
	}
	rm, add := e.fleet.index("Core:remove-secret userA"), e.fleet.index("Core:add-address ISP-ACTIVOS 10.0.0.1")
	if rm < 0 || add < 0 || rm > add {
		t.Fatalf("ops = %v", e.fleet.ops)
	}

	e.fleet.reset()
	back := e.pppoe(r.ID, "userA", model.StateActive)
	if err := e.sync.Sync(ctx, back, &next); err != nil {
		t.Fatal(err)
	}
	rm, add = e.fleet.index("Core:remove-address 10.0.0.1"), e.fleet.index("Core:secret userA")
	if rm < 0 || add < 0 || rm > add {
		t.Fatalf("ops = %v", e.fleet.ops)
	}
	if got := e.fleet.router(r).memberships(); len(got) != 0 {
		t.Fatalf("stale memberships = %v", got)
	}
}

func TestIdentifierChangesRemoveOldObjects(t *testing.T) {
	e := newEnv(t)
	r := e.router("Core", "10.1.0.1", true, nil, "10.0.0.0/24")
	ctx := context.Background()

	prev := e.ipoe(r.ID, "10.0.0.5", model.StateActive)
	next := e.ipoe(r.ID, "10.0.0.6", model.StateActive)
	if err := e.sync.Sync(ctx, prev, nil); err != nil {
		t.Fatal(err)
	}
	if err := e.sync.Sync(ctx, next, &prev); err != nil {
		t.Fatal(err)
	}
	if got := e.fleet.router(r).memberships(); !slices.Equal(got, []string{"ISP-ACTIVOS:10.0.0.6"}) {
		t.Fatalf("memberships = %v", got)
	}

	e.fleet.reset()
	oldUser := e.pppoe(r.ID, "old", model.StateActive)
	newUser := e.pppoe(r.ID, "new", model.StateActive)
	if err := e.sync.Sync(ctx, newUser, &oldUser); err != nil {
		t.Fatal(err)
	}
	if e.fleet.index("Core:remove-secret old") < 0 {
		t.Fatalf("ops = %v", e.fleet.ops)
	}
}

func TestRouterChangeCleansOldRouter(t *testing.T) {
	e := newEnv(t)
	oldR := e.router("Old", "10.1.0.1", true, boolPtr(true))
	newR := e.router("New", "10.1.0.2", true, boolPtr(true))
	ctx := context.Background()

	prev := e.ipoe(oldR.ID, "10.0.0.5", model.StateActive)
	next := e.ipoe(newR.ID, "10.0.0.5", model.StateActive)
	if err := e.sync.Sync(ctx, next, &prev); err != nil {
		t.Fatal(err)
	}
	want := []string{"Old:remove-address 10.0.0.5", "New:remove-address 10.0.0.5", "New:add-address ISP-ACTIVOS 10.0.0.5"}
	if !slices.Equal(e.fleet.ops, want) {
		t.Fatalf("ops = %v, want %v", e.fleet.ops, want)
	}
}

func TestCleanupFailureDoesNotBlockSync(t *testing.T) {
	e := newEnv(t)
	oldR := e.router("Old", "10.1.0.1", true, nil)
	newR := e.router("New", "10.1.0.2", true, nil)
	e.fleet.router(oldR).failOn["remove-secret"] = errors.New("timeout")

	prev := e.pppoe(oldR.ID, "ana", model.StateActive)
	next := e.pppoe(newR.ID, "ana", model.StateActive)
	if err := e.sync.Sync(context.Background(), next, &prev); err != nil {
		t.Fatalf("err = %v", err)
	}
	if _, ok := e.fleet.router(newR).secrets["ana"]; !ok {
		t.Fatal("secret not created on new router")
	}
}

func TestCleanupSkipsOfflineOldRouter(t *testing.T) {
	e := newEnv(t)
	oldR := e.router("Old", "10.1.0.1", true, boolPtr(false))
	newR := e.router("New", "10.1.0.2", true, nil)

	prev := e.ipoe(oldR.ID, "10.0.0.5", model.StateActive)
	next := e.ipoe(newR.ID, "10.0.0.5", model.StateActive)
	if err := e.sync.Sync(context.Background(), next, &prev); err != nil {
		t.Fatal(err)
	}
	for _, op := range e.fleet.ops {
		if op[:4] == "Old:" {
			t.Fatalf("offline router touched: %v", e.fleet.ops)
		}
	}
}

func TestUnassigningRouterStillCleansUp(t *testing.T) {
	e := newEnv(t)
	r := e.router("Core", "10.1.0.1", true, nil)
	prev := e.ipoe(r.ID, "10.0.0.5", model.StateActive)
	next := prev
	next.RouterID = nil
	if err := e.sync.Sync(context.Background(), next, &prev); err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(e.fleet.ops, []string{"Core:remove-address 10.0.0.5"}) {
		t.Fatalf("ops = %v", e.fleet.ops)
	}
}

func TestCancelledContractKeepsReassignedAddress(t *testing.T) {
	e := newEnv(t)
	r := e.router("Core", "10.1.0.1", true, boolPtr(true))
	ctx := context.Background()
	fr := e.fleet.router(r)

	old := e.persist(e.ipoe(r.ID, "10.0.0.5", model.StateCancelled), "C-1")
	live := e.persist(e.ipoe(r.ID, "10.0.0.5", model.StateActive), "C-2")
	if err := e.sync.Sync(ctx, live, nil); err != nil {
		t.Fatal(err)
	}

	e.fleet.reset()
	if err := e.sync.Sync(ctx, old, nil); err != nil {
		t.Fatal(err)
	}
	if len(e.fleet.ops) != 0 {
		t.Fatalf("ops = %v", e.fleet.ops)
	}
	if got := fr.memberships(); !slices.Equal(got, []string{"ISP-ACTIVOS:10.0.0.5"}) {
		t.Fatalf("memberships = %v", got)
	}

	// once nothing live holds it, the cancelled contract clears the address
	live.State = model.StateCancelled
	if err := e.store.UpdateContract(ctx, &live); err != nil {
		t.Fatal(err)
	}
	if err := e.sync.Sync(ctx, old, nil); err != nil {
		t.Fatal(err)
	}
	if got := fr.memberships(); len(got) != 0 {
		t.Fatalf("memberships = %v", got)
	}
}

func TestCancelledContractKeepsReassignedUsername(t *testing.T) {
	e := newEnv(t)
	r := e.router("Core", "10.1.0.1", true, nil)
	ctx := context.Background()

	old := e.persist(e.pppoe(r.ID, "ana", model.StateCancelled), "C-1")
	live := e.persist(e.pppoe(r.ID, "ana", model.StateActive), "C-2")
	if err := e.sync.Sync(ctx, live, nil); err != nil {
		t.Fatal(err)
	}
	if err := e.sync.Sync(ctx, old, nil); err != nil {
		t.Fatal(err)
	}
	if e.fleet.index("Core:remove-secret ana") >= 0 {
		t.Fatalf("ops = %v", e.fleet.ops)
	}
	if _, ok := e.fleet.router(r).secrets["ana"]; !ok {
		t.Fatal("live secret removed")
	}
}

func TestCleanupKeepsAddressHeldByAnotherContract(t *testing.T) {
	e := newEnv(t)
	r := e.router("Core", "10.1.0.1", true, nil)
	ctx := context.Background()

	live := e.persist(e.ipoe(r.ID, "10.0.0.5", model.StateActive), "C-1")
	if err := e.sync.Sync(ctx, live, nil); err != nil {
		t.Fatal(err)
	}
	prev := e.ipoe(r.ID, "10.0.0.5", model.StateCancelled)
	next := prev
	next.IP = model.Ptr("10.0.0.6")
	next.State = model.StateActive

	e.fleet.reset()
	if err := e.sync.Sync(ctx, next, &prev); err != nil {
		t.Fatal(err)
	}
	if e.fleet.index("Core:remove-address 10.0.0.5") >= 0 {
		t.Fatalf("ops = %v", e.fleet.ops)
	}
	if got := e.fleet.router(r).memberships(); !slices.Equal(got, []string{"ISP-ACTIVOS:10.0.0.5", "ISP-ACTIVOS:10.0.0.6"}) {
		t.Fatalf("memberships = %v", got)
	}
}
