package sqlstore

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/asotonet/isp-billing/internal/model"
	"github.com/asotonet/isp-billing/internal/storage/repo"
)

func openTest(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestRouterCRUDAndHealth(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	r := model.NewRouter("Core", "10.1.1.1", 8728, false, "admin", "enc", []string{"10.0.0.0/24"})
	if err := s.CreateRouter(ctx, &r); err != nil {
		t.Fatalf("create: %v", err)
	}
	dup := model.NewRouter("Other", "10.1.1.1", 8728, false, "admin", "enc", nil)
	if err := s.CreateRouter(ctx, &dup); !errors.Is(err, repo.ErrConflict) {
		t.Fatalf("duplicate host err = %v, want ErrConflict", err)
	}

	now := time.Now().UTC()
	if err := s.UpdateRouterHealth(ctx, r.ID, repo.RouterHealth{IsOnline: true, CheckedAt: now, Identity: "core", RouterOSVersion: "7.14"}); err != nil {
		t.Fatalf("health: %v", err)
	}
	got, err := s.GetRouter(ctx, r.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.IsOnline == nil || !*got.IsOnline || got.Identity != "core" || got.RouterOSVersion != "7.14" || got.LastOnlineAt == nil {
		t.Fatalf("router = %+v", got)
	}
	if got.CIDRList()[0] != "10.0.0.0/24" {
		t.Fatalf("cidrs = %v", got.CIDRList())
	}

	if err := s.UpdateRouterHealth(ctx, "missing", repo.RouterHealth{}); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}

	got.IsActive = false
	if err := s.UpdateRouter(ctx, &got); err != nil {
		t.Fatalf("update: %v", err)
	}
	active, err := s.ListRouters(ctx, true)
	if err != nil || len(active) != 0 {
		t.Fatalf("active = %v err=%v", active, err)
	}

	ok, err := s.DeleteRouter(ctx, r.ID)
	if err != nil || !ok {
		t.Fatalf("delete ok=%v err=%v", ok, err)
	}
	if _, err := s.GetRouter(ctx, r.ID); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("err = %v", err)
	}
}

func TestStaleRouterUpdateKeepsHealth(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	r := model.NewRouter("Core", "10.1.1.1", 8728, false, "admin", "enc", nil)
	if err := s.CreateRouter(ctx, &r); err != nil {
		t.Fatal(err)
	}
	stale, err := s.GetRouter(ctx, r.ID)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.UpdateRouterHealth(ctx, r.ID, repo.RouterHealth{IsOnline: true, CheckedAt: time.Now().UTC(), Identity: "core", RouterOSVersion: "7.14"}); err != nil {
		t.Fatal(err)
	}

	stale.Name = "Core renamed"
	if err := s.UpdateRouter(ctx, &stale); err != nil {
		t.Fatalf("update: %v", err)
	}
	if stale.IsOnline == nil || !*stale.IsOnline || stale.Identity != "core" {
		t.Fatalf("returned router = %+v", stale)
	}
	got, err := s.GetRouter(ctx, r.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Name != "Core renamed" {
		t.Fatalf("name = %q", got.Name)
	}
	if got.IsOnline == nil || !*got.IsOnline || got.Identity != "core" || got.RouterOSVersion != "7.14" || got.LastCheckAt == nil || got.LastOnlineAt == nil {
		t.Fatalf("health overwritten: %+v", got)
	}
}

func TestContractLookups(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	mk := func(num string, typ model.ConnectionType, state model.ContractState, ip, user string) model.Contract {
		c := model.NewContract(num, "Cliente "+num, "plan-1", typ)
		c.RouterID = model.Ptr("r1")
		c.State = state
		c.IP = model.Ptr(ip)
		c.PPPoEUser = model.Ptr(user)
		if err := s.CreateContract(ctx, &c); err != nil {
			t.Fatalf("create %s: %v", num, err)
		}
		return c
	}
	a := mk("C-1", model.IPoE, model.StateActive, "10.0.0.1", "")
	mk("C-2", model.IPoE, model.StateCancelled, "10.0.0.2", "")
	mk("C-3", model.PPPoE, model.StateSuspended, "", "ana")

	ips, err := s.AssignedIPs(ctx, "r1")
	if err != nil || len(ips) != 2 {
		t.Fatalf("ips = %v err=%v", ips, err)
	}

	hits, _ := s.FindByIP(ctx, "r1", "10.0.0.2", "")
	if len(hits) != 0 {
		t.Fatal("cancelled contracts must not conflict")
	}
	hits, _ = s.FindByIP(ctx, "r1", "10.0.0.1", "")
	if len(hits) != 1 {
		t.Fatalf("hits = %d", len(hits))
	}
	hits, _ = s.FindByIP(ctx, "r1", "10.0.0.1", a.ID)
	if len(hits) != 0 {
		t.Fatal("excluded contract matched")
	}

	users, _ := s.FindByPPPoEUser(ctx, "r1", "ana", "")
	if len(users) != 1 {
		t.Fatalf("users = %d", len(users))
	}

	list, err := s.ListContracts(ctx, repo.ContractFilter{
		RouterID: "r1", ConnectionType: model.PPPoE,
		States: []model.ContractState{model.StateActive, model.StateSuspended},
	})
	if err != nil || len(list) != 1 || list[0].Number != "C-3" {
		t.Fatalf("list = %+v err=%v", list, err)
	}
}

func TestEventsQueryAndPrune(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	r := model.Router{ID: "r1", Name: "Core"}

	old := model.NewRouterEvent(r, model.EventOffline, "old", nil)
	old.CreatedAt = time.Now().UTC().Add(-48 * time.Hour)
	fresh := model.NewRouterEvent(r, model.EventVersionChanged, "fresh", map[string]string{"old_value": "7.1", "new_value": "7.2"})
	for _, e := range []*model.RouterEvent{&old, &fresh} {
		if err := s.InsertEvent(ctx, e); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	list, err := s.ListEvents(ctx, repo.EventFilter{RouterID: "r1", Since: time.Now().Add(-24 * time.Hour)})
	if err != nil || len(list) != 1 {
		t.Fatalf("list = %v err=%v", list, err)
	}
	if list[0].Metadata["new_value"] != "7.2" {
		t.Fatalf("metadata = %v", list[0].Metadata)
	}

	n, err := s.DeleteEventsBefore(ctx, time.Now().Add(-24*time.Hour))
	if err != nil || n != 1 {
		t.Fatalf("pruned %d err=%v", n, err)
	}
}
