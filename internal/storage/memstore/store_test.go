package memstore

import (
	"context"
	"testing"
	"time"

	"github.com/asotonet/isp-billing/internal/model"
	"github.com/asotonet/isp-billing/internal/storage/repo"
)

func TestStaleRouterUpdateKeepsHealth(t *testing.T) {
	s := New()
	ctx := context.Background()

	r := model.NewRouter("Core", "10.1.1.1", 8728, false, "admin", "enc", nil)
	if err := s.CreateRouter(ctx, &r); err != nil {
		t.Fatal(err)
	}
	stale, _ := s.GetRouter(ctx, r.ID)
	if err := s.UpdateRouterHealth(ctx, r.ID, repo.RouterHealth{IsOnline: false, CheckedAt: time.Now(), Identity: "core"}); err != nil {
		t.Fatal(err)
	}

	stale.IsActive = false
	if err := s.UpdateRouter(ctx, &stale); err != nil {
		t.Fatal(err)
	}
	got, _ := s.GetRouter(ctx, r.ID)
	if got.IsActive || !got.KnownOffline() || got.Identity != "core" {
		t.Fatalf("router = %+v", got)
	}
}
