package contracts

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/asotonet/isp-billing/internal/mikrotik"
	"github.com/asotonet/isp-billing/internal/model"
)

// fakeRouter keeps a router-side projection in memory and logs every call.
type fakeRouter struct {
	mu       sync.Mutex
	name     string
	fleet    *fakeFleet
	lists    map[string]map[string]bool // ip -> list -> disabled
	secrets  map[string]mikrotik.PPPSecret
	profiles map[string]mikrotik.PPPProfile
	pools    map[string][]string
	failOn   map[string]error
}

func newFakeRouter(name string, fleet *fakeFleet) *fakeRouter {
	return &fakeRouter{
		name:     name,
		fleet:    fleet,
		lists:    map[string]map[string]bool{},
		secrets:  map[string]mikrotik.PPPSecret{},
		profiles: map[string]mikrotik.PPPProfile{},
		pools:    map[string][]string{},
		failOn:   map[string]error{},
	}
}

func (f *fakeRouter) log(op string) error {
	f.fleet.mu.Lock()
	f.fleet.ops = append(f.fleet.ops, f.name+":"+op)
	f.fleet.mu.Unlock()
	for prefix, err := range f.failOn {
		if len(op) >= len(prefix) && op[:len(prefix)] == prefix {
			return err
		}
	}
	return nil
}

func (f *fakeRouter) AddOrUpdateAddressListEntry(_ context.Context, list, address string, disabled bool, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.log("add-address " + list + " " + address); err != nil {
		return err
	}
	if f.lists[address] == nil {
		f.lists[address] = map[string]bool{}
	}
	f.lists[address][list] = disabled
	return nil
}

func (f *fakeRouter) RemoveAllEntriesForAddress(_ context.Context, address string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.log("remove-address " + address); err != nil {
		return 0, err
	}
	n := len(f.lists[address])
	delete(f.lists, address)
	return n, nil
}

func (f *fakeRouter) EnsureIPPool(_ context.Context, name string, cidrs []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.log("pool " + name); err != nil {
		return err
	}
	f.pools[name] = cidrs
	return nil
}

func (f *fakeRouter) CreateOrUpdatePPPProfile(_ context.Context, p mikrotik.PPPProfile) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.log("profile " + p.Name); err != nil {
		return err
	}
	f.profiles[p.Name] = p
	return nil
}

func (f *fakeRouter) AddOrUpdatePPPSecret(_ context.Context, s mikrotik.PPPSecret) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.log("secret " + s.Username); err != nil {
		return err
	}
	f.secrets[s.Username] = s
	return nil
}

func (f *fakeRouter) SetPPPSecretProfile(_ context.Context, username, profile string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.log("rebind " + username + " " + profile); err != nil {
		return false, err
	}
	sec, ok := f.secrets[username]
	if !ok {
		return false, nil
	}
	sec.Profile = profile
	f.secrets[username] = sec
	return true, nil
}

func (f *fakeRouter) RemovePPPSecret(_ context.Context, username string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.log("remove-secret " + username); err != nil {
		return err
	}
	delete(f.secrets, username)
	return nil
}

// memberships lists "list:ip" pairs, sorted.
func (f *fakeRouter) memberships() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for ip, lists := range f.lists {
		for l := range lists {
			out = append(out, l+":"+ip)
		}
	}
	sort.Strings(out)
	return out
}

type fakeFleet struct {
	mu      sync.Mutex
	ops     []string
	routers map[string]*fakeRouter
}

func newFleet() *fakeFleet { return &fakeFleet{routers: map[string]*fakeRouter{}} }

func (f *fakeFleet) router(r model.Router) *fakeRouter {
	f.mu.Lock()
	defer f.mu.Unlock()
	fr, ok := f.routers[r.ID]
	if !ok {
		fr = newFakeRouter(r.Name, f)
		f.routers[r.ID] = fr
	}
	return fr
}

func (f *fakeFleet) factory() ControlFactory {
	return func(r model.Router) (RouterControl, error) {
		if r.ID == "" {
			return nil, errors.New("router without id")
		}
		return f.router(r), nil
	}
}

// index returns the position of op in the log, or -1.
func (f *fakeFleet) index(op string) int {
	for i, o := range f.ops {
		if o == op {
			return i
		}
	}
	return -1
}

func (f *fakeFleet) reset() { f.ops = nil }

func (f *fakeFleet) String() string { return fmt.Sprint(f.ops) }
