package contracts

import (
	"context"
	"fmt"

	"github.com/asotonet/isp-billing/internal/mikrotik"
	"github.com/asotonet/isp-billing/internal/model"
	"github.com/asotonet/isp-billing/internal/routers"
)

// RouterControl is the subset of the router control service used for sync.
type RouterControl interface {
	AddOrUpdateAddressListEntry(ctx context.Context, list, address string, disabled bool, comment string) error
	RemoveAllEntriesForAddress(ctx context.Context, address string) (int, error)
	EnsureIPPool(ctx context.Context, name string, cidrs []string) error
	CreateOrUpdatePPPProfile(ctx context.Context, p mikrotik.PPPProfile) error
	AddOrUpdatePPPSecret(ctx context.Context, s mikrotik.PPPSecret) error
	SetPPPSecretProfile(ctx context.Context, username, profile string) (bool, error)
	RemovePPPSecret(ctx context.Context, username string) error
}

var _ RouterControl = (*mikrotik.Service)(nil)

// ControlFactory opens control of one router, decrypting its credentials.
type ControlFactory func(r model.Router) (RouterControl, error)

// Connect returns a ControlFactory that dials routers through conn.
func Connect(conn *routers.Connector) ControlFactory {
	return func(r model.Router) (RouterControl, error) {
		svc, err := conn.Control(r)
		if err != nil {
			return nil, err
		}
		return svc, nil
	}
}

// Decrypter recovers stored PPPoE passwords.
type Decrypter interface {
	DecryptString(enc string) (string, error)
}

// SyncError is returned when the router could not be brought in line with a
// contract. Guard errors are raised before any router call.
type SyncError struct {
	Reason string
	Guard  bool
	Err    error
}

func (e *SyncError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Reason, e.Err)
	}
	return e.Reason
}

func (e *SyncError) Unwrap() error { return e.Err }

func guardErr(format string, args ...any) *SyncError {
	return &SyncError{Reason: fmt.Sprintf(format, args...), Guard: true}
}

func syncErr(err error, format string, args ...any) *SyncError {
	return &SyncError{Reason: fmt.Sprintf(format, args...), Err: err}
}
