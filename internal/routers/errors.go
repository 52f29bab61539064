package routers

import (
	"errors"
	"fmt"
)

var (
	ErrNoAddressAvailable = errors.New("no addresses available")
	ErrInvalidIP          = errors.New("invalid IPv4 address")
	ErrHostTaken          = errors.New("a router with this host already exists")
)

// ValidationError is a user-facing input problem.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

func invalidf(format string, args ...any) error {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}
