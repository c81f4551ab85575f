// Package fault defines the error kinds shared by every devstack manager.
//
// Each manager declares its own sentinels with New so that callers can test
// either for the precise failure (vhost.ErrInvalidVirtualHost) or for the
// broad kind it belongs to (fault.InvalidInput).
package fault

import "github.com/juju/errors"

const (
	// InvalidInput marks requests rejected before any side effect.
	InvalidInput = errors.ConstError("invalid input")

	// AlreadyExists marks requests for a resource that is already present.
	AlreadyExists = errors.ConstError("already exists")

	// NotInstalled marks requests against a service or package that is absent.
	NotInstalled = errors.ConstError("not installed")

	// ConfigurationInvalid marks an engine rejecting its own configuration.
	ConfigurationInvalid = errors.ConstError("configuration invalid")

	// StateTransitionFailed marks an action that ran but did not produce the
	// requested state.
	StateTransitionFailed = errors.ConstError("state transition failed")
)

// Error is a named failure that also belongs to a broader kind.
type Error struct {
	msg  string
	kind error
}

// New returns a sentinel that matches both itself and kind under errors.Is.
func New(kind error, msg string) *Error {
	return &Error{msg: msg, kind: kind}
}

func (e *Error) Error() string { return e.msg }

// Unwrap exposes the kind.
func (e *Error) Unwrap() error { return e.kind }

// Errorf returns an error carrying a formatted detail that matches sentinel
// (and therefore sentinel's kind).
func Errorf(sentinel error, format string, args ...any) error {
	return &detailed{
		sentinel: sentinel,
		detail:   errors.Errorf(format, args...).Error(),
	}
}

type detailed struct {
	sentinel error
	detail   string
}

func (d *detailed) Error() string { return d.sentinel.Error() + ": " + d.detail }

func (d *detailed) Unwrap() error { return d.sentinel }

// Detail returns the detail part of an error built with Errorf, or the full
// message for any other error.
func Detail(err error) string {
	var d *detailed
	if errors.As(err, &d) {
		return d.detail
	}
	return err.Error()
}
