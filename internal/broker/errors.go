package broker

import (
	"fmt"

	"github.com/juju/errors"
)

const (
	// ErrDisallowedAction is returned for a kind outside the allow-list or
	// for arguments that fail the kind's validation.
	ErrDisallowedAction = errors.ConstError("action not allowed")

	// ErrAuthenticationDenied is returned when the user declined or failed
	// the authentication prompt.
	ErrAuthenticationDenied = errors.ConstError("authentication denied")

	// ErrAuthenticationUnavailable is returned when no escalation mechanism
	// can be used on this machine.
	ErrAuthenticationUnavailable = errors.ConstError("privilege escalation unavailable")

	// ErrCommandFailed is matched by every *CommandError.
	ErrCommandFailed = errors.ConstError("command failed")
)

// CommandError reports a privileged command that ran and exited non-zero.
// The captured output is kept for the caller's diagnostics.
type CommandError struct {
	Outcome *Outcome
}

func (e *CommandError) Error() string {
	msg := fmt.Sprintf("%s exited with status %d", e.Outcome.Action.Kind, e.Outcome.ExitCode)
	if d := e.Outcome.Diagnostic(); d != "" {
		msg += ": " + d
	}
	return msg
}

// Is reports whether target is ErrCommandFailed.
func (e *CommandError) Is(target error) bool {
	return target == ErrCommandFailed
}

// Diagnostic returns the captured output of a failed command, or "" if err
// is not a command failure.
func Diagnostic(err error) string {
	var cmdErr *CommandError
	if errors.As(err, &cmdErr) {
		return cmdErr.Outcome.Diagnostic()
	}
	return ""
}

func disallowed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrDisallowedAction, fmt.Sprintf(format, args...))
}
