package broker

import (
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// Gateway is the operating-system authentication mechanism that runs a
// command with elevated privileges.
type Gateway interface {
	// Name identifies the gateway in the journal.
	Name() string

	// Available returns ErrAuthenticationUnavailable if the gateway cannot
	// be used on this machine.
	Available() error

	// Wrap returns the argv that runs argv with elevated privileges.
	Wrap(argv []string) []string

	// Classify inspects a finished process and returns
	// ErrAuthenticationDenied or ErrAuthenticationUnavailable when the
	// failure belongs to the gateway rather than the command. It returns nil
	// otherwise.
	Classify(exitCode int, stderr string) error
}

// Mocked in tests.
var (
	lookPath = exec.LookPath
	geteuid  = os.Geteuid
)

// NewGateway returns the gateway selected by mode: "pkexec", "sudo",
// "direct", or "auto" (direct when already root, else pkexec when present,
// else sudo).
func NewGateway(mode string) (Gateway, error) {
	switch mode {
	case "pkexec":
		return pkexecGateway{}, nil
	case "sudo":
		return sudoGateway{}, nil
	case "direct":
		return directGateway{}, nil
	case "", "auto":
		if geteuid() == 0 {
			return directGateway{}, nil
		}
		if _, err := lookPath("pkexec"); err == nil {
			return pkexecGateway{}, nil
		}
		return sudoGateway{}, nil
	}
	return nil, fmt.Errorf("unknown escalation mode %q", mode)
}

type pkexecGateway struct{}

func (pkexecGateway) Name() string { return "pkexec" }

func (pkexecGateway) Available() error {
	if _, err := lookPath("pkexec"); err != nil {
		return fmt.Errorf("%w: pkexec not found", ErrAuthenticationUnavailable)
	}
	return nil
}

func (pkexecGateway) Wrap(argv []string) []string {
	return append([]string{"pkexec"}, argv...)
}

// pkexec exits 126 when the dialog is dismissed and 127 when the user is not
// authorized or no agent could be reached.
func (pkexecGateway) Classify(exitCode int, stderr string) error {
	switch {
	case exitCode == 126:
		return ErrAuthenticationDenied
	case exitCode == 127 && strings.Contains(stderr, "No authentication agent"):
		return fmt.Errorf("%w: no polkit authentication agent", ErrAuthenticationUnavailable)
	case exitCode == 127 && (strings.Contains(stderr, "Not authorized") ||
		strings.Contains(stderr, "Error executing command as another user")):
		return ErrAuthenticationDenied
	}
	return nil
}

type sudoGateway struct{}

func (sudoGateway) Name() string { return "sudo" }

func (sudoGateway) Available() error {
	if _, err := lookPath("sudo"); err != nil {
		return fmt.Errorf("%w: sudo not found", ErrAuthenticationUnavailable)
	}
	return nil
}

func (sudoGateway) Wrap(argv []string) []string {
	return append([]string{"sudo", "--"}, argv...)
}

func (sudoGateway) Classify(exitCode int, stderr string) error {
	if exitCode != 1 {
		return nil
	}
	switch {
	case strings.Contains(stderr, "a terminal is required"),
		strings.Contains(stderr, "no askpass program"):
		return fmt.Errorf("%w: sudo cannot prompt", ErrAuthenticationUnavailable)
	case strings.Contains(stderr, "incorrect password attempt"),
		strings.Contains(stderr, "a password is required"),
		strings.Contains(stderr, "is not in the sudoers file"),
		strings.Contains(stderr, "is not allowed to execute"):
		return ErrAuthenticationDenied
	}
	return nil
}

type directGateway struct{}

func (directGateway) Name() string { return "direct" }

func (directGateway) Available() error {
	if geteuid() != 0 {
		return fmt.Errorf("%w: direct execution requires root", ErrAuthenticationUnavailable)
	}
	return nil
}

func (directGateway) Wrap(argv []string) []string { return argv }

func (directGateway) Classify(int, string) error { return nil }
