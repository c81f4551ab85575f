// Package services moves system services into a requested run or boot
// state, issuing a privileged action only when the current state differs.
package services

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/juju/clock"
	"github.com/juju/loggo/v2"
	"github.com/juju/retry"
	"golang.org/x/sync/errgroup"

	"github.com/blackwell-systems/devstack/internal/broker"
	"github.com/blackwell-systems/devstack/internal/fault"
	"github.com/blackwell-systems/devstack/internal/inspect"
)

var logger = loggo.GetLogger("devstack.services")

var (
	ErrInvalidRequest        = fault.New(fault.InvalidInput, "invalid service request")
	ErrNotInstalled          = fault.New(fault.NotInstalled, "service not installed")
	ErrStateTransitionFailed = fault.New(fault.StateTransitionFailed, "service did not reach the requested state")
)

var serviceNameRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9@._-]{0,127}$`)

// StateReader is the part of the inspector the manager needs.
type StateReader interface {
	ServiceStatus(ctx context.Context, name string) (inspect.Status, error)
	Autostart(ctx context.Context, name string) (bool, error)
	Service(ctx context.Context, name string) (*inspect.ManagedService, error)
}

// Transition reports what a manager call did.
type Transition struct {
	Service string `json:"service"`
	From    string `json:"from"`
	To      string `json:"to"`
	Changed bool   `json:"changed"`
}

// Options tunes a Manager.
type Options struct {
	// Services is the list shown by List.
	Services []string

	// Attempts and Delay bound the confirmation re-query.
	Attempts int
	Delay    time.Duration

	Clock clock.Clock
}

// Manager applies desired service states.
type Manager struct {
	exec     broker.Executor
	state    StateReader
	services []string
	attempts int
	delay    time.Duration
	clock    clock.Clock
}

// New returns a Manager.
func New(exec broker.Executor, state StateReader, opts Options) *Manager {
	m := &Manager{
		exec:     exec,
		state:    state,
		services: opts.Services,
		attempts: opts.Attempts,
		delay:    opts.Delay,
		clock:    opts.Clock,
	}
	if m.attempts <= 0 {
		m.attempts = 10
	}
	if m.delay <= 0 {
		m.delay = 300 * time.Millisecond
	}
	if m.clock == nil {
		m.clock = clock.WallClock
	}
	return m
}

func validName(name string) error {
	if !serviceNameRe.MatchString(name) {
		return fault.Errorf(ErrInvalidRequest, "invalid service name %q", name)
	}
	return nil
}

// installed returns the current status, failing for absent services.
func (m *Manager) installed(ctx context.Context, name string) (inspect.Status, error) {
	if err := validName(name); err != nil {
		return "", err
	}
	status, err := m.state.ServiceStatus(ctx, name)
	if err != nil {
		return "", err
	}
	if status == inspect.NotInstalled {
		return "", fault.Errorf(ErrNotInstalled, "%s is not installed", name)
	}
	return status, nil
}

// SetDesiredState starts or stops name. When the service is already in the
// desired state nothing is executed.
func (m *Manager) SetDesiredState(ctx context.Context, name string, desired inspect.Status) (*Transition, error) {
	var kind broker.Kind
	switch desired {
	case inspect.Running:
		kind = broker.ServiceStart
	case inspect.Stopped:
		kind = broker.ServiceStop
	default:
		return nil, fault.Errorf(ErrInvalidRequest, "cannot request state %q", desired)
	}

	current, err := m.installed(ctx, name)
	if err != nil {
		return nil, err
	}
	t := &Transition{Service: name, From: string(current), To: string(desired)}
	if current == desired {
		logger.Debugf("%s already %s", name, desired)
		return t, nil
	}

	if _, err := m.exec.Execute(ctx, broker.NewAction(kind, name)); err != nil {
		return nil, err
	}
	t.Changed = true

	err = m.confirm(ctx, name, string(desired), func() (bool, error) {
		status, err := m.state.ServiceStatus(ctx, name)
		return status == desired, err
	})
	return t, err
}

// SetAutostart enables or disables name at boot.
func (m *Manager) SetAutostart(ctx context.Context, name string, enabled bool) (*Transition, error) {
	if _, err := m.installed(ctx, name); err != nil {
		return nil, err
	}
	current, err := m.state.Autostart(ctx, name)
	if err != nil {
		return nil, err
	}
	t := &Transition{Service: name, From: autostartLabel(current), To: autostartLabel(enabled)}
	if current == enabled {
		return t, nil
	}

	kind := broker.ServiceDisable
	if enabled {
		kind = broker.ServiceEnable
	}
	if _, err := m.exec.Execute(ctx, broker.NewAction(kind, name)); err != nil {
		return nil, err
	}
	t.Changed = true

	err = m.confirm(ctx, name, t.To, func() (bool, error) {
		auto, err := m.state.Autostart(ctx, name)
		return auto == enabled, err
	})
	return t, err
}

// Restart restarts name and waits for it to be running again. Unlike the
// other calls it always executes, since a restart is not a state.
func (m *Manager) Restart(ctx context.Context, name string) (*Transition, error) {
	current, err := m.installed(ctx, name)
	if err != nil {
		return nil, err
	}
	if _, err := m.exec.Execute(ctx, broker.NewAction(broker.ServiceRestart, name)); err != nil {
		return nil, err
	}
	t := &Transition{Service: name, From: string(current), To: string(inspect.Running), Changed: true}
	err = m.confirm(ctx, name, string(inspect.Running), func() (bool, error) {
		status, err := m.state.ServiceStatus(ctx, name)
		return status == inspect.Running, err
	})
	return t, err
}

// Service returns the aggregate state of one service. Services outside the
// configured list may be queried too.
func (m *Manager) Service(ctx context.Context, name string) (*inspect.ManagedService, error) {
	if err := validName(name); err != nil {
		return nil, err
	}
	return m.state.Service(ctx, name)
}

// Services returns the configured service names.
func (m *Manager) Services() []string {
	return append([]string(nil), m.services...)
}

// List returns the aggregate state of every configured service, in
// configuration order.
func (m *Manager) List(ctx context.Context) ([]*inspect.ManagedService, error) {
	out := make([]*inspect.ManagedService, len(m.services))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, name := range m.services {
		i, name := i, name
		g.Go(func() error {
			svc, err := m.state.Service(gctx, name)
			if err != nil {
				return err
			}
			out[i] = svc
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

var errNotYet = errors.New("not yet")

// confirm re-queries until check holds or the attempts run out.
func (m *Manager) confirm(ctx context.Context, name, want string, check func() (bool, error)) error {
	err := retry.Call(retry.CallArgs{
		Func: func() error {
			ok, err := check()
			if err != nil {
				return err
			}
			if !ok {
				return errNotYet
			}
			return nil
		},
		IsFatalError: func(err error) bool {
			return !errors.Is(err, errNotYet)
		},
		NotifyFunc: func(err error, attempt int) {
			logger.Tracef("waiting for %s to be %s (attempt %d)", name, want, attempt)
		},
		Attempts: m.attempts,
		Delay:    m.delay,
		Clock:    m.clock,
		Stop:     ctx.Done(),
	})
	switch {
	case err == nil:
		return nil
	case retry.IsAttemptsExceeded(err):
		return fault.Errorf(ErrStateTransitionFailed, "%s is not %s after the action completed", name, want)
	case retry.IsRetryStopped(err):
		return fmt.Errorf("stopped waiting for %s: %w", name, ctx.Err())
	}
	return retry.LastError(err)
}

func autostartLabel(enabled bool) string {
	if enabled {
		return "enabled"
	}
	return "disabled"
}
