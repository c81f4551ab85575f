// Package broker is the single gateway through which devstack performs
// privileged work.
//
// Callers describe what they want as an Action drawn from a closed set of
// kinds; the broker validates the arguments, renders the command itself,
// runs it through the configured authentication Gateway and reports the
// result. Every Execute call is exactly one authentication request and one
// process. Nothing is retried.
package broker

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"github.com/kballard/go-shellquote"
)

var logger = loggo.GetLogger("devstack.broker")

// Executor is what managers depend on. *Broker implements it; tests
// substitute a recording fake.
type Executor interface {
	Execute(ctx context.Context, a Action, opts ...ExecOption) (*Outcome, error)
}

// Outcome describes one finished privileged command.
type Outcome struct {
	ID       string
	Action   Action
	Gateway  string
	Command  string // rendered command with secrets masked
	ExitCode int
	Stdout   string
	Stderr   string
	Started  time.Time
	Duration time.Duration
}

// Diagnostic returns the most useful captured output: stderr when present,
// otherwise stdout.
func (o *Outcome) Diagnostic() string {
	if s := strings.TrimSpace(o.Stderr); s != "" {
		return s
	}
	return strings.TrimSpace(o.Stdout)
}

// Recorder observes every execution that reached the gateway or was
// rejected by validation.
type Recorder interface {
	Record(o *Outcome, err error)
}

// MultiRecorder fans a record out to several recorders.
type MultiRecorder []Recorder

func (m MultiRecorder) Record(o *Outcome, err error) {
	for _, r := range m {
		if r != nil {
			r.Record(o, err)
		}
	}
}

// ExecOptions are per-call settings.
type ExecOptions struct {
	// OnLine receives each output line while the command runs.
	OnLine func(line string)
}

// ExecOption adjusts ExecOptions.
type ExecOption func(*ExecOptions)

// WithLineHandler streams output lines to fn.
func WithLineHandler(fn func(line string)) ExecOption {
	return func(o *ExecOptions) { o.OnLine = fn }
}

// NewExecOptions applies opts to a zero ExecOptions.
func NewExecOptions(opts ...ExecOption) ExecOptions {
	var o ExecOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Broker validates and runs privileged actions.
type Broker struct {
	policy   *Policy
	gateway  Gateway
	runner   Runner
	recorder Recorder
	now      func() time.Time
}

// Option configures a Broker.
type Option func(*Broker)

// WithRunner replaces the process runner.
func WithRunner(r Runner) Option {
	return func(b *Broker) { b.runner = r }
}

// WithRecorder attaches a recorder that sees every execution.
func WithRecorder(r Recorder) Option {
	return func(b *Broker) { b.recorder = r }
}

// New returns a Broker bound to policy and gateway.
func New(policy *Policy, gateway Gateway, opts ...Option) *Broker {
	b := &Broker{
		policy:  policy,
		gateway: gateway,
		runner:  ExecRunner{},
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Policy returns the policy the broker enforces.
func (b *Broker) Policy() *Policy {
	return b.policy
}

// Gateway returns the authentication gateway in use.
func (b *Broker) Gateway() Gateway {
	return b.gateway
}

// Execute performs a. ctx is only consulted before the command starts.
func (b *Broker) Execute(ctx context.Context, a Action, opts ...ExecOption) (*Outcome, error) {
	o := &Outcome{
		ID:      uuid.NewString(),
		Action:  Action{Kind: a.Kind, Args: Redacted(a)},
		Gateway: b.gateway.Name(),
		Started: b.now(),
	}

	if err := b.policy.Validate(a); err != nil {
		logger.Warningf("rejected %s: %v", a.Kind, err)
		b.record(o, err)
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, errors.Trace(err)
	}
	if err := b.gateway.Available(); err != nil {
		b.record(o, err)
		return nil, err
	}

	cmd := kinds[a.Kind].build(b.policy, a.Args)
	full := b.gateway.Wrap(cmd.argv)
	o.Command = shellquote.Join(full...)
	if cmd.stdin != "" {
		o.Command += " <<stdin"
	}
	logger.Debugf("dispatching %s via %s: %s", a.Kind, o.Gateway, strings.Join(o.Action.Args, " "))

	options := NewExecOptions(opts...)
	res, runErr := b.runner.Run(full, cmd.stdin, options.OnLine)
	o.Duration = b.now().Sub(o.Started)
	if runErr != nil {
		o.ExitCode = -1
		o.Stderr = runErr.Error()
		var err error = &CommandError{Outcome: o}
		if errors.Is(runErr, exec.ErrNotFound) && full[0] != cmd.argv[0] {
			err = fmt.Errorf("%w: %s not found", ErrAuthenticationUnavailable, full[0])
		}
		b.record(o, err)
		return nil, err
	}
	o.ExitCode = res.ExitCode
	o.Stdout = res.Stdout
	o.Stderr = res.Stderr

	if res.ExitCode != 0 {
		err := b.gateway.Classify(res.ExitCode, res.Stderr)
		if err == nil {
			err = &CommandError{Outcome: o}
		}
		logger.Infof("%s failed after %v: %v", a.Kind, o.Duration.Round(time.Millisecond), err)
		b.record(o, err)
		return nil, err
	}

	logger.Infof("%s completed in %v", a.Kind, o.Duration.Round(time.Millisecond))
	b.record(o, nil)
	return o, nil
}

func (b *Broker) record(o *Outcome, err error) {
	if b.recorder != nil {
		b.recorder.Record(o, err)
	}
}
