package packages

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/juju/loggo/v2"

	"github.com/blackwell-systems/devstack/internal/broker"
	"github.com/blackwell-systems/devstack/internal/fault"
)

var logger = loggo.GetLogger("devstack.packages")

// streamBuffer is how many undelivered events a stream holds.
const streamBuffer = 64

// Op is the transaction an event belongs to.
type Op string

const (
	OpInstall Op = "install"
	OpRemove  Op = "remove"
)

// EventType classifies progress events.
type EventType string

const (
	Started   EventType = "started"
	Progress  EventType = "progress"
	Succeeded EventType = "succeeded"
	Failed    EventType = "failed"
)

// Event is one step of a package transaction. A stream always ends with
// exactly one Succeeded or Failed event.
type Event struct {
	Type    EventType `json:"type"`
	Op      Op        `json:"op"`
	ID      string    `json:"id"`
	Line    string    `json:"line,omitempty"`    // Progress
	Version string    `json:"version,omitempty"` // Succeeded install
	Skipped bool      `json:"skipped,omitempty"` // already in the desired state
	Err     error     `json:"-"`                 // Failed
}

// PackageState reports whether a package is installed.
type PackageState interface {
	PackageInstalled(ctx context.Context, id string) (bool, string, error)
}

// Installer runs install and remove transactions strictly one after the
// other, in the order they were requested.
type Installer struct {
	exec    broker.Executor
	state   PackageState
	catalog *Catalog

	mu   sync.Mutex
	tail chan struct{} // closed when the last queued transaction finishes
}

// NewInstaller returns an Installer. A nil catalog accepts any package id
// the broker accepts.
func NewInstaller(exec broker.Executor, state PackageState, catalog *Catalog) *Installer {
	return &Installer{exec: exec, state: state, catalog: catalog}
}

// Install queues installation of id and returns its event stream.
func (i *Installer) Install(ctx context.Context, id string) <-chan Event {
	return i.submit(ctx, OpInstall, id)
}

// Remove queues removal of id and returns its event stream.
func (i *Installer) Remove(ctx context.Context, id string) <-chan Event {
	return i.submit(ctx, OpRemove, id)
}

// submit enqueues a transaction. Cancelling ctx stops event delivery; a
// queued or running transaction still runs to completion. Progress lines
// that do not fit the stream buffer are dropped, and the next transaction
// may start before the final event has been read.
func (i *Installer) submit(ctx context.Context, op Op, id string) <-chan Event {
	events := make(chan Event, streamBuffer)

	i.mu.Lock()
	prev := i.tail
	done := make(chan struct{})
	i.tail = done
	i.mu.Unlock()

	go func() {
		defer close(events)
		if prev != nil {
			<-prev
		}

		var dropped atomic.Int64
		emit := func(ev Event) {
			ev.Op, ev.ID = op, id
			select {
			case events <- ev:
			default:
				dropped.Add(1)
			}
		}
		final := i.run(context.WithoutCancel(ctx), op, id, emit)
		close(done)

		if n := dropped.Load(); n > 0 {
			logger.Debugf("%s %s: %d progress lines not delivered", op, id, n)
		}
		final.Op, final.ID = op, id
		select {
		case events <- final:
		case <-ctx.Done():
		}
	}()
	return events
}

// run performs one transaction, passing intermediate events to emit, and
// returns the final Succeeded or Failed event.
func (i *Installer) run(ctx context.Context, op Op, id string, emit func(Event)) Event {
	if i.catalog != nil {
		if _, ok := i.catalog.Lookup(id); !ok {
			return Event{Type: Failed, Err: fault.Errorf(ErrUnknownPackage, "%s", id)}
		}
	}

	installed, version, err := i.state.PackageInstalled(ctx, id)
	if err != nil {
		return Event{Type: Failed, Err: err}
	}
	if (op == OpInstall) == installed {
		return Event{Type: Succeeded, Version: version, Skipped: true}
	}

	emit(Event{Type: Started})
	kind := broker.PackageInstall
	if op == OpRemove {
		kind = broker.PackageRemove
	}
	_, err = i.exec.Execute(ctx, broker.NewAction(kind, id), broker.WithLineHandler(func(line string) {
		emit(Event{Type: Progress, Line: line})
	}))
	if err != nil {
		logger.Warningf("%s %s failed: %v", op, id, err)
		return Event{Type: Failed, Err: err}
	}

	installed, version, err = i.state.PackageInstalled(ctx, id)
	if err != nil {
		return Event{Type: Failed, Err: err}
	}
	if (op == OpInstall) != installed {
		return Event{Type: Failed, Err: fault.Errorf(fault.StateTransitionFailed, "%s %s finished but the package state did not change", op, id)}
	}
	logger.Infof("%s %s done", op, id)
	return Event{Type: Succeeded, Version: version}
}

// Wait drains events, passing each to fn if it is not nil, and returns the
// error of the final Failed event.
func Wait(events <-chan Event, fn func(Event)) error {
	var err error
	for ev := range events {
		if fn != nil {
			fn(ev)
		}
		if ev.Type == Failed {
			err = ev.Err
		}
	}
	return err
}
