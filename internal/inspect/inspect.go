// Package inspect answers read-only questions about the machine: whether a
// service is running, which ports it listens on, whether a package is
// installed. Every answer is computed fresh; nothing is cached and no
// privilege is required.
package inspect

import (
	"context"
	"fmt"

	"github.com/juju/collections/set"
	"github.com/juju/loggo/v2"
)

var logger = loggo.GetLogger("devstack.inspect")

// Status is the run state of a managed service.
type Status string

const (
	Running      Status = "running"
	Stopped      Status = "stopped"
	NotInstalled Status = "not-installed"
)

// UnitState is the raw systemd view of one unit.
type UnitState struct {
	LoadState     string // "loaded", "not-found", "masked", ...
	ActiveState   string // "active", "inactive", "failed", ...
	SubState      string
	UnitFileState string // "enabled", "disabled", "static", ...
	MainPID       uint32
	ControlGroup  string
}

// Status maps the raw unit state onto Status.
func (u UnitState) Status() Status {
	switch {
	case u.LoadState == "not-found" || u.LoadState == "":
		return NotInstalled
	case u.ActiveState == "active" || u.ActiveState == "reloading":
		return Running
	default:
		return Stopped
	}
}

// Autostart reports whether the unit starts at boot.
func (u UnitState) Autostart() bool {
	switch u.UnitFileState {
	case "enabled", "enabled-runtime", "alias":
		return true
	}
	return false
}

// UnitSource reads unit state from the service manager.
type UnitSource interface {
	UnitState(ctx context.Context, unit string) (UnitState, error)
}

// Socket is one listening TCP socket.
type Socket struct {
	Port  int
	Inode uint32
	UID   uint32
}

// PortTable lists listening TCP sockets.
type PortTable interface {
	Listening() ([]Socket, error)
}

// PackageDB answers package questions.
type PackageDB interface {
	Installed(ctx context.Context, id string) (bool, string, error)
	Available(ctx context.Context, ids []string) (map[string]bool, error)
}

// ManagedService is the aggregate view of one service, recomputed on every
// query.
type ManagedService struct {
	Name      string `json:"name"`
	Status    Status `json:"status"`
	Autostart bool   `json:"autostart"`
	Ports     []int  `json:"ports"`
	MainPID   uint32 `json:"main_pid,omitempty"`
}

// Inspector combines the unit, port and package sources.
type Inspector struct {
	units      UnitSource
	ports      PortTable
	packages   PackageDB
	knownPorts map[string][]int
	procRoot   string
	cgroupRoot string
}

// New returns an Inspector over explicit sources. knownPorts lists the
// well-known ports per service used when socket ownership cannot be read.
func New(units UnitSource, ports PortTable, packages PackageDB, knownPorts map[string][]int) *Inspector {
	return &Inspector{
		units:      units,
		ports:      ports,
		packages:   packages,
		knownPorts: knownPorts,
		procRoot:   "/proc",
		cgroupRoot: "/sys/fs/cgroup",
	}
}

// NewSystem returns an Inspector backed by systemd over D-Bus, the kernel
// socket table and dpkg.
func NewSystem(knownPorts map[string][]int) *Inspector {
	return New(SystemdBus{}, NetlinkTable{}, Dpkg{}, knownPorts)
}

// ServiceStatus returns the run state of name. An unknown unit is reported
// as NotInstalled, not as an error.
func (i *Inspector) ServiceStatus(ctx context.Context, name string) (Status, error) {
	state, err := i.units.UnitState(ctx, name)
	if err != nil {
		return "", fmt.Errorf("failed to query %s: %w", name, err)
	}
	return state.Status(), nil
}

// Autostart reports whether name is enabled at boot. Absent units are not.
func (i *Inspector) Autostart(ctx context.Context, name string) (bool, error) {
	state, err := i.units.UnitState(ctx, name)
	if err != nil {
		return false, fmt.Errorf("failed to query %s: %w", name, err)
	}
	return state.Autostart(), nil
}

// ListeningPorts returns the TCP ports name is listening on, ascending. A
// stopped or absent service listens on nothing.
func (i *Inspector) ListeningPorts(ctx context.Context, name string) ([]int, error) {
	state, err := i.units.UnitState(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", name, err)
	}
	return i.portsFor(name, state)
}

func (i *Inspector) portsFor(name string, state UnitState) ([]int, error) {
	if state.Status() != Running {
		return []int{}, nil
	}
	sockets, err := i.ports.Listening()
	if err != nil {
		return nil, fmt.Errorf("failed to list sockets: %w", err)
	}

	owned := set.NewInts()
	if inodes := i.unitSocketInodes(state); len(inodes) > 0 {
		for _, s := range sockets {
			if inodes[s.Inode] {
				owned.Add(s.Port)
			}
		}
	}
	if owned.Size() > 0 {
		return owned.SortedValues(), nil
	}

	// Socket ownership is unreadable for services run by another user;
	// fall back to the configured ports that are actually listening.
	listening := set.NewInts()
	for _, s := range sockets {
		listening.Add(s.Port)
	}
	known := set.NewInts(i.knownPorts[name]...)
	return known.Intersection(listening).SortedValues(), nil
}

// PackageInstalled reports whether the package id is installed and, if so,
// its version.
func (i *Inspector) PackageInstalled(ctx context.Context, id string) (bool, string, error) {
	installed, version, err := i.packages.Installed(ctx, id)
	if err != nil {
		return false, "", fmt.Errorf("failed to query package %s: %w", id, err)
	}
	return installed, version, nil
}

// PackagesAvailable reports which ids have an installation candidate.
func (i *Inspector) PackagesAvailable(ctx context.Context, ids []string) (map[string]bool, error) {
	if len(ids) == 0 {
		return map[string]bool{}, nil
	}
	avail, err := i.packages.Available(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to query package candidates: %w", err)
	}
	return avail, nil
}

// Service returns the aggregate record for name.
func (i *Inspector) Service(ctx context.Context, name string) (*ManagedService, error) {
	state, err := i.units.UnitState(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", name, err)
	}
	svc := &ManagedService{
		Name:      name,
		Status:    state.Status(),
		Autostart: state.Autostart(),
		MainPID:   state.MainPID,
		Ports:     []int{},
	}
	if svc.Status == Running {
		ports, err := i.portsFor(name, state)
		if err != nil {
			logger.Debugf("ports for %s unavailable: %v", name, err)
		} else {
			svc.Ports = ports
		}
	}
	return svc, nil
}
