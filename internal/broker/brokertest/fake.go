// Package brokertest provides a recording broker.Executor for tests.
package brokertest

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/blackwell-systems/devstack/internal/broker"
)

// Handler produces the result of one fake execution.
type Handler func(a broker.Action, opts broker.ExecOptions) (*broker.Outcome, error)

// Fake records every action it is asked to execute. Handlers registered
// with On are consumed in order per kind; the last one stays in place.
type Fake struct {
	// Policy, when set, validates actions the way the real broker does.
	Policy *broker.Policy

	// Default handles kinds with no registered handler. Nil means succeed.
	Default Handler

	mu       sync.Mutex
	calls    []broker.Action
	handlers map[broker.Kind][]Handler
}

// New returns an empty Fake.
func New() *Fake {
	return &Fake{handlers: make(map[broker.Kind][]Handler)}
}

// On queues h for kind.
func (f *Fake) On(kind broker.Kind, h Handler) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[kind] = append(f.handlers[kind], h)
	return f
}

// Execute implements broker.Executor.
func (f *Fake) Execute(ctx context.Context, a broker.Action, opts ...broker.ExecOption) (*broker.Outcome, error) {
	if f.Policy != nil {
		if err := f.Policy.Validate(a); err != nil {
			return nil, err
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f.mu.Lock()
	f.calls = append(f.calls, broker.Action{Kind: a.Kind, Args: append([]string(nil), a.Args...)})
	h := f.Default
	if queue := f.handlers[a.Kind]; len(queue) > 0 {
		h = queue[0]
		if len(queue) > 1 {
			f.handlers[a.Kind] = queue[1:]
		}
	}
	f.mu.Unlock()

	if h == nil {
		h = Succeed("")
	}
	return h(a, broker.NewExecOptions(opts...))
}

// Calls returns every action executed so far.
func (f *Fake) Calls() []broker.Action {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]broker.Action(nil), f.calls...)
}

// Kinds returns the kinds executed so far, in order.
func (f *Fake) Kinds() []broker.Kind {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]broker.Kind, len(f.calls))
	for i, c := range f.calls {
		out[i] = c.Kind
	}
	return out
}

// Count returns how many times kind was executed.
func (f *Fake) Count(kind broker.Kind) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c.Kind == kind {
			n++
		}
	}
	return n
}

// Outcome builds a finished outcome for a.
func Outcome(a broker.Action, exitCode int, stdout, stderr string) *broker.Outcome {
	return &broker.Outcome{
		ID:       fmt.Sprintf("fake-%s", a.Kind),
		Action:   a,
		Gateway:  "fake",
		ExitCode: exitCode,
		Stdout:   stdout,
		Stderr:   stderr,
	}
}

// Succeed returns a handler that exits 0 with stdout.
func Succeed(stdout string) Handler {
	return func(a broker.Action, _ broker.ExecOptions) (*broker.Outcome, error) {
		return Outcome(a, 0, stdout, ""), nil
	}
}

// Fail returns a handler that exits with code and stderr.
func Fail(code int, stderr string) Handler {
	return func(a broker.Action, _ broker.ExecOptions) (*broker.Outcome, error) {
		return nil, &broker.CommandError{Outcome: Outcome(a, code, "", stderr)}
	}
}

// Deny returns a handler that simulates a dismissed authentication prompt.
func Deny() Handler {
	return func(broker.Action, broker.ExecOptions) (*broker.Outcome, error) {
		return nil, broker.ErrAuthenticationDenied
	}
}

// Stream returns a handler that emits lines to the line handler and then
// delegates to next.
func Stream(lines []string, next Handler) Handler {
	return func(a broker.Action, opts broker.ExecOptions) (*broker.Outcome, error) {
		for _, l := range lines {
			if opts.OnLine != nil {
				opts.OnLine(l)
			}
		}
		return next(a, opts)
	}
}

// Do returns a handler that runs fn and then succeeds, or fails with fn's
// error as a command failure.
func Do(fn func(a broker.Action) error) Handler {
	return func(a broker.Action, _ broker.ExecOptions) (*broker.Outcome, error) {
		if err := fn(a); err != nil {
			return nil, &broker.CommandError{Outcome: Outcome(a, 1, "", err.Error())}
		}
		return Outcome(a, 0, "", ""), nil
	}
}

// Materialize returns a default handler that applies the filesystem effect
// of file, hosts, site and certificate actions under p's directories, so a
// test can point p at a temporary tree and inspect the result.
func Materialize(p *broker.Policy) Handler {
	return Do(func(a broker.Action) error {
		switch a.Kind {
		case broker.FileInstall:
			return copyFile(a.Args[0], a.Args[1])
		case broker.FileRemove:
			return removeIfExists(a.Args[0])
		case broker.HostsWrite:
			return copyFile(a.Args[0], p.HostsFile)
		case broker.CertInstall:
			if err := copyFile(a.Args[0], p.CertPath(a.Args[2])); err != nil {
				return err
			}
			return copyFile(a.Args[1], p.KeyPath(a.Args[2]))
		case broker.CertRemove:
			if err := removeIfExists(p.CertPath(a.Args[0])); err != nil {
				return err
			}
			return removeIfExists(p.KeyPath(a.Args[0]))
		case broker.CertTrust:
			return copyFile(p.CertPath(a.Args[0]), p.TrustPath(a.Args[0]))
		case broker.CertUntrust:
			return removeIfExists(p.TrustPath(a.Args[0]))
		case broker.SiteEnable:
			site := p.Sites[a.Args[0]]
			if err := os.MkdirAll(site.Enabled, 0755); err != nil {
				return err
			}
			link := site.EnabledLink(a.Args[1])
			_ = os.Remove(link)
			return os.Symlink(site.SiteFile(a.Args[1]), link)
		case broker.ApacheModule:
			dir := p.Sites[broker.EngineApache].Modules
			if err := os.MkdirAll(dir, 0755); err != nil {
				return err
			}
			return os.WriteFile(filepath.Join(dir, a.Args[0]+".load"), nil, 0644)
		case broker.SiteDisable:
			return removeIfExists(p.Sites[a.Args[0]].EnabledLink(a.Args[1]))
		}
		return nil
	})
}

func copyFile(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func removeIfExists(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// TempPolicy returns a policy whose every directory lives under root.
func TempPolicy(root string) *broker.Policy {
	p := &broker.Policy{
		StagingRoot: filepath.Join(root, "staging"),
		HostsFile:   filepath.Join(root, "etc", "hosts"),
		Sites: map[string]broker.SitePaths{
			broker.EngineApache: {
				Available: filepath.Join(root, "apache2", "sites-available"),
				Enabled:   filepath.Join(root, "apache2", "sites-enabled"),
				Service:   "apache2",
				Suffix:    ".conf",
				Modules:   filepath.Join(root, "apache2", "mods-enabled"),
			},
			broker.EngineNginx: {
				Available: filepath.Join(root, "nginx", "sites-available"),
				Enabled:   filepath.Join(root, "nginx", "sites-enabled"),
				Service:   "nginx",
			},
		},
		CertDir:  filepath.Join(root, "ssl", "certs"),
		KeyDir:   filepath.Join(root, "ssl", "private"),
		TrustDir: filepath.Join(root, "ca-certificates"),
	}
	p.WritableRoots = p.DefaultWritableRoots()
	for _, dir := range []string{p.StagingRoot, filepath.Dir(p.HostsFile)} {
		_ = os.MkdirAll(dir, 0755)
	}
	return p
}
