package broker

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRunner struct {
	mu     sync.Mutex
	argvs  [][]string
	stdins []string
	result RunResult
	lines  []string
	err    error
}

func (r *fakeRunner) Run(argv []string, stdin string, onLine func(string)) (RunResult, error) {
	r.mu.Lock()
	r.argvs = append(r.argvs, argv)
	r.stdins = append(r.stdins, stdin)
	r.mu.Unlock()
	for _, l := range r.lines {
		if onLine != nil {
			onLine(l)
		}
	}
	return r.result, r.err
}

type captureRecorder struct {
	outcomes []*Outcome
	errs     []error
}

func (c *captureRecorder) Record(o *Outcome, err error) {
	c.outcomes = append(c.outcomes, o)
	c.errs = append(c.errs, err)
}

type stubGateway struct {
	unavailable bool
	denyCode    int
}

func (g stubGateway) Name() string { return "stub" }

func (g stubGateway) Available() error {
	if g.unavailable {
		return ErrAuthenticationUnavailable
	}
	return nil
}

func (g stubGateway) Wrap(argv []string) []string { return append([]string{"elevate"}, argv...) }

func (g stubGateway) Classify(code int, _ string) error {
	if g.denyCode != 0 && code == g.denyCode {
		return ErrAuthenticationDenied
	}
	return nil
}

func testPolicy() *Policy {
	p := DefaultPolicy()
	p.StagingRoot = "/tmp"
	return p
}

func TestExecuteRejectsUnknownKind(t *testing.T) {
	run := &fakeRunner{}
	rec := &captureRecorder{}
	b := New(testPolicy(), stubGateway{}, WithRunner(run), WithRecorder(rec))

	_, err := b.Execute(context.Background(), NewAction("shell.exec", "rm -rf /"))

	assert.ErrorIs(t, err, ErrDisallowedAction)
	assert.Empty(t, run.argvs, "nothing may run for a disallowed action")
	require.Len(t, rec.errs, 1)
	assert.ErrorIs(t, rec.errs[0], ErrDisallowedAction)
}

func TestValidateArguments(t *testing.T) {
	p := testPolicy()
	tests := []struct {
		name   string
		action Action
		ok     bool
	}{
		{"service start", NewAction(ServiceStart, "apache2"), true},
		{"service with shell metachar", NewAction(ServiceStart, "apache2;reboot"), false},
		{"service option injection", NewAction(ServiceStop, "--all"), false},
		{"wrong arity", NewAction(ServiceStart, "apache2", "nginx"), false},
		{"package", NewAction(PackageInstall, "php8.2-fpm"), true},
		{"package uppercase", NewAction(PackageInstall, "PHP"), false},
		{"file into sites", NewAction(FileInstall, "/tmp/devstack-1/site.conf", "/etc/apache2/sites-available/demo.test.conf", "0644"), true},
		{"file outside roots", NewAction(FileInstall, "/tmp/devstack-1/x", "/etc/passwd", "0644"), false},
		{"file traversal", NewAction(FileInstall, "/tmp/x", "/etc/apache2/sites-available/../../passwd", "0644"), false},
		{"file at root itself", NewAction(FileRemove, "/etc/nginx/sites-available"), false},
		{"staged outside staging", NewAction(HostsWrite, "/home/me/hosts"), false},
		{"bad mode", NewAction(FileInstall, "/tmp/x", "/etc/nginx/sites-available/a.test", "777"), false},
		{"site enable", NewAction(SiteEnable, EngineNginx, "demo.test"), true},
		{"site unknown engine", NewAction(SiteEnable, "iis", "demo.test"), false},
		{"hostname with slash", NewAction(SiteEnable, EngineApache, "../demo"), false},
		{"cert install", NewAction(CertInstall, "/tmp/s/c.pem", "/tmp/s/k.pem", "demo.test"), true},
		{"db create", NewAction(DBCreate, DBEngineMySQL, "shop", "shop_user", "-s3cret'", "false"), true},
		{"db bad identifier", NewAction(DBCreate, DBEngineMySQL, "shop`;drop", "u", "p", "false"), false},
		{"db password newline", NewAction(DBCreate, DBEnginePostgres, "shop", "u", "a\nb", "false"), false},
		{"db bad flag", NewAction(DBCreate, DBEnginePostgres, "shop", "u", "p", "yes"), false},
		{"db import", NewAction(DBImport, DBEngineMySQL, "shop", "/tmp/devstack-dump-1/dump.sql"), true},
		{"db export outside staging", NewAction(DBExport, DBEngineMySQL, "shop", "/home/me/shop.sql"), false},
		{"db export bad name", NewAction(DBExport, DBEnginePostgres, "shop;x", "/tmp/d/dump.sql"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := p.Validate(tt.action)
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrDisallowedAction)
			}
		})
	}
}

func TestValidateStagedRejectsLinks(t *testing.T) {
	p := testPolicy()
	p.StagingRoot = t.TempDir()
	site := "/etc/nginx/sites-available/demo.test"

	regular := filepath.Join(p.StagingRoot, "devstack-site-1")
	require.NoError(t, os.WriteFile(regular, []byte("server {}\n"), 0600))
	link := filepath.Join(p.StagingRoot, "devstack-site-2")
	require.NoError(t, os.Symlink("/etc/shadow", link))
	linkedDir := filepath.Join(p.StagingRoot, "dir")
	require.NoError(t, os.Symlink("/etc", linkedDir))

	dir := filepath.Join(p.StagingRoot, "d")
	require.NoError(t, os.Mkdir(dir, 0700))

	tests := []struct {
		name   string
		staged string
		ok     bool
	}{
		{"regular file", regular, true},
		{"not staged yet", filepath.Join(p.StagingRoot, "devstack-site-3"), true},
		{"symlink", link, false},
		{"through symlinked directory", filepath.Join(linkedDir, "shadow"), false},
		{"directory", dir, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := p.Validate(NewAction(FileInstall, tt.staged, site, "0644"))
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrDisallowedAction)
			}
		})
	}
}

func TestExecuteWrapsWithGateway(t *testing.T) {
	run := &fakeRunner{result: RunResult{Stdout: "ok\n"}}
	b := New(testPolicy(), stubGateway{}, WithRunner(run))

	out, err := b.Execute(context.Background(), NewAction(ServiceStart, "nginx"))

	require.NoError(t, err)
	require.Len(t, run.argvs, 1)
	assert.Equal(t, []string{"elevate", "systemctl", "start", "nginx"}, run.argvs[0])
	assert.Equal(t, "stub", out.Gateway)
	assert.Equal(t, "elevate systemctl start nginx", out.Command)
	assert.NotEmpty(t, out.ID)
}

func TestExecuteAuthenticationDenied(t *testing.T) {
	run := &fakeRunner{result: RunResult{ExitCode: 126}}
	b := New(testPolicy(), stubGateway{denyCode: 126}, WithRunner(run))

	_, err := b.Execute(context.Background(), NewAction(ServiceStop, "mysql"))

	assert.ErrorIs(t, err, ErrAuthenticationDenied)
	assert.NotErrorIs(t, err, ErrCommandFailed)
	assert.Len(t, run.argvs, 1, "the broker never retries")
}

func TestExecuteAuthenticationUnavailable(t *testing.T) {
	run := &fakeRunner{}
	b := New(testPolicy(), stubGateway{unavailable: true}, WithRunner(run))

	_, err := b.Execute(context.Background(), NewAction(ServiceStop, "mysql"))

	assert.ErrorIs(t, err, ErrAuthenticationUnavailable)
	assert.Empty(t, run.argvs)
}

func TestExecuteGatewayBinaryMissing(t *testing.T) {
	run := &fakeRunner{err: &exec.Error{Name: "elevate", Err: exec.ErrNotFound}}
	b := New(testPolicy(), stubGateway{}, WithRunner(run))

	_, err := b.Execute(context.Background(), NewAction(ServiceStop, "mysql"))

	assert.ErrorIs(t, err, ErrAuthenticationUnavailable)
}

func TestExecuteCommandFailedCarriesDiagnostic(t *testing.T) {
	run := &fakeRunner{result: RunResult{ExitCode: 1, Stderr: "Job for nginx.service failed.\n"}}
	rec := &captureRecorder{}
	b := New(testPolicy(), stubGateway{}, WithRunner(run), WithRecorder(rec))

	_, err := b.Execute(context.Background(), NewAction(ServiceStart, "nginx"))

	require.ErrorIs(t, err, ErrCommandFailed)
	var cmdErr *CommandError
	require.True(t, errors.As(err, &cmdErr))
	assert.Equal(t, 1, cmdErr.Outcome.ExitCode)
	assert.Equal(t, "Job for nginx.service failed.", Diagnostic(err))
	require.Len(t, rec.outcomes, 1)
	assert.Equal(t, 1, rec.outcomes[0].ExitCode)
}

func TestExecuteHonoursCancelledContextBeforeDispatch(t *testing.T) {
	run := &fakeRunner{}
	b := New(testPolicy(), stubGateway{}, WithRunner(run))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := b.Execute(ctx, NewAction(ServiceStart, "nginx"))

	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, run.argvs)
}

func TestExecuteStreamsLines(t *testing.T) {
	run := &fakeRunner{lines: []string{"Reading package lists...", "Setting up redis-server"}}
	b := New(testPolicy(), stubGateway{}, WithRunner(run))

	var got []string
	_, err := b.Execute(context.Background(), NewAction(PackageInstall, "redis-server"),
		WithLineHandler(func(l string) { got = append(got, l) }))

	require.NoError(t, err)
	assert.Equal(t, run.lines, got)
}

func TestRecorderNeverSeesSecrets(t *testing.T) {
	run := &fakeRunner{}
	rec := &captureRecorder{}
	b := New(testPolicy(), stubGateway{}, WithRunner(run), WithRecorder(rec))

	_, err := b.Execute(context.Background(), NewAction(DBCreate, DBEngineMySQL, "shop", "shop", "hunter2", "false"))

	require.NoError(t, err)
	require.Len(t, rec.outcomes, 1)
	assert.NotContains(t, strings.Join(rec.outcomes[0].Action.Args, " "), "hunter2")
	assert.NotContains(t, rec.outcomes[0].Command, "hunter2")
	for _, a := range run.argvs[0] {
		assert.NotContains(t, a, "hunter2", "passwords travel on stdin only")
	}
	assert.Contains(t, run.stdins[0], "IDENTIFIED BY 'hunter2'")
}
