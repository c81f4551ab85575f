package app

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/blackwell-systems/devstack/internal/broker"
	"github.com/blackwell-systems/devstack/internal/broker/brokertest"
	"github.com/blackwell-systems/devstack/internal/config"
	"github.com/blackwell-systems/devstack/internal/inspect"
)

// testEnv is an isolated home directory with a config file whose managed
// paths all live under root, plus fakes for the broker and systemd.
type testEnv struct {
	root  string
	fake  *brokertest.Fake
	units *fakeUnits
	pkgs  *fakePackages
}

// setupTestEnv points HOME and XDG_CONFIG_HOME at a temp dir, writes a
// config there and swaps the process hooks for fakes. Everything is put
// back when the test ends.
func setupTestEnv(t *testing.T) *testEnv {
	t.Helper()
	root := t.TempDir()
	t.Setenv("HOME", root)
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(root, ".config"))

	oldDB, oldConfig, oldLevel, oldYes := dbPath, configFile, logLevel, assumeYes
	oldExec, oldGateway, oldInspector, oldConfirm, oldLook := newExecutor, newGateway, newInspector, confirmPrompt, lookPath
	t.Cleanup(func() {
		dbPath, configFile, logLevel, assumeYes = oldDB, oldConfig, oldLevel, oldYes
		newExecutor, newGateway, newInspector, confirmPrompt, lookPath = oldExec, oldGateway, oldInspector, oldConfirm, oldLook
		loadedConfig, configUsed = nil, ""
	})
	dbPath, configFile, logLevel, assumeYes = "", "", "", false
	loadedConfig, configUsed = nil, ""

	for _, dir := range []string{
		"apache2/sites-available", "apache2/sites-enabled", "apache2/mods-enabled",
		"nginx/sites-available", "nginx/sites-enabled",
		"etc", "ssl/certs", "ssl/private", "ca-certificates", "staging", "projects",
	} {
		if err := os.MkdirAll(filepath.Join(root, dir), 0755); err != nil {
			t.Fatalf("MkdirAll %s: %v", dir, err)
		}
	}
	if err := os.WriteFile(filepath.Join(root, "etc", "hosts"), []byte("127.0.0.1 localhost\n"), 0644); err != nil {
		t.Fatalf("WriteFile hosts: %v", err)
	}

	cfgDir := filepath.Join(root, ".config", "devstack")
	if err := os.MkdirAll(cfgDir, 0755); err != nil {
		t.Fatalf("MkdirAll config: %v", err)
	}
	if err := os.WriteFile(filepath.Join(cfgDir, "config.yaml"), []byte(testConfig(root)), 0644); err != nil {
		t.Fatalf("WriteFile config: %v", err)
	}

	env := &testEnv{
		root:  root,
		fake:  brokertest.New(),
		units: newFakeUnits(),
		pkgs:  &fakePackages{versions: map[string]string{"nginx": "1.24.0-2ubuntu7"}},
	}
	env.fake.Default = brokertest.Do(env.units.apply)
	newExecutor = func(cfg *config.Config, policy *broker.Policy, rec broker.Recorder) (broker.Executor, error) {
		return env.fake, nil
	}
	newGateway = func(mode string) (broker.Gateway, error) {
		if mode != "direct" {
			return broker.NewGateway(mode)
		}
		return fakeGateway{}, nil
	}
	newInspector = func(cfg *config.Config) *inspect.Inspector {
		return inspect.New(env.units, noSockets{}, env.pkgs, cfg.Ports)
	}
	confirmPrompt = func(title, description string, assumeYes bool) (bool, error) {
		return true, nil
	}
	lookPath = func(file string) (string, error) {
		return "/usr/bin/" + file, nil
	}
	return env
}

func testConfig(root string) string {
	return fmt.Sprintf(`projects_root: %[1]s/projects
escalation: direct
services: [nginx, mysql, redis-server]
paths:
  apache_sites: %[1]s/apache2/sites-available
  apache_enabled: %[1]s/apache2/sites-enabled
  apache_modules: %[1]s/apache2/mods-enabled
  nginx_sites: %[1]s/nginx/sites-available
  nginx_enabled: %[1]s/nginx/sites-enabled
  hosts_file: %[1]s/etc/hosts
  cert_dir: %[1]s/ssl/certs
  key_dir: %[1]s/ssl/private
  trust_dir: %[1]s/ca-certificates
  staging_dir: %[1]s/staging
confirm:
  attempts: 3
  delay: 1ms
`, root)
}

// fakeUnits is a systemd stand-in that service actions mutate.
type fakeUnits struct {
	mu    sync.Mutex
	units map[string]inspect.UnitState
}

func newFakeUnits() *fakeUnits {
	return &fakeUnits{units: map[string]inspect.UnitState{
		"nginx": {LoadState: "loaded", ActiveState: "active", UnitFileState: "enabled", MainPID: 812},
		"mysql": {LoadState: "loaded", ActiveState: "inactive", UnitFileState: "disabled"},
	}}
}

func (f *fakeUnits) UnitState(_ context.Context, name string) (inspect.UnitState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if u, ok := f.units[name]; ok {
		return u, nil
	}
	return inspect.UnitState{LoadState: "not-found"}, nil
}

func (f *fakeUnits) apply(a broker.Action) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(a.Args) == 0 {
		return nil
	}
	name := a.Args[0]
	u, ok := f.units[name]
	if !ok {
		return nil
	}
	switch a.Kind {
	case broker.ServiceStart, broker.ServiceRestart:
		u.ActiveState = "active"
	case broker.ServiceStop:
		u.ActiveState = "inactive"
		u.MainPID = 0
	case broker.ServiceEnable:
		u.UnitFileState = "enabled"
	case broker.ServiceDisable:
		u.UnitFileState = "disabled"
	}
	f.units[name] = u
	return nil
}

// fakeGateway stands in for "direct" so tests need not run as root.
type fakeGateway struct{}

func (fakeGateway) Name() string                { return "direct" }
func (fakeGateway) Available() error            { return nil }
func (fakeGateway) Wrap(argv []string) []string { return argv }
func (fakeGateway) Classify(int, string) error  { return nil }

type noSockets struct{}

func (noSockets) Listening() ([]inspect.Socket, error) { return nil, nil }

// fakePackages is a dpkg stand-in holding installed versions by id.
type fakePackages struct {
	mu       sync.Mutex
	versions map[string]string
}

func (f *fakePackages) set(id, version string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if version == "" {
		delete(f.versions, id)
		return
	}
	f.versions[id] = version
}

func (f *fakePackages) Installed(_ context.Context, id string) (bool, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.versions[id]
	return ok, v, nil
}

func (f *fakePackages) Available(_ context.Context, ids []string) (map[string]bool, error) {
	avail := make(map[string]bool, len(ids))
	for _, id := range ids {
		avail[id] = true
	}
	return avail, nil
}

// captureStdout runs f with os.Stdout redirected and returns what it wrote.
func captureStdout(t *testing.T, f func()) string {
	t.Helper()
	origStdout := os.Stdout
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe: %v", err)
	}
	os.Stdout = w

	done := make(chan string)
	go func() {
		var buf bytes.Buffer
		buf.ReadFrom(r)
		done <- buf.String()
	}()

	defer func() { os.Stdout = origStdout }()
	f()
	w.Close()
	return <-done
}
