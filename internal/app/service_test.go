package app

import (
	"errors"
	"strings"
	"testing"

	"github.com/blackwell-systems/devstack/internal/broker"
	"github.com/spf13/cobra"
)

func serviceSubcommand(t *testing.T, name string) *cobra.Command {
	t.Helper()
	for _, c := range serviceCmd.Commands() {
		if c.Name() == name {
			return c
		}
	}
	t.Fatalf("service %s not registered", name)
	return nil
}

func TestServiceSubcommands(t *testing.T) {
	for _, name := range []string{"list", "status", "logs", "start", "stop", "restart", "enable", "disable"} {
		serviceSubcommand(t, name)
	}
	if f := serviceLogsCmd.Flags().Lookup("lines"); f == nil || f.DefValue != "50" {
		t.Error("expected logs --lines to default to 50")
	}
}

func TestServiceStart_ChangesState(t *testing.T) {
	env := setupTestEnv(t)

	cmd := serviceSubcommand(t, "start")
	var err error
	out := captureStdout(t, func() {
		err = cmd.RunE(cmd, []string{"mysql"})
	})
	if err != nil {
		t.Fatalf("start mysql: %v", err)
	}
	if !strings.Contains(out, "mysql: stopped → running") {
		t.Errorf("expected transition line, got %q", out)
	}
	if env.fake.Count(broker.ServiceStart) != 1 {
		t.Errorf("expected one service.start action, got kinds %v", env.fake.Kinds())
	}
}

func TestServiceStart_AlreadyRunningIsNoChange(t *testing.T) {
	env := setupTestEnv(t)

	cmd := serviceSubcommand(t, "start")
	var err error
	out := captureStdout(t, func() {
		err = cmd.RunE(cmd, []string{"nginx"})
	})
	if !errors.Is(err, ErrNoChange) {
		t.Fatalf("expected ErrNoChange, got %v", err)
	}
	if !strings.Contains(out, "nginx is already running") {
		t.Errorf("expected already-running message, got %q", out)
	}
	if n := len(env.fake.Calls()); n != 0 {
		t.Errorf("expected no privileged actions, got %d", n)
	}
}

func TestServiceEnable_ResolvesAlias(t *testing.T) {
	env := setupTestEnv(t)
	env.units.units["redis-server"] = env.units.units["mysql"]

	cmd := serviceSubcommand(t, "enable")
	var err error
	captureStdout(t, func() {
		err = cmd.RunE(cmd, []string{"redis"})
	})
	if err != nil {
		t.Fatalf("enable redis: %v", err)
	}
	calls := env.fake.Calls()
	if len(calls) != 1 || calls[0].Kind != broker.ServiceEnable || calls[0].Args[0] != "redis-server" {
		t.Errorf("expected service.enable redis-server, got %v", calls)
	}
}

func TestServiceStatus_Prints(t *testing.T) {
	setupTestEnv(t)

	var err error
	out := captureStdout(t, func() {
		err = runServiceStatus(serviceStatusCmd, []string{"nginx"})
	})
	if err != nil {
		t.Fatalf("status nginx: %v", err)
	}
	for _, want := range []string{"Service:    nginx", "Status:     running", "Autostart:  yes", "Main PID:   812"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %q in output, got:\n%s", want, out)
		}
	}
}
