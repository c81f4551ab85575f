package app

import (
	"strings"
	"testing"
)

func TestRunStatus_ShowsServicesAndDaemon(t *testing.T) {
	setupTestEnv(t)

	var err error
	out := captureStdout(t, func() {
		err = runStatus(statusCmd, []string{})
	})
	if err != nil {
		t.Fatalf("runStatus: %v", err)
	}

	for _, want := range []string{"nginx", "mysql", "redis-server", "not-installed", "812"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected status output to contain %q, got:\n%s", want, out)
		}
	}
	if !strings.Contains(out, "No virtual hosts") && !strings.Contains(out, "none") {
		t.Errorf("expected empty site list, got:\n%s", out)
	}
	if !strings.Contains(out, "devstack watch --daemon") {
		t.Errorf("expected stopped drift monitor to suggest 'devstack watch --daemon', got:\n%s", out)
	}
	if !strings.Contains(out, "none yet") {
		t.Errorf("expected empty journal counts, got:\n%s", out)
	}
}

func TestFormatCounts(t *testing.T) {
	tests := []struct {
		counts map[string]int
		want   string
	}{
		{nil, "none yet"},
		{map[string]int{"ok": 3}, "ok 3"},
		{map[string]int{"ok": 12, "failed": 1, "denied": 2}, "denied 2, failed 1, ok 12"},
	}
	for _, tt := range tests {
		if got := formatCounts(tt.counts); got != tt.want {
			t.Errorf("formatCounts(%v) = %q, want %q", tt.counts, got, tt.want)
		}
	}
}
