package app

import (
	"strings"
	"testing"
	"time"

	"github.com/blackwell-systems/devstack/internal/store"
)

func seedJournal(t *testing.T) {
	t.Helper()
	path, err := getDBPath()
	if err != nil {
		t.Fatalf("getDBPath: %v", err)
	}
	st, err := store.Open(path)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	defer st.Close()

	now := time.Now()
	records := []*store.ActionRecord{
		{ID: "a1", Kind: "service.start", Args: []string{"mysql"}, Gateway: "pkexec", Command: "pkexec systemctl start mysql", Outcome: "ok", StartedAt: now.Add(-2 * time.Minute), Duration: 800 * time.Millisecond},
		{ID: "a2", Kind: "db.create", Args: []string{"mysql", "shop", "shop"}, Gateway: "pkexec", Command: "pkexec mysql", ExitCode: 1, Outcome: "failed", Error: "access denied", StartedAt: now.Add(-time.Minute), Duration: time.Second},
	}
	for _, r := range records {
		if err := st.InsertAction(r); err != nil {
			t.Fatalf("InsertAction: %v", err)
		}
	}
	if err := st.InsertDriftEvent(&store.DriftEvent{Path: "/etc/hosts", Op: "write", Timestamp: now}); err != nil {
		t.Fatalf("InsertDriftEvent: %v", err)
	}
}

func resetHistoryFlags(t *testing.T) {
	t.Cleanup(func() {
		historyLimit, historyKind, historyDrift, historySince = 20, "", false, 7*24*time.Hour
	})
}

func TestHistory_Empty(t *testing.T) {
	setupTestEnv(t)
	resetHistoryFlags(t)

	var err error
	out := captureStdout(t, func() {
		err = runHistory(historyCmd, nil)
	})
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if !strings.Contains(out, "No actions recorded yet") {
		t.Errorf("expected empty message, got %q", out)
	}
}

func TestHistory_FilterByKind(t *testing.T) {
	setupTestEnv(t)
	resetHistoryFlags(t)
	seedJournal(t)
	historyKind = "db.create"

	var err error
	out := captureStdout(t, func() {
		err = runHistory(historyCmd, nil)
	})
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if !strings.Contains(out, "db.create") {
		t.Errorf("expected db.create row, got:\n%s", out)
	}
	if strings.Contains(out, "service.start") {
		t.Errorf("expected service.start to be filtered out, got:\n%s", out)
	}
}

func TestHistory_Drift(t *testing.T) {
	setupTestEnv(t)
	resetHistoryFlags(t)
	seedJournal(t)
	historyDrift = true

	var err error
	out := captureStdout(t, func() {
		err = runHistory(historyCmd, nil)
	})
	if err != nil {
		t.Fatalf("history --drift: %v", err)
	}
	if !strings.Contains(out, "/etc/hosts") {
		t.Errorf("expected drift row for /etc/hosts, got:\n%s", out)
	}
}
