package store

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/blackwell-systems/devstack/internal/broker"
)

// Helper function to create an in-memory store for testing
func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(":memory:")
	if err != nil {
		t.Fatalf("failed to create test store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

// TestListActions_NoSchema_ReturnsErrNotInitialized verifies that reading a
// fresh DB without CreateSchema reports ErrNotInitialized.
func TestListActions_NoSchema_ReturnsErrNotInitialized(t *testing.T) {
	s, err := New(":memory:")
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	defer s.Close()

	_, err = s.ListActions(10, "")
	if err == nil {
		t.Fatal("ListActions() should return an error on uninitialized DB")
	}
	if !errors.Is(err, ErrNotInitialized) {
		t.Errorf("ListActions() error = %v; want errors.Is(err, ErrNotInitialized)", err)
	}
}

func TestCreateSchema_Idempotent(t *testing.T) {
	s := newTestStore(t)
	if err := s.CreateSchema(); err != nil {
		t.Fatalf("second CreateSchema() failed: %v", err)
	}
}

func TestInsertAndListActions(t *testing.T) {
	s := newTestStore(t)
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	for i, kind := range []string{"service.start", "hosts.write", "service.stop"} {
		rec := &ActionRecord{
			ID:        fmt.Sprintf("op-%d", i),
			Kind:      kind,
			Args:      []string{"nginx"},
			Gateway:   "pkexec",
			Command:   "pkexec systemctl start nginx",
			Outcome:   OutcomeSucceeded,
			StartedAt: base.Add(time.Duration(i) * time.Second),
			Duration:  1500 * time.Millisecond,
		}
		if err := s.InsertAction(rec); err != nil {
			t.Fatalf("InsertAction(%d) failed: %v", i, err)
		}
	}

	records, err := s.ListActions(10, "")
	if err != nil {
		t.Fatalf("ListActions() failed: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("expected 3 records, got %d", len(records))
	}
	if records[0].ID != "op-2" {
		t.Errorf("newest record = %s, want op-2", records[0].ID)
	}
	if records[0].Duration != 1500*time.Millisecond {
		t.Errorf("Duration = %v, want 1.5s", records[0].Duration)
	}
	if !records[2].StartedAt.Equal(base) {
		t.Errorf("StartedAt = %v, want %v", records[2].StartedAt, base)
	}

	filtered, err := s.ListActions(10, "hosts.write")
	if err != nil {
		t.Fatalf("ListActions(filter) failed: %v", err)
	}
	if len(filtered) != 1 || filtered[0].Kind != "hosts.write" {
		t.Errorf("filter returned %+v", filtered)
	}

	limited, err := s.ListActions(2, "")
	if err != nil {
		t.Fatalf("ListActions(limit) failed: %v", err)
	}
	if len(limited) != 2 {
		t.Errorf("limit 2 returned %d records", len(limited))
	}
}

func TestRecordClassifiesOutcome(t *testing.T) {
	s := newTestStore(t)
	action := broker.NewAction(broker.ServiceStart, "nginx")

	cases := []struct {
		id   string
		err  error
		want string
	}{
		{"ok", nil, OutcomeSucceeded},
		{"denied", broker.ErrAuthenticationDenied, OutcomeDenied},
		{"unavailable", fmt.Errorf("%w: pkexec not found", broker.ErrAuthenticationUnavailable), OutcomeUnavailable},
		{"rejected", broker.ErrDisallowedAction, OutcomeRejected},
		{"failed", &broker.CommandError{Outcome: &broker.Outcome{Action: action, ExitCode: 1}}, OutcomeFailed},
	}

	for i, c := range cases {
		s.Record(&broker.Outcome{
			ID:      c.id,
			Action:  action,
			Gateway: "pkexec",
			Started: time.Now().Add(time.Duration(i) * time.Millisecond),
		}, c.err)
	}

	records, err := s.ListActions(10, "")
	if err != nil {
		t.Fatalf("ListActions() failed: %v", err)
	}
	got := make(map[string]string)
	for _, r := range records {
		got[r.ID] = r.Outcome
	}
	for _, c := range cases {
		if got[c.id] != c.want {
			t.Errorf("outcome for %s = %q, want %q", c.id, got[c.id], c.want)
		}
	}

	counts, err := s.CountActions()
	if err != nil {
		t.Fatalf("CountActions() failed: %v", err)
	}
	if counts[OutcomeDenied] != 1 || counts[OutcomeSucceeded] != 1 {
		t.Errorf("unexpected counts %v", counts)
	}
}

func TestDriftEvents(t *testing.T) {
	s := newTestStore(t)
	now := time.Now()

	old := &DriftEvent{Path: "/etc/hosts", Op: "WRITE", Timestamp: now.Add(-48 * time.Hour)}
	recent := &DriftEvent{Path: "/etc/nginx/sites-available/demo.test", Op: "REMOVE", Timestamp: now}
	for _, ev := range []*DriftEvent{old, recent} {
		if err := s.InsertDriftEvent(ev); err != nil {
			t.Fatalf("InsertDriftEvent() failed: %v", err)
		}
	}

	events, err := s.ListDriftEvents(now.Add(-time.Hour))
	if err != nil {
		t.Fatalf("ListDriftEvents() failed: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 recent event, got %d", len(events))
	}
	if events[0].Op != "REMOVE" {
		t.Errorf("Op = %s, want REMOVE", events[0].Op)
	}
}

func TestBackups(t *testing.T) {
	s := newTestStore(t)

	first := &Backup{
		CreatedAt:  time.Now().Add(-time.Hour),
		Kind:       "hosts",
		Target:     "/etc/hosts",
		Reason:     "add demo.test",
		BackupPath: "/home/me/.devstack/backups/1-hosts.bak",
		SizeBytes:  220,
	}
	id, err := s.InsertBackup(first)
	if err != nil {
		t.Fatalf("InsertBackup() failed: %v", err)
	}
	if _, err := s.InsertBackup(&Backup{
		CreatedAt:  time.Now(),
		Kind:       "site",
		Target:     "/etc/nginx/sites-available/demo.test",
		BackupPath: "/home/me/.devstack/backups/2-demo.test.bak",
		SizeBytes:  512,
	}); err != nil {
		t.Fatalf("InsertBackup() failed: %v", err)
	}

	got, err := s.GetBackup(id)
	if err != nil {
		t.Fatalf("GetBackup() failed: %v", err)
	}
	if got.Target != "/etc/hosts" || got.Reason != "add demo.test" || got.SizeBytes != 220 {
		t.Errorf("GetBackup() = %+v", got)
	}

	list, err := s.ListBackups()
	if err != nil {
		t.Fatalf("ListBackups() failed: %v", err)
	}
	if len(list) != 2 || list[0].Kind != "site" {
		t.Errorf("ListBackups() order wrong: %+v", list)
	}

	if _, err := s.GetBackup(999); err == nil {
		t.Error("GetBackup(999) should fail")
	}
}
