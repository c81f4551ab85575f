package backup

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/blackwell-systems/devstack/internal/broker"
	"github.com/blackwell-systems/devstack/internal/broker/brokertest"
	"github.com/blackwell-systems/devstack/internal/store"
)

func setupManager(t *testing.T) (*Manager, *brokertest.Fake, *broker.Policy) {
	t.Helper()
	root := t.TempDir()

	db, err := store.New(":memory:")
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.CreateSchema(); err != nil {
		t.Fatalf("Failed to create schema: %v", err)
	}

	p := brokertest.TempPolicy(root)
	fake := brokertest.New()
	fake.Policy = p
	fake.Default = brokertest.Materialize(p)

	return New(db, filepath.Join(root, "backups"), fake, p), fake, p
}

func TestCreateBackup(t *testing.T) {
	m, _, p := setupManager(t)

	id, err := m.Create(KindHosts, p.HostsFile, "test", []byte("127.0.0.1 localhost\n"))
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if id == 0 {
		t.Fatal("expected non-zero backup ID")
	}

	backups, err := m.List()
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(backups) != 1 {
		t.Fatalf("expected 1 backup, got %d", len(backups))
	}

	b := backups[0]
	if b.Kind != KindHosts || b.Target != p.HostsFile || b.Reason != "test" {
		t.Errorf("unexpected backup record: %+v", b)
	}
	if b.SizeBytes != int64(len("127.0.0.1 localhost\n")) {
		t.Errorf("SizeBytes = %d", b.SizeBytes)
	}

	data, err := os.ReadFile(b.BackupPath)
	if err != nil {
		t.Fatalf("failed to read backup file: %v", err)
	}
	if string(data) != "127.0.0.1 localhost\n" {
		t.Errorf("backup content = %q", data)
	}
	info, err := os.Stat(b.BackupPath)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("backup file mode = %o, want 600", info.Mode().Perm())
	}
}

func TestCreateRejectsUnknownKind(t *testing.T) {
	m, _, _ := setupManager(t)

	if _, err := m.Create("database", "/var/lib/mysql", "", nil); err == nil {
		t.Fatal("expected error for unknown kind")
	}
}

func TestRestoreHosts(t *testing.T) {
	m, fake, p := setupManager(t)

	original := []byte("127.0.0.1 localhost\n")
	if err := os.WriteFile(p.HostsFile, []byte("127.0.0.1 localhost\n127.0.0.1 broken.test\n"), 0644); err != nil {
		t.Fatal(err)
	}
	id, err := m.Create(KindHosts, p.HostsFile, "test", original)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	if err := m.Restore(context.Background(), id); err != nil {
		t.Fatalf("Restore failed: %v", err)
	}

	data, err := os.ReadFile(p.HostsFile)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != string(original) {
		t.Errorf("hosts after restore = %q, want %q", data, original)
	}
	if fake.Count(broker.HostsWrite) != 1 {
		t.Errorf("expected one hosts.write, got %v", fake.Kinds())
	}

	// The replaced content was itself backed up.
	backups, _ := m.List()
	if len(backups) != 2 {
		t.Errorf("expected 2 backups after restore, got %d", len(backups))
	}
}

func TestRestoreSite(t *testing.T) {
	m, fake, p := setupManager(t)

	target := p.Sites[broker.EngineNginx].SiteFile("shop.test")
	id, err := m.Create(KindSite, target, "test", []byte("server {}\n"))
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	if err := m.Restore(context.Background(), id); err != nil {
		t.Fatalf("Restore failed: %v", err)
	}

	data, err := os.ReadFile(target)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "server {}\n" {
		t.Errorf("site after restore = %q", data)
	}
	calls := fake.Calls()
	if len(calls) != 1 || calls[0].Kind != broker.FileInstall || calls[0].Args[1] != target {
		t.Errorf("unexpected calls: %v", calls)
	}
}

func TestRestoreFailurePropagates(t *testing.T) {
	m, fake, p := setupManager(t)
	fake.On(broker.HostsWrite, brokertest.Deny())

	id, err := m.Create(KindHosts, p.HostsFile, "test", []byte("x\n"))
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Restore(context.Background(), id); err == nil {
		t.Fatal("expected restore to fail")
	}
}

func TestCleanup(t *testing.T) {
	m, _, p := setupManager(t)

	now := time.Now()
	m.now = func() time.Time { return now.AddDate(0, 0, -100) }
	oldID, err := m.Create(KindHosts, p.HostsFile, "old", []byte("old\n"))
	if err != nil {
		t.Fatal(err)
	}
	m.now = func() time.Time { return now }
	if _, err := m.Create(KindHosts, p.HostsFile, "new", []byte("new\n")); err != nil {
		t.Fatal(err)
	}

	deleted, err := m.Cleanup(DefaultMaxAge)
	if err != nil {
		t.Fatalf("Cleanup failed: %v", err)
	}
	if deleted != 1 {
		t.Errorf("deleted = %d, want 1", deleted)
	}

	backups, _ := m.List()
	for _, b := range backups {
		_, statErr := os.Stat(b.BackupPath)
		if b.ID == oldID && !os.IsNotExist(statErr) {
			t.Errorf("old backup file should be removed")
		}
		if b.ID != oldID && statErr != nil {
			t.Errorf("new backup file should remain: %v", statErr)
		}
	}
	if len(backups) != 2 {
		t.Errorf("database rows should be kept, got %d", len(backups))
	}
}
