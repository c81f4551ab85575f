package watcher

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/blackwell-systems/devstack/internal/broker"
	"github.com/blackwell-systems/devstack/internal/broker/brokertest"
	"github.com/blackwell-systems/devstack/internal/store"
)

// setupTestStore opens an in-memory store and closes it at test end.
func setupTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.New(":memory:")
	if err != nil {
		t.Fatalf("setupTestStore: open: %v", err)
	}
	if err := st.CreateSchema(); err != nil {
		st.Close()
		t.Fatalf("setupTestStore: schema: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

// setupTestPolicy returns a policy rooted in a temp dir with every site
// directory created.
func setupTestPolicy(t *testing.T) *broker.Policy {
	t.Helper()
	p := brokertest.TempPolicy(t.TempDir())
	for _, dir := range SiteDirs(p) {
		if err := os.MkdirAll(dir, 0755); err != nil {
			t.Fatalf("setupTestPolicy: %v", err)
		}
	}
	if err := os.WriteFile(p.HostsFile, []byte("127.0.0.1 localhost\n"), 0644); err != nil {
		t.Fatalf("setupTestPolicy: hosts: %v", err)
	}
	return p
}

// memRecorder collects drift events in memory.
type memRecorder struct {
	mu     sync.Mutex
	events []store.DriftEvent
}

func (m *memRecorder) InsertDriftEvent(ev *store.DriftEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, *ev)
	return nil
}

func (m *memRecorder) snapshot() []store.DriftEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]store.DriftEvent(nil), m.events...)
}

// waitFor polls until cond holds or two seconds pass.
func waitFor(t *testing.T, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return cond()
}

func pathsOf(events []store.DriftEvent) map[string]bool {
	paths := make(map[string]bool)
	for _, ev := range events {
		paths[filepath.Clean(ev.Path)] = true
	}
	return paths
}
