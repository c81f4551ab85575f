package watcher

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/juju/loggo/v2"

	"github.com/blackwell-systems/devstack/internal/broker"
	"github.com/blackwell-systems/devstack/internal/store"
)

var logger = loggo.GetLogger("devstack.watcher")

// DefaultCoalesce is how long repeated events for the same path and
// operation are folded into one drift record.
const DefaultCoalesce = time.Second

// Recorder persists drift events.
type Recorder interface {
	InsertDriftEvent(event *store.DriftEvent) error
}

// Watcher records changes to managed site files and the hosts file.
type Watcher struct {
	recorder Recorder
	dirs     []string
	hosts    string
	coalesce time.Duration
	now      func() time.Time

	fsw    *fsnotify.Watcher
	stopCh chan struct{}
	wg     sync.WaitGroup

	mu   sync.Mutex
	seen map[string]time.Time
}

// New returns a Watcher for the paths policy manages.
func New(recorder Recorder, policy *broker.Policy) (*Watcher, error) {
	if recorder == nil {
		return nil, fmt.Errorf("recorder cannot be nil")
	}
	if policy == nil {
		return nil, fmt.Errorf("policy cannot be nil")
	}
	return &Watcher{
		recorder: recorder,
		dirs:     SiteDirs(policy),
		hosts:    filepath.Clean(policy.HostsFile),
		coalesce: DefaultCoalesce,
		now:      time.Now,
		seen:     make(map[string]time.Time),
	}, nil
}

// SiteDirs lists the site directories of every engine in policy, sorted and
// without duplicates.
func SiteDirs(policy *broker.Policy) []string {
	uniq := make(map[string]bool)
	for _, s := range policy.Sites {
		for _, d := range []string{s.Available, s.Enabled} {
			if d != "" {
				uniq[filepath.Clean(d)] = true
			}
		}
	}
	dirs := make([]string, 0, len(uniq))
	for d := range uniq {
		dirs = append(dirs, d)
	}
	sort.Strings(dirs)
	return dirs
}

// Start subscribes to the managed directories and begins recording.
// Directories that do not exist are skipped with a warning.
func (w *Watcher) Start() error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create filesystem watcher: %w", err)
	}

	dirs := append([]string{filepath.Dir(w.hosts)}, w.dirs...)
	watched := 0
	for _, dir := range dirs {
		if err := fsw.Add(dir); err != nil {
			if os.IsNotExist(err) {
				logger.Warningf("not watching %s: directory does not exist", dir)
				continue
			}
			fsw.Close()
			return fmt.Errorf("failed to watch %s: %w", dir, err)
		}
		logger.Debugf("watching %s", dir)
		watched++
	}
	if watched == 0 {
		fsw.Close()
		return fmt.Errorf("no managed directories exist")
	}

	w.fsw = fsw
	w.stopCh = make(chan struct{})
	w.wg.Add(1)
	go w.loop()
	return nil
}

func (w *Watcher) loop() {
	defer w.wg.Done()
	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handle(ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			logger.Errorf("filesystem watcher: %v", err)
		case <-w.stopCh:
			return
		}
	}
}

func (w *Watcher) handle(ev fsnotify.Event) {
	if !w.Managed(ev.Name) {
		return
	}
	// A bare chmod carries no content change.
	if ev.Op == fsnotify.Chmod {
		return
	}
	op := ev.Op.String()
	now := w.now()

	w.mu.Lock()
	key := ev.Name + "\x00" + op
	last, dup := w.seen[key]
	if dup && now.Sub(last) < w.coalesce {
		w.mu.Unlock()
		return
	}
	w.seen[key] = now
	w.mu.Unlock()

	logger.Infof("drift: %s %s", op, ev.Name)
	if err := w.recorder.InsertDriftEvent(&store.DriftEvent{
		Path:      ev.Name,
		Op:        op,
		Timestamp: now,
	}); err != nil {
		logger.Errorf("failed to record drift on %s: %v", ev.Name, err)
	}
}

// Managed reports whether path is one the watcher records. Editor swap and
// backup files inside the site directories are ignored.
func (w *Watcher) Managed(path string) bool {
	path = filepath.Clean(path)
	if path == w.hosts {
		return true
	}
	base := filepath.Base(path)
	if strings.HasPrefix(base, ".") || strings.HasSuffix(base, "~") || strings.HasSuffix(base, ".swp") {
		return false
	}
	dir := filepath.Dir(path)
	for _, d := range w.dirs {
		if dir == d {
			return true
		}
	}
	return false
}

// Stop halts recording and releases the subscription.
func (w *Watcher) Stop() error {
	if w.fsw == nil {
		return nil
	}
	close(w.stopCh)
	w.wg.Wait()
	err := w.fsw.Close()
	w.fsw = nil
	if err != nil {
		return fmt.Errorf("failed to close filesystem watcher: %w", err)
	}
	return nil
}
