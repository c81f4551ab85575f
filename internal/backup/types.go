// Package backup keeps copies of the hosts database and site files before
// devstack replaces them, and puts them back on request.
package backup

import (
	"time"

	"github.com/blackwell-systems/devstack/internal/broker"
	"github.com/blackwell-systems/devstack/internal/store"
)

// Backup kinds.
const (
	KindHosts = "hosts"
	KindSite  = "site"
)

// DefaultMaxAge is how long Cleanup keeps backup files.
const DefaultMaxAge = 90 * 24 * time.Hour

// Manager manages backup creation, restoration, and cleanup.
type Manager struct {
	store     *store.Store
	backupDir string
	exec      broker.Executor
	policy    *broker.Policy
	now       func() time.Time
}

// New creates a new backup Manager. exec and policy are only needed by
// Restore.
func New(store *store.Store, backupDir string, exec broker.Executor, policy *broker.Policy) *Manager {
	return &Manager{
		store:     store,
		backupDir: backupDir,
		exec:      exec,
		policy:    policy,
		now:       time.Now,
	}
}
