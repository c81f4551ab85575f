package backup

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/blackwell-systems/devstack/internal/store"
)

// Create writes content to the backup directory, records it and returns
// the backup ID.
func (m *Manager) Create(kind, target, reason string, content []byte) (int64, error) {
	if kind != KindHosts && kind != KindSite {
		return 0, fmt.Errorf("unknown backup kind %q", kind)
	}
	if err := os.MkdirAll(m.backupDir, 0700); err != nil {
		return 0, fmt.Errorf("failed to create backup directory: %w", err)
	}

	// Filename: YYYY-MM-DD-HHMMSS.nnnnnnnnn-kind-base
	now := m.now()
	name := fmt.Sprintf("%s-%s-%s", now.UTC().Format("2006-01-02-150405.000000000"), kind, safeBase(target))
	path := filepath.Join(m.backupDir, name)

	if err := os.WriteFile(path, content, 0600); err != nil {
		return 0, fmt.Errorf("failed to write backup file: %w", err)
	}

	id, err := m.store.InsertBackup(&store.Backup{
		CreatedAt:  now,
		Kind:       kind,
		Target:     target,
		Reason:     reason,
		BackupPath: path,
		SizeBytes:  int64(len(content)),
	})
	if err != nil {
		// Try to clean up the file if DB insert fails
		os.Remove(path)
		return 0, fmt.Errorf("failed to insert backup into database: %w", err)
	}
	return id, nil
}

// Save is Create without the ID.
func (m *Manager) Save(kind, target, reason string, content []byte) error {
	_, err := m.Create(kind, target, reason, content)
	return err
}

func safeBase(target string) string {
	base := filepath.Base(target)
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			return r
		}
		return '_'
	}, base)
}

// List returns all backups from the database, newest first.
func (m *Manager) List() ([]*store.Backup, error) {
	backups, err := m.store.ListBackups()
	if err != nil {
		return nil, fmt.Errorf("failed to list backups: %w", err)
	}
	return backups, nil
}

// Cleanup removes backup files older than maxAge and returns how many were
// removed. Database rows stay as an audit log.
func (m *Manager) Cleanup(maxAge time.Duration) (int, error) {
	backups, err := m.store.ListBackups()
	if err != nil {
		return 0, fmt.Errorf("failed to list backups: %w", err)
	}

	cutoff := m.now().Add(-maxAge)
	deleted := 0
	for _, b := range backups {
		if !b.CreatedAt.Before(cutoff) {
			continue
		}
		if err := os.Remove(b.BackupPath); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return deleted, fmt.Errorf("failed to delete backup file %s: %w", b.BackupPath, err)
		}
		deleted++
	}
	return deleted, nil
}
