package backup

import (
	"context"
	"fmt"
	"os"

	"github.com/blackwell-systems/devstack/internal/broker"
)

// Restore puts backup id back in place through the broker. The current
// content of the target is backed up first so a restore can be undone.
func (m *Manager) Restore(ctx context.Context, id int64) error {
	if m.exec == nil || m.policy == nil {
		return fmt.Errorf("backup manager has no broker")
	}

	b, err := m.store.GetBackup(id)
	if err != nil {
		return fmt.Errorf("failed to get backup: %w", err)
	}

	content, err := os.ReadFile(b.BackupPath)
	if err != nil {
		return fmt.Errorf("failed to read backup file: %w", err)
	}

	if current, err := os.ReadFile(b.Target); err == nil {
		if _, err := m.Create(b.Kind, b.Target, fmt.Sprintf("before restoring backup %d", id), current); err != nil {
			return err
		}
	}

	staged, err := os.CreateTemp(m.policy.StagingRoot, "devstack-restore-")
	if err != nil {
		return fmt.Errorf("failed to stage backup: %w", err)
	}
	defer os.Remove(staged.Name())
	if _, err := staged.Write(content); err != nil {
		staged.Close()
		return fmt.Errorf("failed to stage backup: %w", err)
	}
	if err := staged.Close(); err != nil {
		return fmt.Errorf("failed to stage backup: %w", err)
	}

	var action broker.Action
	switch b.Kind {
	case KindHosts:
		if b.Target != m.policy.HostsFile {
			return fmt.Errorf("backup %d is for %s, hosts database is %s", id, b.Target, m.policy.HostsFile)
		}
		action = broker.NewAction(broker.HostsWrite, staged.Name())
	case KindSite:
		action = broker.NewAction(broker.FileInstall, staged.Name(), b.Target, "0644")
	default:
		return fmt.Errorf("backup %d has unknown kind %q", id, b.Kind)
	}

	if _, err := m.exec.Execute(ctx, action); err != nil {
		return fmt.Errorf("failed to restore %s: %w", b.Target, err)
	}
	return nil
}
