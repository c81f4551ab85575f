package app

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/blackwell-systems/devstack/internal/backup"
	"github.com/blackwell-systems/devstack/internal/output"
)

var (
	backupMaxAge time.Duration

	backupCmd = &cobra.Command{
		Use:   "backup",
		Short: "List and restore copies of replaced system files",
		Long: `Before devstack replaces the hosts file or a site configuration that
differs from what it would write, the previous content is saved under
~/.devstack/backups. These commands list and restore those copies.`,
		Example: `  devstack backup list
  devstack backup restore 12
  devstack backup cleanup --max-age 720h`,
	}

	backupListCmd = &cobra.Command{
		Use:   "list",
		Short: "List saved backups",
		Args:  cobra.NoArgs,
		RunE:  runBackupList,
	}

	backupRestoreCmd = &cobra.Command{
		Use:   "restore <id>",
		Short: "Put a saved copy back in place",
		Args:  cobra.ExactArgs(1),
		RunE:  runBackupRestore,
	}

	backupCleanupCmd = &cobra.Command{
		Use:   "cleanup",
		Short: "Delete backup files older than --max-age",
		Args:  cobra.NoArgs,
		RunE:  runBackupCleanup,
	}
)

func init() {
	backupCleanupCmd.Flags().DurationVar(&backupMaxAge, "max-age", backup.DefaultMaxAge, "delete backups older than this")

	backupCmd.AddCommand(backupListCmd, backupRestoreCmd, backupCleanupCmd)
	RootCmd.AddCommand(backupCmd)
}

func runBackupList(cmd *cobra.Command, args []string) error {
	return withStack(func(s *stack) error {
		b, err := s.backups()
		if err != nil {
			return err
		}
		list, err := b.List()
		if err != nil {
			return err
		}
		if len(list) == 0 {
			fmt.Println("No backups")
			return nil
		}
		fmt.Print(output.RenderBackupTable(list))
		return nil
	})
}

func runBackupRestore(cmd *cobra.Command, args []string) error {
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil || id <= 0 {
		return fmt.Errorf("invalid backup id %q", args[0])
	}

	return withStack(func(s *stack) error {
		b, err := s.backups()
		if err != nil {
			return err
		}
		rec, err := s.store.GetBackup(id)
		if err != nil {
			return err
		}

		ok, err := confirm(fmt.Sprintf("Restore %s from %s?", rec.Target, rec.CreatedAt.Format("2006-01-02 15:04")),
			"The current content is replaced.")
		if err != nil {
			return err
		}
		if !ok {
			fmt.Println("Cancelled")
			return nil
		}

		ctx, cancel := signalContext()
		defer cancel()

		spinner := output.NewSpinner(fmt.Sprintf("Restoring %s", rec.Target))
		spinner.Start()
		if err := b.Restore(ctx, id); err != nil {
			spinner.Stop()
			return err
		}
		spinner.StopWithMessage(fmt.Sprintf("✓ %s restored", rec.Target))
		if rec.Kind == backup.KindSite {
			fmt.Println("  Reload the web server to apply it: devstack service restart <engine>")
		}
		return nil
	})
}

func runBackupCleanup(cmd *cobra.Command, args []string) error {
	return withStack(func(s *stack) error {
		b, err := s.backups()
		if err != nil {
			return err
		}
		n, err := b.Cleanup(backupMaxAge)
		if err != nil {
			return err
		}
		fmt.Printf("✓ Removed %d backup file(s)\n", n)
		return nil
	})
}
