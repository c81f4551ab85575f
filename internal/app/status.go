package app

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/blackwell-systems/devstack/internal/inspect"
	"github.com/blackwell-systems/devstack/internal/output"
	"github.com/blackwell-systems/devstack/internal/vhost"
	"github.com/blackwell-systems/devstack/internal/watcher"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show services, sites and the drift monitor at a glance",
	Long: `Display the state of the development stack.

Shows:
  • Every configured service with status, autostart and ports
  • Managed virtual hosts
  • Whether the drift monitor is running
  • Journal location and privileged action counts

Everything is read from the live system; the journal is only an audit trail.`,
	Example: `  # Check the stack
  devstack status`,
	RunE: runStatus,
}

func init() {
	RootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	return withStack(func(s *stack) error {
		ctx, cancel := signalContext()
		defer cancel()

		p, err := s.vhosts()
		if err != nil {
			return err
		}

		// Services and sites are independent reads.
		var svcs []*inspect.ManagedService
		var sites []vhost.Site
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			var err error
			svcs, err = s.services().List(gctx)
			return err
		})
		g.Go(func() error {
			var err error
			sites, err = p.List()
			return err
		})
		if err := g.Wait(); err != nil {
			return fmt.Errorf("failed to read system state: %w", err)
		}

		fmt.Println("Services")
		fmt.Print(output.RenderServiceTable(svcs))
		fmt.Println()

		fmt.Println("Virtual hosts")
		if len(sites) == 0 {
			fmt.Println("  none")
		} else {
			fmt.Print(output.RenderSiteTable(sites))
		}
		fmt.Println()

		pidFile, err := getDefaultPIDFile()
		if err != nil {
			return fmt.Errorf("failed to get PID file path: %w", err)
		}
		running, err := watcher.IsDaemonRunning(pidFile)
		if err != nil {
			return fmt.Errorf("failed to check daemon status: %w", err)
		}
		if running {
			fmt.Printf("Drift monitor:  running (PID %d)\n", watcher.DaemonPID(pidFile))
		} else {
			fmt.Println("Drift monitor:  stopped (run 'devstack watch --daemon')")
		}

		path, _ := getDBPath()
		fmt.Printf("Journal:        %s\n", path)
		counts, err := s.store.CountActions()
		if err != nil {
			return fmt.Errorf("failed to count actions: %w", err)
		}
		fmt.Printf("Actions:        %s\n", formatCounts(counts))
		return nil
	})
}

// formatCounts renders outcome counts as "ok 12, failed 1".
func formatCounts(counts map[string]int) string {
	if len(counts) == 0 {
		return "none yet"
	}
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := ""
	for i, k := range keys {
		if i > 0 {
			out += ", "
		}
		out += fmt.Sprintf("%s %d", k, counts[k])
	}
	return out
}
