package app

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/blackwell-systems/devstack/internal/output"
)

var (
	historyLimit int
	historyKind  string
	historyDrift bool
	historySince time.Duration

	historyCmd = &cobra.Command{
		Use:   "history",
		Short: "Show the journal of privileged actions",
		Long: `Show the most recent privileged actions devstack ran, newest first, with
their outcome and duration. Secrets such as database passwords are never
stored.

With --drift, show changes to managed files recorded by the drift monitor
instead.`,
		Example: `  devstack history
  devstack history --kind service.start -n 10
  devstack history --drift --since 24h`,
		Args: cobra.NoArgs,
		RunE: runHistory,
	}
)

func init() {
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "number of entries")
	historyCmd.Flags().StringVar(&historyKind, "kind", "", "only actions of this kind (e.g. db.create)")
	historyCmd.Flags().BoolVar(&historyDrift, "drift", false, "show drift events instead of actions")
	historyCmd.Flags().DurationVar(&historySince, "since", 7*24*time.Hour, "how far back to show drift events")

	RootCmd.AddCommand(historyCmd)
}

func runHistory(cmd *cobra.Command, args []string) error {
	return withStack(func(s *stack) error {
		if historyDrift {
			events, err := s.store.ListDriftEvents(time.Now().Add(-historySince))
			if err != nil {
				return fmt.Errorf("failed to read drift events: %w", err)
			}
			if len(events) == 0 {
				fmt.Println("No drift recorded")
				return nil
			}
			fmt.Print(output.RenderDriftTable(events))
			return nil
		}

		records, err := s.store.ListActions(historyLimit, historyKind)
		if err != nil {
			return fmt.Errorf("failed to read journal: %w", err)
		}
		if len(records) == 0 {
			fmt.Println("No actions recorded yet")
			return nil
		}
		fmt.Print(output.RenderHistoryTable(records))
		return nil
	})
}
