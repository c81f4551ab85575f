package app

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/blackwell-systems/devstack/internal/output"
	"github.com/blackwell-systems/devstack/internal/packages"
)

var (
	pkgCategory  string
	pkgInstalled bool

	pkgCmd = &cobra.Command{
		Use:     "pkg",
		Aliases: []string{"package"},
		Short:   "Install and remove stack packages",
		Long: `Browse the package catalog and install or remove packages with apt.

Transactions run one at a time in the order they were requested, across
every devstack command and the HTTP API of this process. Installing a
package that is already installed does nothing.`,
		Example: `  devstack pkg list --category databases
  devstack pkg search redis
  devstack pkg install redis-server php8.3-fpm
  devstack pkg remove mongodb-org`,
	}

	pkgListCmd = &cobra.Command{
		Use:   "list",
		Short: "List catalog packages with their installed version",
		Args:  cobra.NoArgs,
		RunE:  runPkgList,
	}

	pkgSearchCmd = &cobra.Command{
		Use:   "search <query>",
		Short: "Search the catalog by id, name or description",
		Args:  cobra.ExactArgs(1),
		RunE:  runPkgSearch,
	}

	pkgInstallCmd = &cobra.Command{
		Use:   "install <package>...",
		Short: "Install packages",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPkgTransaction(packages.OpInstall, args)
		},
	}

	pkgRemoveCmd = &cobra.Command{
		Use:   "remove <package>...",
		Short: "Remove packages",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ok, err := confirm(fmt.Sprintf("Remove %s?", strings.Join(args, ", ")),
				"Configuration files are kept; data directories are not touched.")
			if err != nil {
				return err
			}
			if !ok {
				fmt.Println("Cancelled")
				return nil
			}
			return runPkgTransaction(packages.OpRemove, args)
		},
	}
)

func init() {
	pkgListCmd.Flags().StringVar(&pkgCategory, "category", "", "only show one category")
	pkgListCmd.Flags().BoolVar(&pkgInstalled, "installed", false, "only show installed packages")

	pkgCmd.AddCommand(pkgListCmd, pkgSearchCmd, pkgInstallCmd, pkgRemoveCmd)
	RootCmd.AddCommand(pkgCmd)
}

func runPkgList(cmd *cobra.Command, args []string) error {
	return withStack(func(s *stack) error {
		c, err := s.catalog()
		if err != nil {
			return err
		}

		var entries []packages.Entry
		for _, e := range c.All() {
			if pkgCategory == "" || strings.EqualFold(e.Category, pkgCategory) {
				entries = append(entries, e)
			}
		}
		if len(entries) == 0 {
			return fmt.Errorf("no packages in category %q (categories: %s)", pkgCategory, strings.Join(c.Categories(), ", "))
		}
		return printEntries(s, c, entries)
	})
}

func runPkgSearch(cmd *cobra.Command, args []string) error {
	return withStack(func(s *stack) error {
		c, err := s.catalog()
		if err != nil {
			return err
		}
		entries := c.Search(args[0])
		if len(entries) == 0 {
			fmt.Printf("No packages match %q\n", args[0])
			return nil
		}
		return printEntries(s, c, entries)
	})
}

func printEntries(s *stack, c *packages.Catalog, entries []packages.Entry) error {
	ctx, cancel := signalContext()
	defer cancel()

	live, err := c.Entries(ctx, s.inspector, entries...)
	if err != nil {
		return fmt.Errorf("failed to query package state: %w", err)
	}
	if pkgInstalled {
		var kept []packages.Entry
		for _, e := range live {
			if e.Installed {
				kept = append(kept, e)
			}
		}
		live = kept
	}
	fmt.Print(output.RenderPackageTable(live))
	return nil
}

// runPkgTransaction queues one transaction per id up front, so they run in
// argument order, then follows each stream to its end.
func runPkgTransaction(op packages.Op, ids []string) error {
	return withStack(func(s *stack) error {
		ctx, cancel := signalContext()
		defer cancel()

		inst, err := s.installer()
		if err != nil {
			return err
		}

		streams := make([]<-chan packages.Event, len(ids))
		for i, id := range ids {
			if op == packages.OpInstall {
				streams[i] = inst.Install(ctx, id)
			} else {
				streams[i] = inst.Remove(ctx, id)
			}
		}

		if len(ids) == 1 {
			return followOne(op, ids[0], streams[0])
		}
		return followMany(op, ids, streams)
	})
}

func verb(op packages.Op) string {
	if op == packages.OpInstall {
		return "Installing"
	}
	return "Removing"
}

func followOne(op packages.Op, id string, events <-chan packages.Event) error {
	spinner := output.NewSpinner(fmt.Sprintf("%s %s", verb(op), id))
	spinner.Start()

	var last packages.Event
	err := packages.Wait(events, func(ev packages.Event) {
		if ev.Type == packages.Progress {
			spinner.Follow(ev.Line)
		}
		last = ev
	})
	if err != nil {
		spinner.Stop()
		return err
	}
	switch {
	case last.Skipped && op == packages.OpInstall:
		spinner.StopWithMessage(fmt.Sprintf("%s is already installed (%s)", id, last.Version))
		return ErrNoChange
	case last.Skipped:
		spinner.StopWithMessage(fmt.Sprintf("%s is not installed", id))
		return ErrNoChange
	case op == packages.OpInstall:
		spinner.StopWithMessage(fmt.Sprintf("✓ %s %s installed", id, last.Version))
	default:
		spinner.StopWithMessage(fmt.Sprintf("✓ %s removed", id))
	}
	return nil
}

func followMany(op packages.Op, ids []string, streams []<-chan packages.Event) error {
	bar := output.NewProgress(len(ids), fmt.Sprintf("%s %d packages", verb(op), len(ids)))
	var failed []string
	var firstErr error
	results := make([]string, len(ids))
	for i, events := range streams {
		var last packages.Event
		err := packages.Wait(events, func(ev packages.Event) { last = ev })
		bar.Increment()
		switch {
		case err != nil:
			failed = append(failed, ids[i])
			if firstErr == nil {
				firstErr = err
			}
			results[i] = fmt.Sprintf("  ✗ %s", ids[i])
		case last.Skipped:
			results[i] = fmt.Sprintf("  - %s (unchanged)", ids[i])
		default:
			results[i] = fmt.Sprintf("  ✓ %s %s", ids[i], last.Version)
		}
	}
	bar.Finish()

	fmt.Println()
	for _, r := range results {
		fmt.Println(r)
	}
	if firstErr != nil {
		return fmt.Errorf("%d of %d packages failed (%s): %w", len(failed), len(ids), strings.Join(failed, ", "), firstErr)
	}
	return nil
}
