package app

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/juju/loggo/v2"
	"github.com/spf13/cobra"

	"github.com/blackwell-systems/devstack/internal/output"
	"github.com/blackwell-systems/devstack/internal/store"
	"github.com/blackwell-systems/devstack/internal/watcher"
)

var (
	watchDaemon      bool
	watchDaemonChild bool
	watchPIDFile     string
	watchLogFile     string
	watchStop        bool

	watchCmd = &cobra.Command{
		Use:   "watch",
		Short: "Record changes to managed configuration files",
		Long: `Watch the site directories and the hosts file for changes and record each
one in the journal as drift.

Hand edits, package upgrades and other tools can change files devstack
manages. The drift log shows what changed and when; 'devstack history
--drift' prints it and 'devstack backup' can put an earlier copy back.

Watch modes:
  • Foreground (default): Run in current terminal with Ctrl+C to stop
  • Daemon: Run as background process
  • Stop: Stop a running daemon`,
		Example: `  # Run in foreground (Ctrl+C to stop)
  devstack watch

  # Run as background daemon
  devstack watch --daemon

  # Stop running daemon
  devstack watch --stop

  # Use custom PID and log files
  devstack watch --daemon --pid-file /tmp/watch.pid --log-file /tmp/watch.log`,
		RunE: runWatch,
	}
)

func init() {
	watchCmd.Flags().BoolVar(&watchDaemon, "daemon", false, "run as background daemon")
	watchCmd.Flags().BoolVar(&watchDaemonChild, "daemon-child", false, "internal flag for daemon child process")
	watchCmd.Flags().StringVar(&watchPIDFile, "pid-file", "", "PID file path (default: ~/.devstack/watch.pid)")
	watchCmd.Flags().StringVar(&watchLogFile, "log-file", "", "log file path (default: ~/.devstack/watch.log)")
	watchCmd.Flags().BoolVar(&watchStop, "stop", false, "stop running daemon")

	// Hide the internal daemon-child flag from help
	watchCmd.Flags().MarkHidden("daemon-child")

	RootCmd.AddCommand(watchCmd)
}

func runWatch(cmd *cobra.Command, args []string) error {
	if watchDaemon && watchStop {
		return fmt.Errorf("--daemon and --stop are mutually exclusive")
	}

	// Get default paths if not specified
	if watchPIDFile == "" {
		defaultPID, err := getDefaultPIDFile()
		if err != nil {
			return fmt.Errorf("failed to get default PID file path: %w", err)
		}
		watchPIDFile = defaultPID
	}

	if watchLogFile == "" {
		defaultLog, err := getDefaultLogFile()
		if err != nil {
			return fmt.Errorf("failed to get default log file path: %w", err)
		}
		watchLogFile = defaultLog
	}

	if watchStop {
		return stopWatchDaemon()
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	path, err := getDBPath()
	if err != nil {
		return fmt.Errorf("failed to get database path: %w", err)
	}
	db, err := store.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open journal: %w", err)
	}
	defer db.Close()

	w, err := watcher.New(db, cfg.Policy())
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}

	// Drift is reported at INFO.
	if logLevel == "" {
		loggo.GetLogger("devstack.watcher").SetLogLevel(loggo.INFO)
	}

	if watchDaemon {
		return startWatchDaemon(w)
	}

	// This runs as the daemon child process; stdout and stderr go to the log file.
	if watchDaemonChild {
		return w.RunDaemon(watchPIDFile)
	}

	return runWatchForeground(w)
}

// daemonArgs are the global flags the child must see to watch the same
// paths and write to the same journal.
func daemonArgs() []string {
	var args []string
	if configFile != "" {
		args = append(args, "--config", configFile)
	}
	if dbPath != "" {
		args = append(args, "--db", dbPath)
	}
	if logLevel != "" {
		args = append(args, "--log-level", logLevel)
	}
	return args
}

func stopWatchDaemon() error {
	running, err := watcher.IsDaemonRunning(watchPIDFile)
	if err != nil {
		return fmt.Errorf("failed to check daemon status: %w", err)
	}

	if !running {
		fmt.Println("Daemon is not running")
		return nil
	}

	spinner := output.NewSpinner("Stopping daemon...")
	if err := watcher.StopDaemon(watchPIDFile); err != nil {
		spinner.Stop()
		return fmt.Errorf("failed to stop daemon: %w", err)
	}
	spinner.StopWithMessage("✓ Daemon stopped")

	return nil
}

func startWatchDaemon(w *watcher.Watcher) error {
	if running, err := watcher.IsDaemonRunning(watchPIDFile); err == nil && running {
		fmt.Printf("Drift monitor already running (PID %d). Nothing to do.\n", watcher.DaemonPID(watchPIDFile))
		return ErrNoChange
	}

	spinner := output.NewSpinner("Starting daemon...")
	if err := w.StartDaemon(watchPIDFile, watchLogFile, daemonArgs()...); err != nil {
		spinner.Stop()
		return fmt.Errorf("failed to start daemon: %w", err)
	}
	spinner.StopWithMessage("✓ Daemon started")

	fmt.Printf("\nDrift monitor started\n")
	fmt.Printf("  PID file: %s\n", watchPIDFile)
	fmt.Printf("  Log file: %s\n", watchLogFile)
	fmt.Printf("\nTo stop: devstack watch --stop\n")

	return nil
}

func runWatchForeground(w *watcher.Watcher) error {
	fmt.Println("Watching managed files (press Ctrl+C to stop)...")
	fmt.Println()

	if err := w.Start(); err != nil {
		return fmt.Errorf("failed to start watcher: %w", err)
	}
	fmt.Println("✓ Watcher started")
	fmt.Println()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)

	sig := <-sigCh
	fmt.Printf("\nReceived signal %v, shutting down...\n", sig)

	if err := w.Stop(); err != nil {
		return fmt.Errorf("failed to stop watcher: %w", err)
	}
	fmt.Println("✓ Watcher stopped")
	return nil
}
