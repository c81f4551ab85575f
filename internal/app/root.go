package app

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/juju/loggo/v2"
	"github.com/spf13/cobra"

	"github.com/blackwell-systems/devstack/internal/ui"
)

var (
	dbPath     string
	configFile string
	logLevel   string
	assumeYes  bool

	// RootCmd is the root command for devstack
	RootCmd = &cobra.Command{
		Use:   "devstack",
		Short: "Manage a local web development stack",
		Long: `devstack manages the web stack on a development machine: system services,
virtual hosts, local TLS certificates, databases, packages and projects.

Every privileged change goes through one broker that asks the system for
authorization (pkexec, sudo, or nothing when already root), runs a fixed
command and records the result in a local journal.

Examples:
  # What is running?
  devstack status

  # Start MySQL and enable it at boot
  devstack service start mysql
  devstack service enable mysql

  # New PHP project served at https://shop.test
  devstack project create shop --template php --vhost --tls

  # Database for the project
  devstack db create shop --user shop --password secret

  # Local HTTP API for dashboards
  devstack serve`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return setupLogging()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println("devstack: local web development stack manager")
			fmt.Println()
			fmt.Println("Tip: Run 'devstack status' to see services and sites.")
			fmt.Println("     Run 'devstack doctor' to check the machine.")
			fmt.Println("     Run 'devstack --help' for all commands.")
			return nil
		},
	}
)

var (
	// ErrWarnings is returned when a command finished but reported warnings
	// the user has already seen.
	ErrWarnings = errors.New("completed with warnings")

	// ErrNoChange is returned when nothing had to be done.
	ErrNoChange = errors.New("already in the requested state")
)

// Quiet reports whether err was already explained on stdout. main exits
// with ExitCode(err) without printing it.
func Quiet(err error) bool {
	return errors.Is(err, ErrWarnings) || errors.Is(err, ErrNoChange)
}

func init() {
	// Global flags
	RootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "journal database path (default: ~/.devstack/devstack.db)")
	RootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file (default: ~/.config/devstack/config.yaml)")
	RootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "loggo spec, e.g. '<root>=INFO;devstack.broker=DEBUG'")
	RootCmd.PersistentFlags().BoolVarP(&assumeYes, "yes", "y", false, "answer yes to confirmation prompts")

	RootCmd.SuggestionsMinimumDistance = 2
}

// Execute runs the root command
func Execute() error {
	return RootCmd.Execute()
}

// ExitCode maps an error returned by Execute to a process exit status.
// Informational outcomes (already in the desired state, not installed)
// and warning-only runs exit with 2, failures with 1.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case Quiet(err):
		return 2
	case ui.Categorize(err).Informational():
		return 2
	}
	return 1
}

// setupLogging applies --log-level, falling back to the configured level.
// A config that fails to load is reported later by the command that needs it.
func setupLogging() error {
	spec := logLevel
	if spec == "" {
		if cfg, err := loadConfig(); err == nil {
			spec = cfg.LogLevel
		}
	}
	if spec == "" {
		return nil
	}
	if err := loggo.ConfigureLoggers(spec); err != nil {
		return fmt.Errorf("invalid log level %q: %w", spec, err)
	}
	return nil
}

// stateDir returns ~/.devstack, creating it if needed.
func stateDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user home directory: %w", err)
	}

	dir := filepath.Join(home, ".devstack")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create devstack directory: %w", err)
	}
	return dir, nil
}

// getDBPath returns the database path, using the flag value or default
func getDBPath() (string, error) {
	if dbPath != "" {
		return dbPath, nil
	}
	dir, err := stateDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "devstack.db"), nil
}

// getDefaultPIDFile returns the default PID file path
func getDefaultPIDFile() (string, error) {
	dir, err := stateDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "watch.pid"), nil
}

// getDefaultLogFile returns the default log file path
func getDefaultLogFile() (string, error) {
	dir, err := stateDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "watch.log"), nil
}

// getBackupDir returns the directory holding replaced file contents.
func getBackupDir() (string, error) {
	dir, err := stateDir()
	if err != nil {
		return "", err
	}
	backups := filepath.Join(dir, "backups")
	if err := os.MkdirAll(backups, 0700); err != nil {
		return "", fmt.Errorf("failed to create backup directory: %w", err)
	}
	return backups, nil
}
