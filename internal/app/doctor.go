package app

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/blackwell-systems/devstack/internal/broker"
	"github.com/blackwell-systems/devstack/internal/certs"
	"github.com/blackwell-systems/devstack/internal/config"
	"github.com/blackwell-systems/devstack/internal/inspect"
	"github.com/blackwell-systems/devstack/internal/store"
	"github.com/blackwell-systems/devstack/internal/watcher"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Diagnose common issues and check system health",
	Long: `Runs diagnostic checks on this machine's devstack setup.

Checks:
  • Configuration loads and is valid
  • An authorization gateway (pkexec or sudo) is usable
  • The journal database is accessible
  • System tools devstack runs are installed
  • Site directories, hosts file and Apache modules
  • systemd answers service queries
  • Certificates are not expired
  • The drift monitor is running

Exits with status 1 on critical issues and 2 when there are only warnings.`,
	RunE: runDoctor,
}

// lookPath is exec.LookPath; tests replace it.
var lookPath = exec.LookPath

// doctorTools are the programs the broker and inspector run. A missing one
// disables a feature rather than devstack as a whole.
var doctorTools = []struct {
	name    string
	feature string
}{
	{"systemctl", "service control"},
	{"journalctl", "service logs"},
	{"dpkg-query", "package state"},
	{"apt-get", "package install"},
	{"install", "file installation"},
	{"update-ca-certificates", "certificate trust"},
}

func init() {
	RootCmd.AddCommand(doctorCmd)
}

// doctorReport counts issues by severity.
type doctorReport struct {
	critical int
	warnings int
}

func (r *doctorReport) ok(format string, args ...any) {
	fmt.Printf("✓ "+format+"\n", args...)
}

func (r *doctorReport) warn(action, format string, args ...any) {
	fmt.Printf("⚠ "+format+"\n", args...)
	if action != "" {
		fmt.Printf("  Action: %s\n", action)
	}
	r.warnings++
}

func (r *doctorReport) fail(action, format string, args ...any) {
	fmt.Printf("✗ "+format+"\n", args...)
	if action != "" {
		fmt.Printf("  Action: %s\n", action)
	}
	r.critical++
}

func runDoctor(cmd *cobra.Command, args []string) error {
	fmt.Println("Running devstack diagnostics...")
	fmt.Println()

	r := &doctorReport{}

	// Check 1: configuration. Nothing else can be checked without it.
	cfg, err := loadConfig()
	if err != nil {
		r.fail("Fix the file or run 'devstack config init --force'", "Configuration: %v", err)
		return r.result()
	}
	if configUsed != "" {
		r.ok("Configuration loaded: %s", configUsed)
	} else {
		r.ok("Configuration: defaults (no config file)")
	}
	policy := cfg.Policy()

	// Check 2: authorization gateway (critical)
	gw, err := newGateway(cfg.Escalation)
	if err != nil {
		r.fail("Set escalation to auto, pkexec, sudo or direct", "Escalation mode: %v", err)
	} else if err := gw.Available(); err != nil {
		r.fail("Install polkit (pkexec) or sudo", "Gateway %s unavailable: %v", gw.Name(), err)
	} else {
		r.ok("Privileged actions run through %s", gw.Name())
	}

	// Check 3: journal (critical)
	path, err := getDBPath()
	if err != nil {
		r.fail("", "Journal path: %v", err)
	} else if st, err := store.Open(path); err != nil {
		r.fail("Remove or move the file and run any command to recreate it", "Cannot open journal %s: %v", path, err)
	} else {
		counts, err := st.CountActions()
		st.Close()
		if err != nil {
			r.fail("", "Cannot read journal: %v", err)
		} else {
			r.ok("Journal: %s (%s)", path, formatCounts(counts))
		}
	}

	// Check 4: system tools (warning only)
	missingTools := 0
	for _, t := range doctorTools {
		if _, err := lookPath(t.name); err != nil {
			r.warn("", "%s not found; %s will not work", t.name, t.feature)
			missingTools++
		}
	}
	if missingTools == 0 {
		r.ok("System tools present")
	}

	// Check 5: managed locations (warning only)
	doctorPaths(r, cfg, policy)

	// Check 6: systemd (warning only)
	doctorSystemd(r, cfg)

	// Check 7: certificates (warning only)
	doctorCerts(r, policy)

	// Check 8: drift monitor (warning only)
	pidFile, err := getDefaultPIDFile()
	if err != nil {
		r.warn("", "Failed to get PID file path: %v", err)
	} else if running, err := watcher.IsDaemonRunning(pidFile); err != nil {
		r.warn("", "Failed to check daemon status: %v", err)
	} else if !running {
		r.warn("Run 'devstack watch --daemon'", "Drift monitor not running")
	} else {
		r.ok("Drift monitor running (PID %d)", watcher.DaemonPID(pidFile))
	}

	return r.result()
}

func doctorPaths(r *doctorReport, cfg *config.Config, policy *broker.Policy) {
	if _, err := os.Stat(policy.HostsFile); err != nil {
		r.warn("Check paths.hosts_file", "Hosts file: %v", err)
	}

	engines := 0
	for engine, site := range policy.Sites {
		_, errA := os.Stat(site.Available)
		_, errE := os.Stat(site.Enabled)
		if errA != nil || errE != nil {
			continue
		}
		engines++
		if engine == broker.EngineApache {
			var missing []string
			for _, m := range broker.ApacheModules {
				if !policy.ModuleEnabled(engine, m) {
					missing = append(missing, m)
				}
			}
			if len(missing) > 0 {
				r.warn("They are enabled when a site needs them", "Apache modules not enabled: %s", strings.Join(missing, ", "))
			}
		}
	}
	if engines == 0 {
		r.warn("Install apache2 or nginx: devstack pkg install nginx", "No web server site directories found")
	} else {
		r.ok("%d web server(s) with site directories", engines)
	}

	if info, err := os.Stat(cfg.ProjectsRoot); err != nil || !info.IsDir() {
		r.warn("It is created with the first project", "Projects root %s does not exist", cfg.ProjectsRoot)
	} else {
		r.ok("Projects root: %s", cfg.ProjectsRoot)
	}
}

func doctorSystemd(r *doctorReport, cfg *config.Config) {
	if len(cfg.Services) == 0 {
		r.warn("Add services to the config", "No services configured")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	inspector := newInspector(cfg)
	installed := 0
	for _, name := range cfg.Services {
		status, err := inspector.ServiceStatus(ctx, name)
		if err != nil {
			r.warn("Is systemd running? Service status will be unavailable", "Cannot query systemd: %v", err)
			return
		}
		if status != inspect.NotInstalled {
			installed++
		}
	}
	r.ok("systemd reachable (%d of %d configured services installed)", installed, len(cfg.Services))
}

func doctorCerts(r *doctorReport, policy *broker.Policy) {
	bundles, err := certs.New(nil, policy, certs.Options{}).List()
	if err != nil {
		r.warn("", "Cannot list certificates: %v", err)
		return
	}
	now := time.Now()
	expired := 0
	for _, b := range bundles {
		if b.Expired(now) {
			r.warn(fmt.Sprintf("Run 'devstack cert renew %s'", b.Hostname), "Certificate for %s expired on %s", b.Hostname, b.NotAfter.Format("2006-01-02"))
			expired++
		}
	}
	if expired == 0 {
		r.ok("%d certificate(s), none expired", len(bundles))
	}
}

func (r *doctorReport) result() error {
	fmt.Println()
	if r.critical == 0 && r.warnings == 0 {
		fmt.Println("✓ All checks passed!")
		return nil
	}
	if r.critical > 0 {
		fmt.Printf("Found %d critical issue(s) and %d warning(s).\n", r.critical, r.warnings)
		return fmt.Errorf("diagnostics failed")
	}
	fmt.Printf("Found %d warning(s). devstack is functional but not fully set up.\n", r.warnings)
	return ErrWarnings
}
