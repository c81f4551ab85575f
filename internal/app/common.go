package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/viper"

	"github.com/blackwell-systems/devstack/internal/backup"
	"github.com/blackwell-systems/devstack/internal/broker"
	"github.com/blackwell-systems/devstack/internal/certs"
	"github.com/blackwell-systems/devstack/internal/config"
	"github.com/blackwell-systems/devstack/internal/database"
	"github.com/blackwell-systems/devstack/internal/inspect"
	"github.com/blackwell-systems/devstack/internal/metrics"
	"github.com/blackwell-systems/devstack/internal/packages"
	"github.com/blackwell-systems/devstack/internal/project"
	"github.com/blackwell-systems/devstack/internal/services"
	"github.com/blackwell-systems/devstack/internal/store"
	"github.com/blackwell-systems/devstack/internal/ui"
	"github.com/blackwell-systems/devstack/internal/vhost"
)

var (
	loadedConfig *config.Config
	configUsed   string
)

// loadConfig reads the configuration once per process. A missing default
// file means defaults; a missing --config file is an error.
func loadConfig() (*config.Config, error) {
	if loadedConfig != nil {
		return loadedConfig, nil
	}

	v := config.NewViper()
	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		dir, err := config.Dir()
		if err != nil {
			return nil, fmt.Errorf("failed to locate config directory: %w", err)
		}
		v.AddConfigPath(dir)
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	cfg, err := config.Load(v)
	if err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	loadedConfig = cfg
	configUsed = v.ConfigFileUsed()
	return cfg, nil
}

// newGateway is broker.NewGateway; tests replace it.
var newGateway = broker.NewGateway

// newExecutor builds the broker for this process; tests replace it.
var newExecutor = func(cfg *config.Config, policy *broker.Policy, rec broker.Recorder) (broker.Executor, error) {
	gw, err := newGateway(cfg.Escalation)
	if err != nil {
		return nil, err
	}
	return broker.New(policy, gw, broker.WithRecorder(rec)), nil
}

// newInspector builds the system inspector; tests replace it.
var newInspector = func(cfg *config.Config) *inspect.Inspector {
	return inspect.NewSystem(cfg.Ports)
}

// stack holds the managers a command works with. Everything privileged goes
// through exec, which journals into store and counts into metrics.
type stack struct {
	cfg       *config.Config
	policy    *broker.Policy
	store     *store.Store
	metrics   *metrics.Collector
	exec      broker.Executor
	inspector *inspect.Inspector
}

func openStack() (*stack, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	path, err := getDBPath()
	if err != nil {
		return nil, fmt.Errorf("failed to get database path: %w", err)
	}
	st, err := store.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}

	s := &stack{
		cfg:       cfg,
		policy:    cfg.Policy(),
		store:     st,
		metrics:   metrics.NewCollector(),
		inspector: newInspector(cfg),
	}
	s.exec, err = newExecutor(cfg, s.policy, broker.MultiRecorder{st, s.metrics})
	if err != nil {
		st.Close()
		return nil, err
	}
	return s, nil
}

func (s *stack) Close() error {
	return s.store.Close()
}

func (s *stack) services() *services.Manager {
	return services.New(s.exec, s.inspector, services.Options{
		Services: s.cfg.Services,
		Attempts: s.cfg.Confirm.Attempts,
		Delay:    s.cfg.Confirm.Delay,
	})
}

func (s *stack) certs() *certs.Manager {
	return certs.New(s.exec, s.policy, certs.Options{
		ValidityDays: s.cfg.Certificates.ValidityDays,
		KeyBits:      s.cfg.Certificates.KeyBits,
	})
}

func (s *stack) backups() (*backup.Manager, error) {
	dir, err := getBackupDir()
	if err != nil {
		return nil, err
	}
	return backup.New(s.store, dir, s.exec, s.policy), nil
}

func (s *stack) vhosts() (*vhost.Provisioner, error) {
	b, err := s.backups()
	if err != nil {
		return nil, err
	}
	return vhost.NewProvisioner(s.exec, s.policy, vhost.Options{
		Suffix:    s.cfg.DomainSuffix,
		PHPSocket: s.cfg.PHPSocket,
		Certs:     s.certs(),
		Backups:   b,
	}), nil
}

func (s *stack) databases() *database.Provisioner {
	prober := database.NewProber(s.exec, s.cfg.Databases.MySQLDSN, s.cfg.Databases.PostgresDSN)
	return database.New(s.exec, prober, s.policy.StagingRoot)
}

func (s *stack) catalog() (*packages.Catalog, error) {
	if s.cfg.Catalog == "" {
		return packages.Default(), nil
	}
	c, err := packages.Load(s.cfg.Catalog)
	if err != nil {
		return nil, fmt.Errorf("failed to load catalog: %w", err)
	}
	return c, nil
}

func (s *stack) installer() (*packages.Installer, error) {
	c, err := s.catalog()
	if err != nil {
		return nil, err
	}
	return packages.NewInstaller(s.exec, s.inspector, c), nil
}

func (s *stack) projects() (*project.Manager, error) {
	hosts, err := s.vhosts()
	if err != nil {
		return nil, err
	}
	return project.New(hosts, project.Options{
		Root:          s.cfg.ProjectsRoot,
		Suffix:        s.cfg.DomainSuffix,
		DefaultEngine: s.cfg.DefaultEngine,
		DefaultPHP:    s.cfg.DefaultPHP,
	}), nil
}

// withStack opens the stack for the duration of fn.
func withStack(fn func(s *stack) error) error {
	s, err := openStack()
	if err != nil {
		return err
	}
	defer s.Close()
	return fn(s)
}

// signalContext is cancelled on SIGINT or SIGTERM. A privileged command that
// is already running is not interrupted by the broker; only waiting is.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// confirmPrompt is ui.Confirm; tests replace it.
var confirmPrompt = ui.Confirm

// confirm asks before a destructive step unless --yes was given.
func confirm(title, description string) (bool, error) {
	return confirmPrompt(title, description, assumeYes)
}
