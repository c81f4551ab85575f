// Package config loads the devstack configuration.
//
// Configuration is read once per process from config.yaml in Dir() (or the
// file given with --config), with DEVSTACK_* environment overrides, and is
// handed to the managers as plain values.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// KeyDelimiter separates nested keys. Service names such as php8.2-fpm
// contain dots, so the default "." cannot be used.
const KeyDelimiter = "::"

// Config is the effective devstack configuration.
type Config struct {
	ProjectsRoot  string            `mapstructure:"projects_root" yaml:"projects_root"`
	DefaultEngine string            `mapstructure:"default_engine" yaml:"default_engine"`
	DefaultPHP    string            `mapstructure:"default_php" yaml:"default_php"`
	DomainSuffix  string            `mapstructure:"domain_suffix" yaml:"domain_suffix"`
	Escalation    string            `mapstructure:"escalation" yaml:"escalation"`
	LogLevel      string            `mapstructure:"log_level" yaml:"log_level"`
	Catalog       string            `mapstructure:"catalog" yaml:"catalog"`
	Services      []string          `mapstructure:"services" yaml:"services"`
	Ports         map[string][]int  `mapstructure:"ports" yaml:"ports"`
	Aliases       map[string]string `mapstructure:"aliases" yaml:"aliases"`
	Paths         Paths             `mapstructure:"paths" yaml:"paths"`
	Certificates  Certificates      `mapstructure:"certificates" yaml:"certificates"`
	Databases     Databases         `mapstructure:"databases" yaml:"databases"`
	Confirm       Confirm           `mapstructure:"confirm" yaml:"confirm"`
	Serve         Serve             `mapstructure:"serve" yaml:"serve"`
}

// Paths locates the system files devstack manages.
type Paths struct {
	ApacheSites   string `mapstructure:"apache_sites" yaml:"apache_sites"`
	ApacheEnabled string `mapstructure:"apache_enabled" yaml:"apache_enabled"`
	ApacheModules string `mapstructure:"apache_modules" yaml:"apache_modules"`
	NginxSites    string `mapstructure:"nginx_sites" yaml:"nginx_sites"`
	NginxEnabled  string `mapstructure:"nginx_enabled" yaml:"nginx_enabled"`
	HostsFile     string `mapstructure:"hosts_file" yaml:"hosts_file"`
	CertDir       string `mapstructure:"cert_dir" yaml:"cert_dir"`
	KeyDir        string `mapstructure:"key_dir" yaml:"key_dir"`
	TrustDir      string `mapstructure:"trust_dir" yaml:"trust_dir"`
	PHPFPMSocket  string `mapstructure:"php_fpm_socket" yaml:"php_fpm_socket"` // %s is the PHP version
	StagingDir    string `mapstructure:"staging_dir" yaml:"staging_dir"`
}

type Certificates struct {
	ValidityDays int `mapstructure:"validity_days" yaml:"validity_days"`
	KeyBits      int `mapstructure:"key_bits" yaml:"key_bits"`
}

// Databases holds optional administrative DSNs used for unprivileged
// existence checks. Empty means ask the broker instead.
type Databases struct {
	MySQLDSN    string `mapstructure:"mysql_dsn" yaml:"mysql_dsn"`
	PostgresDSN string `mapstructure:"postgres_dsn" yaml:"postgres_dsn"`
}

// Confirm bounds how long a manager waits for a service to reach the state
// it asked for.
type Confirm struct {
	Attempts int           `mapstructure:"attempts" yaml:"attempts"`
	Delay    time.Duration `mapstructure:"delay" yaml:"delay"`
}

type Serve struct {
	Listen string `mapstructure:"listen" yaml:"listen"`
}

// Dir returns the devstack config directory, respecting XDG_CONFIG_HOME.
// Defaults to ~/.config/devstack if XDG_CONFIG_HOME is not set.
func Dir() (string, error) {
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "devstack"), nil
}

// NewViper returns a viper instance set up for devstack: key delimiter,
// defaults and environment overrides.
func NewViper() *viper.Viper {
	v := viper.NewWithOptions(viper.KeyDelimiter(KeyDelimiter))
	SetDefaults(v)
	v.SetEnvPrefix("DEVSTACK")
	v.SetEnvKeyReplacer(strings.NewReplacer(KeyDelimiter, "_"))
	v.AutomaticEnv()
	return v
}

func key(parts ...string) string {
	return strings.Join(parts, KeyDelimiter)
}

// SetDefaults registers every default on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("projects_root", "~/projects")
	v.SetDefault("default_engine", "apache")
	v.SetDefault("default_php", "8.2")
	v.SetDefault("domain_suffix", ".test")
	v.SetDefault("escalation", "auto")
	v.SetDefault("log_level", "<root>=WARNING")
	v.SetDefault("catalog", "")
	v.SetDefault("services", []string{
		"apache2", "nginx", "mysql", "mariadb", "postgresql",
		"redis-server", "mongod", "php8.1-fpm", "php8.2-fpm", "php8.3-fpm",
	})
	v.SetDefault("ports", map[string][]int{
		"apache2":      {80, 443},
		"nginx":        {80, 443},
		"mysql":        {3306},
		"mariadb":      {3306},
		"postgresql":   {5432},
		"redis-server": {6379},
		"mongod":       {27017},
	})
	v.SetDefault("aliases", map[string]string{
		"apache":   "apache2",
		"redis":    "redis-server",
		"postgres": "postgresql",
		"mongodb":  "mongod",
	})

	v.SetDefault(key("paths", "apache_sites"), "/etc/apache2/sites-available")
	v.SetDefault(key("paths", "apache_enabled"), "/etc/apache2/sites-enabled")
	v.SetDefault(key("paths", "apache_modules"), "/etc/apache2/mods-enabled")
	v.SetDefault(key("paths", "nginx_sites"), "/etc/nginx/sites-available")
	v.SetDefault(key("paths", "nginx_enabled"), "/etc/nginx/sites-enabled")
	v.SetDefault(key("paths", "hosts_file"), "/etc/hosts")
	v.SetDefault(key("paths", "cert_dir"), "/etc/ssl/certs")
	v.SetDefault(key("paths", "key_dir"), "/etc/devstack/ssl/private")
	v.SetDefault(key("paths", "trust_dir"), "/usr/local/share/ca-certificates")
	v.SetDefault(key("paths", "php_fpm_socket"), "/run/php/php%s-fpm.sock")
	v.SetDefault(key("paths", "staging_dir"), os.TempDir())

	v.SetDefault(key("certificates", "validity_days"), 365)
	v.SetDefault(key("certificates", "key_bits"), 2048)

	v.SetDefault(key("databases", "mysql_dsn"), "")
	v.SetDefault(key("databases", "postgres_dsn"), "")

	v.SetDefault(key("confirm", "attempts"), 10)
	v.SetDefault(key("confirm", "delay"), 300*time.Millisecond)

	v.SetDefault(key("serve", "listen"), "127.0.0.1:7780")
}

// Load decodes v into a Config, expands ~ in paths and validates the result.
func Load(v *viper.Viper) (*Config, error) {
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	root, err := expandHome(cfg.ProjectsRoot)
	if err != nil {
		return nil, err
	}
	cfg.ProjectsRoot = root

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks values that would otherwise fail deep inside a manager.
func (c *Config) Validate() error {
	switch c.DefaultEngine {
	case "apache", "nginx":
	default:
		return fmt.Errorf("default_engine must be apache or nginx, got %q", c.DefaultEngine)
	}
	if !strings.HasPrefix(c.DomainSuffix, ".") || len(c.DomainSuffix) < 2 {
		return fmt.Errorf("domain_suffix must start with a dot, got %q", c.DomainSuffix)
	}
	if c.DomainSuffix != strings.ToLower(c.DomainSuffix) {
		return fmt.Errorf("domain_suffix must be lower case, got %q", c.DomainSuffix)
	}
	if !filepath.IsAbs(c.ProjectsRoot) {
		return fmt.Errorf("projects_root must be absolute, got %q", c.ProjectsRoot)
	}
	if c.Certificates.ValidityDays <= 0 {
		return fmt.Errorf("certificates.validity_days must be positive")
	}
	if c.Certificates.KeyBits < 2048 {
		return fmt.Errorf("certificates.key_bits must be at least 2048")
	}
	if c.Confirm.Attempts <= 0 || c.Confirm.Delay <= 0 {
		return fmt.Errorf("confirm.attempts and confirm.delay must be positive")
	}
	return nil
}

// PHPSocket returns the FPM socket path for a PHP version.
func (c *Config) PHPSocket(version string) string {
	return fmt.Sprintf(c.Paths.PHPFPMSocket, version)
}

func expandHome(path string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
}
