package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blackwell-systems/devstack/internal/broker"
)

func TestDir_XDG(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", "/custom/config")

	dir, err := Dir()
	require.NoError(t, err)
	assert.Equal(t, "/custom/config/devstack", dir)
}

func TestDir_Default(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", "")
	home := t.TempDir()
	t.Setenv("HOME", home)

	dir, err := Dir()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, ".config", "devstack"), dir)
}

func TestLoadDefaults(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	cfg, err := Load(NewViper())
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(home, "projects"), cfg.ProjectsRoot)
	assert.Equal(t, "apache", cfg.DefaultEngine)
	assert.Equal(t, "8.2", cfg.DefaultPHP)
	assert.Equal(t, ".test", cfg.DomainSuffix)
	assert.Equal(t, "/etc/hosts", cfg.Paths.HostsFile)
	assert.Equal(t, 365, cfg.Certificates.ValidityDays)
	assert.Equal(t, 300*time.Millisecond, cfg.Confirm.Delay)
	assert.Contains(t, cfg.Services, "php8.2-fpm")
	assert.Equal(t, []int{5432}, cfg.KnownPorts("postgresql"))
	assert.Equal(t, "/run/php/php8.2-fpm.sock", cfg.PHPSocket("8.2"))
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `projects_root: /srv/sites
default_engine: nginx
domain_suffix: .localhost
ports:
  php8.2-fpm: [9000]
paths:
  hosts_file: /tmp/hosts
confirm:
  delay: 1s
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	v := NewViper()
	v.SetConfigFile(path)
	require.NoError(t, v.ReadInConfig())

	cfg, err := Load(v)
	require.NoError(t, err)

	assert.Equal(t, "/srv/sites", cfg.ProjectsRoot)
	assert.Equal(t, "nginx", cfg.DefaultEngine)
	assert.Equal(t, ".localhost", cfg.DomainSuffix)
	assert.Equal(t, "/tmp/hosts", cfg.Paths.HostsFile)
	assert.Equal(t, "/etc/ssl/certs", cfg.Paths.CertDir, "unset nested keys keep their defaults")
	assert.Equal(t, []int{9000}, cfg.KnownPorts("php8.2-fpm"))
	assert.Equal(t, time.Second, cfg.Confirm.Delay)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("DEVSTACK_DEFAULT_PHP", "8.3")

	cfg, err := Load(NewViper())
	require.NoError(t, err)
	assert.Equal(t, "8.3", cfg.DefaultPHP)
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		cfg, err := Load(NewViper())
		require.NoError(t, err)
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown engine", func(c *Config) { c.DefaultEngine = "iis" }},
		{"suffix without dot", func(c *Config) { c.DomainSuffix = "test" }},
		{"upper case suffix", func(c *Config) { c.DomainSuffix = ".Test" }},
		{"relative root", func(c *Config) { c.ProjectsRoot = "projects" }},
		{"weak key", func(c *Config) { c.Certificates.KeyBits = 1024 }},
		{"no attempts", func(c *Config) { c.Confirm.Attempts = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestResolve(t *testing.T) {
	cfg, err := Load(NewViper())
	require.NoError(t, err)

	assert.Equal(t, "redis-server", cfg.Resolve("redis"))
	assert.Equal(t, "redis-server", cfg.Resolve("Redis"))
	assert.Equal(t, "nginx", cfg.Resolve("nginx"))
}

func TestPolicyFollowsPaths(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	v := NewViper()
	v.Set("paths::nginx_sites", "/srv/nginx/available")
	v.Set("paths::hosts_file", "/srv/hosts")
	v.Set("paths::staging_dir", "/srv/staging")

	cfg, err := Load(v)
	require.NoError(t, err)
	p := cfg.Policy()

	assert.Equal(t, "/srv/hosts", p.HostsFile)
	assert.Equal(t, "/srv/staging", p.StagingRoot)
	assert.Equal(t, "/srv/nginx/available", p.Sites[broker.EngineNginx].Available)
	assert.Equal(t, "/etc/apache2/mods-enabled", p.Sites[broker.EngineApache].Modules)
	assert.Equal(t, ".conf", p.Sites[broker.EngineApache].Suffix)
	assert.Contains(t, p.WritableRoots, "/srv/nginx/available")
	assert.Contains(t, p.WritableRoots, "/etc/apache2/sites-available")
}
