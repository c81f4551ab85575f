package vhost

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/juju/loggo/v2"

	"github.com/blackwell-systems/devstack/internal/backup"
	"github.com/blackwell-systems/devstack/internal/broker"
	"github.com/blackwell-systems/devstack/internal/certs"
	"github.com/blackwell-systems/devstack/internal/fault"
)

var logger = loggo.GetLogger("devstack.vhost")

// CertEnsurer supplies certificates for TLS hosts.
type CertEnsurer interface {
	EnsureCertificate(ctx context.Context, hostname string) (*certs.Bundle, error)
}

// Backups keeps a copy of a file before it is replaced.
type Backups interface {
	Save(kind, target, reason string, content []byte) error
}

// Options configures a Provisioner.
type Options struct {
	// Suffix is appended to a virtual host's name to form its hostname.
	Suffix string

	// PHPSocket maps a PHP version to its FPM socket path.
	PHPSocket func(version string) string

	Certs   CertEnsurer
	Backups Backups // optional
}

// Provisioner creates, updates and removes virtual hosts through the broker.
type Provisioner struct {
	exec   broker.Executor
	policy *broker.Policy
	opts   Options
}

// NewProvisioner returns a Provisioner writing to policy's locations.
func NewProvisioner(exec broker.Executor, policy *broker.Policy, opts Options) *Provisioner {
	if opts.Suffix == "" {
		opts.Suffix = ".test"
	}
	if opts.PHPSocket == nil {
		opts.PHPSocket = func(version string) string {
			return fmt.Sprintf("/run/php/php%s-fpm.sock", version)
		}
	}
	return &Provisioner{exec: exec, policy: policy, opts: opts}
}

// Result reports how far CreateOrUpdate got. It is returned alongside any
// error so callers can report partial success.
type Result struct {
	Hostname      string        `json:"hostname"`
	ConfigPath    string        `json:"config_path"`
	Certificate   *certs.Bundle `json:"certificate,omitempty"`
	ConfigWritten bool          `json:"config_written"`
	SiteEnabled   bool          `json:"site_enabled"`
	HostsUpdated  bool          `json:"hosts_updated"`
	ConfigTested  bool          `json:"config_tested"`
	Reloaded      bool          `json:"reloaded"`
	MovedFrom     []string      `json:"moved_from,omitempty"`
	Diagnostic    string        `json:"diagnostic,omitempty"`
}

// CreateOrUpdate brings vh's configuration, hosts entry and certificate in
// line with vh. Steps run in order and each must succeed before the next:
// validate, render, certificate, write and enable, hosts entry, configtest,
// reload. A configuration the engine rejects stays on disk but is never
// reloaded. The hostname is served by one engine only: a managed site for
// it on another engine is disabled and removed first.
func (p *Provisioner) CreateOrUpdate(ctx context.Context, vh VirtualHost) (*Result, error) {
	if err := vh.Validate(); err != nil {
		return nil, err
	}
	hostname := vh.Hostname(p.opts.Suffix)
	if !broker.IsHostname(hostname) {
		return nil, fault.Errorf(ErrInvalidVirtualHost, "hostname %q", hostname)
	}

	site := p.policy.Sites[vh.Engine]
	res := &Result{Hostname: hostname, ConfigPath: site.SiteFile(hostname)}

	variant, err := SelectTemplate(vh.Engine, vh.TLS, vh.PHPVersion != "")
	if err != nil {
		return nil, err
	}
	data := TemplateData{
		Hostname:     hostname,
		DocumentRoot: vh.DocumentRoot,
		PHPVersion:   vh.PHPVersion,
	}
	if vh.PHPVersion != "" {
		data.PHPSocket = p.opts.PHPSocket(vh.PHPVersion)
	}

	if vh.TLS {
		if p.opts.Certs == nil {
			return nil, fault.Errorf(ErrInvalidVirtualHost, "TLS requested but no certificate manager is configured")
		}
		bundle, err := p.opts.Certs.EnsureCertificate(ctx, hostname)
		if err != nil {
			return res, err
		}
		res.Certificate = bundle
		data.CertFile, data.KeyFile = bundle.CertPath, bundle.KeyPath
	}

	config, err := Render(variant, data)
	if err != nil {
		return res, err
	}

	if err := p.retireElsewhere(ctx, hostname, vh.Engine, res); err != nil {
		return res, err
	}

	if err := p.enableModules(ctx, variant); err != nil {
		return res, err
	}

	written, err := p.writeConfig(ctx, res.ConfigPath, config)
	if err != nil {
		return res, err
	}
	res.ConfigWritten = written

	if _, err := os.Lstat(site.EnabledLink(hostname)); err != nil {
		if _, err := p.exec.Execute(ctx, broker.NewAction(broker.SiteEnable, vh.Engine, hostname)); err != nil {
			return res, err
		}
		res.SiteEnabled = true
	}

	updated, err := p.updateHosts(ctx, "vhost "+hostname, func(content []byte) ([]byte, bool) {
		return EnsureEntry(content, LoopbackIP, hostname)
	})
	if err != nil {
		return res, err
	}
	res.HostsUpdated = updated
	if err := p.checkHosts(hostname); err != nil {
		return res, err
	}

	if err := p.configTest(ctx, vh.Engine, res); err != nil {
		return res, err
	}

	if _, err := p.exec.Execute(ctx, broker.NewAction(broker.WebReload, vh.Engine)); err != nil {
		return res, err
	}
	res.Reloaded = true
	logger.Infof("virtual host %s ready on %s", hostname, vh.Engine)
	return res, nil
}

// retireElsewhere removes hostname's managed site from every engine other
// than engine and reloads each engine it touched. The hosts entry stays.
func (p *Provisioner) retireElsewhere(ctx context.Context, hostname, engine string, res *Result) error {
	sites, err := p.List()
	if err != nil {
		return err
	}
	for _, s := range sites {
		if s.Hostname != hostname || s.Engine == engine {
			continue
		}
		if err := p.retire(ctx, s.Engine, hostname); err != nil {
			return err
		}
		if _, err := p.exec.Execute(ctx, broker.NewAction(broker.WebReload, s.Engine)); err != nil {
			return err
		}
		logger.Infof("virtual host %s moved from %s to %s", hostname, s.Engine, engine)
		res.MovedFrom = append(res.MovedFrom, s.Engine)
	}
	return nil
}

// retire disables hostname's site on engine and deletes its file, backing
// it up first. It reports ErrNotFound when neither exists.
func (p *Provisioner) retire(ctx context.Context, engine, hostname string) error {
	site := p.policy.Sites[engine]
	path := site.SiteFile(hostname)

	_, linkErr := os.Lstat(site.EnabledLink(hostname))
	current, fileErr := os.ReadFile(path)
	if linkErr != nil && errors.Is(fileErr, os.ErrNotExist) {
		return fault.Errorf(ErrNotFound, "%s on %s", hostname, engine)
	}

	if linkErr == nil {
		if _, err := p.exec.Execute(ctx, broker.NewAction(broker.SiteDisable, engine, hostname)); err != nil {
			return err
		}
	}
	if fileErr == nil {
		p.backup(backup.KindSite, path, current)
		if _, err := p.exec.Execute(ctx, broker.NewAction(broker.FileRemove, path)); err != nil {
			return err
		}
	}
	return nil
}

// enableModules turns on the Apache modules variant depends on.
func (p *Provisioner) enableModules(ctx context.Context, v Variant) error {
	if v.Engine != broker.EngineApache {
		return nil
	}
	modules := []string{"rewrite"}
	if v.PHP {
		modules = append(modules, "proxy_fcgi", "setenvif")
	}
	if v.TLS {
		modules = append(modules, "ssl")
	}
	for _, m := range modules {
		if p.policy.ModuleEnabled(v.Engine, m) {
			continue
		}
		if _, err := p.exec.Execute(ctx, broker.NewAction(broker.ApacheModule, m)); err != nil {
			return err
		}
	}
	return nil
}

// writeConfig installs config at path unless path already holds exactly
// config. A differing previous file is backed up first.
func (p *Provisioner) writeConfig(ctx context.Context, path string, config []byte) (bool, error) {
	current, err := os.ReadFile(path)
	switch {
	case err == nil && bytes.Equal(current, config):
		logger.Debugf("%s is up to date", path)
		return false, nil
	case err == nil:
		p.backup(backup.KindSite, path, current)
	case !errors.Is(err, os.ErrNotExist):
		logger.Debugf("cannot read %s: %v", path, err)
	}

	if err := p.install(ctx, path, config); err != nil {
		return false, err
	}
	if written, err := os.ReadFile(path); err == nil && !bytes.Equal(written, config) {
		return false, fault.Errorf(fault.StateTransitionFailed, "%s does not hold the rendered configuration after install", path)
	}
	return true, nil
}

func (p *Provisioner) install(ctx context.Context, path string, content []byte) error {
	staged, cleanup, err := stage(p.policy.StagingRoot, "devstack-site-", content)
	if err != nil {
		return err
	}
	defer cleanup()
	_, err = p.exec.Execute(ctx, broker.NewAction(broker.FileInstall, staged, path, "0644"))
	return err
}

// updateHosts applies edit to the hosts database and writes the result if
// anything changed.
func (p *Provisioner) updateHosts(ctx context.Context, reason string, edit func([]byte) ([]byte, bool)) (bool, error) {
	current, err := os.ReadFile(p.policy.HostsFile)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return false, fmt.Errorf("failed to read %s: %w", p.policy.HostsFile, err)
	}
	next, changed := edit(current)
	if !changed {
		return false, nil
	}
	if len(current) > 0 {
		p.backup(backup.KindHosts, p.policy.HostsFile, current)
	}

	staged, cleanup, err := stage(p.policy.StagingRoot, "devstack-hosts-", next)
	if err != nil {
		return false, err
	}
	defer cleanup()
	if _, err := p.exec.Execute(ctx, broker.NewAction(broker.HostsWrite, staged)); err != nil {
		return false, err
	}
	logger.Infof("updated %s (%s)", p.policy.HostsFile, reason)
	return true, nil
}

func (p *Provisioner) checkHosts(hostname string) error {
	content, err := os.ReadFile(p.policy.HostsFile)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", p.policy.HostsFile, err)
	}
	if ips := Lookup(content, hostname); len(ips) == 0 || !containsIP(ips, LoopbackIP) {
		return fault.Errorf(fault.StateTransitionFailed, "%s has no %s entry for %s", p.policy.HostsFile, LoopbackIP, hostname)
	}
	return nil
}

func containsIP(ips []string, ip string) bool {
	for _, v := range ips {
		if v == ip {
			return true
		}
	}
	return false
}

func (p *Provisioner) configTest(ctx context.Context, engine string, res *Result) error {
	_, err := p.exec.Execute(ctx, broker.NewAction(broker.WebConfigTest, engine))
	if errors.Is(err, broker.ErrCommandFailed) {
		res.Diagnostic = broker.Diagnostic(err)
		return fmt.Errorf("%w: %w", ErrConfigurationInvalid, err)
	}
	if err != nil {
		return err
	}
	res.ConfigTested = true
	return nil
}

func (p *Provisioner) backup(kind, target string, content []byte) {
	if p.opts.Backups == nil {
		return
	}
	if err := p.opts.Backups.Save(kind, target, "before devstack update", content); err != nil {
		logger.Warningf("failed to back up %s: %v", target, err)
	}
}

func stage(root, prefix string, content []byte) (string, func(), error) {
	f, err := os.CreateTemp(root, prefix)
	if err != nil {
		return "", nil, fmt.Errorf("failed to stage file: %w", err)
	}
	cleanup := func() { os.Remove(f.Name()) }
	if _, err := f.Write(content); err != nil {
		f.Close()
		cleanup()
		return "", nil, fmt.Errorf("failed to stage file: %w", err)
	}
	if err := f.Close(); err != nil {
		cleanup()
		return "", nil, fmt.Errorf("failed to stage file: %w", err)
	}
	return f.Name(), cleanup, nil
}

// Remove disables and deletes hostname's site on engine, drops its hosts
// entry and reloads the engine. Missing pieces are skipped.
func (p *Provisioner) Remove(ctx context.Context, hostname, engine string) error {
	if !broker.IsHostname(hostname) {
		return fault.Errorf(ErrInvalidVirtualHost, "hostname %q", hostname)
	}
	if _, ok := p.policy.Sites[engine]; !ok {
		return fault.Errorf(ErrInvalidVirtualHost, "unknown engine %q", engine)
	}
	if err := p.retire(ctx, engine, hostname); err != nil {
		return err
	}
	if _, err := p.updateHosts(ctx, "remove "+hostname, func(content []byte) ([]byte, bool) {
		return RemoveEntry(content, hostname)
	}); err != nil {
		return err
	}
	if _, err := p.exec.Execute(ctx, broker.NewAction(broker.WebReload, engine)); err != nil {
		return err
	}
	logger.Infof("virtual host %s removed from %s", hostname, engine)
	return nil
}

// List returns the sites devstack manages on every engine.
func (p *Provisioner) List() ([]Site, error) {
	var sites []Site
	engines := make([]string, 0, len(p.policy.Sites))
	for engine := range p.policy.Sites {
		engines = append(engines, engine)
	}
	sort.Strings(engines)

	for _, engine := range engines {
		paths := p.policy.Sites[engine]
		entries, err := os.ReadDir(paths.Available)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to list %s: %w", paths.Available, err)
		}
		for _, e := range entries {
			if e.IsDir() || !strings.HasSuffix(e.Name(), paths.Suffix) {
				continue
			}
			path := filepath.Join(paths.Available, e.Name())
			content, err := os.ReadFile(path)
			if err != nil {
				continue
			}
			meta, ok := parseHeader(content)
			if !ok {
				continue
			}
			s := Site{
				Hostname:     meta["hostname"],
				Engine:       engine,
				ConfigPath:   path,
				DocumentRoot: meta["document_root"],
				TLS:          meta["tls"] == "on",
			}
			if v := meta["php"]; v != "none" {
				s.PHPVersion = v
			}
			if _, err := os.Lstat(paths.EnabledLink(s.Hostname)); err == nil {
				s.Enabled = true
			}
			sites = append(sites, s)
		}
	}
	return sites, nil
}
