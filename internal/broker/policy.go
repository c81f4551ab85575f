package broker

import (
	"os"
	"path/filepath"
)

// SitePaths locates one web server engine's site configuration.
type SitePaths struct {
	Available string // directory holding site files
	Enabled   string // directory holding enabled links
	Service   string // systemd unit reloaded after a change
	Suffix    string // appended to the hostname to form the site file name
	Modules   string // directory of enabled modules, if the engine has one
}

// SiteFile returns the path of hostname's site file.
func (s SitePaths) SiteFile(hostname string) string {
	return filepath.Join(s.Available, hostname+s.Suffix)
}

// EnabledLink returns the path of hostname's enabled link.
func (s SitePaths) EnabledLink(hostname string) string {
	return filepath.Join(s.Enabled, hostname+s.Suffix)
}

// Policy bounds what the broker may touch.
type Policy struct {
	// StagingRoot holds files prepared by the unprivileged process.
	StagingRoot string

	// WritableRoots are the only places file.install and file.remove reach.
	WritableRoots []string

	HostsFile string
	Sites     map[string]SitePaths

	CertDir  string
	KeyDir   string
	TrustDir string
}

// DefaultPolicy returns the layout of a Debian-family machine.
func DefaultPolicy() *Policy {
	p := &Policy{
		StagingRoot: os.TempDir(),
		HostsFile:   "/etc/hosts",
		Sites: map[string]SitePaths{
			EngineApache: {
				Available: "/etc/apache2/sites-available",
				Enabled:   "/etc/apache2/sites-enabled",
				Service:   "apache2",
				Suffix:    ".conf",
				Modules:   "/etc/apache2/mods-enabled",
			},
			EngineNginx: {
				Available: "/etc/nginx/sites-available",
				Enabled:   "/etc/nginx/sites-enabled",
				Service:   "nginx",
			},
		},
		CertDir:  "/etc/ssl/certs",
		KeyDir:   "/etc/devstack/ssl/private",
		TrustDir: "/usr/local/share/ca-certificates",
	}
	p.WritableRoots = p.DefaultWritableRoots()
	return p
}

// DefaultWritableRoots derives the writable roots from the site directories.
func (p *Policy) DefaultWritableRoots() []string {
	var roots []string
	for _, engine := range []string{EngineApache, EngineNginx} {
		if s, ok := p.Sites[engine]; ok {
			roots = append(roots, s.Available)
		}
	}
	return roots
}

// ModuleEnabled reports whether engine has module enabled. Engines without
// a module directory report true.
func (p *Policy) ModuleEnabled(engine, module string) bool {
	dir := p.Sites[engine].Modules
	if dir == "" {
		return true
	}
	_, err := os.Stat(filepath.Join(dir, module+".load"))
	return err == nil
}

// CertPath returns where hostname's certificate is installed.
func (p *Policy) CertPath(hostname string) string {
	return filepath.Join(p.CertDir, hostname+".crt")
}

// KeyPath returns where hostname's private key is installed.
func (p *Policy) KeyPath(hostname string) string {
	return filepath.Join(p.KeyDir, hostname+".key")
}

// TrustPath returns where hostname's certificate is placed in the trust store.
func (p *Policy) TrustPath(hostname string) string {
	return filepath.Join(p.TrustDir, "devstack-"+hostname+".crt")
}
