// Package vhost provisions web server virtual hosts: the site configuration,
// the hosts database entry and, for TLS hosts, the certificate.
package vhost

import (
	"bytes"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"text/template"

	"github.com/blackwell-systems/devstack/internal/broker"
	"github.com/blackwell-systems/devstack/internal/fault"
)

var (
	ErrInvalidVirtualHost   = fault.New(fault.InvalidInput, "invalid virtual host")
	ErrConfigurationInvalid = fault.New(fault.ConfigurationInvalid, "web server rejected its configuration")
	ErrNotFound             = fault.New(fault.NotInstalled, "virtual host not found")
)

var (
	nameRe = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)
	phpRe  = regexp.MustCompile(`^[0-9]+\.[0-9]+$`)
)

// VirtualHost binds a hostname to a document root on one engine.
type VirtualHost struct {
	Name         string `json:"name"`
	DocumentRoot string `json:"document_root"`
	Engine       string `json:"engine"`
	PHPVersion   string `json:"php_version,omitempty"` // empty means a static site
	TLS          bool   `json:"tls"`
}

// Hostname returns the lower-cased name followed by suffix.
func (v VirtualHost) Hostname(suffix string) string {
	return strings.ToLower(v.Name) + suffix
}

// ValidName checks that name can serve as a hostname label and a
// directory name.
func ValidName(name string) error {
	if !nameRe.MatchString(name) || len(name) > 63 {
		return fault.Errorf(ErrInvalidVirtualHost, "name %q may only contain letters, digits, hyphen and underscore", name)
	}
	if name[0] == '-' || name[len(name)-1] == '-' {
		return fault.Errorf(ErrInvalidVirtualHost, "name %q may not start or end with a hyphen", name)
	}
	return nil
}

// Validate checks v without touching anything but the document root.
func (v VirtualHost) Validate() error {
	if err := ValidName(v.Name); err != nil {
		return err
	}
	if v.Engine != broker.EngineApache && v.Engine != broker.EngineNginx {
		return fault.Errorf(ErrInvalidVirtualHost, "unknown engine %q", v.Engine)
	}
	if v.PHPVersion != "" && !phpRe.MatchString(v.PHPVersion) {
		return fault.Errorf(ErrInvalidVirtualHost, "invalid PHP version %q", v.PHPVersion)
	}
	return validDocumentRoot(v.DocumentRoot)
}

func validDocumentRoot(root string) error {
	if !filepath.IsAbs(root) || filepath.Clean(root) != root {
		return fault.Errorf(ErrInvalidVirtualHost, "document root %q must be an absolute clean path", root)
	}
	if strings.ContainsAny(root, "\"\\;{}$") || strings.IndexFunc(root, isControl) >= 0 {
		return fault.Errorf(ErrInvalidVirtualHost, "document root %q contains characters the configuration cannot hold", root)
	}
	info, err := os.Stat(root)
	if err != nil {
		return fault.Errorf(ErrInvalidVirtualHost, "document root %s: %v", root, err)
	}
	if !info.IsDir() {
		return fault.Errorf(ErrInvalidVirtualHost, "document root %s is not a directory", root)
	}
	f, err := os.Open(root)
	if err != nil {
		return fault.Errorf(ErrInvalidVirtualHost, "document root %s is not readable: %v", root, err)
	}
	return f.Close()
}

func isControl(r rune) bool { return r < 0x20 || r == 0x7f }

//go:embed templates/*.tmpl
var templateFS embed.FS

var templates = template.Must(template.New("vhost").Option("missingkey=error").ParseFS(templateFS, "templates/*.tmpl"))

// Variant identifies one of the configuration templates.
type Variant struct {
	Engine string
	TLS    bool
	PHP    bool
}

// Name returns the template file the variant renders.
func (v Variant) Name() string {
	name := v.Engine
	if v.TLS {
		name += "-tls"
	}
	if v.PHP {
		name += "-php"
	}
	return name + ".conf.tmpl"
}

// SelectTemplate picks the template for an engine, TLS flag and PHP flag.
func SelectTemplate(engine string, tls, php bool) (Variant, error) {
	if engine != broker.EngineApache && engine != broker.EngineNginx {
		return Variant{}, fault.Errorf(ErrInvalidVirtualHost, "unknown engine %q", engine)
	}
	return Variant{Engine: engine, TLS: tls, PHP: php}, nil
}

// TemplateData is what a variant is rendered with.
type TemplateData struct {
	Hostname     string
	DocumentRoot string
	PHPVersion   string
	PHPSocket    string
	CertFile     string
	KeyFile      string
}

// Render produces the configuration for variant. Equal inputs give
// byte-identical output.
func Render(v Variant, data TemplateData) ([]byte, error) {
	var buf bytes.Buffer
	if err := templates.ExecuteTemplate(&buf, v.Name(), data); err != nil {
		return nil, fmt.Errorf("failed to render %s: %w", v.Name(), err)
	}
	return buf.Bytes(), nil
}

// Site is a managed site found on disk.
type Site struct {
	Hostname     string `json:"hostname"`
	Engine       string `json:"engine"`
	ConfigPath   string `json:"config_path"`
	DocumentRoot string `json:"document_root"`
	PHPVersion   string `json:"php_version,omitempty"`
	TLS          bool   `json:"tls"`
	Enabled      bool   `json:"enabled"`
}

const managedMarker = "# Managed by devstack."

// parseHeader reads the metadata comment lines written by the header
// template. ok is false for files devstack did not write.
func parseHeader(content []byte) (meta map[string]string, ok bool) {
	if !bytes.HasPrefix(content, []byte(managedMarker)) {
		return nil, false
	}
	meta = make(map[string]string)
	for _, line := range strings.Split(string(content), "\n")[1:] {
		if !strings.HasPrefix(line, "# ") {
			break
		}
		key, value, found := strings.Cut(strings.TrimPrefix(line, "# "), ": ")
		if found {
			meta[key] = value
		}
	}
	return meta, true
}
