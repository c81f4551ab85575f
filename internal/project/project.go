// Package project scaffolds web projects under the projects root and wires
// them to a virtual host.
package project

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"github.com/juju/loggo/v2"

	"github.com/blackwell-systems/devstack/internal/fault"
	"github.com/blackwell-systems/devstack/internal/vhost"
)

var logger = loggo.GetLogger("devstack.project")

var (
	ErrInvalidProject = fault.New(fault.InvalidInput, "invalid project")
	ErrAlreadyExists  = fault.New(fault.AlreadyExists, "project already exists")
	ErrNotFound       = fault.New(fault.NotInstalled, "project not found")
)

// Template selects the files a new project starts with.
type Template string

const (
	Empty   Template = "empty"
	PHP     Template = "php"
	HTML    Template = "html"
	Laravel Template = "laravel"
)

// Templates lists every supported template.
var Templates = []Template{Empty, PHP, HTML, Laravel}

// runCommand runs an unprivileged tool; replaced in tests.
var runCommand = func(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// Hosts provisions the virtual host for a project.
type Hosts interface {
	CreateOrUpdate(ctx context.Context, vh vhost.VirtualHost) (*vhost.Result, error)
	Remove(ctx context.Context, hostname, engine string) error
}

// Options configures a Manager.
type Options struct {
	Root          string
	Suffix        string
	DefaultEngine string
	DefaultPHP    string
}

// Manager creates, lists and deletes projects.
type Manager struct {
	hosts Hosts
	opts  Options
}

// New returns a Manager. hosts may be nil when virtual hosts are not used.
func New(hosts Hosts, opts Options) *Manager {
	return &Manager{hosts: hosts, opts: opts}
}

// Request describes a project to create.
type Request struct {
	Name       string
	Template   Template
	Engine     string // empty means the configured default
	PHPVersion string // empty means the default for PHP templates
	TLS        bool

	// VirtualHost also provisions name+suffix for the project.
	VirtualHost bool
}

// Project is a directory under the projects root.
type Project struct {
	Name string `json:"name"`
	Path string `json:"path"`
	Type string `json:"type"`
	URL  string `json:"url"`
}

// Result reports a creation. VHost is set when a virtual host was requested,
// even if provisioning it failed part way.
type Result struct {
	Project Project       `json:"project"`
	VHost   *vhost.Result `json:"vhost,omitempty"`
}

func (m *Manager) path(name string) string {
	return filepath.Join(m.opts.Root, name)
}

func (m *Manager) url(name string, tls bool) string {
	scheme := "http"
	if tls {
		scheme = "https"
	}
	return scheme + "://" + strings.ToLower(name) + m.opts.Suffix
}

func validName(name string) error {
	if err := vhost.ValidName(name); err != nil {
		return fault.Errorf(ErrInvalidProject, "%s", fault.Detail(err))
	}
	return nil
}

// Create scaffolds the project directory and, if asked, its virtual host.
// A failed scaffold removes the directory again; a failed virtual host
// leaves the project in place and is reported with the partial result.
func (m *Manager) Create(ctx context.Context, r Request) (*Result, error) {
	if err := validName(r.Name); err != nil {
		return nil, err
	}
	if r.Template == "" {
		r.Template = Empty
	}
	if !knownTemplate(r.Template) {
		return nil, fault.Errorf(ErrInvalidProject, "unknown template %q", r.Template)
	}
	if r.VirtualHost && m.hosts == nil {
		return nil, fault.Errorf(ErrInvalidProject, "virtual hosts are not available")
	}

	path := m.path(r.Name)
	if _, err := os.Stat(path); err == nil {
		return nil, fault.Errorf(ErrAlreadyExists, "%s", path)
	}
	if err := os.MkdirAll(m.opts.Root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create projects root: %w", err)
	}
	if err := os.Mkdir(path, 0755); err != nil {
		if errors.Is(err, os.ErrExist) {
			return nil, fault.Errorf(ErrAlreadyExists, "%s", path)
		}
		return nil, fmt.Errorf("failed to create project directory: %w", err)
	}

	docroot, err := scaffold(ctx, r.Template, r.Name, path)
	if err != nil {
		os.RemoveAll(path)
		return nil, err
	}
	logger.Infof("created %s project %s", r.Template, path)

	res := &Result{Project: Project{
		Name: r.Name,
		Path: path,
		Type: detectType(path),
		URL:  m.url(r.Name, r.TLS),
	}}
	if !r.VirtualHost {
		return res, nil
	}

	vh := vhost.VirtualHost{
		Name:         r.Name,
		DocumentRoot: docroot,
		Engine:       r.Engine,
		PHPVersion:   r.PHPVersion,
		TLS:          r.TLS,
	}
	if vh.Engine == "" {
		vh.Engine = m.opts.DefaultEngine
	}
	if vh.PHPVersion == "" && (r.Template == PHP || r.Template == Laravel) {
		vh.PHPVersion = m.opts.DefaultPHP
	}
	res.VHost, err = m.hosts.CreateOrUpdate(ctx, vh)
	return res, err
}

func knownTemplate(t Template) bool {
	for _, k := range Templates {
		if t == k {
			return true
		}
	}
	return false
}

// scaffold fills dir for template and returns the document root.
func scaffold(ctx context.Context, t Template, name, dir string) (string, error) {
	switch t {
	case PHP:
		return dir, writeFile(filepath.Join(dir, "index.php"), "<?php\nphpinfo();\n")
	case HTML:
		return dir, writeFile(filepath.Join(dir, "index.html"), htmlIndex(name))
	case Laravel:
		out, err := runCommand(ctx, "composer", "create-project", "--no-interaction", "--prefer-dist", "laravel/laravel", dir)
		if err != nil {
			return "", fmt.Errorf("composer create-project failed: %w: %s", err, strings.TrimSpace(string(out)))
		}
		return filepath.Join(dir, "public"), nil
	}
	return dir, nil
}

func writeFile(path, content string) error {
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", filepath.Base(path), err)
	}
	return nil
}

func htmlIndex(name string) string {
	return `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>` + name + `</title>
</head>
<body>
    <h1>Welcome to ` + name + `</h1>
</body>
</html>
`
}

// markers are checked in order; the first present file decides the type.
var markers = []struct {
	file string
	kind string
}{
	{"artisan", "Laravel"},
	{"wp-config.php", "WordPress"},
	{"symfony.lock", "Symfony"},
	{"package.json", "Node.js"},
	{"requirements.txt", "Python"},
	{"pyproject.toml", "Python"},
}

func detectType(dir string) string {
	for _, m := range markers {
		if _, err := os.Stat(filepath.Join(dir, m.file)); err == nil {
			return m.kind
		}
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "Unknown"
	}
	var php, html bool
	for _, e := range entries {
		switch filepath.Ext(e.Name()) {
		case ".php":
			php = true
		case ".html", ".htm":
			html = true
		}
	}
	switch {
	case php:
		return "PHP"
	case html:
		return "HTML"
	}
	return "Unknown"
}

// List returns the projects under the root, sorted by name.
func (m *Manager) List() ([]Project, error) {
	entries, err := os.ReadDir(m.opts.Root)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list projects: %w", err)
	}
	var projects []Project
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		path := m.path(e.Name())
		projects = append(projects, Project{
			Name: e.Name(),
			Path: path,
			Type: detectType(path),
			URL:  m.url(e.Name(), false),
		})
	}
	sort.Slice(projects, func(i, j int) bool { return projects[i].Name < projects[j].Name })
	return projects, nil
}

// Delete removes the project directory. With engine set, its virtual host
// is removed first; a missing virtual host is not an error.
func (m *Manager) Delete(ctx context.Context, name, engine string) error {
	if err := validName(name); err != nil {
		return err
	}
	path := m.path(name)
	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		return fault.Errorf(ErrNotFound, "%s", path)
	}
	if engine != "" && m.hosts != nil {
		hostname := strings.ToLower(name) + m.opts.Suffix
		if err := m.hosts.Remove(ctx, hostname, engine); err != nil && !errors.Is(err, vhost.ErrNotFound) {
			return err
		}
	}
	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("failed to delete project: %w", err)
	}
	logger.Infof("deleted project %s", path)
	return nil
}
