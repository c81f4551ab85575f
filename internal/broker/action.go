package broker

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// Kind names one privileged operation the broker is willing to perform.
type Kind string

const (
	ServiceStart   Kind = "service.start"
	ServiceStop    Kind = "service.stop"
	ServiceRestart Kind = "service.restart"
	ServiceReload  Kind = "service.reload"
	ServiceEnable  Kind = "service.enable"
	ServiceDisable Kind = "service.disable"

	PackageInstall Kind = "package.install"
	PackageRemove  Kind = "package.remove"

	// FileInstall copies a staged file to a privileged destination.
	// Args: staged source, destination, octal mode.
	FileInstall Kind = "file.install"
	FileRemove  Kind = "file.remove"

	// SiteEnable and SiteDisable take an engine and a hostname.
	SiteEnable  Kind = "site.enable"
	SiteDisable Kind = "site.disable"

	// HostsWrite replaces the hosts database with a staged file.
	HostsWrite Kind = "hosts.write"

	WebConfigTest Kind = "webserver.configtest"
	WebReload     Kind = "webserver.reload"

	// ApacheModule enables one Apache module from ApacheModules.
	ApacheModule Kind = "webserver.enmod"

	// CertInstall takes a staged certificate, a staged key and the hostname
	// they belong to, and installs both or neither.
	CertInstall Kind = "cert.install"
	CertRemove  Kind = "cert.remove"
	CertTrust   Kind = "cert.trust"
	CertUntrust Kind = "cert.untrust"

	// DBCreate args: engine, database, user, password, if-absent flag.
	DBCreate Kind = "db.create"
	DBDrop   Kind = "db.drop"
	DBList   Kind = "db.list"

	// DBImport and DBExport take an engine, a database and a staged dump
	// file. Import reads the file; export overwrites it.
	DBImport Kind = "db.import"
	DBExport Kind = "db.export"
)

// Action is a privileged request: a kind from the allow-list plus the
// arguments that kind accepts. Callers never supply command text.
type Action struct {
	Kind Kind
	Args []string
}

// NewAction is shorthand for Action{Kind: kind, Args: args}.
func NewAction(kind Kind, args ...string) Action {
	return Action{Kind: kind, Args: args}
}

func (a Action) String() string {
	return string(a.Kind) + " " + strings.Join(a.Args, " ")
}

// Engines understood by the site and webserver kinds.
const (
	EngineApache = "apache"
	EngineNginx  = "nginx"
)

// ApacheModules lists the modules ApacheModule may enable.
var ApacheModules = []string{"headers", "proxy_fcgi", "rewrite", "setenvif", "ssl"}

// Database engines understood by the db kinds.
const (
	DBEngineMySQL    = "mysql"
	DBEnginePostgres = "postgres"
)

var (
	serviceRe    = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9@._-]{0,127}$`)
	packageRe    = regexp.MustCompile(`^[a-z0-9][a-z0-9+.-]{1,127}$`)
	hostnameRe   = regexp.MustCompile(`^[a-z0-9_]([a-z0-9_-]{0,62})(\.[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?)*$`)
	modeRe       = regexp.MustCompile(`^0[0-7]{3}$`)
	identifierRe = regexp.MustCompile(`^[A-Za-z0-9_]{1,64}$`)
)

type argCheck func(p *Policy, v string) error

type kindSpec struct {
	args   []argCheck
	secret map[int]bool
	build  func(p *Policy, args []string) command
}

func validService(_ *Policy, v string) error {
	if !serviceRe.MatchString(v) {
		return disallowed("invalid service name %q", v)
	}
	return nil
}

func validPackage(_ *Policy, v string) error {
	if !packageRe.MatchString(v) {
		return disallowed("invalid package name %q", v)
	}
	return nil
}

// IsHostname reports whether v is a lower-case hostname the broker accepts.
func IsHostname(v string) bool {
	return len(v) <= 253 && hostnameRe.MatchString(v)
}

func validHostname(_ *Policy, v string) error {
	if !IsHostname(v) {
		return disallowed("invalid hostname %q", v)
	}
	return nil
}

func validMode(_ *Policy, v string) error {
	if !modeRe.MatchString(v) {
		return disallowed("invalid file mode %q", v)
	}
	return nil
}

func validEngine(p *Policy, v string) error {
	if _, ok := p.Sites[v]; !ok {
		return disallowed("unknown web server engine %q", v)
	}
	return nil
}

func validApacheModule(_ *Policy, v string) error {
	for _, m := range ApacheModules {
		if v == m {
			return nil
		}
	}
	return disallowed("apache module %q is not allowed", v)
}

func validDBEngine(_ *Policy, v string) error {
	if v != DBEngineMySQL && v != DBEnginePostgres {
		return disallowed("unknown database engine %q", v)
	}
	return nil
}

func validIdentifier(_ *Policy, v string) error {
	if !identifierRe.MatchString(v) {
		return disallowed("invalid identifier %q", v)
	}
	return nil
}

func validPassword(_ *Policy, v string) error {
	if v == "" || len(v) > 128 || strings.ContainsAny(v, "\x00\n\r") {
		return disallowed("invalid password")
	}
	return nil
}

func validFlag(_ *Policy, v string) error {
	if v != "true" && v != "false" {
		return disallowed("invalid flag %q", v)
	}
	return nil
}

// validStaged accepts a path under the staging root with no symlink
// between the root and the file, and the file itself regular if present.
// The privileged copy follows links, so a link could expose any file root
// can read.
func validStaged(p *Policy, v string) error {
	if !cleanAbs(v) || !within(p.StagingRoot, v) {
		return disallowed("staged file %q is outside %s", v, p.StagingRoot)
	}
	rel, _ := filepath.Rel(p.StagingRoot, v)
	path := p.StagingRoot
	for _, part := range strings.Split(rel, string(filepath.Separator)) {
		path = filepath.Join(path, part)
		info, err := os.Lstat(path)
		if err != nil {
			// Missing: the copy fails on its own.
			return nil
		}
		if info.Mode()&os.ModeSymlink != 0 {
			return disallowed("staged path %q is a symlink", path)
		}
		if path == v && !info.Mode().IsRegular() {
			return disallowed("staged file %q is not a regular file", v)
		}
	}
	return nil
}

func validDestination(p *Policy, v string) error {
	if !cleanAbs(v) {
		return disallowed("destination %q is not a clean absolute path", v)
	}
	for _, root := range p.WritableRoots {
		if within(root, v) {
			return nil
		}
	}
	return disallowed("destination %q is outside the writable roots", v)
}

func cleanAbs(path string) bool {
	return filepath.IsAbs(path) && filepath.Clean(path) == path
}

// within reports whether path is strictly below root.
func within(root, path string) bool {
	if root == "" {
		return false
	}
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel != "." && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

var kinds = map[Kind]kindSpec{
	ServiceStart:   {args: []argCheck{validService}, build: systemctl("start")},
	ServiceStop:    {args: []argCheck{validService}, build: systemctl("stop")},
	ServiceRestart: {args: []argCheck{validService}, build: systemctl("restart")},
	ServiceReload:  {args: []argCheck{validService}, build: systemctl("reload")},
	ServiceEnable:  {args: []argCheck{validService}, build: systemctl("enable")},
	ServiceDisable: {args: []argCheck{validService}, build: systemctl("disable")},

	PackageInstall: {args: []argCheck{validPackage}, build: buildPackageInstall},
	PackageRemove:  {args: []argCheck{validPackage}, build: buildPackageRemove},

	FileInstall: {args: []argCheck{validStaged, validDestination, validMode}, build: buildFileInstall},
	FileRemove:  {args: []argCheck{validDestination}, build: buildFileRemove},

	SiteEnable:  {args: []argCheck{validEngine, validHostname}, build: buildSiteEnable},
	SiteDisable: {args: []argCheck{validEngine, validHostname}, build: buildSiteDisable},

	HostsWrite: {args: []argCheck{validStaged}, build: buildHostsWrite},

	WebConfigTest: {args: []argCheck{validEngine}, build: buildConfigTest},
	WebReload:     {args: []argCheck{validEngine}, build: buildWebReload},
	ApacheModule:  {args: []argCheck{validApacheModule}, build: buildApacheModule},

	CertInstall: {args: []argCheck{validStaged, validStaged, validHostname}, build: buildCertInstall},
	CertRemove:  {args: []argCheck{validHostname}, build: buildCertRemove},
	CertTrust:   {args: []argCheck{validHostname}, build: buildCertTrust},
	CertUntrust: {args: []argCheck{validHostname}, build: buildCertUntrust},

	DBCreate: {
		args:   []argCheck{validDBEngine, validIdentifier, validIdentifier, validPassword, validFlag},
		secret: map[int]bool{3: true},
		build:  buildDBCreate,
	},
	DBDrop: {args: []argCheck{validDBEngine, validIdentifier}, build: buildDBDrop},
	DBList: {args: []argCheck{validDBEngine}, build: buildDBList},

	DBImport: {args: []argCheck{validDBEngine, validIdentifier, validStaged}, build: buildDBImport},
	DBExport: {args: []argCheck{validDBEngine, validIdentifier, validStaged}, build: buildDBExport},
}

// Validate checks a against the allow-list and the policy without running
// anything.
func (p *Policy) Validate(a Action) error {
	spec, ok := kinds[a.Kind]
	if !ok {
		return disallowed("unknown action kind %q", a.Kind)
	}
	if len(a.Args) != len(spec.args) {
		return disallowed("%s takes %d arguments, got %d", a.Kind, len(spec.args), len(a.Args))
	}
	for i, check := range spec.args {
		if !spec.secret[i] && strings.HasPrefix(a.Args[i], "-") {
			return disallowed("argument %q looks like an option", a.Args[i])
		}
		if err := check(p, a.Args[i]); err != nil {
			return err
		}
	}
	return nil
}

// Redacted returns the action's arguments with secrets masked.
func Redacted(a Action) []string {
	out := make([]string, len(a.Args))
	copy(out, a.Args)
	if spec, ok := kinds[a.Kind]; ok {
		for i := range out {
			if spec.secret[i] {
				out[i] = "********"
			}
		}
	}
	return out
}
