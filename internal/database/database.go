// Package database provisions MySQL-family and PostgreSQL databases with
// their owning users, and moves SQL dumps in and out of them.
package database

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/juju/collections/set"
	"github.com/juju/loggo/v2"

	"github.com/blackwell-systems/devstack/internal/broker"
	"github.com/blackwell-systems/devstack/internal/fault"
)

var logger = loggo.GetLogger("devstack.database")

var (
	ErrInvalidIdentifier = fault.New(fault.InvalidInput, "invalid database identifier")
	ErrAlreadyExists     = fault.New(fault.AlreadyExists, "database already exists")
	ErrNotFound          = fault.New(fault.NotInstalled, "database not found")

	// ErrIncomplete means the database exists but creating its user or
	// grant failed. Retrying with IfAbsent completes it.
	ErrIncomplete = fault.New(fault.StateTransitionFailed, "database created but user or grant failed")
)

// Engines.
const (
	MySQL    = broker.DBEngineMySQL
	Postgres = broker.DBEnginePostgres
)

const (
	maxNameLen = 64
	maxUserLen = 32
)

var identifierRe = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

var reserved = map[string]set.Strings{
	MySQL: set.NewStrings(
		"information_schema", "mysql", "performance_schema", "sys",
		"root", "mysql.sys", "mysql.session", "mysql.infoschema", "debian-sys-maint",
	),
	Postgres: set.NewStrings(
		"postgres", "template0", "template1", "public",
		"pg_catalog", "information_schema", "pg_toast",
	),
}

// Reserved reports whether name is a system database or account on engine.
func Reserved(engine, name string) bool {
	return reserved[engine].Contains(strings.ToLower(name))
}

// Request describes a database to create.
type Request struct {
	Engine   string
	Name     string
	User     string
	Password string

	// IfAbsent makes an existing database a success instead of a conflict.
	// The user and grant are still ensured.
	IfAbsent bool
}

// Result reports what CreateDatabase did.
type Result struct {
	Engine  string `json:"engine"`
	Name    string `json:"name"`
	User    string `json:"user"`
	Created bool   `json:"created"` // false when the database already existed
}

func validEngine(engine string) error {
	if engine != MySQL && engine != Postgres {
		return fault.Errorf(ErrInvalidIdentifier, "unknown engine %q", engine)
	}
	return nil
}

func validIdentifier(engine, what, v string, max int) error {
	switch {
	case v == "":
		return fault.Errorf(ErrInvalidIdentifier, "%s is empty", what)
	case len(v) > max:
		return fault.Errorf(ErrInvalidIdentifier, "%s %q is longer than %d characters", what, v, max)
	case !identifierRe.MatchString(v):
		return fault.Errorf(ErrInvalidIdentifier, "%s %q may only contain letters, digits and underscore", what, v)
	case Reserved(engine, v):
		return fault.Errorf(ErrInvalidIdentifier, "%s %q is reserved by %s", what, v, engine)
	}
	return nil
}

// Validate checks r without contacting any server.
func (r Request) Validate() error {
	if err := validEngine(r.Engine); err != nil {
		return err
	}
	if err := validIdentifier(r.Engine, "database name", r.Name, maxNameLen); err != nil {
		return err
	}
	if err := validIdentifier(r.Engine, "user name", r.User, maxUserLen); err != nil {
		return err
	}
	if r.Password == "" {
		return fault.Errorf(ErrInvalidIdentifier, "password is empty")
	}
	if strings.ContainsAny(r.Password, "\x00\n\r") {
		return fault.Errorf(ErrInvalidIdentifier, "password may not contain NUL or line breaks")
	}
	return nil
}

// Provisioner manages databases through the broker.
type Provisioner struct {
	exec    broker.Executor
	prober  Prober
	staging string
}

// New returns a Provisioner. prober answers existence questions; it may
// itself use exec. Dump files for import and export are staged under
// staging, or the system temp directory when it is empty.
func New(exec broker.Executor, prober Prober, staging string) *Provisioner {
	return &Provisioner{exec: exec, prober: prober, staging: staging}
}

func (p *Provisioner) exists(ctx context.Context, engine, name string) (bool, error) {
	names, err := p.prober.Databases(ctx, engine)
	if err != nil {
		return false, fmt.Errorf("failed to list %s databases: %w", engine, err)
	}
	for _, n := range names {
		if n == name {
			return true, nil
		}
	}
	return false, nil
}

// CreateDatabase creates r's database, user and grant with a single broker
// action. An existing database is a conflict unless r.IfAbsent is set;
// existing data is never dropped.
func (p *Provisioner) CreateDatabase(ctx context.Context, r Request) (*Result, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}

	existed, err := p.exists(ctx, r.Engine, r.Name)
	if err != nil {
		return nil, err
	}
	if existed && !r.IfAbsent {
		return nil, fault.Errorf(ErrAlreadyExists, "%s database %q", r.Engine, r.Name)
	}

	ifAbsent := strconv.FormatBool(r.IfAbsent)
	_, err = p.exec.Execute(ctx, broker.NewAction(broker.DBCreate, r.Engine, r.Name, r.User, r.Password, ifAbsent))
	if err != nil {
		if !existed && errors.Is(err, broker.ErrCommandFailed) {
			// An existence check that cannot see every database misses ones
			// the engine then refuses to create.
			if duplicateDatabase(r.Engine, broker.Diagnostic(err)) {
				return nil, fmt.Errorf("%w: %w", fault.Errorf(ErrAlreadyExists, "%s database %q", r.Engine, r.Name), err)
			}
			if now, probeErr := p.exists(ctx, r.Engine, r.Name); probeErr == nil && now {
				return nil, fmt.Errorf("%w: %w", ErrIncomplete, err)
			}
		}
		return nil, err
	}

	logger.Infof("%s database %s ready for %s", r.Engine, r.Name, r.User)
	return &Result{Engine: r.Engine, Name: r.Name, User: r.User, Created: !existed}, nil
}

// duplicateErrors match the engine's "database exists" error: MySQL error
// 1007 and PostgreSQL SQLSTATE 42P04.
var duplicateErrors = map[string]*regexp.Regexp{
	MySQL:    regexp.MustCompile(`\bERROR 1007\b`),
	Postgres: regexp.MustCompile(`\b42P04\b`),
}

func duplicateDatabase(engine, diagnostic string) bool {
	re, ok := duplicateErrors[engine]
	return ok && re.MatchString(diagnostic)
}

// DropDatabase drops name on engine. Its user is kept.
func (p *Provisioner) DropDatabase(ctx context.Context, engine, name string) error {
	if err := p.checkExisting(ctx, engine, name); err != nil {
		return err
	}
	_, err := p.exec.Execute(ctx, broker.NewAction(broker.DBDrop, engine, name))
	return err
}

// ImportDatabase loads the SQL dump at path into the existing database
// name. The dump is copied to the staging area first; the privileged side
// never reads the caller's path.
func (p *Provisioner) ImportDatabase(ctx context.Context, engine, name, path string) error {
	if err := p.checkExisting(ctx, engine, name); err != nil {
		return err
	}
	dir, err := os.MkdirTemp(p.staging, "devstack-dump-")
	if err != nil {
		return fmt.Errorf("failed to stage dump: %w", err)
	}
	defer os.RemoveAll(dir)

	staged := filepath.Join(dir, "dump.sql")
	if err := copyFile(path, staged); err != nil {
		return fmt.Errorf("failed to stage dump: %w", err)
	}
	if _, err := p.exec.Execute(ctx, broker.NewAction(broker.DBImport, engine, name, staged)); err != nil {
		return err
	}
	logger.Infof("imported %s into %s database %s", path, engine, name)
	return nil
}

// ExportDatabase writes a SQL dump of name to path, replacing any file
// there. The file is created mode 0600.
func (p *Provisioner) ExportDatabase(ctx context.Context, engine, name, path string) error {
	if err := p.checkExisting(ctx, engine, name); err != nil {
		return err
	}
	dir, err := os.MkdirTemp(p.staging, "devstack-dump-")
	if err != nil {
		return fmt.Errorf("failed to stage dump: %w", err)
	}
	defer os.RemoveAll(dir)

	// The file exists and belongs to the caller before the privileged
	// side writes into it.
	staged := filepath.Join(dir, "dump.sql")
	if err := os.WriteFile(staged, nil, 0600); err != nil {
		return fmt.Errorf("failed to stage dump: %w", err)
	}
	if _, err := p.exec.Execute(ctx, broker.NewAction(broker.DBExport, engine, name, staged)); err != nil {
		return err
	}
	if err := copyFile(staged, path); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	logger.Infof("exported %s database %s to %s", engine, name, path)
	return nil
}

func (p *Provisioner) checkExisting(ctx context.Context, engine, name string) error {
	if err := validEngine(engine); err != nil {
		return err
	}
	if err := validIdentifier(engine, "database name", name, maxNameLen); err != nil {
		return err
	}
	ok, err := p.exists(ctx, engine, name)
	if err != nil {
		return err
	}
	if !ok {
		return fault.Errorf(ErrNotFound, "%s database %q", engine, name)
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// ListDatabases returns engine's user databases, sorted.
func (p *Provisioner) ListDatabases(ctx context.Context, engine string) ([]string, error) {
	if err := validEngine(engine); err != nil {
		return nil, err
	}
	names, err := p.prober.Databases(ctx, engine)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, n := range names {
		if !Reserved(engine, n) {
			out = append(out, n)
		}
	}
	sort.Strings(out)
	return out, nil
}

// DefaultPort returns engine's standard TCP port.
func DefaultPort(engine string) int {
	if engine == Postgres {
		return 5432
	}
	return 3306
}

// ConnectionURL returns a URL clients can connect with. A zero port means
// the engine's default.
func ConnectionURL(engine, name, user, password, host string, port int) string {
	if port == 0 {
		port = DefaultPort(engine)
	}
	scheme := "mysql"
	if engine == Postgres {
		scheme = "postgresql"
	}
	u := url.URL{
		Scheme: scheme,
		Host:   net.JoinHostPort(host, strconv.Itoa(port)),
		Path:   "/" + name,
	}
	if password != "" {
		u.User = url.UserPassword(user, password)
	} else if user != "" {
		u.User = url.User(user)
	}
	return u.String()
}
