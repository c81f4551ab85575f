package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/blackwell-systems/devstack/internal/broker"
)

// Prober lists the databases on an engine.
type Prober interface {
	Databases(ctx context.Context, engine string) ([]string, error)
}

// BrokerProber lists databases with a privileged db.list action.
type BrokerProber struct {
	Exec broker.Executor
}

// Databases implements Prober.
func (b BrokerProber) Databases(ctx context.Context, engine string) ([]string, error) {
	out, err := b.Exec.Execute(ctx, broker.NewAction(broker.DBList, engine))
	if err != nil {
		return nil, err
	}
	return parseList(out.Stdout), nil
}

func parseList(stdout string) []string {
	var names []string
	for _, line := range strings.Split(stdout, "\n") {
		if name := strings.TrimSpace(line); name != "" {
			names = append(names, name)
		}
	}
	return names
}

var listQueries = map[string]string{
	MySQL:    "SELECT SCHEMA_NAME FROM information_schema.SCHEMATA ORDER BY SCHEMA_NAME",
	Postgres: "SELECT datname FROM pg_database WHERE NOT datistemplate ORDER BY datname",
}

var drivers = map[string]string{
	MySQL:    "mysql",
	Postgres: "pgx",
}

// SQLProber lists databases over an ordinary client connection, so no
// authentication prompt is needed. Engines without a DSN fall back to
// Fallback.
type SQLProber struct {
	DSN      map[string]string
	Fallback Prober
}

// Databases implements Prober.
func (s SQLProber) Databases(ctx context.Context, engine string) ([]string, error) {
	dsn := s.DSN[engine]
	if dsn == "" {
		if s.Fallback == nil {
			return nil, fmt.Errorf("no way to list %s databases", engine)
		}
		return s.Fallback.Databases(ctx, engine)
	}

	db, err := sql.Open(drivers[engine], dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s connection: %w", engine, err)
	}
	defer db.Close()

	rows, err := db.QueryContext(ctx, listQueries[engine])
	if err != nil {
		if s.Fallback != nil {
			logger.Debugf("%s probe failed, using fallback: %v", engine, err)
			return s.Fallback.Databases(ctx, engine)
		}
		return nil, fmt.Errorf("failed to list %s databases: %w", engine, err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan %s database name: %w", engine, err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// NewProber returns the prober devstack uses: SQL where a DSN is
// configured, the broker otherwise.
func NewProber(exec broker.Executor, mysqlDSN, postgresDSN string) Prober {
	return SQLProber{
		DSN:      map[string]string{MySQL: mysqlDSN, Postgres: postgresDSN},
		Fallback: BrokerProber{Exec: exec},
	}
}
