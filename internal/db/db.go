// Package db opens the backing database. The default backend is an embedded
// SQLite file under the workspace; a Postgres DSN selects lib/pq instead. The
// event log schema is identical for both; placeholder syntax is rebound per
// driver.
package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"

	defaultDBName = "paperline.db"
)

type Config struct {
	// Workspace holds the sqlite database under .paperline/. Ignored when a
	// Postgres DSN is given.
	Workspace string
	// PostgresDSN selects the Postgres backend when non-empty.
	PostgresDSN string
}

// Conn wraps sql.DB with the driver it was opened with, so stores can rebind
// placeholders for the active dialect.
type Conn struct {
	*sql.DB
	Driver string
}

// Rebind converts `?` placeholders to `$n` for Postgres. Queries are written
// in the sqlite style throughout.
func (c *Conn) Rebind(query string) string {
	if c.Driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func dbPath(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, ".paperline", defaultDBName)
}

// EnsureWorkspace creates the workspace directory if missing.
func EnsureWorkspace(workspace string) (string, error) {
	path := filepath.Join(workspace, ".paperline")
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", err
	}
	return path, nil
}

// Open opens the configured database.
func Open(cfg Config) (*Conn, error) {
	if cfg.PostgresDSN != "" {
		conn, err := sql.Open("postgres", cfg.PostgresDSN)
		if err != nil {
			return nil, err
		}
		return &Conn{DB: conn, Driver: DriverPostgres}, nil
	}
	if _, err := EnsureWorkspace(cfg.Workspace); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?cache=shared&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)", dbPath(cfg.Workspace))
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	return &Conn{DB: conn, Driver: DriverSQLite}, nil
}

// Path returns the sqlite path for the workspace.
func Path(workspace string) string {
	return dbPath(workspace)
}
