package store

import (
	"strings"

	"github.com/cockroachdb/errors"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Dialect describes how to talk to one database engine.
type Dialect struct {
	// Name is the configuration value and the migrations subdirectory.
	Name string
	// Driver is the database/sql driver name, which sqlx also uses to pick the bind type.
	Driver string
	// Pragmas run once after the connection pool is opened.
	Pragmas []string
	// MaxOpenConns of zero leaves the pool unbounded.
	MaxOpenConns int
}

var dialects = map[string]Dialect{
	"sqlite": {
		Name:   "sqlite",
		Driver: "sqlite",
		Pragmas: []string{
			"PRAGMA busy_timeout=3000;",
			"PRAGMA journal_mode=WAL;",
			"PRAGMA foreign_keys=ON;",
		},
		// SQLite allows only one writer; a single connection keeps the pragmas
		// applied and serializes claims within the process.
		MaxOpenConns: 1,
	},
	"mysql": {
		Name:   "mysql",
		Driver: "mysql",
	},
	"postgres": {
		Name:   "postgres",
		Driver: "postgres",
	},
}

// DialectFor looks up a dialect by name. "postgresql" and "sqlite3" are accepted aliases.
func DialectFor(name string) (Dialect, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	switch key {
	case "", "sqlite3":
		key = "sqlite"
	case "postgresql", "pg":
		key = "postgres"
	}
	d, ok := dialects[key]
	if !ok {
		return Dialect{}, errors.Newf("unsupported database driver %q", name)
	}
	return d, nil
}

// SupportedDrivers lists the accepted driver names.
func SupportedDrivers() []string {
	return []string{"sqlite", "mysql", "postgres"}
}
