package store

import (
	"context"
	"embed"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/jmoiron/sqlx"
)

//go:embed migrations
var migrations embed.FS

// Options selects the engine and local state directory.
type Options struct {
	Driver string
	// DSN defaults to <StateDir>/taskrunner.db for sqlite.
	DSN      string
	StateDir string
}

// Store persists task definitions and their execution history.
type Store struct {
	db       *sqlx.DB
	dialect  Dialect
	stateDir string
	now      func() time.Time
}

// Open connects to the configured database and runs pending migrations.
func Open(ctx context.Context, opts Options) (*Store, error) {
	dialect, err := DialectFor(opts.Driver)
	if err != nil {
		return nil, err
	}
	if opts.StateDir != "" {
		if err := os.MkdirAll(opts.StateDir, 0o755); err != nil {
			return nil, errors.Wrap(err, "ensure state dir")
		}
	}
	dsn := opts.DSN
	if dsn == "" {
		if dialect.Name != "sqlite" {
			return nil, errors.Newf("a DSN is required for %s", dialect.Name)
		}
		dsn = filepath.Join(opts.StateDir, "taskrunner.db")
	}

	db, err := sqlx.Open(dialect.Driver, dsn)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", dialect.Name)
	}
	if dialect.MaxOpenConns > 0 {
		db.SetMaxOpenConns(dialect.MaxOpenConns)
		db.SetMaxIdleConns(dialect.MaxOpenConns)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, errors.Wrapf(err, "connect %s", dialect.Name)
	}
	for _, pragma := range dialect.Pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, errors.Wrapf(err, "apply %q", pragma)
		}
	}

	s := New(db, dialect, opts.StateDir)
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an existing connection without running migrations.
func New(db *sqlx.DB, dialect Dialect, stateDir string) *Store {
	return &Store{
		db:       db,
		dialect:  dialect,
		stateDir: stateDir,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Dialect reports the engine in use.
func (s *Store) Dialect() Dialect {
	return s.dialect
}

// StateDir is where run logs and exports live.
func (s *Store) StateDir() string {
	return s.stateDir
}

// Migrate applies embedded migrations that are not yet recorded in schema_migrations.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version VARCHAR(191) PRIMARY KEY,
			applied_at VARCHAR(32) NOT NULL
		)
	`); err != nil {
		return errors.Wrap(err, "create schema_migrations")
	}

	versions, err := migrationVersions(s.dialect.Name)
	if err != nil {
		return err
	}
	for _, version := range versions {
		applied, err := s.isMigrationApplied(ctx, version)
		if err != nil {
			return err
		}
		if applied {
			continue
		}
		data, err := migrations.ReadFile(path.Join("migrations", s.dialect.Name, version+".sql"))
		if err != nil {
			return errors.Wrapf(err, "read migration %s", version)
		}
		if err := s.applyMigration(ctx, version, string(data)); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) applyMigration(ctx context.Context, version, script string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin migration")
	}
	defer tx.Rollback()

	for _, stmt := range splitStatements(script) {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return errors.Wrapf(err, "apply migration %s", version)
		}
	}
	if _, err := tx.ExecContext(ctx, tx.Rebind(`INSERT INTO schema_migrations(version, applied_at) VALUES(?, ?)`),
		version, formatTime(s.now())); err != nil {
		return errors.Wrapf(err, "record migration %s", version)
	}
	return errors.Wrapf(tx.Commit(), "commit migration %s", version)
}

func (s *Store) isMigrationApplied(ctx context.Context, version string) (bool, error) {
	var count int
	if err := s.db.GetContext(ctx, &count, s.db.Rebind(`SELECT COUNT(1) FROM schema_migrations WHERE version = ?`), version); err != nil {
		return false, errors.Wrapf(err, "check migration %s", version)
	}
	return count > 0, nil
}

func migrationVersions(dialect string) ([]string, error) {
	entries, err := fs.ReadDir(migrations, path.Join("migrations", dialect))
	if err != nil {
		return nil, errors.Wrapf(err, "list %s migrations", dialect)
	}
	var versions []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		versions = append(versions, strings.TrimSuffix(entry.Name(), ".sql"))
	}
	sort.Strings(versions)
	return versions, nil
}

// splitStatements breaks a migration script on semicolons. Scripts must not
// contain semicolons inside literals.
func splitStatements(script string) []string {
	var out []string
	for _, part := range strings.Split(script, ";") {
		if stmt := strings.TrimSpace(part); stmt != "" {
			out = append(out, stmt)
		}
	}
	return out
}

// timeLayout is fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(value string) (time.Time, error) {
	t, err := time.Parse(timeLayout, value)
	if err != nil {
		// Rows written by hand may use plain RFC 3339.
		if t2, err2 := time.Parse(time.RFC3339Nano, value); err2 == nil {
			return t2.UTC(), nil
		}
		return time.Time{}, errors.Wrapf(err, "invalid stored time %q", value)
	}
	return t, nil
}

func nullableTime(value *time.Time) any {
	if value == nil {
		return nil
	}
	return formatTime(*value)
}

func nullableString(value *string) any {
	if value == nil {
		return nil
	}
	return *value
}

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
