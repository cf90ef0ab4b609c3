package postgres

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/emperorhan/invoice-reconciler/internal/metrics"
	_ "github.com/lib/pq"
)

const (
	defaultStatementTimeoutMS = 30000
	maxStatementTimeoutMS     = 3_600_000

	// DefaultQueryTimeout bounds reads issued outside a transaction.
	DefaultQueryTimeout = 30 * time.Second

	migrationTimeout = 5 * time.Minute
	// migrationLockKey serializes migrations across replicas that start
	// together.
	migrationLockKey = 7_340_112_001
)

//go:embed migrations/*.up.sql
var migrationFS embed.FS

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, d)
}

// DB wraps the pooled connection shared by Store and ChainRepo.
type DB struct {
	*sql.DB
}

type Config struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	// StatementTimeoutMS caps every statement server-side. Zero selects 30s.
	StatementTimeoutMS int
}

func New(cfg Config) (*DB, error) {
	timeoutMS, err := resolveStatementTimeoutMS(cfg)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("postgres", appendStatementTimeout(cfg.URL, timeoutMS))
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	idle := cfg.ConnMaxIdleTime
	if idle <= 0 {
		idle = 2 * time.Minute
	}
	db.SetConnMaxIdleTime(idle)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return &DB{db}, nil
}

// appendStatementTimeout sets statement_timeout through the connection
// options so every pooled session gets it.
func appendStatementTimeout(url string, timeoutMS int) string {
	sep := "?"
	if strings.Contains(url, "?") {
		sep = "&"
	}
	return url + sep + "options=-c%20statement_timeout%3D" + strconv.Itoa(timeoutMS)
}

func resolveStatementTimeoutMS(cfg Config) (int, error) {
	switch {
	case cfg.StatementTimeoutMS == 0:
		return defaultStatementTimeoutMS, nil
	case cfg.StatementTimeoutMS < 0 || cfg.StatementTimeoutMS > maxStatementTimeoutMS:
		return 0, fmt.Errorf("statement timeout %dms out of allowed range (0, %d]", cfg.StatementTimeoutMS, maxStatementTimeoutMS)
	}
	return cfg.StatementTimeoutMS, nil
}

func (db *DB) Close() error {
	return db.DB.Close()
}

// RunMigrations applies the embedded *.up.sql files in name order, each at
// most once, tracked in schema_migrations. Concurrent callers wait on a
// session advisory lock.
func (db *DB) RunMigrations(ctx context.Context) error {
	conn, err := db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquire migration connection: %w", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "SELECT pg_advisory_lock($1)", migrationLockKey); err != nil {
		return fmt.Errorf("acquire migration lock: %w", err)
	}
	defer conn.ExecContext(context.Background(), "SELECT pg_advisory_unlock($1)", migrationLockKey)

	return runMigrations(ctx, conn, migrationFS, "migrations")
}

func runMigrations(ctx context.Context, conn *sql.Conn, fsys fs.FS, dir string) error {
	if _, err := conn.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version    TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	files, err := fs.Glob(fsys, path.Join(dir, "*.up.sql"))
	if err != nil {
		return fmt.Errorf("glob migrations: %w", err)
	}
	sort.Strings(files)

	for _, f := range files {
		version := path.Base(f)
		var applied bool
		if err := conn.QueryRowContext(ctx,
			"SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version = $1)", version,
		).Scan(&applied); err != nil {
			return fmt.Errorf("check migration %s: %w", version, err)
		}
		if applied {
			continue
		}

		content, err := fs.ReadFile(fsys, f)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", version, err)
		}
		started := time.Now()
		if err := applyMigration(ctx, conn, version, string(content)); err != nil {
			return err
		}
		slog.Info("migration applied", "component", "postgres", "version", version, "elapsed", time.Since(started).String())
	}
	return nil
}

func applyMigration(ctx context.Context, conn *sql.Conn, version, content string) error {
	ctx, cancel := context.WithTimeout(ctx, migrationTimeout)
	defer cancel()

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration %s: %w", version, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "SET LOCAL lock_timeout = '10s'"); err != nil {
		return fmt.Errorf("set lock_timeout for migration %s: %w", version, err)
	}
	if _, err := tx.ExecContext(ctx, content); err != nil {
		return fmt.Errorf("exec migration %s: %w", version, err)
	}
	if _, err := tx.ExecContext(ctx, "INSERT INTO schema_migrations (version) VALUES ($1)", version); err != nil {
		return fmt.Errorf("record migration %s: %w", version, err)
	}
	return tx.Commit()
}

// ReportPoolStats samples connection pool gauges until ctx is done.
func (db *DB) ReportPoolStats(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		stats := db.Stats()
		metrics.DBPoolOpen.Set(float64(stats.OpenConnections))
		metrics.DBPoolInUse.Set(float64(stats.InUse))
		metrics.DBPoolWaitCount.Set(float64(stats.WaitCount))

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
