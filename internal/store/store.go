// Package store persists healing sessions, the tool-call audit trail and session
// artifacts in SQLite (default) or PostgreSQL.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

type dialect int

const (
	dialectSQLite dialect = iota
	dialectPostgres
)

// Store wraps the connection pool and the artifact directory.
type Store struct {
	conn        *sql.DB
	dialect     dialect
	artifactDir string
	logger      *slog.Logger
	now         func() time.Time
}

type Option func(*Store)

func WithLogger(l *slog.Logger) Option { return func(s *Store) { s.logger = l } }

func WithClock(now func() time.Time) Option { return func(s *Store) { s.now = now } }

// Open connects to dsn and applies pending migrations. A dsn starting with postgres://
// or postgresql:// selects PostgreSQL; anything else is a SQLite file path. Artifacts
// are written under artifactDir.
func Open(ctx context.Context, dsn, artifactDir string, opts ...Option) (*Store, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("store: dsn is required")
	}
	s := &Store{artifactDir: artifactDir, logger: slog.Default(), now: time.Now}
	for _, opt := range opts {
		opt(s)
	}

	var err error
	if isPostgres(dsn) {
		s.dialect = dialectPostgres
		s.conn, err = sql.Open("postgres", dsn)
		if err != nil {
			return nil, fmt.Errorf("db open: %w", err)
		}
		s.conn.SetMaxOpenConns(25)
		s.conn.SetMaxIdleConns(5)
		s.conn.SetConnMaxLifetime(5 * time.Minute)
	} else {
		if err := os.MkdirAll(filepath.Dir(dsn), 0o700); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
		s.conn, err = sql.Open("sqlite", fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", dsn))
		if err != nil {
			return nil, fmt.Errorf("db open: %w", err)
		}
		s.conn.SetMaxOpenConns(1)
	}

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := s.conn.PingContext(pctx); err != nil {
		s.conn.Close()
		return nil, fmt.Errorf("db ping: %w", err)
	}
	if err := applyMigrations(ctx, s); err != nil {
		s.conn.Close()
		return nil, fmt.Errorf("db migrate: %w", err)
	}
	if artifactDir != "" {
		if err := os.MkdirAll(artifactDir, 0o755); err != nil {
			s.conn.Close()
			return nil, fmt.Errorf("artifact dir: %w", err)
		}
	}
	return s, nil
}

func isPostgres(dsn string) bool {
	return strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://")
}

// Close closes the database connection pool.
func (s *Store) Close() error {
	if s == nil || s.conn == nil {
		return nil
	}
	return s.conn.Close()
}

// Conn returns the underlying *sql.DB.
func (s *Store) Conn() *sql.DB { return s.conn }

// Driver names the SQL driver in use.
func (s *Store) Driver() string {
	if s.dialect == dialectPostgres {
		return "postgres"
	}
	return "sqlite"
}

var placeholder = regexp.MustCompile(`\$\d+`)

// q adapts a query written with $n placeholders to the store's driver. Placeholders
// must appear in order, each once.
func (s *Store) q(query string) string {
	if s.dialect == dialectPostgres {
		return query
	}
	return placeholder.ReplaceAllString(query, "?")
}

// timestamps are stored as fixed-width UTC text so they sort lexically on both drivers.
const tsLayout = "2006-01-02T15:04:05.000000000Z"

func ts(t time.Time) string { return t.UTC().Format(tsLayout) }

func parseTS(s string) (time.Time, error) {
	t, err := time.Parse(tsLayout, s)
	if err != nil {
		return time.Parse(time.RFC3339Nano, s)
	}
	return t, nil
}
