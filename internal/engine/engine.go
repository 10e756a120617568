// Package engine opens and configures the DuckDB sessions that query
// materialized containers.
package engine

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"

	_ "github.com/duckdb/duckdb-go/v2" // registers the "duckdb" driver
)

// SessionExtension is the suffix of persisted session databases.
const SessionExtension = ".duckdb"

var sessionName = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]*$`)

// Options configures a DuckDB session.
type Options struct {
	// Dir and Session name a persisted session file <Dir>/<Session>.duckdb.
	// With an empty Session the database is in memory.
	Dir     string
	Session string
	// MaxMemory is passed to SET max_memory (e.g. "4GB"); empty keeps the
	// DuckDB default.
	MaxMemory string
	// Threads caps DuckDB worker threads; 0 keeps the default.
	Threads int
}

// Session is an open DuckDB database.
type Session struct {
	DB   *sql.DB
	Path string
}

// SessionPath returns the database file for a named session.
func SessionPath(dir, session string) (string, error) {
	if !sessionName.MatchString(session) {
		return "", fmt.Errorf("invalid session name %q", session)
	}
	if dir == "" {
		dir = os.TempDir()
	}
	return filepath.Join(dir, session+SessionExtension), nil
}

// Open opens a DuckDB session and applies the resource settings.
func Open(ctx context.Context, opts Options, logger *slog.Logger) (*Session, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var path string
	if opts.Session != "" {
		p, err := SessionPath(opts.Dir, opts.Session)
		if err != nil {
			return nil, err
		}
		if err := os.MkdirAll(filepath.Dir(p), 0o750); err != nil {
			return nil, fmt.Errorf("create session dir: %w", err)
		}
		path = p
	}

	db, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, fmt.Errorf("open duckdb: %w", err)
	}

	settings := make([]string, 0, 2)
	if opts.MaxMemory != "" {
		settings = append(settings, fmt.Sprintf("SET max_memory = %s", quoteLiteral(opts.MaxMemory)))
	}
	if opts.Threads > 0 {
		settings = append(settings, fmt.Sprintf("SET threads = %d", opts.Threads))
	}
	for _, stmt := range settings {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply setting (%s): %w", stmt, err)
		}
	}

	logger.Debug("duckdb session opened", "path", path, "max_memory", opts.MaxMemory, "threads", opts.Threads)
	return &Session{DB: db, Path: path}, nil
}

// InMemory reports whether the session has no backing file.
func (s *Session) InMemory() bool { return s.Path == "" }

// Close closes the database handle. The session file, if any, is kept.
func (s *Session) Close() error {
	return s.DB.Close()
}
