// Package history persists remote command executions in SQLite.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"github.com/tOgg1/remex/internal/logging"
)

// ErrEntryNotFound is returned by Get for unknown IDs.
var ErrEntryNotFound = errors.New("history entry not found")

// timeLayout is fixed width so stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Entry is one recorded execution.
type Entry struct {
	ID        string        `json:"id"`
	RunID     string        `json:"run_id,omitempty"`
	Host      string        `json:"host"`
	Port      int           `json:"port"`
	User      string        `json:"user,omitempty"`
	Command   string        `json:"command"`
	ExitCode  int           `json:"exit_code"`
	Stdout    string        `json:"stdout,omitempty"`
	Stderr    string        `json:"stderr,omitempty"`
	Error     string        `json:"error,omitempty"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration_ns"`
}

// Filter narrows ListFiltered. Zero fields match everything.
type Filter struct {
	Host        string
	RunID       string
	CommandLike string
	FailedOnly  bool
	Since       *time.Time
	Limit       int
}

// Store is the history database.
type Store struct {
	db     *sql.DB
	logger zerolog.Logger
}

// Open opens or creates the database at path.
func Open(ctx context.Context, path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create history directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open history database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to history database: %w", err)
	}

	store := &Store{db: db, logger: logging.Component("history")}
	if err := store.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// Close closes the database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) ensureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS executions (
			id TEXT PRIMARY KEY,
			run_id TEXT,
			host TEXT NOT NULL,
			port INTEGER NOT NULL,
			user TEXT,
			command TEXT NOT NULL,
			exit_code INTEGER NOT NULL,
			stdout TEXT,
			stderr TEXT,
			error TEXT,
			started_at TEXT NOT NULL,
			duration_ms INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS executions_started_idx ON executions(started_at)`,
		`CREATE INDEX IF NOT EXISTS executions_host_idx ON executions(host, port, started_at)`,
		`CREATE INDEX IF NOT EXISTS executions_run_idx ON executions(run_id)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to initialize history schema: %w", err)
		}
	}
	return nil
}

// Record inserts entry, assigning an ID and start time when missing.
func (s *Store) Record(ctx context.Context, entry *Entry) error {
	if entry.Host == "" {
		return fmt.Errorf("history entry host is required")
	}
	if entry.Command == "" {
		return fmt.Errorf("history entry command is required")
	}
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.StartedAt.IsZero() {
		entry.StartedAt = time.Now().UTC()
	} else {
		entry.StartedAt = entry.StartedAt.UTC()
	}

	return withRetry(ctx, defaultRetryAttempts, defaultRetryBackoff, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO executions (
				id, run_id, host, port, user, command, exit_code, stdout, stderr, error, started_at, duration_ms
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			entry.ID,
			nullIfEmpty(entry.RunID),
			entry.Host,
			entry.Port,
			nullIfEmpty(entry.User),
			entry.Command,
			entry.ExitCode,
			nullIfEmpty(entry.Stdout),
			nullIfEmpty(entry.Stderr),
			nullIfEmpty(entry.Error),
			entry.StartedAt.Format(timeLayout),
			entry.Duration.Milliseconds(),
		)
		if err != nil {
			return fmt.Errorf("failed to insert history entry: %w", err)
		}
		return nil
	})
}

const selectColumns = `SELECT id, run_id, host, port, user, command, exit_code, stdout, stderr, error, started_at, duration_ms FROM executions`

// Get returns the entry with id.
func (s *Store) Get(ctx context.Context, id string) (*Entry, error) {
	row := s.db.QueryRowContext(ctx, selectColumns+` WHERE id = ?`, id)
	entry, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEntryNotFound
	}
	return entry, err
}

// ListRecent returns the newest entries first.
func (s *Store) ListRecent(ctx context.Context, limit int) ([]*Entry, error) {
	return s.ListFiltered(ctx, Filter{Limit: limit})
}

// ListFiltered returns matching entries, newest first.
func (s *Store) ListFiltered(ctx context.Context, f Filter) ([]*Entry, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}

	query := selectColumns + ` WHERE 1=1`
	args := []any{}
	if f.Host != "" {
		query += ` AND host = ?`
		args = append(args, f.Host)
	}
	if f.RunID != "" {
		query += ` AND run_id = ?`
		args = append(args, f.RunID)
	}
	if f.CommandLike != "" {
		query += ` AND command LIKE ? ESCAPE '\'`
		args = append(args, "%"+escapeLike(f.CommandLike)+"%")
	}
	if f.FailedOnly {
		query += ` AND (exit_code != 0 OR error IS NOT NULL)`
	}
	if f.Since != nil {
		query += ` AND started_at >= ?`
		args = append(args, f.Since.UTC().Format(timeLayout))
	}
	query += ` ORDER BY started_at DESC, id LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating history: %w", err)
	}
	return entries, nil
}

// Count returns the number of stored entries.
func (s *Store) Count(ctx context.Context) (int64, error) {
	var count int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM executions`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count history: %w", err)
	}
	return count, nil
}

// Cleanup deletes the oldest entries beyond maxRows and returns how many
// were removed. maxRows <= 0 keeps everything.
func (s *Store) Cleanup(ctx context.Context, maxRows int) (int64, error) {
	if maxRows <= 0 {
		return 0, nil
	}

	var deleted int64
	err := withRetry(ctx, defaultRetryAttempts, defaultRetryBackoff, func() error {
		result, err := s.db.ExecContext(ctx, `
			DELETE FROM executions WHERE id IN (
				SELECT id FROM executions ORDER BY started_at DESC, id LIMIT -1 OFFSET ?
			)
		`, maxRows)
		if err != nil {
			return fmt.Errorf("failed to prune history: %w", err)
		}
		deleted, err = result.RowsAffected()
		return err
	})
	if err != nil {
		return 0, err
	}
	if deleted > 0 {
		s.logger.Debug().Int64("deleted", deleted).Int("max_rows", maxRows).Msg("pruned history")
	}
	return deleted, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (*Entry, error) {
	var (
		entry                             Entry
		runID, user, stdout, stderr, fail sql.NullString
		startedAt                         string
		durationMS                        int64
	)
	err := row.Scan(
		&entry.ID,
		&runID,
		&entry.Host,
		&entry.Port,
		&user,
		&entry.Command,
		&entry.ExitCode,
		&stdout,
		&stderr,
		&fail,
		&startedAt,
		&durationMS,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan history entry: %w", err)
	}

	entry.RunID = runID.String
	entry.User = user.String
	entry.Stdout = stdout.String
	entry.Stderr = stderr.String
	entry.Error = fail.String
	entry.Duration = time.Duration(durationMS) * time.Millisecond
	if t, err := time.Parse(timeLayout, startedAt); err == nil {
		entry.StartedAt = t
	}
	return &entry, nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// DeleteHost removes every entry recorded for host.
func (s *Store) DeleteHost(ctx context.Context, host string) (int64, error) {
	var deleted int64
	err := s.Transaction(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `DELETE FROM executions WHERE host = ?`, host)
		if err != nil {
			return fmt.Errorf("failed to delete history for %s: %w", host, err)
		}
		deleted, err = result.RowsAffected()
		return err
	})
	return deleted, err
}
