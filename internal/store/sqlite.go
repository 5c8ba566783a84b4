// Package store archives terminal session snapshots in SQLite.
package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/martinemde/taskforge/agentloop"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrNotFound is returned when no archived session has the requested id.
var ErrNotFound = errors.New("session not found")

// SessionSummary is one row of the sessions table.
type SessionSummary struct {
	ID            string
	Description   string
	Status        agentloop.Status
	ResultText    string
	LowConfidence bool
	FailureKind   agentloop.ErrorKind
	FailureDetail string
	Counters      agentloop.Counters
	CreatedAt     time.Time
	FinishedAt    time.Time
}

// ListOptions filters ListSessions.
type ListOptions struct {
	Status agentloop.Status // empty = any
	Limit  int              // 0 = 50
}

// SQLiteStore implements agentloop.Archiver using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

var _ agentloop.Archiver = (*SQLiteStore)(nil)

// NewSQLiteStore opens (or creates) a SQLite database at dbPath.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// One writer at a time; the pool serializes access.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s: %w", strings.ToLower(pragma), err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

// Migrate applies the embedded migrations that have not run yet.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		filename TEXT PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT (datetime('now'))
	)`)
	if err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()

		var count int
		if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_migrations WHERE filename = ?", name).Scan(&count); err != nil {
			return fmt.Errorf("check migration %s: %w", name, err)
		}
		if count > 0 {
			continue
		}

		data, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		if _, err := s.db.ExecContext(ctx, string(data)); err != nil {
			return fmt.Errorf("apply migration %s: %w", name, err)
		}
		if _, err := s.db.ExecContext(ctx, "INSERT INTO schema_migrations (filename) VALUES (?)", name); err != nil {
			return fmt.Errorf("record migration %s: %w", name, err)
		}
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func unixMilli(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromUnixMilli(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

// Archive writes snap and its history. Archiving the same session again
// replaces the earlier copy.
func (s *SQLiteStore) Archive(ctx context.Context, snap agentloop.Snapshot) error {
	taskCtx, err := json.Marshal(snap.Task.Context)
	if err != nil {
		return fmt.Errorf("encode task context: %w", err)
	}
	cfg, err := json.Marshal(snap.Config)
	if err != nil {
		return fmt.Errorf("encode session config: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin archive: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var (
		resultText    string
		lowConfidence bool
		failureKind   string
		failureDetail string
	)
	if snap.Result != nil {
		resultText = snap.Result.Text
		lowConfidence = snap.Result.LowConfidence
	}
	if snap.Failure != nil {
		failureKind = string(snap.Failure.Kind)
		failureDetail = snap.Failure.Detail
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM turns WHERE session_id = ?`, snap.ID); err != nil {
		return fmt.Errorf("clear turns: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO sessions (id, description, context, config, status, result_text, low_confidence,
			failure_kind, failure_detail, tool_calls, cost_units, model_calls, elapsed_ms, created_at, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		snap.ID, snap.Task.Description, string(taskCtx), string(cfg), string(snap.Status), resultText, boolToInt(lowConfidence),
		failureKind, failureDetail, snap.Counters.ToolCalls, snap.Counters.CostUnits, snap.Counters.ModelCalls,
		snap.Counters.Elapsed.Milliseconds(), unixMilli(snap.CreatedAt), unixMilli(snap.StartedAt), unixMilli(snap.FinishedAt),
	)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO turns (session_id, seq, kind, tool_name, timestamp, payload) VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare turn insert: %w", err)
	}
	defer stmt.Close()

	for _, turn := range snap.History {
		payload, err := json.Marshal(turn)
		if err != nil {
			return fmt.Errorf("encode turn %d: %w", turn.Seq, err)
		}
		var toolName string
		if turn.ToolResult != nil {
			toolName = turn.ToolResult.ToolName
		}
		if _, err := stmt.ExecContext(ctx, snap.ID, turn.Seq, string(turn.Kind), toolName, unixMilli(turn.Timestamp), string(payload)); err != nil {
			return fmt.Errorf("insert turn %d: %w", turn.Seq, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit archive: %w", err)
	}
	return nil
}

const summaryColumns = `id, description, status, result_text, low_confidence, failure_kind, failure_detail,
	tool_calls, cost_units, model_calls, elapsed_ms, created_at, finished_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSummary(row rowScanner) (*SessionSummary, error) {
	var (
		sum                   SessionSummary
		status, failureKind   string
		lowConfidence         int
		elapsedMS             int64
		createdAt, finishedAt int64
	)
	err := row.Scan(&sum.ID, &sum.Description, &status, &sum.ResultText, &lowConfidence, &failureKind, &sum.FailureDetail,
		&sum.Counters.ToolCalls, &sum.Counters.CostUnits, &sum.Counters.ModelCalls, &elapsedMS, &createdAt, &finishedAt)
	if err != nil {
		return nil, err
	}
	sum.Status = agentloop.Status(status)
	sum.FailureKind = agentloop.ErrorKind(failureKind)
	sum.LowConfidence = lowConfidence != 0
	sum.Counters.Elapsed = time.Duration(elapsedMS) * time.Millisecond
	sum.CreatedAt = fromUnixMilli(createdAt)
	sum.FinishedAt = fromUnixMilli(finishedAt)
	return &sum, nil
}

// ListSessions returns archived sessions, newest first.
func (s *SQLiteStore) ListSessions(ctx context.Context, opts ListOptions) ([]*SessionSummary, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + summaryColumns + ` FROM sessions`
	var args []any
	if opts.Status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(opts.Status))
	}
	query += ` ORDER BY created_at DESC, id LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []*SessionSummary
	for rows.Next() {
		sum, err := scanSummary(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, sum)
	}
	return out, rows.Err()
}

// GetSession rebuilds the archived snapshot of id, history included.
func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*agentloop.Snapshot, error) {
	var (
		snap                                   agentloop.Snapshot
		taskCtx, cfg, status                   string
		resultText, failureKind, failureDetail string
		lowConfidence                          int
		elapsedMS                              int64
		createdAt, startedAt, finishedAt       int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, description, context, config, status, result_text, low_confidence, failure_kind, failure_detail,
			tool_calls, cost_units, model_calls, elapsed_ms, created_at, started_at, finished_at
		FROM sessions WHERE id = ?`, id,
	).Scan(&snap.ID, &snap.Task.Description, &taskCtx, &cfg, &status, &resultText, &lowConfidence, &failureKind, &failureDetail,
		&snap.Counters.ToolCalls, &snap.Counters.CostUnits, &snap.Counters.ModelCalls, &elapsedMS, &createdAt, &startedAt, &finishedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}

	if err := json.Unmarshal([]byte(taskCtx), &snap.Task.Context); err != nil {
		return nil, fmt.Errorf("decode task context: %w", err)
	}
	if err := json.Unmarshal([]byte(cfg), &snap.Config); err != nil {
		return nil, fmt.Errorf("decode session config: %w", err)
	}
	snap.Status = agentloop.Status(status)
	snap.Counters.Elapsed = time.Duration(elapsedMS) * time.Millisecond
	snap.CreatedAt = fromUnixMilli(createdAt)
	snap.StartedAt = fromUnixMilli(startedAt)
	snap.FinishedAt = fromUnixMilli(finishedAt)
	if snap.Status == agentloop.StatusSucceeded {
		snap.Result = &agentloop.Result{Text: resultText, LowConfidence: lowConfidence != 0}
	}
	if failureKind != "" {
		snap.Failure = &agentloop.Failure{Kind: agentloop.ErrorKind(failureKind), Detail: failureDetail}
	}

	history, err := s.Turns(ctx, id)
	if err != nil {
		return nil, err
	}
	snap.History = history
	return &snap, nil
}

// Turns returns the archived history of a session in seq order.
func (s *SQLiteStore) Turns(ctx context.Context, sessionID string) ([]agentloop.Turn, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT payload FROM turns WHERE session_id = ? ORDER BY seq`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list turns: %w", err)
	}
	defer rows.Close()

	var out []agentloop.Turn
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		var turn agentloop.Turn
		if err := json.Unmarshal([]byte(payload), &turn); err != nil {
			return nil, fmt.Errorf("decode turn: %w", err)
		}
		out = append(out, turn)
	}
	return out, rows.Err()
}

// ToolUsage counts archived tool results per tool name.
func (s *SQLiteStore) ToolUsage(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT tool_name, COUNT(*) FROM turns WHERE kind = ? GROUP BY tool_name`, string(agentloop.TurnToolResult))
	if err != nil {
		return nil, fmt.Errorf("tool usage: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var (
			name  string
			count int
		)
		if err := rows.Scan(&name, &count); err != nil {
			return nil, fmt.Errorf("scan tool usage: %w", err)
		}
		out[name] = count
	}
	return out, rows.Err()
}

// Prune deletes sessions created before cutoff and returns how many were
// removed. Their turns go with them.
func (s *SQLiteStore) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin prune: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	ms := cutoff.UnixMilli()
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM turns WHERE session_id IN (SELECT id FROM sessions WHERE created_at < ?)`, ms); err != nil {
		return 0, fmt.Errorf("prune turns: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE created_at < ?`, ms)
	if err != nil {
		return 0, fmt.Errorf("prune sessions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit prune: %w", err)
	}
	return n, nil
}
