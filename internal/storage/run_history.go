package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/t77yq/raftbench/internal/model"
)

// RunHistory represents the record of one orchestration run
type RunHistory struct {
	ID           string          `json:"id"`
	Topology     string          `json:"topology"`
	Params       json.RawMessage `json:"params,omitempty"`
	Status       model.RunStatus `json:"status"`
	Stage        model.RunState  `json:"stage"`
	Throughput   float64         `json:"throughput"`
	LatencyCount int             `json:"latency_count"`
	Summary      json.RawMessage `json:"summary,omitempty"`
	HostStats    json.RawMessage `json:"host_stats,omitempty"`
	Error        string          `json:"error,omitempty"`
	StartedAt    time.Time       `json:"started_at"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
	Duration     time.Duration   `json:"duration,omitempty"`
}

// RunFilters narrows List and Count results. Zero values match everything.
type RunFilters struct {
	Status   model.RunStatus
	Topology string
}

// RunHistoryStorage defines the interface for run history storage
type RunHistoryStorage interface {
	// Store stores a new run record
	Store(ctx context.Context, history *RunHistory) error

	// Update updates an existing run record
	Update(ctx context.Context, history *RunHistory) error

	// Get retrieves a run record by ID
	Get(ctx context.Context, id string) (*RunHistory, error)

	// List retrieves run records, newest first
	List(ctx context.Context, filters RunFilters, offset, limit int) ([]*RunHistory, error)

	// Count returns the number of records matching the filters
	Count(ctx context.Context, filters RunFilters) (int, error)

	// DeleteBefore deletes records started before the specified time
	DeleteBefore(ctx context.Context, before time.Time) (int64, error)
}

// SQLiteRunHistory implements RunHistoryStorage using SQLite. Times are stored in UTC.
type SQLiteRunHistory struct {
	logger *zap.Logger
	db     *sql.DB
}

// NewSQLiteRunHistory opens or creates the run history database at dbPath
func NewSQLiteRunHistory(logger *zap.Logger, dbPath string) (*SQLiteRunHistory, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	storage := &SQLiteRunHistory{
		logger: logger.Named("run-history"),
		db:     db,
	}

	if err := storage.initialize(); err != nil {
		db.Close()
		return nil, err
	}

	return storage, nil
}

// initialize creates the necessary tables if they don't exist
func (s *SQLiteRunHistory) initialize() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS run_history (
			id TEXT PRIMARY KEY,
			topology TEXT NOT NULL,
			params TEXT,
			status TEXT NOT NULL,
			stage TEXT NOT NULL,
			throughput REAL NOT NULL DEFAULT 0,
			latency_count INTEGER NOT NULL DEFAULT 0,
			summary TEXT,
			host_stats TEXT,
			error TEXT,
			started_at DATETIME NOT NULL,
			completed_at DATETIME,
			duration INTEGER,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);
		CREATE INDEX IF NOT EXISTS idx_run_history_status ON run_history(status);
		CREATE INDEX IF NOT EXISTS idx_run_history_topology ON run_history(topology);
		CREATE INDEX IF NOT EXISTS idx_run_history_started_at ON run_history(started_at);
	`)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	return nil
}

// Store implements RunHistoryStorage.Store
func (s *SQLiteRunHistory) Store(ctx context.Context, history *RunHistory) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO run_history (
			id, topology, params, status, stage, started_at
		) VALUES (?, ?, ?, ?, ?, ?)`,
		history.ID,
		history.Topology,
		nullString(history.Params),
		history.Status,
		history.Stage,
		history.StartedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to store run history: %w", err)
	}
	return nil
}

// Update implements RunHistoryStorage.Update
func (s *SQLiteRunHistory) Update(ctx context.Context, history *RunHistory) error {
	completedAt := sql.NullTime{}
	if history.CompletedAt != nil {
		completedAt = sql.NullTime{Time: history.CompletedAt.UTC(), Valid: true}
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE run_history SET
			status = ?,
			stage = ?,
			throughput = ?,
			latency_count = ?,
			summary = ?,
			host_stats = ?,
			error = ?,
			completed_at = ?,
			duration = ?
		WHERE id = ?`,
		history.Status,
		history.Stage,
		history.Throughput,
		history.LatencyCount,
		nullString(history.Summary),
		nullString(history.HostStats),
		sql.NullString{String: history.Error, Valid: history.Error != ""},
		completedAt,
		sql.NullInt64{Int64: int64(history.Duration), Valid: history.Duration != 0},
		history.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update run history: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s", model.ErrRunNotFound, history.ID)
	}
	return nil
}

const selectColumns = `id, topology, params, status, stage, throughput, latency_count,
	summary, host_stats, error, started_at, completed_at, duration`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRunHistory(row rowScanner) (*RunHistory, error) {
	history := &RunHistory{}
	var params, summary, hostStats, errorStr sql.NullString
	var completedAt sql.NullTime
	var durationNanos sql.NullInt64

	err := row.Scan(
		&history.ID,
		&history.Topology,
		&params,
		&history.Status,
		&history.Stage,
		&history.Throughput,
		&history.LatencyCount,
		&summary,
		&hostStats,
		&errorStr,
		&history.StartedAt,
		&completedAt,
		&durationNanos,
	)
	if err != nil {
		return nil, err
	}

	if params.Valid && params.String != "" {
		history.Params = json.RawMessage(params.String)
	}
	if summary.Valid && summary.String != "" {
		history.Summary = json.RawMessage(summary.String)
	}
	if hostStats.Valid && hostStats.String != "" {
		history.HostStats = json.RawMessage(hostStats.String)
	}
	if errorStr.Valid {
		history.Error = errorStr.String
	}
	if completedAt.Valid {
		history.CompletedAt = &completedAt.Time
	}
	if durationNanos.Valid {
		history.Duration = time.Duration(durationNanos.Int64)
	}

	return history, nil
}

// Get implements RunHistoryStorage.Get
func (s *SQLiteRunHistory) Get(ctx context.Context, id string) (*RunHistory, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+selectColumns+" FROM run_history WHERE id = ?", id)

	history, err := scanRunHistory(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", model.ErrRunNotFound, id)
		}
		return nil, fmt.Errorf("failed to scan run history: %w", err)
	}
	return history, nil
}

// List implements RunHistoryStorage.List
func (s *SQLiteRunHistory) List(ctx context.Context, filters RunFilters, offset, limit int) ([]*RunHistory, error) {
	where, args := filters.clause()
	query := "SELECT " + selectColumns + " FROM run_history" + where +
		" ORDER BY started_at DESC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list run history: %w", err)
	}
	defer rows.Close()

	var histories []*RunHistory
	for rows.Next() {
		history, err := scanRunHistory(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run history: %w", err)
		}
		histories = append(histories, history)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}

	return histories, nil
}

// Count implements RunHistoryStorage.Count
func (s *SQLiteRunHistory) Count(ctx context.Context, filters RunFilters) (int, error) {
	where, args := filters.clause()

	var count int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM run_history"+where, args...).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count run history: %w", err)
	}
	return count, nil
}

// DeleteBefore implements RunHistoryStorage.DeleteBefore
func (s *SQLiteRunHistory) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, "DELETE FROM run_history WHERE started_at < ?", before.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to delete run history: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get affected rows: %w", err)
	}

	s.logger.Info("Deleted old run history records",
		zap.Time("before", before),
		zap.Int64("deleted", affected))

	return affected, nil
}

// Close closes the database connection
func (s *SQLiteRunHistory) Close() error {
	return s.db.Close()
}

func (f RunFilters) clause() (string, []any) {
	var conds []string
	var args []any

	if f.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, f.Status)
	}
	if f.Topology != "" {
		conds = append(conds, "topology = ?")
		args = append(args, f.Topology)
	}

	if len(conds) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func nullString(raw json.RawMessage) sql.NullString {
	return sql.NullString{String: string(raw), Valid: len(raw) > 0}
}
