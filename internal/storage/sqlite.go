package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// unmarshalJSON unmarshals JSON and logs any errors without failing.
// Used for list columns where a corrupt value should not fail the query.
func unmarshalJSON(data sql.NullString, v any, field string, queueID string) {
	if !data.Valid || data.String == "" {
		return
	}
	if err := json.Unmarshal([]byte(data.String), v); err != nil {
		slog.Warn("failed to unmarshal JSON field",
			"field", field,
			"queueID", queueID,
			"error", err.Error(),
			"dataLen", len(data.String))
	}
}

// SQLiteStorage implements Storage using SQLite.
type SQLiteStorage struct {
	db *sql.DB
}

var _ Storage = (*SQLiteStorage)(nil)

// NewSQLiteStorage creates a new SQLite storage instance.
func NewSQLiteStorage(dbPath string) (*SQLiteStorage, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	// WAL lets history reads run while the recorder writes.
	dsn := fmt.Sprintf("%s?_journal=WAL&_sync=NORMAL&_busy_timeout=5000&_foreign_keys=ON", dbPath)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	s := &SQLiteStorage{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return s, nil
}

// migrate runs database migrations.
func (s *SQLiteStorage) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS queue_runs (
		id TEXT PRIMARY KEY,
		state TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		finished_at DATETIME,
		step_count INTEGER NOT NULL,
		failed_index INTEGER DEFAULT -1,
		error_kind TEXT,
		error_message TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_queue_runs_created ON queue_runs(created_at DESC);

	CREATE TABLE IF NOT EXISTS step_logs (
		queue_id TEXT NOT NULL,
		step_index INTEGER NOT NULL,
		title TEXT NOT NULL,
		status TEXT NOT NULL,
		depends_on TEXT,
		reload_queries TEXT,
		tx_hash TEXT,
		block_number INTEGER,
		error TEXT,
		submitted_at DATETIME,
		confirmed_at DATETIME,
		updated_at DATETIME NOT NULL,
		PRIMARY KEY (queue_id, step_index),
		FOREIGN KEY (queue_id) REFERENCES queue_runs(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_step_logs_hash ON step_logs(tx_hash);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return err
	}

	// Columns added after the first release.
	migrations := []struct {
		table  string
		column string
		ddl    string
	}{
		{"step_logs", "gas_used", "ALTER TABLE step_logs ADD COLUMN gas_used INTEGER DEFAULT 0"},
	}

	for _, m := range migrations {
		if !s.columnExists(m.table, m.column) {
			if _, err := s.db.Exec(m.ddl); err != nil {
				return fmt.Errorf("migration %s.%s: %w", m.table, m.column, err)
			}
		}
	}

	return nil
}

// columnExists checks if a column exists in a table.
func (s *SQLiteStorage) columnExists(table, column string) bool {
	if !isValidIdentifier(table) || !isValidIdentifier(column) {
		return false
	}
	query := fmt.Sprintf("SELECT COUNT(*) FROM pragma_table_info('%s') WHERE name = '%s'", table, column)
	var count int
	if err := s.db.QueryRow(query).Scan(&count); err != nil {
		return false
	}
	return count > 0
}

// isValidIdentifier checks if a string is a valid SQLite identifier.
// Only allows alphanumeric characters and underscore.
func isValidIdentifier(s string) bool {
	if len(s) == 0 || len(s) > 128 {
		return false
	}
	for _, c := range s {
		if !((c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '_') {
			return false
		}
	}
	return true
}

// Close closes the database connection.
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

// CreateQueueRun inserts a queue run and its steps in one transaction.
func (s *SQLiteStorage) CreateQueueRun(ctx context.Context, run *QueueRun) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO queue_runs (id, state, created_at, finished_at, step_count, failed_index, error_kind, error_message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, run.ID, run.State, run.CreatedAt, nullTime(run.FinishedAt), run.StepCount, run.FailedIndex,
		nullString(run.ErrorKind), nullString(run.ErrorMessage))
	if err != nil {
		return fmt.Errorf("insert queue run: %w", err)
	}

	for i := range run.Steps {
		if err := upsertStep(ctx, tx, &run.Steps[i]); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// FinishQueueRun stores the final state of a queue run.
func (s *SQLiteStorage) FinishQueueRun(ctx context.Context, run *QueueRun) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE queue_runs SET
			state = ?,
			finished_at = ?,
			failed_index = ?,
			error_kind = ?,
			error_message = ?
		WHERE id = ?
	`, run.State, nullTime(run.FinishedAt), run.FailedIndex, nullString(run.ErrorKind),
		nullString(run.ErrorMessage), run.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("queue run %s not found", run.ID)
	}
	return nil
}

// UpsertStepLog inserts or replaces the log of one step.
func (s *SQLiteStorage) UpsertStepLog(ctx context.Context, step *StepLog) error {
	return upsertStep(ctx, s.db, step)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func upsertStep(ctx context.Context, db execer, step *StepLog) error {
	dependsOn, err := json.Marshal(step.DependsOn)
	if err != nil {
		return fmt.Errorf("marshal depends_on: %w", err)
	}
	reload, err := json.Marshal(step.Reload)
	if err != nil {
		return fmt.Errorf("marshal reload_queries: %w", err)
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO step_logs (queue_id, step_index, title, status, depends_on, reload_queries,
			tx_hash, block_number, gas_used, error, submitted_at, confirmed_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (queue_id, step_index) DO UPDATE SET
			status = excluded.status,
			tx_hash = COALESCE(excluded.tx_hash, step_logs.tx_hash),
			block_number = COALESCE(excluded.block_number, step_logs.block_number),
			gas_used = excluded.gas_used,
			error = excluded.error,
			submitted_at = COALESCE(excluded.submitted_at, step_logs.submitted_at),
			confirmed_at = COALESCE(excluded.confirmed_at, step_logs.confirmed_at),
			updated_at = excluded.updated_at
	`, step.QueueID, step.Index, step.Title, step.Status, string(dependsOn), string(reload),
		nullString(step.TxHash), nullInt64(int64(step.BlockNumber)), step.GasUsed, nullString(step.Error),
		nullTime(step.SubmittedAt), nullTime(step.ConfirmedAt), step.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert step %s/%d: %w", step.QueueID, step.Index, err)
	}
	return nil
}

// GetQueueRun retrieves a queue run with its steps. It returns nil, nil
// when id is unknown.
func (s *SQLiteStorage) GetQueueRun(ctx context.Context, id string) (*QueueRun, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, state, created_at, finished_at, step_count, COALESCE(failed_index, -1),
			error_kind, error_message
		FROM queue_runs WHERE id = ?
	`, id)

	run, err := scanQueueRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	steps, err := s.getStepLogs(ctx, id)
	if err != nil {
		return nil, err
	}
	run.Steps = steps
	return run, nil
}

func (s *SQLiteStorage) getStepLogs(ctx context.Context, queueID string) ([]StepLog, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT queue_id, step_index, title, status, depends_on, reload_queries,
			tx_hash, COALESCE(block_number, 0), COALESCE(gas_used, 0), error,
			submitted_at, confirmed_at, updated_at
		FROM step_logs WHERE queue_id = ?
		ORDER BY step_index
	`, queueID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var steps []StepLog
	for rows.Next() {
		var step StepLog
		var dependsOn, reload, txHash, stepErr sql.NullString
		var submittedAt, confirmedAt sql.NullTime
		if err := rows.Scan(&step.QueueID, &step.Index, &step.Title, &step.Status, &dependsOn, &reload,
			&txHash, &step.BlockNumber, &step.GasUsed, &stepErr,
			&submittedAt, &confirmedAt, &step.UpdatedAt); err != nil {
			return nil, err
		}
		unmarshalJSON(dependsOn, &step.DependsOn, "depends_on", queueID)
		unmarshalJSON(reload, &step.Reload, "reload_queries", queueID)
		step.TxHash = txHash.String
		step.Error = stepErr.String
		step.SubmittedAt = fromNullTime(submittedAt)
		step.ConfirmedAt = fromNullTime(confirmedAt)
		steps = append(steps, step)
	}
	return steps, rows.Err()
}

// ListQueueRuns returns a page of queue runs without their steps, newest first.
func (s *SQLiteStorage) ListQueueRuns(ctx context.Context, limit, offset int) (*PaginatedQueueRuns, error) {
	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM queue_runs").Scan(&total); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, state, created_at, finished_at, step_count, COALESCE(failed_index, -1),
			error_kind, error_message
		FROM queue_runs
		ORDER BY created_at DESC
		LIMIT ? OFFSET ?
	`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	runs := []QueueRun{}
	for rows.Next() {
		run, err := scanQueueRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return &PaginatedQueueRuns{
		Runs:   runs,
		Total:  total,
		Limit:  limit,
		Offset: offset,
	}, nil
}

// DeleteQueueRun deletes a queue run and its steps.
func (s *SQLiteStorage) DeleteQueueRun(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM queue_runs WHERE id = ?", id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrQueueRunNotFound
	}
	return nil
}

// Helper functions

type scanner interface {
	Scan(dest ...any) error
}

func scanQueueRun(row scanner) (*QueueRun, error) {
	var run QueueRun
	var finishedAt sql.NullTime
	var errorKind, errorMsg sql.NullString

	if err := row.Scan(&run.ID, &run.State, &run.CreatedAt, &finishedAt, &run.StepCount, &run.FailedIndex,
		&errorKind, &errorMsg); err != nil {
		return nil, err
	}
	run.FinishedAt = fromNullTime(finishedAt)
	run.ErrorKind = errorKind.String
	run.ErrorMessage = errorMsg.String
	return &run, nil
}

func nullInt64(v int64) sql.NullInt64 {
	if v == 0 {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: v, Valid: true}
}

func nullString(v string) sql.NullString {
	if v == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: v, Valid: true}
}

func nullTime(v *time.Time) sql.NullTime {
	if v == nil || v.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *v, Valid: true}
}

func fromNullTime(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}
	t := v.Time
	return &t
}
