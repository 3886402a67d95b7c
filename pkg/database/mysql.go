package database

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"dev/bravebird/browser-flow-go/pkg/config"
	"dev/bravebird/browser-flow-go/pkg/models"

	_ "github.com/go-sql-driver/mysql"
)

//go:embed schema.sql
var schemaSQL string

// DB represents the database connection
type DB struct {
	conn *sql.DB
}

// New creates a new database connection with default pool settings
func New(dsn string) (*DB, error) {
	return Open(config.DatabaseConfig{
		DSN:             dsn,
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
	})
}

// Open creates a database connection from configuration
func Open(cfg config.DatabaseConfig) (*DB, error) {
	conn, err := sql.Open("mysql", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	conn.SetMaxOpenConns(cfg.MaxOpenConns)
	conn.SetMaxIdleConns(cfg.MaxIdleConns)
	conn.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &DB{conn: conn}, nil
}

// NewFromConn wraps an existing connection pool
func NewFromConn(conn *sql.DB) *DB {
	return &DB{conn: conn}
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.conn.Close()
}

// Migrate creates the run tables when they do not exist
func (db *DB) Migrate(ctx context.Context) error {
	for _, stmt := range strings.Split(schemaSQL, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := db.conn.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}

// ==================== Flow Runs ====================

// CreateRun inserts a new run in pending state
func (db *DB) CreateRun(ctx context.Context, run *models.FlowRun) error {
	query := `
		INSERT INTO flow_runs (id, profile, target_url, expectation, status, error_message, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	if run.Status == "" {
		run.Status = models.StatusPending
	}
	run.CreatedAt = time.Now().UTC()

	_, err := db.conn.ExecContext(ctx, query,
		run.ID,
		run.Profile,
		run.TargetURL,
		run.Expectation,
		run.Status,
		run.ErrorMessage,
		run.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}
	return nil
}

// SetTemporalIDs records the workflow execution started for a run
func (db *DB) SetTemporalIDs(ctx context.Context, id, workflowID, runID string) error {
	query := `UPDATE flow_runs SET temporal_workflow_id = ?, temporal_run_id = ? WHERE id = ?`
	_, err := db.conn.ExecContext(ctx, query, workflowID, runID, id)
	return err
}

// MarkRunStarted moves a run to running once its browser session exists
func (db *DB) MarkRunStarted(ctx context.Context, id, sessionID string) error {
	query := `
		UPDATE flow_runs
		SET status = ?, session_id = ?, session_state = ?, started_at = ?
		WHERE id = ?
	`
	_, err := db.conn.ExecContext(ctx, query,
		models.StatusRunning, sessionID, models.StateCreated, time.Now().UTC(), id)
	return err
}

// CompleteRun stores the final result of a run
func (db *DB) CompleteRun(ctx context.Context, result *models.FlowResult) error {
	query := `
		UPDATE flow_runs
		SET status = ?, session_id = ?, session_state = ?, failed_step = ?,
		    error_kind = ?, error_message = ?, completed_at = ?
		WHERE id = ?
	`

	res, err := db.conn.ExecContext(ctx, query,
		result.Status,
		result.SessionID,
		result.FinalState,
		result.FailedStep,
		result.ErrorKind,
		result.ErrorMessage,
		time.Now().UTC(),
		result.RunID,
	)
	if err != nil {
		return fmt.Errorf("failed to complete run: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("failed to complete run: %w", ErrRunNotFound)
	}
	return nil
}

// ErrRunNotFound is returned by updates that match no run
var ErrRunNotFound = errors.New("run not found")

const runColumns = `
	id, profile, target_url, expectation, temporal_workflow_id, temporal_run_id,
	session_id, status, session_state, failed_step, error_kind, error_message,
	created_at, started_at, completed_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*models.FlowRun, error) {
	var run models.FlowRun
	err := row.Scan(
		&run.ID,
		&run.Profile,
		&run.TargetURL,
		&run.Expectation,
		&run.TemporalWorkflowID,
		&run.TemporalRunID,
		&run.SessionID,
		&run.Status,
		&run.SessionState,
		&run.FailedStep,
		&run.ErrorKind,
		&run.ErrorMessage,
		&run.CreatedAt,
		&run.StartedAt,
		&run.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	return &run, nil
}

// GetRun retrieves a run and its state timeline by ID
func (db *DB) GetRun(ctx context.Context, id string) (*models.FlowRun, error) {
	query := `SELECT` + runColumns + ` FROM flow_runs WHERE id = ?`

	run, err := scanRun(db.conn.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}

	run.Events, err = db.ListEvents(ctx, id)
	if err != nil {
		return nil, err
	}
	return run, nil
}

// ListRuns retrieves the most recent runs, newest first
func (db *DB) ListRuns(ctx context.Context, limit int) ([]models.FlowRun, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT` + runColumns + ` FROM flow_runs ORDER BY created_at DESC LIMIT ?`

	rows, err := db.conn.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	runs := []models.FlowRun{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

// ==================== Session Events ====================

// AppendEvent records one session state transition of a run
func (db *DB) AppendEvent(ctx context.Context, runID string, change models.StateChange) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO session_events (run_id, session_id, from_state, to_state, occurred_at)
		VALUES (?, ?, ?, ?, ?)
	`, runID, change.SessionID, change.From, change.To, change.At.UTC())
	if err != nil {
		return fmt.Errorf("failed to insert event: %w", err)
	}

	_, err = tx.ExecContext(ctx, `UPDATE flow_runs SET session_state = ? WHERE id = ?`, change.To, runID)
	if err != nil {
		return fmt.Errorf("failed to update session state: %w", err)
	}

	return tx.Commit()
}

// ListEvents retrieves the state timeline of a run in order
func (db *DB) ListEvents(ctx context.Context, runID string) ([]models.StateChange, error) {
	query := `
		SELECT session_id, from_state, to_state, occurred_at
		FROM session_events
		WHERE run_id = ?
		ORDER BY occurred_at, id
	`

	rows, err := db.conn.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	var events []models.StateChange
	for rows.Next() {
		var e models.StateChange
		if err := rows.Scan(&e.SessionID, &e.From, &e.To, &e.At); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
