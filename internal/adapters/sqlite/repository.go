package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"tradegate/internal/domain"
	"tradegate/internal/ports"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// Repository implements ports.AttemptRepository using SQLite.
type Repository struct {
	db     *sql.DB
	logger ports.Logger
}

// Config holds configuration for the SQLite repository.
type Config struct {
	DBPath string
	Logger ports.Logger
}

// NewRepository creates a new SQLite repository instance.
func NewRepository(cfg Config) (*Repository, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for SQLite repository")
	}
	dbPath := cfg.DBPath
	if dbPath == "" {
		dbPath = "./data/tradegate.db"
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		err = fmt.Errorf("failed to create data directory '%s': %w", filepath.Dir(dbPath), err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}

	// WAL mode for better concurrency
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		err = fmt.Errorf("failed to open database at '%s': %w", dbPath, err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}

	if err := db.Ping(); err != nil {
		db.Close()
		err = fmt.Errorf("failed to ping database at '%s': %w", dbPath, err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}

	// SQLite handles concurrency internally; the Go driver benefits from a
	// single connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	cfg.Logger.Info(context.Background(), "SQLite database connection established", map[string]interface{}{"path": dbPath})

	repo := &Repository{db: db, logger: cfg.Logger}
	if err := repo.initializeSchema(context.Background()); err != nil {
		db.Close()
		err = fmt.Errorf("failed to initialize database schema: %w", err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}
	return repo, nil
}

// initializeSchema creates tables if they don't exist.
func (r *Repository) initializeSchema(ctx context.Context) error {
	const schema = `
	CREATE TABLE IF NOT EXISTS attempts (
		id TEXT PRIMARY KEY,
		instrument TEXT NOT NULL,
		side TEXT NOT NULL,
		notional_usd REAL NOT NULL,
		signal_time TIMESTAMP NOT NULL,
		decision TEXT NOT NULL,
		reserved_usd REAL NOT NULL,
		state TEXT NOT NULL,
		signature TEXT NOT NULL DEFAULT '',
		realized_usd REAL NOT NULL DEFAULT 0,
		fail_reason TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_attempts_state ON attempts (state);
	CREATE INDEX IF NOT EXISTS idx_attempts_instrument_updated ON attempts (instrument, updated_at);
	`
	_, err := r.db.ExecContext(ctx, schema)
	if err != nil {
		return fmt.Errorf("failed to execute schema initialization: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (r *Repository) Close() error {
	if r.db != nil {
		r.logger.Info(context.Background(), "Closing SQLite database connection")
		return r.db.Close()
	}
	return nil
}

// CreateAttempt inserts a new attempt record.
func (r *Repository) CreateAttempt(ctx context.Context, rec *ports.AttemptRecord) error {
	const query = `
	INSERT INTO attempts (id, instrument, side, notional_usd, signal_time, decision,
	                      reserved_usd, state, signature, realized_usd, fail_reason,
	                      created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now

	_, err := r.db.ExecContext(ctx, query,
		rec.ID, rec.Instrument, string(rec.Side), rec.NotionalUSD, rec.SignalTime, rec.Decision,
		rec.ReservedUSD, string(rec.State), string(rec.Signature), rec.RealizedUSD, rec.FailReason,
		rec.CreatedAt, rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert attempt %s: %w", rec.ID, err)
	}
	r.logger.Debug(ctx, "Attempt created", map[string]interface{}{"attemptID": rec.ID, "instrument": rec.Instrument})
	return nil
}

// UpdateAttempt rewrites the mutable fields of an existing record.
func (r *Repository) UpdateAttempt(ctx context.Context, rec *ports.AttemptRecord) error {
	const query = `
	UPDATE attempts
	SET state = ?, signature = ?, realized_usd = ?, fail_reason = ?, updated_at = ?
	WHERE id = ?`

	rec.UpdatedAt = time.Now().UTC()
	result, err := r.db.ExecContext(ctx, query,
		string(rec.State), string(rec.Signature), rec.RealizedUSD, rec.FailReason, rec.UpdatedAt,
		rec.ID)
	if err != nil {
		return fmt.Errorf("failed to update attempt %s: %w", rec.ID, err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected for attempt %s: %w", rec.ID, err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("attempt %s not found for update: %w", rec.ID, ports.ErrNotFound)
	}
	r.logger.Debug(ctx, "Attempt updated", map[string]interface{}{"attemptID": rec.ID, "state": rec.State})
	return nil
}

// FindUnresolved returns attempts whose state is not terminal, oldest first.
func (r *Repository) FindUnresolved(ctx context.Context) ([]*ports.AttemptRecord, error) {
	const query = `
	SELECT id, instrument, side, notional_usd, signal_time, decision,
	       reserved_usd, state, signature, realized_usd, fail_reason,
	       created_at, updated_at
	FROM attempts
	WHERE state NOT IN (?, ?)
	ORDER BY created_at ASC`

	rows, err := r.db.QueryContext(ctx, query, string(domain.StateSettled), string(domain.StateFailed))
	if err != nil {
		return nil, fmt.Errorf("failed to query unresolved attempts: %w", err)
	}
	defer rows.Close()

	records := make([]*ports.AttemptRecord, 0)
	for rows.Next() {
		rec, err := scanAttempt(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan attempt during FindUnresolved: %w", err)
		}
		records = append(records, rec)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating attempt rows: %w", err)
	}
	return records, nil
}

// SumRealizedSince totals realized USD over settled attempts updated at or
// after since. Positive values are losses.
func (r *Repository) SumRealizedSince(ctx context.Context, since time.Time) (float64, error) {
	const query = `
	SELECT COALESCE(SUM(realized_usd), 0)
	FROM attempts
	WHERE state = ? AND updated_at >= ?`

	var total float64
	err := r.db.QueryRowContext(ctx, query, string(domain.StateSettled), since).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to sum realized amounts: %w", err)
	}
	return total, nil
}

// LastTradeTimes returns the most recent settled-attempt time per instrument
// at or after since.
func (r *Repository) LastTradeTimes(ctx context.Context, since time.Time) (map[string]time.Time, error) {
	// The aggregate MAX(updated_at) loses the column's declared type, which
	// breaks the driver's time conversion, so the max is taken here instead.
	const query = `
	SELECT instrument, updated_at
	FROM attempts
	WHERE state = ? AND updated_at >= ?`

	rows, err := r.db.QueryContext(ctx, query, string(domain.StateSettled), since)
	if err != nil {
		return nil, fmt.Errorf("failed to query last trade times: %w", err)
	}
	defer rows.Close()

	times := make(map[string]time.Time)
	for rows.Next() {
		var instrument string
		var at time.Time
		if err := rows.Scan(&instrument, &at); err != nil {
			return nil, fmt.Errorf("failed to scan last trade time: %w", err)
		}
		if at.After(times[instrument]) {
			times[instrument] = at
		}
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating trade time rows: %w", err)
	}
	return times, nil
}

// scanner abstracts *sql.Row and *sql.Rows for the scan helper.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanAttempt(s scanner) (*ports.AttemptRecord, error) {
	rec := &ports.AttemptRecord{}
	var side, state, signature string
	err := s.Scan(
		&rec.ID, &rec.Instrument, &side, &rec.NotionalUSD, &rec.SignalTime, &rec.Decision,
		&rec.ReservedUSD, &state, &signature, &rec.RealizedUSD, &rec.FailReason,
		&rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	rec.Side = domain.Side(side)
	rec.State = domain.AttemptState(state)
	rec.Signature = domain.Signature(signature)
	return rec, nil
}
