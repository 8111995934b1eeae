// Package store persists events, integrations, sync runs and conflicts with sqlx over SQLite or Postgres.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"calsync/internal/apperr"
	"calsync/internal/models"
)

const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "pgx"

	// DefaultRunLease is how long an in-progress run may hold its claim.
	DefaultRunLease = time.Hour
)

// Store is the database handle shared by every component.
type Store struct {
	db       *sqlx.DB
	driver   string
	logger   *zap.SugaredLogger
	runLease time.Duration
}

// Open connects to the database and creates missing tables.
func Open(ctx context.Context, logger *zap.SugaredLogger, driver, dsn string) (*Store, error) {
	switch driver {
	case DriverSQLite, DriverPostgres:
	default:
		return nil, apperr.New(apperr.KindConfig, fmt.Sprintf("unsupported database driver %q", driver), nil)
	}

	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if driver == DriverSQLite {
		// One writer; also keeps ":memory:" databases on a single connection.
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &Store{db: db, driver: driver, logger: logger, runLease: DefaultRunLease}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	logger.Infow("Database ready.", "driver", driver)
	return s, nil
}

// SetRunLease changes how long an unfinished run blocks new runs for its user and provider.
// Zero disables reclaiming.
func (s *Store) SetRunLease(d time.Duration) {
	s.runLease = d
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// Health pings the database.
func (s *Store) Health(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) migrate(ctx context.Context) error {
	ts := "TIMESTAMP"
	if s.driver == DriverPostgres {
		ts = "TIMESTAMPTZ"
	}

	queries := []string{
		`CREATE TABLE IF NOT EXISTS calendar_events (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			calendar_type_id TEXT,
			title TEXT NOT NULL,
			description TEXT,
			location TEXT,
			start_time {ts} NOT NULL,
			end_time {ts},
			all_day BOOLEAN NOT NULL DEFAULT FALSE,
			category TEXT NOT NULL DEFAULT 'custom',
			compliance_related BOOLEAN NOT NULL DEFAULT FALSE,
			recurrence_rule TEXT,
			google_event_id TEXT,
			outlook_event_id TEXT,
			apple_event_uid TEXT,
			sync_status TEXT NOT NULL DEFAULT 'pending',
			sync_error TEXT,
			last_synced_at {ts},
			created_at {ts} NOT NULL,
			updated_at {ts} NOT NULL,
			deleted_at {ts}
		)`,
		`CREATE INDEX IF NOT EXISTS calendar_events_user ON calendar_events (user_id, sync_status)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS calendar_events_google ON calendar_events (user_id, google_event_id)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS calendar_events_outlook ON calendar_events (user_id, outlook_event_id)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS calendar_events_apple ON calendar_events (user_id, apple_event_uid)`,

		`CREATE TABLE IF NOT EXISTS calendar_integrations (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			provider TEXT NOT NULL,
			access_token TEXT,
			refresh_token TEXT,
			expires_at {ts},
			caldav_url TEXT,
			caldav_username TEXT,
			caldav_password TEXT,
			is_active BOOLEAN NOT NULL DEFAULT TRUE,
			last_sync_at {ts},
			last_sync_status TEXT,
			error_message TEXT,
			created_at {ts} NOT NULL,
			updated_at {ts} NOT NULL,
			UNIQUE (user_id, provider)
		)`,

		`CREATE TABLE IF NOT EXISTS calendar_sync_logs (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			provider TEXT NOT NULL,
			integration_id TEXT,
			sync_type TEXT NOT NULL,
			sync_direction TEXT NOT NULL,
			status TEXT NOT NULL,
			events_processed INTEGER NOT NULL DEFAULT 0,
			events_created INTEGER NOT NULL DEFAULT 0,
			events_updated INTEGER NOT NULL DEFAULT 0,
			events_deleted INTEGER NOT NULL DEFAULT 0,
			conflicts_detected INTEGER NOT NULL DEFAULT 0,
			execution_time_ms BIGINT NOT NULL DEFAULT 0,
			error_message TEXT,
			errors TEXT NOT NULL DEFAULT '',
			started_at {ts} NOT NULL,
			completed_at {ts}
		)`,
		// At most one run per (user, provider) may be in progress.
		`CREATE UNIQUE INDEX IF NOT EXISTS calendar_sync_logs_running
			ON calendar_sync_logs (user_id, provider) WHERE status = 'in_progress'`,
		`CREATE INDEX IF NOT EXISTS calendar_sync_logs_user ON calendar_sync_logs (user_id, started_at)`,

		`CREATE TABLE IF NOT EXISTS calendar_conflicts (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			event_id TEXT NOT NULL,
			provider TEXT NOT NULL,
			conflict_type TEXT NOT NULL,
			fields TEXT NOT NULL DEFAULT '',
			local_data TEXT NOT NULL,
			external_data TEXT NOT NULL,
			resolution_status TEXT NOT NULL DEFAULT 'pending',
			resolution TEXT,
			created_at {ts} NOT NULL,
			resolved_at {ts}
		)`,
		`CREATE INDEX IF NOT EXISTS calendar_conflicts_user ON calendar_conflicts (user_id, resolution_status)`,
	}

	for _, q := range queries {
		if _, err := s.db.ExecContext(ctx, strings.ReplaceAll(q, "{ts}", ts)); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) get(ctx context.Context, dest any, resource, query string, args ...any) error {
	err := s.db.GetContext(ctx, dest, s.db.Rebind(query), args...)
	if errors.Is(err, sql.ErrNoRows) {
		return apperr.NotFound(resource)
	}
	return err
}

func (s *Store) selectAll(ctx context.Context, dest any, query string, args ...any) error {
	return s.db.SelectContext(ctx, dest, s.db.Rebind(query), args...)
}

func (s *Store) exec(ctx context.Context, query string, args ...any) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// isUniqueViolation reports whether err is a unique constraint failure on either driver.
func isUniqueViolation(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintUnique
	}
	var pe *pgconn.PgError
	if errors.As(err, &pe) {
		return pe.Code == "23505"
	}
	return false
}

// externalColumn maps a provider to its identifier column on calendar_events.
func externalColumn(p models.Provider) (string, error) {
	switch p {
	case models.ProviderGoogle:
		return "google_event_id", nil
	case models.ProviderOutlook:
		return "outlook_event_id", nil
	case models.ProviderApple:
		return "apple_event_uid", nil
	}
	return "", apperr.Validation(fmt.Sprintf("unsupported provider %q", p))
}
