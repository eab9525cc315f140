package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/chime-io/chime/internal/scheduler"
	"github.com/chime-io/chime/internal/timeutil"
)

// Compile-time interface check.
var _ scheduler.EventStore = (*PostgresEventStore)(nil)

const eventColumns = `id, user_id, event_type, status, target_utc, target_local, timezone,
	executed_at, failure_reason, retry_count, version, idempotency_key, payload, created_at, updated_at`

// PostgresEventStore persists scheduled events in PostgreSQL.
//
// The claim protocol runs as a single statement combining FOR UPDATE SKIP
// LOCKED selection with the PROCESSING update, so competing schedulers on the
// same database never receive the same event and a claim is atomic even if the
// process dies mid-call.
type PostgresEventStore struct {
	conn *Connection
}

// NewPostgresEventStore creates an event store backed by the given connection.
func NewPostgresEventStore(conn *Connection) *PostgresEventStore {
	return &PostgresEventStore{conn: conn}
}

// Insert persists a new event row.
func (s *PostgresEventStore) Insert(ctx context.Context, event *scheduler.Event) error {
	payload, err := json.Marshal(event.Payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	query := `
		INSERT INTO scheduled_events (` + eventColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`

	_, err = s.conn.ExecContext(ctx, query,
		event.ID,
		event.UserID,
		string(event.Type),
		string(event.Status),
		event.TargetUTC,
		localDate(event.TargetLocal),
		event.Zone,
		event.ExecutedAt,
		nullString(event.FailureReason),
		event.RetryCount,
		event.Version,
		event.IdempotencyKey,
		payload,
		event.CreatedAt,
		event.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", scheduler.ErrDuplicateIdempotencyKey, event.IdempotencyKey)
		}

		return fmt.Errorf("failed to insert event: %w", err)
	}

	return nil
}

// FindByID loads a single event.
func (s *PostgresEventStore) FindByID(ctx context.Context, id string) (*scheduler.Event, error) {
	query := `SELECT ` + eventColumns + ` FROM scheduled_events WHERE id = $1`

	event, err := scanEvent(s.conn.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", scheduler.ErrEventNotFound, id)
		}

		return nil, fmt.Errorf("failed to load event: %w", err)
	}

	return event, nil
}

// FindByUser loads all events owned by a user, ordered by target time.
func (s *PostgresEventStore) FindByUser(ctx context.Context, userID string) ([]*scheduler.Event, error) {
	query := `SELECT ` + eventColumns + ` FROM scheduled_events WHERE user_id = $1 ORDER BY target_utc`

	rows, err := s.conn.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query user events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []*scheduler.Event

	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}

		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate events: %w", err)
	}

	return events, nil
}

// Update persists a mutated event guarded by a compare-and-swap on the version
// the caller read (event.Version-1, since domain mutators already bumped it).
func (s *PostgresEventStore) Update(ctx context.Context, event *scheduler.Event) error {
	payload, err := json.Marshal(event.Payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	query := `
		UPDATE scheduled_events
		SET status = $1, target_utc = $2, target_local = $3, timezone = $4,
			executed_at = $5, failure_reason = $6, retry_count = $7,
			version = $8, idempotency_key = $9, payload = $10, updated_at = $11
		WHERE id = $12 AND version = $13`

	result, err := s.conn.ExecContext(ctx, query,
		string(event.Status),
		event.TargetUTC,
		localDate(event.TargetLocal),
		event.Zone,
		event.ExecutedAt,
		nullString(event.FailureReason),
		event.RetryCount,
		event.Version,
		event.IdempotencyKey,
		payload,
		event.UpdatedAt,
		event.ID,
		event.Version-1,
	)
	if err != nil {
		// A reschedule re-derives the idempotency key, so the update can trip
		// the unique index like an insert.
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", scheduler.ErrDuplicateIdempotencyKey, event.IdempotencyKey)
		}

		return fmt.Errorf("failed to update event: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read update result: %w", err)
	}

	if affected == 0 {
		// Either the row vanished or another actor moved the version.
		var exists bool
		if err := s.conn.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM scheduled_events WHERE id = $1)`, event.ID,
		).Scan(&exists); err != nil {
			return fmt.Errorf("failed to disambiguate update miss: %w", err)
		}

		if !exists {
			return fmt.Errorf("%w: %s", scheduler.ErrEventNotFound, event.ID)
		}

		return fmt.Errorf("%w: event %s version %d", scheduler.ErrOptimisticLockConflict, event.ID, event.Version-1)
	}

	return nil
}

// Claim atomically moves up to limit due events to PROCESSING and returns them.
//
// Due rows are PENDING events whose target is at or before now, plus
// PROCESSING events untouched since now minus the visibility timeout (work
// abandoned by a crashed claimer). SKIP LOCKED keeps concurrent claimers from
// blocking on or double-claiming the same rows, and the version bump inside
// the same statement invalidates any stale claimer's eventual write.
func (s *PostgresEventStore) Claim(ctx context.Context, now time.Time, limit int, visibilityTimeout time.Duration) ([]*scheduler.Event, error) {
	query := `
		WITH due AS (
			SELECT id FROM scheduled_events
			WHERE (status = 'PENDING' AND target_utc <= $1)
			   OR (status = 'PROCESSING' AND updated_at <= $2)
			ORDER BY target_utc
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		UPDATE scheduled_events e
		SET status = 'PROCESSING', version = e.version + 1, updated_at = $1
		FROM due
		WHERE e.id = due.id
		RETURNING e.id, e.user_id, e.event_type, e.status, e.target_utc, e.target_local, e.timezone,
			e.executed_at, e.failure_reason, e.retry_count, e.version, e.idempotency_key, e.payload,
			e.created_at, e.updated_at`

	rows, err := s.conn.QueryContext(ctx, query, now.UTC(), now.UTC().Add(-visibilityTimeout), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to claim events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var claimed []*scheduler.Event

	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan claimed event: %w", err)
		}

		claimed = append(claimed, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate claimed events: %w", err)
	}

	return claimed, nil
}

// DeleteByUser removes all events owned by a user.
func (s *PostgresEventStore) DeleteByUser(ctx context.Context, userID string) error {
	if _, err := s.conn.ExecContext(ctx, `DELETE FROM scheduled_events WHERE user_id = $1`, userID); err != nil {
		return fmt.Errorf("failed to delete user events: %w", err)
	}

	return nil
}

// Stats returns event counts by status and the oldest pending target.
func (s *PostgresEventStore) Stats(ctx context.Context) (*scheduler.StoreStats, error) {
	query := `
		SELECT
			COUNT(*) FILTER (WHERE status = 'PENDING'),
			COUNT(*) FILTER (WHERE status = 'PROCESSING'),
			COUNT(*) FILTER (WHERE status = 'COMPLETED'),
			COUNT(*) FILTER (WHERE status = 'FAILED'),
			MIN(target_utc) FILTER (WHERE status = 'PENDING')
		FROM scheduled_events`

	stats := &scheduler.StoreStats{}

	var oldest sql.NullTime

	err := s.conn.QueryRowContext(ctx, query).Scan(
		&stats.PendingCount,
		&stats.ProcessingCount,
		&stats.CompletedCount,
		&stats.FailedCount,
		&oldest,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load event stats: %w", err)
	}

	if oldest.Valid {
		t := oldest.Time.UTC()
		stats.OldestPending = &t
	}

	return stats, nil
}

// HealthCheck verifies the backing database is reachable.
func (s *PostgresEventStore) HealthCheck(ctx context.Context) error {
	return s.conn.HealthCheck(ctx)
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// scanEvent maps one row onto a domain event.
func scanEvent(row rowScanner) (*scheduler.Event, error) {
	var (
		event         scheduler.Event
		eventType     string
		status        string
		targetLocal   time.Time
		executedAt    sql.NullTime
		failureReason sql.NullString
		payload       []byte
	)

	err := row.Scan(
		&event.ID,
		&event.UserID,
		&eventType,
		&status,
		&event.TargetUTC,
		&targetLocal,
		&event.Zone,
		&executedAt,
		&failureReason,
		&event.RetryCount,
		&event.Version,
		&event.IdempotencyKey,
		&payload,
		&event.CreatedAt,
		&event.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	event.Type = scheduler.EventType(eventType)
	event.Status = scheduler.EventStatus(status)
	event.TargetUTC = event.TargetUTC.UTC()
	event.TargetLocal = timeutil.NewDate(targetLocal)

	if executedAt.Valid {
		t := executedAt.Time.UTC()
		event.ExecutedAt = &t
	}

	if failureReason.Valid {
		event.FailureReason = failureReason.String
	}

	if err := json.Unmarshal(payload, &event.Payload); err != nil {
		return nil, fmt.Errorf("failed to unmarshal payload: %w", err)
	}

	return &event, nil
}

// localDate renders a civil date as the DATE column value.
func localDate(d timeutil.Date) time.Time {
	return time.Date(d.Year, d.Month, d.Day, 0, 0, 0, 0, time.UTC)
}

// nullString maps empty strings to SQL NULL.
func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// isUniqueViolation recognizes PostgreSQL unique constraint errors (23505).
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error

	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
