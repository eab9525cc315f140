package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/chime-io/chime/internal/scheduler"
	"github.com/chime-io/chime/internal/timeutil"
)

// Compile-time interface check.
var _ scheduler.UserStore = (*PostgresUserStore)(nil)

// PostgresUserStore persists scheduler users in PostgreSQL.
type PostgresUserStore struct {
	conn *Connection
}

// NewPostgresUserStore creates a user store backed by the given connection.
func NewPostgresUserStore(conn *Connection) *PostgresUserStore {
	return &PostgresUserStore{conn: conn}
}

// Upsert creates or replaces a user by ID.
func (s *PostgresUserStore) Upsert(ctx context.Context, user *scheduler.User) error {
	query := `
		INSERT INTO users (id, first_name, last_name, date_of_birth, timezone, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			first_name = EXCLUDED.first_name,
			last_name = EXCLUDED.last_name,
			date_of_birth = EXCLUDED.date_of_birth,
			timezone = EXCLUDED.timezone,
			updated_at = EXCLUDED.updated_at`

	_, err := s.conn.ExecContext(ctx, query,
		user.ID,
		user.FirstName,
		user.LastName,
		localDate(user.DateOfBirth),
		user.Timezone,
		user.CreatedAt,
		user.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert user: %w", err)
	}

	return nil
}

// FindByID loads a user by ID.
func (s *PostgresUserStore) FindByID(ctx context.Context, id string) (*scheduler.User, error) {
	query := `
		SELECT id, first_name, last_name, date_of_birth, timezone, created_at, updated_at
		FROM users WHERE id = $1`

	var (
		user scheduler.User
		dob  time.Time
	)

	err := s.conn.QueryRowContext(ctx, query, id).Scan(
		&user.ID,
		&user.FirstName,
		&user.LastName,
		&dob,
		&user.Timezone,
		&user.CreatedAt,
		&user.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", scheduler.ErrUserNotFound, id)
		}

		return nil, fmt.Errorf("failed to load user: %w", err)
	}

	user.DateOfBirth = timeutil.NewDate(dob)

	return &user, nil
}

// Delete removes a user. The schema cascades to their events; deleting an
// absent user is a no-op.
func (s *PostgresUserStore) Delete(ctx context.Context, id string) error {
	if _, err := s.conn.ExecContext(ctx, `DELETE FROM users WHERE id = $1`, id); err != nil {
		return fmt.Errorf("failed to delete user: %w", err)
	}

	return nil
}

// HealthCheck verifies the backing database is reachable.
func (s *PostgresUserStore) HealthCheck(ctx context.Context) error {
	return s.conn.HealthCheck(ctx)
}
