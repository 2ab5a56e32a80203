package pg

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/parlolabs/parlo/internal/models"
)

// AvailabilityStore implements store.AvailabilityStore. Writes take the same
// per-staff advisory lock as the booking transaction, so a rule change and a
// booking for one staff member always serialize.
type AvailabilityStore struct {
	pool *pgxpool.Pool
}

// rowQuerier is satisfied by both pgxpool.Pool and pgx.Tx.
type rowQuerier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// lockStaff takes a transaction-scoped advisory lock keyed on the staff id.
// Held by availability writes and by the appointment booking guard.
func lockStaff(ctx context.Context, tx pgx.Tx, staffID uuid.UUID) error {
	_, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1::text, 0))`, staffID)
	return err
}

func listAvailability(ctx context.Context, q rowQuerier, orgID, staffID uuid.UUID) ([]models.Availability, error) {
	rows, err := q.Query(ctx, `
		SELECT id, organization_id, staff_id, kind, weekday, start_minute, end_minute,
			COALESCE(to_char(exception_date, 'YYYY-MM-DD'), ''), is_available, created_at
		FROM availability
		WHERE organization_id = $1 AND staff_id = $2
		ORDER BY created_at, id
	`, orgID, staffID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Availability
	for rows.Next() {
		var av models.Availability
		var weekday int
		if err := rows.Scan(&av.ID, &av.OrganizationID, &av.StaffID, &av.Kind,
			&weekday, &av.StartMinute, &av.EndMinute,
			&av.ExceptionDate, &av.IsAvailable, &av.CreatedAt); err != nil {
			return nil, err
		}
		av.Weekday = time.Weekday(weekday)
		out = append(out, av)
	}
	return out, rows.Err()
}

func (s *AvailabilityStore) ListForStaff(ctx context.Context, orgID, staffID uuid.UUID) ([]models.Availability, error) {
	return listAvailability(ctx, s.pool, orgID, staffID)
}

func (s *AvailabilityStore) Create(ctx context.Context, av *models.Availability) error {
	if av.ID == uuid.Nil {
		av.ID = uuid.New()
	}
	av.CreatedAt = time.Now().UTC()
	var dateArg *string
	if av.ExceptionDate != "" {
		dateArg = &av.ExceptionDate
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := lockStaff(ctx, tx, av.StaffID); err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO availability
			(id, organization_id, staff_id, kind, weekday, start_minute, end_minute, exception_date, is_available, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, av.ID, av.OrganizationID, av.StaffID, av.Kind, int(av.Weekday),
		av.StartMinute, av.EndMinute, dateArg, av.IsAvailable, av.CreatedAt)
	if err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *AvailabilityStore) DeleteForDate(ctx context.Context, orgID, staffID uuid.UUID, date string) error {
	_, err := s.pool.Exec(ctx, `
		DELETE FROM availability
		WHERE organization_id = $1 AND staff_id = $2 AND kind = 'exception' AND exception_date = $3
	`, orgID, staffID, date)
	return err
}
