package pg

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/parlolabs/parlo/internal/models"
	"github.com/parlolabs/parlo/internal/store"
)

// AppointmentStore implements store.AppointmentStore. The
// no_overlapping_staff_appointments exclusion constraint does the real
// concurrency work: two racing inserts for the same staff interval cannot
// both commit, whatever the isolation level. Availability is re-read inside
// the inserting transaction under a per-staff advisory lock shared with
// AvailabilityStore, so a block committed mid-booking is always observed.
type AppointmentStore struct {
	pool *pgxpool.Pool
}

const apptColumns = `id, organization_id, customer_id, service_type_id, staff_id,
	scheduled_start, scheduled_end, status, source, COALESCE(notes, ''), created_at, updated_at`

func scanAppt(row pgx.Row) (*models.Appointment, error) {
	var a models.Appointment
	err := row.Scan(&a.ID, &a.OrganizationID, &a.CustomerID, &a.ServiceTypeID, &a.StaffID,
		&a.ScheduledStart, &a.ScheduledEnd, &a.Status, &a.Source, &a.Notes, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *AppointmentStore) GetByID(ctx context.Context, orgID, id uuid.UUID) (*models.Appointment, error) {
	return scanAppt(s.pool.QueryRow(ctx,
		`SELECT `+apptColumns+` FROM appointments WHERE organization_id = $1 AND id = $2`, orgID, id))
}

func (s *AppointmentStore) Book(ctx context.Context, appt *models.Appointment, fits store.AvailabilityCheck) error {
	if appt.ID == uuid.Nil {
		appt.ID = uuid.New()
	}
	now := time.Now().UTC()
	appt.CreatedAt, appt.UpdatedAt = now, now

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := guardAvailability(ctx, tx, appt, fits); err != nil {
		return err
	}
	if err := insertAppt(ctx, tx, appt); err != nil {
		if isPgErr(err, codeExclusionViolation) {
			return store.ErrOverlap
		}
		return err
	}
	return tx.Commit(ctx)
}

// guardAvailability takes the per-staff advisory lock and re-reads the
// availability rules inside the booking transaction. AvailabilityStore.Create
// takes the same lock, so the rules cannot change between the check and the
// commit.
func guardAvailability(ctx context.Context, tx pgx.Tx, appt *models.Appointment, fits store.AvailabilityCheck) error {
	if fits == nil || appt.StaffID == nil {
		return nil
	}
	if err := lockStaff(ctx, tx, *appt.StaffID); err != nil {
		return err
	}
	rules, err := listAvailability(ctx, tx, appt.OrganizationID, *appt.StaffID)
	if err != nil {
		return err
	}
	if !fits(rules) {
		return store.ErrOutsideAvailability
	}
	return nil
}

// execQuerier is satisfied by both pgxpool.Pool and pgx.Tx.
type execQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func insertAppt(ctx context.Context, q execQuerier, appt *models.Appointment) error {
	_, err := q.Exec(ctx, `
		INSERT INTO appointments
			(id, organization_id, customer_id, service_type_id, staff_id,
			 scheduled_start, scheduled_end, status, source, notes, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, appt.ID, appt.OrganizationID, appt.CustomerID, appt.ServiceTypeID, appt.StaffID,
		appt.ScheduledStart, appt.ScheduledEnd, appt.Status, appt.Source,
		nullable(appt.Notes), appt.CreatedAt, appt.UpdatedAt)
	return err
}

// Reschedule books the replacement and cancels the old appointment in one
// transaction. If the replacement hits the exclusion constraint or fails the
// availability re-read, the whole transaction rolls back, so exactly one of
// {old, new} stays active.
func (s *AppointmentStore) Reschedule(ctx context.Context, orgID, oldID uuid.UUID, replacement *models.Appointment, fits store.AvailabilityCheck) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := guardAvailability(ctx, tx, replacement, fits); err != nil {
		return err
	}
	tag, err := tx.Exec(ctx, `
		UPDATE appointments SET status = 'cancelled', updated_at = now()
		WHERE organization_id = $1 AND id = $2 AND status IN ('pending', 'confirmed')
	`, orgID, oldID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return store.ErrInvalidTransition
	}

	if replacement.ID == uuid.Nil {
		replacement.ID = uuid.New()
	}
	now := time.Now().UTC()
	replacement.CreatedAt, replacement.UpdatedAt = now, now
	if err := insertAppt(ctx, tx, replacement); err != nil {
		if isPgErr(err, codeExclusionViolation) {
			return store.ErrOverlap
		}
		return err
	}
	return tx.Commit(ctx)
}

func (s *AppointmentStore) ListActiveBetween(ctx context.Context, orgID, staffID uuid.UUID, start, end time.Time) ([]models.Appointment, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+apptColumns+` FROM appointments
		WHERE organization_id = $1 AND staff_id = $2
			AND status IN ('pending', 'confirmed')
			AND scheduled_start < $4 AND scheduled_end > $3
		ORDER BY scheduled_start
	`, orgID, staffID, start, end)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectAppts(rows)
}

func (s *AppointmentStore) ListUpcomingForCustomer(ctx context.Context, orgID, customerID uuid.UUID, after time.Time) ([]models.Appointment, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+apptColumns+` FROM appointments
		WHERE organization_id = $1 AND customer_id = $2
			AND status IN ('pending', 'confirmed')
			AND scheduled_start >= $3
		ORDER BY scheduled_start
	`, orgID, customerID, after)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectAppts(rows)
}

func collectAppts(rows pgx.Rows) ([]models.Appointment, error) {
	var out []models.Appointment
	for rows.Next() {
		a, err := scanAppt(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

func (s *AppointmentStore) UpdateStatus(ctx context.Context, orgID, id uuid.UUID, from []models.AppointmentStatus, to models.AppointmentStatus) error {
	fromStrs := make([]string, len(from))
	for i, f := range from {
		fromStrs[i] = string(f)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE appointments SET status = $3, updated_at = now()
		WHERE organization_id = $1 AND id = $2 AND status = ANY($4)
	`, orgID, id, to, fromStrs)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return store.ErrInvalidTransition
	}
	return nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
