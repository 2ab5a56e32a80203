package pg

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/parlolabs/parlo/internal/models"
	"github.com/parlolabs/parlo/internal/store"
)

// StaffStore implements store.StaffStore.
type StaffStore struct {
	pool *pgxpool.Pool
}

const staffColumns = `id, organization_id, name, phone_number, role, is_active, created_at, updated_at`

func scanStaff(row pgx.Row) (*models.Staff, error) {
	var st models.Staff
	err := row.Scan(&st.ID, &st.OrganizationID, &st.Name, &st.PhoneNumber,
		&st.Role, &st.IsActive, &st.CreatedAt, &st.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &st, nil
}

func (s *StaffStore) GetByID(ctx context.Context, orgID, id uuid.UUID) (*models.Staff, error) {
	return scanStaff(s.pool.QueryRow(ctx,
		`SELECT `+staffColumns+` FROM staff WHERE organization_id = $1 AND id = $2`, orgID, id))
}

func (s *StaffStore) GetByPhone(ctx context.Context, orgID uuid.UUID, phone string) (*models.Staff, error) {
	return scanStaff(s.pool.QueryRow(ctx,
		`SELECT `+staffColumns+` FROM staff WHERE organization_id = $1 AND phone_number = $2`, orgID, phone))
}

func (s *StaffStore) ListOfferingService(ctx context.Context, orgID, serviceID uuid.UUID) ([]models.Staff, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+prefixColumns("s", staffColumns)+`
		FROM staff s
		JOIN staff_services ss ON ss.staff_id = s.id
		WHERE s.organization_id = $1 AND ss.service_type_id = $2 AND s.is_active
		ORDER BY s.created_at, s.id
	`, orgID, serviceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectStaff(rows)
}

func (s *StaffStore) ListActive(ctx context.Context, orgID uuid.UUID) ([]models.Staff, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+staffColumns+` FROM staff WHERE organization_id = $1 AND is_active ORDER BY created_at, id`, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectStaff(rows)
}

func collectStaff(rows pgx.Rows) ([]models.Staff, error) {
	var out []models.Staff
	for rows.Next() {
		st, err := scanStaff(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *st)
	}
	return out, rows.Err()
}

func (s *StaffStore) Create(ctx context.Context, staff *models.Staff) error {
	if staff.ID == uuid.Nil {
		staff.ID = uuid.New()
	}
	now := time.Now().UTC()
	staff.CreatedAt, staff.UpdatedAt = now, now

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx, `
		INSERT INTO staff (id, organization_id, name, phone_number, role, is_active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, staff.ID, staff.OrganizationID, staff.Name, staff.PhoneNumber, staff.Role, staff.IsActive,
		staff.CreatedAt, staff.UpdatedAt)
	if isPgErr(err, codeUniqueViolation) {
		return store.ErrDuplicate
	}
	if err != nil {
		return err
	}

	for _, svcID := range staff.ServiceIDs {
		if _, err := tx.Exec(ctx, `
			INSERT INTO staff_services (staff_id, service_type_id)
			VALUES ($1, $2) ON CONFLICT DO NOTHING
		`, staff.ID, svcID); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func (s *StaffStore) SetActive(ctx context.Context, orgID, id uuid.UUID, active bool) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE staff SET is_active = $3, updated_at = now()
		WHERE organization_id = $1 AND id = $2
	`, orgID, id, active)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}
