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

// ServiceStore implements store.ServiceStore.
type ServiceStore struct {
	pool *pgxpool.Pool
}

const serviceColumns = `id, organization_id, name, duration_minutes, price_cents, currency, is_active, created_at, updated_at`

func scanService(row pgx.Row) (*models.ServiceType, error) {
	var sv models.ServiceType
	err := row.Scan(&sv.ID, &sv.OrganizationID, &sv.Name, &sv.DurationMinutes,
		&sv.PriceCents, &sv.Currency, &sv.IsActive, &sv.CreatedAt, &sv.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &sv, nil
}

func (s *ServiceStore) GetByID(ctx context.Context, orgID, id uuid.UUID) (*models.ServiceType, error) {
	return scanService(s.pool.QueryRow(ctx,
		`SELECT `+serviceColumns+` FROM service_types WHERE organization_id = $1 AND id = $2`, orgID, id))
}

func (s *ServiceStore) ListActive(ctx context.Context, orgID uuid.UUID) ([]models.ServiceType, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+serviceColumns+` FROM service_types WHERE organization_id = $1 AND is_active ORDER BY created_at, id`, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.ServiceType
	for rows.Next() {
		sv, err := scanService(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *sv)
	}
	return out, rows.Err()
}

func (s *ServiceStore) FindActiveByName(ctx context.Context, orgID uuid.UUID, name string) (*models.ServiceType, error) {
	return scanService(s.pool.QueryRow(ctx, `
		SELECT `+serviceColumns+` FROM service_types
		WHERE organization_id = $1 AND lower(name) = lower($2) AND is_active
	`, orgID, name))
}

func (s *ServiceStore) Create(ctx context.Context, svc *models.ServiceType) error {
	if svc.ID == uuid.Nil {
		svc.ID = uuid.New()
	}
	now := time.Now().UTC()
	svc.CreatedAt, svc.UpdatedAt = now, now
	_, err := s.pool.Exec(ctx, `
		INSERT INTO service_types (id, organization_id, name, duration_minutes, price_cents, currency, is_active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, svc.ID, svc.OrganizationID, svc.Name, svc.DurationMinutes, svc.PriceCents,
		svc.Currency, svc.IsActive, svc.CreatedAt, svc.UpdatedAt)
	if isPgErr(err, codeUniqueViolation) {
		return store.ErrDuplicate
	}
	return err
}
