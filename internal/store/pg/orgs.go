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

// OrganizationStore implements store.OrganizationStore.
type OrganizationStore struct {
	pool *pgxpool.Pool
}

const orgColumns = `id, name, phone_country_code, phone_number, whatsapp_phone_number_id, timezone, status, created_at, updated_at`

func scanOrg(row pgx.Row) (*models.Organization, error) {
	var o models.Organization
	err := row.Scan(&o.ID, &o.Name, &o.PhoneCountryCode, &o.PhoneNumber,
		&o.WhatsAppPhoneNumberID, &o.Timezone, &o.Status, &o.CreatedAt, &o.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &o, nil
}

func (s *OrganizationStore) GetByID(ctx context.Context, id uuid.UUID) (*models.Organization, error) {
	return scanOrg(s.pool.QueryRow(ctx,
		`SELECT `+orgColumns+` FROM organizations WHERE id = $1`, id))
}

func (s *OrganizationStore) GetByChannelID(ctx context.Context, phoneNumberID string) (*models.Organization, error) {
	return scanOrg(s.pool.QueryRow(ctx,
		`SELECT `+orgColumns+` FROM organizations WHERE whatsapp_phone_number_id = $1`, phoneNumberID))
}

func (s *OrganizationStore) Create(ctx context.Context, org *models.Organization) error {
	if org.ID == uuid.Nil {
		org.ID = uuid.New()
	}
	now := time.Now().UTC()
	org.CreatedAt, org.UpdatedAt = now, now
	_, err := s.pool.Exec(ctx, `
		INSERT INTO organizations
			(id, name, phone_country_code, phone_number, whatsapp_phone_number_id, timezone, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, org.ID, org.Name, org.PhoneCountryCode, org.PhoneNumber,
		org.WhatsAppPhoneNumberID, org.Timezone, org.Status, org.CreatedAt, org.UpdatedAt)
	if isPgErr(err, codeUniqueViolation) {
		return store.ErrDuplicate
	}
	return err
}
