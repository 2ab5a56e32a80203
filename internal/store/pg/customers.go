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

// CustomerStore implements store.CustomerStore.
type CustomerStore struct {
	pool *pgxpool.Pool
}

const customerColumns = `id, organization_id, phone_number, COALESCE(name, ''), created_at, updated_at`

func scanCustomer(row pgx.Row) (*models.Customer, error) {
	var c models.Customer
	err := row.Scan(&c.ID, &c.OrganizationID, &c.PhoneNumber, &c.Name, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *CustomerStore) GetByID(ctx context.Context, orgID, id uuid.UUID) (*models.Customer, error) {
	return scanCustomer(s.pool.QueryRow(ctx,
		`SELECT `+customerColumns+` FROM customers WHERE organization_id = $1 AND id = $2`, orgID, id))
}

// GetOrCreate is a single atomic upsert on (organization_id, phone_number).
// The DO UPDATE no-op makes RETURNING yield the existing row on conflict, so
// concurrent first-contact messages from the same number converge on one
// customer. A non-empty name is only set when the row has none yet.
func (s *CustomerStore) GetOrCreate(ctx context.Context, orgID uuid.UUID, phone, name string) (*models.Customer, error) {
	now := time.Now().UTC()
	var nameArg *string
	if name != "" {
		nameArg = &name
	}
	return scanCustomer(s.pool.QueryRow(ctx, `
		INSERT INTO customers (id, organization_id, phone_number, name, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $5)
		ON CONFLICT (organization_id, phone_number)
		DO UPDATE SET name = COALESCE(customers.name, EXCLUDED.name)
		RETURNING `+customerColumns,
		uuid.New(), orgID, phone, nameArg, now))
}

func (s *CustomerStore) SetName(ctx context.Context, orgID, id uuid.UUID, name string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE customers SET name = $3, updated_at = now()
		WHERE organization_id = $1 AND id = $2
	`, orgID, id, name)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}
