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

// ConversationStore implements store.ConversationStore.
type ConversationStore struct {
	pool *pgxpool.Pool
}

const convColumns = `id, organization_id, counterpart, customer_id, staff_id, status, last_message_at, created_at`

func scanConv(row pgx.Row) (*models.Conversation, error) {
	var c models.Conversation
	err := row.Scan(&c.ID, &c.OrganizationID, &c.Counterpart, &c.CustomerID, &c.StaffID,
		&c.Status, &c.LastMessageAt, &c.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *ConversationStore) GetByID(ctx context.Context, id uuid.UUID) (*models.Conversation, error) {
	return scanConv(s.pool.QueryRow(ctx,
		`SELECT `+convColumns+` FROM conversations WHERE id = $1`, id))
}

func (s *ConversationStore) GetOrCreateForCustomer(ctx context.Context, orgID, customerID uuid.UUID) (*models.Conversation, error) {
	now := time.Now().UTC()
	return scanConv(s.pool.QueryRow(ctx, `
		INSERT INTO conversations (id, organization_id, counterpart, customer_id, status, last_message_at, created_at)
		VALUES ($1, $2, 'customer', $3, 'active', $4, $4)
		ON CONFLICT (organization_id, customer_id) WHERE counterpart = 'customer'
		DO UPDATE SET last_message_at = EXCLUDED.last_message_at
		RETURNING `+convColumns,
		uuid.New(), orgID, customerID, now))
}

func (s *ConversationStore) GetOrCreateForStaff(ctx context.Context, orgID, staffID uuid.UUID) (*models.Conversation, error) {
	now := time.Now().UTC()
	return scanConv(s.pool.QueryRow(ctx, `
		INSERT INTO conversations (id, organization_id, counterpart, staff_id, status, last_message_at, created_at)
		VALUES ($1, $2, 'staff', $3, 'active', $4, $4)
		ON CONFLICT (organization_id, staff_id) WHERE counterpart = 'staff'
		DO UPDATE SET last_message_at = EXCLUDED.last_message_at
		RETURNING `+convColumns,
		uuid.New(), orgID, staffID, now))
}

func (s *ConversationStore) Touch(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE conversations SET last_message_at = $2 WHERE id = $1`, id, at)
	return err
}

// MessageStore implements store.MessageStore. Messages are append-only.
type MessageStore struct {
	pool *pgxpool.Pool
}

func (s *MessageStore) Append(ctx context.Context, msg *models.Message) error {
	if msg.ID == uuid.Nil {
		msg.ID = uuid.New()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO messages (id, organization_id, conversation_id, external_id, direction, sender_role, body, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, msg.ID, msg.OrganizationID, msg.ConversationID, nullable(msg.ExternalID),
		msg.Direction, msg.SenderRole, msg.Body, msg.CreatedAt)
	if isPgErr(err, codeUniqueViolation) {
		return store.ErrDuplicate
	}
	return err
}

func (s *MessageStore) ListRecent(ctx context.Context, conversationID uuid.UUID, limit int) ([]models.Message, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, organization_id, conversation_id, COALESCE(external_id, ''), direction, sender_role, body, created_at
		FROM (
			SELECT * FROM messages
			WHERE conversation_id = $1
			ORDER BY created_at DESC, id DESC
			LIMIT $2
		) recent
		ORDER BY created_at, id
	`, conversationID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Message
	for rows.Next() {
		var m models.Message
		if err := rows.Scan(&m.ID, &m.OrganizationID, &m.ConversationID, &m.ExternalID,
			&m.Direction, &m.SenderRole, &m.Body, &m.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
