package pg

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/parlolabs/parlo/internal/store"
)

// HandoffStore implements store.HandoffStore. Partial unique indexes on
// (conversation_id) and on (organization_id, staff_id) WHERE phase = 'active'
// make double activation and staff double-binding uniqueness violations
// rather than read-then-write races.
type HandoffStore struct {
	pool *pgxpool.Pool
}

const handoffColumns = `id, organization_id, conversation_id, customer_id, staff_id, phase, activated_at, deadline, ended_at`

func scanHandoff(row pgx.Row) (*store.HandoffSession, error) {
	var h store.HandoffSession
	err := row.Scan(&h.ID, &h.OrganizationID, &h.ConversationID, &h.CustomerID, &h.StaffID,
		&h.Phase, &h.ActivatedAt, &h.Deadline, &h.EndedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &h, nil
}

func (s *HandoffStore) Activate(ctx context.Context, h *store.HandoffSession) error {
	if h.ID == uuid.Nil {
		h.ID = uuid.New()
	}
	if h.ActivatedAt.IsZero() {
		h.ActivatedAt = time.Now().UTC()
	}
	h.Phase = store.HandoffActive
	_, err := s.pool.Exec(ctx, `
		INSERT INTO handoff_sessions
			(id, organization_id, conversation_id, customer_id, staff_id, phase, activated_at, deadline)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, h.ID, h.OrganizationID, h.ConversationID, h.CustomerID, h.StaffID, h.Phase, h.ActivatedAt, h.Deadline)
	if isPgErr(err, codeUniqueViolation) {
		if pgErrConstraint(err) == "uq_handoff_staff" {
			return store.ErrStaffBusy
		}
		return store.ErrHandoffActive
	}
	return err
}

func (s *HandoffStore) GetActive(ctx context.Context, conversationID uuid.UUID) (*store.HandoffSession, error) {
	return scanHandoff(s.pool.QueryRow(ctx, `
		SELECT `+handoffColumns+` FROM handoff_sessions
		WHERE conversation_id = $1 AND phase = 'active'
	`, conversationID))
}

func (s *HandoffStore) GetActiveByStaff(ctx context.Context, orgID, staffID uuid.UUID) (*store.HandoffSession, error) {
	return scanHandoff(s.pool.QueryRow(ctx, `
		SELECT `+handoffColumns+` FROM handoff_sessions
		WHERE organization_id = $1 AND staff_id = $2 AND phase = 'active'
	`, orgID, staffID))
}

// End is idempotent: the explicit end path and the scheduled timeout both
// call it, and only the first caller observes true.
func (s *HandoffStore) End(ctx context.Context, id uuid.UUID, at time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE handoff_sessions SET phase = 'ended', ended_at = $2
		WHERE id = $1 AND phase = 'active'
	`, id, at)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}
