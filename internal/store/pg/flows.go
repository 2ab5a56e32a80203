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

// FlowStore implements store.FlowStore. The unique index on conversation_id
// means Put supersedes whatever flow was in progress.
type FlowStore struct {
	pool *pgxpool.Pool
}

func (s *FlowStore) Get(ctx context.Context, conversationID uuid.UUID) (*store.FlowSession, error) {
	var fs store.FlowSession
	err := s.pool.QueryRow(ctx, `
		SELECT id, conversation_id, kind, state, data, created_at, updated_at
		FROM flow_sessions WHERE conversation_id = $1
	`, conversationID).Scan(&fs.ID, &fs.ConversationID, &fs.Kind, &fs.State, &fs.Data, &fs.CreatedAt, &fs.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &fs, nil
}

func (s *FlowStore) Put(ctx context.Context, fs *store.FlowSession) error {
	if fs.ID == uuid.Nil {
		fs.ID = uuid.New()
	}
	now := time.Now().UTC()
	if fs.CreatedAt.IsZero() {
		fs.CreatedAt = now
	}
	fs.UpdatedAt = now
	_, err := s.pool.Exec(ctx, `
		INSERT INTO flow_sessions (id, conversation_id, kind, state, data, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (conversation_id)
		DO UPDATE SET id = EXCLUDED.id, kind = EXCLUDED.kind, state = EXCLUDED.state,
			data = EXCLUDED.data, created_at = EXCLUDED.created_at, updated_at = EXCLUDED.updated_at
	`, fs.ID, fs.ConversationID, fs.Kind, fs.State, fs.Data, fs.CreatedAt, fs.UpdatedAt)
	return err
}

func (s *FlowStore) Delete(ctx context.Context, conversationID uuid.UUID) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM flow_sessions WHERE conversation_id = $1`, conversationID)
	return err
}
