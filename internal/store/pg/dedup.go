package pg

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// DedupStore implements store.DedupStore as an insert-or-reject against the
// processed_messages primary key. Safe under concurrent redelivery: exactly
// one of two racing inserts succeeds.
type DedupStore struct {
	pool *pgxpool.Pool
}

func (s *DedupStore) Insert(ctx context.Context, externalID string) (bool, error) {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO processed_messages (external_id, processed_at)
		VALUES ($1, now())
	`, externalID)
	if err == nil {
		return true, nil
	}
	if isPgErr(err, codeUniqueViolation) {
		return false, nil
	}
	return false, err
}

func (s *DedupStore) Prune(ctx context.Context, olderThan time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM processed_messages WHERE processed_at < $1`, olderThan)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
