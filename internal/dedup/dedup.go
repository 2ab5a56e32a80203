// Package dedup gives each inbound message at-most-once processing. Channel
// providers redeliver on slow acknowledgements, so the external message id is
// claimed in the ledger before any side effect runs.
package dedup

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Store is the ledger persistence surface.
type Store interface {
	Insert(ctx context.Context, externalID string) (bool, error)
	Prune(ctx context.Context, olderThan time.Time) (int64, error)
}

// Ledger wraps the store with logging and a retention policy.
type Ledger struct {
	store     Store
	log       *slog.Logger
	retention time.Duration
	now       func() time.Time
}

// NewLedger builds a ledger that prunes entries older than retention.
func NewLedger(store Store, retention time.Duration, log *slog.Logger) *Ledger {
	return &Ledger{
		store:     store,
		log:       log.With("component", "dedup"),
		retention: retention,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Seen claims the external id. It returns true when the id was already
// claimed, meaning the message is a redelivery and must be dropped silently.
// Messages without an external id cannot be deduplicated and are let through.
func (l *Ledger) Seen(ctx context.Context, externalID string) (bool, error) {
	if externalID == "" {
		return false, nil
	}
	inserted, err := l.store.Insert(ctx, externalID)
	if err != nil {
		return false, fmt.Errorf("dedup: claim %q: %w", externalID, err)
	}
	if !inserted {
		l.log.Debug("duplicate message dropped", "external_id", externalID)
	}
	return !inserted, nil
}

// Prune drops ledger entries past retention. Redeliveries arrive within
// minutes, so entries past the retention window only cost storage.
func (l *Ledger) Prune(ctx context.Context) error {
	cutoff := l.now().Add(-l.retention)
	n, err := l.store.Prune(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("dedup: prune: %w", err)
	}
	if n > 0 {
		l.log.Info("dedup ledger pruned", "removed", n, "cutoff", cutoff)
	}
	return nil
}
