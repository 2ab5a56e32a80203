package dedup

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memStore struct {
	mu   sync.Mutex
	seen map[string]time.Time
}

func newMemStore() *memStore { return &memStore{seen: map[string]time.Time{}} }

func (m *memStore) Insert(_ context.Context, externalID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.seen[externalID]; ok {
		return false, nil
	}
	m.seen[externalID] = time.Now().UTC()
	return true, nil
}

func (m *memStore) Prune(_ context.Context, olderThan time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, at := range m.seen {
		if at.Before(olderThan) {
			delete(m.seen, id)
			n++
		}
	}
	return n, nil
}

func TestSeenFirstAndRedelivery(t *testing.T) {
	l := NewLedger(newMemStore(), 24*time.Hour, slog.New(slog.DiscardHandler))

	dup, err := l.Seen(context.Background(), "wamid.ABC123")
	require.NoError(t, err)
	assert.False(t, dup)

	dup, err = l.Seen(context.Background(), "wamid.ABC123")
	require.NoError(t, err)
	assert.True(t, dup)
}

func TestSeenConcurrentClaims(t *testing.T) {
	l := NewLedger(newMemStore(), 24*time.Hour, slog.New(slog.DiscardHandler))

	const workers = 16
	results := make(chan bool, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			dup, err := l.Seen(context.Background(), "wamid.RACE")
			assert.NoError(t, err)
			results <- dup
		}()
	}
	wg.Wait()
	close(results)

	fresh := 0
	for dup := range results {
		if !dup {
			fresh++
		}
	}
	assert.Equal(t, 1, fresh)
}

func TestSeenEmptyIDPassesThrough(t *testing.T) {
	l := NewLedger(newMemStore(), 24*time.Hour, slog.New(slog.DiscardHandler))

	dup, err := l.Seen(context.Background(), "")
	require.NoError(t, err)
	assert.False(t, dup)

	dup, err = l.Seen(context.Background(), "")
	require.NoError(t, err)
	assert.False(t, dup)
}

func TestPruneDropsOldEntries(t *testing.T) {
	ms := newMemStore()
	l := NewLedger(ms, time.Hour, slog.New(slog.DiscardHandler))

	_, err := l.Seen(context.Background(), "wamid.OLD")
	require.NoError(t, err)
	ms.mu.Lock()
	ms.seen["wamid.OLD"] = time.Now().UTC().Add(-2 * time.Hour)
	ms.mu.Unlock()
	_, err = l.Seen(context.Background(), "wamid.NEW")
	require.NoError(t, err)

	require.NoError(t, l.Prune(context.Background()))

	ms.mu.Lock()
	defer ms.mu.Unlock()
	assert.NotContains(t, ms.seen, "wamid.OLD")
	assert.Contains(t, ms.seen, "wamid.NEW")
}
