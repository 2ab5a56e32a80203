package channels

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecipientLimiterBurstThenBlocks(t *testing.T) {
	l := NewRecipientLimiter(60, 2)
	ctx := context.Background()

	start := time.Now()
	require.NoError(t, l.Wait(ctx, "a"))
	require.NoError(t, l.Wait(ctx, "a"))
	assert.Less(t, time.Since(start), 100*time.Millisecond)

	// Third send within the burst window has to wait for a token.
	blocked, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	assert.Error(t, l.Wait(blocked, "a"))

	// Other recipients are unaffected.
	require.NoError(t, l.Wait(ctx, "b"))
}

func TestRecipientLimiterCapsTrackedKeys(t *testing.T) {
	l := NewRecipientLimiter(60, 1)
	ctx := context.Background()
	for i := 0; i < maxTrackedRecipients+10; i++ {
		require.NoError(t, l.Wait(ctx, string(rune(i))+"key"))
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	assert.LessOrEqual(t, len(l.entries), maxTrackedRecipients)
}
