package bus

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishConsumeRoundTrip(t *testing.T) {
	b := New(4, slog.New(slog.DiscardHandler))
	defer b.Close()
	ctx := context.Background()

	ev := InboundEvent{Channel: "whatsapp", PhoneNumberID: "123", From: "+5215511111111", ExternalID: "wamid.1", Text: "hola"}
	require.True(t, b.PublishInbound(ctx, ev))

	got, ok := b.ConsumeInbound(ctx)
	require.True(t, ok)
	assert.Equal(t, ev, got)

	out := OutboundMessage{Channel: "whatsapp", PhoneNumberID: "123", To: "+5215511111111", Text: "hola!"}
	require.True(t, b.PublishOutbound(ctx, out))
	gotOut, ok := b.ConsumeOutbound(ctx)
	require.True(t, ok)
	assert.Equal(t, out, gotOut)
}

func TestConsumeRespectsContext(t *testing.T) {
	b := New(1, slog.New(slog.DiscardHandler))
	defer b.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, ok := b.ConsumeInbound(ctx)
	assert.False(t, ok)
}

func TestCloseWakesConsumers(t *testing.T) {
	b := New(1, slog.New(slog.DiscardHandler))

	done := make(chan bool, 1)
	go func() {
		_, ok := b.ConsumeInbound(context.Background())
		done <- ok
	}()
	b.Close()

	select {
	case ok := <-done:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("consumer not woken by Close")
	}

	assert.False(t, b.PublishInbound(context.Background(), InboundEvent{}))
}
