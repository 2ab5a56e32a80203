package whatsapp

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parlolabs/parlo/internal/bus"
)

// fakeBridge is a WebSocket server standing in for the WhatsApp bridge.
type fakeBridge struct {
	t        *testing.T
	server   *httptest.Server
	upgrader websocket.Upgrader
	conns    chan *websocket.Conn
}

func newFakeBridge(t *testing.T) *fakeBridge {
	b := &fakeBridge{t: t, conns: make(chan *websocket.Conn, 4)}
	b.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := b.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		b.conns <- conn
	}))
	t.Cleanup(b.server.Close)
	return b
}

func (b *fakeBridge) url() string {
	return "ws" + strings.TrimPrefix(b.server.URL, "http")
}

func (b *fakeBridge) conn() *websocket.Conn {
	select {
	case c := <-b.conns:
		return c
	case <-time.After(2 * time.Second):
		b.t.Fatal("bridge connection not established")
		return nil
	}
}

func startChannel(t *testing.T, bridgeURL string) (*Channel, *bus.MessageBus) {
	t.Helper()
	msgBus := bus.New(16, slog.New(slog.DiscardHandler))
	t.Cleanup(msgBus.Close)

	ch, err := New(Config{BridgeURL: bridgeURL}, msgBus, slog.New(slog.DiscardHandler))
	require.NoError(t, err)
	require.NoError(t, ch.Start(context.Background()))
	t.Cleanup(func() { _ = ch.Stop(context.Background()) })
	return ch, msgBus
}

func TestInboundFrameReachesBus(t *testing.T) {
	bridge := newFakeBridge(t)
	_, msgBus := startChannel(t, bridge.url())
	conn := bridge.conn()

	frame := bridgeFrame{
		Type: "message", PhoneNumberID: "123", From: "5215511111111",
		ID: "wamid.abc", Text: "hola", ProfileName: "María", Timestamp: "1770000000",
	}
	require.NoError(t, conn.WriteJSON(frame))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ev, ok := msgBus.ConsumeInbound(ctx)
	require.True(t, ok)
	assert.Equal(t, "whatsapp", ev.Channel)
	assert.Equal(t, "123", ev.PhoneNumberID)
	assert.Equal(t, "wamid.abc", ev.ExternalID)
	assert.Equal(t, "hola", ev.Text)
	assert.Equal(t, "María", ev.ProfileName)
	assert.Equal(t, time.Unix(1770000000, 0).UTC(), ev.Timestamp)
}

func TestSendWritesFrameToBridge(t *testing.T) {
	bridge := newFakeBridge(t)
	ch, _ := startChannel(t, bridge.url())
	conn := bridge.conn()

	err := ch.Send(context.Background(), bus.OutboundMessage{
		Channel: ChannelName, PhoneNumberID: "123", To: "5215511111111", Text: "tu cita quedó",
	})
	require.NoError(t, err)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)

	var frame bridgeFrame
	require.NoError(t, json.Unmarshal(raw, &frame))
	assert.Equal(t, "message", frame.Type)
	assert.Equal(t, "5215511111111", frame.To)
	assert.Equal(t, "tu cita quedó", frame.Text)
}

func TestReconnectAfterBridgeDrop(t *testing.T) {
	bridge := newFakeBridge(t)
	_, msgBus := startChannel(t, bridge.url())

	first := bridge.conn()
	_ = first.Close()

	// The listen loop reconnects; the next frame must still arrive.
	second := bridge.conn()
	require.NoError(t, second.WriteJSON(bridgeFrame{
		Type: "message", PhoneNumberID: "123", From: "5215511111111", ID: "wamid.2", Text: "sigo aquí",
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ev, ok := msgBus.ConsumeInbound(ctx)
	require.True(t, ok)
	assert.Equal(t, "wamid.2", ev.ExternalID)
}

func TestFramesWithoutSenderDropped(t *testing.T) {
	bridge := newFakeBridge(t)
	_, msgBus := startChannel(t, bridge.url())
	conn := bridge.conn()

	require.NoError(t, conn.WriteJSON(bridgeFrame{Type: "message", Text: "sin remitente"}))
	require.NoError(t, conn.WriteJSON(bridgeFrame{Type: "status", ID: "wamid.status"}))
	require.NoError(t, conn.WriteJSON(bridgeFrame{Type: "message", PhoneNumberID: "123", From: "x", ID: "wamid.ok", Text: "ok"}))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ev, ok := msgBus.ConsumeInbound(ctx)
	require.True(t, ok)
	assert.Equal(t, "wamid.ok", ev.ExternalID)
}
