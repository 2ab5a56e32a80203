// Package whatsapp connects to a WhatsApp bridge over WebSocket. The bridge
// owns the actual WhatsApp Business session; this adapter exchanges JSON
// frames with it and feeds the message bus.
package whatsapp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/parlolabs/parlo/internal/bus"
	"github.com/parlolabs/parlo/internal/channels"
)

// ChannelName is the bus routing key for this adapter.
const ChannelName = "whatsapp"

const (
	handshakeTimeout = 10 * time.Second
	maxBackoff       = 30 * time.Second
)

// Config carries the bridge connection settings.
type Config struct {
	BridgeURL        string
	SendPerMinute    int // per-recipient outbound rate, default 20
	SendBurst        int // default 5
	HandshakeTimeout time.Duration
}

// Channel is the WhatsApp bridge adapter.
type Channel struct {
	cfg     Config
	bus     *bus.MessageBus
	limiter *channels.RecipientLimiter
	log     *slog.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	running bool

	ctx    context.Context
	cancel context.CancelFunc
}

func New(cfg Config, msgBus *bus.MessageBus, log *slog.Logger) (*Channel, error) {
	if cfg.BridgeURL == "" {
		return nil, fmt.Errorf("whatsapp: bridge URL is required")
	}
	if cfg.SendPerMinute <= 0 {
		cfg.SendPerMinute = 20
	}
	if cfg.SendBurst <= 0 {
		cfg.SendBurst = 5
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = handshakeTimeout
	}
	return &Channel{
		cfg:     cfg,
		bus:     msgBus,
		limiter: channels.NewRecipientLimiter(cfg.SendPerMinute, cfg.SendBurst),
		log:     log.With("component", "whatsapp"),
	}, nil
}

func (c *Channel) Name() string { return ChannelName }

// Start connects to the bridge and begins the read loop. A failed first
// connection is not fatal; the loop keeps retrying with backoff.
func (c *Channel) Start(ctx context.Context) error {
	c.ctx, c.cancel = context.WithCancel(ctx)
	if err := c.connect(); err != nil {
		c.log.Warn("initial bridge connection failed, will retry", "url", c.cfg.BridgeURL, "error", err)
	}
	go c.listenLoop()

	c.mu.Lock()
	c.running = true
	c.mu.Unlock()
	return nil
}

func (c *Channel) Stop(_ context.Context) error {
	if c.cancel != nil {
		c.cancel()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	c.running = false
	return nil
}

func (c *Channel) IsRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// bridgeFrame is the wire format in both directions.
type bridgeFrame struct {
	Type          string `json:"type"`
	PhoneNumberID string `json:"phone_number_id,omitempty"`
	From          string `json:"from,omitempty"`
	To            string `json:"to,omitempty"`
	ID            string `json:"id,omitempty"` // wamid on inbound frames
	Text          string `json:"text,omitempty"`
	ProfileName   string `json:"profile_name,omitempty"`
	Timestamp     string `json:"timestamp,omitempty"` // unix seconds
}

// Send delivers one outbound message, honoring the per-recipient rate limit.
func (c *Channel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	if err := c.limiter.Wait(ctx, msg.To); err != nil {
		return fmt.Errorf("whatsapp: rate limit wait: %w", err)
	}

	data, err := json.Marshal(bridgeFrame{
		Type:          "message",
		PhoneNumberID: msg.PhoneNumberID,
		To:            msg.To,
		Text:          msg.Text,
	})
	if err != nil {
		return fmt.Errorf("whatsapp: marshal frame: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return fmt.Errorf("whatsapp: bridge not connected")
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("whatsapp: write frame: %w", err)
	}
	return nil
}

func (c *Channel) connect() error {
	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.HandshakeTimeout}
	conn, _, err := dialer.Dial(c.cfg.BridgeURL, nil)
	if err != nil {
		return fmt.Errorf("whatsapp: dial bridge %s: %w", c.cfg.BridgeURL, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	c.log.Info("bridge connected", "url", c.cfg.BridgeURL)
	return nil
}

// listenLoop reads bridge frames, reconnecting with exponential backoff.
func (c *Channel) listenLoop() {
	backoff := time.Second

	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}

		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()

		if conn == nil {
			select {
			case <-c.ctx.Done():
				return
			case <-time.After(backoff):
			}
			if err := c.connect(); err != nil {
				c.log.Warn("bridge reconnect failed", "backoff", backoff, "error", err)
				if backoff *= 2; backoff > maxBackoff {
					backoff = maxBackoff
				}
				continue
			}
			backoff = time.Second
			continue
		}

		_, raw, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-c.ctx.Done():
				return
			default:
			}
			c.log.Warn("bridge read error, will reconnect", "error", err)
			c.mu.Lock()
			if c.conn != nil {
				_ = c.conn.Close()
				c.conn = nil
			}
			c.mu.Unlock()
			continue
		}

		var frame bridgeFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			c.log.Warn("invalid bridge frame", "error", err)
			continue
		}
		if frame.Type == "message" {
			c.handleFrame(frame)
		}
	}
}

func (c *Channel) handleFrame(frame bridgeFrame) {
	if frame.From == "" || frame.PhoneNumberID == "" {
		c.log.Debug("dropping frame without sender or business number", "id", frame.ID)
		return
	}

	ts := time.Now().UTC()
	if frame.Timestamp != "" {
		if unix, err := strconv.ParseInt(frame.Timestamp, 10, 64); err == nil {
			ts = time.Unix(unix, 0).UTC()
		}
	}

	ev := bus.InboundEvent{
		Channel:       ChannelName,
		PhoneNumberID: frame.PhoneNumberID,
		From:          frame.From,
		ExternalID:    frame.ID,
		Text:          frame.Text,
		ProfileName:   frame.ProfileName,
		Timestamp:     ts,
	}
	if !c.bus.PublishInbound(c.ctx, ev) {
		c.log.Warn("inbound event dropped, bus closed", "external_id", frame.ID)
	}
}
