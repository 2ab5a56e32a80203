package channels

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/parlolabs/parlo/internal/bus"
)

// Manager owns the registered channels and the outbound dispatch loop.
type Manager struct {
	mu       sync.RWMutex
	channels map[string]Channel
	bus      *bus.MessageBus
	log      *slog.Logger
	cancel   context.CancelFunc
}

func NewManager(msgBus *bus.MessageBus, log *slog.Logger) *Manager {
	return &Manager{
		channels: make(map[string]Channel),
		bus:      msgBus,
		log:      log.With("component", "channels"),
	}
}

func (m *Manager) Register(ch Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels[ch.Name()] = ch
}

// StartAll starts every registered channel and the outbound dispatcher.
func (m *Manager) StartAll(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	dispatchCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	go m.dispatchOutbound(dispatchCtx)

	for name, ch := range m.channels {
		m.log.Info("starting channel", "channel", name)
		if err := ch.Start(ctx); err != nil {
			cancel()
			return fmt.Errorf("start channel %s: %w", name, err)
		}
	}
	return nil
}

// StopAll stops the dispatcher and every channel.
func (m *Manager) StopAll(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cancel != nil {
		m.cancel()
	}
	for name, ch := range m.channels {
		if err := ch.Stop(ctx); err != nil {
			m.log.Error("stopping channel", "channel", name, "error", err)
		}
	}
	return nil
}

// dispatchOutbound delivers bus messages to the channel they name.
func (m *Manager) dispatchOutbound(ctx context.Context) {
	for {
		msg, ok := m.bus.ConsumeOutbound(ctx)
		if !ok {
			return
		}
		m.mu.RLock()
		ch, found := m.channels[msg.Channel]
		m.mu.RUnlock()
		if !found {
			m.log.Error("outbound message for unknown channel", "channel", msg.Channel, "to", msg.To)
			continue
		}
		if err := ch.Send(ctx, msg); err != nil {
			m.log.Error("outbound send failed", "channel", msg.Channel, "to", msg.To, "error", err)
		}
	}
}
