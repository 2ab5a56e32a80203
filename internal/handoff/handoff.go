// Package handoff relays a customer conversation to a human staff member for
// a bounded window. While a session is active the assistant stays out of the
// conversation entirely: customer messages go to the staff member's WhatsApp
// and staff replies come back verbatim.
package handoff

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/parlolabs/parlo/internal/events"
	"github.com/parlolabs/parlo/internal/models"
	"github.com/parlolabs/parlo/internal/store"
)

// DefaultTimeout is how long a relay stays open. The deadline is fixed at
// activation; staff activity does not extend it.
const DefaultTimeout = 30 * time.Minute

// Sender delivers relay messages out-of-band. Implemented by the gateway on
// top of the message bus.
type Sender interface {
	SendToCustomer(ctx context.Context, org *models.Organization, customer *models.Customer, text string) error
	SendToStaff(ctx context.Context, org *models.Organization, staff *models.Staff, text string) error
}

// Deferrer arms the timeout. Implemented by the scheduler.
type Deferrer interface {
	At(key string, when time.Time, fn func(context.Context))
	Cancel(key string) bool
}

// Manager owns the relay lifecycle: Inactive → Active → Ended.
type Manager struct {
	stores   *store.Stores
	deferrer Deferrer
	sender   Sender
	notifier events.Notifier
	timeout  time.Duration
	log      *slog.Logger
	now      func() time.Time
}

func NewManager(stores *store.Stores, deferrer Deferrer, sender Sender, notifier events.Notifier, timeout time.Duration, log *slog.Logger) *Manager {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Manager{
		stores:   stores,
		deferrer: deferrer,
		sender:   sender,
		notifier: notifier,
		timeout:  timeout,
		log:      log.With("component", "handoff"),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func timerKey(s *store.HandoffSession) string {
	return "handoff:" + s.ID.String()
}

// Activate opens a relay on the customer conversation. The human side is the
// first active owner without an open relay, falling back to the first free
// staff member; a staff member never carries two relays at once, so their
// replies are unambiguous. Returns store.ErrHandoffActive when the
// conversation already has an open relay and store.ErrStaffBusy when every
// staff member is already relaying another customer.
func (m *Manager) Activate(ctx context.Context, org *models.Organization, conv *models.Conversation, customer *models.Customer) (*store.HandoffSession, error) {
	staff, err := m.pickStaff(ctx, org)
	if err != nil {
		return nil, err
	}

	now := m.now()
	session := &store.HandoffSession{
		OrganizationID: org.ID,
		ConversationID: conv.ID,
		CustomerID:     customer.ID,
		StaffID:        staff.ID,
		ActivatedAt:    now,
		Deadline:       now.Add(m.timeout),
	}
	if err := m.stores.Handoffs.Activate(ctx, session); err != nil {
		return nil, err
	}

	notice := fmt.Sprintf(
		"🔔 %s pide hablar con una persona. Responde aquí y le llegará directo. "+
			"La conversación vuelve a la asistente en %d minutos o cuando escribas \"listo\".",
		customerLabel(customer), int(m.timeout.Minutes()))
	if err := m.sender.SendToStaff(ctx, org, staff, notice); err != nil {
		m.log.Error("staff handoff notice failed", "session_id", session.ID, "error", err)
	}

	m.deferrer.At(timerKey(session), session.Deadline, func(ctx context.Context) {
		m.expire(ctx, org, session)
	})
	m.notifier.Publish(ctx, events.Event{
		Type: events.TypeHandoffActivated, OrganizationID: org.ID, At: now,
		Payload: map[string]interface{}{
			"session_id":      session.ID.String(),
			"conversation_id": conv.ID.String(),
			"staff_id":        staff.ID.String(),
		},
	})
	m.log.Info("handoff activated",
		"session_id", session.ID, "conversation_id", conv.ID, "staff_id", staff.ID, "deadline", session.Deadline)
	return session, nil
}

// RelayFromCustomer forwards a customer message to the human side.
func (m *Manager) RelayFromCustomer(ctx context.Context, org *models.Organization, session *store.HandoffSession, customer *models.Customer, text string) error {
	staff, err := m.stores.Staff.GetByID(ctx, org.ID, session.StaffID)
	if err != nil {
		return fmt.Errorf("handoff: load staff: %w", err)
	}
	return m.sender.SendToStaff(ctx, org, staff, fmt.Sprintf("💬 %s: %s", customerLabel(customer), text))
}

// HandleStaffMessage processes a message from the human side of an active
// relay. End intent closes the session; anything else is relayed verbatim.
// Returns true when the session was ended by this message.
func (m *Manager) HandleStaffMessage(ctx context.Context, org *models.Organization, session *store.HandoffSession, staff *models.Staff, text string) (bool, error) {
	customer, err := m.stores.Customers.GetByID(ctx, org.ID, session.CustomerID)
	if err != nil {
		return false, fmt.Errorf("handoff: load customer: %w", err)
	}

	if IsEndIntent(text) {
		ended := m.end(ctx, org, session, "staff")
		if ended {
			_ = m.sender.SendToStaff(ctx, org, staff, "Listo, la asistente retoma la conversación ✓")
			_ = m.sender.SendToCustomer(ctx, org, customer,
				"El equipo terminó la conversación. Sigo aquí si necesitas agendar algo más.")
		}
		return true, nil
	}

	return false, m.sender.SendToCustomer(ctx, org, customer, text)
}

// expire is the timeout path. It races with the explicit end; the store's
// End decides the single winner.
func (m *Manager) expire(ctx context.Context, org *models.Organization, session *store.HandoffSession) {
	if !m.end(ctx, org, session, "timeout") {
		return
	}
	if customer, err := m.stores.Customers.GetByID(ctx, org.ID, session.CustomerID); err == nil {
		_ = m.sender.SendToCustomer(ctx, org, customer,
			"Te dejo de nuevo con la asistente virtual. ¿Te ayudo con algo más?")
	}
	if staff, err := m.stores.Staff.GetByID(ctx, org.ID, session.StaffID); err == nil {
		_ = m.sender.SendToStaff(ctx, org, staff, "⏱️ La conversación volvió a la asistente.")
	}
}

func (m *Manager) end(ctx context.Context, org *models.Organization, session *store.HandoffSession, reason string) bool {
	now := m.now()
	ended, err := m.stores.Handoffs.End(ctx, session.ID, now)
	if err != nil {
		m.log.Error("handoff end failed", "session_id", session.ID, "error", err)
		return false
	}
	if !ended {
		return false
	}
	m.deferrer.Cancel(timerKey(session))
	m.notifier.Publish(ctx, events.Event{
		Type: events.TypeHandoffEnded, OrganizationID: org.ID, At: now,
		Payload: map[string]interface{}{
			"session_id": session.ID.String(),
			"reason":     reason,
		},
	})
	m.log.Info("handoff ended", "session_id", session.ID, "reason", reason)
	return true
}

// pickStaff chooses the human side: owners first, then the rest, skipping
// anyone already relaying another conversation. The store's per-staff
// uniqueness backstops the read here against concurrent activations.
func (m *Manager) pickStaff(ctx context.Context, org *models.Organization) (*models.Staff, error) {
	list, err := m.stores.Staff.ListActive(ctx, org.ID)
	if err != nil {
		return nil, fmt.Errorf("handoff: list staff: %w", err)
	}
	if len(list) == 0 {
		return nil, fmt.Errorf("handoff: no active staff to hand off to")
	}
	candidates := make([]*models.Staff, 0, len(list))
	for i := range list {
		if list[i].IsOwner() {
			candidates = append(candidates, &list[i])
		}
	}
	for i := range list {
		if !list[i].IsOwner() {
			candidates = append(candidates, &list[i])
		}
	}
	for _, st := range candidates {
		_, err := m.stores.Handoffs.GetActiveByStaff(ctx, org.ID, st.ID)
		if errors.Is(err, store.ErrNotFound) {
			return st, nil
		}
		if err != nil {
			return nil, fmt.Errorf("handoff: check staff relay: %w", err)
		}
	}
	return nil, store.ErrStaffBusy
}

func customerLabel(c *models.Customer) string {
	if c.Name != "" {
		return c.Name
	}
	return c.PhoneNumber
}

// endPhrases close the relay only when the whole message matches. A keyword
// buried in a longer sentence is ambiguous and keeps relaying.
var endPhrases = map[string]bool{
	"listo":     true,
	"ya quedó":  true,
	"ya quedo":  true,
	"ya está":   true,
	"ya esta":   true,
	"terminar":  true,
	"terminado": true,
	"fin":       true,
	"resuelto":  true,
}

// IsEndIntent reports whether a staff message asks to close the relay.
func IsEndIntent(text string) bool {
	normalized := strings.ToLower(strings.TrimSpace(text))
	normalized = strings.TrimRight(normalized, ".!✓ ")
	return endPhrases[normalized]
}
