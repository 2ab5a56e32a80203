// Package router is the single entry point for inbound messages. Every event
// runs the same pipeline: dedup, tenant lookup, identity resolution, handoff
// precedence, flow continuation, and finally the model tool loop. Dispatch is
// serialized per conversation so two near-simultaneous messages cannot race
// flow transitions or bookings.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/parlolabs/parlo/internal/agent"
	"github.com/parlolabs/parlo/internal/bus"
	"github.com/parlolabs/parlo/internal/dedup"
	"github.com/parlolabs/parlo/internal/events"
	"github.com/parlolabs/parlo/internal/flows"
	"github.com/parlolabs/parlo/internal/handoff"
	"github.com/parlolabs/parlo/internal/identity"
	"github.com/parlolabs/parlo/internal/locker"
	"github.com/parlolabs/parlo/internal/models"
	"github.com/parlolabs/parlo/internal/store"
	"github.com/parlolabs/parlo/internal/tools"
)

// fallbackError is sent when a message cannot be processed at all (storage
// failure); nothing partial has been committed by then.
const fallbackError = "Algo salió mal de nuestro lado. ¿Me lo repites en un momento?"

// DefaultHistoryLimit bounds how many stored messages feed the model.
const DefaultHistoryLimit = 30

// Config wires the router's collaborators.
type Config struct {
	Stores       *store.Stores
	Dedup        *dedup.Ledger
	Identity     *identity.Resolver
	Flows        *flows.Manager
	Handoff      *handoff.Manager
	Loop         *agent.Loop
	ToolDeps     *tools.Deps
	Bus          *bus.MessageBus
	Locks        locker.Locker
	Notifier     events.Notifier
	Log          *slog.Logger
	HistoryLimit int
}

// Router dispatches inbound events.
type Router struct {
	stores   *store.Stores
	dedup    *dedup.Ledger
	identity *identity.Resolver
	flows    *flows.Manager
	handoff  *handoff.Manager
	loop     *agent.Loop
	custReg  *tools.Registry
	staffReg *tools.Registry
	bus      *bus.MessageBus
	locks    locker.Locker
	notifier events.Notifier
	log      *slog.Logger
	tracer   trace.Tracer
	history  int
	now      func() time.Time
}

func New(cfg Config) *Router {
	history := cfg.HistoryLimit
	if history <= 0 {
		history = DefaultHistoryLimit
	}
	return &Router{
		stores:   cfg.Stores,
		dedup:    cfg.Dedup,
		identity: cfg.Identity,
		flows:    cfg.Flows,
		handoff:  cfg.Handoff,
		loop:     cfg.Loop,
		custReg:  tools.NewCustomerRegistry(cfg.ToolDeps),
		staffReg: tools.NewStaffRegistry(cfg.ToolDeps),
		bus:      cfg.Bus,
		locks:    cfg.Locks,
		notifier: cfg.Notifier,
		log:      cfg.Log.With("component", "router"),
		tracer:   otel.Tracer("github.com/parlolabs/parlo/internal/router"),
		history:  history,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// BindHandoff attaches the handoff manager after construction. The manager
// needs the router as its Sender, so the two are wired in two steps.
func (r *Router) BindHandoff(m *handoff.Manager) {
	r.handoff = m
}

// Run consumes inbound events until ctx is done. Workers process different
// conversations in parallel; the per-conversation lock keeps each thread
// serialized.
func (r *Router) Run(ctx context.Context, workers int) {
	if workers <= 0 {
		workers = 4
	}
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				ev, ok := r.bus.ConsumeInbound(ctx)
				if !ok {
					return
				}
				if err := r.ProcessEvent(ctx, ev); err != nil {
					r.log.Error("event processing failed", "external_id", ev.ExternalID, "error", err)
				}
			}
		}()
	}
	wg.Wait()
}

// ProcessEvent runs one inbound event through the pipeline.
func (r *Router) ProcessEvent(ctx context.Context, ev bus.InboundEvent) error {
	ctx, span := r.tracer.Start(ctx, "router.ProcessEvent", trace.WithAttributes(
		attribute.String("channel", ev.Channel),
		attribute.String("phone_number_id", ev.PhoneNumberID),
	))
	defer span.End()

	if ev.Text == "" {
		r.log.Debug("dropping event without text", "external_id", ev.ExternalID)
		return nil
	}

	seen, err := r.dedup.Seen(ctx, ev.ExternalID)
	if err != nil {
		return fmt.Errorf("dedup check: %w", err)
	}
	if seen {
		r.log.Debug("duplicate event absorbed", "external_id", ev.ExternalID)
		return nil
	}

	org, err := r.stores.Orgs.GetByChannelID(ctx, ev.PhoneNumberID)
	if errors.Is(err, store.ErrNotFound) {
		r.log.Warn("event for unknown business number", "phone_number_id", ev.PhoneNumberID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("resolve organization: %w", err)
	}

	id, err := r.identity.Resolve(ctx, org, ev.From, ev.ProfileName)
	if err != nil {
		return fmt.Errorf("resolve identity: %w", err)
	}
	span.SetAttributes(attribute.String("sender_kind", string(id.Kind)))

	release, err := r.locks.Acquire(ctx, "conversation:"+id.Conversation.ID.String())
	if err != nil {
		return fmt.Errorf("acquire conversation lock: %w", err)
	}
	defer release()

	// History is captured before the inbound message is appended, so the
	// loop sees it exactly once.
	history, err := r.stores.Messages.ListRecent(ctx, id.Conversation.ID, r.history)
	if err != nil {
		return fmt.Errorf("load history: %w", err)
	}
	if err := r.persistInbound(ctx, org, id, ev); err != nil {
		return err
	}

	var reply string
	if id.Kind == identity.KindStaff {
		reply, err = r.dispatchStaff(ctx, org, id, ev.Text, history)
	} else {
		reply, err = r.dispatchCustomer(ctx, org, id, ev.Text, history)
	}
	if err != nil {
		// Nothing user-visible has happened; send the generic failure so
		// the sender is not left on read.
		r.log.Error("dispatch failed", "conversation_id", id.Conversation.ID, "error", err)
		r.deliver(ctx, org, id.Conversation, id.Phone, fallbackError, models.SenderAssistant)
		return err
	}
	if reply != "" {
		r.deliver(ctx, org, id.Conversation, id.Phone, reply, models.SenderAssistant)
	}

	if err := r.stores.Conversations.Touch(ctx, id.Conversation.ID, r.now()); err != nil {
		r.log.Error("touch conversation", "conversation_id", id.Conversation.ID, "error", err)
	}
	r.notifier.Publish(ctx, events.Event{
		Type: events.TypeMessageProcessed, OrganizationID: org.ID, At: r.now(),
		Payload: map[string]interface{}{
			"conversation_id": id.Conversation.ID.String(),
			"sender_kind":     string(id.Kind),
			"replied":         reply != "",
		},
	})
	return nil
}

// dispatchCustomer: handoff relay wins over everything; then the active flow
// gets the message; the model loop is the fallback.
func (r *Router) dispatchCustomer(ctx context.Context, org *models.Organization, id *identity.Identity, text string, history []models.Message) (string, error) {
	session, err := r.stores.Handoffs.GetActive(ctx, id.Conversation.ID)
	if err == nil {
		return "", r.handoff.RelayFromCustomer(ctx, org, session, id.Customer, text)
	}
	if !errors.Is(err, store.ErrNotFound) {
		return "", fmt.Errorf("handoff lookup: %w", err)
	}

	res, err := r.flows.Handle(ctx, org, id.Conversation, id.Customer, text)
	if err != nil {
		return "", fmt.Errorf("flow transition: %w", err)
	}
	if res.Handled {
		return res.Reply, nil
	}

	services, err := r.stores.Services.ListActive(ctx, org.ID)
	if err != nil {
		return "", fmt.Errorf("list services: %w", err)
	}
	upcoming, err := r.stores.Appointments.ListUpcomingForCustomer(ctx, org.ID, id.Customer.ID, r.now())
	if err != nil {
		return "", fmt.Errorf("list appointments: %w", err)
	}

	ctx = tools.WithInvocation(ctx, &tools.Invocation{
		Org: org, Conversation: id.Conversation, Customer: id.Customer,
	})
	resp := r.loop.Run(ctx, agent.Request{
		SystemPrompt: agent.BuildCustomerPrompt(org, id.Customer, services, len(upcoming), r.now().In(org.Location())),
		History:      agent.HistoryFromMessages(history),
		Message:      text,
		Registry:     r.custReg,
	})
	return resp.Content, nil
}

// dispatchStaff: an active relay this staff member is the human side of
// consumes the message before the staff assistant sees it.
func (r *Router) dispatchStaff(ctx context.Context, org *models.Organization, id *identity.Identity, text string, history []models.Message) (string, error) {
	session, err := r.stores.Handoffs.GetActiveByStaff(ctx, org.ID, id.Staff.ID)
	if err == nil {
		_, err = r.handoff.HandleStaffMessage(ctx, org, session, id.Staff, text)
		return "", err
	}
	if !errors.Is(err, store.ErrNotFound) {
		return "", fmt.Errorf("handoff lookup: %w", err)
	}

	services, err := r.stores.Services.ListActive(ctx, org.ID)
	if err != nil {
		return "", fmt.Errorf("list services: %w", err)
	}

	ctx = tools.WithInvocation(ctx, &tools.Invocation{
		Org: org, Conversation: id.Conversation, Staff: id.Staff,
	})
	resp := r.loop.Run(ctx, agent.Request{
		SystemPrompt: agent.BuildStaffPrompt(org, id.Staff, services, r.now().In(org.Location())),
		History:      agent.HistoryFromMessages(history),
		Message:      text,
		Registry:     r.staffReg,
	})
	return resp.Content, nil
}

func (r *Router) persistInbound(ctx context.Context, org *models.Organization, id *identity.Identity, ev bus.InboundEvent) error {
	role := models.SenderCustomer
	if id.Kind == identity.KindStaff {
		role = models.SenderStaff
	}
	msg := &models.Message{
		OrganizationID: org.ID,
		ConversationID: id.Conversation.ID,
		ExternalID:     ev.ExternalID,
		Direction:      models.DirectionInbound,
		SenderRole:     role,
		Body:           ev.Text,
	}
	if err := r.stores.Messages.Append(ctx, msg); err != nil {
		return fmt.Errorf("persist inbound message: %w", err)
	}
	return nil
}

// SendToCustomer delivers a handoff message into the customer's conversation.
// The text came from a human, so it is recorded under the staff role.
func (r *Router) SendToCustomer(ctx context.Context, org *models.Organization, customer *models.Customer, text string) error {
	conv, err := r.stores.Conversations.GetOrCreateForCustomer(ctx, org.ID, customer.ID)
	if err != nil {
		return fmt.Errorf("customer conversation: %w", err)
	}
	r.deliver(ctx, org, conv, customer.PhoneNumber, text, models.SenderStaff)
	return nil
}

// SendToStaff delivers a handoff notice or relayed customer message to the
// staff member's own WhatsApp thread.
func (r *Router) SendToStaff(ctx context.Context, org *models.Organization, staff *models.Staff, text string) error {
	conv, err := r.stores.Conversations.GetOrCreateForStaff(ctx, org.ID, staff.ID)
	if err != nil {
		return fmt.Errorf("staff conversation: %w", err)
	}
	r.deliver(ctx, org, conv, staff.PhoneNumber, text, models.SenderAssistant)
	return nil
}

// deliver persists and publishes one outbound message. Failures are logged,
// not returned: the state transition already committed.
func (r *Router) deliver(ctx context.Context, org *models.Organization, conv *models.Conversation, to, text string, role models.SenderRole) {
	msg := &models.Message{
		OrganizationID: org.ID,
		ConversationID: conv.ID,
		Direction:      models.DirectionOutbound,
		SenderRole:     role,
		Body:           text,
	}
	if err := r.stores.Messages.Append(ctx, msg); err != nil {
		r.log.Error("persist outbound message", "conversation_id", conv.ID, "error", err)
	}
	if !r.bus.PublishOutbound(ctx, bus.OutboundMessage{
		Channel:       bus.ChannelWhatsApp,
		PhoneNumberID: org.WhatsAppPhoneNumberID,
		To:            to,
		Text:          text,
	}) {
		r.log.Error("outbound publish failed, bus closed", "conversation_id", conv.ID)
	}
}
