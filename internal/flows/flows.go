// Package flows drives the deterministic multi-step conversations: booking,
// cancellation, and rescheduling. Each flow is a small state machine persisted
// as a FlowSession with a JSON payload. The tool loop opens a flow (presenting
// slots or an appointment choice); from then on the customer's replies are
// matched against what was presented, without going back to the model, until
// the flow completes or declines a message it cannot interpret.
package flows

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/parlolabs/parlo/internal/models"
	"github.com/parlolabs/parlo/internal/scheduling"
	"github.com/parlolabs/parlo/internal/store"
)

// MaxIdle is the abandonment bound: a session that has not advanced within
// this window is cleared on next access instead of resumed, so a stale
// half-finished booking never completes on an unrelated later message.
const MaxIdle = 24 * time.Hour

// maxPresentedSlots caps how many candidate slots one prompt carries.
const maxPresentedSlots = 12

// Flow kinds.
const (
	KindBooking    = "booking"
	KindCancel     = "cancel"
	KindReschedule = "reschedule"
)

// Flow states. Time selection and confirmation are shared between the booking
// and reschedule machines.
const (
	StateAwaitingService      = "awaiting_service"
	StateAwaitingTime         = "awaiting_time"
	StateAwaitingConfirmation = "awaiting_confirmation"
	StateAwaitingSelection    = "awaiting_selection"
)

// presentedSlot is one candidate offered to the customer. Only a start that
// matches a presented slot is accepted, so the flow can never book a time the
// engine did not offer.
type presentedSlot struct {
	StaffID   uuid.UUID `json:"staff_id"`
	StaffName string    `json:"staff_name"`
	Start     time.Time `json:"start"`
}

// apptOption is one appointment in a cancel/reschedule disambiguation list.
type apptOption struct {
	AppointmentID uuid.UUID `json:"appointment_id"`
	ServiceName   string    `json:"service_name"`
	StaffName     string    `json:"staff_name,omitempty"`
	Start         time.Time `json:"start"`
}

// sessionData is the JSON slot-filling payload behind FlowSession.Data.
type sessionData struct {
	ServiceID    uuid.UUID       `json:"service_id,omitempty"`
	StaffID      *uuid.UUID      `json:"staff_id,omitempty"`
	Slots        []presentedSlot `json:"slots,omitempty"`
	Chosen       *presentedSlot  `json:"chosen,omitempty"`
	RescheduleOf *uuid.UUID      `json:"reschedule_of,omitempty"`
	Options      []apptOption    `json:"options,omitempty"`
}

// Result is the outcome of handing one message to the active flow. Handled
// false means the flow declined the message and normal routing should
// continue; the session stays put so a clarifying exchange with the model
// does not lose the customer's progress.
type Result struct {
	Handled bool
	Reply   string
	Done    bool
}

// Manager owns flow sessions: at most one per conversation, superseded on
// every new start.
type Manager struct {
	stores *store.Stores
	engine *scheduling.Engine
	log    *slog.Logger
	now    func() time.Time
}

func NewManager(stores *store.Stores, engine *scheduling.Engine, log *slog.Logger) *Manager {
	return &Manager{
		stores: stores,
		engine: engine,
		log:    log.With("component", "flows"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Active returns the conversation's flow session, clearing it first when it
// has been idle longer than MaxIdle. Returns nil when no flow is in progress.
func (m *Manager) Active(ctx context.Context, conversationID uuid.UUID) (*store.FlowSession, error) {
	session, err := m.stores.Flows.Get(ctx, conversationID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("flows: load session: %w", err)
	}
	if m.now().Sub(session.UpdatedAt) > MaxIdle {
		m.log.Info("clearing abandoned flow",
			"conversation_id", conversationID, "kind", session.Kind, "idle_since", session.UpdatedAt)
		if err := m.stores.Flows.Delete(ctx, conversationID); err != nil {
			return nil, fmt.Errorf("flows: clear abandoned session: %w", err)
		}
		return nil, nil
	}
	return session, nil
}

// BeginBooking opens a booking flow at the service-selection step and returns
// the prompt listing the bookable services.
func (m *Manager) BeginBooking(ctx context.Context, conv *models.Conversation) (string, error) {
	services, err := m.stores.Services.ListActive(ctx, conv.OrganizationID)
	if err != nil {
		return "", fmt.Errorf("flows: list services: %w", err)
	}
	if len(services) == 0 {
		return "", fmt.Errorf("flows: no active services")
	}
	if err := m.put(ctx, conv, KindBooking, StateAwaitingService, &sessionData{}); err != nil {
		return "", err
	}
	return "¿Qué servicio te gustaría agendar?\n" + formatServiceList(services), nil
}

// SlotsPresented records the slots just offered to the customer and moves the
// conversation's flow to time selection. It supersedes any previous flow.
func (m *Manager) SlotsPresented(ctx context.Context, conv *models.Conversation, svc *models.ServiceType, staffID *uuid.UUID, slots []scheduling.Slot) error {
	if len(slots) == 0 {
		return nil
	}
	kind := KindBooking
	data := &sessionData{ServiceID: svc.ID, StaffID: staffID, Slots: toPresented(slots)}
	if existing, err := m.Active(ctx, conv.ID); err == nil && existing != nil && existing.Kind == KindReschedule {
		// A reschedule in progress keeps its target appointment.
		if prev, err := decode(existing); err == nil && prev.RescheduleOf != nil {
			kind = KindReschedule
			data.RescheduleOf = prev.RescheduleOf
		}
	}
	return m.put(ctx, conv, kind, StateAwaitingTime, data)
}

// StartCancelChoice opens a cancel flow asking which appointment to cancel.
// Returns the numbered option list for the prompt.
func (m *Manager) StartCancelChoice(ctx context.Context, conv *models.Conversation, appts []models.Appointment) (string, error) {
	return m.startChoice(ctx, conv, KindCancel, appts)
}

// StartRescheduleChoice opens a reschedule flow asking which appointment to
// move. Returns the numbered option list for the prompt.
func (m *Manager) StartRescheduleChoice(ctx context.Context, conv *models.Conversation, appts []models.Appointment) (string, error) {
	return m.startChoice(ctx, conv, KindReschedule, appts)
}

func (m *Manager) startChoice(ctx context.Context, conv *models.Conversation, kind string, appts []models.Appointment) (string, error) {
	if len(appts) == 0 {
		return "", fmt.Errorf("flows: no appointments to choose from")
	}
	options := make([]apptOption, 0, len(appts))
	for i := range appts {
		opt, err := m.toOption(ctx, &appts[i])
		if err != nil {
			return "", err
		}
		options = append(options, opt)
	}
	if err := m.put(ctx, conv, kind, StateAwaitingSelection, &sessionData{Options: options}); err != nil {
		return "", err
	}
	org, err := m.stores.Orgs.GetByID(ctx, conv.OrganizationID)
	if err != nil {
		return "", fmt.Errorf("flows: load org: %w", err)
	}
	return formatOptionList(options, org.Location()), nil
}

// Handle gives the active flow a chance to consume the customer's message.
// A nil-session or unparseable message yields Handled=false.
func (m *Manager) Handle(ctx context.Context, org *models.Organization, conv *models.Conversation, customer *models.Customer, text string) (*Result, error) {
	session, err := m.Active(ctx, conv.ID)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return &Result{}, nil
	}
	data, err := decode(session)
	if err != nil {
		// A payload this code cannot read is from a bad write; drop it.
		m.log.Error("dropping unreadable flow session", "conversation_id", conv.ID, "error", err)
		_ = m.stores.Flows.Delete(ctx, conv.ID)
		return &Result{}, nil
	}

	switch session.State {
	case StateAwaitingService:
		return m.handleService(ctx, org, conv, text)
	case StateAwaitingTime:
		return m.handleTime(ctx, org, conv, session, data, text)
	case StateAwaitingConfirmation:
		return m.handleConfirmation(ctx, org, conv, customer, session, data, text)
	case StateAwaitingSelection:
		return m.handleSelection(ctx, org, conv, session, data, text)
	}
	m.log.Warn("unknown flow state", "conversation_id", conv.ID, "state", session.State)
	_ = m.stores.Flows.Delete(ctx, conv.ID)
	return &Result{}, nil
}

// handleService matches the message against the active service names. An
// unrecognized name re-prompts instead of advancing.
func (m *Manager) handleService(ctx context.Context, org *models.Organization, conv *models.Conversation, text string) (*Result, error) {
	services, err := m.stores.Services.ListActive(ctx, org.ID)
	if err != nil {
		return nil, fmt.Errorf("flows: list services: %w", err)
	}
	svc := matchService(services, text)
	if svc == nil {
		if isNo(text) {
			return m.abort(ctx, conv)
		}
		return &Result{Handled: true, Reply: "No encontré ese servicio. Estos son los que ofrecemos:\n" + formatServiceList(services)}, nil
	}

	slots, err := m.engine.ComputeSlots(ctx, scheduling.SlotQuery{Org: org, Service: svc, From: m.now(), Days: 3})
	if err != nil {
		return nil, fmt.Errorf("flows: compute slots: %w", err)
	}
	if len(slots) == 0 {
		if err := m.stores.Flows.Delete(ctx, conv.ID); err != nil {
			return nil, err
		}
		return &Result{Handled: true, Done: true,
			Reply: fmt.Sprintf("Por ahora no veo horarios libres para %s en los próximos días. ¿Te ayudo con otra cosa?", svc.Name)}, nil
	}
	data := &sessionData{ServiceID: svc.ID, Slots: toPresented(slots)}
	if err := m.put(ctx, conv, KindBooking, StateAwaitingTime, data); err != nil {
		return nil, err
	}
	return &Result{Handled: true, Reply: fmt.Sprintf("Va, %s. Estos horarios tengo:\n%s\n¿Cuál te acomoda?",
		svc.Name, formatSlotList(data.Slots, org.Location()))}, nil
}

// handleTime matches the message against the presented slots, by list number
// or by clock time.
func (m *Manager) handleTime(ctx context.Context, org *models.Organization, conv *models.Conversation, session *store.FlowSession, data *sessionData, text string) (*Result, error) {
	if isNo(text) {
		return m.abort(ctx, conv)
	}
	idx := pickSlot(text, data.Slots, org.Location())
	if idx < 0 {
		return &Result{}, nil
	}
	chosen := data.Slots[idx]
	data.Chosen = &chosen
	if err := m.put(ctx, conv, session.Kind, StateAwaitingConfirmation, data); err != nil {
		return nil, err
	}
	svc, err := m.stores.Services.GetByID(ctx, org.ID, data.ServiceID)
	if err != nil {
		return nil, fmt.Errorf("flows: load service: %w", err)
	}
	verb := "Te agendo"
	if data.RescheduleOf != nil {
		verb = "Muevo tu cita a"
	}
	return &Result{Handled: true, Reply: fmt.Sprintf("%s %s el %s con %s. ¿Te lo confirmo? (sí/no)",
		verb, svc.Name, formatSlotTime(chosen.Start, org.Location()), chosen.StaffName)}, nil
}

// handleConfirmation books (or reschedules) on yes. A lost race sends the
// flow back to time selection with a fresh candidate list.
func (m *Manager) handleConfirmation(ctx context.Context, org *models.Organization, conv *models.Conversation, customer *models.Customer, session *store.FlowSession, data *sessionData, text string) (*Result, error) {
	if isNo(text) {
		return m.abort(ctx, conv)
	}
	if !isYes(text) {
		return &Result{}, nil
	}
	if data.Chosen == nil {
		_ = m.stores.Flows.Delete(ctx, conv.ID)
		return &Result{}, nil
	}

	svc, err := m.stores.Services.GetByID(ctx, org.ID, data.ServiceID)
	if err != nil {
		return nil, fmt.Errorf("flows: load service: %w", err)
	}
	staff, err := m.stores.Staff.GetByID(ctx, org.ID, data.Chosen.StaffID)
	if err != nil {
		return nil, fmt.Errorf("flows: load staff: %w", err)
	}

	var res *scheduling.BookResult
	if data.RescheduleOf != nil {
		old, err := m.stores.Appointments.GetByID(ctx, org.ID, *data.RescheduleOf)
		if err != nil {
			return nil, fmt.Errorf("flows: load appointment: %w", err)
		}
		res, err = m.engine.Reschedule(ctx, org, svc, old, data.Chosen.Start)
		if err != nil {
			return nil, fmt.Errorf("flows: reschedule: %w", err)
		}
	} else {
		res, err = m.engine.ValidateAndBook(ctx, scheduling.BookRequest{
			Org: org, Service: svc, Staff: staff, Customer: customer,
			Start: data.Chosen.Start, Source: models.SourceWhatsApp,
		})
		if err != nil {
			return nil, fmt.Errorf("flows: book: %w", err)
		}
	}

	if res.Outcome == scheduling.OutcomeBooked {
		if err := m.stores.Flows.Delete(ctx, conv.ID); err != nil {
			return nil, err
		}
		reply := fmt.Sprintf("¡Listo! Te agendé %s el %s con %s. Nos vemos ✨",
			svc.Name, formatSlotTime(data.Chosen.Start, org.Location()), data.Chosen.StaffName)
		if data.RescheduleOf != nil {
			reply = fmt.Sprintf("¡Listo! Moví tu cita: %s el %s con %s.",
				svc.Name, formatSlotTime(data.Chosen.Start, org.Location()), data.Chosen.StaffName)
		}
		return &Result{Handled: true, Reply: reply, Done: true}, nil
	}

	// Conflict or no longer inside availability: the presented slot went
	// stale. Refresh and ask again.
	slots, err := m.engine.ComputeSlots(ctx, scheduling.SlotQuery{
		Org: org, Service: svc, StaffID: data.StaffID, From: data.Chosen.Start, Days: 2,
	})
	if err != nil {
		return nil, fmt.Errorf("flows: refresh slots: %w", err)
	}
	if len(slots) == 0 {
		if err := m.stores.Flows.Delete(ctx, conv.ID); err != nil {
			return nil, err
		}
		return &Result{Handled: true, Done: true,
			Reply: "Uy, ese horario se acaba de ocupar y no veo más espacios cercanos. ¿Quieres que busquemos otro día?"}, nil
	}
	data.Slots = toPresented(slots)
	data.Chosen = nil
	if err := m.put(ctx, conv, session.Kind, StateAwaitingTime, data); err != nil {
		return nil, err
	}
	return &Result{Handled: true, Reply: fmt.Sprintf("Uy, ese horario se acaba de ocupar. Estos siguen libres:\n%s\n¿Cuál te late?",
		formatSlotList(data.Slots, org.Location()))}, nil
}

// handleSelection resolves the disambiguation step of cancel and reschedule.
func (m *Manager) handleSelection(ctx context.Context, org *models.Organization, conv *models.Conversation, session *store.FlowSession, data *sessionData, text string) (*Result, error) {
	if isNo(text) {
		return m.abort(ctx, conv)
	}
	idx := pickOption(text, data.Options, org.Location())
	if idx < 0 {
		return &Result{}, nil
	}
	opt := data.Options[idx]

	if session.Kind == KindCancel {
		err := m.engine.Cancel(ctx, org.ID, opt.AppointmentID)
		if errors.Is(err, store.ErrInvalidTransition) {
			_ = m.stores.Flows.Delete(ctx, conv.ID)
			return &Result{Handled: true, Done: true, Reply: "Esa cita ya estaba cancelada o terminada."}, nil
		}
		if err != nil {
			return nil, fmt.Errorf("flows: cancel: %w", err)
		}
		if err := m.stores.Flows.Delete(ctx, conv.ID); err != nil {
			return nil, err
		}
		return &Result{Handled: true, Done: true,
			Reply: fmt.Sprintf("Listo, cancelé tu cita de %s del %s. El horario queda libre.",
				opt.ServiceName, formatSlotTime(opt.Start, org.Location()))}, nil
	}

	// Reschedule: present fresh slots for the appointment's service and fall
	// into the shared time-selection step. The engine keeps the appointment
	// on its staff member, so only that person's slots are offered.
	appt, err := m.stores.Appointments.GetByID(ctx, org.ID, opt.AppointmentID)
	if err != nil {
		return nil, fmt.Errorf("flows: load appointment: %w", err)
	}
	svc, err := m.stores.Services.GetByID(ctx, org.ID, appt.ServiceTypeID)
	if err != nil {
		return nil, fmt.Errorf("flows: load service: %w", err)
	}
	slots, err := m.engine.ComputeSlots(ctx, scheduling.SlotQuery{
		Org: org, Service: svc, StaffID: appt.StaffID, From: m.now(), Days: 3,
	})
	if err != nil {
		return nil, fmt.Errorf("flows: compute slots: %w", err)
	}
	if len(slots) == 0 {
		if err := m.stores.Flows.Delete(ctx, conv.ID); err != nil {
			return nil, err
		}
		return &Result{Handled: true, Done: true,
			Reply: fmt.Sprintf("No veo horarios libres pronto para %s. Tu cita sigue como estaba; escríbeme si quieres intentar otra fecha.", svc.Name)}, nil
	}
	next := &sessionData{ServiceID: svc.ID, StaffID: appt.StaffID, Slots: toPresented(slots), RescheduleOf: &opt.AppointmentID}
	if err := m.put(ctx, conv, KindReschedule, StateAwaitingTime, next); err != nil {
		return nil, err
	}
	return &Result{Handled: true, Reply: fmt.Sprintf("Va. Estos horarios hay para %s:\n%s\n¿Cuál te acomoda?",
		svc.Name, formatSlotList(next.Slots, org.Location()))}, nil
}

func (m *Manager) abort(ctx context.Context, conv *models.Conversation) (*Result, error) {
	if err := m.stores.Flows.Delete(ctx, conv.ID); err != nil {
		return nil, err
	}
	return &Result{Handled: true, Done: true, Reply: "Va, lo dejamos así por ahora. ¿Te ayudo con otra cosa?"}, nil
}

func (m *Manager) put(ctx context.Context, conv *models.Conversation, kind, state string, data *sessionData) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("flows: encode session: %w", err)
	}
	session := &store.FlowSession{
		ConversationID: conv.ID,
		Kind:           kind,
		State:          state,
		Data:           raw,
	}
	if err := m.stores.Flows.Put(ctx, session); err != nil {
		return fmt.Errorf("flows: save session: %w", err)
	}
	return nil
}

func (m *Manager) toOption(ctx context.Context, appt *models.Appointment) (apptOption, error) {
	svc, err := m.stores.Services.GetByID(ctx, appt.OrganizationID, appt.ServiceTypeID)
	if err != nil {
		return apptOption{}, fmt.Errorf("flows: load service: %w", err)
	}
	opt := apptOption{AppointmentID: appt.ID, ServiceName: svc.Name, Start: appt.ScheduledStart}
	if appt.StaffID != nil {
		if staff, err := m.stores.Staff.GetByID(ctx, appt.OrganizationID, *appt.StaffID); err == nil {
			opt.StaffName = staff.Name
		}
	}
	return opt, nil
}

func decode(session *store.FlowSession) (*sessionData, error) {
	data := &sessionData{}
	if len(session.Data) == 0 {
		return data, nil
	}
	if err := json.Unmarshal(session.Data, data); err != nil {
		return nil, fmt.Errorf("flows: decode session: %w", err)
	}
	return data, nil
}

func toPresented(slots []scheduling.Slot) []presentedSlot {
	if len(slots) > maxPresentedSlots {
		slots = slots[:maxPresentedSlots]
	}
	out := make([]presentedSlot, len(slots))
	for i, s := range slots {
		out[i] = presentedSlot{StaffID: s.StaffID, StaffName: s.StaffName, Start: s.Start}
	}
	return out
}
