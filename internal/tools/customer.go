package tools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/parlolabs/parlo/internal/models"
	"github.com/parlolabs/parlo/internal/scheduling"
	"github.com/parlolabs/parlo/internal/store"
)

// FlowRecorder opens deterministic flow sessions as a side effect of tool
// calls, so follow-up customer replies can be matched against what was
// presented without another model round. Implemented by flows.Manager.
type FlowRecorder interface {
	BeginBooking(ctx context.Context, conv *models.Conversation) (string, error)
	SlotsPresented(ctx context.Context, conv *models.Conversation, svc *models.ServiceType, staffID *uuid.UUID, slots []scheduling.Slot) error
	StartCancelChoice(ctx context.Context, conv *models.Conversation, appts []models.Appointment) (string, error)
	StartRescheduleChoice(ctx context.Context, conv *models.Conversation, appts []models.Appointment) (string, error)
}

// Deps is everything the toolsets need to act on the business. Flows and
// Handoff are optional; the tools degrade to model-driven behavior without
// them.
type Deps struct {
	Stores  *store.Stores
	Engine  *scheduling.Engine
	Handoff HandoffStarter
	Flows   FlowRecorder
	Log     *slog.Logger
	Now     func() time.Time
}

func (d *Deps) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now().UTC()
}

// NewCustomerRegistry assembles the toolset exposed to the customer persona.
func NewCustomerRegistry(deps *Deps) *Registry {
	r := NewRegistry(deps.Log)
	r.Register(&startBookingTool{deps})
	r.Register(&checkAvailabilityTool{deps})
	r.Register(&bookAppointmentTool{deps})
	r.Register(&listMyAppointmentsTool{deps})
	r.Register(&cancelAppointmentTool{deps})
	r.Register(&rescheduleAppointmentTool{deps})
	r.Register(&updateCustomerNameTool{deps})
	r.Register(&handoffToHumanTool{deps})
	return r
}

func customerInvocation(ctx context.Context) (*Invocation, *Result) {
	inv := InvocationFromCtx(ctx)
	if inv == nil || inv.Customer == nil {
		return nil, ErrorResult("no customer in scope for this tool")
	}
	return inv, nil
}

// --- start_booking ---

type startBookingTool struct{ deps *Deps }

func (t *startBookingTool) Name() string { return "start_booking" }
func (t *startBookingTool) Description() string {
	return "Start a guided booking when the customer wants an appointment but has not named a service yet. Prefer check_availability when the service is already known."
}
func (t *startBookingTool) Parameters() map[string]interface{} {
	return objectSchema(map[string]interface{}{})
}

func (t *startBookingTool) Execute(ctx context.Context, _ map[string]interface{}) *Result {
	inv, errRes := customerInvocation(ctx)
	if errRes != nil {
		return errRes
	}
	if t.deps.Flows == nil || inv.Conversation == nil {
		services, err := t.deps.Stores.Services.ListActive(ctx, inv.Org.ID)
		if err != nil {
			return ErrorResult("could not list services").WithError(err)
		}
		names := make([]string, len(services))
		for i := range services {
			names[i] = services[i].Name
		}
		return NewResult(fmt.Sprintf("ask which service the customer wants; options: %s", strings.Join(names, ", ")))
	}
	prompt, err := t.deps.Flows.BeginBooking(ctx, inv.Conversation)
	if err != nil {
		return ErrorResult("could not start the booking").WithError(err)
	}
	return NewResult("booking started; send the customer this question verbatim:\n" + prompt)
}

// --- check_availability ---

type checkAvailabilityTool struct{ deps *Deps }

func (t *checkAvailabilityTool) Name() string { return "check_availability" }
func (t *checkAvailabilityTool) Description() string {
	return "List open appointment slots for a service on a given date. Optionally restrict to one staff member by name."
}
func (t *checkAvailabilityTool) Parameters() map[string]interface{} {
	return objectSchema(map[string]interface{}{
		"service":    stringProp("Service name, e.g. \"Corte de cabello\""),
		"date":       stringProp("Date in YYYY-MM-DD"),
		"staff_name": stringProp("Optional staff member name"),
		"days":       map[string]interface{}{"type": "integer", "description": "How many days to search from the date (default 1, max 7)"},
	}, "service", "date")
}

func (t *checkAvailabilityTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	inv, errRes := customerInvocation(ctx)
	if errRes != nil {
		return errRes
	}
	svc, errRes := resolveService(ctx, t.deps.Stores, inv.Org, argString(args, "service"))
	if errRes != nil {
		return errRes
	}
	from, err := parseLocalDate(inv.Org, argString(args, "date"))
	if err != nil {
		return ErrorResult(err.Error())
	}
	days := argInt(args, "days", 1)
	if days < 1 {
		days = 1
	}
	if days > 7 {
		days = 7
	}

	q := scheduling.SlotQuery{Org: inv.Org, Service: svc, From: from, Days: days}
	if name := argString(args, "staff_name"); name != "" {
		st, err := findStaffByName(ctx, t.deps.Stores, inv.Org.ID, name)
		if err != nil {
			return ErrorResult(fmt.Sprintf("no staff member named %q", name))
		}
		q.StaffID = &st.ID
	}

	slots, err := t.deps.Engine.ComputeSlots(ctx, q)
	if errors.Is(err, store.ErrNotFound) {
		return ErrorResult(fmt.Sprintf("that staff member does not offer %s", svc.Name))
	}
	if err != nil {
		return ErrorResult("could not compute availability").WithError(err)
	}
	if len(slots) == 0 {
		return NewResult(fmt.Sprintf("no open slots for %s starting %s", svc.Name, argString(args, "date")))
	}
	if t.deps.Flows != nil && inv.Conversation != nil {
		if err := t.deps.Flows.SlotsPresented(ctx, inv.Conversation, svc, q.StaffID, slots); err != nil {
			t.deps.Log.Error("record presented slots", "conversation_id", inv.Conversation.ID, "error", err)
		}
	}
	return NewResult(fmt.Sprintf("open slots for %s (%s, %d min): %s",
		svc.Name, formatPrice(svc.PriceCents, svc.Currency), svc.DurationMinutes,
		formatSlots(slots, inv.Org.Location(), 12)))
}

// --- book_appointment ---

type bookAppointmentTool struct{ deps *Deps }

func (t *bookAppointmentTool) Name() string { return "book_appointment" }
func (t *bookAppointmentTool) Description() string {
	return "Book an appointment at an exact date and time previously offered by check_availability."
}
func (t *bookAppointmentTool) Parameters() map[string]interface{} {
	return objectSchema(map[string]interface{}{
		"service":    stringProp("Service name"),
		"date":       stringProp("Date in YYYY-MM-DD"),
		"time":       stringProp("Start time in HH:MM (24h, business local time)"),
		"staff_name": stringProp("Optional staff member name; omit to take any available"),
	}, "service", "date", "time")
}

func (t *bookAppointmentTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	inv, errRes := customerInvocation(ctx)
	if errRes != nil {
		return errRes
	}
	svc, errRes := resolveService(ctx, t.deps.Stores, inv.Org, argString(args, "service"))
	if errRes != nil {
		return errRes
	}
	start, err := parseLocalDateTime(inv.Org, argString(args, "date"), argString(args, "time"))
	if err != nil {
		return ErrorResult(err.Error())
	}
	if start.Before(t.deps.now()) {
		return ErrorResult("that time is in the past")
	}

	staff, errRes := t.pickStaff(ctx, inv, svc, args, start)
	if errRes != nil {
		return errRes
	}

	res, err := t.deps.Engine.ValidateAndBook(ctx, scheduling.BookRequest{
		Org: inv.Org, Service: svc, Staff: staff, Customer: inv.Customer,
		Start: start, Source: models.SourceWhatsApp,
	})
	if err != nil {
		return ErrorResult("could not book the appointment").WithError(err)
	}
	switch res.Outcome {
	case scheduling.OutcomeConflict:
		return NewResult("that slot was just taken; call check_availability again and offer alternatives")
	case scheduling.OutcomeOutsideAvailability:
		return NewResult(fmt.Sprintf("%s does not work at that time; call check_availability for open slots", staff.Name))
	}
	return NewResult(fmt.Sprintf("booked: %s", describeAppointment(ctx, t.deps.Stores, inv.Org, res.Appointment)))
}

func (t *bookAppointmentTool) pickStaff(ctx context.Context, inv *Invocation, svc *models.ServiceType, args map[string]interface{}, start time.Time) (*models.Staff, *Result) {
	if name := argString(args, "staff_name"); name != "" {
		st, err := findStaffByName(ctx, t.deps.Stores, inv.Org.ID, name)
		if err != nil {
			return nil, ErrorResult(fmt.Sprintf("no staff member named %q", name))
		}
		offers, err := staffOffersService(ctx, t.deps.Stores, inv.Org.ID, st.ID, svc.ID)
		if err != nil {
			return nil, ErrorResult("could not check the staff member's services").WithError(err)
		}
		if !offers {
			return nil, ErrorResult(fmt.Sprintf("%s does not offer %s; call check_availability without staff_name to see who does", st.Name, svc.Name))
		}
		return st, nil
	}
	// Any staff: resolve the requested start to the slot owner, matching what
	// check_availability offered.
	slots, err := t.deps.Engine.ComputeSlots(ctx, scheduling.SlotQuery{
		Org: inv.Org, Service: svc, From: start, Days: 1,
	})
	if err != nil {
		return nil, ErrorResult("could not compute availability").WithError(err)
	}
	for _, s := range slots {
		if s.Start.Equal(start) {
			st, err := t.deps.Stores.Staff.GetByID(ctx, inv.Org.ID, s.StaffID)
			if err != nil {
				return nil, ErrorResult("could not load staff member").WithError(err)
			}
			return st, nil
		}
	}
	return nil, NewResult(fmt.Sprintf("no one is free at that time; nearby options: %s",
		formatSlots(slots, inv.Org.Location(), 6)))
}

// --- list_my_appointments ---

type listMyAppointmentsTool struct{ deps *Deps }

func (t *listMyAppointmentsTool) Name() string { return "list_my_appointments" }
func (t *listMyAppointmentsTool) Description() string {
	return "List the customer's upcoming appointments with their ids."
}
func (t *listMyAppointmentsTool) Parameters() map[string]interface{} {
	return objectSchema(map[string]interface{}{})
}

func (t *listMyAppointmentsTool) Execute(ctx context.Context, _ map[string]interface{}) *Result {
	inv, errRes := customerInvocation(ctx)
	if errRes != nil {
		return errRes
	}
	appts, err := t.deps.Stores.Appointments.ListUpcomingForCustomer(ctx, inv.Org.ID, inv.Customer.ID, t.deps.now())
	if err != nil {
		return ErrorResult("could not list appointments").WithError(err)
	}
	if len(appts) == 0 {
		return NewResult("the customer has no upcoming appointments")
	}
	out := fmt.Sprintf("%d upcoming appointment(s):", len(appts))
	for i := range appts {
		out += "\n" + describeAppointment(ctx, t.deps.Stores, inv.Org, &appts[i])
	}
	return NewResult(out)
}

// --- cancel_appointment ---

type cancelAppointmentTool struct{ deps *Deps }

func (t *cancelAppointmentTool) Name() string { return "cancel_appointment" }
func (t *cancelAppointmentTool) Description() string {
	return "Cancel one of the customer's appointments. Pass the id from list_my_appointments when known; omit it to let the customer pick."
}
func (t *cancelAppointmentTool) Parameters() map[string]interface{} {
	return objectSchema(map[string]interface{}{
		"appointment_id": stringProp("Appointment id, if known"),
	})
}

func (t *cancelAppointmentTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	inv, errRes := customerInvocation(ctx)
	if errRes != nil {
		return errRes
	}
	appt, errRes := t.deps.targetAppointment(ctx, inv, argString(args, "appointment_id"), KindCancelChoice)
	if errRes != nil {
		return errRes
	}
	err := t.deps.Engine.Cancel(ctx, inv.Org.ID, appt.ID)
	if errors.Is(err, store.ErrInvalidTransition) {
		return ErrorResult("that appointment is already cancelled or finished")
	}
	if err != nil {
		return ErrorResult("could not cancel the appointment").WithError(err)
	}
	return NewResult("appointment cancelled; the slot is free again")
}

// --- reschedule_appointment ---

type rescheduleAppointmentTool struct{ deps *Deps }

func (t *rescheduleAppointmentTool) Name() string { return "reschedule_appointment" }
func (t *rescheduleAppointmentTool) Description() string {
	return "Move one of the customer's appointments to a new date and time. The old slot is released only if the new one is secured. Omit fields you do not know; the customer will be asked."
}
func (t *rescheduleAppointmentTool) Parameters() map[string]interface{} {
	return objectSchema(map[string]interface{}{
		"appointment_id": stringProp("Appointment id, if known"),
		"date":           stringProp("New date in YYYY-MM-DD"),
		"time":           stringProp("New start time in HH:MM"),
	})
}

func (t *rescheduleAppointmentTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	inv, errRes := customerInvocation(ctx)
	if errRes != nil {
		return errRes
	}
	appt, errRes := t.deps.targetAppointment(ctx, inv, argString(args, "appointment_id"), KindRescheduleChoice)
	if errRes != nil {
		return errRes
	}
	if argString(args, "date") == "" || argString(args, "time") == "" {
		if t.deps.Flows != nil && inv.Conversation != nil {
			list, err := t.deps.Flows.StartRescheduleChoice(ctx, inv.Conversation, []models.Appointment{*appt})
			if err != nil {
				return ErrorResult("could not start the reschedule").WithError(err)
			}
			return NewResult("reschedule started; ask the customer to reply with the number of the appointment to move:\n" + list)
		}
		return ErrorResult("date and time are required")
	}
	newStart, err := parseLocalDateTime(inv.Org, argString(args, "date"), argString(args, "time"))
	if err != nil {
		return ErrorResult(err.Error())
	}
	if newStart.Before(t.deps.now()) {
		return ErrorResult("that time is in the past")
	}
	svc, err := t.deps.Stores.Services.GetByID(ctx, inv.Org.ID, appt.ServiceTypeID)
	if err != nil {
		return ErrorResult("could not load the service").WithError(err)
	}

	res, err := t.deps.Engine.Reschedule(ctx, inv.Org, svc, appt, newStart)
	if err != nil {
		return ErrorResult("could not reschedule").WithError(err)
	}
	switch res.Outcome {
	case scheduling.OutcomeConflict:
		return NewResult("the new time was just taken; the original appointment is unchanged. Offer other slots from check_availability")
	case scheduling.OutcomeOutsideAvailability:
		return NewResult("the staff member does not work at the new time; the original appointment is unchanged")
	}
	return NewResult(fmt.Sprintf("rescheduled: %s", describeAppointment(ctx, t.deps.Stores, inv.Org, res.Appointment)))
}

// --- update_customer_name ---

type updateCustomerNameTool struct{ deps *Deps }

func (t *updateCustomerNameTool) Name() string { return "update_customer_name" }
func (t *updateCustomerNameTool) Description() string {
	return "Record the customer's name once they share it."
}
func (t *updateCustomerNameTool) Parameters() map[string]interface{} {
	return objectSchema(map[string]interface{}{
		"name": stringProp("Customer's name"),
	}, "name")
}

func (t *updateCustomerNameTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	inv, errRes := customerInvocation(ctx)
	if errRes != nil {
		return errRes
	}
	name := argString(args, "name")
	if name == "" {
		return ErrorResult("name is empty")
	}
	if err := t.deps.Stores.Customers.SetName(ctx, inv.Org.ID, inv.Customer.ID, name); err != nil {
		return ErrorResult("could not save the name").WithError(err)
	}
	inv.Customer.Name = name
	return SilentResult("name saved")
}

// --- handoff_to_human ---

type handoffToHumanTool struct{ deps *Deps }

func (t *handoffToHumanTool) Name() string { return "handoff_to_human" }
func (t *handoffToHumanTool) Description() string {
	return "Connect the customer with a human from the business when they ask for a person or the assistant cannot help."
}
func (t *handoffToHumanTool) Parameters() map[string]interface{} {
	return objectSchema(map[string]interface{}{
		"reason": stringProp("Short reason for the handoff"),
	})
}

func (t *handoffToHumanTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	inv, errRes := customerInvocation(ctx)
	if errRes != nil {
		return errRes
	}
	if t.deps.Handoff == nil {
		return ErrorResult("handoff is not available right now")
	}
	_, err := t.deps.Handoff.Activate(ctx, inv.Org, inv.Conversation, inv.Customer)
	if errors.Is(err, store.ErrHandoffActive) {
		return NewResult("the customer is already connected with a human")
	}
	if errors.Is(err, store.ErrStaffBusy) {
		return NewResult("every staff member is currently helping another customer; tell the customer the team is busy and someone will write as soon as they are free")
	}
	if err != nil {
		return ErrorResult("could not start the handoff").WithError(err)
	}
	t.deps.Log.Info("handoff activated by tool",
		"org_id", inv.Org.ID, "conversation_id", inv.Conversation.ID, "reason", argString(args, "reason"))
	return NewResult("handoff active: a human will answer in this chat for the next 30 minutes; tell the customer someone is on the way")
}

// Choice kinds for targetAppointment.
const (
	KindCancelChoice     = "cancel"
	KindRescheduleChoice = "reschedule"
)

// targetAppointment resolves which appointment a cancel or reschedule acts
// on. With an id it must belong to the customer; without one, a single
// upcoming appointment is used directly and several open a disambiguation
// flow. A non-nil Result short-circuits the tool.
func (d *Deps) targetAppointment(ctx context.Context, inv *Invocation, rawID, kind string) (*models.Appointment, *Result) {
	if rawID != "" {
		return d.ownAppointment(ctx, inv, rawID)
	}
	appts, err := d.Stores.Appointments.ListUpcomingForCustomer(ctx, inv.Org.ID, inv.Customer.ID, d.now())
	if err != nil {
		return nil, ErrorResult("could not list appointments").WithError(err)
	}
	switch len(appts) {
	case 0:
		return nil, NewResult("the customer has no upcoming appointments")
	case 1:
		return &appts[0], nil
	}

	if d.Flows == nil || inv.Conversation == nil {
		out := "the customer has several appointments; ask which one and retry with its id:"
		for i := range appts {
			out += "\n" + describeAppointment(ctx, d.Stores, inv.Org, &appts[i])
		}
		return nil, NewResult(out)
	}
	var list string
	if kind == KindCancelChoice {
		list, err = d.Flows.StartCancelChoice(ctx, inv.Conversation, appts)
	} else {
		list, err = d.Flows.StartRescheduleChoice(ctx, inv.Conversation, appts)
	}
	if err != nil {
		return nil, ErrorResult("could not list the appointments").WithError(err)
	}
	return nil, NewResult("the customer has several appointments; ask them to reply with the number of the one to change:\n" + list)
}

// ownAppointment loads the appointment and checks it belongs to the customer.
func (d *Deps) ownAppointment(ctx context.Context, inv *Invocation, rawID string) (*models.Appointment, *Result) {
	id, err := uuid.Parse(rawID)
	if err != nil {
		return nil, ErrorResult(fmt.Sprintf("invalid appointment id %q", rawID))
	}
	appt, err := d.Stores.Appointments.GetByID(ctx, inv.Org.ID, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrorResult("no such appointment")
	}
	if err != nil {
		return nil, ErrorResult("could not load the appointment").WithError(err)
	}
	if appt.CustomerID != inv.Customer.ID {
		return nil, ErrorResult("no such appointment")
	}
	return appt, nil
}
