package tools

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/parlolabs/parlo/internal/models"
	"github.com/parlolabs/parlo/internal/store"
)

// NewStaffRegistry assembles the toolset exposed to the staff persona. It is
// disjoint from the customer toolset: staff manage schedules, they do not
// book for themselves as customers.
func NewStaffRegistry(deps *Deps) *Registry {
	r := NewRegistry(deps.Log)
	r.Register(&viewScheduleTool{deps})
	r.Register(&viewBusinessScheduleTool{deps})
	r.Register(&blockTimeTool{deps})
	r.Register(&markAppointmentTool{deps})
	r.Register(&walkInBookingTool{deps})
	r.Register(&listServicesTool{deps})
	return r
}

func staffInvocation(ctx context.Context) (*Invocation, *Result) {
	inv := InvocationFromCtx(ctx)
	if inv == nil || inv.Staff == nil {
		return nil, ErrorResult("no staff member in scope for this tool")
	}
	return inv, nil
}

// --- view_schedule ---

type viewScheduleTool struct{ deps *Deps }

func (t *viewScheduleTool) Name() string { return "view_schedule" }
func (t *viewScheduleTool) Description() string {
	return "Show the staff member's own appointments for a date."
}
func (t *viewScheduleTool) Parameters() map[string]interface{} {
	return objectSchema(map[string]interface{}{
		"date": stringProp("Date in YYYY-MM-DD"),
	}, "date")
}

func (t *viewScheduleTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	inv, errRes := staffInvocation(ctx)
	if errRes != nil {
		return errRes
	}
	return t.deps.scheduleForDate(ctx, inv, inv.Staff, argString(args, "date"))
}

// --- view_business_schedule ---

type viewBusinessScheduleTool struct{ deps *Deps }

func (t *viewBusinessScheduleTool) Name() string { return "view_business_schedule" }
func (t *viewBusinessScheduleTool) Description() string {
	return "Show every staff member's appointments for a date. Owner only."
}
func (t *viewBusinessScheduleTool) Parameters() map[string]interface{} {
	return objectSchema(map[string]interface{}{
		"date": stringProp("Date in YYYY-MM-DD"),
	}, "date")
}

func (t *viewBusinessScheduleTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	inv, errRes := staffInvocation(ctx)
	if errRes != nil {
		return errRes
	}
	if !inv.Staff.IsOwner() {
		return ErrorResult("only the owner can view the whole business schedule")
	}
	all, err := t.deps.Stores.Staff.ListActive(ctx, inv.Org.ID)
	if err != nil {
		return ErrorResult("could not list staff").WithError(err)
	}
	var parts []string
	for i := range all {
		res := t.deps.scheduleForDate(ctx, inv, &all[i], argString(args, "date"))
		if res.IsError {
			return res
		}
		parts = append(parts, fmt.Sprintf("%s:\n%s", all[i].Name, res.ForLLM))
	}
	return NewResult(strings.Join(parts, "\n\n"))
}

// --- block_time ---

type blockTimeTool struct{ deps *Deps }

func (t *blockTimeTool) Name() string { return "block_time" }
func (t *blockTimeTool) Description() string {
	return "Block personal time so no appointments can be booked in it. Omit the times to block the whole day. The owner may block another staff member's time by name."
}
func (t *blockTimeTool) Parameters() map[string]interface{} {
	return objectSchema(map[string]interface{}{
		"date":       stringProp("Date in YYYY-MM-DD"),
		"start_time": stringProp("Optional start in HH:MM"),
		"end_time":   stringProp("Optional end in HH:MM"),
		"staff_name": stringProp("Optional staff member to block (owner only)"),
	}, "date")
}

func (t *blockTimeTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	inv, errRes := staffInvocation(ctx)
	if errRes != nil {
		return errRes
	}
	target, errRes := t.deps.targetStaff(ctx, inv, argString(args, "staff_name"))
	if errRes != nil {
		return errRes
	}
	date, err := parseLocalDate(inv.Org, argString(args, "date"))
	if err != nil {
		return ErrorResult(err.Error())
	}

	var start, end time.Time
	startRaw, endRaw := argString(args, "start_time"), argString(args, "end_time")
	if (startRaw == "") != (endRaw == "") {
		return ErrorResult("provide both start_time and end_time, or neither for the whole day")
	}
	if startRaw != "" {
		if start, err = parseLocalDateTime(inv.Org, argString(args, "date"), startRaw); err != nil {
			return ErrorResult(err.Error())
		}
		if end, err = parseLocalDateTime(inv.Org, argString(args, "date"), endRaw); err != nil {
			return ErrorResult(err.Error())
		}
	}

	if err := t.deps.Engine.BlockTime(ctx, inv.Org, target.ID, date, start, end); err != nil {
		return ErrorResult("could not block the time").WithError(err)
	}
	if startRaw == "" {
		return NewResult(fmt.Sprintf("%s is now unavailable all day on %s", target.Name, argString(args, "date")))
	}
	return NewResult(fmt.Sprintf("%s is now unavailable on %s from %s to %s", target.Name, argString(args, "date"), startRaw, endRaw))
}

// --- mark_appointment ---

type markAppointmentTool struct{ deps *Deps }

func (t *markAppointmentTool) Name() string { return "mark_appointment" }
func (t *markAppointmentTool) Description() string {
	return "Record the outcome of an appointment: completed or no_show."
}
func (t *markAppointmentTool) Parameters() map[string]interface{} {
	return objectSchema(map[string]interface{}{
		"appointment_id": stringProp("Appointment id from view_schedule"),
		"outcome":        stringProp("One of: completed, no_show"),
	}, "appointment_id", "outcome")
}

func (t *markAppointmentTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	inv, errRes := staffInvocation(ctx)
	if errRes != nil {
		return errRes
	}
	id, err := uuid.Parse(argString(args, "appointment_id"))
	if err != nil {
		return ErrorResult("invalid appointment id")
	}
	appt, err := t.deps.Stores.Appointments.GetByID(ctx, inv.Org.ID, id)
	if errors.Is(err, store.ErrNotFound) {
		return ErrorResult("no such appointment")
	}
	if err != nil {
		return ErrorResult("could not load the appointment").WithError(err)
	}
	if !inv.Staff.IsOwner() && (appt.StaffID == nil || *appt.StaffID != inv.Staff.ID) {
		return ErrorResult("that appointment belongs to another staff member")
	}

	outcome := argString(args, "outcome")
	if outcome != "completed" && outcome != "no_show" {
		return ErrorResult("outcome must be completed or no_show")
	}
	err = t.deps.Engine.MarkOutcome(ctx, inv.Org.ID, id, outcome == "completed")
	if errors.Is(err, store.ErrInvalidTransition) {
		return ErrorResult("that appointment is already closed")
	}
	if err != nil {
		return ErrorResult("could not record the outcome").WithError(err)
	}
	return NewResult(fmt.Sprintf("appointment marked %s", outcome))
}

// --- walk_in_booking ---

type walkInBookingTool struct{ deps *Deps }

func (t *walkInBookingTool) Name() string { return "walk_in_booking" }
func (t *walkInBookingTool) Description() string {
	return "Register a walk-in customer for a service, taking a slot right now or at a given time today."
}
func (t *walkInBookingTool) Parameters() map[string]interface{} {
	return objectSchema(map[string]interface{}{
		"service":        stringProp("Service name"),
		"customer_name":  stringProp("Walk-in customer's name"),
		"customer_phone": stringProp("Optional customer phone"),
		"time":           stringProp("Optional start in HH:MM, defaults to now"),
	}, "service", "customer_name")
}

func (t *walkInBookingTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	inv, errRes := staffInvocation(ctx)
	if errRes != nil {
		return errRes
	}
	svc, errRes := resolveService(ctx, t.deps.Stores, inv.Org, argString(args, "service"))
	if errRes != nil {
		return errRes
	}

	loc := inv.Org.Location()
	now := t.deps.now()
	start := now.In(loc).Truncate(time.Minute)
	if clock := argString(args, "time"); clock != "" {
		parsed, err := parseLocalDateTime(inv.Org, now.In(loc).Format(dateLayout), clock)
		if err != nil {
			return ErrorResult(err.Error())
		}
		start = parsed
	}

	// Walk-ins may have no reachable phone; a placeholder keeps the
	// per-organization phone uniqueness intact.
	phone := argString(args, "customer_phone")
	if phone == "" {
		phone = "walkin:" + uuid.NewString()
	}
	cust, err := t.deps.Stores.Customers.GetOrCreate(ctx, inv.Org.ID, phone, argString(args, "customer_name"))
	if err != nil {
		return ErrorResult("could not register the customer").WithError(err)
	}

	staffID := inv.Staff.ID
	appt := &models.Appointment{
		OrganizationID: inv.Org.ID,
		CustomerID:     cust.ID,
		ServiceTypeID:  svc.ID,
		StaffID:        &staffID,
		ScheduledStart: start.UTC(),
		ScheduledEnd:   start.Add(svc.Duration()).UTC(),
		Status:         models.AppointmentConfirmed,
		Source:         models.SourceWalkIn,
	}
	// No availability check: the staff member is taking the customer right
	// now, nominal schedule or not. Overlap is still enforced.
	err = t.deps.Stores.Appointments.Book(ctx, appt, nil)
	if errors.Is(err, store.ErrOverlap) {
		return ErrorResult("you already have an appointment in that interval")
	}
	if err != nil {
		return ErrorResult("could not book the walk-in").WithError(err)
	}
	return NewResult(fmt.Sprintf("walk-in booked: %s", describeAppointment(ctx, t.deps.Stores, inv.Org, appt)))
}

// --- list_services ---

type listServicesTool struct{ deps *Deps }

func (t *listServicesTool) Name() string { return "list_services" }
func (t *listServicesTool) Description() string {
	return "List the business's active services with duration and price."
}
func (t *listServicesTool) Parameters() map[string]interface{} {
	return objectSchema(map[string]interface{}{})
}

func (t *listServicesTool) Execute(ctx context.Context, _ map[string]interface{}) *Result {
	inv, errRes := staffInvocation(ctx)
	if errRes != nil {
		return errRes
	}
	services, err := t.deps.Stores.Services.ListActive(ctx, inv.Org.ID)
	if err != nil {
		return ErrorResult("could not list services").WithError(err)
	}
	if len(services) == 0 {
		return NewResult("no active services configured")
	}
	var parts []string
	for _, s := range services {
		parts = append(parts, fmt.Sprintf("%s (%d min, %s)", s.Name, s.DurationMinutes, formatPrice(s.PriceCents, s.Currency)))
	}
	return NewResult(strings.Join(parts, "; "))
}

// scheduleForDate formats one staff member's appointments for a local date.
func (d *Deps) scheduleForDate(ctx context.Context, inv *Invocation, st *models.Staff, rawDate string) *Result {
	date, err := parseLocalDate(inv.Org, rawDate)
	if err != nil {
		return ErrorResult(err.Error())
	}
	loc := inv.Org.Location()
	dayStart := time.Date(date.Year(), date.Month(), date.Day(), 0, 0, 0, 0, loc)
	appts, err := d.Stores.Appointments.ListActiveBetween(ctx, inv.Org.ID, st.ID, dayStart, dayStart.AddDate(0, 0, 1))
	if err != nil {
		return ErrorResult("could not load the schedule").WithError(err)
	}
	if len(appts) == 0 {
		return NewResult(fmt.Sprintf("no appointments on %s", rawDate))
	}
	var parts []string
	for i := range appts {
		parts = append(parts, describeAppointment(ctx, d.Stores, inv.Org, &appts[i]))
	}
	return NewResult(strings.Join(parts, "\n"))
}

// targetStaff resolves which staff member an owner-scoped action applies to.
func (d *Deps) targetStaff(ctx context.Context, inv *Invocation, name string) (*models.Staff, *Result) {
	if name == "" || strings.EqualFold(name, inv.Staff.Name) {
		return inv.Staff, nil
	}
	if !inv.Staff.IsOwner() {
		return nil, ErrorResult("only the owner can act on another staff member's schedule")
	}
	st, err := findStaffByName(ctx, d.Stores, inv.Org.ID, name)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrorResult(fmt.Sprintf("no staff member named %q", name))
	}
	if err != nil {
		return nil, ErrorResult("could not look up staff").WithError(err)
	}
	return st, nil
}
