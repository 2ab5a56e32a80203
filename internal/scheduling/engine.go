package scheduling

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/parlolabs/parlo/internal/events"
	"github.com/parlolabs/parlo/internal/models"
	"github.com/parlolabs/parlo/internal/store"
)

// Engine answers availability queries and performs booking mutations. All
// times it accepts and returns are absolute; it converts to the organization
// timezone exactly once, when expanding availability rules into instants.
type Engine struct {
	stores   *store.Stores
	log      *slog.Logger
	notifier events.Notifier
	now      func() time.Time
}

func NewEngine(stores *store.Stores, log *slog.Logger) *Engine {
	return &Engine{
		stores: stores,
		log:    log.With("component", "scheduling"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the engine's time source and returns the engine.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// WithNotifier makes booking mutations publish domain events.
func (e *Engine) WithNotifier(n events.Notifier) *Engine {
	e.notifier = n
	return e
}

func (e *Engine) publish(ctx context.Context, eventType string, orgID uuid.UUID, payload map[string]interface{}) {
	if e.notifier == nil {
		return
	}
	e.notifier.Publish(ctx, events.Event{Type: eventType, OrganizationID: orgID, At: e.now(), Payload: payload})
}

// SlotQuery asks for open slots for one service over a span of local days.
// A nil StaffID means any staff member who offers the service.
type SlotQuery struct {
	Org     *models.Organization
	Service *models.ServiceType
	StaffID *uuid.UUID
	From    time.Time // any instant within the first local day
	Days    int
}

// BookOutcome is the result category of a booking attempt.
type BookOutcome string

const (
	// OutcomeBooked means the appointment was inserted.
	OutcomeBooked BookOutcome = "booked"
	// OutcomeConflict means another appointment won the interval. The
	// caller should recompute slots and offer alternatives.
	OutcomeConflict BookOutcome = "conflict"
	// OutcomeOutsideAvailability means the interval does not fit inside the
	// staff member's effective availability for that day.
	OutcomeOutsideAvailability BookOutcome = "outside_availability"
)

// BookResult is the outcome of ValidateAndBook or Reschedule. Appointment is
// set only when Outcome is OutcomeBooked.
type BookResult struct {
	Outcome     BookOutcome
	Appointment *models.Appointment
}

// ComputeSlots returns the open slots for the query, ascending by start.
// Slots in the past are never offered. For an any-staff query, identical
// start times collapse to the staff member created first.
func (e *Engine) ComputeSlots(ctx context.Context, q SlotQuery) ([]Slot, error) {
	if q.Days <= 0 {
		q.Days = 1
	}
	offering, err := e.stores.Staff.ListOfferingService(ctx, q.Org.ID, q.Service.ID)
	if err != nil {
		return nil, fmt.Errorf("list staff for service: %w", err)
	}
	if q.StaffID != nil {
		filtered := offering[:0]
		for _, st := range offering {
			if st.ID == *q.StaffID {
				filtered = append(filtered, st)
				break
			}
		}
		offering = filtered
		if len(offering) == 0 {
			return nil, store.ErrNotFound
		}
	}

	loc := q.Org.Location()
	now := e.now()
	first := q.From.In(loc)

	perStaff := make([][]Slot, 0, len(offering))
	for _, st := range offering {
		slots, err := e.staffSlots(ctx, q, st, first, loc, now)
		if err != nil {
			return nil, err
		}
		perStaff = append(perStaff, slots)
	}
	return MergeSlots(perStaff), nil
}

func (e *Engine) staffSlots(ctx context.Context, q SlotQuery, st models.Staff, first time.Time, loc *time.Location, now time.Time) ([]Slot, error) {
	rules, err := e.stores.Availability.ListForStaff(ctx, q.Org.ID, st.ID)
	if err != nil {
		return nil, fmt.Errorf("list availability for %s: %w", st.ID, err)
	}

	duration := q.Service.Duration()
	var slots []Slot
	for d := 0; d < q.Days; d++ {
		day := first.AddDate(0, 0, d)
		open, blocked := EffectiveWindows(rules, day, loc)
		if len(open) == 0 {
			continue
		}

		dayStart := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, loc)
		dayEnd := dayStart.AddDate(0, 0, 1)
		appts, err := e.stores.Appointments.ListActiveBetween(ctx, q.Org.ID, st.ID, dayStart, dayEnd)
		if err != nil {
			return nil, fmt.Errorf("list appointments for %s: %w", st.ID, err)
		}

		busy := append([]Interval(nil), blocked...)
		for _, a := range appts {
			busy = append(busy, Interval{Start: a.ScheduledStart, End: a.ScheduledEnd})
		}
		for _, w := range open {
			for _, start := range CandidateStarts(w, duration, busy, now) {
				slots = append(slots, Slot{
					StaffID:   st.ID,
					StaffName: st.Name,
					Start:     start,
					End:       start.Add(duration),
				})
			}
		}
	}
	return slots, nil
}

// BookRequest carries everything needed to place one appointment.
type BookRequest struct {
	Org      *models.Organization
	Service  *models.ServiceType
	Staff    *models.Staff
	Customer *models.Customer
	Start    time.Time
	Source   models.AppointmentSource
	Notes    string
}

// ValidateAndBook checks the interval against the staff member's effective
// availability and inserts the appointment. Both invariants are enforced by
// the store at commit time: the no-overlap exclusion constraint resolves two
// racing bookings to exactly one OutcomeBooked, and the availability rules
// are re-read inside the inserting transaction so a block committed after the
// slot was offered still rejects the booking.
func (e *Engine) ValidateAndBook(ctx context.Context, req BookRequest) (*BookResult, error) {
	end := req.Start.Add(req.Service.Duration())
	staffID := req.Staff.ID
	appt := &models.Appointment{
		OrganizationID: req.Org.ID,
		CustomerID:     req.Customer.ID,
		ServiceTypeID:  req.Service.ID,
		StaffID:        &staffID,
		ScheduledStart: req.Start.UTC(),
		ScheduledEnd:   end.UTC(),
		Status:         models.AppointmentConfirmed,
		Source:         req.Source,
		Notes:          req.Notes,
	}
	if err := e.stores.Appointments.Book(ctx, appt, e.availabilityCheck(req.Org, req.Start, end)); err != nil {
		if errors.Is(err, store.ErrOverlap) {
			return &BookResult{Outcome: OutcomeConflict}, nil
		}
		if errors.Is(err, store.ErrOutsideAvailability) {
			return &BookResult{Outcome: OutcomeOutsideAvailability}, nil
		}
		return nil, fmt.Errorf("book appointment: %w", err)
	}

	e.log.Info("appointment booked",
		"appointment_id", appt.ID,
		"org_id", req.Org.ID,
		"staff_id", req.Staff.ID,
		"start", appt.ScheduledStart,
		"source", appt.Source)
	e.publish(ctx, events.TypeAppointmentBooked, req.Org.ID, map[string]interface{}{
		"appointment_id": appt.ID.String(),
		"staff_id":       req.Staff.ID.String(),
		"start":          appt.ScheduledStart,
		"source":         string(appt.Source),
	})
	return &BookResult{Outcome: OutcomeBooked, Appointment: appt}, nil
}

// Reschedule validates the new interval and atomically replaces the old
// appointment. On conflict or a failed availability check the old appointment
// is untouched.
func (e *Engine) Reschedule(ctx context.Context, org *models.Organization, svc *models.ServiceType, old *models.Appointment, newStart time.Time) (*BookResult, error) {
	if old.StaffID == nil {
		return nil, fmt.Errorf("appointment %s has no staff assignment", old.ID)
	}
	end := newStart.Add(svc.Duration())
	replacement := &models.Appointment{
		OrganizationID: org.ID,
		CustomerID:     old.CustomerID,
		ServiceTypeID:  svc.ID,
		StaffID:        old.StaffID,
		ScheduledStart: newStart.UTC(),
		ScheduledEnd:   end.UTC(),
		Status:         models.AppointmentConfirmed,
		Source:         old.Source,
		Notes:          old.Notes,
	}
	if err := e.stores.Appointments.Reschedule(ctx, org.ID, old.ID, replacement, e.availabilityCheck(org, newStart, end)); err != nil {
		if errors.Is(err, store.ErrOverlap) {
			return &BookResult{Outcome: OutcomeConflict}, nil
		}
		if errors.Is(err, store.ErrOutsideAvailability) {
			return &BookResult{Outcome: OutcomeOutsideAvailability}, nil
		}
		return nil, fmt.Errorf("reschedule appointment %s: %w", old.ID, err)
	}

	e.log.Info("appointment rescheduled",
		"old_appointment_id", old.ID,
		"appointment_id", replacement.ID,
		"org_id", org.ID,
		"start", replacement.ScheduledStart)
	e.publish(ctx, events.TypeAppointmentRescheduled, org.ID, map[string]interface{}{
		"old_appointment_id": old.ID.String(),
		"appointment_id":     replacement.ID.String(),
		"start":              replacement.ScheduledStart,
	})
	return &BookResult{Outcome: OutcomeBooked, Appointment: replacement}, nil
}

// Cancel releases the appointment's interval. Only pending or confirmed
// appointments can be cancelled.
func (e *Engine) Cancel(ctx context.Context, orgID, apptID uuid.UUID) error {
	err := e.stores.Appointments.UpdateStatus(ctx, orgID, apptID,
		[]models.AppointmentStatus{models.AppointmentPending, models.AppointmentConfirmed},
		models.AppointmentCancelled)
	if err != nil {
		return err
	}
	e.log.Info("appointment cancelled", "appointment_id", apptID, "org_id", orgID)
	e.publish(ctx, events.TypeAppointmentCancelled, orgID, map[string]interface{}{
		"appointment_id": apptID.String(),
	})
	return nil
}

// MarkOutcome records whether the customer showed up. Completed and no-show
// appointments no longer occupy staff time.
func (e *Engine) MarkOutcome(ctx context.Context, orgID, apptID uuid.UUID, showed bool) error {
	to := models.AppointmentCompleted
	if !showed {
		to = models.AppointmentNoShow
	}
	return e.stores.Appointments.UpdateStatus(ctx, orgID, apptID,
		[]models.AppointmentStatus{models.AppointmentPending, models.AppointmentConfirmed}, to)
}

// BlockTime records an unavailable exception for the staff member. A zero
// start and end blocks the whole local day; otherwise the window [start, end)
// within that day is blocked and slot computation treats it as busy.
func (e *Engine) BlockTime(ctx context.Context, org *models.Organization, staffID uuid.UUID, date time.Time, start, end time.Time) error {
	loc := org.Location()
	local := date.In(loc)
	av := &models.Availability{
		OrganizationID: org.ID,
		StaffID:        staffID,
		Kind:           models.AvailabilityException,
		ExceptionDate:  local.Format("2006-01-02"),
		IsAvailable:    false,
	}
	if !start.IsZero() {
		av.StartMinute = minuteOfDay(start.In(loc))
		av.EndMinute = minuteOfDay(end.In(loc))
		if av.EndMinute <= av.StartMinute {
			return fmt.Errorf("block window must end after it starts")
		}
	}
	if err := e.stores.Availability.Create(ctx, av); err != nil {
		return fmt.Errorf("block time: %w", err)
	}
	e.log.Info("staff time blocked",
		"org_id", org.ID, "staff_id", staffID, "date", av.ExceptionDate,
		"start_minute", av.StartMinute, "end_minute", av.EndMinute)
	return nil
}

// availabilityCheck builds the rule predicate the store evaluates inside the
// booking transaction.
func (e *Engine) availabilityCheck(org *models.Organization, start, end time.Time) store.AvailabilityCheck {
	loc := org.Location()
	return func(rules []models.Availability) bool {
		open, blocked := EffectiveWindows(rules, start.In(loc), loc)
		return WithinOpenWindow(open, blocked, start, end)
	}
}

func minuteOfDay(t time.Time) int {
	return t.Hour()*60 + t.Minute()
}
