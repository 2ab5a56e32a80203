package scheduling

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parlolabs/parlo/internal/models"
	"github.com/parlolabs/parlo/internal/store"
)

type fakeStaffStore struct {
	store.StaffStore
	offering []models.Staff
}

func (f *fakeStaffStore) ListOfferingService(context.Context, uuid.UUID, uuid.UUID) ([]models.Staff, error) {
	return f.offering, nil
}

type fakeAvailabilityStore struct {
	store.AvailabilityStore
	mu    sync.Mutex
	rules map[uuid.UUID][]models.Availability
}

func (f *fakeAvailabilityStore) ListForStaff(_ context.Context, _ uuid.UUID, staffID uuid.UUID) ([]models.Availability, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rules[staffID], nil
}

func (f *fakeAvailabilityStore) Create(_ context.Context, av *models.Availability) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if av.ID == uuid.Nil {
		av.ID = uuid.New()
	}
	if f.rules == nil {
		f.rules = map[uuid.UUID][]models.Availability{}
	}
	f.rules[av.StaffID] = append(f.rules[av.StaffID], *av)
	return nil
}

type fakeAppointmentStore struct {
	store.AppointmentStore
	mu    sync.Mutex
	avail *fakeAvailabilityStore
	appts []models.Appointment
}

// fitsNow evaluates the availability check against the rules as they exist at
// insert time, like the real store does inside its transaction.
func (f *fakeAppointmentStore) fitsNow(ctx context.Context, appt *models.Appointment, fits store.AvailabilityCheck) bool {
	if fits == nil || appt.StaffID == nil {
		return true
	}
	rules, _ := f.avail.ListForStaff(ctx, appt.OrganizationID, *appt.StaffID)
	return fits(rules)
}

func (f *fakeAppointmentStore) overlapsLocked(staffID uuid.UUID, start, end time.Time, skip uuid.UUID) bool {
	for _, a := range f.appts {
		if a.ID == skip || a.StaffID == nil || *a.StaffID != staffID || !a.Status.Active() {
			continue
		}
		if a.Overlaps(start, end) {
			return true
		}
	}
	return false
}

func (f *fakeAppointmentStore) Book(ctx context.Context, appt *models.Appointment, fits store.AvailabilityCheck) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.fitsNow(ctx, appt, fits) {
		return store.ErrOutsideAvailability
	}
	if f.overlapsLocked(*appt.StaffID, appt.ScheduledStart, appt.ScheduledEnd, uuid.Nil) {
		return store.ErrOverlap
	}
	if appt.ID == uuid.Nil {
		appt.ID = uuid.New()
	}
	f.appts = append(f.appts, *appt)
	return nil
}

func (f *fakeAppointmentStore) Reschedule(ctx context.Context, _ uuid.UUID, oldID uuid.UUID, replacement *models.Appointment, fits store.AvailabilityCheck) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, a := range f.appts {
		if a.ID != oldID {
			continue
		}
		if !a.Status.Active() {
			return store.ErrInvalidTransition
		}
		if !f.fitsNow(ctx, replacement, fits) {
			return store.ErrOutsideAvailability
		}
		if f.overlapsLocked(*replacement.StaffID, replacement.ScheduledStart, replacement.ScheduledEnd, oldID) {
			return store.ErrOverlap
		}
		f.appts[i].Status = models.AppointmentCancelled
		if replacement.ID == uuid.Nil {
			replacement.ID = uuid.New()
		}
		f.appts = append(f.appts, *replacement)
		return nil
	}
	return store.ErrNotFound
}

func (f *fakeAppointmentStore) ListActiveBetween(_ context.Context, _ uuid.UUID, staffID uuid.UUID, start, end time.Time) ([]models.Appointment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Appointment
	for _, a := range f.appts {
		if a.StaffID != nil && *a.StaffID == staffID && a.Status.Active() && a.Overlaps(start, end) {
			out = append(out, a)
		}
	}
	return out, nil
}

func (f *fakeAppointmentStore) UpdateStatus(_ context.Context, _ uuid.UUID, id uuid.UUID, from []models.AppointmentStatus, to models.AppointmentStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, a := range f.appts {
		if a.ID != id {
			continue
		}
		for _, s := range from {
			if a.Status == s {
				f.appts[i].Status = to
				return nil
			}
		}
		return store.ErrInvalidTransition
	}
	return store.ErrNotFound
}

func (f *fakeAppointmentStore) get(id uuid.UUID) models.Appointment {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, a := range f.appts {
		if a.ID == id {
			return a
		}
	}
	return models.Appointment{}
}

type engineFixture struct {
	engine *Engine
	staff  *fakeStaffStore
	avail  *fakeAvailabilityStore
	appts  *fakeAppointmentStore
	org    *models.Organization
	svc    *models.ServiceType
	ana    models.Staff
}

func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()
	org := &models.Organization{ID: uuid.New(), Name: "Estética Luna", Timezone: "UTC"}
	svc := &models.ServiceType{ID: uuid.New(), OrganizationID: org.ID, Name: "Corte", DurationMinutes: 30, IsActive: true}
	ana := models.Staff{ID: uuid.New(), OrganizationID: org.ID, Name: "Ana", IsActive: true}

	staff := &fakeStaffStore{offering: []models.Staff{ana}}
	avail := &fakeAvailabilityStore{rules: map[uuid.UUID][]models.Availability{
		ana.ID: {recurringRule(ana.ID, time.Monday, 9*60, 13*60)},
	}}
	appts := &fakeAppointmentStore{avail: avail}

	engine := NewEngine(&store.Stores{
		Staff:        staff,
		Availability: avail,
		Appointments: appts,
	}, slog.New(slog.DiscardHandler))
	engine.now = func() time.Time { return monday.Add(-12 * time.Hour) }

	return &engineFixture{engine: engine, staff: staff, avail: avail, appts: appts, org: org, svc: svc, ana: ana}
}

func TestComputeSlotsSingleStaffDay(t *testing.T) {
	fx := newEngineFixture(t)

	slots, err := fx.engine.ComputeSlots(context.Background(), SlotQuery{
		Org: fx.org, Service: fx.svc, From: monday, Days: 1,
	})
	require.NoError(t, err)
	require.Len(t, slots, 8)
	assert.Equal(t, monday.Add(9*time.Hour), slots[0].Start)
	assert.Equal(t, monday.Add(12*time.Hour+30*time.Minute), slots[7].Start)
	for _, s := range slots {
		assert.Equal(t, fx.ana.ID, s.StaffID)
		assert.Equal(t, 30*time.Minute, s.End.Sub(s.Start))
	}
}

func TestComputeSlotsExceptionDayEmpty(t *testing.T) {
	fx := newEngineFixture(t)
	fx.avail.rules[fx.ana.ID] = append(fx.avail.rules[fx.ana.ID],
		exceptionRule(fx.ana.ID, "2026-03-02", false, 0, 0))

	slots, err := fx.engine.ComputeSlots(context.Background(), SlotQuery{
		Org: fx.org, Service: fx.svc, From: monday, Days: 1,
	})
	require.NoError(t, err)
	assert.Empty(t, slots)
}

func TestComputeSlotsAnyStaffDedup(t *testing.T) {
	fx := newEngineFixture(t)
	luis := models.Staff{ID: uuid.New(), OrganizationID: fx.org.ID, Name: "Luis", IsActive: true}
	fx.staff.offering = append(fx.staff.offering, luis)
	fx.avail.rules[luis.ID] = []models.Availability{recurringRule(luis.ID, time.Monday, 9*60, 14*60)}

	slots, err := fx.engine.ComputeSlots(context.Background(), SlotQuery{
		Org: fx.org, Service: fx.svc, From: monday, Days: 1,
	})
	require.NoError(t, err)
	// Shared starts collapse to Ana; Luis keeps the 13:00 and 13:30 tail.
	require.Len(t, slots, 10)
	for _, s := range slots[:8] {
		assert.Equal(t, fx.ana.ID, s.StaffID)
	}
	assert.Equal(t, luis.ID, slots[8].StaffID)
	assert.Equal(t, monday.Add(13*time.Hour), slots[8].Start)
	assert.Equal(t, luis.ID, slots[9].StaffID)
}

func TestComputeSlotsSpecificStaffNotOffering(t *testing.T) {
	fx := newEngineFixture(t)
	other := uuid.New()

	_, err := fx.engine.ComputeSlots(context.Background(), SlotQuery{
		Org: fx.org, Service: fx.svc, StaffID: &other, From: monday, Days: 1,
	})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestComputeSlotsExcludesBookedInterval(t *testing.T) {
	fx := newEngineFixture(t)
	res, err := fx.engine.ValidateAndBook(context.Background(), BookRequest{
		Org: fx.org, Service: fx.svc, Staff: &fx.ana,
		Customer: &models.Customer{ID: uuid.New()},
		Start:    monday.Add(10 * time.Hour),
		Source:   models.SourceWhatsApp,
	})
	require.NoError(t, err)
	require.Equal(t, OutcomeBooked, res.Outcome)

	slots, err := fx.engine.ComputeSlots(context.Background(), SlotQuery{
		Org: fx.org, Service: fx.svc, From: monday, Days: 1,
	})
	require.NoError(t, err)
	require.Len(t, slots, 7)
	for _, s := range slots {
		assert.False(t, s.Start.Equal(monday.Add(10*time.Hour)))
	}
}

func TestValidateAndBookOutsideAvailability(t *testing.T) {
	fx := newEngineFixture(t)

	res, err := fx.engine.ValidateAndBook(context.Background(), BookRequest{
		Org: fx.org, Service: fx.svc, Staff: &fx.ana,
		Customer: &models.Customer{ID: uuid.New()},
		Start:    monday.Add(14 * time.Hour),
		Source:   models.SourceWhatsApp,
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeOutsideAvailability, res.Outcome)
	assert.Nil(t, res.Appointment)
}

func TestValidateAndBookSeesBlockCommittedAfterSlotsOffered(t *testing.T) {
	fx := newEngineFixture(t)

	slots, err := fx.engine.ComputeSlots(context.Background(), SlotQuery{
		Org: fx.org, Service: fx.svc, From: monday, Days: 1,
	})
	require.NoError(t, err)
	require.NotEmpty(t, slots)

	// The day gets blocked between the slot offer and the booking. The
	// availability re-read at insert time must reject the stale slot.
	require.NoError(t, fx.engine.BlockTime(context.Background(), fx.org, fx.ana.ID, monday, time.Time{}, time.Time{}))

	res, err := fx.engine.ValidateAndBook(context.Background(), BookRequest{
		Org: fx.org, Service: fx.svc, Staff: &fx.ana,
		Customer: &models.Customer{ID: uuid.New()},
		Start:    slots[0].Start, Source: models.SourceWhatsApp,
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeOutsideAvailability, res.Outcome)

	fx.appts.mu.Lock()
	assert.Empty(t, fx.appts.appts)
	fx.appts.mu.Unlock()
}

func TestRescheduleIntoJustBlockedWindowKeepsOld(t *testing.T) {
	fx := newEngineFixture(t)
	booked, err := fx.engine.ValidateAndBook(context.Background(), BookRequest{
		Org: fx.org, Service: fx.svc, Staff: &fx.ana,
		Customer: &models.Customer{ID: uuid.New()},
		Start:    monday.Add(10 * time.Hour), Source: models.SourceWhatsApp,
	})
	require.NoError(t, err)
	require.Equal(t, OutcomeBooked, booked.Outcome)

	require.NoError(t, fx.engine.BlockTime(context.Background(), fx.org, fx.ana.ID, monday,
		monday.Add(11*time.Hour), monday.Add(12*time.Hour)))

	res, err := fx.engine.Reschedule(context.Background(), fx.org, fx.svc, booked.Appointment, monday.Add(11*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, OutcomeOutsideAvailability, res.Outcome)

	kept := fx.appts.get(booked.Appointment.ID)
	assert.Equal(t, models.AppointmentConfirmed, kept.Status)
}

func TestValidateAndBookConflict(t *testing.T) {
	fx := newEngineFixture(t)
	start := monday.Add(10 * time.Hour)

	first, err := fx.engine.ValidateAndBook(context.Background(), BookRequest{
		Org: fx.org, Service: fx.svc, Staff: &fx.ana,
		Customer: &models.Customer{ID: uuid.New()},
		Start:    start, Source: models.SourceWhatsApp,
	})
	require.NoError(t, err)
	require.Equal(t, OutcomeBooked, first.Outcome)

	second, err := fx.engine.ValidateAndBook(context.Background(), BookRequest{
		Org: fx.org, Service: fx.svc, Staff: &fx.ana,
		Customer: &models.Customer{ID: uuid.New()},
		Start:    start, Source: models.SourceWhatsApp,
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeConflict, second.Outcome)
}

func TestRescheduleMovesInterval(t *testing.T) {
	fx := newEngineFixture(t)
	booked, err := fx.engine.ValidateAndBook(context.Background(), BookRequest{
		Org: fx.org, Service: fx.svc, Staff: &fx.ana,
		Customer: &models.Customer{ID: uuid.New()},
		Start:    monday.Add(10 * time.Hour), Source: models.SourceWhatsApp,
	})
	require.NoError(t, err)

	res, err := fx.engine.Reschedule(context.Background(), fx.org, fx.svc, booked.Appointment, monday.Add(11*time.Hour))
	require.NoError(t, err)
	require.Equal(t, OutcomeBooked, res.Outcome)

	old := fx.appts.get(booked.Appointment.ID)
	assert.Equal(t, models.AppointmentCancelled, old.Status)

	// The vacated 10:00 slot is bookable again.
	slots, err := fx.engine.ComputeSlots(context.Background(), SlotQuery{
		Org: fx.org, Service: fx.svc, From: monday, Days: 1,
	})
	require.NoError(t, err)
	starts := make(map[time.Time]bool, len(slots))
	for _, s := range slots {
		starts[s.Start] = true
	}
	assert.True(t, starts[monday.Add(10*time.Hour)])
	assert.False(t, starts[monday.Add(11*time.Hour)])
}

func TestRescheduleConflictKeepsOld(t *testing.T) {
	fx := newEngineFixture(t)
	cust := &models.Customer{ID: uuid.New()}
	booked, err := fx.engine.ValidateAndBook(context.Background(), BookRequest{
		Org: fx.org, Service: fx.svc, Staff: &fx.ana, Customer: cust,
		Start: monday.Add(10 * time.Hour), Source: models.SourceWhatsApp,
	})
	require.NoError(t, err)
	other, err := fx.engine.ValidateAndBook(context.Background(), BookRequest{
		Org: fx.org, Service: fx.svc, Staff: &fx.ana,
		Customer: &models.Customer{ID: uuid.New()},
		Start:    monday.Add(11 * time.Hour), Source: models.SourceWhatsApp,
	})
	require.NoError(t, err)
	require.Equal(t, OutcomeBooked, other.Outcome)

	res, err := fx.engine.Reschedule(context.Background(), fx.org, fx.svc, booked.Appointment, monday.Add(11*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, OutcomeConflict, res.Outcome)

	kept := fx.appts.get(booked.Appointment.ID)
	assert.Equal(t, models.AppointmentConfirmed, kept.Status)
}

func TestCancelReleasesSlot(t *testing.T) {
	fx := newEngineFixture(t)
	booked, err := fx.engine.ValidateAndBook(context.Background(), BookRequest{
		Org: fx.org, Service: fx.svc, Staff: &fx.ana,
		Customer: &models.Customer{ID: uuid.New()},
		Start:    monday.Add(10 * time.Hour), Source: models.SourceWhatsApp,
	})
	require.NoError(t, err)

	require.NoError(t, fx.engine.Cancel(context.Background(), fx.org.ID, booked.Appointment.ID))

	// Cancelling twice is an invalid transition, not a silent no-op.
	err = fx.engine.Cancel(context.Background(), fx.org.ID, booked.Appointment.ID)
	assert.ErrorIs(t, err, store.ErrInvalidTransition)

	slots, err := fx.engine.ComputeSlots(context.Background(), SlotQuery{
		Org: fx.org, Service: fx.svc, From: monday, Days: 1,
	})
	require.NoError(t, err)
	assert.Len(t, slots, 8)
}

func TestMarkOutcome(t *testing.T) {
	fx := newEngineFixture(t)
	booked, err := fx.engine.ValidateAndBook(context.Background(), BookRequest{
		Org: fx.org, Service: fx.svc, Staff: &fx.ana,
		Customer: &models.Customer{ID: uuid.New()},
		Start:    monday.Add(10 * time.Hour), Source: models.SourceWhatsApp,
	})
	require.NoError(t, err)

	require.NoError(t, fx.engine.MarkOutcome(context.Background(), fx.org.ID, booked.Appointment.ID, false))
	assert.Equal(t, models.AppointmentNoShow, fx.appts.get(booked.Appointment.ID).Status)
}

func TestBlockTimeWindow(t *testing.T) {
	fx := newEngineFixture(t)

	err := fx.engine.BlockTime(context.Background(), fx.org, fx.ana.ID, monday,
		monday.Add(10*time.Hour), monday.Add(11*time.Hour))
	require.NoError(t, err)

	slots, err := fx.engine.ComputeSlots(context.Background(), SlotQuery{
		Org: fx.org, Service: fx.svc, From: monday, Days: 1,
	})
	require.NoError(t, err)
	require.Len(t, slots, 6)
	for _, s := range slots {
		assert.False(t, s.Start.Equal(monday.Add(10*time.Hour)))
		assert.False(t, s.Start.Equal(monday.Add(10*time.Hour+30*time.Minute)))
	}
}

func TestBlockTimeWholeDay(t *testing.T) {
	fx := newEngineFixture(t)

	err := fx.engine.BlockTime(context.Background(), fx.org, fx.ana.ID, monday, time.Time{}, time.Time{})
	require.NoError(t, err)

	slots, err := fx.engine.ComputeSlots(context.Background(), SlotQuery{
		Org: fx.org, Service: fx.svc, From: monday, Days: 1,
	})
	require.NoError(t, err)
	assert.Empty(t, slots)
}
