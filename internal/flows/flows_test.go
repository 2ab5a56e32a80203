package flows

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parlolabs/parlo/internal/models"
	"github.com/parlolabs/parlo/internal/scheduling"
	"github.com/parlolabs/parlo/internal/store"
	"github.com/parlolabs/parlo/internal/store/memory"
)

// 2026-03-02 is a Monday.
var monday = time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)

type fixture struct {
	mgr      *Manager
	engine   *scheduling.Engine
	stores   *store.Stores
	org      *models.Organization
	svc      *models.ServiceType
	owner    *models.Staff
	ana      *models.Staff
	customer *models.Customer
	conv     *models.Conversation
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	stores, _ := memory.New()
	log := slog.New(slog.DiscardHandler)
	clock := func() time.Time { return monday.Add(-12 * time.Hour) }

	org := &models.Organization{Name: "Estética Luna", PhoneCountryCode: "+52", WhatsAppPhoneNumberID: "123", Timezone: "UTC", Status: models.OrgActive}
	require.NoError(t, stores.Orgs.Create(ctx, org))

	svc := &models.ServiceType{OrganizationID: org.ID, Name: "Corte", DurationMinutes: 30, PriceCents: 25000, Currency: "MXN", IsActive: true}
	require.NoError(t, stores.Services.Create(ctx, svc))

	owner := &models.Staff{OrganizationID: org.ID, Name: "Lupita", PhoneNumber: "+5215500000001", Role: models.RoleOwner, IsActive: true,
		ServiceIDs: []uuid.UUID{svc.ID}, CreatedAt: monday.Add(-48 * time.Hour)}
	require.NoError(t, stores.Staff.Create(ctx, owner))
	ana := &models.Staff{OrganizationID: org.ID, Name: "Ana", PhoneNumber: "+5215500000002", Role: models.RoleEmployee, IsActive: true,
		ServiceIDs: []uuid.UUID{svc.ID}, CreatedAt: monday.Add(-24 * time.Hour)}
	require.NoError(t, stores.Staff.Create(ctx, ana))

	for _, st := range []*models.Staff{owner, ana} {
		require.NoError(t, stores.Availability.Create(ctx, &models.Availability{
			OrganizationID: org.ID, StaffID: st.ID, Kind: models.AvailabilityRecurring,
			Weekday: time.Monday, StartMinute: 9 * 60, EndMinute: 13 * 60,
		}))
	}

	customer, err := stores.Customers.GetOrCreate(ctx, org.ID, "+5215511111111", "María")
	require.NoError(t, err)
	conv, err := stores.Conversations.GetOrCreateForCustomer(ctx, org.ID, customer.ID)
	require.NoError(t, err)

	engine := scheduling.NewEngine(stores, log).WithClock(clock)
	mgr := NewManager(stores, engine, log)
	mgr.now = clock
	return &fixture{mgr: mgr, engine: engine, stores: stores, org: org, svc: svc, owner: owner, ana: ana, customer: customer, conv: conv}
}

func (f *fixture) presentSlots(t *testing.T) []scheduling.Slot {
	t.Helper()
	slots, err := f.engine.ComputeSlots(context.Background(), scheduling.SlotQuery{Org: f.org, Service: f.svc, From: monday, Days: 1})
	require.NoError(t, err)
	require.NotEmpty(t, slots)
	require.NoError(t, f.mgr.SlotsPresented(context.Background(), f.conv, f.svc, nil, slots))
	return slots
}

func (f *fixture) book(t *testing.T, staff *models.Staff, customer *models.Customer, start time.Time) *models.Appointment {
	t.Helper()
	res, err := f.engine.ValidateAndBook(context.Background(), scheduling.BookRequest{
		Org: f.org, Service: f.svc, Staff: staff, Customer: customer,
		Start: start, Source: models.SourceWhatsApp,
	})
	require.NoError(t, err)
	require.Equal(t, scheduling.OutcomeBooked, res.Outcome)
	return res.Appointment
}

func TestBookingFlowHappyPath(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	slots := fx.presentSlots(t)

	res, err := fx.mgr.Handle(ctx, fx.org, fx.conv, fx.customer, "2")
	require.NoError(t, err)
	assert.True(t, res.Handled)
	assert.Contains(t, res.Reply, "Te agendo Corte")
	assert.Contains(t, res.Reply, "¿Te lo confirmo?")

	res, err = fx.mgr.Handle(ctx, fx.org, fx.conv, fx.customer, "sí")
	require.NoError(t, err)
	assert.True(t, res.Done)
	assert.Contains(t, res.Reply, "¡Listo!")

	appts, err := fx.stores.Appointments.ListUpcomingForCustomer(ctx, fx.org.ID, fx.customer.ID, monday.Add(-12*time.Hour))
	require.NoError(t, err)
	require.Len(t, appts, 1)
	assert.True(t, appts[0].ScheduledStart.Equal(slots[1].Start))

	_, err = fx.stores.Flows.Get(ctx, fx.conv.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestBookingFlowDeclinesUnrelatedMessage(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	fx.presentSlots(t)

	res, err := fx.mgr.Handle(ctx, fx.org, fx.conv, fx.customer, "¿cuánto cuesta el corte?")
	require.NoError(t, err)
	assert.False(t, res.Handled)

	// The session survives the detour.
	session, err := fx.mgr.Active(ctx, fx.conv.ID)
	require.NoError(t, err)
	require.NotNil(t, session)
	assert.Equal(t, StateAwaitingTime, session.State)
}

func TestBookingFlowRejectsUnofferedTime(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	fx.presentSlots(t)

	// 16:00 was never presented; the flow must not book it.
	res, err := fx.mgr.Handle(ctx, fx.org, fx.conv, fx.customer, "16:00")
	require.NoError(t, err)
	assert.False(t, res.Handled)
}

func TestBookingFlowConflictRefreshesSlots(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	fx.presentSlots(t)

	res, err := fx.mgr.Handle(ctx, fx.org, fx.conv, fx.customer, "1")
	require.NoError(t, err)
	require.True(t, res.Handled)

	// Another customer takes the 9:00 with Lupita before the confirmation.
	other, err := fx.stores.Customers.GetOrCreate(ctx, fx.org.ID, "+5215522222222", "Pablo")
	require.NoError(t, err)
	fx.book(t, fx.owner, other, monday.Add(9*time.Hour))

	res, err = fx.mgr.Handle(ctx, fx.org, fx.conv, fx.customer, "sí")
	require.NoError(t, err)
	assert.True(t, res.Handled)
	assert.False(t, res.Done)
	assert.Contains(t, res.Reply, "se acaba de ocupar")

	session, err := fx.mgr.Active(ctx, fx.conv.ID)
	require.NoError(t, err)
	require.NotNil(t, session)
	assert.Equal(t, StateAwaitingTime, session.State)

	// 9:00 is still offered, now with Ana, and the retry goes through.
	res, err = fx.mgr.Handle(ctx, fx.org, fx.conv, fx.customer, "9:00")
	require.NoError(t, err)
	require.True(t, res.Handled)
	assert.Contains(t, res.Reply, "con Ana")

	res, err = fx.mgr.Handle(ctx, fx.org, fx.conv, fx.customer, "sí")
	require.NoError(t, err)
	assert.True(t, res.Done)

	appts, err := fx.stores.Appointments.ListUpcomingForCustomer(ctx, fx.org.ID, fx.customer.ID, monday.Add(-12*time.Hour))
	require.NoError(t, err)
	require.Len(t, appts, 1)
	require.NotNil(t, appts[0].StaffID)
	assert.Equal(t, fx.ana.ID, *appts[0].StaffID)
}

func TestServiceSelectionAdvancesOnlyOnKnownService(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	prompt, err := fx.mgr.BeginBooking(ctx, fx.conv)
	require.NoError(t, err)
	assert.Contains(t, prompt, "Corte")

	res, err := fx.mgr.Handle(ctx, fx.org, fx.conv, fx.customer, "un facial porfa")
	require.NoError(t, err)
	assert.True(t, res.Handled)
	assert.Contains(t, res.Reply, "No encontré ese servicio")

	session, err := fx.mgr.Active(ctx, fx.conv.ID)
	require.NoError(t, err)
	require.NotNil(t, session)
	assert.Equal(t, StateAwaitingService, session.State)

	res, err = fx.mgr.Handle(ctx, fx.org, fx.conv, fx.customer, "quiero un corte porfa")
	require.NoError(t, err)
	assert.True(t, res.Handled)
	assert.Contains(t, res.Reply, "¿Cuál te acomoda?")

	session, err = fx.mgr.Active(ctx, fx.conv.ID)
	require.NoError(t, err)
	require.NotNil(t, session)
	assert.Equal(t, StateAwaitingTime, session.State)
}

func TestCancelChoiceFlow(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	fx.book(t, fx.owner, fx.customer, monday.Add(9*time.Hour))
	second := fx.book(t, fx.owner, fx.customer, monday.Add(10*time.Hour))

	appts, err := fx.stores.Appointments.ListUpcomingForCustomer(ctx, fx.org.ID, fx.customer.ID, monday.Add(-12*time.Hour))
	require.NoError(t, err)
	require.Len(t, appts, 2)

	list, err := fx.mgr.StartCancelChoice(ctx, fx.conv, appts)
	require.NoError(t, err)
	assert.Contains(t, list, "1) Corte")
	assert.Contains(t, list, "2) Corte")

	res, err := fx.mgr.Handle(ctx, fx.org, fx.conv, fx.customer, "2")
	require.NoError(t, err)
	assert.True(t, res.Done)
	assert.Contains(t, res.Reply, "cancelé tu cita")

	got, err := fx.stores.Appointments.GetByID(ctx, fx.org.ID, second.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AppointmentCancelled, got.Status)

	_, err = fx.stores.Flows.Get(ctx, fx.conv.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestRescheduleChoiceFlow(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	old := fx.book(t, fx.ana, fx.customer, monday.Add(9*time.Hour))

	_, err := fx.mgr.StartRescheduleChoice(ctx, fx.conv, []models.Appointment{*old})
	require.NoError(t, err)

	res, err := fx.mgr.Handle(ctx, fx.org, fx.conv, fx.customer, "1")
	require.NoError(t, err)
	require.True(t, res.Handled)
	assert.Contains(t, res.Reply, "Estos horarios hay para Corte")
	// Only Ana's slots are offered: the appointment stays with her.
	assert.Contains(t, res.Reply, "con Ana")
	assert.NotContains(t, res.Reply, "con Lupita")

	res, err = fx.mgr.Handle(ctx, fx.org, fx.conv, fx.customer, "10:00")
	require.NoError(t, err)
	require.True(t, res.Handled)
	assert.Contains(t, res.Reply, "Muevo tu cita")

	res, err = fx.mgr.Handle(ctx, fx.org, fx.conv, fx.customer, "sí")
	require.NoError(t, err)
	assert.True(t, res.Done)
	assert.Contains(t, res.Reply, "Moví tu cita")

	got, err := fx.stores.Appointments.GetByID(ctx, fx.org.ID, old.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AppointmentCancelled, got.Status)

	appts, err := fx.stores.Appointments.ListUpcomingForCustomer(ctx, fx.org.ID, fx.customer.ID, monday.Add(-12*time.Hour))
	require.NoError(t, err)
	require.Len(t, appts, 1)
	assert.True(t, appts[0].ScheduledStart.Equal(monday.Add(10*time.Hour)))
}

func TestAbandonedSessionClearedOnAccess(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	fx.presentSlots(t)

	fx.mgr.now = func() time.Time { return time.Now().UTC().Add(MaxIdle + time.Hour) }
	session, err := fx.mgr.Active(ctx, fx.conv.ID)
	require.NoError(t, err)
	assert.Nil(t, session)

	_, err = fx.stores.Flows.Get(ctx, fx.conv.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestNoAbortsFlow(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	fx.presentSlots(t)

	res, err := fx.mgr.Handle(ctx, fx.org, fx.conv, fx.customer, "mejor no")
	require.NoError(t, err)
	assert.True(t, res.Done)
	assert.Contains(t, res.Reply, "lo dejamos así")

	_, err = fx.stores.Flows.Get(ctx, fx.conv.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestPickSlot(t *testing.T) {
	loc := time.UTC
	slots := []presentedSlot{
		{StaffName: "Lupita", Start: monday.Add(9 * time.Hour)},
		{StaffName: "Lupita", Start: monday.Add(9*time.Hour + 30*time.Minute)},
	}
	assert.Equal(t, 0, pickSlot("1", slots, loc))
	assert.Equal(t, 1, pickSlot("la 2", slots, loc))
	assert.Equal(t, 1, pickSlot("a las 9:30 porfa", slots, loc))
	assert.Equal(t, -1, pickSlot("3", slots, loc))
	assert.Equal(t, -1, pickSlot("10:00", slots, loc))
	assert.Equal(t, -1, pickSlot("mañana", slots, loc))
}

func TestYesNoDetection(t *testing.T) {
	assert.True(t, isYes("Sí"))
	assert.True(t, isYes("  va  "))
	assert.True(t, isYes("confirmo!"))
	assert.False(t, isYes("sí pero más tarde"))
	assert.True(t, isNo("No"))
	assert.True(t, isNo("mejor no"))
	assert.False(t, isNo("no sé"))
}
