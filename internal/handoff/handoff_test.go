package handoff

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parlolabs/parlo/internal/events"
	"github.com/parlolabs/parlo/internal/models"
	"github.com/parlolabs/parlo/internal/store"
	"github.com/parlolabs/parlo/internal/store/memory"
)

type recordedMessage struct {
	to   string // "customer:<id>" or "staff:<id>"
	text string
}

type fakeSender struct {
	mu   sync.Mutex
	sent []recordedMessage
}

func (f *fakeSender) SendToCustomer(_ context.Context, _ *models.Organization, c *models.Customer, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, recordedMessage{to: "customer:" + c.ID.String(), text: text})
	return nil
}

func (f *fakeSender) SendToStaff(_ context.Context, _ *models.Organization, s *models.Staff, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, recordedMessage{to: "staff:" + s.ID.String(), text: text})
	return nil
}

func (f *fakeSender) messages() []recordedMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]recordedMessage(nil), f.sent...)
}

type fakeDeferrer struct {
	mu        sync.Mutex
	armed     map[string]func(context.Context)
	deadlines map[string]time.Time
	cancelled []string
}

func newFakeDeferrer() *fakeDeferrer {
	return &fakeDeferrer{armed: map[string]func(context.Context){}, deadlines: map[string]time.Time{}}
}

func (f *fakeDeferrer) At(key string, when time.Time, fn func(context.Context)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.armed[key] = fn
	f.deadlines[key] = when
}

func (f *fakeDeferrer) Cancel(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, key)
	_, ok := f.armed[key]
	delete(f.armed, key)
	return ok
}

func (f *fakeDeferrer) fire(key string) {
	f.mu.Lock()
	fn := f.armed[key]
	delete(f.armed, key)
	f.mu.Unlock()
	if fn != nil {
		fn(context.Background())
	}
}

type fixture struct {
	mgr      *Manager
	stores   *store.Stores
	sender   *fakeSender
	deferrer *fakeDeferrer
	org      *models.Organization
	owner    *models.Staff
	customer *models.Customer
	conv     *models.Conversation
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	stores, _ := memory.New()
	log := slog.New(slog.DiscardHandler)

	org := &models.Organization{Name: "Estética Luna", WhatsAppPhoneNumberID: "123", Timezone: "UTC", PhoneCountryCode: "+52"}
	require.NoError(t, stores.Orgs.Create(ctx, org))
	owner := &models.Staff{OrganizationID: org.ID, Name: "Lupita", PhoneNumber: "+5215500000001", Role: models.RoleOwner, IsActive: true}
	require.NoError(t, stores.Staff.Create(ctx, owner))
	customer, err := stores.Customers.GetOrCreate(ctx, org.ID, "+5215511111111", "María")
	require.NoError(t, err)
	conv, err := stores.Conversations.GetOrCreateForCustomer(ctx, org.ID, customer.ID)
	require.NoError(t, err)

	sender := &fakeSender{}
	deferrer := newFakeDeferrer()
	mgr := NewManager(stores, deferrer, sender, events.NewLogNotifier(log), 30*time.Minute, log)
	return &fixture{mgr: mgr, stores: stores, sender: sender, deferrer: deferrer, org: org, owner: owner, customer: customer, conv: conv}
}

func TestActivateNotifiesStaffAndArmsTimeout(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	session, err := fx.mgr.Activate(ctx, fx.org, fx.conv, fx.customer)
	require.NoError(t, err)
	assert.Equal(t, store.HandoffActive, session.Phase)
	assert.Equal(t, session.ActivatedAt.Add(30*time.Minute), session.Deadline)

	msgs := fx.sender.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "staff:"+fx.owner.ID.String(), msgs[0].to)
	assert.Contains(t, msgs[0].text, "María")

	fx.deferrer.mu.Lock()
	_, armed := fx.deferrer.armed[timerKey(session)]
	fx.deferrer.mu.Unlock()
	assert.True(t, armed)
}

func TestActivateRejectsDoubleActivation(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	_, err := fx.mgr.Activate(ctx, fx.org, fx.conv, fx.customer)
	require.NoError(t, err)

	_, err = fx.mgr.Activate(ctx, fx.org, fx.conv, fx.customer)
	assert.ErrorIs(t, err, store.ErrHandoffActive)
}

// addStaff registers an extra active employee in the fixture org.
func (fx *fixture) addStaff(t *testing.T, name, phone string) *models.Staff {
	t.Helper()
	st := &models.Staff{OrganizationID: fx.org.ID, Name: name, PhoneNumber: phone, Role: models.RoleEmployee, IsActive: true}
	require.NoError(t, fx.stores.Staff.Create(context.Background(), st))
	return st
}

// addCustomer registers a second customer with their own conversation.
func (fx *fixture) addCustomer(t *testing.T, phone, name string) (*models.Customer, *models.Conversation) {
	t.Helper()
	ctx := context.Background()
	customer, err := fx.stores.Customers.GetOrCreate(ctx, fx.org.ID, phone, name)
	require.NoError(t, err)
	conv, err := fx.stores.Conversations.GetOrCreateForCustomer(ctx, fx.org.ID, customer.ID)
	require.NoError(t, err)
	return customer, conv
}

func TestActivateSecondCustomerBindsFreeStaff(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	ana := fx.addStaff(t, "Ana", "+5215500000002")
	pedro, pedroConv := fx.addCustomer(t, "+5215533333333", "Pedro")

	first, err := fx.mgr.Activate(ctx, fx.org, fx.conv, fx.customer)
	require.NoError(t, err)
	assert.Equal(t, fx.owner.ID, first.StaffID)

	// The owner is mid-relay, so the second handoff goes to Ana.
	second, err := fx.mgr.Activate(ctx, fx.org, pedroConv, pedro)
	require.NoError(t, err)
	assert.Equal(t, ana.ID, second.StaffID)

	// Each staff reply reaches the customer of that staff member's relay.
	_, err = fx.mgr.HandleStaffMessage(ctx, fx.org, first, fx.owner, "María, te espero a las 4")
	require.NoError(t, err)
	_, err = fx.mgr.HandleStaffMessage(ctx, fx.org, second, ana, "Pedro, mañana a las 10")
	require.NoError(t, err)

	msgs := fx.sender.messages()
	require.Len(t, msgs, 4)
	assert.Equal(t, "customer:"+fx.customer.ID.String(), msgs[2].to)
	assert.Equal(t, "María, te espero a las 4", msgs[2].text)
	assert.Equal(t, "customer:"+pedro.ID.String(), msgs[3].to)
	assert.Equal(t, "Pedro, mañana a las 10", msgs[3].text)
}

func TestActivateAllStaffBusy(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	pedro, pedroConv := fx.addCustomer(t, "+5215533333333", "Pedro")

	_, err := fx.mgr.Activate(ctx, fx.org, fx.conv, fx.customer)
	require.NoError(t, err)

	_, err = fx.mgr.Activate(ctx, fx.org, pedroConv, pedro)
	assert.ErrorIs(t, err, store.ErrStaffBusy)

	_, err = fx.stores.Handoffs.GetActive(ctx, pedroConv.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)

	// Ending the first relay frees the owner for the waiting customer.
	_, err = fx.mgr.HandleStaffMessage(ctx, fx.org, mustActive(t, fx), fx.owner, "listo")
	require.NoError(t, err)
	second, err := fx.mgr.Activate(ctx, fx.org, pedroConv, pedro)
	require.NoError(t, err)
	assert.Equal(t, fx.owner.ID, second.StaffID)
}

func mustActive(t *testing.T, fx *fixture) *store.HandoffSession {
	t.Helper()
	s, err := fx.stores.Handoffs.GetActive(context.Background(), fx.conv.ID)
	require.NoError(t, err)
	return s
}

func TestRelayBothDirections(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	session, err := fx.mgr.Activate(ctx, fx.org, fx.conv, fx.customer)
	require.NoError(t, err)

	require.NoError(t, fx.mgr.RelayFromCustomer(ctx, fx.org, session, fx.customer, "¿tienen lugar hoy?"))
	ended, err := fx.mgr.HandleStaffMessage(ctx, fx.org, session, fx.owner, "Sí, ven a las 4")
	require.NoError(t, err)
	assert.False(t, ended)

	msgs := fx.sender.messages()
	require.Len(t, msgs, 3)
	assert.Contains(t, msgs[1].text, "💬 María: ¿tienen lugar hoy?")
	assert.Equal(t, "customer:"+fx.customer.ID.String(), msgs[2].to)
	assert.Equal(t, "Sí, ven a las 4", msgs[2].text)
}

func TestStaffEndIntentClosesSession(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	session, err := fx.mgr.Activate(ctx, fx.org, fx.conv, fx.customer)
	require.NoError(t, err)

	ended, err := fx.mgr.HandleStaffMessage(ctx, fx.org, session, fx.owner, "Listo")
	require.NoError(t, err)
	assert.True(t, ended)

	_, err = fx.stores.Handoffs.GetActive(ctx, fx.conv.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Contains(t, fx.deferrer.cancelled, timerKey(session))

	// Both sides hear the close.
	msgs := fx.sender.messages()
	assert.Contains(t, msgs[len(msgs)-1].text, "terminó la conversación")
}

func TestAmbiguousEndKeepsRelaying(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	session, err := fx.mgr.Activate(ctx, fx.org, fx.conv, fx.customer)
	require.NoError(t, err)

	ended, err := fx.mgr.HandleStaffMessage(ctx, fx.org, session, fx.owner, "listo tu pedido mañana, te aviso")
	require.NoError(t, err)
	assert.False(t, ended)

	active, err := fx.stores.Handoffs.GetActive(ctx, fx.conv.ID)
	require.NoError(t, err)
	assert.Equal(t, session.ID, active.ID)
}

func TestTimeoutExpiresAndNotifiesBothSides(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	session, err := fx.mgr.Activate(ctx, fx.org, fx.conv, fx.customer)
	require.NoError(t, err)

	fx.deferrer.fire(timerKey(session))

	_, err = fx.stores.Handoffs.GetActive(ctx, fx.conv.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)

	msgs := fx.sender.messages()
	var customerNotified, staffNotified bool
	for _, m := range msgs {
		if m.to == "customer:"+fx.customer.ID.String() {
			customerNotified = true
		}
		if m.to == "staff:"+fx.owner.ID.String() && m.text == "⏱️ La conversación volvió a la asistente." {
			staffNotified = true
		}
	}
	assert.True(t, customerNotified)
	assert.True(t, staffNotified)

	// The explicit path after timeout is a no-op.
	ended, err := fx.mgr.HandleStaffMessage(ctx, fx.org, session, fx.owner, "listo")
	require.NoError(t, err)
	assert.True(t, ended)
	assert.Len(t, fx.sender.messages(), len(msgs))
}

func TestIsEndIntent(t *testing.T) {
	assert.True(t, IsEndIntent("Listo"))
	assert.True(t, IsEndIntent("  ya quedó.  "))
	assert.True(t, IsEndIntent("FIN"))
	assert.False(t, IsEndIntent("listo el corte de mañana"))
	assert.False(t, IsEndIntent("¿listo para qué?"))
	assert.False(t, IsEndIntent(""))
}
