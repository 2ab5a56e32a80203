package identity

import (
	"context"
	"log/slog"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parlolabs/parlo/internal/models"
	"github.com/parlolabs/parlo/internal/store"
)

type fakeStaffStore struct {
	store.StaffStore
	byPhone map[string]*models.Staff
}

func (f *fakeStaffStore) GetByPhone(_ context.Context, _ uuid.UUID, phone string) (*models.Staff, error) {
	if st, ok := f.byPhone[phone]; ok {
		return st, nil
	}
	return nil, store.ErrNotFound
}

type fakeCustomerStore struct {
	store.CustomerStore
	byPhone map[string]*models.Customer
}

func (f *fakeCustomerStore) GetOrCreate(_ context.Context, orgID uuid.UUID, phone, name string) (*models.Customer, error) {
	if c, ok := f.byPhone[phone]; ok {
		return c, nil
	}
	c := &models.Customer{ID: uuid.New(), OrganizationID: orgID, PhoneNumber: phone, Name: name}
	f.byPhone[phone] = c
	return c, nil
}

type fakeConversationStore struct {
	store.ConversationStore
}

func (f *fakeConversationStore) GetOrCreateForStaff(_ context.Context, orgID, staffID uuid.UUID) (*models.Conversation, error) {
	return &models.Conversation{ID: uuid.New(), OrganizationID: orgID, Counterpart: models.CounterpartStaff, StaffID: &staffID}, nil
}

func (f *fakeConversationStore) GetOrCreateForCustomer(_ context.Context, orgID, customerID uuid.UUID) (*models.Conversation, error) {
	return &models.Conversation{ID: uuid.New(), OrganizationID: orgID, Counterpart: models.CounterpartCustomer, CustomerID: &customerID}, nil
}

func newResolverFixture() (*Resolver, *fakeStaffStore, *fakeCustomerStore, *models.Organization) {
	org := &models.Organization{ID: uuid.New(), PhoneCountryCode: "+52", Timezone: "UTC"}
	staff := &fakeStaffStore{byPhone: map[string]*models.Staff{}}
	customers := &fakeCustomerStore{byPhone: map[string]*models.Customer{}}
	r := NewResolver(&store.Stores{
		Staff:         staff,
		Customers:     customers,
		Conversations: &fakeConversationStore{},
	}, slog.New(slog.DiscardHandler))
	return r, staff, customers, org
}

func TestResolveActiveStaff(t *testing.T) {
	r, staff, _, org := newResolverFixture()
	ana := &models.Staff{ID: uuid.New(), OrganizationID: org.ID, Name: "Ana", PhoneNumber: "+5215533997393", IsActive: true}
	staff.byPhone[ana.PhoneNumber] = ana

	id, err := r.Resolve(context.Background(), org, "52 1 55 3399-7393", "Ana")
	require.NoError(t, err)
	assert.Equal(t, KindStaff, id.Kind)
	assert.Equal(t, ana.ID, id.Staff.ID)
	assert.Nil(t, id.Customer)
	assert.Equal(t, models.CounterpartStaff, id.Conversation.Counterpart)
	assert.Equal(t, "+5215533997393", id.Phone)
}

func TestResolveInactiveStaffBecomesCustomer(t *testing.T) {
	r, staff, _, org := newResolverFixture()
	exStaff := &models.Staff{ID: uuid.New(), OrganizationID: org.ID, PhoneNumber: "+5215533997393", IsActive: false}
	staff.byPhone[exStaff.PhoneNumber] = exStaff

	id, err := r.Resolve(context.Background(), org, "+5215533997393", "Luis")
	require.NoError(t, err)
	assert.Equal(t, KindCustomer, id.Kind)
	assert.Nil(t, id.Staff)
	require.NotNil(t, id.Customer)
	assert.Equal(t, "+5215533997393", id.Customer.PhoneNumber)
}

func TestResolveUnknownNumberCreatesCustomer(t *testing.T) {
	r, _, customers, org := newResolverFixture()

	id, err := r.Resolve(context.Background(), org, "5512345678", "María")
	require.NoError(t, err)
	assert.Equal(t, KindCustomer, id.Kind)
	assert.Equal(t, "María", id.Customer.Name)
	assert.Contains(t, customers.byPhone, "+525512345678")

	// Second contact resolves to the same customer row.
	again, err := r.Resolve(context.Background(), org, "+525512345678", "")
	require.NoError(t, err)
	assert.Equal(t, id.Customer.ID, again.Customer.ID)
}

func TestResolveEmptyPhone(t *testing.T) {
	r, _, _, org := newResolverFixture()
	_, err := r.Resolve(context.Background(), org, "   ", "")
	assert.Error(t, err)
}
