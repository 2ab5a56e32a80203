// Package memory is an in-memory implementation of the store interfaces with
// the same error semantics as the Postgres implementation. It backs package
// tests and the doctor command's dry-run mode.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/parlolabs/parlo/internal/models"
	"github.com/parlolabs/parlo/internal/store"
)

// DB holds every table under one mutex. Contention is irrelevant at test
// scale and a single lock keeps multi-table operations atomic.
type DB struct {
	mu sync.Mutex

	orgs         map[uuid.UUID]models.Organization
	staff        map[uuid.UUID]models.Staff
	customers    map[uuid.UUID]models.Customer
	services     map[uuid.UUID]models.ServiceType
	availability map[uuid.UUID]models.Availability
	appointments map[uuid.UUID]models.Appointment
	convs        map[uuid.UUID]models.Conversation
	messages     []models.Message
	processed    map[string]time.Time
	flows        map[uuid.UUID]store.FlowSession
	handoffs     map[uuid.UUID]store.HandoffSession
}

// New returns a store.Stores backed by one in-memory DB.
func New() (*store.Stores, *DB) {
	db := &DB{
		orgs:         map[uuid.UUID]models.Organization{},
		staff:        map[uuid.UUID]models.Staff{},
		customers:    map[uuid.UUID]models.Customer{},
		services:     map[uuid.UUID]models.ServiceType{},
		availability: map[uuid.UUID]models.Availability{},
		appointments: map[uuid.UUID]models.Appointment{},
		convs:        map[uuid.UUID]models.Conversation{},
		processed:    map[string]time.Time{},
		flows:        map[uuid.UUID]store.FlowSession{},
		handoffs:     map[uuid.UUID]store.HandoffSession{},
	}
	return &store.Stores{
		Orgs:          (*orgStore)(db),
		Staff:         (*staffStore)(db),
		Customers:     (*customerStore)(db),
		Services:      (*serviceStore)(db),
		Availability:  (*availabilityStore)(db),
		Appointments:  (*appointmentStore)(db),
		Conversations: (*conversationStore)(db),
		Messages:      (*messageStore)(db),
		Dedup:         (*dedupStore)(db),
		Flows:         (*flowStore)(db),
		Handoffs:      (*handoffStore)(db),
	}, db
}

func ensureID(id *uuid.UUID) {
	if *id == uuid.Nil {
		*id = uuid.New()
	}
}

// --- organizations ---

type orgStore DB

func (s *orgStore) GetByID(_ context.Context, id uuid.UUID) (*models.Organization, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if o, ok := s.orgs[id]; ok {
		return &o, nil
	}
	return nil, store.ErrNotFound
}

func (s *orgStore) GetByChannelID(_ context.Context, phoneNumberID string) (*models.Organization, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, o := range s.orgs {
		if o.WhatsAppPhoneNumberID == phoneNumberID {
			return &o, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *orgStore) Create(_ context.Context, org *models.Organization) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ensureID(&org.ID)
	for _, o := range s.orgs {
		if o.WhatsAppPhoneNumberID == org.WhatsAppPhoneNumberID {
			return store.ErrDuplicate
		}
	}
	s.orgs[org.ID] = *org
	return nil
}

// --- staff ---

type staffStore DB

func (s *staffStore) GetByID(_ context.Context, orgID, id uuid.UUID) (*models.Staff, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.staff[id]; ok && st.OrganizationID == orgID {
		return &st, nil
	}
	return nil, store.ErrNotFound
}

func (s *staffStore) GetByPhone(_ context.Context, orgID uuid.UUID, phone string) (*models.Staff, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, st := range s.staff {
		if st.OrganizationID == orgID && st.PhoneNumber == phone {
			return &st, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *staffStore) ListOfferingService(_ context.Context, orgID, serviceID uuid.UUID) ([]models.Staff, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Staff
	for _, st := range s.staff {
		if st.OrganizationID != orgID || !st.IsActive {
			continue
		}
		for _, svcID := range st.ServiceIDs {
			if svcID == serviceID {
				out = append(out, st)
				break
			}
		}
	}
	sortStaff(out)
	return out, nil
}

func (s *staffStore) ListActive(_ context.Context, orgID uuid.UUID) ([]models.Staff, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Staff
	for _, st := range s.staff {
		if st.OrganizationID == orgID && st.IsActive {
			out = append(out, st)
		}
	}
	sortStaff(out)
	return out, nil
}

func (s *staffStore) Create(_ context.Context, st *models.Staff) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ensureID(&st.ID)
	for _, existing := range s.staff {
		if existing.OrganizationID == st.OrganizationID && existing.PhoneNumber == st.PhoneNumber {
			return store.ErrDuplicate
		}
	}
	if st.CreatedAt.IsZero() {
		st.CreatedAt = time.Now().UTC()
	}
	s.staff[st.ID] = *st
	return nil
}

func (s *staffStore) SetActive(_ context.Context, orgID, id uuid.UUID, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.staff[id]
	if !ok || st.OrganizationID != orgID {
		return store.ErrNotFound
	}
	st.IsActive = active
	s.staff[id] = st
	return nil
}

func sortStaff(out []models.Staff) {
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
}

// --- customers ---

type customerStore DB

func (s *customerStore) GetByID(_ context.Context, orgID, id uuid.UUID) (*models.Customer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.customers[id]; ok && c.OrganizationID == orgID {
		return &c, nil
	}
	return nil, store.ErrNotFound
}

func (s *customerStore) GetOrCreate(_ context.Context, orgID uuid.UUID, phone, name string) (*models.Customer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.customers {
		if c.OrganizationID == orgID && c.PhoneNumber == phone {
			if c.Name == "" && name != "" {
				c.Name = name
				s.customers[c.ID] = c
			}
			return &c, nil
		}
	}
	c := models.Customer{ID: uuid.New(), OrganizationID: orgID, PhoneNumber: phone, Name: name, CreatedAt: time.Now().UTC()}
	s.customers[c.ID] = c
	return &c, nil
}

func (s *customerStore) SetName(_ context.Context, orgID, id uuid.UUID, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.customers[id]
	if !ok || c.OrganizationID != orgID {
		return store.ErrNotFound
	}
	c.Name = name
	s.customers[id] = c
	return nil
}

// --- services ---

type serviceStore DB

func (s *serviceStore) GetByID(_ context.Context, orgID, id uuid.UUID) (*models.ServiceType, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if svc, ok := s.services[id]; ok && svc.OrganizationID == orgID {
		return &svc, nil
	}
	return nil, store.ErrNotFound
}

func (s *serviceStore) ListActive(_ context.Context, orgID uuid.UUID) ([]models.ServiceType, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.ServiceType
	for _, svc := range s.services {
		if svc.OrganizationID == orgID && svc.IsActive {
			out = append(out, svc)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *serviceStore) FindActiveByName(_ context.Context, orgID uuid.UUID, name string) (*models.ServiceType, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, svc := range s.services {
		if svc.OrganizationID == orgID && svc.IsActive && strings.EqualFold(svc.Name, name) {
			return &svc, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *serviceStore) Create(_ context.Context, svc *models.ServiceType) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ensureID(&svc.ID)
	for _, existing := range s.services {
		if existing.OrganizationID == svc.OrganizationID && strings.EqualFold(existing.Name, svc.Name) {
			return store.ErrDuplicate
		}
	}
	s.services[svc.ID] = *svc
	return nil
}

// --- availability ---

type availabilityStore DB

func (s *availabilityStore) ListForStaff(_ context.Context, orgID, staffID uuid.UUID) ([]models.Availability, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Availability
	for _, av := range s.availability {
		if av.OrganizationID == orgID && av.StaffID == staffID {
			out = append(out, av)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *availabilityStore) Create(_ context.Context, av *models.Availability) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ensureID(&av.ID)
	if av.CreatedAt.IsZero() {
		av.CreatedAt = time.Now().UTC()
	}
	s.availability[av.ID] = *av
	return nil
}

func (s *availabilityStore) DeleteForDate(_ context.Context, orgID, staffID uuid.UUID, date string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, av := range s.availability {
		if av.OrganizationID == orgID && av.StaffID == staffID &&
			av.Kind == models.AvailabilityException && av.ExceptionDate == date {
			delete(s.availability, id)
		}
	}
	return nil
}

// --- appointments ---

type appointmentStore DB

func (s *appointmentStore) GetByID(_ context.Context, orgID, id uuid.UUID) (*models.Appointment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.appointments[id]; ok && a.OrganizationID == orgID {
		return &a, nil
	}
	return nil, store.ErrNotFound
}

func (s *appointmentStore) overlapsLocked(orgID uuid.UUID, staffID *uuid.UUID, start, end time.Time, skip uuid.UUID) bool {
	if staffID == nil {
		return false
	}
	for _, a := range s.appointments {
		if a.ID == skip || a.OrganizationID != orgID || a.StaffID == nil || *a.StaffID != *staffID || !a.Status.Active() {
			continue
		}
		if a.Overlaps(start, end) {
			return true
		}
	}
	return false
}

// fitsLocked runs the availability check against the rules as they exist
// under the store lock, mirroring the in-transaction re-read in pg.
func (s *appointmentStore) fitsLocked(appt *models.Appointment, fits store.AvailabilityCheck) bool {
	if fits == nil || appt.StaffID == nil {
		return true
	}
	var rules []models.Availability
	for _, av := range s.availability {
		if av.OrganizationID == appt.OrganizationID && av.StaffID == *appt.StaffID {
			rules = append(rules, av)
		}
	}
	sort.Slice(rules, func(i, j int) bool { return rules[i].CreatedAt.Before(rules[j].CreatedAt) })
	return fits(rules)
}

func (s *appointmentStore) Book(_ context.Context, appt *models.Appointment, fits store.AvailabilityCheck) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.fitsLocked(appt, fits) {
		return store.ErrOutsideAvailability
	}
	if s.overlapsLocked(appt.OrganizationID, appt.StaffID, appt.ScheduledStart, appt.ScheduledEnd, uuid.Nil) {
		return store.ErrOverlap
	}
	ensureID(&appt.ID)
	if appt.CreatedAt.IsZero() {
		appt.CreatedAt = time.Now().UTC()
	}
	s.appointments[appt.ID] = *appt
	return nil
}

func (s *appointmentStore) Reschedule(_ context.Context, orgID, oldID uuid.UUID, replacement *models.Appointment, fits store.AvailabilityCheck) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	old, ok := s.appointments[oldID]
	if !ok || old.OrganizationID != orgID {
		return store.ErrNotFound
	}
	if !old.Status.Active() {
		return store.ErrInvalidTransition
	}
	if !s.fitsLocked(replacement, fits) {
		return store.ErrOutsideAvailability
	}
	if s.overlapsLocked(orgID, replacement.StaffID, replacement.ScheduledStart, replacement.ScheduledEnd, oldID) {
		return store.ErrOverlap
	}
	old.Status = models.AppointmentCancelled
	s.appointments[oldID] = old
	ensureID(&replacement.ID)
	s.appointments[replacement.ID] = *replacement
	return nil
}

func (s *appointmentStore) ListActiveBetween(_ context.Context, orgID, staffID uuid.UUID, start, end time.Time) ([]models.Appointment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Appointment
	for _, a := range s.appointments {
		if a.OrganizationID == orgID && a.StaffID != nil && *a.StaffID == staffID &&
			a.Status.Active() && a.Overlaps(start, end) {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledStart.Before(out[j].ScheduledStart) })
	return out, nil
}

func (s *appointmentStore) ListUpcomingForCustomer(_ context.Context, orgID, customerID uuid.UUID, after time.Time) ([]models.Appointment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Appointment
	for _, a := range s.appointments {
		if a.OrganizationID == orgID && a.CustomerID == customerID &&
			a.Status.Active() && !a.ScheduledStart.Before(after) {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledStart.Before(out[j].ScheduledStart) })
	return out, nil
}

func (s *appointmentStore) UpdateStatus(_ context.Context, orgID, id uuid.UUID, from []models.AppointmentStatus, to models.AppointmentStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.appointments[id]
	if !ok || a.OrganizationID != orgID {
		return store.ErrNotFound
	}
	for _, f := range from {
		if a.Status == f {
			a.Status = to
			a.UpdatedAt = time.Now().UTC()
			s.appointments[id] = a
			return nil
		}
	}
	return store.ErrInvalidTransition
}

// --- conversations ---

type conversationStore DB

func (s *conversationStore) GetByID(_ context.Context, id uuid.UUID) (*models.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.convs[id]; ok {
		return &c, nil
	}
	return nil, store.ErrNotFound
}

func (s *conversationStore) GetOrCreateForCustomer(_ context.Context, orgID, customerID uuid.UUID) (*models.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.convs {
		if c.OrganizationID == orgID && c.Counterpart == models.CounterpartCustomer &&
			c.CustomerID != nil && *c.CustomerID == customerID {
			return &c, nil
		}
	}
	c := models.Conversation{
		ID: uuid.New(), OrganizationID: orgID, Counterpart: models.CounterpartCustomer,
		CustomerID: &customerID, Status: models.ConversationActive,
		LastMessageAt: time.Now().UTC(), CreatedAt: time.Now().UTC(),
	}
	s.convs[c.ID] = c
	return &c, nil
}

func (s *conversationStore) GetOrCreateForStaff(_ context.Context, orgID, staffID uuid.UUID) (*models.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.convs {
		if c.OrganizationID == orgID && c.Counterpart == models.CounterpartStaff &&
			c.StaffID != nil && *c.StaffID == staffID {
			return &c, nil
		}
	}
	c := models.Conversation{
		ID: uuid.New(), OrganizationID: orgID, Counterpart: models.CounterpartStaff,
		StaffID: &staffID, Status: models.ConversationActive,
		LastMessageAt: time.Now().UTC(), CreatedAt: time.Now().UTC(),
	}
	s.convs[c.ID] = c
	return &c, nil
}

func (s *conversationStore) Touch(_ context.Context, id uuid.UUID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[id]
	if !ok {
		return store.ErrNotFound
	}
	c.LastMessageAt = at
	s.convs[id] = c
	return nil
}

// --- messages ---

type messageStore DB

func (s *messageStore) Append(_ context.Context, msg *models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if msg.ExternalID != "" {
		for _, m := range s.messages {
			if m.ExternalID == msg.ExternalID {
				return store.ErrDuplicate
			}
		}
	}
	ensureID(&msg.ID)
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	s.messages = append(s.messages, *msg)
	return nil
}

func (s *messageStore) ListRecent(_ context.Context, conversationID uuid.UUID, limit int) ([]models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Message
	for _, m := range s.messages {
		if m.ConversationID == conversationID {
			out = append(out, m)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

// --- dedup ---

type dedupStore DB

func (s *dedupStore) Insert(_ context.Context, externalID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.processed[externalID]; ok {
		return false, nil
	}
	s.processed[externalID] = time.Now().UTC()
	return true, nil
}

func (s *dedupStore) Prune(_ context.Context, olderThan time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, at := range s.processed {
		if at.Before(olderThan) {
			delete(s.processed, id)
			n++
		}
	}
	return n, nil
}

// --- flows ---

type flowStore DB

func (s *flowStore) Get(_ context.Context, conversationID uuid.UUID) (*store.FlowSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if fs, ok := s.flows[conversationID]; ok {
		return &fs, nil
	}
	return nil, store.ErrNotFound
}

func (s *flowStore) Put(_ context.Context, fs *store.FlowSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ensureID(&fs.ID)
	now := time.Now().UTC()
	if fs.CreatedAt.IsZero() {
		fs.CreatedAt = now
	}
	fs.UpdatedAt = now
	s.flows[fs.ConversationID] = *fs
	return nil
}

func (s *flowStore) Delete(_ context.Context, conversationID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.flows, conversationID)
	return nil
}

// --- handoffs ---

type handoffStore DB

func (s *handoffStore) Activate(_ context.Context, h *store.HandoffSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.handoffs {
		if existing.Phase != store.HandoffActive {
			continue
		}
		if existing.ConversationID == h.ConversationID {
			return store.ErrHandoffActive
		}
		if existing.OrganizationID == h.OrganizationID && existing.StaffID == h.StaffID {
			return store.ErrStaffBusy
		}
	}
	ensureID(&h.ID)
	if h.ActivatedAt.IsZero() {
		h.ActivatedAt = time.Now().UTC()
	}
	h.Phase = store.HandoffActive
	s.handoffs[h.ID] = *h
	return nil
}

func (s *handoffStore) GetActive(_ context.Context, conversationID uuid.UUID) (*store.HandoffSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, h := range s.handoffs {
		if h.ConversationID == conversationID && h.Phase == store.HandoffActive {
			return &h, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *handoffStore) GetActiveByStaff(_ context.Context, orgID, staffID uuid.UUID) (*store.HandoffSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, h := range s.handoffs {
		if h.OrganizationID == orgID && h.StaffID == staffID && h.Phase == store.HandoffActive {
			return &h, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *handoffStore) End(_ context.Context, id uuid.UUID, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.handoffs[id]
	if !ok || h.Phase != store.HandoffActive {
		return false, nil
	}
	h.Phase = store.HandoffEnded
	h.EndedAt = &at
	s.handoffs[id] = h
	return true, nil
}
