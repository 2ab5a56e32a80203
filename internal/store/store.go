// Package store defines the persistence interfaces consumed by the router,
// flows, and scheduling engine. The pg subpackage implements them on
// Postgres; tests use in-memory fakes.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/parlolabs/parlo/internal/models"
)

var (
	// ErrNotFound signals a missing row.
	ErrNotFound = errors.New("store: not found")
	// ErrDuplicate signals a uniqueness violation (dedup ledger, upserts).
	ErrDuplicate = errors.New("store: duplicate")
	// ErrOverlap signals the appointment exclusion constraint rejected an
	// insert because the staff interval is already taken.
	ErrOverlap = errors.New("store: overlapping appointment")
	// ErrOutsideAvailability signals a booking whose interval no longer fits
	// the staff member's availability rules as read inside the inserting
	// transaction.
	ErrOutsideAvailability = errors.New("store: outside availability")
	// ErrHandoffActive signals a second activation attempt for a
	// conversation that already has an active handoff session.
	ErrHandoffActive = errors.New("store: handoff already active")
	// ErrStaffBusy signals an activation that would make a staff member the
	// human side of two relays at once.
	ErrStaffBusy = errors.New("store: staff already in an active handoff")
	// ErrInvalidTransition signals a guarded status update whose
	// precondition did not hold.
	ErrInvalidTransition = errors.New("store: invalid status transition")
)

// OrganizationStore looks up tenants.
type OrganizationStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Organization, error)
	// GetByChannelID resolves the tenant owning a WhatsApp phone_number_id.
	GetByChannelID(ctx context.Context, phoneNumberID string) (*models.Organization, error)
	Create(ctx context.Context, org *models.Organization) error
}

// StaffStore manages service providers. Staff rows are deactivated, never
// deleted.
type StaffStore interface {
	GetByID(ctx context.Context, orgID, id uuid.UUID) (*models.Staff, error)
	// GetByPhone matches any staff row (active or not) on normalized phone.
	GetByPhone(ctx context.Context, orgID uuid.UUID, phone string) (*models.Staff, error)
	// ListOfferingService returns active staff who offer the service, in
	// stable creation order (ORDER BY created_at, id).
	ListOfferingService(ctx context.Context, orgID, serviceID uuid.UUID) ([]models.Staff, error)
	ListActive(ctx context.Context, orgID uuid.UUID) ([]models.Staff, error)
	Create(ctx context.Context, staff *models.Staff) error
	SetActive(ctx context.Context, orgID, id uuid.UUID, active bool) error
}

// CustomerStore manages end customers with the incremental-identity pattern.
type CustomerStore interface {
	GetByID(ctx context.Context, orgID, id uuid.UUID) (*models.Customer, error)
	// GetOrCreate is a single atomic upsert keyed on (organization, phone).
	// Concurrent first-contact messages must resolve to one row.
	GetOrCreate(ctx context.Context, orgID uuid.UUID, phone, name string) (*models.Customer, error)
	SetName(ctx context.Context, orgID, id uuid.UUID, name string) error
}

// ServiceStore manages bookable service types.
type ServiceStore interface {
	GetByID(ctx context.Context, orgID, id uuid.UUID) (*models.ServiceType, error)
	ListActive(ctx context.Context, orgID uuid.UUID) ([]models.ServiceType, error)
	// FindActiveByName matches case-insensitively on the exact name.
	FindActiveByName(ctx context.Context, orgID uuid.UUID, name string) (*models.ServiceType, error)
	Create(ctx context.Context, svc *models.ServiceType) error
}

// AvailabilityStore manages recurring and exception availability rules.
type AvailabilityStore interface {
	ListForStaff(ctx context.Context, orgID, staffID uuid.UUID) ([]models.Availability, error)
	Create(ctx context.Context, av *models.Availability) error
	DeleteForDate(ctx context.Context, orgID, staffID uuid.UUID, date string) error
}

// AvailabilityCheck decides whether an appointment interval fits a rule set.
// Book and Reschedule call it with the staff member's rules as they exist
// inside the inserting transaction, so a concurrently committed block is
// observed before the appointment lands.
type AvailabilityCheck func(rules []models.Availability) bool

// AppointmentStore mutates the staff interval index. Book, Reschedule, and
// the status transitions are the only write paths; all rely on the Postgres
// exclusion constraint for the no-overlap invariant.
type AppointmentStore interface {
	GetByID(ctx context.Context, orgID, id uuid.UUID) (*models.Appointment, error)
	// Book inserts the appointment; ErrOverlap when the staff interval is
	// already covered by a pending/confirmed appointment, and
	// ErrOutsideAvailability when fits rejects the rules re-read inside the
	// transaction. A nil fits skips the availability check.
	Book(ctx context.Context, appt *models.Appointment, fits AvailabilityCheck) error
	// Reschedule atomically books the replacement and cancels the old
	// appointment in one transaction. On ErrOverlap or
	// ErrOutsideAvailability nothing changes.
	Reschedule(ctx context.Context, orgID, oldID uuid.UUID, replacement *models.Appointment, fits AvailabilityCheck) error
	// ListActiveBetween returns pending/confirmed appointments for one
	// staff member intersecting [start, end), ordered by start.
	ListActiveBetween(ctx context.Context, orgID, staffID uuid.UUID, start, end time.Time) ([]models.Appointment, error)
	// ListUpcomingForCustomer returns the customer's pending/confirmed
	// appointments starting at or after the given instant.
	ListUpcomingForCustomer(ctx context.Context, orgID, customerID uuid.UUID, after time.Time) ([]models.Appointment, error)
	// UpdateStatus transitions the appointment when its current status is
	// in from; ErrInvalidTransition otherwise.
	UpdateStatus(ctx context.Context, orgID, id uuid.UUID, from []models.AppointmentStatus, to models.AppointmentStatus) error
}

// ConversationStore manages long-lived threads.
type ConversationStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Conversation, error)
	GetOrCreateForCustomer(ctx context.Context, orgID, customerID uuid.UUID) (*models.Conversation, error)
	GetOrCreateForStaff(ctx context.Context, orgID, staffID uuid.UUID) (*models.Conversation, error)
	Touch(ctx context.Context, id uuid.UUID, at time.Time) error
}

// MessageStore is append-only.
type MessageStore interface {
	Append(ctx context.Context, msg *models.Message) error
	// ListRecent returns the last limit messages in ascending order.
	ListRecent(ctx context.Context, conversationID uuid.UUID, limit int) ([]models.Message, error)
}

// DedupStore is the deduplication ledger: insert-only, unique on the external
// message id, safe under concurrent writers.
type DedupStore interface {
	// Insert records the id. Returns false when it was already present.
	Insert(ctx context.Context, externalID string) (bool, error)
	// Prune drops entries older than the cutoff and returns the count.
	Prune(ctx context.Context, olderThan time.Time) (int64, error)
}

// FlowSession is the transient state of one in-progress multi-step intent.
// At most one exists per conversation; Put supersedes any previous one.
type FlowSession struct {
	ID             uuid.UUID `json:"id"`
	ConversationID uuid.UUID `json:"conversation_id"`
	Kind           string    `json:"kind"`  // "booking", "cancel", "reschedule", ...
	State          string    `json:"state"` // flow-specific step name
	Data           []byte    `json:"data"`  // JSON slot-filling payload
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// FlowStore holds at most one active flow session per conversation.
type FlowStore interface {
	Get(ctx context.Context, conversationID uuid.UUID) (*FlowSession, error)
	Put(ctx context.Context, s *FlowSession) error
	Delete(ctx context.Context, conversationID uuid.UUID) error
}

// HandoffPhase is the relay lifecycle state.
type HandoffPhase string

const (
	HandoffActive HandoffPhase = "active"
	HandoffEnded  HandoffPhase = "ended"
)

// HandoffSession records a customer↔human relay window on a customer
// conversation. StaffID is the human counterpart.
type HandoffSession struct {
	ID             uuid.UUID    `json:"id"`
	OrganizationID uuid.UUID    `json:"organization_id"`
	ConversationID uuid.UUID    `json:"conversation_id"`
	CustomerID     uuid.UUID    `json:"customer_id"`
	StaffID        uuid.UUID    `json:"staff_id"`
	Phase          HandoffPhase `json:"phase"`
	ActivatedAt    time.Time    `json:"activated_at"`
	Deadline       time.Time    `json:"deadline"`
	EndedAt        *time.Time   `json:"ended_at,omitempty"`
}

// HandoffStore enforces at-most-one active session per conversation and
// at-most-one per staff member, so a staff reply always has exactly one
// customer it can mean.
type HandoffStore interface {
	// Activate inserts an active session; ErrHandoffActive when the
	// conversation already has one, ErrStaffBusy when the staff member is
	// already relaying another conversation.
	Activate(ctx context.Context, s *HandoffSession) error
	GetActive(ctx context.Context, conversationID uuid.UUID) (*HandoffSession, error)
	// GetActiveByStaff finds the active session a staff member is the human
	// side of, if any.
	GetActiveByStaff(ctx context.Context, orgID, staffID uuid.UUID) (*HandoffSession, error)
	// End transitions the session to ended. Returns false when it was
	// already ended, so the timeout path and the explicit path can race
	// safely.
	End(ctx context.Context, id uuid.UUID, at time.Time) (bool, error)
}

// Stores is the container handed to the router and engine.
type Stores struct {
	Orgs          OrganizationStore
	Staff         StaffStore
	Customers     CustomerStore
	Services      ServiceStore
	Availability  AvailabilityStore
	Appointments  AppointmentStore
	Conversations ConversationStore
	Messages      MessageStore
	Dedup         DedupStore
	Flows         FlowStore
	Handoffs      HandoffStore
}
