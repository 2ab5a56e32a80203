// Package models defines the persistent domain entities shared across the
// router, scheduling engine, and store layers. All timestamps are UTC; an
// appointment occupies the half-open interval [ScheduledStart, ScheduledEnd).
package models

import (
	"time"

	"github.com/google/uuid"
)

// OrganizationStatus is the lifecycle state of a tenant.
type OrganizationStatus string

const (
	OrgOnboarding OrganizationStatus = "onboarding"
	OrgActive     OrganizationStatus = "active"
	OrgSuspended  OrganizationStatus = "suspended"
	OrgChurned    OrganizationStatus = "churned"
)

// Organization is the tenant boundary. Every other entity is scoped to one
// organization; a query that crosses organizations is a bug, not a feature.
type Organization struct {
	ID                    uuid.UUID          `json:"id"`
	Name                  string             `json:"name"`
	PhoneCountryCode      string             `json:"phone_country_code"` // "+52"
	PhoneNumber           string             `json:"phone_number"`
	WhatsAppPhoneNumberID string             `json:"whatsapp_phone_number_id"` // channel routing key
	Timezone              string             `json:"timezone"`                 // IANA name, e.g. "America/Mexico_City"
	Status                OrganizationStatus `json:"status"`
	CreatedAt             time.Time          `json:"created_at"`
	UpdatedAt             time.Time          `json:"updated_at"`
}

// Location returns the organization's time.Location, falling back to UTC when
// the stored timezone name is invalid.
func (o *Organization) Location() *time.Location {
	loc, err := time.LoadLocation(o.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// StaffRole distinguishes the business owner from regular employees.
type StaffRole string

const (
	RoleOwner    StaffRole = "owner"
	RoleEmployee StaffRole = "employee"
)

// Staff is a service provider who also interacts with the bot from their
// personal WhatsApp number. Staff are deactivated, never deleted, so past
// appointments keep their provider reference.
type Staff struct {
	ID             uuid.UUID `json:"id"`
	OrganizationID uuid.UUID `json:"organization_id"`
	Name           string    `json:"name"`
	PhoneNumber    string    `json:"phone_number"` // E.164, unique per organization
	Role           StaffRole `json:"role"`
	IsActive       bool      `json:"is_active"`
	ServiceIDs     []uuid.UUID `json:"service_ids,omitempty"` // services this staff member offers
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// IsOwner reports whether this staff member may act on other staff schedules.
func (s *Staff) IsOwner() bool { return s.Role == RoleOwner }

// Customer is created on first contact with only a phone number; the name and
// anything else are filled in as the conversation reveals them.
type Customer struct {
	ID             uuid.UUID `json:"id"`
	OrganizationID uuid.UUID `json:"organization_id"`
	PhoneNumber    string    `json:"phone_number"` // E.164, unique per organization
	Name           string    `json:"name,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// ServiceType is a bookable service. Price and duration edits apply to future
// bookings only; existing appointments snapshot nothing and simply keep their
// interval.
type ServiceType struct {
	ID              uuid.UUID `json:"id"`
	OrganizationID  uuid.UUID `json:"organization_id"`
	Name            string    `json:"name"`
	DurationMinutes int       `json:"duration_minutes"`
	PriceCents      int       `json:"price_cents"`
	Currency        string    `json:"currency"`
	IsActive        bool      `json:"is_active"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Duration returns the service length as a time.Duration.
func (s *ServiceType) Duration() time.Duration {
	return time.Duration(s.DurationMinutes) * time.Minute
}

// AvailabilityKind separates weekly recurring windows from date-specific
// exceptions.
type AvailabilityKind string

const (
	AvailabilityRecurring AvailabilityKind = "recurring"
	AvailabilityException AvailabilityKind = "exception"
)

// Availability is one availability rule for a staff member.
//
// Recurring: Weekday + StartMinute/EndMinute (minutes from local midnight),
// repeating every week. Exception: ExceptionDate + IsAvailable; when available
// the optional window overrides the recurring windows for that date, when
// unavailable the whole date is blocked. Exceptions always win over recurring
// rules for their date.
type Availability struct {
	ID             uuid.UUID        `json:"id"`
	OrganizationID uuid.UUID        `json:"organization_id"`
	StaffID        uuid.UUID        `json:"staff_id"`
	Kind           AvailabilityKind `json:"kind"`

	// Recurring fields. Weekday follows time.Weekday (Sunday = 0).
	Weekday     time.Weekday `json:"weekday,omitempty"`
	StartMinute int          `json:"start_minute,omitempty"`
	EndMinute   int          `json:"end_minute,omitempty"`

	// Exception fields. ExceptionDate is a local calendar date ("2006-01-02").
	ExceptionDate string `json:"exception_date,omitempty"`
	IsAvailable   bool   `json:"is_available,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// AppointmentStatus is the appointment lifecycle state.
type AppointmentStatus string

const (
	AppointmentPending   AppointmentStatus = "pending"
	AppointmentConfirmed AppointmentStatus = "confirmed"
	AppointmentCompleted AppointmentStatus = "completed"
	AppointmentCancelled AppointmentStatus = "cancelled"
	AppointmentNoShow    AppointmentStatus = "no_show"
)

// Active reports whether the status occupies staff time. Only pending and
// confirmed appointments participate in overlap checks.
func (s AppointmentStatus) Active() bool {
	return s == AppointmentPending || s == AppointmentConfirmed
}

// AppointmentSource records how an appointment entered the system.
type AppointmentSource string

const (
	SourceWhatsApp AppointmentSource = "whatsapp"
	SourceWalkIn   AppointmentSource = "walk_in"
	SourceBlock    AppointmentSource = "block" // staff personal time block
)

// Appointment is a booked interval of staff time.
type Appointment struct {
	ID             uuid.UUID         `json:"id"`
	OrganizationID uuid.UUID         `json:"organization_id"`
	CustomerID     uuid.UUID         `json:"customer_id"`
	ServiceTypeID  uuid.UUID         `json:"service_type_id"`
	StaffID        *uuid.UUID        `json:"staff_id,omitempty"`
	ScheduledStart time.Time         `json:"scheduled_start"`
	ScheduledEnd   time.Time         `json:"scheduled_end"`
	Status         AppointmentStatus `json:"status"`
	Source         AppointmentSource `json:"source"`
	Notes          string            `json:"notes,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

// Overlaps reports whether two half-open intervals intersect.
func (a *Appointment) Overlaps(start, end time.Time) bool {
	return a.ScheduledStart.Before(end) && start.Before(a.ScheduledEnd)
}

// ConversationStatus marks a conversation thread as open or archived.
type ConversationStatus string

const (
	ConversationActive   ConversationStatus = "active"
	ConversationArchived ConversationStatus = "archived"
)

// Counterpart identifies who the organization is talking to in a conversation.
type Counterpart string

const (
	CounterpartCustomer Counterpart = "customer"
	CounterpartStaff    Counterpart = "staff"
)

// Conversation is the long-lived thread for one (organization, counterpart)
// pair. Flow and handoff sessions hang off it.
type Conversation struct {
	ID             uuid.UUID          `json:"id"`
	OrganizationID uuid.UUID          `json:"organization_id"`
	Counterpart    Counterpart        `json:"counterpart"`
	CustomerID     *uuid.UUID         `json:"customer_id,omitempty"`
	StaffID        *uuid.UUID         `json:"staff_id,omitempty"`
	Status         ConversationStatus `json:"status"`
	LastMessageAt  time.Time          `json:"last_message_at"`
	CreatedAt      time.Time          `json:"created_at"`
}

// MessageDirection marks a message as inbound or outbound.
type MessageDirection string

const (
	DirectionInbound  MessageDirection = "inbound"
	DirectionOutbound MessageDirection = "outbound"
)

// SenderRole tags who produced a message.
type SenderRole string

const (
	SenderCustomer  SenderRole = "customer"
	SenderStaff     SenderRole = "staff"
	SenderAssistant SenderRole = "assistant"
)

// Message is an immutable, append-only record of one inbound or outbound
// unit. ExternalID is the channel's message identifier (wamid) and backs
// deduplication for inbound messages.
type Message struct {
	ID             uuid.UUID        `json:"id"`
	OrganizationID uuid.UUID        `json:"organization_id"`
	ConversationID uuid.UUID        `json:"conversation_id"`
	ExternalID     string           `json:"external_id,omitempty"`
	Direction      MessageDirection `json:"direction"`
	SenderRole     SenderRole       `json:"sender_role"`
	Body           string           `json:"body"`
	CreatedAt      time.Time        `json:"created_at"`
}
