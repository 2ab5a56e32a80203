// Package identity maps an inbound sender to the person behind it. The same
// phone number gets the staff experience when it belongs to an active staff
// member and the customer experience otherwise; resolution also pins the
// long-lived conversation thread for the sender.
package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/parlolabs/parlo/internal/models"
	"github.com/parlolabs/parlo/internal/phone"
	"github.com/parlolabs/parlo/internal/store"
)

// Kind says which persona the sender gets.
type Kind string

const (
	KindStaff    Kind = "staff"
	KindCustomer Kind = "customer"
)

// Identity is a resolved sender. Exactly one of Staff or Customer is set,
// matching Kind; Conversation is the thread all their messages land in.
type Identity struct {
	Kind         Kind
	Staff        *models.Staff
	Customer     *models.Customer
	Conversation *models.Conversation
	Phone        string // normalized E.164
}

// Resolver resolves senders for one inbound message at a time.
type Resolver struct {
	stores *store.Stores
	log    *slog.Logger
}

func NewResolver(stores *store.Stores, log *slog.Logger) *Resolver {
	return &Resolver{stores: stores, log: log.With("component", "identity")}
}

// Resolve normalizes the sender phone and classifies it. A staff row that has
// been deactivated no longer grants the staff persona; the sender is treated
// as a regular customer from then on. Unknown numbers become customers on
// first contact, with whatever profile name the channel supplied.
func (r *Resolver) Resolve(ctx context.Context, org *models.Organization, rawPhone, profileName string) (*Identity, error) {
	normalized := phone.Normalize(rawPhone, org.PhoneCountryCode)
	if normalized == "" {
		return nil, fmt.Errorf("identity: empty sender phone")
	}

	st, err := r.stores.Staff.GetByPhone(ctx, org.ID, normalized)
	switch {
	case err == nil && st.IsActive:
		conv, err := r.stores.Conversations.GetOrCreateForStaff(ctx, org.ID, st.ID)
		if err != nil {
			return nil, fmt.Errorf("identity: staff conversation: %w", err)
		}
		return &Identity{Kind: KindStaff, Staff: st, Conversation: conv, Phone: normalized}, nil
	case err == nil:
		// Known number, deactivated staff: falls through to customer.
		r.log.Debug("inactive staff treated as customer", "org_id", org.ID, "staff_id", st.ID)
	case !errors.Is(err, store.ErrNotFound):
		return nil, fmt.Errorf("identity: staff lookup: %w", err)
	}

	cust, err := r.stores.Customers.GetOrCreate(ctx, org.ID, normalized, profileName)
	if err != nil {
		return nil, fmt.Errorf("identity: customer upsert: %w", err)
	}
	conv, err := r.stores.Conversations.GetOrCreateForCustomer(ctx, org.ID, cust.ID)
	if err != nil {
		return nil, fmt.Errorf("identity: customer conversation: %w", err)
	}
	return &Identity{Kind: KindCustomer, Customer: cust, Conversation: conv, Phone: normalized}, nil
}
