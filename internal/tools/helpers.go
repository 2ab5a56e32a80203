package tools

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/parlolabs/parlo/internal/models"
	"github.com/parlolabs/parlo/internal/scheduling"
	"github.com/parlolabs/parlo/internal/store"
)

// HandoffStarter activates a customer-to-human relay. Implemented by the
// handoff manager; declared here to keep the dependency one-directional.
type HandoffStarter interface {
	Activate(ctx context.Context, org *models.Organization, conv *models.Conversation, customer *models.Customer) (*store.HandoffSession, error)
}

const (
	dateLayout  = "2006-01-02"
	clockLayout = "15:04"
)

func argString(args map[string]interface{}, key string) string {
	v, _ := args[key].(string)
	return strings.TrimSpace(v)
}

func argInt(args map[string]interface{}, key string, def int) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return def
}

func parseLocalDate(org *models.Organization, s string) (time.Time, error) {
	d, err := time.ParseInLocation(dateLayout, s, org.Location())
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q, expected YYYY-MM-DD", s)
	}
	return d, nil
}

func parseLocalDateTime(org *models.Organization, date, clock string) (time.Time, error) {
	t, err := time.ParseInLocation(dateLayout+" "+clockLayout, date+" "+clock, org.Location())
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date/time %q %q, expected YYYY-MM-DD and HH:MM", date, clock)
	}
	return t, nil
}

func resolveService(ctx context.Context, stores *store.Stores, org *models.Organization, name string) (*models.ServiceType, *Result) {
	svc, err := stores.Services.FindActiveByName(ctx, org.ID, name)
	if err == nil {
		return svc, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, ErrorResult("could not look up the service").WithError(err)
	}
	all, err := stores.Services.ListActive(ctx, org.ID)
	if err != nil || len(all) == 0 {
		return nil, ErrorResult(fmt.Sprintf("no service named %q", name))
	}
	names := make([]string, len(all))
	for i, s := range all {
		names[i] = s.Name
	}
	return nil, ErrorResult(fmt.Sprintf("no service named %q; available services: %s", name, strings.Join(names, ", ")))
}

func findStaffByName(ctx context.Context, stores *store.Stores, orgID uuid.UUID, name string) (*models.Staff, error) {
	list, err := stores.Staff.ListActive(ctx, orgID)
	if err != nil {
		return nil, err
	}
	for i := range list {
		if strings.EqualFold(list[i].Name, name) {
			return &list[i], nil
		}
	}
	return nil, store.ErrNotFound
}

func staffOffersService(ctx context.Context, stores *store.Stores, orgID, staffID, serviceID uuid.UUID) (bool, error) {
	offering, err := stores.Staff.ListOfferingService(ctx, orgID, serviceID)
	if err != nil {
		return false, err
	}
	for i := range offering {
		if offering[i].ID == staffID {
			return true, nil
		}
	}
	return false, nil
}

func formatSlots(slots []scheduling.Slot, loc *time.Location, limit int) string {
	if len(slots) == 0 {
		return "no open slots"
	}
	if limit > 0 && len(slots) > limit {
		slots = slots[:limit]
	}
	parts := make([]string, len(slots))
	for i, s := range slots {
		parts[i] = fmt.Sprintf("%s with %s", s.Start.In(loc).Format(dateLayout+" "+clockLayout), s.StaffName)
	}
	return strings.Join(parts, "; ")
}

func formatPrice(cents int, currency string) string {
	return fmt.Sprintf("$%d.%02d %s", cents/100, cents%100, currency)
}

func describeAppointment(ctx context.Context, stores *store.Stores, org *models.Organization, a *models.Appointment) string {
	loc := org.Location()
	svcName := "service"
	if svc, err := stores.Services.GetByID(ctx, org.ID, a.ServiceTypeID); err == nil {
		svcName = svc.Name
	}
	staffName := ""
	if a.StaffID != nil {
		if st, err := stores.Staff.GetByID(ctx, org.ID, *a.StaffID); err == nil {
			staffName = " with " + st.Name
		}
	}
	return fmt.Sprintf("[%s] %s%s on %s at %s (%s)",
		a.ID, svcName, staffName,
		a.ScheduledStart.In(loc).Format(dateLayout),
		a.ScheduledStart.In(loc).Format(clockLayout),
		a.Status)
}
