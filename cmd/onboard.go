package cmd

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/parlolabs/parlo/internal/models"
	"github.com/parlolabs/parlo/internal/phone"
	"github.com/parlolabs/parlo/internal/store"
	"github.com/parlolabs/parlo/internal/store/pg"
)

func onboardCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "onboard",
		Short: "Interactively set up a business",
		Long:  "Creates the organization, the owner, the first services, and a default weekly schedule.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOnboard(cmd.Context())
		},
	}
}

func runOnboard(ctx context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Database.PostgresDSN == "" {
		return fmt.Errorf("PARLO_POSTGRES_DSN is not set")
	}
	pool, err := pg.Open(ctx, cfg.Database.PostgresDSN)
	if err != nil {
		return err
	}
	defer pool.Close()
	stores := pg.New(pool)

	var (
		bizName       string
		countryCode   = "+52"
		bizPhone      string
		phoneNumberID string
		timezone      = "America/Mexico_City"
		ownerName     string
		ownerPhone    string
	)

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().Title("Business name").Value(&bizName).
				Validate(notEmpty("business name")),
			huh.NewInput().Title("Country code").Value(&countryCode).
				Validate(notEmpty("country code")),
			huh.NewInput().Title("Business WhatsApp number").Value(&bizPhone).
				Validate(notEmpty("business number")),
			huh.NewInput().Title("WhatsApp phone number ID").
				Description("The phone_number_id the bridge reports for this business").
				Value(&phoneNumberID).Validate(notEmpty("phone number id")),
			huh.NewSelect[string]().Title("Timezone").Value(&timezone).
				Options(
					huh.NewOption("Ciudad de México", "America/Mexico_City"),
					huh.NewOption("Tijuana", "America/Tijuana"),
					huh.NewOption("Cancún", "America/Cancun"),
					huh.NewOption("Bogotá", "America/Bogota"),
					huh.NewOption("Buenos Aires", "America/Argentina/Buenos_Aires"),
					huh.NewOption("UTC", "UTC"),
				),
		),
		huh.NewGroup(
			huh.NewInput().Title("Owner name").Value(&ownerName).
				Validate(notEmpty("owner name")),
			huh.NewInput().Title("Owner WhatsApp number").Value(&ownerPhone).
				Validate(notEmpty("owner number")),
		),
	)
	if err := form.Run(); err != nil {
		return err
	}

	if _, err := time.LoadLocation(timezone); err != nil {
		return fmt.Errorf("invalid timezone %q: %w", timezone, err)
	}

	org := &models.Organization{
		Name:                  strings.TrimSpace(bizName),
		PhoneCountryCode:      strings.TrimSpace(countryCode),
		PhoneNumber:           phone.Normalize(bizPhone, countryCode),
		WhatsAppPhoneNumberID: strings.TrimSpace(phoneNumberID),
		Timezone:              timezone,
		Status:                models.OrgActive,
	}
	if err := stores.Orgs.Create(ctx, org); err != nil {
		return fmt.Errorf("create organization: %w", err)
	}

	services, err := collectServices()
	if err != nil {
		return err
	}
	serviceIDs := make([]uuid.UUID, 0, len(services))
	for _, svc := range services {
		svc.OrganizationID = org.ID
		if err := stores.Services.Create(ctx, svc); err != nil {
			return fmt.Errorf("create service %s: %w", svc.Name, err)
		}
		serviceIDs = append(serviceIDs, svc.ID)
	}

	owner := &models.Staff{
		OrganizationID: org.ID,
		Name:           strings.TrimSpace(ownerName),
		PhoneNumber:    phone.Normalize(ownerPhone, countryCode),
		Role:           models.RoleOwner,
		IsActive:       true,
		ServiceIDs:     serviceIDs,
	}
	if err := stores.Staff.Create(ctx, owner); err != nil {
		return fmt.Errorf("create owner: %w", err)
	}

	if err := seedDefaultSchedule(ctx, stores, org.ID, owner.ID); err != nil {
		return err
	}

	fmt.Printf("\n✓ %s is ready. Messages to %s will be answered by the assistant.\n", org.Name, org.PhoneNumber)
	fmt.Printf("  Default schedule: Monday-Saturday 09:00-18:00 (adjust by chatting as %s).\n", owner.Name)
	fmt.Println("  Start the gateway with: parlo gateway")
	return nil
}

// collectServices loops an add-service form until the operator stops. At
// least one service is required for the assistant to book anything.
func collectServices() ([]*models.ServiceType, error) {
	var services []*models.ServiceType
	for {
		var (
			name     string
			duration = "30"
			price    string
			more     bool
		)
		form := huh.NewForm(huh.NewGroup(
			huh.NewInput().Title(fmt.Sprintf("Service #%d name", len(services)+1)).
				Value(&name).Validate(notEmpty("service name")),
			huh.NewInput().Title("Duration (minutes)").Value(&duration).
				Validate(positiveInt("duration")),
			huh.NewInput().Title("Price (MXN)").Value(&price).
				Validate(positiveInt("price")),
			huh.NewConfirm().Title("Add another service?").Value(&more),
		))
		if err := form.Run(); err != nil {
			return nil, err
		}

		minutes, _ := strconv.Atoi(strings.TrimSpace(duration))
		pesos, _ := strconv.Atoi(strings.TrimSpace(price))
		services = append(services, &models.ServiceType{
			Name:            strings.TrimSpace(name),
			DurationMinutes: minutes,
			PriceCents:      pesos * 100,
			Currency:        "MXN",
			IsActive:        true,
		})
		if !more {
			return services, nil
		}
	}
}

func seedDefaultSchedule(ctx context.Context, stores *store.Stores, orgID, staffID uuid.UUID) error {
	for wd := time.Monday; wd <= time.Saturday; wd++ {
		av := &models.Availability{
			OrganizationID: orgID,
			StaffID:        staffID,
			Kind:           models.AvailabilityRecurring,
			Weekday:        wd,
			StartMinute:    9 * 60,
			EndMinute:      18 * 60,
		}
		if err := stores.Availability.Create(ctx, av); err != nil {
			return fmt.Errorf("seed availability: %w", err)
		}
	}
	return nil
}

func notEmpty(field string) func(string) error {
	return func(s string) error {
		if strings.TrimSpace(s) == "" {
			return fmt.Errorf("%s is required", field)
		}
		return nil
	}
}

func positiveInt(field string) func(string) error {
	return func(s string) error {
		n, err := strconv.Atoi(strings.TrimSpace(s))
		if err != nil || n <= 0 {
			return fmt.Errorf("%s must be a positive number", field)
		}
		return nil
	}
}
