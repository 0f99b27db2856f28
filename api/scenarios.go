/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the database with realistic
	clinic data for demos. Every scenario goes through the same clinic
	services the API uses, so the data always satisfies the engine's rules.

AVAILABLE SCENARIOS:

	front-desk:       Default catalog and two patients, nothing booked
	package-progress: A ten-session knee package, two sessions attended,
	                  one reservation commission waiting for approval
	billing:          An invoiced package with a partial payment and a
	                  second uninvoiced package

HOW SCENARIOS WORK:
 1. Reset database (clear all data)
 2. Seed the default catalog via factory
 3. Create patients
 4. Book, attend, invoice and pay through the clinic services

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "billing"}

NOTE:

	Scenarios reset the database. Only use in development/demo environments.

SEE ALSO:
  - handlers.go: ResetDatabase handler
  - factory/catalog.go: Default catalog
*/
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/warp/clinic-engine/clinic"
	"github.com/warp/clinic-engine/factory"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

const demoActor clinic.ActorID = "front-desk-demo"

var scenarios = []ScenarioDTO{
	{
		ID:          "front-desk",
		Name:        "Front Desk",
		Description: "Default service catalog and two patients, nothing booked yet",
	},
	{
		ID:          "package-progress",
		Name:        "Package In Progress",
		Description: "Ten-session knee package with two attended sessions and a pending commission",
	},
	{
		ID:          "billing",
		Name:        "Billing Follow-up",
		Description: "Partially paid invoice plus an uninvoiced package ready for billing",
	},
}

var scenarioLoaders = map[string]func(h *Handler, ctx context.Context) error{
	"front-desk":       (*Handler).loadFrontDeskScenario,
	"package-progress": (*Handler).loadPackageProgressScenario,
	"billing":          (*Handler).loadBillingScenario,
}

// ListScenarios returns available scenarios.
// GET /api/scenarios
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the currently loaded scenario, if any.
// GET /api/scenarios/current
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	current := h.scenario()
	for _, s := range scenarios {
		if s.ID == current {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	writeJSON(w, http.StatusOK, nil)
}

// LoadScenario resets the database and loads a predefined scenario.
// POST /api/scenarios/load
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if !decode(w, r, &req) {
		return
	}
	load, ok := scenarioLoaders[req.ScenarioID]
	if !ok {
		writeError(w, http.StatusBadRequest, "Unknown scenario", nil)
		return
	}

	ctx := r.Context()
	if err := h.Store.Reset(ctx); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset database", err)
		return
	}
	h.setScenario("")

	if err := load(h, ctx); err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to load scenario %s", req.ScenarioID), err)
		return
	}
	h.setScenario(req.ScenarioID)

	h.log.Info().Str("scenario", req.ScenarioID).Msg("scenario loaded")
	writeJSON(w, http.StatusOK, map[string]string{"status": "loaded", "scenario": req.ScenarioID})
}

func (h *Handler) scenario() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.currentScenario
}

func (h *Handler) setScenario(id string) {
	h.mu.Lock()
	h.currentScenario = id
	h.mu.Unlock()
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

func (h *Handler) loadFrontDeskScenario(ctx context.Context) error {
	if err := h.Catalog.Seed(ctx, h.Store, factory.DefaultCatalog()); err != nil {
		return fmt.Errorf("seed catalog: %w", err)
	}
	created := time.Now().UTC()
	for _, p := range []clinic.Patient{
		{ID: "maria-gomez", FirstName: "Maria", LastName: "Gomez", Phone: "+34 600 000 001", CreatedAt: created},
		{ID: "tom-becker", FirstName: "Tom", LastName: "Becker", Email: "tom@example.com", CreatedAt: created},
	} {
		if err := h.Store.SavePatient(ctx, p); err != nil {
			return fmt.Errorf("save patient %s: %w", p.ID, err)
		}
	}
	return nil
}

func (h *Handler) loadPackageProgressScenario(ctx context.Context) error {
	if err := h.loadFrontDeskScenario(ctx); err != nil {
		return err
	}

	// First visit opens a ten-session package at a negotiated price.
	deposit := clinic.MustParseMoney("50")
	negotiated := clinic.MustParseMoney("400")
	first, err := h.Booking.Create(ctx, clinic.CreateAppointmentInput{
		PatientID:         "maria-gomez",
		ScheduledDate:     daysFromNow(-7),
		ReservationAmount: &deposit,
		Sessions: []clinic.SessionRequest{{
			ServiceID: "physio-knee", SessionNumber: 1, TempPackageID: "knee", NegotiatedPrice: &negotiated,
		}},
		ActorID: demoActor,
	})
	if err != nil {
		return fmt.Errorf("book first visit: %w", err)
	}
	if _, err := h.Booking.MarkAttended(ctx, first.Appointment.ID, demoActor); err != nil {
		return fmt.Errorf("attend first visit: %w", err)
	}

	orderID := first.Sessions[0].Order.ID
	for n, offset := range []int{-3, 4} {
		appt, err := h.Booking.Create(ctx, clinic.CreateAppointmentInput{
			PatientID:     "maria-gomez",
			ScheduledDate: daysFromNow(offset),
			Sessions:      []clinic.SessionRequest{{ServiceID: "physio-knee", SessionNumber: n + 2, OrderID: orderID}},
			ActorID:       demoActor,
		})
		if err != nil {
			return fmt.Errorf("book session %d: %w", n+2, err)
		}
		if offset < 0 {
			if _, err := h.Booking.MarkAttended(ctx, appt.Appointment.ID, demoActor); err != nil {
				return fmt.Errorf("attend session %d: %w", n+2, err)
			}
		}
	}
	return nil
}

func (h *Handler) loadBillingScenario(ctx context.Context) error {
	if err := h.loadFrontDeskScenario(ctx); err != nil {
		return err
	}

	book := func(service clinic.ServiceID, offset int) (*clinic.HydratedAppointment, error) {
		return h.Booking.Create(ctx, clinic.CreateAppointmentInput{
			PatientID:     "tom-becker",
			ScheduledDate: daysFromNow(offset),
			Sessions:      []clinic.SessionRequest{{ServiceID: service, SessionNumber: 1, TempPackageID: "new"}},
			ActorID:       demoActor,
		})
	}

	back, err := book("physio-back", -10)
	if err != nil {
		return fmt.Errorf("book back package: %w", err)
	}
	if _, err := book("massage", 2); err != nil {
		return fmt.Errorf("book massage: %w", err)
	}

	inv, err := h.Invoices.Create(ctx, clinic.CreateInvoiceInput{
		PatientID: "tom-becker",
		OrderIDs:  []clinic.OrderID{back.Sessions[0].Order.ID},
		ActorID:   demoActor,
	})
	if err != nil {
		return fmt.Errorf("create invoice: %w", err)
	}

	_, err = h.Payments.Create(ctx, clinic.CreatePaymentInput{
		PatientID:     "tom-becker",
		InvoiceID:     &inv.Invoice.ID,
		AmountPaid:    clinic.MustParseMoney("120"),
		PaymentMethod: clinic.MethodCard,
		PaymentType:   clinic.PaymentTypeInvoice,
		ActorID:       demoActor,
	})
	if err != nil {
		return fmt.Errorf("record payment: %w", err)
	}
	return nil
}

func daysFromNow(days int) time.Time {
	return time.Now().UTC().Truncate(time.Hour).AddDate(0, 0, days)
}
