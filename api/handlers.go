/*
handlers.go - HTTP API handlers for the clinic engine

PURPOSE:
  Exposes booking, commission approval, invoicing and payments via REST.
  Handlers only decode, call one clinic service, and encode. Every rule
  lives in package clinic.

ENDPOINTS:
  Patients and catalog:
    POST   /api/patients                         Create patient
    GET    /api/patients/{id}                    Get patient
    GET    /api/patients/{id}/uninvoiced-orders  Orders ready for billing
    GET    /api/services                         List catalog
    POST   /api/services                         Upsert catalog entries

  Appointments:
    POST   /api/appointments                     Book with sessions
    GET    /api/appointments/{id}                Hydrated appointment
    PATCH  /api/appointments/{id}                Fields, status, session operations
    POST   /api/appointments/{id}/attend|start|no-show|cancel
    GET    /api/appointments/{id}/commissions

  Commissions:
    POST   /api/commissions/{id}/approve|reject|pay|cancel
    POST   /api/commissions/batch/approve|pay

  Billing:
    POST   /api/invoices                         Invoice uninvoiced orders
    GET    /api/invoices/{id}                    Invoice with orders and payments
    POST   /api/invoices/{id}/cancel|recompute
    POST   /api/payments                         Record payment
    DELETE /api/payments/{id}                    Soft delete payment

ACTOR:
  Every mutation reads the acting staff member from the X-Actor-ID header.
  Authentication is out of scope; a missing header is a 400.

ERROR HANDLING:
  Errors are returned as JSON ErrorResponse with status from the clinic
  error taxonomy:
  - 400: *ValidationError, *BatchError (failed_ids lists the offenders)
  - 404: *NotFoundError (failed_ids lists the missing ids)
  - 409: *ConflictError, including concurrent modification
  - 500: store failures (safe to retry)

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/warp/clinic-engine/clinic"
	"github.com/warp/clinic-engine/factory"
	"github.com/warp/clinic-engine/store/sqlite"
)

// ActorHeader carries the id of the staff member performing a request.
const ActorHeader = "X-Actor-ID"

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store   *sqlite.Store
	Catalog *factory.CatalogFactory

	Booking     *clinic.BookingService
	Commissions *clinic.CommissionService
	Invoices    *clinic.InvoiceService
	Payments    *clinic.PaymentService

	log zerolog.Logger

	mu              sync.Mutex
	currentScenario string
}

// NewHandler creates a new handler with the given store.
func NewHandler(store *sqlite.Store, log zerolog.Logger, opts ...clinic.BookingOption) *Handler {
	invoices := clinic.NewInvoiceService(store, log)
	return &Handler{
		Store:       store,
		Catalog:     factory.NewCatalogFactory(),
		Booking:     clinic.NewBookingService(store, log, opts...),
		Commissions: clinic.NewCommissionService(store, log),
		Invoices:    invoices,
		Payments:    clinic.NewPaymentService(store, invoices, log),
		log:         log,
	}
}

// =============================================================================
// PATIENT AND CATALOG HANDLERS
// =============================================================================

// CreatePatient registers a patient. An empty id gets a generated one.
// POST /api/patients
func (h *Handler) CreatePatient(w http.ResponseWriter, r *http.Request) {
	var req CreatePatientRequest
	if !decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.FirstName) == "" {
		writeDomainError(w, clinic.Invalid("first_name", "is required"))
		return
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	p := clinic.Patient{
		ID:        clinic.PatientID(req.ID),
		FirstName: strings.TrimSpace(req.FirstName),
		LastName:  strings.TrimSpace(req.LastName),
		Phone:     req.Phone,
		Email:     req.Email,
		CreatedAt: time.Now().UTC(),
	}
	if err := h.Store.SavePatient(r.Context(), p); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toPatientDTO(p))
}

// GetPatient returns a patient by id.
// GET /api/patients/{id}
func (h *Handler) GetPatient(w http.ResponseWriter, r *http.Request) {
	p, err := h.Store.GetPatient(r.Context(), clinic.PatientID(chi.URLParam(r, "id")))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toPatientDTO(*p))
}

// ListUninvoicedOrders returns the orders a patient can be billed for.
// GET /api/patients/{id}/uninvoiced-orders
func (h *Handler) ListUninvoicedOrders(w http.ResponseWriter, r *http.Request) {
	orders, err := h.Invoices.ListUninvoicedOrders(r.Context(), clinic.PatientID(chi.URLParam(r, "id")))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toOrderDTOs(orders))
}

// ListServices returns the service catalog.
// GET /api/services
func (h *Handler) ListServices(w http.ResponseWriter, r *http.Request) {
	services, err := h.Store.ListServices(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	dtos := make([]ServiceDTO, len(services))
	for i, s := range services {
		dtos[i] = toServiceDTO(s)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CreateServices upserts catalog entries. The body uses the catalog file
// format: {"services": [...]}.
// POST /api/services
func (h *Handler) CreateServices(w http.ResponseWriter, r *http.Request) {
	var req factory.CatalogJSON
	if !decode(w, r, &req) {
		return
	}
	services, err := h.Catalog.FromJSON(req)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if err := h.Catalog.Seed(r.Context(), h.Store, services); err != nil {
		writeDomainError(w, err)
		return
	}

	dtos := make([]ServiceDTO, len(services))
	for i, s := range services {
		dtos[i] = toServiceDTO(s)
	}
	writeJSON(w, http.StatusCreated, dtos)
}

// =============================================================================
// APPOINTMENT HANDLERS
// =============================================================================

// CreateAppointment books an appointment with its sessions.
// POST /api/appointments
func (h *Handler) CreateAppointment(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	var req CreateAppointmentRequest
	if !decode(w, r, &req) {
		return
	}

	appt, err := h.Booking.Create(r.Context(), clinic.CreateAppointmentInput{
		PatientID:             clinic.PatientID(req.PatientID),
		ScheduledDate:         req.ScheduledDate,
		DurationMinutes:       req.DurationMinutes,
		ReservationAmount:     req.ReservationAmount,
		ReservationReceiptURL: req.ReservationReceiptURL,
		Notes:                 req.Notes,
		Sessions:              toSessionRequests(req.Sessions),
		ActorID:               actor,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toAppointmentDTO(appt))
}

// GetAppointment returns an appointment with its active sessions and commissions.
// GET /api/appointments/{id}
func (h *Handler) GetAppointment(w http.ResponseWriter, r *http.Request) {
	appt, err := h.Booking.Get(r.Context(), appointmentID(r))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toAppointmentDTO(appt))
}

// UpdateAppointment applies field edits, a status change and session
// operations in one transaction.
// PATCH /api/appointments/{id}
func (h *Handler) UpdateAppointment(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	var req UpdateAppointmentRequest
	if !decode(w, r, &req) {
		return
	}

	in := clinic.UpdateAppointmentInput{
		AppointmentID:         appointmentID(r),
		ActorID:               actor,
		ScheduledDate:         req.ScheduledDate,
		DurationMinutes:       req.DurationMinutes,
		Notes:                 req.Notes,
		ReservationReceiptURL: req.ReservationReceiptURL,
		Sessions:              req.Sessions.toDomain(),
	}
	if req.Status != nil {
		s := clinic.AppointmentStatus(*req.Status)
		in.Status = &s
	}

	appt, err := h.Booking.Update(r.Context(), in)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toAppointmentDTO(appt))
}

// AttendAppointment marks the appointment attended.
// POST /api/appointments/{id}/attend
func (h *Handler) AttendAppointment(w http.ResponseWriter, r *http.Request) {
	h.appointmentTransition(w, r, h.Booking.MarkAttended)
}

// StartAppointment moves a reserved appointment to in progress.
// POST /api/appointments/{id}/start
func (h *Handler) StartAppointment(w http.ResponseWriter, r *http.Request) {
	h.appointmentTransition(w, r, h.Booking.Start)
}

// NoShowAppointment records that the patient did not come.
// POST /api/appointments/{id}/no-show
func (h *Handler) NoShowAppointment(w http.ResponseWriter, r *http.Request) {
	h.appointmentTransition(w, r, h.Booking.MarkNoShow)
}

type appointmentAction func(ctx context.Context, id clinic.AppointmentID, actor clinic.ActorID) (*clinic.HydratedAppointment, error)

func (h *Handler) appointmentTransition(w http.ResponseWriter, r *http.Request, action appointmentAction) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	appt, err := action(r.Context(), appointmentID(r), actor)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toAppointmentDTO(appt))
}

// CancelAppointment cancels the appointment and returns its final state.
// POST /api/appointments/{id}/cancel
func (h *Handler) CancelAppointment(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	id := appointmentID(r)
	if err := h.Booking.Cancel(r.Context(), id, actor); err != nil {
		writeDomainError(w, err)
		return
	}
	appt, err := h.Booking.Get(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toAppointmentDTO(appt))
}

// ListAppointmentCommissions returns the commissions accrued by an appointment.
// GET /api/appointments/{id}/commissions
func (h *Handler) ListAppointmentCommissions(w http.ResponseWriter, r *http.Request) {
	cs, err := h.Commissions.ListForAppointment(r.Context(), appointmentID(r))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toCommissionDTOs(cs))
}

// =============================================================================
// COMMISSION HANDLERS
// =============================================================================

// ApproveCommission approves a pending commission of an attended appointment.
// POST /api/commissions/{id}/approve
func (h *Handler) ApproveCommission(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	var req ApproveCommissionRequest
	if !decodeOptional(w, r, &req) {
		return
	}
	c, err := h.Commissions.Approve(r.Context(), commissionID(r), actor, req.Notes)
	writeCommission(w, c, err)
}

// RejectCommission rejects a pending commission with a reason.
// POST /api/commissions/{id}/reject
func (h *Handler) RejectCommission(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	var req RejectCommissionRequest
	if !decode(w, r, &req) {
		return
	}
	c, err := h.Commissions.Reject(r.Context(), commissionID(r), actor, req.Reason)
	writeCommission(w, c, err)
}

// PayCommission marks an approved commission paid.
// POST /api/commissions/{id}/pay
func (h *Handler) PayCommission(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	var req PayCommissionRequest
	if !decode(w, r, &req) {
		return
	}
	c, err := h.Commissions.MarkPaid(r.Context(), commissionID(r), actor, req.PaymentMethod, req.PaymentReference)
	writeCommission(w, c, err)
}

// CancelCommission voids a commission that has not been paid.
// POST /api/commissions/{id}/cancel
func (h *Handler) CancelCommission(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	c, err := h.Commissions.Cancel(r.Context(), commissionID(r), actor)
	writeCommission(w, c, err)
}

// BatchApproveCommissions approves every listed commission or none.
// POST /api/commissions/batch/approve
func (h *Handler) BatchApproveCommissions(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	var req BatchCommissionRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := h.Commissions.BatchApprove(r.Context(), ids[clinic.CommissionID](req.IDs), actor)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toBatchResultDTO(res))
}

// BatchPayCommissions marks every listed commission paid or none.
// POST /api/commissions/batch/pay
func (h *Handler) BatchPayCommissions(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	var req BatchCommissionRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := h.Commissions.BatchMarkPaid(r.Context(), ids[clinic.CommissionID](req.IDs), actor,
		req.PaymentMethod, req.PaymentReference)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toBatchResultDTO(res))
}

func writeCommission(w http.ResponseWriter, c *clinic.Commission, err error) {
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toCommissionDTO(*c))
}

// =============================================================================
// INVOICE AND PAYMENT HANDLERS
// =============================================================================

// CreateInvoice bills a set of the patient's uninvoiced orders.
// POST /api/invoices
func (h *Handler) CreateInvoice(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	var req CreateInvoiceRequest
	if !decode(w, r, &req) {
		return
	}
	inv, err := h.Invoices.Create(r.Context(), clinic.CreateInvoiceInput{
		PatientID: clinic.PatientID(req.PatientID),
		OrderIDs:  ids[clinic.OrderID](req.OrderIDs),
		ActorID:   actor,
		DueDate:   req.DueDate,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toInvoiceDTO(inv))
}

// GetInvoice returns an invoice with its orders, payments and balance.
// GET /api/invoices/{id}
func (h *Handler) GetInvoice(w http.ResponseWriter, r *http.Request) {
	inv, err := h.Invoices.Get(r.Context(), invoiceID(r))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toInvoiceDTO(inv))
}

// CancelInvoice cancels an invoice without payments and releases its orders.
// POST /api/invoices/{id}/cancel
func (h *Handler) CancelInvoice(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	id := invoiceID(r)
	if err := h.Invoices.Cancel(r.Context(), id); err != nil {
		writeDomainError(w, err)
		return
	}
	h.log.Info().Str("invoice_id", string(id)).Str("actor_id", string(actor)).Msg("invoice cancel requested")

	inv, err := h.Invoices.Get(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toInvoiceDTO(inv))
}

// RecomputeInvoice re-derives the invoice status from its active payments.
// POST /api/invoices/{id}/recompute
func (h *Handler) RecomputeInvoice(w http.ResponseWriter, r *http.Request) {
	res, err := h.Invoices.Recompute(r.Context(), invoiceID(r))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toRecomputeDTO(res))
}

// CreatePayment records a payment and recomputes the invoice it touches.
// POST /api/payments
func (h *Handler) CreatePayment(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	var req CreatePaymentRequest
	if !decode(w, r, &req) {
		return
	}

	in := clinic.CreatePaymentInput{
		PatientID:     clinic.PatientID(req.PatientID),
		InvoiceID:     idPtr[clinic.InvoiceID](req.InvoiceID),
		AppointmentID: idPtr[clinic.AppointmentID](req.AppointmentID),
		AmountPaid:    req.AmountPaid,
		PaymentMethod: clinic.PaymentMethod(req.PaymentMethod),
		PaymentType:   clinic.PaymentType(req.PaymentType),
		ReceiptURL:    req.ReceiptURL,
		Notes:         req.Notes,
		ActorID:       actor,
	}
	if req.PaymentDate != nil {
		in.PaymentDate = *req.PaymentDate
	}

	res, err := h.Payments.Create(r.Context(), in)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, PaymentResultDTO{
		Payment: toPaymentDTO(res.Payment),
		Invoice: toRecomputeDTO(res.Invoice),
	})
}

// DeletePayment soft-deletes a payment. The optional body carries a reason.
// DELETE /api/payments/{id}
func (h *Handler) DeletePayment(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	var req DeletePaymentRequest
	if !decodeOptional(w, r, &req) {
		return
	}

	res, err := h.Payments.Delete(r.Context(), clinic.PaymentID(chi.URLParam(r, "id")), actor, req.Reason)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, PaymentResultDTO{
		Payment: toPaymentDTO(res.Payment),
		Invoice: toRecomputeDTO(res.Invoice),
	})
}

// ResetDatabase clears all data.
// POST /api/scenarios/reset
func (h *Handler) ResetDatabase(w http.ResponseWriter, r *http.Request) {
	if err := h.Store.Reset(r.Context()); err != nil {
		writeDomainError(w, err)
		return
	}
	h.setScenario("")
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

func appointmentID(r *http.Request) clinic.AppointmentID {
	return clinic.AppointmentID(chi.URLParam(r, "id"))
}

func commissionID(r *http.Request) clinic.CommissionID {
	return clinic.CommissionID(chi.URLParam(r, "id"))
}

func invoiceID(r *http.Request) clinic.InvoiceID {
	return clinic.InvoiceID(chi.URLParam(r, "id"))
}

func requireActor(w http.ResponseWriter, r *http.Request) (clinic.ActorID, bool) {
	actor := strings.TrimSpace(r.Header.Get(ActorHeader))
	if actor == "" {
		writeError(w, http.StatusBadRequest, "Missing "+ActorHeader+" header", nil)
		return "", false
	}
	return clinic.ActorID(actor), true
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	return true
}

// decodeOptional accepts an empty body and leaves v untouched.
func decodeOptional(w http.ResponseWriter, r *http.Request, v any) bool {
	err := json.NewDecoder(r.Body).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return true
	}
	writeError(w, http.StatusBadRequest, "Invalid request body", err)
	return false
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeDomainError maps the clinic error taxonomy to an HTTP status.
func writeDomainError(w http.ResponseWriter, err error) {
	resp := ErrorResponse{Details: err.Error()}
	status := http.StatusInternalServerError

	var (
		batch    *clinic.BatchError
		notFound *clinic.NotFoundError
		conflict *clinic.ConflictError
	)
	switch {
	case errors.As(err, &batch):
		status, resp.Error, resp.FailedIDs = http.StatusBadRequest, "Batch rejected", batch.Failed
	case errors.Is(err, clinic.ErrValidation):
		status, resp.Error = http.StatusBadRequest, "Validation failed"
	case errors.As(err, &notFound):
		status, resp.Error, resp.FailedIDs = http.StatusNotFound, "Not found", notFound.IDs
	case errors.As(err, &conflict):
		status, resp.Error, resp.FailedIDs = http.StatusConflict, "Conflict", conflict.IDs
	case errors.Is(err, clinic.ErrConflict):
		status, resp.Error = http.StatusConflict, "Conflict"
	default:
		resp.Error = "Internal error"
	}
	writeJSON(w, status, resp)
}
