/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the clinic domain model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

MONEY:
  Amounts are decimal.Decimal. They encode as JSON strings ("500.00") and
  decode from either strings or numbers, so no float ever touches a price.

DATES:
  Timestamps are RFC3339. Request dates accept RFC3339 only.

VALIDATION:
  Validation is done by the clinic services, not in DTOs. DTOs are pure
  data carriers; handlers only convert them.

SEE ALSO:
  - handlers.go: Uses these types
  - factory/catalog.go: ServiceJSON type
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/clinic-engine/clinic"
)

// =============================================================================
// PATIENTS AND CATALOG
// =============================================================================

type PatientDTO struct {
	ID        string `json:"id"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	FullName  string `json:"full_name"`
	Phone     string `json:"phone,omitempty"`
	Email     string `json:"email,omitempty"`
	CreatedAt string `json:"created_at,omitempty"`
}

// CreatePatientRequest creates a patient. The id is generated when empty.
type CreatePatientRequest struct {
	ID        string `json:"id"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Phone     string `json:"phone"`
	Email     string `json:"email"`
}

type ServiceDTO struct {
	ID              string          `json:"id"`
	Name            string          `json:"name"`
	BasePrice       decimal.Decimal `json:"base_price"`
	DefaultSessions int             `json:"default_sessions"`
	Active          bool            `json:"active"`
}

// =============================================================================
// APPOINTMENTS
// =============================================================================

type SessionRequestDTO struct {
	ServiceID       string           `json:"service_id"`
	SessionNumber   int              `json:"session_number"`
	OrderID         string           `json:"order_id,omitempty"`
	TempPackageID   string           `json:"temp_package_id,omitempty"`
	NegotiatedPrice *decimal.Decimal `json:"negotiated_price,omitempty"`
	TotalSessions   *int             `json:"total_sessions,omitempty"`
}

type CreateAppointmentRequest struct {
	PatientID             string              `json:"patient_id"`
	ScheduledDate         time.Time           `json:"scheduled_date"`
	DurationMinutes       int                 `json:"duration_minutes"`
	ReservationAmount     *decimal.Decimal    `json:"reservation_amount,omitempty"`
	ReservationReceiptURL *string             `json:"reservation_receipt_url,omitempty"`
	Notes                 string              `json:"notes"`
	Sessions              []SessionRequestDTO `json:"sessions"`
}

type NewPackageDTO struct {
	TempPackageID   string           `json:"temp_package_id"`
	ServiceID       string           `json:"service_id"`
	NegotiatedPrice *decimal.Decimal `json:"negotiated_price,omitempty"`
	TotalSessions   *int             `json:"total_sessions,omitempty"`
}

type OrderPriceUpdateDTO struct {
	OrderID    string          `json:"order_id"`
	FinalPrice decimal.Decimal `json:"final_price"`
}

type SessionOperationsDTO struct {
	ToDelete          []string              `json:"to_delete"`
	DeleteReason      string                `json:"delete_reason"`
	NewOrders         []NewPackageDTO       `json:"new_orders"`
	ToCreate          []SessionRequestDTO   `json:"to_create"`
	OrderPriceUpdates []OrderPriceUpdateDTO `json:"order_price_updates"`
}

type UpdateAppointmentRequest struct {
	ScheduledDate         *time.Time            `json:"scheduled_date,omitempty"`
	DurationMinutes       *int                  `json:"duration_minutes,omitempty"`
	Status                *string               `json:"status,omitempty"`
	Notes                 *string               `json:"notes,omitempty"`
	ReservationReceiptURL *string               `json:"reservation_receipt_url,omitempty"`
	Sessions              *SessionOperationsDTO `json:"sessions,omitempty"`
}

type OrderDTO struct {
	ID            string          `json:"id"`
	PatientID     string          `json:"patient_id"`
	ServiceID     string          `json:"service_id"`
	TotalSessions int             `json:"total_sessions"`
	OriginalPrice decimal.Decimal `json:"original_price"`
	Discount      decimal.Decimal `json:"discount"`
	FinalPrice    decimal.Decimal `json:"final_price"`
	InvoiceID     *string         `json:"invoice_id"`
	CreatedAt     string          `json:"created_at"`
}

type SessionDTO struct {
	ID            string   `json:"id"`
	SessionNumber int      `json:"session_number"`
	Order         OrderDTO `json:"order"`
	ServiceName   string   `json:"service_name"`
}

type AppointmentDTO struct {
	ID                    string           `json:"id"`
	Patient               PatientDTO       `json:"patient"`
	ScheduledDate         string           `json:"scheduled_date"`
	DurationMinutes       int              `json:"duration_minutes"`
	ReservationAmount     *decimal.Decimal `json:"reservation_amount"`
	ReservationReceiptURL *string          `json:"reservation_receipt_url,omitempty"`
	Status                string           `json:"status"`
	Notes                 string           `json:"notes,omitempty"`
	CreatedByID           string           `json:"created_by_id"`
	AttendedByID          *string          `json:"attended_by_id,omitempty"`
	AttendedAt            *string          `json:"attended_at,omitempty"`
	Sessions              []SessionDTO     `json:"sessions"`
	Commissions           []CommissionDTO  `json:"commissions"`
}

// =============================================================================
// COMMISSIONS
// =============================================================================

type CommissionDTO struct {
	ID               string          `json:"id"`
	AppointmentID    string          `json:"appointment_id"`
	SalesPersonID    string          `json:"sales_person_id"`
	CommissionRate   decimal.Decimal `json:"commission_rate"`
	CommissionAmount decimal.Decimal `json:"commission_amount"`
	Status           string          `json:"status"`
	ApprovedByID     *string         `json:"approved_by_id,omitempty"`
	ApprovedAt       *string         `json:"approved_at,omitempty"`
	PaidByID         *string         `json:"paid_by_id,omitempty"`
	PaidAt           *string         `json:"paid_at,omitempty"`
	PaymentMethod    *string         `json:"payment_method,omitempty"`
	PaymentReference *string         `json:"payment_reference,omitempty"`
	RejectedByID     *string         `json:"rejected_by_id,omitempty"`
	RejectionReason  *string         `json:"rejection_reason,omitempty"`
	Notes            *string         `json:"notes,omitempty"`
}

type ApproveCommissionRequest struct {
	Notes *string `json:"notes"`
}

type RejectCommissionRequest struct {
	Reason string `json:"reason"`
}

type PayCommissionRequest struct {
	PaymentMethod    string  `json:"payment_method"`
	PaymentReference *string `json:"payment_reference"`
}

type BatchCommissionRequest struct {
	IDs              []string `json:"ids"`
	PaymentMethod    string   `json:"payment_method,omitempty"`
	PaymentReference *string  `json:"payment_reference,omitempty"`
}

type BatchResultDTO struct {
	Requested int      `json:"requested"`
	Updated   int      `json:"updated"`
	Skipped   []string `json:"skipped"`
}

// =============================================================================
// INVOICES AND PAYMENTS
// =============================================================================

type CreateInvoiceRequest struct {
	PatientID string     `json:"patient_id"`
	OrderIDs  []string   `json:"order_ids"`
	DueDate   *time.Time `json:"due_date,omitempty"`
}

type InvoiceDTO struct {
	ID          string          `json:"id"`
	PatientID   string          `json:"patient_id"`
	TotalAmount decimal.Decimal `json:"total_amount"`
	Status      string          `json:"status"`
	DueDate     *string         `json:"due_date,omitempty"`
	CreatedByID string          `json:"created_by_id"`
	CreatedAt   string          `json:"created_at"`
	Orders      []OrderDTO      `json:"orders"`
	Payments    []PaymentDTO    `json:"payments"`
	TotalPaid   decimal.Decimal `json:"total_paid"`
	BalanceDue  decimal.Decimal `json:"balance_due"`
}

type RecomputeDTO struct {
	InvoiceID string          `json:"invoice_id"`
	Previous  string          `json:"previous_status"`
	Status    string          `json:"status"`
	TotalPaid decimal.Decimal `json:"total_paid"`
	Changed   bool            `json:"changed"`
}

type CreatePaymentRequest struct {
	PatientID     string          `json:"patient_id"`
	InvoiceID     *string         `json:"invoice_id,omitempty"`
	AppointmentID *string         `json:"appointment_id,omitempty"`
	AmountPaid    decimal.Decimal `json:"amount_paid"`
	PaymentMethod string          `json:"payment_method"`
	PaymentType   string          `json:"payment_type"`
	PaymentDate   *time.Time      `json:"payment_date,omitempty"`
	ReceiptURL    *string         `json:"receipt_url,omitempty"`
	Notes         string          `json:"notes"`
}

type DeletePaymentRequest struct {
	Reason string `json:"reason"`
}

type PaymentDTO struct {
	ID            string          `json:"id"`
	PatientID     string          `json:"patient_id"`
	InvoiceID     *string         `json:"invoice_id,omitempty"`
	AppointmentID *string         `json:"appointment_id,omitempty"`
	AmountPaid    decimal.Decimal `json:"amount_paid"`
	PaymentMethod string          `json:"payment_method"`
	PaymentType   string          `json:"payment_type"`
	PaymentDate   string          `json:"payment_date"`
	ReceiptURL    *string         `json:"receipt_url,omitempty"`
	Notes         string          `json:"notes,omitempty"`
	Deleted       bool            `json:"deleted"`
}

type PaymentResultDTO struct {
	Payment PaymentDTO    `json:"payment"`
	Invoice *RecomputeDTO `json:"invoice,omitempty"`
}

// =============================================================================
// SCENARIOS AND ERRORS
// =============================================================================

type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error     string   `json:"error"`
	Details   string   `json:"details,omitempty"`
	FailedIDs []string `json:"failed_ids,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func formatTime(t time.Time) string { return t.UTC().Format(time.RFC3339) }

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTime(*t)
	return &s
}

func strID[T ~string](id *T) *string {
	if id == nil {
		return nil
	}
	s := string(*id)
	return &s
}

func toPatientDTO(p clinic.Patient) PatientDTO {
	dto := PatientDTO{
		ID:        string(p.ID),
		FirstName: p.FirstName,
		LastName:  p.LastName,
		FullName:  p.FullName(),
		Phone:     p.Phone,
		Email:     p.Email,
	}
	if !p.CreatedAt.IsZero() {
		dto.CreatedAt = formatTime(p.CreatedAt)
	}
	return dto
}

func toServiceDTO(s clinic.Service) ServiceDTO {
	return ServiceDTO{
		ID:              string(s.ID),
		Name:            s.Name,
		BasePrice:       s.BasePrice,
		DefaultSessions: s.DefaultSessions,
		Active:          s.Active,
	}
}

func toOrderDTO(o clinic.Order) OrderDTO {
	return OrderDTO{
		ID:            string(o.ID),
		PatientID:     string(o.PatientID),
		ServiceID:     string(o.ServiceID),
		TotalSessions: o.TotalSessions,
		OriginalPrice: o.OriginalPrice,
		Discount:      o.Discount,
		FinalPrice:    o.FinalPrice,
		InvoiceID:     strID(o.InvoiceID),
		CreatedAt:     formatTime(o.CreatedAt),
	}
}

func toOrderDTOs(orders []clinic.Order) []OrderDTO {
	out := make([]OrderDTO, len(orders))
	for i, o := range orders {
		out[i] = toOrderDTO(o)
	}
	return out
}

func toCommissionDTO(c clinic.Commission) CommissionDTO {
	return CommissionDTO{
		ID:               string(c.ID),
		AppointmentID:    string(c.AppointmentID),
		SalesPersonID:    string(c.SalesPersonID),
		CommissionRate:   c.CommissionRate,
		CommissionAmount: c.CommissionAmount,
		Status:           string(c.Status),
		ApprovedByID:     strID(c.ApprovedByID),
		ApprovedAt:       formatTimePtr(c.ApprovedAt),
		PaidByID:         strID(c.PaidByID),
		PaidAt:           formatTimePtr(c.PaidAt),
		PaymentMethod:    c.PaymentMethod,
		PaymentReference: c.PaymentReference,
		RejectedByID:     strID(c.RejectedByID),
		RejectionReason:  c.RejectionReason,
		Notes:            c.Notes,
	}
}

func toCommissionDTOs(cs []clinic.Commission) []CommissionDTO {
	out := make([]CommissionDTO, len(cs))
	for i, c := range cs {
		out[i] = toCommissionDTO(c)
	}
	return out
}

func toAppointmentDTO(h *clinic.HydratedAppointment) AppointmentDTO {
	a := h.Appointment
	dto := AppointmentDTO{
		ID:                    string(a.ID),
		Patient:               toPatientDTO(h.Patient),
		ScheduledDate:         formatTime(a.ScheduledDate),
		DurationMinutes:       a.DurationMinutes,
		ReservationAmount:     a.ReservationAmount,
		ReservationReceiptURL: a.ReservationReceiptURL,
		Status:                string(a.Status),
		Notes:                 a.Notes,
		CreatedByID:           string(a.CreatedByID),
		AttendedByID:          strID(a.AttendedByID),
		AttendedAt:            formatTimePtr(a.AttendedAt),
		Sessions:              make([]SessionDTO, len(h.Sessions)),
		Commissions:           toCommissionDTOs(h.Commissions),
	}
	for i, s := range h.Sessions {
		dto.Sessions[i] = SessionDTO{
			ID:            string(s.Session.ID),
			SessionNumber: s.Session.SessionNumber,
			Order:         toOrderDTO(s.Order),
			ServiceName:   s.Service.Name,
		}
	}
	return dto
}

func toPaymentDTO(p clinic.Payment) PaymentDTO {
	return PaymentDTO{
		ID:            string(p.ID),
		PatientID:     string(p.PatientID),
		InvoiceID:     strID(p.InvoiceID),
		AppointmentID: strID(p.AppointmentID),
		AmountPaid:    p.AmountPaid,
		PaymentMethod: string(p.PaymentMethod),
		PaymentType:   string(p.PaymentType),
		PaymentDate:   formatTime(p.PaymentDate),
		ReceiptURL:    p.ReceiptURL,
		Notes:         p.Notes,
		Deleted:       !p.IsActive(),
	}
}

func toInvoiceDTO(d *clinic.InvoiceDetail) InvoiceDTO {
	inv := d.Invoice
	dto := InvoiceDTO{
		ID:          string(inv.ID),
		PatientID:   string(inv.PatientID),
		TotalAmount: inv.TotalAmount,
		Status:      string(inv.Status),
		DueDate:     formatTimePtr(inv.DueDate),
		CreatedByID: string(inv.CreatedByID),
		CreatedAt:   formatTime(inv.CreatedAt),
		Orders:      toOrderDTOs(d.Orders),
		Payments:    make([]PaymentDTO, len(d.Payments)),
		TotalPaid:   d.TotalPaid,
		BalanceDue:  d.BalanceDue,
	}
	for i, p := range d.Payments {
		dto.Payments[i] = toPaymentDTO(p)
	}
	return dto
}

func toRecomputeDTO(r *clinic.RecomputeResult) *RecomputeDTO {
	if r == nil {
		return nil
	}
	return &RecomputeDTO{
		InvoiceID: string(r.InvoiceID),
		Previous:  string(r.Previous),
		Status:    string(r.Status),
		TotalPaid: r.TotalPaid,
		Changed:   r.Changed,
	}
}

func toBatchResultDTO(r *clinic.BatchResult) BatchResultDTO {
	skipped := make([]string, len(r.Skipped))
	for i, id := range r.Skipped {
		skipped[i] = string(id)
	}
	return BatchResultDTO{Requested: r.Requested, Updated: r.Updated, Skipped: skipped}
}

// =============================================================================
// REQUEST CONVERSIONS
// =============================================================================

func (s SessionRequestDTO) toDomain() clinic.SessionRequest {
	return clinic.SessionRequest{
		ServiceID:       clinic.ServiceID(s.ServiceID),
		SessionNumber:   s.SessionNumber,
		OrderID:         clinic.OrderID(s.OrderID),
		TempPackageID:   clinic.TempPackageID(s.TempPackageID),
		NegotiatedPrice: s.NegotiatedPrice,
		TotalSessions:   s.TotalSessions,
	}
}

func toSessionRequests(in []SessionRequestDTO) []clinic.SessionRequest {
	out := make([]clinic.SessionRequest, len(in))
	for i, s := range in {
		out[i] = s.toDomain()
	}
	return out
}

func (o *SessionOperationsDTO) toDomain() *clinic.SessionOperations {
	if o == nil {
		return nil
	}
	ops := &clinic.SessionOperations{
		ToDelete:     ids[clinic.SessionID](o.ToDelete),
		DeleteReason: o.DeleteReason,
		ToCreate:     toSessionRequests(o.ToCreate),
	}
	for _, p := range o.NewOrders {
		ops.NewOrders = append(ops.NewOrders, clinic.NewPackage{
			TempID:          clinic.TempPackageID(p.TempPackageID),
			ServiceID:       clinic.ServiceID(p.ServiceID),
			NegotiatedPrice: p.NegotiatedPrice,
			TotalSessions:   p.TotalSessions,
		})
	}
	for _, u := range o.OrderPriceUpdates {
		ops.OrderPriceUpdates = append(ops.OrderPriceUpdates, clinic.OrderPriceUpdate{
			OrderID:    clinic.OrderID(u.OrderID),
			FinalPrice: u.FinalPrice,
		})
	}
	return ops
}

func ids[T ~string](in []string) []T {
	if in == nil {
		return nil
	}
	out := make([]T, len(in))
	for i, s := range in {
		out[i] = T(s)
	}
	return out
}

func idPtr[T ~string](s *string) *T {
	if s == nil {
		return nil
	}
	v := T(*s)
	return &v
}
