/*
Package clinic provides the booking and financial reconciliation engine.

PURPOSE:
  This package holds the clinic's transactional core: appointments with their
  treatment packages (orders) and session records, reservation commissions,
  invoices and the payments that settle them. Every multi-entity write runs
  inside one store transaction so no half-booked appointment or inconsistent
  invoice is ever observable.

KEY CONCEPTS IN THIS FILE (types.go):
  - Money: decimal amounts rounded to cents
  - Identifiers: one string type per entity
  - Entities: Patient, Service, Appointment, Order, AppointmentService,
    Commission, Invoice, Payment
  - HydratedAppointment: what booking operations return

DESIGN PRINCIPLES:
  1. Precision: money is decimal.Decimal, never float64
  2. Type Safety: distinct ID types so an OrderID cannot be passed as an InvoiceID
  3. Derived state: invoice status is computed from payments, see status.go
  4. Soft delete: session records and payments carry a *Deletion, nil = active

SEE ALSO:
  - status.go: state machines for appointments, commissions, invoices
  - store.go: persistence contract
  - booking.go: appointment create/update orchestration
*/
package clinic

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// =============================================================================
// MONEY
// =============================================================================

// Money is a monetary amount. All writes go through Money() so stored values
// always carry two decimal places.
type Money = decimal.Decimal

// MoneyScale is the number of decimal places kept for amounts.
const MoneyScale = 2

// RoundMoney rounds half away from zero to cents.
func RoundMoney(d decimal.Decimal) decimal.Decimal { return d.Round(MoneyScale) }

func NewMoney(value float64) Money { return RoundMoney(decimal.NewFromFloat(value)) }

func NewMoneyFromInt(value int64) Money { return decimal.NewFromInt(value) }

// ParseMoney parses a decimal string such as "125.50".
func ParseMoney(s string) (Money, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, err
	}
	return RoundMoney(d), nil
}

// MustParseMoney is for tests and fixtures only.
func MustParseMoney(s string) Money {
	d, err := ParseMoney(s)
	if err != nil {
		panic(err)
	}
	return d
}

// =============================================================================
// IDENTIFIERS
// =============================================================================

type PatientID string
type ServiceID string
type AppointmentID string
type OrderID string
type SessionID string
type CommissionID string
type InvoiceID string
type PaymentID string

// ActorID identifies the authenticated staff member performing an operation.
type ActorID string

// TempPackageID is a client-generated correlation id grouping session
// requests that should resolve to one new Order within a single call.
type TempPackageID string

func newID() string { return uuid.NewString() }

// =============================================================================
// ENTITIES
// =============================================================================

type Patient struct {
	ID        PatientID
	FirstName string
	LastName  string
	Phone     string
	Email     string
	CreatedAt time.Time
}

func (p Patient) FullName() string {
	if p.LastName == "" {
		return p.FirstName
	}
	return p.FirstName + " " + p.LastName
}

// Service is a catalog entry that treatment packages are sold from.
type Service struct {
	ID              ServiceID
	Name            string
	BasePrice       Money
	DefaultSessions int
	Active          bool
}

type Appointment struct {
	ID                    AppointmentID
	PatientID             PatientID
	ScheduledDate         time.Time
	DurationMinutes       int
	ReservationAmount     *Money
	Status                AppointmentStatus
	CreatedByID           ActorID
	AttendedByID          *ActorID
	AttendedAt            *time.Time
	ReservationReceiptURL *string
	Notes                 string
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// HasReservation reports whether a positive deposit was recorded.
func (a Appointment) HasReservation() bool {
	return a.ReservationAmount != nil && a.ReservationAmount.IsPositive()
}

// Order is a purchased treatment package: a bundle of sessions of one service.
//
// INVARIANTS:
//   - FinalPrice = OriginalPrice - Discount
//   - Discount >= 0, FinalPrice >= 0
//   - once InvoiceID is set the price no longer changes
type Order struct {
	ID            OrderID
	PatientID     PatientID
	ServiceID     ServiceID
	TotalSessions int
	OriginalPrice Money
	Discount      Money
	FinalPrice    Money
	InvoiceID     *InvoiceID
	CreatedByID   ActorID
	CreatedAt     time.Time
}

func (o Order) IsInvoiced() bool { return o.InvoiceID != nil }

// Deletion is the "deleted" state of a soft-deletable record.
type Deletion struct {
	At     time.Time
	ByID   ActorID
	Reason string
}

// AppointmentService is a session record: one appointment consuming one
// session of one order.
type AppointmentService struct {
	ID            SessionID
	AppointmentID AppointmentID
	OrderID       OrderID
	SessionNumber int
	Deletion      *Deletion
	CreatedAt     time.Time
}

func (s AppointmentService) IsActive() bool { return s.Deletion == nil }

type Commission struct {
	ID               CommissionID
	SalesPersonID    ActorID
	AppointmentID    AppointmentID
	CommissionRate   decimal.Decimal
	CommissionAmount Money
	Status           CommissionStatus
	ApprovedByID     *ActorID
	ApprovedAt       *time.Time
	PaidByID         *ActorID
	PaidAt           *time.Time
	PaymentMethod    *string
	PaymentReference *string
	RejectedByID     *ActorID
	RejectionReason  *string
	Notes            *string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

type Invoice struct {
	ID          InvoiceID
	PatientID   PatientID
	TotalAmount Money
	Status      InvoiceStatus
	DueDate     *time.Time
	CreatedByID ActorID
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type Payment struct {
	ID            PaymentID
	PatientID     PatientID
	InvoiceID     *InvoiceID
	AppointmentID *AppointmentID
	AmountPaid    Money
	PaymentMethod PaymentMethod
	PaymentType   PaymentType
	PaymentDate   time.Time
	ReceiptURL    *string
	Notes         string
	CreatedByID   ActorID
	CreatedAt     time.Time
	Deletion      *Deletion
}

func (p Payment) IsActive() bool { return p.Deletion == nil }

// =============================================================================
// HYDRATED VIEWS
// =============================================================================

// SessionDetail is an active session record joined with its package and service.
type SessionDetail struct {
	Session AppointmentService
	Order   Order
	Service Service
}

// HydratedAppointment is the fully loaded appointment returned by booking
// operations. Sessions contains active records only.
type HydratedAppointment struct {
	Appointment Appointment
	Patient     Patient
	Sessions    []SessionDetail
	Commissions []Commission
}

// Orders returns the distinct orders referenced by the active sessions, in
// first-seen order.
func (h *HydratedAppointment) Orders() []Order {
	seen := make(map[OrderID]bool)
	var out []Order
	for _, s := range h.Sessions {
		if seen[s.Order.ID] {
			continue
		}
		seen[s.Order.ID] = true
		out = append(out, s.Order)
	}
	return out
}
