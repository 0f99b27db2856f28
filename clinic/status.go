/*
status.go - State machines for appointments, commissions and invoices

PURPOSE:
  Every status in the engine is an enumerated type with an explicit
  transition table. Services never compare raw strings; they ask the table.

APPOINTMENT:
  reserved ──▶ in_progress ──▶ attended
     │  └──────────────────────▲
     ├──▶ cancelled
     └──▶ no_show

COMMISSION:
  pending ──▶ approved ──▶ paid
     │           └──▶ cancelled
     ├──▶ rejected
     └──▶ cancelled

INVOICE (derived, see DeriveInvoiceStatus):
  total paid == 0          → pending
  0 < total paid < amount  → partial
  total paid >= amount     → paid
  cancelled only through InvoiceService.Cancel with zero payments
*/
package clinic

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// APPOINTMENT STATUS
// =============================================================================

type AppointmentStatus string

const (
	AppointmentReserved   AppointmentStatus = "reserved"
	AppointmentInProgress AppointmentStatus = "in_progress"
	AppointmentAttended   AppointmentStatus = "attended"
	AppointmentCancelled  AppointmentStatus = "cancelled"
	AppointmentNoShow     AppointmentStatus = "no_show"
)

var appointmentTransitions = map[AppointmentStatus][]AppointmentStatus{
	AppointmentReserved:   {AppointmentInProgress, AppointmentAttended, AppointmentCancelled, AppointmentNoShow},
	AppointmentInProgress: {AppointmentAttended},
}

func (s AppointmentStatus) Valid() bool {
	switch s {
	case AppointmentReserved, AppointmentInProgress, AppointmentAttended, AppointmentCancelled, AppointmentNoShow:
		return true
	}
	return false
}

func (s AppointmentStatus) CanTransitionTo(next AppointmentStatus) bool {
	return contains(appointmentTransitions[s], next)
}

// IsOpen reports whether sessions may still be added to or removed from the appointment.
func (s AppointmentStatus) IsOpen() bool {
	return s == AppointmentReserved || s == AppointmentInProgress
}

// ValidateTransition returns a *ValidationError when moving from s to next is illegal.
func (s AppointmentStatus) ValidateTransition(next AppointmentStatus) error {
	if !next.Valid() {
		return Invalid("status", fmt.Sprintf("unknown appointment status %q", next))
	}
	if !s.CanTransitionTo(next) {
		return Invalid("status", fmt.Sprintf("appointment cannot move from %s to %s", s, next))
	}
	return nil
}

// =============================================================================
// COMMISSION STATUS
// =============================================================================

type CommissionStatus string

const (
	CommissionPending   CommissionStatus = "pending"
	CommissionApproved  CommissionStatus = "approved"
	CommissionPaid      CommissionStatus = "paid"
	CommissionRejected  CommissionStatus = "rejected"
	CommissionCancelled CommissionStatus = "cancelled"
)

var commissionTransitions = map[CommissionStatus][]CommissionStatus{
	CommissionPending:  {CommissionApproved, CommissionRejected, CommissionCancelled},
	CommissionApproved: {CommissionPaid, CommissionCancelled},
}

func (s CommissionStatus) CanTransitionTo(next CommissionStatus) bool {
	return contains(commissionTransitions[s], next)
}

// Sources returns every status that may legally move to s.
// Used as the optimistic filter of conditional updates.
func (s CommissionStatus) Sources() []CommissionStatus {
	var out []CommissionStatus
	for _, from := range []CommissionStatus{CommissionPending, CommissionApproved, CommissionPaid, CommissionRejected, CommissionCancelled} {
		if from.CanTransitionTo(s) {
			out = append(out, from)
		}
	}
	return out
}

func (s CommissionStatus) ValidateTransition(next CommissionStatus) error {
	if !s.CanTransitionTo(next) {
		return Invalid("status", fmt.Sprintf("commission cannot move from %s to %s", s, next))
	}
	return nil
}

// =============================================================================
// INVOICE STATUS
// =============================================================================

type InvoiceStatus string

const (
	InvoicePending   InvoiceStatus = "pending"
	InvoicePartial   InvoiceStatus = "partial"
	InvoicePaid      InvoiceStatus = "paid"
	InvoiceCancelled InvoiceStatus = "cancelled"
)

// DeriveInvoiceStatus computes an invoice's status from the sum of its
// active payments. It never returns InvoiceCancelled.
func DeriveInvoiceStatus(totalPaid, totalAmount decimal.Decimal) InvoiceStatus {
	switch {
	case totalPaid.Sign() <= 0:
		return InvoicePending
	case totalPaid.LessThan(totalAmount):
		return InvoicePartial
	default:
		return InvoicePaid
	}
}

// =============================================================================
// PAYMENTS
// =============================================================================

type PaymentType string

const (
	PaymentTypeInvoice     PaymentType = "invoice_payment"
	PaymentTypeReservation PaymentType = "reservation"
	PaymentTypeService     PaymentType = "service_payment"
)

func (t PaymentType) Valid() bool {
	return t == PaymentTypeInvoice || t == PaymentTypeReservation || t == PaymentTypeService
}

type PaymentMethod string

const (
	MethodCash     PaymentMethod = "cash"
	MethodCard     PaymentMethod = "card"
	MethodTransfer PaymentMethod = "transfer"
	MethodOther    PaymentMethod = "other"
)

func (m PaymentMethod) Valid() bool {
	switch m {
	case MethodCash, MethodCard, MethodTransfer, MethodOther:
		return true
	}
	return false
}

func contains[T comparable](list []T, v T) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}
