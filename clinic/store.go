/*
store.go - Persistence contract for the Ledger Store

PURPOSE:
  Defines the interface between the booking/billing logic and the database.
  The store owns every entity; the engine never caches records across calls
  and re-reads current state inside each transaction before mutating it.

KEY INTERFACES:
  Store:   Row-level reads and writes for all entities
  TxStore: Store + WithTx for atomic multi-statement units of work

TRANSACTIONS:
  WithTx(ctx, fn) commits when fn returns nil and rolls back on error or
  panic. The Store handed to fn is scoped to that transaction and must not
  be retained after fn returns.

NOT FOUND:
  Get* methods return a *NotFoundError when the row does not exist. Other
  failures are returned as *StoreError (errors.Is ErrTransactionFailed).

IMPLEMENTATIONS:
  - store/sqlite/sqlite.go: SQLite via database/sql
  - clinic/store/memory.go: in-memory copy-on-write store for tests
*/
package clinic

import (
	"context"
	"time"
)

// Store handles persistence of clinic entities.
type Store interface {
	// Patients and the service catalog
	SavePatient(ctx context.Context, p Patient) error
	GetPatient(ctx context.Context, id PatientID) (*Patient, error)
	SaveService(ctx context.Context, s Service) error
	GetService(ctx context.Context, id ServiceID) (*Service, error)
	ListServices(ctx context.Context) ([]Service, error)

	// Appointments
	InsertAppointment(ctx context.Context, a Appointment) error
	GetAppointment(ctx context.Context, id AppointmentID) (*Appointment, error)
	UpdateAppointment(ctx context.Context, a Appointment) error

	// Orders (treatment packages)
	InsertOrder(ctx context.Context, o Order) error
	GetOrder(ctx context.Context, id OrderID) (*Order, error)
	ListOrders(ctx context.Context, q OrderQuery) ([]Order, error)
	UpdateOrderPrice(ctx context.Context, id OrderID, discount, finalPrice Money) error
	// SetOrdersInvoice sets (or clears, when invoiceID is nil) the invoice of every listed order.
	SetOrdersInvoice(ctx context.Context, ids []OrderID, invoiceID *InvoiceID) error

	// Session records
	InsertSession(ctx context.Context, s AppointmentService) error
	ListSessions(ctx context.Context, q SessionQuery) ([]AppointmentService, error)
	// SoftDeleteSessions stamps the deletion on active sessions of the given
	// appointment only. Returns how many rows were deleted.
	SoftDeleteSessions(ctx context.Context, appointmentID AppointmentID, ids []SessionID, d Deletion) (int, error)

	// Commissions
	InsertCommission(ctx context.Context, c Commission) error
	GetCommission(ctx context.Context, id CommissionID) (*Commission, error)
	ListCommissions(ctx context.Context, q CommissionQuery) ([]Commission, error)
	// TransitionCommissions moves the listed commissions to t.To, touching
	// only rows whose current status is in t.From. Returns rows affected.
	TransitionCommissions(ctx context.Context, ids []CommissionID, t CommissionTransition) (int, error)

	// Invoices
	InsertInvoice(ctx context.Context, inv Invoice) error
	GetInvoice(ctx context.Context, id InvoiceID) (*Invoice, error)
	SetInvoiceStatus(ctx context.Context, id InvoiceID, status InvoiceStatus) error

	// Payments
	InsertPayment(ctx context.Context, p Payment) error
	GetPayment(ctx context.Context, id PaymentID) (*Payment, error)
	// ListPayments returns the active payments of an invoice, oldest first.
	ListPayments(ctx context.Context, invoiceID InvoiceID) ([]Payment, error)
	SoftDeletePayment(ctx context.Context, id PaymentID, d Deletion) error
	// SumPayments totals the active payments of an invoice.
	SumPayments(ctx context.Context, invoiceID InvoiceID) (PaymentTotals, error)
}

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, transaction is rolled back.
	// If fn returns nil, transaction is committed.
	WithTx(ctx context.Context, fn func(Store) error) error
}

// =============================================================================
// QUERIES
// =============================================================================

type OrderQuery struct {
	IDs            []OrderID
	PatientID      PatientID
	InvoiceID      InvoiceID
	UninvoicedOnly bool
}

type SessionQuery struct {
	AppointmentID  AppointmentID
	OrderID        OrderID
	IncludeDeleted bool
}

type CommissionQuery struct {
	IDs           []CommissionID
	AppointmentID AppointmentID
}

// CommissionTransition describes a conditional status change. The store
// stamps the actor columns that belong to the target status.
type CommissionTransition struct {
	From []CommissionStatus
	To   CommissionStatus
	By   ActorID
	At   time.Time

	Notes            *string
	RejectionReason  *string
	PaymentMethod    *string
	PaymentReference *string
}

// Apply writes the transition onto c. Stores use it so the column mapping
// lives in one place.
func (t CommissionTransition) Apply(c *Commission) {
	by, at := t.By, t.At
	c.Status = t.To
	c.UpdatedAt = at
	switch t.To {
	case CommissionApproved:
		c.ApprovedByID, c.ApprovedAt = &by, &at
	case CommissionPaid:
		c.PaidByID, c.PaidAt = &by, &at
		c.PaymentMethod, c.PaymentReference = t.PaymentMethod, t.PaymentReference
	case CommissionRejected:
		c.RejectedByID = &by
		c.RejectionReason = t.RejectionReason
	}
	if t.Notes != nil {
		c.Notes = t.Notes
	}
}

type PaymentTotals struct {
	Total Money
	Count int
}

// =============================================================================
// QUERY HELPERS
// =============================================================================

// ActiveSessions is the one place that lists an appointment's sessions for
// display or invariant checks. Soft-deleted rows never leak through it.
func ActiveSessions(ctx context.Context, st Store, id AppointmentID) ([]AppointmentService, error) {
	return st.ListSessions(ctx, SessionQuery{AppointmentID: id})
}

// ActiveOrderSessions lists the active sessions consuming an order.
func ActiveOrderSessions(ctx context.Context, st Store, id OrderID) ([]AppointmentService, error) {
	return st.ListSessions(ctx, SessionQuery{OrderID: id})
}
