/*
engine_test.go - End-to-end behavior of the booking and billing engine

ORGANIZATION:
  1. Test infrastructure (fixture over the in-memory store)
  2. Walkthrough scenarios: booking, invoicing, commission gating,
     invoice cancellation, session replacement
  3. Atomicity: a failing step leaves no partial writes

Every test reads GIVEN/WHEN/THEN. Money is compared as fixed two-decimal
strings so "500" and "500.00" never produce false failures.
*/
package clinic_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/clinic-engine/clinic"
	"github.com/warp/clinic-engine/clinic/store"
)

// =============================================================================
// TEST INFRASTRUCTURE
// =============================================================================

const (
	staff   clinic.ActorID = "staff-1"
	manager clinic.ActorID = "manager-1"
)

var march10 = time.Date(2025, time.March, 10, 9, 0, 0, 0, time.UTC)

type fixture struct {
	ctx         context.Context
	store       clinic.TxStore
	booking     *clinic.BookingService
	commissions *clinic.CommissionService
	invoices    *clinic.InvoiceService
	payments    *clinic.PaymentService
}

func newFixture(t *testing.T, opts ...clinic.BookingOption) *fixture {
	return newFixtureWithStore(t, store.NewMemory(), opts...)
}

// newFixtureWithStore seeds two patients and a small catalog:
//
//	S1 500.00, 4 sessions by default
//	S2 300.00, no default
//	S3 200.00, no default
//	S9 inactive
func newFixtureWithStore(t *testing.T, st clinic.TxStore, opts ...clinic.BookingOption) *fixture {
	t.Helper()
	ctx := context.Background()
	log := zerolog.Nop()

	for _, p := range []clinic.Patient{
		{ID: "P1", FirstName: "Ana", LastName: "Lopez", CreatedAt: march10},
		{ID: "P2", FirstName: "Ben", LastName: "Okafor", CreatedAt: march10},
	} {
		require.NoError(t, st.SavePatient(ctx, p))
	}
	for _, s := range []clinic.Service{
		{ID: "S1", Name: "Knee physiotherapy", BasePrice: clinic.MustParseMoney("500"), DefaultSessions: 4, Active: true},
		{ID: "S2", Name: "Back physiotherapy", BasePrice: clinic.MustParseMoney("300"), Active: true},
		{ID: "S3", Name: "Massage", BasePrice: clinic.MustParseMoney("200"), Active: true},
		{ID: "S9", Name: "Hydrotherapy", BasePrice: clinic.MustParseMoney("120"), DefaultSessions: 4, Active: false},
	} {
		require.NoError(t, st.SaveService(ctx, s))
	}

	invoices := clinic.NewInvoiceService(st, log)
	return &fixture{
		ctx:         ctx,
		store:       st,
		booking:     clinic.NewBookingService(st, log, opts...),
		commissions: clinic.NewCommissionService(st, log),
		invoices:    invoices,
		payments:    clinic.NewPaymentService(st, invoices, log),
	}
}

func money(s string) *clinic.Money {
	m := clinic.MustParseMoney(s)
	return &m
}

func intp(n int) *int { return &n }

func assertMoney(t *testing.T, want string, got clinic.Money, msgAndArgs ...any) {
	t.Helper()
	assert.Equal(t, clinic.MustParseMoney(want).StringFixed(2), got.StringFixed(2), msgAndArgs...)
}

// book creates an appointment for P1 with one new package on service.
func (f *fixture) book(t *testing.T, service clinic.ServiceID, reservation *clinic.Money) *clinic.HydratedAppointment {
	t.Helper()
	appt, err := f.booking.Create(f.ctx, clinic.CreateAppointmentInput{
		PatientID:         "P1",
		ScheduledDate:     march10,
		ReservationAmount: reservation,
		Sessions: []clinic.SessionRequest{
			{ServiceID: service, SessionNumber: 1, TempPackageID: "tmp1"},
		},
		ActorID: staff,
	})
	require.NoError(t, err)
	return appt
}

func (f *fixture) pay(t *testing.T, invoiceID clinic.InvoiceID, amount string) *clinic.PaymentResult {
	t.Helper()
	res, err := f.payments.Create(f.ctx, clinic.CreatePaymentInput{
		PatientID:     "P1",
		InvoiceID:     &invoiceID,
		AmountPaid:    clinic.MustParseMoney(amount),
		PaymentMethod: clinic.MethodCash,
		PaymentType:   clinic.PaymentTypeInvoice,
		ActorID:       staff,
	})
	require.NoError(t, err)
	return res
}

// =============================================================================
// WALKTHROUGH SCENARIOS
// =============================================================================

func TestScenario_BookingWithNewPackageAndReservation(t *testing.T) {
	// GIVEN: service S1 priced 500 with 4 default sessions
	f := newFixture(t)

	// WHEN: an appointment is booked with a 100 deposit and one session in a new package
	appt, err := f.booking.Create(f.ctx, clinic.CreateAppointmentInput{
		PatientID:         "P1",
		ScheduledDate:     march10,
		ReservationAmount: money("100"),
		Sessions: []clinic.SessionRequest{
			{ServiceID: "S1", SessionNumber: 1, TempPackageID: "tmp1"},
		},
		ActorID: staff,
	})

	// THEN: one order with the service defaults, one session, one pending commission of 10
	require.NoError(t, err)
	assert.Equal(t, clinic.AppointmentReserved, appt.Appointment.Status)
	assert.Equal(t, clinic.DefaultDurationMinutes, appt.Appointment.DurationMinutes)
	assert.Equal(t, "Ana Lopez", appt.Patient.FullName())

	require.Len(t, appt.Sessions, 1)
	assert.Equal(t, 1, appt.Sessions[0].Session.SessionNumber)
	assert.Equal(t, clinic.ServiceID("S1"), appt.Sessions[0].Service.ID)

	orders := appt.Orders()
	require.Len(t, orders, 1)
	assert.Equal(t, 4, orders[0].TotalSessions)
	assertMoney(t, "500", orders[0].FinalPrice)
	assertMoney(t, "0", orders[0].Discount)
	assert.False(t, orders[0].IsInvoiced())

	require.Len(t, appt.Commissions, 1)
	c := appt.Commissions[0]
	assert.Equal(t, clinic.CommissionPending, c.Status)
	assertMoney(t, "10", c.CommissionAmount)
	assert.Equal(t, staff, c.SalesPersonID)
	assert.True(t, c.CommissionRate.Equal(clinic.DefaultCommissionRate))
}

func TestScenario_InvoicePaidThenPaymentDeleted(t *testing.T) {
	// GIVEN: two orders for P1 priced 300 and 200
	f := newFixture(t)
	appt, err := f.booking.Create(f.ctx, clinic.CreateAppointmentInput{
		PatientID:     "P1",
		ScheduledDate: march10,
		Sessions: []clinic.SessionRequest{
			{ServiceID: "S2", SessionNumber: 1, TempPackageID: "back"},
			{ServiceID: "S3", SessionNumber: 1, TempPackageID: "massage"},
		},
		ActorID: staff,
	})
	require.NoError(t, err)
	orders := appt.Orders()
	require.Len(t, orders, 2)

	// WHEN: both are invoiced
	inv, err := f.invoices.Create(f.ctx, clinic.CreateInvoiceInput{
		PatientID: "P1",
		OrderIDs:  []clinic.OrderID{orders[0].ID, orders[1].ID},
		ActorID:   staff,
	})

	// THEN: the invoice totals 500 and is pending
	require.NoError(t, err)
	assertMoney(t, "500", inv.Invoice.TotalAmount)
	assert.Equal(t, clinic.InvoicePending, inv.Invoice.Status)
	assert.Len(t, inv.Orders, 2)

	// WHEN: 500 is paid
	paid := f.pay(t, inv.Invoice.ID, "500")

	// THEN: the invoice is paid
	require.NotNil(t, paid.Invoice)
	assert.Equal(t, clinic.InvoicePaid, paid.Invoice.Status)
	assert.True(t, paid.Invoice.Changed)

	// WHEN: the payment is deleted
	del, err := f.payments.Delete(f.ctx, paid.Payment.ID, manager, "entered twice")

	// THEN: the invoice reverts to pending and the payment keeps its audit trail
	require.NoError(t, err)
	assert.Equal(t, clinic.InvoicePending, del.Invoice.Status)
	stored, err := f.store.GetPayment(f.ctx, paid.Payment.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.Deletion)
	assert.Equal(t, manager, stored.Deletion.ByID)
	assert.Equal(t, "entered twice", stored.Deletion.Reason)

	detail, err := f.invoices.Get(f.ctx, inv.Invoice.ID)
	require.NoError(t, err)
	assert.Empty(t, detail.Payments)
	assertMoney(t, "500", detail.BalanceDue)
}

func TestScenario_CommissionApprovalRequiresAttendance(t *testing.T) {
	// GIVEN: a reserved appointment with a pending commission
	f := newFixture(t)
	appt := f.book(t, "S1", money("100"))
	require.Len(t, appt.Commissions, 1)
	id := appt.Commissions[0].ID

	// WHEN: approving while the appointment is still reserved
	_, err := f.commissions.Approve(f.ctx, id, manager, nil)

	// THEN: validation fails and the commission stays pending
	require.Error(t, err)
	assert.ErrorIs(t, err, clinic.ErrValidation)
	c, err := f.commissions.Get(f.ctx, id)
	require.NoError(t, err)
	assert.Equal(t, clinic.CommissionPending, c.Status)

	// WHEN: the appointment is attended and the same approval is retried
	attended, err := f.booking.MarkAttended(f.ctx, appt.Appointment.ID, staff)
	require.NoError(t, err)
	require.NotNil(t, attended.Appointment.AttendedByID)
	assert.Equal(t, staff, *attended.Appointment.AttendedByID)
	assert.Equal(t, clinic.CommissionPending, attended.Commissions[0].Status, "attending never touches commissions")

	notes := "ok"
	c, err = f.commissions.Approve(f.ctx, id, manager, &notes)

	// THEN: it succeeds
	require.NoError(t, err)
	assert.Equal(t, clinic.CommissionApproved, c.Status)
	require.NotNil(t, c.ApprovedByID)
	assert.Equal(t, manager, *c.ApprovedByID)
	assert.NotNil(t, c.ApprovedAt)
	require.NotNil(t, c.Notes)
	assert.Equal(t, "ok", *c.Notes)
}

func TestScenario_InvoiceCancellation(t *testing.T) {
	// GIVEN: two invoices for P1, one with a payment of 50
	f := newFixture(t)
	a1 := f.book(t, "S2", nil)
	a2 := f.book(t, "S3", nil)

	withPayment, err := f.invoices.Create(f.ctx, clinic.CreateInvoiceInput{
		PatientID: "P1", OrderIDs: []clinic.OrderID{a1.Orders()[0].ID}, ActorID: staff,
	})
	require.NoError(t, err)
	f.pay(t, withPayment.Invoice.ID, "50")

	empty, err := f.invoices.Create(f.ctx, clinic.CreateInvoiceInput{
		PatientID: "P1", OrderIDs: []clinic.OrderID{a2.Orders()[0].ID}, ActorID: staff,
	})
	require.NoError(t, err)

	// WHEN: cancelling the invoice with a payment
	err = f.invoices.Cancel(f.ctx, withPayment.Invoice.ID)

	// THEN: it is refused
	require.Error(t, err)
	assert.ErrorIs(t, err, clinic.ErrConflict)

	// WHEN: cancelling the invoice without payments
	require.NoError(t, f.invoices.Cancel(f.ctx, empty.Invoice.ID))

	// THEN: its order is uninvoiced again and the invoice is cancelled
	uninvoiced, err := f.invoices.ListUninvoicedOrders(f.ctx, "P1")
	require.NoError(t, err)
	require.Len(t, uninvoiced, 1)
	assert.Equal(t, a2.Orders()[0].ID, uninvoiced[0].ID)
	assert.Nil(t, uninvoiced[0].InvoiceID)

	inv, err := f.store.GetInvoice(f.ctx, empty.Invoice.ID)
	require.NoError(t, err)
	assert.Equal(t, clinic.InvoiceCancelled, inv.Status)

	// AND: the released order can be invoiced again
	_, err = f.invoices.Create(f.ctx, clinic.CreateInvoiceInput{
		PatientID: "P1", OrderIDs: []clinic.OrderID{a2.Orders()[0].ID}, ActorID: staff,
	})
	assert.NoError(t, err)
}

func TestScenario_ReplaceSessionWithNewPackage(t *testing.T) {
	// GIVEN: an appointment with session X on a package of S1
	f := newFixture(t)
	appt := f.book(t, "S1", nil)
	x := appt.Sessions[0]

	// WHEN: X is removed and session Y is added on a brand-new package of S2
	updated, err := f.booking.Update(f.ctx, clinic.UpdateAppointmentInput{
		AppointmentID: appt.Appointment.ID,
		ActorID:       manager,
		Sessions: &clinic.SessionOperations{
			ToDelete:     []clinic.SessionID{x.Session.ID},
			DeleteReason: "patient changed treatment",
			NewOrders:    []clinic.NewPackage{{TempID: "tmp2", ServiceID: "S2"}},
			ToCreate: []clinic.SessionRequest{
				{ServiceID: "S2", SessionNumber: 1, TempPackageID: "tmp2"},
			},
		},
	})

	// THEN: only Y is active, on a new order
	require.NoError(t, err)
	require.Len(t, updated.Sessions, 1)
	y := updated.Sessions[0]
	assert.NotEqual(t, x.Session.ID, y.Session.ID)
	assert.NotEqual(t, x.Order.ID, y.Order.ID)
	assert.Equal(t, clinic.ServiceID("S2"), y.Order.ServiceID)
	assert.Equal(t, 1, y.Order.TotalSessions, "no default on S2: one grouped session implies one")

	// AND: X is still retrievable with its deletion audit
	all, err := f.store.ListSessions(f.ctx, clinic.SessionQuery{AppointmentID: appt.Appointment.ID, IncludeDeleted: true})
	require.NoError(t, err)
	require.Len(t, all, 2)
	var deleted *clinic.AppointmentService
	for i := range all {
		if all[i].ID == x.Session.ID {
			deleted = &all[i]
		}
	}
	require.NotNil(t, deleted)
	require.NotNil(t, deleted.Deletion)
	assert.Equal(t, manager, deleted.Deletion.ByID)
	assert.Equal(t, "patient changed treatment", deleted.Deletion.Reason)
}

// =============================================================================
// ATOMICITY
// =============================================================================

func TestCreate_FailingPackageRollsBackEverything(t *testing.T) {
	// GIVEN: a booking with three new packages, the third on an unknown service
	f := newFixture(t)

	// WHEN
	_, err := f.booking.Create(f.ctx, clinic.CreateAppointmentInput{
		PatientID:         "P1",
		ScheduledDate:     march10,
		ReservationAmount: money("100"),
		Sessions: []clinic.SessionRequest{
			{ServiceID: "S1", SessionNumber: 1, TempPackageID: "a"},
			{ServiceID: "S2", SessionNumber: 1, TempPackageID: "b"},
			{ServiceID: "nope", SessionNumber: 1, TempPackageID: "c"},
		},
		ActorID: staff,
	})

	// THEN: not found, and no order, session or commission survives
	require.Error(t, err)
	assert.ErrorIs(t, err, clinic.ErrNotFound)
	assertNothingBooked(t, f)
}

func TestCreate_InactiveServiceRollsBack(t *testing.T) {
	f := newFixture(t)

	_, err := f.booking.Create(f.ctx, clinic.CreateAppointmentInput{
		PatientID:     "P1",
		ScheduledDate: march10,
		Sessions: []clinic.SessionRequest{
			{ServiceID: "S1", SessionNumber: 1, TempPackageID: "a"},
			{ServiceID: "S9", SessionNumber: 1, TempPackageID: "b"},
		},
		ActorID: staff,
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, clinic.ErrValidation)
	assertNothingBooked(t, f)
}

func TestCreate_StoreFailureIsTransactionFailure(t *testing.T) {
	// GIVEN: a store whose commission insert fails at the driver level
	st := &failingStore{TxStore: store.NewMemory(), failCommission: true}
	f := newFixtureWithStore(t, st)

	// WHEN
	_, err := f.booking.Create(f.ctx, clinic.CreateAppointmentInput{
		PatientID:         "P1",
		ScheduledDate:     march10,
		ReservationAmount: money("100"),
		Sessions:          []clinic.SessionRequest{{ServiceID: "S1", SessionNumber: 1, TempPackageID: "a"}},
		ActorID:           staff,
	})

	// THEN: the caller sees a retryable transaction failure and nothing was written
	require.Error(t, err)
	assert.ErrorIs(t, err, clinic.ErrTransactionFailed)
	assert.True(t, clinic.IsRetryable(err))
	assert.False(t, clinic.IsClientError(err))
	assertNothingBooked(t, f)
}

func assertNothingBooked(t *testing.T, f *fixture) {
	t.Helper()
	orders, err := f.store.ListOrders(f.ctx, clinic.OrderQuery{PatientID: "P1"})
	require.NoError(t, err)
	assert.Empty(t, orders, "no order may survive a failed booking")

	commissions, err := f.store.ListCommissions(f.ctx, clinic.CommissionQuery{})
	require.NoError(t, err)
	assert.Empty(t, commissions, "no commission may survive a failed booking")

	sessions, err := f.store.ListSessions(f.ctx, clinic.SessionQuery{IncludeDeleted: true})
	require.NoError(t, err)
	assert.Empty(t, sessions, "no session may survive a failed booking")
}

// =============================================================================
// STORE DOUBLES
// =============================================================================

var errDisk = errors.New("disk I/O error")

// failingStore injects driver failures into transaction-scoped stores.
type failingStore struct {
	clinic.TxStore
	failCommission  bool
	staleTransition bool
}

func (s *failingStore) WithTx(ctx context.Context, fn func(clinic.Store) error) error {
	return s.TxStore.WithTx(ctx, func(st clinic.Store) error {
		return fn(&failingTx{Store: st, parent: s})
	})
}

type failingTx struct {
	clinic.Store
	parent *failingStore
}

func (tx *failingTx) InsertCommission(ctx context.Context, c clinic.Commission) error {
	if tx.parent.failCommission {
		return clinic.Wrap("insert commission", errDisk)
	}
	return tx.Store.InsertCommission(ctx, c)
}

// TransitionCommissions pretends another request moved the rows first.
func (tx *failingTx) TransitionCommissions(ctx context.Context, ids []clinic.CommissionID, t clinic.CommissionTransition) (int, error) {
	if tx.parent.staleTransition {
		return 0, nil
	}
	return tx.Store.TransitionCommissions(ctx, ids, t)
}

// countingStore counts invoice status writes made inside transactions.
type countingStore struct {
	clinic.TxStore
	statusWrites int
}

func (s *countingStore) WithTx(ctx context.Context, fn func(clinic.Store) error) error {
	return s.TxStore.WithTx(ctx, func(st clinic.Store) error {
		return fn(&countingTx{Store: st, parent: s})
	})
}

type countingTx struct {
	clinic.Store
	parent *countingStore
}

func (tx *countingTx) SetInvoiceStatus(ctx context.Context, id clinic.InvoiceID, status clinic.InvoiceStatus) error {
	tx.parent.statusWrites++
	return tx.Store.SetInvoiceStatus(ctx, id, status)
}
