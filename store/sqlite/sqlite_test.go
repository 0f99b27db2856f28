package sqlite_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/clinic-engine/clinic"
	"github.com/warp/clinic-engine/store/sqlite"
)

const staff clinic.ActorID = "staff-1"

var march10 = time.Date(2025, time.March, 10, 9, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	ctx := context.Background()
	require.NoError(t, store.SavePatient(ctx, clinic.Patient{ID: "P1", FirstName: "Ana", LastName: "Lopez", CreatedAt: march10}))
	require.NoError(t, store.SaveService(ctx, clinic.Service{
		ID: "S1", Name: "Knee physiotherapy", BasePrice: clinic.MustParseMoney("500"), DefaultSessions: 4, Active: true,
	}))
	return store
}

func bookOne(t *testing.T, store *sqlite.Store, reservation string) *clinic.HydratedAppointment {
	t.Helper()
	amount := clinic.MustParseMoney(reservation)
	booking := clinic.NewBookingService(store, zerolog.Nop())
	appt, err := booking.Create(context.Background(), clinic.CreateAppointmentInput{
		PatientID:         "P1",
		ScheduledDate:     march10,
		ReservationAmount: &amount,
		Sessions:          []clinic.SessionRequest{{ServiceID: "S1", SessionNumber: 1, TempPackageID: "tmp1"}},
		ActorID:           staff,
	})
	require.NoError(t, err)
	return appt
}

// =============================================================================
// ROUND TRIPS
// =============================================================================

func TestSQLite_BookingRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	appt := bookOne(t, store, "100")

	got, err := store.GetAppointment(ctx, appt.Appointment.ID)
	require.NoError(t, err)
	assert.Equal(t, clinic.AppointmentReserved, got.Status)
	assert.True(t, got.ScheduledDate.Equal(march10))
	require.NotNil(t, got.ReservationAmount)
	assert.Equal(t, "100.00", got.ReservationAmount.StringFixed(2))
	assert.Nil(t, got.AttendedByID)

	orders, err := store.ListOrders(ctx, clinic.OrderQuery{PatientID: "P1", UninvoicedOnly: true})
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, 4, orders[0].TotalSessions)
	assert.Equal(t, "500.00", orders[0].FinalPrice.StringFixed(2))
	assert.Nil(t, orders[0].InvoiceID)

	commissions, err := store.ListCommissions(ctx, clinic.CommissionQuery{AppointmentID: appt.Appointment.ID})
	require.NoError(t, err)
	require.Len(t, commissions, 1)
	assert.Equal(t, "10.00", commissions[0].CommissionAmount.StringFixed(2))
	assert.Equal(t, clinic.CommissionPending, commissions[0].Status)
}

func TestSQLite_NotFound(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.GetInvoice(ctx, "missing")
	var nf *clinic.NotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, "invoice", nf.Kind)

	err = store.SetInvoiceStatus(ctx, "missing", clinic.InvoicePaid)
	assert.ErrorIs(t, err, clinic.ErrNotFound)
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

func TestSQLite_RollbackOnError(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := store.WithTx(ctx, func(st clinic.Store) error {
		require.NoError(t, st.SavePatient(ctx, clinic.Patient{ID: "P2", FirstName: "Ben", CreatedAt: march10}))
		return boom
	})

	assert.ErrorIs(t, err, boom)
	_, err = store.GetPatient(ctx, "P2")
	assert.ErrorIs(t, err, clinic.ErrNotFound)
}

func TestSQLite_RollbackOnPanic(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	assert.Panics(t, func() {
		_ = store.WithTx(ctx, func(st clinic.Store) error {
			_ = st.SavePatient(ctx, clinic.Patient{ID: "P2", FirstName: "Ben", CreatedAt: march10})
			panic("handler bug")
		})
	})

	_, err := store.GetPatient(ctx, "P2")
	assert.ErrorIs(t, err, clinic.ErrNotFound)
	require.NoError(t, store.Ping(ctx), "connection must be usable after a panic")
}

func TestSQLite_FailedBookingWritesNothing(t *testing.T) {
	// GIVEN: the second session references an unknown service
	store := newTestStore(t)
	ctx := context.Background()
	booking := clinic.NewBookingService(store, zerolog.Nop())

	// WHEN
	_, err := booking.Create(ctx, clinic.CreateAppointmentInput{
		PatientID:     "P1",
		ScheduledDate: march10,
		Sessions: []clinic.SessionRequest{
			{ServiceID: "S1", SessionNumber: 1, TempPackageID: "a"},
			{ServiceID: "S404", SessionNumber: 1, TempPackageID: "b"},
		},
		ActorID: staff,
	})

	// THEN: the first package was rolled back with the rest
	require.Error(t, err)
	orders, err := store.ListOrders(ctx, clinic.OrderQuery{PatientID: "P1"})
	require.NoError(t, err)
	assert.Empty(t, orders)
}

// =============================================================================
// CONSTRAINTS
// =============================================================================

func TestSQLite_ActiveSessionNumberIsUnique(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	appt := bookOne(t, store, "0")
	orderID := appt.Sessions[0].Order.ID

	dup := clinic.AppointmentService{
		ID: "dup", AppointmentID: appt.Appointment.ID, OrderID: orderID, SessionNumber: 1, CreatedAt: march10,
	}
	err := store.InsertSession(ctx, dup)
	assert.ErrorIs(t, err, clinic.ErrConflict)

	// a soft-deleted record no longer holds the number
	n, err := store.SoftDeleteSessions(ctx, appt.Appointment.ID, []clinic.SessionID{appt.Sessions[0].Session.ID},
		clinic.Deletion{At: march10, ByID: staff, Reason: "rebooked"})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.NoError(t, store.InsertSession(ctx, dup))

	all, err := store.ListSessions(ctx, clinic.SessionQuery{OrderID: orderID, IncludeDeleted: true})
	require.NoError(t, err)
	require.Len(t, all, 2)
	require.NotNil(t, all[0].Deletion)
	assert.Equal(t, "rebooked", all[0].Deletion.Reason)
	assert.Nil(t, all[1].Deletion)
}

func TestSQLite_TransitionIsConditional(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	appt := bookOne(t, store, "100")
	id := appt.Commissions[0].ID
	reason := "duplicate"

	reject := clinic.CommissionTransition{
		From: clinic.CommissionRejected.Sources(), To: clinic.CommissionRejected,
		By: staff, At: march10, RejectionReason: &reason,
	}
	n, err := store.TransitionCommissions(ctx, []clinic.CommissionID{id}, reject)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// the row already left pending, so the same guard matches nothing
	n, err = store.TransitionCommissions(ctx, []clinic.CommissionID{id}, reject)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	c, err := store.GetCommission(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, clinic.CommissionRejected, c.Status)
	require.NotNil(t, c.RejectionReason)
	assert.Equal(t, reason, *c.RejectionReason)
}

// =============================================================================
// BILLING
// =============================================================================

func TestSQLite_InvoiceFollowsPayments(t *testing.T) {
	// GIVEN: an invoiced 500.00 package
	store := newTestStore(t)
	ctx := context.Background()
	log := zerolog.Nop()
	invoices := clinic.NewInvoiceService(store, log)
	payments := clinic.NewPaymentService(store, invoices, log)
	appt := bookOne(t, store, "0")

	inv, err := invoices.Create(ctx, clinic.CreateInvoiceInput{
		PatientID: "P1",
		OrderIDs:  []clinic.OrderID{appt.Sessions[0].Order.ID},
		ActorID:   staff,
	})
	require.NoError(t, err)
	invoiceID := inv.Invoice.ID

	// WHEN: it is paid in full
	res, err := payments.Create(ctx, clinic.CreatePaymentInput{
		PatientID:     "P1",
		InvoiceID:     &invoiceID,
		AmountPaid:    clinic.MustParseMoney("500"),
		PaymentMethod: clinic.MethodCard,
		PaymentType:   clinic.PaymentTypeInvoice,
		ActorID:       staff,
	})
	require.NoError(t, err)

	// THEN
	assert.Equal(t, clinic.InvoicePaid, res.Invoice.Status)

	// WHEN: the payment is deleted
	del, err := payments.Delete(ctx, res.Payment.ID, staff, "card chargeback")
	require.NoError(t, err)
	require.NotNil(t, del.Invoice)
	assert.Equal(t, clinic.InvoicePending, del.Invoice.Status)

	// THEN: it stays on record but no longer counts
	got, err := store.GetInvoice(ctx, invoiceID)
	require.NoError(t, err)
	assert.Equal(t, clinic.InvoicePending, got.Status)

	totals, err := store.SumPayments(ctx, invoiceID)
	require.NoError(t, err)
	assert.Equal(t, 0, totals.Count)
	assert.True(t, totals.Total.IsZero())

	p, err := store.GetPayment(ctx, res.Payment.ID)
	require.NoError(t, err)
	require.NotNil(t, p.Deletion)
	assert.Equal(t, "card chargeback", p.Deletion.Reason)
}

func TestSQLite_Reset(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	bookOne(t, store, "100")

	require.NoError(t, store.Reset(ctx))

	_, err := store.GetPatient(ctx, "P1")
	assert.ErrorIs(t, err, clinic.ErrNotFound)
	services, err := store.ListServices(ctx)
	require.NoError(t, err)
	assert.Empty(t, services)
}
