package clinic_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/clinic-engine/clinic"
)

// =============================================================================
// TRANSITION TABLES
// =============================================================================

func TestAppointmentTransitions(t *testing.T) {
	all := []clinic.AppointmentStatus{
		clinic.AppointmentReserved, clinic.AppointmentInProgress, clinic.AppointmentAttended,
		clinic.AppointmentCancelled, clinic.AppointmentNoShow,
	}
	allowed := map[[2]clinic.AppointmentStatus]bool{
		{clinic.AppointmentReserved, clinic.AppointmentInProgress}: true,
		{clinic.AppointmentReserved, clinic.AppointmentAttended}:   true,
		{clinic.AppointmentReserved, clinic.AppointmentCancelled}:  true,
		{clinic.AppointmentReserved, clinic.AppointmentNoShow}:     true,
		{clinic.AppointmentInProgress, clinic.AppointmentAttended}: true,
	}

	for _, from := range all {
		for _, to := range all {
			want := allowed[[2]clinic.AppointmentStatus{from, to}]
			assert.Equal(t, want, from.CanTransitionTo(to), "%s -> %s", from, to)
			if want {
				assert.NoError(t, from.ValidateTransition(to))
			} else {
				assert.ErrorIs(t, from.ValidateTransition(to), clinic.ErrValidation)
			}
		}
	}

	assert.ErrorIs(t, clinic.AppointmentReserved.ValidateTransition("teleported"), clinic.ErrValidation)
	assert.True(t, clinic.AppointmentInProgress.IsOpen())
	assert.False(t, clinic.AppointmentNoShow.IsOpen())
}

func TestCommissionTransitions(t *testing.T) {
	cases := []struct {
		from, to clinic.CommissionStatus
		ok       bool
	}{
		{clinic.CommissionPending, clinic.CommissionApproved, true},
		{clinic.CommissionPending, clinic.CommissionRejected, true},
		{clinic.CommissionPending, clinic.CommissionCancelled, true},
		{clinic.CommissionPending, clinic.CommissionPaid, false},
		{clinic.CommissionApproved, clinic.CommissionPaid, true},
		{clinic.CommissionApproved, clinic.CommissionCancelled, true},
		{clinic.CommissionApproved, clinic.CommissionRejected, false},
		{clinic.CommissionPaid, clinic.CommissionCancelled, false},
		{clinic.CommissionRejected, clinic.CommissionCancelled, false},
		{clinic.CommissionCancelled, clinic.CommissionPending, false},
	}
	for _, tc := range cases {
		t.Run(fmt.Sprintf("%s->%s", tc.from, tc.to), func(t *testing.T) {
			assert.Equal(t, tc.ok, tc.from.CanTransitionTo(tc.to))
		})
	}

	assert.ElementsMatch(t,
		[]clinic.CommissionStatus{clinic.CommissionPending, clinic.CommissionApproved},
		clinic.CommissionCancelled.Sources())
	assert.Equal(t, []clinic.CommissionStatus{clinic.CommissionApproved}, clinic.CommissionPaid.Sources())
}

func TestDeriveInvoiceStatus(t *testing.T) {
	total := clinic.MustParseMoney("500")
	cases := map[string]clinic.InvoiceStatus{
		"0":      clinic.InvoicePending,
		"0.01":   clinic.InvoicePartial,
		"499.99": clinic.InvoicePartial,
		"500":    clinic.InvoicePaid,
		"750":    clinic.InvoicePaid,
	}
	for paid, want := range cases {
		assert.Equal(t, want, clinic.DeriveInvoiceStatus(clinic.MustParseMoney(paid), total), "paid %s", paid)
	}

	// a zero-amount invoice with no payments is still pending
	assert.Equal(t, clinic.InvoicePending, clinic.DeriveInvoiceStatus(clinic.MustParseMoney("0"), clinic.MustParseMoney("0")))
}

func TestPaymentEnums(t *testing.T) {
	assert.True(t, clinic.PaymentTypeService.Valid())
	assert.False(t, clinic.PaymentType("refund").Valid())
	assert.True(t, clinic.MethodTransfer.Valid())
	assert.False(t, clinic.PaymentMethod("").Valid())
}

// =============================================================================
// ERROR TAXONOMY
// =============================================================================

func TestErrorClassification(t *testing.T) {
	validation := clinic.Invalid("field", "bad")
	notFound := clinic.NotFound[clinic.OrderID]("order", "O1", "O2")
	conflict := clinic.Conflict[clinic.OrderID]("already invoiced", "O1")
	batch := &clinic.BatchError{Operation: "batch approve", Reason: "not attended", Failed: []string{"C1"}}
	storeErr := clinic.Wrap("insert order", errors.New("database is locked"))

	assert.True(t, clinic.IsClientError(validation))
	assert.True(t, clinic.IsClientError(batch))
	assert.True(t, clinic.IsNotFound(notFound))
	assert.True(t, clinic.IsConflict(conflict))
	assert.False(t, clinic.IsRetryable(conflict))

	assert.False(t, clinic.IsClientError(storeErr))
	assert.True(t, clinic.IsRetryable(storeErr))
	var se *clinic.StoreError
	require.ErrorAs(t, storeErr, &se)
	assert.Equal(t, "insert order", se.Op)

	assert.Equal(t, "order not found: O1, O2", notFound.Error())
	assert.Contains(t, batch.Error(), "1 item(s)")
}

func TestWrapPassesDomainErrorsThrough(t *testing.T) {
	nf := clinic.NotFound[clinic.PatientID]("patient", "P1")

	assert.Same(t, nf, clinic.Wrap("get patient", nf))
	assert.Nil(t, clinic.Wrap("noop", nil))

	inner := clinic.Wrap("commit", errors.New("disk full"))
	assert.Same(t, inner, clinic.Wrap("outer", fmt.Errorf("context: %w", inner)).(interface{ Unwrap() error }).Unwrap())
}
