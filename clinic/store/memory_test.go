package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/clinic-engine/clinic"
)

var now = time.Date(2025, time.March, 10, 9, 0, 0, 0, time.UTC)

func seeded(t *testing.T) *Memory {
	t.Helper()
	m := NewMemory()
	ctx := context.Background()
	require.NoError(t, m.SavePatient(ctx, clinic.Patient{ID: "P1", FirstName: "Ana", CreatedAt: now}))
	require.NoError(t, m.SaveService(ctx, clinic.Service{ID: "S1", Name: "Knee", BasePrice: clinic.MustParseMoney("500"), Active: true}))
	return m
}

func TestMemory_FailedTxLeavesNoTrace(t *testing.T) {
	m := seeded(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := m.WithTx(ctx, func(st clinic.Store) error {
		require.NoError(t, st.InsertOrder(ctx, clinic.Order{
			ID: "O1", PatientID: "P1", ServiceID: "S1", TotalSessions: 1,
			OriginalPrice: clinic.MustParseMoney("500"), FinalPrice: clinic.MustParseMoney("500"),
		}))
		_, err := st.GetOrder(ctx, "O1")
		require.NoError(t, err, "writes are visible inside the transaction")
		return boom
	})

	assert.ErrorIs(t, err, boom)
	_, err = m.GetOrder(ctx, "O1")
	assert.ErrorIs(t, err, clinic.ErrNotFound)
}

func TestMemory_Reset(t *testing.T) {
	m := seeded(t)
	ctx := context.Background()

	m.Reset()

	_, err := m.GetPatient(ctx, "P1")
	assert.ErrorIs(t, err, clinic.ErrNotFound)
	services, err := m.ListServices(ctx)
	require.NoError(t, err)
	assert.Empty(t, services)
}

func TestMemory_CancelledContext(t *testing.T) {
	m := seeded(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := m.WithTx(ctx, func(clinic.Store) error { return nil })

	assert.ErrorIs(t, err, clinic.ErrTransactionFailed)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestMemory_ReferentialChecks(t *testing.T) {
	m := seeded(t)
	ctx := context.Background()

	err := m.InsertOrder(ctx, clinic.Order{ID: "O1", PatientID: "P1", ServiceID: "ghost", TotalSessions: 1})
	assert.ErrorIs(t, err, clinic.ErrTransactionFailed)

	order := clinic.Order{ID: "O1", PatientID: "P1", ServiceID: "S1", TotalSessions: 1}
	require.NoError(t, m.InsertOrder(ctx, order))
	assert.Error(t, m.InsertOrder(ctx, order), "duplicate primary key")
}

func TestMemory_SoftDeleteSessionsIsScoped(t *testing.T) {
	m := seeded(t)
	ctx := context.Background()
	require.NoError(t, m.InsertAppointment(ctx, clinic.Appointment{ID: "A1", PatientID: "P1", ScheduledDate: now}))
	require.NoError(t, m.InsertOrder(ctx, clinic.Order{ID: "O1", PatientID: "P1", ServiceID: "S1", TotalSessions: 2}))

	first := clinic.AppointmentService{ID: "X1", AppointmentID: "A1", OrderID: "O1", SessionNumber: 1}
	require.NoError(t, m.InsertSession(ctx, first))

	err := m.InsertSession(ctx, clinic.AppointmentService{ID: "X2", AppointmentID: "A9", OrderID: "O1", SessionNumber: 2})
	assert.ErrorIs(t, err, clinic.ErrTransactionFailed, "unknown appointment")

	// soft-deleting in another appointment's name matches nothing
	n, err := m.SoftDeleteSessions(ctx, "A2", []clinic.SessionID{"X1"}, clinic.Deletion{At: now, ByID: "u"})
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	n, err = m.SoftDeleteSessions(ctx, "A1", []clinic.SessionID{"X1"}, clinic.Deletion{At: now, ByID: "u"})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	active, err := clinic.ActiveSessions(ctx, m, "A1")
	require.NoError(t, err)
	assert.Empty(t, active)
}
