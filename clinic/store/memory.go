// Package store provides Store implementations.
package store

import (
	"context"
	"sort"
	"sync"

	"github.com/warp/clinic-engine/clinic"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory is a clinic.TxStore kept in maps. WithTx runs against a copy of
// the state and swaps it in on success, so a failed transaction leaves no
// trace. Transactions are serialized by a single lock.
type Memory struct {
	mu sync.RWMutex
	st *state
}

func NewMemory() *Memory {
	return &Memory{st: newState()}
}

// WithTx executes fn against a private copy of the state.
func (m *Memory) WithTx(ctx context.Context, fn func(clinic.Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return clinic.Wrap("begin", err)
	}
	work := m.st.clone()
	if err := fn(work); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return clinic.Wrap("commit", err)
	}
	m.st = work
	return nil
}

func (m *Memory) read(fn func(*state) error) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return fn(m.st)
}

func (m *Memory) write(fn func(*state) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fn(m.st)
}

// =============================================================================
// STATE
// =============================================================================

type rec[T any] struct {
	v   T
	seq int64
}

type table[K comparable, T any] map[K]rec[T]

func (t table[K, T]) clone() table[K, T] {
	out := make(table[K, T], len(t))
	for k, v := range t {
		out[k] = v
	}
	return out
}

// sorted returns the values matching keep in insertion order.
func (t table[K, T]) sorted(keep func(T) bool) []T {
	rows := make([]rec[T], 0, len(t))
	for _, r := range t {
		if keep == nil || keep(r.v) {
			rows = append(rows, r)
		}
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].seq < rows[j].seq })
	out := make([]T, len(rows))
	for i, r := range rows {
		out[i] = r.v
	}
	return out
}

type state struct {
	seq          int64
	patients     table[clinic.PatientID, clinic.Patient]
	services     table[clinic.ServiceID, clinic.Service]
	appointments table[clinic.AppointmentID, clinic.Appointment]
	orders       table[clinic.OrderID, clinic.Order]
	sessions     table[clinic.SessionID, clinic.AppointmentService]
	commissions  table[clinic.CommissionID, clinic.Commission]
	invoices     table[clinic.InvoiceID, clinic.Invoice]
	payments     table[clinic.PaymentID, clinic.Payment]
}

func newState() *state {
	return &state{
		patients:     make(table[clinic.PatientID, clinic.Patient]),
		services:     make(table[clinic.ServiceID, clinic.Service]),
		appointments: make(table[clinic.AppointmentID, clinic.Appointment]),
		orders:       make(table[clinic.OrderID, clinic.Order]),
		sessions:     make(table[clinic.SessionID, clinic.AppointmentService]),
		commissions:  make(table[clinic.CommissionID, clinic.Commission]),
		invoices:     make(table[clinic.InvoiceID, clinic.Invoice]),
		payments:     make(table[clinic.PaymentID, clinic.Payment]),
	}
}

// clone copies every table. Records are values and are replaced, never
// mutated in place, so a shallow copy per table is enough.
func (s *state) clone() *state {
	return &state{
		seq:          s.seq,
		patients:     s.patients.clone(),
		services:     s.services.clone(),
		appointments: s.appointments.clone(),
		orders:       s.orders.clone(),
		sessions:     s.sessions.clone(),
		commissions:  s.commissions.clone(),
		invoices:     s.invoices.clone(),
		payments:     s.payments.clone(),
	}
}

func (s *state) next() int64 {
	s.seq++
	return s.seq
}

func insert[K comparable, T any](s *state, t table[K, T], kind string, id K, v T) error {
	if _, ok := t[id]; ok {
		return clinic.Wrap("insert "+kind, errDuplicate)
	}
	t[id] = rec[T]{v: v, seq: s.next()}
	return nil
}

func upsert[K comparable, T any](s *state, t table[K, T], id K, v T) {
	if r, ok := t[id]; ok {
		t[id] = rec[T]{v: v, seq: r.seq}
		return
	}
	t[id] = rec[T]{v: v, seq: s.next()}
}

func get[K ~string, T any](t table[K, T], kind string, id K) (*T, error) {
	r, ok := t[id]
	if !ok {
		return nil, clinic.NotFound(kind, id)
	}
	v := r.v
	return &v, nil
}

func replace[K ~string, T any](t table[K, T], kind string, id K, v T) error {
	r, ok := t[id]
	if !ok {
		return clinic.NotFound(kind, id)
	}
	t[id] = rec[T]{v: v, seq: r.seq}
	return nil
}

type memError string

func (e memError) Error() string { return string(e) }

const errDuplicate = memError("duplicate primary key")

// =============================================================================
// clinic.Store ON STATE (used directly inside transactions)
// =============================================================================

func (s *state) SavePatient(_ context.Context, p clinic.Patient) error {
	upsert(s, s.patients, p.ID, p)
	return nil
}

func (s *state) GetPatient(_ context.Context, id clinic.PatientID) (*clinic.Patient, error) {
	return get(s.patients, "patient", id)
}

func (s *state) SaveService(_ context.Context, svc clinic.Service) error {
	upsert(s, s.services, svc.ID, svc)
	return nil
}

func (s *state) GetService(_ context.Context, id clinic.ServiceID) (*clinic.Service, error) {
	return get(s.services, "service", id)
}

func (s *state) ListServices(_ context.Context) ([]clinic.Service, error) {
	return s.services.sorted(nil), nil
}

func (s *state) InsertAppointment(_ context.Context, a clinic.Appointment) error {
	if _, ok := s.patients[a.PatientID]; !ok {
		return clinic.Wrap("insert appointment", memError("foreign key: patient "+string(a.PatientID)))
	}
	return insert(s, s.appointments, "appointment", a.ID, a)
}

func (s *state) GetAppointment(_ context.Context, id clinic.AppointmentID) (*clinic.Appointment, error) {
	return get(s.appointments, "appointment", id)
}

func (s *state) UpdateAppointment(_ context.Context, a clinic.Appointment) error {
	return replace(s.appointments, "appointment", a.ID, a)
}

func (s *state) InsertOrder(_ context.Context, o clinic.Order) error {
	if _, ok := s.services[o.ServiceID]; !ok {
		return clinic.Wrap("insert order", memError("foreign key: service "+string(o.ServiceID)))
	}
	return insert(s, s.orders, "order", o.ID, o)
}

func (s *state) GetOrder(_ context.Context, id clinic.OrderID) (*clinic.Order, error) {
	return get(s.orders, "order", id)
}

func (s *state) ListOrders(_ context.Context, q clinic.OrderQuery) ([]clinic.Order, error) {
	ids := make(map[clinic.OrderID]bool, len(q.IDs))
	for _, id := range q.IDs {
		ids[id] = true
	}
	return s.orders.sorted(func(o clinic.Order) bool {
		switch {
		case len(q.IDs) > 0 && !ids[o.ID]:
			return false
		case q.PatientID != "" && o.PatientID != q.PatientID:
			return false
		case q.InvoiceID != "" && (o.InvoiceID == nil || *o.InvoiceID != q.InvoiceID):
			return false
		case q.UninvoicedOnly && o.InvoiceID != nil:
			return false
		}
		return true
	}), nil
}

func (s *state) UpdateOrderPrice(_ context.Context, id clinic.OrderID, discount, finalPrice clinic.Money) error {
	o, err := get(s.orders, "order", id)
	if err != nil {
		return err
	}
	o.Discount, o.FinalPrice = discount, finalPrice
	return replace(s.orders, "order", id, *o)
}

func (s *state) SetOrdersInvoice(_ context.Context, ids []clinic.OrderID, invoiceID *clinic.InvoiceID) error {
	for _, id := range ids {
		o, err := get(s.orders, "order", id)
		if err != nil {
			return err
		}
		if invoiceID == nil {
			o.InvoiceID = nil
		} else {
			inv := *invoiceID
			o.InvoiceID = &inv
		}
		if err := replace(s.orders, "order", id, *o); err != nil {
			return err
		}
	}
	return nil
}

func (s *state) InsertSession(_ context.Context, sess clinic.AppointmentService) error {
	if _, ok := s.appointments[sess.AppointmentID]; !ok {
		return clinic.Wrap("insert session", memError("foreign key: appointment "+string(sess.AppointmentID)))
	}
	if _, ok := s.orders[sess.OrderID]; !ok {
		return clinic.Wrap("insert session", memError("foreign key: order "+string(sess.OrderID)))
	}
	return insert(s, s.sessions, "session", sess.ID, sess)
}

func (s *state) ListSessions(_ context.Context, q clinic.SessionQuery) ([]clinic.AppointmentService, error) {
	return s.sessions.sorted(func(a clinic.AppointmentService) bool {
		switch {
		case q.AppointmentID != "" && a.AppointmentID != q.AppointmentID:
			return false
		case q.OrderID != "" && a.OrderID != q.OrderID:
			return false
		case !q.IncludeDeleted && !a.IsActive():
			return false
		}
		return true
	}), nil
}

func (s *state) SoftDeleteSessions(_ context.Context, appointmentID clinic.AppointmentID, ids []clinic.SessionID, d clinic.Deletion) (int, error) {
	n := 0
	for _, id := range ids {
		r, ok := s.sessions[id]
		if !ok || r.v.AppointmentID != appointmentID || !r.v.IsActive() {
			continue
		}
		del := d
		r.v.Deletion = &del
		s.sessions[id] = r
		n++
	}
	return n, nil
}

func (s *state) InsertCommission(_ context.Context, c clinic.Commission) error {
	if _, ok := s.appointments[c.AppointmentID]; !ok {
		return clinic.Wrap("insert commission", memError("foreign key: appointment "+string(c.AppointmentID)))
	}
	return insert(s, s.commissions, "commission", c.ID, c)
}

func (s *state) GetCommission(_ context.Context, id clinic.CommissionID) (*clinic.Commission, error) {
	return get(s.commissions, "commission", id)
}

func (s *state) ListCommissions(_ context.Context, q clinic.CommissionQuery) ([]clinic.Commission, error) {
	ids := make(map[clinic.CommissionID]bool, len(q.IDs))
	for _, id := range q.IDs {
		ids[id] = true
	}
	return s.commissions.sorted(func(c clinic.Commission) bool {
		if len(q.IDs) > 0 && !ids[c.ID] {
			return false
		}
		return q.AppointmentID == "" || c.AppointmentID == q.AppointmentID
	}), nil
}

func (s *state) TransitionCommissions(_ context.Context, ids []clinic.CommissionID, t clinic.CommissionTransition) (int, error) {
	n := 0
	for _, id := range ids {
		r, ok := s.commissions[id]
		if !ok || !hasStatus(t.From, r.v.Status) {
			continue
		}
		t.Apply(&r.v)
		s.commissions[id] = r
		n++
	}
	return n, nil
}

func hasStatus(list []clinic.CommissionStatus, st clinic.CommissionStatus) bool {
	for _, x := range list {
		if x == st {
			return true
		}
	}
	return false
}

func (s *state) InsertInvoice(_ context.Context, inv clinic.Invoice) error {
	return insert(s, s.invoices, "invoice", inv.ID, inv)
}

func (s *state) GetInvoice(_ context.Context, id clinic.InvoiceID) (*clinic.Invoice, error) {
	return get(s.invoices, "invoice", id)
}

func (s *state) SetInvoiceStatus(_ context.Context, id clinic.InvoiceID, status clinic.InvoiceStatus) error {
	inv, err := get(s.invoices, "invoice", id)
	if err != nil {
		return err
	}
	inv.Status = status
	return replace(s.invoices, "invoice", id, *inv)
}

func (s *state) InsertPayment(_ context.Context, p clinic.Payment) error {
	return insert(s, s.payments, "payment", p.ID, p)
}

func (s *state) GetPayment(_ context.Context, id clinic.PaymentID) (*clinic.Payment, error) {
	return get(s.payments, "payment", id)
}

func (s *state) ListPayments(_ context.Context, invoiceID clinic.InvoiceID) ([]clinic.Payment, error) {
	return s.payments.sorted(func(p clinic.Payment) bool {
		return p.IsActive() && p.InvoiceID != nil && *p.InvoiceID == invoiceID
	}), nil
}

func (s *state) SoftDeletePayment(_ context.Context, id clinic.PaymentID, d clinic.Deletion) error {
	p, err := get(s.payments, "payment", id)
	if err != nil {
		return err
	}
	if !p.IsActive() {
		return clinic.NotFound("payment", id)
	}
	p.Deletion = &d
	return replace(s.payments, "payment", id, *p)
}

func (s *state) SumPayments(ctx context.Context, invoiceID clinic.InvoiceID) (clinic.PaymentTotals, error) {
	payments, _ := s.ListPayments(ctx, invoiceID)
	totals := clinic.PaymentTotals{Total: clinic.NewMoneyFromInt(0)}
	for _, p := range payments {
		totals.Total = totals.Total.Add(p.AmountPaid)
		totals.Count++
	}
	return totals, nil
}

// =============================================================================
// clinic.Store ON MEMORY (outside transactions, guarded by the lock)
// =============================================================================

var (
	_ clinic.TxStore = (*Memory)(nil)
	_ clinic.Store   = (*state)(nil)
)

func readOne[T any](m *Memory, fn func(*state) (T, error)) (T, error) {
	var out T
	err := m.read(func(s *state) error {
		var err error
		out, err = fn(s)
		return err
	})
	return out, err
}

func writeOne[T any](m *Memory, fn func(*state) (T, error)) (T, error) {
	var out T
	err := m.write(func(s *state) error {
		var err error
		out, err = fn(s)
		return err
	})
	return out, err
}

func (m *Memory) SavePatient(ctx context.Context, p clinic.Patient) error {
	return m.write(func(s *state) error { return s.SavePatient(ctx, p) })
}

func (m *Memory) GetPatient(ctx context.Context, id clinic.PatientID) (*clinic.Patient, error) {
	return readOne(m, func(s *state) (*clinic.Patient, error) { return s.GetPatient(ctx, id) })
}

func (m *Memory) SaveService(ctx context.Context, svc clinic.Service) error {
	return m.write(func(s *state) error { return s.SaveService(ctx, svc) })
}

func (m *Memory) GetService(ctx context.Context, id clinic.ServiceID) (*clinic.Service, error) {
	return readOne(m, func(s *state) (*clinic.Service, error) { return s.GetService(ctx, id) })
}

func (m *Memory) ListServices(ctx context.Context) ([]clinic.Service, error) {
	return readOne(m, func(s *state) ([]clinic.Service, error) { return s.ListServices(ctx) })
}

func (m *Memory) InsertAppointment(ctx context.Context, a clinic.Appointment) error {
	return m.write(func(s *state) error { return s.InsertAppointment(ctx, a) })
}

func (m *Memory) GetAppointment(ctx context.Context, id clinic.AppointmentID) (*clinic.Appointment, error) {
	return readOne(m, func(s *state) (*clinic.Appointment, error) { return s.GetAppointment(ctx, id) })
}

func (m *Memory) UpdateAppointment(ctx context.Context, a clinic.Appointment) error {
	return m.write(func(s *state) error { return s.UpdateAppointment(ctx, a) })
}

func (m *Memory) InsertOrder(ctx context.Context, o clinic.Order) error {
	return m.write(func(s *state) error { return s.InsertOrder(ctx, o) })
}

func (m *Memory) GetOrder(ctx context.Context, id clinic.OrderID) (*clinic.Order, error) {
	return readOne(m, func(s *state) (*clinic.Order, error) { return s.GetOrder(ctx, id) })
}

func (m *Memory) ListOrders(ctx context.Context, q clinic.OrderQuery) ([]clinic.Order, error) {
	return readOne(m, func(s *state) ([]clinic.Order, error) { return s.ListOrders(ctx, q) })
}

func (m *Memory) UpdateOrderPrice(ctx context.Context, id clinic.OrderID, discount, finalPrice clinic.Money) error {
	return m.write(func(s *state) error { return s.UpdateOrderPrice(ctx, id, discount, finalPrice) })
}

func (m *Memory) SetOrdersInvoice(ctx context.Context, ids []clinic.OrderID, invoiceID *clinic.InvoiceID) error {
	return m.write(func(s *state) error { return s.SetOrdersInvoice(ctx, ids, invoiceID) })
}

func (m *Memory) InsertSession(ctx context.Context, sess clinic.AppointmentService) error {
	return m.write(func(s *state) error { return s.InsertSession(ctx, sess) })
}

func (m *Memory) ListSessions(ctx context.Context, q clinic.SessionQuery) ([]clinic.AppointmentService, error) {
	return readOne(m, func(s *state) ([]clinic.AppointmentService, error) { return s.ListSessions(ctx, q) })
}

func (m *Memory) SoftDeleteSessions(ctx context.Context, appointmentID clinic.AppointmentID, ids []clinic.SessionID, d clinic.Deletion) (int, error) {
	return writeOne(m, func(s *state) (int, error) { return s.SoftDeleteSessions(ctx, appointmentID, ids, d) })
}

func (m *Memory) InsertCommission(ctx context.Context, c clinic.Commission) error {
	return m.write(func(s *state) error { return s.InsertCommission(ctx, c) })
}

func (m *Memory) GetCommission(ctx context.Context, id clinic.CommissionID) (*clinic.Commission, error) {
	return readOne(m, func(s *state) (*clinic.Commission, error) { return s.GetCommission(ctx, id) })
}

func (m *Memory) ListCommissions(ctx context.Context, q clinic.CommissionQuery) ([]clinic.Commission, error) {
	return readOne(m, func(s *state) ([]clinic.Commission, error) { return s.ListCommissions(ctx, q) })
}

func (m *Memory) TransitionCommissions(ctx context.Context, ids []clinic.CommissionID, t clinic.CommissionTransition) (int, error) {
	return writeOne(m, func(s *state) (int, error) { return s.TransitionCommissions(ctx, ids, t) })
}

func (m *Memory) InsertInvoice(ctx context.Context, inv clinic.Invoice) error {
	return m.write(func(s *state) error { return s.InsertInvoice(ctx, inv) })
}

func (m *Memory) GetInvoice(ctx context.Context, id clinic.InvoiceID) (*clinic.Invoice, error) {
	return readOne(m, func(s *state) (*clinic.Invoice, error) { return s.GetInvoice(ctx, id) })
}

func (m *Memory) SetInvoiceStatus(ctx context.Context, id clinic.InvoiceID, status clinic.InvoiceStatus) error {
	return m.write(func(s *state) error { return s.SetInvoiceStatus(ctx, id, status) })
}

func (m *Memory) InsertPayment(ctx context.Context, p clinic.Payment) error {
	return m.write(func(s *state) error { return s.InsertPayment(ctx, p) })
}

func (m *Memory) GetPayment(ctx context.Context, id clinic.PaymentID) (*clinic.Payment, error) {
	return readOne(m, func(s *state) (*clinic.Payment, error) { return s.GetPayment(ctx, id) })
}

func (m *Memory) ListPayments(ctx context.Context, invoiceID clinic.InvoiceID) ([]clinic.Payment, error) {
	return readOne(m, func(s *state) ([]clinic.Payment, error) { return s.ListPayments(ctx, invoiceID) })
}

func (m *Memory) SoftDeletePayment(ctx context.Context, id clinic.PaymentID, d clinic.Deletion) error {
	return m.write(func(s *state) error { return s.SoftDeletePayment(ctx, id, d) })
}

func (m *Memory) SumPayments(ctx context.Context, invoiceID clinic.InvoiceID) (clinic.PaymentTotals, error) {
	return readOne(m, func(s *state) (clinic.PaymentTotals, error) { return s.SumPayments(ctx, invoiceID) })
}

// Reset drops every record.
func (m *Memory) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.st = newState()
}
