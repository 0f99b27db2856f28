/*
Package sqlite provides a SQLite-backed implementation of clinic.TxStore.

PURPOSE:
  Persists patients, the service catalog, appointments, orders, session
  records, commissions, invoices and payments. In production the same
  patterns apply to PostgreSQL with only minor SQL dialect differences.

INTERFACES IMPLEMENTED:
  clinic.Store:   Row-level reads and writes
  clinic.TxStore: Store + WithTx

KEY TABLES:
  patients, services:    Reference data
  appointments:          Visits and their lifecycle status
  orders:                Treatment packages, price and invoice link
  appointment_services:  Session records (soft-deleted, never removed)
  commissions:           Reservation commissions and their approval trail
  invoices, payments:    Billing; payments are soft-deleted

INDEXES:
  - idx_sessions_active_number: one active record per (order, session number)
  - idx_orders_patient_uninvoiced: uninvoiced-order lookup for billing
  - idx_payments_invoice_active: invoice recompute (hot path)

CONCURRENCY:
  The pool is limited to one connection. Every transaction is therefore
  serialized, which is what the read-check-write flows in package clinic
  rely on, and ":memory:" databases survive for the life of the Store.
  Inside WithTx all access must go through the Store handed to fn.

TYPES:
  Money is stored as TEXT through decimal.Decimal's Valuer/Scanner so no
  float rounding ever happens. Time columns are declared TIMESTAMP so the
  driver converts them to time.Time.

USAGE:
  store, err := sqlite.New("./data/clinic.db")
  if err != nil {
      log.Fatal().Err(err).Msg("open store")
  }
  defer store.Close()

  booking := clinic.NewBookingService(store, logger)

MIGRATION:
  Schema is auto-migrated on New(). For production, use a proper
  migration tool (golang-migrate, goose) with versioned migrations.

SEE ALSO:
  - clinic/store.go: Interface definitions
  - clinic/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"github.com/warp/clinic-engine/clinic"
)

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// ops holds every clinic.Store method over a queryer.
type ops struct {
	q queryer
}

// Store implements clinic.TxStore using SQLite.
type Store struct {
	ops
	db *sql.DB
}

var (
	_ clinic.TxStore = (*Store)(nil)
	_ clinic.Store   = (*txStore)(nil)
)

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	store := &Store{ops: ops{q: db}, db: db}
	if err := store.Migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Migrate creates the database schema. It is idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

const schema = `
	CREATE TABLE IF NOT EXISTS patients (
		id TEXT PRIMARY KEY,
		first_name TEXT NOT NULL,
		last_name TEXT NOT NULL DEFAULT '',
		phone TEXT NOT NULL DEFAULT '',
		email TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS services (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		base_price TEXT NOT NULL,
		default_sessions INTEGER NOT NULL DEFAULT 0,
		active BOOLEAN NOT NULL DEFAULT TRUE
	);

	CREATE TABLE IF NOT EXISTS appointments (
		id TEXT PRIMARY KEY,
		patient_id TEXT NOT NULL REFERENCES patients(id),
		scheduled_date TIMESTAMP NOT NULL,
		duration_minutes INTEGER NOT NULL,
		reservation_amount TEXT,
		status TEXT NOT NULL DEFAULT 'reserved',
		created_by_id TEXT NOT NULL,
		attended_by_id TEXT,
		attended_at TIMESTAMP,
		reservation_receipt_url TEXT,
		notes TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_appointments_patient
		ON appointments(patient_id, scheduled_date);

	CREATE TABLE IF NOT EXISTS invoices (
		id TEXT PRIMARY KEY,
		patient_id TEXT NOT NULL REFERENCES patients(id),
		total_amount TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		due_date TIMESTAMP,
		created_by_id TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS orders (
		id TEXT PRIMARY KEY,
		patient_id TEXT NOT NULL REFERENCES patients(id),
		service_id TEXT NOT NULL REFERENCES services(id),
		total_sessions INTEGER NOT NULL CHECK (total_sessions >= 1),
		original_price TEXT NOT NULL,
		discount TEXT NOT NULL,
		final_price TEXT NOT NULL,
		invoice_id TEXT REFERENCES invoices(id),
		created_by_id TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_orders_patient_uninvoiced
		ON orders(patient_id) WHERE invoice_id IS NULL;
	CREATE INDEX IF NOT EXISTS idx_orders_invoice
		ON orders(invoice_id) WHERE invoice_id IS NOT NULL;

	-- Session records are soft-deleted; history is never removed.
	CREATE TABLE IF NOT EXISTS appointment_services (
		id TEXT PRIMARY KEY,
		appointment_id TEXT NOT NULL REFERENCES appointments(id),
		order_id TEXT NOT NULL REFERENCES orders(id),
		session_number INTEGER NOT NULL CHECK (session_number >= 1),
		deleted_at TIMESTAMP,
		deleted_by_id TEXT,
		deletion_reason TEXT,
		created_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_sessions_appointment
		ON appointment_services(appointment_id) WHERE deleted_at IS NULL;
	CREATE UNIQUE INDEX IF NOT EXISTS idx_sessions_active_number
		ON appointment_services(order_id, session_number) WHERE deleted_at IS NULL;

	CREATE TABLE IF NOT EXISTS commissions (
		id TEXT PRIMARY KEY,
		sales_person_id TEXT NOT NULL,
		appointment_id TEXT NOT NULL REFERENCES appointments(id),
		commission_rate TEXT NOT NULL,
		commission_amount TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		approved_by_id TEXT,
		approved_at TIMESTAMP,
		paid_by_id TEXT,
		paid_at TIMESTAMP,
		payment_method TEXT,
		payment_reference TEXT,
		rejected_by_id TEXT,
		rejection_reason TEXT,
		notes TEXT,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_commissions_appointment
		ON commissions(appointment_id);
	CREATE INDEX IF NOT EXISTS idx_commissions_status
		ON commissions(status);

	CREATE TABLE IF NOT EXISTS payments (
		id TEXT PRIMARY KEY,
		patient_id TEXT NOT NULL REFERENCES patients(id),
		invoice_id TEXT REFERENCES invoices(id),
		appointment_id TEXT REFERENCES appointments(id),
		amount_paid TEXT NOT NULL,
		payment_method TEXT NOT NULL,
		payment_type TEXT NOT NULL,
		payment_date TIMESTAMP NOT NULL,
		receipt_url TEXT,
		notes TEXT NOT NULL DEFAULT '',
		created_by_id TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		deleted_at TIMESTAMP,
		deleted_by_id TEXT,
		deletion_reason TEXT,
		CHECK (invoice_id IS NOT NULL OR appointment_id IS NOT NULL)
	);

	CREATE INDEX IF NOT EXISTS idx_payments_invoice_active
		ON payments(invoice_id) WHERE deleted_at IS NULL;
`

// =============================================================================
// TRANSACTIONAL STORE (clinic.TxStore interface)
// =============================================================================

// WithTx executes fn within a database transaction. The transaction is
// rolled back when fn returns an error or panics.
func (s *Store) WithTx(ctx context.Context, fn func(store clinic.Store) error) (err error) {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return clinic.Wrap("begin", err)
	}
	defer func() {
		if p := recover(); p != nil {
			sqlTx.Rollback()
			panic(p)
		}
		if err != nil {
			sqlTx.Rollback()
		}
	}()

	if err = fn(&txStore{ops{q: sqlTx}}); err != nil {
		return err
	}
	if err = sqlTx.Commit(); err != nil {
		return clinic.Wrap("commit", err)
	}
	return nil
}

type txStore struct {
	ops
}

// =============================================================================
// PATIENTS AND SERVICES
// =============================================================================

func (o ops) SavePatient(ctx context.Context, p clinic.Patient) error {
	_, err := o.q.ExecContext(ctx, `
		INSERT INTO patients (id, first_name, last_name, phone, email, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			first_name = excluded.first_name,
			last_name = excluded.last_name,
			phone = excluded.phone,
			email = excluded.email
	`, p.ID, p.FirstName, p.LastName, p.Phone, p.Email, p.CreatedAt.UTC())
	return clinic.Wrap("save patient", err)
}

func (o ops) GetPatient(ctx context.Context, id clinic.PatientID) (*clinic.Patient, error) {
	var p clinic.Patient
	err := o.q.QueryRowContext(ctx, `
		SELECT id, first_name, last_name, phone, email, created_at
		FROM patients WHERE id = ?
	`, id).Scan(&p.ID, &p.FirstName, &p.LastName, &p.Phone, &p.Email, &p.CreatedAt)
	if err != nil {
		return nil, notFoundOr(err, "patient", id, "get patient")
	}
	return &p, nil
}

func (o ops) SaveService(ctx context.Context, svc clinic.Service) error {
	_, err := o.q.ExecContext(ctx, `
		INSERT INTO services (id, name, base_price, default_sessions, active)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			base_price = excluded.base_price,
			default_sessions = excluded.default_sessions,
			active = excluded.active
	`, svc.ID, svc.Name, svc.BasePrice, svc.DefaultSessions, svc.Active)
	return clinic.Wrap("save service", err)
}

const serviceColumns = `id, name, base_price, default_sessions, active`

func scanService(row scanner) (clinic.Service, error) {
	var svc clinic.Service
	err := row.Scan(&svc.ID, &svc.Name, &svc.BasePrice, &svc.DefaultSessions, &svc.Active)
	return svc, err
}

func (o ops) GetService(ctx context.Context, id clinic.ServiceID) (*clinic.Service, error) {
	svc, err := scanService(o.q.QueryRowContext(ctx,
		`SELECT `+serviceColumns+` FROM services WHERE id = ?`, id))
	if err != nil {
		return nil, notFoundOr(err, "service", id, "get service")
	}
	return &svc, nil
}

func (o ops) ListServices(ctx context.Context) ([]clinic.Service, error) {
	return queryAll(ctx, o.q, "list services", scanService,
		`SELECT `+serviceColumns+` FROM services ORDER BY name, id`)
}

// =============================================================================
// APPOINTMENTS
// =============================================================================

const appointmentColumns = `
	id, patient_id, scheduled_date, duration_minutes, reservation_amount, status,
	created_by_id, attended_by_id, attended_at, reservation_receipt_url, notes,
	created_at, updated_at`

func scanAppointment(row scanner) (clinic.Appointment, error) {
	var (
		a          clinic.Appointment
		amount     decimal.NullDecimal
		attendedBy sql.NullString
		attendedAt sql.NullTime
		receipt    sql.NullString
	)
	err := row.Scan(&a.ID, &a.PatientID, &a.ScheduledDate, &a.DurationMinutes, &amount, &a.Status,
		&a.CreatedByID, &attendedBy, &attendedAt, &receipt, &a.Notes,
		&a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return a, err
	}
	if amount.Valid {
		a.ReservationAmount = &amount.Decimal
	}
	a.AttendedByID = idPtr[clinic.ActorID](attendedBy)
	a.AttendedAt = timePtr(attendedAt)
	a.ReservationReceiptURL = idPtr[string](receipt)
	return a, nil
}

func (o ops) InsertAppointment(ctx context.Context, a clinic.Appointment) error {
	_, err := o.q.ExecContext(ctx, `
		INSERT INTO appointments (`+appointmentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, a.ID, a.PatientID, a.ScheduledDate.UTC(), a.DurationMinutes, nullMoney(a.ReservationAmount), a.Status,
		a.CreatedByID, nullID(a.AttendedByID), nullTime(a.AttendedAt), nullID(a.ReservationReceiptURL), a.Notes,
		a.CreatedAt.UTC(), a.UpdatedAt.UTC())
	return clinic.Wrap("insert appointment", err)
}

func (o ops) GetAppointment(ctx context.Context, id clinic.AppointmentID) (*clinic.Appointment, error) {
	a, err := scanAppointment(o.q.QueryRowContext(ctx,
		`SELECT `+appointmentColumns+` FROM appointments WHERE id = ?`, id))
	if err != nil {
		return nil, notFoundOr(err, "appointment", id, "get appointment")
	}
	return &a, nil
}

func (o ops) UpdateAppointment(ctx context.Context, a clinic.Appointment) error {
	res, err := o.q.ExecContext(ctx, `
		UPDATE appointments SET
			scheduled_date = ?, duration_minutes = ?, reservation_amount = ?, status = ?,
			attended_by_id = ?, attended_at = ?, reservation_receipt_url = ?, notes = ?,
			updated_at = ?
		WHERE id = ?
	`, a.ScheduledDate.UTC(), a.DurationMinutes, nullMoney(a.ReservationAmount), a.Status,
		nullID(a.AttendedByID), nullTime(a.AttendedAt), nullID(a.ReservationReceiptURL), a.Notes,
		a.UpdatedAt.UTC(), a.ID)
	return expectRow(res, err, "update appointment", "appointment", a.ID)
}

// =============================================================================
// ORDERS
// =============================================================================

const orderColumns = `
	id, patient_id, service_id, total_sessions, original_price, discount, final_price,
	invoice_id, created_by_id, created_at`

func scanOrder(row scanner) (clinic.Order, error) {
	var (
		o       clinic.Order
		invoice sql.NullString
	)
	err := row.Scan(&o.ID, &o.PatientID, &o.ServiceID, &o.TotalSessions, &o.OriginalPrice, &o.Discount, &o.FinalPrice,
		&invoice, &o.CreatedByID, &o.CreatedAt)
	o.InvoiceID = idPtr[clinic.InvoiceID](invoice)
	return o, err
}

func (o ops) InsertOrder(ctx context.Context, ord clinic.Order) error {
	_, err := o.q.ExecContext(ctx, `
		INSERT INTO orders (`+orderColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, ord.ID, ord.PatientID, ord.ServiceID, ord.TotalSessions, ord.OriginalPrice, ord.Discount, ord.FinalPrice,
		nullID(ord.InvoiceID), ord.CreatedByID, ord.CreatedAt.UTC())
	return clinic.Wrap("insert order", err)
}

func (o ops) GetOrder(ctx context.Context, id clinic.OrderID) (*clinic.Order, error) {
	ord, err := scanOrder(o.q.QueryRowContext(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE id = ?`, id))
	if err != nil {
		return nil, notFoundOr(err, "order", id, "get order")
	}
	return &ord, nil
}

func (o ops) ListOrders(ctx context.Context, q clinic.OrderQuery) ([]clinic.Order, error) {
	var w where
	if len(q.IDs) > 0 {
		whereIn(&w, "id", q.IDs)
	}
	if q.PatientID != "" {
		w.add("patient_id = ?", q.PatientID)
	}
	if q.InvoiceID != "" {
		w.add("invoice_id = ?", q.InvoiceID)
	}
	if q.UninvoicedOnly {
		w.add("invoice_id IS NULL")
	}
	return queryAll(ctx, o.q, "list orders", scanOrder,
		`SELECT `+orderColumns+` FROM orders`+w.String()+` ORDER BY rowid`, w.args...)
}

func (o ops) UpdateOrderPrice(ctx context.Context, id clinic.OrderID, discount, finalPrice clinic.Money) error {
	res, err := o.q.ExecContext(ctx,
		`UPDATE orders SET discount = ?, final_price = ? WHERE id = ?`, discount, finalPrice, id)
	return expectRow(res, err, "update order price", "order", id)
}

func (o ops) SetOrdersInvoice(ctx context.Context, ids []clinic.OrderID, invoiceID *clinic.InvoiceID) error {
	if len(ids) == 0 {
		return nil
	}
	var w where
	whereIn(&w, "id", ids)
	res, err := o.q.ExecContext(ctx,
		`UPDATE orders SET invoice_id = ?`+w.String(), append([]any{nullID(invoiceID)}, w.args...)...)
	if err != nil {
		return clinic.Wrap("set orders invoice", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return clinic.Wrap("set orders invoice", err)
	} else if int(n) != len(ids) {
		return clinic.NotFound("order", ids...)
	}
	return nil
}

// =============================================================================
// SESSION RECORDS
// =============================================================================

const sessionColumns = `
	id, appointment_id, order_id, session_number, deleted_at, deleted_by_id, deletion_reason, created_at`

func scanSession(row scanner) (clinic.AppointmentService, error) {
	var (
		s   clinic.AppointmentService
		del deletionCols
	)
	err := row.Scan(&s.ID, &s.AppointmentID, &s.OrderID, &s.SessionNumber,
		&del.at, &del.by, &del.reason, &s.CreatedAt)
	s.Deletion = del.get()
	return s, err
}

func (o ops) InsertSession(ctx context.Context, s clinic.AppointmentService) error {
	d := deletionArgs(s.Deletion)
	_, err := o.q.ExecContext(ctx, `
		INSERT INTO appointment_services (`+sessionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, s.ID, s.AppointmentID, s.OrderID, s.SessionNumber, d[0], d[1], d[2], s.CreatedAt.UTC())
	if isUniqueConstraintError(err) {
		return clinic.Conflict(fmt.Sprintf("session %d of order %s is already booked", s.SessionNumber, s.OrderID), s.OrderID)
	}
	return clinic.Wrap("insert session", err)
}

func (o ops) ListSessions(ctx context.Context, q clinic.SessionQuery) ([]clinic.AppointmentService, error) {
	var w where
	if q.AppointmentID != "" {
		w.add("appointment_id = ?", q.AppointmentID)
	}
	if q.OrderID != "" {
		w.add("order_id = ?", q.OrderID)
	}
	if !q.IncludeDeleted {
		w.add("deleted_at IS NULL")
	}
	return queryAll(ctx, o.q, "list sessions", scanSession,
		`SELECT `+sessionColumns+` FROM appointment_services`+w.String()+` ORDER BY rowid`, w.args...)
}

func (o ops) SoftDeleteSessions(ctx context.Context, appointmentID clinic.AppointmentID, ids []clinic.SessionID, d clinic.Deletion) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	w := where{}
	w.add("appointment_id = ?", appointmentID)
	w.add("deleted_at IS NULL")
	whereIn(&w, "id", ids)
	res, err := o.q.ExecContext(ctx,
		`UPDATE appointment_services SET deleted_at = ?, deleted_by_id = ?, deletion_reason = ?`+w.String(),
		append([]any{d.At.UTC(), d.ByID, d.Reason}, w.args...)...)
	if err != nil {
		return 0, clinic.Wrap("delete sessions", err)
	}
	n, err := res.RowsAffected()
	return int(n), clinic.Wrap("delete sessions", err)
}

// =============================================================================
// COMMISSIONS
// =============================================================================

const commissionColumns = `
	id, sales_person_id, appointment_id, commission_rate, commission_amount, status,
	approved_by_id, approved_at, paid_by_id, paid_at, payment_method, payment_reference,
	rejected_by_id, rejection_reason, notes, created_at, updated_at`

func scanCommission(row scanner) (clinic.Commission, error) {
	var (
		c                            clinic.Commission
		approvedBy, paidBy, rejected sql.NullString
		approvedAt, paidAt           sql.NullTime
		method, reference, reason    sql.NullString
		notes                        sql.NullString
	)
	err := row.Scan(&c.ID, &c.SalesPersonID, &c.AppointmentID, &c.CommissionRate, &c.CommissionAmount, &c.Status,
		&approvedBy, &approvedAt, &paidBy, &paidAt, &method, &reference,
		&rejected, &reason, &notes, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return c, err
	}
	c.ApprovedByID, c.ApprovedAt = idPtr[clinic.ActorID](approvedBy), timePtr(approvedAt)
	c.PaidByID, c.PaidAt = idPtr[clinic.ActorID](paidBy), timePtr(paidAt)
	c.PaymentMethod, c.PaymentReference = idPtr[string](method), idPtr[string](reference)
	c.RejectedByID, c.RejectionReason = idPtr[clinic.ActorID](rejected), idPtr[string](reason)
	c.Notes = idPtr[string](notes)
	return c, nil
}

func commissionArgs(c clinic.Commission) []any {
	return []any{
		c.ID, c.SalesPersonID, c.AppointmentID, c.CommissionRate, c.CommissionAmount, c.Status,
		nullID(c.ApprovedByID), nullTime(c.ApprovedAt), nullID(c.PaidByID), nullTime(c.PaidAt),
		nullID(c.PaymentMethod), nullID(c.PaymentReference),
		nullID(c.RejectedByID), nullID(c.RejectionReason), nullID(c.Notes),
		c.CreatedAt.UTC(), c.UpdatedAt.UTC(),
	}
}

func (o ops) InsertCommission(ctx context.Context, c clinic.Commission) error {
	_, err := o.q.ExecContext(ctx, `
		INSERT INTO commissions (`+commissionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, commissionArgs(c)...)
	return clinic.Wrap("insert commission", err)
}

func (o ops) GetCommission(ctx context.Context, id clinic.CommissionID) (*clinic.Commission, error) {
	c, err := scanCommission(o.q.QueryRowContext(ctx,
		`SELECT `+commissionColumns+` FROM commissions WHERE id = ?`, id))
	if err != nil {
		return nil, notFoundOr(err, "commission", id, "get commission")
	}
	return &c, nil
}

func (o ops) ListCommissions(ctx context.Context, q clinic.CommissionQuery) ([]clinic.Commission, error) {
	var w where
	if len(q.IDs) > 0 {
		whereIn(&w, "id", q.IDs)
	}
	if q.AppointmentID != "" {
		w.add("appointment_id = ?", q.AppointmentID)
	}
	return queryAll(ctx, o.q, "list commissions", scanCommission,
		`SELECT `+commissionColumns+` FROM commissions`+w.String()+` ORDER BY rowid`, w.args...)
}

// TransitionCommissions loads the candidate rows, applies the transition in
// Go, and writes each row back guarded by its previous status.
func (o ops) TransitionCommissions(ctx context.Context, ids []clinic.CommissionID, t clinic.CommissionTransition) (int, error) {
	if len(ids) == 0 || len(t.From) == 0 {
		return 0, nil
	}
	var w where
	whereIn(&w, "id", ids)
	whereIn(&w, "status", t.From)
	rows, err := queryAll(ctx, o.q, "transition commissions", scanCommission,
		`SELECT `+commissionColumns+` FROM commissions`+w.String(), w.args...)
	if err != nil {
		return 0, err
	}

	updated := 0
	for _, c := range rows {
		prev := c.Status
		t.Apply(&c)
		res, err := o.q.ExecContext(ctx, `
			UPDATE commissions SET
				status = ?, approved_by_id = ?, approved_at = ?, paid_by_id = ?, paid_at = ?,
				payment_method = ?, payment_reference = ?, rejected_by_id = ?, rejection_reason = ?,
				notes = ?, updated_at = ?
			WHERE id = ? AND status = ?
		`, c.Status, nullID(c.ApprovedByID), nullTime(c.ApprovedAt), nullID(c.PaidByID), nullTime(c.PaidAt),
			nullID(c.PaymentMethod), nullID(c.PaymentReference), nullID(c.RejectedByID), nullID(c.RejectionReason),
			nullID(c.Notes), c.UpdatedAt.UTC(), c.ID, prev)
		if err != nil {
			return updated, clinic.Wrap("transition commissions", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return updated, clinic.Wrap("transition commissions", err)
		}
		updated += int(n)
	}
	return updated, nil
}

// =============================================================================
// INVOICES
// =============================================================================

const invoiceColumns = `
	id, patient_id, total_amount, status, due_date, created_by_id, created_at, updated_at`

func scanInvoice(row scanner) (clinic.Invoice, error) {
	var (
		inv clinic.Invoice
		due sql.NullTime
	)
	err := row.Scan(&inv.ID, &inv.PatientID, &inv.TotalAmount, &inv.Status, &due,
		&inv.CreatedByID, &inv.CreatedAt, &inv.UpdatedAt)
	inv.DueDate = timePtr(due)
	return inv, err
}

func (o ops) InsertInvoice(ctx context.Context, inv clinic.Invoice) error {
	_, err := o.q.ExecContext(ctx, `
		INSERT INTO invoices (`+invoiceColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, inv.ID, inv.PatientID, inv.TotalAmount, inv.Status, nullTime(inv.DueDate),
		inv.CreatedByID, inv.CreatedAt.UTC(), inv.UpdatedAt.UTC())
	return clinic.Wrap("insert invoice", err)
}

func (o ops) GetInvoice(ctx context.Context, id clinic.InvoiceID) (*clinic.Invoice, error) {
	inv, err := scanInvoice(o.q.QueryRowContext(ctx,
		`SELECT `+invoiceColumns+` FROM invoices WHERE id = ?`, id))
	if err != nil {
		return nil, notFoundOr(err, "invoice", id, "get invoice")
	}
	return &inv, nil
}

func (o ops) SetInvoiceStatus(ctx context.Context, id clinic.InvoiceID, status clinic.InvoiceStatus) error {
	res, err := o.q.ExecContext(ctx,
		`UPDATE invoices SET status = ?, updated_at = ? WHERE id = ?`, status, time.Now().UTC(), id)
	return expectRow(res, err, "set invoice status", "invoice", id)
}

// =============================================================================
// PAYMENTS
// =============================================================================

const paymentColumns = `
	id, patient_id, invoice_id, appointment_id, amount_paid, payment_method, payment_type,
	payment_date, receipt_url, notes, created_by_id, created_at,
	deleted_at, deleted_by_id, deletion_reason`

func scanPayment(row scanner) (clinic.Payment, error) {
	var (
		p                      clinic.Payment
		invoice, appt, receipt sql.NullString
		del                    deletionCols
	)
	err := row.Scan(&p.ID, &p.PatientID, &invoice, &appt, &p.AmountPaid, &p.PaymentMethod, &p.PaymentType,
		&p.PaymentDate, &receipt, &p.Notes, &p.CreatedByID, &p.CreatedAt,
		&del.at, &del.by, &del.reason)
	p.InvoiceID = idPtr[clinic.InvoiceID](invoice)
	p.AppointmentID = idPtr[clinic.AppointmentID](appt)
	p.ReceiptURL = idPtr[string](receipt)
	p.Deletion = del.get()
	return p, err
}

func (o ops) InsertPayment(ctx context.Context, p clinic.Payment) error {
	d := deletionArgs(p.Deletion)
	_, err := o.q.ExecContext(ctx, `
		INSERT INTO payments (`+paymentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, p.ID, p.PatientID, nullID(p.InvoiceID), nullID(p.AppointmentID), p.AmountPaid, p.PaymentMethod, p.PaymentType,
		p.PaymentDate.UTC(), nullID(p.ReceiptURL), p.Notes, p.CreatedByID, p.CreatedAt.UTC(),
		d[0], d[1], d[2])
	return clinic.Wrap("insert payment", err)
}

func (o ops) GetPayment(ctx context.Context, id clinic.PaymentID) (*clinic.Payment, error) {
	p, err := scanPayment(o.q.QueryRowContext(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE id = ?`, id))
	if err != nil {
		return nil, notFoundOr(err, "payment", id, "get payment")
	}
	return &p, nil
}

func (o ops) ListPayments(ctx context.Context, invoiceID clinic.InvoiceID) ([]clinic.Payment, error) {
	return queryAll(ctx, o.q, "list payments", scanPayment, `
		SELECT `+paymentColumns+` FROM payments
		WHERE invoice_id = ? AND deleted_at IS NULL
		ORDER BY payment_date, rowid
	`, invoiceID)
}

func (o ops) SoftDeletePayment(ctx context.Context, id clinic.PaymentID, d clinic.Deletion) error {
	res, err := o.q.ExecContext(ctx, `
		UPDATE payments SET deleted_at = ?, deleted_by_id = ?, deletion_reason = ?
		WHERE id = ? AND deleted_at IS NULL
	`, d.At.UTC(), d.ByID, d.Reason, id)
	return expectRow(res, err, "delete payment", "payment", id)
}

// SumPayments adds the amounts in Go; SQLite's SUM over TEXT would go through float.
func (o ops) SumPayments(ctx context.Context, invoiceID clinic.InvoiceID) (clinic.PaymentTotals, error) {
	scan := func(row scanner) (decimal.Decimal, error) {
		var d decimal.Decimal
		err := row.Scan(&d)
		return d, err
	}
	amounts, err := queryAll(ctx, o.q, "sum payments", scan,
		`SELECT amount_paid FROM payments WHERE invoice_id = ? AND deleted_at IS NULL`, invoiceID)
	if err != nil {
		return clinic.PaymentTotals{}, err
	}
	totals := clinic.PaymentTotals{Total: decimal.Zero, Count: len(amounts)}
	for _, a := range amounts {
		totals.Total = totals.Total.Add(a)
	}
	return totals, nil
}

// =============================================================================
// UTILITIES
// =============================================================================

// Reset clears all data (for testing/demo).
func (s *Store) Reset(ctx context.Context) error {
	tables := []string{"payments", "commissions", "appointment_services", "orders", "invoices", "appointments", "services", "patients"}
	return s.WithTx(ctx, func(st clinic.Store) error {
		tx := st.(*txStore)
		for _, table := range tables {
			if _, err := tx.q.ExecContext(ctx, "DELETE FROM "+table); err != nil {
				return clinic.Wrap("reset "+table, err)
			}
		}
		return nil
	})
}

// Helper functions

type scanner interface {
	Scan(dest ...any) error
}

func queryAll[T any](ctx context.Context, q queryer, op string, scan func(scanner) (T, error), query string, args ...any) ([]T, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, clinic.Wrap(op, err)
	}
	defer rows.Close()

	var out []T
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, clinic.Wrap(op, err)
		}
		out = append(out, v)
	}
	return out, clinic.Wrap(op, rows.Err())
}

// where accumulates AND-ed conditions and their arguments.
type where struct {
	conds []string
	args  []any
}

func (w *where) add(cond string, args ...any) {
	w.conds = append(w.conds, cond)
	w.args = append(w.args, args...)
}

func whereIn[T ~string](w *where, column string, values []T) {
	marks := make([]string, len(values))
	for i, v := range values {
		marks[i] = "?"
		w.args = append(w.args, string(v))
	}
	w.conds = append(w.conds, column+" IN ("+strings.Join(marks, ", ")+")")
}

func (w *where) String() string {
	if len(w.conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(w.conds, " AND ")
}

func notFoundOr[T ~string](err error, kind string, id T, op string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return clinic.NotFound(kind, id)
	}
	return clinic.Wrap(op, err)
}

// expectRow maps a single-row UPDATE that matched nothing to NotFound.
func expectRow[T ~string](res sql.Result, err error, op, kind string, id T) error {
	if err != nil {
		return clinic.Wrap(op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return clinic.Wrap(op, err)
	}
	if n == 0 {
		return clinic.NotFound(kind, id)
	}
	return nil
}

func nullID[T ~string](p *T) sql.NullString {
	if p == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: string(*p), Valid: true}
}

func idPtr[T ~string](ns sql.NullString) *T {
	if !ns.Valid {
		return nil
	}
	v := T(ns.String)
	return &v
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}

func nullMoney(m *clinic.Money) decimal.NullDecimal {
	if m == nil {
		return decimal.NullDecimal{}
	}
	return decimal.NullDecimal{Decimal: *m, Valid: true}
}

// deletionCols scans the deleted_at/deleted_by_id/deletion_reason triple.
type deletionCols struct {
	at     sql.NullTime
	by     sql.NullString
	reason sql.NullString
}

func (d deletionCols) get() *clinic.Deletion {
	if !d.at.Valid {
		return nil
	}
	return &clinic.Deletion{At: d.at.Time, ByID: clinic.ActorID(d.by.String), Reason: d.reason.String}
}

func deletionArgs(d *clinic.Deletion) [3]any {
	if d == nil {
		return [3]any{nil, nil, nil}
	}
	return [3]any{d.At.UTC(), string(d.ByID), d.Reason}
}

func isUniqueConstraintError(err error) bool {
	var se sqlite3.Error
	if !errors.As(err, &se) {
		return false
	}
	return se.ExtendedCode == sqlite3.ErrConstraintUnique
}
