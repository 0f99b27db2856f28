/*
booking.go - Appointment transaction orchestrator

PURPOSE:
  Creates and mutates appointments together with their treatment packages,
  session records and reservation commission inside one store transaction.

CREATE FLOW:
  ┌─────────────────────────────────────────────────────────────────────┐
  │  validate ─▶ insert appointment ─▶ resolve temp packages ─▶ link    │
  │  input       (reserved)             (PackageResolver)       sessions│
  │                                                               │     │
  │                          re-read hydrated ◀── accrue commission ◀┘  │
  └─────────────────────────────────────────────────────────────────────┘

UPDATE FLOW (session operations, each list optional):
  1. toDelete           soft-delete sessions, scoped to this appointment
  2. newOrders          create packages, temp id ─▶ order id
  3. toCreate           link sessions, temp ids resolved against step 2
  4. orderPriceUpdates  explicit final prices on existing orders
  5. appointment fields date, duration, status, notes
  6. re-read            active sessions only

Any failure rolls back every write of the call.

SEE ALSO:
  - packages.go: PackageResolver
  - sessions.go: SessionLinker
  - commission.go: AccrueCommission
*/
package clinic

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// DefaultDurationMinutes is used when a booking does not specify a duration.
const DefaultDurationMinutes = 60

// =============================================================================
// INPUTS
// =============================================================================

type CreateAppointmentInput struct {
	PatientID             PatientID
	ScheduledDate         time.Time
	DurationMinutes       int
	ReservationAmount     *Money
	ReservationReceiptURL *string
	Notes                 string
	Sessions              []SessionRequest
	ActorID               ActorID
}

// SessionOperations bundles the session changes of an update. Every list is
// optional and they run in declaration order.
type SessionOperations struct {
	ToDelete          []SessionID
	DeleteReason      string
	NewOrders         []NewPackage
	ToCreate          []SessionRequest
	OrderPriceUpdates []OrderPriceUpdate
}

func (o *SessionOperations) empty() bool {
	return o == nil || (len(o.ToDelete) == 0 && len(o.NewOrders) == 0 &&
		len(o.ToCreate) == 0 && len(o.OrderPriceUpdates) == 0)
}

func (o *SessionOperations) touchesSessions() bool {
	return o != nil && (len(o.ToDelete) > 0 || len(o.ToCreate) > 0)
}

type UpdateAppointmentInput struct {
	AppointmentID         AppointmentID
	ActorID               ActorID
	ScheduledDate         *time.Time
	DurationMinutes       *int
	Status                *AppointmentStatus
	Notes                 *string
	ReservationReceiptURL *string
	Sessions              *SessionOperations
}

// =============================================================================
// BOOKING SERVICE
// =============================================================================

type BookingService struct {
	store       TxStore
	packages    *PackageResolver
	sessions    *SessionLinker
	commissions CommissionPolicy
	log         zerolog.Logger
	now         func() time.Time
}

type BookingOption func(*BookingService)

// WithCommissionPolicy replaces the flat default commission rate.
func WithCommissionPolicy(p CommissionPolicy) BookingOption {
	return func(b *BookingService) { b.commissions = p }
}

// WithClock fixes the time source, for tests.
func WithClock(now func() time.Time) BookingOption {
	return func(b *BookingService) { b.now = now }
}

func NewBookingService(store TxStore, log zerolog.Logger, opts ...BookingOption) *BookingService {
	b := &BookingService{
		store:       store,
		commissions: FlatRate{Value: DefaultCommissionRate},
		log:         log.With().Str("component", "booking").Logger(),
		now:         func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(b)
	}
	b.packages = &PackageResolver{Now: b.now}
	b.sessions = &SessionLinker{Now: b.now}
	return b
}

// Create books a new appointment with its sessions, any new treatment
// packages and the reservation commission, atomically.
func (b *BookingService) Create(ctx context.Context, in CreateAppointmentInput) (*HydratedAppointment, error) {
	if err := validateCreate(&in); err != nil {
		return nil, err
	}
	pkgs, err := packagesFromSessions(in.Sessions)
	if err != nil {
		return nil, err
	}

	var out *HydratedAppointment
	err = b.store.WithTx(ctx, func(st Store) error {
		if _, err := st.GetPatient(ctx, in.PatientID); err != nil {
			return err
		}

		now := b.now()
		appt := Appointment{
			ID:                    AppointmentID(newID()),
			PatientID:             in.PatientID,
			ScheduledDate:         in.ScheduledDate,
			DurationMinutes:       in.DurationMinutes,
			ReservationAmount:     in.ReservationAmount,
			Status:                AppointmentReserved,
			CreatedByID:           in.ActorID,
			ReservationReceiptURL: in.ReservationReceiptURL,
			Notes:                 in.Notes,
			CreatedAt:             now,
			UpdatedAt:             now,
		}
		if err := st.InsertAppointment(ctx, appt); err != nil {
			return fmt.Errorf("insert appointment: %w", err)
		}

		resolved, err := b.packages.Resolve(ctx, st, appt.PatientID, in.ActorID, pkgs)
		if err != nil {
			return err
		}
		if _, err := b.sessions.Link(ctx, st, appt, in.Sessions, resolved); err != nil {
			return err
		}
		if _, err := AccrueCommission(ctx, st, b.commissions, appt, in.ActorID, now); err != nil {
			return err
		}

		out, err = hydrate(ctx, st, appt.ID)
		return err
	})
	if err != nil {
		return nil, err
	}

	b.log.Info().
		Str("appointment_id", string(out.Appointment.ID)).
		Str("patient_id", string(out.Appointment.PatientID)).
		Int("sessions", len(out.Sessions)).
		Int("orders", len(out.Orders())).
		Int("commissions", len(out.Commissions)).
		Msg("appointment created")
	return out, nil
}

func validateCreate(in *CreateAppointmentInput) error {
	if in.ActorID == "" {
		return Invalid("actor_id", "is required")
	}
	if in.PatientID == "" {
		return Invalid("patient_id", "is required")
	}
	if in.ScheduledDate.IsZero() {
		return Invalid("scheduled_date", "is required")
	}
	if in.DurationMinutes < 0 {
		return Invalid("duration_minutes", "cannot be negative")
	}
	if in.DurationMinutes == 0 {
		in.DurationMinutes = DefaultDurationMinutes
	}
	if in.ReservationAmount != nil {
		if in.ReservationAmount.IsNegative() {
			return Invalid("reservation_amount", "cannot be negative")
		}
		r := RoundMoney(*in.ReservationAmount)
		in.ReservationAmount = &r
	}
	if len(in.Sessions) == 0 {
		return Invalid("sessions", "at least one session is required")
	}
	for i, s := range in.Sessions {
		if s.ServiceID == "" {
			return Invalid(fmt.Sprintf("sessions[%d].service_id", i), "is required")
		}
		if s.SessionNumber < 1 {
			return Invalid(fmt.Sprintf("sessions[%d].session_number", i), "is required and must be >= 1")
		}
	}
	return nil
}

// packagesFromSessions groups session requests by temp package id. The
// group's service comes from its first request; the first negotiated price
// and first explicit session total found in the group win.
func packagesFromSessions(reqs []SessionRequest) ([]NewPackage, error) {
	var order []TempPackageID
	groups := make(map[TempPackageID]*NewPackage)
	for i, r := range reqs {
		if r.TempPackageID == "" {
			continue
		}
		p, ok := groups[r.TempPackageID]
		if !ok {
			p = &NewPackage{TempID: r.TempPackageID, ServiceID: r.ServiceID}
			groups[r.TempPackageID] = p
			order = append(order, r.TempPackageID)
		} else if p.ServiceID != r.ServiceID {
			return nil, Invalid(fmt.Sprintf("sessions[%d].service_id", i),
				fmt.Sprintf("package %q mixes services %s and %s", r.TempPackageID, p.ServiceID, r.ServiceID))
		}
		p.ImpliedSessions++
		if p.NegotiatedPrice == nil && r.NegotiatedPrice != nil {
			p.NegotiatedPrice = r.NegotiatedPrice
		}
		if p.TotalSessions == nil && r.TotalSessions != nil {
			p.TotalSessions = r.TotalSessions
		}
	}

	out := make([]NewPackage, len(order))
	for i, id := range order {
		out[i] = *groups[id]
	}
	return out, nil
}

// Update applies field changes and session operations to an appointment, atomically.
func (b *BookingService) Update(ctx context.Context, in UpdateAppointmentInput) (*HydratedAppointment, error) {
	if in.AppointmentID == "" {
		return nil, Invalid("appointment_id", "is required")
	}
	if in.ActorID == "" {
		return nil, Invalid("actor_id", "is required")
	}

	var out *HydratedAppointment
	err := b.store.WithTx(ctx, func(st Store) error {
		appt, err := st.GetAppointment(ctx, in.AppointmentID)
		if err != nil {
			return err
		}

		if !in.Sessions.empty() {
			if !appt.Status.IsOpen() {
				return Invalid("sessions", fmt.Sprintf("appointment is %s; sessions can no longer change", appt.Status))
			}
			if err := b.applySessionOperations(ctx, st, *appt, in.ActorID, in.Sessions); err != nil {
				return err
			}
		}

		if err := b.applyFields(appt, in); err != nil {
			return err
		}
		if err := st.UpdateAppointment(ctx, *appt); err != nil {
			return fmt.Errorf("update appointment: %w", err)
		}

		out, err = hydrate(ctx, st, appt.ID)
		return err
	})
	if err != nil {
		return nil, err
	}

	ev := b.log.Info().
		Str("appointment_id", string(in.AppointmentID)).
		Str("status", string(out.Appointment.Status)).
		Int("sessions", len(out.Sessions))
	if ops := in.Sessions; ops != nil {
		ev = ev.Int("deleted", len(ops.ToDelete)).
			Int("created", len(ops.ToCreate)).
			Int("new_orders", len(ops.NewOrders)).
			Int("price_updates", len(ops.OrderPriceUpdates))
	}
	ev.Msg("appointment updated")
	return out, nil
}

func (b *BookingService) applySessionOperations(ctx context.Context, st Store, appt Appointment, actor ActorID, ops *SessionOperations) error {
	if err := b.sessions.Unlink(ctx, st, appt.ID, ops.ToDelete, actor, ops.DeleteReason); err != nil {
		return err
	}

	newOrders := make([]NewPackage, len(ops.NewOrders))
	copy(newOrders, ops.NewOrders)
	for i := range newOrders {
		for _, r := range ops.ToCreate {
			if r.TempPackageID == newOrders[i].TempID {
				newOrders[i].ImpliedSessions++
			}
		}
	}
	resolved, err := b.packages.Resolve(ctx, st, appt.PatientID, actor, newOrders)
	if err != nil {
		return err
	}

	if _, err := b.sessions.Link(ctx, st, appt, ops.ToCreate, resolved); err != nil {
		return err
	}
	if err := b.sessions.ApplyPriceUpdates(ctx, st, appt.PatientID, ops.OrderPriceUpdates); err != nil {
		return err
	}

	if ops.touchesSessions() {
		active, err := ActiveSessions(ctx, st, appt.ID)
		if err != nil {
			return err
		}
		if len(active) == 0 {
			return Invalid("sessions", "an appointment must keep at least one active session")
		}
	}
	return nil
}

func (b *BookingService) applyFields(appt *Appointment, in UpdateAppointmentInput) error {
	if in.ScheduledDate != nil {
		if in.ScheduledDate.IsZero() {
			return Invalid("scheduled_date", "cannot be cleared")
		}
		appt.ScheduledDate = *in.ScheduledDate
	}
	if in.DurationMinutes != nil {
		if *in.DurationMinutes <= 0 {
			return Invalid("duration_minutes", "must be positive")
		}
		appt.DurationMinutes = *in.DurationMinutes
	}
	if in.Notes != nil {
		appt.Notes = *in.Notes
	}
	if in.ReservationReceiptURL != nil {
		url := strings.TrimSpace(*in.ReservationReceiptURL)
		if url == "" {
			appt.ReservationReceiptURL = nil
		} else {
			appt.ReservationReceiptURL = &url
		}
	}
	now := b.now()
	if in.Status != nil && *in.Status != appt.Status {
		if err := moveTo(appt, *in.Status, in.ActorID, now); err != nil {
			return err
		}
	}
	appt.UpdatedAt = now
	return nil
}

// moveTo applies a validated status transition and stamps attendance.
func moveTo(appt *Appointment, next AppointmentStatus, actor ActorID, at time.Time) error {
	if err := appt.Status.ValidateTransition(next); err != nil {
		return err
	}
	appt.Status = next
	if next == AppointmentAttended {
		appt.AttendedByID = &actor
		appt.AttendedAt = &at
	}
	appt.UpdatedAt = at
	return nil
}

// =============================================================================
// STATUS TRANSITIONS
// =============================================================================

// MarkAttended records that the patient showed up. Commissions are left
// untouched; approving them is a separate step.
func (b *BookingService) MarkAttended(ctx context.Context, id AppointmentID, actor ActorID) (*HydratedAppointment, error) {
	return b.setStatus(ctx, id, actor, AppointmentAttended)
}

// Start moves a reserved appointment to in_progress.
func (b *BookingService) Start(ctx context.Context, id AppointmentID, actor ActorID) (*HydratedAppointment, error) {
	return b.setStatus(ctx, id, actor, AppointmentInProgress)
}

func (b *BookingService) MarkNoShow(ctx context.Context, id AppointmentID, actor ActorID) (*HydratedAppointment, error) {
	return b.setStatus(ctx, id, actor, AppointmentNoShow)
}

// Cancel sets the appointment to cancelled. No row is deleted so sessions
// and commissions stay available for audit.
func (b *BookingService) Cancel(ctx context.Context, id AppointmentID, actor ActorID) error {
	_, err := b.setStatus(ctx, id, actor, AppointmentCancelled)
	return err
}

func (b *BookingService) setStatus(ctx context.Context, id AppointmentID, actor ActorID, next AppointmentStatus) (*HydratedAppointment, error) {
	if actor == "" {
		return nil, Invalid("actor_id", "is required")
	}

	var out *HydratedAppointment
	err := b.store.WithTx(ctx, func(st Store) error {
		appt, err := st.GetAppointment(ctx, id)
		if err != nil {
			return err
		}
		if err := moveTo(appt, next, actor, b.now()); err != nil {
			return err
		}
		if err := st.UpdateAppointment(ctx, *appt); err != nil {
			return fmt.Errorf("update appointment: %w", err)
		}
		out, err = hydrate(ctx, st, id)
		return err
	})
	if err != nil {
		return nil, err
	}

	b.log.Info().
		Str("appointment_id", string(id)).
		Str("status", string(next)).
		Str("actor_id", string(actor)).
		Msg("appointment status changed")
	return out, nil
}

// Get returns the hydrated appointment.
func (b *BookingService) Get(ctx context.Context, id AppointmentID) (*HydratedAppointment, error) {
	var out *HydratedAppointment
	err := b.store.WithTx(ctx, func(st Store) error {
		var err error
		out, err = hydrate(ctx, st, id)
		return err
	})
	return out, err
}

// =============================================================================
// HYDRATION
// =============================================================================

func hydrate(ctx context.Context, st Store, id AppointmentID) (*HydratedAppointment, error) {
	appt, err := st.GetAppointment(ctx, id)
	if err != nil {
		return nil, err
	}
	patient, err := st.GetPatient(ctx, appt.PatientID)
	if err != nil {
		return nil, err
	}
	sessions, err := ActiveSessions(ctx, st, id)
	if err != nil {
		return nil, err
	}

	orders := make(map[OrderID]*Order)
	services := make(map[ServiceID]*Service)
	details := make([]SessionDetail, 0, len(sessions))
	for _, s := range sessions {
		o, ok := orders[s.OrderID]
		if !ok {
			if o, err = st.GetOrder(ctx, s.OrderID); err != nil {
				return nil, err
			}
			orders[s.OrderID] = o
		}
		svc, ok := services[o.ServiceID]
		if !ok {
			if svc, err = st.GetService(ctx, o.ServiceID); err != nil {
				return nil, err
			}
			services[o.ServiceID] = svc
		}
		details = append(details, SessionDetail{Session: s, Order: *o, Service: *svc})
	}

	commissions, err := st.ListCommissions(ctx, CommissionQuery{AppointmentID: id})
	if err != nil {
		return nil, err
	}

	return &HydratedAppointment{
		Appointment: *appt,
		Patient:     *patient,
		Sessions:    details,
		Commissions: commissions,
	}, nil
}
