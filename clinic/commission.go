/*
commission.go - Reservation commission accrual and lifecycle

PURPOSE:
  A reservation deposit taken at booking time accrues a pending commission
  for the staff member who booked. The commission then moves through the
  approval workflow:

    pending ──approve──▶ approved ──pay──▶ paid
       │                    │
       ├──reject──▶ rejected└──cancel──▶ cancelled
       └──cancel──▶ cancelled

GATING:
  Approval requires the linked appointment to be attended. Batch approval
  and batch payment reject the entire batch when any candidate fails that
  check, and then only touch rows still in the source status at write time
  so concurrent single-item transitions are tolerated.

SEE ALSO:
  - status.go: CommissionStatus transition table
  - booking.go: calls AccrueCommission when an appointment is created
*/
package clinic

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// =============================================================================
// ACCRUAL RULE
// =============================================================================

// DefaultCommissionRate is the flat share of a reservation deposit paid as commission.
var DefaultCommissionRate = decimal.RequireFromString("0.10")

// CommissionPolicy decides the rate applied to an appointment's deposit.
type CommissionPolicy interface {
	Rate(ctx context.Context, appt Appointment, salesPerson ActorID) decimal.Decimal
}

// FlatRate applies the same rate to every reservation.
type FlatRate struct {
	Value decimal.Decimal
}

func (f FlatRate) Rate(context.Context, Appointment, ActorID) decimal.Decimal { return f.Value }

// AccrueCommission inserts one pending commission when the appointment
// carries a positive reservation amount. Returns nil, nil otherwise.
func AccrueCommission(
	ctx context.Context,
	st Store,
	policy CommissionPolicy,
	appt Appointment,
	salesPerson ActorID,
	at time.Time,
) (*Commission, error) {
	if !appt.HasReservation() {
		return nil, nil
	}
	if policy == nil {
		policy = FlatRate{Value: DefaultCommissionRate}
	}

	rate := policy.Rate(ctx, appt, salesPerson)
	c := Commission{
		ID:               CommissionID(newID()),
		SalesPersonID:    salesPerson,
		AppointmentID:    appt.ID,
		CommissionRate:   rate,
		CommissionAmount: RoundMoney(appt.ReservationAmount.Mul(rate)),
		Status:           CommissionPending,
		CreatedAt:        at,
		UpdatedAt:        at,
	}
	if err := st.InsertCommission(ctx, c); err != nil {
		return nil, fmt.Errorf("accrue commission: %w", err)
	}
	return &c, nil
}

// =============================================================================
// LIFECYCLE MANAGER
// =============================================================================

// BatchResult reports the outcome of a batch transition. Skipped lists ids
// that were not in the source status and were left untouched.
type BatchResult struct {
	Requested int
	Updated   int
	Skipped   []CommissionID
}

type CommissionService struct {
	store TxStore
	log   zerolog.Logger
	Now   func() time.Time
}

func NewCommissionService(store TxStore, log zerolog.Logger) *CommissionService {
	return &CommissionService{store: store, log: log.With().Str("component", "commissions").Logger()}
}

func (s *CommissionService) Get(ctx context.Context, id CommissionID) (*Commission, error) {
	return s.store.GetCommission(ctx, id)
}

func (s *CommissionService) ListForAppointment(ctx context.Context, id AppointmentID) ([]Commission, error) {
	if _, err := s.store.GetAppointment(ctx, id); err != nil {
		return nil, err
	}
	return s.store.ListCommissions(ctx, CommissionQuery{AppointmentID: id})
}

// Approve moves a pending commission to approved. The appointment must be attended.
func (s *CommissionService) Approve(ctx context.Context, id CommissionID, actor ActorID, notes *string) (*Commission, error) {
	return s.transition(ctx, id, CommissionTransition{To: CommissionApproved, By: actor, Notes: notes},
		func(ctx context.Context, st Store, c Commission) error {
			return requireAttended(ctx, st, c)
		})
}

// Reject moves a pending commission to rejected. A reason is mandatory.
func (s *CommissionService) Reject(ctx context.Context, id CommissionID, actor ActorID, reason string) (*Commission, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, Invalid("rejection_reason", "is required")
	}
	return s.transition(ctx, id, CommissionTransition{To: CommissionRejected, By: actor, RejectionReason: &reason}, nil)
}

// MarkPaid moves an approved commission to paid.
func (s *CommissionService) MarkPaid(ctx context.Context, id CommissionID, actor ActorID, method string, reference *string) (*Commission, error) {
	method = strings.TrimSpace(method)
	if method == "" {
		return nil, Invalid("payment_method", "is required")
	}
	return s.transition(ctx, id, CommissionTransition{
		To: CommissionPaid, By: actor, PaymentMethod: &method, PaymentReference: reference,
	}, nil)
}

// Cancel voids a commission that has not been paid.
func (s *CommissionService) Cancel(ctx context.Context, id CommissionID, actor ActorID) (*Commission, error) {
	return s.transition(ctx, id, CommissionTransition{To: CommissionCancelled, By: actor}, nil)
}

func (s *CommissionService) transition(
	ctx context.Context,
	id CommissionID,
	t CommissionTransition,
	guard func(context.Context, Store, Commission) error,
) (*Commission, error) {
	var out *Commission
	err := s.store.WithTx(ctx, func(st Store) error {
		c, err := st.GetCommission(ctx, id)
		if err != nil {
			return err
		}
		if err := c.Status.ValidateTransition(t.To); err != nil {
			return err
		}
		if guard != nil {
			if err := guard(ctx, st, *c); err != nil {
				return err
			}
		}

		t.From = []CommissionStatus{c.Status}
		t.At = s.now()
		n, err := st.TransitionCommissions(ctx, []CommissionID{id}, t)
		if err != nil {
			return err
		}
		if n == 0 {
			return concurrentModification("commission", id)
		}
		out, err = st.GetCommission(ctx, id)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.log.Info().
		Str("commission_id", string(id)).
		Str("status", string(t.To)).
		Str("actor_id", string(t.By)).
		Msg("commission transitioned")
	return out, nil
}

// BatchApprove approves every listed commission whose appointment is
// attended. If any candidate's appointment is not attended, nothing is written.
func (s *CommissionService) BatchApprove(ctx context.Context, ids []CommissionID, actor ActorID) (*BatchResult, error) {
	return s.batch(ctx, "batch approve", ids, CommissionTransition{
		From: []CommissionStatus{CommissionPending}, To: CommissionApproved, By: actor,
	})
}

// BatchMarkPaid pays every listed commission that is still approved. Method
// and reference are optional here and are only stamped when given.
func (s *CommissionService) BatchMarkPaid(ctx context.Context, ids []CommissionID, actor ActorID, method string, reference *string) (*BatchResult, error) {
	t := CommissionTransition{
		From: []CommissionStatus{CommissionApproved}, To: CommissionPaid, By: actor,
		PaymentReference: reference,
	}
	if method = strings.TrimSpace(method); method != "" {
		t.PaymentMethod = &method
	}
	return s.batch(ctx, "batch mark paid", ids, t)
}

func (s *CommissionService) batch(ctx context.Context, op string, ids []CommissionID, t CommissionTransition) (*BatchResult, error) {
	ids = uniqueIDs(ids)
	if len(ids) == 0 {
		return nil, Invalid("ids", "at least one commission id is required")
	}

	t.At = s.now()

	result := &BatchResult{Requested: len(ids)}
	err := s.store.WithTx(ctx, func(st Store) error {
		found, err := st.ListCommissions(ctx, CommissionQuery{IDs: ids})
		if err != nil {
			return err
		}
		if missing := missingCommissions(ids, found); len(missing) > 0 {
			return NotFound("commission", missing...)
		}

		var notAttended []string
		for _, c := range found {
			if !contains(t.From, c.Status) {
				result.Skipped = append(result.Skipped, c.ID)
			}
			appt, err := st.GetAppointment(ctx, c.AppointmentID)
			if err != nil {
				return err
			}
			if appt.Status != AppointmentAttended {
				notAttended = append(notAttended, string(c.ID))
			}
		}
		if len(notAttended) > 0 {
			return &BatchError{Operation: op, Reason: "have an appointment that is not attended", Failed: notAttended}
		}

		n, err := st.TransitionCommissions(ctx, ids, t)
		if err != nil {
			return err
		}
		result.Updated = n
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info().
		Str("operation", op).
		Int("requested", result.Requested).
		Int("updated", result.Updated).
		Int("skipped", len(result.Skipped)).
		Msg("commission batch applied")
	return result, nil
}

func requireAttended(ctx context.Context, st Store, c Commission) error {
	appt, err := st.GetAppointment(ctx, c.AppointmentID)
	if err != nil {
		return err
	}
	if appt.Status != AppointmentAttended {
		return Invalid("appointment", fmt.Sprintf(
			"commission %s cannot be approved: appointment %s is %s, not attended", c.ID, appt.ID, appt.Status))
	}
	return nil
}

func missingCommissions(ids []CommissionID, found []Commission) []CommissionID {
	have := make(map[CommissionID]bool, len(found))
	for _, c := range found {
		have[c.ID] = true
	}
	var missing []CommissionID
	for _, id := range ids {
		if !have[id] {
			missing = append(missing, id)
		}
	}
	return missing
}

func (s *CommissionService) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now().UTC()
}
