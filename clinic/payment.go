package clinic

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// =============================================================================
// PAYMENTS
// =============================================================================

type CreatePaymentInput struct {
	PatientID     PatientID
	InvoiceID     *InvoiceID
	AppointmentID *AppointmentID
	AmountPaid    Money
	PaymentMethod PaymentMethod
	PaymentType   PaymentType
	PaymentDate   time.Time
	ReceiptURL    *string
	Notes         string
	ActorID       ActorID
}

// PaymentResult is the stored payment plus the invoice recompute it caused, if any.
type PaymentResult struct {
	Payment Payment
	Invoice *RecomputeResult
}

// PaymentService records and removes payments. Whenever a payment touches
// an invoice the invoice status is recomputed in the same transaction.
type PaymentService struct {
	store    TxStore
	invoices *InvoiceService
	log      zerolog.Logger
	Now      func() time.Time
}

func NewPaymentService(store TxStore, invoices *InvoiceService, log zerolog.Logger) *PaymentService {
	return &PaymentService{store: store, invoices: invoices, log: log.With().Str("component", "payments").Logger()}
}

func (s *PaymentService) Create(ctx context.Context, in CreatePaymentInput) (*PaymentResult, error) {
	if err := validatePayment(in); err != nil {
		return nil, err
	}

	now := s.now()
	p := Payment{
		ID:            PaymentID(newID()),
		PatientID:     in.PatientID,
		InvoiceID:     in.InvoiceID,
		AppointmentID: in.AppointmentID,
		AmountPaid:    RoundMoney(in.AmountPaid),
		PaymentMethod: in.PaymentMethod,
		PaymentType:   in.PaymentType,
		PaymentDate:   in.PaymentDate,
		ReceiptURL:    in.ReceiptURL,
		Notes:         in.Notes,
		CreatedByID:   in.ActorID,
		CreatedAt:     now,
	}
	if p.PaymentDate.IsZero() {
		p.PaymentDate = now
	}

	out := &PaymentResult{Payment: p}
	err := s.store.WithTx(ctx, func(st Store) error {
		if _, err := st.GetPatient(ctx, p.PatientID); err != nil {
			return err
		}
		if err := checkPaymentRefs(ctx, st, p); err != nil {
			return err
		}
		if err := st.InsertPayment(ctx, p); err != nil {
			return fmt.Errorf("insert payment: %w", err)
		}
		if p.InvoiceID == nil {
			return nil
		}
		res, err := s.invoices.RecomputeIn(ctx, st, *p.InvoiceID)
		out.Invoice = res
		return err
	})
	if err != nil {
		return nil, err
	}
	s.invoices.LogRecompute(out.Invoice)

	s.log.Info().
		Str("payment_id", string(p.ID)).
		Str("patient_id", string(p.PatientID)).
		Str("type", string(p.PaymentType)).
		Str("amount", p.AmountPaid.StringFixed(MoneyScale)).
		Msg("payment recorded")
	return out, nil
}

func validatePayment(in CreatePaymentInput) error {
	switch {
	case in.ActorID == "":
		return Invalid("actor_id", "is required")
	case in.PatientID == "":
		return Invalid("patient_id", "is required")
	case !RoundMoney(in.AmountPaid).IsPositive():
		return Invalid("amount_paid", "must be at least 0.01")
	case !in.PaymentMethod.Valid():
		return Invalid("payment_method", fmt.Sprintf("unknown method %q", in.PaymentMethod))
	case !in.PaymentType.Valid():
		return Invalid("payment_type", fmt.Sprintf("unknown type %q", in.PaymentType))
	case in.InvoiceID == nil && in.AppointmentID == nil:
		return Invalid("invoice_id", "a payment must reference an invoice, an appointment, or both")
	case in.PaymentType == PaymentTypeInvoice && in.InvoiceID == nil:
		return Invalid("invoice_id", "is required for invoice payments")
	case in.PaymentType == PaymentTypeReservation && in.AppointmentID == nil:
		return Invalid("appointment_id", "is required for reservation payments")
	}
	return nil
}

func checkPaymentRefs(ctx context.Context, st Store, p Payment) error {
	if p.InvoiceID != nil {
		inv, err := st.GetInvoice(ctx, *p.InvoiceID)
		if err != nil {
			return err
		}
		if inv.PatientID != p.PatientID {
			return Invalid("invoice_id", fmt.Sprintf("invoice %s belongs to another patient", inv.ID))
		}
		if inv.Status == InvoiceCancelled {
			return Invalid("invoice_id", fmt.Sprintf("invoice %s is cancelled", inv.ID))
		}
	}
	if p.AppointmentID != nil {
		appt, err := st.GetAppointment(ctx, *p.AppointmentID)
		if err != nil {
			return err
		}
		if appt.PatientID != p.PatientID {
			return Invalid("appointment_id", fmt.Sprintf("appointment %s belongs to another patient", appt.ID))
		}
	}
	return nil
}

// Delete soft-deletes a payment and recomputes its invoice.
func (s *PaymentService) Delete(ctx context.Context, id PaymentID, actor ActorID, reason string) (*PaymentResult, error) {
	if actor == "" {
		return nil, Invalid("actor_id", "is required")
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "payment deleted"
	}

	var out *PaymentResult
	err := s.store.WithTx(ctx, func(st Store) error {
		p, err := st.GetPayment(ctx, id)
		if err != nil {
			return err
		}
		if !p.IsActive() {
			return NotFound("payment", id)
		}
		d := Deletion{At: s.now(), ByID: actor, Reason: reason}
		if err := st.SoftDeletePayment(ctx, id, d); err != nil {
			return fmt.Errorf("delete payment: %w", err)
		}
		p.Deletion = &d
		out = &PaymentResult{Payment: *p}
		if p.InvoiceID == nil {
			return nil
		}
		out.Invoice, err = s.invoices.RecomputeIn(ctx, st, *p.InvoiceID)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.invoices.LogRecompute(out.Invoice)

	s.log.Info().
		Str("payment_id", string(id)).
		Str("actor_id", string(actor)).
		Msg("payment deleted")
	return out, nil
}

func (s *PaymentService) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now().UTC()
}
