/*
invoice.go - Invoicing and payment reconciliation

PURPOSE:
  Groups uninvoiced orders of one patient into an invoice and keeps the
  invoice status consistent with the payments recorded against it.

STATUS IS DERIVED:
  An invoice's status is never set by a caller. Recompute sums the active
  payments and applies DeriveInvoiceStatus; it writes only when the derived
  status differs from the stored one. Every payment create/delete calls it
  inside the same transaction as the payment write.

CANCELLATION:
  Allowed only while no active payment exists. The invoice's orders are
  released (invoice id cleared) and can be invoiced again.
*/
package clinic

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

type CreateInvoiceInput struct {
	PatientID PatientID
	OrderIDs  []OrderID
	ActorID   ActorID
	DueDate   *time.Time
}

// RecomputeResult reports the status after a recompute and whether it was written.
type RecomputeResult struct {
	InvoiceID InvoiceID
	Previous  InvoiceStatus
	Status    InvoiceStatus
	TotalPaid Money
	Changed   bool
}

// InvoiceDetail is an invoice with its orders and active payments.
type InvoiceDetail struct {
	Invoice    Invoice
	Orders     []Order
	Payments   []Payment
	TotalPaid  Money
	BalanceDue Money
}

type InvoiceService struct {
	store TxStore
	log   zerolog.Logger
	Now   func() time.Time
}

func NewInvoiceService(store TxStore, log zerolog.Logger) *InvoiceService {
	return &InvoiceService{store: store, log: log.With().Str("component", "invoices").Logger()}
}

// Create invoices the given orders. All orders must belong to the patient
// and none may already be invoiced.
func (s *InvoiceService) Create(ctx context.Context, in CreateInvoiceInput) (*InvoiceDetail, error) {
	ids := uniqueIDs(in.OrderIDs)
	switch {
	case in.ActorID == "":
		return nil, Invalid("actor_id", "is required")
	case in.PatientID == "":
		return nil, Invalid("patient_id", "is required")
	case len(ids) == 0:
		return nil, Invalid("order_ids", "at least one order is required")
	}

	var out *InvoiceDetail
	err := s.store.WithTx(ctx, func(st Store) error {
		if _, err := st.GetPatient(ctx, in.PatientID); err != nil {
			return err
		}
		orders, err := st.ListOrders(ctx, OrderQuery{IDs: ids})
		if err != nil {
			return err
		}
		if missing := missingOrders(ids, orders); len(missing) > 0 {
			return NotFound("order", missing...)
		}

		var foreign, invoiced []OrderID
		total := NewMoneyFromInt(0)
		for _, o := range orders {
			if o.PatientID != in.PatientID {
				foreign = append(foreign, o.ID)
			}
			if o.IsInvoiced() {
				invoiced = append(invoiced, o.ID)
			}
			total = total.Add(o.FinalPrice)
		}
		if len(foreign) > 0 {
			return Invalid("order_ids", fmt.Sprintf("orders %v do not belong to patient %s", foreign, in.PatientID))
		}
		if len(invoiced) > 0 {
			return Conflict("orders are already invoiced", invoiced...)
		}

		now := s.now()
		inv := Invoice{
			ID:          InvoiceID(newID()),
			PatientID:   in.PatientID,
			TotalAmount: RoundMoney(total),
			Status:      InvoicePending,
			DueDate:     in.DueDate,
			CreatedByID: in.ActorID,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := st.InsertInvoice(ctx, inv); err != nil {
			return fmt.Errorf("insert invoice: %w", err)
		}
		if err := st.SetOrdersInvoice(ctx, ids, &inv.ID); err != nil {
			return fmt.Errorf("attach orders: %w", err)
		}

		out, err = loadInvoiceDetail(ctx, st, inv.ID)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.log.Info().
		Str("invoice_id", string(out.Invoice.ID)).
		Str("patient_id", string(in.PatientID)).
		Int("orders", len(out.Orders)).
		Str("total", out.Invoice.TotalAmount.StringFixed(MoneyScale)).
		Msg("invoice created")
	return out, nil
}

// Recompute re-derives the invoice status from its payments in its own transaction.
func (s *InvoiceService) Recompute(ctx context.Context, id InvoiceID) (*RecomputeResult, error) {
	var out *RecomputeResult
	err := s.store.WithTx(ctx, func(st Store) error {
		var err error
		out, err = s.RecomputeIn(ctx, st, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.LogRecompute(out)
	return out, nil
}

// RecomputeIn re-derives the invoice status using a transaction-scoped store.
// Cancelled invoices are returned unchanged. It does not log: the caller
// passes the result to LogRecompute once its transaction has committed.
func (s *InvoiceService) RecomputeIn(ctx context.Context, st Store, id InvoiceID) (*RecomputeResult, error) {
	inv, err := st.GetInvoice(ctx, id)
	if err != nil {
		return nil, err
	}
	totals, err := st.SumPayments(ctx, id)
	if err != nil {
		return nil, err
	}

	res := &RecomputeResult{InvoiceID: id, Previous: inv.Status, Status: inv.Status, TotalPaid: totals.Total}
	if inv.Status == InvoiceCancelled {
		return res, nil
	}

	res.Status = DeriveInvoiceStatus(totals.Total, inv.TotalAmount)
	if res.Status == inv.Status {
		return res, nil
	}
	if err := st.SetInvoiceStatus(ctx, id, res.Status); err != nil {
		return nil, fmt.Errorf("set invoice status: %w", err)
	}
	res.Changed = true
	return res, nil
}

// LogRecompute records a committed status change. Unchanged or nil results
// are ignored.
func (s *InvoiceService) LogRecompute(res *RecomputeResult) {
	if res == nil || !res.Changed {
		return
	}
	s.log.Info().
		Str("invoice_id", string(res.InvoiceID)).
		Str("from", string(res.Previous)).
		Str("to", string(res.Status)).
		Str("total_paid", res.TotalPaid.StringFixed(MoneyScale)).
		Msg("invoice status recomputed")
}

// Cancel voids an invoice without payments and releases its orders.
func (s *InvoiceService) Cancel(ctx context.Context, id InvoiceID) error {
	var released int
	err := s.store.WithTx(ctx, func(st Store) error {
		inv, err := st.GetInvoice(ctx, id)
		if err != nil {
			return err
		}
		if inv.Status == InvoiceCancelled {
			return Invalid("status", fmt.Sprintf("invoice %s is already cancelled", id))
		}
		totals, err := st.SumPayments(ctx, id)
		if err != nil {
			return err
		}
		if totals.Count > 0 {
			return Conflict(fmt.Sprintf("invoice has %d payment(s) totalling %s; delete them first",
				totals.Count, totals.Total.StringFixed(MoneyScale)), id)
		}

		orders, err := st.ListOrders(ctx, OrderQuery{InvoiceID: id})
		if err != nil {
			return err
		}
		ids := make([]OrderID, len(orders))
		for i, o := range orders {
			ids[i] = o.ID
		}
		if err := st.SetOrdersInvoice(ctx, ids, nil); err != nil {
			return fmt.Errorf("release orders: %w", err)
		}
		released = len(ids)
		return st.SetInvoiceStatus(ctx, id, InvoiceCancelled)
	})
	if err != nil {
		return err
	}

	s.log.Info().
		Str("invoice_id", string(id)).
		Int("released_orders", released).
		Msg("invoice cancelled")
	return nil
}

// ListUninvoicedOrders returns the patient's orders that are not on any invoice.
func (s *InvoiceService) ListUninvoicedOrders(ctx context.Context, patientID PatientID) ([]Order, error) {
	if _, err := s.store.GetPatient(ctx, patientID); err != nil {
		return nil, err
	}
	return s.store.ListOrders(ctx, OrderQuery{PatientID: patientID, UninvoicedOnly: true})
}

func (s *InvoiceService) Get(ctx context.Context, id InvoiceID) (*InvoiceDetail, error) {
	var out *InvoiceDetail
	err := s.store.WithTx(ctx, func(st Store) error {
		var err error
		out, err = loadInvoiceDetail(ctx, st, id)
		return err
	})
	return out, err
}

func loadInvoiceDetail(ctx context.Context, st Store, id InvoiceID) (*InvoiceDetail, error) {
	inv, err := st.GetInvoice(ctx, id)
	if err != nil {
		return nil, err
	}
	orders, err := st.ListOrders(ctx, OrderQuery{InvoiceID: id})
	if err != nil {
		return nil, err
	}
	payments, err := st.ListPayments(ctx, id)
	if err != nil {
		return nil, err
	}
	paid := NewMoneyFromInt(0)
	for _, p := range payments {
		paid = paid.Add(p.AmountPaid)
	}
	due := inv.TotalAmount.Sub(paid)
	if due.IsNegative() || inv.Status == InvoiceCancelled {
		due = NewMoneyFromInt(0)
	}
	return &InvoiceDetail{
		Invoice:    *inv,
		Orders:     orders,
		Payments:   payments,
		TotalPaid:  paid,
		BalanceDue: due,
	}, nil
}

func missingOrders(ids []OrderID, found []Order) []OrderID {
	have := make(map[OrderID]bool, len(found))
	for _, o := range found {
		have[o.ID] = true
	}
	var missing []OrderID
	for _, id := range ids {
		if !have[id] {
			missing = append(missing, id)
		}
	}
	return missing
}

func (s *InvoiceService) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now().UTC()
}
