package clinic

import (
	"context"
	"fmt"
	"time"
)

// =============================================================================
// SESSION LINKER
// =============================================================================

// SessionRequest asks for one session record on an appointment. Exactly one
// of OrderID (existing package) or TempPackageID (package created in the
// same call) must be set.
type SessionRequest struct {
	ServiceID     ServiceID
	SessionNumber int
	OrderID       OrderID
	TempPackageID TempPackageID

	// Only read when TempPackageID starts a new package.
	NegotiatedPrice *Money
	TotalSessions   *int
}

func (r SessionRequest) ref() string {
	if r.OrderID != "" {
		return "order " + string(r.OrderID)
	}
	return "package " + string(r.TempPackageID)
}

// OrderPriceUpdate sets a new final price on an existing order.
type OrderPriceUpdate struct {
	OrderID    OrderID
	FinalPrice Money
}

// SessionLinker attaches and detaches session records. It does not enforce
// that an appointment keeps at least one session; BookingService does.
type SessionLinker struct {
	Now func() time.Time
}

// Link creates one AppointmentService per request, resolving temp package
// ids through pkgs.
func (l *SessionLinker) Link(
	ctx context.Context,
	st Store,
	appt Appointment,
	reqs []SessionRequest,
	pkgs PackageMap,
) ([]AppointmentService, error) {
	created := make([]AppointmentService, 0, len(reqs))
	for i, req := range reqs {
		if err := validateSessionRequest(i, req); err != nil {
			return nil, err
		}

		orderID := req.OrderID
		if orderID == "" {
			resolved, ok := pkgs.Lookup(req.TempPackageID)
			if !ok {
				return nil, Invalid(fmt.Sprintf("sessions[%d].temp_package_id", i),
					fmt.Sprintf("package %q was not declared in this request", req.TempPackageID))
			}
			orderID = resolved
		}

		order, err := st.GetOrder(ctx, orderID)
		if err != nil {
			return nil, err
		}
		if err := checkSessionAgainstOrder(ctx, st, i, appt, req, *order); err != nil {
			return nil, err
		}

		s := AppointmentService{
			ID:            SessionID(newID()),
			AppointmentID: appt.ID,
			OrderID:       order.ID,
			SessionNumber: req.SessionNumber,
			CreatedAt:     l.now(),
		}
		if err := st.InsertSession(ctx, s); err != nil {
			return nil, fmt.Errorf("link session %d of %s: %w", req.SessionNumber, req.ref(), err)
		}
		created = append(created, s)
	}
	return created, nil
}

func validateSessionRequest(i int, req SessionRequest) error {
	field := fmt.Sprintf("sessions[%d]", i)
	if req.SessionNumber < 1 {
		return Invalid(field+".session_number", "is required and must be >= 1")
	}
	switch {
	case req.OrderID == "" && req.TempPackageID == "":
		return Invalid(field, "needs an order_id or a temp_package_id")
	case req.OrderID != "" && req.TempPackageID != "":
		return Invalid(field, "cannot reference both an order_id and a temp_package_id")
	}
	return nil
}

func checkSessionAgainstOrder(ctx context.Context, st Store, i int, appt Appointment, req SessionRequest, order Order) error {
	field := fmt.Sprintf("sessions[%d]", i)
	if order.PatientID != appt.PatientID {
		return Invalid(field+".order_id", fmt.Sprintf("order %s belongs to another patient", order.ID))
	}
	if req.ServiceID != "" && req.ServiceID != order.ServiceID {
		return Invalid(field+".service_id",
			fmt.Sprintf("order %s is for service %s, not %s", order.ID, order.ServiceID, req.ServiceID))
	}
	if req.SessionNumber > order.TotalSessions {
		return Invalid(field+".session_number",
			fmt.Sprintf("%d is outside 1..%d for order %s", req.SessionNumber, order.TotalSessions, order.ID))
	}

	active, err := ActiveOrderSessions(ctx, st, order.ID)
	if err != nil {
		return err
	}
	for _, s := range active {
		if s.SessionNumber == req.SessionNumber {
			return Conflict(fmt.Sprintf("session %d of order %s is already booked", req.SessionNumber, order.ID), s.ID)
		}
	}
	return nil
}

// Unlink soft-deletes sessions of one appointment. Ids that are unknown,
// already deleted, or belong to another appointment fail the whole call.
func (l *SessionLinker) Unlink(
	ctx context.Context,
	st Store,
	appointmentID AppointmentID,
	ids []SessionID,
	by ActorID,
	reason string,
) error {
	ids = uniqueIDs(ids)
	if len(ids) == 0 {
		return nil
	}

	active, err := ActiveSessions(ctx, st, appointmentID)
	if err != nil {
		return err
	}
	own := make(map[SessionID]bool, len(active))
	for _, s := range active {
		own[s.ID] = true
	}
	var missing []SessionID
	for _, id := range ids {
		if !own[id] {
			missing = append(missing, id)
		}
	}
	if len(missing) > 0 {
		return NotFound("active session on appointment "+string(appointmentID), missing...)
	}

	if reason == "" {
		reason = "removed from appointment"
	}
	n, err := st.SoftDeleteSessions(ctx, appointmentID, ids, Deletion{At: l.now(), ByID: by, Reason: reason})
	if err != nil {
		return err
	}
	if n != len(ids) {
		return concurrentModification("session", ids...)
	}
	return nil
}

// ApplyPriceUpdates sets explicit final prices on existing orders of the patient.
func (l *SessionLinker) ApplyPriceUpdates(ctx context.Context, st Store, patientID PatientID, updates []OrderPriceUpdate) error {
	for i, u := range updates {
		if u.OrderID == "" {
			return Invalid(fmt.Sprintf("order_price_updates[%d].order_id", i), "is required")
		}
		order, err := st.GetOrder(ctx, u.OrderID)
		if err != nil {
			return err
		}
		if order.PatientID != patientID {
			return Invalid(fmt.Sprintf("order_price_updates[%d].order_id", i),
				fmt.Sprintf("order %s belongs to another patient", order.ID))
		}
		if order.IsInvoiced() {
			return Conflict("price of an invoiced order cannot change", order.ID)
		}
		discount, final, err := Reprice(order.OriginalPrice, u.FinalPrice)
		if err != nil {
			return err
		}
		if err := st.UpdateOrderPrice(ctx, order.ID, discount, final); err != nil {
			return err
		}
	}
	return nil
}

func (l *SessionLinker) now() time.Time {
	if l.Now != nil {
		return l.Now()
	}
	return time.Now().UTC()
}

func uniqueIDs[T comparable](ids []T) []T {
	seen := make(map[T]bool, len(ids))
	out := ids[:0:0]
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
