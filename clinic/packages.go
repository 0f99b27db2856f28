package clinic

import (
	"context"
	"fmt"
	"time"
)

// =============================================================================
// TREATMENT PACKAGE RESOLVER
// =============================================================================

// NewPackage asks for a new Order to be created under a client-side temp id.
type NewPackage struct {
	TempID          TempPackageID
	ServiceID       ServiceID
	NegotiatedPrice *Money
	// TotalSessions overrides the service's default session count.
	TotalSessions *int
	// ImpliedSessions is the number of session requests grouped under TempID.
	// Used when neither an override nor a service default is available.
	ImpliedSessions int
}

// PackageMap maps temp ids to the orders created for them. It is built and
// consumed within one transaction and never persisted.
type PackageMap map[TempPackageID]OrderID

func (m PackageMap) Lookup(id TempPackageID) (OrderID, bool) {
	oid, ok := m[id]
	return oid, ok
}

// PackageResolver persists treatment packages requested by temp id.
type PackageResolver struct {
	Now func() time.Time
}

// Resolve creates one Order per NewPackage inside st (a transaction-scoped
// store) and returns the temp id mapping.
func (r *PackageResolver) Resolve(
	ctx context.Context,
	st Store,
	patientID PatientID,
	actor ActorID,
	pkgs []NewPackage,
) (PackageMap, error) {
	out := make(PackageMap, len(pkgs))
	for _, p := range pkgs {
		if p.TempID == "" {
			return nil, Invalid("temp_package_id", "is required for new packages")
		}
		if _, dup := out[p.TempID]; dup {
			return nil, Invalid("temp_package_id", fmt.Sprintf("%q declared twice", p.TempID))
		}
		if p.ServiceID == "" {
			return nil, Invalid("service_id", fmt.Sprintf("package %q has no service", p.TempID))
		}

		svc, err := st.GetService(ctx, p.ServiceID)
		if err != nil {
			return nil, err
		}
		if !svc.Active {
			return nil, Invalid("service_id", fmt.Sprintf("service %s is not offered anymore", svc.ID))
		}

		order, err := r.buildOrder(patientID, actor, *svc, p)
		if err != nil {
			return nil, err
		}
		if err := st.InsertOrder(ctx, order); err != nil {
			return nil, fmt.Errorf("create package %q: %w", p.TempID, err)
		}
		out[p.TempID] = order.ID
	}
	return out, nil
}

func (r *PackageResolver) buildOrder(patientID PatientID, actor ActorID, svc Service, p NewPackage) (Order, error) {
	total, err := packageSessions(svc, p)
	if err != nil {
		return Order{}, err
	}
	discount, final, err := PriceOrder(svc.BasePrice, p.NegotiatedPrice)
	if err != nil {
		return Order{}, err
	}
	return Order{
		ID:            OrderID(newID()),
		PatientID:     patientID,
		ServiceID:     svc.ID,
		TotalSessions: total,
		OriginalPrice: RoundMoney(svc.BasePrice),
		Discount:      discount,
		FinalPrice:    final,
		CreatedByID:   actor,
		CreatedAt:     r.now(),
	}, nil
}

func packageSessions(svc Service, p NewPackage) (int, error) {
	switch {
	case p.TotalSessions != nil:
		if *p.TotalSessions < 1 {
			return 0, Invalid("total_sessions", fmt.Sprintf("package %q must have at least one session", p.TempID))
		}
		return *p.TotalSessions, nil
	case svc.DefaultSessions > 0:
		return svc.DefaultSessions, nil
	case p.ImpliedSessions > 0:
		return p.ImpliedSessions, nil
	default:
		return 1, nil
	}
}

// PriceOrder applies the order pricing invariant. Without a negotiated price
// the order sells at the original price. A negotiated price above the
// original would mean a negative discount and is rejected.
func PriceOrder(original Money, negotiated *Money) (discount, final Money, err error) {
	original = RoundMoney(original)
	if negotiated == nil {
		return NewMoneyFromInt(0), original, nil
	}
	return Reprice(original, *negotiated)
}

// Reprice computes discount and final price for an explicit final price.
func Reprice(original, final Money) (Money, Money, error) {
	original, final = RoundMoney(original), RoundMoney(final)
	if final.IsNegative() {
		return Money{}, Money{}, Invalid("final_price", "cannot be negative")
	}
	if final.GreaterThan(original) {
		return Money{}, Money{}, Invalid("final_price",
			fmt.Sprintf("%s exceeds original price %s", final.StringFixed(MoneyScale), original.StringFixed(MoneyScale)))
	}
	return original.Sub(final), final, nil
}

func (r *PackageResolver) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now().UTC()
}
