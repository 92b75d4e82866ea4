package ledger

import (
	"errors"
	"fmt"

	"github.com/holiman/uint256"
)

// InvariantValidator checks pool invariants.
type InvariantValidator struct{}

func NewInvariantValidator() *InvariantValidator {
	return &InvariantValidator{}
}

// ValidateConservation verifies sum(principal) == totalDeposits +
// maintenanceUnsettled. Enforce takes maintenance from total deposits at
// once; positions absorb it lazily, so the difference is exactly what no
// principal has absorbed yet.
func (v *InvariantValidator) ValidateConservation(p *Pool) error {
	sum := new(uint256.Int)
	for _, u := range p.users {
		sum.Add(sum, &u.Principal)
	}
	want := new(uint256.Int).Add(&p.TotalDeposits, &p.MaintenanceUnsettled)
	if !sum.Eq(want) {
		return fmt.Errorf("pool %d: sum(principal)=%s != totalDeposits=%s + unsettled maintenance=%s: %w",
			p.ID, sum.Dec(), p.TotalDeposits.Dec(), p.MaintenanceUnsettled.Dec(), ErrInvariantViolation)
	}
	return nil
}

// ValidateEncumbranceBound verifies total encumbrance <= principal for key.
func (v *InvariantValidator) ValidateEncumbranceBound(p *Pool, key PositionKey) error {
	u := p.UserView(key)
	total := Total(p, key)
	if total.Gt(&u.Principal) {
		return fmt.Errorf("pool %d position %s: encumbrance %s exceeds principal %s: %w",
			p.ID, key, total.Dec(), u.Principal.Dec(), ErrInvariantViolation)
	}
	return nil
}

// ValidateMonotonic verifies no index moved down since before.
func (v *InvariantValidator) ValidateMonotonic(p *Pool, before PoolState) error {
	if p.FeeIndex.Lt(&before.FeeIndex) {
		return fmt.Errorf("pool %d: fee index decreased: %w", p.ID, ErrInvariantViolation)
	}
	if p.MaintenanceIndex.Lt(&before.MaintenanceIndex) {
		return fmt.Errorf("pool %d: maintenance index decreased: %w", p.ID, ErrInvariantViolation)
	}
	if p.ActiveCreditIndex.Lt(&before.ActiveCreditIndex) {
		return fmt.Errorf("pool %d: active credit index decreased: %w", p.ID, ErrInvariantViolation)
	}
	return nil
}

// ValidateActiveCreditTotals verifies that every unit of active credit
// principal is either matured or sitting in exactly one pending bucket.
func (v *InvariantValidator) ValidateActiveCreditTotals(p *Pool) error {
	sum := new(uint256.Int)
	for _, a := range p.activeCredit {
		sum.Add(sum, &a.Encumbrance.Principal)
		sum.Add(sum, &a.Debt.Principal)
	}
	if !sum.Eq(&p.ActiveCreditPrincipalTotal) {
		return fmt.Errorf("pool %d: sum(active credit)=%s != principal total=%s: %w",
			p.ID, sum.Dec(), p.ActiveCreditPrincipalTotal.Dec(), ErrInvariantViolation)
	}

	scheduled := new(uint256.Int).Set(&p.ActiveCreditMaturedTotal)
	for i := range p.ActiveCreditPendingBuckets {
		scheduled.Add(scheduled, &p.ActiveCreditPendingBuckets[i])
	}
	if !scheduled.Eq(&p.ActiveCreditPrincipalTotal) {
		return fmt.Errorf("pool %d: matured+pending=%s != principal total=%s: %w",
			p.ID, scheduled.Dec(), p.ActiveCreditPrincipalTotal.Dec(), ErrInvariantViolation)
	}
	return nil
}

// ValidateAll runs every pool-wide check and every per-position bound.
func (v *InvariantValidator) ValidateAll(p *Pool) error {
	errs := []error{
		v.ValidateConservation(p),
		v.ValidateActiveCreditTotals(p),
	}
	for _, key := range p.Positions() {
		errs = append(errs, v.ValidateEncumbranceBound(p, key))
	}
	return errors.Join(errs...)
}
