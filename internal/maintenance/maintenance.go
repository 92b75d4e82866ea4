// Package maintenance accrues the pool AUM fee as a monotone index that
// reduces every position's principal in proportion.
package maintenance

import (
	"fmt"

	"EqualisLedger/internal/ledger"
	fpmath "EqualisLedger/internal/math"

	"github.com/holiman/uint256"
)

// Enforce accrues maintenance for every whole day since the last enforcement
// and returns the amount accrued. Zero elapsed days is a no-op.
func Enforce(p *ledger.Pool, now uint64) *uint256.Int {
	epochs, current := fpmath.ElapsedEpochs(p.LastMaintenanceEpoch, now)
	if epochs == 0 {
		return new(uint256.Int)
	}
	p.LastMaintenanceEpoch = current

	amount := fpmath.ComputeMaintenanceAccrual(&p.TotalDeposits, p.MaintenanceRateBps, epochs)
	if amount.IsZero() {
		return amount
	}
	if amount.Gt(&p.TotalDeposits) {
		amount.Set(&p.TotalDeposits)
	}

	step := fpmath.AccrueIndex(amount, &p.MaintenanceIndexRemainder, &p.TotalDeposits)
	p.MaintenanceIndex.Add(&p.MaintenanceIndex, step.Delta)
	p.MaintenanceIndexRemainder.Set(step.Remainder)

	p.TotalDeposits.Sub(&p.TotalDeposits, amount)
	p.PendingMaintenance.Add(&p.PendingMaintenance, amount)
	p.MaintenanceUnsettled.Add(&p.MaintenanceUnsettled, amount)
	return amount
}

// PendingReduction is the principal reduction accrued since entry's
// checkpoint, before any cap.
func PendingReduction(p *ledger.Pool, entry ledger.UserEntry) *uint256.Int {
	if entry.Principal.IsZero() || p.MaintenanceIndex.Cmp(&entry.MaintenanceIndexCheckpoint) <= 0 {
		return new(uint256.Int)
	}
	delta := new(uint256.Int).Sub(&p.MaintenanceIndex, &entry.MaintenanceIndexCheckpoint)
	reduction := fpmath.MulWad(&entry.Principal, delta)
	if reduction.Gt(&entry.Principal) {
		reduction.Set(&entry.Principal)
	}
	return reduction
}

// Due is what entry owes after settling: the pending reduction plus any
// earlier shortfall, capped at what the pool has not yet applied.
func Due(p *ledger.Pool, entry ledger.UserEntry) *uint256.Int {
	due := PendingReduction(p, entry)
	due.Add(due, &entry.MaintenanceOwed)
	return fpmath.Min(due, &p.MaintenanceUnsettled)
}

// SettlePosition applies key's due maintenance to its principal and returns
// the amount applied. Encumbered principal is never reduced: what it cannot
// absorb is carried as owed until the encumbrance is released. Total
// deposits were already reduced by Enforce.
func SettlePosition(p *ledger.Pool, key ledger.PositionKey) *uint256.Int {
	u := p.User(key)
	due := Due(p, *u)

	applied := fpmath.Min(due, ledger.UnencumberedPrincipal(p, key))

	u.Principal.Sub(&u.Principal, applied)
	u.MaintenanceOwed.Sub(due, applied)
	u.MaintenanceIndexCheckpoint.Set(&p.MaintenanceIndex)
	p.MaintenanceUnsettled.Sub(&p.MaintenanceUnsettled, applied)
	return applied
}

// Treasury moves real assets for a pool. It is the asset-transfer
// collaborator; the kernel never holds tokens itself.
type Treasury interface {
	AssetBalance(asset string) *uint256.Int
	Pull(asset, from string, amount *uint256.Int) error
	Transfer(asset, to string, amount *uint256.Int) error
}

// Payout pays pending maintenance to the pool's fee receiver, capped by the
// tracked balance and the treasury's actual holdings. Any shortfall stays
// pending.
func Payout(p *ledger.Pool, treasury Treasury) (*uint256.Int, error) {
	if p.PendingMaintenance.IsZero() || p.FeeReceiver == "" {
		return new(uint256.Int), nil
	}

	pay := fpmath.Min(&p.PendingMaintenance, &p.TrackedBalance)
	pay = fpmath.Min(pay, treasury.AssetBalance(p.Underlying))
	if pay.IsZero() {
		return pay, nil
	}

	if err := treasury.Transfer(p.Underlying, p.FeeReceiver, pay); err != nil {
		return nil, fmt.Errorf("maintenance payout on pool %d: %w", p.ID, err)
	}
	if err := ledger.DebitTracked(p, pay); err != nil {
		return nil, err
	}
	p.PendingMaintenance.Sub(&p.PendingMaintenance, pay)
	return pay, nil
}
