// Package feeindex distributes fees to depositors through a monotone,
// remainder-carrying index.
package feeindex

import (
	"EqualisLedger/internal/ledger"
	"EqualisLedger/internal/maintenance"
	fpmath "EqualisLedger/internal/math"

	"github.com/holiman/uint256"
)

// DebtLookup returns a position's same-asset borrowed principal in a pool
// across every debt source.
type DebtLookup interface {
	SameAssetDebt(pool ledger.PoolID, key ledger.PositionKey) *uint256.Int
}

// FeeBase is principal net of same-asset debt, floored at zero.
func FeeBase(principal, sameAssetDebt *uint256.Int) *uint256.Int {
	return fpmath.SaturatingSub(principal, sameAssetDebt)
}

// Accrue distributes amount over total deposits, backed by the tracked
// balance plus active credit principal.
func Accrue(p *ledger.Pool, amount *uint256.Int, now uint64) (ledger.Accrual, error) {
	return accrue(p, amount, nil, now)
}

// AccrueWithBacking is Accrue with an explicit extra backing amount used in
// place of active credit principal.
func AccrueWithBacking(p *ledger.Pool, amount, extraBacking *uint256.Int, now uint64) (ledger.Accrual, error) {
	return accrue(p, amount, fpmath.Clone(extraBacking), now)
}

func accrue(p *ledger.Pool, amount, extraBacking *uint256.Int, now uint64) (ledger.Accrual, error) {
	if amount.IsZero() || p.TotalDeposits.IsZero() {
		return ledger.NoAccrual(amount), nil
	}

	maintenance.Enforce(p, now)
	if p.TotalDeposits.IsZero() {
		return ledger.NoAccrual(amount), nil
	}

	backing := new(uint256.Int).Set(&p.TrackedBalance)
	if extraBacking != nil {
		backing.Add(backing, extraBacking)
	} else {
		backing.Add(backing, &p.ActiveCreditPrincipalTotal)
	}
	if err := ledger.CheckBacking(p, backing, amount); err != nil {
		return ledger.Accrual{}, err
	}
	if err := ledger.AddYieldReserve(p, amount); err != nil {
		return ledger.Accrual{}, err
	}

	step := fpmath.AccrueIndex(amount, &p.FeeIndexRemainder, &p.TotalDeposits)
	p.FeeIndex.Add(&p.FeeIndex, step.Delta)
	p.FeeIndexRemainder.Set(step.Remainder)

	return ledger.Accrual{
		Amount:      new(uint256.Int).Set(amount),
		Delta:       step.Delta,
		Distributed: true,
	}, nil
}

// Settle brings key's fee checkpoint current. Maintenance is settled first so
// yield is computed on post-maintenance principal. Returns the yield added.
func Settle(p *ledger.Pool, key ledger.PositionKey, debt DebtLookup) *uint256.Int {
	u := p.User(key)
	if u.Principal.IsZero() {
		u.FeeIndexCheckpoint.Set(&p.FeeIndex)
		u.MaintenanceIndexCheckpoint.Set(&p.MaintenanceIndex)
		return new(uint256.Int)
	}

	maintenance.SettlePosition(p, key)

	principal := fpmath.SaturatingSub(&u.Principal, &u.MaintenanceOwed)
	added := yieldOn(p, principal, &u.FeeIndexCheckpoint, sameAssetDebt(debt, p.ID, key))
	u.AccruedYield.Add(&u.AccruedYield, added)
	u.FeeIndexCheckpoint.Set(&p.FeeIndex)
	return added
}

// PendingYield returns exactly what Settle would add, without mutating.
func PendingYield(p *ledger.Pool, key ledger.PositionKey, debt DebtLookup) *uint256.Int {
	entry := p.UserView(key)
	if entry.Principal.IsZero() {
		return new(uint256.Int)
	}
	principal := fpmath.SaturatingSub(&entry.Principal, maintenance.Due(p, entry))
	return yieldOn(p, principal, &entry.FeeIndexCheckpoint, sameAssetDebt(debt, p.ID, key))
}

func yieldOn(p *ledger.Pool, principal, checkpoint, debt *uint256.Int) *uint256.Int {
	if p.FeeIndex.Cmp(checkpoint) <= 0 {
		return new(uint256.Int)
	}
	base := FeeBase(principal, debt)
	delta := new(uint256.Int).Sub(&p.FeeIndex, checkpoint)
	return fpmath.MulWad(base, delta)
}

func sameAssetDebt(debt DebtLookup, pool ledger.PoolID, key ledger.PositionKey) *uint256.Int {
	if debt == nil {
		return new(uint256.Int)
	}
	if d := debt.SameAssetDebt(pool, key); d != nil {
		return d
	}
	return new(uint256.Int)
}
