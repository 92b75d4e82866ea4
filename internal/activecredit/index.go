package activecredit

import (
	"EqualisLedger/internal/ledger"
	"EqualisLedger/internal/maintenance"
	fpmath "EqualisLedger/internal/math"

	"github.com/holiman/uint256"
)

// Accrue distributes amount over matured active credit principal. An empty
// matured base drops the amount: nothing is reserved and nothing is
// escrowed for later.
func Accrue(p *ledger.Pool, amount *uint256.Int, now uint64) (ledger.Accrual, error) {
	if amount.IsZero() {
		return ledger.NoAccrual(amount), nil
	}

	maintenance.Enforce(p, now)
	RollMatured(p, now)
	if p.ActiveCreditMaturedTotal.IsZero() {
		return ledger.NoAccrual(amount), nil
	}

	backing := new(uint256.Int).Add(&p.TrackedBalance, &p.ActiveCreditPrincipalTotal)
	if err := ledger.CheckBacking(p, backing, amount); err != nil {
		return ledger.Accrual{}, err
	}
	if err := ledger.AddYieldReserve(p, amount); err != nil {
		return ledger.Accrual{}, err
	}

	step := fpmath.AccrueIndex(amount, &p.ActiveCreditIndexRemainder, &p.ActiveCreditMaturedTotal)
	p.ActiveCreditIndex.Add(&p.ActiveCreditIndex, step.Delta)
	p.ActiveCreditIndexRemainder.Set(step.Remainder)

	return ledger.Accrual{
		Amount:      new(uint256.Int).Set(amount),
		Delta:       step.Delta,
		Distributed: true,
	}, nil
}

// Settle rolls buckets and credits key with the active credit yield of both
// its exposure sources. Immature states only fast-forward their snapshot.
func Settle(p *ledger.Pool, key ledger.PositionKey, now uint64) *uint256.Int {
	RollMatured(p, now)

	pair := p.ActiveCredit(key)
	added := settleState(p, &pair.Encumbrance, now)
	added.Add(added, settleState(p, &pair.Debt, now))

	if !added.IsZero() {
		u := p.User(key)
		u.AccruedYield.Add(&u.AccruedYield, added)
	}
	return added
}

func settleState(p *ledger.Pool, s *ledger.ActiveCreditState, now uint64) *uint256.Int {
	if s.IsEmpty() {
		return new(uint256.Int)
	}
	if !IsMature(s, now) {
		s.IndexSnapshot.Set(&p.ActiveCreditIndex)
		return new(uint256.Int)
	}

	base := claimBase(p, s)
	added := new(uint256.Int)
	if p.ActiveCreditIndex.Gt(base) {
		delta := new(uint256.Int).Sub(&p.ActiveCreditIndex, base)
		added = fpmath.MulWad(&s.Principal, delta)
	}
	s.IndexSnapshot.Set(&p.ActiveCreditIndex)
	return added
}

// claimBase is the index value a mature state earns from: its snapshot, or
// the index at the hour its bucket rolled if that is later. Accruals made
// while the state was still pending never reach it.
func claimBase(p *ledger.Pool, s *ledger.ActiveCreditState) *uint256.Int {
	base := new(uint256.Int).Set(&s.IndexSnapshot)
	hour := MaturityHour(s.StartTime)
	if atMaturity, ok := p.MaturityIndex(hour); ok {
		if atMaturity.Gt(base) {
			base.Set(&atMaturity)
		}
		return base
	}
	if hour >= p.ActiveCreditPendingStartHour {
		// Not rolled yet: nothing has accrued since maturity.
		base.Set(&p.ActiveCreditIndex)
	}
	return base
}

// Pending returns the active credit yield Settle would credit at now.
func Pending(p *ledger.Pool, key ledger.PositionKey, now uint64) *uint256.Int {
	pair := p.ActiveCreditView(key)
	total := new(uint256.Int)
	for _, s := range []*ledger.ActiveCreditState{&pair.Encumbrance, &pair.Debt} {
		if !IsMature(s, now) {
			continue
		}
		base := claimBase(p, s)
		if p.ActiveCreditIndex.Gt(base) {
			delta := new(uint256.Int).Sub(&p.ActiveCreditIndex, base)
			total.Add(total, fpmath.MulWad(&s.Principal, delta))
		}
	}
	return total
}
