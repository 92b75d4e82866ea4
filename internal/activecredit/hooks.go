package activecredit

import (
	"EqualisLedger/internal/ledger"

	"github.com/holiman/uint256"
)

// Source selects one of the two active credit states of a position.
type Source uint8

const (
	SourceEncumbrance Source = iota
	SourceDebt
)

func (s Source) String() string {
	if s == SourceDebt {
		return "debt"
	}
	return "encumbrance"
}

func (s Source) state(pair *ledger.ActiveCreditPair) *ledger.ActiveCreditState {
	if s == SourceDebt {
		return &pair.Debt
	}
	return &pair.Encumbrance
}

// ApplyIncrease settles key, then adds amount to the chosen state with
// weighted dilution and re-snapshots it.
func ApplyIncrease(p *ledger.Pool, key ledger.PositionKey, src Source, amount *uint256.Int, now uint64) error {
	if amount.IsZero() {
		return nil
	}
	Settle(p, key, now)

	s := src.state(p.ActiveCredit(key))
	if err := ApplyWeightedIncrease(p, s, amount, now); err != nil {
		return err
	}
	p.ActiveCreditPrincipalTotal.Add(&p.ActiveCreditPrincipalTotal, amount)
	s.IndexSnapshot.Set(&p.ActiveCreditIndex)
	return nil
}

// ApplyDecrease settles key, then removes amount from the chosen state.
func ApplyDecrease(p *ledger.Pool, key ledger.PositionKey, src Source, amount *uint256.Int, now uint64) error {
	if amount.IsZero() {
		return nil
	}
	Settle(p, key, now)

	s := src.state(p.ActiveCredit(key))
	if err := DecreaseState(p, key, s, amount); err != nil {
		return err
	}
	if p.ActiveCreditPrincipalTotal.Lt(amount) {
		return &ledger.UnderflowError{
			Pool:      p.ID,
			Position:  key,
			Field:     "active_credit_principal_total",
			Have:      new(uint256.Int).Set(&p.ActiveCreditPrincipalTotal),
			Requested: new(uint256.Int).Set(amount),
		}
	}
	p.ActiveCreditPrincipalTotal.Sub(&p.ActiveCreditPrincipalTotal, amount)
	if !s.IsEmpty() {
		s.IndexSnapshot.Set(&p.ActiveCreditIndex)
	}
	return nil
}

func ApplyEncumbranceIncrease(p *ledger.Pool, key ledger.PositionKey, amount *uint256.Int, now uint64) error {
	return ApplyIncrease(p, key, SourceEncumbrance, amount, now)
}

func ApplyEncumbranceDecrease(p *ledger.Pool, key ledger.PositionKey, amount *uint256.Int, now uint64) error {
	return ApplyDecrease(p, key, SourceEncumbrance, amount, now)
}

func ApplyDebtIncrease(p *ledger.Pool, key ledger.PositionKey, amount *uint256.Int, now uint64) error {
	return ApplyIncrease(p, key, SourceDebt, amount, now)
}

func ApplyDebtDecrease(p *ledger.Pool, key ledger.PositionKey, amount *uint256.Int, now uint64) error {
	return ApplyDecrease(p, key, SourceDebt, amount, now)
}

// Clock supplies the current unix time in seconds.
type Clock interface {
	Now() uint64
}

// Hook keeps encumbrance-sourced active credit in step with the encumbrance
// ledger. It implements ledger.DeltaHook.
type Hook struct {
	clock Clock
}

func NewHook(clock Clock) *Hook {
	return &Hook{clock: clock}
}

func (h *Hook) OnEncumbranceDelta(p *ledger.Pool, key ledger.PositionKey, before, after *uint256.Int) error {
	now := h.clock.Now()
	if after.Gt(before) {
		return ApplyEncumbranceIncrease(p, key, new(uint256.Int).Sub(after, before), now)
	}
	return ApplyEncumbranceDecrease(p, key, new(uint256.Int).Sub(before, after), now)
}
