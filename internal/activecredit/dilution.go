package activecredit

import (
	"fmt"

	"EqualisLedger/internal/ledger"
	fpmath "EqualisLedger/internal/math"

	"github.com/holiman/uint256"
)

// WeightedStartTime blends the maturity credit of oldPrincipal with freshly
// added principal:
//
//	oldCredit    = min(TimeGate, now - startTime)   // 0 when oldPrincipal == 0
//	newCredit    = oldPrincipal * oldCredit / (oldPrincipal + added)
//	newStartTime = now - min(TimeGate, newCredit)
func WeightedStartTime(oldPrincipal *uint256.Int, startTime uint64, added *uint256.Int, now uint64) uint64 {
	if oldPrincipal.IsZero() {
		return now
	}
	var oldCredit uint64
	if now > startTime {
		oldCredit = min(TimeGate, now-startTime)
	}
	total := new(uint256.Int).Add(oldPrincipal, added)
	newCredit := fpmath.MulDiv(oldPrincipal, uint256.NewInt(oldCredit), total).Uint64()
	return now - min(TimeGate, newCredit)
}

// ApplyWeightedIncrease adds principal to s, diluting its maturity clock, and
// moves it to its new maturity bucket. Buckets must be rolled to now.
func ApplyWeightedIncrease(p *ledger.Pool, s *ledger.ActiveCreditState, added *uint256.Int, now uint64) error {
	if added.IsZero() {
		return nil
	}
	if err := Unschedule(p, s); err != nil {
		return err
	}
	s.StartTime = WeightedStartTime(&s.Principal, s.StartTime, added, now)
	s.Principal.Add(&s.Principal, added)
	Schedule(p, s)
	return nil
}

// DecreaseState removes principal from s without touching its clock. A state
// that reaches zero is reset.
func DecreaseState(p *ledger.Pool, key ledger.PositionKey, s *ledger.ActiveCreditState, amount *uint256.Int) error {
	if amount.IsZero() {
		return nil
	}
	if s.Principal.Lt(amount) {
		return &ledger.UnderflowError{
			Pool:      p.ID,
			Position:  key,
			Field:     "active_credit_principal",
			Have:      new(uint256.Int).Set(&s.Principal),
			Requested: new(uint256.Int).Set(amount),
		}
	}
	if err := Unschedule(p, s); err != nil {
		return fmt.Errorf("decrease active credit: %w", err)
	}
	s.Principal.Sub(&s.Principal, amount)
	if s.IsEmpty() {
		s.Reset()
		return nil
	}
	Schedule(p, s)
	return nil
}
