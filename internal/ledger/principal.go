package ledger

import (
	"fmt"

	"github.com/holiman/uint256"
)

// CreditPrincipal adds amount to key's principal and to the pool's total
// deposits together.
func CreditPrincipal(p *Pool, key PositionKey, amount *uint256.Int) error {
	u := p.User(key)
	principal, overflow := new(uint256.Int).AddOverflow(&u.Principal, amount)
	if overflow {
		return fmt.Errorf("credit principal on pool %d: %w", p.ID, ErrOverflow)
	}
	total, overflow := new(uint256.Int).AddOverflow(&p.TotalDeposits, amount)
	if overflow {
		return fmt.Errorf("credit total deposits on pool %d: %w", p.ID, ErrOverflow)
	}
	u.Principal.Set(principal)
	p.TotalDeposits.Set(total)
	return nil
}

// DebitPrincipal removes amount from key's principal and the pool's total
// deposits together.
func DebitPrincipal(p *Pool, key PositionKey, amount *uint256.Int) error {
	u := p.User(key)
	if u.Principal.Lt(amount) {
		return newUnderflow(p.ID, key, "principal", &u.Principal, amount)
	}
	if p.TotalDeposits.Lt(amount) {
		return newUnderflow(p.ID, key, "total_deposits", &p.TotalDeposits, amount)
	}
	u.Principal.Sub(&u.Principal, amount)
	p.TotalDeposits.Sub(&p.TotalDeposits, amount)
	return nil
}

// CreditTracked records assets entering the pool.
func CreditTracked(p *Pool, amount *uint256.Int) error {
	total, overflow := new(uint256.Int).AddOverflow(&p.TrackedBalance, amount)
	if overflow {
		return fmt.Errorf("credit tracked balance on pool %d: %w", p.ID, ErrOverflow)
	}
	p.TrackedBalance.Set(total)
	return nil
}

// DebitTracked records assets leaving the pool. A pool never pays out more
// than it tracks.
func DebitTracked(p *Pool, amount *uint256.Int) error {
	if p.TrackedBalance.Lt(amount) {
		return newUnderflow(p.ID, PositionKey{}, "tracked_balance", &p.TrackedBalance, amount)
	}
	p.TrackedBalance.Sub(&p.TrackedBalance, amount)
	return nil
}

// AddYieldReserve records a new yield liability.
func AddYieldReserve(p *Pool, amount *uint256.Int) error {
	total, overflow := new(uint256.Int).AddOverflow(&p.YieldReserve, amount)
	if overflow {
		return fmt.Errorf("yield reserve on pool %d: %w", p.ID, ErrOverflow)
	}
	p.YieldReserve.Set(total)
	return nil
}

// ReleaseYield moves amount out of key's accrued yield and the pool reserve.
func ReleaseYield(p *Pool, key PositionKey, amount *uint256.Int) error {
	u := p.User(key)
	if u.AccruedYield.Lt(amount) {
		return newUnderflow(p.ID, key, "accrued_yield", &u.AccruedYield, amount)
	}
	if p.YieldReserve.Lt(amount) {
		return fmt.Errorf("release yield on pool %d: reserve %s below claim %s: %w",
			p.ID, p.YieldReserve.Dec(), amount.Dec(), ErrInvariantViolation)
	}
	u.AccruedYield.Sub(&u.AccruedYield, amount)
	p.YieldReserve.Sub(&p.YieldReserve, amount)
	return nil
}

// CheckBacking verifies backing covers deposits, the reserve, and amount.
func CheckBacking(p *Pool, backing, amount *uint256.Int) error {
	required := new(uint256.Int).Add(&p.TotalDeposits, &p.YieldReserve)
	required.Add(required, amount)
	if backing.Lt(required) {
		return &BackingError{
			Pool:     p.ID,
			Backing:  new(uint256.Int).Set(backing),
			Required: required,
		}
	}
	return nil
}

// Accrual is the outcome of distributing an amount through an index.
type Accrual struct {
	Amount      *uint256.Int
	Delta       *uint256.Int
	Distributed bool // false when the distribution base was empty
}

// NoAccrual is returned when nothing was distributed.
func NoAccrual(amount *uint256.Int) Accrual {
	return Accrual{
		Amount: new(uint256.Int).Set(amount),
		Delta:  new(uint256.Int),
	}
}
