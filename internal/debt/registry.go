// Package debt is the reference same-asset debt collaborator. It records
// borrowed principal per position, pool and loan type, answers the fee
// index's same-asset debt lookups, and drives debt-sourced active credit.
package debt

import (
	"fmt"
	"slices"

	"EqualisLedger/internal/activecredit"
	"EqualisLedger/internal/ledger"

	"github.com/holiman/uint256"
)

// Kind is the loan type a debt came from.
type Kind uint8

const (
	KindRolling Kind = iota
	KindFixedTerm
	KindDirect
)

func (k Kind) String() string {
	switch k {
	case KindRolling:
		return "rolling"
	case KindFixedTerm:
		return "fixed_term"
	case KindDirect:
		return "direct"
	default:
		return "unknown"
	}
}

func ParseKind(s string) (Kind, error) {
	switch s {
	case "rolling":
		return KindRolling, nil
	case "fixed_term":
		return KindFixedTerm, nil
	case "direct":
		return KindDirect, nil
	default:
		return 0, fmt.Errorf("unknown debt kind: %q", s)
	}
}

type entryKey struct {
	Pool     ledger.PoolID
	Position ledger.PositionKey
	Kind     Kind
}

// Entry is one outstanding debt balance.
type Entry struct {
	Pool     ledger.PoolID
	Position ledger.PositionKey
	Kind     Kind
	Amount   uint256.Int
}

type Registry struct {
	debts map[entryKey]uint256.Int
}

func NewRegistry() *Registry {
	return &Registry{debts: make(map[entryKey]uint256.Int)}
}

// Borrow records new same-asset debt and schedules it as debt-sourced
// active credit.
func (r *Registry) Borrow(p *ledger.Pool, key ledger.PositionKey, kind Kind, amount *uint256.Int, now uint64) error {
	k := entryKey{Pool: p.ID, Position: key, Kind: kind}
	cur := r.debts[k]
	next, overflow := new(uint256.Int).AddOverflow(&cur, amount)
	if overflow {
		return fmt.Errorf("borrow %s on pool %d: %w", kind, p.ID, ledger.ErrOverflow)
	}
	if err := activecredit.ApplyDebtIncrease(p, key, amount, now); err != nil {
		return fmt.Errorf("borrow %s on pool %d: %w", kind, p.ID, err)
	}
	r.debts[k] = *next
	return nil
}

// Repay reduces outstanding debt. Repaying more than is owed fails.
func (r *Registry) Repay(p *ledger.Pool, key ledger.PositionKey, kind Kind, amount *uint256.Int, now uint64) error {
	k := entryKey{Pool: p.ID, Position: key, Kind: kind}
	cur := r.debts[k]
	if cur.Lt(amount) {
		return &ledger.UnderflowError{
			Pool:      p.ID,
			Position:  key,
			Field:     "debt_" + kind.String(),
			Have:      new(uint256.Int).Set(&cur),
			Requested: new(uint256.Int).Set(amount),
		}
	}
	if err := activecredit.ApplyDebtDecrease(p, key, amount, now); err != nil {
		return fmt.Errorf("repay %s on pool %d: %w", kind, p.ID, err)
	}
	cur.Sub(&cur, amount)
	if cur.IsZero() {
		delete(r.debts, k)
	} else {
		r.debts[k] = cur
	}
	return nil
}

// Outstanding returns one debt balance.
func (r *Registry) Outstanding(pool ledger.PoolID, key ledger.PositionKey, kind Kind) *uint256.Int {
	v := r.debts[entryKey{Pool: pool, Position: key, Kind: kind}]
	return &v
}

// SameAssetDebt sums every debt kind of key in pool.
func (r *Registry) SameAssetDebt(pool ledger.PoolID, key ledger.PositionKey) *uint256.Int {
	total := new(uint256.Int)
	for _, kind := range []Kind{KindRolling, KindFixedTerm, KindDirect} {
		v := r.debts[entryKey{Pool: pool, Position: key, Kind: kind}]
		total.Add(total, &v)
	}
	return total
}

// Set overwrites one balance without touching active credit. A zero amount
// removes the entry.
func (r *Registry) Set(pool ledger.PoolID, key ledger.PositionKey, kind Kind, amount *uint256.Int) {
	k := entryKey{Pool: pool, Position: key, Kind: kind}
	if amount.IsZero() {
		delete(r.debts, k)
		return
	}
	r.debts[k] = *amount
}

// Entries lists every outstanding balance in a stable order.
func (r *Registry) Entries() []Entry {
	out := make([]Entry, 0, len(r.debts))
	for k, v := range r.debts {
		out = append(out, Entry{Pool: k.Pool, Position: k.Position, Kind: k.Kind, Amount: v})
	}
	slices.SortFunc(out, func(a, b Entry) int {
		if a.Pool != b.Pool {
			return int(a.Pool) - int(b.Pool)
		}
		if c := compareKeys(a.Position, b.Position); c != 0 {
			return c
		}
		return int(a.Kind) - int(b.Kind)
	})
	return out
}

// Restore replaces the registry contents without touching active credit,
// which is restored with the pools.
func (r *Registry) Restore(entries []Entry) {
	r.debts = make(map[entryKey]uint256.Int, len(entries))
	for _, e := range entries {
		r.debts[entryKey{Pool: e.Pool, Position: e.Position, Kind: e.Kind}] = e.Amount
	}
}

func compareKeys(a, b ledger.PositionKey) int {
	for i := range a {
		if a[i] != b[i] {
			return int(a[i]) - int(b[i])
		}
	}
	return 0
}
