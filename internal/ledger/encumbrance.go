package ledger

import (
	"fmt"
	"maps"

	"github.com/holiman/uint256"
)

// Encumbrance records how much of a position's principal in one pool is
// unavailable. ByIndex breaks IndexEncumbered down per basket index.
type Encumbrance struct {
	DirectLocked      uint256.Int
	DirectLent        uint256.Int
	DirectOfferEscrow uint256.Int
	IndexEncumbered   uint256.Int
	ByIndex           map[IndexID]uint256.Int
}

// Total is the sum of all four components.
func (e *Encumbrance) Total() *uint256.Int {
	t := new(uint256.Int).Add(&e.DirectLocked, &e.DirectLent)
	t.Add(t, &e.DirectOfferEscrow)
	return t.Add(t, &e.IndexEncumbered)
}

// TotalForActiveCredit excludes index-encumbered principal.
func (e *Encumbrance) TotalForActiveCredit() *uint256.Int {
	t := new(uint256.Int).Add(&e.DirectLocked, &e.DirectLent)
	return t.Add(t, &e.DirectOfferEscrow)
}

// Get returns a copy of one component.
func (e *Encumbrance) Get(c Component) *uint256.Int {
	return new(uint256.Int).Set(e.field(c))
}

// Index returns the per-index breakdown for id.
func (e *Encumbrance) Index(id IndexID) *uint256.Int {
	v := e.ByIndex[id]
	return &v
}

func (e *Encumbrance) field(c Component) *uint256.Int {
	switch c {
	case ComponentDirectLocked:
		return &e.DirectLocked
	case ComponentDirectLent:
		return &e.DirectLent
	case ComponentDirectOfferEscrow:
		return &e.DirectOfferEscrow
	case ComponentIndexEncumbered:
		return &e.IndexEncumbered
	}
	panic(fmt.Sprintf("FATAL: unknown encumbrance component %d", c))
}

func (e *Encumbrance) clone() Encumbrance {
	out := *e
	if e.ByIndex != nil {
		out.ByIndex = maps.Clone(e.ByIndex)
	}
	return out
}

// DeltaHook receives the before/after active-credit-eligible encumbrance of a
// position whenever a non-index component changes. An error aborts the
// mutation's enclosing operation.
type DeltaHook interface {
	OnEncumbranceDelta(p *Pool, key PositionKey, before, after *uint256.Int) error
}

// EncumbranceLedger is the single write path for encumbrance records.
type EncumbranceLedger struct {
	hook DeltaHook
}

func NewEncumbranceLedger(hook DeltaHook) *EncumbranceLedger {
	return &EncumbranceLedger{hook: hook}
}

// Increase adds amount to one component. Callers check availability first.
func (l *EncumbranceLedger) Increase(p *Pool, key PositionKey, c Component, amount *uint256.Int) error {
	if amount.IsZero() {
		return nil
	}
	e := p.Encumbrance(key)
	before := e.TotalForActiveCredit()

	f := e.field(c)
	sum, overflow := new(uint256.Int).AddOverflow(f, amount)
	if overflow {
		return fmt.Errorf("increase %s on pool %d position %s: %w", c, p.ID, key, ErrOverflow)
	}
	f.Set(sum)

	return l.notify(p, key, c, before, e)
}

// Decrease subtracts amount from one component. It never clamps.
func (l *EncumbranceLedger) Decrease(p *Pool, key PositionKey, c Component, amount *uint256.Int) error {
	if amount.IsZero() {
		return nil
	}
	e := p.Encumbrance(key)
	f := e.field(c)
	if f.Lt(amount) {
		return newUnderflow(p.ID, key, c.String(), f, amount)
	}
	before := e.TotalForActiveCredit()
	f.Sub(f, amount)

	return l.notify(p, key, c, before, e)
}

// EncumberIndex adds amount to both the aggregate and the per-index counter.
func (l *EncumbranceLedger) EncumberIndex(p *Pool, key PositionKey, id IndexID, amount *uint256.Int) error {
	if amount.IsZero() {
		return nil
	}
	e := p.Encumbrance(key)
	per := e.ByIndex[id]
	if _, overflow := per.AddOverflow(&per, amount); overflow {
		return fmt.Errorf("encumber index %d on pool %d: %w", id, p.ID, ErrOverflow)
	}
	agg, overflow := new(uint256.Int).AddOverflow(&e.IndexEncumbered, amount)
	if overflow {
		return fmt.Errorf("encumber index %d on pool %d: %w", id, p.ID, ErrOverflow)
	}
	e.IndexEncumbered.Set(agg)
	if e.ByIndex == nil {
		e.ByIndex = make(map[IndexID]uint256.Int)
	}
	e.ByIndex[id] = per
	return nil
}

// UnencumberIndex reverses EncumberIndex. Either balance going negative fails.
func (l *EncumbranceLedger) UnencumberIndex(p *Pool, key PositionKey, id IndexID, amount *uint256.Int) error {
	if amount.IsZero() {
		return nil
	}
	e := p.Encumbrance(key)
	per := e.ByIndex[id]
	if per.Lt(amount) {
		return newUnderflow(p.ID, key, fmt.Sprintf("index_encumbered[%d]", id), &per, amount)
	}
	if e.IndexEncumbered.Lt(amount) {
		return newUnderflow(p.ID, key, ComponentIndexEncumbered.String(), &e.IndexEncumbered, amount)
	}

	per.Sub(&per, amount)
	e.IndexEncumbered.Sub(&e.IndexEncumbered, amount)
	if per.IsZero() {
		delete(e.ByIndex, id)
	} else {
		e.ByIndex[id] = per
	}
	return nil
}

func (l *EncumbranceLedger) notify(p *Pool, key PositionKey, c Component, before *uint256.Int, e *Encumbrance) error {
	if !c.CountsForActiveCredit() || l.hook == nil {
		return nil
	}
	after := e.TotalForActiveCredit()
	if before.Eq(after) {
		return nil
	}
	return l.hook.OnEncumbranceDelta(p, key, before, after)
}

// === Read-only views ===

// Total returns the full encumbrance of key in p.
func Total(p *Pool, key PositionKey) *uint256.Int {
	e := p.EncumbranceView(key)
	return e.Total()
}

// TotalForActiveCredit returns locked + lent + escrow for key in p.
func TotalForActiveCredit(p *Pool, key PositionKey) *uint256.Int {
	e := p.EncumbranceView(key)
	return e.TotalForActiveCredit()
}

// AvailablePrincipal returns principal minus total encumbrance and owed
// maintenance, floored at zero.
func AvailablePrincipal(p *Pool, key PositionKey) *uint256.Int {
	avail := UnencumberedPrincipal(p, key)
	u := p.UserView(key)
	if avail.Cmp(&u.MaintenanceOwed) <= 0 {
		return new(uint256.Int)
	}
	return avail.Sub(avail, &u.MaintenanceOwed)
}

// UnencumberedPrincipal returns principal minus total encumbrance, floored
// at zero.
func UnencumberedPrincipal(p *Pool, key PositionKey) *uint256.Int {
	u := p.UserView(key)
	total := Total(p, key)
	if u.Principal.Cmp(total) <= 0 {
		return new(uint256.Int)
	}
	return new(uint256.Int).Sub(&u.Principal, total)
}
