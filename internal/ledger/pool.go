package ledger

import (
	"bytes"
	"slices"

	"github.com/holiman/uint256"
)

// PendingBucketCount is the number of hourly maturity slots per pool: a day
// of hours plus one for starts that fall inside an hour.
const PendingBucketCount = 25

// PoolState holds every scalar of a pool. It is a plain value so a copy is a
// full snapshot.
type PoolState struct {
	TotalDeposits  uint256.Int
	TrackedBalance uint256.Int
	YieldReserve   uint256.Int

	FeeIndex          uint256.Int
	FeeIndexRemainder uint256.Int

	MaintenanceIndex          uint256.Int
	MaintenanceIndexRemainder uint256.Int
	LastMaintenanceEpoch      uint64
	PendingMaintenance        uint256.Int
	// MaintenanceUnsettled is maintenance taken from TotalDeposits that no
	// position's principal has absorbed yet.
	MaintenanceUnsettled uint256.Int

	ActiveCreditIndex            uint256.Int
	ActiveCreditIndexRemainder   uint256.Int
	ActiveCreditPrincipalTotal   uint256.Int
	ActiveCreditMaturedTotal     uint256.Int
	ActiveCreditPendingStartHour uint64
	ActiveCreditPendingCursor    uint8
	ActiveCreditPendingBuckets   [PendingBucketCount]uint256.Int
}

// UserEntry is one position's principal ledger row within a pool.
type UserEntry struct {
	Principal                  uint256.Int
	FeeIndexCheckpoint         uint256.Int
	MaintenanceIndexCheckpoint uint256.Int
	AccruedYield               uint256.Int
	// MaintenanceOwed is settled maintenance that encumbered principal could
	// not absorb. It is collected once principal is released.
	MaintenanceOwed uint256.Int
}

// ActiveCreditState tracks one source of time-gated exposure.
// StartTime is unix seconds; zero together with zero principal means empty.
type ActiveCreditState struct {
	Principal     uint256.Int
	StartTime     uint64
	IndexSnapshot uint256.Int
}

// IsEmpty reports whether the state carries no exposure.
func (s *ActiveCreditState) IsEmpty() bool {
	return s.Principal.IsZero()
}

// Reset returns the state to empty so re-entry restarts the maturity clock.
func (s *ActiveCreditState) Reset() {
	*s = ActiveCreditState{}
}

// ActiveCreditPair is the two exposure sources a position holds per pool.
type ActiveCreditPair struct {
	Encumbrance ActiveCreditState
	Debt        ActiveCreditState
}

// Pool is an isolated accounting domain for one underlying asset. Nothing in
// a Pool references another pool.
type Pool struct {
	ID                 PoolID
	Underlying         string
	MaintenanceRateBps uint64
	FeeReceiver        string

	PoolState

	users         map[PositionKey]*UserEntry
	encumbrance   map[PositionKey]*Encumbrance
	activeCredit  map[PositionKey]*ActiveCreditPair
	maturityIndex map[uint64]uint256.Int

	cp *Checkpoint
}

// NewPool creates an empty pool. Indices start at zero; every accrual moves
// them up from there.
func NewPool(id PoolID, underlying string) *Pool {
	return &Pool{
		ID:            id,
		Underlying:    underlying,
		users:         make(map[PositionKey]*UserEntry),
		encumbrance:   make(map[PositionKey]*Encumbrance),
		activeCredit:  make(map[PositionKey]*ActiveCreditPair),
		maturityIndex: make(map[uint64]uint256.Int),
	}
}

// === Position accessors ===

// User returns the mutable entry for key, creating it on first use.
func (p *Pool) User(key PositionKey) *UserEntry {
	p.touch(key)
	u, ok := p.users[key]
	if !ok {
		u = &UserEntry{}
		p.users[key] = u
	}
	return u
}

// UserView returns a copy of the entry for key without creating it.
func (p *Pool) UserView(key PositionKey) UserEntry {
	if u, ok := p.users[key]; ok {
		return *u
	}
	return UserEntry{}
}

// Encumbrance returns the mutable encumbrance record for key.
func (p *Pool) Encumbrance(key PositionKey) *Encumbrance {
	p.touch(key)
	e, ok := p.encumbrance[key]
	if !ok {
		e = &Encumbrance{}
		p.encumbrance[key] = e
	}
	return e
}

// EncumbranceView returns a copy of the record for key without creating it.
func (p *Pool) EncumbranceView(key PositionKey) Encumbrance {
	if e, ok := p.encumbrance[key]; ok {
		return e.clone()
	}
	return Encumbrance{}
}

// ActiveCredit returns the mutable active credit pair for key.
func (p *Pool) ActiveCredit(key PositionKey) *ActiveCreditPair {
	p.touch(key)
	a, ok := p.activeCredit[key]
	if !ok {
		a = &ActiveCreditPair{}
		p.activeCredit[key] = a
	}
	return a
}

// ActiveCreditView returns a copy of the pair for key without creating it.
func (p *Pool) ActiveCreditView(key PositionKey) ActiveCreditPair {
	if a, ok := p.activeCredit[key]; ok {
		return *a
	}
	return ActiveCreditPair{}
}

// Positions returns every position key known to the pool in byte order.
func (p *Pool) Positions() []PositionKey {
	seen := make(map[PositionKey]struct{}, len(p.users))
	for k := range p.users {
		seen[k] = struct{}{}
	}
	for k := range p.encumbrance {
		seen[k] = struct{}{}
	}
	for k := range p.activeCredit {
		seen[k] = struct{}{}
	}

	keys := make([]PositionKey, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, func(a, b PositionKey) int {
		return bytes.Compare(a[:], b[:])
	})
	return keys
}

// ActiveCreditKeys returns every position holding an active credit row, in
// byte order.
func (p *Pool) ActiveCreditKeys() []PositionKey {
	keys := make([]PositionKey, 0, len(p.activeCredit))
	for k := range p.activeCredit {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, func(a, b PositionKey) int { return bytes.Compare(a[:], b[:]) })
	return keys
}

// === Maturity index checkpoints ===

// SetMaturityIndex records the active credit index value at the moment the
// bucket for hour rolled into the matured total.
func (p *Pool) SetMaturityIndex(hour uint64, v *uint256.Int) {
	if p.cp != nil {
		p.cp.saveMaturity(hour)
	}
	p.maturityIndex[hour] = *v
}

// MaturityIndex returns the recorded index value for hour, if any.
func (p *Pool) MaturityIndex(hour uint64) (uint256.Int, bool) {
	v, ok := p.maturityIndex[hour]
	return v, ok
}

// DropMaturityIndex forgets the value recorded for hour.
func (p *Pool) DropMaturityIndex(hour uint64) {
	if _, ok := p.maturityIndex[hour]; !ok {
		return
	}
	if p.cp != nil {
		p.cp.saveMaturity(hour)
	}
	delete(p.maturityIndex, hour)
}

// MaturityHours returns the recorded hours in ascending order.
func (p *Pool) MaturityHours() []uint64 {
	hours := make([]uint64, 0, len(p.maturityIndex))
	for h := range p.maturityIndex {
		hours = append(hours, h)
	}
	slices.Sort(hours)
	return hours
}

// === Atomicity ===

// Checkpoint captures pool state so a failed operation can be undone. Scalars
// are captured at Begin; position rows are captured the first time they are
// touched through a mutable accessor.
type Checkpoint struct {
	pool     *Pool
	state    PoolState
	users    map[PositionKey]*UserEntry
	enc      map[PositionKey]*Encumbrance
	credit   map[PositionKey]*ActiveCreditPair
	maturity map[uint64]*uint256.Int
	touched  map[PositionKey]struct{}
}

// Begin opens a checkpoint. Only one checkpoint may be open per pool.
func (p *Pool) Begin() *Checkpoint {
	if p.cp != nil {
		panic("FATAL: nested pool checkpoint")
	}
	p.cp = &Checkpoint{
		pool:     p,
		state:    p.PoolState,
		users:    make(map[PositionKey]*UserEntry),
		enc:      make(map[PositionKey]*Encumbrance),
		credit:   make(map[PositionKey]*ActiveCreditPair),
		maturity: make(map[uint64]*uint256.Int),
		touched:  make(map[PositionKey]struct{}),
	}
	return p.cp
}

// Touched returns the positions mutated since Begin, in byte order.
func (c *Checkpoint) Touched() []PositionKey {
	keys := make([]PositionKey, 0, len(c.touched))
	for k := range c.touched {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, func(a, b PositionKey) int {
		return bytes.Compare(a[:], b[:])
	})
	return keys
}

// Before returns the pool scalars as they were at Begin.
func (c *Checkpoint) Before() PoolState {
	return c.state
}

// Commit closes the checkpoint and keeps all changes.
func (c *Checkpoint) Commit() {
	if c.pool.cp == c {
		c.pool.cp = nil
	}
}

// Rollback restores the pool to its state at Begin and closes the checkpoint.
func (c *Checkpoint) Rollback() {
	p := c.pool
	if p.cp != c {
		return
	}
	p.PoolState = c.state

	for k, u := range c.users {
		if u == nil {
			delete(p.users, k)
		} else {
			p.users[k] = u
		}
	}
	for k, e := range c.enc {
		if e == nil {
			delete(p.encumbrance, k)
		} else {
			p.encumbrance[k] = e
		}
	}
	for k, a := range c.credit {
		if a == nil {
			delete(p.activeCredit, k)
		} else {
			p.activeCredit[k] = a
		}
	}
	for h, v := range c.maturity {
		if v == nil {
			delete(p.maturityIndex, h)
		} else {
			p.maturityIndex[h] = *v
		}
	}
	p.cp = nil
}

func (p *Pool) touch(key PositionKey) {
	c := p.cp
	if c == nil {
		return
	}
	if _, ok := c.touched[key]; ok {
		return
	}
	c.touched[key] = struct{}{}

	if u, ok := p.users[key]; ok {
		saved := *u
		c.users[key] = &saved
	} else {
		c.users[key] = nil
	}
	if e, ok := p.encumbrance[key]; ok {
		saved := e.clone()
		c.enc[key] = &saved
	} else {
		c.enc[key] = nil
	}
	if a, ok := p.activeCredit[key]; ok {
		saved := *a
		c.credit[key] = &saved
	} else {
		c.credit[key] = nil
	}
}

func (c *Checkpoint) saveMaturity(hour uint64) {
	if _, ok := c.maturity[hour]; ok {
		return
	}
	if v, ok := c.pool.maturityIndex[hour]; ok {
		c.maturity[hour] = &v
	} else {
		c.maturity[hour] = nil
	}
}
