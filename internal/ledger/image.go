package ledger

import (
	"maps"

	"github.com/holiman/uint256"
)

// PoolImage is a detached, fully copied view of a pool used for snapshots
// and queries.
type PoolImage struct {
	Params        PoolParams
	State         PoolState
	Users         map[PositionKey]UserEntry
	Encumbrance   map[PositionKey]Encumbrance
	ActiveCredit  map[PositionKey]ActiveCreditPair
	MaturityIndex map[uint64]uint256.Int
}

// Export copies the pool into an image.
func (p *Pool) Export() PoolImage {
	img := PoolImage{
		Params: PoolParams{
			ID:                 p.ID,
			Underlying:         p.Underlying,
			MaintenanceRateBps: p.MaintenanceRateBps,
			FeeReceiver:        p.FeeReceiver,
		},
		State:         p.PoolState,
		Users:         make(map[PositionKey]UserEntry, len(p.users)),
		Encumbrance:   make(map[PositionKey]Encumbrance, len(p.encumbrance)),
		ActiveCredit:  make(map[PositionKey]ActiveCreditPair, len(p.activeCredit)),
		MaturityIndex: maps.Clone(p.maturityIndex),
	}
	for k, u := range p.users {
		img.Users[k] = *u
	}
	for k, e := range p.encumbrance {
		img.Encumbrance[k] = e.clone()
	}
	for k, a := range p.activeCredit {
		img.ActiveCredit[k] = *a
	}
	return img
}

// ImportPool rebuilds a pool from an image.
func ImportPool(img PoolImage) *Pool {
	p := NewPool(img.Params.ID, img.Params.Underlying)
	p.MaintenanceRateBps = img.Params.MaintenanceRateBps
	p.FeeReceiver = img.Params.FeeReceiver
	p.PoolState = img.State

	for k, u := range img.Users {
		entry := u
		p.users[k] = &entry
	}
	for k, e := range img.Encumbrance {
		entry := e.clone()
		p.encumbrance[k] = &entry
	}
	for k, a := range img.ActiveCredit {
		entry := a
		p.activeCredit[k] = &entry
	}
	for h, v := range img.MaturityIndex {
		p.maturityIndex[h] = v
	}
	return p
}
