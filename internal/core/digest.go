package core

import (
	"encoding/binary"
	"maps"
	"slices"

	"EqualisLedger/internal/debt"
	"EqualisLedger/internal/ledger"

	"github.com/holiman/uint256"
)

// stateDigest creates canonical bytes for the state hash: the pool scalars
// followed by every touched position in byte order.
func (k *Kernel) stateDigest(effect Effect) []byte {
	p, err := k.pool(effect.Pool)
	if err != nil {
		return nil
	}
	buf := make([]byte, 0, 40*32+len(effect.Touched)*16*32)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(p.ID))

	s := &p.PoolState
	for _, v := range []*uint256.Int{
		&s.TotalDeposits,
		&s.TrackedBalance,
		&s.YieldReserve,
		&s.FeeIndex,
		&s.FeeIndexRemainder,
		&s.MaintenanceIndex,
		&s.MaintenanceIndexRemainder,
		&s.PendingMaintenance,
		&s.MaintenanceUnsettled,
		&s.ActiveCreditIndex,
		&s.ActiveCreditIndexRemainder,
		&s.ActiveCreditPrincipalTotal,
		&s.ActiveCreditMaturedTotal,
	} {
		buf = appendU256(buf, v)
	}
	buf = binary.LittleEndian.AppendUint64(buf, s.LastMaintenanceEpoch)
	buf = binary.LittleEndian.AppendUint64(buf, s.ActiveCreditPendingStartHour)
	buf = append(buf, s.ActiveCreditPendingCursor)
	for i := range s.ActiveCreditPendingBuckets {
		buf = appendU256(buf, &s.ActiveCreditPendingBuckets[i])
	}

	for _, key := range effect.Touched {
		buf = append(buf, key[:]...)

		u := p.UserView(key)
		buf = appendU256(buf, &u.Principal)
		buf = appendU256(buf, &u.FeeIndexCheckpoint)
		buf = appendU256(buf, &u.MaintenanceIndexCheckpoint)
		buf = appendU256(buf, &u.AccruedYield)
		buf = appendU256(buf, &u.MaintenanceOwed)

		e := p.EncumbranceView(key)
		buf = appendU256(buf, &e.DirectLocked)
		buf = appendU256(buf, &e.DirectLent)
		buf = appendU256(buf, &e.DirectOfferEscrow)
		buf = appendU256(buf, &e.IndexEncumbered)
		for _, id := range slices.Sorted(maps.Keys(e.ByIndex)) {
			v := e.ByIndex[id]
			buf = binary.LittleEndian.AppendUint32(buf, uint32(id))
			buf = appendU256(buf, &v)
		}

		a := p.ActiveCreditView(key)
		for _, st := range []*ledger.ActiveCreditState{&a.Encumbrance, &a.Debt} {
			buf = appendU256(buf, &st.Principal)
			buf = binary.LittleEndian.AppendUint64(buf, st.StartTime)
			buf = appendU256(buf, &st.IndexSnapshot)
		}

		for _, kind := range []debt.Kind{debt.KindRolling, debt.KindFixedTerm, debt.KindDirect} {
			buf = appendU256(buf, k.debts.Outstanding(p.ID, key, kind))
		}
	}
	return buf
}

func appendU256(buf []byte, v *uint256.Int) []byte {
	b := v.Bytes32()
	return append(buf, b[:]...)
}
