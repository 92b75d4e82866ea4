package persistence

import (
	"encoding/hex"
	"fmt"
	"maps"
	"slices"
	"time"

	"EqualisLedger/internal/core"
	"EqualisLedger/internal/debt"
	"EqualisLedger/internal/ledger"

	"github.com/holiman/uint256"
)

// SnapshotData is the JSON form of core.SnapshotState. Every 256-bit value
// is a decimal string and every position key its canonical UUID string.
type SnapshotData struct {
	Sequence        int64             `json:"sequence"`
	StateHash       string            `json:"state_hash"`
	ClockTime       uint64            `json:"clock_time"`
	Pools           []PoolSnapshot    `json:"pools"`
	Debts           []DebtSnapshot    `json:"debts"`
	Treasury        map[string]string `json:"treasury,omitempty"`
	IdempotencyKeys []string          `json:"idempotency_keys"`
	CreatedAt       time.Time         `json:"created_at"`
}

type PoolSnapshot struct {
	ID                 uint32             `json:"id"`
	Underlying         string             `json:"underlying"`
	MaintenanceRateBps uint64             `json:"maintenance_rate_bps"`
	FeeReceiver        string             `json:"fee_receiver"`
	State              PoolStateSnapshot  `json:"state"`
	Positions          []PositionSnapshot `json:"positions"`
	MaturityIndex      map[uint64]string  `json:"maturity_index,omitempty"`
}

type PoolStateSnapshot struct {
	TotalDeposits              string   `json:"total_deposits"`
	TrackedBalance             string   `json:"tracked_balance"`
	YieldReserve               string   `json:"yield_reserve"`
	FeeIndex                   string   `json:"fee_index"`
	FeeIndexRemainder          string   `json:"fee_index_remainder"`
	MaintenanceIndex           string   `json:"maintenance_index"`
	MaintenanceIndexRemainder  string   `json:"maintenance_index_remainder"`
	LastMaintenanceEpoch       uint64   `json:"last_maintenance_epoch"`
	PendingMaintenance         string   `json:"pending_maintenance"`
	MaintenanceUnsettled       string   `json:"maintenance_unsettled"`
	ActiveCreditIndex          string   `json:"active_credit_index"`
	ActiveCreditIndexRemainder string   `json:"active_credit_index_remainder"`
	ActiveCreditPrincipalTotal string   `json:"active_credit_principal_total"`
	ActiveCreditMaturedTotal   string   `json:"active_credit_matured_total"`
	PendingStartHour           uint64   `json:"pending_start_hour"`
	PendingCursor              uint8    `json:"pending_cursor"`
	PendingBuckets             []string `json:"pending_buckets"`
}

// PositionSnapshot holds whichever of the three per-position records exist.
type PositionSnapshot struct {
	Key          string                `json:"key"`
	User         *UserSnapshot         `json:"user,omitempty"`
	Encumbrance  *EncumbranceSnapshot  `json:"encumbrance,omitempty"`
	ActiveCredit *ActiveCreditSnapshot `json:"active_credit,omitempty"`
}

type UserSnapshot struct {
	Principal                  string `json:"principal"`
	FeeIndexCheckpoint         string `json:"fee_index_checkpoint"`
	MaintenanceIndexCheckpoint string `json:"maintenance_index_checkpoint"`
	AccruedYield               string `json:"accrued_yield"`
	MaintenanceOwed            string `json:"maintenance_owed,omitempty"`
}

type EncumbranceSnapshot struct {
	DirectLocked      string            `json:"direct_locked"`
	DirectLent        string            `json:"direct_lent"`
	DirectOfferEscrow string            `json:"direct_offer_escrow"`
	IndexEncumbered   string            `json:"index_encumbered"`
	ByIndex           map[uint32]string `json:"by_index,omitempty"`
}

type ActiveCreditStateSnapshot struct {
	Principal     string `json:"principal"`
	StartTime     uint64 `json:"start_time"`
	IndexSnapshot string `json:"index_snapshot"`
}

type ActiveCreditSnapshot struct {
	Encumbrance ActiveCreditStateSnapshot `json:"encumbrance"`
	Debt        ActiveCreditStateSnapshot `json:"debt"`
}

type DebtSnapshot struct {
	Pool     uint32 `json:"pool"`
	Position string `json:"position"`
	Kind     string `json:"kind"`
	Amount   string `json:"amount"`
}

// EncodeSnapshot converts engine state into its storable form.
func EncodeSnapshot(s *core.SnapshotState) *SnapshotData {
	data := &SnapshotData{
		Sequence:        s.Sequence,
		StateHash:       hex.EncodeToString(s.StateHash[:]),
		ClockTime:       s.ClockTime,
		Pools:           make([]PoolSnapshot, 0, len(s.Pools)),
		Debts:           make([]DebtSnapshot, 0, len(s.Debts)),
		IdempotencyKeys: s.IdempotencyKeys,
		CreatedAt:       time.Now().UTC(),
	}
	for _, img := range s.Pools {
		data.Pools = append(data.Pools, encodePool(img))
	}
	for _, e := range s.Debts {
		data.Debts = append(data.Debts, DebtSnapshot{
			Pool:     uint32(e.Pool),
			Position: e.Position.String(),
			Kind:     e.Kind.String(),
			Amount:   e.Amount.Dec(),
		})
	}
	if s.Treasury != nil {
		data.Treasury = make(map[string]string, len(s.Treasury))
		for asset, bal := range s.Treasury {
			data.Treasury[asset] = bal.Dec()
		}
	}
	return data
}

func encodePool(img ledger.PoolImage) PoolSnapshot {
	st := &img.State
	ps := PoolSnapshot{
		ID:                 uint32(img.Params.ID),
		Underlying:         img.Params.Underlying,
		MaintenanceRateBps: img.Params.MaintenanceRateBps,
		FeeReceiver:        img.Params.FeeReceiver,
		State: PoolStateSnapshot{
			TotalDeposits:              st.TotalDeposits.Dec(),
			TrackedBalance:             st.TrackedBalance.Dec(),
			YieldReserve:               st.YieldReserve.Dec(),
			FeeIndex:                   st.FeeIndex.Dec(),
			FeeIndexRemainder:          st.FeeIndexRemainder.Dec(),
			MaintenanceIndex:           st.MaintenanceIndex.Dec(),
			MaintenanceIndexRemainder:  st.MaintenanceIndexRemainder.Dec(),
			LastMaintenanceEpoch:       st.LastMaintenanceEpoch,
			PendingMaintenance:         st.PendingMaintenance.Dec(),
			MaintenanceUnsettled:       st.MaintenanceUnsettled.Dec(),
			ActiveCreditIndex:          st.ActiveCreditIndex.Dec(),
			ActiveCreditIndexRemainder: st.ActiveCreditIndexRemainder.Dec(),
			ActiveCreditPrincipalTotal: st.ActiveCreditPrincipalTotal.Dec(),
			ActiveCreditMaturedTotal:   st.ActiveCreditMaturedTotal.Dec(),
			PendingStartHour:           st.ActiveCreditPendingStartHour,
			PendingCursor:              st.ActiveCreditPendingCursor,
			PendingBuckets:             make([]string, len(st.ActiveCreditPendingBuckets)),
		},
	}
	for i := range st.ActiveCreditPendingBuckets {
		ps.State.PendingBuckets[i] = st.ActiveCreditPendingBuckets[i].Dec()
	}
	if len(img.MaturityIndex) > 0 {
		ps.MaturityIndex = make(map[uint64]string, len(img.MaturityIndex))
		for h, v := range img.MaturityIndex {
			ps.MaturityIndex[h] = v.Dec()
		}
	}

	keys := make(map[ledger.PositionKey]struct{})
	for k := range img.Users {
		keys[k] = struct{}{}
	}
	for k := range img.Encumbrance {
		keys[k] = struct{}{}
	}
	for k := range img.ActiveCredit {
		keys[k] = struct{}{}
	}
	sorted := slices.SortedFunc(maps.Keys(keys), func(a, b ledger.PositionKey) int {
		return slices.Compare(a[:], b[:])
	})

	for _, k := range sorted {
		pos := PositionSnapshot{Key: k.String()}
		if u, ok := img.Users[k]; ok {
			pos.User = &UserSnapshot{
				Principal:                  u.Principal.Dec(),
				FeeIndexCheckpoint:         u.FeeIndexCheckpoint.Dec(),
				MaintenanceIndexCheckpoint: u.MaintenanceIndexCheckpoint.Dec(),
				AccruedYield:               u.AccruedYield.Dec(),
			}
			if !u.MaintenanceOwed.IsZero() {
				pos.User.MaintenanceOwed = u.MaintenanceOwed.Dec()
			}
		}
		if e, ok := img.Encumbrance[k]; ok {
			enc := &EncumbranceSnapshot{
				DirectLocked:      e.DirectLocked.Dec(),
				DirectLent:        e.DirectLent.Dec(),
				DirectOfferEscrow: e.DirectOfferEscrow.Dec(),
				IndexEncumbered:   e.IndexEncumbered.Dec(),
			}
			if len(e.ByIndex) > 0 {
				enc.ByIndex = make(map[uint32]string, len(e.ByIndex))
				for id, v := range e.ByIndex {
					enc.ByIndex[uint32(id)] = v.Dec()
				}
			}
			pos.Encumbrance = enc
		}
		if a, ok := img.ActiveCredit[k]; ok {
			pos.ActiveCredit = &ActiveCreditSnapshot{
				Encumbrance: encodeACState(a.Encumbrance),
				Debt:        encodeACState(a.Debt),
			}
		}
		ps.Positions = append(ps.Positions, pos)
	}
	return ps
}

func encodeACState(s ledger.ActiveCreditState) ActiveCreditStateSnapshot {
	return ActiveCreditStateSnapshot{
		Principal:     s.Principal.Dec(),
		StartTime:     s.StartTime,
		IndexSnapshot: s.IndexSnapshot.Dec(),
	}
}

// decoder keeps the first error so field lists decode without a check per
// line.
type decoder struct {
	err error
}

func (d *decoder) u256(dst *uint256.Int, field, s string) {
	if d.err != nil {
		return
	}
	if s == "" {
		dst.Clear()
		return
	}
	v, err := uint256.FromDecimal(s)
	if err != nil {
		d.err = fmt.Errorf("decode %s %q: %w", field, s, err)
		return
	}
	dst.Set(v)
}

func (d *decoder) key(field, s string) ledger.PositionKey {
	if d.err != nil {
		return ledger.PositionKey{}
	}
	k, err := ledger.ParsePositionKey(s)
	if err != nil {
		d.err = fmt.Errorf("decode %s: %w", field, err)
	}
	return k
}

// DecodeSnapshot converts a stored snapshot back into engine state.
func DecodeSnapshot(data *SnapshotData) (*core.SnapshotState, error) {
	d := &decoder{}
	s := &core.SnapshotState{
		Sequence:        data.Sequence,
		ClockTime:       data.ClockTime,
		Pools:           make([]ledger.PoolImage, 0, len(data.Pools)),
		Debts:           make([]debt.Entry, 0, len(data.Debts)),
		IdempotencyKeys: data.IdempotencyKeys,
	}

	hash, err := hex.DecodeString(data.StateHash)
	if err != nil || len(hash) != len(s.StateHash) {
		return nil, fmt.Errorf("decode state hash %q: invalid", data.StateHash)
	}
	copy(s.StateHash[:], hash)

	for _, ps := range data.Pools {
		s.Pools = append(s.Pools, d.pool(ps))
	}
	for _, ds := range data.Debts {
		kind, err := debt.ParseKind(ds.Kind)
		if err != nil {
			return nil, fmt.Errorf("decode debt: %w", err)
		}
		e := debt.Entry{
			Pool:     ledger.PoolID(ds.Pool),
			Position: d.key("debt position", ds.Position),
			Kind:     kind,
		}
		d.u256(&e.Amount, "debt amount", ds.Amount)
		s.Debts = append(s.Debts, e)
	}
	if data.Treasury != nil {
		s.Treasury = make(map[string]uint256.Int, len(data.Treasury))
		for asset, dec := range data.Treasury {
			var bal uint256.Int
			d.u256(&bal, "treasury "+asset, dec)
			s.Treasury[asset] = bal
		}
	}
	if d.err != nil {
		return nil, d.err
	}
	return s, nil
}

func (d *decoder) pool(ps PoolSnapshot) ledger.PoolImage {
	img := ledger.PoolImage{
		Params: ledger.PoolParams{
			ID:                 ledger.PoolID(ps.ID),
			Underlying:         ps.Underlying,
			MaintenanceRateBps: ps.MaintenanceRateBps,
			FeeReceiver:        ps.FeeReceiver,
		},
		Users:         make(map[ledger.PositionKey]ledger.UserEntry),
		Encumbrance:   make(map[ledger.PositionKey]ledger.Encumbrance),
		ActiveCredit:  make(map[ledger.PositionKey]ledger.ActiveCreditPair),
		MaturityIndex: make(map[uint64]uint256.Int, len(ps.MaturityIndex)),
	}

	st, in := &img.State, &ps.State
	d.u256(&st.TotalDeposits, "total_deposits", in.TotalDeposits)
	d.u256(&st.TrackedBalance, "tracked_balance", in.TrackedBalance)
	d.u256(&st.YieldReserve, "yield_reserve", in.YieldReserve)
	d.u256(&st.FeeIndex, "fee_index", in.FeeIndex)
	d.u256(&st.FeeIndexRemainder, "fee_index_remainder", in.FeeIndexRemainder)
	d.u256(&st.MaintenanceIndex, "maintenance_index", in.MaintenanceIndex)
	d.u256(&st.MaintenanceIndexRemainder, "maintenance_index_remainder", in.MaintenanceIndexRemainder)
	st.LastMaintenanceEpoch = in.LastMaintenanceEpoch
	d.u256(&st.PendingMaintenance, "pending_maintenance", in.PendingMaintenance)
	d.u256(&st.MaintenanceUnsettled, "maintenance_unsettled", in.MaintenanceUnsettled)
	d.u256(&st.ActiveCreditIndex, "active_credit_index", in.ActiveCreditIndex)
	d.u256(&st.ActiveCreditIndexRemainder, "active_credit_index_remainder", in.ActiveCreditIndexRemainder)
	d.u256(&st.ActiveCreditPrincipalTotal, "active_credit_principal_total", in.ActiveCreditPrincipalTotal)
	d.u256(&st.ActiveCreditMaturedTotal, "active_credit_matured_total", in.ActiveCreditMaturedTotal)
	st.ActiveCreditPendingStartHour = in.PendingStartHour
	st.ActiveCreditPendingCursor = in.PendingCursor
	if len(in.PendingBuckets) != ledger.PendingBucketCount && d.err == nil {
		d.err = fmt.Errorf("decode pool %d: %d pending buckets", ps.ID, len(in.PendingBuckets))
	}
	for i := 0; i < len(in.PendingBuckets) && i < ledger.PendingBucketCount; i++ {
		d.u256(&st.ActiveCreditPendingBuckets[i], "pending_bucket", in.PendingBuckets[i])
	}
	for h, dec := range ps.MaturityIndex {
		var v uint256.Int
		d.u256(&v, "maturity_index", dec)
		img.MaturityIndex[h] = v
	}

	for _, pos := range ps.Positions {
		k := d.key("position", pos.Key)
		if u := pos.User; u != nil {
			var e ledger.UserEntry
			d.u256(&e.Principal, "principal", u.Principal)
			d.u256(&e.FeeIndexCheckpoint, "fee_index_checkpoint", u.FeeIndexCheckpoint)
			d.u256(&e.MaintenanceIndexCheckpoint, "maintenance_index_checkpoint", u.MaintenanceIndexCheckpoint)
			d.u256(&e.AccruedYield, "accrued_yield", u.AccruedYield)
			d.u256(&e.MaintenanceOwed, "maintenance_owed", u.MaintenanceOwed)
			img.Users[k] = e
		}
		if enc := pos.Encumbrance; enc != nil {
			var e ledger.Encumbrance
			d.u256(&e.DirectLocked, "direct_locked", enc.DirectLocked)
			d.u256(&e.DirectLent, "direct_lent", enc.DirectLent)
			d.u256(&e.DirectOfferEscrow, "direct_offer_escrow", enc.DirectOfferEscrow)
			d.u256(&e.IndexEncumbered, "index_encumbered", enc.IndexEncumbered)
			if len(enc.ByIndex) > 0 {
				e.ByIndex = make(map[ledger.IndexID]uint256.Int, len(enc.ByIndex))
				for id, dec := range enc.ByIndex {
					var v uint256.Int
					d.u256(&v, "by_index", dec)
					e.ByIndex[ledger.IndexID(id)] = v
				}
			}
			img.Encumbrance[k] = e
		}
		if ac := pos.ActiveCredit; ac != nil {
			var pair ledger.ActiveCreditPair
			d.acState(&pair.Encumbrance, ac.Encumbrance)
			d.acState(&pair.Debt, ac.Debt)
			img.ActiveCredit[k] = pair
		}
	}
	return img
}

func (d *decoder) acState(dst *ledger.ActiveCreditState, in ActiveCreditStateSnapshot) {
	d.u256(&dst.Principal, "active_credit_principal", in.Principal)
	dst.StartTime = in.StartTime
	d.u256(&dst.IndexSnapshot, "active_credit_index_snapshot", in.IndexSnapshot)
}
