// Package activecredit implements the time-gated active credit index: an
// hourly ring-buffer maturity scheduler, weighted-dilution start times, and a
// remainder-carrying accrual over matured exposure only.
package activecredit

import (
	"fmt"

	"EqualisLedger/internal/ledger"

	"github.com/holiman/uint256"
)

const (
	TimeGate    uint64 = 24 * 3600
	BucketSize  uint64 = 3600
	BucketCount uint64 = TimeGate / BucketSize

	ringSize uint64 = ledger.PendingBucketCount
)

// MaturityHour is the first hour boundary at or after startTime + TimeGate.
// Exposure never matures before a full TimeGate has elapsed.
func MaturityHour(startTime uint64) uint64 {
	return (startTime + TimeGate + BucketSize - 1) / BucketSize
}

// IsMature reports whether s counts towards the matured base at now.
func IsMature(s *ledger.ActiveCreditState, now uint64) bool {
	return !s.IsEmpty() && now/BucketSize >= MaturityHour(s.StartTime)
}

// RollMatured moves every bucket whose hour has arrived into the matured
// total and returns how many slots were flushed. A gap of a full window or
// more flushes all slots in one pass. The first roll into a new day also
// prunes maturity hours no state still needs.
func RollMatured(p *ledger.Pool, now uint64) int {
	hour := now / BucketSize
	if p.ActiveCreditPendingStartHour == 0 {
		p.ActiveCreditPendingStartHour = hour + 1
		p.ActiveCreditPendingCursor = 0
		return 0
	}
	start := p.ActiveCreditPendingStartHour
	if start > hour {
		return 0
	}

	gap := hour + 1 - start
	cursor := uint64(p.ActiveCreditPendingCursor)
	rolled := int(gap)

	if gap >= ringSize {
		for i := uint64(0); i < ringSize; i++ {
			flush(p, (cursor+i)%ringSize, start+i)
		}
		cursor = (cursor + gap%ringSize) % ringSize
		rolled = int(ringSize)
	} else {
		for h := start; h <= hour; h++ {
			flush(p, cursor, h)
			cursor = (cursor + 1) % ringSize
		}
	}
	p.ActiveCreditPendingCursor = uint8(cursor)
	p.ActiveCreditPendingStartHour = hour + 1

	if hour/BucketCount > (start-1)/BucketCount {
		PruneMaturityIndex(p)
	}
	return rolled
}

// PruneMaturityIndex drops every recorded maturity hour that no state can
// still claim from. A state stops needing its hour once its snapshot has
// reached the index recorded there.
func PruneMaturityIndex(p *ledger.Pool) int {
	needed := make(map[uint64]struct{})
	for _, key := range p.ActiveCreditKeys() {
		pair := p.ActiveCreditView(key)
		for _, s := range []*ledger.ActiveCreditState{&pair.Encumbrance, &pair.Debt} {
			if s.IsEmpty() {
				continue
			}
			h := MaturityHour(s.StartTime)
			if v, ok := p.MaturityIndex(h); ok && v.Gt(&s.IndexSnapshot) {
				needed[h] = struct{}{}
			}
		}
	}

	dropped := 0
	for _, h := range p.MaturityHours() {
		if _, ok := needed[h]; !ok {
			p.DropMaturityIndex(h)
			dropped++
		}
	}
	return dropped
}

func flush(p *ledger.Pool, slot uint64, hour uint64) {
	b := &p.ActiveCreditPendingBuckets[slot]
	if b.IsZero() {
		return
	}
	p.ActiveCreditMaturedTotal.Add(&p.ActiveCreditMaturedTotal, b)
	b.Clear()
	p.SetMaturityIndex(hour, &p.ActiveCreditIndex)
}

// slotFor returns the bucket slot holding maturity hour h, or false when h
// has already rolled into the matured total.
func slotFor(p *ledger.Pool, h uint64) (uint64, bool) {
	start := p.ActiveCreditPendingStartHour
	if h < start {
		return 0, false
	}
	offset := h - start
	if offset >= ringSize {
		panic(fmt.Sprintf("FATAL: maturity hour %d beyond pending window starting at %d", h, start))
	}
	return (uint64(p.ActiveCreditPendingCursor) + offset) % ringSize, true
}

// Schedule places s's principal at its maturity location. Buckets must have
// been rolled to the current hour first.
func Schedule(p *ledger.Pool, s *ledger.ActiveCreditState) {
	if s.IsEmpty() {
		return
	}
	if slot, ok := slotFor(p, MaturityHour(s.StartTime)); ok {
		b := &p.ActiveCreditPendingBuckets[slot]
		b.Add(b, &s.Principal)
		return
	}
	p.ActiveCreditMaturedTotal.Add(&p.ActiveCreditMaturedTotal, &s.Principal)
}

// Unschedule removes s's principal from wherever Schedule put it.
func Unschedule(p *ledger.Pool, s *ledger.ActiveCreditState) error {
	if s.IsEmpty() {
		return nil
	}
	target := &p.ActiveCreditMaturedTotal
	field := "active_credit_matured_total"
	if slot, ok := slotFor(p, MaturityHour(s.StartTime)); ok {
		target = &p.ActiveCreditPendingBuckets[slot]
		field = fmt.Sprintf("active_credit_bucket[%d]", slot)
	}
	if target.Lt(&s.Principal) {
		return fmt.Errorf("unschedule %s: have %s, need %s: %w",
			field, target.Dec(), s.Principal.Dec(), ledger.ErrInvariantViolation)
	}
	target.Sub(target, &s.Principal)
	return nil
}

// MaturedBase returns the reward-eligible principal after rolling to now,
// without mutating the pool.
func MaturedBase(p *ledger.Pool, now uint64) *uint256.Int {
	base := new(uint256.Int).Set(&p.ActiveCreditMaturedTotal)
	start := p.ActiveCreditPendingStartHour
	hour := now / BucketSize
	if start == 0 || start > hour {
		return base
	}
	gap := hour + 1 - start
	if gap > ringSize {
		gap = ringSize
	}
	for i := uint64(0); i < gap; i++ {
		slot := (uint64(p.ActiveCreditPendingCursor) + i) % ringSize
		base.Add(base, &p.ActiveCreditPendingBuckets[slot])
	}
	return base
}
