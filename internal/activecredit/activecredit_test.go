package activecredit_test

import (
	"testing"

	"EqualisLedger/internal/activecredit"
	"EqualisLedger/internal/ledger"
	fpmath "EqualisLedger/internal/math"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"
)

func u(v uint64) *uint256.Int { return uint256.NewInt(v) }

// t0 is hour aligned so a start at t0 matures exactly on the 24h boundary.
const (
	t0   uint64 = 1_699_999_200
	hour uint64 = 3600
	gate        = activecredit.TimeGate
)

var (
	alice = ledger.NewPositionKey("equalis-position", 1)
	bob   = ledger.NewPositionKey("equalis-position", 2)
	carol = ledger.NewPositionKey("equalis-position", 3)
)

type clock struct{ now uint64 }

func (c *clock) Now() uint64 { return c.now }

func newPool() *ledger.Pool {
	p := ledger.NewPool(1, "USDC")
	p.LastMaintenanceEpoch = t0 / fpmath.SecondsPerDay
	return p
}

func validate(t *testing.T, p *ledger.Pool) {
	t.Helper()
	require.NoError(t, ledger.NewInvariantValidator().ValidateActiveCreditTotals(p))
}

// ============================================================================
// Test: Bucket scheduler
// ============================================================================

func TestMaturityGate_ExactBoundary(t *testing.T) {
	p := newPool()
	require.NoError(t, activecredit.ApplyEncumbranceIncrease(p, alice, u(500), t0))

	s := p.ActiveCreditView(alice).Encumbrance
	require.Equal(t, t0, s.StartTime)
	require.False(t, activecredit.IsMature(&s, t0+gate-1))
	require.True(t, activecredit.IsMature(&s, t0+gate))

	require.True(t, activecredit.MaturedBase(p, t0+gate-1).IsZero())
	require.Equal(t, u(500), activecredit.MaturedBase(p, t0+gate))

	activecredit.RollMatured(p, t0+gate-1)
	require.True(t, p.ActiveCreditMaturedTotal.IsZero())
	activecredit.RollMatured(p, t0+gate)
	require.Equal(t, u(500), &p.ActiveCreditMaturedTotal)
	validate(t, p)
}

func TestMaturityGate_StartInsideHour(t *testing.T) {
	p := newPool()
	start := t0 + 1800
	require.NoError(t, activecredit.ApplyEncumbranceIncrease(p, alice, u(500), start))

	s := p.ActiveCreditView(alice).Encumbrance
	require.Equal(t, t0/hour+25, activecredit.MaturityHour(start))
	for _, now := range []uint64{start + gate - hour, start + gate - 1800, start + gate - 1} {
		require.False(t, activecredit.IsMature(&s, now))
		require.True(t, activecredit.MaturedBase(p, now).IsZero())
	}

	// Matures at the first hour boundary after the full gate.
	require.False(t, activecredit.IsMature(&s, t0+25*hour-1))
	require.True(t, activecredit.IsMature(&s, t0+25*hour))
	require.Equal(t, u(500), activecredit.MaturedBase(p, t0+25*hour))

	activecredit.RollMatured(p, start+gate-1)
	require.True(t, p.ActiveCreditMaturedTotal.IsZero())
	activecredit.RollMatured(p, t0+25*hour)
	require.Equal(t, u(500), &p.ActiveCreditMaturedTotal)
	validate(t, p)
}

func TestRollMatured_SameHourIsNoop(t *testing.T) {
	p := newPool()
	require.Zero(t, activecredit.RollMatured(p, t0))
	require.Zero(t, activecredit.RollMatured(p, t0+hour-1))
	require.Equal(t, 1, activecredit.RollMatured(p, t0+hour))
}

func TestRollMatured_BulkFlushAfterLongGap(t *testing.T) {
	p := newPool()
	require.NoError(t, activecredit.ApplyEncumbranceIncrease(p, alice, u(100), t0))
	require.NoError(t, activecredit.ApplyEncumbranceIncrease(p, bob, u(40), t0+5*hour))
	require.Equal(t, uint8(5), p.ActiveCreditPendingCursor)

	// 95 hours elapse; every slot is flushed once rather than looped per hour.
	rolled := activecredit.RollMatured(p, t0+100*hour)
	require.Equal(t, ledger.PendingBucketCount, rolled)
	require.Equal(t, u(140), &p.ActiveCreditMaturedTotal)
	require.Equal(t, uint8(0), p.ActiveCreditPendingCursor)
	require.Equal(t, t0/hour+101, p.ActiveCreditPendingStartHour)
	for i := range p.ActiveCreditPendingBuckets {
		require.True(t, p.ActiveCreditPendingBuckets[i].IsZero(), "slot %d not flushed", i)
	}
	// Nothing accrued, so the day rollover pruned both recorded hours.
	require.Empty(t, p.MaturityHours())

	// Scheduling after the flush still matures exactly one gate later.
	require.NoError(t, activecredit.ApplyEncumbranceIncrease(p, carol, u(7), t0+100*hour))
	require.Equal(t, u(140), activecredit.MaturedBase(p, t0+124*hour-1))
	require.Equal(t, u(147), activecredit.MaturedBase(p, t0+124*hour))
	validate(t, p)
}

func TestPruneMaturityIndex_KeepsHoursStillClaimable(t *testing.T) {
	p := newPool()
	require.NoError(t, activecredit.ApplyEncumbranceIncrease(p, alice, u(1000), t0))
	require.NoError(t, activecredit.ApplyEncumbranceIncrease(p, bob, u(1000), t0+hour))

	_, err := activecredit.Accrue(p, u(100), t0+gate) // only alice mature
	require.NoError(t, err)
	activecredit.RollMatured(p, t0+gate+hour)
	_, bobsHour := p.MaturityIndex(t0/hour + 25)
	require.True(t, bobsHour)

	// Alice's hour carries the same index as her snapshot; bob's does not.
	activecredit.PruneMaturityIndex(p)
	require.Equal(t, []uint64{t0/hour + 25}, p.MaturityHours())

	require.True(t, activecredit.Settle(p, bob, t0+gate+hour).IsZero())
	require.Equal(t, 1, activecredit.PruneMaturityIndex(p))
	require.Empty(t, p.MaturityHours())

	// Pruned hours never let a settled state claim accruals from before it matured.
	require.True(t, activecredit.Settle(p, bob, t0+gate+2*hour).IsZero())
	require.Equal(t, u(100), activecredit.Settle(p, alice, t0+gate+2*hour))
	validate(t, p)
}

func TestUnschedule_UnderflowIsInvariantViolation(t *testing.T) {
	p := newPool()
	activecredit.RollMatured(p, t0)
	s := &ledger.ActiveCreditState{StartTime: t0}
	s.Principal.SetUint64(10)

	err := activecredit.Unschedule(p, s)
	require.ErrorIs(t, err, ledger.ErrInvariantViolation)
}

// ============================================================================
// Test: Weighted dilution
// ============================================================================

func TestWeightedStartTime_LargeAdditionRestartsClock(t *testing.T) {
	now := t0 + 10*gate
	start := now - gate

	got := activecredit.WeightedStartTime(u(1000), start, u(1_000_000), now)
	// 1000 * 86400 / 1_001_000 = 86
	require.Equal(t, now-86, got)
	require.Less(t, now-got, gate/500)
}

func TestWeightedStartTime_SmallTopUpKeepsCredit(t *testing.T) {
	now := t0 + 10*gate
	start := now - gate

	got := activecredit.WeightedStartTime(u(1000), start, u(1), now)
	// 1000 * 86400 / 1001 = 86313
	require.Equal(t, now-86313, got)
	require.Less(t, got-start, gate/500)
}

func TestWeightedStartTime_EdgeCases(t *testing.T) {
	now := t0
	require.Equal(t, now, activecredit.WeightedStartTime(u(0), 0, u(5), now))
	// Credit is capped at the gate.
	require.Equal(t, now-gate/2, activecredit.WeightedStartTime(u(10), now-5*gate, u(10), now))
	// A start in the future carries no credit.
	require.Equal(t, now, activecredit.WeightedStartTime(u(10), now+10, u(10), now))
}

func TestApplyIncrease_DilutionReschedules(t *testing.T) {
	p := newPool()
	require.NoError(t, activecredit.ApplyEncumbranceIncrease(p, alice, u(1000), t0))
	require.NoError(t, activecredit.ApplyEncumbranceIncrease(p, bob, u(1000), t0))

	now := t0 + gate
	require.Equal(t, u(2000), activecredit.MaturedBase(p, now))

	// Alice primes with a large deposit and loses her maturity.
	require.NoError(t, activecredit.ApplyEncumbranceIncrease(p, alice, u(1_000_000), now))
	a := p.ActiveCreditView(alice).Encumbrance
	require.Equal(t, now-86, a.StartTime)
	require.False(t, activecredit.IsMature(&a, now))
	require.Equal(t, u(1000), &p.ActiveCreditMaturedTotal)

	// Bob tops up by one and keeps almost all of his credit: he is back in
	// the matured base at the next hour boundary.
	require.NoError(t, activecredit.ApplyEncumbranceIncrease(p, bob, u(1), now))
	b := p.ActiveCreditView(bob).Encumbrance
	require.Equal(t, now-86313, b.StartTime)
	require.False(t, activecredit.IsMature(&b, now))
	require.True(t, activecredit.IsMature(&b, now+hour))
	require.True(t, p.ActiveCreditMaturedTotal.IsZero())
	require.Equal(t, u(1001), activecredit.MaturedBase(p, now+hour))
	require.Equal(t, u(1_002_001), &p.ActiveCreditPrincipalTotal)
	validate(t, p)
}

// ============================================================================
// Test: Accrual and settlement
// ============================================================================

func TestAccrue_ZeroMaturedBaseIsNoop(t *testing.T) {
	p := newPool()
	require.NoError(t, ledger.CreditPrincipal(p, alice, u(500)))
	require.NoError(t, ledger.CreditTracked(p, u(500)))

	acc, err := activecredit.Accrue(p, u(100), t0)
	require.NoError(t, err)
	require.False(t, acc.Distributed)
	require.True(t, p.ActiveCreditIndex.IsZero())
	require.True(t, p.YieldReserve.IsZero())
}

func TestAccrue_InsufficientBacking(t *testing.T) {
	p := newPool()
	require.NoError(t, ledger.CreditPrincipal(p, alice, u(10_000)))
	require.NoError(t, ledger.CreditTracked(p, u(10_000)))
	require.NoError(t, activecredit.ApplyEncumbranceIncrease(p, alice, u(100), t0))

	// Backing is tracked 10_000 + active credit 100; deposits are 10_000.
	_, err := activecredit.Accrue(p, u(101), t0+gate)
	require.ErrorIs(t, err, ledger.ErrInsufficientBacking)

	acc, err := activecredit.Accrue(p, u(100), t0+gate)
	require.NoError(t, err)
	require.True(t, acc.Distributed)
}

func TestSettle_MatureOnlyAndNoImmatureOverClaim(t *testing.T) {
	p := newPool()
	require.NoError(t, activecredit.ApplyEncumbranceIncrease(p, alice, u(1000), t0))
	require.NoError(t, activecredit.ApplyDebtIncrease(p, bob, u(1000), t0))
	require.NoError(t, activecredit.ApplyEncumbranceIncrease(p, carol, u(1000), t0+hour))

	_, err := activecredit.Accrue(p, u(100), t0+gate)
	require.NoError(t, err)
	require.Equal(t, u(50_000_000_000_000_000), &p.ActiveCreditIndex)

	require.Equal(t, u(50), activecredit.Pending(p, alice, t0+gate))
	require.Equal(t, u(50), activecredit.Settle(p, alice, t0+gate))
	require.Equal(t, u(50), activecredit.Settle(p, bob, t0+gate))
	require.True(t, activecredit.Settle(p, carol, t0+gate).IsZero())

	// Carol matures an hour later but never earns what accrued before.
	require.True(t, activecredit.Pending(p, carol, t0+gate+2*hour).IsZero())
	require.True(t, activecredit.Settle(p, carol, t0+gate+2*hour).IsZero())

	_, err = activecredit.Accrue(p, u(300), t0+gate+2*hour)
	require.NoError(t, err)
	for _, key := range []ledger.PositionKey{alice, bob, carol} {
		require.Equal(t, u(100), activecredit.Pending(p, key, t0+gate+2*hour))
		require.Equal(t, u(100), activecredit.Settle(p, key, t0+gate+2*hour))
	}

	a := p.UserView(alice)
	require.Equal(t, u(150), &a.AccruedYield)
	require.Equal(t, u(400), &p.YieldReserve)
	validate(t, p)
}

func TestSettle_LateSettleAfterMaturityUsesRolledIndex(t *testing.T) {
	p := newPool()
	require.NoError(t, activecredit.ApplyEncumbranceIncrease(p, alice, u(1000), t0))
	require.NoError(t, activecredit.ApplyEncumbranceIncrease(p, bob, u(3000), t0+3*hour))

	_, err := activecredit.Accrue(p, u(40), t0+gate) // only alice mature
	require.NoError(t, err)
	_, err = activecredit.Accrue(p, u(80), t0+gate+3*hour) // both mature
	require.NoError(t, err)

	// Bob never settled while pending: he earns only the second accrual.
	require.Equal(t, u(60), activecredit.Settle(p, bob, t0+gate+3*hour))
	require.Equal(t, u(60), activecredit.Settle(p, alice, t0+gate+3*hour))
}

// ============================================================================
// Test: Decrease and reset
// ============================================================================

func TestApplyDecrease_ToZeroResetsClock(t *testing.T) {
	p := newPool()
	require.NoError(t, activecredit.ApplyEncumbranceIncrease(p, alice, u(100), t0))
	require.NoError(t, activecredit.ApplyEncumbranceDecrease(p, alice, u(40), t0+2*hour))

	s := p.ActiveCreditView(alice).Encumbrance
	require.Equal(t, u(60), &s.Principal)
	require.Equal(t, t0, s.StartTime)

	require.NoError(t, activecredit.ApplyEncumbranceDecrease(p, alice, u(60), t0+3*hour))
	s = p.ActiveCreditView(alice).Encumbrance
	require.True(t, s.IsEmpty())
	require.Zero(t, s.StartTime)
	require.True(t, s.IndexSnapshot.IsZero())
	require.True(t, p.ActiveCreditPrincipalTotal.IsZero())

	require.NoError(t, activecredit.ApplyEncumbranceIncrease(p, alice, u(5), t0+30*hour))
	s = p.ActiveCreditView(alice).Encumbrance
	require.Equal(t, t0+30*hour, s.StartTime)
	validate(t, p)
}

func TestApplyDecrease_Underflow(t *testing.T) {
	p := newPool()
	require.NoError(t, activecredit.ApplyDebtIncrease(p, alice, u(10), t0))

	err := activecredit.ApplyDebtDecrease(p, alice, u(11), t0)
	require.ErrorIs(t, err, ledger.ErrUnderflow)
}

func TestApplyDecrease_FromMaturedTotal(t *testing.T) {
	p := newPool()
	require.NoError(t, activecredit.ApplyDebtIncrease(p, alice, u(10), t0))
	require.NoError(t, activecredit.ApplyDebtDecrease(p, alice, u(4), t0+2*gate))

	require.Equal(t, u(6), &p.ActiveCreditMaturedTotal)
	validate(t, p)
}

// ============================================================================
// Test: Encumbrance hook
// ============================================================================

func TestHook_TracksActiveCreditEncumbrance(t *testing.T) {
	p := newPool()
	c := &clock{now: t0}
	enc := ledger.NewEncumbranceLedger(activecredit.NewHook(c))

	require.NoError(t, enc.Increase(p, alice, ledger.ComponentDirectLent, u(300)))
	require.NoError(t, enc.Increase(p, alice, ledger.ComponentDirectOfferEscrow, u(200)))
	require.NoError(t, enc.EncumberIndex(p, alice, 1, u(999)))

	pair := p.ActiveCreditView(alice)
	require.Equal(t, u(500), &pair.Encumbrance.Principal)
	require.True(t, pair.Debt.IsEmpty())

	c.now = t0 + 2*hour
	require.NoError(t, enc.Decrease(p, alice, ledger.ComponentDirectOfferEscrow, u(200)))
	pair = p.ActiveCreditView(alice)
	require.Equal(t, u(300), &pair.Encumbrance.Principal)
	require.Equal(t, u(300), &p.ActiveCreditPrincipalTotal)
	validate(t, p)
}
