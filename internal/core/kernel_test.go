package core_test

import (
	"math/rand/v2"
	"testing"

	"EqualisLedger/internal/core"
	"EqualisLedger/internal/debt"
	"EqualisLedger/internal/ledger"
	"EqualisLedger/internal/maintenance"
	"EqualisLedger/internal/observability"

	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// --- Test helpers ---

const (
	t0   uint64 = 1_699_999_200 // hour aligned
	hour uint64 = 3600
	day  uint64 = 86_400
)

const (
	usdc ledger.PoolID = 1
	dai  ledger.PoolID = 2
)

var (
	alice = ledger.NewPositionKey("equalis-position", 1)
	bob   = ledger.NewPositionKey("equalis-position", 2)
)

func u(v uint64) *uint256.Int { return uint256.NewInt(v) }

type kernelFixture struct {
	k     *core.Kernel
	clock *core.VersionedClock
	vault *maintenance.Vault
}

// newKernel registers USDC with no maintenance and DAI at 365 bps.
func newKernel(t *testing.T) *kernelFixture {
	t.Helper()
	clock := core.NewVersionedClock(t0)
	vault := maintenance.NewVault()
	metrics := observability.NewMetricsWith(prometheus.NewRegistry())
	k := core.NewKernel(clock, vault, metrics, zerolog.Nop())

	require.NoError(t, k.RegisterPool(ledger.PoolParams{ID: usdc, Underlying: "USDC", FeeReceiver: "fees"}))
	require.NoError(t, k.RegisterPool(ledger.PoolParams{ID: dai, Underlying: "DAI", MaintenanceRateBps: 365, FeeReceiver: "fees"}))
	return &kernelFixture{k: k, clock: clock, vault: vault}
}

func (f *kernelFixture) advance(t *testing.T, d uint64) {
	t.Helper()
	require.NoError(t, f.clock.Advance(f.clock.Now()+d))
}

func (f *kernelFixture) position(t *testing.T, pool ledger.PoolID, key ledger.PositionKey) core.PositionView {
	t.Helper()
	v, err := f.k.Position(pool, key)
	require.NoError(t, err)
	return v
}

func (f *kernelFixture) pool(t *testing.T, pool ledger.PoolID) core.PoolView {
	t.Helper()
	v, err := f.k.Pool(pool)
	require.NoError(t, err)
	return v
}

// --- Principal ---

func TestKernel_DepositWithdraw(t *testing.T) {
	f := newKernel(t)
	require.NoError(t, f.k.Deposit(usdc, alice, "alice-wallet", u(1000)))

	p := f.pool(t, usdc)
	require.Equal(t, u(1000), &p.State.TotalDeposits)
	require.Equal(t, u(1000), &p.State.TrackedBalance)
	require.Equal(t, u(1000), f.vault.AssetBalance("USDC"))

	require.NoError(t, f.k.Withdraw(usdc, alice, "alice-wallet", u(400)))
	require.Equal(t, *u(600), f.position(t, usdc, alice).User.Principal)
	require.Equal(t, u(400), f.vault.Sent("USDC", "alice-wallet"))
	require.NoError(t, f.k.VerifyInvariants())
}

func TestKernel_RejectsZeroAmountAndUnknownPool(t *testing.T) {
	f := newKernel(t)
	require.ErrorIs(t, f.k.Deposit(usdc, alice, "w", u(0)), ledger.ErrInvalidAmount)
	require.ErrorIs(t, f.k.Deposit(99, alice, "w", u(1)), ledger.ErrUnknownPool)
}

func TestKernel_WithdrawLimitedToAvailablePrincipal(t *testing.T) {
	f := newKernel(t)
	require.NoError(t, f.k.Deposit(usdc, alice, "w", u(1000)))
	require.NoError(t, f.k.IncreaseEncumbrance(usdc, alice, ledger.ComponentDirectLocked, u(600)))

	err := f.k.Withdraw(usdc, alice, "w", u(500))
	require.ErrorIs(t, err, ledger.ErrInsufficientPrincipal)
	require.Equal(t, *u(1000), f.position(t, usdc, alice).User.Principal)
	require.Equal(t, *u(1000), f.pool(t, usdc).State.TrackedBalance)

	require.NoError(t, f.k.Withdraw(usdc, alice, "w", u(400)))
	avail, err := f.k.AvailablePrincipal(usdc, alice)
	require.NoError(t, err)
	require.True(t, avail.IsZero())

	require.ErrorIs(t, f.k.IncreaseEncumbrance(usdc, alice, ledger.ComponentDirectLocked, u(1)), ledger.ErrInsufficientPrincipal)
}

func TestKernel_TreasuryFailureRollsBack(t *testing.T) {
	f := newKernel(t)
	require.NoError(t, f.k.Deposit(usdc, alice, "w", u(1000)))
	require.NoError(t, f.vault.Drain("USDC", u(1000)))

	before := f.pool(t, usdc).State
	err := f.k.Withdraw(usdc, alice, "w", u(100))
	require.ErrorIs(t, err, maintenance.ErrVaultInsufficient)
	require.Equal(t, before, f.pool(t, usdc).State)
	require.Equal(t, *u(1000), f.position(t, usdc, alice).User.Principal)

	// Debt lives outside the pool and is compensated on rollback.
	err = f.k.IncreaseDebt(usdc, alice, debt.KindRolling, "w", u(100))
	require.ErrorIs(t, err, maintenance.ErrVaultInsufficient)
	v := f.position(t, usdc, alice)
	require.True(t, v.Debt.IsZero())
	require.True(t, v.ActiveCredit.Debt.IsEmpty())
	require.Equal(t, before, f.pool(t, usdc).State)
	require.NoError(t, f.k.VerifyInvariants())
}

// --- Fee index ---

func TestKernel_RoundTripScenario(t *testing.T) {
	f := newKernel(t)
	require.NoError(t, f.k.Deposit(usdc, alice, "w", u(1000)))

	acc, err := f.k.CollectFee(usdc, "payer", u(100), "test")
	require.NoError(t, err)
	require.True(t, acc.Distributed)

	added, err := f.k.SettleFeeIndex(usdc, alice)
	require.NoError(t, err)
	require.Equal(t, u(100), added)
	state := f.pool(t, usdc).State
	require.True(t, state.FeeIndexRemainder.IsZero())

	require.NoError(t, f.k.Deposit(usdc, bob, "w", u(1000)))
	_, err = f.k.CollectFee(usdc, "payer", u(100), "test")
	require.NoError(t, err)

	a, err := f.k.Settle(usdc, alice)
	require.NoError(t, err)
	b, err := f.k.Settle(usdc, bob)
	require.NoError(t, err)
	require.Equal(t, u(50), a)
	require.Equal(t, u(50), b)
	require.Equal(t, *u(150), f.position(t, usdc, alice).User.AccruedYield)
	require.NoError(t, f.k.VerifyInvariants())
}

func TestKernel_AccrueFeeNeedsBacking(t *testing.T) {
	f := newKernel(t)
	require.NoError(t, f.k.Deposit(usdc, alice, "w", u(1000)))

	_, err := f.k.AccrueFee(usdc, u(100), "test")
	require.ErrorIs(t, err, ledger.ErrInsufficientBacking)
	state := f.pool(t, usdc).State
	require.True(t, state.FeeIndex.IsZero())

	acc, err := f.k.AccrueFeeWithBacking(usdc, u(100), u(100), "test")
	require.NoError(t, err)
	require.True(t, acc.Distributed)
	require.Equal(t, *u(100), f.pool(t, usdc).State.YieldReserve)
}

func TestKernel_SameAssetDebtNetsFeeBase(t *testing.T) {
	f := newKernel(t)
	require.NoError(t, f.k.Deposit(usdc, alice, "w", u(1000)))
	require.NoError(t, f.k.IncreaseDebt(usdc, alice, debt.KindDirect, "alice-wallet", u(400)))

	v := f.position(t, usdc, alice)
	require.Equal(t, u(400), &v.Debt)
	require.Equal(t, u(400), &v.ActiveCredit.Debt.Principal)
	require.Equal(t, *u(600), f.pool(t, usdc).State.TrackedBalance)

	// Active credit principal counts toward backing.
	_, err := f.k.CollectFee(usdc, "payer", u(100), "test")
	require.NoError(t, err)

	pending, err := f.k.PendingYield(usdc, alice)
	require.NoError(t, err)
	require.Equal(t, u(60), pending)

	added, err := f.k.SettleFeeIndex(usdc, alice)
	require.NoError(t, err)
	require.Equal(t, u(60), added)

	require.NoError(t, f.k.DecreaseDebt(usdc, alice, debt.KindDirect, "alice-wallet", u(400)))
	v = f.position(t, usdc, alice)
	require.True(t, v.Debt.IsZero())
	require.True(t, v.ActiveCredit.Debt.IsEmpty())
	require.NoError(t, f.k.VerifyInvariants())
}

func TestKernel_ClaimAndRollYield(t *testing.T) {
	f := newKernel(t)
	require.NoError(t, f.k.Deposit(usdc, alice, "w", u(1000)))
	_, err := f.k.CollectFee(usdc, "payer", u(100), "test")
	require.NoError(t, err)

	rolled, err := f.k.RollYieldToPrincipal(usdc, alice)
	require.NoError(t, err)
	require.Equal(t, u(100), rolled)

	p := f.pool(t, usdc)
	require.Equal(t, u(1100), &p.State.TotalDeposits)
	require.Equal(t, u(1100), &p.State.TrackedBalance)
	require.True(t, p.State.YieldReserve.IsZero())

	_, err = f.k.CollectFee(usdc, "payer", u(110), "test")
	require.NoError(t, err)
	claimed, err := f.k.ClaimYield(usdc, alice, "alice-wallet")
	require.NoError(t, err)
	require.Equal(t, u(110), claimed)
	require.Equal(t, u(110), f.vault.Sent("USDC", "alice-wallet"))

	claimed, err = f.k.ClaimYield(usdc, alice, "alice-wallet")
	require.NoError(t, err)
	require.True(t, claimed.IsZero())
	require.NoError(t, f.k.VerifyInvariants())
}

// --- Encumbrance & active credit ---

func TestKernel_EncumbranceDrivesActiveCredit(t *testing.T) {
	f := newKernel(t)
	require.NoError(t, f.k.Deposit(usdc, alice, "w", u(1000)))
	require.NoError(t, f.k.IncreaseEncumbrance(usdc, alice, ledger.ComponentDirectLent, u(500)))

	v := f.position(t, usdc, alice)
	require.Equal(t, u(500), &v.ActiveCredit.Encumbrance.Principal)
	require.Equal(t, t0, v.ActiveCredit.Encumbrance.StartTime)
	require.Equal(t, *u(500), f.pool(t, usdc).State.ActiveCreditPrincipalTotal)

	// Immature: accrual is dropped, not escrowed.
	acc, err := f.k.AccrueActiveCredit(usdc, u(100), "test")
	require.NoError(t, err)
	require.False(t, acc.Distributed)

	f.advance(t, day)
	acc, err = f.k.AccrueActiveCredit(usdc, u(100), "test")
	require.NoError(t, err)
	require.True(t, acc.Distributed)
	require.Equal(t, *u(500), f.pool(t, usdc).State.ActiveCreditMaturedTotal)

	added, err := f.k.SettleActiveCredit(usdc, alice)
	require.NoError(t, err)
	require.Equal(t, u(100), added)

	require.NoError(t, f.k.DecreaseEncumbrance(usdc, alice, ledger.ComponentDirectLent, u(500)))
	v = f.position(t, usdc, alice)
	require.True(t, v.ActiveCredit.Encumbrance.IsEmpty())
	require.Zero(t, v.ActiveCredit.Encumbrance.StartTime)
	acpt := f.pool(t, usdc).State.ActiveCreditPrincipalTotal
	require.True(t, acpt.IsZero())
	require.NoError(t, f.k.VerifyInvariants())
}

func TestKernel_ZeroMaturedBaseIsNoOp(t *testing.T) {
	f := newKernel(t)
	require.NoError(t, f.k.Deposit(usdc, alice, "w", u(500)))

	acc, err := f.k.AccrueActiveCredit(usdc, u(100), "test")
	require.NoError(t, err)
	require.False(t, acc.Distributed)

	p := f.pool(t, usdc)
	require.True(t, p.State.ActiveCreditIndex.IsZero())
	require.True(t, p.State.YieldReserve.IsZero())
}

func TestKernel_ReleaseOfferEscrowClamps(t *testing.T) {
	f := newKernel(t)
	require.NoError(t, f.k.Deposit(usdc, alice, "w", u(1000)))
	require.NoError(t, f.k.IncreaseEncumbrance(usdc, alice, ledger.ComponentDirectOfferEscrow, u(100)))

	released, err := f.k.ReleaseOfferEscrow(usdc, alice, u(250))
	require.NoError(t, err)
	require.Equal(t, u(100), released)

	released, err = f.k.ReleaseOfferEscrow(usdc, alice, u(250))
	require.NoError(t, err)
	require.True(t, released.IsZero())

	// The primitive itself never clamps.
	err = f.k.DecreaseEncumbrance(usdc, alice, ledger.ComponentDirectOfferEscrow, u(1))
	require.ErrorIs(t, err, ledger.ErrUnderflow)
}

func TestKernel_IndexEncumbrance(t *testing.T) {
	f := newKernel(t)
	require.NoError(t, f.k.Deposit(usdc, alice, "w", u(1000)))
	require.NoError(t, f.k.EncumberIndex(usdc, alice, 7, u(200)))

	v := f.position(t, usdc, alice)
	require.Equal(t, u(200), &v.Encumbrance.IndexEncumbered)
	require.Equal(t, u(200), v.Encumbrance.Index(7))
	acpt := f.pool(t, usdc).State.ActiveCreditPrincipalTotal
	require.True(t, acpt.IsZero())

	require.ErrorIs(t, f.k.UnencumberIndex(usdc, alice, 7, u(300)), ledger.ErrUnderflow)
	require.ErrorIs(t, f.k.UnencumberIndex(usdc, alice, 8, u(1)), ledger.ErrUnderflow)
	require.ErrorIs(t, f.k.IncreaseEncumbrance(usdc, alice, ledger.ComponentIndexEncumbered, u(1)), core.ErrIndexComponent)

	require.NoError(t, f.k.UnencumberIndex(usdc, alice, 7, u(200)))
	v = f.position(t, usdc, alice)
	require.True(t, v.Encumbrance.Total().IsZero())
}

// --- Maintenance ---

func TestKernel_MaintenanceAccrueSettlePay(t *testing.T) {
	f := newKernel(t)
	require.NoError(t, f.k.Deposit(dai, alice, "w", u(100_000)))

	// 365 bps a year is one bp a day.
	f.advance(t, 2*day)
	paid, err := f.k.PayMaintenance(dai)
	require.NoError(t, err)
	require.Equal(t, u(20), paid)
	require.Equal(t, u(20), f.vault.Sent("DAI", "fees"))

	p := f.pool(t, dai)
	require.Equal(t, u(99_980), &p.State.TotalDeposits)
	require.Equal(t, u(99_980), &p.State.TrackedBalance)
	require.True(t, p.State.PendingMaintenance.IsZero())
	require.False(t, p.State.MaintenanceIndex.IsZero())

	reduced, err := f.k.SettleMaintenance(dai, alice)
	require.NoError(t, err)
	require.Equal(t, u(20), reduced)
	require.Equal(t, *u(99_980), f.position(t, dai, alice).User.Principal)

	// Same day: nothing further accrues.
	accrued, err := f.k.EnforceMaintenance(dai)
	require.NoError(t, err)
	require.True(t, accrued.IsZero())
}

func TestKernel_MaintenancePayoutShortfallStaysPending(t *testing.T) {
	f := newKernel(t)
	require.NoError(t, f.k.Deposit(dai, alice, "w", u(100_000)))
	require.NoError(t, f.vault.Drain("DAI", u(99_995)))

	f.advance(t, 2*day)
	paid, err := f.k.PayMaintenance(dai)
	require.NoError(t, err)
	require.Equal(t, u(5), paid)

	p := f.pool(t, dai)
	require.Equal(t, u(15), &p.State.PendingMaintenance)
	require.Equal(t, u(99_995), &p.State.TrackedBalance)

	f.advance(t, hour)
	paid, err = f.k.PayMaintenance(dai)
	require.NoError(t, err)
	require.True(t, paid.IsZero())
}

func TestKernel_MaintenanceNeverCutsEncumberedPrincipal(t *testing.T) {
	f := newKernel(t)
	require.NoError(t, f.k.Deposit(dai, alice, "w", u(1000)))
	require.NoError(t, f.k.IncreaseEncumbrance(dai, alice, ledger.ComponentDirectLocked, u(1000)))

	f.advance(t, 30*day)
	_, err := f.k.Settle(dai, alice)
	require.NoError(t, err)

	v := f.position(t, dai, alice)
	require.Equal(t, *u(1000), v.User.Principal)
	require.Equal(t, *u(3), v.User.MaintenanceOwed)
	require.True(t, v.Available.IsZero())
	p := f.pool(t, dai)
	require.Equal(t, u(997), &p.State.TotalDeposits)
	require.Equal(t, u(3), &p.State.MaintenanceUnsettled)
	require.NoError(t, f.k.VerifyInvariants())

	require.ErrorIs(t, f.k.Withdraw(dai, alice, "w", u(1)), ledger.ErrInsufficientPrincipal)

	// Once unlocked, the owed maintenance is taken before the withdrawal.
	require.NoError(t, f.k.DecreaseEncumbrance(dai, alice, ledger.ComponentDirectLocked, u(1000)))
	require.ErrorIs(t, f.k.Withdraw(dai, alice, "w", u(998)), ledger.ErrInsufficientPrincipal)
	require.NoError(t, f.k.Withdraw(dai, alice, "w", u(997)))

	v = f.position(t, dai, alice)
	require.True(t, v.User.Principal.IsZero())
	require.True(t, v.User.MaintenanceOwed.IsZero())
	p = f.pool(t, dai)
	require.True(t, p.State.TotalDeposits.IsZero())
	require.True(t, p.State.MaintenanceUnsettled.IsZero())
	require.Equal(t, u(3), &p.State.PendingMaintenance)
	require.NoError(t, f.k.VerifyInvariants())
}

func TestMaxBorrowable(t *testing.T) {
	require.Equal(t, u(750), core.MaxBorrowable(u(1000), 7500))
	require.True(t, core.MaxBorrowable(u(1000), 0).IsZero())
}

// --- Properties over random sequences ---

func TestKernel_RandomSequenceKeepsInvariants(t *testing.T) {
	f := newKernel(t)
	rng := rand.New(rand.NewPCG(7, 11))
	keys := []ledger.PositionKey{alice, bob, ledger.NewPositionKey("equalis-position", 3)}
	components := []ledger.Component{ledger.ComponentDirectLocked, ledger.ComponentDirectLent, ledger.ComponentDirectOfferEscrow}

	for _, pool := range []ledger.PoolID{usdc, dai} {
		require.NoError(t, f.k.Deposit(pool, alice, "w", u(1_000_000)))
	}

	prev := map[ledger.PoolID]ledger.PoolState{}
	for i := 0; i < 2000; i++ {
		pool := []ledger.PoolID{usdc, dai}[rng.IntN(2)]
		key := keys[rng.IntN(len(keys))]
		amount := u(rng.Uint64N(5000) + 1)

		// Rejections are expected; only committed state is checked.
		switch rng.IntN(10) {
		case 0:
			_ = f.k.Deposit(pool, key, "w", amount)
		case 1:
			_ = f.k.Withdraw(pool, key, "w", amount)
		case 2:
			_, _ = f.k.CollectFee(pool, "payer", amount, "random")
		case 3:
			_, _ = f.k.AccrueActiveCredit(pool, amount, "random")
		case 4:
			_ = f.k.IncreaseEncumbrance(pool, key, components[rng.IntN(3)], amount)
		case 5:
			_ = f.k.DecreaseEncumbrance(pool, key, components[rng.IntN(3)], amount)
		case 6:
			_ = f.k.IncreaseDebt(pool, key, debt.KindRolling, "w", amount)
		case 7:
			_ = f.k.DecreaseDebt(pool, key, debt.KindRolling, "w", amount)
		case 8:
			_, _ = f.k.Settle(pool, key)
		case 9:
			f.advance(t, rng.Uint64N(6*hour))
		}

		for _, id := range []ledger.PoolID{usdc, dai} {
			s := f.pool(t, id).State
			if before, ok := prev[id]; ok {
				require.False(t, s.FeeIndex.Lt(&before.FeeIndex))
				require.False(t, s.MaintenanceIndex.Lt(&before.MaintenanceIndex))
				require.False(t, s.ActiveCreditIndex.Lt(&before.ActiveCreditIndex))
			}
			prev[id] = s
		}
		for _, id := range []ledger.PoolID{usdc, dai} {
			for _, k := range keys {
				v := f.position(t, id, k)
				require.False(t, v.Encumbrance.Total().Gt(&v.User.Principal), "pool %d position %s over-encumbered at step %d", id, k, i)
			}
		}
	}
	require.NoError(t, f.k.VerifyInvariants())
}
