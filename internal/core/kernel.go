package core

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"EqualisLedger/internal/activecredit"
	"EqualisLedger/internal/debt"
	"EqualisLedger/internal/feeindex"
	"EqualisLedger/internal/ledger"
	"EqualisLedger/internal/maintenance"
	fpmath "EqualisLedger/internal/math"
	"EqualisLedger/internal/observability"

	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
)

// ErrIndexComponent is returned when index encumbrance is requested through
// the component API instead of EncumberIndex / UnencumberIndex.
var ErrIndexComponent = errors.New("core: index encumbrance requires an index id")

// Kernel is the collaborator-facing API over the pool arena. Every call runs
// inside one pool checkpoint: it commits fully or leaves no trace.
// Not thread-safe: owned by the single-threaded engine.
type Kernel struct {
	pools     *ledger.Registry
	debts     *debt.Registry
	enc       *ledger.EncumbranceLedger
	treasury  maintenance.Treasury
	clock     Clock
	validator *ledger.InvariantValidator
	metrics   *observability.Metrics
	log       zerolog.Logger

	// compensations for state outside the pool checkpoint
	undo []func()
	last Effect
}

// Effect names the pool and positions the last committed call mutated.
type Effect struct {
	Pool    ledger.PoolID
	Touched []ledger.PositionKey
}

func NewKernel(clock Clock, treasury maintenance.Treasury, metrics *observability.Metrics, log zerolog.Logger) *Kernel {
	return &Kernel{
		pools:     ledger.NewRegistry(),
		debts:     debt.NewRegistry(),
		enc:       ledger.NewEncumbranceLedger(activecredit.NewHook(clock)),
		treasury:  treasury,
		clock:     clock,
		validator: ledger.NewInvariantValidator(),
		metrics:   metrics,
		log:       log,
	}
}

// RegisterPool creates a pool whose maintenance clock starts today.
func (k *Kernel) RegisterPool(params ledger.PoolParams) error {
	_, err := k.pools.Register(params, k.clock.Now()/fpmath.SecondsPerDay)
	return err
}

// LastEffect returns what the last committed call touched.
func (k *Kernel) LastEffect() Effect {
	return k.last
}

// === Principal ===

// Deposit credits principal and pulls the assets from the depositor.
func (k *Kernel) Deposit(poolID ledger.PoolID, key ledger.PositionKey, from string, amount *uint256.Int) error {
	return k.run("deposit", poolID, []ledger.PositionKey{key}, func(p *ledger.Pool, now uint64) error {
		if err := positive(amount); err != nil {
			return err
		}
		k.settleAll(p, key, now)
		if err := ledger.CreditPrincipal(p, key, amount); err != nil {
			return err
		}
		if err := ledger.CreditTracked(p, amount); err != nil {
			return err
		}
		return k.treasury.Pull(p.Underlying, from, amount)
	})
}

// Withdraw pays out unencumbered principal.
func (k *Kernel) Withdraw(poolID ledger.PoolID, key ledger.PositionKey, to string, amount *uint256.Int) error {
	return k.run("withdraw", poolID, []ledger.PositionKey{key}, func(p *ledger.Pool, now uint64) error {
		if err := positive(amount); err != nil {
			return err
		}
		k.settleAll(p, key, now)
		if err := requireAvailable(p, key, amount); err != nil {
			return err
		}
		if err := ledger.DebitPrincipal(p, key, amount); err != nil {
			return err
		}
		if err := ledger.DebitTracked(p, amount); err != nil {
			return err
		}
		return k.treasury.Transfer(p.Underlying, to, amount)
	})
}

// ClaimYield settles key and pays out all of its accrued yield.
func (k *Kernel) ClaimYield(poolID ledger.PoolID, key ledger.PositionKey, to string) (*uint256.Int, error) {
	claimed := new(uint256.Int)
	err := k.run("claim_yield", poolID, []ledger.PositionKey{key}, func(p *ledger.Pool, now uint64) error {
		k.settleAll(p, key, now)
		u := p.UserView(key)
		if u.AccruedYield.IsZero() {
			return nil
		}
		claimed.Set(&u.AccruedYield)
		if err := ledger.ReleaseYield(p, key, claimed); err != nil {
			return err
		}
		if err := ledger.DebitTracked(p, claimed); err != nil {
			return err
		}
		return k.treasury.Transfer(p.Underlying, to, claimed)
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// RollYieldToPrincipal compounds key's accrued yield into principal. The
// assets stay in the pool; the reserve liability becomes a deposit.
func (k *Kernel) RollYieldToPrincipal(poolID ledger.PoolID, key ledger.PositionKey) (*uint256.Int, error) {
	rolled := new(uint256.Int)
	err := k.run("roll_yield", poolID, []ledger.PositionKey{key}, func(p *ledger.Pool, now uint64) error {
		k.settleAll(p, key, now)
		u := p.UserView(key)
		if u.AccruedYield.IsZero() {
			return nil
		}
		rolled.Set(&u.AccruedYield)
		if err := ledger.ReleaseYield(p, key, rolled); err != nil {
			return err
		}
		return ledger.CreditPrincipal(p, key, rolled)
	})
	if err != nil {
		return nil, err
	}
	return rolled, nil
}

// === Settlement ===

func (k *Kernel) SettleFeeIndex(poolID ledger.PoolID, key ledger.PositionKey) (*uint256.Int, error) {
	added := new(uint256.Int)
	err := k.run("settle_fee_index", poolID, []ledger.PositionKey{key}, func(p *ledger.Pool, now uint64) error {
		maintenance.Enforce(p, now)
		added.Set(feeindex.Settle(p, key, k.debts))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return added, nil
}

// SettleMaintenance applies key's pending maintenance reduction and returns it.
func (k *Kernel) SettleMaintenance(poolID ledger.PoolID, key ledger.PositionKey) (*uint256.Int, error) {
	reduced := new(uint256.Int)
	err := k.run("settle_maintenance", poolID, []ledger.PositionKey{key}, func(p *ledger.Pool, now uint64) error {
		maintenance.Enforce(p, now)
		reduced.Set(maintenance.SettlePosition(p, key))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return reduced, nil
}

func (k *Kernel) SettleActiveCredit(poolID ledger.PoolID, key ledger.PositionKey) (*uint256.Int, error) {
	added := new(uint256.Int)
	err := k.run("settle_active_credit", poolID, nil, func(p *ledger.Pool, now uint64) error {
		added.Set(activecredit.Settle(p, key, now))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return added, nil
}

// Settle runs maintenance, fee index and active credit settlement in that
// order and returns the yield added.
func (k *Kernel) Settle(poolID ledger.PoolID, key ledger.PositionKey) (*uint256.Int, error) {
	added := new(uint256.Int)
	err := k.run("settle", poolID, []ledger.PositionKey{key}, func(p *ledger.Pool, now uint64) error {
		added.Set(k.settleAll(p, key, now))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return added, nil
}

func (k *Kernel) settleAll(p *ledger.Pool, key ledger.PositionKey, now uint64) *uint256.Int {
	maintenance.Enforce(p, now)
	added := feeindex.Settle(p, key, k.debts)
	return added.Add(added, activecredit.Settle(p, key, now))
}

// === Accrual ===

func (k *Kernel) AccrueFee(poolID ledger.PoolID, amount *uint256.Int, source string) (ledger.Accrual, error) {
	var acc ledger.Accrual
	err := k.run("accrue_fee", poolID, nil, func(p *ledger.Pool, now uint64) error {
		var err error
		acc, err = feeindex.Accrue(p, amount, now)
		return err
	})
	if err != nil {
		return ledger.Accrual{}, err
	}
	k.recordAccrual("fee", poolID, source, acc)
	return acc, nil
}

// AccrueFeeWithBacking accrues with extra in place of active credit
// principal in the backing check.
func (k *Kernel) AccrueFeeWithBacking(poolID ledger.PoolID, amount, extra *uint256.Int, source string) (ledger.Accrual, error) {
	var acc ledger.Accrual
	err := k.run("accrue_fee", poolID, nil, func(p *ledger.Pool, now uint64) error {
		var err error
		acc, err = feeindex.AccrueWithBacking(p, amount, extra, now)
		return err
	})
	if err != nil {
		return ledger.Accrual{}, err
	}
	k.recordAccrual("fee", poolID, source, acc)
	return acc, nil
}

// CollectFee pulls a fee from the payer into the pool and distributes it
// through the fee index.
func (k *Kernel) CollectFee(poolID ledger.PoolID, from string, amount *uint256.Int, source string) (ledger.Accrual, error) {
	var acc ledger.Accrual
	err := k.run("collect_fee", poolID, nil, func(p *ledger.Pool, now uint64) error {
		if err := positive(amount); err != nil {
			return err
		}
		if err := ledger.CreditTracked(p, amount); err != nil {
			return err
		}
		var err error
		if acc, err = feeindex.Accrue(p, amount, now); err != nil {
			return err
		}
		return k.treasury.Pull(p.Underlying, from, amount)
	})
	if err != nil {
		return ledger.Accrual{}, err
	}
	k.recordAccrual("fee", poolID, source, acc)
	return acc, nil
}

func (k *Kernel) AccrueActiveCredit(poolID ledger.PoolID, amount *uint256.Int, source string) (ledger.Accrual, error) {
	var acc ledger.Accrual
	err := k.run("accrue_active_credit", poolID, nil, func(p *ledger.Pool, now uint64) error {
		var err error
		acc, err = activecredit.Accrue(p, amount, now)
		return err
	})
	if err != nil {
		return ledger.Accrual{}, err
	}
	k.recordAccrual("active_credit", poolID, source, acc)
	return acc, nil
}

func (k *Kernel) recordAccrual(index string, poolID ledger.PoolID, source string, acc ledger.Accrual) {
	k.log.Debug().
		Str("index", index).
		Uint32("pool", uint32(poolID)).
		Str("source", source).
		Str("amount", acc.Amount.Dec()).
		Str("delta", acc.Delta.Dec()).
		Bool("distributed", acc.Distributed).
		Msg("accrual")

	if k.metrics == nil || acc.Amount.IsZero() {
		return
	}
	pool := strconv.FormatUint(uint64(poolID), 10)
	switch {
	case index == "fee" && acc.Distributed:
		k.metrics.FeeAccrued.WithLabelValues(pool, source).Inc()
	case acc.Distributed:
		k.metrics.ActiveCreditAccrued.WithLabelValues(pool, source).Inc()
	case index == "active_credit":
		k.metrics.ActiveCreditDropped.WithLabelValues(pool, source).Inc()
	}
}

// === Encumbrance ===

// IncreaseEncumbrance locks part of key's available principal.
func (k *Kernel) IncreaseEncumbrance(poolID ledger.PoolID, key ledger.PositionKey, c ledger.Component, amount *uint256.Int) error {
	return k.run("encumber", poolID, []ledger.PositionKey{key}, func(p *ledger.Pool, now uint64) error {
		if c == ledger.ComponentIndexEncumbered {
			return ErrIndexComponent
		}
		if err := positive(amount); err != nil {
			return err
		}
		k.settleAll(p, key, now)
		if err := requireAvailable(p, key, amount); err != nil {
			return err
		}
		return k.enc.Increase(p, key, c, amount)
	})
}

func (k *Kernel) DecreaseEncumbrance(poolID ledger.PoolID, key ledger.PositionKey, c ledger.Component, amount *uint256.Int) error {
	return k.run("unencumber", poolID, nil, func(p *ledger.Pool, now uint64) error {
		if c == ledger.ComponentIndexEncumbered {
			return ErrIndexComponent
		}
		if err := positive(amount); err != nil {
			return err
		}
		return k.enc.Decrease(p, key, c, amount)
	})
}

// ReleaseOfferEscrow releases up to amount of escrowed offer principal and
// returns what was released. The ledger itself never clamps; this call site
// clamps before decreasing.
func (k *Kernel) ReleaseOfferEscrow(poolID ledger.PoolID, key ledger.PositionKey, amount *uint256.Int) (*uint256.Int, error) {
	released := new(uint256.Int)
	err := k.run("release_offer_escrow", poolID, nil, func(p *ledger.Pool, now uint64) error {
		e := p.EncumbranceView(key)
		released.Set(fpmath.Min(amount, e.Get(ledger.ComponentDirectOfferEscrow)))
		if released.IsZero() {
			return nil
		}
		return k.enc.Decrease(p, key, ledger.ComponentDirectOfferEscrow, released)
	})
	if err != nil {
		return nil, err
	}
	return released, nil
}

func (k *Kernel) EncumberIndex(poolID ledger.PoolID, key ledger.PositionKey, id ledger.IndexID, amount *uint256.Int) error {
	return k.run("encumber_index", poolID, []ledger.PositionKey{key}, func(p *ledger.Pool, now uint64) error {
		if err := positive(amount); err != nil {
			return err
		}
		k.settleAll(p, key, now)
		if err := requireAvailable(p, key, amount); err != nil {
			return err
		}
		return k.enc.EncumberIndex(p, key, id, amount)
	})
}

func (k *Kernel) UnencumberIndex(poolID ledger.PoolID, key ledger.PositionKey, id ledger.IndexID, amount *uint256.Int) error {
	return k.run("unencumber_index", poolID, nil, func(p *ledger.Pool, now uint64) error {
		if err := positive(amount); err != nil {
			return err
		}
		return k.enc.UnencumberIndex(p, key, id, amount)
	})
}

// === Same-asset debt ===

// IncreaseDebt lends pool assets to key. The fee checkpoint is settled
// first because debt changes the fee base.
func (k *Kernel) IncreaseDebt(poolID ledger.PoolID, key ledger.PositionKey, kind debt.Kind, to string, amount *uint256.Int) error {
	return k.run("borrow", poolID, []ledger.PositionKey{key}, func(p *ledger.Pool, now uint64) error {
		if err := positive(amount); err != nil {
			return err
		}
		maintenance.Enforce(p, now)
		feeindex.Settle(p, key, k.debts)
		if err := ledger.DebitTracked(p, amount); err != nil {
			return err
		}
		prev := k.debts.Outstanding(p.ID, key, kind)
		if err := k.debts.Borrow(p, key, kind, amount, now); err != nil {
			return err
		}
		k.onRollback(func() { k.debts.Set(poolID, key, kind, prev) })
		return k.treasury.Transfer(p.Underlying, to, amount)
	})
}

// DecreaseDebt records a repayment pulled from the payer.
func (k *Kernel) DecreaseDebt(poolID ledger.PoolID, key ledger.PositionKey, kind debt.Kind, from string, amount *uint256.Int) error {
	return k.run("repay", poolID, []ledger.PositionKey{key}, func(p *ledger.Pool, now uint64) error {
		if err := positive(amount); err != nil {
			return err
		}
		maintenance.Enforce(p, now)
		feeindex.Settle(p, key, k.debts)
		prev := k.debts.Outstanding(p.ID, key, kind)
		if err := k.debts.Repay(p, key, kind, amount, now); err != nil {
			return err
		}
		k.onRollback(func() { k.debts.Set(poolID, key, kind, prev) })
		if err := ledger.CreditTracked(p, amount); err != nil {
			return err
		}
		return k.treasury.Pull(p.Underlying, from, amount)
	})
}

// === Maintenance ===

func (k *Kernel) EnforceMaintenance(poolID ledger.PoolID) (*uint256.Int, error) {
	accrued := new(uint256.Int)
	err := k.run("enforce_maintenance", poolID, nil, func(p *ledger.Pool, now uint64) error {
		accrued.Set(maintenance.Enforce(p, now))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return accrued, nil
}

// PayMaintenance enforces, then pays pending maintenance to the fee
// receiver as far as liquidity allows.
func (k *Kernel) PayMaintenance(poolID ledger.PoolID) (*uint256.Int, error) {
	paid := new(uint256.Int)
	err := k.run("pay_maintenance", poolID, nil, func(p *ledger.Pool, now uint64) error {
		maintenance.Enforce(p, now)
		amount, err := maintenance.Payout(p, k.treasury)
		if err != nil {
			return err
		}
		paid.Set(amount)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if k.metrics != nil && !paid.IsZero() {
		k.metrics.MaintenancePaid.WithLabelValues(strconv.FormatUint(uint64(poolID), 10)).Inc()
	}
	return paid, nil
}

// === Views ===

// PositionView is a read-only copy of everything the kernel holds for one
// position.
type PositionView struct {
	Pool                     ledger.PoolID
	Key                      ledger.PositionKey
	User                     ledger.UserEntry
	Encumbrance              ledger.Encumbrance
	ActiveCredit             ledger.ActiveCreditPair
	Debt                     uint256.Int
	Available                uint256.Int
	PendingFeeYield          uint256.Int
	PendingActiveCreditYield uint256.Int
}

// PoolView is a read-only copy of a pool's parameters and scalars.
type PoolView struct {
	Params    ledger.PoolParams
	State     ledger.PoolState
	Positions int
}

func (k *Kernel) Position(poolID ledger.PoolID, key ledger.PositionKey) (PositionView, error) {
	p, err := k.pools.Get(poolID)
	if err != nil {
		return PositionView{}, err
	}
	v := PositionView{
		Pool:         poolID,
		Key:          key,
		User:         p.UserView(key),
		Encumbrance:  p.EncumbranceView(key),
		ActiveCredit: p.ActiveCreditView(key),
	}
	v.Debt.Set(k.debts.SameAssetDebt(poolID, key))
	v.Available.Set(ledger.AvailablePrincipal(p, key))
	v.PendingFeeYield.Set(feeindex.PendingYield(p, key, k.debts))
	v.PendingActiveCreditYield.Set(activecredit.Pending(p, key, k.clock.Now()))
	return v, nil
}

func (k *Kernel) Pool(poolID ledger.PoolID) (PoolView, error) {
	p, err := k.pools.Get(poolID)
	if err != nil {
		return PoolView{}, err
	}
	return PoolView{
		Params: ledger.PoolParams{
			ID:                 p.ID,
			Underlying:         p.Underlying,
			MaintenanceRateBps: p.MaintenanceRateBps,
			FeeReceiver:        p.FeeReceiver,
		},
		State:     p.PoolState,
		Positions: len(p.Positions()),
	}, nil
}

// PendingYield is the fee and active credit yield key would receive if
// settled now, excluding maintenance not yet enforced.
func (k *Kernel) PendingYield(poolID ledger.PoolID, key ledger.PositionKey) (*uint256.Int, error) {
	p, err := k.pools.Get(poolID)
	if err != nil {
		return nil, err
	}
	total := feeindex.PendingYield(p, key, k.debts)
	return total.Add(total, activecredit.Pending(p, key, k.clock.Now())), nil
}

func (k *Kernel) AvailablePrincipal(poolID ledger.PoolID, key ledger.PositionKey) (*uint256.Int, error) {
	p, err := k.pools.Get(poolID)
	if err != nil {
		return nil, err
	}
	return ledger.AvailablePrincipal(p, key), nil
}

// MaxBorrowable is floor(principal * ltvBps / 10_000).
func MaxBorrowable(principal *uint256.Int, ltvBps uint64) *uint256.Int {
	return fpmath.ApplyBps(principal, ltvBps)
}

// PoolIDs lists registered pools in ascending order.
func (k *Kernel) PoolIDs() []ledger.PoolID {
	return k.pools.IDs()
}

// VerifyInvariants runs every invariant check over every pool.
func (k *Kernel) VerifyInvariants() error {
	var errs []error
	for _, id := range k.pools.IDs() {
		p, _ := k.pools.Get(id)
		errs = append(errs, k.validator.ValidateAll(p))
	}
	return errors.Join(errs...)
}

// === Snapshot ===

// Images exports every pool in id order.
func (k *Kernel) Images() []ledger.PoolImage {
	ids := k.pools.IDs()
	out := make([]ledger.PoolImage, 0, len(ids))
	for _, id := range ids {
		p, _ := k.pools.Get(id)
		out = append(out, p.Export())
	}
	return out
}

func (k *Kernel) Debts() []debt.Entry {
	return k.debts.Entries()
}

// Restore replaces all pools and debts.
func (k *Kernel) Restore(images []ledger.PoolImage, debts []debt.Entry) {
	k.pools = ledger.NewRegistry()
	for _, img := range images {
		k.pools.Put(ledger.ImportPool(img))
	}
	k.debts.Restore(debts)
}

// pool returns a registered pool for digesting and tests.
func (k *Kernel) pool(id ledger.PoolID) (*ledger.Pool, error) {
	return k.pools.Get(id)
}

// === Execution ===

// run executes fn inside a checkpoint on the pool. On error the pool is
// rolled back and compensations run in reverse. After a successful call the
// invariants must hold; a violation is a programming error.
func (k *Kernel) run(op string, poolID ledger.PoolID, bounded []ledger.PositionKey, fn func(p *ledger.Pool, now uint64) error) error {
	start := time.Now()
	k.undo = k.undo[:0]

	p, err := k.pools.Get(poolID)
	if err != nil {
		k.recordRejected(op, err)
		return fmt.Errorf("%s: %w", op, err)
	}

	cp := p.Begin()
	if err := fn(p, k.clock.Now()); err != nil {
		cp.Rollback()
		for i := len(k.undo) - 1; i >= 0; i-- {
			k.undo[i]()
		}
		k.undo = k.undo[:0]
		k.recordRejected(op, err)
		return fmt.Errorf("%s on pool %d: %w", op, poolID, err)
	}
	k.undo = k.undo[:0]

	before := cp.Before()
	if err := k.postCheck(p, before, bounded); err != nil {
		panic(fmt.Sprintf("FATAL: invariant violated: %s on pool %d: %v", op, poolID, err))
	}
	k.last = Effect{Pool: p.ID, Touched: cp.Touched()}
	cp.Commit()

	if k.metrics != nil {
		pool := strconv.FormatUint(uint64(poolID), 10)
		k.metrics.KernelOpsApplied.WithLabelValues(op).Inc()
		k.metrics.KernelOpDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
		if before.ActiveCreditPendingStartHour != 0 && p.ActiveCreditPendingStartHour > before.ActiveCreditPendingStartHour {
			rolled := p.ActiveCreditPendingStartHour - before.ActiveCreditPendingStartHour
			k.metrics.ActiveCreditBucketRoll.WithLabelValues(pool).Add(float64(rolled))
		}
		if p.MaintenanceIndex.Gt(&before.MaintenanceIndex) {
			k.metrics.MaintenanceEnforced.WithLabelValues(pool).Inc()
		}
	}
	return nil
}

func (k *Kernel) onRollback(f func()) {
	k.undo = append(k.undo, f)
}

func (k *Kernel) postCheck(p *ledger.Pool, before ledger.PoolState, bounded []ledger.PositionKey) error {
	errs := []error{
		k.validator.ValidateMonotonic(p, before),
		k.validator.ValidateConservation(p),
		k.validator.ValidateActiveCreditTotals(p),
	}
	for _, key := range bounded {
		errs = append(errs, k.validator.ValidateEncumbranceBound(p, key))
	}
	return errors.Join(errs...)
}

func (k *Kernel) recordRejected(op string, err error) {
	k.log.Debug().Str("op", op).Err(err).Msg("kernel call rolled back")
	if k.metrics != nil {
		k.metrics.KernelOpsRejected.WithLabelValues(op, rejectReason(err)).Inc()
	}
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, ledger.ErrUnderflow):
		return "underflow"
	case errors.Is(err, ledger.ErrInsufficientBacking):
		return "insufficient_backing"
	case errors.Is(err, ledger.ErrInsufficientPrincipal):
		return "insufficient_principal"
	case errors.Is(err, ledger.ErrUnknownPool):
		return "unknown_pool"
	case errors.Is(err, ledger.ErrInvalidAmount):
		return "invalid_amount"
	case errors.Is(err, ledger.ErrOverflow):
		return "overflow"
	case errors.Is(err, maintenance.ErrVaultInsufficient):
		return "treasury"
	default:
		return "other"
	}
}

func positive(amount *uint256.Int) error {
	if amount == nil || amount.IsZero() {
		return ledger.ErrInvalidAmount
	}
	return nil
}

func requireAvailable(p *ledger.Pool, key ledger.PositionKey, amount *uint256.Int) error {
	avail := ledger.AvailablePrincipal(p, key)
	if avail.Lt(amount) {
		return fmt.Errorf("requested %s with %s available: %w", amount.Dec(), avail.Dec(), ledger.ErrInsufficientPrincipal)
	}
	return nil
}
