package core

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"EqualisLedger/internal/debt"
	"EqualisLedger/internal/event"
	"EqualisLedger/internal/ledger"
	"EqualisLedger/internal/maintenance"
	"EqualisLedger/internal/observability"

	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
)

var (
	// ErrCommandRejected wraps every business rejection. The command left no
	// trace and must not be retried.
	ErrCommandRejected = errors.New("core: command rejected")
	ErrHashMismatch    = errors.New("core: replayed state hash mismatch")
)

// Engine is the single-threaded command processor in front of the kernel.
type Engine struct {
	sequence    int64
	kernel      *Kernel
	clock       *VersionedClock
	treasury    maintenance.Treasury
	hasher      *StateHasher
	idempotency *IdempotencyChecker
	metrics     *observability.Metrics
	log         zerolog.Logger

	persistChan chan<- *event.Envelope
	publishChan chan<- *event.Envelope
}

type EngineConfig struct {
	StartSequence int64
	StartTime     uint64
	LRUCapacity   int
	Treasury      maintenance.Treasury
	DBChecker     DBIdempotencyChecker
	PersistChan   chan<- *event.Envelope
	PublishChan   chan<- *event.Envelope
	Metrics       *observability.Metrics
	Logger        zerolog.Logger
}

func NewEngine(cfg EngineConfig) *Engine {
	if cfg.LRUCapacity <= 0 {
		cfg.LRUCapacity = 1_000_000
	}
	if cfg.Treasury == nil {
		cfg.Treasury = maintenance.NewVault()
	}
	clock := NewVersionedClock(cfg.StartTime)
	return &Engine{
		sequence:    cfg.StartSequence,
		kernel:      NewKernel(clock, cfg.Treasury, cfg.Metrics, cfg.Logger),
		clock:       clock,
		treasury:    cfg.Treasury,
		hasher:      NewStateHasher(),
		idempotency: NewIdempotencyChecker(cfg.LRUCapacity, cfg.DBChecker, cfg.Metrics, cfg.Logger),
		metrics:     cfg.Metrics,
		log:         cfg.Logger,
		persistChan: cfg.PersistChan,
		publishChan: cfg.PublishChan,
	}
}

// Kernel exposes the kernel for pool registration and reads. Callers must
// hold the same serialization as ProcessCommand.
func (e *Engine) Kernel() *Kernel {
	return e.kernel
}

// ProcessCommand is the main processing pipeline. A nil return means the
// command was applied or was a duplicate; errors wrapping
// ErrCommandRejected left no trace.
func (e *Engine) ProcessCommand(cmd *event.Command) error {
	return e.apply(cmd, true)
}

func (e *Engine) apply(cmd *event.Command, live bool) error {
	start := time.Now()
	op := cmd.Op.String()

	if err := cmd.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrCommandRejected, err)
	}

	// Step 1: Idempotency check (two-tier)
	if live && e.idempotency.IsDuplicate(op, cmd.ID) {
		if e.metrics != nil {
			e.metrics.KernelOpsRejected.WithLabelValues(op, "duplicate").Inc()
		}
		return nil
	}

	payload, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("%w: encode %s: %w", ErrCommandRejected, op, err)
	}

	// Step 2: Versioned time. Never moves backwards.
	prevTime := e.clock.Now()
	if err := e.clock.Advance(cmd.Timestamp); err != nil {
		if e.metrics != nil {
			e.metrics.CommandOutOfOrder.Inc()
		}
		return fmt.Errorf("%w: %s %s: %w", ErrCommandRejected, op, cmd.ID, err)
	}

	// Step 3: Dispatch
	result, err := e.dispatch(cmd)
	if err != nil {
		e.clock.Reset(prevTime)
		return fmt.Errorf("%w: %s %s: %w", ErrCommandRejected, op, cmd.ID, err)
	}

	// Step 4: Digest and chain
	hashStart := time.Now()
	effect := e.kernel.LastEffect()
	digest := e.kernel.stateDigest(effect)
	prevHash, stateHash := e.hasher.Extend(ChainLink{
		Sequence:   e.sequence,
		CommandID:  cmd.ID,
		Op:         int32(cmd.Op),
		LedgerTime: cmd.Timestamp,
		Digest:     digest,
	})
	if e.metrics != nil {
		e.metrics.CoreStateHashDur.Observe(time.Since(hashStart).Seconds())
	}

	envelope := &event.Envelope{
		Sequence:  e.sequence,
		CommandID: cmd.ID,
		Op:        cmd.Op,
		Pool:      cmd.Pool,
		Position:  cmd.Position,
		Timestamp: cmd.Timestamp,
		Payload:   payload,
		Touched:   effect.Touched,
		StateHash: stateHash,
		PrevHash:  prevHash,
	}
	if result != nil {
		envelope.Result.Set(result)
	}
	e.sequence++

	// Step 5: Emit. Persist blocks (backpressure); publish drops on full.
	if live {
		if e.persistChan != nil {
			if len(e.persistChan) == cap(e.persistChan) && e.metrics != nil {
				e.metrics.PersistBackpressure.Inc()
			}
			e.persistChan <- envelope
		}
		if e.publishChan != nil {
			select {
			case e.publishChan <- envelope:
			default:
				if e.metrics != nil {
					e.metrics.PublishDrops.Inc()
				}
			}
		}
	}

	// Step 6: Mark as processed
	e.idempotency.MarkProcessed(op, cmd.ID)

	if e.metrics != nil {
		e.metrics.CoreSequence.Set(float64(e.sequence - 1))
		e.metrics.KernelOpDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}
	return nil
}

func (e *Engine) dispatch(cmd *event.Command) (*uint256.Int, error) {
	k := e.kernel
	amount := &cmd.Amount

	switch cmd.Op {
	case event.OpDeposit:
		return amount, k.Deposit(cmd.Pool, cmd.Position, cmd.Account, amount)
	case event.OpWithdraw:
		return amount, k.Withdraw(cmd.Pool, cmd.Position, cmd.Account, amount)
	case event.OpClaimYield:
		return k.ClaimYield(cmd.Pool, cmd.Position, cmd.Account)
	case event.OpRollYield:
		return k.RollYieldToPrincipal(cmd.Pool, cmd.Position)
	case event.OpSettle:
		return k.Settle(cmd.Pool, cmd.Position)
	case event.OpAccrueFee:
		var acc ledger.Accrual
		var err error
		if cmd.Backing != nil {
			acc, err = k.AccrueFeeWithBacking(cmd.Pool, amount, cmd.Backing, cmd.Source)
		} else {
			acc, err = k.AccrueFee(cmd.Pool, amount, cmd.Source)
		}
		return distributed(acc), err
	case event.OpCollectFee:
		acc, err := k.CollectFee(cmd.Pool, cmd.Account, amount, cmd.Source)
		return distributed(acc), err
	case event.OpAccrueActiveCredit:
		acc, err := k.AccrueActiveCredit(cmd.Pool, amount, cmd.Source)
		return distributed(acc), err
	case event.OpEncumber:
		return amount, k.IncreaseEncumbrance(cmd.Pool, cmd.Position, cmd.Component, amount)
	case event.OpUnencumber:
		return amount, k.DecreaseEncumbrance(cmd.Pool, cmd.Position, cmd.Component, amount)
	case event.OpReleaseOfferEscrow:
		return k.ReleaseOfferEscrow(cmd.Pool, cmd.Position, amount)
	case event.OpEncumberIndex:
		return amount, k.EncumberIndex(cmd.Pool, cmd.Position, cmd.Index, amount)
	case event.OpUnencumberIndex:
		return amount, k.UnencumberIndex(cmd.Pool, cmd.Position, cmd.Index, amount)
	case event.OpBorrow:
		return amount, k.IncreaseDebt(cmd.Pool, cmd.Position, cmd.DebtKind, cmd.Account, amount)
	case event.OpRepay:
		return amount, k.DecreaseDebt(cmd.Pool, cmd.Position, cmd.DebtKind, cmd.Account, amount)
	case event.OpEnforceMaintenance:
		return k.EnforceMaintenance(cmd.Pool)
	case event.OpPayMaintenance:
		return k.PayMaintenance(cmd.Pool)
	default:
		return nil, fmt.Errorf("unknown op: %d", cmd.Op)
	}
}

func distributed(acc ledger.Accrual) *uint256.Int {
	if !acc.Distributed {
		return nil
	}
	return acc.Amount
}

// Replay re-applies a persisted envelope without emitting it and verifies
// the recomputed state hash.
func (e *Engine) Replay(env *event.Envelope) error {
	var cmd event.Command
	if err := json.Unmarshal(env.Payload, &cmd); err != nil {
		return fmt.Errorf("replay sequence %d: %w", env.Sequence, err)
	}
	if env.Sequence != e.sequence {
		return fmt.Errorf("replay sequence %d: expected %d", env.Sequence, e.sequence)
	}
	if err := e.apply(&cmd, false); err != nil {
		return fmt.Errorf("replay sequence %d: %w", env.Sequence, err)
	}
	if got := e.hasher.Tip(); got != env.StateHash {
		return fmt.Errorf("replay sequence %d: %w: expected %x, got %x", env.Sequence, ErrHashMismatch, env.StateHash, got)
	}
	if e.metrics != nil {
		e.metrics.ReplayOpsTotal.Inc()
	}
	return nil
}

// --- Snapshot Restore & Startup Methods ---

// SnapshotState holds the serializable in-memory state for restore.
type SnapshotState struct {
	Sequence        int64
	StateHash       [32]byte
	ClockTime       uint64
	Pools           []ledger.PoolImage
	Debts           []debt.Entry
	Treasury        map[string]uint256.Int
	IdempotencyKeys []string
}

type balanceSnapshotter interface {
	Balances() map[string]uint256.Int
	RestoreBalances(map[string]uint256.Int)
}

// RestoreFromSnapshot restores the engine's in-memory state from a snapshot.
// Replay continues from snap.Sequence+1.
func (e *Engine) RestoreFromSnapshot(snap *SnapshotState) {
	e.sequence = snap.Sequence + 1
	e.hasher.Reset(snap.StateHash)
	e.clock.Reset(snap.ClockTime)
	e.kernel.Restore(snap.Pools, snap.Debts)
	if t, ok := e.treasury.(balanceSnapshotter); ok && snap.Treasury != nil {
		t.RestoreBalances(snap.Treasury)
	}
	e.idempotency.lru.WarmFromKeys(snap.IdempotencyKeys)
}

// CreateSnapshotState captures the current in-memory state for persistence.
func (e *Engine) CreateSnapshotState() *SnapshotState {
	snap := &SnapshotState{
		Sequence:        e.sequence - 1,
		StateHash:       e.hasher.Tip(),
		ClockTime:       e.clock.Now(),
		Pools:           e.kernel.Images(),
		Debts:           e.kernel.Debts(),
		IdempotencyKeys: e.idempotency.lru.Keys(),
	}
	if t, ok := e.treasury.(balanceSnapshotter); ok {
		snap.Treasury = t.Balances()
	}
	return snap
}

// WarmLRU loads recent idempotency keys into the LRU cache.
func (e *Engine) WarmLRU(keys []string) {
	e.idempotency.lru.WarmFromKeys(keys)
}

// GetSequence returns the next sequence to assign.
func (e *Engine) GetSequence() int64 {
	return e.sequence
}

// GetStateHash returns the current state hash (chain tip).
func (e *Engine) GetStateHash() [32]byte {
	return e.hasher.Tip()
}

// Now returns the ledger clock.
func (e *Engine) Now() uint64 {
	return e.clock.Now()
}
