package core_test

import (
	"errors"
	"fmt"
	"testing"

	"EqualisLedger/internal/core"
	"EqualisLedger/internal/debt"
	"EqualisLedger/internal/event"
	"EqualisLedger/internal/ledger"
	"EqualisLedger/internal/maintenance"
	"EqualisLedger/internal/observability"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type engineFixture struct {
	e       *core.Engine
	vault   *maintenance.Vault
	persist chan *event.Envelope
	publish chan *event.Envelope
}

func newEngine(t *testing.T) *engineFixture {
	t.Helper()
	persist := make(chan *event.Envelope, 1024)
	publish := make(chan *event.Envelope, 1024)
	vault := maintenance.NewVault()
	e := core.NewEngine(core.EngineConfig{
		StartTime:   t0,
		LRUCapacity: 128,
		Treasury:    vault,
		PersistChan: persist,
		PublishChan: publish,
		Metrics:     observability.NewMetricsWith(prometheus.NewRegistry()),
		Logger:      zerolog.Nop(),
	})
	require.NoError(t, e.Kernel().RegisterPool(ledger.PoolParams{ID: usdc, Underlying: "USDC", FeeReceiver: "fees"}))
	require.NoError(t, e.Kernel().RegisterPool(ledger.PoolParams{ID: dai, Underlying: "DAI", MaintenanceRateBps: 365, FeeReceiver: "fees"}))
	return &engineFixture{e: e, vault: vault, persist: persist, publish: publish}
}

func (f *engineFixture) drain() []*event.Envelope {
	var out []*event.Envelope
	for {
		select {
		case env := <-f.persist:
			out = append(out, env)
		default:
			return out
		}
	}
}

func command(id string, op event.Op, ts uint64, amount uint64) *event.Command {
	cmd := &event.Command{
		ID:        id,
		Op:        op,
		Pool:      usdc,
		Position:  alice,
		Account:   "alice-wallet",
		Timestamp: ts,
	}
	cmd.Amount.SetUint64(amount)
	return cmd
}

// workload exercises every index and the debt registry.
func workload() []*event.Command {
	borrow := command("c4", event.OpBorrow, t0+2*hour, 200)
	borrow.DebtKind = debt.KindRolling

	lend := command("c5", event.OpEncumber, t0+2*hour, 300)
	lend.Component = ledger.ComponentDirectLent

	bobDeposit := command("c2", event.OpDeposit, t0+hour, 500)
	bobDeposit.Position = bob

	daiDeposit := command("c9", event.OpDeposit, t0+29*hour, 10_000)
	daiDeposit.Pool = dai

	enforce := command("c10", event.OpPayMaintenance, t0+3*day, 0)
	enforce.Pool = dai

	return []*event.Command{
		command("c1", event.OpDeposit, t0, 1000),
		bobDeposit,
		command("c3", event.OpCollectFee, t0+hour, 150),
		borrow,
		lend,
		command("c6", event.OpAccrueActiveCredit, t0+27*hour, 90),
		command("c7", event.OpSettle, t0+28*hour, 0),
		command("c8", event.OpClaimYield, t0+28*hour, 0),
		daiDeposit,
		enforce,
	}
}

func TestEngine_ProcessCommandEmitsChainedEnvelopes(t *testing.T) {
	f := newEngine(t)
	genesis := core.GenesisHash()

	require.NoError(t, f.e.ProcessCommand(command("c1", event.OpDeposit, t0, 1000)))
	require.NoError(t, f.e.ProcessCommand(command("c2", event.OpWithdraw, t0+10, 400)))

	envs := f.drain()
	require.Len(t, envs, 2)
	require.Equal(t, int64(0), envs[0].Sequence)
	require.Equal(t, genesis, envs[0].PrevHash)
	require.Equal(t, envs[0].StateHash, envs[1].PrevHash)
	require.Equal(t, f.e.GetStateHash(), envs[1].StateHash)
	require.Equal(t, []ledger.PositionKey{alice}, envs[0].Touched)
	require.Equal(t, *u(400), envs[1].Result)
	require.Equal(t, int64(2), f.e.GetSequence())
	require.Equal(t, t0+10, f.e.Now())
	require.Len(t, f.publish, 2)
}

func TestEngine_DuplicateCommandIsSkipped(t *testing.T) {
	f := newEngine(t)
	cmd := command("c1", event.OpDeposit, t0, 1000)
	require.NoError(t, f.e.ProcessCommand(cmd))
	hash := f.e.GetStateHash()

	require.NoError(t, f.e.ProcessCommand(cmd))
	require.Len(t, f.drain(), 1)
	require.Equal(t, hash, f.e.GetStateHash())
	require.Equal(t, int64(1), f.e.GetSequence())

	// The same id under another op is a different command.
	require.NoError(t, f.e.ProcessCommand(command("c1", event.OpWithdraw, t0, 1)))
	require.Equal(t, int64(2), f.e.GetSequence())
}

func TestEngine_RejectedCommandLeavesNoTrace(t *testing.T) {
	f := newEngine(t)
	require.NoError(t, f.e.ProcessCommand(command("c1", event.OpDeposit, t0, 1000)))
	hash := f.e.GetStateHash()

	err := f.e.ProcessCommand(command("c2", event.OpWithdraw, t0+hour, 5000))
	require.ErrorIs(t, err, core.ErrCommandRejected)
	require.ErrorIs(t, err, ledger.ErrInsufficientPrincipal)

	require.Equal(t, hash, f.e.GetStateHash())
	require.Equal(t, int64(1), f.e.GetSequence())
	require.Equal(t, t0, f.e.Now())
	require.Len(t, f.drain(), 1)

	// Not marked processed: a corrected retry under the same id applies.
	require.NoError(t, f.e.ProcessCommand(command("c2", event.OpWithdraw, t0+hour, 500)))
	require.Equal(t, int64(2), f.e.GetSequence())
}

func TestEngine_RejectsClockRegression(t *testing.T) {
	f := newEngine(t)
	require.NoError(t, f.e.ProcessCommand(command("c1", event.OpDeposit, t0+hour, 1000)))

	err := f.e.ProcessCommand(command("c2", event.OpDeposit, t0, 1000))
	require.ErrorIs(t, err, core.ErrCommandRejected)
	require.ErrorIs(t, err, core.ErrClockRegression)
	require.Equal(t, t0+hour, f.e.Now())
}

func TestEngine_RejectsMalformedCommand(t *testing.T) {
	f := newEngine(t)
	err := f.e.ProcessCommand(command("", event.OpDeposit, t0, 1000))
	require.ErrorIs(t, err, core.ErrCommandRejected)
	require.ErrorIs(t, err, event.ErrMalformedCommand)

	err = f.e.ProcessCommand(command("c1", event.OpDeposit, t0, 0))
	require.ErrorIs(t, err, event.ErrMalformedCommand)
}

func TestEngine_ReplayReproducesStateHash(t *testing.T) {
	live := newEngine(t)
	for _, cmd := range workload() {
		require.NoError(t, live.e.ProcessCommand(cmd), cmd.ID)
	}
	envs := live.drain()
	require.Len(t, envs, len(workload()))

	replayed := newEngine(t)
	for _, env := range envs {
		require.NoError(t, replayed.e.Replay(env))
	}
	require.Empty(t, replayed.drain())
	require.Equal(t, live.e.GetStateHash(), replayed.e.GetStateHash())
	require.Equal(t, live.e.GetSequence(), replayed.e.GetSequence())

	for _, key := range []ledger.PositionKey{alice, bob} {
		want, err := live.e.Kernel().Position(usdc, key)
		require.NoError(t, err)
		got, err := replayed.e.Kernel().Position(usdc, key)
		require.NoError(t, err)
		require.Equal(t, want, got)
	}
	require.Equal(t, live.vault.Balances(), replayed.vault.Balances())
}

func TestEngine_ReplayDetectsTampering(t *testing.T) {
	live := newEngine(t)
	require.NoError(t, live.e.ProcessCommand(command("c1", event.OpDeposit, t0, 1000)))
	env := live.drain()[0]
	env.StateHash[0] ^= 0xff

	replayed := newEngine(t)
	require.ErrorIs(t, replayed.e.Replay(env), core.ErrHashMismatch)

	out := newEngine(t)
	env.Sequence = 5
	err := out.e.Replay(env)
	require.Error(t, err)
	require.False(t, errors.Is(err, core.ErrHashMismatch))
}

func TestEngine_SnapshotRestoreContinuesChain(t *testing.T) {
	live := newEngine(t)
	cmds := workload()
	for _, cmd := range cmds[:6] {
		require.NoError(t, live.e.ProcessCommand(cmd))
	}
	snap := live.e.CreateSnapshotState()
	require.Equal(t, int64(5), snap.Sequence)

	restored := newEngine(t)
	restored.e.RestoreFromSnapshot(snap)
	require.Equal(t, live.e.GetStateHash(), restored.e.GetStateHash())
	require.Equal(t, live.e.GetSequence(), restored.e.GetSequence())
	require.Equal(t, live.e.Now(), restored.e.Now())

	// Keys carried in the snapshot still dedup.
	require.NoError(t, restored.e.ProcessCommand(cmds[0]))
	require.Equal(t, live.e.GetSequence(), restored.e.GetSequence())

	for _, cmd := range cmds[6:] {
		require.NoError(t, live.e.ProcessCommand(cmd))
		require.NoError(t, restored.e.ProcessCommand(cmd))
		require.Equal(t, live.e.GetStateHash(), restored.e.GetStateHash(), cmd.ID)
	}
	require.NoError(t, restored.e.Kernel().VerifyInvariants())
}

func TestRunner_SerializesApplyAndView(t *testing.T) {
	f := newEngine(t)
	r := core.NewRunner(f.e)

	done := make(chan error, 8)
	for i := range 8 {
		go func() {
			cmd := command(fmt.Sprintf("c%d", i), event.OpDeposit, t0, 100)
			done <- r.Apply(cmd)
		}()
	}
	for range 8 {
		require.NoError(t, <-done)
	}

	require.NoError(t, r.View(func(k *core.Kernel) error {
		v, err := k.Position(usdc, alice)
		require.NoError(t, err)
		require.Equal(t, *u(800), v.User.Principal)
		return nil
	}))
	require.Equal(t, int64(8), r.Sequence())
	require.Equal(t, f.e.GetStateHash(), r.StateHash())
	require.Equal(t, int64(7), r.Snapshot().Sequence)
}

func TestChainHash_BindsCommandIdentity(t *testing.T) {
	link := core.ChainLink{Sequence: 3, CommandID: "c1", Op: int32(event.OpDeposit), LedgerTime: t0, Digest: []byte{1, 2, 3}}
	base := core.ChainHash(core.GenesisHash(), link)

	h := core.NewStateHasher()
	prev, next := h.Extend(link)
	require.Equal(t, core.GenesisHash(), prev)
	require.Equal(t, base, next)
	require.Equal(t, base, h.Tip())

	for name, mutate := range map[string]func(l *core.ChainLink){
		"sequence": func(l *core.ChainLink) { l.Sequence++ },
		"id":       func(l *core.ChainLink) { l.CommandID = "c2" },
		"op":       func(l *core.ChainLink) { l.Op = int32(event.OpWithdraw) },
		"time":     func(l *core.ChainLink) { l.LedgerTime++ },
		"digest":   func(l *core.ChainLink) { l.Digest = []byte{1, 2, 4} },
	} {
		changed := link
		mutate(&changed)
		require.NotEqual(t, base, core.ChainHash(core.GenesisHash(), changed), name)
	}
}
