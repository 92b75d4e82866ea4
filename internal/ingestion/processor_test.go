package ingestion_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"EqualisLedger/internal/core"
	"EqualisLedger/internal/event"
	"EqualisLedger/internal/ingestion"
	"EqualisLedger/internal/observability"
	"EqualisLedger/internal/testutil"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type settled struct {
	acks, naks int
}

func (s *settled) raw(subject string, data []byte) ingestion.RawCommand {
	return ingestion.RawCommand{
		Subject:  subject,
		Data:     data,
		Received: time.Now(),
		Ack:      func() { s.acks++ },
		Nak:      func() { s.naks++ },
	}
}

func newProcessor(t *testing.T, in <-chan ingestion.RawCommand) (*ingestion.Processor, *core.Runner) {
	t.Helper()
	e, _ := testutil.NewEngine(t, nil, nil)
	runner := core.NewRunner(e)
	metrics := observability.NewMetricsWith(prometheus.NewRegistry())
	return ingestion.NewProcessor(runner, in, metrics, zerolog.Nop()), runner
}

func encode(t *testing.T, cmd *event.Command) (string, []byte) {
	t.Helper()
	data, err := json.Marshal(cmd)
	require.NoError(t, err)
	return ingestion.CommandSubject(cmd.Op, cmd.Pool), data
}

func TestProcessor_AcksAppliedAndRejected(t *testing.T) {
	p, runner := newProcessor(t, nil)
	var s settled
	alice := testutil.Position(1)

	p.Handle(s.raw(encode(t, testutil.Command("d1", event.OpDeposit, alice, testutil.T0, 100))))
	require.Equal(t, settled{acks: 1}, s)
	require.Equal(t, int64(1), runner.Sequence())

	// Over-withdrawal is a business rejection: ACK, no sequence.
	p.Handle(s.raw(encode(t, testutil.Command("w1", event.OpWithdraw, alice, testutil.T0, 500))))
	require.Equal(t, settled{acks: 2}, s)
	require.Equal(t, int64(1), runner.Sequence())

	// Redelivered duplicate is ACKed without a second application.
	p.Handle(s.raw(encode(t, testutil.Command("d1", event.OpDeposit, alice, testutil.T0, 100))))
	require.Equal(t, settled{acks: 3}, s)
	require.Equal(t, int64(1), runner.Sequence())

	require.NoError(t, runner.View(func(k *core.Kernel) error {
		v, err := k.Position(testutil.TestPool, alice)
		require.NoError(t, err)
		require.Equal(t, uint64(100), v.User.Principal.Uint64())
		return nil
	}))
}

func TestProcessor_AcksUnparseable(t *testing.T) {
	p, runner := newProcessor(t, nil)
	var s settled

	p.Handle(s.raw("equalis.cmd.deposit.1", []byte(`{"id":`)))
	p.Handle(s.raw("equalis.cmd.nothing.1", []byte(`{}`)))
	_, data := encode(t, testutil.Command("d1", event.OpDeposit, testutil.Position(1), testutil.T0, 100))
	p.Handle(s.raw("equalis.cmd.withdraw.1", data))

	require.Equal(t, settled{acks: 3}, s)
	require.Equal(t, int64(0), runner.Sequence())
}

func TestProcessor_RunDrainsChannel(t *testing.T) {
	in := make(chan ingestion.RawCommand, 8)
	p, runner := newProcessor(t, in)
	var s settled
	for i, amount := range []uint64{10, 20, 30} {
		cmd := testutil.Command(string(rune('a'+i)), event.OpDeposit, testutil.Position(1), testutil.T0+uint64(i), amount)
		in <- s.raw(encode(t, cmd))
	}
	close(in)

	require.NoError(t, p.Run(context.Background()))
	require.Equal(t, 3, s.acks)
	require.Equal(t, int64(3), runner.Sequence())
}

func TestAdminIngest_Submit(t *testing.T) {
	e, _ := testutil.NewEngine(t, nil, nil)
	admin := ingestion.NewAdminIngest(core.NewRunner(e), zerolog.Nop())
	ctx := context.Background()

	seq, err := admin.Submit(ctx, testutil.Command("a1", event.OpDeposit, testutil.Position(1), testutil.T0, 5))
	require.NoError(t, err)
	require.Equal(t, int64(0), seq)

	_, err = admin.Submit(ctx, testutil.Command("a2", event.OpWithdraw, testutil.Position(1), testutil.T0, 6))
	require.ErrorIs(t, err, core.ErrCommandRejected)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = admin.Submit(cancelled, testutil.Command("a3", event.OpDeposit, testutil.Position(1), testutil.T0, 5))
	require.ErrorIs(t, err, context.Canceled)
}

func TestEventSubject(t *testing.T) {
	env := &event.Envelope{Op: event.OpPayMaintenance, Pool: 3}
	require.Equal(t, "equalis.ledger.events.pay_maintenance.3", ingestion.EventSubject(env))
}
