package ingestion

import (
	"context"
	"errors"
	"time"

	"EqualisLedger/internal/core"
	"EqualisLedger/internal/event"
	"EqualisLedger/internal/observability"

	"github.com/rs/zerolog"
)

// Processor feeds parsed commands through the Runner and settles each NATS
// message. Rejected and unparseable commands are ACKed since redelivery
// cannot change their outcome; anything else is NAKed for redelivery.
type Processor struct {
	runner  *core.Runner
	in      <-chan RawCommand
	metrics *observability.Metrics
	log     zerolog.Logger
}

func NewProcessor(runner *core.Runner, in <-chan RawCommand, metrics *observability.Metrics, log zerolog.Logger) *Processor {
	return &Processor{
		runner:  runner,
		in:      in,
		metrics: metrics,
		log:     log,
	}
}

// Run blocks until ctx is cancelled or the input channel is closed.
func (p *Processor) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case raw, ok := <-p.in:
			if !ok {
				return nil
			}
			p.Handle(raw)
		}
	}
}

// Handle processes a single message.
func (p *Processor) Handle(raw RawCommand) {
	cmd, err := ParseCommand(raw)
	if err != nil {
		if p.metrics != nil {
			p.metrics.IngestParseErr.WithLabelValues(raw.Subject).Inc()
		}
		p.log.Error().Err(err).Str("subject", raw.Subject).Msg("dropping unparseable command")
		ack(raw)
		return
	}

	op := cmd.Op.String()
	if p.metrics != nil {
		p.metrics.IngestReceived.WithLabelValues(op).Inc()
	}

	err = p.runner.Apply(cmd)
	switch {
	case err == nil:
		ack(raw)
	case errors.Is(err, core.ErrCommandRejected), errors.Is(err, event.ErrMalformedCommand):
		p.log.Warn().Err(err).Str("op", op).Str("id", cmd.ID).Uint32("pool", uint32(cmd.Pool)).Msg("command rejected")
		ack(raw)
	default:
		p.log.Error().Err(err).Str("op", op).Str("id", cmd.ID).Msg("command failed, requesting redelivery")
		if raw.Nak != nil {
			raw.Nak()
		}
		return
	}

	if p.metrics != nil && !raw.Received.IsZero() {
		p.metrics.IngestToApply.WithLabelValues(op).Observe(time.Since(raw.Received).Seconds())
	}
}

func ack(raw RawCommand) {
	if raw.Ack != nil {
		raw.Ack()
	}
}
