package ingestion

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"EqualisLedger/internal/event"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// EventStream holds outbound ledger events.
const EventStream = "EQUALIS_LEDGER_EVENTS"

// OutboundPublisher publishes applied operations for downstream consumers
// on equalis.ledger.events.<op>.<pool>. Publishing is best effort; the op
// log is the source of truth.
type OutboundPublisher struct {
	js  jetstream.JetStream
	in  <-chan *event.Envelope
	log zerolog.Logger
}

func NewOutboundPublisher(js jetstream.JetStream, in <-chan *event.Envelope, log zerolog.Logger) *OutboundPublisher {
	return &OutboundPublisher{
		js:  js,
		in:  in,
		log: log,
	}
}

// EventSubject returns the outbound subject for an envelope.
func EventSubject(env *event.Envelope) string {
	return fmt.Sprintf("equalis.ledger.events.%s.%d", env.Op, env.Pool)
}

// Run starts the outbound publisher loop.
func (op *OutboundPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case env, ok := <-op.in:
			if !ok {
				return nil
			}

			if err := op.publish(ctx, env); err != nil {
				// Non-fatal: downstream consumers can read the op log directly
				op.log.Warn().Err(err).Int64("seq", env.Sequence).Msg("outbound publish failed")
			}
		}
	}
}

func (op *OutboundPublisher) publish(ctx context.Context, env *event.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	_, err = op.js.Publish(ctx, EventSubject(env), data,
		jetstream.WithMsgID(strconv.FormatInt(env.Sequence, 10)))
	return err
}

// EnsureOutboundStream creates the outbound events stream.
func EnsureOutboundStream(ctx context.Context, js jetstream.JetStream, log zerolog.Logger) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       EventStream,
		Subjects:   []string{"equalis.ledger.events.>"},
		Storage:    jetstream.FileStorage,
		Retention:  jetstream.LimitsPolicy,
		MaxAge:     72 * time.Hour,
		Duplicates: 10 * time.Minute,
		Replicas:   1,
	})
	if err != nil {
		return fmt.Errorf("create outbound stream: %w", err)
	}
	log.Info().Str("stream", EventStream).Msg("ensured outbound stream")
	return nil
}
