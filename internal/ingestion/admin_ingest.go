package ingestion

import (
	"context"
	"fmt"

	"EqualisLedger/internal/core"
	"EqualisLedger/internal/event"

	"github.com/rs/zerolog"
)

// AdminIngest applies manually injected commands. It is for operator
// corrections and tests, not throughput; use NATS for that.
type AdminIngest struct {
	runner *core.Runner
	log    zerolog.Logger
}

func NewAdminIngest(runner *core.Runner, log zerolog.Logger) *AdminIngest {
	return &AdminIngest{runner: runner, log: log}
}

// Submit applies cmd and returns the resulting sequence tip. Commands go
// through the same dedup and validation as NATS ones.
func (s *AdminIngest) Submit(ctx context.Context, cmd *event.Command) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if err := s.runner.Apply(cmd); err != nil {
		return 0, fmt.Errorf("admin %s: %w", cmd.Op, err)
	}
	s.log.Info().Str("op", cmd.Op.String()).Str("id", cmd.ID).Uint32("pool", uint32(cmd.Pool)).Msg("admin command applied")
	return s.runner.Sequence() - 1, nil
}
