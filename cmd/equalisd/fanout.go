package main

import (
	"EqualisLedger/internal/event"

	"github.com/rs/zerolog"
)

// fanOut copies every envelope to each output without blocking. Outputs are
// closed when in closes.
func fanOut(in <-chan *event.Envelope, log zerolog.Logger, outs ...chan<- *event.Envelope) {
	defer func() {
		for _, out := range outs {
			close(out)
		}
	}()
	for env := range in {
		for i, out := range outs {
			select {
			case out <- env:
			default:
				log.Warn().Int("output", i).Int64("seq", env.Sequence).Msg("fan-out channel full, dropping envelope")
			}
		}
	}
}
