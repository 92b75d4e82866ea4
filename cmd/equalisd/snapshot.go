package main

import (
	"context"
	"fmt"
	"sync"
	"time"

	"EqualisLedger/internal/core"
	"EqualisLedger/internal/persistence"

	"github.com/rs/zerolog"
)

type watermark interface {
	LastWritten() int64
}

// snapshotter takes a snapshot every interval operations. A snapshot is
// only saved once the op log holds its sequence, so it can be verified
// against the logged state hash straight away.
type snapshotter struct {
	runner   *core.Runner
	snaps    *persistence.SnapshotManager
	written  watermark
	interval int64
	log      zerolog.Logger

	mu      sync.Mutex
	lastSeq int64
}

func (s *snapshotter) run(ctx context.Context) {
	if s.interval <= 0 {
		s.interval = 10_000
	}
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			due := s.runner.Sequence()-1-s.lastSeq >= s.interval
			s.mu.Unlock()
			if !due {
				continue
			}
			if err := s.take(ctx); err != nil {
				s.log.Warn().Err(err).Msg("periodic snapshot failed")
			}
		}
	}
}

// take snapshots the current state. It is a no-op when nothing was applied
// since the last snapshot or the log has not caught up yet.
func (s *snapshotter) take(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := s.runner.Snapshot()
	if snap.Sequence < 0 || snap.Sequence == s.lastSeq {
		return nil
	}
	if w := s.written.LastWritten(); w < snap.Sequence {
		s.log.Debug().Int64("sequence", snap.Sequence).Int64("written", w).Msg("op log behind, deferring snapshot")
		return nil
	}

	if err := s.snaps.SaveSnapshot(ctx, snap); err != nil {
		return err
	}
	ok, err := s.snaps.Verify(ctx, snap)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("snapshot %d: no logged operation to verify against", snap.Sequence)
	}
	s.lastSeq = snap.Sequence
	s.log.Info().Int64("sequence", snap.Sequence).Msg("snapshot saved")
	return nil
}
