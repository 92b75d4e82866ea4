package main

import (
	"context"
	"fmt"
	"slices"

	"EqualisLedger/internal/core"
	"EqualisLedger/internal/ledger"
	"EqualisLedger/internal/persistence"

	"github.com/rs/zerolog"
)

const replayBatchSize = 1000

// recovery rebuilds engine state from the latest verified snapshot and the
// op log after it. A cold start registers the configured pools at genesis
// and replays the whole log.
type recovery struct {
	engine  *core.Engine
	snaps   *persistence.SnapshotManager
	dedup   *persistence.PostgresIdempotencyChecker
	pools   []ledger.PoolParams
	lruSize int
	log     zerolog.Logger
}

func (r *recovery) run(ctx context.Context) error {
	snap, err := r.snaps.LoadLatestSnapshot(ctx)
	if err != nil {
		return fmt.Errorf("load snapshot: %w", err)
	}

	if snap != nil {
		r.engine.RestoreFromSnapshot(snap)
		r.log.Info().Int64("sequence", snap.Sequence).Int("lru_keys", len(snap.IdempotencyKeys)).Msg("restored snapshot")
	} else {
		r.log.Info().Msg("no snapshot found, cold start")
		keys, err := r.dedup.RecentKeys(ctx, min(r.lruSize, 100_000))
		if err != nil {
			return fmt.Errorf("warm idempotency cache: %w", err)
		}
		r.engine.WarmLRU(keys)
	}

	if err := r.registerPools(snap != nil); err != nil {
		return err
	}

	replayed, err := r.replay(ctx)
	if err != nil {
		return err
	}
	r.log.Info().
		Int64("replayed", replayed).
		Int64("next_sequence", r.engine.GetSequence()).
		Hex("state_hash", hashBytes(r.engine.GetStateHash())).
		Msg("recovery complete")
	return r.engine.Kernel().VerifyInvariants()
}

// registerPools registers configured pools the kernel does not know yet.
// Pools are not part of the op log, so one added after genesis is
// registered at the restored clock.
func (r *recovery) registerPools(restored bool) error {
	k := r.engine.Kernel()
	known := k.PoolIDs()
	for _, params := range r.pools {
		if slices.Contains(known, params.ID) {
			continue
		}
		if restored {
			r.log.Warn().Uint32("pool", uint32(params.ID)).Msg("registering pool absent from snapshot")
		}
		if err := k.RegisterPool(params); err != nil {
			return fmt.Errorf("register pool %d: %w", params.ID, err)
		}
	}
	return nil
}

// replay applies every logged operation from the engine's next sequence,
// verifying each recomputed state hash.
func (r *recovery) replay(ctx context.Context) (int64, error) {
	var total int64
	for {
		envs, err := r.snaps.LoadOpsFrom(ctx, r.engine.GetSequence(), replayBatchSize)
		if err != nil {
			return total, fmt.Errorf("load ops from %d: %w", r.engine.GetSequence(), err)
		}
		if len(envs) == 0 {
			return total, nil
		}
		for _, env := range envs {
			if err := r.engine.Replay(env); err != nil {
				return total, err
			}
			total++
		}
	}
}

func hashBytes(h [32]byte) []byte { return h[:] }
