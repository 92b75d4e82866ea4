package projection

import (
	"context"
	"database/sql"
	"fmt"
	"sync/atomic"

	"EqualisLedger/internal/core"
	"EqualisLedger/internal/event"
	"EqualisLedger/internal/ledger"

	"github.com/rs/zerolog"
)

// PoolRow is one row of projections.pools.
type PoolRow struct {
	PoolID                     ledger.PoolID
	Underlying                 string
	TotalDeposits              string
	TrackedBalance             string
	YieldReserve               string
	FeeIndex                   string
	MaintenanceIndex           string
	ActiveCreditIndex          string
	ActiveCreditPrincipalTotal string
}

// PositionRow is one row of projections.positions.
type PositionRow struct {
	PoolID       ledger.PoolID
	PositionKey  ledger.PositionKey
	Principal    string
	AccruedYield string
	Encumbered   string
	Debt         string
}

// Update is everything one envelope changes in the read models, captured at
// Sequence.
type Update struct {
	Sequence  int64
	Pool      PoolRow
	Positions []PositionRow
}

// ProjectionWorker refreshes the projection tables from processed
// operations. Its input is non-blocking with drop; if projections fall
// behind they can be rebuilt from the kernel.
type ProjectionWorker struct {
	db      *sql.DB
	runner  *core.Runner
	in      <-chan *event.Envelope
	log     zerolog.Logger
	lastSeq atomic.Int64
}

func NewProjectionWorker(db *sql.DB, runner *core.Runner, in <-chan *event.Envelope, log zerolog.Logger) *ProjectionWorker {
	pw := &ProjectionWorker{
		db:     db,
		runner: runner,
		in:     in,
		log:    log,
	}
	pw.lastSeq.Store(-1)
	return pw
}

// LastSequence is the sequence of the newest projected state, or -1.
func (pw *ProjectionWorker) LastSequence() int64 {
	return pw.lastSeq.Load()
}

// Run starts the projection worker loop.
func (pw *ProjectionWorker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case env, ok := <-pw.in:
			if !ok {
				return nil
			}
			upd, err := Capture(pw.runner, env.Pool, env.Touched)
			if err == nil {
				err = pw.apply(ctx, upd)
			}
			if err != nil {
				// Continue: projections are eventually consistent
				pw.log.Warn().Err(err).Int64("seq", env.Sequence).Msg("projection update failed")
				continue
			}
			if upd.Sequence > pw.lastSeq.Load() {
				pw.lastSeq.Store(upd.Sequence)
			}
		}
	}
}

// Capture reads the current pool and position rows under the runner lock.
// Rows are stamped with the kernel's sequence, which may be ahead of the
// envelope that named them.
func Capture(runner *core.Runner, poolID ledger.PoolID, keys []ledger.PositionKey) (*Update, error) {
	upd := &Update{}
	seq, err := runner.ViewAt(func(k *core.Kernel) error {
		pool, err := k.Pool(poolID)
		if err != nil {
			return err
		}
		upd.Pool = poolRow(pool)
		for _, key := range keys {
			v, err := k.Position(poolID, key)
			if err != nil {
				return err
			}
			upd.Positions = append(upd.Positions, positionRow(v))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	upd.Sequence = seq
	return upd, nil
}

func poolRow(v core.PoolView) PoolRow {
	return PoolRow{
		PoolID:                     v.Params.ID,
		Underlying:                 v.Params.Underlying,
		TotalDeposits:              v.State.TotalDeposits.Dec(),
		TrackedBalance:             v.State.TrackedBalance.Dec(),
		YieldReserve:               v.State.YieldReserve.Dec(),
		FeeIndex:                   v.State.FeeIndex.Dec(),
		MaintenanceIndex:           v.State.MaintenanceIndex.Dec(),
		ActiveCreditIndex:          v.State.ActiveCreditIndex.Dec(),
		ActiveCreditPrincipalTotal: v.State.ActiveCreditPrincipalTotal.Dec(),
	}
}

func positionRow(v core.PositionView) PositionRow {
	return PositionRow{
		PoolID:       v.Pool,
		PositionKey:  v.Key,
		Principal:    v.User.Principal.Dec(),
		AccruedYield: v.User.AccruedYield.Dec(),
		Encumbered:   v.Encumbrance.Total().Dec(),
		Debt:         v.Debt.Dec(),
	}
}

func (pw *ProjectionWorker) apply(ctx context.Context, upd *Update) error {
	tx, err := pw.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := writeUpdate(ctx, tx, upd); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.watermark (worker_id, last_sequence, updated_at)
		VALUES ('main', $1, NOW())
		ON CONFLICT (worker_id) DO UPDATE SET last_sequence = GREATEST(projections.watermark.last_sequence, $1), updated_at = NOW()
	`, upd.Sequence); err != nil {
		return fmt.Errorf("watermark update: %w", err)
	}

	return tx.Commit()
}

// writeUpdate upserts rows, never replacing a newer projection.
func writeUpdate(ctx context.Context, tx *sql.Tx, upd *Update) error {
	p := upd.Pool
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.pools
			(pool_id, underlying, total_deposits, tracked_balance, yield_reserve, fee_index,
			 maintenance_index, active_credit_index, active_credit_principal_total, last_sequence, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW())
		ON CONFLICT (pool_id) DO UPDATE SET
			underlying = EXCLUDED.underlying,
			total_deposits = EXCLUDED.total_deposits,
			tracked_balance = EXCLUDED.tracked_balance,
			yield_reserve = EXCLUDED.yield_reserve,
			fee_index = EXCLUDED.fee_index,
			maintenance_index = EXCLUDED.maintenance_index,
			active_credit_index = EXCLUDED.active_credit_index,
			active_credit_principal_total = EXCLUDED.active_credit_principal_total,
			last_sequence = EXCLUDED.last_sequence,
			updated_at = NOW()
		WHERE projections.pools.last_sequence <= EXCLUDED.last_sequence
	`, int64(p.PoolID), p.Underlying, p.TotalDeposits, p.TrackedBalance, p.YieldReserve, p.FeeIndex,
		p.MaintenanceIndex, p.ActiveCreditIndex, p.ActiveCreditPrincipalTotal, upd.Sequence); err != nil {
		return fmt.Errorf("pool projection: %w", err)
	}

	for _, r := range upd.Positions {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO projections.positions
				(pool_id, position_key, principal, accrued_yield, encumbered, debt, last_sequence, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
			ON CONFLICT (pool_id, position_key) DO UPDATE SET
				principal = EXCLUDED.principal,
				accrued_yield = EXCLUDED.accrued_yield,
				encumbered = EXCLUDED.encumbered,
				debt = EXCLUDED.debt,
				last_sequence = EXCLUDED.last_sequence,
				updated_at = NOW()
			WHERE projections.positions.last_sequence <= EXCLUDED.last_sequence
		`, int64(r.PoolID), r.PositionKey.String(), r.Principal, r.AccruedYield, r.Encumbered, r.Debt, upd.Sequence); err != nil {
			return fmt.Errorf("position projection: %w", err)
		}
	}
	return nil
}

// RebuildProjections replaces every projection with the kernel's current
// state.
func RebuildProjections(ctx context.Context, db *sql.DB, runner *core.Runner, log zerolog.Logger) error {
	var updates []*Update
	seq, err := runner.ViewAt(func(k *core.Kernel) error {
		for _, img := range k.Images() {
			pool, err := k.Pool(img.Params.ID)
			if err != nil {
				return err
			}
			upd := &Update{Pool: poolRow(pool)}
			for key := range img.Users {
				v, err := k.Position(img.Params.ID, key)
				if err != nil {
					return err
				}
				upd.Positions = append(upd.Positions, positionRow(v))
			}
			updates = append(updates, upd)
		}
		return nil
	})
	if err != nil {
		return err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, stmt := range []string{
		`TRUNCATE projections.pools`,
		`TRUNCATE projections.positions`,
		`DELETE FROM projections.watermark WHERE worker_id = 'main'`,
	} {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("truncate failed: %w", err)
		}
	}
	positions := 0
	for _, upd := range updates {
		upd.Sequence = seq
		if err := writeUpdate(ctx, tx, upd); err != nil {
			return err
		}
		positions += len(upd.Positions)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.watermark (worker_id, last_sequence, updated_at) VALUES ('main', $1, NOW())
	`, seq); err != nil {
		return fmt.Errorf("watermark update: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	log.Info().Int64("sequence", seq).Int("pools", len(updates)).Int("positions", positions).Msg("projection rebuild complete")
	return nil
}
