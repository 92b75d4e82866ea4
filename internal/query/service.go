package query

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"EqualisLedger/internal/core"
	"EqualisLedger/internal/ledger"
	"EqualisLedger/internal/observability"

	"github.com/holiman/uint256"
)

// ErrNoHistory is returned by PositionOperations without a database.
var ErrNoHistory = errors.New("query: operation history not configured")

// QueryService provides read-only access to kernel state. Views read the
// live kernel through the Runner so they never observe a half-applied
// command; operation history reads the Postgres op log. All kernel views
// carry as_of_sequence, the last applied sequence.
type QueryService struct {
	runner  *core.Runner
	db      *sql.DB
	metrics *observability.Metrics
}

// NewQueryService wires the service. db may be nil, disabling history.
func NewQueryService(runner *core.Runner, db *sql.DB, metrics *observability.Metrics) *QueryService {
	return &QueryService{runner: runner, db: db, metrics: metrics}
}

// GetPool returns a pool's parameters and scalars.
func (qs *QueryService) GetPool(ctx context.Context, poolID ledger.PoolID) (resp *PoolResponse, err error) {
	defer qs.observe("get_pool", time.Now(), &err)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	seq, err := qs.runner.ViewAt(func(k *core.Kernel) error {
		v, err := k.Pool(poolID)
		if err != nil {
			return err
		}
		s := &v.State
		resp = &PoolResponse{
			PoolID:                     uint32(v.Params.ID),
			Underlying:                 v.Params.Underlying,
			MaintenanceRateBps:         v.Params.MaintenanceRateBps,
			FeeReceiver:                v.Params.FeeReceiver,
			TotalDeposits:              s.TotalDeposits.Dec(),
			TrackedBalance:             s.TrackedBalance.Dec(),
			YieldReserve:               s.YieldReserve.Dec(),
			FeeIndex:                   s.FeeIndex.Dec(),
			MaintenanceIndex:           s.MaintenanceIndex.Dec(),
			LastMaintenanceEpoch:       s.LastMaintenanceEpoch,
			PendingMaintenance:         s.PendingMaintenance.Dec(),
			MaintenanceUnsettled:       s.MaintenanceUnsettled.Dec(),
			ActiveCreditIndex:          s.ActiveCreditIndex.Dec(),
			ActiveCreditPrincipalTotal: s.ActiveCreditPrincipalTotal.Dec(),
			ActiveCreditMaturedTotal:   s.ActiveCreditMaturedTotal.Dec(),
			Positions:                  v.Positions,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	resp.AsOfSequence = seq
	return resp, nil
}

// ListPools returns every registered pool in id order.
func (qs *QueryService) ListPools(ctx context.Context) ([]*PoolResponse, error) {
	var ids []ledger.PoolID
	qs.runner.View(func(k *core.Kernel) error {
		ids = k.PoolIDs()
		return nil
	})
	out := make([]*PoolResponse, 0, len(ids))
	for _, id := range ids {
		p, err := qs.GetPool(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// GetPosition returns a position's balances and pending yield. When ltvBps
// is non-zero the response includes the borrow limit at that LTV.
func (qs *QueryService) GetPosition(ctx context.Context, poolID ledger.PoolID, key ledger.PositionKey, ltvBps uint64) (resp *PositionResponse, err error) {
	defer qs.observe("get_position", time.Now(), &err)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	seq, err := qs.runner.ViewAt(func(k *core.Kernel) error {
		v, err := k.Position(poolID, key)
		if err != nil {
			return err
		}
		pending := new(uint256.Int).Add(&v.PendingFeeYield, &v.PendingActiveCreditYield)
		resp = &PositionResponse{
			PoolID:                   uint32(poolID),
			PositionKey:              key.String(),
			Principal:                v.User.Principal.Dec(),
			AccruedYield:             v.User.AccruedYield.Dec(),
			MaintenanceOwed:          v.User.MaintenanceOwed.Dec(),
			Available:                v.Available.Dec(),
			Debt:                     v.Debt.Dec(),
			PendingFeeYield:          v.PendingFeeYield.Dec(),
			PendingActiveCreditYield: v.PendingActiveCreditYield.Dec(),
			PendingYield:             pending.Dec(),
			Encumbrance:              encumbrance(&v.Encumbrance),
		}
		if ltvBps != 0 {
			resp.MaxBorrowable = core.MaxBorrowable(&v.User.Principal, ltvBps).Dec()
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	resp.AsOfSequence = seq
	return resp, nil
}

func encumbrance(e *ledger.Encumbrance) EncumbranceResponse {
	r := EncumbranceResponse{
		DirectLocked:      e.DirectLocked.Dec(),
		DirectLent:        e.DirectLent.Dec(),
		DirectOfferEscrow: e.DirectOfferEscrow.Dec(),
		IndexEncumbered:   e.IndexEncumbered.Dec(),
		Total:             e.Total().Dec(),
	}
	if len(e.ByIndex) > 0 {
		r.ByIndex = make(map[uint32]string, len(e.ByIndex))
		for id, amt := range e.ByIndex {
			r.ByIndex[uint32(id)] = amt.Dec()
		}
	}
	return r
}

// PositionOperations returns the most recent logged operations that touched
// key in poolID, newest first.
func (qs *QueryService) PositionOperations(ctx context.Context, poolID ledger.PoolID, key ledger.PositionKey, limit int) (ops []OperationResponse, err error) {
	defer qs.observe("position_operations", time.Now(), &err)
	if qs.db == nil {
		return nil, ErrNoHistory
	}
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT sequence, command_id, op, result, ledger_time, state_hash
		FROM ledger_log.operations
		WHERE pool_id = $1 AND $2 = ANY(touched)
		ORDER BY sequence DESC
		LIMIT $3
	`, int64(poolID), key.String(), limit)
	if err != nil {
		return nil, fmt.Errorf("position operations: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var o OperationResponse
		var hash []byte
		if err := rows.Scan(&o.Sequence, &o.CommandID, &o.Op, &o.Result, &o.LedgerTime, &hash); err != nil {
			return nil, err
		}
		o.StateHash = hex.EncodeToString(hash)
		ops = append(ops, o)
	}
	return ops, rows.Err()
}

func (qs *QueryService) observe(endpoint string, start time.Time, err *error) {
	if qs.metrics == nil {
		return
	}
	qs.metrics.QueryRequests.WithLabelValues(endpoint).Inc()
	qs.metrics.QueryDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
	if *err != nil {
		qs.metrics.QueryErrors.WithLabelValues(endpoint, errorCode(*err)).Inc()
	}
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, ledger.ErrUnknownPool):
		return "not_found"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	default:
		return "internal"
	}
}
