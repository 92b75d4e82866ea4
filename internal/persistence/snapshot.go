package persistence

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"EqualisLedger/internal/core"
	"EqualisLedger/internal/event"
	"EqualisLedger/internal/ledger"
	"EqualisLedger/internal/observability"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/lib/pq"
)

// ErrSnapshotMismatch: a snapshot's hash disagrees with the operation log.
var ErrSnapshotMismatch = errors.New("persistence: snapshot hash does not match operation log")

// SnapshotManager handles creating and loading state snapshots for recovery
// and reading the operation log for replay.
type SnapshotManager struct {
	db      *sql.DB
	metrics *observability.Metrics
}

func NewSnapshotManager(db *sql.DB, metrics *observability.Metrics) *SnapshotManager {
	return &SnapshotManager{db: db, metrics: metrics}
}

// formatVersion changes whenever the encoded pool layout does. Snapshots in
// an older format are ignored and the log is replayed instead.
const formatVersion = 2

// SaveSnapshot persists a snapshot to Postgres, unverified.
func (sm *SnapshotManager) SaveSnapshot(ctx context.Context, snap *core.SnapshotState) error {
	encoded := EncodeSnapshot(snap)
	data, err := json.Marshal(encoded)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	_, err = sm.db.ExecContext(ctx, `
		INSERT INTO ledger_log.snapshots
			(snapshot_id, sequence, data, state_hash, format_version, size_bytes, verified, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, FALSE, $7)
		ON CONFLICT (sequence) DO UPDATE SET data = $3, state_hash = $4, size_bytes = $6
	`, uuid.New(), snap.Sequence, string(data), snap.StateHash[:], formatVersion, len(data), encoded.CreatedAt)
	if err != nil {
		return fmt.Errorf("save snapshot %d: %w", snap.Sequence, err)
	}

	if sm.metrics != nil {
		sm.metrics.SnapshotTaken.Inc()
		sm.metrics.SnapshotSizeBytes.Set(float64(len(data)))
		sm.metrics.SnapshotLastSeq.Set(float64(snap.Sequence))
	}
	return nil
}

// LoadLatestSnapshot loads the most recent verified snapshot in the current
// format. A nil result with a nil error means cold start.
func (sm *SnapshotManager) LoadLatestSnapshot(ctx context.Context) (*core.SnapshotState, error) {
	row := sm.db.QueryRowContext(ctx, `
		SELECT data FROM ledger_log.snapshots
		WHERE verified = TRUE AND format_version = $1
		ORDER BY sequence DESC
		LIMIT 1
	`, formatVersion)

	var data []byte
	if err := row.Scan(&data); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("load snapshot: %w", err)
	}

	var encoded SnapshotData
	if err := json.Unmarshal(data, &encoded); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return DecodeSnapshot(&encoded)
}

// Verify checks the snapshot's hash against the logged operation at the
// same sequence and marks it verified. A snapshot ahead of the log is left
// unverified.
func (sm *SnapshotManager) Verify(ctx context.Context, snap *core.SnapshotState) (bool, error) {
	var logged []byte
	err := sm.db.QueryRowContext(ctx,
		`SELECT state_hash FROM ledger_log.operations WHERE sequence = $1`, snap.Sequence,
	).Scan(&logged)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("verify snapshot %d: %w", snap.Sequence, err)
	}
	if !bytes.Equal(logged, snap.StateHash[:]) {
		return false, fmt.Errorf("snapshot %d: %w", snap.Sequence, ErrSnapshotMismatch)
	}
	if err := sm.MarkVerified(ctx, snap.Sequence); err != nil {
		return false, err
	}
	return true, nil
}

// MarkVerified marks a snapshot as verified after integrity check.
func (sm *SnapshotManager) MarkVerified(ctx context.Context, sequence int64) error {
	_, err := sm.db.ExecContext(ctx, `
		UPDATE ledger_log.snapshots SET verified = TRUE WHERE sequence = $1
	`, sequence)
	return err
}

// LoadOpsFrom loads logged operations from fromSequence for replay.
func (sm *SnapshotManager) LoadOpsFrom(ctx context.Context, fromSequence int64, limit int) ([]*event.Envelope, error) {
	rows, err := sm.db.QueryContext(ctx, `
		SELECT sequence, command_id, op, pool_id, position_key, payload, result,
		       touched, state_hash, prev_hash, ledger_time
		FROM ledger_log.operations
		WHERE sequence >= $1
		ORDER BY sequence ASC
		LIMIT $2
	`, fromSequence, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var envs []*event.Envelope
	for rows.Next() {
		var r OperationRow
		if err := rows.Scan(
			&r.Sequence, &r.CommandID, &r.Op, &r.PoolID, &r.Position, &r.Payload, &r.Result,
			pq.Array(&r.Touched), &r.StateHash, &r.PrevHash, &r.LedgerTime,
		); err != nil {
			return nil, err
		}
		env, err := EnvelopeFromRow(r)
		if err != nil {
			return nil, err
		}
		envs = append(envs, env)
	}
	return envs, rows.Err()
}

// EnvelopeFromRow rebuilds an envelope from its log row.
func EnvelopeFromRow(r OperationRow) (*event.Envelope, error) {
	op, err := event.ParseOp(r.Op)
	if err != nil {
		return nil, fmt.Errorf("operation %d: %w", r.Sequence, err)
	}
	env := &event.Envelope{
		Sequence:  r.Sequence,
		CommandID: r.CommandID,
		Op:        op,
		Pool:      ledger.PoolID(r.PoolID),
		Timestamp: uint64(r.LedgerTime),
		Payload:   r.Payload,
	}
	if r.Position != nil {
		if env.Position, err = ledger.ParsePositionKey(*r.Position); err != nil {
			return nil, fmt.Errorf("operation %d: %w", r.Sequence, err)
		}
	}
	if r.Result != "" {
		result, err := uint256.FromDecimal(r.Result)
		if err != nil {
			return nil, fmt.Errorf("operation %d result: %w", r.Sequence, err)
		}
		env.Result.Set(result)
	}
	for _, s := range r.Touched {
		k, err := ledger.ParsePositionKey(s)
		if err != nil {
			return nil, fmt.Errorf("operation %d touched: %w", r.Sequence, err)
		}
		env.Touched = append(env.Touched, k)
	}
	if len(r.StateHash) != 32 || len(r.PrevHash) != 32 {
		return nil, fmt.Errorf("operation %d: malformed hash", r.Sequence)
	}
	copy(env.StateHash[:], r.StateHash)
	copy(env.PrevHash[:], r.PrevHash)
	return env, nil
}

// GetLatestSequence returns the highest logged sequence, or -1 for an empty
// log.
func (sm *SnapshotManager) GetLatestSequence(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	err := sm.db.QueryRowContext(ctx, `
		SELECT MAX(sequence) FROM ledger_log.operations
	`).Scan(&seq)
	if err != nil {
		return 0, err
	}
	if !seq.Valid {
		return -1, nil
	}
	return seq.Int64, nil
}
