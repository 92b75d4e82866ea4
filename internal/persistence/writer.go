package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"EqualisLedger/internal/event"

	"github.com/lib/pq"
)

// OpLogWriter appends applied operations to ledger_log.operations using
// multi-row INSERT.
type OpLogWriter struct {
	db *sql.DB
}

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// OperationRow represents a row in ledger_log.operations
type OperationRow struct {
	Sequence   int64
	CommandID  string
	Op         string
	PoolID     int64
	Position   *string // NULL for pool-wide ops
	Payload    []byte  // JSON-encoded command
	Result     string  // decimal
	Touched    []string
	StateHash  []byte
	PrevHash   []byte
	LedgerTime int64
}

const operationColumns = 11

func NewOpLogWriter(db *sql.DB) *OpLogWriter {
	return &OpLogWriter{db: db}
}

// OperationRowFromEnvelope converts a core envelope into its log row.
func OperationRowFromEnvelope(env *event.Envelope) OperationRow {
	row := OperationRow{
		Sequence:   env.Sequence,
		CommandID:  env.CommandID,
		Op:         env.Op.String(),
		PoolID:     int64(env.Pool),
		Payload:    env.Payload,
		Result:     env.Result.Dec(),
		StateHash:  append([]byte(nil), env.StateHash[:]...),
		PrevHash:   append([]byte(nil), env.PrevHash[:]...),
		LedgerTime: int64(env.Timestamp),
		Touched:    make([]string, 0, len(env.Touched)),
	}
	if env.Op.NeedsPosition() {
		s := env.Position.String()
		row.Position = &s
	}
	for _, k := range env.Touched {
		row.Touched = append(row.Touched, k.String())
	}
	return row
}

// WriteOperationBatch writes rows through ex, usually a transaction.
// Re-delivered sequences are ignored.
func (w *OpLogWriter) WriteOperationBatch(ctx context.Context, ex execer, rows []OperationRow) error {
	if len(rows) == 0 {
		return nil
	}

	query := `INSERT INTO ledger_log.operations
		(sequence, command_id, op, pool_id, position_key, payload, result, touched, state_hash, prev_hash, ledger_time)
		VALUES `

	values := make([]string, 0, len(rows))
	args := make([]any, 0, len(rows)*operationColumns)

	for i, r := range rows {
		base := i * operationColumns
		placeholders := make([]string, operationColumns)
		for j := range placeholders {
			placeholders[j] = fmt.Sprintf("$%d", base+j+1)
		}
		values = append(values, "("+strings.Join(placeholders, ", ")+")")
		args = append(args,
			r.Sequence, r.CommandID, r.Op, r.PoolID, r.Position,
			string(r.Payload), r.Result, pq.Array(r.Touched), r.StateHash, r.PrevHash, r.LedgerTime,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (sequence) DO NOTHING"

	_, err := ex.ExecContext(ctx, query, args...)
	return err
}
