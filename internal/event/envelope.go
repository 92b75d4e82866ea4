package event

import (
	"encoding/hex"
	"encoding/json"

	"EqualisLedger/internal/ledger"

	"github.com/holiman/uint256"
)

// Envelope wraps every applied command in the op log
type Envelope struct {
	// Global monotonic sequence assigned by core
	Sequence int64

	// Stable idempotency key from upstream
	CommandID string

	Op       Op
	Pool     ledger.PoolID
	Position ledger.PositionKey

	// Versioned input timestamp (NOT wall-clock), unix seconds
	Timestamp uint64

	// JSON-encoded command
	Payload []byte

	// Amount the op actually moved: yield claimed, fee distributed,
	// maintenance accrued or paid, escrow released. Zero when not applicable.
	Result uint256.Int

	// Positions mutated by the op, in byte order
	Touched []ledger.PositionKey

	// SHA-256 of state AFTER applying this command
	StateHash [32]byte

	// Previous command's state hash (chain integrity)
	PrevHash [32]byte
}

type envelopeWire struct {
	Sequence  int64           `json:"sequence"`
	CommandID string          `json:"command_id"`
	Op        string          `json:"op"`
	Pool      uint32          `json:"pool"`
	Position  string          `json:"position,omitempty"`
	Timestamp uint64          `json:"timestamp"`
	Command   json.RawMessage `json:"command"`
	Result    string          `json:"result"`
	Touched   []string        `json:"touched,omitempty"`
	StateHash string          `json:"state_hash"`
	PrevHash  string          `json:"prev_hash"`
}

// MarshalJSON is the published form of an envelope.
func (e *Envelope) MarshalJSON() ([]byte, error) {
	w := envelopeWire{
		Sequence:  e.Sequence,
		CommandID: e.CommandID,
		Op:        e.Op.String(),
		Pool:      uint32(e.Pool),
		Timestamp: e.Timestamp,
		Command:   json.RawMessage(e.Payload),
		Result:    e.Result.Dec(),
		StateHash: hex.EncodeToString(e.StateHash[:]),
		PrevHash:  hex.EncodeToString(e.PrevHash[:]),
	}
	if e.Op.NeedsPosition() {
		w.Position = e.Position.String()
	}
	for _, k := range e.Touched {
		w.Touched = append(w.Touched, k.String())
	}
	if len(w.Command) == 0 {
		w.Command = json.RawMessage("null")
	}
	return json.Marshal(w)
}
