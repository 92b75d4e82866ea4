package event

import (
	"encoding/json"
	"errors"
	"fmt"

	"EqualisLedger/internal/debt"
	"EqualisLedger/internal/ledger"

	"github.com/holiman/uint256"
)

var ErrMalformedCommand = errors.New("event: malformed command")

// Command is one collaborator request against the kernel. Timestamp is the
// versioned input time in unix seconds; the kernel never reads a wall clock.
type Command struct {
	// Stable idempotency key from upstream
	ID string

	Op        Op
	Pool      ledger.PoolID
	Position  ledger.PositionKey
	Component ledger.Component
	Index     ledger.IndexID
	DebtKind  debt.Kind
	Amount    uint256.Int

	// Backing replaces active credit principal in the fee accrual backing
	// check when set.
	Backing *uint256.Int

	// Source tags an accrual for logs and metrics only.
	Source string

	// Account is the external counterparty: depositor, recipient or payer.
	Account string

	Timestamp uint64
}

// IdempotencyKey returns the stable dedup key
func (c *Command) IdempotencyKey() string { return c.ID }

type commandWire struct {
	ID         string `json:"id"`
	Op         string `json:"op"`
	Pool       uint32 `json:"pool"`
	Position   string `json:"position,omitempty"`
	Collection string `json:"collection,omitempty"`
	TokenID    uint64 `json:"token_id,omitempty"`
	Component  string `json:"component,omitempty"`
	Index      uint32 `json:"index,omitempty"`
	DebtKind   string `json:"debt_kind,omitempty"`
	Amount     string `json:"amount,omitempty"`
	Backing    string `json:"backing,omitempty"`
	Source     string `json:"source,omitempty"`
	Account    string `json:"account,omitempty"`
	Timestamp  uint64 `json:"timestamp"`
}

// MarshalJSON encodes amounts as decimal strings and the position as its
// canonical key.
func (c *Command) MarshalJSON() ([]byte, error) {
	w := commandWire{
		ID:        c.ID,
		Op:        c.Op.String(),
		Pool:      uint32(c.Pool),
		Index:     uint32(c.Index),
		Source:    c.Source,
		Account:   c.Account,
		Timestamp: c.Timestamp,
	}
	if c.Op.NeedsPosition() {
		w.Position = c.Position.String()
	}
	switch c.Op {
	case OpEncumber, OpUnencumber:
		w.Component = c.Component.String()
	case OpBorrow, OpRepay:
		w.DebtKind = c.DebtKind.String()
	}
	if !c.Amount.IsZero() {
		w.Amount = c.Amount.Dec()
	}
	if c.Backing != nil {
		w.Backing = c.Backing.Dec()
	}
	return json.Marshal(w)
}

func (c *Command) UnmarshalJSON(data []byte) error {
	var w commandWire
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedCommand, err)
	}
	cmd, err := w.command()
	if err != nil {
		return err
	}
	*c = *cmd
	return nil
}

func (w *commandWire) command() (*Command, error) {
	op, err := ParseOp(w.Op)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedCommand, err)
	}
	cmd := &Command{
		ID:        w.ID,
		Op:        op,
		Pool:      ledger.PoolID(w.Pool),
		Index:     ledger.IndexID(w.Index),
		Source:    w.Source,
		Account:   w.Account,
		Timestamp: w.Timestamp,
	}

	switch {
	case w.Position != "":
		if cmd.Position, err = ledger.ParsePositionKey(w.Position); err != nil {
			return nil, fmt.Errorf("%w: position: %v", ErrMalformedCommand, err)
		}
	case w.Collection != "":
		cmd.Position = ledger.NewPositionKey(w.Collection, w.TokenID)
	}
	if w.Component != "" {
		if cmd.Component, err = ledger.ParseComponent(w.Component); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedCommand, err)
		}
	}
	if w.DebtKind != "" {
		if cmd.DebtKind, err = debt.ParseKind(w.DebtKind); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedCommand, err)
		}
	}
	if w.Amount != "" {
		amount, err := uint256.FromDecimal(w.Amount)
		if err != nil {
			return nil, fmt.Errorf("%w: amount %q: %v", ErrMalformedCommand, w.Amount, err)
		}
		cmd.Amount.Set(amount)
	}
	if w.Backing != "" {
		backing, err := uint256.FromDecimal(w.Backing)
		if err != nil {
			return nil, fmt.Errorf("%w: backing %q: %v", ErrMalformedCommand, w.Backing, err)
		}
		cmd.Backing = backing
	}
	return cmd, cmd.Validate()
}

// Validate checks the fields the op requires are present.
func (c *Command) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("%w: missing id", ErrMalformedCommand)
	}
	if c.Op == OpUnknown {
		return fmt.Errorf("%w: missing op", ErrMalformedCommand)
	}
	if c.Timestamp == 0 {
		return fmt.Errorf("%w: %s: missing timestamp", ErrMalformedCommand, c.Op)
	}
	if c.Op.NeedsPosition() && c.Position == (ledger.PositionKey{}) {
		return fmt.Errorf("%w: %s: missing position", ErrMalformedCommand, c.Op)
	}
	if c.Op.NeedsAmount() && c.Amount.IsZero() {
		return fmt.Errorf("%w: %s: missing amount", ErrMalformedCommand, c.Op)
	}
	if (c.Op == OpEncumber || c.Op == OpUnencumber) && c.Component == ledger.ComponentIndexEncumbered {
		return fmt.Errorf("%w: %s: index encumbrance uses the index ops", ErrMalformedCommand, c.Op)
	}
	return nil
}
