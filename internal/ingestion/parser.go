package ingestion

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"EqualisLedger/internal/event"
	"EqualisLedger/internal/ledger"
)

const commandPrefix = "equalis.cmd."

// CommandSubject returns the subject a command is published on:
// equalis.cmd.<op>.<pool>.
func CommandSubject(op event.Op, pool ledger.PoolID) string {
	return fmt.Sprintf("%s%s.%d", commandPrefix, op, pool)
}

// ParseSubject splits a command subject into its op and pool.
func ParseSubject(subject string) (event.Op, ledger.PoolID, error) {
	rest, ok := strings.CutPrefix(subject, commandPrefix)
	if !ok {
		return event.OpUnknown, 0, fmt.Errorf("%w: subject %q", event.ErrMalformedCommand, subject)
	}
	opName, poolStr, ok := strings.Cut(rest, ".")
	if !ok || strings.Contains(poolStr, ".") {
		return event.OpUnknown, 0, fmt.Errorf("%w: subject %q", event.ErrMalformedCommand, subject)
	}
	op, err := event.ParseOp(opName)
	if err != nil {
		return event.OpUnknown, 0, fmt.Errorf("%w: %v", event.ErrMalformedCommand, err)
	}
	pool, err := strconv.ParseUint(poolStr, 10, 32)
	if err != nil {
		return event.OpUnknown, 0, fmt.Errorf("%w: subject pool %q", event.ErrMalformedCommand, poolStr)
	}
	return op, ledger.PoolID(pool), nil
}

// ParseCommand decodes a raw message. The payload's op must match the
// subject; a payload without a pool takes the subject's.
func ParseCommand(raw RawCommand) (*event.Command, error) {
	op, pool, err := ParseSubject(raw.Subject)
	if err != nil {
		return nil, err
	}

	var cmd event.Command
	if err := json.Unmarshal(raw.Data, &cmd); err != nil {
		return nil, err
	}
	if cmd.Op != op {
		return nil, fmt.Errorf("%w: payload op %s on subject %s", event.ErrMalformedCommand, cmd.Op, raw.Subject)
	}
	switch cmd.Pool {
	case 0:
		cmd.Pool = pool
	case pool:
	default:
		return nil, fmt.Errorf("%w: payload pool %d on subject %s", event.ErrMalformedCommand, cmd.Pool, raw.Subject)
	}
	return &cmd, nil
}
