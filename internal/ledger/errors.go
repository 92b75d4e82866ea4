package ledger

import (
	"errors"
	"fmt"

	"github.com/holiman/uint256"
)

var (
	// ErrUnderflow: a decrement exceeded the current balance. Never clamped.
	ErrUnderflow = errors.New("ledger: underflow")
	// ErrInsufficientBacking: an accrual would promise yield the pool cannot pay.
	ErrInsufficientBacking = errors.New("ledger: insufficient backing")
	// ErrOverflow: an unsigned addition wrapped the 256-bit word.
	ErrOverflow = errors.New("ledger: overflow")
	// ErrInvariantViolation: a conservation or bound check failed.
	ErrInvariantViolation = errors.New("ledger: invariant violation")
	ErrUnknownPool        = errors.New("ledger: unknown pool")
	ErrPoolExists         = errors.New("ledger: pool already registered")
	ErrInvalidAmount      = errors.New("ledger: amount must be positive")
	// ErrInsufficientPrincipal: the request exceeds unencumbered principal.
	ErrInsufficientPrincipal = errors.New("ledger: insufficient available principal")
)

// UnderflowError describes which balance a decrement would have driven
// below zero.
type UnderflowError struct {
	Pool      PoolID
	Position  PositionKey
	Field     string
	Have      *uint256.Int
	Requested *uint256.Int
}

func (e *UnderflowError) Error() string {
	return fmt.Sprintf("ledger: underflow on pool %d position %s %s: have=%s, requested=%s",
		e.Pool, e.Position, e.Field, e.Have.Dec(), e.Requested.Dec())
}

func (e *UnderflowError) Unwrap() error { return ErrUnderflow }

func newUnderflow(pool PoolID, key PositionKey, field string, have, requested *uint256.Int) *UnderflowError {
	return &UnderflowError{
		Pool:      pool,
		Position:  key,
		Field:     field,
		Have:      new(uint256.Int).Set(have),
		Requested: new(uint256.Int).Set(requested),
	}
}

// BackingError reports a failed solvency check on accrual.
type BackingError struct {
	Pool     PoolID
	Backing  *uint256.Int // tracked balance plus any extra backing
	Required *uint256.Int // deposits + reserve + amount
}

func (e *BackingError) Error() string {
	return fmt.Sprintf("ledger: insufficient backing on pool %d: backing=%s, required=%s",
		e.Pool, e.Backing.Dec(), e.Required.Dec())
}

func (e *BackingError) Unwrap() error { return ErrInsufficientBacking }
