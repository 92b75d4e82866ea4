package ledger

import (
	"fmt"

	"github.com/google/uuid"
)

// PoolID identifies an isolated per-asset accounting domain.
type PoolID uint32

// IndexID identifies a basket index that can encumber principal.
type IndexID uint32

// PositionKey is the stable identity of one account container. It is derived
// from the position NFT and survives ownership transfers.
type PositionKey uuid.UUID

// positionNamespace scopes name-based position keys.
var positionNamespace = uuid.MustParse("6f1d3c2a-9b7e-5e41-8c1a-4e5d6f7a8b90")

// NewPositionKey derives the key for token tokenID of an NFT collection.
// The same (collection, tokenID) pair always yields the same key.
func NewPositionKey(collection string, tokenID uint64) PositionKey {
	name := fmt.Sprintf("%s:%d", collection, tokenID)
	return PositionKey(uuid.NewSHA1(positionNamespace, []byte(name)))
}

// ParsePositionKey parses the canonical UUID string form.
func ParsePositionKey(s string) (PositionKey, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return PositionKey{}, fmt.Errorf("parse position key: %w", err)
	}
	return PositionKey(id), nil
}

func (k PositionKey) String() string {
	return uuid.UUID(k).String()
}

// Component names one of the four encumbrance counters.
type Component uint8

const (
	ComponentDirectLocked Component = iota
	ComponentDirectLent
	ComponentDirectOfferEscrow
	ComponentIndexEncumbered
)

func (c Component) String() string {
	switch c {
	case ComponentDirectLocked:
		return "direct_locked"
	case ComponentDirectLent:
		return "direct_lent"
	case ComponentDirectOfferEscrow:
		return "direct_offer_escrow"
	case ComponentIndexEncumbered:
		return "index_encumbered"
	default:
		return "unknown"
	}
}

// ParseComponent maps the wire name back to a Component.
func ParseComponent(s string) (Component, error) {
	switch s {
	case "direct_locked":
		return ComponentDirectLocked, nil
	case "direct_lent":
		return ComponentDirectLent, nil
	case "direct_offer_escrow":
		return ComponentDirectOfferEscrow, nil
	case "index_encumbered":
		return ComponentIndexEncumbered, nil
	default:
		return 0, fmt.Errorf("unknown encumbrance component: %q", s)
	}
}

// CountsForActiveCredit reports whether the component is active P2P credit.
// Basket-index exposure is excluded.
func (c Component) CountsForActiveCredit() bool {
	return c != ComponentIndexEncumbered
}
