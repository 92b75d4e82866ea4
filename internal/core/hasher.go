package core

import (
	"crypto/sha256"
	"encoding/binary"
)

const GenesisHashSeed = "EqualisLedger:genesis:v1"

// ChainLink is what one applied command contributes to the hash chain.
type ChainLink struct {
	Sequence   int64
	CommandID  string
	Op         int32
	LedgerTime uint64
	Digest     []byte
}

// GenesisHash is the chain tip before the first command.
func GenesisHash() [32]byte {
	return sha256.Sum256([]byte(GenesisHashSeed))
}

// ChainHash is SHA-256(prev || seq || op || ledger_time || len(id) || id || digest),
// integers little endian.
func ChainHash(prev [32]byte, link ChainLink) [32]byte {
	h := sha256.New()
	h.Write(prev[:])

	var buf [8 + 4 + 8 + 4]byte
	binary.LittleEndian.PutUint64(buf[0:], uint64(link.Sequence))
	binary.LittleEndian.PutUint32(buf[8:], uint32(link.Op))
	binary.LittleEndian.PutUint64(buf[12:], link.LedgerTime)
	binary.LittleEndian.PutUint32(buf[20:], uint32(len(link.CommandID)))
	h.Write(buf[:])
	h.Write([]byte(link.CommandID))
	h.Write(link.Digest)

	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// StateHasher holds the chain tip.
type StateHasher struct {
	tip [32]byte
}

func NewStateHasher() *StateHasher {
	return &StateHasher{tip: GenesisHash()}
}

// Extend links one command onto the chain and returns the previous and new
// tips.
func (h *StateHasher) Extend(link ChainLink) (prev, next [32]byte) {
	prev = h.tip
	h.tip = ChainHash(prev, link)
	return prev, h.tip
}

func (h *StateHasher) Tip() [32]byte {
	return h.tip
}

// Reset moves the tip, used on snapshot restore.
func (h *StateHasher) Reset(tip [32]byte) {
	h.tip = tip
}
