package wal

import (
	"crypto/sha256"
	"encoding/binary"
)

const genesisSeed = "PerpGuard:wal:v1"

// Chain computes the per-event integrity hash:
// hash[N] = SHA-256(prev_hash || sequence || digest).
// A replayed log that does not reproduce the chain tip was tampered with or
// truncated mid-write.
type Chain struct {
	prevHash [32]byte
}

func NewChain() *Chain {
	return &Chain{prevHash: sha256.Sum256([]byte(genesisSeed))}
}

// Next folds the event digest into the chain and advances the tip.
func (c *Chain) Next(sequence int64, digest []byte) [32]byte {
	h := sha256.New()
	h.Write(c.prevHash[:])

	var seqBuf [8]byte
	binary.LittleEndian.PutUint64(seqBuf[:], uint64(sequence))
	h.Write(seqBuf[:])

	h.Write(digest)

	var out [32]byte
	copy(out[:], h.Sum(nil))
	c.prevHash = out
	return out
}

// Tip returns the current chain tip.
func (c *Chain) Tip() [32]byte {
	return c.prevHash
}

// SetTip restores the tip during replay.
func (c *Chain) SetTip(tip [32]byte) {
	c.prevHash = tip
}
