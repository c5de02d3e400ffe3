// Package merkle implements the hash domain and inclusion proof verification
// used to authenticate distribution entries against a committed root.
//
// Leaves and internal nodes are hashed under distinct one-byte prefixes, so
// an internal node can never be presented as a leaf or the other way around.
// Internal nodes hash their two children in ascending byte order, which means
// a proof is just the list of sibling hashes from the leaf up to the root,
// with no left/right markers.
package merkle

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"

	"github.com/gagliardetto/solana-go"
)

const (
	// HashSize is the width of every leaf, node and root hash.
	HashSize = sha256.Size

	// LeafPrefix tags the preimage of a leaf hash.
	LeafPrefix byte = 0x00
	// NodePrefix tags the preimage of an internal node hash.
	NodePrefix byte = 0x01
)

// hashv returns sha256 over the concatenation of parts.
func hashv(parts ...[]byte) Hash {
	h := sha256.New()
	for _, p := range parts {
		h.Write(p)
	}
	var out Hash
	h.Sum(out[:0])
	return out
}

// entryHash binds the three entry fields: claimant || le64(unlocked) || le64(locked).
func entryHash(claimant solana.PublicKey, unlocked, locked uint64) Hash {
	var amounts [16]byte
	binary.LittleEndian.PutUint64(amounts[0:8], unlocked)
	binary.LittleEndian.PutUint64(amounts[8:16], locked)
	return hashv(claimant[:], amounts[:])
}

func leafPreimage(claimant solana.PublicKey, unlocked, locked uint64) []byte {
	inner := entryHash(claimant, unlocked, locked)
	return append([]byte{LeafPrefix}, inner[:]...)
}

func nodePreimage(a, b Hash) []byte {
	if bytes.Compare(a[:], b[:]) > 0 {
		a, b = b, a
	}
	out := make([]byte, 0, 1+2*HashSize)
	out = append(out, NodePrefix)
	out = append(out, a[:]...)
	return append(out, b[:]...)
}

// LeafHash returns H(0x00 || H(claimant || le64(unlocked) || le64(locked))).
func LeafHash(claimant solana.PublicKey, unlocked, locked uint64) Hash {
	return hashv(leafPreimage(claimant, unlocked, locked))
}

// NodeHash returns H(0x01 || min(a, b) || max(a, b)) with bytewise ordering.
func NodeHash(a, b Hash) Hash {
	return hashv(nodePreimage(a, b))
}

// Verify reports whether folding proof into leaf reproduces root.
func Verify(proof []Hash, root Hash, leaf Hash) bool {
	computed := leaf
	for _, step := range proof {
		computed = NodeHash(computed, step)
	}
	return computed == root
}
