package laketesting

import (
	"bytes"
	"crypto/ed25519"

	"github.com/gagliardetto/solana-go"
	"github.com/malbeclabs/distributor/distributor/pkg/merkle"
)

// Entry is one (claimant, unlocked, locked) allocation committed by a tree.
type Entry struct {
	Claimant solana.PublicKey
	Unlocked uint64
	Locked   uint64
}

// Tree is a fixture Merkle tree built the same way issuers build distribution
// roots: leaves are paired left to right, and an unpaired node at the end of a
// layer is carried up unchanged.
type Tree struct {
	Entries []Entry
	layers  [][]merkle.Hash
}

func NewTree(entries []Entry) *Tree {
	t := &Tree{Entries: append([]Entry(nil), entries...)}
	if len(entries) == 0 {
		return t
	}

	layer := make([]merkle.Hash, len(entries))
	for i, e := range entries {
		layer[i] = merkle.LeafHash(e.Claimant, e.Unlocked, e.Locked)
	}
	t.layers = append(t.layers, layer)

	for len(layer) > 1 {
		next := make([]merkle.Hash, 0, (len(layer)+1)/2)
		for i := 0; i < len(layer); i += 2 {
			if i+1 < len(layer) {
				next = append(next, merkle.NodeHash(layer[i], layer[i+1]))
			} else {
				next = append(next, layer[i])
			}
		}
		t.layers = append(t.layers, next)
		layer = next
	}
	return t
}

func (t *Tree) Root() merkle.Hash {
	if len(t.layers) == 0 {
		return merkle.Hash{}
	}
	return t.layers[len(t.layers)-1][0]
}

func (t *Tree) Leaf(idx int) merkle.Hash {
	return t.layers[0][idx]
}

// Proof returns the sibling path for the entry at idx.
func (t *Tree) Proof(idx int) []merkle.Hash {
	var proof []merkle.Hash
	for _, layer := range t.layers[:max(len(t.layers)-1, 0)] {
		if sibling := idx ^ 1; sibling < len(layer) {
			proof = append(proof, layer[sibling])
		}
		idx /= 2
	}
	return proof
}

// PublicKey returns a deterministic key filled with seed, for readable fixtures.
func PublicKey(seed byte) solana.PublicKey {
	return solana.PublicKeyFromBytes(bytes.Repeat([]byte{seed}, solana.PublicKeyLength))
}

// PrivateKey returns a deterministic signing key derived from seed.
func PrivateKey(seed byte) solana.PrivateKey {
	return solana.PrivateKey(ed25519.NewKeyFromSeed(bytes.Repeat([]byte{seed}, ed25519.SeedSize)))
}
