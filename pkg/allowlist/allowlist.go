// Package allowlist builds merkle trees over base58 wallet addresses and
// produces the inclusion proofs a mint transaction must carry for an
// allow-list guarded group.
package allowlist

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"
	"sort"

	"github.com/gagliardetto/solana-go"
	"github.com/mr-tron/base58"
)

// Tree is an immutable merkle tree whose leaves are sha256 hashes of wallet
// address bytes. Sibling pairs are hashed in lexicographic order so a proof
// does not need direction flags.
type Tree struct {
	root   [32]byte
	layers [][][32]byte
	index  map[[32]byte]int
}

// New builds a tree from base58-encoded wallet addresses. Duplicate addresses
// are rejected; the leaf order is the sorted leaf-hash order so the root is
// independent of input ordering.
func New(addresses []string) (*Tree, error) {
	if len(addresses) == 0 {
		return nil, errors.New("allowlist: no addresses")
	}

	leaves := make([][32]byte, 0, len(addresses))
	for _, addr := range addresses {
		raw, err := base58.Decode(addr)
		if err != nil {
			return nil, fmt.Errorf("allowlist: invalid address %q: %w", addr, err)
		}
		leaves = append(leaves, sha256.Sum256(raw))
	}
	sort.Slice(leaves, func(i, j int) bool {
		return bytes.Compare(leaves[i][:], leaves[j][:]) < 0
	})

	index := make(map[[32]byte]int, len(leaves))
	for i, leaf := range leaves {
		if _, dup := index[leaf]; dup {
			return nil, errors.New("allowlist: duplicate address")
		}
		index[leaf] = i
	}

	layers := [][][32]byte{leaves}
	for current := leaves; len(current) > 1; {
		next := make([][32]byte, 0, (len(current)+1)/2)
		for i := 0; i < len(current); i += 2 {
			if i+1 == len(current) {
				// Odd node is promoted unchanged.
				next = append(next, current[i])
				continue
			}
			next = append(next, hashPair(current[i], current[i+1]))
		}
		layers = append(layers, next)
		current = next
	}

	return &Tree{
		root:   layers[len(layers)-1][0],
		layers: layers,
		index:  index,
	}, nil
}

// Root returns the merkle root.
func (t *Tree) Root() [32]byte { return t.root }

// Len returns the number of leaves.
func (t *Tree) Len() int { return len(t.layers[0]) }

// Proof returns the inclusion proof for wallet, or ok=false when the wallet is
// not on the list.
func (t *Tree) Proof(wallet solana.PublicKey) (hashes [][32]byte, ok bool) {
	leaf := sha256.Sum256(wallet.Bytes())
	pos, ok := t.index[leaf]
	if !ok {
		return nil, false
	}

	for _, layer := range t.layers[:len(t.layers)-1] {
		sibling := pos ^ 1
		if sibling < len(layer) {
			hashes = append(hashes, layer[sibling])
		}
		pos /= 2
	}
	return hashes, true
}

// Verify checks an inclusion proof for wallet against root.
func Verify(root [32]byte, wallet solana.PublicKey, proof [][32]byte) bool {
	node := sha256.Sum256(wallet.Bytes())
	for _, sibling := range proof {
		node = hashPair(node, sibling)
	}
	return node == root
}

func hashPair(a, b [32]byte) [32]byte {
	if bytes.Compare(a[:], b[:]) > 0 {
		a, b = b, a
	}
	h := sha256.New()
	h.Write(a[:])
	h.Write(b[:])
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}
