package hash

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"

	"github.com/witnz/quorum/internal/types"
)

func Sum(data []byte) types.Digest {
	return types.Digest(sha256.Sum256(data))
}

// Calculate hashes the JSON encoding of data. encoding/json sorts map keys,
// so maps hash the same on every replica.
func Calculate(data interface{}) (types.Digest, error) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return types.Digest{}, fmt.Errorf("failed to marshal data: %w", err)
	}
	return Sum(jsonData), nil
}

func Combine(a, b types.Digest) types.Digest {
	buf := make([]byte, 0, len(a)+len(b))
	buf = append(buf, a[:]...)
	buf = append(buf, b[:]...)
	return Sum(buf)
}

// Genesis is the head of an empty chain.
var Genesis = Sum([]byte("genesis"))

// HashChain folds a sequence of digests into a single order-sensitive head.
// Checkpoint state digests are chain heads over executed entry checksums.
type HashChain struct {
	head types.Digest
}

func NewHashChain(initial types.Digest) *HashChain {
	return &HashChain{
		head: initial,
	}
}

func (hc *HashChain) Add(d types.Digest) types.Digest {
	hc.head = Combine(hc.head, d)
	return hc.head
}

func (hc *HashChain) Head() types.Digest {
	return hc.head
}

func (hc *HashChain) Reset(head types.Digest) {
	hc.head = head
}

// ChainOver returns the head reached by adding digests to initial.
func ChainOver(initial types.Digest, digests []types.Digest) types.Digest {
	hc := NewHashChain(initial)
	for _, d := range digests {
		hc.Add(d)
	}
	return hc.Head()
}

type MerkleTree struct {
	leaves []types.Digest
}

func NewMerkleTree() *MerkleTree {
	return &MerkleTree{
		leaves: make([]types.Digest, 0),
	}
}

func (mt *MerkleTree) AddLeaf(d types.Digest) {
	mt.leaves = append(mt.leaves, d)
}

// Root keeps leaf order: swapping two leaves changes the root.
func (mt *MerkleTree) Root() types.Digest {
	if len(mt.leaves) == 0 {
		return types.Digest{}
	}

	level := make([]types.Digest, len(mt.leaves))
	copy(level, mt.leaves)

	for len(level) > 1 {
		var next []types.Digest
		for i := 0; i < len(level); i += 2 {
			if i+1 < len(level) {
				next = append(next, Combine(level[i], level[i+1]))
			} else {
				next = append(next, Combine(level[i], level[i]))
			}
		}
		level = next
	}

	return level[0]
}

func (mt *MerkleTree) Reset() {
	mt.leaves = make([]types.Digest, 0)
}

func (mt *MerkleTree) LeafCount() int {
	return len(mt.leaves)
}
