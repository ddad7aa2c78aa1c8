package types

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
)

// NodeID identifies a cluster member. It is derived from the member name so
// configuration files can stay readable.
type NodeID [16]byte

// Digest is a SHA-256 content hash.
type Digest [32]byte

type (
	LogIndex uint64
	Term     uint64
)

func NodeIDFromName(name string) NodeID {
	sum := sha256.Sum256([]byte(name))
	var id NodeID
	copy(id[:], sum[:len(id)])
	return id
}

func ParseNodeID(s string) (NodeID, error) {
	var id NodeID
	b, err := hex.DecodeString(s)
	if err != nil {
		return id, fmt.Errorf("invalid node id %q: %w", s, err)
	}
	if len(b) != len(id) {
		return id, fmt.Errorf("invalid node id %q: expected %d bytes, got %d", s, len(id), len(b))
	}
	copy(id[:], b)
	return id, nil
}

func (n NodeID) String() string {
	return hex.EncodeToString(n[:])
}

// Short returns the first eight hex characters, for log lines.
func (n NodeID) Short() string {
	return n.String()[:8]
}

func (n NodeID) IsZero() bool {
	return n == NodeID{}
}

func (n NodeID) MarshalText() ([]byte, error) {
	return []byte(n.String()), nil
}

func (n *NodeID) UnmarshalText(text []byte) error {
	id, err := ParseNodeID(string(text))
	if err != nil {
		return err
	}
	*n = id
	return nil
}

// SortNodeIDs orders ids by their bytes. Primary selection depends on this
// order being identical on every replica.
func SortNodeIDs(ids []NodeID) {
	sort.Slice(ids, func(i, j int) bool {
		return bytes.Compare(ids[i][:], ids[j][:]) < 0
	})
}

func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

func (d Digest) IsZero() bool {
	return d == Digest{}
}

func (d Digest) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Digest) UnmarshalText(text []byte) error {
	b, err := hex.DecodeString(string(text))
	if err != nil {
		return fmt.Errorf("invalid digest: %w", err)
	}
	if len(b) != len(d) {
		return fmt.Errorf("invalid digest length: %d", len(b))
	}
	copy(d[:], b)
	return nil
}

// MaxFaulty returns f for a cluster of n members, n = 3f+1.
func MaxFaulty(n int) int {
	if n <= 0 {
		return 0
	}
	return (n - 1) / 3
}

// Quorum returns 2f+1 for a cluster of n members.
func Quorum(n int) int {
	return 2*MaxFaulty(n) + 1
}
