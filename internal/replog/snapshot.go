package replog

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/witnz/quorum/internal/hash"
	"github.com/witnz/quorum/internal/types"
)

// Snapshot holds every entry compacted out of the log up to
// LastIncludedIndex. Root is the Merkle root over entry checksums and Chain
// is the hash chain head over the same checksums.
type Snapshot struct {
	LastIncludedIndex types.LogIndex `json:"last_included_index"`
	LastIncludedTerm  types.Term     `json:"last_included_term"`
	Entries           []Entry        `json:"entries"`
	Root              types.Digest   `json:"root"`
	Chain             types.Digest   `json:"chain"`
	CreatedAt         time.Time      `json:"created_at"`
}

func buildSnapshot(entries []Entry, term types.Term) *Snapshot {
	snap := &Snapshot{
		LastIncludedTerm: term,
		Entries:          entries,
		CreatedAt:        time.Now().UTC(),
	}
	if len(entries) > 0 {
		snap.LastIncludedIndex = entries[len(entries)-1].Index
	}
	snap.Root, snap.Chain = snapshotDigests(entries)
	return snap
}

func snapshotDigests(entries []Entry) (types.Digest, types.Digest) {
	tree := hash.NewMerkleTree()
	chain := hash.NewHashChain(hash.Genesis)
	for _, e := range entries {
		tree.AddLeaf(e.Checksum)
		chain.Add(e.Checksum)
	}
	return tree.Root(), chain.Head()
}

func (s *Snapshot) Encode() ([]byte, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	return data, nil
}

func DecodeSnapshot(data []byte) (*Snapshot, error) {
	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}
	return &s, nil
}

// Verify checks that entries are contiguous from index 1, each entry is
// intact and both digests match.
func (s *Snapshot) Verify() error {
	for i, e := range s.Entries {
		if e.Index != types.LogIndex(i+1) {
			return &IntegrityError{Index: e.Index, Reason: fmt.Sprintf("snapshot entry %d has index %d", i+1, e.Index)}
		}
		if err := e.verify(); err != nil {
			return err
		}
	}
	if types.LogIndex(len(s.Entries)) != s.LastIncludedIndex {
		return &IntegrityError{
			Index:  s.LastIncludedIndex,
			Reason: fmt.Sprintf("snapshot holds %d entries, claims %d", len(s.Entries), s.LastIncludedIndex),
		}
	}
	if len(s.Entries) > 0 && s.Entries[len(s.Entries)-1].Term != s.LastIncludedTerm {
		return &IntegrityError{Index: s.LastIncludedIndex, Reason: "snapshot term mismatch"}
	}

	root, chain := snapshotDigests(s.Entries)
	if root != s.Root {
		return &IntegrityError{Index: s.LastIncludedIndex, Expected: s.Root, Actual: root, Reason: "snapshot merkle root mismatch"}
	}
	if chain != s.Chain {
		return &IntegrityError{Index: s.LastIncludedIndex, Expected: s.Chain, Actual: chain, Reason: "snapshot chain digest mismatch"}
	}
	return nil
}
