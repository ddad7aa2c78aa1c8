package replog

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/hashicorp/raft"

	"github.com/witnz/quorum/internal/types"
)

// Entry is one committed batch in the replicated log.
type Entry struct {
	Index     types.LogIndex `json:"index"`
	Term      types.Term     `json:"term"`
	Data      []byte         `json:"data"`
	Timestamp time.Time      `json:"timestamp"`
	Checksum  types.Digest   `json:"checksum"`
}

// ComputeChecksum hashes index, term, data and timestamp. Integers are
// little-endian and the timestamp is taken in unix nanoseconds.
func ComputeChecksum(index types.LogIndex, term types.Term, data []byte, ts time.Time) types.Digest {
	h := sha256.New()
	var buf [8]byte

	binary.LittleEndian.PutUint64(buf[:], uint64(index))
	h.Write(buf[:])
	binary.LittleEndian.PutUint64(buf[:], uint64(term))
	h.Write(buf[:])
	h.Write(data)
	binary.LittleEndian.PutUint64(buf[:], uint64(unixNano(ts)))
	h.Write(buf[:])

	var d types.Digest
	copy(d[:], h.Sum(nil))
	return d
}

func unixNano(ts time.Time) int64 {
	if ts.IsZero() {
		return 0
	}
	return ts.UnixNano()
}

// Seal sets the checksum from the current contents.
func (e *Entry) Seal() {
	e.Timestamp = normalizeTime(e.Timestamp)
	e.Checksum = ComputeChecksum(e.Index, e.Term, e.Data, e.Timestamp)
}

func (e Entry) VerifyIntegrity() bool {
	return e.Checksum == ComputeChecksum(e.Index, e.Term, e.Data, e.Timestamp)
}

func (e Entry) verify() error {
	actual := ComputeChecksum(e.Index, e.Term, e.Data, e.Timestamp)
	if actual != e.Checksum {
		return &IntegrityError{Index: e.Index, Expected: e.Checksum, Actual: actual}
	}
	return nil
}

func (e Entry) clone() Entry {
	out := e
	out.Data = append([]byte(nil), e.Data...)
	return out
}

func normalizeTime(ts time.Time) time.Time {
	if ts.IsZero() {
		return time.Time{}
	}
	return time.Unix(0, ts.UnixNano()).UTC()
}

func toRaftLog(e Entry) *raft.Log {
	return &raft.Log{
		Index:      uint64(e.Index),
		Term:       uint64(e.Term),
		Type:       raft.LogCommand,
		Data:       append([]byte(nil), e.Data...),
		Extensions: append([]byte(nil), e.Checksum[:]...),
		AppendedAt: e.Timestamp,
	}
}

func fromRaftLog(l *raft.Log) (Entry, error) {
	e := Entry{
		Index:     types.LogIndex(l.Index),
		Term:      types.Term(l.Term),
		Data:      append([]byte(nil), l.Data...),
		Timestamp: normalizeTime(l.AppendedAt),
	}
	if len(l.Extensions) != len(e.Checksum) {
		return e, &IntegrityError{
			Index:  e.Index,
			Reason: fmt.Sprintf("stored checksum has %d bytes", len(l.Extensions)),
		}
	}
	copy(e.Checksum[:], l.Extensions)
	return e, nil
}
