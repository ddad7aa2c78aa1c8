package replog

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hashicorp/raft"
	"go.uber.org/multierr"

	"github.com/witnz/quorum/internal/types"
)

var (
	keyCommitIndex = []byte("commit_index")
	keyLastApplied = []byte("last_applied")
	keySnapshot    = []byte("snapshot")
)

const metaPrefix = "meta:"

// ApplyFunc is called once for every committed entry, in index order.
type ApplyFunc func(Entry) error

type Options struct {
	Store   Store
	Applier ApplyFunc
	Logger  *slog.Logger
}

// Log is the durable, checksummed sequence of committed batches.
//
// Reads take a shared lock. Appends, truncation and snapshot changes are
// serialized. Application of committed entries runs outside the main lock so
// status reads never wait on the applier.
type Log struct {
	mu      sync.RWMutex
	applyMu sync.Mutex

	store   Store
	applier ApplyFunc
	logger  *slog.Logger

	lastIndex   types.LogIndex
	lastTerm    types.Term
	commitIndex types.LogIndex
	lastApplied types.LogIndex
	snapshot    *Snapshot
	sizeBytes   uint64
	resyncFrom  types.LogIndex
}

// Open loads the log from store and verifies every stored entry. The first
// corrupted entry and everything after it are discarded; ResyncFrom reports
// where the log must be refilled from a peer.
func Open(opts Options) (*Log, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("log store is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	l := &Log{
		store:   opts.Store,
		applier: opts.Applier,
		logger:  logger,
	}

	if err := l.load(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *Log) load() error {
	commit, err := getUint64(l.store, keyCommitIndex)
	if err != nil {
		return storageError("read commit index", err)
	}
	applied, err := getUint64(l.store, keyLastApplied)
	if err != nil {
		return storageError("read last applied", err)
	}

	blob, err := getBytes(l.store, keySnapshot)
	if err != nil {
		return storageError("read snapshot", err)
	}
	if len(blob) > 0 {
		snap, err := DecodeSnapshot(blob)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrLogIntegrity, err)
		}
		if err := snap.Verify(); err != nil {
			return err
		}
		l.snapshot = snap
		l.lastIndex = snap.LastIncludedIndex
		l.lastTerm = snap.LastIncludedTerm
	}

	first, err := l.store.FirstIndex()
	if err != nil {
		return storageError("read first index", err)
	}
	last, err := l.store.LastIndex()
	if err != nil {
		return storageError("read last index", err)
	}

	if last > 0 {
		expected := l.snapshotIndex() + 1
		if first < uint64(expected) {
			// Left behind by a compaction that stopped before deleting.
			if err := l.store.DeleteRange(first, uint64(expected)-1); err != nil {
				return storageError("discard compacted entries", err)
			}
			first = uint64(expected)
		}
		for idx := types.LogIndex(first); idx <= types.LogIndex(last); idx++ {
			e, err := l.readEntry(idx)
			if err == nil && idx != expected {
				err = &IntegrityError{Index: expected, Reason: fmt.Sprintf("stored entries start at %d", idx)}
				idx = expected
			}
			if err != nil {
				if !errors.Is(err, ErrLogIntegrity) && !errors.Is(err, ErrNotFound) {
					return err
				}
				l.logger.Warn("Corrupted log entry found, discarding suffix",
					"index", idx,
					"last_index", last,
					"error", err)
				if derr := l.store.DeleteRange(uint64(idx), last); derr != nil {
					return storageError("discard corrupted suffix", derr)
				}
				l.resyncFrom = idx
				break
			}
			l.lastIndex = e.Index
			l.lastTerm = e.Term
			l.sizeBytes += uint64(len(e.Data))
			expected++
		}
	}

	l.commitIndex = types.LogIndex(commit)
	l.lastApplied = types.LogIndex(applied)
	if l.commitIndex > l.lastIndex || l.lastApplied > l.commitIndex {
		if err := l.clampLocked(l.lastIndex + 1); err != nil {
			return err
		}
	}

	l.logger.Info("Replicated log opened",
		"last_index", l.lastIndex,
		"commit_index", l.commitIndex,
		"last_applied", l.lastApplied,
		"snapshot_index", l.snapshotIndex())
	return nil
}

func (l *Log) snapshotIndex() types.LogIndex {
	if l.snapshot == nil {
		return 0
	}
	return l.snapshot.LastIncludedIndex
}

func (l *Log) snapshotTerm() types.Term {
	if l.snapshot == nil {
		return 0
	}
	return l.snapshot.LastIncludedTerm
}

// readEntry loads and verifies one entry. Callers hold l.mu.
func (l *Log) readEntry(idx types.LogIndex) (Entry, error) {
	var rl raft.Log
	if err := l.store.GetLog(uint64(idx), &rl); err != nil {
		if errors.Is(err, raft.ErrLogNotFound) {
			return Entry{}, fmt.Errorf("%w: index %d", ErrNotFound, idx)
		}
		if errors.Is(err, errCorruptRecord) {
			return Entry{}, &IntegrityError{Index: idx, Reason: err.Error()}
		}
		return Entry{}, storageError(fmt.Sprintf("read entry %d", idx), err)
	}

	e, err := fromRaftLog(&rl)
	if err != nil {
		return Entry{}, err
	}
	if e.Index != idx {
		return Entry{}, &IntegrityError{Index: idx, Reason: fmt.Sprintf("stored entry claims index %d", e.Index)}
	}
	if err := e.verify(); err != nil {
		return Entry{}, err
	}
	return e, nil
}

// Append stores a new entry for term and data at the next index and returns
// the stored entry.
func (l *Log) Append(term types.Term, data []byte, ts time.Time) (Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.appendLocked(Entry{Term: term, Data: data, Timestamp: ts})
}

// AppendEntry assigns the next index to entry, recomputes its checksum and
// persists it.
func (l *Log) AppendEntry(entry Entry) (types.LogIndex, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, err := l.appendLocked(entry)
	if err != nil {
		return 0, err
	}
	return e.Index, nil
}

func (l *Log) appendLocked(entry Entry) (Entry, error) {
	e := entry.clone()
	e.Index = l.lastIndex + 1
	e.Seal()

	if err := l.store.StoreLog(toRaftLog(e)); err != nil {
		return Entry{}, storageError(fmt.Sprintf("append entry %d", e.Index), err)
	}

	l.lastIndex = e.Index
	l.lastTerm = e.Term
	l.sizeBytes += uint64(len(e.Data))
	return e, nil
}

func (l *Log) Entry(idx types.LogIndex) (Entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.entryLocked(idx)
}

func (l *Log) entryLocked(idx types.LogIndex) (Entry, error) {
	if idx == 0 || idx > l.lastIndex {
		return Entry{}, fmt.Errorf("%w: index %d", ErrNotFound, idx)
	}
	if idx <= l.snapshotIndex() {
		return Entry{}, fmt.Errorf("%w: index %d", ErrCompacted, idx)
	}
	return l.readEntry(idx)
}

// Entries returns the entries in [from, to]. A zero to means the last index.
func (l *Log) Entries(from, to types.LogIndex) ([]Entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if to == 0 || to > l.lastIndex {
		to = l.lastIndex
	}
	if from == 0 {
		from = 1
	}
	if from <= l.snapshotIndex() {
		return nil, fmt.Errorf("%w: index %d", ErrCompacted, from)
	}

	entries := make([]Entry, 0, int(max(to+1, from)-from))
	for idx := from; idx <= to; idx++ {
		e, err := l.readEntry(idx)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// TruncateFrom discards every entry with index >= idx.
func (l *Log) TruncateFrom(idx types.LogIndex) error {
	l.applyMu.Lock()
	defer l.applyMu.Unlock()
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.truncateLocked(idx)
}

func (l *Log) truncateLocked(idx types.LogIndex) error {
	if idx == 0 {
		idx = 1
	}
	if idx <= l.snapshotIndex() {
		return fmt.Errorf("cannot truncate from %d: %w", idx, ErrCompacted)
	}
	if idx > l.lastIndex {
		return nil
	}

	for i := idx; i <= l.lastIndex; i++ {
		var rl raft.Log
		if err := l.store.GetLog(uint64(i), &rl); err == nil {
			l.sizeBytes -= min(l.sizeBytes, uint64(len(rl.Data)))
		}
	}
	if err := l.store.DeleteRange(uint64(idx), uint64(l.lastIndex)); err != nil {
		return storageError(fmt.Sprintf("truncate from %d", idx), err)
	}

	removed := l.lastIndex - idx + 1
	l.lastIndex = idx - 1
	l.lastTerm = l.termAtLocked(l.lastIndex)

	l.logger.Info("Log truncated",
		"from", idx,
		"removed", removed,
		"last_index", l.lastIndex)

	return l.clampLocked(idx)
}

func (l *Log) termAtLocked(idx types.LogIndex) types.Term {
	if idx == 0 {
		return 0
	}
	if idx == l.snapshotIndex() {
		return l.snapshotTerm()
	}
	if e, err := l.readEntry(idx); err == nil {
		return e.Term
	}
	return 0
}

// clampLocked keeps commitIndex and lastApplied below idx.
func (l *Log) clampLocked(idx types.LogIndex) error {
	limit := idx - 1
	if limit > l.lastIndex {
		limit = l.lastIndex
	}
	if l.commitIndex > limit {
		l.commitIndex = limit
		if err := l.store.SetUint64(keyCommitIndex, uint64(limit)); err != nil {
			return storageError("persist commit index", err)
		}
	}
	if l.lastApplied > l.commitIndex {
		l.lastApplied = l.commitIndex
		if err := l.store.SetUint64(keyLastApplied, uint64(l.lastApplied)); err != nil {
			return storageError("persist last applied", err)
		}
	}
	return nil
}

// UpdateCommitIndex advances the commit index and applies every newly
// committed entry in order. Lower values are ignored.
func (l *Log) UpdateCommitIndex(newIndex types.LogIndex) error {
	l.applyMu.Lock()
	defer l.applyMu.Unlock()

	l.mu.Lock()
	if newIndex <= l.commitIndex {
		l.mu.Unlock()
		return nil
	}
	if newIndex > l.lastIndex {
		last := l.lastIndex
		l.mu.Unlock()
		return fmt.Errorf("commit index %d beyond last index %d", newIndex, last)
	}
	if err := l.store.SetUint64(keyCommitIndex, uint64(newIndex)); err != nil {
		l.mu.Unlock()
		return storageError("persist commit index", err)
	}
	l.commitIndex = newIndex
	l.mu.Unlock()

	return l.applyCommitted()
}

func (l *Log) applyCommitted() error {
	for {
		l.mu.RLock()
		next := l.lastApplied + 1
		commit := l.commitIndex
		l.mu.RUnlock()

		if next > commit {
			return nil
		}

		e, err := l.Entry(next)
		if err != nil {
			if errors.Is(err, ErrLogIntegrity) {
				l.markResync(next)
			}
			return err
		}
		if err := l.applyEntry(e); err != nil {
			return err
		}
	}
}

func (l *Log) applyEntry(e Entry) error {
	if l.applier != nil {
		if err := l.applier(e); err != nil {
			return fmt.Errorf("failed to apply entry %d: %w", e.Index, err)
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if e.Index <= l.lastApplied {
		return nil
	}
	l.lastApplied = e.Index
	if err := l.store.SetUint64(keyLastApplied, uint64(e.Index)); err != nil {
		return storageError("persist last applied", err)
	}
	return nil
}

func (l *Log) markResync(idx types.LogIndex) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.resyncFrom == 0 || idx < l.resyncFrom {
		l.resyncFrom = idx
	}
}

// CreateSnapshot compacts every entry up to lastIncluded into the snapshot.
// Only applied entries can be compacted.
func (l *Log) CreateSnapshot(lastIncluded types.LogIndex, term types.Term) error {
	l.applyMu.Lock()
	defer l.applyMu.Unlock()
	l.mu.Lock()
	defer l.mu.Unlock()

	snapIndex := l.snapshotIndex()
	if lastIncluded <= snapIndex {
		return nil
	}
	if lastIncluded > l.lastApplied {
		return fmt.Errorf("cannot snapshot at %d: last applied is %d", lastIncluded, l.lastApplied)
	}

	var entries []Entry
	if l.snapshot != nil {
		entries = append(entries, l.snapshot.Entries...)
	}
	var compacted uint64
	for idx := snapIndex + 1; idx <= lastIncluded; idx++ {
		e, err := l.readEntry(idx)
		if err != nil {
			return err
		}
		entries = append(entries, e)
		compacted += uint64(len(e.Data))
	}
	if last := entries[len(entries)-1]; last.Term != term {
		return fmt.Errorf("snapshot term %d does not match entry %d term %d", term, lastIncluded, last.Term)
	}

	snap := buildSnapshot(entries, term)
	blob, err := snap.Encode()
	if err != nil {
		return err
	}
	if err := l.store.Set(keySnapshot, blob); err != nil {
		return storageError("persist snapshot", err)
	}
	if err := l.store.DeleteRange(uint64(snapIndex+1), uint64(lastIncluded)); err != nil {
		return storageError("compact log", err)
	}

	l.snapshot = snap
	l.sizeBytes -= min(l.sizeBytes, compacted)

	l.logger.Info("Log snapshot created",
		"last_included_index", lastIncluded,
		"term", term,
		"root", snap.Root.String()[:16])
	return nil
}

// Snapshot returns the current snapshot, or nil if nothing was compacted.
func (l *Log) Snapshot() *Snapshot {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.snapshot
}

// SnapshotBlob returns the encoded snapshot with its last included index
// and term.
func (l *Log) SnapshotBlob() ([]byte, types.LogIndex, types.Term, error) {
	l.mu.RLock()
	snap := l.snapshot
	l.mu.RUnlock()

	if snap == nil {
		return nil, 0, 0, nil
	}
	blob, err := snap.Encode()
	if err != nil {
		return nil, 0, 0, err
	}
	return blob, snap.LastIncludedIndex, snap.LastIncludedTerm, nil
}

// InstallSnapshot replaces the log prefix up to index with the snapshot in
// blob. A local suffix that agrees with the snapshot at index is kept.
// Entries in the snapshot that were not yet applied are applied.
func (l *Log) InstallSnapshot(blob []byte, index types.LogIndex, term types.Term) error {
	snap, err := DecodeSnapshot(blob)
	if err != nil {
		return err
	}
	if snap.LastIncludedIndex != index || snap.LastIncludedTerm != term {
		return fmt.Errorf("snapshot covers (%d, %d), expected (%d, %d)",
			snap.LastIncludedIndex, snap.LastIncludedTerm, index, term)
	}
	if err := snap.Verify(); err != nil {
		return err
	}

	l.applyMu.Lock()
	defer l.applyMu.Unlock()

	l.mu.Lock()
	snapIndex := l.snapshotIndex()
	if index <= snapIndex {
		l.mu.Unlock()
		return nil
	}

	keepSuffix := false
	if index <= l.lastIndex {
		if existing, err := l.readEntry(index); err == nil && existing.Checksum == snap.Entries[index-1].Checksum {
			keepSuffix = true
		}
	}

	deleteTo := l.lastIndex
	if keepSuffix {
		deleteTo = index
	}
	if deleteTo > snapIndex {
		if err := l.store.DeleteRange(uint64(snapIndex+1), uint64(deleteTo)); err != nil {
			l.mu.Unlock()
			return storageError("replace log prefix", err)
		}
	}
	if err := l.store.Set(keySnapshot, blob); err != nil {
		l.mu.Unlock()
		return storageError("persist snapshot", err)
	}

	l.snapshot = snap
	if !keepSuffix {
		l.lastIndex = index
		l.lastTerm = term
		if l.lastApplied > index {
			l.logger.Error("Installed snapshot conflicts with applied entries",
				"snapshot_index", index,
				"last_applied", l.lastApplied)
		}
		if err := l.clampLocked(index + 1); err != nil {
			l.mu.Unlock()
			return err
		}
	}
	if l.commitIndex < index {
		l.commitIndex = index
		if err := l.store.SetUint64(keyCommitIndex, uint64(index)); err != nil {
			l.mu.Unlock()
			return storageError("persist commit index", err)
		}
	}
	if l.resyncFrom != 0 && l.resyncFrom <= index {
		l.resyncFrom = 0
	}
	l.recomputeSizeLocked()
	applyFrom := l.lastApplied + 1
	l.mu.Unlock()

	l.logger.Info("Log snapshot installed",
		"last_included_index", index,
		"term", term,
		"kept_suffix", keepSuffix)

	for idx := applyFrom; idx <= index; idx++ {
		if err := l.applyEntry(snap.Entries[idx-1]); err != nil {
			return err
		}
	}
	return nil
}

func (l *Log) recomputeSizeLocked() {
	var size uint64
	for idx := l.snapshotIndex() + 1; idx <= l.lastIndex; idx++ {
		var rl raft.Log
		if err := l.store.GetLog(uint64(idx), &rl); err == nil {
			size += uint64(len(rl.Data))
		}
	}
	l.sizeBytes = size
}

// InsertEntry stores an entry received from a peer at its own index. A
// conflicting local entry and everything after it are replaced.
func (l *Log) InsertEntry(entry Entry) error {
	if err := entry.verify(); err != nil {
		return err
	}

	l.applyMu.Lock()
	defer l.applyMu.Unlock()
	l.mu.Lock()
	defer l.mu.Unlock()

	if entry.Index <= l.snapshotIndex() {
		return nil
	}
	if entry.Index > l.lastIndex+1 {
		return fmt.Errorf("%w: insert at %d, last index %d", ErrGap, entry.Index, l.lastIndex)
	}
	if entry.Index <= l.lastIndex {
		existing, err := l.readEntry(entry.Index)
		if err == nil && existing.Checksum == entry.Checksum {
			return nil
		}
		if err := l.truncateLocked(entry.Index); err != nil {
			return err
		}
	}

	e := entry.clone()
	if err := l.store.StoreLog(toRaftLog(e)); err != nil {
		return storageError(fmt.Sprintf("insert entry %d", e.Index), err)
	}
	l.lastIndex = e.Index
	l.lastTerm = e.Term
	l.sizeBytes += uint64(len(e.Data))
	if l.resyncFrom == e.Index {
		l.resyncFrom = 0
	}
	return nil
}

// CheckConsistency reports whether the local log holds an entry at index
// with the given term. Compacted indices are committed and always match.
func (l *Log) CheckConsistency(index types.LogIndex, term types.Term) (bool, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	switch {
	case index == 0:
		return true, nil
	case index < l.snapshotIndex():
		return true, nil
	case index == l.snapshotIndex():
		return l.snapshotTerm() == term, nil
	case index > l.lastIndex:
		return false, nil
	}

	e, err := l.readEntry(index)
	if err != nil {
		return false, err
	}
	return e.Term == term, nil
}

// Scrub re-verifies every stored entry. All corrupted entries are reported
// and the lowest one is recorded for resync.
func (l *Log) Scrub() error {
	l.mu.RLock()
	from := l.snapshotIndex() + 1
	to := l.lastIndex
	l.mu.RUnlock()

	var errs error
	var first types.LogIndex
	for idx := from; idx <= to; idx++ {
		l.mu.RLock()
		_, err := l.readEntry(idx)
		l.mu.RUnlock()

		if err == nil || errors.Is(err, ErrNotFound) {
			continue
		}
		if errors.Is(err, ErrLogIntegrity) && first == 0 {
			first = idx
		}
		errs = multierr.Append(errs, err)
	}

	if first != 0 {
		l.markResync(first)
	}
	return errs
}

// ResyncFrom returns the lowest index known to be corrupted, or 0.
func (l *Log) ResyncFrom() types.LogIndex {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.resyncFrom
}

func (l *Log) Meta(key string) ([]byte, error) {
	val, err := getBytes(l.store, []byte(metaPrefix+key))
	if err != nil {
		return nil, storageError("read meta "+key, err)
	}
	return val, nil
}

func (l *Log) PutMeta(key string, val []byte) error {
	if err := l.store.Set([]byte(metaPrefix+key), val); err != nil {
		return storageError("write meta "+key, err)
	}
	return nil
}

func (l *Log) CommitIndex() types.LogIndex {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.commitIndex
}

func (l *Log) LastApplied() types.LogIndex {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.lastApplied
}

func (l *Log) LastIndex() types.LogIndex {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.lastIndex
}

func (l *Log) SnapshotIndex() types.LogIndex {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.snapshotIndex()
}

// LastEntryInfo returns the index and term of the newest entry, including
// one that only survives in the snapshot.
func (l *Log) LastEntryInfo() (types.LogIndex, types.Term) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.lastIndex, l.lastTerm
}

// Len returns the number of entries not yet compacted.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return int(l.lastIndex - l.snapshotIndex())
}

// SizeBytes returns the payload size of the entries not yet compacted.
func (l *Log) SizeBytes() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.sizeBytes
}

func (l *Log) Close() error {
	return closeStore(l.store)
}
