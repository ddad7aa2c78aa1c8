package replog

import (
	"errors"
	"path/filepath"
	"testing"
)

func tamperData(t *testing.T, store *BoltStore, index uint64) {
	t.Helper()
	raw, err := store.RawEntry(index)
	if err != nil {
		t.Fatalf("RawEntry failed: %v", err)
	}
	raw[DataOffset] ^= 0xff
	if err := store.PutRawEntry(index, raw); err != nil {
		t.Fatalf("PutRawEntry failed: %v", err)
	}
}

func TestCorruptedEntryReturnsIntegrityError(t *testing.T) {
	store, err := NewBoltStore(filepath.Join(t.TempDir(), "log.db"))
	if err != nil {
		t.Fatalf("NewBoltStore failed: %v", err)
	}
	l, err := Open(Options{Store: store})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer l.Close()

	appendN(t, l, 4, 1)
	tamperData(t, store, 3)

	_, err = l.Entry(3)
	if !errors.Is(err, ErrLogIntegrity) {
		t.Fatalf("expected ErrLogIntegrity, got %v", err)
	}
	ie := AsIntegrityError(err)
	if ie == nil || ie.Index != 3 {
		t.Errorf("expected integrity error at index 3, got %v", err)
	}

	if _, err := l.Entries(1, 4); !errors.Is(err, ErrLogIntegrity) {
		t.Errorf("range read must not hide corruption, got %v", err)
	}

	if err := l.UpdateCommitIndex(4); !errors.Is(err, ErrLogIntegrity) {
		t.Errorf("expected apply to stop on corruption, got %v", err)
	}
	if l.LastApplied() != 2 {
		t.Errorf("expected last applied 2, got %d", l.LastApplied())
	}
	if l.ResyncFrom() != 3 {
		t.Errorf("expected resync from 3, got %d", l.ResyncFrom())
	}
}

func TestScrubReportsAllCorruptedEntries(t *testing.T) {
	store, _ := NewBoltStore(filepath.Join(t.TempDir(), "log.db"))
	l, _ := Open(Options{Store: store})
	defer l.Close()

	appendN(t, l, 5, 1)
	tamperData(t, store, 2)
	tamperData(t, store, 4)

	err := l.Scrub()
	if err == nil {
		t.Fatal("expected scrub to fail")
	}
	if !errors.Is(err, ErrLogIntegrity) {
		t.Errorf("expected ErrLogIntegrity, got %v", err)
	}
	if l.ResyncFrom() != 2 {
		t.Errorf("expected resync from 2, got %d", l.ResyncFrom())
	}
}

func TestOpenDiscardsCorruptedSuffix(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log.db")
	store, _ := NewBoltStore(path)
	l, _ := Open(Options{Store: store})
	appendN(t, l, 5, 1)
	l.UpdateCommitIndex(5)
	tamperData(t, store, 3)
	l.Close()

	store, _ = NewBoltStore(path)
	l, err := Open(Options{Store: store})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer l.Close()

	if l.LastIndex() != 2 {
		t.Errorf("expected last index 2, got %d", l.LastIndex())
	}
	if l.CommitIndex() != 2 || l.LastApplied() != 2 {
		t.Errorf("expected indices clamped to 2, got %d/%d", l.CommitIndex(), l.LastApplied())
	}
	if l.ResyncFrom() != 3 {
		t.Errorf("expected resync from 3, got %d", l.ResyncFrom())
	}

	repaired := Entry{Index: 3, Term: 1, Data: []byte("batch-3"), Timestamp: baseTime.Add(2 * 1e6)}
	repaired.Seal()
	if err := l.InsertEntry(repaired); err != nil {
		t.Fatalf("InsertEntry failed: %v", err)
	}
	if l.ResyncFrom() != 0 {
		t.Errorf("expected resync cleared, got %d", l.ResyncFrom())
	}
}
