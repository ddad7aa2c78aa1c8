package storage

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/witnz/quorum/internal/guard"
	"github.com/witnz/quorum/internal/operation"
	"github.com/witnz/quorum/internal/types"
)

func TestStorage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")

	storage, err := New(path)
	if err != nil {
		t.Fatalf("Failed to create storage: %v", err)
	}
	defer storage.Close()

	node := types.NodeIDFromName("node0")
	key := operation.Key{Initiator: node, OperationID: 1}

	t.Run("RecordAppliedWithContainer", func(t *testing.T) {
		c := &Container{
			ID:        "ctr-1",
			Spec:      operation.ContainerSpec{Image: "alpine"},
			State:     StateCreated,
			Replicas:  1,
			CreatedBy: node,
			CreatedAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		}
		rec := &AppliedRecord{Key: key, Kind: operation.KindCreateContainer, Index: 1, Success: true}

		if err := storage.RecordApplied(rec, c, ""); err != nil {
			t.Fatalf("RecordApplied failed: %v", err)
		}

		applied, err := storage.IsApplied(key)
		if err != nil || !applied {
			t.Fatalf("expected operation to be applied, got %v %v", applied, err)
		}

		got, err := storage.GetContainer("ctr-1")
		if err != nil {
			t.Fatalf("GetContainer failed: %v", err)
		}
		if got.Spec.Image != "alpine" || got.State != StateCreated {
			t.Errorf("unexpected container %+v", got)
		}
	})

	t.Run("RecordAppliedTwiceFails", func(t *testing.T) {
		err := storage.RecordApplied(&AppliedRecord{Key: key}, nil, "")
		if err == nil {
			t.Fatal("expected error when recording the same operation twice")
		}
	})

	t.Run("RemoveContainer", func(t *testing.T) {
		rec := &AppliedRecord{Key: operation.Key{Initiator: node, OperationID: 2}, Kind: operation.KindRemoveContainer, Success: true}
		if err := storage.RecordApplied(rec, nil, "ctr-1"); err != nil {
			t.Fatalf("RecordApplied failed: %v", err)
		}
		if _, err := storage.GetContainer("ctr-1"); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("ForEachApplied", func(t *testing.T) {
		var kinds []operation.Kind
		err := storage.ForEachApplied(func(rec *AppliedRecord) error {
			kinds = append(kinds, rec.Kind)
			return nil
		})
		if err != nil {
			t.Fatalf("ForEachApplied failed: %v", err)
		}
		if len(kinds) != 2 || kinds[0] != operation.KindCreateContainer {
			t.Errorf("unexpected applied kinds %v", kinds)
		}
	})

	t.Run("GetAppliedMissing", func(t *testing.T) {
		_, err := storage.GetApplied(operation.Key{Initiator: node, OperationID: 99})
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("Reputations", func(t *testing.T) {
		reps := []guard.NodeReputation{
			{Node: node, Score: 42, Failed: 3},
			{Node: types.NodeIDFromName("node1"), Score: 100},
		}
		if err := storage.SaveReputations(reps); err != nil {
			t.Fatalf("SaveReputations failed: %v", err)
		}

		loaded, err := storage.LoadReputations()
		if err != nil {
			t.Fatalf("LoadReputations failed: %v", err)
		}
		if len(loaded) != 2 {
			t.Fatalf("expected 2 reputations, got %d", len(loaded))
		}
		for _, r := range loaded {
			if r.Node == node && (r.Score != 42 || r.Failed != 3) {
				t.Errorf("unexpected reputation %+v", r)
			}
		}
	})

	t.Run("SetAndGetMetadata", func(t *testing.T) {
		key := "test_key"
		value := "test_value"

		if err := storage.SetMetadata(key, value); err != nil {
			t.Fatalf("SetMetadata failed: %v", err)
		}

		retrieved, err := storage.GetMetadata(key)
		if err != nil {
			t.Fatalf("GetMetadata failed: %v", err)
		}

		if retrieved != value {
			t.Errorf("Expected value %s, got %s", value, retrieved)
		}
	})
}

func TestStoragePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")
	key := operation.Key{Initiator: types.NodeIDFromName("node0"), OperationID: 5}

	s, err := New(path)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := s.RecordApplied(&AppliedRecord{Key: key, Success: true}, nil, ""); err != nil {
		t.Fatalf("RecordApplied failed: %v", err)
	}
	s.Close()

	s, err = New(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer s.Close()

	rec, err := s.GetApplied(key)
	if err != nil {
		t.Fatalf("GetApplied failed: %v", err)
	}
	if !rec.Success {
		t.Error("expected success flag to persist")
	}
}
