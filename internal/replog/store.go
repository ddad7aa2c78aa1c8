package replog

import (
	"errors"
	"fmt"
	"io"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
)

// Store persists log entries and small metadata values.
type Store interface {
	raft.LogStore
	raft.StableStore
}

type Backend string

const (
	BackendBolt     Backend = "bolt"
	BackendRaftBolt Backend = "raft-boltdb"
	BackendMemory   Backend = "memory"
)

// OpenStore opens the store for backend. path is ignored for the memory
// backend.
func OpenStore(backend Backend, path string) (Store, error) {
	switch backend {
	case BackendBolt, "":
		return NewBoltStore(path)
	case BackendRaftBolt:
		store, err := raftboltdb.NewBoltStore(path)
		if err != nil {
			return nil, fmt.Errorf("failed to open raft-boltdb store: %w", err)
		}
		return store, nil
	case BackendMemory:
		return raft.NewInmemStore(), nil
	default:
		return nil, fmt.Errorf("unknown log backend %q", backend)
	}
}

func closeStore(s Store) error {
	if c, ok := s.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// getBytes reads a stable-store key, treating a missing key as empty. The
// backends disagree on whether a missing key is an error.
func getBytes(s raft.StableStore, key []byte) ([]byte, error) {
	val, err := s.Get(key)
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return val, nil
}

func getUint64(s raft.StableStore, key []byte) (uint64, error) {
	val, err := s.GetUint64(key)
	if err != nil {
		if isNotFound(err) {
			return 0, nil
		}
		return 0, err
	}
	return val, nil
}

func isNotFound(err error) bool {
	return errors.Is(err, raftboltdb.ErrKeyNotFound) || err.Error() == "not found"
}
