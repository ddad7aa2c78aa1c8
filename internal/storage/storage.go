package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/witnz/quorum/internal/guard"
	"github.com/witnz/quorum/internal/operation"
	"github.com/witnz/quorum/internal/types"
)

var (
	ContainersBucket = []byte("containers")
	AppliedBucket    = []byte("applied")
	ReputationBucket = []byte("reputation")
	MetadataBucket   = []byte("metadata")
)

var ErrNotFound = errors.New("not found")

type ContainerState string

const (
	StateCreated ContainerState = "created"
	StateRunning ContainerState = "running"
	StateStopped ContainerState = "stopped"
)

type SnapshotRecord struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	SizeBytes uint64    `json:"size_bytes"`
	CreatedAt time.Time `json:"created_at"`
}

// Container is the replicated registry entry for one container. Times come
// from operation timestamps so every replica stores the same record.
type Container struct {
	ID            string                  `json:"id"`
	Spec          operation.ContainerSpec `json:"spec"`
	State         ContainerState          `json:"state"`
	Replicas      uint32                  `json:"replicas"`
	Node          types.NodeID            `json:"node"`
	PortMappings  map[uint16]uint16       `json:"port_mappings,omitempty"`
	Aliases       []string                `json:"aliases,omitempty"`
	Endpoints     []string                `json:"endpoints,omitempty"`
	Snapshots     []SnapshotRecord        `json:"snapshots,omitempty"`
	CreatedBy     types.NodeID            `json:"created_by"`
	CreatedAt     time.Time               `json:"created_at"`
	UpdatedAt     time.Time               `json:"updated_at"`
	LastOperation string                  `json:"last_operation"`
}

// AppliedRecord marks an operation as applied. Result holds the encoded
// operation.Result when the operation succeeded.
type AppliedRecord struct {
	Key     operation.Key  `json:"key"`
	Kind    operation.Kind `json:"kind"`
	Index   types.LogIndex `json:"index"`
	Digest  types.Digest   `json:"digest"`
	Success bool           `json:"success"`
	Error   string         `json:"error,omitempty"`
	// Expired marks an operation committed after its deadline and never
	// executed.
	Expired       bool            `json:"expired,omitempty"`
	Result        json.RawMessage `json:"result,omitempty"`
	ExecutionTime time.Duration   `json:"execution_time"`
	AppliedAt     time.Time       `json:"applied_at"`
}

type Storage struct {
	db *bolt.DB
}

func New(path string) (*Storage, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{
		Timeout: 1 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{ContainersBucket, AppliedBucket, ReputationBucket, MetadataBucket} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Storage{db: db}, nil
}

func (s *Storage) Close() error {
	return s.db.Close()
}

func appliedKey(k operation.Key) []byte {
	return []byte(fmt.Sprintf("%s:%020d", k.Initiator.String(), k.OperationID))
}

// RecordApplied stores rec and the resulting container change in one
// transaction. put may be nil; remove names a container to delete.
func (s *Storage) RecordApplied(rec *AppliedRecord, put *Container, remove string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		applied := tx.Bucket(AppliedBucket)
		key := appliedKey(rec.Key)
		if applied.Get(key) != nil {
			return fmt.Errorf("operation %s already applied", rec.Key)
		}

		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("failed to marshal applied record: %w", err)
		}
		if err := applied.Put(key, data); err != nil {
			return err
		}

		containers := tx.Bucket(ContainersBucket)
		if remove != "" {
			if err := containers.Delete([]byte(remove)); err != nil {
				return err
			}
		}
		if put != nil {
			data, err := json.Marshal(put)
			if err != nil {
				return fmt.Errorf("failed to marshal container: %w", err)
			}
			if err := containers.Put([]byte(put.ID), data); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Storage) GetApplied(k operation.Key) (*AppliedRecord, error) {
	var rec AppliedRecord

	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(AppliedBucket).Get(appliedKey(k))
		if data == nil {
			return fmt.Errorf("%w: applied operation %s", ErrNotFound, k)
		}
		return json.Unmarshal(data, &rec)
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *Storage) IsApplied(k operation.Key) (bool, error) {
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		found = tx.Bucket(AppliedBucket).Get(appliedKey(k)) != nil
		return nil
	})
	return found, err
}

// ForEachApplied calls fn for every applied record in key order.
func (s *Storage) ForEachApplied(fn func(*AppliedRecord) error) error {
	return s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(AppliedBucket).ForEach(func(k, v []byte) error {
			var rec AppliedRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("failed to unmarshal applied record %s: %w", k, err)
			}
			return fn(&rec)
		})
	})
}

func (s *Storage) GetContainer(id string) (*Container, error) {
	var c Container

	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(ContainersBucket).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("%w: container %s", ErrNotFound, id)
		}
		return json.Unmarshal(data, &c)
	})
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *Storage) ListContainers() ([]*Container, error) {
	var out []*Container

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(ContainersBucket).ForEach(func(k, v []byte) error {
			var c Container
			if err := json.Unmarshal(v, &c); err != nil {
				return fmt.Errorf("failed to unmarshal container %s: %w", k, err)
			}
			out = append(out, &c)
			return nil
		})
	})
	return out, err
}

// SaveReputations implements guard.ReputationStore.
func (s *Storage) SaveReputations(reps []guard.NodeReputation) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(ReputationBucket)
		for _, r := range reps {
			data, err := json.Marshal(r)
			if err != nil {
				return fmt.Errorf("failed to marshal reputation: %w", err)
			}
			if err := bucket.Put([]byte(r.Node.String()), data); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Storage) LoadReputations() ([]guard.NodeReputation, error) {
	var out []guard.NodeReputation

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(ReputationBucket).ForEach(func(k, v []byte) error {
			var r guard.NodeReputation
			if err := json.Unmarshal(v, &r); err != nil {
				return fmt.Errorf("failed to unmarshal reputation %s: %w", k, err)
			}
			out = append(out, r)
			return nil
		})
	})
	return out, err
}

func (s *Storage) SetMetadata(key, value string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(MetadataBucket)
		return bucket.Put([]byte(key), []byte(value))
	})
}

func (s *Storage) GetMetadata(key string) (string, error) {
	var value string

	err := s.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(MetadataBucket)
		data := bucket.Get([]byte(key))
		if data == nil {
			return fmt.Errorf("%w: metadata key %s", ErrNotFound, key)
		}
		value = string(data)
		return nil
	})

	return value, err
}
