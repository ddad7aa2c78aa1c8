package replog

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/raft"
	bolt "go.etcd.io/bbolt"
)

const (
	logsBucket   = "logs"
	stableBucket = "stable"
)

var errCorruptRecord = errors.New("corrupt log record")

// BoltStore implements both LogStore and StableStore interfaces using bbolt
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore creates a new BoltStore
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{
		Timeout: 1 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt database: %w", err)
	}

	store := &BoltStore{db: db}

	if err := store.initialize(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize buckets: %w", err)
	}

	return store, nil
}

func (b *BoltStore) initialize() error {
	return b.db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(logsBucket)); err != nil {
			return fmt.Errorf("failed to create logs bucket: %w", err)
		}
		if _, err := tx.CreateBucketIfNotExists([]byte(stableBucket)); err != nil {
			return fmt.Errorf("failed to create stable bucket: %w", err)
		}
		return nil
	})
}

// Close closes the database
func (b *BoltStore) Close() error {
	return b.db.Close()
}

// FirstIndex returns the first index written. 0 for no entries.
func (b *BoltStore) FirstIndex() (uint64, error) {
	var firstIndex uint64
	err := b.db.View(func(tx *bolt.Tx) error {
		k, _ := tx.Bucket([]byte(logsBucket)).Cursor().First()
		if k == nil {
			return nil
		}
		firstIndex = binary.BigEndian.Uint64(k)
		return nil
	})
	return firstIndex, err
}

// LastIndex returns the last index written. 0 for no entries.
func (b *BoltStore) LastIndex() (uint64, error) {
	var lastIndex uint64
	err := b.db.View(func(tx *bolt.Tx) error {
		k, _ := tx.Bucket([]byte(logsBucket)).Cursor().Last()
		if k == nil {
			return nil
		}
		lastIndex = binary.BigEndian.Uint64(k)
		return nil
	})
	return lastIndex, err
}

func (b *BoltStore) GetLog(index uint64, log *raft.Log) error {
	return b.db.View(func(tx *bolt.Tx) error {
		val := tx.Bucket([]byte(logsBucket)).Get(indexKey(index))
		if val == nil {
			return raft.ErrLogNotFound
		}
		return decodeLog(val, log)
	})
}

func (b *BoltStore) StoreLog(log *raft.Log) error {
	return b.StoreLogs([]*raft.Log{log})
}

func (b *BoltStore) StoreLogs(logs []*raft.Log) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(logsBucket))
		for _, log := range logs {
			if err := bucket.Put(indexKey(log.Index), encodeLog(log)); err != nil {
				return fmt.Errorf("failed to store log: %w", err)
			}
		}
		return nil
	})
}

// DeleteRange deletes a range of log entries. The range is inclusive.
func (b *BoltStore) DeleteRange(min, max uint64) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(logsBucket))
		cursor := bucket.Cursor()

		for k, _ := cursor.Seek(indexKey(min)); k != nil && binary.BigEndian.Uint64(k) <= max; k, _ = cursor.Next() {
			if err := bucket.Delete(k); err != nil {
				return fmt.Errorf("failed to delete log entry: %w", err)
			}
		}
		return nil
	})
}

func (b *BoltStore) Set(key []byte, val []byte) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(stableBucket)).Put(key, val)
	})
}

// Get returns the value for key, or an empty byte slice if key was not found.
func (b *BoltStore) Get(key []byte) ([]byte, error) {
	var val []byte
	err := b.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket([]byte(stableBucket)).Get(key)
		if v != nil {
			val = make([]byte, len(v))
			copy(val, v)
		}
		return nil
	})
	return val, err
}

func (b *BoltStore) SetUint64(key []byte, val uint64) error {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, val)
	return b.Set(key, buf)
}

// GetUint64 returns the uint64 value for key, or 0 if key was not found.
func (b *BoltStore) GetUint64(key []byte) (uint64, error) {
	val, err := b.Get(key)
	if err != nil {
		return 0, err
	}
	if len(val) == 0 {
		return 0, nil
	}
	if len(val) != 8 {
		return 0, fmt.Errorf("invalid uint64 value length: %d", len(val))
	}
	return binary.BigEndian.Uint64(val), nil
}

// RawEntry returns the stored bytes of the entry at index. It exists for
// integrity tooling.
func (b *BoltStore) RawEntry(index uint64) ([]byte, error) {
	var out []byte
	err := b.db.View(func(tx *bolt.Tx) error {
		val := tx.Bucket([]byte(logsBucket)).Get(indexKey(index))
		if val == nil {
			return raft.ErrLogNotFound
		}
		out = append([]byte(nil), val...)
		return nil
	})
	return out, err
}

// PutRawEntry overwrites the stored bytes of the entry at index without
// re-encoding them.
func (b *BoltStore) PutRawEntry(index uint64, val []byte) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(logsBucket)).Put(indexKey(index), val)
	})
}

func indexKey(index uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, index)
	return key
}

// Layout: index (8) + term (8) + type (1) + appended_at (8) + data length (4)
// + data + extensions length (4) + extensions.
const logHeaderSize = 8 + 8 + 1 + 8 + 4

// DataOffset is the position of the entry payload inside an encoded record.
const DataOffset = logHeaderSize

func encodeLog(log *raft.Log) []byte {
	buf := make([]byte, logHeaderSize+len(log.Data)+4+len(log.Extensions))
	offset := 0

	binary.BigEndian.PutUint64(buf[offset:], log.Index)
	offset += 8

	binary.BigEndian.PutUint64(buf[offset:], log.Term)
	offset += 8

	buf[offset] = byte(log.Type)
	offset += 1

	var appendedAt int64
	if !log.AppendedAt.IsZero() {
		appendedAt = log.AppendedAt.UnixNano()
	}
	binary.BigEndian.PutUint64(buf[offset:], uint64(appendedAt))
	offset += 8

	binary.BigEndian.PutUint32(buf[offset:], uint32(len(log.Data)))
	offset += 4

	copy(buf[offset:], log.Data)
	offset += len(log.Data)

	binary.BigEndian.PutUint32(buf[offset:], uint32(len(log.Extensions)))
	offset += 4

	copy(buf[offset:], log.Extensions)

	return buf
}

func decodeLog(data []byte, log *raft.Log) error {
	if len(data) < logHeaderSize {
		return fmt.Errorf("%w: log data too short: %d bytes", errCorruptRecord, len(data))
	}

	offset := 0
	log.Index = binary.BigEndian.Uint64(data[offset:])
	offset += 8

	log.Term = binary.BigEndian.Uint64(data[offset:])
	offset += 8

	log.Type = raft.LogType(data[offset])
	offset += 1

	appendedAt := int64(binary.BigEndian.Uint64(data[offset:]))
	offset += 8
	log.AppendedAt = time.Time{}
	if appendedAt != 0 {
		log.AppendedAt = time.Unix(0, appendedAt).UTC()
	}

	dataLen := int(binary.BigEndian.Uint32(data[offset:]))
	offset += 4

	if len(data) < offset+dataLen+4 {
		return fmt.Errorf("%w: log data incomplete: expected at least %d bytes, got %d", errCorruptRecord, offset+dataLen+4, len(data))
	}

	log.Data = make([]byte, dataLen)
	copy(log.Data, data[offset:offset+dataLen])
	offset += dataLen

	extLen := int(binary.BigEndian.Uint32(data[offset:]))
	offset += 4

	if len(data) < offset+extLen {
		return fmt.Errorf("%w: log extensions incomplete: expected %d bytes, got %d", errCorruptRecord, offset+extLen, len(data))
	}

	log.Extensions = nil
	if extLen > 0 {
		log.Extensions = make([]byte, extLen)
		copy(log.Extensions, data[offset:offset+extLen])
	}

	return nil
}
