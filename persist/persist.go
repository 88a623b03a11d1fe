// package persist implements the persistent key/value variable store
// the ACE core uses to survive restarts: current loaded index, filament
// position, inventory, and the endless-spool enable flag. It is backed
// by an embedded bbolt database, the same way guiperry-HASHER's
// checkpoint package persists JSON-encoded records in a bbolt bucket.
package persist

import (
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
)

// KV is the abstract key/value store the rest of the core depends on.
// Values are JSON-encoded; a Set only returns once the write is
// durable, matching the "save call is synchronous only upon
// completion" requirement.
type KV interface {
	Get(key string) (json.RawMessage, bool, error)
	Set(key string, value any) error
}

var bucketName = []byte("ace_vars")

// Store is a bbolt-backed KV.
type Store struct {
	db *bbolt.DB
}

// Open opens (creating if necessary) a bbolt database at path and
// ensures the variable bucket exists.
func Open(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("persist: open %s: %w", path, err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("persist: create bucket: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database file.
func (s *Store) Close() error {
	return s.db.Close()
}

// Get returns the raw JSON value for key, or ok=false if unset.
func (s *Store) Get(key string) (json.RawMessage, bool, error) {
	var val json.RawMessage
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketName)
		v := b.Get([]byte(key))
		if v != nil {
			val = append(json.RawMessage(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return val, val != nil, nil
}

// Set JSON-encodes value and commits it under key.
func (s *Store) Set(key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("persist: marshal %s: %w", key, err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketName)
		return b.Put([]byte(key), data)
	})
}

// GetInto is a convenience wrapper that decodes the stored value into
// dst, reporting ok=false (and leaving dst untouched) if key is unset.
func GetInto(kv KV, key string, dst any) (bool, error) {
	raw, ok, err := kv.Get(key)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return false, fmt.Errorf("persist: decode %s: %w", key, err)
	}
	return true, nil
}
