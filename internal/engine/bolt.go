package engine

import (
	"fmt"
	"log/slog"
	"path/filepath"

	bolt "go.etcd.io/bbolt"
)

// boltBucket is the single bucket all pairs live in.
var boltBucket = []byte("kvs")

// BoltEngine serves the same interface as KVStore on top of a bbolt
// B-tree file. It exists as the pluggable alternative engine; the server
// selects between the two at startup.
type BoltEngine struct {
	db *bolt.DB
}

// OpenBolt opens or creates a bbolt database inside dir.
func OpenBolt(dir string) (*BoltEngine, error) {
	path := filepath.Join(dir, "bolt.db")
	db, err := bolt.Open(path, 0644, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt database at %s: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(boltBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create bolt bucket: %w", err)
	}

	slog.Info("engine: bolt store opened",
		"path", path)
	return &BoltEngine{db: db}, nil
}

// Set stores the pair inside a read-write transaction; bbolt syncs the
// transaction before Update returns.
func (e *BoltEngine) Set(key, value string) error {
	err := e.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(boltBucket).Put([]byte(key), []byte(value))
	})
	if err != nil {
		return fmt.Errorf("bolt set failed for key %s: %w", key, err)
	}
	return nil
}

// Get returns the stored value, decoding the bytes as UTF-8.
func (e *BoltEngine) Get(key string) (string, bool, error) {
	var value string
	var ok bool
	err := e.db.View(func(tx *bolt.Tx) error {
		if data := tx.Bucket(boltBucket).Get([]byte(key)); data != nil {
			value = string(data)
			ok = true
		}
		return nil
	})
	if err != nil {
		return "", false, fmt.Errorf("bolt get failed for key %s: %w", key, err)
	}
	return value, ok, nil
}

// Remove deletes the key, translating a missing key into the same
// *NotFoundError the log-structured engine returns.
func (e *BoltEngine) Remove(key string) error {
	err := e.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(boltBucket)
		if bucket.Get([]byte(key)) == nil {
			return &NotFoundError{Key: key}
		}
		return bucket.Delete([]byte(key))
	})
	if err != nil {
		if IsNotFound(err) {
			return err
		}
		return fmt.Errorf("bolt remove failed for key %s: %w", key, err)
	}
	return nil
}

// Close closes the underlying database file.
func (e *BoltEngine) Close() error {
	return e.db.Close()
}
