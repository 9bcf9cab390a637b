package store

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

// BucketMeta stores consumer metadata like the cursor position: {key} -> {value}
var BucketMeta = []byte("meta")

var cursorKey = []byte("cursor")

// CursorStore persists the firehose sequence cursor in its own BoltDB
// file, separate from the SQLite index, so the consumer can commit its
// position without contending for the write lock.
type CursorStore struct {
	db *bolt.DB
}

// OpenCursor opens (or creates) the cursor database at path.
func OpenCursor(path string) (*CursorStore, error) {
	if path == "" {
		return nil, fmt.Errorf("cursor path is required")
	}

	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create cursor directory: %w", err)
		}
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{
		Timeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open cursor database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(BucketMeta)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	return &CursorStore{db: db}, nil
}

// Close closes the cursor database.
func (c *CursorStore) Close() error {
	if c.db != nil {
		return c.db.Close()
	}
	return nil
}

// Get returns the last committed cursor, or 0 if none has been stored.
func (c *CursorStore) Get() (int64, error) {
	var cursor int64
	err := c.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(BucketMeta)
		v := b.Get(cursorKey)
		if len(v) == 8 {
			cursor = int64(binary.BigEndian.Uint64(v))
		}
		return nil
	})
	return cursor, err
}

// Set stores the cursor position.
func (c *CursorStore) Set(cursor int64) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(BucketMeta)
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, uint64(cursor))
		return b.Put(cursorKey, buf)
	})
}
