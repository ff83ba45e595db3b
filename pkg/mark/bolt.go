package mark

import (
	"fmt"
	"os"

	bolt "go.etcd.io/bbolt"
)

var marksBucket = []byte("marks")

// BoltContext keeps the mark set in a private bbolt file instead of
// process memory. This is the Go-native replacement for the original
// engine's "nested mini-store" backend (which nested a second, minimal
// object database purely to hold marks): bbolt gives the same property —
// a transactional on-disk set that doesn't compete with the main process's
// heap — without reimplementing a second copy of the storage engine itself.
// Use this when the live object count is too large to mark in RAM.
type BoltContext struct {
	path string
	db   *bolt.DB
}

func NewBoltContext(path string) (*BoltContext, error) {
	db, err := bolt.Open(path, 0o644, nil)
	if err != nil {
		return nil, fmt.Errorf("mark: open bolt mark store %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(marksBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("mark: init bucket: %w", err)
	}
	return &BoltContext{path: path, db: db}, nil
}

func (b *BoltContext) Mark(name string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(marksBucket).Put([]byte(name), []byte{1})
	})
}

func (b *BoltContext) Unmark(name string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(marksBucket).Delete([]byte(name))
	})
}

func (b *BoltContext) IsMarked(name string) (bool, error) {
	var marked bool
	err := b.db.View(func(tx *bolt.Tx) error {
		marked = tx.Bucket(marksBucket).Get([]byte(name)) != nil
		return nil
	})
	return marked, err
}

func (b *BoltContext) UnmarkAll() error {
	return b.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(marksBucket); err != nil && err != bolt.ErrBucketNotFound {
			return err
		}
		_, err := tx.CreateBucket(marksBucket)
		return err
	})
}

// Close closes the bolt file and removes it: marks never need to outlive a
// single pack run.
func (b *BoltContext) Close() error {
	if err := b.db.Close(); err != nil {
		return err
	}
	if err := os.Remove(b.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
