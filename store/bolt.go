package store

import (
	"context"
	"encoding/json"
	"time"

	bolt "github.com/boltdb/bolt"
)

// BoltStore keeps documents in an embedded BoltDB file, one bucket per
// collection. Bolt serialises write transactions, so running the whole
// read-check-write sequence of Update inside one db.Update makes it atomic
// for every process sharing the file.
type BoltStore struct {
	db *bolt.DB
}

// NewBolt opens (or creates) a BoltDB database at the given path.
func NewBolt(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, err
	}
	return &BoltStore{db: db}, nil
}

// Close releases the database file lock.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Get retrieves a single document.
// Returns ErrNotFound if the key does not exist.
func (s *BoltStore) Get(ctx context.Context, collection, id string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var doc []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(collection))
		if b == nil {
			return ErrNotFound
		}
		v := b.Get([]byte(id))
		if v == nil {
			return ErrNotFound
		}
		// Bolt values are only valid for the life of the transaction.
		doc = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return doc, nil
}

// Put stores doc unconditionally.
func (s *BoltStore) Put(ctx context.Context, collection, id string, doc []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(collection))
		if err != nil {
			return err
		}
		return b.Put([]byte(id), doc)
	})
}

// Create persists doc ONLY if a document with the same id does not already
// exist.
//
// Returns (existing, false, nil) when the document already existed.
// Returns (doc, true, nil) when it was created.
func (s *BoltStore) Create(ctx context.Context, collection, id string, doc []byte) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	var result []byte
	created := false

	err := s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(collection))
		if err != nil {
			return err
		}

		if existing := b.Get([]byte(id)); existing != nil {
			result = append([]byte(nil), existing...)
			return nil
		}

		result = doc
		created = true
		return b.Put([]byte(id), doc)
	})
	if err != nil {
		return nil, false, err
	}
	return result, created, nil
}

// Update runs fn inside a single write transaction. When fn declines to
// write, the stored bytes are left alone and written is false.
func (s *BoltStore) Update(ctx context.Context, collection, id string, fn UpdateFunc) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	var result []byte
	written := false

	err := s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(collection))
		if err != nil {
			return err
		}

		var current []byte
		if v := b.Get([]byte(id)); v != nil {
			current = append([]byte(nil), v...)
		}

		next, write, err := fn(current)
		if err != nil {
			return err
		}
		if !write {
			result = current
			return nil
		}

		result = next
		written = true
		return b.Put([]byte(id), next)
	})
	if err != nil {
		return nil, false, err
	}
	return result, written, nil
}

// Query scans the collection for documents whose field equals value.
func (s *BoltStore) Query(ctx context.Context, collection, field string, value any) ([][]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	want, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}

	items := [][]byte{}
	err = s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(collection))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			if fieldEquals(v, field, want) {
				items = append(items, append([]byte(nil), v...))
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return items, nil
}

// Delete removes a document. If the key does not exist bolt.Delete is a
// no-op, so retrying a delete always succeeds.
func (s *BoltStore) Delete(ctx context.Context, collection, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(collection))
		if b == nil {
			return nil
		}
		return b.Delete([]byte(id))
	})
}
