package storage

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketState = []byte("state")

// BoltConfig configures the bbolt backend.
type BoltConfig struct {
	// Path is the database file.
	Path string

	// NoSync skips fsync on commit.
	NoSync bool

	// ReadOnly opens the file without write access.
	ReadOnly bool
}

// BoltStore keeps state in a single bbolt bucket. Every Apply is one bolt
// read-write transaction.
type BoltStore struct {
	db *bolt.DB

	mu     sync.RWMutex
	closed bool
}

// OpenBolt opens or creates a bbolt file.
func OpenBolt(cfg BoltConfig) (*BoltStore, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0755); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}
	db, err := bolt.Open(cfg.Path, 0600, &bolt.Options{
		Timeout:  5 * time.Second,
		NoSync:   cfg.NoSync,
		ReadOnly: cfg.ReadOnly,
	})
	if err != nil {
		return nil, fmt.Errorf("open bolt: %w", err)
	}
	if !cfg.ReadOnly {
		err = db.Update(func(tx *bolt.Tx) error {
			_, err := tx.CreateBucketIfNotExists(bucketState)
			return err
		})
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("create bucket: %w", err)
		}
	}
	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Get(key []byte) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	var out []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketState)
		if b == nil {
			return ErrNotFound
		}
		v := b.Get(key)
		if v == nil {
			return ErrNotFound
		}
		out = bytes.Clone(v)
		return nil
	})
	return out, err
}

func (s *BoltStore) Apply(changes []Change) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketState)
		for _, c := range changes {
			var err error
			if c.Delete {
				err = b.Delete(c.Key)
			} else {
				err = b.Put(c.Key, c.Value)
			}
			if err != nil {
				return fmt.Errorf("stage %q: %w", c.Key, err)
			}
		}
		return nil
	})
}

func (s *BoltStore) Iterate(prefix []byte, fn func(key, value []byte) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketState)
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			if err := fn(bytes.Clone(k), bytes.Clone(v)); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BoltStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.closed = true
	return s.db.Close()
}
