package storage

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/dgraph-io/badger/v4"
	log "github.com/inconshreveable/log15"
)

// BadgerConfig configures the badger backend.
type BadgerConfig struct {
	// Path is the database directory.
	Path string

	// InMemory keeps everything in memory. The memory engine uses it.
	InMemory bool

	// SyncWrites fsyncs each commit.
	SyncWrites bool

	NumCompactors    int
	NumMemtables     int
	ValueLogFileSize int64
}

// DefaultBadgerConfig returns the settings used by the node.
func DefaultBadgerConfig(path string) BadgerConfig {
	return BadgerConfig{
		Path:             path,
		NumCompactors:    4,
		NumMemtables:     5,
		ValueLogFileSize: 256 << 20,
	}
}

// BadgerStore keeps state in an LSM tree. Apply runs in a single badger
// transaction, so a block's writes land together or not at all.
type BadgerStore struct {
	db     *badger.DB
	closed atomic.Bool
}

// OpenBadger opens or creates a badger database.
func OpenBadger(cfg BadgerConfig) (*BadgerStore, error) {
	defaults := DefaultBadgerConfig(cfg.Path)
	if cfg.NumCompactors == 0 {
		cfg.NumCompactors = defaults.NumCompactors
	}
	if cfg.NumMemtables == 0 {
		cfg.NumMemtables = defaults.NumMemtables
	}
	if cfg.ValueLogFileSize == 0 {
		cfg.ValueLogFileSize = defaults.ValueLogFileSize
	}

	opts := badger.DefaultOptions(cfg.Path)
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	opts = opts.
		WithSyncWrites(cfg.SyncWrites).
		WithNumCompactors(cfg.NumCompactors).
		WithNumMemtables(cfg.NumMemtables).
		WithValueLogFileSize(cfg.ValueLogFileSize).
		WithLogger(badgerLogger{log.New("module", "badger")})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

func (b *BadgerStore) Get(key []byte) ([]byte, error) {
	if b.closed.Load() {
		return nil, ErrClosed
	}
	var out []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		out, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (b *BadgerStore) Apply(changes []Change) error {
	if b.closed.Load() {
		return ErrClosed
	}
	return b.db.Update(func(txn *badger.Txn) error {
		for _, c := range changes {
			var err error
			if c.Delete {
				err = txn.Delete(c.Key)
			} else {
				err = txn.Set(c.Key, c.Value)
			}
			if err != nil {
				return fmt.Errorf("stage %q: %w", c.Key, err)
			}
		}
		return nil
	})
}

func (b *BadgerStore) Iterate(prefix []byte, fn func(key, value []byte) error) error {
	if b.closed.Load() {
		return ErrClosed
	}
	return b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			val, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			if err := fn(item.KeyCopy(nil), val); err != nil {
				return err
			}
		}
		return nil
	})
}

// RunGC reclaims value log space.
func (b *BadgerStore) RunGC() error {
	if b.closed.Load() {
		return ErrClosed
	}
	err := b.db.RunValueLogGC(0.5)
	if errors.Is(err, badger.ErrNoRewrite) {
		return nil
	}
	return err
}

func (b *BadgerStore) Close() error {
	if b.closed.Swap(true) {
		return ErrClosed
	}
	return b.db.Close()
}

// badgerLogger routes badger's internal logging into log15.
type badgerLogger struct {
	l log.Logger
}

func (b badgerLogger) Errorf(format string, args ...interface{}) {
	b.l.Error(fmt.Sprintf(format, args...))
}

func (b badgerLogger) Warningf(format string, args ...interface{}) {
	b.l.Warn(fmt.Sprintf(format, args...))
}

func (b badgerLogger) Infof(format string, args ...interface{}) {
	b.l.Debug(fmt.Sprintf(format, args...))
}

func (b badgerLogger) Debugf(format string, args ...interface{}) {
	b.l.Debug(fmt.Sprintf(format, args...))
}
