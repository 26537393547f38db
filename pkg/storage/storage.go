// Package storage is the key-value layer under chain state and contract
// state. Everything the node persists lives in one flat keyspace:
//
//	accounts.<id>                        encoded chain.Account
//	code.<id>                            deployed program bytes
//	committed_storage.<contract>.<key>   contract-owned values
//	block_<height>                       encoded chain.Block
//	latest_block                         encoded chain.Block
//	tx_<hash>                            height of the including block
//
// Writers never touch a Store directly during execution: they stage into an
// Overlay and the whole overlay is applied in one atomic write.
package storage

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/evikser/spin-node/internal/types"
)

var (
	ErrNotFound      = errors.New("key not found")
	ErrClosed        = errors.New("store closed")
	ErrUnknownEngine = errors.New("unknown storage engine")
)

// Reader reads single keys. Missing keys return ErrNotFound.
type Reader interface {
	Get(key []byte) ([]byte, error)
}

// ReadWriter is the handle execution code works against.
type ReadWriter interface {
	Reader
	Set(key, value []byte) error
	Delete(key []byte) error
}

// Change is one staged mutation.
type Change struct {
	Key    []byte
	Value  []byte
	Delete bool
}

// Store is a persistent backend.
type Store interface {
	Reader

	// Apply writes all changes atomically, in order.
	Apply(changes []Change) error

	// Iterate visits every key with the given prefix in byte order.
	// Returning an error from fn stops iteration with that error.
	Iterate(prefix []byte, fn func(key, value []byte) error) error

	Close() error
}

// Engine selects a Store implementation.
type Engine string

const (
	EngineBadger Engine = "badger"
	EngineBolt   Engine = "bolt"
	EngineMemory Engine = "memory"
)

// Config selects and configures a backend.
type Config struct {
	Engine Engine

	// Path is a directory for badger and a file for bolt.
	Path string

	// SyncWrites fsyncs every commit.
	SyncWrites bool
}

// Open opens the backend named by cfg.Engine.
func Open(cfg Config) (Store, error) {
	switch cfg.Engine {
	case EngineBadger, "":
		return OpenBadger(BadgerConfig{Path: cfg.Path, SyncWrites: cfg.SyncWrites})
	case EngineBolt:
		return OpenBolt(BoltConfig{Path: cfg.Path, NoSync: !cfg.SyncWrites})
	case EngineMemory:
		return OpenBadger(BadgerConfig{InMemory: true})
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEngine, cfg.Engine)
	}
}

// Put writes one key straight to a store.
func Put(s Store, key, value []byte) error {
	return s.Apply([]Change{{Key: key, Value: value}})
}

// Has reports whether key exists.
func Has(r Reader, key []byte) (bool, error) {
	_, err := r.Get(key)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

// Key layout.

var LatestBlockKey = []byte("latest_block")

func AccountKey(id types.AccountID) []byte {
	return []byte("accounts." + string(id))
}

func CodeKey(id types.AccountID) []byte {
	return []byte("code." + string(id))
}

// ContractPrefix is the namespace of one contract's committed storage.
func ContractPrefix(contract types.AccountID) []byte {
	return []byte("committed_storage." + string(contract) + ".")
}

func ContractKey(contract types.AccountID, key []byte) []byte {
	return append(ContractPrefix(contract), key...)
}

func BlockKey(height uint64) []byte {
	return []byte("block_" + strconv.FormatUint(height, 10))
}

func TxIndexKey(hash types.Hash) []byte {
	return []byte("tx_" + hash.Hex())
}
