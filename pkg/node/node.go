// Package node provides the single-node orchestrator of a spin chain.
//
// The Node ties together:
//   - a state Store (badger, bolt or memory) holding accounts, code,
//     contract storage and blocks
//   - a FIFO pool of submitted signed transactions
//   - the executor, which runs every transaction through the root program
//
// Blocks are produced on demand with ProduceBlock, or on a timer once Start
// has been called with a non-zero BlockInterval. A block's writes, including
// the block record itself, reach the store in a single atomic commit.
package node

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/inconshreveable/log15"

	"github.com/evikser/spin-node/internal/types"
	"github.com/evikser/spin-node/pkg/chain"
	"github.com/evikser/spin-node/pkg/codec"
	"github.com/evikser/spin-node/pkg/spinvm"
	"github.com/evikser/spin-node/pkg/spinvm/executor"
	"github.com/evikser/spin-node/pkg/storage"
)

// Node errors.
var (
	ErrAlreadyRunning = errors.New("node is already running")
	ErrNotRunning     = errors.New("node is not running")
	ErrClosed         = errors.New("node is closed")
	ErrConfigInvalid  = errors.New("invalid node configuration")
	ErrInitFailed     = errors.New("node initialization failed")
	ErrPoolFull       = errors.New("transaction pool is full")
	ErrDuplicateTx    = errors.New("transaction already known")
	ErrBlockNotFound  = errors.New("block not found")
	ErrTxNotFound     = errors.New("transaction not found")
	ErrStorageCorrupt = errors.New("storage corruption detected")
)

const (
	DefaultBatchSize   = 1
	DefaultMaxPoolSize = 10_000
)

// Config holds node configuration.
type Config struct {
	// DataDir is the root directory for node data. Unused by the memory engine.
	DataDir string

	// Engine selects the state backend. Defaults to badger.
	Engine storage.Engine

	// SyncWrites fsyncs every block commit.
	SyncWrites bool

	// BatchSize is the maximum number of transactions per block.
	BatchSize int

	// BlockInterval is the production period once started. Zero leaves
	// production to explicit ProduceBlock calls.
	BlockInterval time.Duration

	// MaxPoolSize bounds the pending queue.
	MaxPoolSize int

	// Execution parameters.
	MaxCallDepth     int
	MinSegmentPo2    uint8
	MaxSegmentPo2    uint8
	ProgramCacheSize int

	// Now stamps produced blocks. Defaults to time.Now.
	Now func() time.Time

	// OnBlockProduced is called after each block is committed.
	OnBlockProduced func(block *chain.Block)
	OnError         func(err error)
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() Config {
	exec := executor.DefaultConfig()
	return Config{
		DataDir:          "./data",
		Engine:           storage.EngineBadger,
		BatchSize:        DefaultBatchSize,
		MaxPoolSize:      DefaultMaxPoolSize,
		MaxCallDepth:     exec.MaxCallDepth,
		MinSegmentPo2:    exec.Gas.MinSegmentPo2,
		MaxSegmentPo2:    exec.Gas.MaxSegmentPo2,
		ProgramCacheSize: exec.ProgramCacheSize,
		Now:              time.Now,
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	switch c.Engine {
	case storage.EngineBadger, storage.EngineBolt:
		if c.DataDir == "" {
			return fmt.Errorf("%w: data directory is required", ErrConfigInvalid)
		}
	case storage.EngineMemory:
	default:
		return fmt.Errorf("%w: unknown engine %q", ErrConfigInvalid, c.Engine)
	}
	if c.BatchSize < 1 {
		return fmt.Errorf("%w: batch size must be positive", ErrConfigInvalid)
	}
	if c.MaxPoolSize < 1 {
		return fmt.Errorf("%w: pool size must be positive", ErrConfigInvalid)
	}
	if c.BlockInterval < 0 {
		return fmt.Errorf("%w: negative block interval", ErrConfigInvalid)
	}
	if err := c.ExecutorConfig().Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrConfigInvalid, err)
	}
	return nil
}

// ExecutorConfig returns the execution parameters carried by c.
func (c *Config) ExecutorConfig() executor.Config {
	cfg := executor.DefaultConfig()
	cfg.MaxCallDepth = c.MaxCallDepth
	cfg.Gas = spinvm.GasSchedule{MinSegmentPo2: c.MinSegmentPo2, MaxSegmentPo2: c.MaxSegmentPo2}
	cfg.ProgramCacheSize = c.ProgramCacheSize
	return cfg
}

// StorageConfig returns the backend settings derived from DataDir and Engine.
func (c *Config) StorageConfig() storage.Config {
	cfg := storage.Config{Engine: c.Engine, SyncWrites: c.SyncWrites}
	switch c.Engine {
	case storage.EngineBadger:
		cfg.Path = filepath.Join(c.DataDir, "state")
	case storage.EngineBolt:
		cfg.Path = filepath.Join(c.DataDir, "state.db")
	}
	return cfg
}

// Node is a single spin node.
type Node struct {
	config Config
	log    log.Logger

	store    storage.Store
	executor *executor.Executor

	// Pool.
	poolMu  sync.Mutex
	pending []chain.SignedTransaction
	queued  map[types.Hash]struct{}

	// produceMu serializes block production; latest is only replaced under it.
	produceMu sync.Mutex
	latest    atomic.Pointer[chain.Block]

	// Lifecycle.
	running   atomic.Bool
	closed    atomic.Bool
	startTime time.Time
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	lastError   error
	lastErrorMu sync.RWMutex

	// Metrics.
	blocksProduced     atomic.Uint64
	txsProcessed       atomic.Uint64
	txsFailed          atomic.Uint64
	blockProduceTimeNs atomic.Int64
}

// New opens the node's state and writes the genesis block on first use.
func New(config *Config) (*Node, error) {
	if config == nil {
		def := DefaultConfig()
		config = &def
	}
	cfg := *config
	if cfg.Engine == "" {
		cfg.Engine = storage.EngineBadger
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	exec, err := executor.New(cfg.ExecutorConfig())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInitFailed, err)
	}

	if cfg.Engine != storage.EngineMemory {
		if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
			return nil, fmt.Errorf("%w: create data directory: %v", ErrInitFailed, err)
		}
	}
	store, err := storage.Open(cfg.StorageConfig())
	if err != nil {
		return nil, fmt.Errorf("%w: open %s store: %v", ErrInitFailed, cfg.Engine, err)
	}

	n := &Node{
		config:   cfg,
		log:      log.New("module", "node"),
		store:    store,
		executor: exec,
		queued:   make(map[types.Hash]struct{}),
	}
	if err := n.loadOrGenesis(); err != nil {
		store.Close()
		return nil, fmt.Errorf("%w: %v", ErrInitFailed, err)
	}
	return n, nil
}

// loadOrGenesis restores the chain head, writing genesis when the store is
// empty.
func (n *Node) loadOrGenesis() error {
	latest, err := n.readBlock(storage.LatestBlockKey)
	if err == nil {
		n.latest.Store(latest)
		n.log.Info("chain loaded", "height", latest.Height, "hash", latest.Hash)
		return nil
	}
	if !errors.Is(err, ErrBlockNotFound) {
		return err
	}

	genesis := chain.Genesis(uint64(n.config.Now().Unix()))
	data, err := genesis.Encode()
	if err != nil {
		return err
	}
	err = n.store.Apply([]storage.Change{
		{Key: storage.BlockKey(genesis.Height), Value: data},
		{Key: storage.LatestBlockKey, Value: data},
	})
	if err != nil {
		return fmt.Errorf("write genesis: %w", err)
	}
	n.latest.Store(genesis)
	n.log.Info("genesis written", "height", genesis.Height)
	return nil
}

func (n *Node) readBlock(key []byte) (*chain.Block, error) {
	data, err := n.store.Get(key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrBlockNotFound, key)
	}
	if err != nil {
		return nil, err
	}
	block, err := chain.DecodeBlock(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrStorageCorrupt, key, err)
	}
	return block, nil
}

// AddTx appends tx to the pending queue and returns its hash.
func (n *Node) AddTx(tx *chain.SignedTransaction) (types.Hash, error) {
	if n.closed.Load() {
		return types.Hash{}, ErrClosed
	}
	hash := tx.Hash()

	n.poolMu.Lock()
	defer n.poolMu.Unlock()

	if _, ok := n.queued[hash]; ok {
		return hash, fmt.Errorf("%w: %s pending", ErrDuplicateTx, hash)
	}
	included, err := storage.Has(n.store, storage.TxIndexKey(hash))
	if err != nil {
		return hash, err
	}
	if included {
		return hash, fmt.Errorf("%w: %s included", ErrDuplicateTx, hash)
	}
	if len(n.pending) >= n.config.MaxPoolSize {
		return hash, ErrPoolFull
	}

	n.pending = append(n.pending, *tx)
	n.queued[hash] = struct{}{}
	n.log.Debug("transaction queued", "hash", hash, "contract", tx.Body.Contract,
		"method", tx.Body.Method, "pending", len(n.pending))
	return hash, nil
}

// PendingCount returns the number of queued transactions.
func (n *Node) PendingCount() int {
	n.poolMu.Lock()
	defer n.poolMu.Unlock()
	return len(n.pending)
}

// takeBatch removes up to max transactions from the front of the queue.
func (n *Node) takeBatch(max int) []chain.SignedTransaction {
	n.poolMu.Lock()
	defer n.poolMu.Unlock()
	if max > len(n.pending) {
		max = len(n.pending)
	}
	batch := make([]chain.SignedTransaction, max)
	copy(batch, n.pending[:max])
	n.pending = n.pending[max:]
	for i := range batch {
		delete(n.queued, batch[i].Hash())
	}
	return batch
}

// requeue puts a batch back at the front of the queue after a failed commit.
func (n *Node) requeue(batch []chain.SignedTransaction) {
	n.poolMu.Lock()
	defer n.poolMu.Unlock()
	n.pending = append(append([]chain.SignedTransaction{}, batch...), n.pending...)
	for i := range batch {
		n.queued[batch[i].Hash()] = struct{}{}
	}
}

// ProduceBlock executes the next batch of pending transactions and appends
// the resulting block. A failing transaction only yields a failure outcome;
// it never aborts the batch. An error is returned when ctx is done or the
// block could not be persisted; either way nothing is written and the batch
// is returned to the queue.
func (n *Node) ProduceBlock(ctx context.Context) (*chain.Block, error) {
	if n.closed.Load() {
		return nil, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	n.produceMu.Lock()
	defer n.produceMu.Unlock()

	start := time.Now()
	parent := n.latest.Load()
	batch := n.takeBatch(n.config.BatchSize)

	overlay := storage.NewOverlay(n.store)
	block := chain.NewBlock(parent, uint64(n.config.Now().Unix()))
	failed := 0
	for i := range batch {
		tx := &batch[i]
		res := n.executor.BootstrapTx(ctx, overlay, tx)
		if ctx.Err() != nil {
			break
		}
		outcome := res.Outcome()
		if !outcome.Success {
			failed++
			n.log.Debug("transaction failed", "hash", tx.Hash(), "kind", outcome.Kind, "err", outcome.Error)
		}
		block.Append(*tx, outcome, res.Artifact)
	}
	// Cancellation is not an outcome: a run that saw it is redone later.
	if err := ctx.Err(); err != nil {
		overlay.Discard()
		n.requeue(batch)
		n.log.Debug("block production interrupted", "height", block.Height, "requeued", len(batch))
		return nil, err
	}
	block.Seal()

	if err := n.writeBlock(overlay, block); err != nil {
		overlay.Discard()
		n.requeue(batch)
		n.setLastError(err)
		if n.config.OnError != nil {
			n.config.OnError(err)
		}
		return nil, err
	}
	n.latest.Store(block)

	n.blocksProduced.Add(1)
	n.txsProcessed.Add(uint64(len(batch)))
	n.txsFailed.Add(uint64(failed))
	n.blockProduceTimeNs.Store(time.Since(start).Nanoseconds())

	n.log.Info("block produced", "height", block.Height, "hash", block.Hash,
		"txs", len(batch), "failed", failed, "elapsed", time.Since(start))
	if n.config.OnBlockProduced != nil {
		n.config.OnBlockProduced(block)
	}
	return block, nil
}

// writeBlock stages the block record and tx index on top of the block's
// state changes and commits everything at once.
func (n *Node) writeBlock(overlay *storage.Overlay, block *chain.Block) error {
	if err := StageBlock(overlay, block); err != nil {
		return err
	}
	if err := overlay.Commit(); err != nil {
		return fmt.Errorf("commit block %d: %w", block.Height, err)
	}
	return nil
}

// StageBlock writes the block record, the head pointer and the transaction
// index entries for block into rw.
func StageBlock(rw storage.ReadWriter, block *chain.Block) error {
	data, err := block.Encode()
	if err != nil {
		return fmt.Errorf("encode block %d: %w", block.Height, err)
	}
	if err := rw.Set(storage.BlockKey(block.Height), data); err != nil {
		return err
	}
	if err := rw.Set(storage.LatestBlockKey, data); err != nil {
		return err
	}
	height := codec.EncodeU64(block.Height)
	for i := range block.Transactions {
		if err := rw.Set(storage.TxIndexKey(block.Transactions[i].Hash()), height); err != nil {
			return err
		}
	}
	return nil
}

// LatestBlock returns the chain head.
func (n *Node) LatestBlock() *chain.Block {
	return n.latest.Load()
}

// BlockByHeight reads a persisted block.
func (n *Node) BlockByHeight(height uint64) (*chain.Block, error) {
	return n.readBlock(storage.BlockKey(height))
}

// Outcome returns the recorded outcome of an included transaction and the
// height of its block.
func (n *Node) Outcome(txHash types.Hash) (chain.Outcome, uint64, error) {
	data, err := n.store.Get(storage.TxIndexKey(txHash))
	if errors.Is(err, storage.ErrNotFound) {
		return chain.Outcome{}, 0, fmt.Errorf("%w: %s", ErrTxNotFound, txHash)
	}
	if err != nil {
		return chain.Outcome{}, 0, err
	}
	height, err := codec.DecodeU64(data)
	if err != nil {
		return chain.Outcome{}, 0, fmt.Errorf("%w: tx index %s: %v", ErrStorageCorrupt, txHash, err)
	}
	block, err := n.BlockByHeight(height)
	if err != nil {
		return chain.Outcome{}, 0, err
	}
	outcome, ok := block.Outcome(txHash)
	if !ok {
		return chain.Outcome{}, 0, fmt.Errorf("%w: block %d lacks tx %s", ErrStorageCorrupt, height, txHash)
	}
	return outcome, height, nil
}

// Account reads an account record from committed state.
func (n *Node) Account(id types.AccountID) (*chain.Account, error) {
	return spinvm.LoadAccount(n.store, id)
}

// Store exposes the state backend, for snapshots.
func (n *Node) Store() storage.Store {
	return n.store
}

// Start launches the block producer when BlockInterval is set. It returns
// immediately; Stop ends the loop.
func (n *Node) Start(ctx context.Context) error {
	if n.closed.Load() {
		return ErrClosed
	}
	if !n.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	ctx, n.cancel = context.WithCancel(ctx)
	n.startTime = time.Now()

	if n.config.BlockInterval > 0 {
		n.wg.Add(1)
		go n.producerLoop(ctx)
	}
	n.log.Info("node started", "engine", n.config.Engine, "height", n.LatestBlock().Height,
		"interval", n.config.BlockInterval, "batch", n.config.BatchSize)
	return nil
}

// producerLoop produces a block every interval while transactions are pending.
func (n *Node) producerLoop(ctx context.Context) {
	defer n.wg.Done()

	ticker := time.NewTicker(n.config.BlockInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n.PendingCount() == 0 {
				continue
			}
			if _, err := n.ProduceBlock(ctx); err != nil {
				if ctx.Err() != nil {
					return
				}
				n.log.Error("block production failed", "err", err)
			}
		}
	}
}

// Stop ends the producer loop.
func (n *Node) Stop() error {
	if !n.running.Load() {
		return ErrNotRunning
	}
	if n.cancel != nil {
		n.cancel()
	}
	n.wg.Wait()
	n.running.Store(false)
	n.log.Info("node stopped", "height", n.LatestBlock().Height)
	return nil
}

// Close stops the node if running and closes the store.
func (n *Node) Close() error {
	if n.running.Load() {
		n.Stop()
	}
	if !n.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}
	n.produceMu.Lock()
	defer n.produceMu.Unlock()
	return n.store.Close()
}

// Status returns a snapshot of the node's state.
func (n *Node) Status() *Status {
	head := n.LatestBlock()
	var uptime time.Duration
	if n.running.Load() {
		uptime = time.Since(n.startTime)
	}
	return &Status{
		Height:          head.Height,
		LatestHash:      head.Hash,
		PendingTxs:      n.PendingCount(),
		IsRunning:       n.running.Load(),
		Engine:          n.config.Engine,
		Uptime:          uptime,
		BlocksProduced:  n.blocksProduced.Load(),
		TxsProcessed:    n.txsProcessed.Load(),
		TxsFailed:       n.txsFailed.Load(),
		LastBlockTimeMs: float64(n.blockProduceTimeNs.Load()) / float64(time.Millisecond),
		CachedPrograms:  n.executor.CachedPrograms(),
		LastError:       n.getLastError(),
	}
}

// Status contains the current node status.
type Status struct {
	// Height is the height of the chain head.
	Height     uint64
	LatestHash types.Hash

	// PendingTxs is the number of queued transactions.
	PendingTxs int

	IsRunning bool
	Engine    storage.Engine
	Uptime    time.Duration

	BlocksProduced uint64
	TxsProcessed   uint64
	TxsFailed      uint64

	// LastBlockTimeMs is how long the last block took to produce.
	LastBlockTimeMs float64

	CachedPrograms int

	// LastError is the most recent error encountered.
	LastError error
}

// setLastError safely sets the last error.
func (n *Node) setLastError(err error) {
	n.lastErrorMu.Lock()
	n.lastError = err
	n.lastErrorMu.Unlock()
}

// getLastError safely gets the last error.
func (n *Node) getLastError() error {
	n.lastErrorMu.RLock()
	defer n.lastErrorMu.RUnlock()
	return n.lastError
}
