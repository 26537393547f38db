// Package replay re-executes a stored chain against a fresh store and checks
// that every block comes out the same.
//
// The replayer is responsible for:
//   - walking blocks in height order and checking parent linkage
//   - re-running every transaction through the executor
//   - comparing each recomputed outcome and block hash with the stored one
//   - writing the replayed blocks so the target ends up a full copy
//
// After a clean replay of a whole chain, the target's state hash equals the
// source's; Verify checks exactly that.
package replay

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/inconshreveable/log15"

	"github.com/evikser/spin-node/internal/types"
	"github.com/evikser/spin-node/pkg/chain"
	"github.com/evikser/spin-node/pkg/node"
	"github.com/evikser/spin-node/pkg/snapshot"
	"github.com/evikser/spin-node/pkg/spinvm/executor"
	"github.com/evikser/spin-node/pkg/storage"
)

// Errors.
var (
	ErrHeightMismatch    = errors.New("height mismatch")
	ErrParentMismatch    = errors.New("parent hash mismatch")
	ErrBlockHashMismatch = errors.New("block hash mismatch")
	ErrOutcomeMismatch   = errors.New("outcome mismatch")
	ErrStateMismatch     = errors.New("state hash mismatch")
	ErrMissingBlock      = errors.New("missing block")
	ErrAlreadyReplayed   = errors.New("block already replayed")
	ErrNotInitialized    = errors.New("replayer not initialized")
	ErrTargetNotEmpty    = errors.New("target store is not empty")
)

// MaxBlocksPerReplay bounds a single ReplayRange call.
const MaxBlocksPerReplay = 100_000

// Config holds replayer configuration.
type Config struct {
	// StopOnMismatch aborts a block as soon as one outcome differs.
	// Otherwise mismatches are counted and the replayed block is kept.
	StopOnMismatch bool

	// OnBlockComplete is called after each block is replayed.
	OnBlockComplete func(result *BlockResult)
}

// DefaultConfig returns the default replayer configuration.
func DefaultConfig() Config {
	return Config{StopOnMismatch: true}
}

// Replayer executes stored blocks into a target store.
type Replayer struct {
	mu sync.Mutex

	source storage.Store
	target storage.Store
	exec   *executor.Executor
	config Config
	log    log.Logger

	current *chain.Block

	blocksReplayed uint64
	txsReplayed    uint64
	mismatches     uint64
}

// New creates a replayer reading blocks from source and writing state into
// target, which must be empty.
func New(source, target storage.Store, exec *executor.Executor, config Config) (*Replayer, error) {
	empty := true
	err := target.Iterate(nil, func(_, _ []byte) error {
		empty = false
		return errStop
	})
	if err != nil && !errors.Is(err, errStop) {
		return nil, fmt.Errorf("inspect target: %w", err)
	}
	if !empty {
		return nil, ErrTargetNotEmpty
	}
	return &Replayer{
		source: source,
		target: target,
		exec:   exec,
		config: config,
		log:    log.New("module", "replay"),
	}, nil
}

var errStop = errors.New("stop")

// Initialize copies the source genesis block into the target. Every later
// block is derived by execution.
func (r *Replayer) Initialize() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	genesis, err := r.sourceBlock(chain.GenesisHeight)
	if err != nil {
		return err
	}
	overlay := storage.NewOverlay(r.target)
	if err := node.StageBlock(overlay, genesis); err != nil {
		return err
	}
	if err := overlay.Commit(); err != nil {
		return fmt.Errorf("write genesis: %w", err)
	}
	r.current = genesis
	r.log.Debug("replay initialized", "genesis", genesis.Hash)
	return nil
}

// CurrentHeight returns the height of the last replayed block.
func (r *Replayer) CurrentHeight() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current == nil {
		return 0
	}
	return r.current.Height
}

// SourceHeight returns the head height of the source chain.
func (r *Replayer) SourceHeight() (uint64, error) {
	raw, err := r.source.Get(storage.LatestBlockKey)
	if err != nil {
		return 0, fmt.Errorf("%w: latest: %v", ErrMissingBlock, err)
	}
	head, err := chain.DecodeBlock(raw)
	if err != nil {
		return 0, err
	}
	return head.Height, nil
}

// ReplayBlock re-executes the source block at height on top of the target.
func (r *Replayer) ReplayBlock(ctx context.Context, height uint64) (*BlockResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.current == nil {
		return nil, ErrNotInitialized
	}
	if height <= r.current.Height {
		return nil, fmt.Errorf("%w: current=%d, requested=%d", ErrAlreadyReplayed, r.current.Height, height)
	}
	if height != r.current.Height+1 {
		return nil, fmt.Errorf("%w: expected %d, got %d", ErrHeightMismatch, r.current.Height+1, height)
	}

	stored, err := r.sourceBlock(height)
	if err != nil {
		return nil, err
	}
	if stored.ParentHash != r.current.Hash {
		return nil, fmt.Errorf("%w at %d: expected %s, got %s",
			ErrParentMismatch, height, r.current.Hash, stored.ParentHash)
	}

	start := time.Now()
	overlay := storage.NewOverlay(r.target)
	block := chain.NewBlock(r.current, stored.Timestamp)
	result := &BlockResult{
		Height:       height,
		Transactions: make([]TransactionResult, 0, len(stored.Transactions)),
	}

	for i := range stored.Transactions {
		tx := &stored.Transactions[i]
		hash := tx.Hash()
		res := r.exec.BootstrapTx(ctx, overlay, tx)
		if err := ctx.Err(); err != nil {
			overlay.Discard()
			return nil, err
		}
		got := res.Outcome()
		want, _ := stored.Outcome(hash)

		txResult := TransactionResult{
			Hash:     hash,
			Expected: want,
			Got:      got,
			Match:    sameOutcome(want, got),
		}
		result.Transactions = append(result.Transactions, txResult)
		if got.Success {
			result.Succeeded++
		} else {
			result.Failed++
		}
		if !txResult.Match {
			result.Mismatches++
			r.log.Warn("outcome mismatch", "height", height, "tx", hash,
				"want_kind", want.Kind, "got_kind", got.Kind, "want_gas", want.GasUsed, "got_gas", got.GasUsed)
			if r.config.StopOnMismatch {
				overlay.Discard()
				return result, fmt.Errorf("%w: block %d tx %s", ErrOutcomeMismatch, height, hash)
			}
		}
		block.Append(*tx, got, res.Artifact)
	}

	block.Seal()
	result.Hash = block.Hash
	if block.Hash != stored.Hash {
		overlay.Discard()
		return result, fmt.Errorf("%w at %d: stored %s, recomputed %s",
			ErrBlockHashMismatch, height, stored.Hash, block.Hash)
	}

	if err := node.StageBlock(overlay, block); err != nil {
		overlay.Discard()
		return nil, err
	}
	if err := overlay.Commit(); err != nil {
		return nil, fmt.Errorf("commit block %d: %w", height, err)
	}

	r.current = block
	r.blocksReplayed++
	r.txsReplayed += uint64(len(block.Transactions))
	r.mismatches += uint64(result.Mismatches)
	result.Elapsed = time.Since(start)

	r.log.Debug("block replayed", "height", height, "txs", len(block.Transactions),
		"failed", result.Failed, "elapsed", result.Elapsed)
	if r.config.OnBlockComplete != nil {
		r.config.OnBlockComplete(result)
	}
	return result, nil
}

// ReplayRange replays blocks start through end inclusive.
func (r *Replayer) ReplayRange(ctx context.Context, start, end uint64) ([]*BlockResult, error) {
	if end < start {
		return nil, fmt.Errorf("invalid block range: end %d < start %d", end, start)
	}
	size := end - start + 1
	if size > MaxBlocksPerReplay {
		return nil, fmt.Errorf("block range %d exceeds maximum %d", size, MaxBlocksPerReplay)
	}

	results := make([]*BlockResult, 0, size)
	for height := start; height <= end; height++ {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		result, err := r.ReplayBlock(ctx, height)
		if err != nil {
			return results, fmt.Errorf("failed at block %d: %w", height, err)
		}
		results = append(results, result)
	}
	return results, nil
}

// ReplayAll initializes the replayer when needed and replays up to the
// source head.
func (r *Replayer) ReplayAll(ctx context.Context) ([]*BlockResult, error) {
	if r.CurrentHeight() == 0 {
		if err := r.Initialize(); err != nil {
			return nil, err
		}
	}
	head, err := r.SourceHeight()
	if err != nil {
		return nil, err
	}
	next := r.CurrentHeight() + 1
	if head < next {
		return nil, nil
	}
	return r.ReplayRange(ctx, next, head)
}

// Verify compares the full state of source and target.
func (r *Replayer) Verify() (types.Hash, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	want, wantEntries, err := snapshot.StateHash(r.source)
	if err != nil {
		return types.Hash{}, fmt.Errorf("hash source: %w", err)
	}
	got, gotEntries, err := snapshot.StateHash(r.target)
	if err != nil {
		return types.Hash{}, fmt.Errorf("hash target: %w", err)
	}
	if want != got {
		return got, fmt.Errorf("%w: source %s (%d entries), replayed %s (%d entries)",
			ErrStateMismatch, want, wantEntries, got, gotEntries)
	}
	return got, nil
}

func (r *Replayer) sourceBlock(height uint64) (*chain.Block, error) {
	raw, err := r.source.Get(storage.BlockKey(height))
	if err != nil {
		return nil, fmt.Errorf("%w: height %d: %v", ErrMissingBlock, height, err)
	}
	block, err := chain.DecodeBlock(raw)
	if err != nil {
		return nil, fmt.Errorf("block %d: %w", height, err)
	}
	if block.Height != height {
		return nil, fmt.Errorf("%w: key %d holds block %d", ErrHeightMismatch, height, block.Height)
	}
	return block, nil
}

func sameOutcome(a, b chain.Outcome) bool {
	return a.Success == b.Success &&
		a.Kind == b.Kind &&
		a.Error == b.Error &&
		a.GasUsed == b.GasUsed &&
		bytes.Equal(a.Output, b.Output)
}

// BlockResult contains the result of replaying a block.
type BlockResult struct {
	Height uint64

	// Hash is the recomputed block hash.
	Hash types.Hash

	Transactions []TransactionResult

	Succeeded  int
	Failed     int
	Mismatches int

	Elapsed time.Duration
}

// TransactionResult pairs the stored and recomputed outcome of a transaction.
type TransactionResult struct {
	Hash     types.Hash
	Expected chain.Outcome
	Got      chain.Outcome
	Match    bool
}

// Stats returns replay statistics.
func (r *Replayer) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := Stats{
		BlocksReplayed: r.blocksReplayed,
		TxsReplayed:    r.txsReplayed,
		Mismatches:     r.mismatches,
	}
	if r.current != nil {
		s.CurrentHeight = r.current.Height
	}
	return s
}

// Stats contains replayer statistics.
type Stats struct {
	CurrentHeight  uint64
	BlocksReplayed uint64
	TxsReplayed    uint64
	Mismatches     uint64
}
