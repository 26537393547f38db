package replay

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evikser/spin-node/internal/testprog"
	"github.com/evikser/spin-node/internal/types"
	"github.com/evikser/spin-node/pkg/chain"
	"github.com/evikser/spin-node/pkg/codec"
	"github.com/evikser/spin-node/pkg/node"
	"github.com/evikser/spin-node/pkg/snapshot"
	"github.com/evikser/spin-node/pkg/spinvm/executor"
	"github.com/evikser/spin-node/pkg/spinvm/programs/root"
	"github.com/evikser/spin-node/pkg/storage"
)

const txGas = 1 << 24

// buildChain produces a short chain with successes and failures and returns
// the node's store.
func buildChain(t *testing.T) storage.Store {
	t.Helper()
	cfg := node.DefaultConfig()
	cfg.Engine = storage.EngineMemory
	cfg.BatchSize = 2
	cfg.Now = func() time.Time { return time.Unix(1_700_000_000, 0) }
	n, err := node.New(&cfg)
	require.NoError(t, err)
	t.Cleanup(func() { n.Close() })

	txs := []*chain.SignedTransaction{
		chain.NewTransaction(types.SystemAccount, root.MethodCreateAccount).
			Args((&root.CreateAccountArgs{AccountID: "fib", PublicKey: []byte("fib")}).Encode()).
			Gas(txGas).Signer("fib").Build(),
		chain.NewTransaction(types.SystemAccount, root.MethodDeployContract).
			Args((&root.DeployContractArgs{Code: testprog.Fib()}).Encode()).
			Gas(txGas).Signer("fib").Build(),
		chain.NewTransaction("fib", "compute").Args(codec.EncodeU64(20)).Gas(txGas).Signer("fib").Build(),
		chain.NewTransaction("fib", "compute").Args(codec.EncodeU64(30)).Gas(1 << 5).Signer("fib").Build(),
		chain.NewTransaction("ghost", "run").Gas(txGas).Signer("fib").Build(),
	}
	for _, tx := range txs {
		_, err := n.AddTx(tx)
		require.NoError(t, err)
	}
	for n.PendingCount() > 0 {
		_, err := n.ProduceBlock(context.Background())
		require.NoError(t, err)
	}
	require.Equal(t, uint64(4), n.LatestBlock().Height)
	return n.Store()
}

func newReplayer(t *testing.T, source storage.Store, cfg Config) (*Replayer, storage.Store) {
	t.Helper()
	exec, err := executor.New(executor.DefaultConfig())
	require.NoError(t, err)
	target := storage.NewMemoryStore()
	r, err := New(source, target, exec, cfg)
	require.NoError(t, err)
	return r, target
}

// rewriteBlock decodes a stored block, applies mutate and stores it back
// under its height key.
func rewriteBlock(t *testing.T, store storage.Store, height uint64, mutate func(*chain.Block)) {
	t.Helper()
	raw, err := store.Get(storage.BlockKey(height))
	require.NoError(t, err)
	block, err := chain.DecodeBlock(raw)
	require.NoError(t, err)
	mutate(block)
	data, err := block.Encode()
	require.NoError(t, err)
	require.NoError(t, storage.Put(store, storage.BlockKey(height), data))
}

func TestReplayAllMatches(t *testing.T) {
	source := buildChain(t)

	var seen []uint64
	cfg := DefaultConfig()
	cfg.OnBlockComplete = func(res *BlockResult) { seen = append(seen, res.Height) }
	r, target := newReplayer(t, source, cfg)

	results, err := r.ReplayAll(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, []uint64{2, 3, 4}, seen)

	total, failed := 0, 0
	for _, res := range results {
		assert.Zero(t, res.Mismatches)
		for _, tx := range res.Transactions {
			assert.True(t, tx.Match)
		}
		total += len(res.Transactions)
		failed += res.Failed
	}
	assert.Equal(t, 5, total)
	assert.Equal(t, 2, failed)

	hash, err := r.Verify()
	require.NoError(t, err)
	want, _, err := snapshot.StateHash(source)
	require.NoError(t, err)
	assert.Equal(t, want, hash)

	got, err := target.Get(storage.AccountKey("fib"))
	require.NoError(t, err)
	expected, err := source.Get(storage.AccountKey("fib"))
	require.NoError(t, err)
	assert.Equal(t, expected, got)

	stats := r.Stats()
	assert.Equal(t, uint64(4), stats.CurrentHeight)
	assert.Equal(t, uint64(3), stats.BlocksReplayed)
	assert.Equal(t, uint64(5), stats.TxsReplayed)
	assert.Zero(t, stats.Mismatches)

	results, err = r.ReplayAll(context.Background())
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestReplayDetectsOutcomeTampering(t *testing.T) {
	source := buildChain(t)
	rewriteBlock(t, source, 3, func(b *chain.Block) {
		h := b.Transactions[0].Hash()
		o := b.Outcomes[h]
		o.GasUsed++
		b.Outcomes[h] = o
	})

	r, _ := newReplayer(t, source, DefaultConfig())
	results, err := r.ReplayAll(context.Background())
	require.ErrorIs(t, err, ErrOutcomeMismatch)
	require.Len(t, results, 1)
	assert.Equal(t, uint64(2), r.CurrentHeight())
}

func TestReplayContinueOnMismatch(t *testing.T) {
	source := buildChain(t)
	rewriteBlock(t, source, 3, func(b *chain.Block) {
		h := b.Transactions[0].Hash()
		o := b.Outcomes[h]
		o.GasUsed++
		b.Outcomes[h] = o
	})

	cfg := DefaultConfig()
	cfg.StopOnMismatch = false
	r, _ := newReplayer(t, source, cfg)
	results, err := r.ReplayAll(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, 1, results[1].Mismatches)
	assert.False(t, results[1].Transactions[0].Match)
	assert.Equal(t, uint64(1), r.Stats().Mismatches)

	_, err = r.Verify()
	assert.ErrorIs(t, err, ErrStateMismatch)
}

func TestReplayDetectsBrokenLinkage(t *testing.T) {
	source := buildChain(t)
	rewriteBlock(t, source, 3, func(b *chain.Block) {
		b.ParentHash[0] ^= 0xff
	})

	r, _ := newReplayer(t, source, DefaultConfig())
	_, err := r.ReplayAll(context.Background())
	assert.ErrorIs(t, err, ErrParentMismatch)
}

func TestReplayDetectsBlockHashTampering(t *testing.T) {
	source := buildChain(t)
	rewriteBlock(t, source, 2, func(b *chain.Block) {
		b.Hash[0] ^= 0xff
	})

	r, _ := newReplayer(t, source, DefaultConfig())
	_, err := r.ReplayAll(context.Background())
	assert.ErrorIs(t, err, ErrBlockHashMismatch)
}

func TestReplayOrdering(t *testing.T) {
	source := buildChain(t)
	r, _ := newReplayer(t, source, DefaultConfig())

	_, err := r.ReplayBlock(context.Background(), 2)
	assert.ErrorIs(t, err, ErrNotInitialized)

	require.NoError(t, r.Initialize())
	_, err = r.ReplayBlock(context.Background(), 3)
	assert.ErrorIs(t, err, ErrHeightMismatch)

	_, err = r.ReplayBlock(context.Background(), 2)
	require.NoError(t, err)
	_, err = r.ReplayBlock(context.Background(), 2)
	assert.ErrorIs(t, err, ErrAlreadyReplayed)

	_, err = r.ReplayBlock(context.Background(), 9)
	assert.ErrorIs(t, err, ErrHeightMismatch)

	_, err = r.ReplayRange(context.Background(), 4, 3)
	assert.Error(t, err)
}

func TestReplayMissingBlock(t *testing.T) {
	source := buildChain(t)
	require.NoError(t, source.Apply([]storage.Change{{Key: storage.BlockKey(3), Delete: true}}))

	r, _ := newReplayer(t, source, DefaultConfig())
	_, err := r.ReplayAll(context.Background())
	assert.ErrorIs(t, err, ErrMissingBlock)
	assert.Equal(t, uint64(2), r.CurrentHeight())
}

func TestReplayRequiresEmptyTarget(t *testing.T) {
	source := buildChain(t)
	exec, err := executor.New(executor.DefaultConfig())
	require.NoError(t, err)

	target := storage.NewMemoryStore()
	require.NoError(t, storage.Put(target, []byte("k"), []byte("v")))
	_, err = New(source, target, exec, DefaultConfig())
	assert.ErrorIs(t, err, ErrTargetNotEmpty)
}

func TestReplayCanceled(t *testing.T) {
	source := buildChain(t)
	r, _ := newReplayer(t, source, DefaultConfig())
	require.NoError(t, r.Initialize())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := r.ReplayRange(ctx, 2, 4)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, uint64(1), r.CurrentHeight())
}

func TestReplayBlockCanceledWritesNothing(t *testing.T) {
	source := buildChain(t)
	r, target := newReplayer(t, source, DefaultConfig())
	require.NoError(t, r.Initialize())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := r.ReplayBlock(ctx, 2)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, uint64(1), r.CurrentHeight())
	ok, err := storage.Has(target, storage.BlockKey(2))
	require.NoError(t, err)
	assert.False(t, ok)

	res, err := r.ReplayBlock(context.Background(), 2)
	require.NoError(t, err)
	assert.Zero(t, res.Mismatches)
}
