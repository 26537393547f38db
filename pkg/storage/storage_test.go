package storage

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evikser/spin-node/internal/types"
)

func openAll(t *testing.T) map[string]Store {
	t.Helper()
	dir := t.TempDir()

	bdg, err := OpenBadger(BadgerConfig{InMemory: true})
	require.NoError(t, err)
	blt, err := OpenBolt(BoltConfig{Path: filepath.Join(dir, "state.db"), NoSync: true})
	require.NoError(t, err)

	stores := map[string]Store{
		"memory": NewMemoryStore(),
		"badger": bdg,
		"bolt":   blt,
	}
	t.Cleanup(func() {
		for _, s := range stores {
			s.Close()
		}
	})
	return stores
}

func TestStoreBackends(t *testing.T) {
	for name, s := range openAll(t) {
		t.Run(name, func(t *testing.T) {
			_, err := s.Get([]byte("missing"))
			assert.ErrorIs(t, err, ErrNotFound)

			require.NoError(t, s.Apply([]Change{
				{Key: []byte("accounts.alice"), Value: []byte("a")},
				{Key: []byte("accounts.bob"), Value: []byte("b")},
				{Key: []byte("code.alice"), Value: []byte("c")},
			}))

			v, err := s.Get([]byte("accounts.alice"))
			require.NoError(t, err)
			assert.Equal(t, []byte("a"), v)

			var keys []string
			err = s.Iterate([]byte("accounts."), func(k, v []byte) error {
				keys = append(keys, string(k))
				return nil
			})
			require.NoError(t, err)
			assert.Equal(t, []string{"accounts.alice", "accounts.bob"}, keys)

			require.NoError(t, s.Apply([]Change{{Key: []byte("accounts.bob"), Delete: true}}))
			ok, err := Has(s, []byte("accounts.bob"))
			require.NoError(t, err)
			assert.False(t, ok)

			stop := errors.New("stop")
			n := 0
			err = s.Iterate(nil, func(k, v []byte) error {
				n++
				return stop
			})
			assert.ErrorIs(t, err, stop)
			assert.Equal(t, 1, n)
		})
	}
}

func TestStoreClosed(t *testing.T) {
	for name, s := range openAll(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.Close())
			_, err := s.Get([]byte("k"))
			assert.ErrorIs(t, err, ErrClosed)
			assert.ErrorIs(t, Put(s, []byte("k"), []byte("v")), ErrClosed)
			assert.ErrorIs(t, s.Close(), ErrClosed)
		})
	}
}

func TestBoltReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "state.db")
	s, err := OpenBolt(BoltConfig{Path: path})
	require.NoError(t, err)
	require.NoError(t, Put(s, LatestBlockKey, []byte("h1")))
	require.NoError(t, s.Close())

	s, err = OpenBolt(BoltConfig{Path: path})
	require.NoError(t, err)
	defer s.Close()
	v, err := s.Get(LatestBlockKey)
	require.NoError(t, err)
	assert.Equal(t, []byte("h1"), v)
}

func TestOpenEngine(t *testing.T) {
	s, err := Open(Config{Engine: EngineMemory})
	require.NoError(t, err)
	defer s.Close()
	assert.IsType(t, &BadgerStore{}, s)
	require.NoError(t, Put(s, []byte("k"), []byte("v")))
	v, err := s.Get([]byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), v)

	_, err = Open(Config{Engine: "rocks"})
	assert.ErrorIs(t, err, ErrUnknownEngine)
}

func TestOverlayReadYourWrites(t *testing.T) {
	base := NewMemoryStore()
	require.NoError(t, Put(base, []byte("x"), []byte("1")))
	require.NoError(t, Put(base, []byte("y"), []byte("2")))

	o := NewOverlay(base)
	require.NoError(t, o.Set([]byte("x"), []byte("10")))
	require.NoError(t, o.Delete([]byte("y")))

	v, err := o.Get([]byte("x"))
	require.NoError(t, err)
	assert.Equal(t, []byte("10"), v)
	_, err = o.Get([]byte("y"))
	assert.ErrorIs(t, err, ErrNotFound)

	// Parent untouched until commit.
	v, err = base.Get([]byte("x"))
	require.NoError(t, err)
	assert.Equal(t, []byte("1"), v)

	changes := o.Changes()
	require.Len(t, changes, 2)
	assert.Equal(t, "x", string(changes[0].Key))
	assert.True(t, changes[1].Delete)

	require.NoError(t, o.Commit())
	assert.Equal(t, 0, o.Len())
	v, err = base.Get([]byte("x"))
	require.NoError(t, err)
	assert.Equal(t, []byte("10"), v)
	ok, err := Has(base, []byte("y"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestOverlayNesting(t *testing.T) {
	base := NewMemoryStore()
	block := NewOverlay(base)
	tx := NewOverlay(block)
	call := NewOverlay(tx)

	require.NoError(t, call.Set([]byte("k"), []byte("callee")))
	call.Discard()
	_, err := tx.Get([]byte("k"))
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, call.Set([]byte("k"), []byte("callee")))
	require.NoError(t, call.Commit())
	v, err := tx.Get([]byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("callee"), v)
	_, err = block.Get([]byte("k"))
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, tx.Commit())
	require.NoError(t, block.Commit())
	assert.Equal(t, 1, base.Len())
}

func TestOverlayReadOnlyParent(t *testing.T) {
	o := NewOverlay(readerFunc(func([]byte) ([]byte, error) { return nil, ErrNotFound }))
	require.NoError(t, o.Set([]byte("k"), []byte("v")))
	assert.ErrorIs(t, o.Commit(), ErrReadOnlyParent)
}

func TestKeys(t *testing.T) {
	assert.Equal(t, "accounts.alice", string(AccountKey("alice")))
	assert.Equal(t, "code.fib", string(CodeKey("fib")))
	assert.Equal(t, "committed_storage.fib.n", string(ContractKey("fib", []byte("n"))))
	assert.Equal(t, "block_12", string(BlockKey(12)))

	var h types.Hash
	h[0] = 0xff
	assert.Equal(t, "tx_ff"+string(make0s(62)), string(TxIndexKey(h)))
}

type readerFunc func([]byte) ([]byte, error)

func (f readerFunc) Get(k []byte) ([]byte, error) { return f(k) }

func make0s(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = '0'
	}
	return b
}
