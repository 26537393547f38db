package chain

import (
	"encoding/binary"
	"fmt"

	"github.com/zeebo/blake3"

	"github.com/evikser/spin-node/internal/types"
	"github.com/evikser/spin-node/pkg/codec"
)

// GenesisHeight is the height of the hand-built first block.
const GenesisHeight = 1

// Block is one link of the chain. Outcomes and Artifacts are keyed by
// transaction hash and hold exactly one entry per included transaction.
type Block struct {
	Height       uint64
	Hash         types.Hash
	ParentHash   types.Hash
	Timestamp    uint64 // unix seconds
	Transactions []SignedTransaction
	Outcomes     map[types.Hash]Outcome
	Artifacts    map[types.Hash]Artifact
}

// Genesis returns the height-1 block: zero hashes, no transactions.
func Genesis(timestamp uint64) *Block {
	return &Block{
		Height:    GenesisHeight,
		Timestamp: timestamp,
		Outcomes:  make(map[types.Hash]Outcome),
		Artifacts: make(map[types.Hash]Artifact),
	}
}

// NewBlock starts a child of parent. Transactions are appended with Append
// and the hash fixed with Seal.
func NewBlock(parent *Block, timestamp uint64) *Block {
	return &Block{
		Height:     parent.Height + 1,
		ParentHash: parent.Hash,
		Timestamp:  timestamp,
		Outcomes:   make(map[types.Hash]Outcome),
		Artifacts:  make(map[types.Hash]Artifact),
	}
}

// Append records an executed transaction.
func (b *Block) Append(tx SignedTransaction, outcome Outcome, artifact Artifact) {
	h := tx.Hash()
	b.Transactions = append(b.Transactions, tx)
	b.Outcomes[h] = outcome
	b.Artifacts[h] = artifact
}

// ComputeHash derives the block hash: blake3 over the little-endian height,
// the parent hash and the ordered transaction hashes. The timestamp and the
// outcomes are not covered.
func (b *Block) ComputeHash() types.Hash {
	hasher := blake3.New()
	var height [8]byte
	binary.LittleEndian.PutUint64(height[:], b.Height)
	hasher.Write(height[:])
	hasher.Write(b.ParentHash[:])
	for i := range b.Transactions {
		h := b.Transactions[i].Hash()
		hasher.Write(h[:])
	}
	var out types.Hash
	copy(out[:], hasher.Sum(nil))
	return out
}

// Seal fixes the block hash.
func (b *Block) Seal() {
	b.Hash = b.ComputeHash()
}

// Outcome returns the outcome recorded for a transaction hash.
func (b *Block) Outcome(txHash types.Hash) (Outcome, bool) {
	o, ok := b.Outcomes[txHash]
	return o, ok
}

// Encode serializes the block. Map entries are written in transaction order,
// so equal blocks encode identically.
func (b *Block) Encode() ([]byte, error) {
	w := codec.NewWriter(256)
	w.WriteU64(b.Height)
	w.WriteFixed(b.Hash[:])
	w.WriteFixed(b.ParentHash[:])
	w.WriteU64(b.Timestamp)
	w.WriteU32(uint32(len(b.Transactions)))
	for i := range b.Transactions {
		tx := &b.Transactions[i]
		h := tx.Hash()
		outcome, ok := b.Outcomes[h]
		if !ok {
			return nil, fmt.Errorf("block %d: no outcome for tx %s", b.Height, h)
		}
		artifact, ok := b.Artifacts[h]
		if !ok {
			return nil, fmt.Errorf("block %d: no artifact for tx %s", b.Height, h)
		}
		if err := outcome.checkText(); err != nil {
			return nil, fmt.Errorf("block %d tx %s: %w", b.Height, h, err)
		}
		if err := artifact.checkText(); err != nil {
			return nil, fmt.Errorf("block %d tx %s: %w", b.Height, h, err)
		}
		tx.encodeTo(w)
		outcome.encodeTo(w)
		artifact.encodeTo(w)
	}
	if len(b.Outcomes) != len(b.Transactions) || len(b.Artifacts) != len(b.Transactions) {
		return nil, fmt.Errorf("block %d: %d txs but %d outcomes, %d artifacts",
			b.Height, len(b.Transactions), len(b.Outcomes), len(b.Artifacts))
	}
	return w.Bytes(), nil
}

// DecodeBlock parses an encoded block.
func DecodeBlock(data []byte) (*Block, error) {
	r := codec.NewReader(data)
	b := &Block{
		Outcomes:  make(map[types.Hash]Outcome),
		Artifacts: make(map[types.Hash]Artifact),
	}
	b.Height = r.ReadU64()
	copy(b.Hash[:], r.ReadFixed(types.HashSize))
	copy(b.ParentHash[:], r.ReadFixed(types.HashSize))
	b.Timestamp = r.ReadU64()
	n := r.ReadCount(64)
	for i := 0; i < n && r.Err() == nil; i++ {
		var tx SignedTransaction
		var outcome Outcome
		var artifact Artifact
		tx.decodeFrom(r)
		outcome.decodeFrom(r)
		artifact.decodeFrom(r)
		h := tx.Hash()
		b.Transactions = append(b.Transactions, tx)
		b.Outcomes[h] = outcome
		b.Artifacts[h] = artifact
	}
	if err := r.Finish(); err != nil {
		return nil, fmt.Errorf("decode block: %w", err)
	}
	if len(b.Outcomes) != len(b.Transactions) {
		return nil, fmt.Errorf("decode block: %w: duplicate transaction", codec.ErrCorrupted)
	}
	return b, nil
}
