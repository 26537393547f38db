package chain

import (
	"fmt"

	"github.com/evikser/spin-node/internal/types"
	"github.com/evikser/spin-node/pkg/codec"
)

// TransactionBody is the signed part of a transaction.
// ReferenceBlock is the hash of the block the sender built against; it keeps
// otherwise identical calls distinct.
type TransactionBody struct {
	Contract       types.AccountID
	Method         string
	Args           []byte
	AttachedGas    uint64
	Signer         types.AccountID
	ReferenceBlock types.Hash
}

func (b *TransactionBody) encodeTo(w *codec.Writer) {
	w.WriteString(string(b.Contract))
	w.WriteString(b.Method)
	w.WriteBytes(b.Args)
	w.WriteU64(b.AttachedGas)
	w.WriteString(string(b.Signer))
	w.WriteFixed(b.ReferenceBlock[:])
}

func (b *TransactionBody) decodeFrom(r *codec.Reader) {
	b.Contract = types.AccountID(r.ReadString())
	b.Method = r.ReadString()
	b.Args = r.ReadBytes()
	b.AttachedGas = r.ReadU64()
	b.Signer = types.AccountID(r.ReadString())
	copy(b.ReferenceBlock[:], r.ReadFixed(types.HashSize))
}

// Encode serializes the body.
func (b *TransactionBody) Encode() []byte {
	w := codec.NewWriter(64 + len(b.Args))
	b.encodeTo(w)
	return w.Bytes()
}

// Hash is the sha256 of the encoded body.
func (b *TransactionBody) Hash() types.Hash {
	return types.SHA256(b.Encode())
}

// DecodeTransactionBody parses an encoded body.
func DecodeTransactionBody(data []byte) (*TransactionBody, error) {
	r := codec.NewReader(data)
	b := &TransactionBody{}
	b.decodeFrom(r)
	if err := r.Finish(); err != nil {
		return nil, fmt.Errorf("decode transaction body: %w", err)
	}
	return b, nil
}

// SignedTransaction pairs a body with its signature. Signatures are carried
// but not verified.
type SignedTransaction struct {
	Body      TransactionBody
	Signature []byte
}

// Hash identifies the transaction; the signature does not contribute.
func (tx *SignedTransaction) Hash() types.Hash {
	return tx.Body.Hash()
}

func (tx *SignedTransaction) encodeTo(w *codec.Writer) {
	tx.Body.encodeTo(w)
	w.WriteBytes(tx.Signature)
}

func (tx *SignedTransaction) decodeFrom(r *codec.Reader) {
	tx.Body.decodeFrom(r)
	tx.Signature = r.ReadBytes()
}

// Encode serializes the signed transaction. This is the input handed to the
// root program for top-level execution.
func (tx *SignedTransaction) Encode() []byte {
	w := codec.NewWriter(128 + len(tx.Body.Args))
	tx.encodeTo(w)
	return w.Bytes()
}

// DecodeSignedTransaction parses an encoded signed transaction.
func DecodeSignedTransaction(data []byte) (*SignedTransaction, error) {
	r := codec.NewReader(data)
	tx := &SignedTransaction{}
	tx.decodeFrom(r)
	if err := r.Finish(); err != nil {
		return nil, fmt.Errorf("decode signed transaction: %w", err)
	}
	return tx, nil
}

// TransactionBuilder assembles transactions against a reference block.
type TransactionBuilder struct {
	body TransactionBody
}

// NewTransaction starts a transaction calling method on contract.
func NewTransaction(contract types.AccountID, method string) *TransactionBuilder {
	return &TransactionBuilder{body: TransactionBody{Contract: contract, Method: method}}
}

func (b *TransactionBuilder) Args(args []byte) *TransactionBuilder {
	b.body.Args = args
	return b
}

func (b *TransactionBuilder) Gas(gas uint64) *TransactionBuilder {
	b.body.AttachedGas = gas
	return b
}

func (b *TransactionBuilder) Signer(signer types.AccountID) *TransactionBuilder {
	b.body.Signer = signer
	return b
}

func (b *TransactionBuilder) Reference(block types.Hash) *TransactionBuilder {
	b.body.ReferenceBlock = block
	return b
}

// Build returns the transaction with an empty signature.
func (b *TransactionBuilder) Build() *SignedTransaction {
	return &SignedTransaction{Body: b.body}
}
