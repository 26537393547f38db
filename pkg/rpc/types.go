// Package rpc provides the JSON-RPC 2.0 types of the spin node API.
package rpc

import (
	"encoding/json"
)

// JSON-RPC 2.0 constants.
const (
	JSONRPCVersion = "2.0"
)

// Request represents a JSON-RPC 2.0 request.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      interface{}     `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response represents a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
}

// RPCError represents a JSON-RPC 2.0 error.
type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// Context carries the chain height a response was read at.
type Context struct {
	Height uint64 `json:"height"`
}

// ResponseWithContext wraps a value with context.
type ResponseWithContext struct {
	Context Context     `json:"context"`
	Value   interface{} `json:"value"`
}

// Encoding types for binary payloads.
type Encoding string

const (
	EncodingBase58     Encoding = "base58"
	EncodingBase64     Encoding = "base64"
	EncodingBase64Zstd Encoding = "base64+zstd"
)

// EncodingConfig selects how binary fields are rendered.
type EncodingConfig struct {
	Encoding Encoding `json:"encoding,omitempty"`
}

// AccountInfo is the JSON form of an account record.
type AccountInfo struct {
	ID        string `json:"id"`
	PublicKey string `json:"publicKey"`
	CodeHash  string `json:"codeHash"`
	HasCode   bool   `json:"hasCode"`
	Balance   string `json:"balance"`
	Nonce     uint64 `json:"nonce"`
	Address   string `json:"address"`
}

// BlockResponse is the JSON form of a block.
type BlockResponse struct {
	Height       uint64                `json:"height"`
	Hash         string                `json:"hash"`
	ParentHash   string                `json:"parentHash"`
	Timestamp    uint64                `json:"timestamp"`
	Transactions []TransactionResponse `json:"transactions"`
}

// TransactionResponse is one included transaction with its results.
type TransactionResponse struct {
	Hash        string          `json:"hash"`
	Contract    string          `json:"contract"`
	Method      string          `json:"method"`
	Args        interface{}     `json:"args"`
	AttachedGas uint64          `json:"attachedGas"`
	Signer      string          `json:"signer"`
	Outcome     OutcomeResponse `json:"outcome"`
	Artifact    ArtifactInfo    `json:"artifact"`
}

// OutcomeResponse is the JSON form of a transaction outcome.
type OutcomeResponse struct {
	Success bool        `json:"success"`
	Output  interface{} `json:"output,omitempty"`
	Kind    string      `json:"kind,omitempty"`
	Error   string      `json:"error,omitempty"`
	GasUsed uint64      `json:"gasUsed"`
	Height  uint64      `json:"height,omitempty"`
}

// ArtifactInfo summarises the execution record of a transaction.
type ArtifactInfo struct {
	Cycles   uint64   `json:"cycles"`
	Segments []int    `json:"segments"` // po2 of each segment
	Calls    uint32   `json:"calls"`
	Logs     []string `json:"logs"`
}

// StatusResponse is returned by getStatus.
type StatusResponse struct {
	Height          uint64  `json:"height"`
	LatestHash      string  `json:"latestHash"`
	PendingTxs      int     `json:"pendingTxs"`
	IsRunning       bool    `json:"isRunning"`
	Engine          string  `json:"engine"`
	UptimeSeconds   float64 `json:"uptimeSeconds"`
	BlocksProduced  uint64  `json:"blocksProduced"`
	TxsProcessed    uint64  `json:"txsProcessed"`
	TxsFailed       uint64  `json:"txsFailed"`
	LastBlockTimeMs float64 `json:"lastBlockTimeMs"`
	CachedPrograms  int     `json:"cachedPrograms"`
	LastError       string  `json:"lastError,omitempty"`
}

// VersionInfo is returned by getVersion.
type VersionInfo struct {
	SpinNode string `json:"spin-node"`
}
