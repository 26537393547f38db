package dashboard

import (
	"encoding/hex"
	"net/http"
	"runtime"
	"strconv"
	"strings"

	"github.com/evikser/spin-node/pkg/chain"
	"github.com/evikser/spin-node/pkg/spinvm"
)

// API response types

// StatusResponse is the response for GET /api/status.
type StatusResponse struct {
	Height           uint64  `json:"height"`
	LatestHash       string  `json:"latestHash"`
	PendingTxs       int     `json:"pendingTxs"`
	IsRunning        bool    `json:"isRunning"`
	ProductionStatus string  `json:"productionStatus"`
	Engine           string  `json:"engine"`
	Uptime           string  `json:"uptime"`
	UptimeSeconds    float64 `json:"uptimeSeconds"`
	BlocksProduced   uint64  `json:"blocksProduced"`
	TxsProcessed     uint64  `json:"txsProcessed"`
	TxsFailed        uint64  `json:"txsFailed"`
	BlocksPerSec     float64 `json:"blocksPerSec"`
	LastBlockTimeMs  float64 `json:"lastBlockTimeMs"`
	CachedPrograms   int     `json:"cachedPrograms"`
	LastError        string  `json:"lastError,omitempty"`
}

// BlockResponse is the response for GET /api/blocks/:height.
type BlockResponse struct {
	Height           uint64             `json:"height"`
	Hash             string             `json:"hash"`
	ParentHash       string             `json:"parentHash"`
	Timestamp        uint64             `json:"timestamp"`
	TransactionCount int                `json:"transactionCount"`
	Transactions     []TransactionBrief `json:"transactions,omitempty"`
}

// TransactionBrief is a brief transaction summary.
type TransactionBrief struct {
	Hash     string `json:"hash"`
	Contract string `json:"contract"`
	Method   string `json:"method"`
	Signer   string `json:"signer"`
	Success  bool   `json:"success"`
	Kind     string `json:"kind,omitempty"`
	GasUsed  uint64 `json:"gasUsed"`
}

// BlocksListResponse is the response for GET /api/blocks.
type BlocksListResponse struct {
	Blocks      []BlockBrief `json:"blocks"`
	CurrentPage int          `json:"currentPage"`
	TotalPages  int          `json:"totalPages"`
	HasPrev     bool         `json:"hasPrev"`
	HasNext     bool         `json:"hasNext"`
}

// BlockBrief is a brief block summary.
type BlockBrief struct {
	Height           uint64 `json:"height"`
	Hash             string `json:"hash"`
	TransactionCount int    `json:"transactionCount"`
	Timestamp        uint64 `json:"timestamp"`
}

// AccountResponse is the response for GET /api/accounts/:id.
type AccountResponse struct {
	ID        string `json:"id"`
	Address   string `json:"address"`
	PublicKey string `json:"publicKeyHex"`
	CodeHash  string `json:"codeHash,omitempty"`
	HasCode   bool   `json:"hasCode"`
	Balance   string `json:"balance"`
	Nonce     uint64 `json:"nonce"`
}

// TransactionResponse is the response for GET /api/transactions/:hash.
type TransactionResponse struct {
	Hash        string   `json:"hash"`
	Height      uint64   `json:"height"`
	BlockHash   string   `json:"blockHash"`
	Contract    string   `json:"contract"`
	Method      string   `json:"method"`
	Signer      string   `json:"signer"`
	ArgsHex     string   `json:"argsHex,omitempty"` // First 256 bytes
	AttachedGas uint64   `json:"attachedGas"`
	Success     bool     `json:"success"`
	Kind        string   `json:"kind,omitempty"`
	Error       string   `json:"error,omitempty"`
	OutputHex   string   `json:"outputHex,omitempty"` // First 256 bytes
	GasUsed     uint64   `json:"gasUsed"`
	Cycles      uint64   `json:"cycles"`
	Segments    []int    `json:"segments"`
	Calls       uint32   `json:"calls"`
	Logs        []string `json:"logs,omitempty"`
}

// MetricsResponse is the response for GET /api/metrics.
type MetricsResponse struct {
	// Memory stats
	MemAlloc      uint64 `json:"memAlloc"`      // Currently allocated heap memory
	MemTotalAlloc uint64 `json:"memTotalAlloc"` // Total allocated (cumulative)
	MemSys        uint64 `json:"memSys"`        // Memory obtained from OS
	MemHeapInuse  uint64 `json:"memHeapInuse"`  // Heap memory in use
	NumGC         uint32 `json:"numGC"`         // Number of GC cycles

	// Runtime stats
	NumGoroutine int    `json:"numGoroutine"`
	NumCPU       int    `json:"numCPU"`
	GoVersion    string `json:"goVersion"`

	// Node stats
	Height         uint64  `json:"height"`
	PendingTxs     int     `json:"pendingTxs"`
	BlocksProduced uint64  `json:"blocksProduced"`
	TxsProcessed   uint64  `json:"txsProcessed"`
	TxsFailed      uint64  `json:"txsFailed"`
	CachedPrograms int     `json:"cachedPrograms"`
	Uptime         float64 `json:"uptimeSeconds"`
}

// handleAPIStatus handles GET /api/status.
func (d *Dashboard) handleAPIStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, d.getStatus())
}

// handleAPIBlocks handles GET /api/blocks.
func (d *Dashboard) handleAPIBlocks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	page := parsePositive(r.URL.Query().Get("page"), 1)
	perPage := parsePositive(r.URL.Query().Get("limit"), defaultPerPage)
	if perPage > 100 {
		perPage = defaultPerPage
	}

	blocks, totalPages := d.getRecentBlocks(page, perPage)
	if blocks == nil {
		blocks = []BlockBrief{}
	}

	writeJSON(w, BlocksListResponse{
		Blocks:      blocks,
		CurrentPage: page,
		TotalPages:  totalPages,
		HasPrev:     page > 1,
		HasNext:     page < totalPages,
	})
}

// handleAPIBlock handles GET /api/blocks/:height.
func (d *Dashboard) handleAPIBlock(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	heightStr := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/blocks/"), "/")
	if heightStr == "" {
		writeError(w, "Block height required", http.StatusBadRequest)
		return
	}
	height, err := strconv.ParseUint(heightStr, 10, 64)
	if err != nil {
		writeError(w, "Invalid block height", http.StatusBadRequest)
		return
	}

	block, err := d.source.BlockByHeight(height)
	if err != nil {
		writeError(w, "Block not found", http.StatusNotFound)
		return
	}

	resp := blockView(block)
	if r.URL.Query().Get("transactions") == "false" {
		resp.Transactions = nil
	}
	writeJSON(w, resp)
}

// handleAPIAccount handles GET /api/accounts/:id.
func (d *Dashboard) handleAPIAccount(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	id := strings.TrimPrefix(r.URL.Path, "/api/accounts/")
	if id == "" {
		writeError(w, "Account ID required", http.StatusBadRequest)
		return
	}

	account, err := d.lookupAccount(id)
	if err != nil {
		writeError(w, err.Error(), lookupStatus(err))
		return
	}
	writeJSON(w, accountView(account))
}

// handleAPITransaction handles GET /api/transactions/:hash.
func (d *Dashboard) handleAPITransaction(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	hash := strings.TrimPrefix(r.URL.Path, "/api/transactions/")
	if hash == "" {
		writeError(w, "Transaction hash required", http.StatusBadRequest)
		return
	}

	tx, err := d.lookupTransaction(hash)
	if err != nil {
		writeError(w, err.Error(), lookupStatus(err))
		return
	}
	writeJSON(w, tx)
}

// handleAPIMetrics handles GET /api/metrics.
func (d *Dashboard) handleAPIMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	st := d.source.Status()
	writeJSON(w, MetricsResponse{
		MemAlloc:      memStats.Alloc,
		MemTotalAlloc: memStats.TotalAlloc,
		MemSys:        memStats.Sys,
		MemHeapInuse:  memStats.HeapInuse,
		NumGC:         memStats.NumGC,

		NumGoroutine: runtime.NumGoroutine(),
		NumCPU:       runtime.NumCPU(),
		GoVersion:    runtime.Version(),

		Height:         st.Height,
		PendingTxs:     st.PendingTxs,
		BlocksProduced: st.BlocksProduced,
		TxsProcessed:   st.TxsProcessed,
		TxsFailed:      st.TxsFailed,
		CachedPrograms: st.CachedPrograms,
		Uptime:         st.Uptime.Seconds(),
	})
}

// View conversions

const maxHexPreview = 256

func blockBrief(b *chain.Block) BlockBrief {
	return BlockBrief{
		Height:           b.Height,
		Hash:             b.Hash.String(),
		TransactionCount: len(b.Transactions),
		Timestamp:        b.Timestamp,
	}
}

func blockView(b *chain.Block) BlockResponse {
	resp := BlockResponse{
		Height:           b.Height,
		Hash:             b.Hash.String(),
		ParentHash:       b.ParentHash.String(),
		Timestamp:        b.Timestamp,
		TransactionCount: len(b.Transactions),
	}
	for i := range b.Transactions {
		tx := &b.Transactions[i]
		h := tx.Hash()
		outcome := b.Outcomes[h]
		brief := TransactionBrief{
			Hash:     h.String(),
			Contract: string(tx.Body.Contract),
			Method:   tx.Body.Method,
			Signer:   string(tx.Body.Signer),
			Success:  outcome.Success,
			GasUsed:  outcome.GasUsed,
		}
		if !outcome.Success {
			brief.Kind = outcome.Kind.String()
		}
		resp.Transactions = append(resp.Transactions, brief)
	}
	return resp
}

func accountView(a *chain.Account) AccountResponse {
	resp := AccountResponse{
		ID:        string(a.ID),
		Address:   spinvm.AccountMapping(a.ID).String(),
		PublicKey: hex.EncodeToString(a.PublicKey),
		HasCode:   a.HasCode(),
		Balance:   "0",
		Nonce:     a.Nonce,
	}
	if a.HasCode() {
		resp.CodeHash = a.CodeHash.String()
	}
	if a.Balance != nil {
		resp.Balance = a.Balance.ToBig().String()
	}
	return resp
}

func transactionView(b *chain.Block, tx *chain.SignedTransaction) TransactionResponse {
	h := tx.Hash()
	outcome := b.Outcomes[h]
	artifact := b.Artifacts[h]

	resp := TransactionResponse{
		Hash:        h.String(),
		Height:      b.Height,
		BlockHash:   b.Hash.String(),
		Contract:    string(tx.Body.Contract),
		Method:      tx.Body.Method,
		Signer:      string(tx.Body.Signer),
		ArgsHex:     hexPreview(tx.Body.Args),
		AttachedGas: tx.Body.AttachedGas,
		Success:     outcome.Success,
		GasUsed:     outcome.GasUsed,
		Cycles:      artifact.Cycles,
		Segments:    make([]int, len(artifact.Segments)),
		Calls:       artifact.Calls,
		Logs:        artifact.Logs,
	}
	for i, po2 := range artifact.Segments {
		resp.Segments[i] = int(po2)
	}
	if outcome.Success {
		resp.OutputHex = hexPreview(outcome.Output)
	} else {
		resp.Kind = outcome.Kind.String()
		resp.Error = outcome.Error
	}
	return resp
}

func hexPreview(data []byte) string {
	if len(data) > maxHexPreview {
		data = data[:maxHexPreview]
	}
	return hex.EncodeToString(data)
}
