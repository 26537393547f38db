// Package dashboard provides an embedded web dashboard for watching a spin node.
//
// The dashboard provides:
// - Chain head and production counters
// - Recent blocks browser with pagination
// - Account lookup by ID
// - Transaction lookup by hash, with outcome and execution artifact
//
// It is read-only: transactions are submitted over JSON-RPC.
package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	log "github.com/inconshreveable/log15"

	"github.com/evikser/spin-node/internal/types"
	"github.com/evikser/spin-node/pkg/chain"
	"github.com/evikser/spin-node/pkg/node"
	"github.com/evikser/spin-node/pkg/spinvm"
)

// Config holds dashboard configuration options.
type Config struct {
	// BindAddress is the address to bind the HTTP server to.
	// Default: "127.0.0.1"
	BindAddress string

	// Port is the port to listen on.
	// Default: 8080
	Port int

	// ReadTimeout is the maximum duration for reading the entire request.
	ReadTimeout time.Duration

	// WriteTimeout is the maximum duration before timing out writes of the response.
	WriteTimeout time.Duration

	// IdleTimeout is the maximum time to wait for the next request.
	IdleTimeout time.Duration
}

// DefaultConfig returns the default dashboard configuration.
func DefaultConfig() Config {
	return Config{
		BindAddress:  "127.0.0.1",
		Port:         8080,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

// Source is the read side of a node.
type Source interface {
	LatestBlock() *chain.Block
	BlockByHeight(height uint64) (*chain.Block, error)
	Outcome(txHash types.Hash) (chain.Outcome, uint64, error)
	Account(id types.AccountID) (*chain.Account, error)
	Status() *node.Status
}

// Dashboard is the web dashboard server.
type Dashboard struct {
	config Config
	source Source
	log    log.Logger
	server *http.Server

	// Cached templates
	templates *template.Template

	// State
	mu      sync.RWMutex
	running bool
}

// New creates a new dashboard server.
func New(config Config, source Source) (*Dashboard, error) {
	defaults := DefaultConfig()
	if config.BindAddress == "" {
		config.BindAddress = defaults.BindAddress
	}
	if config.Port == 0 {
		config.Port = defaults.Port
	}
	if config.ReadTimeout == 0 {
		config.ReadTimeout = defaults.ReadTimeout
	}
	if config.WriteTimeout == 0 {
		config.WriteTimeout = defaults.WriteTimeout
	}
	if config.IdleTimeout == 0 {
		config.IdleTimeout = defaults.IdleTimeout
	}

	d := &Dashboard{
		config: config,
		source: source,
		log:    log.New("module", "dashboard"),
	}

	tmpl, err := d.parseTemplates()
	if err != nil {
		return nil, fmt.Errorf("parse templates: %w", err)
	}
	d.templates = tmpl

	return d, nil
}

// parseTemplates parses all embedded templates.
func (d *Dashboard) parseTemplates() (*template.Template, error) {
	funcMap := template.FuncMap{
		"formatDuration": formatDuration,
		"formatNumber":   formatNumber,
		"formatTime":     formatTime,
		"truncateHash":   truncateHash,
	}

	tmpl := template.New("").Funcs(funcMap)

	// Parse layout with explicit name
	if _, err := tmpl.New("layout").Parse(layoutTemplate); err != nil {
		return nil, fmt.Errorf("parse layout: %w", err)
	}

	templates := map[string]string{
		"home":        homeTemplate,
		"blocks":      blocksTemplate,
		"block":       blockDetailTemplate,
		"account":     accountTemplate,
		"transaction": transactionTemplate,
	}
	for name, content := range templates {
		if _, err := tmpl.New(name).Parse(content); err != nil {
			return nil, fmt.Errorf("parse %s template: %w", name, err)
		}
	}

	return tmpl, nil
}

// Handler returns the dashboard's routes.
func (d *Dashboard) Handler() http.Handler {
	mux := http.NewServeMux()

	// Page routes
	mux.HandleFunc("/", d.handleHome)
	mux.HandleFunc("/blocks", d.handleBlocks)
	mux.HandleFunc("/blocks/", d.handleBlockDetail)
	mux.HandleFunc("/accounts", d.handleAccounts)
	mux.HandleFunc("/accounts/", d.handleAccountDetail)
	mux.HandleFunc("/transactions/", d.handleTransaction)

	// API routes
	mux.HandleFunc("/api/status", d.handleAPIStatus)
	mux.HandleFunc("/api/blocks", d.handleAPIBlocks)
	mux.HandleFunc("/api/blocks/", d.handleAPIBlock)
	mux.HandleFunc("/api/accounts/", d.handleAPIAccount)
	mux.HandleFunc("/api/transactions/", d.handleAPITransaction)
	mux.HandleFunc("/api/metrics", d.handleAPIMetrics)

	return mux
}

// Start serves until ctx is cancelled.
func (d *Dashboard) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("dashboard already running")
	}
	d.running = true
	d.server = &http.Server{
		Addr:         d.Address(),
		Handler:      d.Handler(),
		ReadTimeout:  d.config.ReadTimeout,
		WriteTimeout: d.config.WriteTimeout,
		IdleTimeout:  d.config.IdleTimeout,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}
	srv := d.server
	d.mu.Unlock()

	go func() {
		<-ctx.Done()
		d.Stop()
	}()

	d.log.Info("dashboard listening", "addr", d.Address())
	err := srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop gracefully stops the dashboard server.
func (d *Dashboard) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.running {
		return nil
	}
	d.running = false

	if d.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return d.server.Shutdown(ctx)
	}
	return nil
}

// Address returns the address the dashboard is listening on.
func (d *Dashboard) Address() string {
	return net.JoinHostPort(d.config.BindAddress, strconv.Itoa(d.config.Port))
}

// handleHome renders the overview page.
func (d *Dashboard) handleHome(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	d.renderPage(w, "home", d.getStatus())
}

// handleBlocks renders the blocks list page.
func (d *Dashboard) handleBlocks(w http.ResponseWriter, r *http.Request) {
	page := parsePositive(r.URL.Query().Get("page"), 1)
	blocks, totalPages := d.getRecentBlocks(page, defaultPerPage)

	d.renderPage(w, "blocks", map[string]interface{}{
		"Blocks":      blocks,
		"CurrentPage": page,
		"TotalPages":  totalPages,
		"PrevPage":    page - 1,
		"NextPage":    page + 1,
		"HasPrev":     page > 1,
		"HasNext":     page < totalPages,
	})
}

// handleBlockDetail renders a single block.
func (d *Dashboard) handleBlockDetail(w http.ResponseWriter, r *http.Request) {
	// Extract height from path: /blocks/{height}
	heightStr := strings.Trim(strings.TrimPrefix(r.URL.Path, "/blocks/"), "/")
	if heightStr == "" {
		http.Redirect(w, r, "/blocks", http.StatusFound)
		return
	}

	height, err := strconv.ParseUint(heightStr, 10, 64)
	if err != nil {
		http.Error(w, "Invalid block height", http.StatusBadRequest)
		return
	}

	block, err := d.source.BlockByHeight(height)
	if err != nil {
		d.renderPage(w, "block", map[string]interface{}{
			"Error":  fmt.Sprintf("Block not found: %v", err),
			"Height": height,
		})
		return
	}

	d.renderPage(w, "block", map[string]interface{}{
		"Block": blockView(block),
	})
}

// handleAccounts handles the account search form.
func (d *Dashboard) handleAccounts(w http.ResponseWriter, r *http.Request) {
	query := strings.TrimSpace(r.URL.Query().Get("q"))
	if query == "" {
		d.renderPage(w, "account", map[string]interface{}{"Query": ""})
		return
	}
	d.renderAccount(w, query)
}

// handleAccountDetail renders account details.
func (d *Dashboard) handleAccountDetail(w http.ResponseWriter, r *http.Request) {
	// Extract ID from path: /accounts/{id}
	id := strings.TrimPrefix(r.URL.Path, "/accounts/")
	if id == "" {
		http.Redirect(w, r, "/accounts", http.StatusFound)
		return
	}
	d.renderAccount(w, id)
}

func (d *Dashboard) renderAccount(w http.ResponseWriter, query string) {
	account, err := d.lookupAccount(query)
	if err != nil {
		d.renderPage(w, "account", map[string]interface{}{
			"Query": query,
			"Error": err.Error(),
		})
		return
	}
	d.renderPage(w, "account", map[string]interface{}{
		"Query":   query,
		"Account": accountView(account),
	})
}

// handleTransaction renders transaction details.
func (d *Dashboard) handleTransaction(w http.ResponseWriter, r *http.Request) {
	// Extract hash from path: /transactions/{hash}
	hashStr := strings.TrimPrefix(r.URL.Path, "/transactions/")
	if hashStr == "" {
		http.Redirect(w, r, "/", http.StatusFound)
		return
	}

	tx, err := d.lookupTransaction(hashStr)
	if err != nil {
		d.renderPage(w, "transaction", map[string]interface{}{
			"Error": err.Error(),
			"Hash":  hashStr,
		})
		return
	}

	d.renderPage(w, "transaction", map[string]interface{}{
		"Transaction": tx,
		"Hash":        hashStr,
	})
}

const defaultPerPage = 25

// getStatus returns the current node status, converted for display.
func (d *Dashboard) getStatus() StatusResponse {
	st := d.source.Status()
	resp := StatusResponse{
		Height:          st.Height,
		LatestHash:      st.LatestHash.String(),
		PendingTxs:      st.PendingTxs,
		IsRunning:       st.IsRunning,
		Engine:          string(st.Engine),
		Uptime:          formatDuration(st.Uptime),
		UptimeSeconds:   st.Uptime.Seconds(),
		BlocksProduced:  st.BlocksProduced,
		TxsProcessed:    st.TxsProcessed,
		TxsFailed:       st.TxsFailed,
		LastBlockTimeMs: st.LastBlockTimeMs,
		CachedPrograms:  st.CachedPrograms,
	}
	if st.LastError != nil {
		resp.LastError = st.LastError.Error()
	}
	if st.Uptime.Seconds() > 0 {
		resp.BlocksPerSec = float64(st.BlocksProduced) / st.Uptime.Seconds()
	}
	if st.IsRunning {
		resp.ProductionStatus = "Producing"
	} else {
		resp.ProductionStatus = "Manual"
	}
	return resp
}

// getRecentBlocks returns one page of blocks, newest first.
func (d *Dashboard) getRecentBlocks(page, perPage int) ([]BlockBrief, int) {
	latest := d.source.LatestBlock()
	if latest == nil {
		return nil, 0
	}

	oldest := uint64(chain.GenesisHeight)
	total := latest.Height - oldest + 1
	totalPages := int((total + uint64(perPage) - 1) / uint64(perPage))

	if page > totalPages {
		page = totalPages
	}
	if page < 1 {
		page = 1
	}

	start := latest.Height - uint64((page-1)*perPage)
	end := oldest
	if start >= oldest+uint64(perPage) {
		end = start - uint64(perPage) + 1
	}

	var blocks []BlockBrief
	for h := start; h >= end && h <= start; h-- {
		block, err := d.source.BlockByHeight(h)
		if err == nil {
			blocks = append(blocks, blockBrief(block))
		}
		if h == 0 {
			break
		}
	}
	return blocks, totalPages
}

// Lookup failures, mapped to 400 and 404 by the API.
var (
	errInvalidQuery = errors.New("invalid query")
	errNotFound     = errors.New("not found")
)

func (d *Dashboard) lookupAccount(query string) (*chain.Account, error) {
	id := types.AccountID(query)
	if err := id.Validate(); err != nil && !id.IsReserved() {
		return nil, fmt.Errorf("%w: account id %q: %v", errInvalidQuery, query, err)
	}
	account, err := d.source.Account(id)
	if errors.Is(err, spinvm.ErrAccountNotFound) {
		return nil, fmt.Errorf("account %q %w", query, errNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("account lookup: %w", err)
	}
	return account, nil
}

func (d *Dashboard) lookupTransaction(hashStr string) (*TransactionResponse, error) {
	hash, err := types.HashFromBase58(hashStr)
	if err != nil {
		return nil, fmt.Errorf("%w: transaction hash: %v", errInvalidQuery, err)
	}
	_, height, err := d.source.Outcome(hash)
	if errors.Is(err, node.ErrTxNotFound) {
		return nil, fmt.Errorf("transaction %s %w", hashStr, errNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("transaction lookup: %w", err)
	}
	block, err := d.source.BlockByHeight(height)
	if err != nil {
		return nil, fmt.Errorf("block %d: %w", height, err)
	}
	for i := range block.Transactions {
		if block.Transactions[i].Hash() == hash {
			resp := transactionView(block, &block.Transactions[i])
			return &resp, nil
		}
	}
	return nil, fmt.Errorf("transaction %s missing from block %d", hashStr, height)
}

// lookupStatus maps a lookup error to an HTTP status.
func lookupStatus(err error) int {
	switch {
	case errors.Is(err, errInvalidQuery):
		return http.StatusBadRequest
	case errors.Is(err, errNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// renderPage renders a page template inside the layout.
func (d *Dashboard) renderPage(w http.ResponseWriter, name string, data interface{}) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")

	// First render the content template into a buffer
	var contentBuf strings.Builder
	if err := d.templates.ExecuteTemplate(&contentBuf, name, data); err != nil {
		http.Error(w, fmt.Sprintf("Template error: %v", err), http.StatusInternalServerError)
		return
	}

	pageData := map[string]interface{}{
		"PageName": name,
		"Content":  template.HTML(contentBuf.String()),
	}
	if err := d.templates.ExecuteTemplate(w, "layout", pageData); err != nil {
		http.Error(w, fmt.Sprintf("Template error: %v", err), http.StatusInternalServerError)
	}
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

func parsePositive(s string, def int) int {
	if s == "" {
		return def
	}
	if parsed, err := strconv.Atoi(s); err == nil && parsed > 0 {
		return parsed
	}
	return def
}

// Template helper functions

func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	if d < 24*time.Hour {
		return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
	}
	days := int(d.Hours() / 24)
	hours := int(d.Hours()) % 24
	return fmt.Sprintf("%dd %dh", days, hours)
}

func formatNumber(n interface{}) string {
	switch v := n.(type) {
	case int:
		return formatInt(int64(v))
	case int64:
		return formatInt(v)
	case uint64:
		return formatInt(int64(v))
	case float64:
		return fmt.Sprintf("%.2f", v)
	default:
		return fmt.Sprintf("%v", n)
	}
}

func formatInt(n int64) string {
	if n < 1000 {
		return fmt.Sprintf("%d", n)
	}
	if n < 1000000 {
		return fmt.Sprintf("%.1fK", float64(n)/1000)
	}
	if n < 1000000000 {
		return fmt.Sprintf("%.1fM", float64(n)/1000000)
	}
	return fmt.Sprintf("%.1fB", float64(n)/1000000000)
}

func formatTime(unix uint64) string {
	if unix == 0 {
		return "N/A"
	}
	return time.Unix(int64(unix), 0).UTC().Format("2006-01-02 15:04:05 UTC")
}

func truncateHash(s string, n int) string {
	if len(s) <= n*2+3 {
		return s
	}
	return s[:n] + "..." + s[len(s)-n:]
}
