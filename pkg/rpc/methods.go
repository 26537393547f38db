package rpc

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/evikser/spin-node/internal/types"
	"github.com/evikser/spin-node/pkg/chain"
	"github.com/evikser/spin-node/pkg/node"
	"github.com/evikser/spin-node/pkg/spinvm"
)

// Version is reported by getVersion.
const Version = "spin-node-0.1.0"

// parseArgs unmarshals positional params. Absent params yield no args.
func parseArgs(params json.RawMessage, min int) ([]json.RawMessage, *RPCError) {
	var args []json.RawMessage
	if len(params) > 0 {
		if err := json.Unmarshal(params, &args); err != nil {
			return nil, InvalidParamsError("invalid params")
		}
	}
	if len(args) < min {
		return nil, InvalidParamsErrorf("expected at least %d params, got %d", min, len(args))
	}
	return args, nil
}

// parseEncoding reads the optional {encoding} config at args[i].
func parseEncoding(args []json.RawMessage, i int, def Encoding) (Encoding, *RPCError) {
	if len(args) <= i {
		return def, nil
	}
	var config EncodingConfig
	if err := json.Unmarshal(args[i], &config); err != nil {
		return "", InvalidParamsError("invalid config")
	}
	if config.Encoding == "" {
		return def, nil
	}
	return config.Encoding, nil
}

func parseHash(raw json.RawMessage) (types.Hash, *RPCError) {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return types.Hash{}, InvalidParamsError("invalid hash")
	}
	h, err := types.HashFromBase58(s)
	if err != nil {
		return types.Hash{}, InvalidParamsError("invalid hash format")
	}
	return h, nil
}

// Transaction Methods

// sendTransaction queues an encoded signed transaction and returns its hash.
func (s *Server) sendTransaction(_ context.Context, params json.RawMessage) (interface{}, *RPCError) {
	// Parse params: [encodedTx, config?]
	args, rpcErr := parseArgs(params, 1)
	if rpcErr != nil {
		return nil, rpcErr
	}
	var encoded string
	if err := json.Unmarshal(args[0], &encoded); err != nil {
		return nil, InvalidParamsError("invalid transaction")
	}
	encoding, rpcErr := parseEncoding(args, 1, EncodingBase58)
	if rpcErr != nil {
		return nil, rpcErr
	}

	raw, err := DecodeData(encoded, encoding)
	if err != nil {
		return nil, InvalidParamsErrorf("invalid transaction encoding: %v", err)
	}
	tx, err := chain.DecodeSignedTransaction(raw)
	if err != nil {
		return nil, InvalidParamsErrorf("invalid transaction: %v", err)
	}

	hash, err := s.backend.AddTx(tx)
	if err != nil {
		if errors.Is(err, node.ErrPoolFull) || errors.Is(err, node.ErrDuplicateTx) || errors.Is(err, node.ErrClosed) {
			return nil, TransactionRejectedError(err)
		}
		return nil, InternalServerErrorf("failed to queue transaction: %v", err)
	}
	return hash.String(), nil
}

// getTransactionOutcome returns the recorded outcome of an included transaction.
func (s *Server) getTransactionOutcome(_ context.Context, params json.RawMessage) (interface{}, *RPCError) {
	args, rpcErr := parseArgs(params, 1)
	if rpcErr != nil {
		return nil, rpcErr
	}
	hash, rpcErr := parseHash(args[0])
	if rpcErr != nil {
		return nil, rpcErr
	}
	encoding, rpcErr := parseEncoding(args, 1, EncodingBase64)
	if rpcErr != nil {
		return nil, rpcErr
	}

	outcome, height, err := s.backend.Outcome(hash)
	if err != nil {
		if errors.Is(err, node.ErrTxNotFound) {
			return nil, TransactionNotFoundError(hash.String())
		}
		return nil, InternalServerErrorf("failed to get outcome: %v", err)
	}
	resp, rpcErr := outcomeToResponse(&outcome, encoding)
	if rpcErr != nil {
		return nil, rpcErr
	}
	resp.Height = height
	return resp, nil
}

// Block Methods

// getLatestBlock returns the chain head.
func (s *Server) getLatestBlock(_ context.Context, params json.RawMessage) (interface{}, *RPCError) {
	args, rpcErr := parseArgs(params, 0)
	if rpcErr != nil {
		return nil, rpcErr
	}
	encoding, rpcErr := parseEncoding(args, 0, EncodingBase64)
	if rpcErr != nil {
		return nil, rpcErr
	}
	return blockToResponse(s.backend.LatestBlock(), encoding)
}

// getBlock retrieves a block by height.
func (s *Server) getBlock(_ context.Context, params json.RawMessage) (interface{}, *RPCError) {
	args, rpcErr := parseArgs(params, 1)
	if rpcErr != nil {
		return nil, rpcErr
	}
	var height uint64
	if err := json.Unmarshal(args[0], &height); err != nil {
		return nil, InvalidParamsError("invalid height")
	}
	encoding, rpcErr := parseEncoding(args, 1, EncodingBase64)
	if rpcErr != nil {
		return nil, rpcErr
	}

	block, err := s.backend.BlockByHeight(height)
	if err != nil {
		if errors.Is(err, node.ErrBlockNotFound) {
			return nil, BlockNotFoundError(height)
		}
		return nil, InternalServerErrorf("failed to get block: %v", err)
	}
	return blockToResponse(block, encoding)
}

// getBlockHeight returns the height of the chain head.
func (s *Server) getBlockHeight(_ context.Context, _ json.RawMessage) (interface{}, *RPCError) {
	return s.backend.LatestBlock().Height, nil
}

// produceBlock produces one block from the pending queue.
func (s *Server) produceBlock(ctx context.Context, _ json.RawMessage) (interface{}, *RPCError) {
	if !s.config.ManualProduction {
		return nil, ErrProductionDisabled
	}
	block, err := s.backend.ProduceBlock(ctx)
	if err != nil {
		return nil, InternalServerErrorf("failed to produce block: %v", err)
	}
	return blockToResponse(block, EncodingBase64)
}

// State Methods

// getAccountInfo retrieves an account record. A missing account yields a
// null value rather than an error.
func (s *Server) getAccountInfo(_ context.Context, params json.RawMessage) (interface{}, *RPCError) {
	args, rpcErr := parseArgs(params, 1)
	if rpcErr != nil {
		return nil, rpcErr
	}
	var id string
	if err := json.Unmarshal(args[0], &id); err != nil {
		return nil, InvalidParamsError("invalid account id")
	}
	if err := types.AccountID(id).Validate(); err != nil && !types.AccountID(id).IsReserved() {
		return nil, InvalidParamsErrorf("invalid account id: %v", err)
	}

	height := s.backend.LatestBlock().Height
	acct, err := s.backend.Account(types.AccountID(id))
	if err != nil {
		if errors.Is(err, spinvm.ErrAccountNotFound) {
			return ResponseWithContext{Context: Context{Height: height}, Value: nil}, nil
		}
		return nil, InternalServerErrorf("failed to get account: %v", err)
	}

	return ResponseWithContext{
		Context: Context{Height: height},
		Value:   accountToInfo(acct),
	}, nil
}

// Node Methods

// getStatus returns node status.
func (s *Server) getStatus(_ context.Context, _ json.RawMessage) (interface{}, *RPCError) {
	st := s.backend.Status()
	resp := StatusResponse{
		Height:          st.Height,
		LatestHash:      st.LatestHash.String(),
		PendingTxs:      st.PendingTxs,
		IsRunning:       st.IsRunning,
		Engine:          string(st.Engine),
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
	return resp, nil
}

// getHealth returns the node health status.
func (s *Server) getHealth(_ context.Context, _ json.RawMessage) (interface{}, *RPCError) {
	if !s.IsHealthy() {
		return nil, ErrNodeUnhealthy
	}
	return "ok", nil
}

// getVersion returns the node version.
func (s *Server) getVersion(_ context.Context, _ json.RawMessage) (interface{}, *RPCError) {
	return VersionInfo{SpinNode: Version}, nil
}

// Helper functions

func accountToInfo(acct *chain.Account) *AccountInfo {
	info := &AccountInfo{
		ID:        string(acct.ID),
		PublicKey: EncodeBase58(acct.PublicKey),
		CodeHash:  acct.CodeHash.String(),
		HasCode:   acct.HasCode(),
		Balance:   "0",
		Nonce:     acct.Nonce,
		Address:   spinvm.AccountMapping(acct.ID).String(),
	}
	if acct.Balance != nil {
		info.Balance = acct.Balance.ToBig().String()
	}
	return info
}

func outcomeToResponse(o *chain.Outcome, encoding Encoding) (OutcomeResponse, *RPCError) {
	resp := OutcomeResponse{Success: o.Success, GasUsed: o.GasUsed}
	if !o.Success {
		resp.Kind = o.Kind.String()
		resp.Error = o.Error
		return resp, nil
	}
	output, err := EncodeData(o.Output, encoding)
	if err != nil {
		return resp, InternalServerErrorf("failed to encode output: %v", err)
	}
	resp.Output = output
	return resp, nil
}

func blockToResponse(b *chain.Block, encoding Encoding) (*BlockResponse, *RPCError) {
	resp := &BlockResponse{
		Height:       b.Height,
		Hash:         b.Hash.String(),
		ParentHash:   b.ParentHash.String(),
		Timestamp:    b.Timestamp,
		Transactions: make([]TransactionResponse, 0, len(b.Transactions)),
	}
	for i := range b.Transactions {
		tx := &b.Transactions[i]
		h := tx.Hash()
		args, err := EncodeData(tx.Body.Args, encoding)
		if err != nil {
			return nil, InternalServerErrorf("failed to encode args: %v", err)
		}
		outcome := b.Outcomes[h]
		out, rpcErr := outcomeToResponse(&outcome, encoding)
		if rpcErr != nil {
			return nil, rpcErr
		}
		artifact := b.Artifacts[h]
		resp.Transactions = append(resp.Transactions, TransactionResponse{
			Hash:        h.String(),
			Contract:    string(tx.Body.Contract),
			Method:      tx.Body.Method,
			Args:        args,
			AttachedGas: tx.Body.AttachedGas,
			Signer:      string(tx.Body.Signer),
			Outcome:     out,
			Artifact: ArtifactInfo{
				Cycles:   artifact.Cycles,
				Segments: segmentsToInts(artifact.Segments),
				Calls:    artifact.Calls,
				Logs:     artifact.Logs,
			},
		})
	}
	return resp, nil
}

// segmentsToInts keeps segment sizes from marshalling as a base64 string.
func segmentsToInts(segs []uint8) []int {
	out := make([]int, len(segs))
	for i, s := range segs {
		out[i] = int(s)
	}
	return out
}
