package rpc

import (
	"fmt"
)

// JSON-RPC 2.0 standard error codes.
const (
	// ParseError indicates invalid JSON was received.
	ParseError = -32700

	// InvalidRequest indicates the JSON sent is not a valid Request object.
	InvalidRequest = -32600

	// MethodNotFound indicates the method does not exist.
	MethodNotFound = -32601

	// InvalidParams indicates invalid method parameters.
	InvalidParams = -32602

	// InternalError indicates an internal JSON-RPC error.
	InternalError = -32603
)

// Node-specific error codes.
const (
	// TransactionRejected indicates the pool refused a transaction.
	TransactionRejected = -32002

	// TransactionNotFound indicates no included transaction has the hash.
	TransactionNotFound = -32003

	// BlockNotAvailable indicates the block is not available.
	BlockNotAvailable = -32004

	// NodeUnhealthy indicates the node is unhealthy.
	NodeUnhealthy = -32005

	// ProductionDisabled indicates produceBlock was called on a node with a
	// block timer.
	ProductionDisabled = -32006
)

// Common error messages.
var (
	ErrParseError         = NewRPCError(ParseError, "Parse error")
	ErrInvalidRequest     = NewRPCError(InvalidRequest, "Invalid Request")
	ErrMethodNotFound     = NewRPCError(MethodNotFound, "Method not found")
	ErrInvalidParams      = NewRPCError(InvalidParams, "Invalid params")
	ErrInternalError      = NewRPCError(InternalError, "Internal error")
	ErrNodeUnhealthy      = NewRPCError(NodeUnhealthy, "Node is unhealthy")
	ErrProductionDisabled = NewRPCError(ProductionDisabled, "Blocks are produced on a timer")
)

// NewRPCError creates a new RPC error.
func NewRPCError(code int, message string) *RPCError {
	return &RPCError{
		Code:    code,
		Message: message,
	}
}

// NewRPCErrorWithData creates a new RPC error with additional data.
func NewRPCErrorWithData(code int, message string, data interface{}) *RPCError {
	return &RPCError{
		Code:    code,
		Message: message,
		Data:    data,
	}
}

// Error implements the error interface.
func (e *RPCError) Error() string {
	if e.Data != nil {
		return fmt.Sprintf("RPC error %d: %s (data: %v)", e.Code, e.Message, e.Data)
	}
	return fmt.Sprintf("RPC error %d: %s", e.Code, e.Message)
}

// InvalidParamsError creates an invalid params error with a custom message.
func InvalidParamsError(msg string) *RPCError {
	return NewRPCError(InvalidParams, msg)
}

// InvalidParamsErrorf creates an invalid params error with a formatted message.
func InvalidParamsErrorf(format string, args ...interface{}) *RPCError {
	return NewRPCError(InvalidParams, fmt.Sprintf(format, args...))
}

// InternalServerErrorf creates an internal server error with a formatted message.
func InternalServerErrorf(format string, args ...interface{}) *RPCError {
	return NewRPCError(InternalError, fmt.Sprintf(format, args...))
}

// TransactionRejectedError reports why the pool refused a transaction.
func TransactionRejectedError(err error) *RPCError {
	return NewRPCError(TransactionRejected, fmt.Sprintf("Transaction rejected: %v", err))
}

// TransactionNotFoundError creates an error for an unknown transaction hash.
func TransactionNotFoundError(hash string) *RPCError {
	return NewRPCErrorWithData(TransactionNotFound, "Transaction not found",
		map[string]string{"hash": hash})
}

// BlockNotFoundError creates an error for a missing block.
func BlockNotFoundError(height uint64) *RPCError {
	return NewRPCErrorWithData(BlockNotAvailable,
		fmt.Sprintf("Block not available for height %d", height),
		map[string]uint64{"height": height})
}
