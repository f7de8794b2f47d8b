package lsp

import (
	"errors"
	"fmt"
)

// Standard errors returned by the lsp package.
var (
	// ErrShutdown indicates the connection has been shut down.
	ErrShutdown = errors.New("lsp connection shut down")

	// ErrRequestCancelled indicates a request was cancelled before a
	// response arrived. The cancellation notice to the peer is advisory;
	// the local awaiter always fails with this error.
	ErrRequestCancelled = errors.New("lsp request cancelled")

	// ErrUnknownSession indicates the session handle is not registered.
	ErrUnknownSession = errors.New("unknown session")

	// ErrNotListening indicates session observation has not been started.
	ErrNotListening = errors.New("manager is not listening")

	// ErrAlreadyListening indicates session observation is already active.
	ErrAlreadyListening = errors.New("manager is already listening")

	// ErrProcessNotStarted is returned when operations require a started process.
	ErrProcessNotStarted = errors.New("process not started")
)

// RPCError represents a JSON-RPC error from the server.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Error implements the error interface.
func (e *RPCError) Error() string {
	if e.Data != nil {
		return fmt.Sprintf("rpc error %d: %s (data: %v)", e.Code, e.Message, e.Data)
	}
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Standard JSON-RPC error codes.
const (
	// JSON-RPC standard errors
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603

	// LSP-specific errors
	CodeServerNotInitialized = -32002
	CodeUnknownErrorCode     = -32001
	CodeRequestCancelled     = -32800
	CodeContentModified      = -32801
	CodeServerCancelled      = -32802
	CodeRequestFailed        = -32803
)

// ServerError represents an error related to server lifecycle.
type ServerError struct {
	ProjectPath string
	Err         error
}

// Error implements the error interface.
func (e *ServerError) Error() string {
	return fmt.Sprintf("server %s: %v", e.ProjectPath, e.Err)
}

// Unwrap returns the underlying error.
func (e *ServerError) Unwrap() error {
	return e.Err
}
