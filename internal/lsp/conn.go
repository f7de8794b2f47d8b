package lsp

import (
	"context"
	"encoding/json"
	"io"
	"time"

	"github.com/dshills/langhost/internal/logging"
)

// Conn is the typed protocol surface over a Transport. It owns the
// request correlation state exclusively; no other component inspects
// in-flight requests.
//
// Dispose must be called at most once, after Exit.
type Conn struct {
	transport *Transport
	logger    *logging.Logger
}

// NewConn creates a connection over the given streams. The reader is the
// server's stdout, the writer its stdin. Start must be called before any
// request is issued.
func NewConn(r io.Reader, w io.Writer, c io.Closer, logger *logging.Logger) *Conn {
	if logger == nil {
		logger = logging.Null
	}
	return &Conn{
		transport: NewTransport(r, w, c),
		logger:    logger.WithComponent("lsp.conn"),
	}
}

// Start begins the transport read loop.
func (c *Conn) Start(ctx context.Context) {
	c.transport.Start(ctx)
}

// IsOpen reports whether the underlying transport is still open.
func (c *Conn) IsOpen() bool {
	return !c.transport.IsClosed()
}

// OnClose registers a listener for the one-shot close transition.
func (c *Conn) OnClose(fn func()) {
	c.transport.OnClose(fn)
}

// Dispose releases transport resources.
func (c *Conn) Dispose() error {
	return c.transport.Close()
}

// SendRequest issues a correlated request and waits for its response.
// Every round-trip is logged with method name, latency, and outcome.
func (c *Conn) SendRequest(ctx context.Context, method string, params any, result any) error {
	start := time.Now()
	err := c.transport.Call(ctx, method, params, result)
	ms := time.Since(start).Milliseconds()

	log := c.logger.WithField("method", method)
	switch {
	case err == nil:
		log.Debug("request ok in %dms", ms)
	case err == ErrRequestCancelled:
		log.Debug("request cancelled after %dms", ms)
	default:
		log.Warn("request failed after %dms: %v", ms, err)
	}
	return err
}

// SendNotification sends a fire-and-forget notification.
func (c *Conn) SendNotification(ctx context.Context, method string, params any) error {
	if err := c.transport.Notify(ctx, method, params); err != nil {
		c.logger.WithField("method", method).Warn("notification failed: %v", err)
		return err
	}
	c.logger.WithField("method", method).Debug("notification sent")
	return nil
}

// OnNotification registers the handler for an inbound notification method.
func (c *Conn) OnNotification(method string, handler NotificationHandler) {
	c.transport.OnNotification(method, handler)
}

// OnRequest registers the handler for an inbound server-initiated request.
func (c *Conn) OnRequest(method string, handler RequestHandler) {
	c.transport.OnRequest(method, handler)
}

// --- Lifecycle ---

// Initialize performs the initialize request. It must be the first
// request on the connection.
func (c *Conn) Initialize(ctx context.Context, params InitializeParams) (*InitializeResult, error) {
	var result InitializeResult
	if err := c.SendRequest(ctx, MethodInitialize, params, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Initialized sends the initialized notification. It is sent immediately
// after a successful Initialize response.
func (c *Conn) Initialized(ctx context.Context) error {
	return c.SendNotification(ctx, MethodInitialized, InitializedParams{})
}

// Shutdown sends the shutdown request and waits for acknowledgment.
func (c *Conn) Shutdown(ctx context.Context) error {
	return c.SendRequest(ctx, MethodShutdown, nil, nil)
}

// Exit sends the exit notification. No response is expected.
func (c *Conn) Exit(ctx context.Context) error {
	return c.SendNotification(ctx, MethodExit, nil)
}

// --- Document sync ---

// DidOpen notifies the server that a document was opened.
func (c *Conn) DidOpen(ctx context.Context, params DidOpenTextDocumentParams) error {
	return c.SendNotification(ctx, MethodDidOpen, params)
}

// DidChange sends document changes to the server.
func (c *Conn) DidChange(ctx context.Context, params DidChangeTextDocumentParams) error {
	return c.SendNotification(ctx, MethodDidChange, params)
}

// WillSave notifies the server that a document is about to be saved.
func (c *Conn) WillSave(ctx context.Context, params WillSaveTextDocumentParams) error {
	return c.SendNotification(ctx, MethodWillSave, params)
}

// DidSave notifies the server that a document was saved.
func (c *Conn) DidSave(ctx context.Context, params DidSaveTextDocumentParams) error {
	return c.SendNotification(ctx, MethodDidSave, params)
}

// DidClose notifies the server that a document was closed.
func (c *Conn) DidClose(ctx context.Context, params DidCloseTextDocumentParams) error {
	return c.SendNotification(ctx, MethodDidClose, params)
}

// DidChangeWatchedFiles forwards watched-file change records.
func (c *Conn) DidChangeWatchedFiles(ctx context.Context, params DidChangeWatchedFilesParams) error {
	return c.SendNotification(ctx, MethodDidChangeWatchedFiles, params)
}

// --- Navigation and editing ---
//
// These are thin wrappers over SendRequest with fixed method names.
// Results are opaque payloads; this layer does not interpret them.

// Completion requests completion items at a position.
func (c *Conn) Completion(ctx context.Context, params TextDocumentPositionParams) (json.RawMessage, error) {
	var result json.RawMessage
	if err := c.SendRequest(ctx, MethodCompletion, params, &result); err != nil {
		return nil, err
	}
	return result, nil
}

// Hover requests hover information at a position.
func (c *Conn) Hover(ctx context.Context, params TextDocumentPositionParams) (json.RawMessage, error) {
	var result json.RawMessage
	if err := c.SendRequest(ctx, MethodHover, params, &result); err != nil {
		return nil, err
	}
	return result, nil
}

// Definition requests the definition location(s) for a symbol.
func (c *Conn) Definition(ctx context.Context, params TextDocumentPositionParams) (json.RawMessage, error) {
	var result json.RawMessage
	if err := c.SendRequest(ctx, MethodDefinition, params, &result); err != nil {
		return nil, err
	}
	return result, nil
}

// References finds all references to the symbol at a position.
func (c *Conn) References(ctx context.Context, params ReferenceParams) (json.RawMessage, error) {
	var result json.RawMessage
	if err := c.SendRequest(ctx, MethodReferences, params, &result); err != nil {
		return nil, err
	}
	return result, nil
}

// DocumentSymbol requests symbols in a document.
func (c *Conn) DocumentSymbol(ctx context.Context, params DocumentSymbolParams) (json.RawMessage, error) {
	var result json.RawMessage
	if err := c.SendRequest(ctx, MethodDocumentSymbol, params, &result); err != nil {
		return nil, err
	}
	return result, nil
}

// CodeAction requests available code actions for a range.
func (c *Conn) CodeAction(ctx context.Context, params CodeActionParams) (json.RawMessage, error) {
	var result json.RawMessage
	if err := c.SendRequest(ctx, MethodCodeAction, params, &result); err != nil {
		return nil, err
	}
	return result, nil
}

// Formatting requests whole-document formatting edits.
func (c *Conn) Formatting(ctx context.Context, params DocumentFormattingParams) (json.RawMessage, error) {
	var result json.RawMessage
	if err := c.SendRequest(ctx, MethodFormatting, params, &result); err != nil {
		return nil, err
	}
	return result, nil
}

// Rename requests a rename refactoring.
func (c *Conn) Rename(ctx context.Context, params RenameParams) (json.RawMessage, error) {
	var result json.RawMessage
	if err := c.SendRequest(ctx, MethodRename, params, &result); err != nil {
		return nil, err
	}
	return result, nil
}

// SignatureHelp requests signature help at a position.
func (c *Conn) SignatureHelp(ctx context.Context, params TextDocumentPositionParams) (json.RawMessage, error) {
	var result json.RawMessage
	if err := c.SendRequest(ctx, MethodSignatureHelp, params, &result); err != nil {
		return nil, err
	}
	return result, nil
}
