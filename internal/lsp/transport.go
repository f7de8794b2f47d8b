package lsp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
)

// Transport handles JSON-RPC 2.0 communication over a duplex byte stream.
// It implements the LSP base protocol with Content-Length headers, assigns
// correlation ids to outbound requests, and dispatches inbound messages to
// registered handlers.
type Transport struct {
	reader *bufio.Reader
	writer io.Writer
	closer io.Closer

	mu            sync.Mutex
	nextID        atomic.Int64
	pending       map[int64]chan *Response
	notifications map[string]NotificationHandler
	requests      map[string]RequestHandler
	onClose       func()

	closed atomic.Bool
	done   chan struct{}
}

// NotificationHandler handles an incoming notification from the server.
type NotificationHandler func(params json.RawMessage)

// RequestHandler handles an incoming server-initiated request. The return
// value (or error) becomes the response sent back to the peer.
type RequestHandler func(params json.RawMessage) (any, error)

// Request represents a JSON-RPC request.
type Request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id,omitempty"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// Response represents a JSON-RPC response.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// inbound is used to parse incoming notifications and requests.
type inbound struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// cancelParams is the payload of a $/cancelRequest notification.
type cancelParams struct {
	ID int64 `json:"id"`
}

// NewTransport creates a new transport over the given connection.
// The reader and writer are typically the server process's stdout/stdin.
func NewTransport(r io.Reader, w io.Writer, c io.Closer) *Transport {
	return &Transport{
		reader:        bufio.NewReaderSize(r, 64*1024),
		writer:        w,
		closer:        c,
		pending:       make(map[int64]chan *Response),
		notifications: make(map[string]NotificationHandler),
		requests:      make(map[string]RequestHandler),
		done:          make(chan struct{}),
	}
}

// Start begins reading messages from the connection.
func (t *Transport) Start(ctx context.Context) {
	go t.readLoop(ctx)
}

// Close closes the transport and releases resources. The transition to
// closed happens exactly once; the registered close listener fires on the
// first transition only.
func (t *Transport) Close() error {
	if t.closed.Swap(true) {
		return nil // Already closed
	}

	close(t.done)

	// Cancel all pending requests by clearing the map. Callers waiting on
	// pending channels will receive from t.done instead.
	t.mu.Lock()
	t.pending = make(map[int64]chan *Response)
	onClose := t.onClose
	t.mu.Unlock()

	if onClose != nil {
		onClose()
	}

	if t.closer != nil {
		return t.closer.Close()
	}
	return nil
}

// OnClose registers a listener invoked when the transport closes.
// If the transport is already closed, the listener fires immediately.
func (t *Transport) OnClose(fn func()) {
	t.mu.Lock()
	t.onClose = fn
	t.mu.Unlock()

	if t.closed.Load() && fn != nil {
		fn()
	}
}

// Call sends a request and waits for the correlated response. If ctx is
// cancelled before the response arrives, a best-effort $/cancelRequest
// notice is sent to the peer and the call fails with ErrRequestCancelled;
// the peer is not required to honor the notice.
func (t *Transport) Call(ctx context.Context, method string, params any, result any) error {
	if t.closed.Load() {
		return ErrShutdown
	}

	id := t.nextID.Add(1)
	ch := make(chan *Response, 1)

	t.mu.Lock()
	t.pending[id] = ch
	t.mu.Unlock()

	defer func() {
		t.mu.Lock()
		delete(t.pending, id)
		t.mu.Unlock()
	}()

	req := &Request{
		JSONRPC: "2.0",
		ID:      id,
		Method:  method,
		Params:  params,
	}

	if err := t.send(req); err != nil {
		return fmt.Errorf("send request: %w", err)
	}

	select {
	case <-ctx.Done():
		_ = t.sendCancel(id)
		return ErrRequestCancelled
	case <-t.done:
		return ErrShutdown
	case resp, ok := <-ch:
		if !ok {
			return ErrShutdown
		}
		if resp.Error != nil {
			return resp.Error
		}
		if result != nil && len(resp.Result) > 0 {
			if err := json.Unmarshal(resp.Result, result); err != nil {
				return fmt.Errorf("unmarshal result: %w", err)
			}
		}
		return nil
	}
}

// Notify sends a notification (no response expected).
func (t *Transport) Notify(ctx context.Context, method string, params any) error {
	if t.closed.Load() {
		return ErrShutdown
	}

	req := &Request{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
	}

	return t.send(req)
}

// sendCancel notifies the peer that the request with the given id is no
// longer wanted.
func (t *Transport) sendCancel(id int64) error {
	if t.closed.Load() {
		return ErrShutdown
	}
	return t.send(&Request{
		JSONRPC: "2.0",
		Method:  MethodCancelRequest,
		Params:  cancelParams{ID: id},
	})
}

// OnNotification registers the handler for a notification method.
// At most one handler exists per method; a later registration replaces
// an earlier one.
func (t *Transport) OnNotification(method string, handler NotificationHandler) {
	t.mu.Lock()
	t.notifications[method] = handler
	t.mu.Unlock()
}

// OnRequest registers the handler for a server-initiated request method.
// At most one handler exists per method; a later registration replaces
// an earlier one.
func (t *Transport) OnRequest(method string, handler RequestHandler) {
	t.mu.Lock()
	t.requests[method] = handler
	t.mu.Unlock()
}

// send writes a message with LSP content-length header.
func (t *Transport) send(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	header := fmt.Sprintf("Content-Length: %d\r\n\r\n", len(data))

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, err := io.WriteString(t.writer, header); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	if _, err := t.writer.Write(data); err != nil {
		return fmt.Errorf("write body: %w", err)
	}

	return nil
}

// maxReadErrors bounds consecutive read failures before the transport
// gives up on the stream. A single framing error is recoverable; a stream
// that only ever errors is dead.
const maxReadErrors = 5

// readLoop reads messages from the connection. When the underlying stream
// terminates the transport closes itself, which emits the close signal.
func (t *Transport) readLoop(ctx context.Context) {
	errCount := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.done:
			return
		default:
		}

		msg, err := t.readMessage()
		if err != nil {
			if t.closed.Load() {
				return
			}
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) ||
				errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, os.ErrClosed) {
				_ = t.Close()
				return
			}
			// Framing error on a single message; keep reading unless the
			// stream yields nothing but errors
			errCount++
			if errCount >= maxReadErrors {
				_ = t.Close()
				return
			}
			continue
		}
		errCount = 0

		t.dispatch(msg)
	}
}

// readMessage reads a single LSP message.
func (t *Transport) readMessage() (json.RawMessage, error) {
	// Read headers
	var contentLength int
	for {
		line, err := t.reader.ReadString('\n')
		if err != nil {
			return nil, err
		}
		line = strings.TrimSpace(line)
		if line == "" {
			break // End of headers
		}
		if strings.HasPrefix(strings.ToLower(line), "content-length:") {
			parts := strings.SplitN(line, ":", 2)
			if len(parts) == 2 {
				length, err := strconv.Atoi(strings.TrimSpace(parts[1]))
				if err == nil {
					contentLength = length
				}
			}
		}
		// Ignore Content-Type and other headers
	}

	if contentLength == 0 {
		return nil, fmt.Errorf("missing Content-Length header")
	}

	// Read body
	body := make([]byte, contentLength)
	if _, err := io.ReadFull(t.reader, body); err != nil {
		return nil, err
	}

	return body, nil
}

// dispatch routes a message to the appropriate handler.
func (t *Transport) dispatch(data json.RawMessage) {
	var probe struct {
		ID     *int64          `json:"id"`
		Method string          `json:"method"`
		Error  *RPCError       `json:"error"`
		Result json.RawMessage `json:"result"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return
	}

	// An id plus result or error is a response to one of our requests.
	if probe.ID != nil && probe.Method == "" {
		var resp Response
		if err := json.Unmarshal(data, &resp); err != nil {
			return
		}
		t.handleResponse(&resp)
		return
	}

	if probe.Method == "" {
		return
	}

	var msg inbound
	if err := json.Unmarshal(data, &msg); err != nil {
		return
	}

	// A method plus id is a server-initiated request; a bare method is a
	// notification.
	if msg.ID != nil {
		t.handleRequest(&msg)
		return
	}
	t.handleNotification(&msg)
}

// handleResponse routes a response to its waiting caller.
func (t *Transport) handleResponse(resp *Response) {
	if t.closed.Load() {
		return
	}

	t.mu.Lock()
	ch, ok := t.pending[resp.ID]
	if ok {
		delete(t.pending, resp.ID)
	}
	t.mu.Unlock()

	if ok {
		select {
		case ch <- resp:
		default:
			// Channel full, drop response
		}
	}
}

// handleNotification routes a notification to its handler.
func (t *Transport) handleNotification(msg *inbound) {
	t.mu.Lock()
	handler, ok := t.notifications[msg.Method]
	if !ok {
		handler, ok = t.notifications["*"]
	}
	t.mu.Unlock()

	if ok && handler != nil {
		// Run handler in goroutine to avoid blocking the read loop
		go handler(msg.Params)
	}
}

// handleRequest runs the registered handler and sends its result (or
// error) back to the peer as the response.
func (t *Transport) handleRequest(msg *inbound) {
	t.mu.Lock()
	handler, ok := t.requests[msg.Method]
	t.mu.Unlock()

	id := *msg.ID

	if !ok || handler == nil {
		_ = t.send(&Response{
			JSONRPC: "2.0",
			ID:      id,
			Error:   &RPCError{Code: CodeMethodNotFound, Message: "method not found: " + msg.Method},
		})
		return
	}

	go func() {
		result, err := handler(msg.Params)
		resp := &Response{JSONRPC: "2.0", ID: id}
		if err != nil {
			if rpcErr, ok := err.(*RPCError); ok {
				resp.Error = rpcErr
			} else {
				resp.Error = &RPCError{Code: CodeInternalError, Message: err.Error()}
			}
		} else if result != nil {
			data, merr := json.Marshal(result)
			if merr != nil {
				resp.Error = &RPCError{Code: CodeInternalError, Message: merr.Error()}
			} else {
				resp.Result = data
			}
		}
		_ = t.send(resp)
	}()
}

// IsClosed returns true if the transport has been closed.
func (t *Transport) IsClosed() bool {
	return t.closed.Load()
}
