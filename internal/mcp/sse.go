package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/qbit-ai/qbit/internal/logging"
)

// EndpointHandshakeTimeout bounds how long the client waits for the
// initial endpoint event after opening the SSE stream.
const EndpointHandshakeTimeout = 30 * time.Second

// SSETransport implements the legacy MCP SSE transport: a long-lived GET
// on the SSE URL delivers server-to-client traffic as "message" events,
// and an initial "endpoint" event names the URL client-to-server JSON-RPC
// is POSTed to (possibly relative, resolved against the base). Non-message
// events after the handshake (ping, further endpoint events) are ignored.
type SSETransport struct {
	sseURL  string
	postURL string
	headers map[string]string
	client  *http.Client

	body   io.ReadCloser
	nextID int64

	mu       sync.Mutex
	pending  map[int64]chan *JSONRPCResponse
	onNotify func(method string, params json.RawMessage)
	bearer   string
	closed   bool
}

// NewSSETransport opens the SSE stream and completes the endpoint
// handshake before returning.
func NewSSETransport(ctx context.Context, sseURL string, headers map[string]string) (*SSETransport, error) {
	if sseURL == "" {
		return nil, fmt.Errorf("URL is required")
	}

	t := &SSETransport{
		sseURL:  sseURL,
		headers: headers,
		client:  &http.Client{},
		pending: make(map[int64]chan *JSONRPCResponse),
	}
	if auth, ok := headers["Authorization"]; ok {
		t.bearer = strings.TrimPrefix(auth, "Bearer ")
	}

	if err := t.open(ctx); err != nil {
		return nil, err
	}
	return t, nil
}

// SetBearerToken installs the bearer token sent on the stream GET and on
// every POST.
func (t *SSETransport) SetBearerToken(token string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.bearer = token
}

// OnNotification registers the handler for server-initiated
// notifications delivered as message events.
func (t *SSETransport) OnNotification(fn func(method string, params json.RawMessage)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onNotify = fn
}

func (t *SSETransport) open(ctx context.Context) error {
	req, err := http.NewRequestWithContext(context.WithoutCancel(ctx), http.MethodGet, t.sseURL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	t.applyHeaders(req)

	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	if resp.StatusCode == http.StatusUnauthorized {
		resp.Body.Close()
		return &AuthRequiredError{WWWAuthenticate: resp.Header.Get("WWW-Authenticate")}
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return fmt.Errorf("SSE connect failed: HTTP %d: %s", resp.StatusCode, string(body))
	}
	t.body = resp.Body

	endpointCh := make(chan string, 1)
	go t.readLoop(endpointCh)

	select {
	case endpoint := <-endpointCh:
		resolved, err := t.resolveEndpoint(endpoint)
		if err != nil {
			t.Close()
			return err
		}
		t.postURL = resolved
		return nil
	case <-time.After(EndpointHandshakeTimeout):
		t.Close()
		return fmt.Errorf("timed out waiting for endpoint event")
	case <-ctx.Done():
		t.Close()
		return ctx.Err()
	}
}

// resolveEndpoint resolves a possibly-relative endpoint against the SSE
// base URL.
func (t *SSETransport) resolveEndpoint(endpoint string) (string, error) {
	base, err := url.Parse(t.sseURL)
	if err != nil {
		return "", err
	}
	ref, err := url.Parse(strings.TrimSpace(endpoint))
	if err != nil {
		return "", err
	}
	return base.ResolveReference(ref).String(), nil
}

// readLoop parses the SSE stream: "event:" and "data:" fields accumulate
// until a blank line dispatches the event.
func (t *SSETransport) readLoop(endpointCh chan<- string) {
	log := logging.With().Str("component", "mcp").Str("transport", "sse").Logger()
	scanner := bufio.NewScanner(t.body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var eventName string
	var data bytes.Buffer
	sentEndpoint := false

	dispatch := func() {
		defer func() { eventName = ""; data.Reset() }()
		switch eventName {
		case "endpoint":
			if !sentEndpoint {
				sentEndpoint = true
				endpointCh <- data.String()
			}
		case "message":
			var resp JSONRPCResponse
			if err := json.Unmarshal(data.Bytes(), &resp); err != nil {
				log.Debug().Err(err).Msg("undecodable message event, skipped")
				return
			}
			if resp.ID != 0 {
				t.mu.Lock()
				if ch, ok := t.pending[resp.ID]; ok {
					ch <- &resp
					delete(t.pending, resp.ID)
				}
				t.mu.Unlock()
				return
			}
			if resp.Method != "" {
				t.mu.Lock()
				fn := t.onNotify
				t.mu.Unlock()
				if fn != nil {
					fn(resp.Method, resp.Params)
				}
			}
		default:
			// ping and friends: ignored after the handshake.
		}
	}

	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			dispatch()
		case strings.HasPrefix(line, "event:"):
			eventName = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}
	}

	// Stream closed: fail every pending call.
	t.mu.Lock()
	t.closed = true
	for id, ch := range t.pending {
		close(ch)
		delete(t.pending, id)
	}
	t.mu.Unlock()
}

// Send POSTs a JSON-RPC request to the endpoint URL and waits for the
// matching response to arrive on the SSE stream.
func (t *SSETransport) Send(ctx context.Context, method string, params any) (json.RawMessage, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, fmt.Errorf("connection closed")
	}
	t.mu.Unlock()

	id := atomic.AddInt64(&t.nextID, 1)
	ch := make(chan *JSONRPCResponse, 1)
	t.mu.Lock()
	t.pending[id] = ch
	t.mu.Unlock()

	if err := t.post(ctx, JSONRPCRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params}); err != nil {
		t.mu.Lock()
		delete(t.pending, id)
		t.mu.Unlock()
		return nil, err
	}

	select {
	case resp := <-ch:
		if resp == nil {
			return nil, fmt.Errorf("connection closed")
		}
		if resp.Error != nil {
			return nil, fmt.Errorf("MCP error %d: %s", resp.Error.Code, resp.Error.Message)
		}
		return resp.Result, nil
	case <-ctx.Done():
		t.mu.Lock()
		delete(t.pending, id)
		t.mu.Unlock()
		return nil, ctx.Err()
	}
}

// Notify POSTs a notification; nothing comes back on the stream for it.
func (t *SSETransport) Notify(ctx context.Context, method string, params any) error {
	return t.post(ctx, JSONRPCRequest{JSONRPC: "2.0", Method: method, Params: params})
}

func (t *SSETransport) post(ctx context.Context, msg JSONRPCRequest) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.postURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	t.applyHeaders(req)

	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode == http.StatusUnauthorized {
		return &AuthRequiredError{WWWAuthenticate: resp.Header.Get("WWW-Authenticate")}
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("POST failed: HTTP %d", resp.StatusCode)
	}
	return nil
}

func (t *SSETransport) applyHeaders(req *http.Request) {
	for k, v := range t.headers {
		req.Header.Set(k, v)
	}
	t.mu.Lock()
	if t.bearer != "" {
		req.Header.Set("Authorization", "Bearer "+t.bearer)
	}
	t.mu.Unlock()
}

// Close tears down the SSE stream.
func (t *SSETransport) Close() error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	if t.body != nil {
		return t.body.Close()
	}
	return nil
}

var _ Transport = (*SSETransport)(nil)
