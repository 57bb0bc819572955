package cdp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto/target"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// conn is a minimal browser-level CDP connection. Page sessions are
// flattened onto it, so a single socket carries every tab's traffic.
type conn struct {
	httpBase string
	client   *http.Client

	mu      sync.Mutex
	ws      net.Conn
	writeMu sync.Mutex
	seq     atomic.Int64

	pendingMu sync.Mutex
	pending   map[int64]chan json.RawMessage

	eventMu       sync.RWMutex
	eventHandlers map[string][]eventHandler

	done      chan struct{}
	closeOnce sync.Once
}

type eventHandler struct {
	id int64
	fn func(sessionID target.SessionID, params json.RawMessage)
}

// ProtocolError is an error response from the browser.
type ProtocolError struct {
	Method  string
	Code    int64
	Message string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("rawcdp: %s: %s (%d)", e.Method, e.Message, e.Code)
}

func newConn(httpBase string, client *http.Client) *conn {
	if client == nil {
		client = http.DefaultClient
	}
	return &conn{
		httpBase:      strings.TrimRight(httpBase, "/"),
		client:        client,
		pending:       make(map[int64]chan json.RawMessage),
		eventHandlers: make(map[string][]eventHandler),
		done:          make(chan struct{}),
	}
}

// dial connects to the browser WebSocket advertised by /json/version.
func (c *conn) dial(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.ws != nil {
		return nil
	}

	wsURL, err := c.browserWSURL(ctx)
	if err != nil {
		return fmt.Errorf("rawcdp: browser ws url: %w", err)
	}

	slog.Debug("rawcdp connecting", "ws_url", wsURL)
	nc, _, _, err := ws.Dial(ctx, wsURL)
	if err != nil {
		return fmt.Errorf("rawcdp: dial: %w", err)
	}

	c.ws = nc
	go c.readLoop(nc)
	return nil
}

func (c *conn) close() {
	c.mu.Lock()
	nc := c.ws
	c.mu.Unlock()
	if nc != nil {
		_ = nc.Close()
	}
	c.markClosed()
}

func (c *conn) markClosed() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.closeAllPending()
	})
}

func (c *conn) readLoop(nc net.Conn) {
	defer c.markClosed()

	for {
		data, err := wsutil.ReadServerText(nc)
		if err != nil {
			slog.Debug("rawcdp read loop exit", "error", err)
			return
		}

		var msg struct {
			ID        int64            `json:"id"`
			Method    string           `json:"method"`
			SessionID target.SessionID `json:"sessionId"`
			Params    json.RawMessage  `json:"params"`
		}
		if json.Unmarshal(data, &msg) != nil {
			continue
		}
		if msg.ID > 0 {
			c.pendingMu.Lock()
			ch, ok := c.pending[msg.ID]
			if ok {
				delete(c.pending, msg.ID)
			}
			c.pendingMu.Unlock()
			if ok {
				ch <- json.RawMessage(data)
			}
		} else if msg.Method != "" {
			c.dispatchEvent(msg.Method, msg.SessionID, msg.Params)
		}
	}
}

func (c *conn) closeAllPending() {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
}

func (c *conn) deletePending(id int64) {
	c.pendingMu.Lock()
	delete(c.pending, id)
	c.pendingMu.Unlock()
}

// send issues method on sessionID (empty for the browser session) and decodes
// the result into res when res is non-nil.
func (c *conn) send(ctx context.Context, sessionID target.SessionID, method string, params, res any) error {
	c.mu.Lock()
	nc := c.ws
	c.mu.Unlock()
	if nc == nil {
		return fmt.Errorf("rawcdp: not connected")
	}

	id := c.seq.Add(1)
	data, err := json.Marshal(struct {
		ID        int64            `json:"id"`
		SessionID target.SessionID `json:"sessionId,omitempty"`
		Method    string           `json:"method"`
		Params    any              `json:"params,omitempty"`
	}{ID: id, SessionID: sessionID, Method: method, Params: params})
	if err != nil {
		return fmt.Errorf("rawcdp: marshal %s: %w", method, err)
	}

	ch := make(chan json.RawMessage, 1)
	c.pendingMu.Lock()
	select {
	case <-c.done:
		c.pendingMu.Unlock()
		return fmt.Errorf("rawcdp: connection closed")
	default:
	}
	c.pending[id] = ch
	c.pendingMu.Unlock()

	c.writeMu.Lock()
	err = wsutil.WriteClientText(nc, data)
	c.writeMu.Unlock()
	if err != nil {
		c.deletePending(id)
		return fmt.Errorf("rawcdp: send %s: %w", method, err)
	}

	var raw json.RawMessage
	select {
	case resp, ok := <-ch:
		if !ok {
			return fmt.Errorf("rawcdp: connection closed")
		}
		raw = resp
	case <-ctx.Done():
		c.deletePending(id)
		return ctx.Err()
	}

	var envelope struct {
		Result json.RawMessage `json:"result"`
		Error  *struct {
			Code    int64  `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return fmt.Errorf("rawcdp: unmarshal %s: %w", method, err)
	}
	if envelope.Error != nil {
		return &ProtocolError{Method: method, Code: envelope.Error.Code, Message: envelope.Error.Message}
	}
	if res != nil && len(envelope.Result) > 0 {
		if err := json.Unmarshal(envelope.Result, res); err != nil {
			return fmt.Errorf("rawcdp: decode %s result: %w", method, err)
		}
	}
	return nil
}

// on registers fn for a CDP event method and returns its unregister func.
// Handlers run on the read loop and must not call send.
func (c *conn) on(method string, fn func(sessionID target.SessionID, params json.RawMessage)) func() {
	id := c.seq.Add(1)
	c.eventMu.Lock()
	c.eventHandlers[method] = append(c.eventHandlers[method], eventHandler{id: id, fn: fn})
	c.eventMu.Unlock()
	return func() {
		c.eventMu.Lock()
		defer c.eventMu.Unlock()
		handlers := c.eventHandlers[method]
		for i, h := range handlers {
			if h.id == id {
				c.eventHandlers[method] = append(handlers[:i], handlers[i+1:]...)
				break
			}
		}
	}
}

func (c *conn) dispatchEvent(method string, sessionID target.SessionID, params json.RawMessage) {
	c.eventMu.RLock()
	handlers := make([]eventHandler, len(c.eventHandlers[method]))
	copy(handlers, c.eventHandlers[method])
	c.eventMu.RUnlock()
	for _, h := range handlers {
		h.fn(sessionID, params)
	}
}

// listTargets fetches open targets via the HTTP /json/list endpoint.
func (c *conn) listTargets(ctx context.Context) ([]*target.Info, error) {
	listCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	var entries []struct {
		ID    string `json:"id"`
		Type  string `json:"type"`
		Title string `json:"title"`
		URL   string `json:"url"`
	}
	if err := c.getJSON(listCtx, "/json/list", &entries); err != nil {
		return nil, err
	}

	out := make([]*target.Info, 0, len(entries))
	for _, e := range entries {
		out = append(out, &target.Info{
			TargetID: target.ID(e.ID),
			Type:     e.Type,
			Title:    e.Title,
			URL:      e.URL,
		})
	}
	return out, nil
}

func (c *conn) browserWSURL(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var info struct {
		WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
	}
	if err := c.getJSON(ctx, "/json/version", &info); err != nil {
		return "", err
	}
	if info.WebSocketDebuggerURL == "" {
		return "", fmt.Errorf("empty webSocketDebuggerUrl")
	}
	return info.WebSocketDebuggerURL, nil
}

func (c *conn) getJSON(ctx context.Context, path string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.httpBase+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("rawcdp: %s: HTTP %d", path, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}
