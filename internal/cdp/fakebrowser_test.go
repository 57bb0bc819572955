package cdp

import (
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/chromedp/cdproto/network"
	"github.com/dgnsrekt/empire_catcher/internal/types"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

type fakeTarget struct {
	ID    string `json:"id"`
	Type  string `json:"type"`
	Title string `json:"title"`
	URL   string `json:"url"`
}

type call struct {
	Method    string
	SessionID string
	Params    json.RawMessage
}

// fakeBrowser speaks just enough DevTools protocol over HTTP and WebSocket
// for the host.
type fakeBrowser struct {
	t   *testing.T
	srv *httptest.Server

	mu      sync.Mutex
	conn    net.Conn
	calls   []call
	targets []fakeTarget
	bodies  map[string]*network.GetResponseBodyReturns

	writeMu sync.Mutex
}

func newFakeBrowser(t *testing.T, targets ...fakeTarget) *fakeBrowser {
	t.Helper()
	fb := &fakeBrowser{t: t, targets: targets, bodies: map[string]*network.GetResponseBodyReturns{}}

	mux := http.NewServeMux()
	mux.HandleFunc("/json/version", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{
			"Browser":              "Chrome/140.0.0.0",
			"webSocketDebuggerUrl": "ws://" + r.Host + "/devtools/browser/fake",
		})
	})
	mux.HandleFunc("/json/list", func(w http.ResponseWriter, _ *http.Request) {
		fb.mu.Lock()
		defer fb.mu.Unlock()
		_ = json.NewEncoder(w).Encode(fb.targets)
	})
	mux.HandleFunc("/devtools/browser/fake", func(w http.ResponseWriter, r *http.Request) {
		conn, _, _, err := ws.UpgradeHTTP(r, w)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		fb.mu.Lock()
		fb.conn = conn
		fb.mu.Unlock()
		go fb.serve(conn)
	})

	fb.srv = httptest.NewServer(mux)
	t.Cleanup(func() {
		fb.mu.Lock()
		if fb.conn != nil {
			_ = fb.conn.Close()
		}
		fb.mu.Unlock()
		fb.srv.Close()
	})
	return fb
}

func (fb *fakeBrowser) setBody(req string, body *network.GetResponseBodyReturns) {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	fb.bodies[req] = body
}

func (fb *fakeBrowser) callsTo(method string) []call {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	var out []call
	for _, c := range fb.calls {
		if c.Method == method {
			out = append(out, c)
		}
	}
	return out
}

func (fb *fakeBrowser) serve(conn net.Conn) {
	for {
		data, err := wsutil.ReadClientText(conn)
		if err != nil {
			return
		}
		var msg struct {
			ID        int64           `json:"id"`
			Method    string          `json:"method"`
			SessionID string          `json:"sessionId"`
			Params    json.RawMessage `json:"params"`
		}
		if err := json.Unmarshal(data, &msg); err != nil {
			fb.t.Errorf("bad message %s: %v", data, err)
			return
		}

		fb.mu.Lock()
		fb.calls = append(fb.calls, call{Method: msg.Method, SessionID: msg.SessionID, Params: msg.Params})
		fb.mu.Unlock()

		switch msg.Method {
		case "Target.setDiscoverTargets":
			fb.reply(msg.ID, msg.SessionID, struct{}{})
			fb.mu.Lock()
			targets := append([]fakeTarget(nil), fb.targets...)
			fb.mu.Unlock()
			for _, tg := range targets {
				fb.emitTargetInfo("Target.targetCreated", tg)
			}
		case "Target.attachToTarget":
			var p struct {
				TargetID string `json:"targetId"`
				Flatten  bool   `json:"flatten"`
			}
			_ = json.Unmarshal(msg.Params, &p)
			if !p.Flatten {
				fb.replyError(msg.ID, msg.SessionID, "flatten required")
				continue
			}
			fb.reply(msg.ID, msg.SessionID, map[string]string{"sessionId": "S-" + p.TargetID})
		case "Network.getResponseBody":
			var p struct {
				RequestID string `json:"requestId"`
			}
			_ = json.Unmarshal(msg.Params, &p)
			fb.mu.Lock()
			body, ok := fb.bodies[p.RequestID]
			fb.mu.Unlock()
			if !ok {
				fb.replyError(msg.ID, msg.SessionID, "No resource with given identifier found")
				continue
			}
			fb.reply(msg.ID, msg.SessionID, body)
		case "Target.detachFromTarget":
			var p struct {
				SessionID string `json:"sessionId"`
			}
			_ = json.Unmarshal(msg.Params, &p)
			fb.reply(msg.ID, msg.SessionID, struct{}{})
			fb.emit("Target.detachedFromTarget", "", map[string]string{"sessionId": p.SessionID})
		default:
			fb.reply(msg.ID, msg.SessionID, struct{}{})
		}
	}
}

func (fb *fakeBrowser) write(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		fb.t.Errorf("marshal: %v", err)
		return
	}
	fb.mu.Lock()
	conn := fb.conn
	fb.mu.Unlock()
	if conn == nil {
		fb.t.Errorf("write before connect")
		return
	}
	fb.writeMu.Lock()
	defer fb.writeMu.Unlock()
	_ = wsutil.WriteServerText(conn, data)
}

func (fb *fakeBrowser) reply(id int64, sessionID string, result any) {
	fb.write(map[string]any{"id": id, "sessionId": sessionID, "result": result})
}

func (fb *fakeBrowser) replyError(id int64, sessionID, message string) {
	fb.write(map[string]any{
		"id":        id,
		"sessionId": sessionID,
		"error":     map[string]any{"code": -32000, "message": message},
	})
}

func (fb *fakeBrowser) emit(method, sessionID string, params any) {
	msg := map[string]any{"method": method, "params": params}
	if sessionID != "" {
		msg["sessionId"] = sessionID
	}
	fb.write(msg)
}

func (fb *fakeBrowser) emitTargetInfo(method string, tg fakeTarget) {
	fb.emit(method, "", map[string]any{
		"targetInfo": map[string]any{
			"targetId": tg.ID,
			"type":     tg.Type,
			"title":    tg.Title,
			"url":      tg.URL,
			"attached": false,
		},
	})
}

type collector struct {
	mu     sync.Mutex
	events []types.Event
}

func (c *collector) sink(ev types.Event) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
	return true
}

func (c *collector) all() []types.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]types.Event(nil), c.events...)
}

func (c *collector) has(want types.Event) bool {
	for _, ev := range c.all() {
		if ev == want {
			return true
		}
	}
	return false
}
