package cdp

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/target"
	"github.com/dgnsrekt/empire_catcher/internal/types"
)

const pageTarget = "page"

// Sink receives translated host events. It must not block.
type Sink func(ev types.Event) bool

// Host is the instrumentation channel backed by a running Chromium. It
// implements session.Channel and turns CDP events into lifecycle events.
type Host struct {
	conn *conn
	sink Sink

	mu       sync.Mutex
	sessions map[target.SessionID]types.TabID
	byTab    map[types.TabID]target.SessionID
	urls     map[types.TabID]string

	unregister []func()
}

// NewHost builds a host for the browser whose DevTools HTTP endpoint is
// httpBase, e.g. "http://127.0.0.1:9222".
func NewHost(httpBase string, client *http.Client, sink Sink) *Host {
	return &Host{
		conn:     newConn(httpBase, client),
		sink:     sink,
		sessions: make(map[target.SessionID]types.TabID),
		byTab:    make(map[types.TabID]target.SessionID),
		urls:     make(map[types.TabID]string),
	}
}

// Start connects and turns on target discovery. Existing page targets are
// reported as navigations.
func (h *Host) Start(ctx context.Context) error {
	if err := h.conn.dial(ctx); err != nil {
		return err
	}

	h.unregister = append(h.unregister,
		h.conn.on(string(cdproto.EventTargetTargetCreated), h.onTargetInfo),
		h.conn.on(string(cdproto.EventTargetTargetInfoChanged), h.onTargetInfo),
		h.conn.on(string(cdproto.EventTargetTargetDestroyed), h.onTargetDestroyed),
		h.conn.on(string(cdproto.EventTargetDetachedFromTarget), h.onDetached),
		h.conn.on(string(cdproto.EventNetworkResponseReceived), h.onResponseReceived),
		h.conn.on(string(cdproto.EventNetworkLoadingFinished), h.onLoadingFinished),
		h.conn.on(string(cdproto.EventNetworkLoadingFailed), h.onLoadingFailed),
	)

	if err := h.conn.send(ctx, "", target.CommandSetDiscoverTargets, target.SetDiscoverTargets(true), nil); err != nil {
		h.Shutdown()
		return fmt.Errorf("rawcdp: discover targets: %w", err)
	}

	go func() {
		<-h.conn.done
		h.dropAll()
	}()

	slog.Info("connected to browser", "endpoint", h.conn.httpBase)
	return nil
}

// Done is closed when the browser connection is lost or closed.
func (h *Host) Done() <-chan struct{} { return h.conn.done }

// Shutdown drops the browser connection.
func (h *Host) Shutdown() {
	for _, fn := range h.unregister {
		fn()
	}
	h.unregister = nil
	h.conn.close()
}

// Open attaches a flattened session to the tab.
func (h *Host) Open(ctx context.Context, tab types.TabID) error {
	if _, ok := h.sessionFor(tab); ok {
		return nil
	}

	var res target.AttachToTargetReturns
	params := target.AttachToTarget(target.ID(tab)).WithFlatten(true)
	if err := h.conn.send(ctx, "", target.CommandAttachToTarget, params, &res); err != nil {
		return err
	}
	if res.SessionID == "" {
		return fmt.Errorf("rawcdp: attach %s: empty session id", tab)
	}

	h.mu.Lock()
	h.sessions[res.SessionID] = tab
	h.byTab[tab] = res.SessionID
	h.mu.Unlock()
	slog.Debug("session opened", "tab_id", tab, "session_id", res.SessionID)
	return nil
}

func (h *Host) EnableNetwork(ctx context.Context, tab types.TabID) error {
	sid, ok := h.sessionFor(tab)
	if !ok {
		return errNoSession(tab)
	}
	return h.conn.send(ctx, sid, network.CommandEnable, network.Enable(), nil)
}

// Close detaches the tab's session. The session is forgotten first so the
// resulting detachedFromTarget is not reported as a forced detach.
func (h *Host) Close(ctx context.Context, tab types.TabID) error {
	h.mu.Lock()
	sid, ok := h.byTab[tab]
	if ok {
		delete(h.byTab, tab)
		delete(h.sessions, sid)
	}
	h.mu.Unlock()
	if !ok {
		return nil
	}
	return h.conn.send(ctx, "", target.CommandDetachFromTarget, target.DetachFromTarget().WithSessionID(sid), nil)
}

// FetchBody pulls a response body with Network.getResponseBody.
func (h *Host) FetchBody(ctx context.Context, tab types.TabID, req types.RequestID) ([]byte, error) {
	sid, ok := h.sessionFor(tab)
	if !ok {
		return nil, errNoSession(tab)
	}

	var res network.GetResponseBodyReturns
	if err := h.conn.send(ctx, sid, network.CommandGetResponseBody, network.GetResponseBody(network.RequestID(req)), &res); err != nil {
		return nil, err
	}
	if !res.Base64encoded {
		return []byte(res.Body), nil
	}
	body, err := base64.StdEncoding.DecodeString(res.Body)
	if err != nil {
		return nil, fmt.Errorf("rawcdp: decode body: %w", err)
	}
	return body, nil
}

// ListTabs returns the open page targets.
func (h *Host) ListTabs(ctx context.Context) ([]types.Tab, error) {
	infos, err := h.conn.listTargets(ctx)
	if err != nil {
		return nil, err
	}
	tabs := make([]types.Tab, 0, len(infos))
	for _, info := range infos {
		if info.Type != pageTarget {
			continue
		}
		tabs = append(tabs, types.Tab{ID: types.TabID(info.TargetID), URL: info.URL, Title: info.Title})
	}
	return tabs, nil
}

func (h *Host) sessionFor(tab types.TabID) (target.SessionID, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	sid, ok := h.byTab[tab]
	return sid, ok
}

func (h *Host) tabFor(sid target.SessionID) (types.TabID, bool) {
	if sid == "" {
		return "", false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	tab, ok := h.sessions[sid]
	return tab, ok
}

func errNoSession(tab types.TabID) error {
	return fmt.Errorf("rawcdp: no session for tab %s", tab)
}

func (h *Host) post(ev types.Event) {
	if h.sink != nil {
		h.sink(ev)
	}
}

// dropAll reports every open session as detached once the connection is gone.
func (h *Host) dropAll() {
	h.mu.Lock()
	tabs := make([]types.TabID, 0, len(h.byTab))
	for tab := range h.byTab {
		tabs = append(tabs, tab)
	}
	h.sessions = make(map[target.SessionID]types.TabID)
	h.byTab = make(map[types.TabID]target.SessionID)
	h.mu.Unlock()

	for _, tab := range tabs {
		h.post(types.ForcedDetach{Tab: tab, Reason: "browser connection closed"})
	}
	if len(tabs) > 0 {
		slog.Warn("browser connection lost", "sessions", len(tabs))
	}
}

// event handlers

type targetInfoParams struct {
	TargetInfo struct {
		TargetID target.ID `json:"targetId"`
		Type     string    `json:"type"`
		URL      string    `json:"url"`
	} `json:"targetInfo"`
}

func (h *Host) onTargetInfo(_ target.SessionID, params json.RawMessage) {
	var p targetInfoParams
	if err := json.Unmarshal(params, &p); err != nil || p.TargetInfo.Type != pageTarget {
		return
	}
	tab := types.TabID(p.TargetInfo.TargetID)
	url := p.TargetInfo.URL

	h.mu.Lock()
	h.urls[tab] = url
	h.mu.Unlock()

	// reloads repeat the URL and still need to re-attach a detached tab
	if url == "" {
		return
	}
	h.post(types.TabNavigated{Tab: tab, URL: url})
}

func (h *Host) onTargetDestroyed(_ target.SessionID, params json.RawMessage) {
	var p struct {
		TargetID target.ID `json:"targetId"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return
	}
	tab := types.TabID(p.TargetID)

	h.mu.Lock()
	_, known := h.urls[tab]
	delete(h.urls, tab)
	h.mu.Unlock()

	if known {
		h.post(types.TabRemoved{Tab: tab})
	}
}

func (h *Host) onDetached(_ target.SessionID, params json.RawMessage) {
	var p struct {
		SessionID target.SessionID `json:"sessionId"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return
	}

	h.mu.Lock()
	tab, ok := h.sessions[p.SessionID]
	if ok {
		delete(h.sessions, p.SessionID)
		delete(h.byTab, tab)
	}
	h.mu.Unlock()

	if ok {
		h.post(types.ForcedDetach{Tab: tab, Reason: "detached by browser"})
	}
}

func (h *Host) onResponseReceived(sid target.SessionID, params json.RawMessage) {
	tab, ok := h.tabFor(sid)
	if !ok {
		return
	}
	var p struct {
		RequestID network.RequestID `json:"requestId"`
		Response  struct {
			URL string `json:"url"`
		} `json:"response"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return
	}
	h.post(types.ResponseStarted{Tab: tab, Request: types.RequestID(p.RequestID), URL: p.Response.URL})
}

func (h *Host) onLoadingFinished(sid target.SessionID, params json.RawMessage) {
	tab, ok := h.tabFor(sid)
	if !ok {
		return
	}
	var p struct {
		RequestID network.RequestID `json:"requestId"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return
	}
	h.post(types.LoadingFinished{Tab: tab, Request: types.RequestID(p.RequestID)})
}

func (h *Host) onLoadingFailed(sid target.SessionID, params json.RawMessage) {
	tab, ok := h.tabFor(sid)
	if !ok {
		return
	}
	var p struct {
		RequestID network.RequestID `json:"requestId"`
		ErrorText string            `json:"errorText"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return
	}
	h.post(types.LoadingFailed{Tab: tab, Request: types.RequestID(p.RequestID), Reason: p.ErrorText})
}
