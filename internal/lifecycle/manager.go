package lifecycle

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/dgnsrekt/empire_catcher/internal/capture"
	"github.com/dgnsrekt/empire_catcher/internal/filter"
	"github.com/dgnsrekt/empire_catcher/internal/session"
	"github.com/dgnsrekt/empire_catcher/internal/types"
)

// Settings is the durable enabled flag.
type Settings interface {
	Enabled() bool
	SetEnabled(enabled bool) error
}

// Publisher persists a parsed capture.
type Publisher interface {
	Publish(url string, data json.RawMessage) (types.CaptureRecord, error)
}

// Journal records the outcome of every body retrieval.
type Journal interface {
	Write(v any) error
}

const (
	defaultQueueSize   = 256
	defaultCallTimeout = 15 * time.Second
	defaultPendingTTL  = 5 * time.Minute
	defaultSweepEvery  = time.Minute
	teardownTimeout    = 5 * time.Second
)

// Options tunes the manager. Zero values pick defaults.
type Options struct {
	QueueSize   int
	CallTimeout time.Duration
	PendingTTL  time.Duration
	SweepEvery  time.Duration
	Clock       clock.Clock
}

func (o Options) withDefaults() Options {
	if o.QueueSize <= 0 {
		o.QueueSize = defaultQueueSize
	}
	if o.CallTimeout <= 0 {
		o.CallTimeout = defaultCallTimeout
	}
	if o.PendingTTL <= 0 {
		o.PendingTTL = defaultPendingTTL
	}
	if o.SweepEvery <= 0 {
		o.SweepEvery = defaultSweepEvery
	}
	if o.Clock == nil {
		o.Clock = clock.New()
	}
	return o
}

// Config wires a Manager to its collaborators. Journal is optional.
type Config struct {
	Channel   session.Channel
	Settings  Settings
	Publisher Publisher
	Journal   Journal
	APIPrefix filter.APIPrefix
	TabDomain filter.TabDomain
	Options   Options
}

// Manager is the session manager. One goroutine (Run) owns the registry and
// the correlator; everything else talks to it through the event queue.
type Manager struct {
	settings  Settings
	publisher Publisher
	journal   Journal
	channel   session.Channel
	domain    filter.TabDomain
	opts      Options
	clock     clock.Clock

	registry   *session.Registry
	controller *session.Controller
	correlator *capture.Correlator

	queue    chan types.Event
	done     chan struct{}

	// lifecycle and control events; unbounded so they are never dropped
	controlMu    sync.Mutex
	control      []types.Event
	controlReady chan struct{}

	baseCtx  context.Context
	cancel   context.CancelFunc
	state    atomic.Int32
	inflight atomic.Int64
	dropped  atomic.Int64

	// owned by the loop
	failures map[string]int
}

func New(cfg Config) *Manager {
	opts := cfg.Options.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())

	m := &Manager{
		settings:  cfg.Settings,
		publisher: cfg.Publisher,
		journal:   cfg.Journal,
		channel:   cfg.Channel,
		domain:    cfg.TabDomain,
		opts:      opts,
		clock:     opts.Clock,
		registry:  session.NewRegistry(),
		queue:     make(chan types.Event, opts.QueueSize),
		done:      make(chan struct{}),

		controlReady: make(chan struct{}, 1),
		baseCtx:   ctx,
		cancel:    cancel,
		failures:  make(map[string]int),
	}
	m.controller = session.NewController(cfg.Channel, m.registry, cfg.TabDomain, m)
	m.correlator = capture.NewCorrelator(cfg.APIPrefix, opts.Clock)
	return m
}

// State returns the current lifecycle state.
func (m *Manager) State() State { return State(m.state.Load()) }

// Deliver is the sink for host and settings events. Network events go
// through Post and may be dropped when the queue is full. Everything else
// (navigation, removal, forced detach, enable changes) goes on the control
// lane, which never blocks and never drops. It returns false only once the
// manager has stopped or a network event was dropped.
func (m *Manager) Deliver(ev types.Event) bool {
	switch ev.(type) {
	case types.ResponseStarted, types.LoadingFinished, types.LoadingFailed:
		return m.Post(ev)
	}
	return m.postControl(ev)
}

func (m *Manager) postControl(ev types.Event) bool {
	if m.State() == StateStopped {
		return false
	}
	select {
	case <-m.done:
		return false
	default:
	}

	m.controlMu.Lock()
	m.control = append(m.control, ev)
	m.controlMu.Unlock()

	select {
	case m.controlReady <- struct{}{}:
	default:
	}
	return true
}

func (m *Manager) takeControl() []types.Event {
	m.controlMu.Lock()
	defer m.controlMu.Unlock()
	evs := m.control
	m.control = nil
	return evs
}

func (m *Manager) controlDepth() int {
	m.controlMu.Lock()
	defer m.controlMu.Unlock()
	return len(m.control)
}

// drainControl handles every pending control event. It runs before each
// queued event, so control events are never starved by network traffic.
func (m *Manager) drainControl() {
	for _, ev := range m.takeControl() {
		m.handle(ev)
	}
}

// Post queues an event without blocking. It returns false when the manager
// has stopped or the queue is full.
func (m *Manager) Post(ev types.Event) bool {
	if m.State() == StateStopped {
		return false
	}
	select {
	case <-m.done:
		return false
	default:
	}
	select {
	case m.queue <- ev:
		return true
	default:
		m.dropped.Add(1)
		slog.Warn("event queue full, dropping event", "event", ev.EventName(), "queue_size", cap(m.queue))
		return false
	}
}

// Send queues an event, waiting for room.
func (m *Manager) Send(ctx context.Context, ev types.Event) error {
	if m.State() == StateStopped {
		return errStopped
	}
	select {
	case m.queue <- ev:
		return nil
	case <-m.done:
		return errStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

var errStopped = types.NewError(types.CodeUnavailable, "session manager stopped", nil)

// Go runs fn off the loop and feeds its result back into the queue. It
// implements session.Dispatcher.
func (m *Manager) Go(fn func(ctx context.Context) types.Event) {
	m.inflight.Add(1)
	go func() {
		defer m.inflight.Add(-1)

		ctx, cancel := context.WithTimeout(m.baseCtx, m.opts.CallTimeout)
		ev := fn(ctx)
		cancel()
		if ev == nil {
			return
		}
		select {
		case m.queue <- ev:
		case <-m.done:
			slog.Debug("completion dropped after stop", "event", ev.EventName())
		}
	}()
}

// Run consumes the queue until ctx is cancelled, then detaches every tab.
func (m *Manager) Run(ctx context.Context) error {
	if !m.state.CompareAndSwap(int32(StateInitialized), int32(StateRunning)) {
		return fmt.Errorf("lifecycle: run called in state %s", m.State())
	}
	slog.Info("session manager running", "domain", string(m.domain), "queue_size", cap(m.queue))

	ticker := m.clock.Ticker(m.opts.SweepEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.teardown()
			return nil
		case <-m.controlReady:
			m.drainControl()
		case ev := <-m.queue:
			m.drainControl()
			m.handle(ev)
		case <-ticker.C:
			m.sweep()
		}
	}
}

func (m *Manager) teardown() {
	m.state.Store(int32(StateStopped))
	close(m.done)
	m.cancel()

	ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
	defer cancel()
	n := m.controller.DetachAll(ctx)
	slog.Info("session manager stopped", "detached", n, "pending_dropped", m.correlator.Len())
}

func (m *Manager) handle(ev types.Event) {
	var err error
	switch e := ev.(type) {
	case types.Installed:
		err = m.onInstalled()
	case types.EnabledChanged:
		m.onEnabledChanged(e.Enabled)
	case types.TabNavigated:
		m.onTabNavigated(e)
	case types.TabRemoved:
		m.controller.Detach(e.Tab)
		m.correlator.DropTab(e.Tab)
	case types.ForcedDetach:
		if m.controller.ForcedDetach(e.Tab) {
			slog.Debug("forced detach", "tab_id", e.Tab, "reason", e.Reason)
		}
		m.correlator.DropTab(e.Tab)
	case types.ResponseStarted:
		if m.registry.Has(e.Tab) {
			m.correlator.Observe(e.Tab, e.Request, e.URL)
		}
	case types.LoadingFinished:
		m.onLoadingFinished(e)
	case types.LoadingFailed:
		if m.correlator.Fail(e.Tab, e.Request) {
			slog.Debug("api request failed before body", "tab_id", e.Tab, "request_id", e.Request, "reason", e.Reason)
		}
	case session.AttachResult:
		err = m.controller.HandleAttach(e)
	case session.DetachResult:
		err = m.controller.HandleDetach(e)
	case session.TabsDiscovered:
		err = m.controller.HandleDiscovered(e, m.settings.Enabled())
	case bodyFetched:
		err = m.finishFetch(e)
	case statusQuery:
		e.reply <- m.snapshot()
	case barrier:
		e.reply <- len(m.queue) == 0 && m.controlDepth() == 0 && m.inflight.Load() == 0
	default:
		slog.Warn("unknown event ignored", "event", ev.EventName())
	}
	m.report(ev, err)
}

func (m *Manager) onInstalled() error {
	slog.Info("fresh install, enabling capture")
	err := m.settings.SetEnabled(true)
	m.controller.Reconcile(true)
	return err
}

func (m *Manager) onEnabledChanged(enabled bool) {
	if !enabled {
		for _, tab := range m.registry.Tracked() {
			m.correlator.DropTab(tab)
		}
	}
	m.controller.Reconcile(enabled)
}

func (m *Manager) onTabNavigated(e types.TabNavigated) {
	if !m.settings.Enabled() {
		return
	}
	if m.domain.Match(e.URL) {
		m.controller.Attach(e.Tab)
		return
	}
	if m.registry.Has(e.Tab) {
		slog.Debug("tab left target domain", "tab_id", e.Tab, "url", e.URL)
		m.controller.Detach(e.Tab)
		m.correlator.DropTab(e.Tab)
	}
}

func (m *Manager) onLoadingFinished(e types.LoadingFinished) {
	p, ok := m.correlator.BeginFetch(e.Tab, e.Request)
	if !ok {
		return
	}
	slog.Debug("fetching response body", "tab_id", e.Tab, "request_id", e.Request, "url", p.URL)
	m.Go(func(ctx context.Context) types.Event {
		body, err := m.channel.FetchBody(ctx, e.Tab, e.Request)
		if err != nil {
			err = types.NewError(types.CodeBodyRetrievalFailure, fmt.Sprintf("get body for %s", p.URL), err)
		}
		return bodyFetched{Tab: e.Tab, Request: e.Request, URL: p.URL, Body: body, Err: err}
	})
}

// finishFetch consumes the correlator entry and routes the body. The entry is
// removed whatever the outcome.
func (m *Manager) finishFetch(e bodyFetched) error {
	if !m.correlator.Finish(e.Tab, e.Request) {
		slog.Debug("body result for untracked request ignored", "tab_id", e.Tab, "request_id", e.Request)
		return nil
	}

	if e.Err != nil {
		m.record(e, capture.OutcomeRetrievalFailed, nil, e.Err)
		return e.Err
	}

	data, err := capture.DecodePayload(e.Body)
	if err != nil {
		m.record(e, capture.OutcomeMalformed, e.Body, err)
		return err
	}
	if data == nil {
		slog.Debug("empty response body discarded", "tab_id", e.Tab, "request_id", e.Request, "url", e.URL)
		m.record(e, capture.OutcomeEmpty, nil, nil)
		return nil
	}

	if _, err := m.publisher.Publish(e.URL, data); err != nil {
		m.record(e, capture.OutcomePersistFailed, e.Body, err)
		return err
	}
	m.record(e, capture.OutcomeCaptured, e.Body, nil)
	return nil
}

func (m *Manager) record(e bodyFetched, outcome string, body []byte, err error) {
	if m.journal == nil {
		return
	}
	entry := capture.NewJournalEntry(m.clock.Now(), e.Tab, e.Request, e.URL, outcome, body, err)
	if werr := m.journal.Write(entry); werr != nil {
		slog.Warn("capture journal write failed", "error", werr)
	}
}

func (m *Manager) sweep() {
	cutoff := m.clock.Now().Add(-m.opts.PendingTTL)
	if n := m.correlator.Expire(cutoff); n > 0 {
		slog.Warn("expired stale api requests", "count", n, "ttl", m.opts.PendingTTL)
	}
}

// report is the single place where handler failures are logged and counted.
func (m *Manager) report(ev types.Event, err error) {
	if err == nil {
		return
	}
	code := types.CodeOf(err)
	if code == "" {
		code = "UNKNOWN"
	}
	m.failures[code]++

	level := slog.LevelError
	switch code {
	case types.CodeDetachFailure:
		level = slog.LevelDebug
	case types.CodeAttachFailure, types.CodeMalformedPayload:
		level = slog.LevelWarn
	}
	slog.Log(context.Background(), level, "event handling failed", "event", ev.EventName(), "code", code, "error", err)
}
