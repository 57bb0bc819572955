package lifecycle

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/dgnsrekt/empire_catcher/internal/capture"
	"github.com/dgnsrekt/empire_catcher/internal/types"
	"github.com/stretchr/testify/require"
)

const (
	apiPrefix = "https://api.empire.io.vn/api/v1/courses/"
	tabDomain = "empire.edu.vn"
	siteURL   = "https://empire.edu.vn/course/42"
	courseURL = "https://api.empire.io.vn/api/v1/courses/42"
)

type fakeChannel struct {
	mu sync.Mutex

	opens   map[types.TabID]int
	closes  map[types.TabID]int
	fetches map[types.RequestID]int

	openErr  map[types.TabID]error
	bodies   map[types.RequestID][]byte
	fetchErr map[types.RequestID]error
	tabs     []types.Tab
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{
		opens:    map[types.TabID]int{},
		closes:   map[types.TabID]int{},
		fetches:  map[types.RequestID]int{},
		openErr:  map[types.TabID]error{},
		bodies:   map[types.RequestID][]byte{},
		fetchErr: map[types.RequestID]error{},
	}
}

func (f *fakeChannel) Open(_ context.Context, tab types.TabID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opens[tab]++
	return f.openErr[tab]
}

func (f *fakeChannel) EnableNetwork(context.Context, types.TabID) error { return nil }

func (f *fakeChannel) Close(_ context.Context, tab types.TabID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes[tab]++
	return nil
}

func (f *fakeChannel) FetchBody(_ context.Context, _ types.TabID, req types.RequestID) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches[req]++
	if err := f.fetchErr[req]; err != nil {
		return nil, err
	}
	body, ok := f.bodies[req]
	if !ok {
		return nil, errors.New("No resource with given identifier found")
	}
	return body, nil
}

func (f *fakeChannel) ListTabs(context.Context) ([]types.Tab, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]types.Tab(nil), f.tabs...), nil
}

func (f *fakeChannel) setBody(req types.RequestID, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bodies[req] = []byte(body)
}

func (f *fakeChannel) opened(tab types.TabID) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opens[tab]
}

func (f *fakeChannel) closed(tab types.TabID) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closes[tab]
}

func (f *fakeChannel) fetched(req types.RequestID) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetches[req]
}

type fakeSettings struct {
	mu      sync.Mutex
	enabled bool
	sets    []bool

	// gate, when set, holds Enabled until it is closed
	gate chan struct{}
}

func (s *fakeSettings) Enabled() bool {
	s.mu.Lock()
	gate := s.gate
	s.mu.Unlock()
	if gate != nil {
		<-gate
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enabled
}

func (s *fakeSettings) SetEnabled(enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enabled = enabled
	s.sets = append(s.sets, enabled)
	return nil
}

type memoryStore struct {
	mu    sync.Mutex
	saved []types.CaptureRecord
	err   error
}

func (m *memoryStore) SaveCapture(rec types.CaptureRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.saved = append(m.saved, rec)
	return nil
}

func (m *memoryStore) records() []types.CaptureRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]types.CaptureRecord(nil), m.saved...)
}

type recordingIndicator struct {
	mu     sync.Mutex
	alerts int
}

func (r *recordingIndicator) Alert(types.CaptureRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts++
}

func (r *recordingIndicator) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.alerts
}

type memoryJournal struct {
	mu      sync.Mutex
	entries []capture.JournalEntry
}

func (j *memoryJournal) Write(v any) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, v.(capture.JournalEntry))
	return nil
}

func (j *memoryJournal) outcomes() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]string, 0, len(j.entries))
	for _, e := range j.entries {
		out = append(out, e.Outcome)
	}
	return out
}

type harness struct {
	t         *testing.T
	m         *Manager
	channel   *fakeChannel
	settings  *fakeSettings
	store     *memoryStore
	indicator *recordingIndicator
	journal   *memoryJournal
	clock     *clock.Mock
	stop      func()
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	h := &harness{
		t:         t,
		channel:   newFakeChannel(),
		settings:  &fakeSettings{enabled: true},
		store:     &memoryStore{},
		indicator: &recordingIndicator{},
		journal:   &memoryJournal{},
		clock:     clock.NewMock(),
	}
	h.clock.Set(time.Date(2026, 10, 19, 10, 0, 0, 0, time.UTC))

	h.m = New(Config{
		Channel:   h.channel,
		Settings:  h.settings,
		Publisher: capture.NewPublisher(h.store, h.indicator, h.clock),
		Journal:   h.journal,
		APIPrefix: apiPrefix,
		TabDomain: tabDomain,
		Options:   Options{QueueSize: 64, Clock: h.clock},
	})

	ctx, cancel := context.WithCancel(context.Background())
	exited := make(chan struct{})
	go func() {
		defer close(exited)
		_ = h.m.Run(ctx)
	}()

	var once sync.Once
	h.stop = func() {
		once.Do(func() {
			cancel()
			select {
			case <-exited:
			case <-time.After(2 * time.Second):
				t.Fatal("manager did not stop")
			}
		})
	}
	t.Cleanup(h.stop)
	return h
}

// post queues events and waits for everything they trigger to finish.
func (h *harness) post(events ...types.Event) {
	h.t.Helper()
	for _, ev := range events {
		require.True(h.t, h.m.Post(ev), "Post(%s)", ev.EventName())
	}
	h.settle()
}

func (h *harness) settle() {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(h.t, h.m.Settle(ctx))
}

func (h *harness) status() Status {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	st, err := h.m.Status(ctx)
	require.NoError(h.t, err)
	return st
}

// attach navigates tab to the target site and waits for the session.
func (h *harness) attach(tab types.TabID) {
	h.t.Helper()
	h.post(types.TabNavigated{Tab: tab, URL: siteURL})
	require.Contains(h.t, h.status().Attached, tab)
}
