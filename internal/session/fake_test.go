package session

import (
	"context"
	"errors"
	"sync"

	"github.com/dgnsrekt/empire_catcher/internal/types"
)

type fakeChannel struct {
	mu sync.Mutex

	opens   map[types.TabID]int
	enables map[types.TabID]int
	closes  map[types.TabID]int

	openErr   map[types.TabID]error
	enableErr map[types.TabID]error
	closeErr  map[types.TabID]error

	tabs    []types.Tab
	listErr error
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{
		opens:     map[types.TabID]int{},
		enables:   map[types.TabID]int{},
		closes:    map[types.TabID]int{},
		openErr:   map[types.TabID]error{},
		enableErr: map[types.TabID]error{},
		closeErr:  map[types.TabID]error{},
	}
}

func (f *fakeChannel) Open(_ context.Context, tab types.TabID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opens[tab]++
	return f.openErr[tab]
}

func (f *fakeChannel) EnableNetwork(_ context.Context, tab types.TabID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enables[tab]++
	return f.enableErr[tab]
}

func (f *fakeChannel) Close(_ context.Context, tab types.TabID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes[tab]++
	return f.closeErr[tab]
}

func (f *fakeChannel) FetchBody(context.Context, types.TabID, types.RequestID) ([]byte, error) {
	return nil, errors.New("not used")
}

func (f *fakeChannel) ListTabs(context.Context) ([]types.Tab, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]types.Tab(nil), f.tabs...), f.listErr
}

func (f *fakeChannel) count(m map[types.TabID]int, tab types.TabID) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return m[tab]
}

// queueDispatch runs calls inline and holds their results until drained, so
// tests control when completions reach the controller.
type queueDispatch struct {
	events []types.Event
}

func (q *queueDispatch) Go(fn func(ctx context.Context) types.Event) {
	if ev := fn(context.Background()); ev != nil {
		q.events = append(q.events, ev)
	}
}

// drain feeds queued completions back into the controller until none remain.
func (q *queueDispatch) drain(c *Controller, enabled bool) []error {
	var errs []error
	for len(q.events) > 0 {
		ev := q.events[0]
		q.events = q.events[1:]
		var err error
		switch e := ev.(type) {
		case AttachResult:
			err = c.HandleAttach(e)
		case DetachResult:
			err = c.HandleDetach(e)
		case TabsDiscovered:
			err = c.HandleDiscovered(e, enabled)
		}
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}
