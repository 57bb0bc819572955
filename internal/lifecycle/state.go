package lifecycle

import (
	"context"
	"time"

	"github.com/dgnsrekt/empire_catcher/internal/types"
)

// State is the manager lifecycle: initialized, running, stopped.
type State int32

const (
	StateInitialized State = iota
	StateRunning
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateInitialized:
		return "initialized"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Status is a point-in-time view of the manager.
type Status struct {
	State      string         `json:"state"`
	Attached   []types.TabID  `json:"attached"`
	Attaching  []types.TabID  `json:"attaching"`
	Pending    int            `json:"pending_requests"`
	Failures   map[string]int `json:"failures"`
	QueueDepth int            `json:"queue_depth"`
	Inflight   int64          `json:"inflight_calls"`
	Dropped    int64          `json:"dropped_events"`
}

// internal loop events

type bodyFetched struct {
	Tab     types.TabID
	Request types.RequestID
	URL     string
	Body    []byte
	Err     error
}

type statusQuery struct {
	reply chan Status
}

type barrier struct {
	reply chan bool
}

func (bodyFetched) EventName() string { return "body_fetched" }
func (statusQuery) EventName() string { return "status_query" }
func (barrier) EventName() string     { return "barrier" }

func (m *Manager) snapshot() Status {
	failures := make(map[string]int, len(m.failures))
	for k, v := range m.failures {
		failures[k] = v
	}
	return Status{
		State:      m.State().String(),
		Attached:   m.registry.Attached(),
		Attaching:  m.registry.Attaching(),
		Pending:    m.correlator.Len(),
		Failures:   failures,
		QueueDepth: len(m.queue) + m.controlDepth(),
		Inflight:   m.inflight.Load(),
		Dropped:    m.dropped.Load(),
	}
}

// Status asks the loop for a snapshot. Outside the running state only the
// state and counters are filled in.
func (m *Manager) Status(ctx context.Context) (Status, error) {
	if m.State() != StateRunning {
		return Status{
			State:    m.State().String(),
			Failures: map[string]int{},
			Dropped:  m.dropped.Load(),
		}, nil
	}

	reply := make(chan Status, 1)
	if err := m.Send(ctx, statusQuery{reply: reply}); err != nil {
		return Status{}, err
	}
	select {
	case st := <-reply:
		return st, nil
	case <-m.done:
		return Status{}, errStopped
	case <-ctx.Done():
		return Status{}, ctx.Err()
	}
}

// Settle waits until the queue is empty and no channel call is in flight.
func (m *Manager) Settle(ctx context.Context) error {
	for {
		reply := make(chan bool, 1)
		if err := m.Send(ctx, barrier{reply: reply}); err != nil {
			return err
		}
		select {
		case idle := <-reply:
			if idle {
				return nil
			}
		case <-m.done:
			return errStopped
		case <-ctx.Done():
			return ctx.Err()
		}

		select {
		case <-time.After(2 * time.Millisecond):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Done is closed once the manager has stopped.
func (m *Manager) Done() <-chan struct{} { return m.done }
