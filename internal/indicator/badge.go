package indicator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/dgnsrekt/empire_catcher/internal/relay"
	"github.com/dgnsrekt/empire_catcher/internal/types"
)

// Feed names used on the event stream.
const (
	FeedIndicator = "indicator"
	FeedCapture   = "capture"
)

const (
	alertText     = "!"
	alertColor    = "#F44336"
	notifyTimeout = 10 * time.Second
)

type Mode string

const (
	ModeClear Mode = "clear"
	ModeAlert Mode = "alert"
)

// State is what a status surface renders.
type State struct {
	Mode      Mode      `json:"mode"`
	Text      string    `json:"text"`
	Color     string    `json:"color,omitempty"`
	Since     time.Time `json:"since"`
	CaptureID string    `json:"capture_id,omitempty"`
}

// CaptureSummary is published on the capture feed.
type CaptureSummary struct {
	ID        string    `json:"id"`
	URL       string    `json:"url"`
	Bytes     int       `json:"bytes"`
	Timestamp time.Time `json:"timestamp"`
}

// EventPublisher receives indicator and capture events.
type EventPublisher interface {
	PublishJSON(feed string, v any) (relay.Event, error)
}

// Notifier pushes an out-of-band notification.
type Notifier interface {
	Notify(ctx context.Context, title, message string) error
}

// Badge is the status indicator: "alert" after a new capture until cleared.
type Badge struct {
	events   EventPublisher
	notifier Notifier
	clock    clock.Clock

	mu    sync.RWMutex
	state State
	wg    sync.WaitGroup
}

// NewBadge starts in the clear state. events and notifier may be nil.
func NewBadge(events EventPublisher, notifier Notifier, clk clock.Clock) *Badge {
	if clk == nil {
		clk = clock.New()
	}
	b := &Badge{
		events:   events,
		notifier: notifier,
		clock:    clk,
		state:    State{Mode: ModeClear, Since: clk.Now().UTC()},
	}
	b.publish(FeedIndicator, b.state)
	return b
}

// Alert signals that rec is available.
func (b *Badge) Alert(rec types.CaptureRecord) {
	b.mu.Lock()
	b.state = State{
		Mode:      ModeAlert,
		Text:      alertText,
		Color:     alertColor,
		Since:     b.clock.Now().UTC(),
		CaptureID: rec.ID,
	}
	st := b.state
	b.mu.Unlock()

	b.publish(FeedCapture, CaptureSummary{ID: rec.ID, URL: rec.URL, Bytes: len(rec.Data), Timestamp: rec.Timestamp})
	b.publish(FeedIndicator, st)

	if b.notifier != nil {
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
			defer cancel()
			if err := b.notifier.Notify(ctx, "Empire capture", rec.URL); err != nil {
				slog.Warn("capture notification failed", "error", err, "url", rec.URL)
			}
		}()
	}
}

// Clear resets the badge. It reports whether the badge was showing an alert.
func (b *Badge) Clear() bool {
	b.mu.Lock()
	if b.state.Mode == ModeClear {
		b.mu.Unlock()
		return false
	}
	b.state = State{Mode: ModeClear, Since: b.clock.Now().UTC()}
	st := b.state
	b.mu.Unlock()

	b.publish(FeedIndicator, st)
	return true
}

func (b *Badge) State() State {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

// Wait blocks until in-flight notifications are done.
func (b *Badge) Wait() { b.wg.Wait() }

func (b *Badge) publish(feed string, v any) {
	if b.events == nil {
		return
	}
	if _, err := b.events.PublishJSON(feed, v); err != nil {
		slog.Warn("indicator event publish failed", "feed", feed, "error", err)
	}
}
