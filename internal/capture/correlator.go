package capture

import (
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/dgnsrekt/empire_catcher/internal/filter"
	"github.com/dgnsrekt/empire_catcher/internal/types"
)

// Key identifies a request. Request IDs are only unique within one tab's session.
type Key struct {
	Tab     types.TabID
	Request types.RequestID
}

// Pending is a matching response whose body has not been consumed yet.
type Pending struct {
	URL      string
	Tab      types.TabID
	Seen     time.Time
	Fetching bool
}

// Correlator pairs Network.responseReceived with Network.loadingFinished for
// responses on the captured API, so each body is pulled at most once.
// It is owned by the lifecycle goroutine and is not safe for concurrent use.
type Correlator struct {
	api     filter.APIPrefix
	clock   clock.Clock
	pending map[Key]*Pending
}

func NewCorrelator(api filter.APIPrefix, clk clock.Clock) *Correlator {
	if clk == nil {
		clk = clock.New()
	}
	return &Correlator{
		api:     api,
		clock:   clk,
		pending: make(map[Key]*Pending),
	}
}

// Observe records a response that passes the API filter. It reports whether
// the request is now awaiting its body.
func (c *Correlator) Observe(tab types.TabID, req types.RequestID, url string) bool {
	if !c.api.Match(url) {
		return false
	}
	key := Key{Tab: tab, Request: req}
	if p, ok := c.pending[key]; ok && p.Fetching {
		return false
	}
	c.pending[key] = &Pending{URL: url, Tab: tab, Seen: c.clock.Now()}
	slog.Info("api response seen, waiting for body", "tab_id", tab, "request_id", req, "url", url)
	return true
}

// BeginFetch moves an awaiting request to fetching and returns it. Unknown
// requests, and requests already being fetched, return false.
func (c *Correlator) BeginFetch(tab types.TabID, req types.RequestID) (Pending, bool) {
	p, ok := c.pending[Key{Tab: tab, Request: req}]
	if !ok || p.Fetching {
		return Pending{}, false
	}
	p.Fetching = true
	return *p, true
}

// Finish removes the request whatever its state. It reports whether it was present.
func (c *Correlator) Finish(tab types.TabID, req types.RequestID) bool {
	key := Key{Tab: tab, Request: req}
	if _, ok := c.pending[key]; !ok {
		return false
	}
	delete(c.pending, key)
	return true
}

// Fail drops a request that will never finish loading. A request already being
// fetched is left for its fetch result to remove.
func (c *Correlator) Fail(tab types.TabID, req types.RequestID) bool {
	key := Key{Tab: tab, Request: req}
	p, ok := c.pending[key]
	if !ok || p.Fetching {
		return false
	}
	delete(c.pending, key)
	return true
}

// DropTab removes the awaiting requests belonging to tab. Requests already
// being fetched stay until their fetch result arrives.
func (c *Correlator) DropTab(tab types.TabID) int {
	n := 0
	for key, p := range c.pending {
		if key.Tab == tab && !p.Fetching {
			delete(c.pending, key)
			n++
		}
	}
	return n
}

// Expire removes awaiting requests first seen before cutoff.
func (c *Correlator) Expire(cutoff time.Time) int {
	n := 0
	for key, p := range c.pending {
		if !p.Fetching && p.Seen.Before(cutoff) {
			delete(c.pending, key)
			n++
		}
	}
	return n
}

func (c *Correlator) lookup(tab types.TabID, req types.RequestID) (Pending, bool) {
	p, ok := c.pending[Key{Tab: tab, Request: req}]
	if !ok {
		return Pending{}, false
	}
	return *p, true
}

func (c *Correlator) Len() int {
	return len(c.pending)
}
