package session

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/dgnsrekt/empire_catcher/internal/filter"
	"github.com/dgnsrekt/empire_catcher/internal/types"
	"github.com/samber/lo"
)

// Controller opens and closes instrumentation sessions and keeps the Registry
// in step with what the browser actually has open.
type Controller struct {
	channel  Channel
	registry *Registry
	domain   filter.TabDomain
	dispatch Dispatcher

	// latest attach attempt per tab; results of older attempts are stale
	attempts    map[types.TabID]uint64
	nextAttempt uint64
}

func NewController(channel Channel, registry *Registry, domain filter.TabDomain, dispatch Dispatcher) *Controller {
	return &Controller{
		channel:  channel,
		registry: registry,
		domain:   domain,
		dispatch: dispatch,
		attempts: make(map[types.TabID]uint64),
	}
}

// Attach opens a session for the tab unless one is open or already being opened.
func (c *Controller) Attach(tab types.TabID) {
	if c.registry.Has(tab) {
		c.registry.CancelDetach(tab)
		slog.Debug("attach skipped, tab already tracked", "tab_id", tab, "pending", c.registry.Pending(tab))
		return
	}

	c.nextAttempt++
	attempt := c.nextAttempt
	c.attempts[tab] = attempt
	c.registry.MarkAttaching(tab)
	slog.Debug("attach issued", "tab_id", tab, "attempt", attempt)
	c.dispatch.Go(func(ctx context.Context) types.Event {
		return AttachResult{Tab: tab, Attempt: attempt, Err: c.open(ctx, tab)}
	})
}

func (c *Controller) open(ctx context.Context, tab types.TabID) error {
	if err := c.channel.Open(ctx, tab); err != nil {
		return types.NewError(types.CodeAttachFailure, fmt.Sprintf("open session for tab %s", tab), err)
	}
	if err := c.channel.EnableNetwork(ctx, tab); err != nil {
		if closeErr := c.channel.Close(ctx, tab); closeErr != nil {
			slog.Debug("half-open session close failed", "tab_id", tab, "error", closeErr)
		}
		return types.NewError(types.CodeAttachFailure, fmt.Sprintf("enable network events for tab %s", tab), err)
	}
	return nil
}

// HandleAttach applies the outcome of an Attach. A failed attach leaves the tab
// untracked so the next navigation can retry it. Results of an attempt that a
// newer Attach superseded are ignored; the newer attempt owns the session.
func (c *Controller) HandleAttach(ev AttachResult) error {
	if c.attempts[ev.Tab] != ev.Attempt {
		slog.Debug("stale attach result ignored", "tab_id", ev.Tab, "attempt", ev.Attempt, "error", ev.Err)
		return nil
	}
	delete(c.attempts, ev.Tab)

	if !c.registry.Pending(ev.Tab) {
		// The session was dropped by the browser while the attach was in flight.
		if ev.Err == nil {
			c.issueClose(ev.Tab)
		}
		return ev.Err
	}
	if ev.Err != nil {
		c.registry.MarkDetached(ev.Tab)
		return ev.Err
	}

	detach := c.registry.DetachRequested(ev.Tab)
	c.registry.MarkAttached(ev.Tab)
	slog.Info("attached to tab", "tab_id", ev.Tab, "domain", string(c.domain))

	if detach {
		c.Detach(ev.Tab)
	}
	return nil
}

// Detach closes the tab's session. The registry entry is removed before the
// close is issued, so the tab counts as detached whatever the close returns.
func (c *Controller) Detach(tab types.TabID) {
	switch {
	case !c.registry.Has(tab):
		return
	case c.registry.Pending(tab):
		c.registry.RequestDetach(tab)
		slog.Debug("detach deferred until attach completes", "tab_id", tab)
		return
	}

	c.registry.MarkDetached(tab)
	slog.Info("detached from tab", "tab_id", tab)
	c.issueClose(tab)
}

func (c *Controller) issueClose(tab types.TabID) {
	c.dispatch.Go(func(ctx context.Context) types.Event {
		var err error
		if closeErr := c.channel.Close(ctx, tab); closeErr != nil {
			err = types.NewError(types.CodeDetachFailure, fmt.Sprintf("close session for tab %s", tab), closeErr)
		}
		return DetachResult{Tab: tab, Err: err}
	})
}

// HandleDetach surfaces a close error. Callers treat it as informational.
func (c *Controller) HandleDetach(ev DetachResult) error {
	return ev.Err
}

// ForcedDetach drops a tab whose session the browser closed on its own.
// No close is issued. It reports whether the tab was tracked.
func (c *Controller) ForcedDetach(tab types.TabID) bool {
	if !c.registry.Has(tab) {
		return false
	}
	c.registry.MarkDetached(tab)
	slog.Info("session dropped by browser", "tab_id", tab)
	return true
}

// Reconcile brings the registry to the desired state: every matching open tab
// attached when enabled, nothing attached when disabled.
func (c *Controller) Reconcile(enabled bool) {
	if !enabled {
		tabs := c.registry.Tracked()
		slog.Info("capture disabled, detaching all tabs", "count", len(tabs))
		for _, tab := range tabs {
			c.Detach(tab)
		}
		return
	}

	slog.Info("capture enabled, looking for tabs", "domain", string(c.domain))
	c.dispatch.Go(func(ctx context.Context) types.Event {
		tabs, err := c.channel.ListTabs(ctx)
		return TabsDiscovered{Tabs: tabs, Err: err}
	})
}

// HandleDiscovered attaches every listed tab on the target domain. The listing
// is ignored when capture was disabled while it was in flight.
func (c *Controller) HandleDiscovered(ev TabsDiscovered, enabled bool) error {
	if ev.Err != nil {
		return types.NewError(types.CodeAttachFailure, "list open tabs", ev.Err)
	}
	if !enabled {
		slog.Debug("tab listing ignored, capture disabled", "count", len(ev.Tabs))
		return nil
	}

	matching := lo.Filter(ev.Tabs, func(t types.Tab, _ int) bool { return c.domain.Match(t.URL) })
	slog.Info("matching tabs found", "count", len(matching), "open", len(ev.Tabs))
	for _, t := range matching {
		c.Attach(t.ID)
	}
	return nil
}

// DetachAll closes every attached session synchronously. It is used on teardown
// when the event loop no longer runs.
func (c *Controller) DetachAll(ctx context.Context) int {
	tabs := c.registry.Attached()
	for _, tab := range tabs {
		c.registry.MarkDetached(tab)
		if err := c.channel.Close(ctx, tab); err != nil {
			slog.Debug("teardown close failed", "tab_id", tab, "error", err)
		}
	}
	for _, tab := range c.registry.Attaching() {
		c.registry.MarkDetached(tab)
	}
	return len(tabs)
}
