package session

import (
	"slices"

	"github.com/dgnsrekt/empire_catcher/internal/types"
	"github.com/samber/lo"
)

type tabState int

const (
	stateAttaching tabState = iota + 1
	stateAttached
)

type entry struct {
	state        tabState
	detachWanted bool
}

// Registry records which tabs have an open instrumentation session.
// It is owned by the lifecycle goroutine and is not safe for concurrent use.
type Registry struct {
	tabs map[types.TabID]*entry
}

func NewRegistry() *Registry {
	return &Registry{tabs: make(map[types.TabID]*entry)}
}

// IsAttached reports whether the tab's session is open and network events are enabled.
func (r *Registry) IsAttached(tab types.TabID) bool {
	e, ok := r.tabs[tab]
	return ok && e.state == stateAttached
}

// Pending reports whether an attach for the tab has been issued but not completed.
func (r *Registry) Pending(tab types.TabID) bool {
	e, ok := r.tabs[tab]
	return ok && e.state == stateAttaching
}

// Has reports whether the tab is attached or being attached.
func (r *Registry) Has(tab types.TabID) bool {
	_, ok := r.tabs[tab]
	return ok
}

func (r *Registry) MarkAttaching(tab types.TabID) {
	if _, ok := r.tabs[tab]; ok {
		return
	}
	r.tabs[tab] = &entry{state: stateAttaching}
}

func (r *Registry) MarkAttached(tab types.TabID) {
	r.tabs[tab] = &entry{state: stateAttached}
}

func (r *Registry) MarkDetached(tab types.TabID) {
	delete(r.tabs, tab)
}

// RequestDetach flags a pending attach to be undone once it completes.
func (r *Registry) RequestDetach(tab types.TabID) {
	if e, ok := r.tabs[tab]; ok && e.state == stateAttaching {
		e.detachWanted = true
	}
}

// CancelDetach clears a flag set by RequestDetach.
func (r *Registry) CancelDetach(tab types.TabID) {
	if e, ok := r.tabs[tab]; ok {
		e.detachWanted = false
	}
}

func (r *Registry) DetachRequested(tab types.TabID) bool {
	e, ok := r.tabs[tab]
	return ok && e.detachWanted
}

// Attached returns the attached tabs in sorted order.
func (r *Registry) Attached() []types.TabID {
	return r.collect(stateAttached)
}

// Attaching returns the tabs with an attach in flight, sorted.
func (r *Registry) Attaching() []types.TabID {
	return r.collect(stateAttaching)
}

// Tracked returns every tab in the registry regardless of state, sorted.
func (r *Registry) Tracked() []types.TabID {
	ids := lo.Keys(r.tabs)
	slices.Sort(ids)
	return ids
}

// Len counts attached tabs only.
func (r *Registry) Len() int {
	return lo.CountBy(lo.Values(r.tabs), func(e *entry) bool { return e.state == stateAttached })
}

func (r *Registry) collect(state tabState) []types.TabID {
	ids := lo.FilterMap(lo.Entries(r.tabs), func(kv lo.Entry[types.TabID, *entry], _ int) (types.TabID, bool) {
		return kv.Key, kv.Value.state == state
	})
	slices.Sort(ids)
	return ids
}
