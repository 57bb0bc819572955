package session

import (
	"context"

	"github.com/dgnsrekt/empire_catcher/internal/types"
)

// Channel is the host-side instrumentation channel, one session per tab.
// Implementations must be safe for concurrent use.
type Channel interface {
	Open(ctx context.Context, tab types.TabID) error
	EnableNetwork(ctx context.Context, tab types.TabID) error
	Close(ctx context.Context, tab types.TabID) error
	FetchBody(ctx context.Context, tab types.TabID, req types.RequestID) ([]byte, error)
	ListTabs(ctx context.Context) ([]types.Tab, error)
}

// Dispatcher runs a blocking channel call off the event loop. The event returned
// by fn, if non-nil, is fed back into the loop.
type Dispatcher interface {
	Go(fn func(ctx context.Context) types.Event)
}

// AttachResult completes an Attach. Attempt identifies the Attach call.
type AttachResult struct {
	Tab     types.TabID
	Attempt uint64
	Err     error
}

// DetachResult completes the close issued by Detach.
type DetachResult struct {
	Tab types.TabID
	Err error
}

// TabsDiscovered completes the tab listing issued by Reconcile(true).
type TabsDiscovered struct {
	Tabs []types.Tab
	Err  error
}

func (AttachResult) EventName() string   { return "attach_result" }
func (DetachResult) EventName() string   { return "detach_result" }
func (TabsDiscovered) EventName() string { return "tabs_discovered" }
