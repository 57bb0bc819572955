package types

// Event is anything the lifecycle manager consumes from its queue.
type Event interface {
	EventName() string
}

// Installed is posted once on a fresh install (no persisted state yet).
type Installed struct{}

// EnabledChanged carries the new value of the persisted enabled flag.
type EnabledChanged struct {
	Enabled bool
}

// TabNavigated reports that a tab now shows URL.
type TabNavigated struct {
	Tab TabID
	URL string
}

// TabRemoved reports that a tab was closed.
type TabRemoved struct {
	Tab TabID
}

// ForcedDetach reports that the browser dropped a tab's session on its own.
type ForcedDetach struct {
	Tab    TabID
	Reason string
}

// ResponseStarted is Network.responseReceived for an attached tab.
type ResponseStarted struct {
	Tab     TabID
	Request RequestID
	URL     string
}

// LoadingFinished is Network.loadingFinished for an attached tab.
type LoadingFinished struct {
	Tab     TabID
	Request RequestID
}

// LoadingFailed is Network.loadingFailed for an attached tab.
type LoadingFailed struct {
	Tab     TabID
	Request RequestID
	Reason  string
}

func (Installed) EventName() string       { return "installed" }
func (EnabledChanged) EventName() string  { return "enabled_changed" }
func (TabNavigated) EventName() string    { return "tab_navigated" }
func (TabRemoved) EventName() string      { return "tab_removed" }
func (ForcedDetach) EventName() string    { return "forced_detach" }
func (ResponseStarted) EventName() string { return "response_started" }
func (LoadingFinished) EventName() string { return "loading_finished" }
func (LoadingFailed) EventName() string   { return "loading_failed" }
