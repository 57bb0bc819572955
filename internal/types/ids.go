package types

import (
	"encoding/json"
	"time"
)

// TabID identifies a browser tab. It is the CDP target ID of a page target.
type TabID string

// RequestID names one network exchange inside a single tab's session.
type RequestID string

// Tab describes an open page target as reported by the browser.
type Tab struct {
	ID    TabID  `json:"id"`
	URL   string `json:"url"`
	Title string `json:"title,omitempty"`
}

// CaptureRecord is the single persisted capture. A new capture replaces it.
type CaptureRecord struct {
	ID        string          `json:"id"`
	URL       string          `json:"url"`
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
}
