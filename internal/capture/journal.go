package capture

import (
	"time"

	"github.com/dgnsrekt/empire_catcher/internal/types"
)

const (
	OutcomeCaptured        = "captured"
	OutcomeEmpty           = "empty"
	OutcomeMalformed       = "malformed"
	OutcomeRetrievalFailed = "retrieval_failed"
	OutcomePersistFailed   = "persist_failed"
)

// previewBytes bounds how much of a rejected body is kept in the journal.
const previewBytes = 512

// JournalEntry is one line of the capture journal: what happened to a body.
type JournalEntry struct {
	Timestamp time.Time `json:"timestamp"`
	TabID     string    `json:"tab_id"`
	RequestID string    `json:"request_id"`
	URL       string    `json:"url"`
	Outcome   string    `json:"outcome"`
	Size      int       `json:"size"`
	SHA256    string    `json:"sha256,omitempty"`
	Preview   string    `json:"preview,omitempty"`
	Truncated bool      `json:"truncated,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// NewJournalEntry describes the outcome of one body retrieval. A preview of
// the body is kept only for malformed payloads.
func NewJournalEntry(at time.Time, tab types.TabID, req types.RequestID, url, outcome string, body []byte, err error) JournalEntry {
	entry := JournalEntry{
		Timestamp: at.UTC(),
		TabID:     string(tab),
		RequestID: string(req),
		URL:       url,
		Outcome:   outcome,
		Size:      len(body),
		SHA256:    digest(body),
	}
	if outcome == OutcomeMalformed {
		preview, truncated := truncateBytes(body, previewBytes)
		entry.Preview = string(preview)
		entry.Truncated = truncated
	}
	if err != nil {
		entry.Error = err.Error()
	}
	return entry
}
