package capture

import (
	"encoding/json"
	"log/slog"

	"github.com/benbjohnson/clock"
	"github.com/dgnsrekt/empire_catcher/internal/types"
	"github.com/google/uuid"
)

// CaptureStore persists the single capture slot.
type CaptureStore interface {
	SaveCapture(rec types.CaptureRecord) error
}

// Indicator is told when a new capture is available.
type Indicator interface {
	Alert(rec types.CaptureRecord)
}

// Publisher turns a parsed body into the persisted CaptureRecord.
type Publisher struct {
	store     CaptureStore
	indicator Indicator
	clock     clock.Clock
}

func NewPublisher(store CaptureStore, indicator Indicator, clk clock.Clock) *Publisher {
	if clk == nil {
		clk = clock.New()
	}
	return &Publisher{store: store, indicator: indicator, clock: clk}
}

// Publish overwrites the stored capture and raises the indicator. When the
// store rejects the write the indicator is left alone.
func (p *Publisher) Publish(url string, data json.RawMessage) (types.CaptureRecord, error) {
	rec := types.CaptureRecord{
		ID:        uuid.NewString(),
		URL:       url,
		Data:      data,
		Timestamp: p.clock.Now().UTC(),
	}

	if err := p.store.SaveCapture(rec); err != nil {
		return rec, types.NewError(types.CodePersistenceFailure, "save capture", err)
	}
	slog.Info("capture stored", "id", rec.ID, "url", url, "bytes", len(data))

	if p.indicator != nil {
		p.indicator.Alert(rec)
	}
	return rec, nil
}
