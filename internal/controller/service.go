package controller

import (
	"context"
	"time"

	"github.com/dgnsrekt/empire_catcher/internal/export"
	"github.com/dgnsrekt/empire_catcher/internal/indicator"
	"github.com/dgnsrekt/empire_catcher/internal/lifecycle"
	"github.com/dgnsrekt/empire_catcher/internal/types"
)

// Settings is the durable store seen by the control surface.
type Settings interface {
	Enabled() bool
	SetEnabled(enabled bool) error
	LastCapture() (types.CaptureRecord, bool)
}

// Indicator is the status badge.
type Indicator interface {
	State() indicator.State
	Clear() bool
}

// StatusSource reports session manager state.
type StatusSource interface {
	Status(ctx context.Context) (lifecycle.Status, error)
}

// Service backs the control API: the toggle, the capture summary and
// download, and the badge.
type Service struct {
	settings  Settings
	badge     Indicator
	manager   StatusSource
	exportDir string
}

func NewService(settings Settings, badge Indicator, manager StatusSource, exportDir string) *Service {
	return &Service{settings: settings, badge: badge, manager: manager, exportDir: exportDir}
}

// SettingsView is the public shape of the settings.
type SettingsView struct {
	Enabled bool `json:"enabled"`
}

// CaptureSummary describes the stored capture without its payload.
type CaptureSummary struct {
	ID        string    `json:"id"`
	URL       string    `json:"url"`
	Timestamp time.Time `json:"timestamp"`
	Bytes     int       `json:"bytes"`
	Filename  string    `json:"filename"`
}

// StatusView combines the enabled flag with manager state.
type StatusView struct {
	Enabled bool `json:"enabled"`
	lifecycle.Status
}

func validation(msg string) error {
	return types.NewError(types.CodeValidation, msg, nil)
}

func (s *Service) Settings() SettingsView {
	return SettingsView{Enabled: s.settings.Enabled()}
}

// SetEnabled persists the flag. The store notifies the session manager.
func (s *Service) SetEnabled(enabled *bool) (SettingsView, error) {
	if enabled == nil {
		return SettingsView{}, validation("enabled is required")
	}
	if err := s.settings.SetEnabled(*enabled); err != nil {
		return SettingsView{}, err
	}
	return s.Settings(), nil
}

func (s *Service) capture() (types.CaptureRecord, error) {
	rec, ok := s.settings.LastCapture()
	if !ok || len(rec.Data) == 0 {
		return types.CaptureRecord{}, types.NewError(types.CodeCaptureNotFound, "no capture yet", nil)
	}
	return rec, nil
}

// Capture returns a summary of the stored capture.
func (s *Service) Capture() (CaptureSummary, error) {
	rec, err := s.capture()
	if err != nil {
		return CaptureSummary{}, err
	}
	return CaptureSummary{
		ID:        rec.ID,
		URL:       rec.URL,
		Timestamp: rec.Timestamp,
		Bytes:     len(rec.Data),
		Filename:  export.Filename(rec.URL),
	}, nil
}

// Download renders the stored capture for saving.
func (s *Service) Download() (string, []byte, error) {
	rec, err := s.capture()
	if err != nil {
		return "", nil, err
	}
	body, err := export.Render(rec.Data)
	if err != nil {
		return "", nil, err
	}
	return export.Filename(rec.URL), body, nil
}

// Export writes the stored capture into the export directory.
func (s *Service) Export() (string, error) {
	if s.exportDir == "" {
		return "", types.NewError(types.CodeUnavailable, "export directory not configured", nil)
	}
	rec, err := s.capture()
	if err != nil {
		return "", err
	}
	path, err := export.Write(s.exportDir, rec)
	if err != nil && types.CodeOf(err) == "" {
		return "", types.NewError(types.CodePersistenceFailure, "write export", err)
	}
	return path, err
}

func (s *Service) Indicator() indicator.State {
	return s.badge.State()
}

// ClearIndicator acknowledges the capture and resets the badge.
func (s *Service) ClearIndicator() (indicator.State, bool) {
	cleared := s.badge.Clear()
	return s.badge.State(), cleared
}

func (s *Service) Status(ctx context.Context) (StatusView, error) {
	st, err := s.manager.Status(ctx)
	if err != nil {
		return StatusView{}, err
	}
	return StatusView{Enabled: s.settings.Enabled(), Status: st}, nil
}
