package api

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/dgnsrekt/empire_catcher/internal/controller"
	"github.com/dgnsrekt/empire_catcher/internal/indicator"
	"github.com/dgnsrekt/empire_catcher/internal/lifecycle"
	"github.com/dgnsrekt/empire_catcher/internal/relay"
	"github.com/dgnsrekt/empire_catcher/internal/types"
)

type stubService struct {
	enabled    bool
	capture    *controller.CaptureSummary
	body       []byte
	exportErr  error
	badge      indicator.State
	clearCalls int
}

func (s *stubService) Settings() controller.SettingsView {
	return controller.SettingsView{Enabled: s.enabled}
}

func (s *stubService) SetEnabled(enabled *bool) (controller.SettingsView, error) {
	if enabled == nil {
		return controller.SettingsView{}, types.NewError(types.CodeValidation, "enabled is required", nil)
	}
	s.enabled = *enabled
	return s.Settings(), nil
}

func (s *stubService) Capture() (controller.CaptureSummary, error) {
	if s.capture == nil {
		return controller.CaptureSummary{}, types.NewError(types.CodeCaptureNotFound, "no capture yet", nil)
	}
	return *s.capture, nil
}

func (s *stubService) Download() (string, []byte, error) {
	if s.capture == nil {
		return "", nil, types.NewError(types.CodeCaptureNotFound, "no capture yet", nil)
	}
	return s.capture.Filename, s.body, nil
}

func (s *stubService) Export() (string, error) {
	if s.exportErr != nil {
		return "", s.exportErr
	}
	return "/tmp/exports/" + s.capture.Filename, nil
}

func (s *stubService) Indicator() indicator.State { return s.badge }

func (s *stubService) ClearIndicator() (indicator.State, bool) {
	s.clearCalls++
	was := s.badge.Mode == indicator.ModeAlert
	s.badge = indicator.State{Mode: indicator.ModeClear}
	return s.badge, was
}

func (s *stubService) Status(context.Context) (controller.StatusView, error) {
	return controller.StatusView{
		Enabled: s.enabled,
		Status:  lifecycle.Status{State: "running", Failures: map[string]int{types.CodeAttachFailure: 2}},
	}, nil
}

func withCapture(s *stubService) *stubService {
	s.capture = &controller.CaptureSummary{
		ID:       "c1",
		URL:      "https://api.empire.io.vn/api/v1/courses/intro-go",
		Bytes:    9,
		Filename: "intro-go.json",
	}
	s.body = []byte("{\n  \"id\": 42\n}\n")
	return s
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestDocsRoute(t *testing.T) {
	h := NewServer(&stubService{}, nil)
	rec := do(t, h, http.MethodGet, "/docs", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "/openapi.json") {
		t.Fatal("docs page does not reference the OpenAPI document")
	}
}

func TestOpenAPIListsCatcherRoutes(t *testing.T) {
	h := NewServer(&stubService{}, nil)
	rec := do(t, h, http.MethodGet, "/openapi.json", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	for _, p := range []string{"/api/v1/settings", "/api/v1/capture/download", "/api/v1/indicator/clear", "/api/v1/status"} {
		if !strings.Contains(rec.Body.String(), p) {
			t.Fatalf("openapi document missing %s", p)
		}
	}
}

func TestHealth(t *testing.T) {
	rec := do(t, NewServer(&stubService{}, nil), http.MethodGet, "/health", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"ok":true`) {
		t.Fatalf("unexpected health response %d %s", rec.Code, rec.Body.String())
	}
}

func TestSettingsRoundTrip(t *testing.T) {
	svc := &stubService{enabled: true}
	h := NewServer(svc, nil)

	rec := do(t, h, http.MethodGet, "/api/v1/settings", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"enabled":true`) {
		t.Fatalf("unexpected settings %d %s", rec.Code, rec.Body.String())
	}

	rec = do(t, h, http.MethodPut, "/api/v1/settings", `{"enabled":false}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if svc.enabled {
		t.Fatal("flag not forwarded to the service")
	}
}

func TestSettingsMissingFlagIsBadRequest(t *testing.T) {
	rec := do(t, NewServer(&stubService{enabled: true}, nil), http.MethodPut, "/api/v1/settings", `{}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestCaptureNotFound(t *testing.T) {
	h := NewServer(&stubService{}, nil)
	for _, path := range []string{"/api/v1/capture", "/api/v1/capture/download"} {
		if rec := do(t, h, http.MethodGet, path, ""); rec.Code != http.StatusNotFound {
			t.Fatalf("%s: expected 404, got %d", path, rec.Code)
		}
	}
}

func TestCaptureSummary(t *testing.T) {
	rec := do(t, NewServer(withCapture(&stubService{}), nil), http.MethodGet, "/api/v1/capture", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var got controller.CaptureSummary
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Filename != "intro-go.json" || got.ID != "c1" {
		t.Fatalf("unexpected summary %+v", got)
	}
}

func TestDownloadSetsAttachmentHeaders(t *testing.T) {
	svc := withCapture(&stubService{})
	rec := do(t, NewServer(svc, nil), http.MethodGet, "/api/v1/capture/download", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if cd := rec.Header().Get("Content-Disposition"); cd != `attachment; filename="intro-go.json"` {
		t.Fatalf("unexpected Content-Disposition %q", cd)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "application/json") {
		t.Fatalf("unexpected Content-Type %q", ct)
	}
	if rec.Body.String() != string(svc.body) {
		t.Fatalf("body changed in transit: %q", rec.Body.String())
	}
}

func TestExportErrors(t *testing.T) {
	svc := withCapture(&stubService{exportErr: types.NewError(types.CodeUnavailable, "export directory not configured", nil)})
	rec := do(t, NewServer(svc, nil), http.MethodPost, "/api/v1/capture/export", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}

	svc.exportErr = types.NewError(types.CodePersistenceFailure, "write export", nil)
	rec = do(t, NewServer(svc, nil), http.MethodPost, "/api/v1/capture/export", "")
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), types.CodePersistenceFailure) {
		t.Fatalf("error code missing from body: %s", rec.Body.String())
	}
}

func TestExportReturnsPath(t *testing.T) {
	rec := do(t, NewServer(withCapture(&stubService{}), nil), http.MethodPost, "/api/v1/capture/export", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "intro-go.json") {
		t.Fatalf("unexpected export response %d %s", rec.Code, rec.Body.String())
	}
}

func TestIndicatorClear(t *testing.T) {
	svc := &stubService{badge: indicator.State{Mode: indicator.ModeAlert, Text: "!"}}
	h := NewServer(svc, nil)

	rec := do(t, h, http.MethodGet, "/api/v1/indicator", "")
	if !strings.Contains(rec.Body.String(), `"mode":"alert"`) {
		t.Fatalf("unexpected indicator %s", rec.Body.String())
	}

	rec = do(t, h, http.MethodPost, "/api/v1/indicator/clear", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"cleared":true`) || !strings.Contains(rec.Body.String(), `"mode":"clear"`) {
		t.Fatalf("unexpected clear response %s", rec.Body.String())
	}

	rec = do(t, h, http.MethodPost, "/api/v1/indicator/clear", "")
	if !strings.Contains(rec.Body.String(), `"cleared":false`) {
		t.Fatalf("second clear should report no change: %s", rec.Body.String())
	}
}

func TestStatus(t *testing.T) {
	rec := do(t, NewServer(&stubService{enabled: true}, nil), http.MethodGet, "/api/v1/status", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := rec.Body.String()
	for _, want := range []string{`"enabled":true`, `"state":"running"`, `"ATTACH_FAILURE":2`} {
		if !strings.Contains(body, want) {
			t.Fatalf("status missing %s: %s", want, body)
		}
	}
}

func TestEventsStreamReplaysLatest(t *testing.T) {
	broker := relay.NewBroker()
	if _, err := broker.PublishJSON(indicator.FeedIndicator, indicator.State{Mode: indicator.ModeAlert, Text: "!"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	srv := httptest.NewServer(NewServer(&stubService{}, relay.SSEHandler(broker)))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/events?feeds=indicator", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("get events: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected Content-Type %q", ct)
	}

	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		line := sc.Text()
		if strings.HasPrefix(line, "data:") {
			if !strings.Contains(line, `"mode":"alert"`) {
				t.Fatalf("unexpected replayed event %q", line)
			}
			return
		}
	}
	t.Fatalf("stream ended without data: %v", sc.Err())
}
