package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/dgnsrekt/empire_catcher/internal/controller"
	"github.com/dgnsrekt/empire_catcher/internal/indicator"
	"github.com/dgnsrekt/empire_catcher/internal/types"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

type Service interface {
	Settings() controller.SettingsView
	SetEnabled(enabled *bool) (controller.SettingsView, error)
	Capture() (controller.CaptureSummary, error)
	Download() (string, []byte, error)
	Export() (string, error)
	Indicator() indicator.State
	ClearIndicator() (indicator.State, bool)
	Status(ctx context.Context) (controller.StatusView, error)
}

type settingsOutput struct {
	Body controller.SettingsView
}

type captureOutput struct {
	Body controller.CaptureSummary
}

type downloadOutput struct {
	ContentType        string `header:"Content-Type"`
	ContentDisposition string `header:"Content-Disposition"`
	Body               []byte
}

type exportOutput struct {
	Body struct {
		Path string `json:"path"`
	}
}

type indicatorOutput struct {
	Body indicator.State
}

type clearIndicatorOutput struct {
	Body struct {
		Cleared bool            `json:"cleared"`
		State   indicator.State `json:"state"`
	}
}

type statusOutput struct {
	Body controller.StatusView
}

type healthOutput struct {
	Body struct {
		OK bool `json:"ok"`
	}
}

// NewServer builds the control API. events serves the SSE stream on
// /events when non-nil.
func NewServer(svc Service, events http.Handler) http.Handler {
	router := chi.NewMux()
	router.Use(middleware.RequestID)
	router.Use(requestLogger)
	router.Use(middleware.Recoverer)

	cfg := huma.DefaultConfig("Empire Catcher API", "1.0.0")
	cfg.DocsPath = ""
	api := humachi.New(router, cfg)

	router.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		if _, err := w.Write([]byte(docsHTML)); err != nil {
			slog.Debug("docs response write failed", "error", err)
		}
	})
	if events != nil {
		router.Get("/events", events.ServeHTTP)
	}

	huma.Register(api, huma.Operation{OperationID: "health", Method: http.MethodGet, Path: "/health", Summary: "Liveness check", Tags: []string{"Health"}},
		func(ctx context.Context, input *struct{}) (*healthOutput, error) {
			out := &healthOutput{}
			out.Body.OK = true
			return out, nil
		})

	registerSettingsHandlers(api, svc)
	registerCaptureHandlers(api, svc)
	registerIndicatorHandlers(api, svc)

	huma.Register(api, huma.Operation{OperationID: "get-status", Method: http.MethodGet, Path: "/api/v1/status", Summary: "Session manager state, counters and per-code failures", Tags: []string{"Status"}},
		func(ctx context.Context, input *struct{}) (*statusOutput, error) {
			st, err := svc.Status(ctx)
			if err != nil {
				return nil, mapErr(err)
			}
			return &statusOutput{Body: st}, nil
		})

	return router
}

func registerSettingsHandlers(api huma.API, svc Service) {
	huma.Register(api, huma.Operation{OperationID: "get-settings", Method: http.MethodGet, Path: "/api/v1/settings", Summary: "Read the enabled flag", Tags: []string{"Settings"}},
		func(ctx context.Context, input *struct{}) (*settingsOutput, error) {
			return &settingsOutput{Body: svc.Settings()}, nil
		})

	huma.Register(api, huma.Operation{OperationID: "put-settings", Method: http.MethodPut, Path: "/api/v1/settings", Summary: "Enable or disable capturing", Tags: []string{"Settings"}},
		func(ctx context.Context, input *struct {
			Body struct {
				Enabled *bool `json:"enabled" required:"false" doc:"Whether matching tabs are attached and captured"`
			}
		}) (*settingsOutput, error) {
			view, err := svc.SetEnabled(input.Body.Enabled)
			if err != nil {
				return nil, mapErr(err)
			}
			return &settingsOutput{Body: view}, nil
		})
}

func registerCaptureHandlers(api huma.API, svc Service) {
	huma.Register(api, huma.Operation{OperationID: "get-capture", Method: http.MethodGet, Path: "/api/v1/capture", Summary: "Summary of the stored capture", Tags: []string{"Capture"}},
		func(ctx context.Context, input *struct{}) (*captureOutput, error) {
			sum, err := svc.Capture()
			if err != nil {
				return nil, mapErr(err)
			}
			return &captureOutput{Body: sum}, nil
		})

	huma.Register(api, huma.Operation{OperationID: "download-capture", Method: http.MethodGet, Path: "/api/v1/capture/download", Summary: "Download the stored capture as indented JSON", Tags: []string{"Capture"}},
		func(ctx context.Context, input *struct{}) (*downloadOutput, error) {
			name, body, err := svc.Download()
			if err != nil {
				return nil, mapErr(err)
			}
			return &downloadOutput{
				ContentType:        "application/json",
				ContentDisposition: fmt.Sprintf("attachment; filename=%q", name),
				Body:               body,
			}, nil
		})

	huma.Register(api, huma.Operation{OperationID: "export-capture", Method: http.MethodPost, Path: "/api/v1/capture/export", Summary: "Write the stored capture into the export directory", Tags: []string{"Capture"}},
		func(ctx context.Context, input *struct{}) (*exportOutput, error) {
			path, err := svc.Export()
			if err != nil {
				return nil, mapErr(err)
			}
			out := &exportOutput{}
			out.Body.Path = path
			return out, nil
		})
}

func registerIndicatorHandlers(api huma.API, svc Service) {
	huma.Register(api, huma.Operation{OperationID: "get-indicator", Method: http.MethodGet, Path: "/api/v1/indicator", Summary: "Current badge state", Tags: []string{"Indicator"}},
		func(ctx context.Context, input *struct{}) (*indicatorOutput, error) {
			return &indicatorOutput{Body: svc.Indicator()}, nil
		})

	huma.Register(api, huma.Operation{OperationID: "clear-indicator", Method: http.MethodPost, Path: "/api/v1/indicator/clear", Summary: "Acknowledge the capture and clear the badge", Tags: []string{"Indicator"}},
		func(ctx context.Context, input *struct{}) (*clearIndicatorOutput, error) {
			st, cleared := svc.ClearIndicator()
			out := &clearIndicatorOutput{}
			out.Body.Cleared = cleared
			out.Body.State = st
			return out, nil
		})
}

func mapErr(err error) error {
	if err == nil {
		return nil
	}
	var coded *types.CodedError
	if errors.As(err, &coded) {
		switch coded.Code {
		case types.CodeValidation:
			return huma.Error400BadRequest(coded.Message)
		case types.CodeCaptureNotFound:
			return huma.Error404NotFound(coded.Message)
		case types.CodeUnavailable:
			return huma.Error503ServiceUnavailable(coded.Message)
		default:
			return huma.Error500InternalServerError(fmt.Sprintf("%s: %s", coded.Code, coded.Message))
		}
	}
	return huma.Error500InternalServerError(err.Error())
}
