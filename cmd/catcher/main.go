package main

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/dgnsrekt/empire_catcher/internal/api"
	"github.com/dgnsrekt/empire_catcher/internal/browser"
	"github.com/dgnsrekt/empire_catcher/internal/capture"
	"github.com/dgnsrekt/empire_catcher/internal/cdp"
	"github.com/dgnsrekt/empire_catcher/internal/config"
	"github.com/dgnsrekt/empire_catcher/internal/controller"
	"github.com/dgnsrekt/empire_catcher/internal/filter"
	"github.com/dgnsrekt/empire_catcher/internal/indicator"
	"github.com/dgnsrekt/empire_catcher/internal/lifecycle"
	"github.com/dgnsrekt/empire_catcher/internal/netutil"
	"github.com/dgnsrekt/empire_catcher/internal/notify"
	"github.com/dgnsrekt/empire_catcher/internal/relay"
	"github.com/dgnsrekt/empire_catcher/internal/storage"
	"github.com/dgnsrekt/empire_catcher/internal/store"
	"github.com/dgnsrekt/empire_catcher/internal/types"
	"gopkg.in/natefinch/lumberjack.v2"
)

const journalBuffer = 256

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load catcher config", "error", err)
		os.Exit(1)
	}

	if err := setupLogger(cfg.LogLevel, cfg.LogFile); err != nil {
		_, _ = io.WriteString(os.Stderr, "logger setup failed: "+err.Error()+"\n")
		os.Exit(1)
	}

	slog.Info("catcher config loaded",
		"cdp_url", cfg.CDPURL(),
		"api_prefix", cfg.APIPrefix,
		"tab_domain", cfg.TabDomain,
		"state_file", cfg.StateFile,
		"journal_dir", cfg.JournalDir,
		"bind_addr", cfg.BindAddr,
		"launch_browser", cfg.LaunchBrowser,
		"log_level", cfg.LogLevel,
		"log_file", cfg.LogFile,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.LaunchBrowser {
		launcher := browser.NewLauncher(browser.Config{
			CDPAddress: cfg.CDPAddress,
			CDPPort:    cfg.CDPPort,
			StartURL:   cfg.StartURL,
			ProfileDir: cfg.ProfileDir,
		})
		if err := launcher.Launch(ctx); err != nil {
			slog.Error("failed to launch browser", "error", err)
			os.Exit(1)
		}
		defer launcher.Stop()
	}

	st, fresh, err := store.Open(cfg.StateFile)
	if err != nil {
		slog.Error("failed to open state file", "path", cfg.StateFile, "error", err)
		os.Exit(1)
	}

	clk := clock.New()
	journal := storage.NewJournal(cfg.JournalDir, journalBuffer, cfg.JournalMaxSizeMB, clk)
	defer func() { _ = journal.Close() }()
	slog.Info("capture storage ready",
		"state_file", st.Path(),
		"fresh_install", fresh,
		"enabled", st.Enabled(),
		"journal", journal.Path(),
	)

	broker := relay.NewBroker()
	var notifier indicator.Notifier
	if n := notify.New(&http.Client{Timeout: 10 * time.Second}, cfg.NtfyEndpoint); n != nil {
		notifier = n
		slog.Info("capture notifications enabled", "endpoint", n.Endpoint())
	}
	badge := indicator.NewBadge(broker, notifier, clk)
	defer badge.Wait()

	var manager *lifecycle.Manager
	host := cdp.NewHost(cfg.CDPURL(), &http.Client{Timeout: 10 * time.Second}, func(ev types.Event) bool {
		return manager.Deliver(ev)
	})
	manager = lifecycle.New(lifecycle.Config{
		Channel:   host,
		Settings:  st,
		Publisher: capture.NewPublisher(st, badge, clk),
		Journal:   journal,
		APIPrefix: filter.APIPrefix(cfg.APIPrefix),
		TabDomain: filter.TabDomain(cfg.TabDomain),
		Options: lifecycle.Options{
			QueueSize:   cfg.QueueSize,
			CallTimeout: cfg.CallTimeout,
			PendingTTL:  cfg.PendingTTL,
			Clock:       clk,
		},
	})
	st.OnEnabledChanged(func(enabled bool) {
		if !manager.Deliver(types.EnabledChanged{Enabled: enabled}) {
			slog.Warn("enabled change after shutdown", "enabled", enabled)
		}
	})

	if err := host.Start(ctx); err != nil {
		slog.Error("failed to connect to browser", "cdp_url", cfg.CDPURL(), "error", err)
		os.Exit(1)
	}
	defer host.Shutdown()

	managerDone := make(chan error, 1)
	go func() { managerDone <- manager.Run(ctx) }()

	if fresh {
		manager.Deliver(types.Installed{})
	} else {
		manager.Deliver(types.EnabledChanged{Enabled: st.Enabled()})
	}

	bindAddr, err := netutil.SelectBindAddr(cfg.BindAddr, cfg.PortCandidates, cfg.PortAutoFallback)
	if err != nil {
		slog.Error("failed to select bind address", "preferred", cfg.BindAddr, "error", err)
		os.Exit(1)
	}

	svc := controller.NewService(st, badge, manager, cfg.ExportDir)
	srv := &http.Server{Addr: bindAddr, Handler: api.NewServer(svc, relay.SSEHandler(broker))}

	go func() {
		slog.Info("catcher listening", "addr", bindAddr, "docs", "http://"+bindAddr+"/docs")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("catcher server failed", "error", err)
			stop()
		}
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutdown requested")
	case <-host.Done():
		slog.Warn("browser connection lost, shutting down")
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("catcher shutdown failed", "error", err)
	}
	if err := <-managerDone; err != nil {
		slog.Error("session manager stopped with error", "error", err)
	}
}

func setupLogger(level, filename string) error {
	if err := os.MkdirAll(filepath.Dir(filename), 0o755); err != nil {
		return err
	}

	logWriter := &lumberjack.Logger{
		Filename:   filename,
		MaxSize:    25,
		MaxBackups: 10,
		MaxAge:     14,
		Compress:   true,
	}

	var slogLevel slog.Level
	switch level {
	case "debug":
		slogLevel = slog.LevelDebug
	case "warn":
		slogLevel = slog.LevelWarn
	case "error":
		slogLevel = slog.LevelError
	default:
		slogLevel = slog.LevelInfo
	}

	h := slog.NewTextHandler(io.MultiWriter(os.Stdout, logWriter), &slog.HandlerOptions{Level: slogLevel})
	slog.SetDefault(slog.New(h))
	return nil
}
