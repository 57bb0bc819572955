package browser

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"sync"
	"time"

	"github.com/chromedp/chromedp"
)

// Config holds browser launch configuration.
type Config struct {
	CDPAddress string
	CDPPort    int
	StartURL   string
	ProfileDir string
	ExecPath   string
	Width      int
	Height     int
}

// Launcher starts a visible Chromium with remote debugging enabled and opens
// the start URL in it.
type Launcher struct {
	cfg Config

	mu      sync.Mutex
	cancel  context.CancelFunc
	running bool
}

func NewLauncher(cfg Config) *Launcher {
	if cfg.Width <= 0 || cfg.Height <= 0 {
		cfg.Width, cfg.Height = 1440, 900
	}
	return &Launcher{cfg: cfg}
}

// detectBrowser finds an available Chrome/Chromium binary.
func detectBrowser() (string, error) {
	candidates := []string{"chromium-browser", "chromium", "google-chrome"}
	for _, name := range candidates {
		if path, err := exec.LookPath(name); err == nil {
			return path, nil
		}
	}
	if runtime.GOOS == "darwin" {
		macPath := "/Applications/Google Chrome.app/Contents/MacOS/Google Chrome"
		if _, err := os.Stat(macPath); err == nil {
			return macPath, nil
		}
	}
	return "", fmt.Errorf("no supported browser found (tried chromium-browser, chromium, google-chrome)")
}

// isPortInUse checks whether a TCP port is already listening.
func isPortInUse(address string, port int) bool {
	conn, err := net.DialTimeout("tcp", net.JoinHostPort(address, strconv.Itoa(port)), time.Second)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

func (l *Launcher) allocatorOptions() []chromedp.ExecAllocatorOption {
	opts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	opts = append(opts,
		chromedp.Flag("headless", false),
		chromedp.Flag("hide-scrollbars", false),
		chromedp.Flag("mute-audio", false),
		chromedp.Flag("remote-debugging-port", strconv.Itoa(l.cfg.CDPPort)),
		chromedp.Flag("remote-debugging-address", l.cfg.CDPAddress),
		chromedp.WindowSize(l.cfg.Width, l.cfg.Height),
	)
	if l.cfg.ProfileDir != "" {
		opts = append(opts, chromedp.UserDataDir(l.cfg.ProfileDir))
	}

	path := l.cfg.ExecPath
	if path == "" {
		if detected, err := detectBrowser(); err == nil {
			path = detected
		}
	}
	if path != "" {
		opts = append(opts, chromedp.ExecPath(path))
	}
	return opts
}

// Launch starts the browser unless something already listens on the CDP port.
func (l *Launcher) Launch(ctx context.Context) error {
	if isPortInUse(l.cfg.CDPAddress, l.cfg.CDPPort) {
		slog.Info("browser already running, skipping launch",
			"address", l.cfg.CDPAddress, "port", l.cfg.CDPPort)
		return nil
	}

	if l.cfg.ProfileDir != "" {
		if err := os.MkdirAll(l.cfg.ProfileDir, 0o755); err != nil {
			return fmt.Errorf("create profile dir: %w", err)
		}
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), l.allocatorOptions()...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)
	cancel := func() {
		browserCancel()
		allocCancel()
	}

	// The first Run starts the process; it must not carry a deadline or the
	// browser is torn down when the deadline passes.
	var actions []chromedp.Action
	if l.cfg.StartURL != "" {
		actions = append(actions, chromedp.Navigate(l.cfg.StartURL))
	}
	if err := chromedp.Run(browserCtx, actions...); err != nil {
		cancel()
		return fmt.Errorf("start browser: %w", err)
	}

	l.mu.Lock()
	l.cancel = cancel
	l.running = true
	l.mu.Unlock()
	slog.Info("browser process started", "start_url", l.cfg.StartURL)

	if err := waitForCDP(ctx, l.cfg.CDPAddress, l.cfg.CDPPort, 15*time.Second); err != nil {
		l.Stop()
		return fmt.Errorf("waiting for CDP: %w", err)
	}
	slog.Info("CDP endpoint ready", "address", l.cfg.CDPAddress, "port", l.cfg.CDPPort)
	return nil
}

// waitForCDP polls the CDP /json/version endpoint until it responds.
func waitForCDP(ctx context.Context, address string, port int, within time.Duration) error {
	url := fmt.Sprintf("http://%s/json/version", net.JoinHostPort(address, strconv.Itoa(port)))
	deadline := time.After(within)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	client := &http.Client{Timeout: time.Second}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline:
			return fmt.Errorf("CDP did not become ready within %s at %s", within, url)
		case <-ticker.C:
			resp, err := client.Get(url)
			if err != nil {
				continue
			}
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}
	}
}

// Running reports whether this launcher spawned a browser process.
func (l *Launcher) Running() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.running
}

// Stop closes the browser this launcher started.
func (l *Launcher) Stop() {
	l.mu.Lock()
	cancel := l.cancel
	l.cancel = nil
	l.running = false
	l.mu.Unlock()

	if cancel == nil {
		return
	}
	slog.Info("stopping browser")
	cancel()
}
