package browser

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"
)

func hostPort(t *testing.T, addr string) (string, int) {
	t.Helper()
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatalf("SplitHostPort(%q) error = %v", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("Atoi(%q) error = %v", portStr, err)
	}
	return host, port
}

func TestIsPortInUse(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	host, port := hostPort(t, ln.Addr().String())

	if !isPortInUse(host, port) {
		t.Fatalf("isPortInUse(%s, %d) = false; want true", host, port)
	}
	ln.Close()
	if isPortInUse(host, port) {
		t.Fatalf("isPortInUse(%s, %d) after close = true; want false", host, port)
	}
}

func TestLaunchSkipsWhenPortBusy(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	defer ln.Close()
	host, port := hostPort(t, ln.Addr().String())

	l := NewLauncher(Config{CDPAddress: host, CDPPort: port, StartURL: "https://empire.edu.vn/"})
	if err := l.Launch(context.Background()); err != nil {
		t.Fatalf("Launch() error = %v; want nil", err)
	}
	if l.Running() {
		t.Fatal("Running() = true; want false when an existing browser is reused")
	}
	l.Stop()
}

func TestWaitForCDP(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/json/version" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(`{"Browser":"Chrome"}`))
	}))
	defer srv.Close()
	host, port := hostPort(t, srv.Listener.Addr().String())

	if err := waitForCDP(context.Background(), host, port, 2*time.Second); err != nil {
		t.Fatalf("waitForCDP() error = %v", err)
	}

	srv.Close()
	if err := waitForCDP(context.Background(), host, port, 300*time.Millisecond); err == nil {
		t.Fatal("waitForCDP() on closed server = nil; want error")
	}
}

func TestNewLauncherDefaultsWindowSize(t *testing.T) {
	l := NewLauncher(Config{})
	if l.cfg.Width != 1440 || l.cfg.Height != 900 {
		t.Fatalf("window = %dx%d; want 1440x900", l.cfg.Width, l.cfg.Height)
	}

	withProfile := NewLauncher(Config{ProfileDir: t.TempDir(), ExecPath: "/usr/bin/chromium"})
	if got, base := len(withProfile.allocatorOptions()), len(NewLauncher(Config{ExecPath: "/usr/bin/chromium"}).allocatorOptions()); got != base+1 {
		t.Fatalf("allocatorOptions() with profile = %d options; want %d", got, base+1)
	}
}
