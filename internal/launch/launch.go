// Package launch opens the system's default browser at startup, the
// last step of the CLI's startup sequence.
package launch

import (
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"runtime"
	"time"
)

// IsDesktopEnvironment reports whether a graphical session is plausibly
// available to open a browser in. Mobile/embedded targets (no DISPLAY, no
// WAYLAND_DISPLAY, and not Windows/macOS) are assumed headless.
func IsDesktopEnvironment() bool {
	if runtime.GOOS == "windows" || runtime.GOOS == "darwin" {
		return true
	}
	_, hasDisplay := os.LookupEnv("DISPLAY")
	_, hasWayland := os.LookupEnv("WAYLAND_DISPLAY")
	return hasDisplay || hasWayland
}

// OpenBrowser opens url in the system's default browser. Failures are
// logged, never fatal — the server keeps running whether or not a browser
// opened.
func OpenBrowser(url string) {
	cmd, args := openCommandFor(runtime.GOOS, url)
	if cmd == "" {
		slog.Warn("no known browser opener for this platform", "os", runtime.GOOS)
		return
	}
	if err := exec.Command(cmd, args...).Start(); err != nil {
		slog.Warn("failed to open browser", "url", url, "err", err)
	}
}

func openCommandFor(goos, url string) (string, []string) {
	switch goos {
	case "windows":
		return "rundll32", []string{"url.dll,FileProtocolHandler", url}
	case "darwin":
		return "open", []string{url}
	default:
		return "xdg-open", []string{url}
	}
}

// AfterStartup schedules a browser open a short delay after the server
// starts listening, giving the HTTP server time to accept connections, and
// only when a desktop environment is detected.
func AfterStartup(host string, port int) {
	if !IsDesktopEnvironment() {
		slog.Debug("skipping browser auto-open", "reason", "no desktop environment detected")
		return
	}
	url := browserURL(host, port)
	go func() {
		time.Sleep(500 * time.Millisecond)
		OpenBrowser(url)
	}()
}

func browserURL(host string, port int) string {
	if host == "0.0.0.0" || host == "" {
		host = "127.0.0.1"
	}
	return fmt.Sprintf("http://%s:%d", host, port)
}
