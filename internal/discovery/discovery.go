// Package discovery implements the LAN discovery responder (C1): a single
// UDP socket that answers a fixed probe token with the service's address.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync/atomic"
	"time"
)

// ListenAddr is the fixed UDP address the responder binds.
const ListenAddr = "0.0.0.0:4837"

const (
	probeToken  = "ZHER_DISCOVERY"
	replyToken  = "ZHER_SERVICE:4836"
	readTimeout = 750 * time.Millisecond
)

// Responder answers discovery probes. Enabled can be toggled at runtime
// without tearing down the socket; Run blocks until ctx is cancelled.
type Responder struct {
	enabled atomic.Bool
	running atomic.Bool
}

// NewResponder returns a Responder with replies enabled.
func NewResponder() *Responder {
	r := &Responder{}
	r.enabled.Store(true)
	return r
}

// SetEnabled toggles whether probes receive a reply. Disabling does not
// stop the listener, it only suppresses replies.
func (r *Responder) SetEnabled(enabled bool) { r.enabled.Store(enabled) }

// Enabled reports the current toggle state.
func (r *Responder) Enabled() bool { return r.enabled.Load() }

// Running reports whether Run's read loop is currently active.
func (r *Responder) Running() bool { return r.running.Load() }

// Run binds the UDP socket and serves discovery probes until ctx is
// cancelled. It uses a short read deadline so the loop notices cancellation
// promptly without busy-spinning.
func (r *Responder) Run(ctx context.Context) error {
	conn, err := net.ListenPacket("udp", ListenAddr)
	if err != nil {
		return fmt.Errorf("bind discovery socket: %w", err)
	}
	defer conn.Close()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-stop:
		}
	}()

	r.running.Store(true)
	defer r.running.Store(false)
	slog.Info("discovery responder listening", "addr", ListenAddr)

	buf := make([]byte, 1024)
	for {
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		n, addr, err := conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			slog.Error("discovery recv error", "err", err)
			continue
		}

		if !r.enabled.Load() {
			continue
		}
		if strings.TrimSpace(string(buf[:n])) != probeToken {
			continue
		}
		slog.Debug("discovery probe received", "from", addr)
		if _, err := conn.WriteTo([]byte(replyToken), addr); err != nil {
			slog.Error("discovery reply failed", "from", addr, "err", err)
		}
	}
}
