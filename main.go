package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"zher/internal/core"
	"zher/internal/discovery"
	"zher/internal/httpapi"
	"zher/internal/launch"
	"zher/internal/relay"
	"zher/internal/store"
)

func main() {
	dbPath := flag.String("db", "zher.db", "SQLite database path for persisted settings")
	noDiscovery := flag.Bool("no-discovery", false, "start with LAN discovery disabled")
	noBrowser := flag.Bool("no-browser", false, "do not auto-open a browser on startup")
	flag.Parse()

	// zher [host] [port] — two trailing positional arguments, not flags.
	host, port, err := parsePositionalArgs(flag.Args())
	if err != nil {
		log.Fatalf("%v", err)
	}

	addr := net.JoinHostPort(host, strconv.Itoa(port))

	st, err := store.Open(*dbPath)
	if err != nil {
		log.Fatalf("open store: %v", err)
	}
	defer st.Close()

	loadCtx, loadCancel := context.WithTimeout(context.Background(), 5*time.Second)
	enabled, code, err := st.LoadAdmission(loadCtx)
	loadCancel()
	if err != nil {
		log.Fatalf("load admission settings: %v", err)
	}

	state := core.NewState()
	state.SetAdmission(enabled, code)

	relayEngine := relay.NewEngine(state)

	responder := discovery.NewResponder()
	responder.SetEnabled(!*noDiscovery)

	server := httpapi.New(state, relayEngine, responder, st)

	runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := responder.Run(runCtx); err != nil {
			slog.Error("discovery responder stopped", "err", err)
		}
	}()

	go func() {
		ticker := time.NewTicker(core.GracePeriod / 2)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case now := <-ticker.C:
				state.Sweep(now)
			}
		}
	}()

	if !*noBrowser {
		launch.AfterStartup(host, port)
	}

	slog.Info("zher listening", "addr", addr)
	if err := server.Run(runCtx, addr); err != nil {
		log.Fatalf("http server: %v", err)
	}
}

// parsePositionalArgs reads up to two trailing positional arguments,
// "zher [host] [port]", defaulting to 0.0.0.0 and 4836.
func parsePositionalArgs(args []string) (host string, port int, err error) {
	host, port = "0.0.0.0", 4836
	if len(args) > 0 {
		host = args[0]
	}
	if len(args) > 1 {
		port, err = strconv.Atoi(args[1])
		if err != nil {
			return "", 0, fmt.Errorf("invalid port %q: %w", args[1], err)
		}
	}
	if len(args) > 2 {
		return "", 0, fmt.Errorf("unexpected extra arguments: %v", args[2:])
	}
	return host, port, nil
}
