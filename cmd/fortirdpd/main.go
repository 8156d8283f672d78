// Package main provides the entry point for the fortirdpd daemon.
//
// fortirdpd hosts at most one tunnel at a time behind a UNIX control
// socket, so a client process (fortirdp, or anything else speaking the
// NDJSON protocol) can start, watch and terminate it without holding the
// tunnel's goroutines itself.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/jnmeurisse/fortirdp-go/internal/helper/manager"
	"github.com/jnmeurisse/fortirdp-go/internal/helper/protocol"
	"github.com/jnmeurisse/fortirdp-go/internal/helper/server"
	"github.com/jnmeurisse/fortirdp-go/internal/logging"
	"github.com/jnmeurisse/fortirdp-go/internal/tunnelcfg"
)

var (
	version = "dev"
)

func main() {
	socketPath := flag.String("socket", server.DefaultSocketPath, "Path to the UNIX socket")
	socketGroup := flag.String("socket-group", server.DefaultSocketGroup, "Group allowed to access the socket")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("fortirdpd %s\n", version)
		os.Exit(0)
	}

	logging.SetupFromEnv()
	slog.Info("Starting fortirdpd", "version", version)

	// Create thread-safe broadcaster to avoid race condition during initialization
	broadcaster := &safeBroadcaster{}

	mgr := manager.NewManager(tunnelcfg.Default(), broadcaster.Broadcast)
	srv := server.NewServerWithGroup(*socketPath, *socketGroup, mgr.HandleRequest)

	// Now that server is created, set it in the broadcaster
	broadcaster.SetServer(srv)

	if err := srv.Start(); err != nil {
		slog.Error("Failed to start server", "error", err)
		os.Exit(1)
	}

	notifySystemd("READY=1")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go watchdogLoop()

	sig := <-sigChan
	slog.Info("Received shutdown signal", "signal", sig)

	notifySystemd("STOPPING=1")

	mgr.Shutdown()
	if err := srv.Stop(); err != nil {
		slog.Warn("Error stopping server", "error", err)
	}

	slog.Info("Shutdown complete")
}

// notifySystemd sends a notification to systemd.
func notifySystemd(state string) {
	socketPath := os.Getenv("NOTIFY_SOCKET")
	if socketPath == "" {
		return
	}

	conn, err := syscall.Socket(syscall.AF_UNIX, syscall.SOCK_DGRAM, 0)
	if err != nil {
		slog.Warn("Failed to create notify socket", "error", err)
		return
	}
	defer syscall.Close(conn)

	addr := &syscall.SockaddrUnix{Name: socketPath}
	if err := syscall.Sendto(conn, []byte(state), 0, addr); err != nil {
		slog.Warn("Failed to notify systemd", "error", err)
	}
}

// watchdogLoop sends periodic watchdog notifications to systemd.
func watchdogLoop() {
	watchdogUsec := os.Getenv("WATCHDOG_USEC")
	if watchdogUsec == "" {
		return
	}

	var usec int64
	if _, err := fmt.Sscanf(watchdogUsec, "%d", &usec); err != nil {
		slog.Warn("Invalid WATCHDOG_USEC", "value", watchdogUsec)
		return
	}

	// Notify at half the watchdog interval
	interval := usec / 2

	for {
		syscall.Select(0, nil, nil, nil, &syscall.Timeval{
			Sec:  interval / 1000000,
			Usec: interval % 1000000,
		})
		notifySystemd("WATCHDOG=1")
	}
}

// safeBroadcaster provides thread-safe event broadcasting to clients.
// This avoids a race condition during initialization where the server
// might not be set yet when events are broadcast.
type safeBroadcaster struct {
	mu  sync.RWMutex
	srv *server.Server
}

// SetServer sets the server for broadcasting.
func (b *safeBroadcaster) SetServer(srv *server.Server) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.srv = srv
}

// Broadcast sends an event to all connected clients.
func (b *safeBroadcaster) Broadcast(event *protocol.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.srv != nil {
		b.srv.Broadcast(event)
	}
}
