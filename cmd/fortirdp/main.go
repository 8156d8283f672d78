// Package main provides the entry point for the fortirdp CLI.
//
// fortirdp either runs a tunnel in-process, blocking until it is
// terminated by Ctrl-C, or drives one hosted by fortirdpd over its
// control socket when -daemon is given.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/jnmeurisse/fortirdp-go/internal/client"
	"github.com/jnmeurisse/fortirdp-go/internal/logging"
	"github.com/jnmeurisse/fortirdp-go/internal/profile"
	"github.com/jnmeurisse/fortirdp-go/internal/reconnect"
	"github.com/jnmeurisse/fortirdp-go/internal/stats"
	"github.com/jnmeurisse/fortirdp-go/internal/tunnel"
	"github.com/jnmeurisse/fortirdp-go/internal/tunnelcfg"
)

var version = "dev"

func main() {
	firewall := flag.String("firewall", "", "firewall host:port (required)")
	remote := flag.String("remote", "", "remote host:port behind the firewall (required)")
	localPort := flag.Int("local-port", 0, "local TCP port to listen on (required)")
	username := flag.String("username", "", "username for password/OTP authentication")
	authMethod := flag.String("auth", string(profile.AuthMethodPassword), "auth method: password, otp, certificate, saml")
	realm := flag.String("realm", "", "SAML realm")
	trustedCert := flag.String("trusted-cert", "", "pin the firewall's leaf certificate by its hex SHA-256 fingerprint")
	clientCert := flag.String("client-cert", "", "client certificate path, for -auth=certificate")
	clientKey := flag.String("client-key", "", "client key path, for -auth=certificate")
	reconnectFlag := flag.Bool("reconnect", false, "automatically reconnect on an unexpected carrier drop")
	daemon := flag.Bool("daemon", false, "drive a tunnel hosted by fortirdpd instead of running in-process")
	showVersion := flag.Bool("version", false, "show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("fortirdp %s\n", version)
		os.Exit(0)
	}

	logging.SetupFromEnv()

	p, err := buildProfile(*firewall, *remote, *localPort, *username, *authMethod, *realm, *trustedCert, *clientCert, *clientKey)
	if err != nil {
		slog.Error("invalid profile", "error", err)
		os.Exit(1)
	}

	var password string
	if p.AuthMethod == profile.AuthMethodPassword || p.AuthMethod == profile.AuthMethodOTP {
		password = os.Getenv("FORTIRDP_PASSWORD")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if *daemon {
		runViaDaemon(ctx, p, password)
		return
	}

	runInProcess(ctx, p, password, *reconnectFlag)
}

func buildProfile(firewall, remote string, localPort int, username, authMethod, realm, trustedCert, clientCert, clientKey string) (*profile.Profile, error) {
	fwHost, fwPort, err := splitHostPort(firewall)
	if err != nil {
		return nil, fmt.Errorf("-firewall: %w", err)
	}
	rHost, rPort, err := splitHostPort(remote)
	if err != nil {
		return nil, fmt.Errorf("-remote: %w", err)
	}

	p := &profile.Profile{
		ID:             uuid.New().String(),
		Name:           "fortirdp-cli",
		Firewall:       profile.Endpoint{Host: fwHost, Port: fwPort},
		Remote:         profile.Endpoint{Host: rHost, Port: rPort},
		LocalPort:      localPort,
		Username:       username,
		AuthMethod:     profile.AuthMethod(authMethod),
		Realm:          realm,
		TrustedCert:    trustedCert,
		ClientCertPath: clientCert,
		ClientKeyPath:  clientKey,
	}

	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

func splitHostPort(hostPort string) (string, int, error) {
	if hostPort == "" {
		return "", 0, fmt.Errorf("required")
	}
	host, portStr, err := splitHostPortStrict(hostPort)
	if err != nil {
		return "", 0, err
	}
	return host, portStr, nil
}

func splitHostPortStrict(hostPort string) (string, int, error) {
	var host string
	var port int
	n, err := fmt.Sscanf(hostPort, "%[^:]:%d", &host, &port)
	if err != nil || n != 2 {
		return "", 0, fmt.Errorf("expected host:port, got %q", hostPort)
	}
	return host, port, nil
}

func runInProcess(ctx context.Context, p *profile.Profile, password string, withReconnect bool) {
	p.Password = password
	opts := tunnelcfg.Default()

	startFunc := func(ctx context.Context, p *profile.Profile) (*tunnel.Tunnel, error) {
		return tunnel.Start(ctx, p, opts)
	}

	t, err := startFunc(ctx, p)
	if err != nil {
		slog.Error("failed to start tunnel", "error", err)
		os.Exit(1)
	}

	collector := stats.NewCollector(stats.DefaultPollInterval)
	collector.OnStats(func(s stats.NetworkStats) {
		slog.Debug("tunnel throughput",
			"sent", stats.FormatBytes(s.TxBytes),
			"received", stats.FormatBytes(s.RxBytes),
			"tx_rate", stats.FormatRate(s.TxBytesPerSec),
			"rx_rate", stats.FormatRate(s.RxBytesPerSec))
	})
	collector.Start(t)
	defer collector.Stop()

	var rm *reconnect.Manager
	if withReconnect {
		rm = reconnect.NewManager(reconnect.DefaultConfig(), startFunc)
		rm.SetCallbacks(reconnect.Callbacks{
			OnReconnecting: func(attempt int) {
				slog.Info("reconnecting", "attempt", attempt)
			},
			OnReconnected: func(newTunnel *tunnel.Tunnel) {
				slog.Info("reconnected")
				collector.Stop()
				collector.Start(newTunnel)
				t = newTunnel
			},
			OnFailed: func(err error) {
				slog.Error("reconnect failed", "error", err)
			},
		})
		rm.Supervise(p, t.Fingerprint())
	}

	if addr := t.LocalAddr(); addr != nil {
		slog.Info("tunnel listening", "addr", addr.String())
	}

	waitForStop(ctx, t, rm)
}

// waitForStop blocks until ctx is cancelled (signal) or the tunnel stops
// on its own. On cancellation it cancels any pending reconnect attempt
// and then terminates the tunnel.
func waitForStop(ctx context.Context, t *tunnel.Tunnel, rm *reconnect.Manager) {
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("shutting down")
			if rm != nil {
				rm.Cancel()
			}
			t.Terminate()
			return
		case <-ticker.C:
			if t.State() == tunnel.StateStopped {
				if rm != nil {
					rm.NotifyDropped(context.Background())
					return
				}
				return
			}
		}
	}
}

func runViaDaemon(ctx context.Context, p *profile.Profile, password string) {
	c, err := client.NewHelperClient()
	if err != nil {
		slog.Error("failed to connect to fortirdpd", "error", err)
		os.Exit(1)
	}
	defer c.Close()

	c.OnStateChange(func(old, new string) {
		slog.Info("tunnel state changed", "from", old, "to", new)
	})
	c.OnError(func(err error) {
		slog.Error("tunnel error", "error", err)
	})

	if err := c.Start(ctx, p, &client.StartOptions{Password: password}); err != nil {
		slog.Error("failed to start tunnel", "error", err)
		os.Exit(1)
	}

	<-ctx.Done()
	slog.Info("shutting down")
	if err := c.Terminate(nil); err != nil {
		slog.Warn("failed to terminate tunnel", "error", err)
	}
}
