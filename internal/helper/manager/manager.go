// Package manager drives the tunnel lifecycle for the helper daemon,
// translating protocol requests into internal/tunnel calls and broadcasting
// state transitions as protocol events.
package manager

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/jnmeurisse/fortirdp-go/internal/helper/protocol"
	"github.com/jnmeurisse/fortirdp-go/internal/profile"
	"github.com/jnmeurisse/fortirdp-go/internal/tunnel"
	"github.com/jnmeurisse/fortirdp-go/internal/tunnelcfg"
)

// sensitivePathPrefixes contains paths that should never be accessed via symlinks.
// These paths contain sensitive system data that could leak information if read.
var sensitivePathPrefixes = []string{
	"/etc/shadow",
	"/etc/gshadow",
	"/etc/sudoers",
	"/etc/passwd",
	"/etc/group",
	"/etc/ssh/",
	"/etc/security/",
	"/etc/pam.d/",
	"/etc/krb5.keytab",
	"/root/",
	"/proc/",
	"/sys/",
	"/dev/",
	"/boot/",
	"/var/lib/secrets/",
	"/var/log/",
}

// EventBroadcaster is called to broadcast events to all clients.
type EventBroadcaster func(event *protocol.Event)

// pollInterval is how often the Manager checks for a tunnel state
// transition to broadcast. The tunnel itself has no push-based event
// subscription (only State()/Counters() snapshots), so polling is the
// simplest correct bridge.
const pollInterval = 250 * time.Millisecond

// Manager drives at most one tunnel at a time and translates protocol
// requests/events for it.
type Manager struct {
	opts        tunnelcfg.Options
	broadcaster EventBroadcaster

	mu        sync.RWMutex
	t         *tunnel.Tunnel
	profileID string
}

// NewManager creates a new Manager that starts tunnels with opts.
func NewManager(opts tunnelcfg.Options, broadcaster EventBroadcaster) *Manager {
	return &Manager{
		opts:        opts,
		broadcaster: broadcaster,
	}
}

// HandleRequest processes a request and returns a response.
func (m *Manager) HandleRequest(req *protocol.Request) *protocol.Response {
	switch req.Command {
	case protocol.CommandStart:
		return m.handleStart(req)
	case protocol.CommandTerminate:
		return m.handleTerminate(req)
	case protocol.CommandStatus:
		return m.handleStatus(req)
	default:
		return protocol.NewErrorResponse(req.ID, protocol.ErrCodeInvalidCommand,
			fmt.Sprintf("unknown command: %s", req.Command))
	}
}

func (m *Manager) handleStart(req *protocol.Request) *protocol.Response {
	var params protocol.StartParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return protocol.NewErrorResponse(req.ID, protocol.ErrCodeInvalidParams,
			"invalid start params")
	}

	if err := validateFilePath(params.ClientCertPath); err != nil {
		return protocol.NewErrorResponse(req.ID, protocol.ErrCodeInvalidParams,
			fmt.Sprintf("invalid client cert path: %v", err))
	}
	if err := validateFilePath(params.ClientKeyPath); err != nil {
		return protocol.NewErrorResponse(req.ID, protocol.ErrCodeInvalidParams,
			fmt.Sprintf("invalid client key path: %v", err))
	}

	p := &profile.Profile{
		ID:             params.ProfileID,
		Name:           "helper-connection",
		Firewall:       profile.Endpoint{Host: params.FirewallHost, Port: params.FirewallPort},
		Remote:         profile.Endpoint{Host: params.RemoteHost, Port: params.RemotePort},
		LocalPort:      params.LocalPort,
		Username:       params.Username,
		Password:       params.Password,
		AuthMethod:     profile.AuthMethod(params.AuthMethod),
		Realm:          params.Realm,
		TrustedCert:    params.TrustedCert,
		ClientCertPath: params.ClientCertPath,
		ClientKeyPath:  params.ClientKeyPath,
	}

	if err := p.Validate(); err != nil {
		return protocol.NewErrorResponse(req.ID, protocol.ErrCodeProfileInvalid,
			fmt.Sprintf("invalid profile: %v", err))
	}

	m.mu.Lock()
	if m.t != nil {
		m.mu.Unlock()
		return protocol.NewErrorResponse(req.ID, protocol.ErrCodeInvalidState,
			"cannot start: a tunnel is already running")
	}
	m.profileID = p.ID
	m.mu.Unlock()

	t, err := tunnel.Start(context.Background(), p, m.opts)
	if err != nil {
		m.mu.Lock()
		m.profileID = ""
		m.mu.Unlock()
		return protocol.NewErrorResponse(req.ID, protocol.ErrCodeStartFailed, err.Error())
	}

	m.mu.Lock()
	m.t = t
	m.mu.Unlock()

	go m.watch(t)

	resp, err := protocol.NewSuccessResponse(req.ID, nil)
	if err != nil {
		return protocol.NewErrorResponse(req.ID, protocol.ErrCodeInternalError, err.Error())
	}
	return resp
}

// validateFilePath validates that a file path is safe for use as a client
// certificate/key path. It defends against:
//   - Path traversal attacks (../)
//   - Non-absolute paths
//   - Symlink-based attacks pointing to sensitive system files
func validateFilePath(path string) error {
	if path == "" {
		return nil // Empty paths are allowed (optional fields)
	}

	if strings.Contains(path, "..") {
		return fmt.Errorf("path traversal not allowed")
	}
	if !filepath.IsAbs(path) {
		return fmt.Errorf("path must be absolute")
	}

	realPath, err := resolvePathSafely(path)
	if err != nil {
		if os.IsNotExist(err) {
			// The file doesn't exist; let the login/TLS layer surface the
			// appropriate error instead.
			return nil
		}
		return fmt.Errorf("failed to resolve path: %w", err)
	}

	if isSensitivePath(realPath) {
		return fmt.Errorf("access to sensitive system path not allowed")
	}

	return nil
}

// resolvePathSafely resolves symlinks in a path, handling the case where
// intermediate directories may be symlinks.
func resolvePathSafely(path string) (string, error) {
	if _, err := os.Lstat(path); err != nil {
		return "", err
	}
	return filepath.EvalSymlinks(path)
}

// isSensitivePath checks if a path points to a sensitive system location.
func isSensitivePath(path string) bool {
	cleanPath := filepath.Clean(path)
	for _, prefix := range sensitivePathPrefixes {
		if cleanPath == prefix || strings.HasPrefix(cleanPath, prefix) {
			return true
		}
	}
	return false
}

func (m *Manager) handleTerminate(req *protocol.Request) *protocol.Response {
	m.mu.RLock()
	t := m.t
	m.mu.RUnlock()

	if t == nil {
		return protocol.NewErrorResponse(req.ID, protocol.ErrCodeInvalidState,
			"cannot terminate: no tunnel running")
	}

	t.Terminate()

	resp, err := protocol.NewSuccessResponse(req.ID, nil)
	if err != nil {
		return protocol.NewErrorResponse(req.ID, protocol.ErrCodeInternalError, err.Error())
	}
	return resp
}

func (m *Manager) handleStatus(req *protocol.Request) *protocol.Response {
	m.mu.RLock()
	t := m.t
	profileID := m.profileID
	m.mu.RUnlock()

	result := protocol.StatusResult{State: tunnel.StateReady.String()}
	if t != nil {
		result.State = t.State().String()
		result.ConnectedProfileID = profileID
		if addr := t.LocalAddr(); addr != nil {
			result.LocalAddr = addr.String()
		}
		result.SentBytes, result.ReceivedBytes = t.Counters()
	}

	resp, err := protocol.NewSuccessResponse(req.ID, result)
	if err != nil {
		return protocol.NewErrorResponse(req.ID, protocol.ErrCodeInternalError, err.Error())
	}
	return resp
}

// watch polls t's lifecycle state and broadcasts each transition, clearing
// the active tunnel once it reaches StateStopped.
func (m *Manager) watch(t *tunnel.Tunnel) {
	last := t.State()
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for range ticker.C {
		cur := t.State()
		if cur != last {
			m.broadcastStateChange(last, cur)
			last = cur
		}
		if cur == tunnel.StateStopped {
			m.mu.Lock()
			if m.t == t {
				m.t = nil
				m.profileID = ""
			}
			m.mu.Unlock()
			return
		}
	}
}

func (m *Manager) broadcastStateChange(old, new tunnel.State) {
	event, err := protocol.NewEvent(protocol.EventStateChange, protocol.StateChangeData{
		From: old.String(),
		To:   new.String(),
	})
	if err != nil {
		slog.Error("failed to create state change event", "error", err)
		return
	}
	m.broadcaster(event)
}

// Shutdown gracefully terminates the active tunnel, if any.
func (m *Manager) Shutdown() {
	m.mu.RLock()
	t := m.t
	m.mu.RUnlock()

	if t == nil {
		return
	}

	slog.Info("terminating tunnel before shutdown")
	t.Terminate()
}
