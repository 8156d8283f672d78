// Package reconnect supervises a tunnel across an unexpected carrier
// drop: it retries the login+start sequence with a fixed backoff, and
// refuses a reconnect outright if the firewall's leaf certificate
// fingerprint ever differs from the one observed on the first successful
// connect.
package reconnect

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/jnmeurisse/fortirdp-go/internal/profile"
	"github.com/jnmeurisse/fortirdp-go/internal/tunnel"
)

// ErrFingerprintChanged is passed to Callbacks.OnFailed when a reconnect
// succeeds but the firewall presents a different leaf certificate than
// the one pinned on the first connect.
var ErrFingerprintChanged = errors.New("reconnect: firewall certificate fingerprint changed since first connect")

// ErrMaxAttemptsReached is passed to Callbacks.OnFailed when the attempt
// budget is exhausted without a successful reconnect.
var ErrMaxAttemptsReached = errors.New("reconnect: max attempts reached")

// StartFunc starts a tunnel for p. Ordinarily tunnel.Start with a fixed
// ctx and tunnelcfg.Options already bound by the caller.
type StartFunc func(ctx context.Context, p *profile.Profile) (*tunnel.Tunnel, error)

// Config holds reconnection configuration.
type Config struct {
	MaxAttempts int
	Delay       time.Duration
}

// DefaultConfig returns default reconnection configuration.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 3,
		Delay:       5 * time.Second,
	}
}

// Callbacks contains optional callbacks for reconnection events.
type Callbacks struct {
	// OnReconnecting is called before each attempt, with the 1-based
	// attempt number.
	OnReconnecting func(attempt int)
	// OnReconnected is called with the new tunnel once an attempt
	// succeeds and its fingerprint matches the one pinned at Supervise.
	OnReconnected func(t *tunnel.Tunnel)
	// OnFailed is called once reconnection gives up, either because the
	// attempt budget is exhausted or because a reconnect's certificate
	// fingerprint did not match.
	OnFailed func(err error)
}

// Manager supervises reconnection for one tunnel at a time. It is safe
// for concurrent use.
type Manager struct {
	mu        sync.Mutex
	cfg       Config
	startFunc StartFunc
	callbacks Callbacks

	p                 *profile.Profile
	pinnedFingerprint []byte
	attempt           int
	timer             *time.Timer
	cancelled         bool
}

// NewManager creates a Manager that uses startFunc to attempt each
// reconnect.
func NewManager(cfg Config, startFunc StartFunc) *Manager {
	return &Manager{
		cfg:       cfg,
		startFunc: startFunc,
	}
}

// SetCallbacks sets the event callbacks.
func (m *Manager) SetCallbacks(cb Callbacks) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks = cb
}

// Supervise records p as the profile to reconnect with and fp as the
// fingerprint to pin, and resets the attempt counter. Call this once a
// tunnel has come up successfully.
func (m *Manager) Supervise(p *profile.Profile, fp []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	profileCopy := *p
	m.p = &profileCopy
	m.pinnedFingerprint = fp
	m.attempt = 0
	m.cancelled = false
}

// AttemptCount returns the number of reconnect attempts made since the
// last Supervise call.
func (m *Manager) AttemptCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempt
}

// NotifyDropped schedules a reconnect attempt after Config.Delay, unless
// the attempt budget is already exhausted or Cancel was called. ctx
// governs the eventual reconnect attempt, not the delay itself.
func (m *Manager) NotifyDropped(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scheduleLocked(ctx)
}

// scheduleLocked must be called with m.mu held.
func (m *Manager) scheduleLocked(ctx context.Context) {
	if m.cancelled || m.p == nil {
		return
	}
	if m.attempt >= m.cfg.MaxAttempts {
		slog.Warn("reconnect: max attempts reached, giving up",
			"profile", m.p.Name, "attempts", m.attempt, "max", m.cfg.MaxAttempts)
		m.fireFailedLocked(ErrMaxAttemptsReached)
		return
	}

	if m.timer != nil {
		m.timer.Stop()
	}
	m.timer = time.AfterFunc(m.cfg.Delay, func() { m.performReconnect(ctx) })
}

// Cancel stops any pending reconnect attempt and prevents further ones
// until the next Supervise call (e.g. on a user-requested disconnect).
func (m *Manager) Cancel() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancelled = true
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

func (m *Manager) performReconnect(ctx context.Context) {
	m.mu.Lock()
	if m.cancelled || m.p == nil {
		m.mu.Unlock()
		return
	}
	m.attempt++
	attempt := m.attempt
	p := m.p
	pinned := m.pinnedFingerprint
	onReconnecting := m.callbacks.OnReconnecting
	m.mu.Unlock()

	slog.Info("reconnect: attempting", "profile", p.Name, "attempt", attempt, "max", m.cfg.MaxAttempts)
	if onReconnecting != nil {
		onReconnecting(attempt)
	}

	t, err := m.startFunc(ctx, p)
	if err != nil {
		slog.Warn("reconnect: attempt failed", "profile", p.Name, "attempt", attempt, "error", err)
		m.mu.Lock()
		m.scheduleLocked(ctx)
		m.mu.Unlock()
		return
	}

	fp := t.Fingerprint()
	if len(pinned) > 0 && !fingerprintEqual(fp, pinned) {
		slog.Error("reconnect: firewall certificate fingerprint changed since first connect, refusing to proceed",
			"profile", p.Name)
		t.Terminate()
		m.mu.Lock()
		m.fireFailedLocked(ErrFingerprintChanged)
		m.mu.Unlock()
		return
	}

	m.mu.Lock()
	m.attempt = 0
	onReconnected := m.callbacks.OnReconnected
	m.mu.Unlock()

	if onReconnected != nil {
		onReconnected(t)
	}
}

// fireFailedLocked calls OnFailed; must be called with m.mu held.
func (m *Manager) fireFailedLocked(err error) {
	if m.callbacks.OnFailed != nil {
		m.callbacks.OnFailed(err)
	}
}

func fingerprintEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
