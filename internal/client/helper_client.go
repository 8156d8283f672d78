// Package client provides the client for communicating with the helper daemon.
package client

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jnmeurisse/fortirdp-go/internal/helper/protocol"
	"github.com/jnmeurisse/fortirdp-go/internal/helper/server"
	"github.com/jnmeurisse/fortirdp-go/internal/profile"
)

const (
	// DefaultTimeout for RPC calls.
	DefaultTimeout = 30 * time.Second
)

// ErrHelperNotAvailable is returned when the helper daemon is not running.
var ErrHelperNotAvailable = errors.New("helper daemon not available")

// StartOptions carries the secrets the caller supplies at connect time
// that a persisted profile never holds (see profile.Profile.Password).
type StartOptions struct {
	Password string
}

// HelperClient drives a tunnel hosted by the helper daemon over its NDJSON
// control socket.
type HelperClient struct {
	socketPath string
	conn       net.Conn
	reader     *bufio.Reader

	mu            sync.RWMutex
	status        protocol.StatusResult
	onStateChange func(old, new string)
	onError       func(err error)

	// writeMu serializes NDJSON writes to prevent interleaved JSON lines
	writeMu sync.Mutex

	// Pending requests waiting for responses
	pendingMu sync.Mutex
	pending   map[string]chan *protocol.Response

	// Close channel
	closeChan chan struct{}
	closeOnce sync.Once
}

// NewHelperClient creates a new client connected to the helper daemon.
func NewHelperClient() (*HelperClient, error) {
	return NewHelperClientWithPath(server.DefaultSocketPath)
}

// NewHelperClientWithPath creates a new client connected to the helper daemon at the given path.
func NewHelperClientWithPath(socketPath string) (*HelperClient, error) {
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHelperNotAvailable, err)
	}

	client := &HelperClient{
		socketPath: socketPath,
		conn:       conn,
		reader:     bufio.NewReader(conn),
		status:     protocol.StatusResult{State: "ready"},
		pending:    make(map[string]chan *protocol.Response),
		closeChan:  make(chan struct{}),
	}

	// Start event reader goroutine
	go client.readLoop()

	// Sync initial state
	if err := client.syncState(); err != nil {
		if closeErr := client.Close(); closeErr != nil {
			slog.Warn("Failed to close client after sync error", "error", closeErr)
		}
		return nil, err
	}

	return client, nil
}

// IsHelperAvailable checks if the helper daemon is available.
func IsHelperAvailable() bool {
	return IsHelperAvailableAt(server.DefaultSocketPath)
}

// IsHelperAvailableAt checks if the helper daemon is available at the given path.
func IsHelperAvailableAt(socketPath string) bool {
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return false
	}
	_ = conn.Close() // Error intentionally ignored; we only check connectivity
	return true
}

// Close closes the connection to the helper daemon.
func (c *HelperClient) Close() error {
	var closeErr error
	c.closeOnce.Do(func() {
		close(c.closeChan)
		if c.conn != nil {
			closeErr = c.conn.Close()
		}
	})
	return closeErr
}

// Status returns the last known tunnel status, fetched when the client
// connects and refreshed on every state_change event.
func (c *HelperClient) Status() protocol.StatusResult {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

// CanStart returns true if a tunnel can be started (none is currently
// running).
func (c *HelperClient) CanStart() bool {
	s := c.Status().State
	return s == "ready" || s == "stopped"
}

// CanTerminate returns true if a running tunnel can be terminated.
func (c *HelperClient) CanTerminate() bool {
	s := c.Status().State
	return s == "connecting" || s == "running"
}

// Start asks the daemon to establish a tunnel for p.
func (c *HelperClient) Start(ctx context.Context, p *profile.Profile, opts *StartOptions) error {
	if opts == nil {
		opts = &StartOptions{}
	}

	params := protocol.StartParams{
		ProfileID:      p.ID,
		FirewallHost:   p.Firewall.Host,
		FirewallPort:   p.Firewall.Port,
		RemoteHost:     p.Remote.Host,
		RemotePort:     p.Remote.Port,
		LocalPort:      p.LocalPort,
		Username:       p.Username,
		Password:       opts.Password,
		AuthMethod:     string(p.AuthMethod),
		Realm:          p.Realm,
		TrustedCert:    p.TrustedCert,
		ClientCertPath: p.ClientCertPath,
		ClientKeyPath:  p.ClientKeyPath,
	}

	_, err := c.sendRequest(ctx, protocol.CommandStart, params)
	return err
}

// Terminate tears down the active tunnel.
// If ctx is nil, a default timeout context will be used.
func (c *HelperClient) Terminate(ctx context.Context) error {
	if ctx == nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), DefaultTimeout)
		defer cancel()
	}

	_, err := c.sendRequest(ctx, protocol.CommandTerminate, protocol.TerminateParams{})
	return err
}

// OnStateChange registers a callback for state changes.
func (c *HelperClient) OnStateChange(callback func(old, new string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onStateChange = callback
}

// OnError registers a callback for errors.
func (c *HelperClient) OnError(callback func(err error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onError = callback
}

func (c *HelperClient) syncState() error {
	ctx, cancel := context.WithTimeout(context.Background(), DefaultTimeout)
	defer cancel()

	resp, err := c.sendRequest(ctx, protocol.CommandStatus, protocol.StatusParams{})
	if err != nil {
		return err
	}

	var status protocol.StatusResult
	if err := json.Unmarshal(resp.Result, &status); err != nil {
		return fmt.Errorf("failed to parse status: %w", err)
	}

	c.mu.Lock()
	c.status = status
	c.mu.Unlock()

	return nil
}

func (c *HelperClient) sendRequest(ctx context.Context, cmd protocol.Command, params interface{}) (*protocol.Response, error) {
	id := uuid.New().String()

	req, err := protocol.NewRequest(id, cmd, params)
	if err != nil {
		return nil, err
	}

	// Create response channel
	respChan := make(chan *protocol.Response, 1)
	c.pendingMu.Lock()
	c.pending[id] = respChan
	c.pendingMu.Unlock()

	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	// Send request - serialize writes to prevent interleaved JSON lines
	c.writeMu.Lock()
	data, err := json.Marshal(req)
	if err != nil {
		c.writeMu.Unlock()
		return nil, err
	}
	data = append(data, '\n')

	_, writeErr := c.conn.Write(data)
	c.writeMu.Unlock()

	if writeErr != nil {
		return nil, fmt.Errorf("failed to send request: %w", writeErr)
	}

	// Wait for response
	select {
	case resp := <-respChan:
		if !resp.Success {
			if resp.Error != nil {
				return nil, fmt.Errorf("%s: %s", resp.Error.Code, resp.Error.Message)
			}
			return nil, errors.New("request failed with unknown error")
		}
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.closeChan:
		return nil, errors.New("client closed")
	}
}

func (c *HelperClient) readLoop() {
	for {
		select {
		case <-c.closeChan:
			return
		default:
		}

		line, err := c.reader.ReadBytes('\n')
		if err != nil {
			if err != io.EOF && !errors.Is(err, net.ErrClosed) {
				slog.Error("Read error from helper", "error", err)
			}
			return
		}

		c.handleMessage(line)
	}
}

func (c *HelperClient) handleMessage(data []byte) {
	// Try to determine message type
	var msg struct {
		Type protocol.MessageType `json:"type"`
		ID   string               `json:"id,omitempty"`
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		slog.Warn("Invalid message from helper", "error", err)
		return
	}

	switch msg.Type {
	case protocol.MessageTypeResponse:
		var resp protocol.Response
		if err := json.Unmarshal(data, &resp); err != nil {
			slog.Warn("Invalid response from helper", "error", err)
			return
		}
		c.handleResponse(&resp)

	case protocol.MessageTypeEvent:
		var event protocol.Event
		if err := json.Unmarshal(data, &event); err != nil {
			slog.Warn("Invalid event from helper", "error", err)
			return
		}
		c.handleEvent(&event)

	default:
		// Log unknown message types for debugging (forward compatibility)
		truncatedData := string(data)
		if len(truncatedData) > 200 {
			truncatedData = truncatedData[:200] + "..."
		}
		slog.Warn("Unknown message type from helper",
			"type", msg.Type,
			"data", truncatedData)
	}
}

func (c *HelperClient) handleResponse(resp *protocol.Response) {
	c.pendingMu.Lock()
	ch, ok := c.pending[resp.ID]
	c.pendingMu.Unlock()

	if ok {
		select {
		case ch <- resp:
		default:
		}
	}
}

func (c *HelperClient) handleEvent(event *protocol.Event) {
	switch event.Name {
	case protocol.EventStateChange:
		var data protocol.StateChangeData
		if err := json.Unmarshal(event.Data, &data); err != nil {
			slog.Warn("Invalid state change event", "error", err)
			return
		}
		c.mu.Lock()
		oldState := c.status.State
		c.status.State = data.To
		if data.To == "stopped" {
			c.status.LocalAddr = ""
			c.status.ConnectedProfileID = ""
		}
		callback := c.onStateChange
		c.mu.Unlock()

		if callback != nil {
			callback(oldState, data.To)
		}

	case protocol.EventError:
		var data protocol.ErrorData
		if err := json.Unmarshal(event.Data, &data); err != nil {
			slog.Warn("Invalid error event", "error", err)
			return
		}
		c.mu.RLock()
		callback := c.onError
		c.mu.RUnlock()

		if callback != nil {
			callback(errors.New(data.Message))
		}
	}
}
