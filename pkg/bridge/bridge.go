// Package bridge tunnels HTTP requests into a sandbox over the Firecracker
// vsock unix socket. A bridge is point-to-point and single-use: once it
// closes, callers must dial a fresh one against a (possibly new) sandbox.
package bridge

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"k8s.io/klog/v2"

	"github.com/modhive/modhive/pkg/common/types"
)

// State is the bridge protocol state.
type State int

const (
	StateConnecting State = iota
	StateAwaitingAck
	StateEstablished
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAwaitingAck:
		return "awaiting-ack"
	case StateEstablished:
		return "established"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// DefaultGuestPort is the in-guest port the agent daemon listens on.
const DefaultGuestPort = 8000

var (
	// ErrClosed indicates the bridge is closed; it cannot be reused.
	ErrClosed = errors.New("bridge: closed")

	// ErrHandshakeRejected indicates the guest side refused the CONNECT
	// handshake or closed the channel before acknowledging it.
	ErrHandshakeRejected = errors.New("bridge: handshake rejected")

	// ErrHandshakeTimeout indicates the guest did not acknowledge the
	// handshake within the bounded wait.
	ErrHandshakeTimeout = errors.New("bridge: handshake timeout")
)

// Options configures dialing a bridge.
type Options struct {
	// GuestPort is the vsock port of the in-guest agent. Defaults to
	// DefaultGuestPort.
	GuestPort int

	// DialTimeout bounds opening the unix socket. Defaults to 5s.
	DialTimeout time.Duration

	// HandshakeTimeout bounds the wait for the CONNECT acknowledgment.
	// Defaults to 5s.
	HandshakeTimeout time.Duration
}

func (o *Options) withDefaults() Options {
	out := Options{GuestPort: DefaultGuestPort, DialTimeout: 5 * time.Second, HandshakeTimeout: 5 * time.Second}
	if o == nil {
		return out
	}
	if o.GuestPort > 0 {
		out.GuestPort = o.GuestPort
	}
	if o.DialTimeout > 0 {
		out.DialTimeout = o.DialTimeout
	}
	if o.HandshakeTimeout > 0 {
		out.HandshakeTimeout = o.HandshakeTimeout
	}
	return out
}

// Bridge is an established transport carrying plain HTTP request/response
// pairs to the process inside the sandbox. At most one request is in flight
// at a time; the owning pool serializes executions per sandbox.
type Bridge struct {
	mu    sync.Mutex
	conn  net.Conn
	br    *bufio.Reader
	state State
}

// Dial opens the vsock unix socket, performs the textual CONNECT handshake
// against the guest port and returns an established bridge. Any failure
// leaves nothing to clean up on the caller's side.
func Dial(ctx context.Context, socketPath string, opts *Options) (*Bridge, error) {
	o := opts.withDefaults()

	d := net.Dialer{Timeout: o.DialTimeout}
	conn, err := d.DialContext(ctx, "unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("Dial: open vsock socket %s: %w", socketPath, err)
	}

	b := &Bridge{conn: conn, br: bufio.NewReader(conn), state: StateConnecting}

	if _, err := fmt.Fprintf(conn, "CONNECT %d\n", o.GuestPort); err != nil {
		b.closeLocked()
		return nil, fmt.Errorf("Dial: write handshake: %w", err)
	}
	b.state = StateAwaitingAck

	// The first inbound line acknowledges the handshake. Firecracker answers
	// "OK <host-port>\n" on success.
	_ = conn.SetReadDeadline(time.Now().Add(o.HandshakeTimeout))
	ack, err := b.br.ReadString('\n')
	if err != nil {
		b.closeLocked()
		if nerr, ok := err.(net.Error); ok && nerr.Timeout() {
			return nil, fmt.Errorf("%w: no acknowledgment within %s", ErrHandshakeTimeout, o.HandshakeTimeout)
		}
		return nil, fmt.Errorf("%w: %v", ErrHandshakeRejected, err)
	}
	if !strings.HasPrefix(ack, "OK") {
		b.closeLocked()
		return nil, fmt.Errorf("%w: unexpected ack %q", ErrHandshakeRejected, strings.TrimSpace(ack))
	}
	_ = conn.SetReadDeadline(time.Time{})

	b.state = StateEstablished
	klog.V(4).Infof("bridge established over %s (guest port %d)", socketPath, o.GuestPort)
	return b, nil
}

// State returns the current protocol state.
func (b *Bridge) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// RoundTrip sends one HTTP request over the established channel and reads
// the response. Any channel error closes the bridge; there is no automatic
// reconnect.
func (b *Bridge) RoundTrip(ctx context.Context, req *http.Request) (*http.Response, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != StateEstablished {
		return nil, ErrClosed
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = b.conn.SetDeadline(deadline)
		defer func() { _ = b.conn.SetDeadline(time.Time{}) }()
	}

	if err := req.Write(b.conn); err != nil {
		b.closeLocked()
		return nil, fmt.Errorf("RoundTrip: write request: %w", err)
	}

	resp, err := http.ReadResponse(b.br, req)
	if err != nil {
		b.closeLocked()
		return nil, fmt.Errorf("RoundTrip: read response: %w", err)
	}
	return resp, nil
}

// Health issues GET /health and verifies the guest agent answers OK.
func (b *Bridge) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://guest/health", nil)
	if err != nil {
		return err
	}
	resp, err := b.RoundTrip(ctx, req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		b.Close()
		return fmt.Errorf("Health: read body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("Health: guest returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

// Exec issues POST /exec with the given command and decodes the result.
func (b *Bridge) Exec(ctx context.Context, execReq types.ExecRequest) (*types.ExecResponse, error) {
	body, err := json.Marshal(execReq)
	if err != nil {
		return nil, fmt.Errorf("Exec: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "http://guest/exec", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.ContentLength = int64(len(body))

	resp, err := b.RoundTrip(ctx, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		b.Close()
		return nil, fmt.Errorf("Exec: read body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("Exec: guest returned %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	var execResp types.ExecResponse
	if err := json.Unmarshal(respBody, &execResp); err != nil {
		return nil, fmt.Errorf("Exec: unmarshal response: %w", err)
	}
	return &execResp, nil
}

// Close moves the bridge to closed and releases the channel. Idempotent.
func (b *Bridge) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closeLocked()
}

func (b *Bridge) closeLocked() error {
	if b.state == StateClosed {
		return nil
	}
	b.state = StateClosed
	if b.conn != nil {
		return b.conn.Close()
	}
	return nil
}
