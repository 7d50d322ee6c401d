// Package vmm owns sandbox lifecycle: it boots microVMs, health-checks them
// until ready, hands them to workers one execution at a time and tears them
// down. No other component transitions a sandbox's state.
package vmm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/klog/v2"
	"k8s.io/utils/clock"

	"github.com/modhive/modhive/pkg/bridge"
	"github.com/modhive/modhive/pkg/common/types"
)

// SandboxState is the lifecycle state of one sandbox.
type SandboxState string

const (
	StateSpawning SandboxState = "spawning"
	StateBooting  SandboxState = "booting"
	StateReady    SandboxState = "ready"
	StateRunning  SandboxState = "running"
	StateStopped  SandboxState = "stopped"
)

// Sandbox is the pool's handle for one isolated execution environment.
// State is owned by the pool and only read through it.
type Sandbox struct {
	ID        string
	CreatedAt time.Time

	seq     int
	state   SandboxState
	machine Machine
}

// Config tunes the pool.
type Config struct {
	// HotPoolSize is the target number of pre-warmed idle sandboxes.
	HotPoolSize int

	// MaxSandboxes caps live sandboxes; zero means HotPoolSize*2+1.
	MaxSandboxes int

	// PollInterval is the boot health-poll cadence. Defaults to 1s.
	PollInterval time.Duration

	// BootTimeout bounds the wait for a booting sandbox to become ready.
	// Defaults to 60s.
	BootTimeout time.Duration

	// ExecTimeout bounds one in-sandbox execution. Defaults to 60s.
	ExecTimeout time.Duration

	// WarmInterval is the background warmer cadence. Defaults to 2s.
	WarmInterval time.Duration

	// ReuseSandboxes returns a sandbox to the idle set after a successful
	// execution instead of destroying it. Off by default: a fresh microVM
	// per execution is the isolation boundary between tenants.
	ReuseSandboxes bool

	// GuestPort is the in-guest agent port. Defaults to bridge.DefaultGuestPort.
	GuestPort int

	// LogLevel is forwarded to the machine driver.
	LogLevel string
}

func (c Config) withDefaults() Config {
	if c.MaxSandboxes <= 0 {
		c.MaxSandboxes = c.HotPoolSize*2 + 1
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.BootTimeout <= 0 {
		c.BootTimeout = 60 * time.Second
	}
	if c.ExecTimeout <= 0 {
		c.ExecTimeout = 60 * time.Second
	}
	if c.WarmInterval <= 0 {
		c.WarmInterval = 2 * time.Second
	}
	if c.GuestPort <= 0 {
		c.GuestPort = bridge.DefaultGuestPort
	}
	return c
}

// Pool creates, tracks and destroys sandboxes. All bookkeeping mutations
// happen under one mutex; workers never touch sandbox state directly.
type Pool struct {
	driver Driver
	config Config
	clock  clock.WithTicker

	mu        sync.Mutex
	sandboxes map[string]*Sandbox
	idle      []*Sandbox
	seq       int
	creating  int
	closed    bool
}

// NewPool creates a pool. Call Warm to start the background warmer.
func NewPool(driver Driver, config Config) *Pool {
	return &Pool{
		driver:    driver,
		config:    config.withDefaults(),
		clock:     clock.RealClock{},
		sandboxes: make(map[string]*Sandbox),
	}
}

// CreateSandbox boots a machine and polls its health endpoint on a fixed
// interval until it answers. It never returns a handle for a sandbox that
// stopped or timed out while booting.
func (p *Pool) CreateSandbox(ctx context.Context) (*Sandbox, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	p.seq++
	sb := &Sandbox{
		ID:        uuid.NewString(),
		CreatedAt: p.clock.Now(),
		seq:       p.seq,
		state:     StateSpawning,
	}
	p.mu.Unlock()

	machine, err := p.driver.Start(ctx, sb.seq, MachineOptions{LogLevel: p.config.LogLevel})
	if err != nil {
		return nil, fmt.Errorf("CreateSandbox: %w", err)
	}
	sb.machine = machine
	sb.state = StateBooting

	if err := p.awaitReady(ctx, sb); err != nil {
		_ = machine.Kill()
		sb.state = StateStopped
		return nil, err
	}

	p.mu.Lock()
	sb.state = StateReady
	p.sandboxes[sb.ID] = sb
	p.mu.Unlock()

	klog.V(2).Infof("sandbox %s ready after %s", sb.ID, p.clock.Since(sb.CreatedAt))
	return sb, nil
}

// awaitReady polls the guest health endpoint until it answers, the machine
// exits, or the boot timeout elapses.
func (p *Pool) awaitReady(ctx context.Context, sb *Sandbox) error {
	err := wait.PollUntilContextTimeout(ctx, p.config.PollInterval, p.config.BootTimeout, true,
		func(ctx context.Context) (bool, error) {
			if sb.machine.Exited() {
				return false, ErrSandboxStopped
			}

			br, err := bridge.Dial(ctx, sb.machine.AgentSocket(), &bridge.Options{GuestPort: p.config.GuestPort})
			if err != nil {
				klog.V(4).Infof("sandbox %s not reachable yet: %v", sb.ID, err)
				return false, nil
			}
			defer br.Close()

			if err := br.Health(ctx); err != nil {
				klog.V(4).Infof("sandbox %s not healthy yet: %v", sb.ID, err)
				return false, nil
			}
			return true, nil
		})
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrSandboxStopped) {
		return ErrSandboxStopped
	}
	if wait.Interrupted(err) {
		return fmt.Errorf("%w: not ready within %s", ErrBootTimeout, p.config.BootTimeout)
	}
	return fmt.Errorf("CreateSandbox: await ready: %w", err)
}

// Acquire hands out an idle warm sandbox, or boots a fresh one when the
// pool is below its cap.
func (p *Pool) Acquire(ctx context.Context) (*Sandbox, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	if n := len(p.idle); n > 0 {
		sb := p.idle[n-1]
		p.idle = p.idle[:n-1]
		p.mu.Unlock()
		return sb, nil
	}
	// In-flight creations count against the cap, so concurrent acquires
	// cannot overshoot it.
	if len(p.sandboxes)+p.creating >= p.config.MaxSandboxes {
		p.mu.Unlock()
		return nil, ErrPoolExhausted
	}
	p.creating++
	p.mu.Unlock()

	sb, err := p.CreateSandbox(ctx)
	p.mu.Lock()
	p.creating--
	p.mu.Unlock()
	return sb, err
}

// Release returns an unused sandbox to the idle set, or destroys it when
// reuse is disabled.
func (p *Pool) Release(ctx context.Context, sb *Sandbox) {
	if sb == nil {
		return
	}
	p.mu.Lock()
	reusable := p.config.ReuseSandboxes && !p.closed && sb.state == StateReady
	if reusable {
		p.idle = append(p.idle, sb)
	}
	p.mu.Unlock()

	if !reusable {
		p.DestroySandbox(ctx, sb)
	}
}

// Execute runs tenant code in the sandbox. The sandbox is never left in the
// running state: it ends up destroyed or back in ready regardless of the
// outcome. Any failure destroys the sandbox; an environment that saw an
// error is never reused.
func (p *Pool) Execute(ctx context.Context, sb *Sandbox, req types.ExecutionRequest) (*types.ExecutionResult, error) {
	p.mu.Lock()
	if sb.state != StateReady {
		p.mu.Unlock()
		return nil, fmt.Errorf("%w: sandbox %s is %s", ErrSandboxBusy, sb.ID, sb.state)
	}
	sb.state = StateRunning
	p.mu.Unlock()

	result, err := p.executeOnce(ctx, sb, req)

	if err != nil || !result.Success || !p.config.ReuseSandboxes {
		p.DestroySandbox(ctx, sb)
	} else {
		p.mu.Lock()
		sb.state = StateReady
		p.idle = append(p.idle, sb)
		p.mu.Unlock()
	}
	return result, err
}

func (p *Pool) executeOnce(ctx context.Context, sb *Sandbox, req types.ExecutionRequest) (*types.ExecutionResult, error) {
	ctx, cancel := context.WithTimeout(ctx, p.config.ExecTimeout)
	defer cancel()

	br, err := bridge.Dial(ctx, sb.machine.AgentSocket(), &bridge.Options{GuestPort: p.config.GuestPort})
	if err != nil {
		return nil, fmt.Errorf("Execute: %w", err)
	}
	defer br.Close()

	resp, err := br.Exec(ctx, types.ExecRequest{
		Cmd: []string{"node", "--input-type=module", "-e", req.Code},
		Env: map[string]string{
			"MODHIVE_DATA":  string(req.Data),
			"MODHIVE_TOKEN": req.Token,
		},
		Timeout: p.config.ExecTimeout.Seconds(),
	})
	if err != nil {
		return nil, fmt.Errorf("Execute: %w", err)
	}

	result := &types.ExecutionResult{
		Success: resp.ExitCode == 0,
		Stdout:  splitLines(resp.Stdout),
		Stderr:  splitLines(resp.Stderr),
	}
	// Tenant functions report their return value as a trailing JSON line.
	if result.Success {
		if raw := lastJSONLine(result.Stdout); raw != nil {
			result.RawResult = raw
		}
	}
	return result, nil
}

// DestroySandbox terminates the machine and forgets the sandbox. Idempotent.
func (p *Pool) DestroySandbox(ctx context.Context, sb *Sandbox) {
	if sb == nil {
		return
	}
	p.mu.Lock()
	if sb.state == StateStopped {
		p.mu.Unlock()
		return
	}
	sb.state = StateStopped
	delete(p.sandboxes, sb.ID)
	for i, idle := range p.idle {
		if idle == sb {
			p.idle = append(p.idle[:i], p.idle[i+1:]...)
			break
		}
	}
	p.mu.Unlock()

	if sb.machine != nil {
		if err := sb.machine.Shutdown(ctx); err != nil {
			klog.Warningf("sandbox %s shutdown: %v", sb.ID, err)
		}
	}
	klog.V(2).Infof("sandbox %s destroyed", sb.ID)
}

// Warm keeps up to HotPoolSize idle ready sandboxes available. It runs
// until the context is cancelled.
func (p *Pool) Warm(ctx context.Context) {
	ticker := p.clock.NewTicker(p.config.WarmInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			p.warmOnce(ctx)
		}
	}
}

// warmOnce boots at most one sandbox per tick to avoid thundering boots.
func (p *Pool) warmOnce(ctx context.Context) {
	p.mu.Lock()
	need := len(p.idle) < p.config.HotPoolSize &&
		len(p.sandboxes)+p.creating < p.config.MaxSandboxes &&
		!p.closed
	if need {
		p.creating++
	}
	p.mu.Unlock()
	if !need {
		return
	}

	sb, err := p.CreateSandbox(ctx)
	p.mu.Lock()
	p.creating--
	p.mu.Unlock()
	if err != nil {
		klog.Warningf("warm: create sandbox: %v", err)
		return
	}

	p.mu.Lock()
	if p.closed || len(p.idle) >= p.config.HotPoolSize {
		p.mu.Unlock()
		p.DestroySandbox(ctx, sb)
		return
	}
	p.idle = append(p.idle, sb)
	p.mu.Unlock()
}

// Stats reports sandbox counts per state.
type Stats struct {
	Ready   int
	Running int
	Idle    int
	Total   int
}

func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := Stats{Idle: len(p.idle), Total: len(p.sandboxes)}
	for _, sb := range p.sandboxes {
		switch sb.state {
		case StateReady:
			s.Ready++
		case StateRunning:
			s.Running++
		}
	}
	return s
}

// State returns the sandbox's current state as seen by the pool.
func (p *Pool) State(sb *Sandbox) SandboxState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return sb.state
}

// Close destroys every sandbox and refuses further work.
func (p *Pool) Close(ctx context.Context) {
	p.mu.Lock()
	p.closed = true
	all := make([]*Sandbox, 0, len(p.sandboxes))
	for _, sb := range p.sandboxes {
		all = append(all, sb)
	}
	p.mu.Unlock()

	for _, sb := range all {
		p.DestroySandbox(ctx, sb)
	}
}

func splitLines(s string) []string {
	s = strings.TrimRight(s, "\n")
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}

func lastJSONLine(lines []string) json.RawMessage {
	for i := len(lines) - 1; i >= 0; i-- {
		trimmed := strings.TrimSpace(lines[i])
		if trimmed == "" {
			continue
		}
		if json.Valid([]byte(trimmed)) && (strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[")) {
			return json.RawMessage(trimmed)
		}
		return nil
	}
	return nil
}
