// Package connector maintains websocket links to attached game servers and
// feeds their events into the router. One connection per game server;
// connections reconnect until the server is detached.
package connector

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"k8s.io/klog/v2"

	"github.com/modhive/modhive/pkg/common/types"
	"github.com/modhive/modhive/pkg/tenant"
)

// EventRouter receives the events a game server emits.
type EventRouter interface {
	HandleGameEvent(ctx context.Context, domainID, gameServerID, eventType string, eventData json.RawMessage) error
	HandleCommand(ctx context.Context, domainID, gameServerID, trigger string, player *types.Player, arguments json.RawMessage) error
}

// envelope is the wire shape game servers send.
type envelope struct {
	Type      string          `json:"type"`
	Event     string          `json:"event,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Trigger   string          `json:"trigger,omitempty"`
	Player    *types.Player   `json:"player,omitempty"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

const (
	messageTypeGameEvent   = "gameEvent"
	messageTypeChatCommand = "chatCommand"
)

// Manager owns the websocket connections. Attach, detach and update are
// idempotent per game server ID.
type Manager struct {
	router         EventRouter
	dialer         *websocket.Dialer
	reconnectDelay time.Duration

	mu    sync.Mutex
	conns map[string]*connection
}

type connection struct {
	server tenant.GameServer
	url    string
	cancel context.CancelFunc
	done   chan struct{}
}

// NewManager creates a manager routing into the given router.
func NewManager(router EventRouter) *Manager {
	return &Manager{
		router:         router,
		dialer:         websocket.DefaultDialer,
		reconnectDelay: 5 * time.Second,
		conns:          make(map[string]*connection),
	}
}

// Attach starts consuming events from the game server's websocket endpoint.
// Attaching an already attached server replaces its connection.
func (m *Manager) Attach(ctx context.Context, server tenant.GameServer, url string) {
	m.Detach(server.ID)

	connCtx, cancel := context.WithCancel(ctx)
	c := &connection{
		server: server,
		url:    url,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	m.mu.Lock()
	m.conns[server.ID] = c
	m.mu.Unlock()

	go func() {
		defer close(c.done)
		m.run(connCtx, c)
	}()
	klog.Infof("connector: attached game server %s at %s", server.ID, url)
}

// Detach stops the server's connection and waits for its loop to exit.
func (m *Manager) Detach(gameServerID string) {
	m.mu.Lock()
	c, ok := m.conns[gameServerID]
	if ok {
		delete(m.conns, gameServerID)
	}
	m.mu.Unlock()

	if !ok {
		return
	}
	c.cancel()
	<-c.done
	klog.Infof("connector: detached game server %s", gameServerID)
}

// Attached lists the currently connected game server IDs.
func (m *Manager) Attached() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make([]string, 0, len(m.conns))
	for id := range m.conns {
		ids = append(ids, id)
	}
	return ids
}

// Close detaches everything.
func (m *Manager) Close() {
	m.mu.Lock()
	conns := make([]*connection, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.conns = make(map[string]*connection)
	m.mu.Unlock()

	for _, c := range conns {
		c.cancel()
		<-c.done
	}
}

// run dials and consumes the connection, reconnecting until cancelled.
func (m *Manager) run(ctx context.Context, c *connection) {
	for {
		if err := m.consume(ctx, c); err != nil && ctx.Err() == nil {
			klog.Warningf("connector: game server %s: %v", c.server.ID, err)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(m.reconnectDelay):
		}
	}
}

func (m *Manager) consume(ctx context.Context, c *connection) error {
	conn, _, err := m.dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.url, err)
	}
	defer conn.Close()

	// One watcher per dial; it must exit with this connection, not at
	// detach.
	readDone := make(chan struct{})
	defer close(readDone)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-readDone:
		}
	}()

	klog.V(2).Infof("connector: game server %s connected", c.server.ID)
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		m.route(ctx, c.server, message)
	}
}

// route decodes one message and hands it to the router. Malformed messages
// are logged and dropped; a bad message must not kill the connection.
func (m *Manager) route(ctx context.Context, server tenant.GameServer, message []byte) {
	var env envelope
	if err := json.Unmarshal(message, &env); err != nil {
		klog.Warningf("connector: game server %s: dropping undecodable message: %v", server.ID, err)
		return
	}

	switch env.Type {
	case messageTypeGameEvent:
		if err := m.router.HandleGameEvent(ctx, server.DomainID, server.ID, env.Event, env.Data); err != nil {
			klog.Errorf("connector: route game event %s: %v", env.Event, err)
		}
	case messageTypeChatCommand:
		if err := m.router.HandleCommand(ctx, server.DomainID, server.ID, env.Trigger, env.Player, env.Arguments); err != nil {
			klog.Errorf("connector: route command %s: %v", env.Trigger, err)
		}
	default:
		klog.V(2).Infof("connector: game server %s: ignoring message type %q", server.ID, env.Type)
	}
}
