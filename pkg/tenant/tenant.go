// Package tenant defines the read-only collaborator interfaces the execution
// core consumes. The API layer owns the data behind them; the core never
// writes through these.
package tenant

import (
	"context"
	"encoding/json"

	"github.com/modhive/modhive/pkg/common/types"
)

// Domain is a customer account owning game servers and module installations.
type Domain struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// GameServer is one attached game server of a domain.
type GameServer struct {
	ID       string `json:"id"`
	DomainID string `json:"domainId"`
	Name     string `json:"name,omitempty"`

	// EventsURL is the websocket endpoint the server emits events on.
	// Empty when the server does not stream events.
	EventsURL string `json:"eventsUrl,omitempty"`
}

// Directory enumerates domains and their game servers.
type Directory interface {
	ListDomains(ctx context.Context) ([]Domain, error)
	ListGameServers(ctx context.Context, domainID string) ([]GameServer, error)
}

// ModuleReader reads module installation records for a game server.
type ModuleReader interface {
	GetInstalledModules(ctx context.Context, gameServerID string) ([]types.ModuleInstallation, error)
}

// SideEffect is an action requested by sandboxed tenant code, forwarded
// opaquely by the core.
type SideEffect struct {
	DomainID     string          `json:"domainId"`
	GameServerID string          `json:"gameServerId"`
	Kind         string          `json:"kind"` // e.g. "chatMessage", "gameAction"
	Payload      json.RawMessage `json:"payload"`
}

// SideEffectSink receives the side effects an execution produced.
type SideEffectSink interface {
	Emit(ctx context.Context, effect SideEffect) error
}
