package tenant

import (
	"context"
	"sync"

	"github.com/modhive/modhive/pkg/common/types"
)

// FakeDirectory is an in-memory Directory for tests and local development.
type FakeDirectory struct {
	Domains map[string][]GameServer
}

func (f *FakeDirectory) ListDomains(_ context.Context) ([]Domain, error) {
	domains := make([]Domain, 0, len(f.Domains))
	for id := range f.Domains {
		domains = append(domains, Domain{ID: id})
	}
	return domains, nil
}

func (f *FakeDirectory) ListGameServers(_ context.Context, domainID string) ([]GameServer, error) {
	return f.Domains[domainID], nil
}

// FakeModuleReader is an in-memory ModuleReader keyed by game server ID.
type FakeModuleReader struct {
	Installed map[string][]types.ModuleInstallation
}

func (f *FakeModuleReader) GetInstalledModules(_ context.Context, gameServerID string) ([]types.ModuleInstallation, error) {
	return f.Installed[gameServerID], nil
}

// RecordingSink collects emitted side effects for assertions.
type RecordingSink struct {
	mu      sync.Mutex
	Effects []SideEffect
}

func (r *RecordingSink) Emit(_ context.Context, effect SideEffect) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Effects = append(r.Effects, effect)
	return nil
}

// Emitted returns a snapshot of the collected effects.
func (r *RecordingSink) Emitted() []SideEffect {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]SideEffect, len(r.Effects))
	copy(out, r.Effects)
	return out
}
