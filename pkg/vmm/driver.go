package vmm

import "context"

// Machine is one running isolated VM owned by the pool.
type Machine interface {
	// AgentSocket returns the host path of the vsock unix socket exposing
	// the in-guest agent.
	AgentSocket() string

	// Exited reports whether the underlying process has terminated.
	Exited() bool

	// Shutdown gracefully stops the machine, falling back to a hard kill.
	Shutdown(ctx context.Context) error

	// Kill terminates the machine immediately.
	Kill() error
}

// MachineOptions configures one machine instance.
type MachineOptions struct {
	// LogLevel is passed to the hypervisor process.
	LogLevel string
}

// Driver starts isolated machines. Instances are numbered by the pool;
// the driver derives socket paths and device names from the number.
type Driver interface {
	Start(ctx context.Context, id int, opts MachineOptions) (Machine, error)
}
