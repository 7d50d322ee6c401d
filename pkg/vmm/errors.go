package vmm

import "errors"

var (
	// ErrSandboxStopped indicates the machine terminated before it ever
	// reported ready; the creation attempt failed and no handle exists.
	ErrSandboxStopped = errors.New("vmm: sandbox stopped before ready")

	// ErrBootTimeout indicates the machine did not become healthy within
	// the configured boot timeout.
	ErrBootTimeout = errors.New("vmm: sandbox boot timed out")

	// ErrSandboxBusy indicates an execution was attempted on a sandbox
	// that is not in the ready state.
	ErrSandboxBusy = errors.New("vmm: sandbox is not ready")

	// ErrPoolClosed indicates the pool is shutting down.
	ErrPoolClosed = errors.New("vmm: pool closed")

	// ErrPoolExhausted indicates the pool is at its sandbox cap and has no
	// idle sandbox to hand out.
	ErrPoolExhausted = errors.New("vmm: pool exhausted")
)
