// Package executor runs queued jobs inside sandboxes. It is the Processor
// behind every worker: it validates the payload, acquires a sandbox, ships
// the module function over the bridge and forwards requested side effects.
package executor

import (
	"context"
	"encoding/json"
	"fmt"

	"k8s.io/klog/v2"

	"github.com/modhive/modhive/pkg/common/types"
	"github.com/modhive/modhive/pkg/queue"
	"github.com/modhive/modhive/pkg/router"
	"github.com/modhive/modhive/pkg/tenant"
	"github.com/modhive/modhive/pkg/vmm"
)

// SandboxRunner is the slice of the pool the executor needs.
type SandboxRunner interface {
	Acquire(ctx context.Context) (*vmm.Sandbox, error)
	Execute(ctx context.Context, sb *vmm.Sandbox, req types.ExecutionRequest) (*types.ExecutionResult, error)
}

// Executor turns jobs into sandbox executions.
type Executor struct {
	pool   SandboxRunner
	signer *router.TokenSigner
	sink   tenant.SideEffectSink
}

// New creates an executor.
func New(pool SandboxRunner, signer *router.TokenSigner, sink tenant.SideEffectSink) *Executor {
	return &Executor{pool: pool, signer: signer, sink: sink}
}

// sandboxOutput is the shape tenant functions report back as their trailing
// JSON line.
type sandboxOutput struct {
	SideEffects []tenant.SideEffect `json:"sideEffects"`
}

// Process runs one job. Malformed payloads are logged and acknowledged as
// handled; a retry cannot make them actionable. Transport and creation
// errors propagate so the broker applies its attempt bookkeeping. A failure
// inside the tenant's own code is data, not an error.
func (e *Executor) Process(ctx context.Context, job *queue.Job) error {
	var data types.JobData
	if err := json.Unmarshal(job.Payload, &data); err != nil {
		klog.Errorf("executor: job %s: undecodable payload, dropping: %v", job.ID, err)
		return nil
	}
	if err := data.Validate(); err != nil {
		klog.Errorf("executor: job %s: malformed payload, dropping: %v", job.ID, err)
		return nil
	}

	code, ok := functionCode(data.Module, data.FunctionID)
	if !ok {
		klog.Errorf("executor: job %s: no function %s in module installation, dropping", job.ID, data.FunctionID)
		return nil
	}

	token, err := e.signer.GenerateToken(map[string]interface{}{
		"domainId":     data.DomainID,
		"gameServerId": data.GameServerID,
	})
	if err != nil {
		return fmt.Errorf("Process: sign execution token: %w", err)
	}

	sb, err := e.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("Process: acquire sandbox: %w", err)
	}

	result, err := e.pool.Execute(ctx, sb, types.ExecutionRequest{
		Code:  code,
		Data:  job.Payload,
		Token: token,
	})
	if err != nil {
		return fmt.Errorf("Process: execute job %s: %w", job.ID, err)
	}

	if !result.Success {
		klog.Warningf("executor: job %s: tenant code failed: %v", job.ID, result.Stderr)
		return nil
	}

	e.forwardSideEffects(ctx, &data, result)
	return nil
}

// forwardSideEffects emits whatever actions the sandboxed code requested.
// The core does not interpret them.
func (e *Executor) forwardSideEffects(ctx context.Context, data *types.JobData, result *types.ExecutionResult) {
	if e.sink == nil || len(result.RawResult) == 0 {
		return
	}

	var out sandboxOutput
	if err := json.Unmarshal(result.RawResult, &out); err != nil {
		klog.V(2).Infof("executor: result of %s/%s carries no side effects", data.DomainID, data.FunctionID)
		return
	}

	for _, effect := range out.SideEffects {
		effect.DomainID = data.DomainID
		effect.GameServerID = data.GameServerID
		if err := e.sink.Emit(ctx, effect); err != nil {
			klog.Errorf("executor: emit %s side effect: %v", effect.Kind, err)
		}
	}
}

// functionCode resolves the code body for the addressed function from the
// module installation carried in the payload.
func functionCode(installation *types.ModuleInstallation, functionID string) (string, bool) {
	if installation == nil {
		return "", false
	}
	for _, hook := range installation.Hooks {
		if hook.FunctionID == functionID && hook.Function != "" {
			return hook.Function, true
		}
	}
	for _, command := range installation.Commands {
		if command.FunctionID == functionID && command.Function != "" {
			return command.Function, true
		}
	}
	for _, cron := range installation.CronJobs {
		if cron.FunctionID == functionID && cron.Function != "" {
			return cron.Function, true
		}
	}
	return "", false
}
