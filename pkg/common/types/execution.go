package types

import "encoding/json"

// ExecutionRequest is what the host hands to a sandbox: the tenant function
// source, the data envelope describing the trigger, and a short-lived token
// the sandboxed code uses to call back into the platform.
type ExecutionRequest struct {
	Code  string          `json:"code"`
	Data  json.RawMessage `json:"data"`
	Token string          `json:"token"`
}

// ExecutionResult is the outcome of running tenant code in a sandbox.
// Success=false means the tenant code itself failed; transport and creation
// failures surface as errors instead, never as a result.
type ExecutionResult struct {
	Success   bool            `json:"success"`
	Stdout    []string        `json:"stdout"`
	Stderr    []string        `json:"stderr"`
	RawResult json.RawMessage `json:"rawResult,omitempty"`
}

// ExecRequest is the wire body of POST /exec on the in-guest agent.
type ExecRequest struct {
	Cmd     []string          `json:"cmd" binding:"required"`
	Env     map[string]string `json:"env,omitempty"`
	Timeout float64           `json:"timeout,omitempty"`
}

// ExecResponse is the wire body the in-guest agent returns for POST /exec.
type ExecResponse struct {
	Stdout   string  `json:"stdout"`
	Stderr   string  `json:"stderr"`
	ExitCode int     `json:"exitCode"`
	Duration float64 `json:"duration"`
}
