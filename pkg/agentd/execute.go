package agentd

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/modhive/modhive/pkg/common/types"
)

const defaultExecTimeout = 30 * time.Second

// ExecHandler runs one command inside the guest and reports its outcome.
// A non-zero exit is a normal response, not an HTTP error: the host
// classifies it as a tenant-code failure.
func (s *Server) ExecHandler(c *gin.Context) {
	var req types.ExecRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": err.Error(),
			"code":  http.StatusBadRequest,
		})
		return
	}

	if len(req.Cmd) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "cmd cannot be empty",
			"code":  http.StatusBadRequest,
		})
		return
	}

	timeout := defaultExecTimeout
	if req.Timeout > 0 {
		timeout = time.Duration(req.Timeout * float64(time.Second))
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, req.Cmd[0], req.Cmd[1:]...)

	if len(req.Env) > 0 {
		env := os.Environ()
		for k, v := range req.Env {
			env = append(env, fmt.Sprintf("%s=%s", k, v))
		}
		cmd.Env = env
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	duration := time.Since(start).Seconds()

	var exitCode int
	switch {
	case ctx.Err() == context.DeadlineExceeded:
		exitCode = 124
		fmt.Fprintf(&stderr, "command timed out after %s", timeout)
	case err != nil:
		if cmd.ProcessState != nil {
			exitCode = cmd.ProcessState.ExitCode()
		} else {
			exitCode = 1
			if stderr.Len() == 0 {
				stderr.WriteString(err.Error())
			}
		}
	}

	c.JSON(http.StatusOK, types.ExecResponse{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: exitCode,
		Duration: duration,
	})
}
