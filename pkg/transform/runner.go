package transform

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// Runner invokes an external tool with a wall-clock budget. Output and exit
// status are the only signals consulted; the tool is a black box.
type Runner struct {
	// commandContext allows mocking os/exec for testing.
	commandContext func(ctx context.Context, name string, arg ...string) *exec.Cmd
}

// NewRunner creates a runner. A nil commandContext uses the real os/exec.
func NewRunner(commandContext func(ctx context.Context, name string, arg ...string) *exec.Cmd) *Runner {
	if commandContext == nil {
		commandContext = exec.CommandContext
	}
	return &Runner{commandContext: commandContext}
}

// Run executes tool with args and returns its stdout. A timeout of zero
// means no budget beyond ctx. On timeout the whole process group is
// terminated and a descriptive error comes back.
func (r *Runner) Run(ctx context.Context, timeout time.Duration, tool string, args ...string) ([]byte, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	cmd := r.createToolCommand(ctx, tool, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		switch ctx.Err() {
		case context.DeadlineExceeded:
			return nil, fmt.Errorf("%s exceeded its %s budget and was killed", tool, timeout)
		case context.Canceled:
			return nil, context.Canceled
		}
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			return nil, fmt.Errorf("%s failed: %w", tool, err)
		}
		return nil, fmt.Errorf("%s failed: %w: %s", tool, err, msg)
	}
	return stdout.Bytes(), nil
}
