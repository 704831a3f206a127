//go:build !windows

package transform

import (
	"context"
	"os/exec"

	"golang.org/x/sys/unix"
)

// createToolCommand creates an exec.Cmd for a transform tool on Unix-like
// systems. The command gets its own process group so that a timeout kill
// reaches any children the tool spawned, not just the tool itself.
func (r *Runner) createToolCommand(ctx context.Context, tool string, args ...string) *exec.Cmd {
	cmd := r.commandContext(ctx, tool, args...)
	cmd.SysProcAttr = &unix.SysProcAttr{Setpgid: true}
	return cmd
}
