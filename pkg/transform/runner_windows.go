//go:build windows

package transform

import (
	"context"
	"os/exec"

	"golang.org/x/sys/windows"
)

// createToolCommand creates an exec.Cmd for a transform tool on Windows. A
// new process group ensures a timeout kill takes the whole tree down, not
// just the parent process.
func (r *Runner) createToolCommand(ctx context.Context, tool string, args ...string) *exec.Cmd {
	cmd := r.commandContext(ctx, tool, args...)
	cmd.SysProcAttr = &windows.SysProcAttr{CreationFlags: windows.CREATE_NEW_PROCESS_GROUP}
	return cmd
}
