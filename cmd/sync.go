package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/tunesync/tunesync/pkg/engine"
	"github.com/tunesync/tunesync/pkg/plog"
	"github.com/tunesync/tunesync/pkg/report"
	"github.com/tunesync/tunesync/pkg/util"
)

// progressInterval throttles how often the event stream is rendered as a
// log line.
const progressInterval = 2 * time.Second

func newSyncCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Mirror the library onto the device",
		RunE:  runSyncCommand,
	}
	registerRunFlags(cmd)
	cmd.Flags().Bool("dry-run", false, "Show the planned operations without touching the device")
	return cmd
}

func runSyncCommand(cmd *cobra.Command, _ []string) error {
	cfg, err := resolveConfig(cmd)
	if err != nil {
		return err
	}

	coordinator, err := engine.New(cfg)
	if err != nil {
		return err
	}

	if cfg.DryRun {
		result, err := coordinator.PlanOnly(cmd.Context())
		if err != nil {
			return err
		}
		printPlan(cmd, result)
		return nil
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		renderProgress(coordinator.Reporter().Events())
	}()

	summary, err := coordinator.Run(cmd.Context())
	<-done
	if err != nil {
		return err
	}

	for _, f := range summary.Failed {
		plog.Warn("Failed", "file", f.Path, "stage", string(f.Kind), "reason", f.Reason)
	}
	if len(summary.Failed) > 0 {
		return fmt.Errorf("%d file(s) failed, see the log above", len(summary.Failed))
	}
	return nil
}

// renderProgress drains the reporter's event stream until the run closes it,
// logging a throttled progress line.
func renderProgress(events <-chan report.Snapshot) {
	var lastRender time.Time
	for snap := range events {
		if time.Since(lastRender) < progressInterval {
			continue
		}
		lastRender = time.Now()

		attrs := []any{
			"files", fmt.Sprintf("%d/%d", snap.FilesDone, snap.FilesTotal),
			"bytes", fmt.Sprintf("%s/%s", util.ByteCountIEC(snap.BytesDone), util.ByteCountIEC(snap.BytesTotal)),
		}
		if snap.CurrentFile != "" {
			attrs = append(attrs, "current", snap.CurrentFile)
		}
		if snap.ETASeconds >= 0 {
			attrs = append(attrs, "eta", time.Duration(snap.ETASeconds*float64(time.Second)).Round(time.Second).String())
		}
		plog.Info("Progress", attrs...)
	}
}
