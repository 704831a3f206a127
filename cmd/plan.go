package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tunesync/tunesync/pkg/engine"
	"github.com/tunesync/tunesync/pkg/plan"
	"github.com/tunesync/tunesync/pkg/util"
)

func newPlanCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Show what a sync would do, without touching the device",
		RunE:  runPlanCommand,
	}
	registerRunFlags(cmd)
	return cmd
}

func runPlanCommand(cmd *cobra.Command, _ []string) error {
	cfg, err := resolveConfig(cmd)
	if err != nil {
		return err
	}

	coordinator, err := engine.New(cfg)
	if err != nil {
		return err
	}
	result, err := coordinator.PlanOnly(cmd.Context())
	if err != nil {
		return err
	}
	printPlan(cmd, result)
	return nil
}

func printPlan(cmd *cobra.Command, result *plan.Result) {
	out := cmd.OutOrStdout()
	for _, op := range result.Ops {
		fmt.Fprintf(out, "%-12s  %s\n", op.Kind, op.RelPath)
	}
	copies, skips, extras, copyBytes := result.Totals()
	fmt.Fprintf(out, "\n%d to copy (%s), %d up to date, %d extras to delete\n",
		copies, util.ByteCountIEC(copyBytes), skips, extras)
	for _, f := range result.Failures {
		fmt.Fprintf(cmd.ErrOrStderr(), "planning failure: %s: %v\n", f.Path, f.Err)
	}
}
