package main

import (
	"context"
	"os"
	"os/signal"

	"github.com/tunesync/tunesync/cmd"
	"github.com/tunesync/tunesync/pkg/buildinfo"
	"github.com/tunesync/tunesync/pkg/plog"
)

func main() {
	// The first interrupt cancels the run context so in-flight copies can
	// stop at a chunk boundary; a second one terminates immediately.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 2)
	signal.Notify(sigChan, os.Interrupt)
	go func() {
		<-sigChan
		plog.Warn("Interrupt received, finishing the current chunk")
		cancel()
		<-sigChan
		plog.Error(buildinfo.Name + " terminated")
		os.Exit(130)
	}()

	rootCmd := cmd.NewRootCommand()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		plog.Error(buildinfo.Name+" exited with error", "error", err)
		os.Exit(1)
	}
}
