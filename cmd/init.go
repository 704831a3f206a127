package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/tunesync/tunesync/pkg/config"
	"github.com/tunesync/tunesync/pkg/util"
)

func newInitCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default tunesync.config.json to the device",
		RunE:  runInitCommand,
	}
	registerRunFlags(cmd)
	return cmd
}

func runInitCommand(cmd *cobra.Command, _ []string) error {
	cfg, err := resolveConfig(cmd)
	if err != nil {
		return err
	}

	path := filepath.Join(cfg.DeviceRoot, config.ConfigFileName)
	if _, err := os.Lstat(path); err == nil {
		return fmt.Errorf("config file already exists at %s", path)
	}
	if err := os.MkdirAll(cfg.DeviceRoot, util.UserWritableDirPerms); err != nil {
		return fmt.Errorf("cannot access device root: %w", err)
	}
	if err := config.Save(cfg); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
	return nil
}
