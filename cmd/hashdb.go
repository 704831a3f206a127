package cmd

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tunesync/tunesync/pkg/config"
	"github.com/tunesync/tunesync/pkg/hashdb"
	"github.com/tunesync/tunesync/pkg/plog"
	"github.com/tunesync/tunesync/pkg/pool"
	"github.com/tunesync/tunesync/pkg/transfer"
)

func newHashDBCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "hashdb",
		Short: "Inspect or rebuild the device's persistent hash database",
	}
	info := &cobra.Command{
		Use:   "info",
		Short: "Show the state of the persistent hash database",
		RunE:  runHashDBInfo,
	}
	rebuild := &cobra.Command{
		Use:   "rebuild",
		Short: "Rehash every device file and write a fresh hash database",
		RunE:  runHashDBRebuild,
	}
	for _, c := range []*cobra.Command{info, rebuild} {
		registerRunFlags(c)
		cmd.AddCommand(c)
	}
	return cmd
}

func newDeviceVerifier(cfg config.Config) (*hashdb.Verifier, error) {
	if err := cfg.Validate(false); err != nil {
		return nil, err
	}
	if cfg.HashDBFormat == "off" {
		return nil, fmt.Errorf("the persistent hash database is disabled (hashdb format 'off')")
	}
	bufPool := pool.NewFixedBuffer(int64(cfg.Performance.BufferSizeKB) * 1024)
	return hashdb.New(cfg.HashAlgorithm, bufPool)
}

func runHashDBInfo(cmd *cobra.Command, _ []string) error {
	cfg, err := resolveConfig(cmd)
	if err != nil {
		return err
	}
	verifier, err := newDeviceVerifier(cfg)
	if err != nil {
		return err
	}

	path := hashdb.SnapshotPath(cfg.DeviceRoot, cfg.HashDBFormat)
	n, err := verifier.LoadSnapshot(path)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "path:      %s\n", path)
	fmt.Fprintf(out, "algorithm: %s\n", cfg.HashAlgorithm)
	if info, statErr := os.Stat(path); statErr == nil {
		fmt.Fprintf(out, "size:      %d bytes\n", info.Size())
	} else {
		fmt.Fprintf(out, "size:      not present\n")
	}
	fmt.Fprintf(out, "records:   %d (matching algorithm)\n", n)
	return nil
}

func runHashDBRebuild(cmd *cobra.Command, _ []string) error {
	cfg, err := resolveConfig(cmd)
	if err != nil {
		return err
	}
	verifier, err := newDeviceVerifier(cfg)
	if err != nil {
		return err
	}

	allowExt := make(map[string]struct{})
	for _, e := range cfg.ResolvedExtensions() {
		allowExt[e] = struct{}{}
	}

	hashed := 0
	walkErr := filepath.WalkDir(cfg.DeviceRoot, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if cmd.Context().Err() != nil {
			return cmd.Context().Err()
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}
		name := d.Name()
		if transfer.IsArtifact(name) || name == config.ConfigFileName {
			return nil
		}
		if len(allowExt) > 0 {
			if _, ok := allowExt[strings.ToLower(filepath.Ext(name))]; !ok {
				return nil
			}
		}
		if _, hashErr := verifier.HashOf(cmd.Context(), path); hashErr != nil {
			plog.Warn("Cannot hash device file", "path", path, "error", hashErr)
			return nil
		}
		hashed++
		return nil
	})
	if walkErr != nil {
		return walkErr
	}

	path := hashdb.SnapshotPath(cfg.DeviceRoot, cfg.HashDBFormat)
	if err := verifier.SaveSnapshot(path); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "hashed %d file(s) into %s\n", hashed, path)
	return nil
}
