// Package cmd wires the command-line surface. Each subcommand resolves its
// run configuration the same way: load tunesync.config.json from the device
// root, then overlay only the flags the user actually passed.
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tunesync/tunesync/pkg/buildinfo"
	"github.com/tunesync/tunesync/pkg/config"
	"github.com/tunesync/tunesync/pkg/plog"
	"github.com/tunesync/tunesync/pkg/util"
)

// NewRootCommand builds the tunesync command tree.
func NewRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "tunesync",
		Short:         "One-way music library sync for portable players",
		Long:          "tunesync mirrors a local music library onto a mounted portable player:\nresumable verified copies, optional extras deletion, and post-sync\nprocessing (cover resize, lyrics export, downsampling) via external tools.",
		Version:       buildinfo.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(
		newSyncCommand(),
		newPlanCommand(),
		newHashDBCommand(),
		newInitCommand(),
		newVersionCommand(),
	)
	return root
}

// registerRunFlags declares the flags shared by sync and plan. Defaults here
// are placeholders; resolveConfig only forwards flags the user changed, so
// the config file keeps authority over untouched options.
func registerRunFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("source", "", "Music library root to copy from")
	f.String("device", "", "Mounted player music folder to sync onto")
	f.StringSlice("folders", nil, "Restrict the run to these top-level source folders")
	f.StringSlice("ext", nil, "File extension allow-list (empty list admits every file)")
	f.StringSlice("exclude", nil, "Glob patterns to exclude, matched against relative paths and basenames")
	f.Bool("only-missing", false, "Treat any existing destination file as up to date")
	f.Bool("delete-extras", false, "Delete device files absent from the source scope")
	f.String("hash", "", "Content hash algorithm: 'sha256', 'sha1' or 'md5'")
	f.String("hashdb-format", "", "Persistent hash database format: 'zst', 'gz' or 'off'")
	f.Int("jobs", 0, "Number of parallel transfer workers")
	f.Int("transcode-jobs", 0, "Number of parallel post-sync transform workers")
	f.Int("buffer-size-kb", 0, "I/O buffer size in kilobytes for copies and hashing")
	f.Int("retry-count", 0, "Number of retries for failed file copies")
	f.Int("retry-wait", 0, "Seconds to wait between retries")
	f.Bool("downsample", false, "Enable post-sync downsampling of oversized files")
	f.Bool("cover-resize", false, "Enable post-sync cover art resizing")
	f.Bool("lyrics-export", false, "Enable post-sync lyrics sidecar export")
	f.String("log-level", "", "Logging level: 'debug', 'notice', 'info', 'warn', 'error'")
}

// resolveConfig loads the device config file and overlays changed flags.
func resolveConfig(cmd *cobra.Command) (config.Config, error) {
	f := cmd.Flags()
	device, _ := f.GetString("device")
	if device == "" {
		return config.Config{}, fmt.Errorf("the --device flag is required")
	}
	device, err := util.ExpandPath(device)
	if err != nil {
		return config.Config{}, err
	}

	cfg, err := config.Load(device)
	if err != nil {
		return config.Config{}, err
	}
	cfg.DeviceRoot = device

	flagMap := make(map[string]any)
	if f.Changed("source") {
		v, _ := f.GetString("source")
		v, err = util.ExpandPath(v)
		if err != nil {
			return config.Config{}, err
		}
		flagMap["source"] = v
	}
	for _, name := range []string{"hash", "hashdb-format", "log-level"} {
		if f.Changed(name) {
			v, _ := f.GetString(name)
			flagMap[name] = v
		}
	}
	for _, name := range []string{"folders", "ext", "exclude"} {
		if f.Changed(name) {
			v, _ := f.GetStringSlice(name)
			flagMap[name] = v
		}
	}
	for _, name := range []string{"only-missing", "delete-extras", "downsample", "cover-resize", "lyrics-export", "dry-run"} {
		if f.Changed(name) {
			v, _ := f.GetBool(name)
			flagMap[name] = v
		}
	}
	for _, name := range []string{"jobs", "transcode-jobs", "buffer-size-kb", "retry-count", "retry-wait"} {
		if f.Changed(name) {
			v, _ := f.GetInt(name)
			flagMap[name] = v
		}
	}

	cfg = config.MergeWithFlags(cfg, flagMap)
	plog.SetLevel(plog.LevelFromString(cfg.LogLevel))
	return cfg, nil
}
