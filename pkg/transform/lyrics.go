package transform

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tunesync/tunesync/pkg/config"
	"github.com/tunesync/tunesync/pkg/hints"
	"github.com/tunesync/tunesync/pkg/util"
)

const lyricsToolTimeout = 30 * time.Second

// ErrNoLyrics signals a track without embedded lyrics. Not a failure.
var ErrNoLyrics = hints.New("no embedded lyrics in track")

// LyricsExport dumps a track's embedded lyrics to a sidecar file under a
// subdirectory next to the track (players like Rockbox look them up there).
// The configured tool prints lyrics for a given file on stdout; empty output
// means the track has none.
type LyricsExport struct {
	cfg    config.LyricsExportConfig
	runner *Runner
}

// NewLyricsExport creates the lyrics stage.
func NewLyricsExport(cfg config.LyricsExportConfig, runner *Runner) *LyricsExport {
	return &LyricsExport{cfg: cfg, runner: runner}
}

func (l *LyricsExport) Name() string { return "lyrics-export" }

func (l *LyricsExport) Apply(ctx context.Context, sourcePath, destPath string) error {
	out, err := l.runner.Run(ctx, lyricsToolTimeout, l.cfg.Tool, destPath)
	if err != nil {
		return err
	}
	if len(bytes.TrimSpace(out)) == 0 {
		return ErrNoLyrics
	}

	base := filepath.Base(destPath)
	stem := strings.TrimSuffix(base, filepath.Ext(base))
	sidecarDir := filepath.Join(filepath.Dir(destPath), l.cfg.SubdirName)
	if err := os.MkdirAll(sidecarDir, util.UserWritableDirPerms); err != nil {
		return fmt.Errorf("cannot create %s: %w", sidecarDir, err)
	}

	sidecar := filepath.Join(sidecarDir, stem+l.cfg.Extension)
	if err := os.WriteFile(sidecar, out, util.UserWritableFilePerms); err != nil {
		return fmt.Errorf("cannot write %s: %w", sidecar, err)
	}
	return nil
}
