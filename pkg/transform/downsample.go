package transform

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/tunesync/tunesync/pkg/config"
	"github.com/tunesync/tunesync/pkg/hints"
)

// ErrBelowThreshold signals a file small enough to keep as-is.
var ErrBelowThreshold = hints.New("file below downsample threshold")

// Verifier is what the downsample stage needs from the hash cache: the
// rewritten destination must keep its content-identity with the source, or
// every later run would re-copy the original over it.
type Verifier interface {
	HashOf(ctx context.Context, path string) (string, error)
	StoreDerived(path, sum string) error
	Invalidate(path string)
}

// Downsample transcodes oversized device files down to a target bit depth
// and sample rate with an external tool (ffmpeg by default), writing to a
// temp path and replacing the original only on success.
type Downsample struct {
	cfg      config.DownsampleConfig
	runner   *Runner
	verifier Verifier
}

// NewDownsample creates the downsample stage.
func NewDownsample(cfg config.DownsampleConfig, runner *Runner, verifier Verifier) *Downsample {
	return &Downsample{cfg: cfg, runner: runner, verifier: verifier}
}

func (d *Downsample) Name() string { return "downsample" }

func (d *Downsample) Apply(ctx context.Context, sourcePath, destPath string) error {
	info, err := os.Stat(destPath)
	if err != nil {
		return fmt.Errorf("cannot stat %s: %w", destPath, err)
	}
	if info.Size() <= d.cfg.SizeThresholdMB*1024*1024 {
		return ErrBelowThreshold
	}

	// The source hash is almost always still cached from verification; grab
	// it before the destination is rewritten.
	srcSum, err := d.verifier.HashOf(ctx, sourcePath)
	if err != nil {
		return err
	}

	// Same directory and same extension: the rename stays atomic and the
	// transcoder can infer the container format from the suffix.
	tempPath := filepath.Join(filepath.Dir(destPath), ".tunesync-ds-"+filepath.Base(destPath))
	defer os.Remove(tempPath)

	timeout := time.Duration(d.cfg.TimeoutSeconds) * time.Second
	_, err = d.runner.Run(ctx, timeout, d.cfg.Tool,
		"-y",
		"-i", destPath,
		"-sample_fmt", fmt.Sprintf("s%d", d.cfg.TargetBitDepth),
		"-ar", strconv.Itoa(d.cfg.TargetSampleRate),
		tempPath,
	)
	if err != nil {
		return err
	}

	// Exit status and produced output size are the only signals consulted.
	outInfo, err := os.Stat(tempPath)
	if err != nil {
		return fmt.Errorf("%s produced no output for %s: %w", d.cfg.Tool, destPath, err)
	}
	if outInfo.Size() == 0 {
		return fmt.Errorf("%s produced empty output for %s", d.cfg.Tool, destPath)
	}

	d.verifier.Invalidate(destPath)
	if err := os.Rename(tempPath, destPath); err != nil {
		return fmt.Errorf("cannot replace %s with downsampled output: %w", destPath, err)
	}

	// Record the source's hash under the rewritten file's new stamp so the
	// pair still plans as a skip even though the bytes now differ.
	if err := d.verifier.StoreDerived(destPath, srcSum); err != nil {
		return fmt.Errorf("cannot record downsampled identity for %s: %w", destPath, err)
	}
	return nil
}
