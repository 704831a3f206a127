package transform

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/tunesync/tunesync/pkg/config"
	"github.com/tunesync/tunesync/pkg/hints"
	"github.com/tunesync/tunesync/pkg/sharded"
	"github.com/tunesync/tunesync/pkg/util"
)

// coverFileName is the album art file players pick up per directory.
const coverFileName = "cover.jpg"

// coverToolTimeout bounds a single resize; image tools that hang on a
// corrupt JPEG must not stall the pool.
const coverToolTimeout = 30 * time.Second

// ErrNoCover signals a directory without any cover art. Not a failure.
var ErrNoCover = hints.New("no cover art in source directory")

// CoverResize makes sure the destination directory of a copied track carries
// a player-sized cover.jpg: promoted from the library directory when the
// device lacks one, then resized in place with the configured image tool.
type CoverResize struct {
	cfg        config.CoverResizeConfig
	sourceRoot string
	deviceRoot string
	runner     *Runner

	// doneDirs dedupes work per destination directory; one cover serves
	// every track in it.
	doneDirs *sharded.Set
}

// NewCoverResize creates the cover stage.
func NewCoverResize(cfg config.CoverResizeConfig, sourceRoot, deviceRoot string, runner *Runner) *CoverResize {
	return &CoverResize{
		cfg:        cfg,
		sourceRoot: sourceRoot,
		deviceRoot: deviceRoot,
		runner:     runner,
		doneDirs:   sharded.NewSet(),
	}
}

func (c *CoverResize) Name() string { return "cover-resize" }

func (c *CoverResize) Apply(ctx context.Context, sourcePath, destPath string) error {
	destDir := filepath.Dir(destPath)
	if c.doneDirs.LoadOrStore(destDir) {
		return hints.New("directory already has its cover")
	}

	destCover := filepath.Join(destDir, coverFileName)
	if _, err := os.Lstat(destCover); err != nil {
		if !os.IsNotExist(err) {
			return fmt.Errorf("cannot stat %s: %w", destCover, err)
		}
		if err := c.promote(sourcePath, destCover); err != nil {
			return err
		}
	}

	size := fmt.Sprintf("%dx%d", c.cfg.TargetSize, c.cfg.TargetSize)
	if _, err := c.runner.Run(ctx, coverToolTimeout, c.cfg.Tool, destCover, "-resize", size, destCover); err != nil {
		return err
	}
	return nil
}

// promote copies the library directory's cover next to the track. Covers are
// small; a plain read/write is fine.
func (c *CoverResize) promote(sourcePath, destCover string) error {
	srcCover := filepath.Join(filepath.Dir(sourcePath), coverFileName)
	data, err := os.ReadFile(srcCover)
	if err != nil {
		if os.IsNotExist(err) {
			return ErrNoCover
		}
		return fmt.Errorf("cannot read %s: %w", srcCover, err)
	}
	if err := os.WriteFile(destCover, data, util.UserWritableFilePerms); err != nil {
		return fmt.Errorf("cannot write %s: %w", destCover, err)
	}
	return nil
}
