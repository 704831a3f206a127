package plan

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/tunesync/tunesync/pkg/config"
	"github.com/tunesync/tunesync/pkg/plog"
	"github.com/tunesync/tunesync/pkg/transfer"
	"github.com/tunesync/tunesync/pkg/util"
)

// Verifier is the integrity oracle the planner consults for existing
// destination files.
type Verifier interface {
	Matches(ctx context.Context, sourcePath, destPath string) (bool, error)
	CachedSum(path string) (string, bool)
}

// Planner produces the deterministic operation list for one run. Running it
// twice over an unchanged filesystem yields an identical list.
type Planner struct {
	cfg      *config.Config
	verifier Verifier
	excludes *excludeSet
	allowExt map[string]struct{} // empty map admits every extension
}

// New creates a planner over cfg. Invalid user exclude patterns are rejected
// here rather than silently never matching during the walk.
func New(cfg *config.Config, verifier Verifier) (*Planner, error) {
	excludes, err := newExcludeSet(cfg.UserExcludePatterns)
	if err != nil {
		return nil, err
	}

	allowExt := make(map[string]struct{})
	for _, ext := range cfg.ResolvedExtensions() {
		allowExt[ext] = struct{}{}
	}

	return &Planner{
		cfg:      cfg,
		verifier: verifier,
		excludes: excludes,
		allowExt: allowExt,
	}, nil
}

// Plan walks the source scope (and, when extras deletion is enabled, the
// destination scope) and returns the ordered change set. A non-nil error
// means planning could not produce any operations at all; per-subtree
// problems land in Result.Failures instead.
func (p *Planner) Plan(ctx context.Context) (*Result, error) {
	srcInfo, err := os.Stat(p.cfg.SourceRoot)
	if err != nil {
		return nil, fmt.Errorf("source root is not readable: %w", err)
	}
	if !srcInfo.IsDir() {
		return nil, fmt.Errorf("source root %s is not a directory", p.cfg.SourceRoot)
	}

	res := &Result{}
	seen := make(map[string]struct{})        // rel keys planned as copy or skip
	pendingCopy := make(map[string]struct{}) // rel keys with a pending copy

	for _, root := range p.scopeRoots(p.cfg.SourceRoot) {
		if root != p.cfg.SourceRoot {
			if _, err := os.Stat(root); err != nil {
				res.Failures = append(res.Failures, Failure{Path: root, Err: err})
				continue
			}
		}
		if err := p.walkSource(ctx, root, seen, pendingCopy, res); err != nil {
			return nil, err
		}
	}

	if p.cfg.DeleteExtras {
		if err := p.planExtras(ctx, seen, pendingCopy, res); err != nil {
			return nil, err
		}
	}

	return res, nil
}

// walkSource emits copy/skip operations for every admitted file under root.
func (p *Planner) walkSource(ctx context.Context, root string, seen, pendingCopy map[string]struct{}, res *Result) error {
	return filepath.WalkDir(root, func(pth string, d fs.DirEntry, err error) error {
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		if err != nil {
			// A walk error on the full source root itself means the whole
			// library is unreadable; nothing below can be planned.
			if pth == root && root == p.cfg.SourceRoot {
				return fmt.Errorf("source root is not readable: %w", err)
			}
			res.Failures = append(res.Failures, Failure{Path: pth, Err: err})
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}

		relKey, rerr := util.NormalizedRelPath(p.cfg.SourceRoot, pth)
		if rerr != nil {
			res.Failures = append(res.Failures, Failure{Path: pth, Err: rerr})
			return nil
		}

		if d.IsDir() {
			if pth != root && p.excludes.matches(relKey) {
				plog.Debug("Excluding source directory", "path", relKey)
				return fs.SkipDir
			}
			return nil
		}

		// Symlinks count as ordinary files: plan the target's content.
		info, ierr := p.statEntry(pth, d)
		if ierr != nil {
			res.Failures = append(res.Failures, Failure{Path: pth, Err: ierr})
			return nil
		}
		if info == nil || info.IsDir() {
			return nil
		}

		if !p.admitsExtension(d.Name()) || p.excludes.matches(relKey) {
			return nil
		}

		if _, dup := seen[relKey]; dup {
			res.Failures = append(res.Failures, Failure{
				Path: pth,
				Err:  fmt.Errorf("destination path already planned for %s", relKey),
			})
			return nil
		}
		seen[relKey] = struct{}{}

		op, perr := p.planFile(ctx, pth, relKey, info.Size())
		if perr != nil {
			res.Failures = append(res.Failures, Failure{Path: pth, Err: perr})
			return nil
		}
		if op.Kind == OpCopy {
			pendingCopy[relKey] = struct{}{}
		}
		res.Ops = append(res.Ops, op)
		return nil
	})
}

// statEntry resolves an entry's file info, following symlinks. A nil info
// with nil error means the entry is not plannable (sockets, fifos).
func (p *Planner) statEntry(pth string, d fs.DirEntry) (fs.FileInfo, error) {
	if d.Type()&fs.ModeSymlink != 0 {
		return os.Stat(pth)
	}
	if !d.Type().IsRegular() {
		return nil, nil
	}
	return d.Info()
}

// planFile decides between copy and skip for a single admitted source file.
func (p *Planner) planFile(ctx context.Context, srcPath, relKey string, size int64) (Operation, error) {
	op := Operation{
		SourcePath: srcPath,
		DestPath:   util.DenormalizedAbsPath(p.cfg.DeviceRoot, relKey),
		RelPath:    relKey,
		Size:       size,
	}

	_, err := os.Lstat(op.DestPath)
	switch {
	case err != nil && os.IsNotExist(err):
		op.Kind = OpCopy
	case err != nil:
		return op, fmt.Errorf("cannot stat destination %s: %w", op.DestPath, err)
	case p.cfg.OnlyMissing:
		op.Kind = OpSkip
		return op, nil
	default:
		match, merr := p.verifier.Matches(ctx, srcPath, op.DestPath)
		if merr != nil {
			return op, merr
		}
		if match {
			op.Kind = OpSkip
			return op, nil
		}
		op.Kind = OpCopy
	}

	// Matches usually just hashed the source; reuse that work for the
	// worker's post-copy verification.
	if sum, ok := p.verifier.CachedSum(srcPath); ok {
		op.KnownHash = sum
	}
	return op, nil
}

// planExtras walks the destination scope and emits delete-extra operations
// for paths absent from the source, plus stale transfer artifacts left by
// crashed runs. It runs strictly after all copy/skip decisions.
func (p *Planner) planExtras(ctx context.Context, seen, pendingCopy map[string]struct{}, res *Result) error {
	for _, root := range p.scopeRoots(p.cfg.DeviceRoot) {
		if _, err := os.Stat(root); err != nil {
			if !os.IsNotExist(err) {
				res.Failures = append(res.Failures, Failure{Path: root, Err: err})
			}
			continue
		}

		err := filepath.WalkDir(root, func(pth string, d fs.DirEntry, err error) error {
			if cerr := ctx.Err(); cerr != nil {
				return cerr
			}
			if err != nil {
				res.Failures = append(res.Failures, Failure{Path: pth, Err: err})
				if d != nil && d.IsDir() {
					return fs.SkipDir
				}
				return nil
			}

			relKey, rerr := util.NormalizedRelPath(p.cfg.DeviceRoot, pth)
			if rerr != nil {
				res.Failures = append(res.Failures, Failure{Path: pth, Err: rerr})
				return nil
			}

			if d.IsDir() {
				if pth == root {
					return nil
				}
				if p.excludes.matches(relKey) {
					return fs.SkipDir
				}
				// A directory with no source counterpart goes as a whole.
				if _, serr := os.Stat(util.DenormalizedAbsPath(p.cfg.SourceRoot, relKey)); os.IsNotExist(serr) {
					res.Ops = append(res.Ops, Operation{
						Kind:     OpDeleteExtra,
						DestPath: pth,
						RelPath:  relKey,
					})
					return fs.SkipDir
				}
				return nil
			}

			if transfer.IsArtifact(d.Name()) {
				if p.artifactIsLive(pth, pendingCopy) {
					return nil
				}
				res.Ops = append(res.Ops, Operation{Kind: OpDeleteExtra, DestPath: pth, RelPath: relKey})
				return nil
			}

			if p.excludes.matches(relKey) {
				return nil
			}
			if _, ok := seen[relKey]; ok {
				return nil
			}
			// Extension-filtered source files are out of scope, not extras.
			if _, serr := os.Lstat(util.DenormalizedAbsPath(p.cfg.SourceRoot, relKey)); serr == nil {
				return nil
			}

			info, ierr := d.Info()
			if ierr != nil {
				res.Failures = append(res.Failures, Failure{Path: pth, Err: ierr})
				return nil
			}
			res.Ops = append(res.Ops, Operation{
				Kind:     OpDeleteExtra,
				DestPath: pth,
				RelPath:  relKey,
				Size:     info.Size(),
			})
			return nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// artifactIsLive reports whether a transfer artifact belongs to a copy
// planned in this run; the worker owning that destination will reuse or
// replace it.
func (p *Planner) artifactIsLive(artifactPath string, pendingCopy map[string]struct{}) bool {
	target, ok := transfer.ArtifactTarget(artifactPath)
	if !ok {
		return false
	}
	relKey, err := util.NormalizedRelPath(p.cfg.DeviceRoot, target)
	if err != nil {
		return false
	}
	_, pending := pendingCopy[relKey]
	return pending
}

// scopeRoots resolves the configured scope against root: the root itself for
// a full run, or each top-level folder in deterministic order.
func (p *Planner) scopeRoots(root string) []string {
	folders := p.cfg.ScopeFolders()
	if folders == nil {
		return []string{root}
	}
	roots := make([]string, 0, len(folders))
	for _, folder := range folders {
		roots = append(roots, util.DenormalizedAbsPath(root, folder))
	}
	return roots
}

func (p *Planner) admitsExtension(name string) bool {
	if len(p.allowExt) == 0 {
		return true
	}
	_, ok := p.allowExt[strings.ToLower(filepath.Ext(name))]
	return ok
}

// excludeSet matches normalized relative paths against system and user
// patterns. Patterns without a path separator match the basename anywhere in
// the tree; patterns with one match the full relative path. Matching is
// case-insensitive.
type excludeSet struct {
	patterns []string
}

func newExcludeSet(userPatterns []string) (*excludeSet, error) {
	merged := util.MergeAndDeduplicate(config.SystemExcludePatterns, userPatterns)
	patterns := make([]string, 0, len(merged))
	for _, pat := range merged {
		pat = strings.ToLower(util.NormalizePath(pat))
		if !doublestar.ValidatePattern(pat) {
			return nil, fmt.Errorf("invalid exclude pattern: %q", pat)
		}
		patterns = append(patterns, pat)
	}
	return &excludeSet{patterns: patterns}, nil
}

func (es *excludeSet) matches(relKey string) bool {
	full := strings.ToLower(relKey)
	base := path.Base(full)
	for _, pat := range es.patterns {
		target := full
		if !strings.Contains(pat, "/") {
			target = base
		}
		if ok, _ := doublestar.Match(pat, target); ok {
			return true
		}
	}
	return false
}
