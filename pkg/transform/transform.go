// Package transform applies the optional post-sync stages to freshly
// finalized device files: cover-art promotion/resizing, lyrics sidecar
// export, and audio downsampling via an external transcoder.
//
// Stages run in a fixed order per file. A stage failure is recorded against
// the file and logged, but never rolls back the copy and never blocks other
// files. Stages signal "nothing to do" with hint errors, which are not
// failures.
package transform

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/tunesync/tunesync/pkg/hints"
	"github.com/tunesync/tunesync/pkg/plog"
)

// Transform is one post-sync stage. Apply receives the library path the file
// came from and the finalized device path. Returning a hint error marks the
// stage as skipped rather than failed.
type Transform interface {
	Name() string
	Apply(ctx context.Context, sourcePath, destPath string) error
}

// FailureFunc receives one stage failure for the run summary.
type FailureFunc func(destPath, stage string, err error)

// Processor fans finalized files out to a bounded pool of transform tasks,
// sized independently of the transfer pool because transcodes are CPU bound.
type Processor struct {
	transforms []Transform
	group      *errgroup.Group
	onFailure  FailureFunc
}

// NewProcessor creates a processor running at most parallel tasks at once.
// onFailure may be nil.
func NewProcessor(transforms []Transform, parallel int, onFailure FailureFunc) *Processor {
	if parallel < 1 {
		parallel = 1
	}
	group := &errgroup.Group{}
	group.SetLimit(parallel)
	return &Processor{
		transforms: transforms,
		group:      group,
		onFailure:  onFailure,
	}
}

// Submit queues one finalized file for post-processing. It blocks only when
// the pool is saturated, which is the intended backpressure on transcodes.
func (p *Processor) Submit(ctx context.Context, sourcePath, destPath string) {
	if len(p.transforms) == 0 {
		return
	}
	p.group.Go(func() error {
		p.processFile(ctx, sourcePath, destPath)
		return nil
	})
}

// Wait blocks until every submitted file has been processed.
func (p *Processor) Wait() {
	p.group.Wait()
}

func (p *Processor) processFile(ctx context.Context, sourcePath, destPath string) {
	for _, t := range p.transforms {
		if ctx.Err() != nil {
			return
		}
		err := t.Apply(ctx, sourcePath, destPath)
		if err == nil {
			plog.Notice("Applied transform", "stage", t.Name(), "file", destPath)
			continue
		}
		if hints.IsHint(err) {
			plog.Debug("Transform skipped", "stage", t.Name(), "file", destPath, "reason", err)
			continue
		}
		plog.Warn("Transform failed", "stage", t.Name(), "file", destPath, "error", err)
		if p.onFailure != nil {
			p.onFailure(destPath, t.Name(), err)
		}
	}
}
