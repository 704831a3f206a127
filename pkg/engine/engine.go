// Package engine owns a sync run end to end: planning, the bounded transfer
// pool, verification, post-sync transforms, extras deletion, and the final
// summary. It is the only package that mutates the device tree.
package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/tunesync/tunesync/pkg/config"
	"github.com/tunesync/tunesync/pkg/hashdb"
	"github.com/tunesync/tunesync/pkg/lockfile"
	"github.com/tunesync/tunesync/pkg/plan"
	"github.com/tunesync/tunesync/pkg/plog"
	"github.com/tunesync/tunesync/pkg/pool"
	"github.com/tunesync/tunesync/pkg/report"
	"github.com/tunesync/tunesync/pkg/sharded"
	"github.com/tunesync/tunesync/pkg/transfer"
	"github.com/tunesync/tunesync/pkg/transform"
	"github.com/tunesync/tunesync/pkg/util"
)

// ErrFatalPlanning means the planner could not produce a change set at all;
// the run ends Failed without dispatching anything. Per-file planning
// problems never surface here.
var ErrFatalPlanning = errors.New("planning failed")

// Coordinator drives one sync run. Create one per run with New; Run may be
// called once.
type Coordinator struct {
	cfg      config.Config
	reporter *report.Reporter
	verifier *hashdb.Verifier
	worker   *transfer.Worker

	mu     sync.Mutex
	state  State
	cancel context.CancelFunc

	// dirFlight collapses concurrent workers landing in the same fresh
	// destination directory into a single MkdirAll.
	dirFlight   singleflight.Group
	createdDirs *sharded.Set

	// commandContext is the exec hook for transform tools; tests inject a
	// fake. nil means real os/exec.
	commandContext func(ctx context.Context, name string, arg ...string) *exec.Cmd

	processor *transform.Processor
	submitWG  sync.WaitGroup
}

// New validates cfg and builds a coordinator for it.
func New(cfg config.Config) (*Coordinator, error) {
	if err := cfg.Validate(true); err != nil {
		return nil, err
	}

	bufPool := pool.NewFixedBuffer(int64(cfg.Performance.BufferSizeKB) * 1024)
	verifier, err := hashdb.New(cfg.HashAlgorithm, bufPool)
	if err != nil {
		return nil, err
	}

	c := &Coordinator{
		cfg:         cfg,
		reporter:    report.New(),
		verifier:    verifier,
		state:       StateIdle,
		createdDirs: sharded.NewSet(),
	}
	c.worker = transfer.NewWorker(
		verifier,
		bufPool,
		cfg.RetryCount,
		time.Duration(cfg.RetryWaitSeconds)*time.Second,
		c.ensureDir,
	)
	return c, nil
}

// Reporter exposes the run's progress stream and snapshots.
func (c *Coordinator) Reporter() *report.Reporter {
	return c.reporter
}

// State returns the current run phase.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Stop requests cooperative cancellation. In-flight copies stop at their
// next chunk boundary with resumable state on disk; nothing is killed
// mid-write.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		c.cancel()
	}
}

func (c *Coordinator) setState(next State) {
	c.mu.Lock()
	prev := c.state
	c.state = next
	c.mu.Unlock()
	if prev != next {
		plog.Debug("State transition", "from", prev.String(), "to", next.String())
	}
}

// PlanOnly produces the change set without locking or touching the device.
// Backs the plan subcommand and --dry-run.
func (c *Coordinator) PlanOnly(ctx context.Context) (*plan.Result, error) {
	c.loadHashSnapshot()
	planner, err := plan.New(&c.cfg, c.verifier)
	if err != nil {
		return nil, err
	}
	return planner.Plan(ctx)
}

// Run executes the full sync. The summary is always returned; a non-nil
// error accompanies it only for run-level failures such as lock contention
// or fatal planning.
func (c *Coordinator) Run(ctx context.Context) (report.Summary, error) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()

	c.setState(StatePlanning)
	c.cfg.LogSummary()

	if err := os.MkdirAll(c.cfg.DeviceRoot, util.UserWritableDirPerms); err != nil {
		c.setState(StateFailed)
		return c.reporter.OnRunDone(), fmt.Errorf("cannot access device root: %w", err)
	}
	lock, err := lockfile.Acquire(c.cfg.DeviceRoot)
	if err != nil {
		c.setState(StateFailed)
		return c.reporter.OnRunDone(), err
	}
	defer func() {
		if rerr := lock.Release(); rerr != nil {
			plog.Warn("Cannot release device lock", "error", rerr)
		}
	}()

	c.loadHashSnapshot()
	c.processor = transform.NewProcessor(
		c.buildTransforms(),
		c.cfg.Performance.TranscodeJobs,
		c.onTransformFailure,
	)

	planner, err := plan.New(&c.cfg, c.verifier)
	if err != nil {
		c.setState(StateFailed)
		return c.reporter.OnRunDone(), fmt.Errorf("%w: %v", ErrFatalPlanning, err)
	}
	result, err := planner.Plan(runCtx)
	if err != nil {
		c.setState(StateFailed)
		return c.reporter.OnRunDone(), fmt.Errorf("%w: %v", ErrFatalPlanning, err)
	}

	for _, f := range result.Failures {
		plog.Warn("Planning failure", "path", f.Path, "error", f.Err)
		c.reporter.OnFailure(report.Failure{
			Path:   f.Path,
			Kind:   report.FailPlanning,
			Reason: f.Err.Error(),
		})
	}

	copies, skips, extras, copyBytes := result.Totals()
	c.reporter.OnPlanned(len(result.Ops), copyBytes)
	plog.Info("Plan ready",
		"copy", copies,
		"skip", skips,
		"delete_extra", extras,
		"volume", util.ByteCountIEC(copyBytes),
	)

	c.setState(StateRunning)
	c.runTransfers(runCtx, result)
	c.runExtras(runCtx, result)

	c.setState(StateFinalizing)
	c.submitWG.Wait()
	c.processor.Wait()
	c.saveHashSnapshot()

	summary := c.reporter.OnRunDone()
	plog.Info("Sync finished",
		"copied", summary.Copied,
		"skipped", summary.Skipped,
		"deleted_extras", summary.DeletedExtras,
		"failed", len(summary.Failed),
		"not_attempted", summary.NotAttempted,
		"transferred", util.ByteCountIEC(summary.BytesTransferred),
		"elapsed", summary.Elapsed.Round(time.Millisecond),
	)
	c.setState(StateDone)
	return summary, nil
}

// runTransfers feeds all copy and skip operations through the bounded
// worker pool and waits for them to settle.
func (c *Coordinator) runTransfers(ctx context.Context, result *plan.Result) {
	var transferOps []plan.Operation
	for _, op := range result.Ops {
		if op.Kind != plan.OpDeleteExtra {
			transferOps = append(transferOps, op)
		}
	}

	jobs := make(chan plan.Operation)
	var wg sync.WaitGroup
	for i := 0; i < c.cfg.Performance.Jobs; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for op := range jobs {
				c.executeTransfer(ctx, op)
			}
		}()
	}

dispatch:
	for i, op := range transferOps {
		select {
		case <-ctx.Done():
			c.setState(StateCancelling)
			c.reporter.OnNotAttempted(len(transferOps) - i)
			break dispatch
		case jobs <- op:
		}
	}
	close(jobs)
	wg.Wait()
}

// runExtras deletes planned extras. It runs strictly after every copy has
// settled and does nothing once cancellation is requested.
func (c *Coordinator) runExtras(ctx context.Context, result *plan.Result) {
	var extraOps []plan.Operation
	for _, op := range result.Ops {
		if op.Kind == plan.OpDeleteExtra {
			extraOps = append(extraOps, op)
		}
	}

	for i, op := range extraOps {
		if ctx.Err() != nil {
			c.setState(StateCancelling)
			c.reporter.OnNotAttempted(len(extraOps) - i)
			return
		}
		c.verifier.Invalidate(op.DestPath)
		if err := os.RemoveAll(op.DestPath); err != nil {
			plog.Warn("Cannot delete extra", "path", op.DestPath, "error", err)
			c.reporter.OnFailure(report.Failure{
				Path:   op.RelPath,
				Kind:   report.FailTransfer,
				Reason: fmt.Sprintf("delete extra: %v", err),
			})
			c.reporter.OnFileDone(op.RelPath, report.OutcomeFailed)
			continue
		}
		plog.Notice("Removed extra", "path", op.RelPath)
		c.reporter.OnFileDone(op.RelPath, report.OutcomeDeleted)
	}
}

func (c *Coordinator) executeTransfer(ctx context.Context, op plan.Operation) {
	switch op.Kind {
	case plan.OpSkip:
		plog.Debug("Up to date", "file", op.RelPath)
		c.reporter.OnFileDone(op.RelPath, report.OutcomeSkipped)

	case plan.OpCopy:
		c.reporter.OnFileStarted(op.RelPath)
		plog.Notice("Copying", "file", op.RelPath, "size", util.ByteCountIEC(op.Size))

		err := c.worker.Copy(ctx, transfer.Request{
			SourcePath: op.SourcePath,
			DestPath:   op.DestPath,
			KnownHash:  op.KnownHash,
			OnProgress: func(n int64) {
				c.reporter.OnFileProgress(op.RelPath, n)
			},
		})
		switch {
		case err == nil:
			c.submitTransforms(ctx, op)
			c.reporter.OnFileDone(op.RelPath, report.OutcomeCopied)
		case ctx.Err() != nil && errors.Is(err, ctx.Err()):
			plog.Notice("Copy abandoned, resumable state kept", "file", op.RelPath)
			c.reporter.OnFileAbandoned(op.RelPath)
		default:
			kind := report.FailTransfer
			if errors.Is(err, transfer.ErrVerifyMismatch) || errors.Is(err, transfer.ErrSourceChanged) {
				kind = report.FailVerify
			}
			plog.Warn("Copy failed", "file", op.RelPath, "error", err)
			c.reporter.OnFailure(report.Failure{Path: op.RelPath, Kind: kind, Reason: err.Error()})
			c.reporter.OnFileDone(op.RelPath, report.OutcomeFailed)
		}
	}
}

// submitTransforms hands a finalized file to the transform pool without
// letting a saturated pool stall the transfer worker.
func (c *Coordinator) submitTransforms(ctx context.Context, op plan.Operation) {
	c.submitWG.Add(1)
	go func() {
		defer c.submitWG.Done()
		c.processor.Submit(ctx, op.SourcePath, op.DestPath)
	}()
}

func (c *Coordinator) buildTransforms() []transform.Transform {
	runner := transform.NewRunner(c.commandContext)
	var transforms []transform.Transform
	if c.cfg.CoverResize.Enabled {
		transforms = append(transforms, transform.NewCoverResize(c.cfg.CoverResize, c.cfg.SourceRoot, c.cfg.DeviceRoot, runner))
	}
	if c.cfg.LyricsExport.Enabled {
		transforms = append(transforms, transform.NewLyricsExport(c.cfg.LyricsExport, runner))
	}
	if c.cfg.Downsample.Enabled {
		transforms = append(transforms, transform.NewDownsample(c.cfg.Downsample, runner, c.verifier))
	}
	return transforms
}

func (c *Coordinator) onTransformFailure(destPath, stage string, err error) {
	c.reporter.OnFailure(report.Failure{
		Path:   destPath,
		Kind:   report.FailPostProcess,
		Reason: fmt.Sprintf("%s: %v", stage, err),
	})
}

func (c *Coordinator) loadHashSnapshot() {
	if c.cfg.HashDBFormat == "off" {
		return
	}
	path := hashdb.SnapshotPath(c.cfg.DeviceRoot, c.cfg.HashDBFormat)
	n, err := c.verifier.LoadSnapshot(path)
	if err != nil {
		plog.Warn("Cannot load hash snapshot, continuing without it", "path", path, "error", err)
		return
	}
	if n > 0 {
		plog.Info("Loaded hash snapshot", "records", n)
	}
}

func (c *Coordinator) saveHashSnapshot() {
	if c.cfg.HashDBFormat == "off" {
		return
	}
	path := hashdb.SnapshotPath(c.cfg.DeviceRoot, c.cfg.HashDBFormat)
	if err := c.verifier.SaveSnapshot(path); err != nil {
		plog.Warn("Cannot save hash snapshot", "path", path, "error", err)
	}
}

// ensureDir memoizes destination directory creation across the worker pool.
func (c *Coordinator) ensureDir(dir string) error {
	if c.createdDirs.Has(dir) {
		return nil
	}
	_, err, _ := c.dirFlight.Do(dir, func() (interface{}, error) {
		if err := os.MkdirAll(dir, util.UserWritableDirPerms); err != nil {
			return nil, err
		}
		c.createdDirs.Store(dir)
		return nil, nil
	})
	if err != nil {
		return fmt.Errorf("cannot create destination directory %s: %w", dir, err)
	}
	return nil
}
