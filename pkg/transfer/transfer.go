// Package transfer executes planned copy operations: chunked, resumable,
// verified, and finalized with an atomic rename so a destination path is
// never visible half-written.
package transfer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/tunesync/tunesync/pkg/plog"
	"github.com/tunesync/tunesync/pkg/pool"
	"github.com/tunesync/tunesync/pkg/util"
)

var (
	// ErrVerifyMismatch means the fully written temp file hashed differently
	// from its source. The temp is discarded, never promoted.
	ErrVerifyMismatch = errors.New("destination content does not match source hash")

	// ErrSourceChanged means the source file's size or mtime moved while it
	// was being copied. The plan entry is stale for this file only.
	ErrSourceChanged = errors.New("source file changed during the run")
)

// Marker is the persisted transfer state sidecar for one destination path.
// It is owned exclusively by the worker processing that path. Offset only
// ever grows; the temp file may be ahead of it after a crash, in which case
// the resume truncates back to the last confirmed offset.
type Marker struct {
	DestPath        string    `json:"destPath"`
	SourceSize      int64     `json:"sourceSize"`
	SourceMTimeNano int64     `json:"sourceMTimeNano"`
	Offset          int64     `json:"offset"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// Verifier is the integrity oracle consulted after each full copy.
type Verifier interface {
	HashOf(ctx context.Context, path string) (string, error)
	Sum(ctx context.Context, path string) (string, error)
	StoreDerived(path, sum string) error
	Invalidate(path string)
}

// Request describes one copy to execute.
type Request struct {
	SourcePath string
	DestPath   string

	// KnownHash is the source hash captured at plan time; empty means the
	// worker computes it before verifying.
	KnownHash string

	// OnProgress, when set, receives the cumulative confirmed byte offset
	// after every chunk, including bytes inherited from a resumed temp.
	OnProgress func(bytesSoFar int64)
}

type sourceSignature struct {
	size      int64
	mtimeNano int64
}

// Worker copies files. One Worker is shared by the whole transfer pool; it
// holds no per-file state.
type Worker struct {
	verifier   Verifier
	bufPool    *pool.FixedBufferPool
	retryCount int
	retryWait  time.Duration

	// ensureDir creates the destination directory; the coordinator injects a
	// singleflight-deduplicated variant so concurrent workers landing in the
	// same new directory do not race MkdirAll.
	ensureDir func(dir string) error
}

// NewWorker creates a worker. A nil ensureDir falls back to plain MkdirAll.
func NewWorker(verifier Verifier, bufPool *pool.FixedBufferPool, retryCount int, retryWait time.Duration, ensureDir func(string) error) *Worker {
	if ensureDir == nil {
		ensureDir = func(dir string) error {
			return os.MkdirAll(dir, util.UserWritableDirPerms)
		}
	}
	return &Worker{
		verifier:   verifier,
		bufPool:    bufPool,
		retryCount: retryCount,
		retryWait:  retryWait,
		ensureDir:  ensureDir,
	}
}

// Copy executes one copy operation to completion, with bounded retries for
// I/O errors and a single retry for a post-copy verification mismatch.
// Cancellation returns ctx's error and leaves the temp file and marker in
// place for a later resume.
func (w *Worker) Copy(ctx context.Context, req Request) error {
	var ioAttempts, verifyAttempts int
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := w.copyOnce(ctx, req)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			// Abandoned at a chunk boundary; resumable state stays behind.
			return err
		}

		switch {
		case errors.Is(err, ErrVerifyMismatch):
			w.discardArtifacts(req.DestPath)
			verifyAttempts++
			if verifyAttempts > 1 {
				return err
			}
			plog.Warn("Verification mismatch, retrying copy from scratch", "file", req.SourcePath)
		case errors.Is(err, ErrSourceChanged):
			w.discardArtifacts(req.DestPath)
			return err
		default:
			ioAttempts++
			if ioAttempts > w.retryCount {
				return fmt.Errorf("copy of %s failed after %d retries: %w", req.SourcePath, w.retryCount, err)
			}
			plog.Warn("Retrying file copy", "file", req.SourcePath, "attempt", fmt.Sprintf("%d/%d", ioAttempts, w.retryCount), "after", w.retryWait, "error", err)
			select {
			case <-time.After(w.retryWait):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

func (w *Worker) copyOnce(ctx context.Context, req Request) error {
	srcInfo, err := os.Stat(req.SourcePath)
	if err != nil {
		return fmt.Errorf("cannot stat source %s: %w", req.SourcePath, err)
	}
	sig := sourceSignature{size: srcInfo.Size(), mtimeNano: srcInfo.ModTime().UnixNano()}

	if err := w.ensureDir(filepath.Dir(req.DestPath)); err != nil {
		return err
	}

	tempPath := TempPath(req.DestPath)
	markerPath := MarkerPath(req.DestPath)

	offset := w.resumeOffset(tempPath, markerPath, sig)
	if offset > 0 {
		plog.Notice("Resuming interrupted copy", "file", req.DestPath, "offset", util.ByteCountIEC(offset))
	}

	if err := w.copyChunks(ctx, req, sig, tempPath, markerPath, offset); err != nil {
		return err
	}

	// The plan entry is stale if the source moved while we read it.
	curInfo, err := os.Stat(req.SourcePath)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrSourceChanged, req.SourcePath)
	}
	if curInfo.Size() != sig.size || curInfo.ModTime().UnixNano() != sig.mtimeNano {
		return fmt.Errorf("%w: %s", ErrSourceChanged, req.SourcePath)
	}

	srcSum := req.KnownHash
	if srcSum == "" {
		if srcSum, err = w.verifier.HashOf(ctx, req.SourcePath); err != nil {
			return err
		}
	}
	dstSum, err := w.verifier.Sum(ctx, tempPath)
	if err != nil {
		return err
	}
	if dstSum != srcSum {
		return fmt.Errorf("%w: %s", ErrVerifyMismatch, req.DestPath)
	}

	return w.finalize(req, srcInfo, tempPath, markerPath, srcSum)
}

// resumeOffset returns the confirmed offset to continue from, or 0 when no
// usable resumable state exists for this source signature.
func (w *Worker) resumeOffset(tempPath, markerPath string, sig sourceSignature) int64 {
	marker, err := readMarker(markerPath)
	if err != nil {
		return 0
	}
	if marker.SourceSize != sig.size || marker.SourceMTimeNano != sig.mtimeNano {
		return 0
	}
	tempInfo, err := os.Stat(tempPath)
	if err != nil || tempInfo.Size() < marker.Offset {
		return 0
	}
	return marker.Offset
}

// copyChunks streams source bytes into the temp file from offset onward,
// persisting the marker after every chunk. Cancellation is honored between
// chunks only, so the marker never lies about confirmed bytes.
func (w *Worker) copyChunks(ctx context.Context, req Request, sig sourceSignature, tempPath, markerPath string, offset int64) error {
	in, err := os.Open(req.SourcePath)
	if err != nil {
		return fmt.Errorf("cannot open source %s: %w", req.SourcePath, err)
	}
	defer in.Close()
	if _, err := in.Seek(offset, io.SeekStart); err != nil {
		return fmt.Errorf("cannot seek source %s: %w", req.SourcePath, err)
	}

	out, err := os.OpenFile(tempPath, os.O_CREATE|os.O_WRONLY, util.UserWritableFilePerms)
	if err != nil {
		return fmt.Errorf("cannot open temp file %s: %w", tempPath, err)
	}
	defer out.Close()

	// The temp may hold unconfirmed bytes past the marker from a crash
	// mid-chunk; cut back to the last confirmed offset.
	if err := out.Truncate(offset); err != nil {
		return fmt.Errorf("cannot truncate temp file %s: %w", tempPath, err)
	}
	if _, err := out.Seek(offset, io.SeekStart); err != nil {
		return fmt.Errorf("cannot seek temp file %s: %w", tempPath, err)
	}

	bufPtr := w.bufPool.Get()
	defer w.bufPool.Put(bufPtr)
	buf := *bufPtr
	buf = buf[:cap(buf)]

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		n, readErr := in.Read(buf)
		if n > 0 {
			if _, werr := out.Write(buf[:n]); werr != nil {
				return fmt.Errorf("write to %s failed: %w", tempPath, werr)
			}
			offset += int64(n)
			if merr := writeMarker(markerPath, Marker{
				DestPath:        req.DestPath,
				SourceSize:      sig.size,
				SourceMTimeNano: sig.mtimeNano,
				Offset:          offset,
				UpdatedAt:       time.Now(),
			}); merr != nil {
				return merr
			}
			if req.OnProgress != nil {
				req.OnProgress(offset)
			}
		}
		if readErr == io.EOF {
			return out.Sync()
		}
		if readErr != nil {
			return fmt.Errorf("read from %s failed: %w", req.SourcePath, readErr)
		}
	}
}

// finalize promotes the verified temp file: source timestamps, atomic
// rename, marker removal, and a cache record so the next planning pass can
// skip this pair without hashing.
func (w *Worker) finalize(req Request, srcInfo os.FileInfo, tempPath, markerPath, srcSum string) error {
	// FAT-formatted players reject chmod; not worth failing the copy over.
	if err := os.Chmod(tempPath, util.WithUserWritePermission(srcInfo.Mode().Perm())); err != nil {
		plog.Debug("Cannot set permissions on temp file", "file", tempPath, "error", err)
	}
	if err := os.Chtimes(tempPath, srcInfo.ModTime(), srcInfo.ModTime()); err != nil {
		plog.Warn("Cannot set timestamps on temp file", "file", tempPath, "error", err)
	}

	w.verifier.Invalidate(req.DestPath)
	if err := os.Rename(tempPath, req.DestPath); err != nil {
		return fmt.Errorf("cannot finalize %s: %w", req.DestPath, err)
	}
	if err := os.Remove(markerPath); err != nil && !os.IsNotExist(err) {
		plog.Warn("Cannot remove transfer marker", "file", markerPath, "error", err)
	}

	if err := w.verifier.StoreDerived(req.DestPath, srcSum); err != nil {
		plog.Debug("Cannot record destination hash", "file", req.DestPath, "error", err)
	}
	return nil
}

// discardArtifacts removes the temp file and marker for dest. Used when the
// partial state must never be resumed (corruption, stale plan).
func (w *Worker) discardArtifacts(dest string) {
	for _, path := range []string{TempPath(dest), MarkerPath(dest)} {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			plog.Warn("Cannot discard transfer artifact", "file", path, "error", err)
		}
	}
}

func readMarker(path string) (Marker, error) {
	var m Marker
	data, err := os.ReadFile(path)
	if err != nil {
		return m, err
	}
	if err := json.Unmarshal(data, &m); err != nil {
		return m, fmt.Errorf("corrupt transfer marker %s: %w", path, err)
	}
	return m, nil
}

func writeMarker(path string, m Marker) error {
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, util.UserWritableFilePerms); err != nil {
		return fmt.Errorf("cannot persist transfer marker %s: %w", path, err)
	}
	return nil
}
