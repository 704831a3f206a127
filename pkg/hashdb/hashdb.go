// Package hashdb implements content-hash based integrity checking for the
// sync engine.
//
// The verifier answers two questions: "what is the content hash of this
// file?" and "are this source/destination pair already identical?". Hashes
// are computed streaming in pooled buffers so large FLAC files never sit in
// memory whole, and cached per path keyed by size and modification time. A
// cached record is only ever served while its stamp still matches the file
// on disk; any size or mtime drift invalidates it at read time.
package hashdb

import (
	"context"
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"

	"github.com/tunesync/tunesync/pkg/pool"
	"github.com/tunesync/tunesync/pkg/sharded"
)

// Record is a cached content hash with the file stamp it was computed under.
type Record struct {
	Path      string `json:"path"`
	Size      int64  `json:"size"`
	MTimeNano int64  `json:"mtimeNano"`
	Algorithm string `json:"algorithm"`
	Sum       string `json:"sum"`
}

// Verifier computes, caches and compares file content hashes.
type Verifier struct {
	algorithm string
	cache     *sharded.Map[Record]
	bufPool   *pool.FixedBufferPool
}

// New creates a verifier for the given hash algorithm identifier
// (sha256, sha1 or md5).
func New(algorithm string, bufPool *pool.FixedBufferPool) (*Verifier, error) {
	v := &Verifier{
		algorithm: algorithm,
		cache:     sharded.NewMap[Record](),
		bufPool:   bufPool,
	}
	// Fail early on unknown identifiers rather than on the first hash.
	if _, err := v.newHasher(); err != nil {
		return nil, err
	}
	return v, nil
}

// Algorithm returns the configured hash algorithm identifier.
func (v *Verifier) Algorithm() string {
	return v.algorithm
}

func (v *Verifier) newHasher() (hash.Hash, error) {
	switch v.algorithm {
	case "sha256":
		return sha256.New(), nil
	case "sha1":
		return sha1.New(), nil
	case "md5":
		return md5.New(), nil
	default:
		return nil, fmt.Errorf("unsupported hash algorithm: %q", v.algorithm)
	}
}

// HashOf returns the content hash of the file at path, serving a cached
// record when its size/mtime stamp still matches the file on disk.
func (v *Verifier) HashOf(ctx context.Context, path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("cannot stat %s: %w", path, err)
	}

	if rec, ok := v.cache.Load(path); ok {
		if rec.Algorithm == v.algorithm && rec.Size == info.Size() && rec.MTimeNano == info.ModTime().UnixNano() {
			return rec.Sum, nil
		}
		// Stale stamp. Drop it so a crashed run never resurrects it.
		v.cache.Delete(path)
	}

	sum, err := v.hashFile(ctx, path)
	if err != nil {
		return "", err
	}

	v.cache.Store(path, Record{
		Path:      path,
		Size:      info.Size(),
		MTimeNano: info.ModTime().UnixNano(),
		Algorithm: v.algorithm,
		Sum:       sum,
	})
	return sum, nil
}

// hashFile streams the file through the configured hasher in pooled chunks,
// honoring cancellation between chunks.
func (v *Verifier) hashFile(ctx context.Context, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("cannot open %s for hashing: %w", path, err)
	}
	defer f.Close()

	hasher, err := v.newHasher()
	if err != nil {
		return "", err
	}

	bufPtr := v.bufPool.Get()
	defer v.bufPool.Put(bufPtr)
	buf := *bufPtr
	buf = buf[:cap(buf)]

	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		default:
		}

		n, readErr := f.Read(buf)
		if n > 0 {
			hasher.Write(buf[:n])
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return "", fmt.Errorf("read error while hashing %s: %w", path, readErr)
		}
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// Sum computes the content hash of path without consulting or populating the
// cache. Used for freshly written temp files that are about to be renamed
// away.
func (v *Verifier) Sum(ctx context.Context, path string) (string, error) {
	return v.hashFile(ctx, path)
}

// Matches reports whether the source and destination files have identical
// content. Sizes are compared first so mismatched pairs never pay for two
// hash computations; a missing destination is simply not a match.
func (v *Verifier) Matches(ctx context.Context, sourcePath, destPath string) (bool, error) {
	srcInfo, err := os.Stat(sourcePath)
	if err != nil {
		return false, fmt.Errorf("cannot stat source %s: %w", sourcePath, err)
	}
	dstInfo, err := os.Stat(destPath)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("cannot stat destination %s: %w", destPath, err)
	}

	if srcInfo.Size() != dstInfo.Size() {
		// A derived destination (e.g. downsampled on a previous run) has a
		// different physical size but a cached content-identity record.
		if rec, ok := v.cache.Load(destPath); ok &&
			rec.Algorithm == v.algorithm &&
			rec.Size == dstInfo.Size() &&
			rec.MTimeNano == dstInfo.ModTime().UnixNano() {
			srcSum, err := v.HashOf(ctx, sourcePath)
			if err != nil {
				return false, err
			}
			return srcSum == rec.Sum, nil
		}
		return false, nil
	}

	srcSum, err := v.HashOf(ctx, sourcePath)
	if err != nil {
		return false, err
	}
	dstSum, err := v.HashOf(ctx, destPath)
	if err != nil {
		return false, err
	}
	return srcSum == dstSum, nil
}

// StoreDerived records a content-identity hash for path under its current
// on-disk stamp. Used after a verified copy (where the destination's content
// hash equals the source's) and after a destructive transform like
// downsampling, where the destination's bytes changed but it still
// represents the same source content.
func (v *Verifier) StoreDerived(path, sum string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("cannot stat %s: %w", path, err)
	}
	v.cache.Store(path, Record{
		Path:      path,
		Size:      info.Size(),
		MTimeNano: info.ModTime().UnixNano(),
		Algorithm: v.algorithm,
		Sum:       sum,
	})
	return nil
}

// CachedSum returns the cached content hash for path if a record exists and
// its size/mtime stamp still matches the file on disk. It never computes.
func (v *Verifier) CachedSum(path string) (string, bool) {
	rec, ok := v.cache.Load(path)
	if !ok || rec.Algorithm != v.algorithm {
		return "", false
	}
	info, err := os.Stat(path)
	if err != nil || rec.Size != info.Size() || rec.MTimeNano != info.ModTime().UnixNano() {
		return "", false
	}
	return rec.Sum, true
}

// Invalidate drops any cached record for path.
func (v *Verifier) Invalidate(path string) {
	v.cache.Delete(path)
}

// CachedCount returns the number of live cache records.
func (v *Verifier) CachedCount() int {
	return v.cache.Count()
}
