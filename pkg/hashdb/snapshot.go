package hashdb

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/pgzip"

	"github.com/tunesync/tunesync/pkg/plog"
)

// snapshotBaseName is the base name of the persistent hash database stored at
// the device root; the compression format appends its suffix.
const snapshotBaseName = ".tunesync.hashdb.json"

// snapshotVersion guards against future layout changes.
const snapshotVersion = 1

// snapshotContent is the on-disk layout of the hash database.
type snapshotContent struct {
	Version   int       `json:"version"`
	Algorithm string    `json:"algorithm"`
	SavedAt   time.Time `json:"savedAt"`
	Records   []Record  `json:"records"`
}

// SnapshotPath returns the hash database path for a device root and format
// ("zst" or "gz").
func SnapshotPath(deviceRoot, format string) string {
	return filepath.Join(deviceRoot, snapshotBaseName+"."+format)
}

// LoadSnapshot seeds the in-memory cache from a persisted hash database. A
// missing file is not an error; the run degrades to in-memory-only caching.
// Records computed with a different algorithm are skipped, and every record
// is still stamp-checked against the live filesystem before being served.
func (v *Verifier) LoadSnapshot(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("could not open hash database %s: %w", path, err)
	}
	defer f.Close()

	reader, closeReader, err := decompressingReader(f, path)
	if err != nil {
		return 0, err
	}
	defer closeReader()

	var content snapshotContent
	if err := json.NewDecoder(reader).Decode(&content); err != nil {
		return 0, fmt.Errorf("could not parse hash database %s: %w. It may be corrupt", path, err)
	}
	if content.Version != snapshotVersion {
		plog.Warn("Ignoring hash database with unknown version", "path", path, "version", content.Version)
		return 0, nil
	}

	loaded := 0
	for _, rec := range content.Records {
		if rec.Algorithm != v.algorithm || rec.Path == "" {
			continue
		}
		v.cache.Store(rec.Path, rec)
		loaded++
	}
	return loaded, nil
}

// SaveSnapshot persists the in-memory cache. The snapshot is written to a
// temporary file in the same directory and promoted with an atomic rename so
// a crash mid-save never leaves a truncated database behind.
func (v *Verifier) SaveSnapshot(path string) error {
	content := snapshotContent{
		Version:   snapshotVersion,
		Algorithm: v.algorithm,
		SavedAt:   time.Now().UTC(),
	}
	items := v.cache.Items()
	content.Records = make([]Record, 0, len(items))
	for _, rec := range items {
		content.Records = append(content.Records, rec)
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tunesync-hashdb-*.tmp")
	if err != nil {
		return fmt.Errorf("could not create temporary hash database in %s: %w", dir, err)
	}
	tmpPath := tmp.Name()
	defer func() {
		if tmpPath != "" {
			tmp.Close()
			os.Remove(tmpPath)
		}
	}()

	bufWriter := bufio.NewWriter(tmp)
	writer, closeWriter, err := compressingWriter(bufWriter, path)
	if err != nil {
		return err
	}

	if err := json.NewEncoder(writer).Encode(&content); err != nil {
		return fmt.Errorf("could not encode hash database: %w", err)
	}
	if err := closeWriter(); err != nil {
		return fmt.Errorf("could not finalize hash database compression: %w", err)
	}
	if err := bufWriter.Flush(); err != nil {
		return fmt.Errorf("could not flush hash database: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("could not close temporary hash database: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("could not promote hash database to %s: %w", path, err)
	}
	tmpPath = "" // prevent the deferred cleanup
	return nil
}

// compressingWriter wraps w in the compressor selected by the path suffix.
func compressingWriter(w io.Writer, path string) (io.Writer, func() error, error) {
	switch {
	case strings.HasSuffix(path, ".zst"):
		zw, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create zstd writer: %w", err)
		}
		return zw, zw.Close, nil
	case strings.HasSuffix(path, ".gz"):
		gw, err := pgzip.NewWriterLevel(w, pgzip.DefaultCompression)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create gzip writer: %w", err)
		}
		return gw, gw.Close, nil
	default:
		return nil, nil, fmt.Errorf("unsupported hash database format for %s", path)
	}
}

// decompressingReader wraps r in the decompressor selected by the path suffix.
func decompressingReader(r io.Reader, path string) (io.Reader, func(), error) {
	switch {
	case strings.HasSuffix(path, ".zst"):
		zr, err := zstd.NewReader(r)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create zstd reader for %s: %w", path, err)
		}
		return zr, zr.Close, nil
	case strings.HasSuffix(path, ".gz"):
		gr, err := pgzip.NewReader(r)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create gzip reader for %s: %w", path, err)
		}
		return gr, func() { gr.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unsupported hash database format for %s", path)
	}
}
