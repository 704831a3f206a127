// Package config defines the run configuration for a device sync: where the
// library and device live, which part of the tree is in scope, and which
// policies (overwrite, deletion, post-sync transforms) apply.
//
// Configuration is resolved in two layers, like the rest of the tool's
// ancestry: a JSON file stored at the device root carries the long-term
// policy for that device, and command-line flags override individual values
// for a single run. The merged result is validated once and then passed as an
// immutable value into the engine; there is no mutable global configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/tunesync/tunesync/pkg/plog"
	"github.com/tunesync/tunesync/pkg/util"
)

// ConfigFileName is the name of the per-device configuration file.
const ConfigFileName = "tunesync.config.json"

// DefaultExtensions is the audio extension allow-list applied when the config
// does not set one. An explicitly empty list means "all files".
var DefaultExtensions = []string{".mp3", ".m4a", ".flac", ".ogg", ".opus"}

// SystemExcludePatterns are always excluded from planning and from the
// delete-extras pass so the tool's own bookkeeping files survive a mirror.
var SystemExcludePatterns = []string{
	ConfigFileName,
	".tunesync.lock",
	".tunesync.hashdb.*",
}

// PerformanceConfig sizes the worker pools and I/O buffers.
type PerformanceConfig struct {
	// Jobs is the transfer worker pool size. I/O bound.
	Jobs int `json:"jobs"`
	// TranscodeJobs bounds the post-sync transform pool. CPU bound, sized
	// independently of Jobs so slow transcodes never starve file copying.
	TranscodeJobs int `json:"transcodeJobs"`
	BufferSizeKB  int `json:"bufferSizeKB"`
}

// DownsampleConfig controls the optional audio downsampling stage.
type DownsampleConfig struct {
	Enabled          bool `json:"enabled"`
	TargetBitDepth   int  `json:"targetBitDepth"`
	TargetSampleRate int  `json:"targetSampleRate"`
	// SizeThresholdMB gates the stage: only files larger than this are
	// handed to the transcoder.
	SizeThresholdMB int64 `json:"sizeThresholdMB"`
	// Tool is the external transcoder binary invoked per file.
	Tool           string `json:"tool"`
	TimeoutSeconds int    `json:"timeoutSeconds"`
}

// CoverResizeConfig controls the optional cover-art stage.
type CoverResizeConfig struct {
	Enabled bool `json:"enabled"`
	// TargetSize is the square pixel size covers are resized to.
	TargetSize int    `json:"targetSize"`
	Tool       string `json:"tool"`
}

// LyricsExportConfig controls the optional lyrics sidecar stage.
type LyricsExportConfig struct {
	Enabled bool `json:"enabled"`
	// SubdirName is the directory created next to the track for sidecars.
	SubdirName string `json:"subdirName"`
	Extension  string `json:"extension"`
	Tool       string `json:"tool"`
}

// Config is the complete, validated configuration for one sync run.
type Config struct {
	// SourceRoot is the library root, DeviceRoot the mounted player's music
	// folder. Discovery of either is a collaborator's job; both arrive here
	// already resolved.
	SourceRoot string `json:"sourceRoot"`
	DeviceRoot string `json:"deviceRoot"`

	// Folders narrows the run to an explicit set of top-level subfolders of
	// the source root. Empty means the full tree.
	Folders []string `json:"folders"`

	// Extensions is the file extension allow-list. nil falls back to
	// DefaultExtensions; an explicitly empty list admits every file.
	Extensions []string `json:"extensions"`

	// UserExcludePatterns are glob patterns (doublestar syntax) matched
	// against relative paths and basenames.
	UserExcludePatterns []string `json:"userExcludePatterns"`

	// OnlyMissing skips the hash comparison for files that already exist at
	// the destination: presence alone counts as up to date.
	OnlyMissing bool `json:"onlyMissing"`

	// DeleteExtras removes device files absent from the source scope after
	// all copies have settled.
	DeleteExtras bool `json:"deleteExtras"`

	// HashAlgorithm selects the content hash: sha256 (default), sha1 or md5.
	HashAlgorithm string `json:"hashAlgorithm"`

	// HashDBFormat selects the compression of the persistent hash snapshot
	// at the device root: "zst", "gz" or "off" (in-memory caching only).
	HashDBFormat string `json:"hashDBFormat"`

	RetryCount       int `json:"retryCount"`
	RetryWaitSeconds int `json:"retryWaitSeconds"`

	Performance PerformanceConfig `json:"performance"`

	Downsample   DownsampleConfig   `json:"downsample"`
	CoverResize  CoverResizeConfig  `json:"coverResize"`
	LyricsExport LyricsExportConfig `json:"lyricsExport"`

	LogLevel string `json:"logLevel"`

	// DryRun is a runtime-only flag, never persisted.
	DryRun bool `json:"-"`
}

// NewDefault returns the default configuration.
func NewDefault() Config {
	return Config{
		Extensions:       nil, // resolved to DefaultExtensions
		HashAlgorithm:    "sha256",
		HashDBFormat:     "zst",
		RetryCount:       2,
		RetryWaitSeconds: 2,
		Performance: PerformanceConfig{
			Jobs:          4,
			TranscodeJobs: 2,
			BufferSizeKB:  256,
		},
		Downsample: DownsampleConfig{
			Enabled:          false,
			TargetBitDepth:   16,
			TargetSampleRate: 44100,
			SizeThresholdMB:  60,
			Tool:             "ffmpeg",
			TimeoutSeconds:   300,
		},
		CoverResize: CoverResizeConfig{
			Enabled:    false,
			TargetSize: 100,
			Tool:       "magick",
		},
		LyricsExport: LyricsExportConfig{
			Enabled:    false,
			SubdirName: "Lyrics",
			Extension:  ".lrc",
			Tool:       "lyricsdump",
		},
		LogLevel: "info",
	}
}

// Load reads the configuration file from the device root. A missing file is
// not an error; the defaults are returned so a device can be synced without
// prior initialization.
func Load(deviceRoot string) (Config, error) {
	cfg := NewDefault()

	path := filepath.Join(deviceRoot, ConfigFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("could not read config file %s: %w", path, err)
	}

	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("could not parse config file %s: %w. It may be corrupt", path, err)
	}
	// The file's deviceRoot field, if any, never overrides where we actually
	// found the file.
	cfg.DeviceRoot = deviceRoot
	return cfg, nil
}

// Save writes the configuration file into the device root, pretty-printed so
// users can edit it.
func Save(cfg Config) error {
	if cfg.DeviceRoot == "" {
		return fmt.Errorf("cannot save config without a device root")
	}
	path := filepath.Join(cfg.DeviceRoot, ConfigFileName)
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("could not marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, util.UserWritableFilePerms); err != nil {
		return fmt.Errorf("could not write config file %s: %w", path, err)
	}
	return nil
}

// MergeWithFlags overlays explicitly-set flag values onto a base config.
// The map holds only flags the user actually passed, so zero values in it
// are intentional overrides.
func MergeWithFlags(base Config, flags map[string]any) Config {
	cfg := base
	for name, value := range flags {
		switch name {
		case "source":
			cfg.SourceRoot = value.(string)
		case "device":
			cfg.DeviceRoot = value.(string)
		case "folders":
			cfg.Folders = value.([]string)
		case "ext":
			cfg.Extensions = value.([]string)
		case "exclude":
			cfg.UserExcludePatterns = value.([]string)
		case "only-missing":
			cfg.OnlyMissing = value.(bool)
		case "delete-extras":
			cfg.DeleteExtras = value.(bool)
		case "hash":
			cfg.HashAlgorithm = value.(string)
		case "hashdb-format":
			cfg.HashDBFormat = value.(string)
		case "jobs":
			cfg.Performance.Jobs = value.(int)
		case "transcode-jobs":
			cfg.Performance.TranscodeJobs = value.(int)
		case "buffer-size-kb":
			cfg.Performance.BufferSizeKB = value.(int)
		case "retry-count":
			cfg.RetryCount = value.(int)
		case "retry-wait":
			cfg.RetryWaitSeconds = value.(int)
		case "downsample":
			cfg.Downsample.Enabled = value.(bool)
		case "cover-resize":
			cfg.CoverResize.Enabled = value.(bool)
		case "lyrics-export":
			cfg.LyricsExport.Enabled = value.(bool)
		case "log-level":
			cfg.LogLevel = value.(string)
		case "dry-run":
			cfg.DryRun = value.(bool)
		}
	}
	return cfg
}

// validHashAlgorithms lists the supported content hash identifiers.
var validHashAlgorithms = map[string]struct{}{
	"sha256": {},
	"sha1":   {},
	"md5":    {},
}

// validHashDBFormats lists the supported persistent snapshot formats.
var validHashDBFormats = map[string]struct{}{
	"zst": {},
	"gz":  {},
	"off": {},
}

// Validate checks the merged configuration. When requireRoots is true the
// source and device roots must resolve to existing directories.
func (c *Config) Validate(requireRoots bool) error {
	if requireRoots {
		if c.SourceRoot == "" {
			return fmt.Errorf("a source root is required")
		}
		if c.DeviceRoot == "" {
			return fmt.Errorf("a device root is required")
		}
		info, err := os.Stat(c.SourceRoot)
		if err != nil {
			return fmt.Errorf("cannot stat source root %s: %w", c.SourceRoot, err)
		}
		if !info.IsDir() {
			return fmt.Errorf("source root %s is not a directory", c.SourceRoot)
		}
	}

	if c.Performance.Jobs < 1 {
		return fmt.Errorf("jobs must be >= 1, got %d", c.Performance.Jobs)
	}
	if c.Performance.TranscodeJobs < 1 {
		return fmt.Errorf("transcode jobs must be >= 1, got %d", c.Performance.TranscodeJobs)
	}
	if c.Performance.BufferSizeKB < 4 {
		return fmt.Errorf("buffer size must be >= 4 KB, got %d", c.Performance.BufferSizeKB)
	}
	if c.RetryCount < 0 {
		return fmt.Errorf("retry count must be >= 0, got %d", c.RetryCount)
	}

	if _, ok := validHashAlgorithms[c.HashAlgorithm]; !ok {
		return fmt.Errorf("invalid hash algorithm: %q. Must be 'sha256', 'sha1' or 'md5'", c.HashAlgorithm)
	}
	if _, ok := validHashDBFormats[c.HashDBFormat]; !ok {
		return fmt.Errorf("invalid hashdb format: %q. Must be 'zst', 'gz' or 'off'", c.HashDBFormat)
	}

	for _, ext := range c.ResolvedExtensions() {
		if !strings.HasPrefix(ext, ".") {
			return fmt.Errorf("extension %q must start with a dot", ext)
		}
	}

	for _, folder := range c.Folders {
		if folder == "" || strings.Contains(folder, "..") || filepath.IsAbs(folder) {
			return fmt.Errorf("scope folder %q must be a relative subfolder name", folder)
		}
	}

	if c.Downsample.Enabled {
		if c.Downsample.TargetSampleRate <= 0 || c.Downsample.TargetBitDepth <= 0 {
			return fmt.Errorf("downsample target bit depth and sample rate must be positive")
		}
		if c.Downsample.Tool == "" {
			return fmt.Errorf("downsample requires a transcoder tool")
		}
		if c.Downsample.TimeoutSeconds <= 0 {
			return fmt.Errorf("downsample timeout must be positive")
		}
	}
	if c.CoverResize.Enabled {
		if c.CoverResize.TargetSize <= 0 {
			return fmt.Errorf("cover resize target size must be positive")
		}
		if c.CoverResize.Tool == "" {
			return fmt.Errorf("cover resize requires an image tool")
		}
	}
	if c.LyricsExport.Enabled {
		if c.LyricsExport.SubdirName == "" {
			return fmt.Errorf("lyrics export requires a sidecar subdirectory name")
		}
		if !strings.HasPrefix(c.LyricsExport.Extension, ".") {
			return fmt.Errorf("lyrics extension %q must start with a dot", c.LyricsExport.Extension)
		}
		if c.LyricsExport.Tool == "" {
			return fmt.Errorf("lyrics export requires a tag tool")
		}
	}
	return nil
}

// ResolvedExtensions returns the effective extension allow-list, lowercased.
// nil config extensions resolve to DefaultExtensions; an explicitly empty
// slice resolves to empty (all files).
func (c *Config) ResolvedExtensions() []string {
	src := c.Extensions
	if src == nil {
		src = DefaultExtensions
	}
	out := make([]string, 0, len(src))
	for _, e := range src {
		out = append(out, strings.ToLower(e))
	}
	return out
}

// ScopeFolders returns the partial-scope folders in deterministic order, or
// nil for a full-tree run.
func (c *Config) ScopeFolders() []string {
	if len(c.Folders) == 0 {
		return nil
	}
	folders := util.MergeAndDeduplicate(c.Folders)
	sort.Strings(folders)
	return folders
}

// LogSummary logs the effective configuration for the run.
func (c *Config) LogSummary() {
	scope := "full"
	if f := c.ScopeFolders(); f != nil {
		scope = strings.Join(f, ",")
	}
	plog.Info("Configuration",
		"source", c.SourceRoot,
		"device", c.DeviceRoot,
		"scope", scope,
		"extensions", strings.Join(c.ResolvedExtensions(), " "),
		"only_missing", c.OnlyMissing,
		"delete_extras", c.DeleteExtras,
		"hash", c.HashAlgorithm,
		"hashdb", c.HashDBFormat,
		"jobs", c.Performance.Jobs,
		"transcode_jobs", c.Performance.TranscodeJobs,
		"downsample", c.Downsample.Enabled,
		"cover_resize", c.CoverResize.Enabled,
		"lyrics_export", c.LyricsExport.Enabled,
		"dry_run", c.DryRun,
	)
}
