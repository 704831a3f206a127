package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/tunesync/tunesync/pkg/config"
	"github.com/tunesync/tunesync/pkg/hashdb"
	"github.com/tunesync/tunesync/pkg/plan"
	"github.com/tunesync/tunesync/pkg/report"
)

// TestHelperProcess isn't a real test. It stands in for the external tools
// the post-sync transforms invoke.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}
	args := os.Args
	for i, arg := range args {
		if arg == "--" {
			args = args[i+1:]
			break
		}
	}
	if len(args) == 0 {
		os.Exit(1)
	}
	switch args[0] {
	case "lyricsdump-ok":
		fmt.Print("[00:01.00] la la la\n")
	}
	os.Exit(0)
}

func fakeCommandContext(ctx context.Context, name string, arg ...string) *exec.Cmd {
	cs := append([]string{"-test.run=TestHelperProcess", "--", name}, arg...)
	cmd := exec.CommandContext(ctx, os.Args[0], cs...)
	cmd.Env = append(os.Environ(), "GO_WANT_HELPER_PROCESS=1")
	return cmd
}

func newTestConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.NewDefault()
	cfg.SourceRoot = t.TempDir()
	cfg.DeviceRoot = filepath.Join(t.TempDir(), "player")
	cfg.Extensions = []string{".flac", ".mp3"}
	cfg.HashDBFormat = "off"
	cfg.RetryCount = 1
	cfg.RetryWaitSeconds = 0
	cfg.Performance.Jobs = 2
	cfg.Performance.BufferSizeKB = 4
	return cfg
}

func createFile(t *testing.T, root, rel, content string) string {
	t.Helper()
	path := filepath.Join(root, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("cannot read %s: %v", path, err)
	}
	return string(data)
}

func runSync(t *testing.T, cfg config.Config) (report.Summary, *Coordinator) {
	t.Helper()
	c, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	summary, err := c.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	return summary, c
}

func TestRunCopiesLibrary(t *testing.T) {
	cfg := newTestConfig(t)
	createFile(t, cfg.SourceRoot, "Rock/Album/01 - Opener.flac", "first track audio")
	createFile(t, cfg.SourceRoot, "Jazz/Trio/02 - Standard.mp3", "second track audio")
	createFile(t, cfg.SourceRoot, "Rock/Album/booklet.pdf", "not audio")

	summary, c := runSync(t, cfg)
	if summary.Copied != 2 {
		t.Fatalf("copied = %d, want 2", summary.Copied)
	}
	if len(summary.Failed) != 0 {
		t.Fatalf("unexpected failures: %+v", summary.Failed)
	}
	if c.State() != StateDone {
		t.Fatalf("state = %s, want done", c.State())
	}

	got := readFile(t, filepath.Join(cfg.DeviceRoot, "Rock", "Album", "01 - Opener.flac"))
	if got != "first track audio" {
		t.Fatalf("dest content = %q", got)
	}
	if _, err := os.Lstat(filepath.Join(cfg.DeviceRoot, "Rock", "Album", "booklet.pdf")); !errors.Is(err, os.ErrNotExist) {
		t.Fatal("filtered extension reached the device")
	}
}

func TestSecondRunSkipsIdenticalFiles(t *testing.T) {
	cfg := newTestConfig(t)
	createFile(t, cfg.SourceRoot, "Rock/A.flac", "aaaa")
	createFile(t, cfg.SourceRoot, "Rock/B.flac", "bbbb")

	first, _ := runSync(t, cfg)
	if first.Copied != 2 {
		t.Fatalf("first run copied = %d, want 2", first.Copied)
	}

	second, _ := runSync(t, cfg)
	if second.Copied != 0 || second.Skipped != 2 {
		t.Fatalf("second run copied = %d skipped = %d, want 0/2", second.Copied, second.Skipped)
	}
}

func TestRunDeletesExtras(t *testing.T) {
	cfg := newTestConfig(t)
	cfg.DeleteExtras = true
	createFile(t, cfg.SourceRoot, "Rock/A.flac", "keep me")
	createFile(t, cfg.DeviceRoot, "Rock/A.flac", "keep me")
	createFile(t, cfg.DeviceRoot, "Rock/Gone.flac", "left behind")

	summary, _ := runSync(t, cfg)
	if summary.DeletedExtras != 1 {
		t.Fatalf("deletedExtras = %d, want 1", summary.DeletedExtras)
	}
	if _, err := os.Lstat(filepath.Join(cfg.DeviceRoot, "Rock", "Gone.flac")); !errors.Is(err, os.ErrNotExist) {
		t.Fatal("extra file still on device")
	}
	if _, err := os.Lstat(filepath.Join(cfg.DeviceRoot, "Rock", "A.flac")); err != nil {
		t.Fatalf("kept file missing: %v", err)
	}
}

func TestFatalPlanningFailsTheRun(t *testing.T) {
	cfg := newTestConfig(t)
	createFile(t, cfg.SourceRoot, "Rock/A.flac", "aaaa")

	c, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := os.RemoveAll(cfg.SourceRoot); err != nil {
		t.Fatal(err)
	}

	_, err = c.Run(context.Background())
	if !errors.Is(err, ErrFatalPlanning) {
		t.Fatalf("err = %v, want ErrFatalPlanning", err)
	}
	if c.State() != StateFailed {
		t.Fatalf("state = %s, want failed", c.State())
	}
}

func TestMissingScopeFolderIsNotFatal(t *testing.T) {
	cfg := newTestConfig(t)
	cfg.Folders = []string{"Rock", "DoesNotExist"}
	createFile(t, cfg.SourceRoot, "Rock/A.flac", "aaaa")

	summary, c := runSync(t, cfg)
	if c.State() != StateDone {
		t.Fatalf("state = %s, want done", c.State())
	}
	if summary.Copied != 1 {
		t.Fatalf("copied = %d, want 1", summary.Copied)
	}
	if len(summary.Failed) != 1 || summary.Failed[0].Kind != report.FailPlanning {
		t.Fatalf("failures = %+v, want one planning failure", summary.Failed)
	}
}

func TestStopAbandonsRunCleanly(t *testing.T) {
	cfg := newTestConfig(t)
	cfg.Performance.Jobs = 1
	big := strings.Repeat("x", 4*1024*1024)
	createFile(t, cfg.SourceRoot, "AAA First/big.flac", big)
	createFile(t, cfg.SourceRoot, "ZZZ Last/small.flac", "tiny")

	c, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		for snap := range c.Reporter().Events() {
			if snap.BytesDone > 0 {
				c.Stop()
				// Keep draining so writers never block.
				for range c.Reporter().Events() {
				}
				return
			}
		}
	}()

	summary, err := c.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	<-stopped

	if summary.Copied != 0 {
		t.Fatalf("copied = %d, want 0 after cancellation", summary.Copied)
	}
	if summary.NotAttempted != 2 {
		t.Fatalf("notAttempted = %d, want 2", summary.NotAttempted)
	}
	if len(summary.Failed) != 0 {
		t.Fatalf("cancellation produced failures: %+v", summary.Failed)
	}
	// The final destination file must never be partially visible.
	if _, err := os.Lstat(filepath.Join(cfg.DeviceRoot, "AAA First", "big.flac")); !errors.Is(err, os.ErrNotExist) {
		t.Fatal("partial copy visible at final destination path")
	}
	if c.State() != StateDone {
		t.Fatalf("state = %s, want done", c.State())
	}
}

func TestSnapshotPersistedAtDeviceRoot(t *testing.T) {
	cfg := newTestConfig(t)
	cfg.HashDBFormat = "zst"
	createFile(t, cfg.SourceRoot, "Rock/A.flac", "aaaa")

	runSync(t, cfg)

	snapshot := hashdb.SnapshotPath(cfg.DeviceRoot, "zst")
	if _, err := os.Stat(snapshot); err != nil {
		t.Fatalf("snapshot missing: %v", err)
	}

	// A fresh coordinator must be able to skip from the persisted hashes
	// without a source rewrite in between.
	second, _ := runSync(t, cfg)
	if second.Skipped != 1 {
		t.Fatalf("skipped = %d, want 1", second.Skipped)
	}
}

func TestTransformsRunAfterCopy(t *testing.T) {
	cfg := newTestConfig(t)
	cfg.LyricsExport.Enabled = true
	cfg.LyricsExport.Tool = "lyricsdump-ok"
	createFile(t, cfg.SourceRoot, "Rock/01 - Song.flac", "audio payload")

	c, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	c.commandContext = fakeCommandContext

	summary, err := c.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.Copied != 1 {
		t.Fatalf("copied = %d, want 1", summary.Copied)
	}
	if len(summary.Failed) != 0 {
		t.Fatalf("unexpected failures: %+v", summary.Failed)
	}

	sidecar := filepath.Join(cfg.DeviceRoot, "Rock", "Lyrics", "01 - Song.lrc")
	got := readFile(t, sidecar)
	if !strings.Contains(got, "la la la") {
		t.Fatalf("sidecar content = %q", got)
	}
}

func TestPlanOnlyLeavesDeviceUntouched(t *testing.T) {
	cfg := newTestConfig(t)
	createFile(t, cfg.SourceRoot, "Rock/A.flac", "aaaa")

	c, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	result, err := c.PlanOnly(context.Background())
	if err != nil {
		t.Fatalf("PlanOnly: %v", err)
	}

	copies, _, _, _ := result.Totals()
	if copies != 1 {
		t.Fatalf("planned copies = %d, want 1", copies)
	}
	if result.Ops[0].Kind != plan.OpCopy {
		t.Fatalf("op kind = %s, want copy", result.Ops[0].Kind)
	}
	if _, err := os.Lstat(cfg.DeviceRoot); !errors.Is(err, os.ErrNotExist) {
		t.Fatal("plan-only run created the device root")
	}
}

func TestConcurrentRunsRejectedByLock(t *testing.T) {
	cfg := newTestConfig(t)
	createFile(t, cfg.SourceRoot, "Rock/A.flac", strings.Repeat("a", 256*1024))

	if err := os.MkdirAll(cfg.DeviceRoot, 0755); err != nil {
		t.Fatal(err)
	}
	// Simulate another live run by planting a fresh lock.
	lockPath := filepath.Join(cfg.DeviceRoot, ".tunesync.lock")
	if err := os.WriteFile(lockPath, []byte(`{"pid":999999,"hostname":"other-host","startedAt":"`+time.Now().UTC().Format(time.RFC3339)+`"}`), 0644); err != nil {
		t.Fatal(err)
	}

	c, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := c.Run(context.Background()); err == nil {
		t.Fatal("second run acquired an already-held device lock")
	}
	if c.State() != StateFailed {
		t.Fatalf("state = %s, want failed", c.State())
	}
}
