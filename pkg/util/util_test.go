package util

import (
	"path/filepath"
	"runtime"
	"testing"
)

func TestNormalizedRelPath(t *testing.T) {
	root := filepath.Join("lib", "music")
	target := filepath.Join("lib", "music", "Artist", "Album", "01. Track.flac")

	got, err := NormalizedRelPath(root, target)
	if err != nil {
		t.Fatalf("NormalizedRelPath returned error: %v", err)
	}
	want := "Artist/Album/01. Track.flac"
	if got != want {
		t.Errorf("NormalizedRelPath = %q, want %q", got, want)
	}
}

func TestDenormalizedAbsPathRoundTrip(t *testing.T) {
	root := filepath.Join("dev", "Music")
	key := "Artist/Album/track.flac"

	abs := DenormalizedAbsPath(root, key)
	back, err := NormalizedRelPath(root, abs)
	if err != nil {
		t.Fatalf("NormalizedRelPath returned error: %v", err)
	}
	if back != key {
		t.Errorf("round trip produced %q, want %q", back, key)
	}
	if runtime.GOOS == "windows" {
		return // separator assertions below are for POSIX paths
	}
	if abs != "dev/Music/Artist/Album/track.flac" {
		t.Errorf("DenormalizedAbsPath = %q", abs)
	}
}

func TestByteCountIEC(t *testing.T) {
	tests := []struct {
		in   int64
		want string
	}{
		{0, "0 B"},
		{512, "512 B"},
		{1024, "1.0 KiB"},
		{10 * 1024 * 1024, "10.0 MiB"},
		{int64(1.5 * 1024 * 1024 * 1024), "1.5 GiB"},
	}
	for _, tt := range tests {
		if got := ByteCountIEC(tt.in); got != tt.want {
			t.Errorf("ByteCountIEC(%d) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestWithUserWritePermission(t *testing.T) {
	if got := WithUserWritePermission(0444); got != 0644 {
		t.Errorf("WithUserWritePermission(0444) = %o, want 0644", got)
	}
	if got := WithUserWritePermission(0755); got != 0755 {
		t.Errorf("WithUserWritePermission(0755) = %o, want 0755", got)
	}
}

func TestExpandPath(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	got, err := ExpandPath("~/Music")
	if err != nil {
		t.Fatal(err)
	}
	if want := filepath.Join(home, "Music"); got != want {
		t.Errorf("ExpandPath(~/Music) = %q, want %q", got, want)
	}

	if got, _ := ExpandPath("/absolute/path"); got != "/absolute/path" {
		t.Errorf("ExpandPath left no tilde alone: %q", got)
	}
}

func TestMergeAndDeduplicate(t *testing.T) {
	got := MergeAndDeduplicate([]string{".flac", ".mp3"}, []string{".mp3", ".ogg"})
	if len(got) != 3 {
		t.Errorf("MergeAndDeduplicate returned %v, want 3 unique entries", got)
	}
}
