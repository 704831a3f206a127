package hints

import (
	"errors"
	"fmt"
	"testing"
)

var errNoLyrics = New("no embedded lyrics")

func TestIsHint(t *testing.T) {
	if !IsHint(errNoLyrics) {
		t.Error("IsHint returned false for a hint")
	}
	if IsHint(errors.New("plain error")) {
		t.Error("IsHint returned true for a plain error")
	}
	if IsHint(nil) {
		t.Error("IsHint returned true for nil")
	}
}

func TestWrapPreservesChain(t *testing.T) {
	base := errors.New("tool exited 2")
	hinted := Wrap(base)

	if !IsHint(hinted) {
		t.Error("wrapped error is not a hint")
	}
	if !errors.Is(hinted, base) {
		t.Error("wrapped hint lost its cause")
	}
	if Wrap(nil) != nil {
		t.Error("Wrap(nil) should be nil")
	}
}

func TestIsHintThroughWrapping(t *testing.T) {
	wrapped := fmt.Errorf("stage lyrics: %w", errNoLyrics)
	if !IsHint(wrapped) {
		t.Error("hint not detected through fmt.Errorf wrapping")
	}
	if !Is(wrapped, errNoLyrics) {
		t.Error("Is did not match the hint target")
	}
}
