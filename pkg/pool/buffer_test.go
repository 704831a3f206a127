package pool

import "testing"

func TestFixedBufferPoolGetPut(t *testing.T) {
	fp := NewFixedBuffer(4096)

	buf := fp.Get()
	if buf == nil || len(*buf) != 4096 {
		t.Fatalf("Get returned buffer of len %d, want 4096", len(*buf))
	}

	// Shrink the slice, return it, and ensure the next Get has full length again.
	*buf = (*buf)[:10]
	fp.Put(buf)

	buf2 := fp.Get()
	if len(*buf2) != 4096 {
		t.Errorf("reused buffer has len %d, want 4096", len(*buf2))
	}
}

func TestFixedBufferPoolRejectsForeignBuffers(t *testing.T) {
	fp := NewFixedBuffer(1024)

	foreign := make([]byte, 99)
	fp.Put(&foreign) // must be dropped, not pooled

	got := fp.Get()
	if len(*got) != 1024 {
		t.Errorf("Get returned foreign buffer of len %d", len(*got))
	}
	fp.Put(nil) // must not panic
}
