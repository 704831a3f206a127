package sharded

import (
	"fmt"
	"sync"
	"testing"
)

func TestMapStoreLoadDelete(t *testing.T) {
	m := NewMap[int]()

	m.Store("a/b.flac", 1)
	m.Store("a/c.flac", 2)

	if v, ok := m.Load("a/b.flac"); !ok || v != 1 {
		t.Errorf("Load returned (%d, %v), want (1, true)", v, ok)
	}
	if _, ok := m.Load("missing"); ok {
		t.Error("Load of missing key reported present")
	}
	if got := m.Count(); got != 2 {
		t.Errorf("Count = %d, want 2", got)
	}

	m.Delete("a/b.flac")
	if _, ok := m.Load("a/b.flac"); ok {
		t.Error("key still present after Delete")
	}
}

func TestMapConcurrentAccess(t *testing.T) {
	m := NewMap[int]()
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				key := fmt.Sprintf("dir%d/file%d", g, i)
				m.Store(key, i)
				if v, ok := m.Load(key); !ok || v != i {
					t.Errorf("Load(%q) = (%d, %v), want (%d, true)", key, v, ok, i)
				}
			}
		}(g)
	}
	wg.Wait()

	if got := m.Count(); got != 8*200 {
		t.Errorf("Count = %d, want %d", got, 8*200)
	}
	if got := len(m.Items()); got != 8*200 {
		t.Errorf("len(Items()) = %d, want %d", got, 8*200)
	}
}

func TestSetLoadOrStore(t *testing.T) {
	s := NewSet()

	if loaded := s.LoadOrStore("x"); loaded {
		t.Error("first LoadOrStore reported loaded")
	}
	if loaded := s.LoadOrStore("x"); !loaded {
		t.Error("second LoadOrStore did not report loaded")
	}
	if !s.Has("x") {
		t.Error("Has returned false for stored key")
	}

	s.Delete("x")
	if s.Has("x") {
		t.Error("Has returned true after Delete")
	}
}

func TestSetKeysAndCount(t *testing.T) {
	s := NewSet()
	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				s.Store(fmt.Sprintf("g%d/%d", g, i))
			}
		}(g)
	}
	wg.Wait()

	if got := s.Count(); got != 400 {
		t.Errorf("Count = %d, want 400", got)
	}
	if got := len(s.Keys()); got != 400 {
		t.Errorf("len(Keys()) = %d, want 400", got)
	}
}
