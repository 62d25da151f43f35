package containers

import (
	"errors"
	"testing"
)

func TestRingQueueFixed(t *testing.T) {
	q := NewRingQueue[int](2)
	if err := q.Enqueue(1); err != nil {
		t.Fatal(err)
	}
	if err := q.Enqueue(2); err != nil {
		t.Fatal(err)
	}
	if err := q.Enqueue(3); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("enqueue on full queue = %v, want ErrQueueFull", err)
	}
	v, err := q.Dequeue()
	if err != nil || v != 1 {
		t.Fatalf("dequeue = %d, %v; want 1", v, err)
	}
	if err := q.Enqueue(3); err != nil {
		t.Fatal(err)
	}
	if got := q.Drain(); len(got) != 2 || got[0] != 2 || got[1] != 3 {
		t.Errorf("drain = %v, want [2 3]", got)
	}
	if _, err := q.Peek(); !errors.Is(err, ErrQueueEmpty) {
		t.Errorf("peek on empty queue = %v", err)
	}
}

func TestRingQueueGrowKeepsOrder(t *testing.T) {
	q := NewGrowableRingQueue[int](2)
	// wrap the read index before growing
	q.Enqueue(0)
	q.Dequeue()
	for i := 1; i <= 9; i++ {
		if err := q.Enqueue(i); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}
	if q.Len() != 9 {
		t.Fatalf("len = %d, want 9", q.Len())
	}
	for want := 1; want <= 9; want++ {
		got, err := q.Dequeue()
		if err != nil || got != want {
			t.Fatalf("dequeue = %d, %v; want %d", got, err, want)
		}
	}
}

func TestArenaStaleHandles(t *testing.T) {
	a := NewArena[string](4)
	h1 := a.Insert("albedo")
	h2 := a.Insert("normal")
	if !h1.IsValid() || InvalidHandle.IsValid() {
		t.Fatal("handle validity is wrong")
	}
	if v, ok := a.Remove(h1); !ok || v != "albedo" {
		t.Fatalf("remove = %q, %v", v, ok)
	}
	if _, ok := a.Get(h1); ok {
		t.Fatal("removed handle still resolves")
	}
	h3 := a.Insert("emissive")
	if h3.Index != h1.Index {
		t.Fatalf("free slot not reused: %d vs %d", h3.Index, h1.Index)
	}
	if h3.Generation == h1.Generation {
		t.Fatal("reused slot kept the old generation")
	}
	if _, ok := a.Get(h1); ok {
		t.Fatal("stale handle resolves to the new record")
	}
	if v, ok := a.Get(h2); !ok || *v != "normal" {
		t.Fatalf("get = %v, %v", v, ok)
	}

	seen := 0
	a.Each(func(h Handle, v *string) {
		seen++
		a.Remove(h)
	})
	if seen != 2 || a.Len() != 0 {
		t.Errorf("each visited %d, len after = %d", seen, a.Len())
	}
}
