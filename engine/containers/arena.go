package containers

// Handle identifies a record in an Arena. The generation makes handles to
// released slots stale, so a reused slot is never reached through an old handle.
type Handle struct {
	Index      uint32
	Generation uint32
}

// InvalidHandle is never returned by Insert.
var InvalidHandle = Handle{}

func (h Handle) IsValid() bool {
	return h.Generation != 0
}

type arenaSlot[T any] struct {
	value      T
	generation uint32
	occupied   bool
}

// Arena stores records under stable handles, reusing free slots first.
// It is not safe for concurrent use.
type Arena[T any] struct {
	slots []arenaSlot[T]
	free  []uint32
	count int
}

func NewArena[T any](capacity int) *Arena[T] {
	return &Arena[T]{slots: make([]arenaSlot[T], 0, capacity)}
}

func (a *Arena[T]) Insert(value T) Handle {
	var index uint32
	if n := len(a.free); n > 0 {
		// Existing free spot. Take it.
		index = a.free[n-1]
		a.free = a.free[:n-1]
	} else {
		a.slots = append(a.slots, arenaSlot[T]{})
		index = uint32(len(a.slots) - 1)
	}
	slot := &a.slots[index]
	slot.generation++
	if slot.generation == 0 {
		slot.generation = 1
	}
	slot.value = value
	slot.occupied = true
	a.count++
	return Handle{Index: index, Generation: slot.generation}
}

func (a *Arena[T]) Get(h Handle) (*T, bool) {
	if !a.live(h) {
		return nil, false
	}
	return &a.slots[h.Index].value, true
}

// Remove releases the slot of h and returns its value.
func (a *Arena[T]) Remove(h Handle) (T, bool) {
	var zero T
	if !a.live(h) {
		return zero, false
	}
	slot := &a.slots[h.Index]
	value := slot.value
	slot.value = zero
	slot.occupied = false
	a.free = append(a.free, h.Index)
	a.count--
	return value, true
}

// Each visits every live record. Removing the visited handle inside fn is allowed.
func (a *Arena[T]) Each(fn func(h Handle, value *T)) {
	for i := range a.slots {
		if a.slots[i].occupied {
			fn(Handle{Index: uint32(i), Generation: a.slots[i].generation}, &a.slots[i].value)
		}
	}
}

func (a *Arena[T]) Len() int {
	return a.count
}

func (a *Arena[T]) live(h Handle) bool {
	return h.IsValid() && int(h.Index) < len(a.slots) &&
		a.slots[h.Index].occupied && a.slots[h.Index].generation == h.Generation
}
