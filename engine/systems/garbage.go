package systems

import (
	"sync"

	"github.com/spaghettifunk/vesta/engine/containers"
	"github.com/spaghettifunk/vesta/engine/core"
	"github.com/spaghettifunk/vesta/engine/renderer/metadata"
)

type ReleaseKind uint8

const (
	ReleaseBuffer ReleaseKind = iota
	ReleaseImage
	ReleaseBindingTable
	ReleaseAccel
)

type retired struct {
	kind   ReleaseKind
	handle uint64
	// frame is the engine frame number at retirement.
	frame uint64
}

// releaseDevice is the subset of the device able to free what the queue holds.
type releaseDevice interface {
	DestroyBuffer(buffer metadata.BufferHandle)
	DestroyImage(image metadata.ImageHandle)
	FreeBindingTable(table metadata.BindingTableHandle)
	DestroyAccelerationStructure(accel metadata.AccelHandle)
}

// ReleaseQueue defers the destruction of GPU objects until every frame slot that
// could still reference them has completed.
type ReleaseQueue struct {
	mu             sync.Mutex
	device         releaseDevice
	records        *containers.Arena[retired]
	framesInFlight uint64
	frame          uint64
	released       uint64
}

func NewReleaseQueue(device releaseDevice, framesInFlight uint8) *ReleaseQueue {
	return &ReleaseQueue{
		device:         device,
		records:        containers.NewArena[retired](64),
		framesInFlight: uint64(framesInFlight),
	}
}

func (q *ReleaseQueue) retire(kind ReleaseKind, handle uint64) containers.Handle {
	if handle == metadata.InvalidHandle {
		return containers.InvalidHandle
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.records.Insert(retired{kind: kind, handle: handle, frame: q.frame})
}

func (q *ReleaseQueue) RetireBuffer(h metadata.BufferHandle) containers.Handle {
	return q.retire(ReleaseBuffer, uint64(h))
}

func (q *ReleaseQueue) RetireImage(h metadata.ImageHandle) containers.Handle {
	return q.retire(ReleaseImage, uint64(h))
}

func (q *ReleaseQueue) RetireBindingTable(h metadata.BindingTableHandle) containers.Handle {
	return q.retire(ReleaseBindingTable, uint64(h))
}

func (q *ReleaseQueue) RetireAccel(h metadata.AccelHandle) containers.Handle {
	return q.retire(ReleaseAccel, uint64(h))
}

// Collect is called at the safe point of frame. It releases every record retired
// more than framesInFlight frames ago and returns how many were released.
func (q *ReleaseQueue) Collect(frame uint64) int {
	q.mu.Lock()
	q.frame = frame
	var due []containers.Handle
	q.records.Each(func(h containers.Handle, r *retired) {
		if frame > r.frame+q.framesInFlight {
			due = append(due, h)
		}
	})
	records := make([]retired, 0, len(due))
	for _, h := range due {
		if r, ok := q.records.Remove(h); ok {
			records = append(records, r)
		}
	}
	q.released += uint64(len(records))
	q.mu.Unlock()

	for _, r := range records {
		q.destroy(r)
	}
	return len(records)
}

// Flush releases everything. Only valid once the device is idle.
func (q *ReleaseQueue) Flush() int {
	q.mu.Lock()
	var records []retired
	q.records.Each(func(h containers.Handle, r *retired) {
		records = append(records, *r)
		q.records.Remove(h)
	})
	q.released += uint64(len(records))
	q.mu.Unlock()

	for _, r := range records {
		q.destroy(r)
	}
	if len(records) > 0 {
		core.LogDebug("release queue flushed %d objects", len(records))
	}
	return len(records)
}

func (q *ReleaseQueue) destroy(r retired) {
	switch r.kind {
	case ReleaseBuffer:
		q.device.DestroyBuffer(metadata.BufferHandle(r.handle))
	case ReleaseImage:
		q.device.DestroyImage(metadata.ImageHandle(r.handle))
	case ReleaseBindingTable:
		q.device.FreeBindingTable(metadata.BindingTableHandle(r.handle))
	case ReleaseAccel:
		q.device.DestroyAccelerationStructure(metadata.AccelHandle(r.handle))
	}
}

func (q *ReleaseQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.records.Len()
}

func (q *ReleaseQueue) Released() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.released
}
