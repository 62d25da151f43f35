package headless

import (
	"github.com/spaghettifunk/vesta/engine/renderer"
	"github.com/spaghettifunk/vesta/engine/renderer/metadata"
)

// InjectImageAllocFailures makes the next n image allocations fail with core.ErrOutOfDeviceMemory.
func (d *Device) InjectImageAllocFailures(n int) {
	d.mu.Lock()
	d.faults.imageAllocs = n
	d.mu.Unlock()
}

// InjectAllocFailureWhen fails every image allocation matching pred.
func (d *Device) InjectAllocFailureWhen(pred func(metadata.ImageDesc) bool) {
	d.mu.Lock()
	d.faults.imageAllocWhen = pred
	d.mu.Unlock()
}

// InjectBatchUploadFailures fails the next n items uploaded as part of a multi-image batch.
func (d *Device) InjectBatchUploadFailures(n int) {
	d.mu.Lock()
	d.faults.batchItems = n
	d.mu.Unlock()
}

func (d *Device) InjectAccelBuildFailures(n int) {
	d.mu.Lock()
	d.faults.accelBuilds = n
	d.mu.Unlock()
}

// InjectOutOfDate makes the next acquire and/or present calls report an out-of-date surface.
func (d *Device) InjectOutOfDate(acquire, present int) {
	d.mu.Lock()
	d.faults.acquireOutOfDate = acquire
	d.faults.presentOutOfDate = present
	d.mu.Unlock()
}

// SetWriteObserver is called after every successful binding-table write, outside the device lock.
func (d *Device) SetWriteObserver(fn func(metadata.BindingTableHandle, []metadata.BindingWrite)) {
	d.mu.Lock()
	d.writeObserver = fn
	d.mu.Unlock()
}

func (d *Device) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stats
}

// ImageUploads returns how many times data was uploaded into image.
func (d *Device) ImageUploads(h metadata.ImageHandle) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if img, ok := d.images[h]; ok {
		return img.uploads
	}
	return 0
}

// ImageDesc returns the description an image was allocated with.
func (d *Device) ImageDesc(h metadata.ImageHandle) (metadata.ImageDesc, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	img, ok := d.images[h]
	if !ok {
		return metadata.ImageDesc{}, false
	}
	return img.desc, true
}

// ImagePixels returns a copy of the uploaded pixels of an image.
func (d *Device) ImagePixels(h metadata.ImageHandle) []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	if img, ok := d.images[h]; ok {
		return append([]byte(nil), img.pixels...)
	}
	return nil
}

// Table returns a snapshot of the bindings currently written into a table.
func (d *Device) Table(h metadata.BindingTableHandle) map[uint32]metadata.BindingWrite {
	d.mu.Lock()
	defer d.mu.Unlock()
	t, ok := d.tables[h]
	if !ok {
		return nil
	}
	out := make(map[uint32]metadata.BindingWrite, len(t.bindings))
	for k, v := range t.bindings {
		out[k] = v
	}
	return out
}

// TableWrites returns how many write calls a table received.
func (d *Device) TableWrites(h metadata.BindingTableHandle) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if t, ok := d.tables[h]; ok {
		return t.writes
	}
	return 0
}

// BufferData returns a copy of a buffer's contents.
func (d *Device) BufferData(h metadata.BufferHandle) []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	if b, ok := d.buffers[h]; ok {
		return append([]byte(nil), b.data...)
	}
	return nil
}

// AccelInstances returns the instances an acceleration structure was built or refit with.
func (d *Device) AccelInstances(h metadata.AccelHandle) []metadata.AccelInstance {
	d.mu.Lock()
	defer d.mu.Unlock()
	if a, ok := d.accels[h]; ok {
		return append([]metadata.AccelInstance(nil), a.instances...)
	}
	return nil
}

func (d *Device) LiveImages() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.images)
}

func (d *Device) LiveAccels() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.accels)
}

func (d *Device) LastPacket() *renderer.FramePacket {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastPacket
}

func (d *Device) Size() (uint32, uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.opts.Width, d.opts.Height
}

var _ renderer.Device = (*Device)(nil)
