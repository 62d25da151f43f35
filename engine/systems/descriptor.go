package systems

import (
	"fmt"
	"sync"

	"github.com/spaghettifunk/vesta/engine/containers"
	"github.com/spaghettifunk/vesta/engine/core"
	"github.com/spaghettifunk/vesta/engine/renderer/metadata"
)

type UpdateResult uint8

const (
	UpdateApplied UpdateResult = iota
	UpdateDeferred
)

func (r UpdateResult) String() string {
	if r == UpdateDeferred {
		return "deferred"
	}
	return "applied"
}

// descriptorDevice is what the manager needs to build binding tables.
type descriptorDevice interface {
	AllocateBuffer(size uint64, usage metadata.BufferUsage, memory metadata.MemoryProperty) (metadata.BufferHandle, []byte, error)
	DefaultSampler() metadata.SamplerHandle
	AllocateBindingTable(layout metadata.BindingLayout) (metadata.BindingTableHandle, error)
	WriteBindingTable(table metadata.BindingTableHandle, writes []metadata.BindingWrite) error
}

// TextureSource maps a logical texture id to the image bound in a slot.
type TextureSource interface {
	Image(id string, slot metadata.TextureSlot) metadata.ImageHandle
}

type DescriptorSystemConfig struct {
	FramesInFlight uint8
	// StorageSlots reserved in every binding table.
	StorageSlots uint32
}

/** @brief The per frame-slot GPU state of one render consumer. */
type consumerState struct {
	id       metadata.ConsumerID
	textures [metadata.MAX_IMAGE_SLOTS]string
	storage  []metadata.BufferHandle

	tables   []metadata.BindingTableHandle
	uniforms []metadata.BufferHandle
	mapped   [][]byte
	// uniformWritten is set once the uniform binding of a slot was written.
	uniformWritten []bool
	// stale holds one bit per slot whose images must be rewritten when it becomes current.
	stale uint32
}

// DescriptorManager owns every consumer binding table. Tables are written only
// while no frame is being recorded; anything requested during recording is
// queued and applied at the safe point of the matching slot.
type DescriptorManager struct {
	config    DescriptorSystemConfig
	device    descriptorDevice
	textures  TextureSource
	release   *ReleaseQueue
	allStale  uint32
	consumers map[metadata.ConsumerID]*consumerState
	users     map[string]map[metadata.ConsumerID]struct{}

	// mu guards the consumers, the pending ops and the recording flag. A table is
	// only written with mu held and recording unset.
	mu        sync.Mutex
	recording bool
	pending   *containers.RingQueue[metadata.PendingDescriptorOp]
	current   uint8

	dirtyMu sync.Mutex
	dirty   map[metadata.ConsumerID]struct{}

	writeCount uint64
}

func NewDescriptorManager(config DescriptorSystemConfig, device descriptorDevice, textures TextureSource, release *ReleaseQueue) (*DescriptorManager, error) {
	if config.FramesInFlight == 0 {
		err := fmt.Errorf("func NewDescriptorManager - config.FramesInFlight must be > 0: %w", core.ErrInvalidConfig)
		core.LogError("%s", err)
		return nil, err
	}
	if config.StorageSlots > metadata.MAX_STORAGE_SLOTS {
		return nil, fmt.Errorf("func NewDescriptorManager - %d storage slots exceed %d: %w", config.StorageSlots, metadata.MAX_STORAGE_SLOTS, core.ErrInvalidConfig)
	}
	return &DescriptorManager{
		config:    config,
		device:    device,
		textures:  textures,
		release:   release,
		allStale:  (uint32(1) << config.FramesInFlight) - 1,
		consumers: make(map[metadata.ConsumerID]*consumerState),
		users:     make(map[string]map[metadata.ConsumerID]struct{}),
		pending:   containers.NewGrowableRingQueue[metadata.PendingDescriptorOp](64),
		dirty:     make(map[metadata.ConsumerID]struct{}),
	}, nil
}

// Register adds a consumer, or updates its texture set. No GPU object is
// created here: the first safe point of every slot performs the cold start.
func (dm *DescriptorManager) Register(consumer metadata.ConsumerID, textures [metadata.MAX_IMAGE_SLOTS]string, storage ...metadata.BufferHandle) error {
	if uint32(len(storage)) > dm.config.StorageSlots {
		return fmt.Errorf("consumer %d binds %d storage buffers, tables hold %d", consumer, len(storage), dm.config.StorageSlots)
	}
	dm.mu.Lock()
	defer dm.mu.Unlock()

	c, ok := dm.consumers[consumer]
	if !ok {
		n := int(dm.config.FramesInFlight)
		c = &consumerState{
			id:             consumer,
			tables:         make([]metadata.BindingTableHandle, n),
			uniforms:       make([]metadata.BufferHandle, n),
			mapped:         make([][]byte, n),
			uniformWritten: make([]bool, n),
		}
		dm.consumers[consumer] = c
	} else if c.textures != textures {
		dm.removeUsesLocked(c)
		c.stale = dm.allStale
	}
	c.textures = textures
	c.storage = append(c.storage[:0], storage...)
	for _, id := range textures {
		if id == "" {
			continue
		}
		set, ok := dm.users[id]
		if !ok {
			set = make(map[metadata.ConsumerID]struct{})
			dm.users[id] = set
		}
		set[consumer] = struct{}{}
	}
	return nil
}

func (dm *DescriptorManager) removeUsesLocked(c *consumerState) {
	for _, id := range c.textures {
		if set, ok := dm.users[id]; ok {
			delete(set, c.id)
			if len(set) == 0 {
				delete(dm.users, id)
			}
		}
	}
}

// Unregister drops a consumer. Its tables and uniform buffers are retired, not
// destroyed, since in-flight frames may still reference them.
func (dm *DescriptorManager) Unregister(consumer metadata.ConsumerID) bool {
	dm.mu.Lock()
	c, ok := dm.consumers[consumer]
	if ok {
		delete(dm.consumers, consumer)
		dm.removeUsesLocked(c)
	}
	dm.mu.Unlock()
	if !ok {
		return false
	}

	dm.dirtyMu.Lock()
	delete(dm.dirty, consumer)
	dm.dirtyMu.Unlock()

	for i := range c.tables {
		dm.release.RetireBindingTable(c.tables[i])
		dm.release.RetireBuffer(c.uniforms[i])
	}
	return true
}

/**
 * @brief Requests a write of the binding table of consumer for slot. While a frame
 * is being recorded the request is queued and UpdateDeferred is returned.
 * @param imagesOnly leaves the uniform binding untouched.
 */
func (dm *DescriptorManager) RequestUpdate(consumer metadata.ConsumerID, slot uint8, imagesOnly bool) (UpdateResult, error) {
	if slot >= dm.config.FramesInFlight {
		return UpdateApplied, fmt.Errorf("request update for slot %d: %w", slot, core.ErrInvalidFrameSlot)
	}
	dm.mu.Lock()
	defer dm.mu.Unlock()

	c, ok := dm.consumers[consumer]
	if !ok {
		return UpdateApplied, fmt.Errorf("request update for consumer %d: %w", consumer, core.ErrUnknownConsumer)
	}
	if dm.recording {
		op := metadata.PendingDescriptorOp{Consumer: consumer, FrameSlot: slot, ImagesOnly: imagesOnly}
		if err := dm.pending.Enqueue(op); err != nil {
			return UpdateDeferred, err
		}
		return UpdateDeferred, nil
	}
	return UpdateApplied, dm.applyLocked(c, slot, imagesOnly)
}

// MarkDirty flags consumers whose images changed. They are refreshed for the
// current slot at the next safe point and lazily for the other slots.
func (dm *DescriptorManager) MarkDirty(consumers ...metadata.ConsumerID) {
	dm.dirtyMu.Lock()
	defer dm.dirtyMu.Unlock()
	for _, c := range consumers {
		dm.dirty[c] = struct{}{}
	}
}

// MarkResourceDirty marks every consumer using one of the texture ids.
func (dm *DescriptorManager) MarkResourceDirty(ids ...string) int {
	var consumers []metadata.ConsumerID
	dm.mu.Lock()
	for _, id := range ids {
		for c := range dm.users[id] {
			consumers = append(consumers, c)
		}
	}
	dm.mu.Unlock()
	dm.MarkDirty(consumers...)
	return len(consumers)
}

/**
 * @brief Applies every deferred mutation that belongs to slot. Must be called at
 * the safe point of slot, before any recording starts. Ops queued for other slots
 * are re-queued in order.
 * @return The number of binding-table writes performed.
 */
func (dm *DescriptorManager) FlushSafePoint(slot uint8) (int, error) {
	if slot >= dm.config.FramesInFlight {
		return 0, fmt.Errorf("flush slot %d: %w", slot, core.ErrInvalidFrameSlot)
	}
	dm.mu.Lock()
	defer dm.mu.Unlock()
	// a refused flush keeps the dirty marks for the next one
	if dm.recording {
		return 0, fmt.Errorf("flush slot %d: %w", slot, core.ErrRecordingInProgress)
	}

	dm.dirtyMu.Lock()
	dirty := dm.dirty
	dm.dirty = make(map[metadata.ConsumerID]struct{})
	dm.dirtyMu.Unlock()
	dm.current = slot

	before := dm.writeCount
	var errs []error

	// Dirty consumers: the current slot now, the others when they come around.
	for id := range dirty {
		c, ok := dm.consumers[id]
		if !ok {
			continue
		}
		c.stale |= dm.allStale
		if c.tables[slot] != metadata.InvalidHandle {
			if err := dm.applyLocked(c, slot, true); err != nil {
				errs = append(errs, err)
			}
		}
	}

	for _, op := range dm.pending.Drain() {
		if op.FrameSlot != slot {
			dm.pending.Enqueue(op)
			continue
		}
		c, ok := dm.consumers[op.Consumer]
		if !ok {
			continue
		}
		if err := dm.applyLocked(c, slot, op.ImagesOnly); err != nil {
			errs = append(errs, err)
		}
	}

	// Cold starts and lazy refresh of slots that were stale.
	bit := uint32(1) << slot
	for _, c := range dm.consumers {
		if c.tables[slot] == metadata.InvalidHandle || c.stale&bit != 0 {
			if err := dm.applyLocked(c, slot, false); err != nil {
				errs = append(errs, err)
			}
		}
	}

	written := int(dm.writeCount - before)
	if len(errs) > 0 {
		return written, fmt.Errorf("flush slot %d: %d writes failed, first: %w", slot, len(errs), errs[0])
	}
	return written, nil
}

// applyLocked writes the table of c for slot, allocating it on first use.
func (dm *DescriptorManager) applyLocked(c *consumerState, slot uint8, imagesOnly bool) error {
	if c.tables[slot] == metadata.InvalidHandle {
		return dm.coldStartLocked(c, slot)
	}
	writeUniform := !imagesOnly && !c.uniformWritten[slot]
	writes := dm.imageWrites(c)
	if writeUniform {
		writes = append(writes, dm.uniformWrite(c, slot))
	}
	if err := dm.device.WriteBindingTable(c.tables[slot], writes); err != nil {
		return fmt.Errorf("write table of consumer %d slot %d: %w", c.id, slot, err)
	}
	if writeUniform {
		c.uniformWritten[slot] = true
	}
	c.stale &^= uint32(1) << slot
	dm.writeCount++
	return nil
}

// coldStartLocked allocates the table and uniform buffer of c for slot and
// writes every binding, placeholders included.
func (dm *DescriptorManager) coldStartLocked(c *consumerState, slot uint8) error {
	if c.uniforms[slot] == metadata.InvalidHandle {
		buf, mapped, err := dm.device.AllocateBuffer(metadata.UniformBlockSize, metadata.BufferUsageUniform, metadata.MemoryHostVisible|metadata.MemoryHostCoherent)
		if err != nil {
			return fmt.Errorf("allocate uniform buffer for consumer %d slot %d: %w", c.id, slot, err)
		}
		c.uniforms[slot] = buf
		c.mapped[slot] = mapped
	}
	table, err := dm.device.AllocateBindingTable(metadata.BindingLayout{
		UniformSize:  metadata.UniformBlockSize,
		StorageSlots: dm.config.StorageSlots,
	})
	if err != nil {
		return fmt.Errorf("allocate binding table for consumer %d slot %d: %w", c.id, slot, err)
	}
	writes := append(dm.imageWrites(c), dm.uniformWrite(c, slot))
	for i, buf := range c.storage {
		writes = append(writes, metadata.BindingWrite{
			Binding: metadata.FirstStorageBinding + uint32(i),
			Kind:    metadata.BindingStorage,
			Buffer:  buf,
		})
	}
	if err := dm.device.WriteBindingTable(table, writes); err != nil {
		dm.release.RetireBindingTable(table)
		return fmt.Errorf("initial write of consumer %d slot %d: %w", c.id, slot, err)
	}
	c.tables[slot] = table
	c.uniformWritten[slot] = true
	c.stale &^= uint32(1) << slot
	dm.writeCount++
	return nil
}

func (dm *DescriptorManager) imageWrites(c *consumerState) []metadata.BindingWrite {
	sampler := dm.device.DefaultSampler()
	writes := make([]metadata.BindingWrite, 0, metadata.MAX_IMAGE_SLOTS+1)
	for i, id := range c.textures {
		slot := metadata.TextureSlot(i)
		writes = append(writes, metadata.BindingWrite{
			Binding: metadata.ImageBinding(slot),
			Kind:    metadata.BindingImage,
			Image:   dm.textures.Image(id, slot),
			Sampler: sampler,
		})
	}
	return writes
}

func (dm *DescriptorManager) uniformWrite(c *consumerState, slot uint8) metadata.BindingWrite {
	return metadata.BindingWrite{
		Binding: metadata.UniformBinding,
		Kind:    metadata.BindingUniform,
		Buffer:  c.uniforms[slot],
		Range:   metadata.UniformBlockSize,
	}
}

// BeginRecording raises the global recording flag. Until EndRecording every
// RequestUpdate is deferred.
func (dm *DescriptorManager) BeginRecording() {
	dm.mu.Lock()
	dm.recording = true
	dm.mu.Unlock()
}

func (dm *DescriptorManager) EndRecording() {
	dm.mu.Lock()
	dm.recording = false
	dm.mu.Unlock()
}

func (dm *DescriptorManager) Recording() bool {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	return dm.recording
}

// Invalidate forgets every pending op and schedules a full rewrite of every
// table, e.g. after the surface was recreated.
func (dm *DescriptorManager) Invalidate() {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	dm.pending.Drain()
	for _, c := range dm.consumers {
		dm.invalidateLocked(c)
	}
}

// InvalidateConsumer schedules a full rewrite of every table of one consumer.
func (dm *DescriptorManager) InvalidateConsumer(consumer metadata.ConsumerID) error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	c, ok := dm.consumers[consumer]
	if !ok {
		return fmt.Errorf("invalidate consumer %d: %w", consumer, core.ErrUnknownConsumer)
	}
	dm.invalidateLocked(c)
	return nil
}

func (dm *DescriptorManager) invalidateLocked(c *consumerState) {
	for i := range c.uniformWritten {
		c.uniformWritten[i] = false
	}
	c.stale = dm.allStale
}

// UpdateUniform copies data into the uniform block of consumer for slot. The
// block is host-visible memory owned by that slot only.
func (dm *DescriptorManager) UpdateUniform(consumer metadata.ConsumerID, slot uint8, data []byte) error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	c, ok := dm.consumers[consumer]
	if !ok {
		return fmt.Errorf("update uniform of consumer %d: %w", consumer, core.ErrUnknownConsumer)
	}
	if int(slot) >= len(c.mapped) || c.mapped[slot] == nil {
		return fmt.Errorf("update uniform of consumer %d: slot %d not allocated", consumer, slot)
	}
	copy(c.mapped[slot], data)
	return nil
}

// Table returns the binding table of consumer for slot, if it was allocated.
func (dm *DescriptorManager) Table(consumer metadata.ConsumerID, slot uint8) (metadata.BindingTableHandle, bool) {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	c, ok := dm.consumers[consumer]
	if !ok || int(slot) >= len(c.tables) || c.tables[slot] == metadata.InvalidHandle {
		return metadata.InvalidHandle, false
	}
	return c.tables[slot], true
}

// Pending returns the number of queued descriptor ops.
func (dm *DescriptorManager) Pending() int {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	return dm.pending.Len()
}

func (dm *DescriptorManager) Registered(consumer metadata.ConsumerID) bool {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	_, ok := dm.consumers[consumer]
	return ok
}

// Consumers returns the ids of every registered consumer.
func (dm *DescriptorManager) Consumers() []metadata.ConsumerID {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	out := make([]metadata.ConsumerID, 0, len(dm.consumers))
	for id := range dm.consumers {
		out = append(out, id)
	}
	return out
}

// Shutdown retires every table. The caller flushes the release queue once the device is idle.
func (dm *DescriptorManager) Shutdown() error {
	for _, id := range dm.Consumers() {
		dm.Unregister(id)
	}
	return nil
}
