package metadata

// Opaque GPU object handles handed out by a renderer.Device. Zero is never a
// valid handle.
type (
	BufferHandle       uint64
	ImageHandle        uint64
	SamplerHandle      uint64
	FenceHandle        uint64
	SemaphoreHandle    uint64
	BindingTableHandle uint64
	AccelHandle        uint64
)

const InvalidHandle = 0

// ConsumerID identifies a render consumer (an entity and pipeline pair) that owns
// one binding table per frame slot.
type ConsumerID uint64

func GetAligned(operand, granularity uint64) uint64 {
	if granularity == 0 {
		return operand
	}
	return (operand + (granularity - 1)) &^ (granularity - 1)
}
