package metadata

/** @brief The image slots of a binding table, in binding order. */
type TextureSlot uint8

const (
	TextureSlotBaseColor TextureSlot = iota
	TextureSlotNormal
	TextureSlotMetallicRoughness
	TextureSlotOcclusion
	TextureSlotEmissive

	MAX_IMAGE_SLOTS = 5
)

func (s TextureSlot) String() string {
	switch s {
	case TextureSlotBaseColor:
		return "base_color"
	case TextureSlotNormal:
		return "normal"
	case TextureSlotMetallicRoughness:
		return "metallic_roughness"
	case TextureSlotOcclusion:
		return "occlusion"
	case TextureSlotEmissive:
		return "emissive"
	default:
		return "unknown"
	}
}

// Binding indices inside a binding table.
const (
	UniformBinding      uint32 = 0
	FirstImageBinding   uint32 = 1
	FirstStorageBinding uint32 = FirstImageBinding + MAX_IMAGE_SLOTS

	MAX_STORAGE_SLOTS = 4
)

func ImageBinding(slot TextureSlot) uint32 {
	return FirstImageBinding + uint32(slot)
}

type BindingKind uint8

const (
	BindingUniform BindingKind = iota
	BindingImage
	BindingStorage
)

/** @brief A single reference written into a binding table. */
type BindingWrite struct {
	Binding uint32
	Kind    BindingKind
	Buffer  BufferHandle
	Range   uint64
	Image   ImageHandle
	Sampler SamplerHandle
}

/** @brief The shape of a binding table: one uniform block, the image slots and the storage slots. */
type BindingLayout struct {
	UniformSize  uint64
	StorageSlots uint32
}

/**
 * @brief A binding-table mutation requested while a frame slot was being recorded.
 * Consumed at the next safe point of the matching slot only.
 */
type PendingDescriptorOp struct {
	Consumer   ConsumerID
	FrameSlot  uint8
	ImagesOnly bool
}
