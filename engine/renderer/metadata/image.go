package metadata

import "math/bits"

/** @brief The pixel formats images are uploaded with. Pixels are always 4 channels, 8 bits each. */
type ImageFormat uint8

const (
	/** @brief Let the streaming pipeline pick the format from the texture name. */
	ImageFormatAuto ImageFormat = iota
	ImageFormatRGBA8Unorm
	ImageFormatRGBA8Srgb
)

func (f ImageFormat) String() string {
	switch f {
	case ImageFormatRGBA8Unorm:
		return "rgba8_unorm"
	case ImageFormatRGBA8Srgb:
		return "rgba8_srgb"
	default:
		return "auto"
	}
}

type ImageUsage uint32

const (
	ImageUsageSampled ImageUsage = 1 << iota
	ImageUsageTransferDst
	ImageUsageTransferSrc
)

type BufferUsage uint32

const (
	BufferUsageUniform BufferUsage = 1 << iota
	BufferUsageStorage
	BufferUsageVertex
	BufferUsageIndex
	BufferUsageTransferSrc
	BufferUsageTransferDst
	/** @brief The buffer feeds acceleration-structure builds. */
	BufferUsageAccelInput
)

type MemoryProperty uint32

const (
	MemoryDeviceLocal MemoryProperty = 1 << iota
	MemoryHostVisible
	MemoryHostCoherent
)

/** @brief Describes an image allocation. */
type ImageDesc struct {
	Width     uint32
	Height    uint32
	Format    ImageFormat
	Usage     ImageUsage
	Memory    MemoryProperty
	MipLevels uint32
}

/** @brief Decoded RGBA8 pixels, tightly packed. */
type PixelBuffer struct {
	Width  uint32
	Height uint32
	Pixels []byte
}

func (p *PixelBuffer) Size() uint64 {
	return uint64(len(p.Pixels))
}

// Valid reports whether the pixel slice matches the dimensions.
func (p *PixelBuffer) Valid() bool {
	return p != nil && p.Width > 0 && p.Height > 0 && uint64(len(p.Pixels)) == uint64(p.Width)*uint64(p.Height)*4
}

// MipLevelsFor returns the length of the full mip chain for a width x height image,
// capped to max.
func MipLevelsFor(width, height, max uint32) uint32 {
	size := width
	if height > size {
		size = height
	}
	if size == 0 {
		return 1
	}
	levels := uint32(bits.Len32(size))
	if max > 0 && levels > max {
		levels = max
	}
	return levels
}
