package metadata

import "strings"

const (
	DEFAULT_ALBEDO_TEXTURE_NAME             string = "__shared_default_albedo__"
	DEFAULT_NORMAL_TEXTURE_NAME             string = "__shared_default_normal__"
	DEFAULT_METALLIC_ROUGHNESS_TEXTURE_NAME string = "__shared_default_metallic_roughness__"
	DEFAULT_OCCLUSION_TEXTURE_NAME          string = "__shared_default_occlusion__"
	DEFAULT_EMISSIVE_TEXTURE_NAME           string = "__shared_default_emissive__"
)

/**
 * @brief A streamed texture as stored in the resource cache.
 */
type Texture struct {
	/** @brief The logical id the texture was first requested with. */
	ID string
	/** @brief The canonical source key (resolved path or id for memory uploads). */
	Source    string
	Image     ImageHandle
	Width     uint32
	Height    uint32
	MipLevels uint32
	Format    ImageFormat
	/** @brief Set for the shared placeholders. */
	Placeholder bool
	/** @brief Incremented every time the data is reloaded. */
	Generation uint32
}

func (t *Texture) Usable() bool {
	return t != nil && t.Image != InvalidHandle
}

// Placeholder describes the shared texture bound in place of a missing one.
type Placeholder struct {
	Name  string
	Slot  TextureSlot
	Color [4]uint8
}

// Placeholders lists one shared texture per image slot.
var Placeholders = [MAX_IMAGE_SLOTS]Placeholder{
	{DEFAULT_ALBEDO_TEXTURE_NAME, TextureSlotBaseColor, [4]uint8{255, 255, 255, 255}},
	{DEFAULT_NORMAL_TEXTURE_NAME, TextureSlotNormal, [4]uint8{128, 128, 255, 255}},
	{DEFAULT_METALLIC_ROUGHNESS_TEXTURE_NAME, TextureSlotMetallicRoughness, [4]uint8{0, 255, 0, 255}},
	{DEFAULT_OCCLUSION_TEXTURE_NAME, TextureSlotOcclusion, [4]uint8{255, 255, 255, 255}},
	{DEFAULT_EMISSIVE_TEXTURE_NAME, TextureSlotEmissive, [4]uint8{0, 0, 0, 255}},
}

// IsPlaceholderName reports whether id names one of the shared placeholders.
func IsPlaceholderName(id string) bool {
	for _, p := range Placeholders {
		if p.Name == id {
			return true
		}
	}
	return false
}

// DetermineTextureFormat picks sRGB for color data and UNORM for everything else.
func DetermineTextureFormat(name string) ImageFormat {
	lower := strings.ToLower(name)
	for _, hint := range []string{"basecolor", "base_color", "albedo", "diffuse", "emissive"} {
		if strings.Contains(lower, hint) {
			return ImageFormatRGBA8Srgb
		}
	}
	return ImageFormatRGBA8Unorm
}
