package systems

import (
	"sync"

	"github.com/spaghettifunk/vesta/engine/renderer/metadata"
)

// ResourceCache is the read-mostly table of streamed textures. Logical ids are
// aliases of a canonical source key, so ids that point at the same file share
// one upload.
type ResourceCache struct {
	mu sync.RWMutex
	// textures by canonical source key
	textures map[string]*metadata.Texture
	// logical id -> canonical source key
	aliases     map[string]string
	generations map[string]uint32

	placeholders [metadata.MAX_IMAGE_SLOTS]*metadata.Texture
}

func NewResourceCache() *ResourceCache {
	return &ResourceCache{
		textures:    make(map[string]*metadata.Texture),
		aliases:     make(map[string]string),
		generations: make(map[string]uint32),
	}
}

// canonical must be called with mu held.
func (rc *ResourceCache) canonical(id string) string {
	if key, ok := rc.aliases[id]; ok {
		return key
	}
	return id
}

// Lookup returns the texture for a logical id or a source key, including
// failed entries.
func (rc *ResourceCache) Lookup(id string) (*metadata.Texture, bool) {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	t, ok := rc.textures[rc.canonical(id)]
	return t, ok
}

// Contains reports whether id has a completed entry, successful or not.
func (rc *ResourceCache) Contains(id string) bool {
	_, ok := rc.Lookup(id)
	return ok
}

// Insert stores a completed texture under its source key and makes id an alias of it.
func (rc *ResourceCache) Insert(id, source string, texture *metadata.Texture) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.generations[source]++
	texture.Source = source
	texture.Generation = rc.generations[source]
	rc.textures[source] = texture
	if id != source {
		rc.aliases[id] = source
	}
}

// Alias points id at an existing source key.
func (rc *ResourceCache) Alias(id, source string) {
	if id == source {
		return
	}
	rc.mu.Lock()
	rc.aliases[id] = source
	rc.mu.Unlock()
}

// AliasesOf returns every logical id that resolves to source, source included.
func (rc *ResourceCache) AliasesOf(source string) []string {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	ids := []string{source}
	for id, key := range rc.aliases {
		if key == source {
			ids = append(ids, id)
		}
	}
	return ids
}

// Evict drops the entry for source so it can be produced again. Aliases are kept.
func (rc *ResourceCache) Evict(source string) (*metadata.Texture, bool) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	t, ok := rc.textures[source]
	if ok {
		delete(rc.textures, source)
	}
	return t, ok
}

func (rc *ResourceCache) SetPlaceholder(slot metadata.TextureSlot, texture *metadata.Texture) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	texture.Placeholder = true
	rc.placeholders[slot] = texture
	rc.textures[texture.ID] = texture
}

func (rc *ResourceCache) Placeholder(slot metadata.TextureSlot) *metadata.Texture {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	return rc.placeholders[slot]
}

// Image returns the image bound for id in slot: the texture when it is usable,
// the slot placeholder otherwise.
func (rc *ResourceCache) Image(id string, slot metadata.TextureSlot) metadata.ImageHandle {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	if id != "" {
		if t := rc.textures[rc.canonical(id)]; t.Usable() {
			return t.Image
		}
	}
	if p := rc.placeholders[slot]; p != nil {
		return p.Image
	}
	return metadata.InvalidHandle
}

// Textures returns every cached texture, placeholders included.
func (rc *ResourceCache) Textures() []*metadata.Texture {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	out := make([]*metadata.Texture, 0, len(rc.textures))
	for _, t := range rc.textures {
		out = append(out, t)
	}
	return out
}

func (rc *ResourceCache) Len() int {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	return len(rc.textures)
}
