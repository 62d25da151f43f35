package systems

import (
	"context"
	"errors"
	"testing"

	"github.com/spaghettifunk/vesta/engine/renderer/metadata"
)

func TestResourceCacheAliases(t *testing.T) {
	rc := NewResourceCache()
	placeholder := &metadata.Texture{ID: "default_albedo", Image: 1}
	rc.SetPlaceholder(metadata.TextureSlotBaseColor, placeholder)

	if got := rc.Image("wood", metadata.TextureSlotBaseColor); got != 1 {
		t.Errorf("unknown id resolves %d, want the placeholder", got)
	}
	rc.Insert("wood", "textures/wood.png", &metadata.Texture{ID: "wood", Image: 7})
	rc.Alias("floor", "textures/wood.png")

	for _, id := range []string{"wood", "floor", "textures/wood.png"} {
		if got := rc.Image(id, metadata.TextureSlotBaseColor); got != 7 {
			t.Errorf("Image(%q) = %d, want 7", id, got)
		}
	}
	if n := len(rc.AliasesOf("textures/wood.png")); n != 3 {
		t.Errorf("aliases = %d, want 3", n)
	}

	rc.Insert("broken", "broken.png", &metadata.Texture{ID: "broken"})
	if !rc.Contains("broken") {
		t.Error("entry without an image not cached")
	}
	if got := rc.Image("broken", metadata.TextureSlotBaseColor); got != 1 {
		t.Errorf("texture without an image resolves %d, want the placeholder", got)
	}

	old, ok := rc.Evict("textures/wood.png")
	if !ok || old.Image != 7 || old.Generation != 1 {
		t.Fatalf("Evict = %+v, %t", old, ok)
	}
	if rc.Contains("floor") {
		t.Error("alias still resolves after evict")
	}
	rc.Insert("wood", "textures/wood.png", &metadata.Texture{ID: "wood", Image: 9})
	if tex, _ := rc.Lookup("floor"); tex.Image != 9 || tex.Generation != 2 {
		t.Errorf("reinserted texture = %+v", tex)
	}
}

func TestFutureResolvesOnce(t *testing.T) {
	f := newFuture()
	if f.Ready() {
		t.Fatal("ready before resolve")
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := f.Wait(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Wait on a cancelled context = %v", err)
	}

	f.resolve(true, nil)
	f.resolve(false, errors.New("late"))
	ok, err := f.Wait(context.Background())
	if !ok || err != nil {
		t.Errorf("Wait = %t, %v; the first result must win", ok, err)
	}
}
