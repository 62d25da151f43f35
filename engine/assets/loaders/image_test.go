package loaders

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"
)

func writePNG(t *testing.T, path string, w, h int, c color.Color) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	if path != "" {
		if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return buf.Bytes()
}

func TestImageLoaderPNG(t *testing.T) {
	path := filepath.Join(t.TempDir(), "red.png")
	writePNG(t, path, 3, 2, color.NRGBA{R: 255, A: 255})

	px, err := (&ImageLoader{}).Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if px.Width != 3 || px.Height != 2 {
		t.Fatalf("size = %dx%d, want 3x2", px.Width, px.Height)
	}
	if !px.Valid() {
		t.Fatal("pixel buffer invalid")
	}
	if got := px.Pixels[:4]; !bytes.Equal(got, []byte{255, 0, 0, 255}) {
		t.Errorf("first pixel = %v", got)
	}
}

func TestImageLoaderCompressed(t *testing.T) {
	encoded := writePNG(t, "", 4, 4, color.NRGBA{G: 200, A: 255})
	path := filepath.Join(t.TempDir(), "green.png.lz4")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := Compress(f, bytes.NewReader(encoded)); err != nil {
		t.Fatal(err)
	}
	f.Close()

	px, err := (&ImageLoader{Compressed: true}).Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if px.Width != 4 || px.Pixels[1] != 200 {
		t.Errorf("decoded %dx%d, green = %d", px.Width, px.Height, px.Pixels[1])
	}
}

func TestImageLoaderDownscale(t *testing.T) {
	encoded := writePNG(t, "", 64, 32, color.White)
	px, err := (&ImageLoader{MaxDimension: 16}).Decode(bytes.NewReader(encoded))
	if err != nil {
		t.Fatal(err)
	}
	if px.Width != 16 || px.Height != 8 {
		t.Errorf("size = %dx%d, want 16x8", px.Width, px.Height)
	}
}

func TestImageLoaderRejectsGarbage(t *testing.T) {
	if _, err := (&ImageLoader{}).Decode(bytes.NewReader([]byte("not an image"))); err == nil {
		t.Error("garbage decoded without error")
	}
}
