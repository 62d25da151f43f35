package loaders

import (
	"bufio"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"os"

	"github.com/pierrec/lz4"
	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/spaghettifunk/vesta/engine/renderer/metadata"
)

// ImageLoader decodes any registered image format into tightly packed RGBA8.
type ImageLoader struct {
	// Compressed files are lz4 frames wrapping an encoded image.
	Compressed bool
	// MaxDimension downscales larger images. Zero keeps the source size.
	MaxDimension int
}

func (il *ImageLoader) Load(path string) (*metadata.PixelBuffer, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var r io.Reader = bufio.NewReader(file)
	if il.Compressed {
		r = lz4.NewReader(r)
	}
	return il.Decode(r)
}

// Decode reads an encoded image from r.
func (il *ImageLoader) Decode(r io.Reader) (*metadata.PixelBuffer, error) {
	img, format, err := image.Decode(r)
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	bounds := img.Bounds()
	if bounds.Dx() <= 0 || bounds.Dy() <= 0 {
		return nil, fmt.Errorf("decode %s image: empty bounds %v", format, bounds)
	}
	return il.toPixels(img), nil
}

func (il *ImageLoader) toPixels(img image.Image) *metadata.PixelBuffer {
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()

	if il.MaxDimension > 0 && (w > il.MaxDimension || h > il.MaxDimension) {
		scale := float64(il.MaxDimension) / float64(max(w, h))
		w = max(1, int(float64(w)*scale))
		h = max(1, int(float64(h)*scale))
		rgba := image.NewRGBA(image.Rect(0, 0, w, h))
		draw.CatmullRom.Scale(rgba, rgba.Bounds(), img, bounds, draw.Src, nil)
		return &metadata.PixelBuffer{Width: uint32(w), Height: uint32(h), Pixels: rgba.Pix}
	}

	if rgba, ok := img.(*image.RGBA); ok && rgba.Stride == w*4 && bounds.Min == (image.Point{}) {
		return &metadata.PixelBuffer{Width: uint32(w), Height: uint32(h), Pixels: rgba.Pix}
	}
	rgba := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(rgba, rgba.Bounds(), img, bounds.Min, draw.Src)
	return &metadata.PixelBuffer{Width: uint32(w), Height: uint32(h), Pixels: rgba.Pix}
}

// Compress wraps an encoded image into an lz4 frame.
func Compress(w io.Writer, encoded io.Reader) error {
	zw := lz4.NewWriter(w)
	if _, err := io.Copy(zw, encoded); err != nil {
		return err
	}
	return zw.Close()
}
