// Package annotate holds the per-frame collaborators: detection overlay,
// resizing and JPEG encoding.
package annotate

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	_ "image/png"
	"io"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

// Annotator draws detections onto a frame. Implementations may be slow.
type Annotator interface {
	Annotate(frame image.Image) (image.Image, error)
}

// Func adapts a plain function to Annotator.
type Func func(frame image.Image) (image.Image, error)

func (f Func) Annotate(frame image.Image) (image.Image, error) { return f(frame) }

// Passthrough returns frames unchanged.
var Passthrough Annotator = Func(func(frame image.Image) (image.Image, error) { return frame, nil })

// Encoder turns a frame into wire bytes.
type Encoder interface {
	Encode(frame image.Image) ([]byte, error)
}

type JPEGEncoder struct {
	Quality int
}

func (e JPEGEncoder) Encode(frame image.Image) ([]byte, error) {
	q := e.Quality
	if q <= 0 {
		q = jpeg.DefaultQuality
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, frame, &jpeg.Options{Quality: q}); err != nil {
		return nil, fmt.Errorf("encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}

// Resize scales img to exactly width x height. It returns img itself when
// the size already matches.
func Resize(img image.Image, width, height int) image.Image {
	b := img.Bounds()
	if b.Dx() == width && b.Dy() == height && b.Min == (image.Point{}) {
		return img
	}
	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.BiLinear.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)
	return dst
}

// Renderer runs annotate, resize back to the source size, and encode.
type Renderer struct {
	Annotator Annotator
	Encoder   Encoder
}

// Render annotates frame and encodes it at width x height.
func (r Renderer) Render(frame image.Image, width, height int) ([]byte, error) {
	out, err := r.Annotator.Annotate(frame)
	if err != nil {
		return nil, fmt.Errorf("annotate: %w", err)
	}
	return r.Encoder.Encode(Resize(out, width, height))
}

// RenderImage decodes a still image (jpeg, png or webp), annotates it and
// returns the encoded result at the original size.
func (r Renderer) RenderImage(src io.Reader) ([]byte, error) {
	img, _, err := image.Decode(src)
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	b := img.Bounds()
	return r.Render(img, b.Dx(), b.Dy())
}
