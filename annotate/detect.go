package annotate

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// Detection is one labelled box in model-input coordinates.
type Detection struct {
	Box   image.Rectangle
	Label string
	Score float64
}

// Detector runs the detection model on a square model-input frame.
type Detector interface {
	Detect(frame image.Image) ([]Detection, error)
}

// NopDetector finds nothing. Used when no model is configured.
type NopDetector struct{}

func (NopDetector) Detect(image.Image) ([]Detection, error) { return nil, nil }

var boxColor = color.RGBA{R: 232, G: 21, B: 21, A: 255}

// BoxAnnotator scales a frame to the model input size, runs the detector and
// draws a labelled box per detection. The result stays at model size.
type BoxAnnotator struct {
	Detector  Detector
	InputSize int
	Thickness int
}

func NewBoxAnnotator(d Detector, inputSize int) *BoxAnnotator {
	return &BoxAnnotator{Detector: d, InputSize: inputSize, Thickness: 2}
}

func (a *BoxAnnotator) Annotate(frame image.Image) (image.Image, error) {
	scaled := Resize(frame, a.InputSize, a.InputSize)
	canvas, ok := scaled.(*image.RGBA)
	if !ok {
		canvas = image.NewRGBA(image.Rect(0, 0, a.InputSize, a.InputSize))
		draw.Draw(canvas, canvas.Bounds(), scaled, scaled.Bounds().Min, draw.Src)
	}

	detections, err := a.Detector.Detect(canvas)
	if err != nil {
		return nil, fmt.Errorf("detect: %w", err)
	}
	for _, d := range detections {
		a.drawBox(canvas, d)
	}
	return canvas, nil
}

func (a *BoxAnnotator) drawBox(img *image.RGBA, d Detection) {
	r := d.Box.Intersect(img.Bounds())
	if r.Empty() {
		return
	}
	t := a.Thickness
	if t < 1 {
		t = 1
	}
	fill := image.NewUniform(boxColor)
	edges := []image.Rectangle{
		image.Rect(r.Min.X, r.Min.Y, r.Max.X, r.Min.Y+t),
		image.Rect(r.Min.X, r.Max.Y-t, r.Max.X, r.Max.Y),
		image.Rect(r.Min.X, r.Min.Y, r.Min.X+t, r.Max.Y),
		image.Rect(r.Max.X-t, r.Min.Y, r.Max.X, r.Max.Y),
	}
	for _, e := range edges {
		draw.Draw(img, e.Intersect(r), fill, image.Point{}, draw.Src)
	}

	label := fmt.Sprintf("%s %.2f", d.Label, d.Score)
	face := basicfont.Face7x13
	width := font.MeasureString(face, label).Ceil()
	bg := image.Rect(r.Min.X, r.Min.Y-face.Height-2, r.Min.X+width+4, r.Min.Y)
	if bg.Min.Y < 0 {
		bg = bg.Add(image.Pt(0, face.Height+2))
	}
	draw.Draw(img, bg.Intersect(img.Bounds()), fill, image.Point{}, draw.Src)

	drawer := font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(color.White),
		Face: face,
		Dot:  fixed.P(bg.Min.X+2, bg.Max.Y-3),
	}
	drawer.DrawString(label)
}
