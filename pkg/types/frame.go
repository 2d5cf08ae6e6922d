package types

import (
	"image"
	"time"
)

// Frame is one decoded video frame handed to the detection loop.
type Frame struct {
	Image     image.Image // Decoded pixels
	Seq       uint64      // Sequential frame number, increasing per source
	Timestamp time.Time   // Capture timestamp
	Width     int         // Frame width
	Height    int         // Frame height
}

// NewFrame wraps img, deriving the dimensions from its bounds.
func NewFrame(img image.Image, seq uint64, ts time.Time) *Frame {
	b := img.Bounds()
	return &Frame{
		Image:     img,
		Seq:       seq,
		Timestamp: ts,
		Width:     b.Dx(),
		Height:    b.Dy(),
	}
}

// BoundingBox is a box in frame-pixel coordinates.
type BoundingBox struct {
	X int `json:"x"`
	Y int `json:"y"`
	W int `json:"w"`
	H int `json:"h"`
}

// Rect converts the box to an image.Rectangle.
func (b BoundingBox) Rect() image.Rectangle {
	return image.Rect(b.X, b.Y, b.X+b.W, b.Y+b.H)
}

// BoxFromRect converts an image.Rectangle to a BoundingBox.
func BoxFromRect(r image.Rectangle) BoundingBox {
	r = r.Canon()
	return BoundingBox{X: r.Min.X, Y: r.Min.Y, W: r.Dx(), H: r.Dy()}
}

// Detection is a single labeled, scored observation from one inference call.
type Detection struct {
	Label string      `json:"class_name"`
	Score float64     `json:"confidence"` // 0.0 to 1.0
	BBox  BoundingBox `json:"bbox"`
}
