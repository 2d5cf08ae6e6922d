package overlay

import (
	"image"
	"image/jpeg"
	"image/png"
	"io"
	"sync"

	"golang.org/x/image/draw"
)

// Surface is the drawable region the loop paints into. It is resized to the
// source frame before every draw. Reads for snapshot export may come from any
// goroutine.
type Surface struct {
	mu       sync.RWMutex
	img      *image.RGBA
	frameSeq uint64
	version  uint64
}

// NewSurface returns an empty 0x0 surface.
func NewSurface() *Surface {
	return &Surface{img: image.NewRGBA(image.Rectangle{})}
}

// Bounds returns the current surface geometry.
func (s *Surface) Bounds() image.Rectangle {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.img.Bounds()
}

// Version increments once per completed draw.
func (s *Surface) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// FrameSeq returns the sequence number of the frame last drawn.
func (s *Surface) FrameSeq() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.frameSeq
}

// Empty reports whether nothing has been drawn yet.
func (s *Surface) Empty() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version == 0
}

// draw resizes the surface to width x height when needed and runs fn with
// exclusive access to the pixels.
func (s *Surface) draw(width, height int, seq uint64, fn func(img *image.RGBA, resized bool)) {
	s.mu.Lock()
	defer s.mu.Unlock()

	resized := false
	if b := s.img.Bounds(); b.Dx() != width || b.Dy() != height {
		s.img = image.NewRGBA(image.Rect(0, 0, width, height))
		resized = true
	}
	fn(s.img, resized)
	s.frameSeq = seq
	s.version++
}

// Snapshot returns a copy of the current pixels.
func (s *Surface) Snapshot() *image.RGBA {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := image.NewRGBA(s.img.Bounds())
	copy(out.Pix, s.img.Pix)
	return out
}

// Thumbnail returns a copy scaled to width, keeping the aspect ratio. A width
// of zero or larger than the surface returns a full size copy.
func (s *Surface) Thumbnail(width int) image.Image {
	src := s.Snapshot()
	b := src.Bounds()
	if width <= 0 || width >= b.Dx() || b.Dx() == 0 {
		return src
	}
	height := max(1, b.Dy()*width/b.Dx())
	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, b, draw.Src, nil)
	return dst
}

// EncodeJPEG writes the surface as JPEG.
func (s *Surface) EncodeJPEG(w io.Writer, quality int) error {
	return jpeg.Encode(w, s.Snapshot(), &jpeg.Options{Quality: quality})
}

// EncodePNG writes the surface as PNG.
func (s *Surface) EncodePNG(w io.Writer) error {
	return png.Encode(w, s.Snapshot())
}
