package detector

import (
	"context"
	"image"
	"image/color"

	"github.com/nfnt/resize"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/detection-monitor/pkg/types"
)

// Luma finds connected regions darker than a luminance threshold. It needs no
// model and is meant for local testing.
type Luma struct {
	// Threshold is the luminance cut-off in [0,256); darker pixels belong to
	// objects.
	Threshold float64
	// MinArea drops regions smaller than this many pixels in frame space.
	MinArea int
	// MaxWidth downsamples wider frames before the search. Zero disables it.
	MaxWidth uint
	// Label names every region found.
	Label string
}

// NewLuma returns a detector with the given threshold and defaults for the rest.
func NewLuma(threshold float64) *Luma {
	return &Luma{Threshold: threshold, MinArea: 16, MaxWidth: 160, Label: "dark_object"}
}

// Detect labels each dark region with a score that grows with its darkness.
func (l *Luma) Detect(ctx context.Context, frame *types.Frame) ([]types.Detection, error) {
	if frame == nil || frame.Image == nil {
		return nil, ErrNoImage
	}
	img := frame.Image
	b := img.Bounds()
	if b.Empty() {
		return nil, nil
	}

	scale := 1.0
	if l.MaxWidth > 0 && uint(b.Dx()) > l.MaxWidth {
		img = resize.Resize(l.MaxWidth, 0, img, resize.Bilinear)
		scale = float64(b.Dx()) / float64(img.Bounds().Dx())
	}
	gray := toGray(img)
	w, h := gray.Bounds().Dx(), gray.Bounds().Dy()

	seen := make([]bool, w*h)
	var out []types.Detection
	for y := 0; y < h; y++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for x := 0; x < w; x++ {
			if seen[y*w+x] {
				continue
			}
			if !l.pass(gray.Pix[y*gray.Stride+x]) {
				seen[y*w+x] = true
				continue
			}
			r, sum, n := l.flood(gray, seen, image.Point{x, y})

			box := image.Rect(
				int(float64(r.Min.X)*scale),
				int(float64(r.Min.Y)*scale),
				int(float64(r.Max.X)*scale),
				int(float64(r.Max.Y)*scale),
			).Add(b.Min)
			if box.Dx()*box.Dy() < l.MinArea {
				continue
			}
			mean := float64(sum) / float64(n)
			out = append(out, types.Detection{
				Label: l.Label,
				Score: 1 - mean/l.Threshold,
				BBox:  types.BoxFromRect(box),
			})
		}
	}
	return sanitize(out), nil
}

func (l *Luma) pass(v uint8) bool {
	return float64(v) < l.Threshold
}

// flood marks the 4-connected region containing start and returns its
// bounding rectangle (exclusive max), luminance sum and pixel count.
func (l *Luma) flood(gray *image.Gray, seen []bool, start image.Point) (image.Rectangle, int, int) {
	w, h := gray.Bounds().Dx(), gray.Bounds().Dy()
	r := image.Rectangle{Min: start, Max: start.Add(image.Pt(1, 1))}
	sum, n := 0, 0

	queue := []image.Point{start}
	seen[start.Y*w+start.X] = true
	for len(queue) > 0 {
		p := queue[0]
		queue = queue[1:]
		v := gray.Pix[p.Y*gray.Stride+p.X]
		sum += int(v)
		n++
		r = r.Union(image.Rect(p.X, p.Y, p.X+1, p.Y+1))

		for _, q := range [4]image.Point{{p.X, p.Y - 1}, {p.X, p.Y + 1}, {p.X - 1, p.Y}, {p.X + 1, p.Y}} {
			if q.X < 0 || q.Y < 0 || q.X >= w || q.Y >= h {
				continue
			}
			i := q.Y*w + q.X
			if seen[i] {
				continue
			}
			seen[i] = true
			if l.pass(gray.Pix[q.Y*gray.Stride+q.X]) {
				queue = append(queue, q)
			}
		}
	}
	return r, sum, n
}

func toGray(img image.Image) *image.Gray {
	b := img.Bounds()
	gray := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			gray.Set(x, y, color.GrayModel.Convert(img.At(b.Min.X+x, b.Min.Y+y)))
		}
	}
	return gray
}
