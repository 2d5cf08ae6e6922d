// Package overlay draws detections over video frames.
package overlay

import (
	"fmt"
	"image"
	"image/color"
	"math"
	"sync"

	"github.com/fogleman/gg"
	"github.com/golang/freetype/truetype"
	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/goregular"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/detection-monitor/pkg/types"
)

const (
	// labelMargin is the minimum distance kept between a label baseline and
	// the surface top.
	labelMargin = 10
	// labelGap separates the label baseline from the box top edge.
	labelGap = 5
)

var loadFont = sync.OnceValues(func() (*truetype.Font, error) {
	return truetype.Parse(goregular.TTF)
})

// Options controls overlay appearance.
type Options struct {
	LineWidth       float64
	FontSize        float64
	BoxColor        color.Color
	LabelColor      color.Color
	LabelBackground color.Color
}

// DefaultOptions returns bright green boxes with white on black labels.
func DefaultOptions() Options {
	return Options{
		LineWidth:       3,
		FontSize:        14,
		BoxColor:        color.RGBA{R: 0, G: 255, B: 0, A: 255},
		LabelColor:      color.White,
		LabelBackground: color.RGBA{A: 180},
	}
}

// Drawn describes one completed draw.
type Drawn struct {
	FrameSeq uint64   `json:"frame_seq"`
	Width    int      `json:"width"`
	Height   int      `json:"height"`
	Resized  bool     `json:"resized"`
	Labels   []string `json:"labels"`
}

// Renderer composites a frame and its detections onto a Surface. It keeps no
// state between calls besides its target and font face. A Renderer is not
// safe for concurrent use because font faces are not.
type Renderer struct {
	surface *Surface
	opts    Options
	face    font.Face
}

// NewRenderer creates a renderer drawing into surface.
func NewRenderer(surface *Surface, opts Options) (*Renderer, error) {
	if surface == nil {
		return nil, fmt.Errorf("overlay: renderer needs a surface")
	}
	def := DefaultOptions()
	if opts.LineWidth <= 0 {
		opts.LineWidth = def.LineWidth
	}
	if opts.FontSize <= 0 {
		opts.FontSize = def.FontSize
	}
	if opts.BoxColor == nil {
		opts.BoxColor = def.BoxColor
	}
	if opts.LabelColor == nil {
		opts.LabelColor = def.LabelColor
	}
	if opts.LabelBackground == nil {
		opts.LabelBackground = def.LabelBackground
	}

	f, err := loadFont()
	if err != nil {
		return nil, fmt.Errorf("overlay: parse font: %w", err)
	}

	return &Renderer{
		surface: surface,
		opts:    opts,
		face:    truetype.NewFace(f, &truetype.Options{Size: opts.FontSize}),
	}, nil
}

// Surface returns the render target.
func (r *Renderer) Surface() *Surface {
	return r.surface
}

// Render resizes the surface to the frame, draws the frame and then every
// detection box with its label on top.
func (r *Renderer) Render(frame *types.Frame, batch []types.Detection) Drawn {
	drawn := Drawn{
		FrameSeq: frame.Seq,
		Width:    frame.Width,
		Height:   frame.Height,
		Labels:   make([]string, 0, len(batch)),
	}

	r.surface.draw(frame.Width, frame.Height, frame.Seq, func(img *image.RGBA, resized bool) {
		drawn.Resized = resized

		if frame.Image != nil {
			draw.Draw(img, img.Bounds(), frame.Image, frame.Image.Bounds().Min, draw.Src)
		}

		dc := gg.NewContextForRGBA(img)
		dc.SetFontFace(r.face)
		for _, d := range batch {
			drawn.Labels = append(drawn.Labels, r.drawDetection(dc, d))
		}
	})

	return drawn
}

func (r *Renderer) drawDetection(dc *gg.Context, d types.Detection) string {
	x, y := float64(d.BBox.X), float64(d.BBox.Y)

	dc.SetColor(r.opts.BoxColor)
	dc.SetLineWidth(r.opts.LineWidth)
	dc.DrawRectangle(x, y, float64(d.BBox.W), float64(d.BBox.H))
	dc.Stroke()

	text := LabelText(d)
	baseline := float64(LabelBaseline(d.BBox.Y))
	tw, th := dc.MeasureString(text)

	dc.SetColor(r.opts.LabelBackground)
	dc.DrawRectangle(x, baseline-th-2, tw+4, th+4)
	dc.Fill()

	dc.SetColor(r.opts.LabelColor)
	dc.DrawString(text, x+2, baseline)
	return text
}

// LabelText formats a detection as "label (NN%)".
func LabelText(d types.Detection) string {
	return fmt.Sprintf("%s (%d%%)", d.Label, int(math.Round(d.Score*100)))
}

// LabelBaseline returns the label baseline for a box whose top edge is at
// boxTop: labelGap above the box when the box top is at least labelMargin
// from the surface top, else labelMargin.
func LabelBaseline(boxTop int) int {
	if boxTop >= labelMargin {
		return boxTop - labelGap
	}
	return labelMargin
}
