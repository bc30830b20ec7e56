package overlay

import (
	"image"
	"image/color"
	"sync"

	"github.com/disintegration/imaging"
	"github.com/fogleman/gg"

	"fieldscan/internal/models"
)

var (
	strokeColor  = color.NRGBA{R: 0, G: 255, B: 255, A: 255}
	captionColor = color.NRGBA{R: 0, G: 0, B: 0, A: 255}
)

// Canvas is a transparent raster the detection boxes are drawn on, sized
// like the frames they were found in.
type Canvas struct {
	mu        sync.RWMutex
	dc        *gg.Context
	lineWidth float64
}

func NewCanvas() *Canvas {
	return &Canvas{lineWidth: 2}
}

// Resize replaces the backing raster; the next DrawOverlay repaints it.
func (c *Canvas) Resize(width, height int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if width <= 0 || height <= 0 {
		c.dc = nil
		return
	}
	c.dc = gg.NewContext(width, height)
}

func (c *Canvas) Size() (int, int) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.dc == nil {
		return 0, 0
	}
	return c.dc.Width(), c.dc.Height()
}

// DrawOverlay clears the raster and strokes one labelled box per detection.
func (c *Canvas) DrawOverlay(dets []models.Detection) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dc == nil {
		return
	}

	dc := c.dc
	dc.SetColor(color.Transparent)
	dc.Clear()

	dc.SetLineWidth(c.lineWidth)
	for _, d := range dets {
		x, y := float64(d.X), float64(d.Y)
		dc.SetColor(strokeColor)
		dc.DrawRectangle(x, y, float64(d.Width), float64(d.Height))
		dc.Stroke()

		caption := d.Caption()
		tw, th := dc.MeasureString(caption)
		top := y - th - 4
		if top < 0 {
			top = y
		}
		dc.DrawRectangle(x, top, tw+6, th+4)
		dc.Fill()
		dc.SetColor(captionColor)
		dc.DrawStringAnchored(caption, x+3, top+2, 0, 1)
	}
}

// Snapshot returns a copy of the current overlay raster, or nil before the
// first Resize.
func (c *Canvas) Snapshot() *image.NRGBA {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.dc == nil {
		return nil
	}
	return imaging.Clone(c.dc.Image())
}

// Composite draws the overlay on top of frame. An overlay of different size
// is stretched to the frame.
func (c *Canvas) Composite(frame image.Image) *image.NRGBA {
	overlay := c.Snapshot()
	if overlay == nil {
		return imaging.Clone(frame)
	}
	b := frame.Bounds()
	if overlay.Bounds().Dx() != b.Dx() || overlay.Bounds().Dy() != b.Dy() {
		overlay = imaging.Resize(overlay, b.Dx(), b.Dy(), imaging.Linear)
	}
	return imaging.Overlay(frame, overlay, image.Point{}, 1.0)
}
