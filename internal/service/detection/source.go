package detection

import (
	"image"

	"github.com/pkg/errors"

	"fieldscan/internal/models"
)

// ErrSourceClosed is returned by a FrameSource after Close. The loop stops
// when it sees it.
var ErrSourceClosed = errors.New("frame source closed")

// FrameSource is a live camera feed or a looping demo clip.
type FrameSource interface {
	// Ready reports whether a decoded frame with known dimensions is available.
	Ready() bool
	Dimensions() (width, height int)
	// Frame returns a copy of the current frame.
	Frame() (image.Image, error)
	Close() error
}

// RenderSurface receives the published detection batch. All methods are
// called from the loop goroutine.
type RenderSurface interface {
	Resize(width, height int)
	Size() (width, height int)
	DrawOverlay(dets []models.Detection)
}

// Surfaces fans a batch out to several surfaces.
type Surfaces []RenderSurface

func (s Surfaces) Resize(width, height int) {
	for _, surface := range s {
		surface.Resize(width, height)
	}
}

// Size reports the size of the first surface; Resize keeps them in step.
func (s Surfaces) Size() (int, int) {
	if len(s) == 0 {
		return 0, 0
	}
	return s[0].Size()
}

func (s Surfaces) DrawOverlay(dets []models.Detection) {
	for _, surface := range s {
		surface.DrawOverlay(dets)
	}
}

// Filter keeps detections scoring at least minScore whose label is recognized.
// The input slice is not modified.
func Filter(dets []models.Detection, minScore float64) []models.Detection {
	out := make([]models.Detection, 0, len(dets))
	for _, d := range dets {
		if d.Confidence >= minScore && models.IsRecognized(d.Label) {
			out = append(out, d)
		}
	}
	return out
}
