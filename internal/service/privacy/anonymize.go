package privacy

import (
	"context"
	"image"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"
	"golang.org/x/image/draw"

	"fieldscan/internal/logger"
	"fieldscan/internal/models"
	"fieldscan/internal/service/ai"
)

// ErrAnonymizationDegraded marks a capture whose face model failed. The
// snapshot passes through unblurred and the result is marked degraded; the
// event is logged at warning level unless the failure is the benign backend
// warning, which stays at debug.
var ErrAnonymizationDegraded = errors.New("anonymization degraded")

// LocateFunc finds faces in img. Callers usually bind it to a model from the
// registry, so a model that fails to load is reported here as well.
type LocateFunc func(ctx context.Context, img image.Image) ([]models.FaceRegion, error)

// Anonymized is a pixel buffer that has been through the face blur step.
// The only way to obtain one is Anonymizer.Anonymize.
type Anonymized struct {
	img      *image.NRGBA
	faces    int
	degraded bool
}

// Image returns the anonymized pixels, or nil once the buffer was handed to
// Compress.
func (a *Anonymized) Image() image.Image {
	if a.img == nil {
		return nil
	}
	return a.img
}

// Faces is the number of regions that were blurred.
func (a *Anonymized) Faces() int { return a.faces }

// Degraded reports whether face localization did not run to completion and
// the snapshot passed through unblurred.
func (a *Anonymized) Degraded() bool { return a.degraded }

// Anonymizer blurs every face region located in a snapshot.
type Anonymizer struct {
	locate LocateFunc
	sigma  float64
	logger *logger.Logger
}

func NewAnonymizer(locate LocateFunc, sigma float64, logger *logger.Logger) *Anonymizer {
	if sigma <= 0 {
		sigma = 20
	}
	return &Anonymizer{locate: locate, sigma: sigma, logger: logger}
}

// Anonymize returns a copy of img with each located face pixelated and
// blurred. Zero faces yields an unmodified copy. A face model failure never
// fails the call: the copy passes through and the result is marked degraded.
// An error is returned only for an empty input.
func (a *Anonymizer) Anonymize(ctx context.Context, img image.Image) (*Anonymized, error) {
	if img == nil || img.Bounds().Empty() {
		return nil, errors.New("empty snapshot")
	}
	out := &Anonymized{img: imaging.Clone(img)}

	var faces []models.FaceRegion
	err := errors.New("no face locator configured")
	if a.locate != nil {
		faces, err = a.locate(ctx, out.img)
	}
	switch {
	case err == nil:
	case ai.IsBenignBackendWarning(err):
		// no faces were located, so the pass-through is still degraded
		out.degraded = true
		a.logger.Debug("Suppressed benign backend warning during face localization: %v", err)
		return out, nil
	default:
		out.degraded = true
		a.logger.Warning("%v: %v; snapshot passes through unblurred", ErrAnonymizationDegraded, err)
		return out, nil
	}

	if len(faces) == 0 {
		a.logger.Debug("No faces located, snapshot passes through")
		return out, nil
	}

	for _, f := range faces {
		if blurRegion(out.img, f.Rect(), a.sigma) {
			out.faces++
		}
	}
	a.logger.Debug("Blurred %d face region(s)", out.faces)
	return out, nil
}

// blurRegion irreversibly destroys the detail inside r: the region is
// pixelated with a box filter, then Gaussian blurred, then written back.
// r is clamped to the image; it reports false when nothing is left.
func blurRegion(dst *image.NRGBA, r image.Rectangle, sigma float64) bool {
	r = r.Intersect(dst.Bounds())
	if r.Empty() {
		return false
	}

	region := imaging.Crop(dst, r)
	w, h := region.Bounds().Dx(), region.Bounds().Dy()

	block := max(2, min(w, h)/8)
	small := imaging.Resize(region, max(1, w/block), max(1, h/block), imaging.Box)
	pixelated := imaging.Resize(small, w, h, imaging.NearestNeighbor)
	blurred := imaging.Blur(pixelated, sigma)

	draw.Draw(dst, r, blurred, image.Point{}, draw.Src)
	return true
}
