package capture

import (
	"context"
	"fmt"
	"image"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"
	"go.uber.org/atomic"

	"fieldscan/internal/config"
	"fieldscan/internal/logger"
	"fieldscan/internal/models"
	"fieldscan/internal/service/detection"
	"fieldscan/internal/service/draft"
	"fieldscan/internal/service/privacy"
)

var (
	// ErrCaptureAborted matches every AbortedError.
	ErrCaptureAborted = errors.New("capture aborted")
	// ErrCaptureInProgress is returned to a trigger arriving while a capture runs.
	ErrCaptureInProgress = errors.New("capture already in progress")
	// ErrSourceNotReady is the snapshot failure for a source without a frame.
	ErrSourceNotReady = errors.New("frame source not ready")
)

// Step names a pipeline stage that can abort a capture.
type Step string

const (
	StepSnapshot  Step = "snapshot"
	StepAnonymize Step = "anonymize"
	StepCompress  Step = "compress"
)

// AbortedError reports the step a capture failed at. No draft was touched.
type AbortedError struct {
	Step Step
	Err  error
}

func (e *AbortedError) Error() string {
	return fmt.Sprintf("%v at %s: %v", ErrCaptureAborted, e.Step, e.Err)
}

func (e *AbortedError) Unwrap() error { return e.Err }

func (e *AbortedError) Is(target error) bool {
	return target == ErrCaptureAborted
}

// BatchSource exposes the last published detection batch.
type BatchSource interface {
	Latest() detection.Batch
}

// DraftSink receives the capture handoff.
type DraftSink interface {
	SetPartial(p draft.Patch) draft.Record
}

// Result summarizes a completed capture.
type Result struct {
	Record   draft.Record      `json:"draft"`
	Counts   models.ClassTally `json:"counts"`
	Faces    int               `json:"faces"`
	Degraded bool              `json:"degraded"`
}

// Pipeline turns the current frame into an anonymized, compressed draft.
type Pipeline struct {
	source     detection.FrameSource
	batches    BatchSource
	anonymizer *privacy.Anonymizer
	drafts     DraftSink
	logger     *logger.Logger

	maxWidth int
	quality  int

	busy atomic.Bool
}

func NewPipeline(source detection.FrameSource, batches BatchSource, anonymizer *privacy.Anonymizer, drafts DraftSink, logger *logger.Logger) *Pipeline {
	return &Pipeline{
		source:     source,
		batches:    batches,
		anonymizer: anonymizer,
		drafts:     drafts,
		logger:     logger,
		maxWidth:   config.MaxCaptureWidth,
		quality:    config.JPEGQuality,
	}
}

// Capture runs snapshot, anonymize, compress, tally and handoff in order.
// Only one capture runs at a time; a concurrent call gets ErrCaptureInProgress.
// An empty municipalityID keeps the draft's current municipality.
func (p *Pipeline) Capture(ctx context.Context, municipalityID string) (Result, error) {
	if !p.busy.CompareAndSwap(false, true) {
		return Result{}, ErrCaptureInProgress
	}
	defer p.busy.Store(false)

	snapshot, err := Snapshot(p.source, p.maxWidth)
	if err != nil {
		return Result{}, p.abort(StepSnapshot, err)
	}

	anonymized, err := p.anonymizer.Anonymize(ctx, snapshot)
	if err != nil {
		return Result{}, p.abort(StepAnonymize, err)
	}
	faces, degraded := anonymized.Faces(), anonymized.Degraded()

	encoded, err := privacy.Compress(anonymized, p.quality)
	if err != nil {
		return Result{}, p.abort(StepCompress, err)
	}

	// Counts come from the last published batch, which may predate the
	// snapshot by up to one inference interval.
	counts := models.Tally(p.batches.Latest().Detections)

	patch := draft.Patch{Image: &encoded, Counts: &counts}
	if municipalityID != "" {
		patch.MunicipalityID = &municipalityID
	}
	record := p.drafts.SetPartial(patch)

	p.logger.Info("Captured %dx%d frame for draft %s: %d face(s) blurred, %d object(s), %d bytes",
		encoded.Width(), encoded.Height(), record.ID, faces, counts.Total(), encoded.Len())
	return Result{Record: record, Counts: counts, Faces: faces, Degraded: degraded}, nil
}

// Busy reports whether a capture is running.
func (p *Pipeline) Busy() bool {
	return p.busy.Load()
}

func (p *Pipeline) abort(step Step, err error) error {
	aborted := &AbortedError{Step: step, Err: err}
	p.logger.Error("%v", aborted)
	return aborted
}

// Snapshot copies the current frame of src. Frames wider than maxWidth are
// downscaled with the aspect ratio preserved; narrower frames are never
// upscaled.
func Snapshot(src detection.FrameSource, maxWidth int) (image.Image, error) {
	if !src.Ready() {
		return nil, ErrSourceNotReady
	}
	frame, err := src.Frame()
	if err != nil {
		return nil, errors.Wrap(err, "reading frame")
	}
	if frame == nil || frame.Bounds().Empty() {
		return nil, errors.New("frame has no pixels")
	}

	if maxWidth > 0 && frame.Bounds().Dx() > maxWidth {
		return imaging.Resize(frame, maxWidth, 0, imaging.Lanczos), nil
	}
	return imaging.Clone(frame), nil
}
