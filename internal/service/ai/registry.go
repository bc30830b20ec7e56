package ai

import (
	"context"
	"image"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"fieldscan/internal/logger"
	"fieldscan/internal/models"
)

// ModelKind names a model the registry manages.
type ModelKind string

const (
	ObjectDetection  ModelKind = "object-detection"
	FaceLocalization ModelKind = "face-localization"
)

// Model is a loaded model handle.
type Model interface {
	Close() error
}

// ObjectDetector returns raw, unfiltered detections for a frame.
type ObjectDetector interface {
	Model
	Detect(ctx context.Context, img image.Image) ([]models.Detection, error)
}

// FaceLocator returns face rectangles in the pixel space of img.
type FaceLocator interface {
	Model
	Locate(ctx context.Context, img image.Image) ([]models.FaceRegion, error)
}

// Source loads a model from one location (remote, bundled, ...).
type Source struct {
	Name string
	Load func(ctx context.Context) (Model, error)
}

type entry struct {
	mu      sync.Mutex
	sources []Source
	model   Model
	loads   int
}

// Registry loads each model kind at most once and caches it for the process
// lifetime.
type Registry struct {
	logger *logger.Logger

	mu      sync.Mutex
	entries map[ModelKind]*entry
}

func NewRegistry(logger *logger.Logger) *Registry {
	return &Registry{
		logger:  logger,
		entries: make(map[ModelKind]*entry),
	}
}

// Register sets the source fallback chain of kind, tried in order.
func (r *Registry) Register(kind ModelKind, sources ...Source) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[kind] = &entry{sources: sources}
}

func (r *Registry) entry(kind ModelKind) (*entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[kind]
	if !ok {
		return nil, errors.Wrapf(ErrModelNotRegistered, "%s", kind)
	}
	return e, nil
}

// Get returns the cached handle for kind, loading it on first use. Concurrent
// callers for the same kind wait for a single load.
func (r *Registry) Get(ctx context.Context, kind ModelKind) (Model, error) {
	e, err := r.entry(kind)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.model != nil {
		return e.model, nil
	}

	chain := make([]Candidate[Model], 0, len(e.sources))
	for _, s := range e.sources {
		chain = append(chain, Candidate[Model]{Name: s.Name, Try: s.Load})
	}

	e.loads++
	model, source, failures := FirstSuccess(ctx, chain)
	for i, f := range failures {
		if i < len(e.sources)-1 {
			r.logger.Warning("Loading %s model from %s failed, trying next source: %v", kind, f.Candidate, f.Err)
		}
	}
	if model == nil {
		errs := make([]error, 0, len(failures))
		for _, f := range failures {
			errs = append(errs, f)
		}
		return nil, &ModelInitError{Kind: kind, Cause: multierr.Combine(errs...)}
	}

	e.model = model
	r.logger.Info("Loaded %s model from %s", kind, source)
	return model, nil
}

// LoadAll loads the given kinds concurrently. The first failure cancels the
// other loads and is returned; every failure is logged.
func (r *Registry) LoadAll(ctx context.Context, kinds ...ModelKind) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, kind := range kinds {
		kind := kind
		g.Go(func() error {
			if _, err := r.Get(gctx, kind); err != nil {
				r.logger.Error("Model %s unavailable: %v", kind, err)
				return err
			}
			return nil
		})
	}
	return g.Wait()
}

// Detector returns the object detection model.
func (r *Registry) Detector(ctx context.Context) (ObjectDetector, error) {
	return typed[ObjectDetector](r, ctx, ObjectDetection)
}

// FaceLocator returns the face localization model.
func (r *Registry) FaceLocator(ctx context.Context) (FaceLocator, error) {
	return typed[FaceLocator](r, ctx, FaceLocalization)
}

func typed[T Model](r *Registry, ctx context.Context, kind ModelKind) (T, error) {
	var zero T
	m, err := r.Get(ctx, kind)
	if err != nil {
		return zero, err
	}
	t, ok := m.(T)
	if !ok {
		return zero, &ModelInitError{Kind: kind, Cause: errors.Errorf("unexpected model type %T", m)}
	}
	return t, nil
}

// Loaded reports whether kind has a cached handle.
func (r *Registry) Loaded(kind ModelKind) bool {
	e, err := r.entry(kind)
	if err != nil {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.model != nil
}

// LoadCount returns how many times kind went through its source chain.
func (r *Registry) LoadCount(kind ModelKind) int {
	e, err := r.entry(kind)
	if err != nil {
		return 0
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.loads
}

// Reset closes and forgets every cached handle, so the next Get reloads.
func (r *Registry) Reset() error {
	r.mu.Lock()
	entries := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.mu.Unlock()

	var err error
	for _, e := range entries {
		e.mu.Lock()
		if e.model != nil {
			err = multierr.Append(err, e.model.Close())
			e.model = nil
		}
		e.mu.Unlock()
	}
	return err
}
