package service

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/jpeg"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/goleak"

	"fieldscan/internal/config"
	"fieldscan/internal/logger"
	"fieldscan/internal/models"
	"fieldscan/internal/service/ai"
	"fieldscan/internal/service/detection"
	"fieldscan/internal/service/draft"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// ==================== Fakes ====================

type stubBackend struct {
	name string
	err  error
}

func (b *stubBackend) Name() string                     { return b.name }
func (b *stubBackend) Init(ctx context.Context) error   { return b.err }
func (b *stubBackend) WarmUp(ctx context.Context) error { return nil }
func (b *stubBackend) Release() error                   { return nil }

type stubDetector struct{}

func (stubDetector) Detect(ctx context.Context, img image.Image) ([]models.Detection, error) {
	return nil, nil
}
func (stubDetector) Close() error { return nil }

type stubFaces struct{}

func (stubFaces) Locate(ctx context.Context, img image.Image) ([]models.FaceRegion, error) {
	return nil, nil
}
func (stubFaces) Close() error { return nil }

// gatedFaces blocks in Locate until released and records whether it was
// closed while a call was still running.
type gatedFaces struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once

	locating            atomic.Bool
	closed              atomic.Int32
	closedWhileLocating atomic.Bool
}

func newGatedFaces() *gatedFaces {
	return &gatedFaces{entered: make(chan struct{}), release: make(chan struct{})}
}

func (f *gatedFaces) Locate(ctx context.Context, img image.Image) ([]models.FaceRegion, error) {
	f.locating.Store(true)
	defer f.locating.Store(false)
	f.once.Do(func() { close(f.entered) })
	<-f.release
	return nil, nil
}

func (f *gatedFaces) Close() error {
	if f.locating.Load() {
		f.closedWhileLocating.Store(true)
	}
	f.closed.Inc()
	return nil
}

type stubSource struct {
	mu     sync.Mutex
	closed int
}

func (s *stubSource) Ready() bool            { return true }
func (s *stubSource) Dimensions() (int, int) { return 64, 48 }
func (s *stubSource) Frame() (image.Image, error) {
	img := image.NewRGBA(image.Rect(0, 0, 64, 48))
	for y := 0; y < 48; y++ {
		for x := 0; x < 64; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 4), G: uint8(y * 5), B: 90, A: 255})
		}
	}
	return img, nil
}
func (s *stubSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed++
	return nil
}

type memoryStore struct {
	mu    sync.Mutex
	saved []models.Inspection
}

func (s *memoryStore) Save(ctx context.Context, inspection models.Inspection) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved = append(s.saved, inspection)
	return nil
}

type harness struct {
	manager  *Manager
	registry *ai.Registry
	sources  []*stubSource
	store    *memoryStore
}

func testConfig() *config.Config {
	return &config.Config{
		RenderRate:          60,
		BlurSigma:           2,
		MaxLiters:           config.BasketMaxLiters,
		DefaultMunicipality: "demo-miami",
		Municipalities:      models.DefaultMunicipalities(),
	}
}

func newHarness(t *testing.T, detectorErrs []error, backends ...ai.Backend) *harness {
	t.Helper()
	log := logger.NewNop()
	h := &harness{registry: ai.NewRegistry(log), store: &memoryStore{}}

	attempt := 0
	h.registry.Register(ai.ObjectDetection, ai.Source{
		Name: "bundled",
		Load: func(ctx context.Context) (ai.Model, error) {
			defer func() { attempt++ }()
			if attempt < len(detectorErrs) && detectorErrs[attempt] != nil {
				return nil, detectorErrs[attempt]
			}
			return stubDetector{}, nil
		},
	})
	h.registry.Register(ai.FaceLocalization, ai.Source{
		Name: "bundled",
		Load: func(ctx context.Context) (ai.Model, error) { return stubFaces{}, nil },
	})

	if len(backends) == 0 {
		backends = []ai.Backend{&stubBackend{name: "cpu"}}
	}
	h.manager = NewManager(testConfig(), Dependencies{
		Backends: ai.NewBackendManager(log, backends...),
		Registry: h.registry,
		OpenSource: func() (detection.FrameSource, error) {
			src := &stubSource{}
			h.sources = append(h.sources, src)
			return src, nil
		},
		Store: h.store,
		Clock: clock.NewMock(),
	}, log)
	h.manager.Start()
	t.Cleanup(func() { h.manager.Stop() })
	return h
}

// ==================== Tests ====================

func TestManager_CaptureBeforeInitialize(t *testing.T) {
	h := newHarness(t, nil)

	if _, err := h.manager.Capture(context.Background(), ""); !errors.Is(err, ErrNotInitialized) {
		t.Errorf("Expected ErrNotInitialized, got %v", err)
	}
	if _, err := h.manager.Preview(); !errors.Is(err, ErrNotInitialized) {
		t.Errorf("Expected ErrNotInitialized from Preview, got %v", err)
	}
	if h.manager.Status().Initialized {
		t.Error("Expected uninitialized status")
	}
}

func TestManager_NoBackendReportsUnavailable(t *testing.T) {
	h := newHarness(t, nil, &stubBackend{name: "cuda", err: errors.New("no device")})

	err := h.manager.Initialize(context.Background())
	if !errors.Is(err, ai.ErrBackendUnavailable) {
		t.Fatalf("Expected ErrBackendUnavailable, got %v", err)
	}

	if _, err := h.manager.Capture(context.Background(), ""); !errors.Is(err, ai.ErrBackendUnavailable) {
		t.Errorf("Expected capture to report the initialization failure, got %v", err)
	}
	status := h.manager.Status()
	if status.Initialized || status.Error == "" || status.Backend != "none" {
		t.Errorf("Unexpected status %+v", status)
	}
	if len(h.sources) != 0 {
		t.Error("Expected no frame source to be opened")
	}
}

func TestManager_CaptureAndFinalize(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	if err := h.manager.Initialize(ctx); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	status := h.manager.Status()
	if !status.Initialized || status.Backend != "cpu" || status.Loop != "running" {
		t.Errorf("Unexpected status %+v", status)
	}

	result, err := h.manager.Capture(ctx, "nowhere")
	if err != nil {
		t.Fatalf("Capture failed: %v", err)
	}
	if result.Record.MunicipalityID != "demo-miami" {
		t.Errorf("Expected unknown municipality to fall back to default, got %s", result.Record.MunicipalityID)
	}
	if result.Record.Image.IsZero() {
		t.Error("Expected an encoded image on the draft")
	}

	fill := 50.0
	updated := h.manager.UpdateDraft(draft.Patch{FillPercent: &fill})
	if updated.LitersEstimate != 60 {
		t.Errorf("Expected 60 liters, got %.0f", updated.LitersEstimate)
	}

	inspection, err := h.manager.Finalize(ctx)
	if err != nil {
		t.Fatalf("Finalize failed: %v", err)
	}
	if len(h.store.saved) != 1 || h.store.saved[0].ID != inspection.ID {
		t.Errorf("Expected the inspection to be saved once, got %d", len(h.store.saved))
	}
	if _, ok := h.manager.Draft(); ok {
		t.Error("Expected the draft to be cleared after finalize")
	}
}

func TestManager_RetryAfterModelFailure(t *testing.T) {
	h := newHarness(t, []error{errors.New("corrupt weights")})
	ctx := context.Background()

	var initErr *ai.ModelInitError
	if err := h.manager.Initialize(ctx); !errors.As(err, &initErr) {
		t.Fatalf("Expected ModelInitError, got %v", err)
	}

	if err := h.manager.Initialize(ctx); err != nil {
		t.Fatalf("Retry failed: %v", err)
	}
	if h.registry.LoadCount(ai.ObjectDetection) != 2 {
		t.Errorf("Expected the retry to load again, got count %d", h.registry.LoadCount(ai.ObjectDetection))
	}
	if !h.manager.Status().Initialized {
		t.Error("Expected initialized status after retry")
	}
}

func TestManager_ReinitializeClosesPreviousSource(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	if err := h.manager.Initialize(ctx); err != nil {
		t.Fatal(err)
	}
	if err := h.manager.Initialize(ctx); err != nil {
		t.Fatal(err)
	}

	if len(h.sources) != 2 {
		t.Fatalf("Expected two sources, got %d", len(h.sources))
	}
	if h.sources[0].closed != 1 {
		t.Errorf("Expected the first source closed once, got %d", h.sources[0].closed)
	}
}

func TestManager_Preview(t *testing.T) {
	h := newHarness(t, nil)
	if err := h.manager.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}

	data, err := h.manager.Preview()
	if err != nil {
		t.Fatalf("Preview failed: %v", err)
	}
	img, err := jpeg.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("Expected a JPEG preview: %v", err)
	}
	if img.Bounds().Dx() != 64 || img.Bounds().Dy() != 48 {
		t.Errorf("Expected 64x48 preview, got %v", img.Bounds())
	}
}

func TestManager_DiscardAndAdjust(t *testing.T) {
	h := newHarness(t, nil)

	if _, err := h.manager.AdjustDraft(draft.BucketCup, 1); !errors.Is(err, draft.ErrNoDraft) {
		t.Errorf("Expected ErrNoDraft, got %v", err)
	}

	municipality := "demo-key-biscayne"
	h.manager.UpdateDraft(draft.Patch{MunicipalityID: &municipality})
	rec, err := h.manager.AdjustDraft(draft.BucketCup, 2)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Counts.Cup != 2 || rec.MunicipalityID != municipality {
		t.Errorf("Unexpected draft %+v", rec)
	}

	h.manager.Discard()
	if _, ok := h.manager.Draft(); ok {
		t.Error("Expected no draft after discard")
	}
}

func TestManager_InitializeWaitsForCapture(t *testing.T) {
	h := newHarness(t, nil)
	faces := newGatedFaces()
	h.registry.Register(ai.FaceLocalization, ai.Source{
		Name: "bundled",
		Load: func(ctx context.Context) (ai.Model, error) { return faces, nil },
	})
	ctx := context.Background()
	if err := h.manager.Initialize(ctx); err != nil {
		t.Fatal(err)
	}

	captured := make(chan error, 1)
	go func() {
		_, err := h.manager.Capture(ctx, "")
		captured <- err
	}()
	<-faces.entered

	reinit := make(chan error, 1)
	go func() { reinit <- h.manager.Initialize(ctx) }()

	select {
	case err := <-reinit:
		t.Fatalf("Initialize returned while a capture was using the face model: %v", err)
	case <-time.After(100 * time.Millisecond):
	}
	if faces.closed.Load() != 0 {
		t.Error("Expected the face model to stay open during the capture")
	}

	close(faces.release)
	if err := <-captured; err != nil {
		t.Fatalf("Capture failed: %v", err)
	}
	if err := <-reinit; err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	if faces.closedWhileLocating.Load() {
		t.Error("Face model was closed during a Locate call")
	}
	if faces.closed.Load() != 1 {
		t.Errorf("Expected the old face model closed once, got %d", faces.closed.Load())
	}
}

func TestManager_StatusDuringModelLoad(t *testing.T) {
	h := newHarness(t, nil)
	loading := make(chan struct{})
	h.registry.Register(ai.ObjectDetection, ai.Source{
		Name: "remote",
		Load: func(ctx context.Context) (ai.Model, error) {
			close(loading)
			<-ctx.Done()
			return nil, ctx.Err()
		},
	})

	initialized := make(chan error, 1)
	go func() { initialized <- h.manager.Initialize(context.Background()) }()
	<-loading

	statuses := make(chan Status, 1)
	go func() { statuses <- h.manager.Status() }()
	select {
	case status := <-statuses:
		if status.Initialized {
			t.Error("Expected uninitialized status while models load")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Status blocked while models were loading")
	}

	if _, err := h.manager.Capture(context.Background(), ""); !errors.Is(err, ErrNotInitialized) {
		t.Errorf("Expected ErrNotInitialized during load, got %v", err)
	}

	// Stop aborts the pending load
	if err := h.manager.Stop(); err != nil {
		t.Errorf("Stop failed: %v", err)
	}
	select {
	case err := <-initialized:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Expected the load to be cancelled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Initialize did not return after Stop")
	}
}
