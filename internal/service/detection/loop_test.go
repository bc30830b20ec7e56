package detection

import (
	"context"
	"image"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/goleak"
	"go.uber.org/zap/zapcore"

	"fieldscan/internal/logger"
	"fieldscan/internal/logger/loggertest"
	"fieldscan/internal/models"
	"fieldscan/internal/service/ai"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeSource struct {
	mu     sync.Mutex
	ready  bool
	img    image.Image
	err    error
	closed int
}

func newFakeSource(w, h int) *fakeSource {
	return &fakeSource{ready: true, img: image.NewRGBA(image.Rect(0, 0, w, h))}
}

func (s *fakeSource) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready
}

func (s *fakeSource) setReady(ready bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ready = ready
}

func (s *fakeSource) Dimensions() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.img.Bounds()
	return b.Dx(), b.Dy()
}

func (s *fakeSource) Frame() (image.Image, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	return s.img, nil
}

func (s *fakeSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed++
	return nil
}

type fakeSurface struct {
	mu      sync.Mutex
	w, h    int
	resizes int
	draws   [][]models.Detection
}

func (s *fakeSurface) Resize(w, h int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.w, s.h = w, h
	s.resizes++
}

func (s *fakeSurface) Size() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w, s.h
}

func (s *fakeSurface) DrawOverlay(dets []models.Detection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.draws = append(s.draws, dets)
}

type fakeDetector struct {
	mu      sync.Mutex
	dets    []models.Detection
	err     error
	block   chan struct{}
	active  atomic.Int32
	maxSeen atomic.Int32
	calls   atomic.Int32
}

func (d *fakeDetector) Detect(ctx context.Context, img image.Image) ([]models.Detection, error) {
	d.calls.Inc()
	if n := d.active.Inc(); n > d.maxSeen.Load() {
		d.maxSeen.Store(n)
	}
	defer d.active.Dec()

	if d.block != nil {
		select {
		case <-d.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dets, d.err
}

func (d *fakeDetector) set(dets []models.Detection, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dets, d.err = dets, err
}

func (d *fakeDetector) Close() error { return nil }

var _ ai.ObjectDetector = (*fakeDetector)(nil)

// manualLoop returns a running loop whose ticks are driven by the test.
func manualLoop(src FrameSource, det ai.ObjectDetector, surface RenderSurface, log *logger.Logger) *Loop {
	l := NewLoop(src, det, surface, log, Options{Clock: clock.NewMock()})
	l.state.Store(int32(Running))
	l.alive.Store(true)
	return l
}

// settle waits for the request in flight, if any, and applies its result.
func settle(t *testing.T, l *Loop) {
	t.Helper()
	if !l.inFlight.Load() {
		return
	}
	select {
	case r := <-l.results:
		l.apply(r)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for inference result")
	}
}

func TestTick_SubmitsEveryEighthReadyTick(t *testing.T) {
	det := &fakeDetector{}
	l := manualLoop(newFakeSource(64, 48), det, &fakeSurface{}, logger.NewNop())

	for i := 1; i <= 40; i++ {
		if err := l.tick(context.Background()); err != nil {
			t.Fatalf("tick %d: %v", i, err)
		}
		if got, want := l.Stats().Submissions, int64(i/8); got != want {
			t.Fatalf("after %d ticks expected %d submissions, got %d", i, want, got)
		}
		settle(t, l)
	}

	if det.calls.Load() != 5 {
		t.Errorf("expected 5 inference calls, got %d", det.calls.Load())
	}
}

func TestTick_NotReadyTicksDoNotCount(t *testing.T) {
	src := newFakeSource(64, 48)
	src.setReady(false)
	l := manualLoop(src, &fakeDetector{}, &fakeSurface{}, logger.NewNop())
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		l.tick(ctx)
	}
	if l.Stats().Submissions != 0 {
		t.Fatal("no submission expected before the source is ready")
	}

	src.setReady(true)
	for i := 0; i < 7; i++ {
		l.tick(ctx)
	}
	if l.Stats().Submissions != 0 {
		t.Fatal("7 ready ticks must not submit")
	}
	l.tick(ctx)
	if l.Stats().Submissions != 1 {
		t.Errorf("expected a submission on the 8th ready tick, stats %+v", l.Stats())
	}
	settle(t, l)

	if s := l.Stats(); s.Ticks != 28 || s.ReadyTicks != 8 {
		t.Errorf("unexpected counters %+v", s)
	}
}

func TestTick_AtMostOneRequestInFlight(t *testing.T) {
	det := &fakeDetector{block: make(chan struct{})}
	l := manualLoop(newFakeSource(64, 48), det, &fakeSurface{}, logger.NewNop())
	ctx := context.Background()

	for i := 0; i < 40; i++ {
		l.tick(ctx)
	}

	s := l.Stats()
	if s.Submissions != 1 {
		t.Errorf("expected a single submission while busy, got %d", s.Submissions)
	}
	if s.Busy != 4 {
		t.Errorf("expected 4 skipped submissions, got %d", s.Busy)
	}

	close(det.block)
	settle(t, l)
	if det.maxSeen.Load() != 1 {
		t.Errorf("expected at most one concurrent request, saw %d", det.maxSeen.Load())
	}

	// the guard is cleared once the result is applied
	for i := 0; i < 8; i++ {
		l.tick(ctx)
	}
	settle(t, l)
	if l.Stats().Submissions != 2 {
		t.Errorf("expected submission after completion, got %d", l.Stats().Submissions)
	}
}

func TestApply_ReplacesBatchWholesale(t *testing.T) {
	surface := &fakeSurface{}
	l := manualLoop(newFakeSource(64, 48), &fakeDetector{}, surface, logger.NewNop())

	l.inFlight.Store(true)
	l.apply(result{
		dets: []models.Detection{
			{Label: models.LabelBottle, Confidence: 0.9},
			{Label: "person", Confidence: 0.99},
			{Label: models.LabelCup, Confidence: 0.49},
			{Label: models.LabelFork, Confidence: 0.5},
		},
		width:  64,
		height: 48,
	})

	batch := l.Latest()
	if len(batch.Detections) != 2 {
		t.Fatalf("expected 2 filtered detections, got %+v", batch.Detections)
	}
	if batch.Detections[0].Label != models.LabelBottle || batch.Detections[1].Label != models.LabelFork {
		t.Errorf("unexpected batch %+v", batch.Detections)
	}
	if l.inFlight.Load() {
		t.Error("in-flight guard must be cleared after apply")
	}

	l.apply(result{dets: []models.Detection{{Label: models.LabelSpoon, Confidence: 0.7}}, width: 64, height: 48})
	batch = l.Latest()
	if len(batch.Detections) != 1 || batch.Detections[0].Label != models.LabelSpoon {
		t.Errorf("expected the batch to be replaced, got %+v", batch.Detections)
	}

	if surface.resizes != 1 {
		t.Errorf("expected one resize for unchanged dimensions, got %d", surface.resizes)
	}
	if len(surface.draws) != 2 {
		t.Errorf("expected 2 draws, got %d", len(surface.draws))
	}

	l.apply(result{width: 128, height: 96})
	if w, h := surface.Size(); w != 128 || h != 96 || surface.resizes != 2 {
		t.Errorf("expected resize to 128x96, got %dx%d (%d resizes)", w, h, surface.resizes)
	}
}

func TestApply_ErrorsKeepBatch(t *testing.T) {
	log, logs := loggertest.NewObserved()
	l := manualLoop(newFakeSource(64, 48), &fakeDetector{}, &fakeSurface{}, log)

	l.apply(result{dets: []models.Detection{{Label: models.LabelCup, Confidence: 0.8}}, width: 64, height: 48})

	l.apply(result{err: errors.New("tensor shape mismatch")})
	if len(l.Latest().Detections) != 1 {
		t.Error("a failed request must leave the batch unchanged")
	}
	if l.Stats().Failures != 1 {
		t.Errorf("expected 1 failure, got %d", l.Stats().Failures)
	}
	warnings := logs.FilterLevelExact(zapcore.WarnLevel).All()
	if len(warnings) != 1 {
		t.Fatalf("expected one warning, got %d", len(warnings))
	}

	l.apply(result{err: errors.Wrap(ai.ErrLegacyBackendNotFound, "detect")})
	if logs.FilterLevelExact(zapcore.WarnLevel).Len() != 1 {
		t.Error("benign warning must not be logged above debug")
	}
	if l.Stats().Failures != 1 {
		t.Error("benign warning must not count as a failure")
	}
	if len(l.Latest().Detections) != 1 {
		t.Error("benign warning must leave the batch unchanged")
	}
}

func TestApply_DropsResultsAfterStop(t *testing.T) {
	surface := &fakeSurface{}
	l := manualLoop(newFakeSource(64, 48), &fakeDetector{}, surface, logger.NewNop())
	l.alive.Store(false)

	l.apply(result{dets: []models.Detection{{Label: models.LabelBottle, Confidence: 0.9}}, width: 64, height: 48})

	if len(l.Latest().Detections) != 0 || len(surface.draws) != 0 {
		t.Error("late result must not be published")
	}
	if l.Stats().Dropped != 1 {
		t.Errorf("expected 1 dropped result, got %d", l.Stats().Dropped)
	}
}

func TestTransientInferenceError(t *testing.T) {
	cause := errors.New("out of memory")
	var err error = &TransientInferenceError{Err: cause}
	if !errors.Is(err, cause) {
		t.Error("expected the cause to be reachable")
	}
}

// advanceUntil moves the mock clock one interval at a time until cond holds.
func advanceUntil(t *testing.T, mock *clock.Mock, interval time.Duration, cond func() bool) {
	t.Helper()
	for i := 0; i < 2000; i++ {
		if cond() {
			return
		}
		mock.Add(interval)
	}
	t.Fatal("condition not reached")
}

func TestLoop_StartStop(t *testing.T) {
	mock := clock.NewMock()
	src := newFakeSource(64, 48)
	surface := &fakeSurface{}
	det := &fakeDetector{dets: []models.Detection{{Label: models.LabelBottle, Confidence: 0.95}}}
	l := NewLoop(src, det, surface, logger.NewNop(), Options{Clock: mock, Interval: 16 * time.Millisecond})

	if err := l.Start(context.Background()); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	if l.State() != Running {
		t.Errorf("expected running, got %s", l.State())
	}

	advanceUntil(t, mock, 16*time.Millisecond, func() bool { return l.Stats().Applied >= 2 })

	s := l.Stats()
	if max := (s.ReadyTicks + 7) / 8; s.Submissions > max {
		t.Errorf("throttle exceeded: %d submissions for %d ready ticks", s.Submissions, s.ReadyTicks)
	}
	if det.maxSeen.Load() > 1 {
		t.Errorf("saw %d concurrent requests", det.maxSeen.Load())
	}
	if len(l.Latest().Detections) != 1 {
		t.Errorf("expected published batch, got %+v", l.Latest())
	}

	if err := l.Stop(); err != nil {
		t.Fatalf("Stop() failed: %v", err)
	}
	select {
	case <-l.Done():
	default:
		t.Error("loop goroutine must have exited when Stop returns")
	}
	if src.closed != 1 {
		t.Errorf("expected source closed once, got %d", src.closed)
	}
	if err := l.Stop(); err != nil || src.closed != 1 {
		t.Errorf("second Stop should be a no-op, err=%v closed=%d", err, src.closed)
	}
	if err := l.Start(context.Background()); !errors.Is(err, ErrLoopStarted) {
		t.Errorf("expected ErrLoopStarted, got %v", err)
	}
}

func TestLoop_StopWithRequestInFlight(t *testing.T) {
	mock := clock.NewMock()
	det := &fakeDetector{block: make(chan struct{})}
	surface := &fakeSurface{}
	l := NewLoop(newFakeSource(64, 48), det, surface, logger.NewNop(), Options{Clock: mock, Interval: time.Millisecond})

	if err := l.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	advanceUntil(t, mock, time.Millisecond, func() bool { return det.calls.Load() == 1 })

	if err := l.Stop(); err != nil {
		t.Fatalf("Stop() failed: %v", err)
	}
	if len(surface.draws) != 0 {
		t.Error("cancelled request must not be drawn")
	}
	if l.State() != Stopped {
		t.Errorf("expected stopped, got %s", l.State())
	}
}

func TestLoop_SuspendResume(t *testing.T) {
	mock := clock.NewMock()
	det := &fakeDetector{}
	l := NewLoop(newFakeSource(64, 48), det, &fakeSurface{}, logger.NewNop(), Options{Clock: mock, Interval: time.Millisecond})
	if err := l.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer l.Stop()

	l.Suspend()
	if l.State() != Suspended {
		t.Fatalf("expected suspended, got %s", l.State())
	}
	advanceUntil(t, mock, time.Millisecond, func() bool { return l.Stats().Ticks >= 40 })
	if l.Stats().ReadyTicks != 0 || det.calls.Load() != 0 {
		t.Errorf("suspended loop must not submit, stats %+v", l.Stats())
	}

	l.Resume()
	advanceUntil(t, mock, time.Millisecond, func() bool { return det.calls.Load() >= 1 })
}

func TestLoop_SourceClosedStopsLoop(t *testing.T) {
	mock := clock.NewMock()
	src := newFakeSource(64, 48)
	src.err = errors.Wrap(ErrSourceClosed, "camera 0")
	l := NewLoop(src, &fakeDetector{}, &fakeSurface{}, logger.NewNop(), Options{Clock: mock, Interval: time.Millisecond})

	if err := l.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	advanceUntil(t, mock, time.Millisecond, func() bool {
		select {
		case <-l.Done():
			return true
		default:
			return false
		}
	})

	if l.State() != Stopped {
		t.Errorf("expected stopped, got %s", l.State())
	}
	if err := l.Stop(); err != nil {
		t.Fatalf("Stop() failed: %v", err)
	}
	if src.closed != 1 {
		t.Errorf("expected source closed once, got %d", src.closed)
	}
}

func TestSurfaces_FanOut(t *testing.T) {
	a, b := &fakeSurface{}, &fakeSurface{}
	s := Surfaces{a, b}

	s.Resize(320, 240)
	s.DrawOverlay([]models.Detection{{Label: models.LabelCup}})

	if w, h := s.Size(); w != 320 || h != 240 {
		t.Errorf("expected 320x240, got %dx%d", w, h)
	}
	if len(a.draws) != 1 || len(b.draws) != 1 {
		t.Error("every surface must receive the batch")
	}
	if w, h := (Surfaces{}).Size(); w != 0 || h != 0 {
		t.Error("empty fan-out has zero size")
	}
}
