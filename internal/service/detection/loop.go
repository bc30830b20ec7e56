package detection

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.uber.org/atomic"

	"fieldscan/internal/config"
	"fieldscan/internal/logger"
	"fieldscan/internal/models"
	"fieldscan/internal/service/ai"
)

// State is the lifecycle state of a Loop.
type State int32

const (
	Idle State = iota
	Running
	Suspended
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Suspended:
		return "suspended"
	case Stopped:
		return "stopped"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// ErrLoopStarted is returned when Start is called on a loop that already left Idle.
var ErrLoopStarted = errors.New("detection loop already started")

// TransientInferenceError wraps a non-benign failure of one inference request.
// The published batch is left unchanged and the loop keeps running.
type TransientInferenceError struct {
	Err error
}

func (e *TransientInferenceError) Error() string {
	return fmt.Sprintf("inference failed: %v", e.Err)
}

func (e *TransientInferenceError) Unwrap() error { return e.Err }

// Batch is the last published, filtered detection batch together with the
// dimensions of the frame it was computed on.
type Batch struct {
	Detections []models.Detection
	Width      int
	Height     int
	At         time.Time
}

// Stats are cumulative loop counters.
type Stats struct {
	Ticks       int64 `json:"ticks"`
	ReadyTicks  int64 `json:"readyTicks"`
	Submissions int64 `json:"submissions"`
	Busy        int64 `json:"busy"`
	Applied     int64 `json:"applied"`
	Failures    int64 `json:"failures"`
	Dropped     int64 `json:"dropped"`
}

// Options tunes a Loop. Zero values fall back to the defaults in config.
type Options struct {
	Interval       time.Duration
	ThrottleFactor int
	MinScore       float64
	Clock          clock.Clock
}

type result struct {
	dets   []models.Detection
	err    error
	width  int
	height int
}

// Loop drives object detection at render cadence. The loop goroutine plays
// the render thread: it counts ticks, submits every ThrottleFactor-th ready
// tick and applies results. Inference runs on its own goroutine, at most one
// at a time.
type Loop struct {
	source   FrameSource
	detector ai.ObjectDetector
	surface  RenderSurface
	logger   *logger.Logger

	clock    clock.Clock
	interval time.Duration
	throttle int
	minScore float64

	mu      sync.Mutex
	cancel  context.CancelFunc
	stopped bool
	done    chan struct{}
	wg      sync.WaitGroup

	state    atomic.Int32
	alive    atomic.Bool
	inFlight atomic.Bool
	latest   atomic.Pointer[Batch]
	results  chan result

	// counted is touched only by the loop goroutine.
	counted int

	ticks       atomic.Int64
	readyTicks  atomic.Int64
	submissions atomic.Int64
	busy        atomic.Int64
	applied     atomic.Int64
	failures    atomic.Int64
	dropped     atomic.Int64
}

func NewLoop(source FrameSource, detector ai.ObjectDetector, surface RenderSurface, logger *logger.Logger, opts Options) *Loop {
	if opts.Interval <= 0 {
		opts.Interval = time.Second / 60
	}
	if opts.ThrottleFactor <= 0 {
		opts.ThrottleFactor = config.ThrottleFactor
	}
	if opts.MinScore <= 0 {
		opts.MinScore = config.ScoreThreshold
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if surface == nil {
		surface = Surfaces(nil)
	}

	l := &Loop{
		source:   source,
		detector: detector,
		surface:  surface,
		logger:   logger,
		clock:    opts.Clock,
		interval: opts.Interval,
		throttle: opts.ThrottleFactor,
		minScore: opts.MinScore,
		done:     make(chan struct{}),
		results:  make(chan result, 1),
	}
	l.latest.Store(&Batch{})
	return l
}

// Start launches the loop goroutine. A loop runs once; create a new one to
// restart after Stop.
func (l *Loop) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.stopped || !l.state.CompareAndSwap(int32(Idle), int32(Running)) {
		return ErrLoopStarted
	}
	ctx, l.cancel = context.WithCancel(ctx)
	l.alive.Store(true)

	go l.run(ctx)
	l.logger.Info("Detection loop started (interval %v, every %d ready ticks)", l.interval, l.throttle)
	return nil
}

// Stop cancels the loop and closes the frame source before returning. A
// request still in flight sees a cancelled context and its result is dropped.
// Safe to call more than once.
func (l *Loop) Stop() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.stopped {
		return nil
	}
	l.stopped = true
	l.state.Store(int32(Stopped))
	l.alive.Store(false)

	if l.cancel != nil {
		l.cancel()
		<-l.done
	}
	l.wg.Wait()

	if err := l.source.Close(); err != nil {
		return errors.Wrap(err, "closing frame source")
	}
	l.logger.Info("Detection loop stopped after %d submissions", l.submissions.Load())
	return nil
}

// Suspend pauses the loop. Ticks while suspended do not count toward the
// throttle.
func (l *Loop) Suspend() {
	if l.state.CompareAndSwap(int32(Running), int32(Suspended)) {
		l.logger.Debug("Detection loop suspended")
	}
}

// Resume continues a suspended loop.
func (l *Loop) Resume() {
	if l.state.CompareAndSwap(int32(Suspended), int32(Running)) {
		l.logger.Debug("Detection loop resumed")
	}
}

func (l *Loop) State() State {
	return State(l.state.Load())
}

// Done is closed when the loop goroutine exits.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

// Latest returns the currently published batch. The returned slice must not
// be modified.
func (l *Loop) Latest() Batch {
	return *l.latest.Load()
}

func (l *Loop) Stats() Stats {
	return Stats{
		Ticks:       l.ticks.Load(),
		ReadyTicks:  l.readyTicks.Load(),
		Submissions: l.submissions.Load(),
		Busy:        l.busy.Load(),
		Applied:     l.applied.Load(),
		Failures:    l.failures.Load(),
		Dropped:     l.dropped.Load(),
	}
}

func (l *Loop) run(ctx context.Context) {
	defer close(l.done)

	ticker := l.clock.Ticker(l.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case r := <-l.results:
			l.apply(r)
		case <-ticker.C:
			if err := l.tick(ctx); err != nil {
				l.logger.Info("Detection loop stopping: %v", err)
				l.alive.Store(false)
				l.state.Store(int32(Stopped))
				return
			}
		}
	}
}

// tick is one render tick. It returns an error only when the loop must end.
func (l *Loop) tick(ctx context.Context) error {
	l.ticks.Inc()
	if State(l.state.Load()) != Running {
		return nil
	}
	if !l.source.Ready() {
		return nil
	}

	l.readyTicks.Inc()
	l.counted++
	if l.counted%l.throttle != 0 {
		return nil
	}
	if !l.inFlight.CompareAndSwap(false, true) {
		l.busy.Inc()
		return nil
	}

	frame, err := l.source.Frame()
	if err != nil {
		l.inFlight.Store(false)
		if errors.Is(err, ErrSourceClosed) {
			return err
		}
		l.logger.Debug("Skipping submission, frame unavailable: %v", err)
		return nil
	}

	bounds := frame.Bounds()
	l.submissions.Inc()
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		dets, err := l.detector.Detect(ctx, frame)
		l.results <- result{dets: dets, err: err, width: bounds.Dx(), height: bounds.Dy()}
	}()
	return nil
}

// apply publishes one inference result. Runs on the loop goroutine.
func (l *Loop) apply(r result) {
	defer l.inFlight.Store(false)

	if !l.alive.Load() {
		l.dropped.Inc()
		return
	}

	if r.err != nil {
		if ai.IsBenignBackendWarning(r.err) {
			l.logger.Debug("Suppressed benign backend warning during detection: %v", r.err)
			return
		}
		l.failures.Inc()
		l.logger.Warning("%v", &TransientInferenceError{Err: r.err})
		return
	}

	batch := &Batch{
		Detections: Filter(r.dets, l.minScore),
		Width:      r.width,
		Height:     r.height,
		At:         l.clock.Now(),
	}
	l.latest.Store(batch)
	l.applied.Inc()

	if w, h := l.surface.Size(); w != r.width || h != r.height {
		l.surface.Resize(r.width, r.height)
	}
	l.surface.DrawOverlay(batch.Detections)
}
