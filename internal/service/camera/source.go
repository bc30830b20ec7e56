package camera

import (
	"context"
	"image"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"

	"fieldscan/internal/logger"
	"fieldscan/internal/service/detection"
)

// maxGrabFailures is how many consecutive failed reads end the feed.
const maxGrabFailures = 30

// ErrNoFrame is returned by Frame before the first frame was decoded.
var ErrNoFrame = errors.New("no frame decoded yet")

// Grabber reads frames from a device or a file. Grab blocks until the next
// frame is available.
type Grabber interface {
	Grab() (image.Image, error)
	Close() error
}

// Source keeps the most recent frame of a Grabber, read on its own goroutine.
type Source struct {
	grabber Grabber
	pace    time.Duration
	clock   clock.Clock
	logger  *logger.Logger

	mu     sync.RWMutex
	frame  image.Image
	closed bool

	closeOnce sync.Once
	cancel    context.CancelFunc
	done      chan struct{}
	closeErr  error
}

// NewSource starts reading from grabber. A positive pace waits between reads,
// which plays a clip back at its frame rate; live devices pace themselves.
func NewSource(grabber Grabber, pace time.Duration, clk clock.Clock, logger *logger.Logger) *Source {
	if clk == nil {
		clk = clock.New()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Source{
		grabber: grabber,
		pace:    pace,
		clock:   clk,
		logger:  logger,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go s.run(ctx)
	return s
}

func (s *Source) run(ctx context.Context) {
	defer close(s.done)

	failures := 0
	for {
		if ctx.Err() != nil {
			return
		}

		img, err := s.grabber.Grab()
		switch {
		case err != nil:
			failures++
			if failures >= maxGrabFailures {
				s.logger.Error("Camera feed lost after %d failed reads: %v", failures, err)
				s.markClosed()
				return
			}
		case img != nil && !img.Bounds().Empty():
			if failures > 0 {
				s.logger.Debug("Camera feed recovered after %d failed reads", failures)
			}
			failures = 0
			s.mu.Lock()
			s.frame = img
			s.mu.Unlock()
		}

		if s.pace > 0 {
			select {
			case <-ctx.Done():
				return
			case <-s.clock.After(s.pace):
			}
		}
	}
}

func (s *Source) markClosed() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

// Ready reports whether a frame with known dimensions is available.
func (s *Source) Ready() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return !s.closed && s.frame != nil
}

func (s *Source) Dimensions() (int, int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.frame == nil {
		return 0, 0
	}
	b := s.frame.Bounds()
	return b.Dx(), b.Dy()
}

// Frame returns the latest frame. Each grab produces a fresh image, so the
// returned value is never written to again; callers must not modify it.
func (s *Source) Frame() (image.Image, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, detection.ErrSourceClosed
	}
	if s.frame == nil {
		return nil, ErrNoFrame
	}
	return s.frame, nil
}

// Close stops the reader goroutine, then releases the grabber.
func (s *Source) Close() error {
	s.closeOnce.Do(func() {
		s.markClosed()
		s.cancel()
		<-s.done
		s.closeErr = s.grabber.Close()
	})
	return s.closeErr
}

var _ detection.FrameSource = (*Source)(nil)
