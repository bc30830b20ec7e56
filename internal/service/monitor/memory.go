package monitor

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"github.com/shirou/gopsutil/v3/process"

	"fieldscan/internal/logger"
)

// GrowthStreak is how many consecutive increasing samples trigger a warning.
const GrowthStreak = 3

// Sampler returns the current resident memory in bytes.
type Sampler func(ctx context.Context) (uint64, error)

// ProcessRSS samples the resident set size of the running process.
func ProcessRSS() (Sampler, error) {
	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, errors.Wrap(err, "opening own process")
	}
	return func(ctx context.Context) (uint64, error) {
		info, err := p.MemoryInfoWithContext(ctx)
		if err != nil {
			return 0, err
		}
		return info.RSS, nil
	}, nil
}

// Reading is the latest memory observation.
type Reading struct {
	RSS    uint64    `json:"rss"`
	Peak   uint64    `json:"peak"`
	Streak int       `json:"growthStreak"`
	At     time.Time `json:"at"`
}

// Memory watches process memory and warns on sustained growth, the usual
// sign of frames or tensors not being released.
type Memory struct {
	sample   Sampler
	interval time.Duration
	clock    clock.Clock
	logger   *logger.Logger

	mu      sync.Mutex
	reading Reading
	warned  bool
}

func NewMemory(sample Sampler, interval time.Duration, clk clock.Clock, logger *logger.Logger) *Memory {
	if clk == nil {
		clk = clock.New()
	}
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &Memory{sample: sample, interval: interval, clock: clk, logger: logger}
}

// Run samples every interval until ctx is cancelled.
func (m *Memory) Run(ctx context.Context) {
	ticker := m.clock.Ticker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rss, err := m.sample(ctx)
			if err != nil {
				m.logger.Debug("Memory sample failed: %v", err)
				continue
			}
			m.Observe(rss)
		}
	}
}

// Observe records one sample and reports whether it completed a growth
// streak. The warning is logged once per streak.
func (m *Memory) Observe(rss uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	r := &m.reading
	if r.At.IsZero() || rss <= r.RSS {
		r.Streak = 0
		m.warned = false
	} else {
		r.Streak++
	}
	r.RSS = rss
	r.At = m.clock.Now()
	if rss > r.Peak {
		r.Peak = rss
	}

	if r.Streak >= GrowthStreak && !m.warned {
		m.warned = true
		m.logger.Warning("Memory grew for %d consecutive samples: %.1f MiB (peak %.1f MiB)",
			r.Streak, mib(rss), mib(r.Peak))
		return true
	}
	return false
}

func (m *Memory) Latest() Reading {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reading
}

func mib(b uint64) float64 {
	return float64(b) / (1 << 20)
}
