// Package jobs keeps track of background work for status reporting.
//
// Jobs are registered by Monitor.Start and stay in the running set until
// released. Finished jobs are kept for a retention period and evicted by a
// periodic cleanup.
package jobs

import (
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	gocron "github.com/go-co-op/gocron/v2"
)

const (
	DefaultCleanupInterval = 1 * time.Minute
	DefaultRetention       = 15 * time.Minute
)

type Config struct {
	CleanupInterval time.Duration
	Retention       time.Duration
}

type Option func(*Monitor)

// WithClock overrides the time source, tests only.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) {
		m.now = now
	}
}

type Monitor struct {
	retention time.Duration
	interval  time.Duration
	now       func() time.Time
	scheduler gocron.Scheduler

	mx       sync.Mutex
	running  []*Job
	finished []*Job // ordered by finish time
}

func NewMonitor(cfg Config, opts ...Option) (*Monitor, error) {
	m := &Monitor{
		retention: cfg.Retention,
		interval:  cfg.CleanupInterval,
		now:       func() time.Time { return time.Now().UTC() },
	}
	if m.retention <= 0 {
		m.retention = DefaultRetention
	}
	if m.interval <= 0 {
		m.interval = DefaultCleanupInterval
	}
	for _, opt := range opts {
		opt(m)
	}

	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("initializing gocron scheduler: %w", err)
	}
	_, err = s.NewJob(
		gocron.DurationJob(m.interval),
		gocron.NewTask(m.Cleanup),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		_ = s.Shutdown()
		return nil, fmt.Errorf("initializing gocron job: %w", err)
	}
	s.Start()
	m.scheduler = s
	return m, nil
}

// Close stops the periodic cleanup.
func (m *Monitor) Close() error {
	return m.scheduler.Shutdown()
}

// Start registers a new running job. Lines logged through the job logger
// are captured and forwarded to logger.
func (m *Monitor) Start(logger *slog.Logger, typ Type, name string) *Job {
	j := newJob(m, logger, typ, name)
	m.mx.Lock()
	defer m.mx.Unlock()
	m.running = append(m.running, j)
	return j
}

func (m *Monitor) finish(j *Job) {
	m.mx.Lock()
	defer m.mx.Unlock()
	idx := slices.Index(m.running, j)
	if idx < 0 {
		return
	}
	m.running = slices.Delete(m.running, idx, idx+1)
	m.finished = append(m.finished, j)
}

// Cleanup evicts finished jobs older than the retention.
func (m *Monitor) Cleanup() {
	threshold := m.now().Add(-m.retention)
	m.mx.Lock()
	defer m.mx.Unlock()
	m.finished = slices.DeleteFunc(m.finished, func(j *Job) bool {
		return j.finishedAt().Before(threshold)
	})
}

// Jobs returns running jobs in start order followed by finished jobs,
// most recently finished first.
func (m *Monitor) Jobs() []Snapshot {
	m.mx.Lock()
	running := slices.Clone(m.running)
	finished := slices.Clone(m.finished)
	m.mx.Unlock()

	ret := make([]Snapshot, 0, len(running)+len(finished))
	for _, j := range running {
		ret = append(ret, j.Snapshot())
	}
	for _, j := range slices.Backward(finished) {
		ret = append(ret, j.Snapshot())
	}
	return ret
}
