// Package scheduler runs a sampling function on a fixed interval.
//
// At most one sample is in flight at any time: a tick that fires while the
// previous sample is still running is dropped, never queued. Stopping only
// affects future ticks; a sample that is already running completes and its
// result is thrown away.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/labstack/gommon/log"
)

var (
	ErrRunning     = errors.New("scheduler already running")
	ErrNotRunning  = errors.New("scheduler not running")
	ErrPaused      = errors.New("scheduler already paused")
	ErrNotPaused   = errors.New("scheduler not paused")
	ErrBadInterval = errors.New("interval must be positive")
)

type State int32

const (
	Stopped State = iota
	Running
	Paused
)

func (s State) String() string {
	switch s {
	case Running:
		return "running"
	case Paused:
		return "paused"
	}
	return "stopped"
}

// Tick describes one firing.
type Tick struct {
	Seq uint64
	At  time.Time
	// Fast is set on the first tick when fast start is enabled; the sampler
	// should do a cheaper pass.
	Fast bool
}

// Result classifies how a tick ended.
type Result string

const (
	ResultOK        Result = "ok"
	ResultError     Result = "error"
	ResultDropped   Result = "dropped"
	ResultDiscarded Result = "discarded"
)

type SampleFunc[T any] func(ctx context.Context, tick Tick) (T, error)

// Observer is told about every tick, including dropped ones (with zero duration).
type Observer func(result Result, took time.Duration)

type Stats struct {
	Completed uint64 `json:"completed"`
	Failed    uint64 `json:"failed"`
	Dropped   uint64 `json:"dropped"`
	Discarded uint64 `json:"discarded"`
}

type Scheduler[T any] struct {
	sample  SampleFunc[T]
	deliver func(T)
	logger  *log.Logger
	observe Observer

	fastStart bool
	followUp  time.Duration

	mu       sync.Mutex
	state    State
	interval time.Duration
	cancel   context.CancelFunc
	loopDone chan struct{}

	reset chan time.Duration
	kick  chan struct{}

	gen      atomic.Uint64
	seq      atomic.Uint64
	inFlight atomic.Bool
	samples  sync.WaitGroup

	completed atomic.Uint64
	failed    atomic.Uint64
	dropped   atomic.Uint64
	discarded atomic.Uint64
}

type Option func(*config)

type config struct {
	logger    *log.Logger
	observe   Observer
	fastStart bool
	followUp  time.Duration
}

func WithLogger(logger *log.Logger) Option {
	return func(c *config) { c.logger = logger }
}

func WithObserver(o Observer) Option {
	return func(c *config) { c.observe = o }
}

// WithFastStart makes the first tick a Fast one and schedules a regular tick
// followUp after it.
func WithFastStart(followUp time.Duration) Option {
	return func(c *config) {
		c.fastStart = true
		c.followUp = followUp
	}
}

// New creates a stopped scheduler. deliver receives every successful sample
// that was not raced by Stop. It runs on the sampling goroutine with the
// scheduler's lock held and must not call back into the Scheduler.
func New[T any](interval time.Duration, sample SampleFunc[T], deliver func(T), opts ...Option) (*Scheduler[T], error) {
	if interval <= 0 {
		return nil, fmt.Errorf("%w: %s", ErrBadInterval, interval)
	}
	cfg := config{logger: log.New("scheduler")}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Scheduler[T]{
		sample:    sample,
		deliver:   deliver,
		logger:    cfg.logger,
		observe:   cfg.observe,
		fastStart: cfg.fastStart,
		followUp:  cfg.followUp,
		interval:  interval,
		reset:     make(chan time.Duration, 1),
		kick:      make(chan struct{}, 1),
	}, nil
}

func (s *Scheduler[T]) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Scheduler[T]) Interval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interval
}

func (s *Scheduler[T]) Stats() Stats {
	return Stats{
		Completed: s.completed.Load(),
		Failed:    s.failed.Load(),
		Dropped:   s.dropped.Load(),
		Discarded: s.discarded.Load(),
	}
}

// Start fires the first tick immediately and then every interval until ctx
// is done or Stop is called. Samples run with ctx, so cancelling it also
// cancels in-flight work.
func (s *Scheduler[T]) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Stopped {
		return ErrRunning
	}

	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.loopDone = make(chan struct{})
	s.state = Running
	gen := s.gen.Add(1)

	go s.loop(loopCtx, ctx, gen, s.interval, s.loopDone)
	return nil
}

// Stop prevents further ticks. It does not wait; use Wait for that.
func (s *Scheduler[T]) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Stopped {
		return
	}
	s.gen.Add(1)
	s.cancel()
	s.state = Stopped
}

// Wait blocks until the tick loop and any in-flight sample have finished.
func (s *Scheduler[T]) Wait() {
	s.mu.Lock()
	done := s.loopDone
	s.mu.Unlock()
	if done != nil {
		<-done
	}
	s.samples.Wait()
}

func (s *Scheduler[T]) Pause() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case Stopped:
		return ErrNotRunning
	case Paused:
		return ErrPaused
	}
	s.state = Paused
	return nil
}

// Resume leaves the paused state and fires a tick right away.
func (s *Scheduler[T]) Resume() error {
	s.mu.Lock()
	switch s.state {
	case Stopped:
		s.mu.Unlock()
		return ErrNotRunning
	case Running:
		s.mu.Unlock()
		return ErrNotPaused
	}
	s.state = Running
	s.mu.Unlock()
	s.Trigger()
	return nil
}

// Trigger requests an out-of-band tick. It is coalesced like any other tick.
func (s *Scheduler[T]) Trigger() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// SetInterval changes the period. The new period starts counting from the
// moment the loop picks it up; a sample already in flight is unaffected.
func (s *Scheduler[T]) SetInterval(d time.Duration) error {
	if d <= 0 {
		return fmt.Errorf("%w: %s", ErrBadInterval, d)
	}
	s.mu.Lock()
	s.interval = d
	s.mu.Unlock()

	// keep only the newest pending value
	for {
		select {
		case s.reset <- d:
			return nil
		default:
		}
		select {
		case <-s.reset:
		default:
		}
	}
}

// active reports whether the loop of generation gen may still fire.
func (s *Scheduler[T]) active(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == Running && s.gen.Load() == gen
}

func (s *Scheduler[T]) loop(loopCtx, sampleCtx context.Context, gen uint64, interval time.Duration, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var followUp <-chan time.Time
	if s.fastStart {
		s.fire(sampleCtx, gen, true)
		t := time.NewTimer(s.followUp)
		defer t.Stop()
		followUp = t.C
	} else {
		s.fire(sampleCtx, gen, false)
	}

	for {
		select {
		case <-loopCtx.Done():
			return
		case d := <-s.reset:
			ticker.Reset(d)
		case <-followUp:
			followUp = nil
			s.fire(sampleCtx, gen, false)
		case <-s.kick:
			if s.active(gen) {
				s.fire(sampleCtx, gen, false)
			}
		case <-ticker.C:
			if s.active(gen) {
				s.fire(sampleCtx, gen, false)
			}
		}
	}
}

func (s *Scheduler[T]) fire(ctx context.Context, gen uint64, fast bool) {
	if !s.inFlight.CompareAndSwap(false, true) {
		s.dropped.Add(1)
		s.logger.Debugf("tick dropped, previous sample still running")
		s.notify(ResultDropped, 0)
		return
	}

	tick := Tick{Seq: s.seq.Add(1), At: time.Now(), Fast: fast}
	s.samples.Add(1)
	go func() {
		defer s.samples.Done()
		start := time.Now()
		v, err := s.sample(ctx, tick)
		took := time.Since(start)

		// Stop takes mu, so a result is either delivered before Stop returns
		// or discarded.
		s.mu.Lock()
		stale := s.gen.Load() != gen
		if err == nil && !stale {
			s.completed.Add(1)
			s.deliver(v)
		}
		restarted := stale && s.state == Running
		s.mu.Unlock()
		s.inFlight.Store(false)

		switch {
		case err != nil:
			s.failed.Add(1)
			s.logger.Warnf("sample %d failed after %s: %v", tick.Seq, took, err)
			s.notify(ResultError, took)
		case stale:
			s.discarded.Add(1)
			s.logger.Debugf("sample %d finished after stop, discarding", tick.Seq)
			s.notify(ResultDiscarded, took)
		default:
			s.notify(ResultOK, took)
		}

		// a run started while this sample was busy had its first tick dropped
		if restarted {
			s.Trigger()
		}
	}()
}

func (s *Scheduler[T]) notify(r Result, took time.Duration) {
	if s.observe != nil {
		s.observe(r, took)
	}
}
