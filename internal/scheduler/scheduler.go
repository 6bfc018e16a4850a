package scheduler

import (
	"math"
	"time"

	"github.com/LennartPaduch/abr-video-player/internal/config"
	"github.com/LennartPaduch/abr-video-player/internal/logger"
	"github.com/LennartPaduch/abr-video-player/internal/runloop"
)

const (
	initialDelay       = 100 * time.Millisecond
	baseInterval       = 500 * time.Millisecond
	minInterval        = 100 * time.Millisecond
	maxInterval        = 2000 * time.Millisecond
	slowdownThreshold  = 0.8
	preloadTargetS     = 20.0
	criticalBufferS    = 5.0
	qualityCheckPeriod = time.Second
	// intervalSmoothing blends the previous interval with the derived one.
	intervalSmoothing = 0.7
)

// Driven is the pipeline surface the scheduler paces. The video and audio
// pipelines implement it.
type Driven interface {
	LoadNext()
	BufferLevel() float64
	BufferingTarget() float64
	AvgSegmentDuration() float64
}

// QualityChecker runs one quality decision; it reports true when a change
// was triggered (the tick then skips loading and only re-arms itself).
type QualityChecker interface {
	RunQualityCheck() bool
}

// Scheduler drives the segment pipelines at an adaptive cadence: fast while
// the buffer is low, slow once it is comfortable. Runs entirely on the
// session executor.
type Scheduler struct {
	log  logger.Logger
	cfg  *config.Config
	exec runloop.Executor

	pipelines []Driven
	checker   QualityChecker

	running    bool
	preloading bool
	paused     bool

	interval         time.Duration
	lastQualityCheck time.Time

	timer *runloop.Timer

	now func() time.Time
}

// New creates a stopped scheduler.
func New(log logger.Logger, cfg *config.Config, exec runloop.Executor, checker QualityChecker, pipelines ...Driven) *Scheduler {
	return &Scheduler{
		log:       log.With("scheduler"),
		cfg:       cfg,
		exec:      exec,
		pipelines: pipelines,
		checker:   checker,
		interval:  baseInterval,
		now:       time.Now,
	}
}

// SetClock replaces the time source, for tests.
func (s *Scheduler) SetClock(now func() time.Time) {
	s.now = now
}

// Interval returns the current tick interval, for tests and status.
func (s *Scheduler) Interval() time.Duration {
	return s.interval
}

// Preloading reports whether the scheduler is still in the preload phase.
func (s *Scheduler) Preloading() bool {
	return s.preloading
}

// OnSourceChanged resets state and begins preloading after the initial
// delay.
func (s *Scheduler) OnSourceChanged() {
	s.stopTimer()
	s.running = true
	s.preloading = true
	s.paused = false
	s.interval = baseInterval
	s.lastQualityCheck = time.Time{}
	s.timer = s.exec.After(initialDelay, s.tick)
	s.log.Infof("source changed, preloading begins")
}

// OnPlaybackStarted leaves preload and starts quality checks.
func (s *Scheduler) OnPlaybackStarted() {
	s.preloading = false
	s.paused = false
	if s.running && s.timer == nil {
		s.schedule()
	}
}

// OnPause doubles the interval while the buffer is healthy.
func (s *Scheduler) OnPause() {
	s.paused = true
	if s.videoBufferLevel() >= criticalBufferS {
		s.interval = clampInterval(s.interval * 2)
	}
}

// OnSeek drops to the fastest cadence and resumes immediately.
func (s *Scheduler) OnSeek() {
	if !s.running {
		return
	}
	s.paused = false
	s.interval = minInterval
	s.stopTimer()
	s.timer = s.exec.After(s.interval, s.tick)
}

// OnPlaybackEnded stops the loop.
func (s *Scheduler) OnPlaybackEnded() {
	s.Stop()
}

// Stop halts scheduling.
func (s *Scheduler) Stop() {
	s.running = false
	s.stopTimer()
}

func (s *Scheduler) stopTimer() {
	s.timer.Cancel()
	s.timer = nil
}

func (s *Scheduler) videoBufferLevel() float64 {
	if len(s.pipelines) == 0 {
		return 0
	}
	return s.pipelines[0].BufferLevel()
}

// tick is one scheduler loop body.
func (s *Scheduler) tick() {
	s.timer = nil
	if !s.running {
		return
	}

	// Quality checks run only outside preload, at most once per second.
	if !s.preloading && s.checker != nil {
		if s.lastQualityCheck.IsZero() || s.now().Sub(s.lastQualityCheck) >= qualityCheckPeriod {
			s.lastQualityCheck = s.now()
			if s.checker.RunQualityCheck() {
				// The representation change path drives the pipeline; skip
				// loading this round and re-arm the timer.
				s.schedule()
				return
			}
		}
	}

	for _, p := range s.pipelines {
		if s.preloading && p.BufferLevel() >= preloadTargetS {
			continue
		}
		p.LoadNext()
	}

	s.schedule()
}

// schedule arms the next tick with the interval derived from the video
// buffer level.
func (s *Scheduler) schedule() {
	if !s.running || s.timer != nil {
		return
	}
	target := s.deriveInterval()
	smoothed := time.Duration(intervalSmoothing*float64(s.interval) + (1-intervalSmoothing)*float64(target)).Round(time.Millisecond)
	// Whole-millisecond rounding would otherwise park the interval one
	// millisecond short of the target.
	if diff := smoothed - target; diff >= -time.Millisecond && diff <= time.Millisecond {
		smoothed = target
	}
	s.interval = clampInterval(smoothed)
	s.timer = s.exec.After(s.interval, s.tick)
}

func (s *Scheduler) deriveInterval() time.Duration {
	level := s.videoBufferLevel()
	bufferTarget := s.cfg.BufferingTarget
	if len(s.pipelines) > 0 {
		bufferTarget = s.pipelines[0].BufferingTarget()
	}

	switch {
	case level < criticalBufferS:
		return minInterval
	case level < bufferTarget:
		fillRatio := level / bufferTarget
		interval := baseInterval
		if fillRatio > slowdownThreshold {
			// Linear ramp from base to max as the buffer approaches full.
			frac := (fillRatio - slowdownThreshold) / (1 - slowdownThreshold)
			interval = baseInterval + time.Duration(frac*float64(maxInterval-baseInterval))
		}
		// While filling, never tick slower than half a segment duration.
		if len(s.pipelines) > 0 {
			if avg := s.pipelines[0].AvgSegmentDuration(); avg > 0 {
				segCap := time.Duration(0.5 * avg * float64(time.Second))
				if interval > segCap {
					interval = segCap
				}
			}
		}
		return interval
	default:
		return maxInterval
	}
}

func clampInterval(d time.Duration) time.Duration {
	return time.Duration(math.Min(math.Max(float64(d), float64(minInterval)), float64(maxInterval)))
}
