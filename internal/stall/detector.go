package stall

import (
	"math"
	"time"

	"github.com/LennartPaduch/abr-video-player/internal/logger"
	"github.com/LennartPaduch/abr-video-player/internal/models"
	"github.com/LennartPaduch/abr-video-player/internal/sink"
)

// Context classifies the player state; each context tolerates a different
// amount of standstill before samples count as stall candidates.
type Context int

const (
	ContextStartup Context = iota
	ContextSeeking
	ContextQualitySwitching
	ContextNormal
	ContextBuffering
)

func (c Context) String() string {
	switch c {
	case ContextStartup:
		return "STARTUP"
	case ContextSeeking:
		return "SEEKING"
	case ContextQualitySwitching:
		return "QUALITY_SWITCHING"
	case ContextNormal:
		return "NORMAL"
	case ContextBuffering:
		return "BUFFERING"
	default:
		return "UNKNOWN"
	}
}

// gracePeriod returns how long after entering the context stall samples are
// ignored.
func (c Context) gracePeriod() time.Duration {
	switch c {
	case ContextStartup, ContextSeeking:
		return 2000 * time.Millisecond
	case ContextQualitySwitching:
		return 1500 * time.Millisecond
	case ContextBuffering:
		return 3000 * time.Millisecond
	default:
		return 0
	}
}

const (
	// sampleInterval is the expected spacing of position samples.
	sampleInterval = 100 * time.Millisecond
	// progressEpsilon is the least forward motion that counts as playing.
	progressEpsilon = 0.01
	// recentWindow is how many recent checks the 2-of-3 rule looks at.
	recentWindow = 3
)

// DownloadProbe reports whether a download currently covers the given
// presentation time; rebuffering at an uncovered position is a stall, at a
// covered one it is normal download latency.
type DownloadProbe func(position float64) bool

// Detector confirms playback stalls from periodic position samples. A
// candidate becomes a confirmed stall only after enough consecutive
// candidates accumulate and the recent history agrees.
type Detector struct {
	log    logger.Logger
	engine sink.PlaybackEngine
	probe  DownloadProbe

	context        Context
	contextSince   time.Time
	lastPosition   float64
	lastSampleAt   time.Time
	candidateSince time.Time
	candidates     int
	recent         []bool

	stallThreshold    time.Duration
	consecutiveNeeded int

	confirmed bool

	buffered func() []models.TimeRange

	now func() time.Time
}

// NewDetector creates a detector in the STARTUP context.
func NewDetector(log logger.Logger, engine sink.PlaybackEngine, buffered func() []models.TimeRange, probe DownloadProbe, stallThreshold time.Duration, consecutiveNeeded int) *Detector {
	d := &Detector{
		log:               log.With("stall"),
		engine:            engine,
		probe:             probe,
		buffered:          buffered,
		stallThreshold:    stallThreshold,
		consecutiveNeeded: consecutiveNeeded,
		lastPosition:      math.NaN(),
		now:               time.Now,
	}
	d.context = ContextStartup
	return d
}

// SetClock replaces the time source, for tests.
func (d *Detector) SetClock(now func() time.Time) {
	d.now = now
	d.contextSince = now()
}

// SetContext switches the player context and restarts its grace period.
func (d *Detector) SetContext(c Context) {
	if d.context == c {
		return
	}
	d.log.Debugf("stall context %s -> %s", d.context, c)
	d.context = c
	d.contextSince = d.now()
	d.reset()
}

// Confirmed reports whether a stall is currently confirmed. It stays set
// until playback progresses again.
func (d *Detector) Confirmed() bool {
	return d.confirmed
}

func (d *Detector) reset() {
	d.candidates = 0
	d.candidateSince = time.Time{}
	d.confirmed = false
	d.recent = d.recent[:0]
}

// Sample ingests one playback-position reading. Call it at 10 Hz.
func (d *Detector) Sample() {
	now := d.now()
	position := d.engine.Playhead()

	defer func() {
		d.lastPosition = position
		d.lastSampleAt = now
	}()

	if d.engine.IsPaused() || d.engine.IsSeeking() || d.ended(position) {
		d.reset()
		return
	}
	if d.contextSince.IsZero() {
		d.contextSince = now
	}
	if now.Sub(d.contextSince) < d.context.gracePeriod() {
		return
	}
	if math.IsNaN(d.lastPosition) || d.lastSampleAt.IsZero() {
		return
	}
	elapsed := now.Sub(d.lastSampleAt)
	if elapsed < sampleInterval {
		return
	}

	progressed := position-d.lastPosition >= progressEpsilon
	if progressed {
		d.pushRecent(false)
		d.candidates = 0
		d.candidateSince = time.Time{}
		d.confirmed = false
		return
	}

	// Standing still at an unbuffered position while a download covers it
	// is a normal rebuffer, not a stall.
	if !d.positionBuffered(position) && d.probe != nil && d.probe(position) {
		d.pushRecent(false)
		d.candidates = 0
		d.candidateSince = time.Time{}
		return
	}

	d.pushRecent(true)
	d.candidates++
	if d.candidateSince.IsZero() {
		d.candidateSince = now
	}

	if d.candidates >= d.consecutiveNeeded &&
		now.Sub(d.candidateSince) >= d.stallThreshold-sampleInterval &&
		d.recentStallMajority() {
		if !d.confirmed {
			d.log.Warnf("stall confirmed at position %.2f (context %s)", position, d.context)
		}
		d.confirmed = true
	}
}

func (d *Detector) ended(position float64) bool {
	duration := d.engine.Duration()
	return duration > 0 && position >= duration
}

func (d *Detector) positionBuffered(position float64) bool {
	if d.buffered == nil {
		return false
	}
	_, ok := models.RangeAt(d.buffered(), position)
	return ok
}

func (d *Detector) pushRecent(stalled bool) {
	d.recent = append(d.recent, stalled)
	if len(d.recent) > recentWindow {
		d.recent = d.recent[len(d.recent)-recentWindow:]
	}
}

// recentStallMajority is the 2-of-3 agreement rule.
func (d *Detector) recentStallMajority() bool {
	n := 0
	for _, s := range d.recent {
		if s {
			n++
		}
	}
	return n >= 2
}
