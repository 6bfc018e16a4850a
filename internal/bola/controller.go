package bola

import (
	"errors"
	"math"
	"time"

	"github.com/LennartPaduch/abr-video-player/internal/config"
	"github.com/LennartPaduch/abr-video-player/internal/logger"
	"github.com/LennartPaduch/abr-video-player/internal/models"
)

// Mode is the controller's operating state.
type Mode int

const (
	// ModeOneBitrate applies while only a single representation exists.
	ModeOneBitrate Mode = iota
	// ModeStartup picks by throughput until one full segment is buffered.
	ModeStartup
	// ModeSteady maximizes the BOLA objective against the effective buffer.
	ModeSteady
)

func (m Mode) String() string {
	switch m {
	case ModeOneBitrate:
		return "ONE_BITRATE"
	case ModeStartup:
		return "STARTUP"
	case ModeSteady:
		return "STEADY_STATE"
	default:
		return "UNKNOWN"
	}
}

const (
	// minBufferPerLevelS is the extra buffer granted per additional
	// representation when deriving the BOLA buffer time.
	minBufferPerLevelS = 2.0
	// startupSafetyFactor discounts the throughput estimate during startup
	// picks and for the oscillation guard.
	startupSafetyFactor = 0.9
	// upSwitchBias and downSwitchBias implement selection hysteresis.
	upSwitchBias   = 1.2
	downSwitchBias = 0.95
)

// ErrNoRepresentations is returned when the controller is set up with an
// empty representation set. This is a programmer error and fatal for the
// session.
var ErrNoRepresentations = errors.New("bola: no representations")

// Controller implements BOLA buffer-based adaptation. The controller
// exclusively owns its state; callers interact through Setup, Choose and the
// segment lifecycle hooks.
type Controller struct {
	log logger.Logger
	cfg *config.Config

	mode      Mode
	reps      []*models.Representation // ascending by bitrate
	utilities []float64
	gp        float64
	vp        float64

	current     *models.Representation
	placeholder float64

	lastCallMs           float64
	lastSegmentRequestMs float64
	lastSegmentFinishMs  float64
	lastSegmentStart     float64
	lastSegmentDurationS float64
	mostAdvancedStart    float64
	lastWasReplacement   bool
	segmentCount         int

	started bool

	now func() time.Time
}

// Decision is the outcome of one Choose call.
type Decision struct {
	// Representation is the selected quality, never nil on success.
	Representation *models.Representation
	// DelayS asks the caller to hold off downloading for this many seconds
	// because the effective buffer overflows the selected quality's range.
	DelayS float64
}

// NewController creates an unconfigured controller. Setup must run before
// Choose.
func NewController(log logger.Logger, cfg *config.Config) *Controller {
	return &Controller{
		log: log.With("bola"),
		cfg: cfg,
		now: time.Now,
	}
}

// SetClock replaces the time source, for tests.
func (c *Controller) SetClock(now func() time.Time) {
	c.now = now
}

// Setup (re)initializes the controller for a representation set sorted
// ascending by bitrate. Calling Setup again with the same set recomputes
// identical utility and gain vectors. The first Setup enters STARTUP (or
// ONE_BITRATE); later calls keep the current mode, except that a set of one
// representation enters ONE_BITRATE and a larger set leaves ONE_BITRATE for
// STARTUP.
func (c *Controller) Setup(reps []*models.Representation) error {
	if len(reps) == 0 {
		return ErrNoRepresentations
	}

	c.reps = models.SortByBitrate(reps)
	n := len(c.reps)

	c.utilities = make([]float64, n)
	lowest := float64(c.reps[0].Bitrate)
	for i, r := range c.reps {
		c.utilities[i] = math.Log(float64(r.Bitrate)) - math.Log(lowest) + 1
	}

	bufferTime := math.Max(12, c.cfg.MinBufferLevel+minBufferPerLevelS*float64(n))
	c.gp = (c.utilities[n-1] - 1) / (bufferTime/c.cfg.MinBufferLevel - 1)
	c.vp = c.cfg.MinBufferLevel / c.gp

	switch {
	case n == 1:
		c.mode = ModeOneBitrate
	case !c.started:
		c.mode = ModeStartup
		c.resetTimestamps()
	case c.mode == ModeOneBitrate:
		c.mode = ModeStartup
	}
	c.started = true

	c.log.Infof("bola setup: %d representations, gp=%.4f vp=%.4f mode=%s", n, c.gp, c.vp, c.mode)
	return nil
}

// Mode returns the current operating mode.
func (c *Controller) Mode() Mode {
	return c.mode
}

// Current returns the last chosen representation, if any.
func (c *Controller) Current() *models.Representation {
	return c.current
}

// PlaceholderBuffer returns the virtual buffer in seconds.
func (c *Controller) PlaceholderBuffer() float64 {
	return c.placeholder
}

func (c *Controller) nowMs() float64 {
	return float64(c.now().UnixNano()) / 1e6
}

func (c *Controller) resetTimestamps() {
	nan := math.NaN()
	c.lastCallMs = nan
	c.lastSegmentRequestMs = nan
	c.lastSegmentFinishMs = nan
	c.lastSegmentStart = nan
	c.lastSegmentDurationS = nan
	c.mostAdvancedStart = nan
	c.segmentCount = 0
}

// OnSeek resets the controller to STARTUP with a cleared placeholder.
func (c *Controller) OnSeek() {
	if c.mode != ModeOneBitrate {
		c.mode = ModeStartup
	}
	c.placeholder = 0
	c.resetTimestamps()
}

// OnBufferEmpty handles a rebuffer: steady state falls back to startup.
func (c *Controller) OnBufferEmpty() {
	if c.mode == ModeSteady {
		c.log.Infof("buffer empty, returning to startup")
		c.mode = ModeStartup
	}
}

// OnSegmentDownloadBegin records the dispatch of a segment download.
func (c *Controller) OnSegmentDownloadBegin(ref models.SegmentReference) {
	c.lastSegmentRequestMs = c.nowMs()
	c.lastSegmentStart = ref.StartTime
	if math.IsNaN(c.mostAdvancedStart) || ref.StartTime > c.mostAdvancedStart {
		c.mostAdvancedStart = ref.StartTime
	}
}

// OnSegmentDownloadEnd records the completion of a segment download.
func (c *Controller) OnSegmentDownloadEnd(ref models.SegmentReference, isReplacement bool) {
	c.lastSegmentFinishMs = c.nowMs()
	c.segmentCount++
	c.lastSegmentDurationS = ref.Duration()
	c.lastWasReplacement = isReplacement
}

// maybeEnterSteady transitions STARTUP to STEADY_STATE once one full segment
// is buffered. An unset segment duration skips the transition.
func (c *Controller) maybeEnterSteady(bufferLevel float64) {
	if c.mode != ModeStartup {
		return
	}
	if math.IsNaN(c.lastSegmentDurationS) {
		return
	}
	if bufferLevel >= c.lastSegmentDurationS {
		c.log.Infof("entering steady state at buffer level %.2fs", bufferLevel)
		c.mode = ModeSteady
	}
}

// MinBufferForRep returns the buffer level at which the BOLA scores of
// representation i and i-1 are equal. For i == 0 it is 0. The result is
// monotone in i.
func (c *Controller) MinBufferForRep(i int) float64 {
	if i <= 0 {
		return 0
	}
	ri := float64(c.reps[i].Bitrate)
	rj := float64(c.reps[i-1].Bitrate)
	ui := c.utilities[i]
	uj := c.utilities[i-1]
	return c.vp*(c.gp-1) + c.vp*(ri*uj-rj*ui)/(ri-rj)
}

// maxBufferForRep is the minBuffer of the next-higher representation, or the
// configured maximum for the top one.
func (c *Controller) maxBufferForRep(i int) float64 {
	if i+1 < len(c.reps) {
		return c.MinBufferForRep(i + 1)
	}
	return c.cfg.MaxBufferLevel
}

func (c *Controller) score(i int, effectiveBuffer float64) float64 {
	return (c.vp*(c.utilities[i]+c.gp-1) - effectiveBuffer) / float64(c.reps[i].Bitrate)
}

// throughputSustainableIndex is the highest representation whose bitrate is
// at most the discounted bandwidth estimate, or 0 if none qualifies.
func (c *Controller) throughputSustainableIndex(bandwidthBps float64) int {
	idx := 0
	for i, r := range c.reps {
		if float64(r.Bitrate) <= startupSafetyFactor*bandwidthBps {
			idx = i
		}
	}
	return idx
}

// updatePlaceholder accounts non-download wait time as virtual buffer, once
// per steady-state Choose.
func (c *Controller) updatePlaceholder(nowMs float64) {
	switch {
	case !math.IsNaN(c.lastSegmentFinishMs):
		c.placeholder += (nowMs - c.lastSegmentFinishMs) / 1000
	case !math.IsNaN(c.lastCallMs):
		c.placeholder += (nowMs - c.lastCallMs) / 1000
	}
	nan := math.NaN()
	c.lastSegmentStart = nan
	c.lastSegmentRequestMs = nan
	c.lastSegmentFinishMs = nan
	c.lastCallMs = nowMs

	c.capPlaceholder()
}

func (c *Controller) capPlaceholder() {
	limit := c.cfg.MaxBufferLevel - c.cfg.BufferingTarget
	if limit < 0 {
		limit = 0
	}
	if c.placeholder > limit {
		c.placeholder = limit
	}
	if c.placeholder < 0 {
		c.placeholder = 0
	}
}

// Choose selects a representation for the given buffer level and bandwidth
// estimate (bits per second; pass 0 when unknown).
func (c *Controller) Choose(bufferLevel, bandwidthBps float64) (Decision, error) {
	if len(c.reps) == 0 {
		return Decision{}, ErrNoRepresentations
	}

	c.maybeEnterSteady(bufferLevel)

	switch c.mode {
	case ModeOneBitrate:
		c.current = c.reps[0]
		return Decision{Representation: c.reps[0]}, nil
	case ModeStartup:
		return c.chooseStartup(bufferLevel, bandwidthBps), nil
	default:
		return c.chooseSteady(bufferLevel, bandwidthBps), nil
	}
}

func (c *Controller) chooseStartup(bufferLevel, bandwidthBps float64) Decision {
	idx := 0
	if bandwidthBps > 0 {
		idx = c.throughputSustainableIndex(bandwidthBps)
	}
	selected := c.reps[idx]

	// Prime the placeholder so the effective buffer immediately reaches the
	// steady-state threshold for the selected quality.
	c.placeholder = math.Max(0, c.MinBufferForRep(idx)-bufferLevel)
	c.capPlaceholder()

	c.current = selected
	c.log.Debugf("startup pick: %s (%d bps) at bandwidth %.0f", selected.ID, selected.Bitrate, bandwidthBps)
	return Decision{Representation: selected}
}

func (c *Controller) chooseSteady(bufferLevel, bandwidthBps float64) Decision {
	c.updatePlaceholder(c.nowMs())

	effective := bufferLevel + c.placeholder
	currentIdx := models.IndexOf(c.reps, c.current)

	best := 0
	bestScore := math.Inf(-1)
	for i := range c.reps {
		s := c.score(i, effective)
		if currentIdx >= 0 {
			if i > currentIdx {
				s *= upSwitchBias
			} else if i < currentIdx {
				s *= downSwitchBias
			}
		}
		// Ties go to the higher index.
		if s >= bestScore {
			bestScore = s
			best = i
		}
	}

	// BOLA-O: suppress buffer-driven up-switches beyond what throughput
	// sustains.
	if currentIdx >= 0 && c.reps[best].Bitrate > c.reps[currentIdx].Bitrate && bandwidthBps > 0 {
		sustainable := c.throughputSustainableIndex(bandwidthBps)
		if best > sustainable {
			if sustainable > currentIdx {
				best = sustainable
			} else {
				best = currentIdx
			}
		}
	}

	// Overflow: consume placeholder first, then ask for a delay.
	var delayS float64
	maxBuf := c.maxBufferForRep(best)
	if effective > maxBuf {
		excess := effective - maxBuf
		fromPlaceholder := math.Min(c.placeholder, excess)
		c.placeholder -= fromPlaceholder
		delayS = excess - fromPlaceholder
	}

	c.current = c.reps[best]
	return Decision{Representation: c.reps[best], DelayS: delayS}
}
