package abr

import (
	"math"
	"time"

	"github.com/LennartPaduch/abr-video-player/internal/bandwidth"
	"github.com/LennartPaduch/abr-video-player/internal/bola"
	"github.com/LennartPaduch/abr-video-player/internal/config"
	"github.com/LennartPaduch/abr-video-player/internal/events"
	"github.com/LennartPaduch/abr-video-player/internal/logger"
	"github.com/LennartPaduch/abr-video-player/internal/models"
	"github.com/LennartPaduch/abr-video-player/internal/sink"
)

const historyCapacity = 10

// Choice is the outcome of a quality check.
type Choice struct {
	Representation *models.Representation
	Reason         events.SwitchReason
	Strategy       string
	// Changed is false when the check resolved to "keep the current
	// quality" (cooldown, smoothing clamp, or an identical pick).
	Changed bool
}

// Selector composes the buffer, bandwidth and dropped-frames strategies into
// one quality decision per check, then passes the raw choice through
// cooldown and smoothing.
type Selector struct {
	log logger.Logger
	cfg *config.Config

	controller *bola.Controller
	estimator  *bandwidth.Estimator
	engine     sink.PlaybackEngine

	buffer    *BufferStrategy
	bandwidth *BandwidthStrategy
	dropped   *DroppedFramesDetector

	allReps      []*models.Representation
	filteredReps []*models.Representation
	bitrateCap   int64
	dims         *Dimensions

	current    *models.Representation
	abrEnabled bool

	lastSwitch        time.Time
	smoothingDeadline time.Time

	// history keeps the last few emitted switches, newest last.
	history []string

	now func() time.Time
}

// NewSelector builds a selector over the given collaborators.
func NewSelector(log logger.Logger, cfg *config.Config, controller *bola.Controller, estimator *bandwidth.Estimator, engine sink.PlaybackEngine) *Selector {
	return &Selector{
		log:        log.With("abr"),
		cfg:        cfg,
		controller: controller,
		estimator:  estimator,
		engine:     engine,
		buffer:     NewBufferStrategy(controller, estimator),
		bandwidth:  NewBandwidthStrategy(estimator),
		dropped:    NewDroppedFramesDetector(log),
		abrEnabled: true,
		now:        time.Now,
	}
}

// SetClock replaces the time source, for tests.
func (s *Selector) SetClock(now func() time.Time) {
	s.now = now
	s.dropped.SetClock(now)
}

// SetRepresentations installs a new representation set. The set is filtered
// and the BOLA controller reconfigured atomically before the next check.
func (s *Selector) SetRepresentations(reps []*models.Representation) error {
	s.allReps = models.SortByBitrate(reps)
	return s.refilter()
}

// SetDimensions updates the display target and refilters.
func (s *Selector) SetDimensions(dims Dimensions) error {
	s.dims = &dims
	return s.refilter()
}

// SetBitrateCap installs an explicit bitrate ceiling (0 clears it) and
// refilters.
func (s *Selector) SetBitrateCap(limit int64) error {
	s.bitrateCap = limit
	return s.refilter()
}

func (s *Selector) refilter() error {
	if len(s.allReps) == 0 {
		s.filteredReps = nil
		return nil
	}
	s.filteredReps = FilterRepresentations(s.allReps, s.bitrateCap, s.dims)
	if err := s.controller.Setup(s.filteredReps); err != nil {
		return err
	}
	// Keep the current pick inside the filtered set.
	if s.current != nil && models.IndexOf(s.filteredReps, s.current) < 0 {
		s.current = s.nearestByBitrate(s.current.Bitrate)
	}
	return nil
}

func (s *Selector) nearestByBitrate(bitrate int64) *models.Representation {
	var best *models.Representation
	bestDelta := int64(math.MaxInt64)
	for _, r := range s.filteredReps {
		delta := r.Bitrate - bitrate
		if delta < 0 {
			delta = -delta
		}
		if delta < bestDelta {
			bestDelta = delta
			best = r
		}
	}
	return best
}

// Representations returns the filtered set, ascending by bitrate.
func (s *Selector) Representations() []*models.Representation {
	return s.filteredReps
}

// Current returns the latched representation.
func (s *Selector) Current() *models.Representation {
	return s.current
}

// Enabled reports whether ABR autonomy is active.
func (s *Selector) Enabled() bool {
	return s.abrEnabled
}

// Disable turns ABR autonomy off, as on an external force-bitrate command.
func (s *Selector) Disable() {
	s.abrEnabled = false
}

// Enable restores ABR autonomy.
func (s *Selector) Enable() {
	s.abrEnabled = true
}

// ForceRepresentation latches an externally chosen quality and disables
// autonomy.
func (s *Selector) ForceRepresentation(rep *models.Representation) {
	s.abrEnabled = false
	s.current = rep
	s.lastSwitch = s.now()
	s.pushHistory(rep.ID)
	s.dropped.Rebase(rep.ID, s.engine.VideoPlaybackQuality())
}

// NotifyStartOrSeek delays smoothing for the configured grace period.
func (s *Selector) NotifyStartOrSeek() {
	s.smoothingDeadline = s.now().Add(s.cfg.SmoothingEnableDelay)
}

// NotifySwitchApplied records that a switch decided elsewhere (e.g. the
// initial pick) is now rendered, so cooldown and history see it.
func (s *Selector) NotifySwitchApplied(rep *models.Representation) {
	s.current = rep
	s.lastSwitch = s.now()
	s.pushHistory(rep.ID)
	s.dropped.Rebase(rep.ID, s.engine.VideoPlaybackQuality())
}

func (s *Selector) pushHistory(repID string) {
	s.history = append(s.history, repID)
	if len(s.history) > historyCapacity {
		s.history = s.history[len(s.history)-historyCapacity:]
	}
}

// oscillating detects an A,B,A,B pattern in the last four switches.
func (s *Selector) oscillating() bool {
	n := len(s.history)
	if n < 4 {
		return false
	}
	a, b := s.history[n-4], s.history[n-3]
	return a != b && s.history[n-2] == a && s.history[n-1] == b
}

// InitialChoice makes the very first pick for a fresh source using the
// configured startup strategy. Cooldown and smoothing do not apply.
func (s *Selector) InitialChoice() (Choice, error) {
	if len(s.filteredReps) == 0 {
		return Choice{}, bola.ErrNoRepresentations
	}

	var (
		target *models.Representation
		err    error
		name   string
	)
	if s.cfg.StartupStrategy == StrategyBuffer {
		target, err = s.buffer.Choose(s.filteredReps, 0)
		name = StrategyBuffer
	} else {
		target, err = s.bandwidth.Choose(s.filteredReps, 0)
		name = StrategyBandwidth
	}
	if err != nil {
		return Choice{}, err
	}

	s.latch(target, s.now())
	return Choice{
		Representation: target,
		Reason:         events.ReasonStart,
		Strategy:       name,
		Changed:        true,
	}, nil
}

// CheckPlaybackQuality runs one quality decision for the given buffer level.
func (s *Selector) CheckPlaybackQuality(bufferLevel float64) (Choice, error) {
	if !s.abrEnabled || len(s.filteredReps) == 0 {
		return Choice{Representation: s.current}, nil
	}

	now := s.now()
	currentIdx := models.IndexOf(s.filteredReps, s.current)

	// Emergency path: dropped frames overrule cooldown and smoothing.
	if s.current != nil && currentIdx > 0 {
		q := s.engine.VideoPlaybackQuality()
		if s.dropped.ShouldDowngrade(s.current.ID, q) {
			target := s.filteredReps[currentIdx-1]
			s.dropped.RecordDowngrade(target.ID, q)
			s.latch(target, now)
			return Choice{
				Representation: target,
				Reason:         events.ReasonDroppedFrames,
				Strategy:       StrategyDroppedFrames,
				Changed:        true,
			}, nil
		}
	}

	if !s.lastSwitch.IsZero() && now.Sub(s.lastSwitch) < s.cfg.SwitchCooldownPeriod {
		return Choice{Representation: s.current}, nil
	}

	var (
		target *models.Representation
		err    error
		name   string
		reason events.SwitchReason
	)
	if bufferLevel >= s.cfg.MinBufferLevel {
		target, err = s.buffer.Choose(s.filteredReps, bufferLevel)
		name, reason = StrategyBuffer, events.ReasonBufferBased
	} else {
		target, err = s.bandwidth.Choose(s.filteredReps, bufferLevel)
		name, reason = StrategyBandwidth, events.ReasonBandwidth
	}
	if err != nil {
		return Choice{}, err
	}

	targetIdx := models.IndexOf(s.filteredReps, target)
	if currentIdx >= 0 {
		targetIdx = s.smooth(currentIdx, targetIdx, now)
	}
	target = s.filteredReps[targetIdx]

	if s.current != nil && target.ID == s.current.ID {
		return Choice{Representation: s.current, Strategy: name}, nil
	}

	s.latch(target, now)
	return Choice{Representation: target, Reason: reason, Strategy: name, Changed: true}, nil
}

func (s *Selector) latch(rep *models.Representation, now time.Time) {
	s.current = rep
	s.lastSwitch = now
	s.pushHistory(rep.ID)
	s.dropped.Rebase(rep.ID, s.engine.VideoPlaybackQuality())
}

// smooth translates a raw target index through oscillation suppression and
// step interpolation.
func (s *Selector) smooth(currentIdx, targetIdx int, now time.Time) int {
	if !s.cfg.AllowSmoothing {
		return targetIdx
	}
	if s.smoothingDeadline.IsZero() || now.Before(s.smoothingDeadline) {
		return targetIdx
	}

	if s.oscillating() {
		if targetIdx <= currentIdx {
			return targetIdx
		}
		return currentIdx
	}

	step := float64(currentIdx) + (float64(targetIdx)-float64(currentIdx))*s.cfg.SmoothingFactor
	return int(math.Round(step))
}
