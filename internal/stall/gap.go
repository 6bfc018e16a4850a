package stall

import (
	"math"
	"time"

	"github.com/LennartPaduch/abr-video-player/internal/config"
	"github.com/LennartPaduch/abr-video-player/internal/logger"
	"github.com/LennartPaduch/abr-video-player/internal/metrics"
	"github.com/LennartPaduch/abr-video-player/internal/models"
	"github.com/LennartPaduch/abr-video-player/internal/sink"
)

const (
	// gapCheckInterval paces the gap handler.
	gapCheckInterval = 100 * time.Millisecond
	// seekSettleTime holds gap jumping off right after a seek.
	seekSettleTime = 2 * time.Second
	// streamEndProximity is how close to the end a stall snaps to it.
	streamEndProximity = 1.5
	// microNudgeS is the tiny forward seek used inside a buffered range.
	microNudgeS = 0.1
)

// GapHandler seeks across small holes in the buffer and rescues confirmed
// stalls with progressively larger jumps. It never jumps the same position
// twice.
type GapHandler struct {
	log      logger.Logger
	cfg      *config.Config
	engine   sink.PlaybackEngine
	detector *Detector
	buffered func() []models.TimeRange

	active           bool
	qualitySwitching bool
	lastSeekAt       time.Time
	lastJumpPosition float64

	now func() time.Time
}

// NewGapHandler creates an inactive gap handler.
func NewGapHandler(log logger.Logger, cfg *config.Config, engine sink.PlaybackEngine, detector *Detector, buffered func() []models.TimeRange) *GapHandler {
	return &GapHandler{
		log:              log.With("gap"),
		cfg:              cfg,
		engine:           engine,
		detector:         detector,
		buffered:         buffered,
		lastJumpPosition: math.NaN(),
		now:              time.Now,
	}
}

// SetClock replaces the time source, for tests.
func (g *GapHandler) SetClock(now func() time.Time) {
	g.now = now
}

// SetActive master-enables gap handling.
func (g *GapHandler) SetActive(active bool) {
	g.active = active
}

// SetQualitySwitching pauses gap handling during representation changes.
func (g *GapHandler) SetQualitySwitching(switching bool) {
	g.qualitySwitching = switching
}

// OnSeeked notes a completed seek; jumping resumes after the settle time.
func (g *GapHandler) OnSeeked() {
	g.lastSeekAt = g.now()
}

// LastJumpPosition returns the most recent jump target, NaN before the
// first jump.
func (g *GapHandler) LastJumpPosition() float64 {
	return g.lastJumpPosition
}

// Check runs one gap-handling pass. Call it every 100ms.
func (g *GapHandler) Check() {
	if !g.active || g.qualitySwitching || g.engine.IsSeeking() || g.engine.IsPaused() {
		return
	}
	if !g.lastSeekAt.IsZero() && g.now().Sub(g.lastSeekAt) < seekSettleTime {
		return
	}

	current := g.engine.Playhead()
	ranges := g.buffered()
	tolerance := g.cfg.GapJumpTolerance

	// Small gap directly ahead: jump it without waiting for a stall.
	if next, ok := models.NextRangeAfter(ranges, current); ok {
		gap := next.Start - current
		// The epsilon absorbs float error, e.g. 30.5-30.2 > 0.3.
		if gap > 0 && gap <= tolerance+1e-9 && g.jumpTo(next.Start) {
			return
		}
	}

	if !g.detector.Confirmed() {
		return
	}

	// A confirmed stall warrants bigger measures.
	if next, ok := models.NextRangeAfter(ranges, current); ok {
		if next.Start-current <= 2*tolerance && g.jumpTo(next.Start) {
			return
		}
	}
	if _, inside := models.RangeAt(ranges, current); inside {
		if g.jumpTo(current + microNudgeS) {
			return
		}
	}
	if duration := g.engine.Duration(); duration > 0 && duration-current <= streamEndProximity {
		g.jumpTo(duration)
	}
}

// jumpTo seeks unless the position was already jumped to.
func (g *GapHandler) jumpTo(position float64) bool {
	if !math.IsNaN(g.lastJumpPosition) && position == g.lastJumpPosition {
		return false
	}
	g.log.Infof("jumping gap: seek to %.3f", position)
	g.lastJumpPosition = position
	g.lastSeekAt = g.now()
	metrics.GapJumpTotal.Inc()
	g.engine.SeekTo(position)
	return true
}
