package abr

import (
	"time"

	"github.com/LennartPaduch/abr-video-player/internal/logger"
	"github.com/LennartPaduch/abr-video-player/internal/sink"
)

const (
	// droppedFramesMinSamples is the number of rendered frames required
	// before the drop ratio is meaningful.
	droppedFramesMinSamples = 375
	// droppedFramesRatio triggers an emergency downshift.
	droppedFramesRatio = 0.15
	// droppedFramesResetRatio re-arms the detector.
	droppedFramesResetRatio = 0.075
	// droppedFramesMaxDowngrades bounds downgrades per window.
	droppedFramesMaxDowngrades = 2
	// droppedFramesWindow is the downgrade rate-limit window.
	droppedFramesWindow = 10 * time.Second
)

// DroppedFramesDetector watches rendered/dropped frame counters for the
// currently rendered representation and requests an emergency one-step
// downshift when the drop ratio degrades. Downshifts are rate limited to
// two per ten-second window.
type DroppedFramesDetector struct {
	log logger.Logger

	baselineRepID   string
	baselineDropped int64
	baselineTotal   int64

	downgrades []time.Time
	tripped    bool

	now func() time.Time
}

// NewDroppedFramesDetector creates a detector with an empty baseline.
func NewDroppedFramesDetector(log logger.Logger) *DroppedFramesDetector {
	return &DroppedFramesDetector{
		log: log.With("dropped-frames"),
		now: time.Now,
	}
}

// SetClock replaces the time source, for tests.
func (d *DroppedFramesDetector) SetClock(now func() time.Time) {
	d.now = now
}

// Rebase starts a fresh sample window for the given representation. Called
// whenever the rendered representation changes.
func (d *DroppedFramesDetector) Rebase(repID string, q sink.PlaybackQuality) {
	d.baselineRepID = repID
	d.baselineDropped = q.DroppedFrames
	d.baselineTotal = q.TotalFrames
	d.tripped = false
}

// ShouldDowngrade evaluates the counters for repID and reports whether an
// emergency one-step downshift is warranted now.
func (d *DroppedFramesDetector) ShouldDowngrade(repID string, q sink.PlaybackQuality) bool {
	if repID != d.baselineRepID {
		d.Rebase(repID, q)
		return false
	}

	sampled := q.TotalFrames - d.baselineTotal
	if sampled < droppedFramesMinSamples {
		return false
	}
	dropped := q.DroppedFrames - d.baselineDropped
	ratio := float64(dropped) / float64(sampled)

	if d.tripped && ratio < droppedFramesResetRatio {
		d.log.Debugf("drop ratio recovered to %.3f, re-arming", ratio)
		d.Rebase(repID, q)
		return false
	}

	if ratio <= droppedFramesRatio {
		return false
	}
	d.tripped = true

	if d.recentDowngrades() >= droppedFramesMaxDowngrades {
		return false
	}

	d.log.Warnf("drop ratio %.3f over %d frames on %s, requesting downshift", ratio, sampled, repID)
	return true
}

// RecordDowngrade notes that a downshift was actually performed.
func (d *DroppedFramesDetector) RecordDowngrade(repID string, q sink.PlaybackQuality) {
	d.downgrades = append(d.downgrades, d.now())
	d.Rebase(repID, q)
}

func (d *DroppedFramesDetector) recentDowngrades() int {
	cutoff := d.now().Add(-droppedFramesWindow)
	kept := d.downgrades[:0]
	for _, ts := range d.downgrades {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	d.downgrades = kept
	return len(kept)
}
