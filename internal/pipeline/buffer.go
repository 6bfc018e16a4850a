package pipeline

import (
	"math"

	"github.com/LennartPaduch/abr-video-player/internal/events"
	"github.com/LennartPaduch/abr-video-player/internal/metrics"
	"github.com/LennartPaduch/abr-video-player/internal/models"
	"github.com/LennartPaduch/abr-video-player/internal/sink"
)

const (
	// jumpableGapS is the largest dropout bridged into the buffer level.
	jumpableGapS = 1.5
	// nearPlayheadS widens the jumpable threshold right at the playhead,
	// where the gap handler jumps more aggressively.
	nearPlayheadS = 0.5
)

// BufferLevel reports seconds of media playable ahead of the playhead.
// Small gaps the stall handler is expected to jump are bridged into the
// total; the result is clamped to 1.5x the buffering target.
func (p *Pipeline) BufferLevel() float64 {
	if p.media == nil {
		return 0
	}
	playhead := p.engine.Playhead()

	var level float64
	pos := playhead
	for _, r := range p.media.Buffered() {
		if r.End <= pos {
			continue
		}
		if r.Start > pos {
			gap := r.Start - pos
			threshold := jumpableGapS
			if pos-playhead < nearPlayheadS {
				threshold = p.bufferingTarget
			}
			if gap >= threshold {
				break
			}
			level += gap
		}
		start := math.Max(r.Start, pos)
		level += r.End - start
		pos = r.End
	}

	return math.Min(level, p.bufferingTarget*1.5)
}

func (p *Pipeline) publishBufferLevel() {
	level := p.BufferLevel()
	metrics.SetBufferLevel(p.mediaType, level)
	if p.mediaType == "video" {
		p.bus.Publish(events.BufferLevelUpdated{BufferLevel: level})
	}
}

// syncBufferedSegments reconciles the buffered-segment records with the
// ranges the sink actually reports, dropping records for media evicted by
// the sink or removed explicitly.
func (p *Pipeline) syncBufferedSegments() {
	if p.media == nil {
		return
	}
	ranges := p.media.Buffered()
	for n, info := range p.buffered {
		overlaps := false
		for _, r := range ranges {
			if r.Overlaps(info.StartTime, info.EndTime) {
				overlaps = true
				break
			}
		}
		if !overlaps {
			delete(p.buffered, n)
		}
	}
}

// schedulePrune arms the periodic background pruning of media behind the
// playhead.
func (p *Pipeline) schedulePrune() {
	p.pruneTimer = p.exec.After(pruneInterval, func() {
		p.prune()
		p.schedulePrune()
	})
}

func (p *Pipeline) prune() {
	if p.media == nil || !p.media.SupportsRemove() || p.media.Updating() ||
		p.quotaInProgress || p.media.State() != sink.StateOpen {
		return
	}
	ranges := p.media.Buffered()
	if len(ranges) == 0 {
		return
	}
	playhead := p.engine.Playhead()
	if playhead-ranges[0].Start <= p.cfg.BufferBehind {
		return
	}
	cut := playhead - p.cfg.BufferBehind
	p.media.Remove(0, cut, func(err error) {
		if err != nil {
			p.log.Warnf("buffer pruning failed: %v", err)
			return
		}
		p.syncBufferedSegments()
	})
}

// OnSeek redirects the pipeline to a new playhead position: abort pending
// sink work, cancel downloads, trim the buffer to the keep window around
// the target and restart the pointers there.
func (p *Pipeline) OnSeek(to float64) {
	if p.media == nil || p.fatal {
		return
	}
	if p.media.State() == sink.StateOpen && p.media.Updating() {
		p.media.Abort()
	}
	p.cancelDownloads()
	p.appendQueue = nil
	p.processingQueue = false
	p.replacementQueue = nil
	p.replacementActive = false
	p.replacing = make(map[int64]bool)

	keepStart := to - p.cfg.BufferBehind
	keepEnd := to + p.bufferingTarget

	p.removeOutsideWindow(keepStart, keepEnd, func() {
		p.dropBufferedOutside(keepStart, keepEnd)
		if p.rep != nil && p.rep.Index != nil {
			if ref, ok := p.rep.Index.At(to); ok {
				p.nextDownload = ref.Number
			} else {
				p.nextDownload = -1
			}
			p.nextAppend = p.nextDownload
		}
		p.LoadNext()
	})
}

// removeOutsideWindow removes every buffered part outside [keepStart,
// keepEnd), covering all overlap topologies (before, after, spanning,
// overlapping either edge, fully inside). Removals run serially; onDone
// fires after the last one.
func (p *Pipeline) removeOutsideWindow(keepStart, keepEnd float64, onDone func()) {
	var removals []models.TimeRange
	for _, r := range p.media.Buffered() {
		switch {
		case r.End <= keepStart || r.Start >= keepEnd:
			// Entirely outside the keep window.
			removals = append(removals, r)
		default:
			if r.Start < keepStart {
				removals = append(removals, models.TimeRange{Start: r.Start, End: keepStart})
			}
			if r.End > keepEnd {
				removals = append(removals, models.TimeRange{Start: keepEnd, End: r.End})
			}
		}
	}
	p.runRemovals(removals, onDone)
}

func (p *Pipeline) runRemovals(removals []models.TimeRange, onDone func()) {
	if len(removals) == 0 {
		p.syncBufferedSegments()
		onDone()
		return
	}
	if !p.media.SupportsRemove() {
		p.syncBufferedSegments()
		onDone()
		return
	}
	head := removals[0]
	p.media.Remove(head.Start, head.End, func(err error) {
		if err != nil {
			p.log.Warnf("range removal [%.1f, %.1f) failed: %v", head.Start, head.End, err)
		}
		p.runRemovals(removals[1:], onDone)
	})
}
