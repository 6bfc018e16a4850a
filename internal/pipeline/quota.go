package pipeline

import (
	"math"
	"time"

	"github.com/LennartPaduch/abr-video-player/internal/events"
	"github.com/LennartPaduch/abr-video-player/internal/metrics"
)

const (
	// criticalLevelFloorS is the lowest the buffering target shrinks to.
	criticalLevelFloorS = 10.0
	// quotaIdleRetries bounds waiting for the sink to settle.
	quotaIdleRetries = 10
	// quotaIdleRetryDelay paces those waits.
	quotaIdleRetryDelay = 100 * time.Millisecond
	// quotaQuiescence is the pause before scheduling resumes.
	quotaQuiescence = 2 * time.Second
	// quotaKeepBehindS caps retained media behind the playhead during
	// recovery.
	quotaKeepBehindS = 2.0
)

// handleQuotaExceeded runs the bounded, idempotent recovery protocol: shrink
// the buffering target, drop everything outside a window around the
// playhead and restart the pipeline pointers. Re-entry while a recovery is
// in progress is a no-op.
func (p *Pipeline) handleQuotaExceeded() {
	if p.quotaInProgress {
		return
	}
	p.quotaInProgress = true
	metrics.QuotaRecoveryTotal.Inc()
	p.log.Warnf("sink quota exceeded at buffer level %.1fs, starting recovery", p.BufferLevel())

	p.waitForSinkIdle(0)
}

func (p *Pipeline) waitForSinkIdle(attempt int) {
	if p.shuttingDown || p.fatal {
		p.quotaInProgress = false
		return
	}
	if p.media.Updating() && attempt < quotaIdleRetries {
		p.exec.After(quotaIdleRetryDelay, func() { p.waitForSinkIdle(attempt + 1) })
		return
	}
	p.continueQuotaRecovery()
}

func (p *Pipeline) continueQuotaRecovery() {
	p.media.Abort()

	// Shrink from the previous critical level, or from the current buffer
	// level on the first event. The floor applies after the multiplication,
	// so repeated events bottom out at 10s.
	base := p.criticalLevel
	if base == 0 {
		base = p.BufferLevel()
	}
	p.criticalLevel = math.Max(criticalLevelFloorS, base*p.cfg.QuotaExceededCorrectionFactor)
	p.bufferingTarget = p.criticalLevel
	p.bus.Publish(events.BufferTargetChanged{NewBufferTarget: p.bufferingTarget})
	p.log.Infof("new critical buffer level: %.1fs", p.criticalLevel)

	p.cancelDownloads()
	p.appendQueue = nil
	p.processingQueue = false
	p.replacementQueue = nil
	p.replacementActive = false
	p.replacing = make(map[int64]bool)

	playhead := p.engine.Playhead()
	keepStart := playhead - math.Min(p.cfg.BufferBehind, quotaKeepBehindS)
	keepEnd := playhead + p.criticalLevel

	p.removeOutsideWindow(keepStart, keepEnd, func() {
		p.dropBufferedOutside(keepStart, keepEnd)
		p.resetPointersAfterTrim(playhead)
		p.exec.After(quotaQuiescence, func() {
			p.quotaInProgress = false
			if p.BufferLevel() < criticalLevelFloorS {
				p.LoadNext()
			}
		})
	})
}

func (p *Pipeline) dropBufferedOutside(keepStart, keepEnd float64) {
	for n, info := range p.buffered {
		if !info.Overlaps(keepStart, keepEnd) {
			delete(p.buffered, n)
		}
	}
}

// resetPointersAfterTrim re-derives the download and append pointers from
// the segment index at the surviving buffer's end, or at the playhead when
// nothing remains.
func (p *Pipeline) resetPointersAfterTrim(playhead float64) {
	if p.rep == nil || p.rep.Index == nil {
		p.nextDownload = -1
		p.nextAppend = -1
		return
	}

	at := playhead
	for _, r := range p.media.Buffered() {
		if r.Contains(playhead) {
			at = r.End
			break
		}
	}

	if ref, ok := p.rep.Index.At(at); ok {
		p.nextDownload = ref.Number
	} else {
		p.nextDownload = -1
	}
	p.nextAppend = p.nextDownload
}
