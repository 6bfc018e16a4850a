package pipeline

import (
	"github.com/LennartPaduch/abr-video-player/internal/models"
	"github.com/LennartPaduch/abr-video-player/internal/sink"
)

// maybeStartReplacements dispatches fast-switch downloads for buffered
// lower-quality segments, earliest deadline first. Replacement downloads
// bypass the committed-duration admission because they displace buffered
// media instead of adding to it.
func (p *Pipeline) maybeStartReplacements() {
	if !p.cfg.FastSwitchingEnabled || p.rep == nil || p.rep.Index == nil ||
		p.quotaInProgress || !p.initReady || p.media == nil || p.media.Managed() {
		return
	}

	for len(p.replacementDownloads) < p.cfg.MaxConcurrentDownloads {
		cand := p.nextReplacementCandidate()
		if cand == nil {
			return
		}
		ref, ok := p.rep.Index.ByNumber(cand.Number)
		if !ok {
			p.replacing[cand.Number] = true // never retry an unmapped number
			continue
		}
		if p.blacklist.Banned(ref.URL(), ref.Number) {
			p.replacing[cand.Number] = true
			continue
		}
		p.dispatch(ref, true, cand)
	}
}

// nextReplacementCandidate picks the earliest-deadline buffered segment
// that (a) still plays in the future, (b) starts beyond the safety
// threshold, (c) is lower quality than the current representation and (d)
// is not already being replaced.
func (p *Pipeline) nextReplacementCandidate() *models.BufferedSegmentInfo {
	playhead := p.engine.Playhead()

	var best *models.BufferedSegmentInfo
	for _, info := range p.buffered {
		if info.EndTime <= playhead {
			continue
		}
		segDur := info.EndTime - info.StartTime
		if info.StartTime < playhead+segDur*p.cfg.ReplacementSafetyFactor {
			continue
		}
		if info.Bitrate >= p.rep.Bitrate {
			continue
		}
		if p.replacing[info.Number] {
			continue
		}
		if best == nil || info.StartTime < best.StartTime {
			best = info
		}
	}
	return best
}

// processReplacementQueue applies completed replacements strictly serially:
// wait for the sink to go idle, remove the stale range, append the new
// bytes. A failed task restores the prior record and processing continues
// with the next task.
func (p *Pipeline) processReplacementQueue() {
	if p.replacementActive || len(p.replacementQueue) == 0 || p.quotaInProgress ||
		p.media == nil || p.media.Updating() || p.media.State() != sink.StateOpen ||
		p.shuttingDown || p.fatal {
		return
	}

	task := p.replacementQueue[0]
	p.replacementQueue = p.replacementQueue[1:]
	p.replacementActive = true

	p.media.Remove(task.Prior.StartTime, task.Prior.EndTime, func(err error) {
		if err != nil {
			p.onReplacementDone(task, err)
			return
		}
		hint := models.TimeRange{Start: task.Ref.StartTime, End: task.Ref.EndTime}
		p.media.Append(task.Data, hint, func(aerr error) {
			p.onReplacementDone(task, aerr)
		})
	})
}

func (p *Pipeline) onReplacementDone(task *models.ReplacementTask, err error) {
	p.replacementActive = false
	delete(p.replacing, task.Ref.Number)

	if err != nil {
		// The sink may or may not still hold the old bytes; restore the
		// prior record and let the next sync reconcile.
		p.log.Warnf("replacement of segment %d failed: %v", task.Ref.Number, err)
		restored := task.Prior
		p.buffered[task.Ref.Number] = &restored
	} else {
		p.buffered[task.Ref.Number] = &models.BufferedSegmentInfo{
			Number:    task.Ref.Number,
			StartTime: task.Ref.StartTime,
			EndTime:   task.Ref.EndTime,
			RepID:     task.RepID,
			Bitrate:   task.Bitrate,
			Size:      len(task.Data),
		}
	}
	p.syncBufferedSegments()
	p.processReplacementQueue()
}
