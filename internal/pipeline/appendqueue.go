package pipeline

import (
	"errors"

	"github.com/LennartPaduch/abr-video-player/internal/models"
	"github.com/LennartPaduch/abr-video-player/internal/sink"
)

// lostSegmentQueueLen is the queue length past which a missing expected
// segment is declared lost rather than still in flight.
const lostSegmentQueueLen = 3

// processAppendQueue appends the next in-order segment to the sink. Out of
// order completions wait in the queue until the expected number arrives;
// skip markers advance the pointer without touching the sink.
func (p *Pipeline) processAppendQueue() {
	for {
		if p.shuttingDown || p.fatal || p.media == nil || p.media.Updating() ||
			len(p.appendQueue) == 0 || p.media.State() != sink.StateOpen ||
			p.processingQueue || p.quotaInProgress || !p.initReady {
			return
		}

		entry := p.takeQueued(p.nextAppend)
		if entry == nil {
			if p.allQueuedGreaterThan(p.nextAppend) && len(p.appendQueue) > lostSegmentQueueLen {
				// The expected segment got lost out of band (failed and
				// blacklisted, or canceled); restart the queue at the
				// download pointer.
				p.log.Warnf("segment %d lost, resetting append queue (%d queued)", p.nextAppend, len(p.appendQueue))
				p.appendQueue = nil
				p.nextAppend = p.nextDownload
			}
			return
		}

		if entry.Skipped() {
			p.nextAppend = entry.Number + 1
			continue
		}

		p.processingQueue = true
		hint := models.TimeRange{Start: entry.StartTime, End: entry.EndTime}
		p.media.Append(entry.Data, hint, func(err error) {
			p.onAppendDone(entry, err)
		})
		return
	}
}

// takeQueued removes and returns the entry with the given number, if
// queued.
func (p *Pipeline) takeQueued(n int64) *models.QueuedSegment {
	for i, q := range p.appendQueue {
		if q.Number == n {
			p.appendQueue = append(p.appendQueue[:i], p.appendQueue[i+1:]...)
			return q
		}
	}
	return nil
}

func (p *Pipeline) allQueuedGreaterThan(n int64) bool {
	for _, q := range p.appendQueue {
		if q.Number <= n {
			return false
		}
	}
	return true
}

func (p *Pipeline) onAppendDone(entry *models.QueuedSegment, err error) {
	p.processingQueue = false

	switch {
	case err == nil:
		p.buffered[entry.Number] = &models.BufferedSegmentInfo{
			Number:    entry.Number,
			StartTime: entry.StartTime,
			EndTime:   entry.EndTime,
			RepID:     entry.RepID,
			Bitrate:   entry.Bitrate,
			Size:      entry.Size,
		}
		p.nextAppend = entry.Number + 1
		if p.nextDownload >= 0 && p.nextDownload < p.nextAppend {
			p.nextDownload = p.nextAppend
		}
		p.syncBufferedSegments()
		p.publishBufferLevel()

	case errors.Is(err, sink.ErrQuotaExceeded):
		// Put the entry back at the head and run recovery.
		p.enqueue(entry)
		p.handleQuotaExceeded()
		return

	case errors.Is(err, sink.ErrAborted):
		// A seek or recovery aborted the append; that path owns the state.
		return

	case errors.Is(err, sink.ErrClosed):
		p.log.Errorf("sink closed during append of segment %d", entry.Number)
		p.Fatal(err)
		return

	default:
		p.log.Warnf("append of segment %d failed: %v, skipping it", entry.Number, err)
		p.nextAppend = entry.Number + 1
	}

	p.processAppendQueue()
	p.processReplacementQueue()
}
