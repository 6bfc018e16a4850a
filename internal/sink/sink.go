package sink

import (
	"errors"

	"github.com/LennartPaduch/abr-video-player/internal/models"
)

// ErrQuotaExceeded is reported by Append when the sink's memory quota is
// exhausted. The pipeline reacts with its quota recovery protocol.
var ErrQuotaExceeded = errors.New("sink: quota exceeded")

// ErrClosed is reported by operations on a closed or ended sink.
var ErrClosed = errors.New("sink: closed")

// ErrAborted is reported to a pending operation's callback when Abort cuts
// it short.
var ErrAborted = errors.New("sink: aborted")

// State describes the sink lifecycle.
type State int

const (
	StateOpen State = iota
	StateEnded
	StateClosed
)

// Sink ingests media byte ranges and reports a buffered-time-ranges view.
// Append and Remove are asynchronous: the completion callback fires once the
// operation settles, analogous to a media source "updateend" notification.
// The caller must route completions onto its own serialization context.
//
// Only the segment pipeline mutates a sink; other components read Buffered.
type Sink interface {
	// Append ingests bytes. The hint carries the presentation interval the
	// bytes cover, for sinks that cannot derive it from the media itself.
	Append(data []byte, hint models.TimeRange, onDone func(error))
	// Remove drops the interval [start, end) from the buffer.
	Remove(start, end float64, onDone func(error))
	// Buffered returns the ordered list of buffered intervals.
	Buffered() []models.TimeRange
	// Updating reports whether an append or remove is in flight.
	Updating() bool
	// Abort cancels the pending operation, if any.
	Abort()
	// ChangeType reconfigures the sink codec in place. Sinks that do not
	// support in-place reconfiguration return an error; the pipeline then
	// tears the sink down and recreates it.
	ChangeType(mime, codecs string) error
	// State returns the lifecycle state.
	State() State
	// Managed reports whether the sink performs its own eviction. Managed
	// sinks constrain the pipeline to one download at a time.
	Managed() bool
	// SupportsRemove reports whether Remove is available.
	SupportsRemove() bool
	// Close releases the sink.
	Close() error
}

// Factory opens a sink for the given mime type and codec descriptor.
type Factory func(mime, codecs string) (Sink, error)

// PlaybackQuality is a snapshot of rendered/dropped frame counters.
type PlaybackQuality struct {
	DroppedFrames int64
	TotalFrames   int64
}

// PlaybackEngine exposes read-only playback state and the seek command. The
// engine is an external collaborator; the core never mutates it except via
// SeekTo.
type PlaybackEngine interface {
	Playhead() float64
	Duration() float64
	IsPaused() bool
	IsSeeking() bool
	PlaybackRate() float64
	VideoPlaybackQuality() PlaybackQuality
	SeekTo(t float64)
}
