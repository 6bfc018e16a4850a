package models

import (
	"context"
	"time"
)

// DownloadTask tracks one in-flight segment fetch. Tasks are created on
// dispatch and removed on completion, failure or cancellation. The
// SegmentPipeline exclusively owns all DownloadTasks.
type DownloadTask struct {
	// ID is a unique identifier for logging and correlation.
	ID string
	// Ref is the segment being fetched.
	Ref SegmentReference
	// URL is the resolved fetch URL.
	URL string
	// RepID is the representation the bytes belong to.
	RepID string
	// Bitrate of the representation at dispatch time.
	Bitrate int64
	// StartedAt is the dispatch timestamp.
	StartedAt time.Time
	// Cancel aborts the underlying fetch.
	Cancel context.CancelFunc
	// IsReplacement marks fast-switch downloads that displace rather than
	// extend buffered media.
	IsReplacement bool
	// Replacing is the buffered segment being overwritten, for replacement
	// tasks only.
	Replacing *BufferedSegmentInfo
}

// QueuedSegment is a downloaded segment waiting to be appended. Zero-length
// Data marks a skipped segment: the append pointer advances past it without
// touching the sink.
type QueuedSegment struct {
	Data      []byte
	Duration  float64
	Number    int64
	StartTime float64
	EndTime   float64
	RepID     string
	Bitrate   int64
	Size      int
}

// Skipped reports whether this entry is a skip marker.
func (q *QueuedSegment) Skipped() bool {
	return len(q.Data) == 0
}

// ReplacementTask carries downloaded bytes intended to overwrite a buffered
// lower-quality segment.
type ReplacementTask struct {
	Ref     SegmentReference
	Data    []byte
	RepID   string
	Bitrate int64
	// Prior is the buffered-segment record being replaced, restored if the
	// replacement fails.
	Prior BufferedSegmentInfo
}

// BufferedSegmentInfo is the persistent record of a segment successfully
// appended to the sink. The map of these records is kept coherent with the
// sink's reported ranges on every sync.
type BufferedSegmentInfo struct {
	Number    int64
	StartTime float64
	EndTime   float64
	RepID     string
	Bitrate   int64
	Size      int
}

// Overlaps reports whether the segment's interval intersects [start, end).
func (b BufferedSegmentInfo) Overlaps(start, end float64) bool {
	return b.StartTime < end && b.EndTime > start
}
