package sink

import (
	"sort"

	"github.com/LennartPaduch/abr-video-player/internal/models"
)

// chunk is one appended byte range with its size, the unit of quota
// accounting.
type chunk struct {
	start float64
	end   float64
	size  int
}

// MemorySink is an in-memory Sink with a byte quota. It models the
// asynchronous completion behavior of a media source buffer: Append and
// Remove settle through a dispatcher so the caller observes Updating() until
// the completion runs.
type MemorySink struct {
	mime   string
	codecs string

	chunks []chunk
	quota  int // 0 means unlimited

	state    State
	updating bool
	pending  func(error)

	managed        bool
	allowChange    bool
	supportsRemove bool

	// dispatch routes completions; the session installs its run-loop poster
	// here. The default runs completions inline.
	dispatch func(func())
}

// MemorySinkOption configures a MemorySink.
type MemorySinkOption func(*MemorySink)

// WithQuota bounds the sink at the given number of bytes.
func WithQuota(bytes int) MemorySinkOption {
	return func(s *MemorySink) { s.quota = bytes }
}

// WithManaged marks the sink as self-evicting.
func WithManaged() MemorySinkOption {
	return func(s *MemorySink) { s.managed = true }
}

// WithoutChangeType disables in-place codec reconfiguration.
func WithoutChangeType() MemorySinkOption {
	return func(s *MemorySink) { s.allowChange = false }
}

// WithoutRemove disables explicit range removal.
func WithoutRemove() MemorySinkOption {
	return func(s *MemorySink) { s.supportsRemove = false }
}

// WithDispatcher routes completion callbacks through fn.
func WithDispatcher(fn func(func())) MemorySinkOption {
	return func(s *MemorySink) { s.dispatch = fn }
}

// NewMemorySink opens an in-memory sink.
func NewMemorySink(mime, codecs string, opts ...MemorySinkOption) *MemorySink {
	s := &MemorySink{
		mime:           mime,
		codecs:         codecs,
		state:          StateOpen,
		allowChange:    true,
		supportsRemove: true,
		dispatch:       func(fn func()) { fn() },
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *MemorySink) complete(onDone func(error), err error) {
	s.pending = onDone
	s.dispatch(func() {
		if s.pending == nil {
			// Aborted before the completion ran.
			return
		}
		cb := s.pending
		s.pending = nil
		s.updating = false
		cb(err)
	})
}

// Append ingests bytes covering the hinted interval.
func (s *MemorySink) Append(data []byte, hint models.TimeRange, onDone func(error)) {
	if s.state != StateOpen {
		onDone(ErrClosed)
		return
	}
	if s.updating {
		onDone(ErrAborted)
		return
	}
	s.updating = true

	if s.quota > 0 && s.bytesUsed()+len(data) > s.quota {
		s.complete(onDone, ErrQuotaExceeded)
		return
	}

	s.chunks = append(s.chunks, chunk{start: hint.Start, end: hint.End, size: len(data)})
	sort.SliceStable(s.chunks, func(i, j int) bool { return s.chunks[i].start < s.chunks[j].start })
	s.complete(onDone, nil)
}

// Remove drops [start, end) from the buffer.
func (s *MemorySink) Remove(start, end float64, onDone func(error)) {
	if s.state != StateOpen {
		onDone(ErrClosed)
		return
	}
	if !s.supportsRemove {
		onDone(ErrAborted)
		return
	}
	if s.updating {
		onDone(ErrAborted)
		return
	}
	s.updating = true
	s.removeRange(start, end)
	s.complete(onDone, nil)
}

func (s *MemorySink) removeRange(start, end float64) {
	var kept []chunk
	for _, c := range s.chunks {
		switch {
		case c.end <= start || c.start >= end:
			// Untouched.
			kept = append(kept, c)
		case c.start >= start && c.end <= end:
			// Fully removed.
		case c.start < start && c.end > end:
			// Removal splits the chunk.
			total := c.end - c.start
			left := chunk{start: c.start, end: start, size: int(float64(c.size) * (start - c.start) / total)}
			right := chunk{start: end, end: c.end, size: int(float64(c.size) * (c.end - end) / total)}
			kept = append(kept, left, right)
		case c.start < start:
			// Tail trimmed.
			total := c.end - c.start
			c.size = int(float64(c.size) * (start - c.start) / total)
			c.end = start
			kept = append(kept, c)
		default:
			// Head trimmed.
			total := c.end - c.start
			c.size = int(float64(c.size) * (c.end - end) / total)
			c.start = end
			kept = append(kept, c)
		}
	}
	s.chunks = kept
}

func (s *MemorySink) bytesUsed() int {
	var total int
	for _, c := range s.chunks {
		total += c.size
	}
	return total
}

// BytesUsed reports the quota consumption, for tests and status reporting.
func (s *MemorySink) BytesUsed() int {
	return s.bytesUsed()
}

// Buffered returns the coalesced buffered intervals. Zero-width chunks
// (init segments) hold quota but carry no presentation time.
func (s *MemorySink) Buffered() []models.TimeRange {
	const mergeEpsilon = 0.001

	var ranges []models.TimeRange
	for _, c := range s.chunks {
		if c.end <= c.start {
			continue
		}
		if n := len(ranges); n > 0 && c.start <= ranges[n-1].End+mergeEpsilon {
			if c.end > ranges[n-1].End {
				ranges[n-1].End = c.end
			}
			continue
		}
		ranges = append(ranges, models.TimeRange{Start: c.start, End: c.end})
	}
	return ranges
}

// Updating reports whether an operation is pending completion.
func (s *MemorySink) Updating() bool {
	return s.updating
}

// Abort cancels the pending operation.
func (s *MemorySink) Abort() {
	if !s.updating {
		return
	}
	cb := s.pending
	s.pending = nil
	s.updating = false
	if cb != nil {
		cb(ErrAborted)
	}
}

// ChangeType reconfigures the codec in place when enabled.
func (s *MemorySink) ChangeType(mime, codecs string) error {
	if s.state != StateOpen {
		return ErrClosed
	}
	if !s.allowChange {
		return ErrAborted
	}
	s.mime = mime
	s.codecs = codecs
	return nil
}

// State returns the lifecycle state.
func (s *MemorySink) State() State {
	return s.state
}

// Managed reports whether the sink evicts on its own.
func (s *MemorySink) Managed() bool {
	return s.managed
}

// SupportsRemove reports whether Remove is available.
func (s *MemorySink) SupportsRemove() bool {
	return s.supportsRemove
}

// Close releases the sink.
func (s *MemorySink) Close() error {
	s.state = StateClosed
	s.chunks = nil
	return nil
}

// Evict drops [start, end) without going through Remove, simulating the
// autonomous eviction a managed sink performs under memory pressure.
func (s *MemorySink) Evict(start, end float64) {
	s.removeRange(start, end)
}
