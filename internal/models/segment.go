package models

import (
	"net/url"
	"sort"
	"strconv"
	"strings"
)

// SegmentReference addresses one media segment of a representation. The
// reference carries everything needed to compute a fetch URL so that
// references are plain comparable data.
type SegmentReference struct {
	// Number is the index of the segment within its representation.
	Number int64
	// StartTime and EndTime delimit the interval [StartTime, EndTime) in
	// seconds of presentation time. Times are monotonic within one
	// representation.
	StartTime float64
	EndTime   float64
	// RepID is the owning representation's identifier.
	RepID string
	// BaseURL is the absolute base the template is resolved against.
	BaseURL string
	// MediaTemplate is the media URL pattern with $RepresentationID$,
	// $Number$ and $Time$ placeholders.
	MediaTemplate string
	// Time is the segment start in representation timescale units, used for
	// $Time$ substitution.
	Time uint64
}

// Duration returns the segment duration in seconds.
func (r SegmentReference) Duration() float64 {
	return r.EndTime - r.StartTime
}

// URL produces the fetch URL for this reference. It is a pure function of
// the reference's fields.
func (r SegmentReference) URL() string {
	mediaPath := strings.Replace(r.MediaTemplate, "$RepresentationID$", r.RepID, 1)
	mediaPath = strings.Replace(mediaPath, "$Number$", strconv.FormatInt(r.Number, 10), 1)
	mediaPath = strings.Replace(mediaPath, "$Time$", strconv.FormatUint(r.Time, 10), 1)

	base, err := url.Parse(r.BaseURL)
	if err != nil {
		return mediaPath
	}
	ref, err := url.Parse(mediaPath)
	if err != nil {
		return mediaPath
	}
	return base.ResolveReference(ref).String()
}

// SegmentIndex is an ordered, addressable sequence of segment references.
type SegmentIndex struct {
	refs []SegmentReference
}

// NewSegmentIndex builds an index from refs, which must already be ordered
// by start time.
func NewSegmentIndex(refs []SegmentReference) *SegmentIndex {
	return &SegmentIndex{refs: refs}
}

// Len returns the number of segments in the index.
func (si *SegmentIndex) Len() int {
	return len(si.refs)
}

// At finds the segment covering the given presentation time via binary
// search. Returns false if the time falls outside the index.
func (si *SegmentIndex) At(t float64) (SegmentReference, bool) {
	if len(si.refs) == 0 {
		return SegmentReference{}, false
	}
	// First segment whose end is past t.
	i := sort.Search(len(si.refs), func(i int) bool {
		return si.refs[i].EndTime > t
	})
	if i >= len(si.refs) || si.refs[i].StartTime > t {
		return SegmentReference{}, false
	}
	return si.refs[i], true
}

// ByNumber returns the segment with the given number. Direct indexing is
// attempted first; if numbers are not contiguous a search runs as fallback.
func (si *SegmentIndex) ByNumber(n int64) (SegmentReference, bool) {
	if len(si.refs) == 0 {
		return SegmentReference{}, false
	}
	offset := n - si.refs[0].Number
	if offset >= 0 && offset < int64(len(si.refs)) && si.refs[offset].Number == n {
		return si.refs[offset], true
	}
	i := sort.Search(len(si.refs), func(i int) bool {
		return si.refs[i].Number >= n
	})
	if i < len(si.refs) && si.refs[i].Number == n {
		return si.refs[i], true
	}
	return SegmentReference{}, false
}

// Next returns the segment following ref in the index.
func (si *SegmentIndex) Next(ref SegmentReference) (SegmentReference, bool) {
	return si.ByNumber(ref.Number + 1)
}

// First returns the first segment of the index.
func (si *SegmentIndex) First() (SegmentReference, bool) {
	if len(si.refs) == 0 {
		return SegmentReference{}, false
	}
	return si.refs[0], true
}

// Last returns the last segment of the index.
func (si *SegmentIndex) Last() (SegmentReference, bool) {
	if len(si.refs) == 0 {
		return SegmentReference{}, false
	}
	return si.refs[len(si.refs)-1], true
}

// AverageDuration returns the mean segment duration in seconds, or 0 for an
// empty index.
func (si *SegmentIndex) AverageDuration() float64 {
	if len(si.refs) == 0 {
		return 0
	}
	var total float64
	for _, r := range si.refs {
		total += r.Duration()
	}
	return total / float64(len(si.refs))
}
