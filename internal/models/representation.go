package models

import "sort"

// Representation describes one selectable rendition of a stream. A
// Representation is immutable once published; all consumers share read-only
// references.
type Representation struct {
	// ID is the stable identifier from the manifest.
	ID string
	// Bitrate is the advertised bandwidth in bits per second, strictly positive.
	Bitrate int64
	// Codecs is the RFC 6381 codec descriptor.
	Codecs string
	// MimeType is the container mime type, e.g. "video/mp4".
	MimeType string
	// Width and Height are set for video representations only.
	Width  int
	Height int
	// FrameRate is frames per second for video, zero otherwise.
	FrameRate float64
	// InitURL locates the initialization segment.
	InitURL string
	// Index is the ordered segment index for this representation.
	Index *SegmentIndex
}

// SortByBitrate returns a copy of reps sorted ascending by bitrate.
func SortByBitrate(reps []*Representation) []*Representation {
	sorted := make([]*Representation, len(reps))
	copy(sorted, reps)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Bitrate < sorted[j].Bitrate
	})
	return sorted
}

// IndexOf returns the position of rep in reps, or -1.
func IndexOf(reps []*Representation, rep *Representation) int {
	if rep == nil {
		return -1
	}
	for i, r := range reps {
		if r.ID == rep.ID {
			return i
		}
	}
	return -1
}
