package probe

import (
	"bytes"
	"fmt"

	"github.com/Eyevinn/mp4ff/mp4"
)

// InitInfo summarizes a fragmented-MP4 initialization segment.
type InitInfo struct {
	// Timescale is the media timescale in units per second.
	Timescale uint32
	// ContentType is "video" or "audio".
	ContentType string
	// SampleDescription is the sample entry type, e.g. "avc1".
	SampleDescription string
}

// InspectInit decodes an init segment and extracts its track parameters.
// The pipeline runs this on every fetched init segment before the first
// append and logs a warning for a broken or mislabeled init; the segment is
// appended either way.
func InspectInit(data []byte) (*InitInfo, error) {
	m, err := mp4.DecodeFile(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("could not decode init segment: %w", err)
	}
	if m.Init == nil || m.Init.Moov == nil {
		return nil, fmt.Errorf("init segment has no moov box")
	}
	if len(m.Init.Moov.Traks) != 1 {
		return nil, fmt.Errorf("init segment has %d tracks, expected exactly one", len(m.Init.Moov.Traks))
	}

	trak := m.Init.Moov.Trak
	mdia := trak.Mdia
	if mdia == nil || mdia.Mdhd == nil {
		return nil, fmt.Errorf("init segment track has no media header")
	}

	sampleDesc, err := mdia.Minf.Stbl.Stsd.GetSampleDescription(0)
	if err != nil {
		return nil, fmt.Errorf("could not get sample description: %w", err)
	}

	info := &InitInfo{
		Timescale:         mdia.Mdhd.Timescale,
		SampleDescription: sampleDesc.Type(),
	}
	switch sampleDesc.Type() {
	case "avc1", "avc3", "hvc1", "hev1", "vp09", "av01":
		info.ContentType = "video"
	case "mp4a", "Opus", "ac-3", "ec-3":
		info.ContentType = "audio"
	default:
		return nil, fmt.Errorf("unsupported sample description type: %s", sampleDesc.Type())
	}
	return info, nil
}

// MatchesMime reports whether the probed content type agrees with the
// representation's declared mime type ("video/mp4", "audio/mp4").
func (i *InitInfo) MatchesMime(mimeType string) bool {
	switch i.ContentType {
	case "video":
		return mimeType == "" || mimeType == "video/mp4"
	case "audio":
		return mimeType == "" || mimeType == "audio/mp4"
	default:
		return false
	}
}
