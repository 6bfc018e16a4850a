package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/LennartPaduch/abr-video-player/internal/models"
)

// streamDescription is the JSON handover format from an external manifest
// parser: a representation ladder plus a templated segment layout.
type streamDescription struct {
	Video []representationDescription `json:"video"`
	Audio []representationDescription `json:"audio"`
}

type representationDescription struct {
	ID              string  `json:"id"`
	Bitrate         int64   `json:"bitrate"`
	Codecs          string  `json:"codecs"`
	MimeType        string  `json:"mimeType"`
	Width           int     `json:"width,omitempty"`
	Height          int     `json:"height,omitempty"`
	FrameRate       float64 `json:"frameRate,omitempty"`
	BaseURL         string  `json:"baseUrl"`
	InitURL         string  `json:"initUrl"`
	MediaTemplate   string  `json:"mediaTemplate"`
	SegmentDuration float64 `json:"segmentDuration"`
	SegmentCount    int     `json:"segmentCount"`
	StartNumber     int64   `json:"startNumber"`
	Timescale       uint64  `json:"timescale,omitempty"`
}

// loadStreamDescription reads and validates the stream description file.
func loadStreamDescription(path string) (*streamDescription, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read stream description at %s: %w", path, err)
	}
	var desc streamDescription
	if err := json.Unmarshal(data, &desc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal stream description: %w", err)
	}
	if len(desc.Video) == 0 {
		return nil, fmt.Errorf("stream description has no video representations")
	}
	return &desc, nil
}

// buildRepresentations converts descriptions into the core's immutable
// representation model.
func buildRepresentations(descs []representationDescription) ([]*models.Representation, error) {
	reps := make([]*models.Representation, 0, len(descs))
	for _, d := range descs {
		if d.Bitrate <= 0 {
			return nil, fmt.Errorf("representation %s has non-positive bitrate %d", d.ID, d.Bitrate)
		}
		if d.SegmentDuration <= 0 || d.SegmentCount <= 0 {
			return nil, fmt.Errorf("representation %s has an invalid segment layout", d.ID)
		}
		start := d.StartNumber
		if start == 0 {
			start = 1
		}
		timescale := d.Timescale
		if timescale == 0 {
			timescale = 1000
		}

		refs := make([]models.SegmentReference, 0, d.SegmentCount)
		for i := 0; i < d.SegmentCount; i++ {
			n := start + int64(i)
			startTime := float64(i) * d.SegmentDuration
			refs = append(refs, models.SegmentReference{
				Number:        n,
				StartTime:     startTime,
				EndTime:       startTime + d.SegmentDuration,
				RepID:         d.ID,
				BaseURL:       d.BaseURL,
				MediaTemplate: d.MediaTemplate,
				Time:          uint64(startTime * float64(timescale)),
			})
		}

		reps = append(reps, &models.Representation{
			ID:        d.ID,
			Bitrate:   d.Bitrate,
			Codecs:    d.Codecs,
			MimeType:  d.MimeType,
			Width:     d.Width,
			Height:    d.Height,
			FrameRate: d.FrameRate,
			InitURL:   d.InitURL,
			Index:     models.NewSegmentIndex(refs),
		})
	}
	return reps, nil
}
