package abr

import (
	"github.com/LennartPaduch/abr-video-player/internal/models"
	"github.com/LennartPaduch/abr-video-player/internal/sink"
)

// fakeEngine is a scriptable playback engine for selector tests.
type fakeEngine struct {
	playhead float64
	duration float64
	paused   bool
	seeking  bool
	rate     float64
	quality  sink.PlaybackQuality
	seeks    []float64
}

func (f *fakeEngine) Playhead() float64     { return f.playhead }
func (f *fakeEngine) Duration() float64     { return f.duration }
func (f *fakeEngine) IsPaused() bool        { return f.paused }
func (f *fakeEngine) IsSeeking() bool       { return f.seeking }
func (f *fakeEngine) PlaybackRate() float64 { return f.rate }
func (f *fakeEngine) VideoPlaybackQuality() sink.PlaybackQuality {
	return f.quality
}
func (f *fakeEngine) SeekTo(t float64) {
	f.seeks = append(f.seeks, t)
	f.playhead = t
}

func videoReps(kbps ...int64) []*models.Representation {
	sizes := [][2]int{{640, 360}, {1280, 720}, {1920, 1080}, {3840, 2160}}
	reps := make([]*models.Representation, 0, len(kbps))
	for i, k := range kbps {
		size := sizes[i%len(sizes)]
		reps = append(reps, &models.Representation{
			ID:       string(rune('a' + i)),
			Bitrate:  k * 1000,
			Codecs:   "avc1.42E01E",
			MimeType: "video/mp4",
			Width:    size[0],
			Height:   size[1],
		})
	}
	return reps
}
