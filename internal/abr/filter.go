package abr

import (
	"math"

	"github.com/LennartPaduch/abr-video-player/internal/models"
)

// Dimensions describes the display target used for resolution filtering.
type Dimensions struct {
	Width            int
	Height           int
	DevicePixelRatio float64
	// DisplayWidth and DisplayHeight clamp the target to the actual video
	// element size when set.
	DisplayWidth  int
	DisplayHeight int
}

// FilterRepresentations applies the two-pass restriction: first drop
// representations above the explicit bitrate cap (0 disables the cap), then
// drop representations larger than the smallest one that still covers the
// display target. An empty result falls back to the single lowest-bitrate
// representation, keeping the restriction soft.
func FilterRepresentations(reps []*models.Representation, bitrateCap int64, dims *Dimensions) []*models.Representation {
	if len(reps) == 0 {
		return nil
	}
	sorted := models.SortByBitrate(reps)

	filtered := make([]*models.Representation, 0, len(sorted))
	for _, r := range sorted {
		if bitrateCap > 0 && r.Bitrate > bitrateCap {
			continue
		}
		filtered = append(filtered, r)
	}

	if dims != nil {
		filtered = filterByResolution(filtered, dims)
	}

	if len(filtered) == 0 {
		return []*models.Representation{sorted[0]}
	}
	return filtered
}

func filterByResolution(reps []*models.Representation, dims *Dimensions) []*models.Representation {
	dpr := dims.DevicePixelRatio
	if dpr <= 0 {
		dpr = 1
	}
	targetW := float64(dims.Width) * dpr
	targetH := float64(dims.Height) * dpr
	if dims.DisplayWidth > 0 {
		targetW = math.Min(targetW, float64(dims.DisplayWidth)*dpr)
	}
	if dims.DisplayHeight > 0 {
		targetH = math.Min(targetH, float64(dims.DisplayHeight)*dpr)
	}
	if targetW <= 0 || targetH <= 0 {
		return reps
	}

	// Smallest resolution that still covers the target in both dimensions.
	bestPixels := math.Inf(1)
	for _, r := range reps {
		if r.Width == 0 || r.Height == 0 {
			continue
		}
		if float64(r.Width) >= targetW && float64(r.Height) >= targetH {
			pixels := float64(r.Width) * float64(r.Height)
			if pixels < bestPixels {
				bestPixels = pixels
			}
		}
	}
	if math.IsInf(bestPixels, 1) {
		// Nothing covers the target; keep everything.
		return reps
	}

	kept := make([]*models.Representation, 0, len(reps))
	for _, r := range reps {
		if r.Width == 0 || r.Height == 0 || float64(r.Width)*float64(r.Height) <= bestPixels {
			kept = append(kept, r)
		}
	}
	return kept
}
