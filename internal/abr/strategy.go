package abr

import (
	"github.com/LennartPaduch/abr-video-player/internal/bandwidth"
	"github.com/LennartPaduch/abr-video-player/internal/bola"
	"github.com/LennartPaduch/abr-video-player/internal/models"
)

// Strategy names, reported with quality switches.
const (
	StrategyBuffer        = "Buffer"
	StrategyBandwidth     = "Bandwidth"
	StrategyDroppedFrames = "DroppedFrames"
)

// BufferStrategy adapts on buffer occupancy through the BOLA controller.
type BufferStrategy struct {
	controller *bola.Controller
	estimator  *bandwidth.Estimator
}

// NewBufferStrategy wraps a BOLA controller.
func NewBufferStrategy(controller *bola.Controller, estimator *bandwidth.Estimator) *BufferStrategy {
	return &BufferStrategy{controller: controller, estimator: estimator}
}

// Name identifies the strategy.
func (s *BufferStrategy) Name() string {
	return StrategyBuffer
}

// Choose delegates to BOLA.
func (s *BufferStrategy) Choose(reps []*models.Representation, bufferLevel float64) (*models.Representation, error) {
	d, err := s.controller.Choose(bufferLevel, s.estimator.Estimate())
	if err != nil {
		return nil, err
	}
	return d.Representation, nil
}

// BandwidthStrategy picks the representation whose bandwidth corridor
// contains the current throughput estimate. Each representation's corridor
// runs from its own bitrate up to the next one's; a throughput below the
// second representation's corridor leaves the choice at the lowest, so a
// valid representation is always returned.
type BandwidthStrategy struct {
	estimator *bandwidth.Estimator
	// safetyFactor discounts the estimate before the corridor check.
	safetyFactor float64
}

// NewBandwidthStrategy creates a throughput-based strategy.
func NewBandwidthStrategy(estimator *bandwidth.Estimator) *BandwidthStrategy {
	return &BandwidthStrategy{estimator: estimator, safetyFactor: 0.9}
}

// Name identifies the strategy.
func (s *BandwidthStrategy) Name() string {
	return StrategyBandwidth
}

// Choose returns the representation matching the discounted throughput.
func (s *BandwidthStrategy) Choose(reps []*models.Representation, bufferLevel float64) (*models.Representation, error) {
	if len(reps) == 0 {
		return nil, bola.ErrNoRepresentations
	}

	throughput := s.safetyFactor * s.estimator.Estimate()
	chosen := reps[0]
	for i, rep := range reps {
		minBandwidth := float64(rep.Bitrate)
		maxBandwidth := float64(0)
		if i+1 < len(reps) {
			maxBandwidth = float64(reps[i+1].Bitrate)
		}
		if throughput >= minBandwidth && (maxBandwidth == 0 || throughput < maxBandwidth) {
			chosen = rep
		}
	}
	return chosen, nil
}
