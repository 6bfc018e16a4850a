package bandwidth

import (
	"math"

	"github.com/LennartPaduch/abr-video-player/internal/logger"
)

const (
	// fastHalfLife and slowHalfLife parameterize the two moving averages.
	// The fast average reacts within ~2s, the slow one smooths over ~5s.
	fastHalfLifeS = 2.0
	slowHalfLifeS = 5.0

	// minBytes discards samples dominated by first-byte latency.
	minBytes = 16 * 1024
	// minTotalBytes gates trusting the measurement at all.
	minTotalBytes = 128 * 1024

	// defaultEstimateBps is used before enough bytes have been sampled and
	// no network hint is available.
	defaultEstimateBps = 3_000_000
)

// NetworkHint is an externally supplied connectivity estimate, e.g. from the
// platform's network information source.
type NetworkHint struct {
	// DownlinkBps is the advertised downlink in bits per second.
	DownlinkBps float64
	// RTTMs is the advertised round-trip time in milliseconds.
	RTTMs float64
	// CarrierClass identifies the connection type ("4g", "wifi", ...).
	CarrierClass string
}

// ewma is an exponentially weighted moving average with zero-bias
// correction, weighted by sample duration.
type ewma struct {
	alpha       float64
	estimate    float64
	totalWeight float64
}

func newEWMA(halfLifeS float64) ewma {
	return ewma{alpha: math.Exp(math.Log(0.5) / halfLifeS)}
}

func (e *ewma) sample(weight, value float64) {
	adj := math.Pow(e.alpha, weight)
	e.estimate = value*(1-adj) + adj*e.estimate
	e.totalWeight += weight
}

func (e *ewma) value() float64 {
	if e.totalWeight == 0 {
		return 0
	}
	zeroFactor := 1 - math.Pow(e.alpha, e.totalWeight)
	return e.estimate / zeroFactor
}

func (e *ewma) reset() {
	e.estimate = 0
	e.totalWeight = 0
}

// Estimator measures network throughput from observed segment transfers. It
// keeps a fast and a slow moving average and reports the minimum of the two,
// so the estimate drops quickly on congestion but rises slowly.
//
// The estimator is written only by the segment pipeline's completion path;
// reads are free.
type Estimator struct {
	log logger.Logger

	fast ewma
	slow ewma

	sampleCount int
	totalBytes  int64

	hint    *NetworkHint
	hasHint bool
}

// NewEstimator creates an estimator with no samples and no hint.
func NewEstimator(log logger.Logger) *Estimator {
	return &Estimator{
		log:  log.With("bandwidth"),
		fast: newEWMA(fastHalfLifeS),
		slow: newEWMA(slowHalfLifeS),
	}
}

// Sample records a transfer of the given size over durationMs. Samples with
// non-positive or non-finite inputs, or fewer than 16 KiB, leave the
// estimator untouched.
func (e *Estimator) Sample(durationMs float64, bytes int64) {
	if durationMs <= 0 || math.IsNaN(durationMs) || math.IsInf(durationMs, 0) || bytes <= 0 {
		return
	}
	if bytes < minBytes {
		return
	}

	bps := 8000 * float64(bytes) / durationMs
	weight := durationMs / 1000

	e.fast.sample(weight, bps)
	e.slow.sample(weight, bps)
	e.sampleCount++
	e.totalBytes += bytes

	e.log.Debugf("bandwidth sample: %d bytes in %.0fms (%.0f bps), estimate now %.0f bps", bytes, durationMs, bps, e.Estimate())
}

// SampleCount returns the number of accepted samples.
func (e *Estimator) SampleCount() int {
	return e.sampleCount
}

// Estimate returns the current throughput estimate in bits per second.
func (e *Estimator) Estimate() float64 {
	if e.totalBytes < minTotalBytes {
		if e.hasHint && e.hint.DownlinkBps > 0 {
			return e.hint.DownlinkBps
		}
		return defaultEstimateBps
	}

	measured := math.Min(e.fast.value(), e.slow.value())
	if e.hasHint && e.hint.DownlinkBps > 0 {
		w := math.Max(0.1, math.Exp(-float64(e.sampleCount)/5))
		return w*e.hint.DownlinkBps + (1-w)*measured
	}
	return measured
}

// HasMeasurement reports whether enough bytes were sampled to trust the
// moving averages.
func (e *Estimator) HasMeasurement() bool {
	return e.totalBytes >= minTotalBytes
}

// SetHint installs or updates the network hint. A significant change
// (carrier class change, downlink delta over 20%, or RTT delta over 100ms)
// resets the measured state.
func (e *Estimator) SetHint(hint NetworkHint) {
	if e.hasHint && e.significantChange(hint) {
		e.log.Infof("significant network change detected, resetting estimator")
		e.Reset()
	}
	h := hint
	e.hint = &h
	e.hasHint = true
}

func (e *Estimator) significantChange(next NetworkHint) bool {
	prev := e.hint
	if prev.CarrierClass != next.CarrierClass {
		return true
	}
	if prev.DownlinkBps > 0 {
		delta := math.Abs(next.DownlinkBps-prev.DownlinkBps) / prev.DownlinkBps
		if delta > 0.2 {
			return true
		}
	}
	if math.Abs(next.RTTMs-prev.RTTMs) > 100 {
		return true
	}
	return false
}

// Reset zeroes the sample count, accumulated bytes and both moving
// averages. The averages keep their decay parameters.
func (e *Estimator) Reset() {
	e.fast.reset()
	e.slow.reset()
	e.sampleCount = 0
	e.totalBytes = 0
}
