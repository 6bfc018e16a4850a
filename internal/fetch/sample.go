package fetch

import "time"

const (
	// minSampleDuration rejects transfers too short to measure.
	minSampleDuration = 50 * time.Millisecond
	// maxPlausibleBps rejects absurd throughput readings caused by
	// clock granularity or transparent caches.
	maxPlausibleBps = 2e9
)

// AcceptableSample reports whether a fetch result may feed the bandwidth
// estimator: it must have hit the network, lasted long enough to measure,
// and yield a plausible rate.
func AcceptableSample(r *Result) bool {
	if r == nil || r.FromCache {
		return false
	}
	if r.Duration < minSampleDuration {
		return false
	}
	bps := 8000 * float64(r.TransferredBytes) / float64(r.Duration.Milliseconds())
	return bps > 0 && bps <= maxPlausibleBps
}
