package bandwidth

import (
	"testing"

	"github.com/LennartPaduch/abr-video-player/internal/logger"
	"github.com/stretchr/testify/assert"
)

func newTestEstimator() *Estimator {
	return NewEstimator(logger.Discard())
}

func TestEstimator_DefaultBeforeSamples(t *testing.T) {
	e := newTestEstimator()
	assert.Equal(t, float64(defaultEstimateBps), e.Estimate())
}

func TestEstimator_HintUsedBeforeSamples(t *testing.T) {
	e := newTestEstimator()
	e.SetHint(NetworkHint{DownlinkBps: 5_000_000, CarrierClass: "wifi"})
	assert.Equal(t, 5_000_000.0, e.Estimate())
}

func TestEstimator_SmallSamplesIgnored(t *testing.T) {
	e := newTestEstimator()
	e.Sample(100, 8*1024) // below the 16 KiB floor
	assert.Equal(t, 0, e.SampleCount())
	assert.False(t, e.HasMeasurement())
	assert.Equal(t, float64(defaultEstimateBps), e.Estimate())
}

func TestEstimator_InvalidSamplesIgnored(t *testing.T) {
	e := newTestEstimator()
	e.Sample(0, 200*1024)
	e.Sample(-5, 200*1024)
	e.Sample(100, 0)
	e.Sample(100, -1)
	assert.Equal(t, 0, e.SampleCount())
}

func TestEstimator_SteadyThroughput(t *testing.T) {
	e := newTestEstimator()
	// 5 Mbps: 625000 bytes per second.
	for i := 0; i < 10; i++ {
		e.Sample(1000, 625000)
	}
	assert.True(t, e.HasMeasurement())
	assert.InDelta(t, 5_000_000, e.Estimate(), 50_000)
}

func TestEstimator_MinOfFastAndSlow(t *testing.T) {
	e := newTestEstimator()
	// Stable 5 Mbps, then a sudden drop to 500 kbps. The fast average
	// should pull the reported estimate down well before the slow one.
	for i := 0; i < 10; i++ {
		e.Sample(1000, 625000)
	}
	for i := 0; i < 4; i++ {
		e.Sample(1000, 62500)
	}
	est := e.Estimate()
	assert.Less(t, est, 2_000_000.0)
	assert.Greater(t, est, 400_000.0)
}

func TestEstimator_HintBlendDecays(t *testing.T) {
	e := newTestEstimator()
	e.SetHint(NetworkHint{DownlinkBps: 10_000_000, CarrierClass: "wifi"})
	// Measured 2 Mbps; with many samples the hint weight bottoms out at 0.1.
	for i := 0; i < 40; i++ {
		e.Sample(1000, 250000)
	}
	est := e.Estimate()
	// 0.1*10Mbps + 0.9*2Mbps = 2.8 Mbps.
	assert.InDelta(t, 2_800_000, est, 100_000)
}

func TestEstimator_ResetOnSignificantChange(t *testing.T) {
	e := newTestEstimator()
	e.SetHint(NetworkHint{DownlinkBps: 5_000_000, RTTMs: 50, CarrierClass: "wifi"})
	for i := 0; i < 10; i++ {
		e.Sample(1000, 625000)
	}
	assert.True(t, e.HasMeasurement())

	// Carrier class change wipes measured state.
	e.SetHint(NetworkHint{DownlinkBps: 5_000_000, RTTMs: 50, CarrierClass: "4g"})
	assert.False(t, e.HasMeasurement())
	assert.Equal(t, 0, e.SampleCount())
}

func TestEstimator_ResetOnDownlinkDelta(t *testing.T) {
	e := newTestEstimator()
	e.SetHint(NetworkHint{DownlinkBps: 5_000_000, RTTMs: 50, CarrierClass: "wifi"})
	e.Sample(1000, 625000)

	// 10% delta is not significant.
	e.SetHint(NetworkHint{DownlinkBps: 5_500_000, RTTMs: 50, CarrierClass: "wifi"})
	assert.Equal(t, 1, e.SampleCount())

	// 40% delta is.
	e.SetHint(NetworkHint{DownlinkBps: 7_700_000, RTTMs: 50, CarrierClass: "wifi"})
	assert.Equal(t, 0, e.SampleCount())
}

func TestEstimator_ResetOnRTTDelta(t *testing.T) {
	e := newTestEstimator()
	e.SetHint(NetworkHint{DownlinkBps: 5_000_000, RTTMs: 50, CarrierClass: "wifi"})
	e.Sample(1000, 625000)

	e.SetHint(NetworkHint{DownlinkBps: 5_000_000, RTTMs: 200, CarrierClass: "wifi"})
	assert.Equal(t, 0, e.SampleCount())
}
