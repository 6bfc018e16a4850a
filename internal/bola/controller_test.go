package bola

import (
	"testing"
	"time"

	"github.com/LennartPaduch/abr-video-player/internal/config"
	"github.com/LennartPaduch/abr-video-player/internal/logger"
	"github.com/LennartPaduch/abr-video-player/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testReps(kbps ...int64) []*models.Representation {
	reps := make([]*models.Representation, 0, len(kbps))
	for i, k := range kbps {
		reps = append(reps, &models.Representation{
			ID:      string(rune('a' + i)),
			Bitrate: k * 1000,
		})
	}
	return reps
}

func newTestController(t *testing.T, kbps ...int64) *Controller {
	t.Helper()
	c := NewController(logger.Discard(), config.Default())
	require.NoError(t, c.Setup(testReps(kbps...)))
	return c
}

func TestSetup_EmptyFails(t *testing.T) {
	c := NewController(logger.Discard(), config.Default())
	assert.ErrorIs(t, c.Setup(nil), ErrNoRepresentations)
}

func TestSetup_SingleRepIsOneBitrate(t *testing.T) {
	c := newTestController(t, 1000)
	assert.Equal(t, ModeOneBitrate, c.Mode())

	d, err := c.Choose(0, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1_000_000), d.Representation.Bitrate)
}

func TestSetup_Idempotent(t *testing.T) {
	c := newTestController(t, 400, 1000, 3000, 6000)
	gp, vp := c.gp, c.vp
	utilities := append([]float64(nil), c.utilities...)

	require.NoError(t, c.Setup(testReps(400, 1000, 3000, 6000)))
	assert.Equal(t, gp, c.gp)
	assert.Equal(t, vp, c.vp)
	assert.Equal(t, utilities, c.utilities)
}

func TestSetup_UtilitiesNormalized(t *testing.T) {
	c := newTestController(t, 400, 1000, 3000, 6000)
	assert.InDelta(t, 1.0, c.utilities[0], 1e-12)
	for i := 1; i < len(c.utilities); i++ {
		assert.Greater(t, c.utilities[i], c.utilities[i-1])
	}
}

func TestMinBufferForRep_Monotone(t *testing.T) {
	c := newTestController(t, 400, 1000, 3000, 6000)
	assert.Equal(t, 0.0, c.MinBufferForRep(0))
	for i := 1; i < 4; i++ {
		assert.GreaterOrEqual(t, c.MinBufferForRep(i), c.MinBufferForRep(i-1),
			"minBuffer must not decrease with quality")
	}
}

func TestChoose_StartupUnknownBandwidthPicksLowest(t *testing.T) {
	c := newTestController(t, 400, 1000, 3000, 6000)
	assert.Equal(t, ModeStartup, c.Mode())

	d, err := c.Choose(0, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(400_000), d.Representation.Bitrate)
}

func TestChoose_StartupThroughputPick(t *testing.T) {
	c := newTestController(t, 400, 1000, 3000, 6000)

	// 3 Mbps default estimate: startup uses 0.9 * 3 Mbps = 2.7 Mbps, so the
	// largest fitting representation is 1000 kbps.
	d, err := c.Choose(0, 3_000_000)
	require.NoError(t, err)
	assert.Equal(t, int64(1_000_000), d.Representation.Bitrate)

	// At 5 Mbps the 3000 kbps representation fits under 4.5 Mbps.
	d, err = c.Choose(0, 5_000_000)
	require.NoError(t, err)
	assert.Equal(t, int64(3_000_000), d.Representation.Bitrate)
}

func TestChoose_StartupPrimesPlaceholder(t *testing.T) {
	c := newTestController(t, 400, 1000, 3000, 6000)

	d, err := c.Choose(0, 5_000_000)
	require.NoError(t, err)
	idx := models.IndexOf(c.reps, d.Representation)
	assert.InDelta(t, c.MinBufferForRep(idx), c.PlaceholderBuffer(), 1e-9)
}

func TestTransition_StartupToSteady(t *testing.T) {
	c := newTestController(t, 400, 1000, 3000, 6000)

	// Without a completed segment the transition is skipped even with a
	// large buffer.
	_, err := c.Choose(30, 5_000_000)
	require.NoError(t, err)
	assert.Equal(t, ModeStartup, c.Mode())

	ref := models.SegmentReference{Number: 1, StartTime: 0, EndTime: 4}
	c.OnSegmentDownloadBegin(ref)
	c.OnSegmentDownloadEnd(ref, false)

	// Buffer below one segment duration: still startup.
	_, err = c.Choose(2, 5_000_000)
	require.NoError(t, err)
	assert.Equal(t, ModeStartup, c.Mode())

	// One full segment buffered: steady state.
	_, err = c.Choose(4, 5_000_000)
	require.NoError(t, err)
	assert.Equal(t, ModeSteady, c.Mode())
}

func TestTransition_BufferEmptyBackToStartup(t *testing.T) {
	c := newTestController(t, 400, 1000, 3000, 6000)
	ref := models.SegmentReference{Number: 1, StartTime: 0, EndTime: 4}
	c.OnSegmentDownloadBegin(ref)
	c.OnSegmentDownloadEnd(ref, false)
	_, err := c.Choose(10, 5_000_000)
	require.NoError(t, err)
	require.Equal(t, ModeSteady, c.Mode())

	c.OnBufferEmpty()
	assert.Equal(t, ModeStartup, c.Mode())
}

func TestOnSeek_ResetsToStartup(t *testing.T) {
	c := newTestController(t, 400, 1000, 3000, 6000)
	ref := models.SegmentReference{Number: 1, StartTime: 0, EndTime: 4}
	c.OnSegmentDownloadBegin(ref)
	c.OnSegmentDownloadEnd(ref, false)
	_, err := c.Choose(10, 5_000_000)
	require.NoError(t, err)
	require.Equal(t, ModeSteady, c.Mode())

	c.OnSeek()
	assert.Equal(t, ModeStartup, c.Mode())
	assert.Equal(t, 0.0, c.PlaceholderBuffer())
}

func enterSteady(t *testing.T, c *Controller, bandwidth float64) {
	t.Helper()
	ref := models.SegmentReference{Number: 1, StartTime: 0, EndTime: 4}
	c.OnSegmentDownloadBegin(ref)
	c.OnSegmentDownloadEnd(ref, false)
	_, err := c.Choose(10, bandwidth)
	require.NoError(t, err)
	require.Equal(t, ModeSteady, c.Mode())
}

func TestChoose_SteadyDownSwitchOnBandwidthDrop(t *testing.T) {
	c := newTestController(t, 400, 1000, 3000, 6000)

	_, err := c.Choose(0, 5_000_000)
	require.NoError(t, err)
	enterSteady(t, c, 5_000_000)

	// Low buffer plus collapsed bandwidth: BOLA picks the bottom rung.
	d, err := c.Choose(2, 1_000_000)
	require.NoError(t, err)
	assert.Equal(t, int64(400_000), d.Representation.Bitrate)
}

func TestChoose_OscillationGuardCapsUpSwitch(t *testing.T) {
	c := newTestController(t, 400, 1000, 3000, 6000)
	_, err := c.Choose(0, 3_000_000) // picks 1000
	require.NoError(t, err)
	enterSteady(t, c, 3_000_000)

	// A huge buffer makes BOLA want the top quality, but throughput only
	// sustains 1000 kbps (0.9 * 3 Mbps = 2.7 Mbps < 3000 kbps). The guard
	// pins the choice at max(current, sustainable).
	d, err := c.Choose(40, 3_000_000)
	require.NoError(t, err)
	assert.LessOrEqual(t, d.Representation.Bitrate, int64(1_000_000))
}

func TestChoose_PlaceholderCapped(t *testing.T) {
	cfg := config.Default()
	c := NewController(logger.Discard(), cfg)
	require.NoError(t, c.Setup(testReps(400, 1000, 3000, 6000)))

	base := time.Now()
	c.SetClock(func() time.Time { return base })
	_, err := c.Choose(0, 5_000_000)
	require.NoError(t, err)
	enterSteady(t, c, 5_000_000)

	// A long idle gap between Choose calls accrues placeholder, capped at
	// maxBufferLevel - bufferingTarget.
	base = base.Add(10 * time.Minute)
	_, err = c.Choose(10, 5_000_000)
	require.NoError(t, err)
	assert.LessOrEqual(t, c.PlaceholderBuffer(), cfg.MaxBufferLevel-cfg.BufferingTarget)
	assert.GreaterOrEqual(t, c.PlaceholderBuffer(), 0.0)
}

func TestChoose_OverflowReportsDelay(t *testing.T) {
	c := newTestController(t, 400, 1000)
	_, err := c.Choose(0, 10_000_000)
	require.NoError(t, err)
	enterSteady(t, c, 10_000_000)
	c.placeholder = 0

	// Far above the top representation's max buffer: with no placeholder to
	// consume the whole excess surfaces as a download delay.
	d, err := c.Choose(95, 10_000_000)
	require.NoError(t, err)
	assert.Greater(t, d.DelayS, 0.0)
}

func TestLifecycleHooks(t *testing.T) {
	c := newTestController(t, 400, 1000)
	ref := models.SegmentReference{Number: 7, StartTime: 28, EndTime: 32}

	c.OnSegmentDownloadBegin(ref)
	assert.Equal(t, 28.0, c.lastSegmentStart)
	assert.Equal(t, 28.0, c.mostAdvancedStart)

	c.OnSegmentDownloadEnd(ref, true)
	assert.Equal(t, 4.0, c.lastSegmentDurationS)
	assert.True(t, c.lastWasReplacement)
	assert.Equal(t, 1, c.segmentCount)

	// An older segment does not move mostAdvancedStart back.
	c.OnSegmentDownloadBegin(models.SegmentReference{Number: 3, StartTime: 12, EndTime: 16})
	assert.Equal(t, 28.0, c.mostAdvancedStart)
}
