package stall

import (
	"testing"
	"time"

	"github.com/LennartPaduch/abr-video-player/internal/config"
	"github.com/LennartPaduch/abr-video-player/internal/logger"
	"github.com/LennartPaduch/abr-video-player/internal/models"
)

// gapFixture wires a GapHandler onto a detector fixture, sharing its clock.
type gapFixture struct {
	handler *GapHandler
}

func newGapFixture(t *testing.T, f *detectorFixture) *gapFixture {
	t.Helper()
	g := &gapFixture{}
	g.handler = NewGapHandler(logger.Discard(), config.Default(), f.engine, f.detector,
		func() []models.TimeRange { return f.ranges })
	g.handler.SetClock(func() time.Time { return f.clock })
	g.handler.SetActive(true)
	return g
}

func (g *gapFixture) check(f *detectorFixture) {
	f.clock = f.clock.Add(gapCheckInterval)
	g.handler.Check()
}

func (g *gapFixture) advancePastSettle(f *detectorFixture) {
	f.clock = f.clock.Add(seekSettleTime + time.Second)
}
