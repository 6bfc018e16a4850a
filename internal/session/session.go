package session

import (
	"time"

	"github.com/google/uuid"

	"github.com/LennartPaduch/abr-video-player/internal/abr"
	"github.com/LennartPaduch/abr-video-player/internal/bandwidth"
	"github.com/LennartPaduch/abr-video-player/internal/bola"
	"github.com/LennartPaduch/abr-video-player/internal/config"
	"github.com/LennartPaduch/abr-video-player/internal/events"
	"github.com/LennartPaduch/abr-video-player/internal/fetch"
	"github.com/LennartPaduch/abr-video-player/internal/logger"
	"github.com/LennartPaduch/abr-video-player/internal/models"
	"github.com/LennartPaduch/abr-video-player/internal/pipeline"
	"github.com/LennartPaduch/abr-video-player/internal/runloop"
	"github.com/LennartPaduch/abr-video-player/internal/scheduler"
	"github.com/LennartPaduch/abr-video-player/internal/sink"
	"github.com/LennartPaduch/abr-video-player/internal/stall"
)

const (
	stallSampleInterval = 100 * time.Millisecond
	gapCheckInterval    = 100 * time.Millisecond
	nearEmptyBufferS    = 0.1
)

// Params carries the external collaborators a session needs.
type Params struct {
	Log         logger.Logger
	Cfg         *config.Config
	Bus         *events.Bus
	Fetcher     fetch.Fetcher
	Engine      sink.PlaybackEngine
	SinkFactory sink.Factory
	// Exec overrides the executor, for tests. A nil Exec starts a fresh
	// run loop owned by the session.
	Exec runloop.Executor
}

// Session owns one playback's worth of streaming core: estimator, BOLA,
// selector, pipelines, scheduler and stall handling, all serialized on a
// single run loop.
type Session struct {
	id   string
	log  logger.Logger
	cfg  *config.Config
	bus  *events.Bus
	exec runloop.Executor
	loop *runloop.Loop // set when the session owns its executor

	engine    sink.PlaybackEngine
	estimator *bandwidth.Estimator
	bola      *bola.Controller
	selector  *abr.Selector
	video     *pipeline.Pipeline
	audio     *pipeline.Pipeline
	sched     *scheduler.Scheduler
	detector  *stall.Detector
	gap       *stall.GapHandler

	audioReps []*models.Representation

	running        bool
	closed         bool
	monitorsActive bool
}

// New assembles a session. Call Close when done.
func New(p Params) *Session {
	if p.Cfg == nil {
		p.Cfg = config.Default()
	}
	if p.Bus == nil {
		p.Bus = events.NewBus()
	}
	s := &Session{
		id:     uuid.NewString(),
		log:    p.Log.With("session"),
		cfg:    p.Cfg,
		bus:    p.Bus,
		engine: p.Engine,
	}
	if p.Exec != nil {
		s.exec = p.Exec
	} else {
		s.loop = runloop.New()
		s.exec = s.loop
	}

	s.estimator = bandwidth.NewEstimator(p.Log)
	s.bola = bola.NewController(p.Log, p.Cfg)
	s.selector = abr.NewSelector(p.Log, p.Cfg, s.bola, s.estimator, p.Engine)

	s.video = pipeline.New(p.Log, p.Cfg, p.Bus, s.exec, p.Fetcher, s.estimator, p.Engine, p.SinkFactory, "video", s.bola)
	s.audio = pipeline.New(p.Log, p.Cfg, p.Bus, s.exec, p.Fetcher, s.estimator, p.Engine, p.SinkFactory, "audio", nil)

	s.sched = scheduler.New(p.Log, p.Cfg, s.exec, s, s.video, s.audio)
	s.detector = stall.NewDetector(p.Log, p.Engine, s.video.Buffered, s.video.DownloadCovers,
		p.Cfg.StallThreshold, p.Cfg.ConsecutiveChecksThreshold)
	s.gap = stall.NewGapHandler(p.Log, p.Cfg, p.Engine, s.detector, s.video.Buffered)

	// The session reacts to commands from the outside world; priority 0
	// keeps it ahead of passive listeners.
	s.bus.Subscribe(0, s.onEvent)

	s.log.Infof("session %s created", s.id)
	return s
}

// Bus returns the session's event bus.
func (s *Session) Bus() *events.Bus {
	return s.bus
}

// Post marshals fn onto the session run loop.
func (s *Session) Post(fn func()) {
	s.exec.Post(fn)
}

// Dispatch posts an external event onto the run loop and publishes it
// there. This is the thread-safe entry point for collaborators.
func (s *Session) Dispatch(e events.Event) {
	s.exec.Post(func() { s.bus.Publish(e) })
}

// SetNetworkHint feeds a connectivity hint to the bandwidth estimator.
func (s *Session) SetNetworkHint(hint bandwidth.NetworkHint) {
	s.exec.Post(func() { s.estimator.SetHint(hint) })
}

// onEvent routes bus traffic. It runs on the loop because all publishes
// happen there.
func (s *Session) onEvent(e events.Event) {
	if s.closed {
		return
	}
	switch ev := e.(type) {
	case events.RepresentationsChanged:
		s.onRepresentationsChanged(ev)
	case events.SeekRequested:
		s.onSeekRequested(ev.SeekTo)
	case events.QualityChangeRequested:
		s.onQualityChangeRequested(ev)
	case events.ForceVideoBitrateChange:
		s.selector.Disable()
	case events.EnableABR:
		s.selector.Enable()
	case events.PlaybackStarted:
		s.onPlaybackStarted()
	case events.PlaybackPaused:
		s.sched.OnPause()
	case events.PlaybackEnded:
		s.onPlaybackEnded()
	case events.Seeked:
		s.gap.OnSeeked()
		s.detector.SetContext(stall.ContextNormal)
	case events.DimensionsChanged:
		if err := s.selector.SetDimensions(abr.Dimensions{
			Width:            ev.Width,
			Height:           ev.Height,
			DevicePixelRatio: ev.DevicePixelRatio,
		}); err != nil {
			s.fatal(err)
		}
	}
}

// onRepresentationsChanged boots the streaming core for a new source.
func (s *Session) onRepresentationsChanged(ev events.RepresentationsChanged) {
	if len(ev.VideoReps) == 0 {
		s.log.Errorf("representations changed with no video representations")
		return
	}
	if err := s.selector.SetRepresentations(ev.VideoReps); err != nil {
		s.fatal(err)
		return
	}
	s.audioReps = models.SortByBitrate(ev.AudioReps)

	s.video.Start()
	s.audio.Start()
	s.running = true

	// Initial pick: the startup strategy decides, cooldown does not apply
	// yet.
	choice, err := s.selector.InitialChoice()
	if err != nil {
		s.fatal(err)
		return
	}
	rep := choice.Representation
	if err := s.video.SelectRepresentation(rep, events.ReasonStart); err != nil {
		s.fatal(err)
		return
	}
	s.selector.NotifyStartOrSeek()

	if len(s.audioReps) > 0 {
		// Audio is not adaptive here: take the best rendition.
		if err := s.audio.SelectRepresentation(s.audioReps[len(s.audioReps)-1], events.ReasonStart); err != nil {
			s.fatal(err)
			return
		}
	}

	s.sched.OnSourceChanged()
	s.detector.SetContext(stall.ContextStartup)
}

func (s *Session) onSeekRequested(to float64) {
	if !s.running {
		return
	}
	s.log.Infof("seek requested to %.2f", to)
	s.detector.SetContext(stall.ContextSeeking)
	s.bola.OnSeek()
	s.selector.NotifyStartOrSeek()
	s.engine.SeekTo(to)
	s.video.OnSeek(to)
	s.audio.OnSeek(to)
	s.sched.OnSeek()
}

func (s *Session) onQualityChangeRequested(ev events.QualityChangeRequested) {
	if ev.VideoRepresentation == nil {
		return
	}
	reason := ev.Reason
	if reason == "" {
		reason = events.ReasonChosenByUser
	}
	s.selector.ForceRepresentation(ev.VideoRepresentation)
	if err := s.video.SelectRepresentation(ev.VideoRepresentation, reason); err != nil {
		s.fatal(err)
	}
}

func (s *Session) onPlaybackStarted() {
	s.sched.OnPlaybackStarted()
	s.selector.NotifyStartOrSeek()
	s.detector.SetContext(stall.ContextNormal)
	s.gap.SetActive(true)
	if !s.monitorsActive {
		s.monitorsActive = true
		s.scheduleStallSample()
		s.scheduleGapCheck()
	}
}

func (s *Session) onPlaybackEnded() {
	s.sched.OnPlaybackEnded()
	s.gap.SetActive(false)
	s.running = false
}

func (s *Session) scheduleStallSample() {
	if s.closed || !s.running {
		s.monitorsActive = false
		return
	}
	s.exec.After(stallSampleInterval, func() {
		s.detector.Sample()
		s.scheduleStallSample()
	})
}

func (s *Session) scheduleGapCheck() {
	if s.closed || !s.running {
		return
	}
	s.exec.After(gapCheckInterval, func() {
		s.gap.Check()
		s.scheduleGapCheck()
	})
}

// RunQualityCheck implements scheduler.QualityChecker: one ABR decision per
// quality-check period.
func (s *Session) RunQualityCheck() bool {
	if !s.running {
		return false
	}
	level := s.video.BufferLevel()

	if level < nearEmptyBufferS && !s.engine.IsPaused() {
		s.bola.OnBufferEmpty()
		s.detector.SetContext(stall.ContextBuffering)
	}

	choice, err := s.selector.CheckPlaybackQuality(level)
	if err != nil {
		s.fatal(err)
		return false
	}
	if !choice.Changed {
		return false
	}

	s.detector.SetContext(stall.ContextQualitySwitching)
	s.gap.SetQualitySwitching(true)
	err = s.video.SelectRepresentation(choice.Representation, choice.Reason)
	s.gap.SetQualitySwitching(false)
	if err != nil {
		s.fatal(err)
		return false
	}
	return true
}

func (s *Session) fatal(err error) {
	s.log.Errorf("fatal session error: %v", err)
	s.running = false
	s.sched.Stop()
	s.bus.Publish(events.PlaybackError{Err: err})
}

// Status is a snapshot of the session for operators.
type Status struct {
	ID                string  `json:"id"`
	Running           bool    `json:"running"`
	VideoRepID        string  `json:"videoRepId,omitempty"`
	VideoBitrate      int64   `json:"videoBitrate,omitempty"`
	BufferLevel       float64 `json:"bufferLevel"`
	BufferingTarget   float64 `json:"bufferingTarget"`
	BandwidthEstimate float64 `json:"bandwidthEstimate"`
	BolaMode          string  `json:"bolaMode"`
	StallConfirmed    bool    `json:"stallConfirmed"`
	ABREnabled        bool    `json:"abrEnabled"`
}

// Snapshot captures the session state. Safe to call from any goroutine:
// the read is marshalled onto the loop.
func (s *Session) Snapshot() Status {
	result := make(chan Status, 1)
	s.exec.Post(func() {
		st := Status{
			ID:                s.id,
			Running:           s.running,
			BufferLevel:       s.video.BufferLevel(),
			BufferingTarget:   s.video.BufferingTarget(),
			BandwidthEstimate: s.estimator.Estimate(),
			BolaMode:          s.bola.Mode().String(),
			StallConfirmed:    s.detector.Confirmed(),
			ABREnabled:        s.selector.Enabled(),
		}
		if rep := s.video.Rep(); rep != nil {
			st.VideoRepID = rep.ID
			st.VideoBitrate = rep.Bitrate
		}
		result <- st
	})
	select {
	case st := <-result:
		return st
	case <-time.After(time.Second):
		return Status{ID: s.id}
	}
}

// Close stops all components and, when the session owns its executor,
// shuts the run loop down.
func (s *Session) Close() {
	s.exec.Post(func() {
		if s.closed {
			return
		}
		s.closed = true
		s.running = false
		s.sched.Stop()
		s.video.Close()
		s.audio.Close()
		s.log.Infof("session %s closed", s.id)
	})
	if s.loop != nil {
		s.loop.Close()
	}
}
