package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/LennartPaduch/abr-video-player/internal/bandwidth"
	"github.com/LennartPaduch/abr-video-player/internal/config"
	"github.com/LennartPaduch/abr-video-player/internal/events"
	"github.com/LennartPaduch/abr-video-player/internal/fetch"
	"github.com/LennartPaduch/abr-video-player/internal/logger"
	"github.com/LennartPaduch/abr-video-player/internal/metrics"
	"github.com/LennartPaduch/abr-video-player/internal/models"
	"github.com/LennartPaduch/abr-video-player/internal/probe"
	"github.com/LennartPaduch/abr-video-player/internal/runloop"
	"github.com/LennartPaduch/abr-video-player/internal/sink"
)

const (
	// downloadSafetyMarginS keeps committed duration clear of the remaining
	// buffer space.
	downloadSafetyMarginS = 2.0
	// timeoutBlacklistFraction of the segment timeout marks a failing
	// segment as chronically slow.
	timeoutBlacklistFraction = 0.8
	// pruneInterval paces the background buffer pruning.
	pruneInterval = 5 * time.Second
)

// AdaptationHooks receives segment lifecycle notifications; the BOLA
// controller implements it for the video pipeline.
type AdaptationHooks interface {
	OnSegmentDownloadBegin(ref models.SegmentReference)
	OnSegmentDownloadEnd(ref models.SegmentReference, isReplacement bool)
}

// Pipeline drives segment downloads and sink appends for one media type.
// All methods must run on the session executor; asynchronous completions
// are posted back onto it.
type Pipeline struct {
	log       logger.Logger
	cfg       *config.Config
	bus       *events.Bus
	exec      runloop.Executor
	fetcher   fetch.Fetcher
	estimator *bandwidth.Estimator
	engine    sink.PlaybackEngine
	factory   sink.Factory
	hooks     AdaptationHooks

	mediaType string // "video" or "audio"

	media sink.Sink
	rep   *models.Representation

	streaming    bool
	shuttingDown bool
	fatal        bool

	initReady    bool
	initFetching bool
	initCancel   context.CancelFunc

	downloads            map[int64]*models.DownloadTask
	replacementDownloads map[int64]*models.DownloadTask
	appendQueue          []*models.QueuedSegment
	processingQueue      bool
	replacementQueue     []*models.ReplacementTask
	replacementActive    bool
	replacing            map[int64]bool

	buffered map[int64]*models.BufferedSegmentInfo

	// nextDownload / nextAppend are segment numbers; -1 means "no next
	// segment".
	nextDownload int64
	nextAppend   int64

	blacklist *Blacklist

	quotaInProgress bool
	criticalLevel   float64
	bufferingTarget float64

	pruneTimer *runloop.Timer

	now func() time.Time
	// spawn runs fetches; tests replace it to run inline.
	spawn func(func())
}

// New creates a pipeline for the given media type. hooks may be nil.
func New(log logger.Logger, cfg *config.Config, bus *events.Bus, exec runloop.Executor,
	fetcher fetch.Fetcher, estimator *bandwidth.Estimator, engine sink.PlaybackEngine,
	factory sink.Factory, mediaType string, hooks AdaptationHooks) *Pipeline {
	return &Pipeline{
		log:                  log.With("pipeline-" + mediaType),
		cfg:                  cfg,
		bus:                  bus,
		exec:                 exec,
		fetcher:              fetcher,
		estimator:            estimator,
		engine:               engine,
		factory:              factory,
		hooks:                hooks,
		mediaType:            mediaType,
		downloads:            make(map[int64]*models.DownloadTask),
		replacementDownloads: make(map[int64]*models.DownloadTask),
		replacing:            make(map[int64]bool),
		buffered:             make(map[int64]*models.BufferedSegmentInfo),
		nextDownload:         -1,
		nextAppend:           -1,
		blacklist:            NewBlacklist(log),
		bufferingTarget:      cfg.BufferingTarget,
		now:                  time.Now,
		spawn:                func(fn func()) { go fn() },
	}
}

// SetClock replaces the time source, for tests.
func (p *Pipeline) SetClock(now func() time.Time) {
	p.now = now
}

// SetSpawn replaces the goroutine launcher, for tests.
func (p *Pipeline) SetSpawn(spawn func(func())) {
	p.spawn = spawn
}

// Start enables streaming and background pruning.
func (p *Pipeline) Start() {
	p.streaming = true
	p.schedulePrune()
}

// Rep returns the current representation.
func (p *Pipeline) Rep() *models.Representation {
	return p.rep
}

// Sink returns the media sink, nil before the first quality decision.
func (p *Pipeline) Sink() sink.Sink {
	return p.media
}

// BufferingTarget returns the current target, shrunk by quota recoveries.
func (p *Pipeline) BufferingTarget() float64 {
	return p.bufferingTarget
}

// BufferedSegments exposes the buffered-segment records, for status
// reporting and tests. Callers must not mutate the map.
func (p *Pipeline) BufferedSegments() map[int64]*models.BufferedSegmentInfo {
	return p.buffered
}

// DownloadCovers reports whether an active download's segment spans the
// given presentation time. The stall detector uses this to tell a normal
// rebuffer from a genuine stall.
func (p *Pipeline) DownloadCovers(position float64) bool {
	for _, t := range p.downloads {
		if position >= t.Ref.StartTime && position < t.Ref.EndTime {
			return true
		}
	}
	return false
}

// Buffered returns the sink's buffered ranges, or nil before the sink
// exists.
func (p *Pipeline) Buffered() []models.TimeRange {
	if p.media == nil {
		return nil
	}
	return p.media.Buffered()
}

// AvgSegmentDuration returns the mean segment duration of the current
// representation, or 0.
func (p *Pipeline) AvgSegmentDuration() float64 {
	if p.rep == nil || p.rep.Index == nil {
		return 0
	}
	return p.rep.Index.AverageDuration()
}

// SelectRepresentation switches the pipeline to rep. The first call opens
// the sink; later calls reconfigure or recreate it, cancel in-flight work
// and re-fetch the init segment. An up-switch makes buffered lower-quality
// segments candidates for replacement.
func (p *Pipeline) SelectRepresentation(rep *models.Representation, reason events.SwitchReason) error {
	if p.fatal {
		return sink.ErrClosed
	}
	if rep == nil {
		return errors.New("pipeline: nil representation")
	}
	if p.rep != nil && p.rep.ID == rep.ID {
		return nil
	}
	prev := p.rep
	p.rep = rep

	if p.media == nil {
		media, err := p.factory(rep.MimeType, rep.Codecs)
		if err != nil {
			return err
		}
		p.media = media
	} else {
		if err := p.media.ChangeType(rep.MimeType, rep.Codecs); err != nil {
			p.log.Infof("sink does not support in-place reconfiguration, recreating: %v", err)
			_ = p.media.Close()
			media, err := p.factory(rep.MimeType, rep.Codecs)
			if err != nil {
				return err
			}
			p.media = media
		}
		p.cancelDownloads()
		p.appendQueue = nil
		p.processingQueue = false
		// Refetch from the append pointer so canceled segments are not
		// left as holes.
		if p.nextAppend >= 0 {
			p.nextDownload = p.nextAppend
		}
	}

	p.initReady = false
	p.fetchInit(rep)
	p.publishBitrateChanged(rep, reason)
	if prev != nil {
		metrics.IncQualitySwitch(string(reason), rep.Bitrate > prev.Bitrate)
	}
	return nil
}

func (p *Pipeline) publishBitrateChanged(rep *models.Representation, reason events.SwitchReason) {
	if p.mediaType == "video" {
		p.bus.Publish(events.VideoBitrateChanged{Representation: rep, Reason: reason})
	} else {
		p.bus.Publish(events.AudioBitrateChanged{Representation: rep, Reason: reason})
	}
}

// fetchInit retrieves and appends the representation's init segment.
func (p *Pipeline) fetchInit(rep *models.Representation) {
	if p.initFetching {
		return
	}
	p.initFetching = true
	ctx, cancel := context.WithCancel(context.Background())
	p.initCancel = cancel

	p.spawn(func() {
		res, err := p.fetcher.Fetch(ctx, rep.InitURL)
		p.exec.Post(func() { p.onInitFetched(rep, res, err) })
	})
}

func (p *Pipeline) onInitFetched(rep *models.Representation, res *fetch.Result, err error) {
	p.initFetching = false
	p.initCancel = nil
	if p.rep == nil || p.rep.ID != rep.ID || p.shuttingDown {
		return
	}
	if err != nil {
		p.log.Warnf("init segment fetch for %s failed: %v", rep.ID, err)
		return
	}

	if info, perr := probe.InspectInit(res.Bytes); perr != nil {
		p.log.Warnf("init segment for %s failed inspection: %v", rep.ID, perr)
	} else if !info.MatchesMime(rep.MimeType) {
		p.log.Warnf("init segment for %s is %s media but the manifest declares %s", rep.ID, info.ContentType, rep.MimeType)
	}

	p.media.Append(res.Bytes, models.TimeRange{}, func(aerr error) {
		if aerr != nil {
			p.log.Errorf("init segment append for %s failed: %v", rep.ID, aerr)
			if errors.Is(aerr, sink.ErrQuotaExceeded) {
				p.handleQuotaExceeded()
			}
			return
		}
		p.initReady = true
		p.initPointers()
		p.LoadNext()
	})
}

// initPointers derives the download/append pointers from the playhead on
// first use.
func (p *Pipeline) initPointers() {
	if p.nextDownload >= 0 || p.rep == nil || p.rep.Index == nil {
		return
	}
	if ref, ok := p.rep.Index.At(p.engine.Playhead()); ok {
		p.nextDownload = ref.Number
	} else if ref, ok := p.rep.Index.First(); ok {
		p.nextDownload = ref.Number
	}
	p.nextAppend = p.nextDownload
}

// LoadNext drives the append queue, then launches downloads while admission
// allows.
func (p *Pipeline) LoadNext() {
	if !p.streaming || p.shuttingDown || p.fatal {
		return
	}
	if p.rep != nil && !p.initReady && !p.initFetching {
		p.fetchInit(p.rep)
	}
	p.processAppendQueue()
	p.processReplacementQueue()

	for p.shouldStartNewDownload() {
		if !p.startNextDownload() {
			break
		}
	}
	p.maybeStartReplacements()
}

// shouldStartNewDownload is the admission check for regular downloads.
func (p *Pipeline) shouldStartNewDownload() bool {
	if !p.streaming || p.quotaInProgress || p.media == nil || !p.initReady || p.nextDownload < 0 {
		return false
	}
	if p.media.Managed() {
		return len(p.downloads) == 0
	}
	if len(p.downloads) >= p.cfg.MaxConcurrentDownloads {
		return false
	}
	remaining := p.bufferingTarget - p.BufferLevel()
	if remaining <= 0 {
		return false
	}
	return p.committedDuration()+downloadSafetyMarginS <= remaining
}

// committedDuration sums seconds already queued for append or in flight.
func (p *Pipeline) committedDuration() float64 {
	var total float64
	for _, q := range p.appendQueue {
		total += q.Duration
	}
	for _, t := range p.downloads {
		total += t.Ref.Duration()
	}
	return total
}

// selectNextSegment picks the next number to download, skipping anything in
// flight or queued.
func (p *Pipeline) selectNextSegment() (models.SegmentReference, bool) {
	if p.rep == nil || p.rep.Index == nil || p.nextDownload < 0 {
		return models.SegmentReference{}, false
	}
	n := p.nextDownload
	for p.inFlight(n) {
		n++
	}
	return p.rep.Index.ByNumber(n)
}

func (p *Pipeline) inFlight(n int64) bool {
	if _, ok := p.downloads[n]; ok {
		return true
	}
	for _, q := range p.appendQueue {
		if q.Number == n {
			return true
		}
	}
	return false
}

// startNextDownload dispatches one regular download. It returns false when
// no further segment is available.
func (p *Pipeline) startNextDownload() bool {
	ref, ok := p.selectNextSegment()
	if !ok {
		return false
	}

	if p.blacklist.Banned(ref.URL(), ref.Number) {
		p.enqueueSkip(ref)
		if ref.Number >= p.nextDownload {
			p.nextDownload = ref.Number + 1
		}
		p.processAppendQueue()
		return true
	}

	p.dispatch(ref, false, nil)
	if ref.Number >= p.nextDownload {
		p.nextDownload = ref.Number + 1
	}
	return true
}

func (p *Pipeline) dispatch(ref models.SegmentReference, isReplacement bool, replacing *models.BufferedSegmentInfo) {
	ctx, cancel := context.WithCancel(context.Background())
	task := &models.DownloadTask{
		ID:            uuid.NewString(),
		Ref:           ref,
		URL:           ref.URL(),
		RepID:         p.rep.ID,
		Bitrate:       p.rep.Bitrate,
		StartedAt:     p.now(),
		Cancel:        cancel,
		IsReplacement: isReplacement,
		Replacing:     replacing,
	}
	if isReplacement {
		p.replacementDownloads[ref.Number] = task
		p.replacing[ref.Number] = true
	} else {
		p.downloads[ref.Number] = task
	}

	if p.hooks != nil {
		p.hooks.OnSegmentDownloadBegin(ref)
	}
	p.bus.Publish(events.FragmentLoadingStarted{Ref: ref, IsReplacement: isReplacement})
	p.log.Debugf("dispatching %s download for segment %d (%s)", p.mediaType, ref.Number, task.URL)

	p.spawn(func() {
		res, err := p.fetcher.Fetch(ctx, task.URL)
		p.exec.Post(func() { p.onDownloadComplete(task, res, err) })
	})
}

func (p *Pipeline) onDownloadComplete(task *models.DownloadTask, res *fetch.Result, err error) {
	n := task.Ref.Number
	if task.IsReplacement {
		if p.replacementDownloads[n] != task {
			return // canceled
		}
		delete(p.replacementDownloads, n)
	} else {
		if p.downloads[n] != task {
			return // canceled
		}
		delete(p.downloads, n)
	}

	if err != nil {
		p.onDownloadFailed(task, res, err)
		return
	}

	if p.hooks != nil {
		p.hooks.OnSegmentDownloadEnd(task.Ref, task.IsReplacement)
	}
	if fetch.AcceptableSample(res) {
		p.estimator.Sample(float64(res.Duration.Milliseconds()), res.TransferredBytes)
		metrics.SetBandwidthEstimate(p.estimator.Estimate())
	}
	metrics.ObserveSegmentDownload(p.mediaType, task.IsReplacement, res.Duration)

	// Regular downloads that land far above the target are discarded so the
	// buffer cannot run away; the segment is refetched later.
	discarded := false
	if !task.IsReplacement && p.BufferLevel() > p.bufferingTarget+p.cfg.MaxAllowedOverrun {
		discarded = true
	}

	completed := events.FragmentLoadingCompleted{
		Ref:              task.Ref,
		Status:           res.HTTPStatus,
		DurationMs:       res.Duration.Milliseconds(),
		FromCache:        res.FromCache,
		TransferredBytes: res.TransferredBytes,
		ResourceBytes:    res.ResourceBytes,
		IsReplacement:    task.IsReplacement,
		Discarded:        discarded,
	}
	if discarded {
		completed.Reason = "buffer overrun"
	}
	p.bus.Publish(completed)

	if discarded {
		delete(p.replacing, n)
		if p.nextDownload > n {
			p.nextDownload = n
		}
		return
	}

	if task.IsReplacement {
		p.replacementQueue = append(p.replacementQueue, &models.ReplacementTask{
			Ref:     task.Ref,
			Data:    res.Bytes,
			RepID:   task.RepID,
			Bitrate: task.Bitrate,
			Prior:   *task.Replacing,
		})
		p.processReplacementQueue()
		return
	}

	p.enqueue(&models.QueuedSegment{
		Data:      res.Bytes,
		Duration:  task.Ref.Duration(),
		Number:    n,
		StartTime: task.Ref.StartTime,
		EndTime:   task.Ref.EndTime,
		RepID:     task.RepID,
		Bitrate:   task.Bitrate,
		Size:      len(res.Bytes),
	})
	p.processAppendQueue()
}

func (p *Pipeline) onDownloadFailed(task *models.DownloadTask, res *fetch.Result, err error) {
	n := task.Ref.Number
	elapsed := p.now().Sub(task.StartedAt)
	metrics.IncSegmentDownloadFailure(p.mediaType)

	status := 0
	if res != nil {
		status = res.HTTPStatus
	}
	p.bus.Publish(events.FragmentLoadingCompleted{
		Ref:           task.Ref,
		Status:        status,
		DurationMs:    elapsed.Milliseconds(),
		IsReplacement: task.IsReplacement,
		Reason:        err.Error(),
	})

	permanent := false
	switch {
	case errors.Is(err, fetch.ErrNotFound):
		p.blacklist.AddURL(task.URL)
		permanent = true
	case elapsed >= time.Duration(timeoutBlacklistFraction*float64(p.cfg.SegmentTimeout)):
		p.blacklist.AddNumber(n)
		permanent = true
	default:
		// Transient: the next scheduler tick retries.
		p.log.Warnf("transient %s download failure for segment %d: %v", p.mediaType, n, err)
	}

	if task.IsReplacement {
		delete(p.replacing, n)
		return
	}

	if permanent {
		p.enqueueSkip(task.Ref)
		p.processAppendQueue()
	} else if p.nextDownload > n {
		p.nextDownload = n
	}
}

// enqueue inserts seg into the append queue, keeping it sorted by segment
// number.
func (p *Pipeline) enqueue(seg *models.QueuedSegment) {
	i := len(p.appendQueue)
	for j, q := range p.appendQueue {
		if q.Number >= seg.Number {
			i = j
			break
		}
	}
	if i < len(p.appendQueue) && p.appendQueue[i].Number == seg.Number {
		return // already queued
	}
	p.appendQueue = append(p.appendQueue, nil)
	copy(p.appendQueue[i+1:], p.appendQueue[i:])
	p.appendQueue[i] = seg
}

// enqueueSkip records a zero-byte marker so the append pointer advances
// past a permanently failed segment.
func (p *Pipeline) enqueueSkip(ref models.SegmentReference) {
	p.enqueue(&models.QueuedSegment{
		Duration:  ref.Duration(),
		Number:    ref.Number,
		StartTime: ref.StartTime,
		EndTime:   ref.EndTime,
		RepID:     ref.RepID,
	})
}

func (p *Pipeline) cancelDownloads() {
	for _, t := range p.downloads {
		t.Cancel()
	}
	p.downloads = make(map[int64]*models.DownloadTask)
	p.cancelReplacements()
	if p.initCancel != nil {
		p.initCancel()
		p.initCancel = nil
		p.initFetching = false
	}
}

func (p *Pipeline) cancelReplacements() {
	for _, t := range p.replacementDownloads {
		t.Cancel()
	}
	p.replacementDownloads = make(map[int64]*models.DownloadTask)
	p.replacementQueue = nil
	p.replacing = make(map[int64]bool)
}

// Close stops all work and releases the sink.
func (p *Pipeline) Close() {
	p.shuttingDown = true
	p.streaming = false
	p.cancelDownloads()
	p.appendQueue = nil
	p.pruneTimer.Cancel()
	if p.media != nil {
		p.media.Abort()
		_ = p.media.Close()
	}
}

// Fatal marks the session dead after an unrecoverable sink error; no
// further work is accepted.
func (p *Pipeline) Fatal(err error) {
	p.fatal = true
	p.streaming = false
	p.cancelDownloads()
	p.bus.Publish(events.PlaybackError{Err: err})
}
