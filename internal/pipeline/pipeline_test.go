package pipeline

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/LennartPaduch/abr-video-player/internal/bandwidth"
	"github.com/LennartPaduch/abr-video-player/internal/config"
	"github.com/LennartPaduch/abr-video-player/internal/events"
	"github.com/LennartPaduch/abr-video-player/internal/fetch"
	"github.com/LennartPaduch/abr-video-player/internal/logger"
	"github.com/LennartPaduch/abr-video-player/internal/models"
	"github.com/LennartPaduch/abr-video-player/internal/runloop"
	"github.com/LennartPaduch/abr-video-player/internal/sink"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeEngine is a scriptable playback engine.
type fakeEngine struct {
	playhead float64
	duration float64
	paused   bool
	seeking  bool
}

func (f *fakeEngine) Playhead() float64     { return f.playhead }
func (f *fakeEngine) Duration() float64     { return f.duration }
func (f *fakeEngine) IsPaused() bool        { return f.paused }
func (f *fakeEngine) IsSeeking() bool       { return f.seeking }
func (f *fakeEngine) PlaybackRate() float64 { return 1 }
func (f *fakeEngine) VideoPlaybackQuality() sink.PlaybackQuality {
	return sink.PlaybackQuality{}
}
func (f *fakeEngine) SeekTo(t float64) { f.playhead = t }

// fakeFetcher serves canned results keyed by URL.
type fakeFetcher struct {
	results map[string]*fetch.Result
	errs    map[string]error
	calls   []string
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{
		results: make(map[string]*fetch.Result),
		errs:    make(map[string]error),
	}
}

func (f *fakeFetcher) Fetch(ctx context.Context, url string) (*fetch.Result, error) {
	f.calls = append(f.calls, url)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err, ok := f.errs[url]; ok {
		return &fetch.Result{HTTPStatus: 404}, err
	}
	if res, ok := f.results[url]; ok {
		return res, nil
	}
	// Default: a healthy 100 KiB segment fetched in 200ms.
	data := make([]byte, 100*1024)
	return &fetch.Result{
		Bytes:            data,
		HTTPStatus:       200,
		Duration:         200 * time.Millisecond,
		TransferredBytes: int64(len(data)),
		ResourceBytes:    int64(len(data)),
	}, nil
}

// makeRep builds a representation with 1-based segment numbers, each
// segDur seconds long.
func makeRep(id string, bitrate int64, numSegments int, segDur float64) *models.Representation {
	refs := make([]models.SegmentReference, 0, numSegments)
	for n := 1; n <= numSegments; n++ {
		refs = append(refs, models.SegmentReference{
			Number:        int64(n),
			StartTime:     float64(n-1) * segDur,
			EndTime:       float64(n) * segDur,
			RepID:         id,
			BaseURL:       "http://origin/",
			MediaTemplate: "$RepresentationID$/$Number$.m4s",
		})
	}
	return &models.Representation{
		ID:       id,
		Bitrate:  bitrate,
		Codecs:   "avc1.42E01E",
		MimeType: "video/mp4",
		InitURL:  "http://origin/" + id + "/init.mp4",
		Index:    models.NewSegmentIndex(refs),
	}
}

func segURL(repID string, n int) string {
	return fmt.Sprintf("http://origin/%s/%d.m4s", repID, n)
}

type fixture struct {
	t         *testing.T
	exec      *runloop.Manual
	bus       *events.Bus
	cfg       *config.Config
	engine    *fakeEngine
	fetcher   *fakeFetcher
	media     *sink.MemorySink
	pipe      *Pipeline
	published []events.Event
}

func newFixture(t *testing.T, opts ...sink.MemorySinkOption) *fixture {
	t.Helper()
	f := &fixture{
		t:       t,
		exec:    runloop.NewManual(),
		bus:     events.NewBus(),
		cfg:     config.Default(),
		engine:  &fakeEngine{duration: 600},
		fetcher: newFakeFetcher(),
	}
	f.bus.Subscribe(0, func(e events.Event) {
		f.published = append(f.published, e)
	})

	factory := func(mime, codecs string) (sink.Sink, error) {
		opts = append(opts, sink.WithDispatcher(f.exec.Post))
		f.media = sink.NewMemorySink(mime, codecs, opts...)
		return f.media, nil
	}

	log := logger.Discard()
	estimator := bandwidth.NewEstimator(log)
	f.pipe = New(log, f.cfg, f.bus, f.exec, f.fetcher, estimator, f.engine, factory, "video", nil)
	f.pipe.SetSpawn(func(fn func()) { fn() })
	return f
}

func (f *fixture) start(rep *models.Representation) {
	f.t.Helper()
	f.pipe.Start()
	require.NoError(f.t, f.pipe.SelectRepresentation(rep, events.ReasonStart))
	f.exec.RunAll()
	require.True(f.t, f.pipe.initReady, "init segment should be appended")
}

func (f *fixture) eventsOf(match func(events.Event) bool) []events.Event {
	var out []events.Event
	for _, e := range f.published {
		if match(e) {
			out = append(out, e)
		}
	}
	return out
}

func TestPipeline_InitThenSequentialDownloads(t *testing.T) {
	f := newFixture(t)
	rep := makeRep("low", 1_000_000, 10, 4)
	f.start(rep)

	// The init-append callback already drove one LoadNext round: two
	// concurrent downloads admitted, completed and appended in order.
	ranges := f.media.Buffered()
	require.Len(t, ranges, 1)
	assert.Equal(t, 0.0, ranges[0].Start)
	assert.Equal(t, 8.0, ranges[0].End)
	assert.Equal(t, int64(3), f.pipe.nextAppend)
	assert.GreaterOrEqual(t, f.pipe.nextDownload, f.pipe.nextAppend)

	// Keep loading until the admission check stops at the committed-duration
	// margin.
	for i := 0; i < 30; i++ {
		f.pipe.LoadNext()
		f.exec.RunAll()
	}
	level := f.pipe.BufferLevel()
	assert.Equal(t, 40.0, level, "all ten segments buffered")

	// Buffered-segment records exist for every appended segment.
	assert.Len(t, f.pipe.BufferedSegments(), 10)
}

func TestPipeline_ConcurrencyCapRespected(t *testing.T) {
	f := newFixture(t)
	rep := makeRep("low", 1_000_000, 30, 4)

	var spawned []func()
	f.pipe.SetSpawn(func(fn func()) { spawned = append(spawned, fn) })
	f.pipe.Start()
	require.NoError(t, f.pipe.SelectRepresentation(rep, events.ReasonStart))
	// Run the init fetch.
	require.Len(t, spawned, 1)
	spawned[0]()
	spawned = spawned[:1]
	f.exec.RunAll()

	f.pipe.LoadNext()
	assert.Len(t, f.pipe.downloads, f.cfg.MaxConcurrentDownloads)

	// Another LoadNext while both slots are busy must not over-dispatch.
	f.pipe.LoadNext()
	assert.Len(t, f.pipe.downloads, f.cfg.MaxConcurrentDownloads)
}

func TestPipeline_ManagedSinkSingleDownload(t *testing.T) {
	f := newFixture(t, sink.WithManaged())
	rep := makeRep("low", 1_000_000, 30, 4)

	var spawned []func()
	f.pipe.SetSpawn(func(fn func()) { spawned = append(spawned, fn) })
	f.pipe.Start()
	require.NoError(t, f.pipe.SelectRepresentation(rep, events.ReasonStart))
	spawned[0]()
	f.exec.RunAll()

	f.pipe.LoadNext()
	assert.Len(t, f.pipe.downloads, 1, "managed sinks allow one download at a time")
}

func TestPipeline_OutOfOrderCompletionsAppendInOrder(t *testing.T) {
	f := newFixture(t)
	rep := makeRep("low", 1_000_000, 10, 4)

	var spawned []func()
	f.pipe.SetSpawn(func(fn func()) { spawned = append(spawned, fn) })
	f.pipe.Start()
	require.NoError(t, f.pipe.SelectRepresentation(rep, events.ReasonStart))
	spawned[0]() // init fetch
	spawned = nil
	f.exec.RunAll()

	f.pipe.LoadNext()
	require.Len(t, spawned, 2, "segments 1 and 2 dispatched")

	// Complete segment 2 before segment 1.
	spawned[1]()
	f.exec.RunAll()
	assert.Empty(t, f.media.Buffered(), "segment 2 must wait for segment 1")
	assert.Equal(t, int64(1), f.pipe.nextAppend)

	spawned[0]()
	f.exec.RunAll()
	ranges := f.media.Buffered()
	require.Len(t, ranges, 1)
	assert.Equal(t, 8.0, ranges[0].End, "both segments appended in order")
	assert.Equal(t, int64(3), f.pipe.nextAppend)
}

func TestPipeline_NotFoundBlacklistsAndSkips(t *testing.T) {
	f := newFixture(t)
	rep := makeRep("low", 1_000_000, 6, 4)
	f.fetcher.errs[segURL("low", 2)] = fmt.Errorf("%s: %w", segURL("low", 2), fetch.ErrNotFound)
	f.start(rep)

	for i := 0; i < 20; i++ {
		f.pipe.LoadNext()
		f.exec.RunAll()
	}

	// Segment 2 is skipped: the append pointer passed it, its URL is
	// banned, and its interval is missing from the sink.
	assert.True(t, f.pipe.blacklist.Banned(segURL("low", 2), 2))
	assert.Greater(t, f.pipe.nextAppend, int64(2))
	ranges := f.media.Buffered()
	require.Len(t, ranges, 2)
	assert.Equal(t, 4.0, ranges[0].End)
	assert.Equal(t, 8.0, ranges[1].Start)
}

func TestPipeline_TransientFailureRetriedNextTick(t *testing.T) {
	f := newFixture(t)
	rep := makeRep("low", 1_000_000, 6, 4)
	f.fetcher.errs[segURL("low", 1)] = fmt.Errorf("connection reset")
	f.start(rep)

	f.pipe.LoadNext()
	f.exec.RunAll()
	assert.Empty(t, f.media.Buffered())

	// The failure heals; the next tick retries segment 1.
	delete(f.fetcher.errs, segURL("low", 1))
	f.pipe.LoadNext()
	f.exec.RunAll()
	assert.NotEmpty(t, f.media.Buffered())
	assert.False(t, f.pipe.blacklist.Banned(segURL("low", 1), 1))
}

func TestPipeline_QuotaRecovery(t *testing.T) {
	f := newFixture(t)
	rep := makeRep("low", 1_000_000, 50, 4)
	f.start(rep)

	// Hand-build 70 seconds of buffer ahead of playhead 0.
	fillSink(t, f, rep, 1, 17) // segments 1..17 cover [0, 68)
	f.media.Append(make([]byte, 10), models.TimeRange{Start: 68, End: 70}, func(error) {})
	f.exec.RunAll()
	require.InDelta(t, 70.0, f.pipe.BufferLevel(), 0.01)

	f.pipe.handleQuotaExceeded()
	f.exec.RunAll()

	// New target: max(10, 70*0.8) = 56.
	assert.InDelta(t, 56.0, f.pipe.BufferingTarget(), 0.01)
	targetEvents := f.eventsOf(func(e events.Event) bool {
		_, ok := e.(events.BufferTargetChanged)
		return ok
	})
	require.Len(t, targetEvents, 1)
	assert.InDelta(t, 56.0, targetEvents[0].(events.BufferTargetChanged).NewBufferTarget, 0.01)

	// Media outside [playhead-2, playhead+56] is gone.
	ranges := f.media.Buffered()
	require.NotEmpty(t, ranges)
	assert.LessOrEqual(t, ranges[len(ranges)-1].End, 56.01)

	// Recovery is reentrancy-guarded and still in its quiescence window.
	assert.True(t, f.pipe.quotaInProgress)
	f.pipe.handleQuotaExceeded()
	f.exec.RunAll()
	targetEvents = f.eventsOf(func(e events.Event) bool {
		_, ok := e.(events.BufferTargetChanged)
		return ok
	})
	assert.Len(t, targetEvents, 1, "re-entry must be a no-op")

	// After the quiescence the guard clears.
	f.exec.Advance(3 * time.Second)
	assert.False(t, f.pipe.quotaInProgress)

	// Pointers restart at the new buffer end: segment covering t=56 is 15.
	assert.Equal(t, int64(15), f.pipe.nextDownload)
	assert.Equal(t, int64(15), f.pipe.nextAppend)
}

func TestPipeline_RepeatedQuotaFloorsAtTen(t *testing.T) {
	f := newFixture(t)
	rep := makeRep("low", 1_000_000, 50, 4)
	f.start(rep)
	fillSink(t, f, rep, 1, 17)

	for i := 0; i < 12; i++ {
		f.pipe.handleQuotaExceeded()
		f.exec.Advance(3 * time.Second)
	}
	assert.InDelta(t, 10.0, f.pipe.BufferingTarget(), 0.01)
}

func TestPipeline_SeekTrimsAndRestarts(t *testing.T) {
	f := newFixture(t)
	rep := makeRep("low", 1_000_000, 50, 4)
	f.start(rep)

	// Buffered [28, 70], playhead 30.
	fillSink(t, f, rep, 8, 17) // segments 8..17 cover [28, 68)
	f.media.Append(make([]byte, 10), models.TimeRange{Start: 68, End: 70}, func(error) {})
	f.exec.RunAll()
	f.engine.playhead = 30

	// Seek back to 10: keep [5, 70], recompute pointers at the seek target.
	f.engine.playhead = 10
	f.pipe.OnSeek(10)
	f.exec.RunAll()

	// Media before the keep window is gone, the rest survives.
	ranges := f.media.Buffered()
	require.NotEmpty(t, ranges)
	assert.InDelta(t, 5.0, ranges[0].Start, 0.01)

	// The segment covering t=10 (number 3) was refetched by the post-seek
	// LoadNext and appended.
	_, has1 := f.pipe.BufferedSegments()[1]
	assert.False(t, has1)
	_, has3 := f.pipe.BufferedSegments()[3]
	assert.True(t, has3)
	assert.Empty(t, f.pipe.appendQueue)
}

func TestPipeline_SeekCancelsDownloads(t *testing.T) {
	f := newFixture(t)
	rep := makeRep("low", 1_000_000, 50, 4)

	var spawned []func()
	f.pipe.SetSpawn(func(fn func()) { spawned = append(spawned, fn) })
	f.pipe.Start()
	require.NoError(t, f.pipe.SelectRepresentation(rep, events.ReasonStart))
	spawned[0]()
	spawned = nil
	f.exec.RunAll()

	f.pipe.LoadNext()
	require.NotEmpty(t, f.pipe.downloads)

	f.engine.playhead = 100
	f.pipe.OnSeek(100)
	f.exec.RunAll()

	// The pre-seek downloads are gone; only post-seek numbers remain.
	for n := range f.pipe.downloads {
		assert.GreaterOrEqual(t, n, int64(26), "segment covering t=100 onwards")
	}

	// Late completions of canceled tasks are ignored; post-seek fetches
	// land normally.
	for _, fn := range spawned {
		fn()
	}
	f.exec.RunAll()
	_, hasStale := f.pipe.BufferedSegments()[1]
	assert.False(t, hasStale, "canceled pre-seek segment must not append")
	_, has26 := f.pipe.BufferedSegments()[26]
	assert.True(t, has26)
}

func TestPipeline_ReplacementEarliestDeadlineFirst(t *testing.T) {
	f := newFixture(t)
	low := makeRep("low", 1_000_000, 60, 4)
	high := makeRep("high", 6_000_000, 60, 4)
	f.start(low)

	// Segments 40..50 buffered at the low quality; playhead at segment 40's
	// start (t=156).
	fillSink(t, f, low, 40, 50)
	f.engine.playhead = 156

	// Up-switch to the high representation, holding fetch completions back
	// so the in-flight replacement set is observable.
	var spawned []func()
	f.pipe.SetSpawn(func(fn func()) { spawned = append(spawned, fn) })
	require.NoError(t, f.pipe.SelectRepresentation(high, events.ReasonBufferBased))
	require.Len(t, spawned, 1)
	spawned[0]() // init fetch
	f.exec.RunAll()
	require.True(t, f.pipe.initReady)

	// Threshold: 156 + 4*1.5 = 162. Segment 41 ([160,164)) is too close;
	// 42 ([164,168)) is the earliest eligible deadline.
	_, has41 := f.pipe.replacementDownloads[41]
	assert.False(t, has41)
	_, has42 := f.pipe.replacementDownloads[42]
	assert.True(t, has42)

	for i := 1; i < len(spawned); i++ {
		spawned[i]()
	}
	f.exec.RunAll()

	// The replacement landed: segment 42's record now carries the high
	// bitrate.
	info := f.pipe.BufferedSegments()[42]
	require.NotNil(t, info)
	assert.Equal(t, int64(6_000_000), info.Bitrate)
	assert.Equal(t, "high", info.RepID)
}

func TestPipeline_ReplacementSkipsCurrentQuality(t *testing.T) {
	f := newFixture(t)
	rep := makeRep("high", 6_000_000, 60, 4)
	f.start(rep)
	fillSink(t, f, rep, 40, 50)
	f.engine.playhead = 156

	f.pipe.maybeStartReplacements()
	assert.Empty(t, f.pipe.replacementDownloads, "same-bitrate segments are not replacement candidates")
}

func TestPipeline_BufferLevelBridgesJumpableGaps(t *testing.T) {
	f := newFixture(t)
	rep := makeRep("low", 1_000_000, 50, 4)
	f.start(rep)

	f.media.Append(make([]byte, 10), models.TimeRange{Start: 10, End: 20}, func(error) {})
	f.exec.RunAll() // the sink rejects an append while the previous one is pending
	f.media.Append(make([]byte, 10), models.TimeRange{Start: 20.4, End: 30}, func(error) {})
	f.exec.RunAll()
	f.engine.playhead = 10

	// 10s + 0.4s jumpable gap + 9.6s.
	assert.InDelta(t, 20.0, f.pipe.BufferLevel(), 0.01)
}

func TestPipeline_BufferLevelStopsAtLargeGap(t *testing.T) {
	f := newFixture(t)
	rep := makeRep("low", 1_000_000, 50, 4)
	f.start(rep)

	f.media.Append(make([]byte, 10), models.TimeRange{Start: 10, End: 20}, func(error) {})
	f.exec.RunAll() // the sink rejects an append while the previous one is pending
	f.media.Append(make([]byte, 10), models.TimeRange{Start: 25, End: 60}, func(error) {})
	f.exec.RunAll()
	f.engine.playhead = 10

	assert.InDelta(t, 10.0, f.pipe.BufferLevel(), 0.01)
}

func TestPipeline_SyncDropsEvictedSegments(t *testing.T) {
	f := newFixture(t)
	rep := makeRep("low", 1_000_000, 50, 4)
	f.start(rep)
	fillSink(t, f, rep, 1, 5)
	require.Len(t, f.pipe.BufferedSegments(), 5)

	// The sink evicts the first two segments behind our back (managed-sink
	// behavior); the next sync reconciles.
	f.media.Evict(0, 8)
	f.pipe.syncBufferedSegments()
	assert.Len(t, f.pipe.BufferedSegments(), 3)
}

func TestPipeline_PruneBehindPlayhead(t *testing.T) {
	f := newFixture(t)
	rep := makeRep("low", 1_000_000, 50, 4)
	f.start(rep)
	fillSink(t, f, rep, 1, 10) // [0, 40)
	f.engine.playhead = 30

	f.exec.Advance(6 * time.Second) // fire the prune timer
	ranges := f.media.Buffered()
	require.NotEmpty(t, ranges)
	assert.InDelta(t, 25.0, ranges[0].Start, 0.01, "keep bufferBehind=5 behind the playhead")
}

func TestPipeline_DiscardOnOverrun(t *testing.T) {
	f := newFixture(t)
	rep := makeRep("low", 1_000_000, 60, 4)
	f.start(rep)

	// Buffer far beyond target+overrun while a download is in flight.
	var spawned []func()
	f.pipe.SetSpawn(func(fn func()) { spawned = append(spawned, fn) })
	f.pipe.LoadNext()
	require.NotEmpty(t, spawned)

	fillSink(t, f, rep, 1, 17) // 68s buffered at playhead 0
	for _, fn := range spawned {
		fn()
	}
	f.exec.RunAll()

	discarded := f.eventsOf(func(e events.Event) bool {
		c, ok := e.(events.FragmentLoadingCompleted)
		return ok && c.Discarded
	})
	assert.NotEmpty(t, discarded, "completions beyond maxAllowedOverrun are discarded")
}

// fillSink appends segments [from, to] of rep directly to the sink and
// registers their records, bypassing the download path.
func fillSink(t *testing.T, f *fixture, rep *models.Representation, from, to int) {
	t.Helper()
	for n := from; n <= to; n++ {
		ref, ok := rep.Index.ByNumber(int64(n))
		require.True(t, ok)
		data := make([]byte, 1024)
		f.media.Append(data, models.TimeRange{Start: ref.StartTime, End: ref.EndTime}, func(err error) {
			require.NoError(t, err)
		})
		f.exec.RunAll()
		f.pipe.buffered[ref.Number] = &models.BufferedSegmentInfo{
			Number:    ref.Number,
			StartTime: ref.StartTime,
			EndTime:   ref.EndTime,
			RepID:     rep.ID,
			Bitrate:   rep.Bitrate,
			Size:      len(data),
		}
	}
}
