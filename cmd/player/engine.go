package main

import (
	"sync"
	"time"

	"github.com/LennartPaduch/abr-video-player/internal/sink"
)

// simEngine is a wall-clock playback engine: the playhead advances in real
// time while playing. It stands in for a real media element so the core can
// run headless.
type simEngine struct {
	mu       sync.Mutex
	playhead float64
	duration float64
	paused   bool
	rate     float64

	stop chan struct{}
	wg   sync.WaitGroup
}

func newSimEngine(duration float64) *simEngine {
	return &simEngine{
		duration: duration,
		paused:   true,
		rate:     1,
		stop:     make(chan struct{}),
	}
}

// Run advances the playhead until Stop.
func (e *simEngine) Run() {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ticker := time.NewTicker(100 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-e.stop:
				return
			case <-ticker.C:
				e.advance(0.1)
			}
		}
	}()
}

func (e *simEngine) advance(dt float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.paused {
		return
	}
	e.playhead += dt * e.rate
	if e.duration > 0 && e.playhead > e.duration {
		e.playhead = e.duration
	}
}

// Stop halts the clock.
func (e *simEngine) Stop() {
	close(e.stop)
	e.wg.Wait()
}

// Play unpauses the clock.
func (e *simEngine) Play() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.paused = false
}

func (e *simEngine) Playhead() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.playhead
}

func (e *simEngine) Duration() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.duration
}

func (e *simEngine) IsPaused() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.paused
}

func (e *simEngine) IsSeeking() bool { return false }

func (e *simEngine) PlaybackRate() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rate
}

func (e *simEngine) VideoPlaybackQuality() sink.PlaybackQuality {
	return sink.PlaybackQuality{}
}

func (e *simEngine) SeekTo(t float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.playhead = t
}
