package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/LennartPaduch/abr-video-player/internal/api"
	"github.com/LennartPaduch/abr-video-player/internal/config"
	"github.com/LennartPaduch/abr-video-player/internal/events"
	"github.com/LennartPaduch/abr-video-player/internal/fetch"
	"github.com/LennartPaduch/abr-video-player/internal/logger"
	"github.com/LennartPaduch/abr-video-player/internal/session"
	"github.com/LennartPaduch/abr-video-player/internal/sink"
)

// sinkQuotaBytes bounds the in-memory sink like a browser media buffer.
const sinkQuotaBytes = 256 << 20

func main() {
	listenAddr := flag.String("l", ":8080", "HTTP listen address for /status and /metrics")
	logLevel := flag.String("L", "", "Log level (error, warn, info, debug); overrides the config file")
	configFile := flag.String("c", "", "Path to the player config file (YAML)")
	streamFile := flag.String("s", "stream.json", "Path to the stream description file (JSON)")
	flag.Parse()

	cfg := config.Default()
	if *configFile != "" {
		loaded, err := config.Load(*configFile)
		if err != nil {
			logger.NewLogger("error").Errorf("Failed to load configuration: %v", err)
			os.Exit(1)
		}
		cfg = loaded
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	log := logger.NewLogger(cfg.LogLevel)
	log.Infof("Starting headless ABR player...")

	desc, err := loadStreamDescription(*streamFile)
	if err != nil {
		log.Errorf("Failed to load stream description: %v", err)
		os.Exit(1)
	}
	videoReps, err := buildRepresentations(desc.Video)
	if err != nil {
		log.Errorf("Invalid video representations: %v", err)
		os.Exit(1)
	}
	audioReps, err := buildRepresentations(desc.Audio)
	if err != nil {
		log.Errorf("Invalid audio representations: %v", err)
		os.Exit(1)
	}

	last, _ := videoReps[0].Index.Last()
	engine := newSimEngine(last.EndTime)
	engine.Run()
	defer engine.Stop()

	fetcher := fetch.NewHTTPFetcher(nil, log, cfg.UserAgent, cfg.SegmentTimeout)
	factory := func(mime, codecs string) (sink.Sink, error) {
		return sink.NewMemorySink(mime, codecs, sink.WithQuota(sinkQuotaBytes)), nil
	}

	sess := session.New(session.Params{
		Log:         log,
		Cfg:         cfg,
		Fetcher:     fetcher,
		Engine:      engine,
		SinkFactory: factory,
	})
	defer sess.Close()

	sess.Dispatch(events.RepresentationsChanged{VideoReps: videoReps, AudioReps: audioReps})

	// Give preload a moment, then start the playback clock.
	time.AfterFunc(2*time.Second, func() {
		engine.Play()
		sess.Dispatch(events.PlaybackStarted{})
	})

	server := &http.Server{
		Addr:    *listenAddr,
		Handler: api.New(sess, log),
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Infof("Status server listening on %s", *listenAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Errorf("Player exited with error: %v", err)
		os.Exit(1)
	}
	log.Infof("Player exited gracefully")
}
