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

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"streamfox/work/config"
	"streamfox/work/controller"
	"streamfox/work/crawler"
	"streamfox/work/journal"
	"streamfox/work/logger"
	"streamfox/work/player"
	"streamfox/work/pool"
	"streamfox/work/probe"
	"streamfox/work/sampler"
	"streamfox/work/types"
)

var (
	Version = "v0.1.0" // default version
)

// our main app worker
func main() {
	os.Exit(run())
}

// run holds the real main so deferred cleanup (journal close, health check
// stop) executes before the process exits with a status code.
func run() int {

	// command line flags; -url and -once override the config file so a quick
	// one-off playback doesn't require editing JSON
	configPath := flag.String("config", "config.json", "path to the JSON configuration file")
	streamURL := flag.String("url", "", "play this stream URL directly (prepended to the static list)")
	once := flag.Bool("once", false, "single-shot mode: stop once the candidates are exhausted")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	// set up logging before the config loader gets a chance to log
	logger.Configure(logger.Config{Service: "streamfox"})

	// load our config
	cfg := config.LoadConfig(*configPath)
	if *debug {
		cfg.Debug = true
	}
	if *once {
		cfg.Continuous = false
	}
	if *streamURL != "" {
		cfg.Streams = append([]string{*streamURL}, cfg.Streams...)
	}

	if cfg.Debug {
		logger.SetLevel("debug")
	}
	logger.Info("starting streamfox %s", Version)

	if len(cfg.Streams) == 0 && len(cfg.Sources) == 0 {
		logger.Error("no streams or crawl sources configured, nothing to play")
		return 2
	}

	// open the failure journal when configured; the pool's failed callback
	// feeds it, the admin surface reads it
	var jrnl *journal.Journal
	if cfg.JournalPath != "" {
		var err error
		jrnl, err = journal.Open(cfg.JournalPath)
		if err != nil {
			logger.Error("failed to open failure journal: %v", err)
			return 1
		}
		defer jrnl.Close()
	}

	// probe collaborator shared by the pool and the samplers
	prober := probe.New(cfg)

	// endpoint pool with journal + metrics wiring on its callbacks
	endpointPool := pool.New(prober, cfg.MinPoolSize, cfg.HealthCheckInterval,
		pool.WithObfuscatedURLs(cfg.ObfuscateUrls),
		pool.WithEndpointAddedCallback(func(url string) {
			if jrnl != nil {
				// A re-admitted endpoint is no longer failed.
				_ = jrnl.Revive(url)
			}
		}),
		pool.WithEndpointFailedCallback(func(url, reason string) {
			if jrnl != nil {
				if err := jrnl.Record(url, reason); err != nil {
					logger.Warn("failed to journal endpoint failure: %v", err)
				}
			}
		}),
	)

	// crawler seeds the pool from the configured source pages; the static
	// stream list is NOT admitted here, it stays an unchecked fallback for
	// the controller
	pageCrawler := crawler.New(cfg.ProbeTimeout, cfg.WorkerThreads, cfg.MaxCrawlDepth, cfg.ObfuscateUrls)
	refill := func() {
		if len(cfg.Sources) == 0 {
			return
		}
		discovered, err := pageCrawler.Discover(cfg.Sources)
		if err != nil {
			logger.Error("crawl failed: %v", err)
			return
		}
		admitted := endpointPool.AddEndpoints(discovered)
		logger.Info("pool refill: %d discovered, %d admitted, pool size %d",
			len(discovered), admitted, endpointPool.Size())
	}
	refill()

	endpointPool.StartHealthChecks()
	defer endpointPool.StopHealthChecks()

	// external player process collaborator
	plyr, err := player.New(cfg.PlayerCommand, cfg.PlayerArgs, cfg.ObfuscateUrls)
	if err != nil {
		logger.Error("%v", err)
		return 1
	}
	logger.Info("using player: %s", plyr.Command())

	// playback controller: pool + player + per-endpoint samplers
	ctrl := controller.New(controller.Config{
		Pool: endpointPool,
		Runner: controller.RunnerFunc(func(url string) (controller.ProcessHandle, error) {
			return plyr.Start(url)
		}),
		NewSampler: func(url string, onSample func(types.QualityMetrics)) controller.SamplerHandle {
			return sampler.New(url, cfg.Thresholds(), prober, onSample, cfg.ObfuscateUrls)
		},
		Thresholds:    cfg.Thresholds(),
		Continuous:    cfg.Continuous,
		Fallback:      cfg.Streams,
		ObfuscateUrls: cfg.ObfuscateUrls,
	})

	// background refill whenever the pool runs low
	stopRefill := make(chan struct{})
	go func() {
		ticker := time.NewTicker(cfg.HealthCheckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stopRefill:
				return
			case <-ticker.C:
				if endpointPool.NeedsRefill() {
					refill()
				}
			}
		}
	}()
	defer close(stopRefill)

	// HTTP status surface
	app := &application{
		cfg:       cfg,
		pool:      endpointPool,
		ctrl:      ctrl,
		journal:   jrnl,
		player:    plyr,
		startTime: time.Now(),
	}

	router := mux.NewRouter()
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")
	setupAPIRoutes(router, app)

	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("status server listening on %s", cfg.ListenAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("status server failed: %v", err)
		}
	}()

	// SIGINT/SIGTERM stop the controller; the main goroutine unwinds once
	// Play returns
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logger.Info("received %s, shutting down", sig)
		ctrl.Stop()
	}()

	summary := ctrl.Play()
	logger.Info("playback finished: state=%s, endpoints tried=%d",
		summary.FinalState, summary.EndpointsTried)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("status server shutdown: %v", err)
	}

	if summary.FinalState == controller.StateExhausted {
		return 1
	}
	return 0
}
