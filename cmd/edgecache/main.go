package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	edgecache "github.com/edgecache/edgecache"
	"github.com/edgecache/edgecache/peering"
	cachekey "github.com/edgecache/edgecache/pkg/cache-key"
	"github.com/edgecache/edgecache/store"
)

var (
	// CLI flags
	configFlag         string
	portFlag           int
	originFlag         string
	dbFilenameFlag     string
	verbosityTraceFlag bool
	logFilenameFlag    string

	// this is set by goreleaser
	version string
)

func init() {
	flag.StringVar(&configFlag, "config", "", "Config file to load (yaml)")
	flag.IntVar(&portFlag, "port", 0, "Port to listen on (overrides config)")
	flag.StringVar(&originFlag, "origin", "", "Origin URL to proxy to (overrides config)")
	flag.StringVar(&dbFilenameFlag, "db", "", "Cache DB file name (use 'memory' for in-memory db)")
	flag.BoolVar(&verbosityTraceFlag, "vv", false, "Verbosity: trace logging")
	flag.StringVar(&logFilenameFlag, "log-file", "", "Log file to use (in addition to stdout)")

	if version == "" {
		version = "DEV"
	}
}

func main() {
	flag.Parse()

	logLevel := zerolog.DebugLevel
	if verbosityTraceFlag {
		logLevel = zerolog.TraceLevel
	}
	logOutputs := make([]io.Writer, 0)
	logOutputs = append(logOutputs, zerolog.ConsoleWriter{Out: os.Stdout})
	if logFilenameFlag != "" {
		if logFileOutput, err := os.OpenFile(logFilenameFlag, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0644); err != nil {
			log.Fatal().Err(err).Msg("Cannot open log file")
		} else {
			logOutputs = append(logOutputs, logFileOutput)
		}
	}
	multiWriter := zerolog.MultiLevelWriter(logOutputs...)
	log.Logger = log.Level(logLevel).Output(multiWriter).
		With().Str("version", version).Logger()

	var config edgecache.Config
	if configFlag != "" {
		var err error
		if config, err = edgecache.LoadConfig(configFlag); err != nil {
			log.Fatal().Err(err).Str("file", configFlag).Msg("Cannot load config")
		}
	}
	if portFlag != 0 {
		config.Port = portFlag
	}
	if config.Port == 0 {
		config.Port = 8080
	}
	if originFlag != "" {
		config.Origin = originFlag
	}
	if dbFilenameFlag != "" {
		config.DBFile = dbFilenameFlag
	}

	cfg, err := config.Snapshot()
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid config")
	}

	persister, err := newPersister(config)
	if err != nil {
		log.Fatal().Err(err).Msg("Cannot open cache db")
	}

	objectStore := store.New(persister, log.Logger)
	keyer := cachekey.NewKeyer(config.Origin)
	ipcache := edgecache.NewIPCache(time.Minute, log.Logger)
	collapse := edgecache.NewCollapsedForwarding(cfg.CollapsedForwarding, log.Logger)

	forwarder, err := edgecache.NewOriginForwarder(cfg, edgecache.ForwarderOptions{
		Store:    objectStore,
		Keyer:    keyer,
		Fresh:    edgecache.NewFreshnessEvaluator(cfg, log.Logger),
		Collapse: collapse,
		IPCache:  ipcache,
		Origin:   config.Origin,
	}, log.Logger)
	if err != nil {
		log.Fatal().Err(err).Str("origin", config.Origin).Msg("Invalid origin")
	}

	var shuttingDown atomic.Bool
	opts := edgecache.PipelineOptions{
		Store:     objectStore,
		Keyer:     keyer,
		Forwarder: forwarder,
		IPCache:   ipcache,
		Collapse:  collapse,
		Probes: edgecache.ServerProbes{
			ShuttingDown: shuttingDown.Load,
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if config.Redis.Addr != "" {
		channel := config.Redis.Channel
		if channel == "" {
			channel = "edgecache:clr"
		}
		peer := peering.New(config.Redis.Addr, channel, cfg.Hostname, log.Logger)
		defer peer.Close()
		opts.Notifier = peer
		go func() {
			err := peer.Listen(ctx, func(url string) {
				applyRemotePurge(cfg, opts, url)
			})
			if err != nil && !errors.Is(err, context.Canceled) {
				log.Error().Err(err).Msg("Peering listener stopped")
			}
		}()
	}

	pipeline := edgecache.NewPipeline(cfg, opts, log.Logger)
	server := edgecache.NewServer(cfg, pipeline, log.Logger)

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", config.Port),
		Handler: server.Handler(),
	}
	go func() {
		<-ctx.Done()
		shuttingDown.Store(true)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Shutdown error")
		}
	}()

	log.Info().Int("port", config.Port).Str("origin", config.Origin).Msg("Starting edgecache")
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("Server error")
	}
}

func newPersister(config edgecache.Config) (store.Persister, error) {
	switch config.Provider {
	case "", "sqlite":
		dbFilename := config.DBFile
		if dbFilename == "memory" {
			dbFilename = ""
		} else if dbFilename == "" {
			dbFilename = "cache.db"
		}
		return store.NewSQLitePersister(dbFilename)
	case "none":
		return nil, nil
	case "mem":
		return store.NewMemPersister(), nil
	default:
		return nil, fmt.Errorf("unknown provider %q", config.Provider)
	}
}

// applyRemotePurge evicts the local variants of a URL a sibling cache
// cleared.
func applyRemotePurge(cfg edgecache.ConfigSnapshot, opts edgecache.PipelineOptions, url string) {
	r, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		log.Warn().Err(err).Str("url", url).Msg("Unusable sibling clear")
		return
	}
	req := edgecache.ParseRequest(r, cfg.Via)
	req.Internal = true
	purge := edgecache.NewPurgeEngine(cfg, opts.Store, opts.Keyer, opts.IPCache, nil, log.Logger)
	purge.PurgeAllVariants(req, http.MethodGet, http.MethodHead)
}
