// Command sharkoder is the transcoding daemon: it watches a remote media
// library over SFTP/WebDAV, downloads queued files, re-encodes them and
// uploads the result back in place, keeping a .bak copy of the original.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sharkoder/sharkoder/internal/api"
	"github.com/sharkoder/sharkoder/internal/cache"
	"github.com/sharkoder/sharkoder/internal/config"
	"github.com/sharkoder/sharkoder/internal/ffmpeg"
	"github.com/sharkoder/sharkoder/internal/history"
	"github.com/sharkoder/sharkoder/internal/log"
	"github.com/sharkoder/sharkoder/internal/pipeline"
	"github.com/sharkoder/sharkoder/internal/remotefs"
	"github.com/sharkoder/sharkoder/internal/remotefs/router"
	"github.com/sharkoder/sharkoder/internal/remotefs/sftpfs"
	"github.com/sharkoder/sharkoder/internal/remotefs/webdavfs"
	"github.com/sharkoder/sharkoder/internal/store"
)

var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "sharkoder.config.json", "path to config file (JSON)")
	flag.Parse()

	if *showVersion {
		fmt.Printf("sharkoder %s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	log.Configure(log.Config{Service: "sharkoder"})
	logger := log.WithComponent("daemon")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal().
			Err(err).
			Str("config_path", *configPath).
			Msg("failed to load configuration")
	}
	log.SetLevel(cfg.LogLevel)

	logger.Info().
		Str("version", version).
		Str("commit", commit).
		Str("build_date", buildDate).
		Str("config_path", *configPath).
		Str("data_dir", cfg.DataDir).
		Msg("starting sharkoder")

	if err := os.MkdirAll(cfg.DataDir, 0o750); err != nil {
		logger.Fatal().Err(err).Msg("could not create data dir")
	}

	preferred, fallback, err := buildAdapters(cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("could not build transport adapters")
	}
	rt := router.New(preferred, fallback)
	defer func() { _ = rt.Close() }()

	st, err := store.Open(cfg.JobsDBPath())
	if err != nil {
		logger.Fatal().Err(err).Msg("could not open job store")
	}
	defer func() { _ = st.Close() }()

	hist, err := history.Open(cfg.HistoryDir())
	if err != nil {
		logger.Fatal().Err(err).Msg("could not open history store")
	}
	defer func() { _ = hist.Close() }()

	metaCache, err := cache.Open(cfg.CacheDBPath())
	if err != nil {
		logger.Fatal().Err(err).Msg("could not open metadata cache")
	}
	defer func() { _ = metaCache.Close() }()

	enc := ffmpeg.NewEncoder(cfg.Encoder.BinPath, cfg.Encoder.ProbePath, cfg.CrashMarkerPath())
	prober := ffmpeg.NewProber(cfg.Encoder.ProbePath)

	pipe := pipeline.New(cfg, st, rt, enc, prober, hist, pipeline.NewBus(256))
	if err := pipe.Start(ctx); err != nil {
		logger.Fatal().Err(err).Msg("pipeline failed to start")
	}

	srv := api.New(cfg.API, pipe, st, metaCache, rt)
	srv.SetIndexer(&libraryIndexer{cfg: cfg, cache: metaCache, remote: rt})

	// Transport credentials and log level follow the config file; pipeline
	// and encoder settings apply on the next restart.
	if err := config.Watch(ctx, *configPath, func(snap config.Snapshot) {
		log.SetLevel(snap.LogLevel)
		p, f, err := buildAdapters(snap)
		if err != nil {
			logger.Warn().Err(err).Msg("reload kept previous transport adapters")
			return
		}
		rt.Swap(p, f)
		logger.Info().Msg("transport adapters rebuilt from new config")
	}); err != nil {
		logger.Warn().Err(err).Msg("config watch unavailable, reload disabled")
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			logger.Error().Err(err).Msg("api server failed")
		}
	}

	logger.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("api shutdown incomplete")
	}
	pipe.Stop()
	logger.Info().Msg("daemon exiting")
}

// buildAdapters constructs the configured transports. WebDAV is preferred
// when both are present; either alone is fine.
func buildAdapters(cfg config.Snapshot) (preferred, fallback remotefs.Remote, err error) {
	if cfg.Remote.WebDAV.URL != "" {
		preferred, err = webdavfs.New(webdavfs.Options{
			URL:            cfg.Remote.WebDAV.URL,
			User:           cfg.Remote.WebDAV.User,
			Password:       cfg.Remote.WebDAV.Password,
			ConnectTimeout: cfg.Remote.ConnectTimeout.Std(),
		})
		if err != nil {
			return nil, nil, err
		}
	}
	if cfg.Remote.SFTP.Host != "" {
		fallback = sftpfs.New(sftpfs.Options{
			Host:           cfg.Remote.SFTP.Host,
			Port:           cfg.Remote.SFTP.Port,
			User:           cfg.Remote.SFTP.User,
			Password:       cfg.Remote.SFTP.Password,
			KeyFile:        cfg.Remote.SFTP.KeyFile,
			ConnectTimeout: cfg.Remote.ConnectTimeout.Std(),
		})
	}
	return preferred, fallback, nil
}

// libraryIndexer wires cache indexation to the live transport router.
type libraryIndexer struct {
	cfg    config.Snapshot
	cache  *cache.Cache
	remote *router.Router
}

func (ix *libraryIndexer) FullIndex(ctx context.Context) (cache.IndexStats, error) {
	root := ix.cfg.Remote.Root
	if root == "" {
		root = "/"
	}
	prober := cache.NewRemoteProber(
		ix.cfg.Remote.WebDAV.URL,
		ix.cfg.Remote.WebDAV.User,
		ix.cfg.Remote.WebDAV.Password,
		ix.cfg.Cache.RemoteProbeTimeout.Std(),
	)
	return ix.cache.FullIndex(ctx, ix.remote, root, prober, ix.cfg.Cache.ProbeWorkers)
}

func (ix *libraryIndexer) SyncFolder(ctx context.Context, dir string) error {
	return ix.cache.SyncFolder(ctx, ix.remote, dir)
}
