package app

import (
	"crypto/tls"

	"github.com/datallboy/govelocity/internal/engine"
	"github.com/datallboy/govelocity/internal/infra/config"
	"github.com/datallboy/govelocity/internal/infra/logger"
	"github.com/datallboy/govelocity/internal/metrics"
	"github.com/datallboy/govelocity/internal/rangehttp"
	"github.com/datallboy/govelocity/internal/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"gitlab.com/NebulousLabs/errors"
	"gitlab.com/NebulousLabs/ratelimit"
)

// rateLimitPacketSize is how many bytes a rate limited read may move at once.
const rateLimitPacketSize = 4 * 4096

// Context hold the core environment and shared resources for GoVelocity.
// It acts as the "Single Source of Truth" for the application state.
type Context struct {
	Config *config.Config
	Logger *logger.Logger

	Store    *store.PersistentStore
	Registry *prometheus.Registry
	Metrics  *metrics.Metrics

	Downloader *engine.Downloader
	Writer     *engine.FileWriter
	Jobs       *engine.Manager
}

// NewContext opens the job history and wires the download engine from cfg.
func NewContext(cfg *config.Config, log *logger.Logger) (*Context, error) {
	st, err := store.NewPersistentStore(cfg.Store.SQLitePath)
	if err != nil {
		return nil, errors.AddContext(err, "failed to open job history")
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	httpOpts := HTTPOptions(cfg)

	d := engine.NewDownloader(log,
		engine.WithMetrics(m),
		engine.WithHTTPOptions(httpOpts),
		engine.WithThrottleLimit(cfg.Download.ThrottleQueueLength),
		engine.WithStaleWriteTimeout(cfg.Download.StaleWriteTimeout),
	)
	w := engine.NewFileWriter()

	jobs := engine.NewManager(d, w, st, log, engine.ManagerConfig{
		OutDir:       cfg.Download.OutDir,
		MaxThreads:   cfg.Download.MaxThreads,
		MaxChunkSize: cfg.Download.MaxChunkSize,
		HTTP:         httpOpts,
	})

	return &Context{
		Config:     cfg,
		Logger:     log,
		Store:      st,
		Registry:   reg,
		Metrics:    m,
		Downloader: d,
		Writer:     w,
		Jobs:       jobs,
	}, nil
}

// HTTPOptions builds the rangehttp client options described by cfg. A
// single rate limit is shared by every connection of every job.
func HTTPOptions(cfg *config.Config) rangehttp.Options {
	opts := rangehttp.Options{Timeout: cfg.HTTP.Timeout}

	if cfg.HTTP.InsecureSkipVerify {
		opts.TLSConfig = &tls.Config{InsecureSkipVerify: true}
	}

	if bps := cfg.Download.MaxBytesPerSecond; bps > 0 {
		opts.RateLimit = ratelimit.NewRateLimit(bps, 0, rateLimitPacketSize)
	}

	return opts
}

// Close stops running jobs and releases the history database.
func (c *Context) Close() error {
	c.Jobs.Shutdown()
	return errors.Compose(c.Logger.Close(), c.Store.Close())
}
