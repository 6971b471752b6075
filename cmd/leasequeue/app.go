package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/nats-io/nats.go"

	"github.com/dgerritsen-rgb/ToyotaAyvensCompare/engine/config"
	"github.com/dgerritsen-rgb/ToyotaAyvensCompare/engine/domain"
	"github.com/dgerritsen-rgb/ToyotaAyvensCompare/engine/incremental"
	"github.com/dgerritsen-rgb/ToyotaAyvensCompare/engine/offercache"
	"github.com/dgerritsen-rgb/ToyotaAyvensCompare/engine/provider"
	"github.com/dgerritsen-rgb/ToyotaAyvensCompare/engine/provider/remote"
	"github.com/dgerritsen-rgb/ToyotaAyvensCompare/engine/queue"
	"github.com/dgerritsen-rgb/ToyotaAyvensCompare/pkg/metrics"
)

// commonFlags are accepted by every command.
type commonFlags struct {
	config    string
	providers string
	brand     string
	jsonOut   bool
	logLevel  string
}

func newFlagSet(name string, output io.Writer) (*flag.FlagSet, *commonFlags) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(output)
	c := &commonFlags{}
	fs.StringVar(&c.config, "config", os.Getenv("LEASEQUEUE_CONFIG"), "YAML config file (default: built-in providers)")
	fs.StringVar(&c.providers, "provider", "", "comma-separated providers (default: all enabled)")
	fs.StringVar(&c.brand, "brand", "", "only listings of this make, e.g. Toyota")
	fs.BoolVar(&c.jsonOut, "json", false, "print JSON instead of text")
	fs.StringVar(&c.logLevel, "log-level", "info", "debug, info, warn or error")
	return fs, c
}

func (c *commonFlags) selector() incremental.Selector {
	sel := incremental.Selector{Brand: c.brand}
	for _, p := range strings.Split(c.providers, ",") {
		if p = strings.TrimSpace(p); p != "" {
			sel.Providers = append(sel.Providers, domain.Provider(p))
		}
	}
	return sel
}

// singleProvider returns the one provider a command operates on.
func (c *commonFlags) singleProvider() (domain.Provider, error) {
	sel := c.selector()
	if len(sel.Providers) != 1 {
		return "", errors.New("exactly one -provider is required")
	}
	return sel.Providers[0], nil
}

// app is everything a command needs, opened from the config.
type app struct {
	cfg     config.Config
	log     *slog.Logger
	cache   offercache.Cache
	queue   *queue.Queue
	engine  *incremental.Engine
	metrics *metrics.Registry
	nc      *nats.Conn
}

func openApp(ctx context.Context, flags *commonFlags) (*app, error) {
	level, err := parseLevel(flags.logLevel)
	if err != nil {
		return nil, err
	}
	log := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(log)

	cfg, err := config.Load(flags.config)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, log: log, metrics: metrics.New()}

	if a.cache, err = openCache(ctx, cfg, log); err != nil {
		return nil, err
	}
	if a.queue, err = queue.Open(cfg.QueueDir(), queue.Options{Logger: log}); err != nil {
		a.Close()
		return nil, err
	}

	reg := provider.NewRegistry()
	for _, p := range cfg.Enabled() {
		endpoint := p.Endpoint
		if endpoint == "" {
			endpoint = cfg.ScraperURL
		}
		if endpoint == "" {
			log.Debug("provider has no scraper endpoint", "provider", p.Name)
			continue
		}
		if err := reg.Register(p.Name, remote.New(p.Name, endpoint, remote.Options{Timeout: p.Timeout})); err != nil {
			a.Close()
			return nil, err
		}
	}

	opts := incremental.Options{Logger: log, Metrics: metrics.NewPipeline(a.metrics)}
	if cfg.NATSURL != "" {
		nc, err := nats.Connect(cfg.NATSURL, nats.Name("leasequeue"))
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("nats connect: %w", err)
		}
		a.nc = nc
		opts.Events = nc
	}

	if a.engine, err = incremental.New(cfg, reg, a.cache, a.queue, opts); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func openCache(ctx context.Context, cfg config.Config, log *slog.Logger) (offercache.Cache, error) {
	opts := offercache.Options{Logger: log}
	switch cfg.Cache.Backend {
	case config.CacheNeo4j:
		return offercache.OpenGraph(ctx, cfg.Cache.Neo4jURL, cfg.Cache.Neo4jUser, cfg.Cache.Neo4jPass, opts)
	case config.CachePostgres:
		return offercache.OpenPostgres(ctx, cfg.Cache.PostgresDSN, opts)
	default:
		return offercache.OpenFile(cfg.CacheDir(), opts)
	}
}

func (a *app) Close() {
	if a.nc != nil {
		if err := a.nc.Drain(); err != nil {
			a.log.Warn("nats drain", "err", err)
		}
	}
	if a.cache != nil {
		if err := a.cache.Close(); err != nil {
			a.log.Warn("close cache", "err", err)
		}
	}
}
