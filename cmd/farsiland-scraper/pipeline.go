package main

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"farsiland-scraper/pkg/cache"
	"farsiland-scraper/pkg/config"
	"farsiland-scraper/pkg/db"
	"farsiland-scraper/pkg/extract"
	"farsiland-scraper/pkg/fetch"
	applog "farsiland-scraper/pkg/log"
	"farsiland-scraper/pkg/notify"
	"farsiland-scraper/pkg/orchestrate"
	"farsiland-scraper/pkg/sitemap"
	"farsiland-scraper/pkg/storage"
	"farsiland-scraper/pkg/utils"
)

const ledgerGCInterval = 10 * time.Minute

// discovery holds the components needed to read the site: fetching, caching, ledger, sitemaps
type discovery struct {
	cfg        *config.AppConfig
	ledger     *storage.BadgerStore
	pages      orchestrate.PageFetcher
	discoverer *sitemap.Discoverer
}

// newDiscovery wires fetcher -> cache (-> robots gate) and the sitemap discoverer over the badger ledger
func newDiscovery(ctx context.Context, cfg *config.AppConfig, logger *logrus.Logger) (*discovery, error) {
	ledger, err := storage.NewBadgerStore(cfg.StateDir, cfg.Host(), applog.Component(logger, "ledger"))
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	go ledger.RunGC(ctx, ledgerGCInterval)

	fetchLog := applog.Component(logger, "fetch")
	httpClient := fetch.NewClient(cfg.HTTPClientSettings, fetchLog)
	rateLimiter := fetch.NewRateLimiter(cfg.DelayPerHost, fetchLog)
	fetcher := fetch.NewFetcher(httpClient, cfg, rateLimiter, fetchLog)

	pageCache, err := cache.New(cache.Options{Dir: cfg.CacheDir, TTL: cfg.CacheTTL}, fetcher, applog.Component(logger, "cache"))
	if err != nil {
		ledger.Close()
		return nil, fmt.Errorf("open page cache: %w", err)
	}

	robots := fetch.NewRobotsHandler(fetcher, cfg.UserAgent, applog.Component(logger, "robots"))
	var pages orchestrate.PageFetcher = pageCache
	if !cfg.IgnoreRobots {
		pages = fetch.NewRobotsGate(pageCache, robots, fetchLog)
	}

	discoverer := sitemap.NewDiscoverer(pageCache, ledger, sitemap.Options{
		BaseURL:     cfg.BaseURL,
		AllowedHost: cfg.Host(),
		MaxItems:    cfg.MaxItems,
	}, applog.Component(logger, "sitemap")).WithRobots(robots)

	return &discovery{cfg: cfg, ledger: ledger, pages: pages, discoverer: discoverer}, nil
}

func (d *discovery) Close() error {
	return d.ledger.Close()
}

// pipeline adds persistence and notification to discovery
type pipeline struct {
	*discovery
	store     *db.Store
	notifiers notify.Multi
}

func newPipeline(ctx context.Context, cfg *config.AppConfig, logger *logrus.Logger) (*pipeline, error) {
	d, err := newDiscovery(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	store, err := db.New(ctx, cfg.Database, applog.Component(logger, "db"))
	if err != nil {
		d.Close()
		return nil, err
	}
	if err := store.EnsureSchema(ctx); err != nil {
		store.Close()
		d.Close()
		return nil, err
	}

	notifiers := notify.Multi{notify.NewFileNotifier(cfg.EffectiveNotifyDir(), applog.Component(logger, "notify"))}
	if cfg.RabbitMQ.Enabled {
		mq, err := notify.NewRabbitMQ(cfg.RabbitMQ, applog.Component(logger, "rabbitmq"))
		if err != nil {
			store.Close()
			d.Close()
			return nil, err
		}
		notifiers = append(notifiers, mq)
	}

	return &pipeline{discovery: d, store: store, notifiers: notifiers}, nil
}

// orchestrator builds the run orchestrator over the pipeline's components
func (p *pipeline) orchestrator(opts orchestrate.Options, logger *logrus.Logger) *orchestrate.Orchestrator {
	return orchestrate.New(orchestrate.Deps{
		Discoverer: p.discoverer,
		Fetcher:    p.pages,
		Extractor:  extract.New(applog.Component(logger, "extract")),
		Store:      p.store,
		Ledger:     p.ledger,
		Notifier:   p.notifiers,
	}, opts, applog.Component(logger, "orchestrate"))
}

// writeFailureLog dumps the ledger's failed URLs next to the state
func (p *pipeline) writeFailureLog(ctx context.Context, log *logrus.Logger) {
	path := filepath.Join(p.cfg.StateDir, utils.HostFilename(p.cfg.Host())+"_failures.jsonl")
	n, err := p.ledger.WriteFailureLog(ctx, path)
	if err != nil {
		log.Errorf("Error writing failure log: %v", err)
		return
	}
	if n > 0 {
		log.Infof("Wrote %d failed URLs to %s", n, path)
	}
}

func (p *pipeline) Close(log *logrus.Logger) {
	if err := p.notifiers.Close(); err != nil {
		log.Warnf("Error closing notifiers: %v", err)
	}
	p.store.Close()
	if err := p.discovery.Close(); err != nil {
		log.Warnf("Error closing ledger: %v", err)
	}
}
