package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"farsiland-scraper/pkg/config"
	"farsiland-scraper/pkg/db"
	applog "farsiland-scraper/pkg/log"
	"farsiland-scraper/pkg/metrics"
	"farsiland-scraper/pkg/models"
	"farsiland-scraper/pkg/orchestrate"
	"farsiland-scraper/pkg/tracker"
	"farsiland-scraper/pkg/utils"
	"farsiland-scraper/pkg/watch"
)

const version = "0.4.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	args := os.Args[2:]
	switch os.Args[1] {
	case "run":
		os.Exit(runRun(args))
	case "discover":
		os.Exit(runDiscover(args))
	case "watch":
		os.Exit(runWatch(args))
	case "migrate":
		os.Exit(runMigrate(args))
	case "reset-tracker":
		os.Exit(runResetTracker(args))
	case "validate":
		runValidate(args)
	case "version":
		fmt.Printf("farsiland-scraper %s\n", version)
	case "-h", "--help", "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	printUsageTo(os.Stdout)
}

// printUsageTo writes usage information to the provided writer.
func printUsageTo(w io.Writer) {
	fmt.Fprintln(w, `farsiland-scraper - Farsiland catalogue scraper

Usage:
  farsiland-scraper <command> [options]

Commands:
  run            Run the pipeline once (discover, fetch, extract, store, notify)
  discover       Discover content URLs and print them
  watch          Run the pipeline whenever the site's feed changes
  migrate        Create the database schema
  reset-tracker  Forget which URLs were already reported as new
  validate       Validate configuration file
  version        Show version info

Run 'farsiland-scraper <command> -h' for command-specific help.`)
}

// loadConfig loads the config file and applies defaults. With requireDB false a missing
// database.url is tolerated, for commands that never touch Postgres.
func loadConfig(path string, requireDB bool) (*config.AppConfig, []string, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, err
	}
	warnings, err := cfg.Validate()
	if err != nil {
		if !requireDB && cfg.Database.URL == "" && errors.Is(err, utils.ErrConfigValidation) && strings.Contains(err.Error(), "database.url") {
			return cfg, warnings, nil
		}
		return nil, warnings, err
	}
	return cfg, warnings, nil
}

// setup creates the logger and loads the config; the -loglevel flag wins over log_level
func setup(configFile, logLevelFlag string, requireDB bool) (*config.AppConfig, *logrus.Logger, error) {
	cfg, warnings, err := loadConfig(configFile, requireDB)
	level := logLevelFlag
	if level == "" {
		level = "info"
		if cfg != nil {
			level = cfg.LogLevel
		}
	}
	log := applog.New(level, os.Stdout)
	log.Infof("Loading configuration from %s", configFile)
	for _, w := range warnings {
		log.Warn(w)
	}
	if err != nil {
		return nil, log, fmt.Errorf("config error: %w", err)
	}
	return cfg, log, nil
}

// signalContext cancels on SIGINT/SIGTERM; a second signal or a stalled shutdown forces exit
func signalContext(log *logrus.Logger) (context.Context, func()) {
	ctx, cancel := context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.Errorf("PANIC in signal handler: %v", r)
			}
		}()
		var sig os.Signal
		select {
		case sig = <-sigChan:
		case <-ctx.Done():
			return
		}
		log.Warnf("Received signal: %v. Initiating graceful shutdown...", sig)
		cancel()

		select {
		case sig = <-sigChan:
			log.Warnf("Received second signal: %v. Forcing exit.", sig)
			os.Exit(1)
		case <-time.After(30 * time.Second):
			log.Warn("Graceful shutdown period exceeded after signal. Forcing exit.")
			os.Exit(1)
		}
	}()

	return ctx, func() {
		signal.Stop(sigChan)
		cancel()
	}
}

// startMetrics serves /metrics on addr; nil when addr is empty
func startMetrics(addr string, log *logrus.Logger) *http.Server {
	if addr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		log.Infof("Serving metrics at http://%s/metrics", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("Metrics server error: %v", err)
		}
	}()
	return srv
}

func stopMetrics(srv *http.Server) {
	if srv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
}

// runRun handles the run subcommand
func runRun(args []string) int {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configFile := fs.String("config", "config.yaml", "Path to config file")
	logLevel := fs.String("loglevel", "", "Log level (debug, info, warn, error, fatal); overrides log_level")
	forceRefresh := fs.Bool("force-refresh", false, "Bypass the page cache for every fetch")
	localIndex := fs.String("local-index", "", "Discover from a local sitemap (XML) or index (JSON) instead of the network")
	reprocess := fs.Bool("reprocess", false, "Process every discovered URL, not only new or updated ones")
	failureLog := fs.Bool("write-failure-log", true, "Write failed URLs from the ledger after the run")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: farsiland-scraper run [options]\n\nOptions:\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return 1
	}

	cfg, log, err := setup(*configFile, *logLevel, true)
	if err != nil {
		log.Error(err)
		return 1
	}
	logAppConfig(cfg, log)

	ctx, stop := signalContext(log)
	defer stop()
	metricsSrv := startMetrics(cfg.MetricsAddr, log)
	defer stopMetrics(metricsSrv)

	log.Info("Initializing components...")
	p, err := newPipeline(ctx, cfg, log)
	if err != nil {
		log.Errorf("Failed to initialize pipeline: %v", err)
		return 1
	}
	defer p.Close(log)

	orch := p.orchestrator(orchestrate.Options{
		SitemapURL:     cfg.SitemapURL,
		LocalIndexFile: *localIndex,
		TrackerFile:    cfg.TrackerFile,
		NumWorkers:     cfg.NumWorkers,
		ReprocessAll:   cfg.ReprocessAll || *reprocess,
		ForceRefresh:   *forceRefresh,
	}, log)

	_, err = orch.Run(ctx)
	if *failureLog {
		p.writeFailureLog(context.WithoutCancel(ctx), log)
	}

	if err != nil {
		if errors.Is(err, context.Canceled) {
			log.Warn("Run cancelled gracefully.")
			return 0
		}
		log.Errorf("Run failed: %v", err)
		return 1
	}
	log.Info("Run completed successfully.")
	return 0
}

// runDiscover handles the discover subcommand
func runDiscover(args []string) int {
	fs := flag.NewFlagSet("discover", flag.ExitOnError)
	configFile := fs.String("config", "config.yaml", "Path to config file")
	logLevel := fs.String("loglevel", "", "Log level (debug, info, warn, error, fatal)")
	localIndex := fs.String("local-index", "", "Read a local sitemap (XML) or index (JSON)")
	asJSON := fs.Bool("json", false, "Print the discovered URLs as JSON instead of counts")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: farsiland-scraper discover [options]\n\nOptions:\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return 1
	}

	cfg, log, err := setup(*configFile, *logLevel, false)
	if err != nil {
		log.Error(err)
		return 1
	}
	if *asJSON {
		// Keep stdout clean for the JSON document
		log.SetOutput(os.Stderr)
	}

	ctx, stop := signalContext(log)
	defer stop()

	d, err := newDiscovery(ctx, cfg, log)
	if err != nil {
		log.Errorf("Failed to initialize discovery: %v", err)
		return 1
	}
	defer d.Close()

	result, err := d.discoverer.Discover(ctx, cfg.SitemapURL, *localIndex)
	if err != nil {
		log.Errorf("Discovery failed: %v", err)
		return 1
	}

	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(result); err != nil {
			log.Errorf("Encode result: %v", err)
			return 1
		}
		return 0
	}
	printDiscovery(os.Stdout, result)
	return 0
}

// printDiscovery writes per-type counts in processing order
func printDiscovery(w io.Writer, result map[models.ContentType][]models.DiscoveredURL) {
	total := 0
	for _, t := range models.AllContentTypes {
		fmt.Fprintf(w, "%-9s %d\n", t.String()+":", len(result[t]))
		total += len(result[t])
	}
	fmt.Fprintf(w, "%-9s %d\n", "total:", total)
}

// runWatch handles the watch subcommand
func runWatch(args []string) int {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	configFile := fs.String("config", "config.yaml", "Path to config file")
	logLevel := fs.String("loglevel", "", "Log level (debug, info, warn, error, fatal)")
	interval := fs.String("interval", "", "Run interval (e.g., 10m, 1h, 7d); overrides scrape_interval")
	force := fs.Bool("force", false, "Run on every interval even when the feed is unchanged")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: farsiland-scraper watch [options]\n\nOptions:\n")
		fs.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  farsiland-scraper watch --interval 30m\n")
		fmt.Fprintf(os.Stderr, "  farsiland-scraper watch --interval 1d --force\n")
	}
	if err := fs.Parse(args); err != nil {
		return 1
	}

	cfg, log, err := setup(*configFile, *logLevel, true)
	if err != nil {
		log.Error(err)
		return 1
	}
	if *interval != "" {
		d, err := watch.ParseInterval(*interval)
		if err != nil {
			log.Errorf("Invalid interval: %v", err)
			return 1
		}
		cfg.ScrapeInterval = d
	}
	logAppConfig(cfg, log)

	ctx, stop := signalContext(log)
	defer stop()
	metricsSrv := startMetrics(cfg.MetricsAddr, log)
	defer stopMetrics(metricsSrv)

	p, err := newPipeline(ctx, cfg, log)
	if err != nil {
		log.Errorf("Failed to initialize pipeline: %v", err)
		return 1
	}
	defer p.Close(log)

	orch := p.orchestrator(orchestrate.Options{
		SitemapURL:  cfg.SitemapURL,
		TrackerFile: cfg.TrackerFile,
		NumWorkers:  cfg.NumWorkers,
	}, log)
	scheduler := watch.NewScheduler(orch, p.discoverer, watch.Options{
		Interval:  cfg.ScrapeInterval,
		FeedURL:   cfg.FeedURL,
		Force:     *force,
		StateFile: cfg.WatchStateFile(),
	}, applog.Component(log, "watch"))

	if err := scheduler.Run(ctx); err != nil {
		log.Errorf("Watch scheduler error: %v", err)
		return 1
	}
	log.Info("Watch mode stopped.")
	return 0
}

// runMigrate handles the migrate subcommand
func runMigrate(args []string) int {
	fs := flag.NewFlagSet("migrate", flag.ExitOnError)
	configFile := fs.String("config", "config.yaml", "Path to config file")
	logLevel := fs.String("loglevel", "", "Log level (debug, info, warn, error, fatal)")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	cfg, log, err := setup(*configFile, *logLevel, true)
	if err != nil {
		log.Error(err)
		return 1
	}
	ctx, stop := signalContext(log)
	defer stop()

	store, err := db.New(ctx, cfg.Database, applog.Component(log, "db"))
	if err != nil {
		log.Errorf("Connect failed: %v", err)
		return 1
	}
	defer store.Close()

	if err := store.EnsureSchema(ctx); err != nil {
		log.Errorf("Migration failed: %v", err)
		return 1
	}
	log.Info("Schema is up to date.")
	return 0
}

// runResetTracker handles the reset-tracker subcommand
func runResetTracker(args []string) int {
	fs := flag.NewFlagSet("reset-tracker", flag.ExitOnError)
	configFile := fs.String("config", "config.yaml", "Path to config file")
	types := fs.String("type", "", "Comma-separated content types to reset (shows, episodes, movies); empty resets all")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	return doResetTracker(*configFile, *types, os.Stdout, os.Stderr)
}

// doResetTracker clears tracker buckets and writes output to the provided writers.
// Returns exit code (0 = success, 1 = error).
func doResetTracker(configPath, typeList string, stdout, stderr io.Writer) int {
	cfg, _, err := loadConfig(configPath, false)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	var selected []models.ContentType
	for _, name := range strings.Split(typeList, ",") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		t, err := models.ParseContentType(name)
		if err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		selected = append(selected, t)
	}

	if err := tracker.Reset(cfg.TrackerFile, selected...); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if len(selected) == 0 {
		fmt.Fprintf(stdout, "Reset all content types in %s\n", cfg.TrackerFile)
	} else {
		fmt.Fprintf(stdout, "Reset %v in %s\n", selected, cfg.TrackerFile)
	}
	return 0
}

// runValidate handles the validate subcommand
func runValidate(args []string) {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	configFile := fs.String("config", "config.yaml", "Path to config file")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: farsiland-scraper validate [options]\n\nOptions:\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	os.Exit(doValidate(*configFile, os.Stdout, os.Stderr))
}

// doValidate performs validation and writes output to provided writers.
// Returns exit code (0 = success, 1 = error).
func doValidate(configPath string, stdout, stderr io.Writer) int {
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	warnings, err := cfg.Validate()
	for _, w := range warnings {
		fmt.Fprintf(stdout, "WARN: %s\n", w)
	}
	if err != nil {
		fmt.Fprintf(stderr, "ERROR: %v\n", err)
		return 1
	}

	fmt.Fprintf(stdout, "OK: base_url %s, sitemap %s\n", cfg.BaseURL, cfg.SitemapURL)
	if cfg.RabbitMQ.Enabled {
		fmt.Fprintf(stdout, "OK: rabbitmq exchange %q, routing key %q\n", cfg.RabbitMQ.Exchange, cfg.RabbitMQ.RoutingKey)
	}
	fmt.Fprintln(stdout, "\nConfiguration valid.")
	return 0
}

// logAppConfig logs the effective configuration
func logAppConfig(cfg *config.AppConfig, log *logrus.Logger) {
	log.Infof("Config: BaseURL:%s, Sitemap:%s, Feed:%s", cfg.BaseURL, cfg.SitemapURL, cfg.FeedURL)
	log.Infof("Config: Workers:%d, MaxItems:%d, DelayPerHost:%v, IgnoreRobots:%t",
		cfg.NumWorkers, cfg.MaxItems, cfg.DelayPerHost, cfg.IgnoreRobots)
	log.Infof("Config Retries: MaxAttempts:%d, InitialDelay:%v, MaxDelay:%v, DB:%d",
		cfg.MaxAttempts, cfg.InitialRetryDelay, cfg.MaxRetryDelay, cfg.Database.MaxRetries)
	log.Infof("Config Paths: Cache:%s (ttl %v), State:%s, Tracker:%s, Notify:%s",
		cfg.CacheDir, cfg.CacheTTL, cfg.StateDir, cfg.TrackerFile, cfg.EffectiveNotifyDir())
	log.Infof("Config HTTP Client: Timeout:%v, MaxIdle:%d, MaxIdlePerHost:%d, IdleTimeout:%v",
		cfg.HTTPClientSettings.Timeout, cfg.HTTPClientSettings.MaxIdleConns,
		cfg.HTTPClientSettings.MaxIdleConnsPerHost, cfg.HTTPClientSettings.IdleConnTimeout)
	log.Infof("Config Interval:%s, RabbitMQ:%t, Metrics:%q",
		watch.FormatInterval(cfg.ScrapeInterval), cfg.RabbitMQ.Enabled, cfg.MetricsAddr)
}
