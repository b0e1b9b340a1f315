package fetch

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/temoto/robotstxt"

	"farsiland-scraper/pkg/utils"
)

// RobotsHandler manages fetching, parsing, caching, and checking robots.txt data
type RobotsHandler struct {
	fetcher       *Fetcher
	userAgent     string
	robotsCache   map[string]*robotstxt.RobotsData // hostname -> parsed data (or nil)
	robotsCacheMu sync.Mutex
	log           *logrus.Entry
}

// NewRobotsHandler creates a RobotsHandler
func NewRobotsHandler(fetcher *Fetcher, userAgent string, log *logrus.Entry) *RobotsHandler {
	return &RobotsHandler{
		fetcher:     fetcher,
		userAgent:   userAgent,
		robotsCache: make(map[string]*robotstxt.RobotsData),
		log:         log,
	}
}

// GetRobotsData retrieves robots.txt data for the targetURL's host, using cache or fetching.
// Returns nil on any error, 4xx or missing file; the nil result is cached too.
func (rh *RobotsHandler) GetRobotsData(ctx context.Context, targetURL *url.URL) *robotstxt.RobotsData {
	host := targetURL.Hostname()
	hostLog := rh.log.WithField("host", host)

	rh.robotsCacheMu.Lock()
	robotsData, found := rh.robotsCache[host]
	rh.robotsCacheMu.Unlock()
	if found {
		return robotsData
	}

	robotsURL := &url.URL{Scheme: targetURL.Scheme, Host: targetURL.Host, Path: "/robots.txt"}
	if targetURL.Scheme != "http" && targetURL.Scheme != "https" {
		hostLog.Warnf("Invalid scheme '%s', defaulting to https for robots.txt", targetURL.Scheme)
		robotsURL.Scheme = "https"
	}
	robotsLog := hostLog.WithField("robots_url", robotsURL.String())
	robotsLog.Info("Fetching robots.txt...")

	data := rh.fetchAndParse(ctx, robotsURL.String(), robotsLog)

	// A cancelled fetch says nothing about the file, so only cache definite outcomes
	if data == nil && ctx.Err() != nil {
		return nil
	}
	rh.robotsCacheMu.Lock()
	rh.robotsCache[host] = data
	rh.robotsCacheMu.Unlock()
	return data
}

func (rh *RobotsHandler) fetchAndParse(ctx context.Context, robotsURL string, robotsLog *logrus.Entry) *robotstxt.RobotsData {
	resp, err := rh.fetcher.Get(ctx, robotsURL)
	if err != nil {
		if errors.Is(err, utils.ErrClientHTTPError) {
			robotsLog.Info("No robots.txt (4xx), allowing all")
		} else {
			robotsLog.Errorf("Fetching robots.txt failed: %v", err)
		}
		return nil
	}

	data, err := robotstxt.FromBytes(resp.Body)
	if err != nil {
		robotsLog.Errorf("Error parsing content: %v", err)
		return nil
	}

	robotsLog.WithField("sitemaps", len(data.Sitemaps)).Info("Successfully fetched and parsed robots.txt")
	return data
}

// Allowed reports whether the configured user agent may fetch rawURL.
// Returns true when robots data could not be obtained or rawURL does not parse.
func (rh *RobotsHandler) Allowed(ctx context.Context, rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return true
	}
	robotsData := rh.GetRobotsData(ctx, u)
	if robotsData == nil {
		return true
	}
	return robotsData.TestAgent(u.RequestURI(), rh.userAgent)
}

// Sitemaps returns the Sitemap: directives of the site hosting baseURL
func (rh *RobotsHandler) Sitemaps(ctx context.Context, baseURL string) []string {
	u, err := url.Parse(baseURL)
	if err != nil || u.Host == "" {
		return nil
	}
	robotsData := rh.GetRobotsData(ctx, u)
	if robotsData == nil {
		return nil
	}
	return append([]string(nil), robotsData.Sitemaps...)
}

// PageSource returns page bodies; *cache.Cache implements it
type PageSource interface {
	Fetch(ctx context.Context, rawURL string, forceRefresh bool) ([]byte, error)
}

// RobotsGate refuses URLs that robots.txt disallows before they reach the source
type RobotsGate struct {
	source PageSource
	robots *RobotsHandler
	log    *logrus.Entry
}

// NewRobotsGate wraps source with a robots.txt check
func NewRobotsGate(source PageSource, robots *RobotsHandler, log *logrus.Entry) *RobotsGate {
	return &RobotsGate{source: source, robots: robots, log: log}
}

// Fetch returns utils.ErrRobotsDisallowed for disallowed URLs, otherwise delegates
func (g *RobotsGate) Fetch(ctx context.Context, rawURL string, forceRefresh bool) ([]byte, error) {
	if !g.robots.Allowed(ctx, rawURL) {
		g.log.WithField("url", rawURL).Warn("Disallowed by robots.txt, skipping")
		return nil, fmt.Errorf("%w: %s", utils.ErrRobotsDisallowed, rawURL)
	}
	return g.source.Fetch(ctx, rawURL, forceRefresh)
}
