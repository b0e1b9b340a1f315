package sitemap

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"farsiland-scraper/pkg/metrics"
	"farsiland-scraper/pkg/models"
	"farsiland-scraper/pkg/parse"
	"farsiland-scraper/pkg/storage"
	"farsiland-scraper/pkg/utils"
)

const (
	maxDepth         = 2 // Index plus one level of child sitemaps
	childConcurrency = 4
)

// Fetcher returns document bodies; *cache.Cache implements it
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string, forceRefresh bool) ([]byte, error)
}

// SitemapLister reports sitemap URLs advertised by the site; *fetch.RobotsHandler implements it
type SitemapLister interface {
	Sitemaps(ctx context.Context, baseURL string) []string
}

// Result maps each content type to its discovered URLs in first-seen order
type Result map[models.ContentType][]models.DiscoveredURL

// Total returns the number of URLs across all buckets
func (r Result) Total() int {
	n := 0
	for _, urls := range r {
		n += len(urls)
	}
	return n
}

// URLs returns the normalized URLs of one bucket
func (r Result) URLs(t models.ContentType) []string {
	out := make([]string, 0, len(r[t]))
	for _, d := range r[t] {
		out = append(out, d.URL)
	}
	return out
}

// LastMod returns the lastmod recorded for a URL of type t, or ""
func (r Result) LastMod(t models.ContentType, url string) string {
	for _, d := range r[t] {
		if d.URL == url {
			return d.LastMod
		}
	}
	return ""
}

// DiscoveryError reports the document that made discovery fail
type DiscoveryError struct {
	Source string // URL or file path of the failing document
	Err    error
}

func (e *DiscoveryError) Error() string {
	return fmt.Sprintf("discovery failed at %s: %v", e.Source, e.Err)
}

func (e *DiscoveryError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, utils.ErrDiscoveryFailed) true
func (e *DiscoveryError) Is(target error) bool { return target == utils.ErrDiscoveryFailed }

// Options configures a Discoverer
type Options struct {
	BaseURL     string // Used for the robots.txt fallback
	AllowedHost string // URLs on other hosts are discarded
	MaxItems    int    // Per-bucket cap after dedup; 0 = unlimited
}

// Discoverer turns the site's sitemap index into classified, normalized URL buckets
type Discoverer struct {
	fetcher Fetcher
	meta    storage.MetaStore // nil disables child sitemap lastmod tracking
	robots  SitemapLister
	opts    Options
	log     *logrus.Entry

	mu           sync.Mutex
	pendingBuild string // Feed build date observed by CheckForUpdates, committed later
}

// NewDiscoverer creates a Discoverer. meta may be nil.
func NewDiscoverer(fetcher Fetcher, meta storage.MetaStore, opts Options, log *logrus.Entry) *Discoverer {
	return &Discoverer{
		fetcher: fetcher,
		meta:    meta,
		opts:    opts,
		log:     log,
	}
}

// WithRobots enables the robots.txt Sitemap: fallback used when no index URL is given
func (d *Discoverer) WithRobots(r SitemapLister) *Discoverer {
	d.robots = r
	return d
}

// Discover builds the candidate set. With localIndexFile set, only that file (and
// sitemaps next to it) is read. Any fetch or parse failure fails the whole call.
func (d *Discoverer) Discover(ctx context.Context, indexURL, localIndexFile string) (Result, error) {
	if localIndexFile != "" {
		return d.discoverLocal(ctx, localIndexFile)
	}

	roots := []string{indexURL}
	if indexURL == "" {
		if d.robots == nil {
			return nil, &DiscoveryError{Source: "(none)", Err: fmt.Errorf("no sitemap index URL configured")}
		}
		roots = d.robots.Sitemaps(ctx, d.opts.BaseURL)
		if len(roots) == 0 {
			return nil, &DiscoveryError{Source: d.opts.BaseURL + "/robots.txt", Err: fmt.Errorf("no Sitemap entries found")}
		}
		d.log.Infof("Using %d sitemap(s) listed in robots.txt", len(roots))
	}

	w := &walker{
		d:       d,
		load:    d.fetchDocument,
		resolve: func(loc string) (string, bool) { return parse.NormalizeOrRaw(loc), true },
		acc:     newAccumulator(),
	}
	for _, root := range roots {
		if err := w.walk(ctx, root, 1, true); err != nil {
			return nil, err
		}
	}

	if err := d.commitSitemapMeta(w.seenChildren); err != nil {
		d.log.Warnf("Could not record child sitemap lastmod values: %v", err)
	}
	return d.finish(w.acc), nil
}

func (d *Discoverer) fetchDocument(ctx context.Context, loc string, force bool) ([]byte, error) {
	return d.fetcher.Fetch(ctx, loc, force)
}

// childForceRefresh reports whether a child sitemap must bypass the cache:
// its lastmod is newer than the recorded one, or nothing was recorded.
func (d *Discoverer) childForceRefresh(loc, lastMod string) bool {
	if d.meta == nil || lastMod == "" {
		return true
	}
	recorded, found, err := d.meta.GetMeta(storage.MetaSitemapPrefix + loc)
	if err != nil {
		d.log.WithField("sitemap_url", loc).Warnf("Ledger lookup failed, refreshing: %v", err)
		return true
	}
	if !found {
		return true
	}
	return parse.LastModAfter(lastMod, recorded)
}

func (d *Discoverer) commitSitemapMeta(children []parse.XMLSitemap) error {
	if d.meta == nil {
		return nil
	}
	for _, child := range children {
		if child.LastMod == "" {
			continue
		}
		if err := d.meta.SetMeta(storage.MetaSitemapPrefix+child.Loc, child.LastMod); err != nil {
			return err
		}
	}
	return nil
}

// finish applies the per-bucket cap, records metrics and logs the counts
func (d *Discoverer) finish(acc *accumulator) Result {
	result := acc.result()
	for _, t := range models.AllContentTypes {
		if d.opts.MaxItems > 0 && len(result[t]) > d.opts.MaxItems {
			d.log.Infof("Capping %s from %d to %d URLs (max_items)", t, len(result[t]), d.opts.MaxItems)
			result[t] = result[t][:d.opts.MaxItems]
		}
		metrics.ObserveDiscovered(t.String(), len(result[t]))
	}
	d.log.WithFields(logrus.Fields{
		"shows":    len(result[models.ContentTypeShow]),
		"movies":   len(result[models.ContentTypeMovie]),
		"episodes": len(result[models.ContentTypeEpisode]),
	}).Info("Discovery complete")
	return result
}

// walker recursively reads sitemap documents from one source (network or disk)
type walker struct {
	d       *Discoverer
	load    func(ctx context.Context, loc string, force bool) ([]byte, error)
	resolve func(loc string) (string, bool) // Maps a child <loc> to something load accepts
	acc     *accumulator
	local   bool // Documents come from disk; no cache or ledger involvement

	mu           sync.Mutex
	seenChildren []parse.XMLSitemap
}

func (w *walker) walk(ctx context.Context, loc string, depth int, force bool) error {
	sitemapLog := w.d.log.WithFields(logrus.Fields{"sitemap_url": loc, "depth": depth})

	if err := ctx.Err(); err != nil {
		return &DiscoveryError{Source: loc, Err: err}
	}

	body, err := w.load(ctx, loc, force)
	if err != nil {
		sitemapLog.Errorf("Fetch failed: %v", err)
		return &DiscoveryError{Source: loc, Err: err}
	}
	sm, err := parse.ParseSitemap(body)
	if err != nil {
		sitemapLog.Errorf("Parse failed: %v", err)
		return &DiscoveryError{Source: loc, Err: err}
	}

	if !sm.IsIndex {
		accepted := w.acc.addURLSet(sm.URLs, w.d.opts.AllowedHost)
		sitemapLog.Infof("Parsed as URL Set: %d URLs, %d classified", len(sm.URLs), accepted)
		return nil
	}

	if depth >= maxDepth {
		sitemapLog.Warnf("Nested sitemap index beyond depth %d ignored (%d references)", maxDepth, len(sm.Sitemaps))
		return nil
	}
	sitemapLog.Infof("Parsed as Sitemap Index, found %d references.", len(sm.Sitemaps))

	type child struct {
		loc     string
		lastMod string
		force   bool
	}
	var children []child
	for _, ref := range sm.Sitemaps {
		if skipChildSitemap(ref.Loc) {
			sitemapLog.Debugf("Skipping non-content sitemap: %s", ref.Loc)
			continue
		}
		resolved, ok := w.resolve(ref.Loc)
		if !ok {
			sitemapLog.Warnf("Skipping unresolvable nested sitemap: %s", ref.Loc)
			continue
		}
		children = append(children, child{
			loc:     resolved,
			lastMod: ref.LastMod,
			force:   !w.local && w.d.childForceRefresh(resolved, ref.LastMod),
		})
	}

	// Children are read concurrently but merged in document order to keep first-seen order
	subs := make([]*accumulator, len(children))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(childConcurrency)
	for i, c := range children {
		subs[i] = newAccumulator()
		sub := &walker{d: w.d, load: w.load, resolve: w.resolve, acc: subs[i], local: w.local}
		g.Go(func() error {
			if err := sub.walk(gctx, c.loc, depth+1, c.force); err != nil {
				return err
			}
			w.mu.Lock()
			w.seenChildren = append(w.seenChildren, parse.XMLSitemap{Loc: c.loc, LastMod: c.lastMod})
			w.seenChildren = append(w.seenChildren, sub.seenChildren...)
			w.mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	for _, sub := range subs {
		w.acc.merge(sub)
	}
	return nil
}

// accumulator dedups classified URLs per bucket, keeping first-seen order
type accumulator struct {
	buckets map[models.ContentType][]models.DiscoveredURL
	index   map[models.ContentType]map[string]int
}

func newAccumulator() *accumulator {
	a := &accumulator{
		buckets: make(map[models.ContentType][]models.DiscoveredURL),
		index:   make(map[models.ContentType]map[string]int),
	}
	for _, t := range models.AllContentTypes {
		a.buckets[t] = []models.DiscoveredURL{}
		a.index[t] = make(map[string]int)
	}
	return a
}

// add inserts u, or updates the kept entry's lastmod when u carries a newer one
func (a *accumulator) add(u models.DiscoveredURL) {
	if i, dup := a.index[u.Type][u.URL]; dup {
		kept := &a.buckets[u.Type][i]
		if parse.LastModAfter(u.LastMod, kept.LastMod) {
			kept.LastMod = u.LastMod
		}
		return
	}
	a.index[u.Type][u.URL] = len(a.buckets[u.Type])
	a.buckets[u.Type] = append(a.buckets[u.Type], u)
}

func (a *accumulator) addURLSet(urls []parse.XMLURL, allowedHost string) int {
	accepted := 0
	for _, entry := range urls {
		t, normalized, ok := Classify(entry.Loc, allowedHost)
		if !ok {
			continue
		}
		a.add(models.DiscoveredURL{Type: t, URL: normalized, LastMod: entry.LastMod})
		accepted++
	}
	return accepted
}

func (a *accumulator) merge(other *accumulator) {
	for _, t := range models.AllContentTypes {
		for _, u := range other.buckets[t] {
			a.add(u)
		}
	}
}

func (a *accumulator) result() Result {
	out := make(Result, len(models.AllContentTypes))
	for _, t := range models.AllContentTypes {
		out[t] = a.buckets[t]
	}
	return out
}
