// Package orchestrate runs one pass of the pipeline: discover, fetch, extract, persist,
// then record what was committed and announce what is new.
package orchestrate

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"farsiland-scraper/pkg/db"
	"farsiland-scraper/pkg/extract"
	"farsiland-scraper/pkg/metrics"
	"farsiland-scraper/pkg/models"
	"farsiland-scraper/pkg/notify"
	"farsiland-scraper/pkg/tracker"
	"farsiland-scraper/pkg/utils"
)

// Options controls a run
type Options struct {
	SitemapURL     string // Index to discover from ("" = robots.txt fallback)
	LocalIndexFile string // When set, discovery reads this file instead of the network
	TrackerFile    string
	NumWorkers     int
	ReprocessAll   bool // Process every discovered URL, not only new or updated ones
	ForceRefresh   bool // Bypass the page cache for every fetch
}

// Deps are the collaborators of a run. Ledger and Notifier may be nil.
type Deps struct {
	Discoverer Discoverer
	Fetcher    PageFetcher
	Extractor  extract.Extractor
	Store      Store
	Ledger     Ledger
	Notifier   Notifier
}

// TypeStats counts what happened to one content type during a run
type TypeStats struct {
	Discovered int // Candidates after discovery
	New        int // Candidates not in the tracker
	Queued     int // Scheduled for processing
	Committed  int // Persisted successfully
	Unchanged  int // Refetched but identical to the last persisted body
	Orphaned   int // Episodes stored without their show; retried next run
	HeldBack   int // Earlier non-retryable failure and the sitemap lastmod has not moved
	Failed     int
	Canceled   int // Not completed because the run was canceled
}

// RunResult summarizes a run
type RunResult struct {
	RunID         string
	StartedAt     time.Time
	Duration      time.Duration
	Types         map[models.ContentType]*TypeStats
	Failures      map[string]int                  // Error category -> count
	NewCommitted  map[models.ContentType][]string // First-time commits, in discovery order
	EpisodeCounts map[string]int                  // Recomputed counts per touched show
}

func newRunResult(runID string, started time.Time) *RunResult {
	r := &RunResult{
		RunID:         runID,
		StartedAt:     started,
		Types:         make(map[models.ContentType]*TypeStats, len(models.AllContentTypes)),
		Failures:      make(map[string]int),
		NewCommitted:  make(map[models.ContentType][]string, len(models.AllContentTypes)),
		EpisodeCounts: make(map[string]int),
	}
	for _, t := range models.AllContentTypes {
		r.Types[t] = &TypeStats{}
		r.NewCommitted[t] = []string{}
	}
	return r
}

// TotalNew is the number of first-time commits across types
func (r *RunResult) TotalNew() int {
	n := 0
	for _, urls := range r.NewCommitted {
		n += len(urls)
	}
	return n
}

// TotalFailed is the number of failed items across types
func (r *RunResult) TotalFailed() int {
	n := 0
	for _, s := range r.Types {
		n += s.Failed
	}
	return n
}

// Orchestrator executes pipeline runs
type Orchestrator struct {
	deps Deps
	opts Options
	log  *logrus.Entry
	now  func() time.Time
}

// New creates an Orchestrator; NumWorkers below 1 means 1
func New(deps Deps, opts Options, log *logrus.Entry) *Orchestrator {
	if opts.NumWorkers < 1 {
		opts.NumWorkers = 1
	}
	return &Orchestrator{deps: deps, opts: opts, log: log, now: time.Now}
}

// workItem is one URL scheduled for processing
type workItem struct {
	url     string
	lastMod string
	isNew   bool
	force   bool
}

// runState is shared by the workers of one run
type runState struct {
	mu        sync.Mutex
	result    *RunResult
	committed map[models.ContentType]map[string]bool
	touched   map[string]bool
}

func (s *runState) fail(t models.ContentType, err error) string {
	category := utils.CategorizeError(err)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.result.Types[t].Failed++
	s.result.Failures[category]++
	return category
}

// Run performs one pass. Discovery failure aborts before anything is written.
// On cancellation no new items are scheduled, in-flight items finish, and what was
// committed is still recorded; the context error is returned with the result.
func (o *Orchestrator) Run(ctx context.Context) (*RunResult, error) {
	started := o.now()
	runID := uuid.NewString()
	runLog := o.log.WithField("run_id", runID)
	runLog.Info("Starting run")

	state, err := tracker.Load(o.opts.TrackerFile)
	if err != nil {
		return nil, fmt.Errorf("load tracker: %w", err)
	}

	discovered, err := o.deps.Discoverer.Discover(ctx, o.opts.SitemapURL, o.opts.LocalIndexFile)
	if err != nil {
		runLog.Errorf("Discovery failed, run aborted: %v", err)
		return nil, err
	}

	rs := &runState{
		result:    newRunResult(runID, started),
		committed: make(map[models.ContentType]map[string]bool, len(models.AllContentTypes)),
		touched:   make(map[string]bool),
	}
	newByType := make(map[models.ContentType][]string, len(models.AllContentTypes))

	// Shows go first so episode parents exist when episodes are written
	for _, t := range models.AllContentTypes {
		rs.committed[t] = make(map[string]bool)
		entries := discovered[t]
		candidates := make([]string, 0, len(entries))
		for _, d := range entries {
			candidates = append(candidates, d.URL)
		}
		newByType[t] = tracker.Diff(state, t, candidates)

		stats := rs.result.Types[t]
		stats.Discovered = len(entries)
		stats.New = len(newByType[t])

		if ctx.Err() != nil {
			continue
		}
		items, heldBack := o.plan(ctx, t, entries, newByType[t], runLog)
		stats.Queued = len(items)
		stats.HeldBack = heldBack
		runLog.WithFields(logrus.Fields{"type": t, "discovered": stats.Discovered, "new": stats.New, "queued": stats.Queued}).
			Info("Processing content type")
		o.processBatch(ctx, t, items, rs, runLog)
	}

	// Bookkeeping below must complete even when the run was canceled
	bgCtx := context.WithoutCancel(ctx)
	o.recomputeCounts(bgCtx, rs, runLog)

	for _, t := range models.AllContentTypes {
		var committed []string
		for u := range rs.committed[t] {
			committed = append(committed, u)
		}
		sort.Strings(committed)
		state = tracker.Mark(state, t, committed)

		for _, u := range newByType[t] {
			if rs.committed[t][u] {
				rs.result.NewCommitted[t] = append(rs.result.NewCommitted[t], u)
			}
		}
		metrics.ObserveNewItems(t.String(), len(rs.result.NewCommitted[t]))
	}
	if err := tracker.Save(o.opts.TrackerFile, state); err != nil {
		rs.result.Duration = o.now().Sub(started)
		runLog.Errorf("Failed to save tracker: %v", err)
		return rs.result, fmt.Errorf("save tracker: %w", err)
	}

	o.notify(bgCtx, rs.result, runLog)

	rs.result.Duration = o.now().Sub(started)
	metrics.ObserveRunDuration(rs.result.Duration)
	o.logSummary(rs.result, runLog)

	if err := ctx.Err(); err != nil {
		return rs.result, err
	}
	return rs.result, nil
}

// plan selects the URLs of one type to process: new ones, ones whose sitemap lastmod moved
// past the ledger's, retryable earlier failures, orphaned episodes, or all of them with
// ReprocessAll. A URL whose last attempt failed for a non-retryable reason (parse, constraint,
// robots) is held back until its lastmod moves, even while it is still new to the tracker.
func (o *Orchestrator) plan(ctx context.Context, t models.ContentType, entries []models.DiscoveredURL, newURLs []string, runLog *logrus.Entry) (items []workItem, heldBack int) {
	isNew := make(map[string]bool, len(newURLs))
	for _, u := range newURLs {
		isNew[u] = true
	}

	retry := make(map[string]bool)
	if o.deps.Ledger != nil {
		retryable, err := o.deps.Ledger.Retryable(ctx, t)
		if err != nil {
			runLog.Warnf("Could not list retryable %s: %v", t, err)
		}
		for _, u := range retryable {
			retry[u] = true
		}
	}

	items = make([]workItem, 0, len(entries))
	for _, d := range entries {
		updated := o.deps.Ledger != nil && o.deps.Ledger.NeedsRefresh(d.URL, d.LastMod)
		if !isNew[d.URL] && !updated && !retry[d.URL] && !o.opts.ReprocessAll {
			continue
		}
		if isNew[d.URL] && !updated && !retry[d.URL] && !o.opts.ReprocessAll && o.failedPermanently(d.URL) {
			heldBack++
			continue
		}
		items = append(items, workItem{
			url:     d.URL,
			lastMod: d.LastMod,
			isNew:   isNew[d.URL],
			force:   o.opts.ForceRefresh || updated,
		})
	}
	if heldBack > 0 {
		runLog.WithField("type", t).Infof("Holding back %d URLs with unchanged pages that failed permanently", heldBack)
	}
	return items, heldBack
}

// failedPermanently reports whether the ledger's last attempt for url failed in a category
// that would fail the same way on the same page
func (o *Orchestrator) failedPermanently(url string) bool {
	if o.deps.Ledger == nil {
		return false
	}
	entry, found, err := o.deps.Ledger.Get(url)
	if err != nil || !found {
		return false
	}
	return entry.Status == models.ItemStatusFailure && !utils.IsRetryableCategory(entry.ErrorType)
}

// processBatch runs items through a bounded pool. Item errors are counted, never propagated.
func (o *Orchestrator) processBatch(ctx context.Context, t models.ContentType, items []workItem, rs *runState, runLog *logrus.Entry) {
	var g errgroup.Group
	g.SetLimit(o.opts.NumWorkers)

	for i, item := range items {
		if ctx.Err() != nil {
			rs.mu.Lock()
			rs.result.Types[t].Canceled += len(items) - i
			rs.mu.Unlock()
			runLog.Warnf("Run canceled, %d %s not scheduled", len(items)-i, t)
			break
		}
		g.Go(func() error {
			o.processItem(ctx, t, item, rs, runLog)
			return nil
		})
	}
	_ = g.Wait()
}

func (o *Orchestrator) processItem(ctx context.Context, t models.ContentType, item workItem, rs *runState, runLog *logrus.Entry) {
	itemLog := runLog.WithFields(logrus.Fields{"type": t, "url": item.url})
	if err := ctx.Err(); err != nil {
		o.handleFailure(t, item, err, rs, itemLog)
		return
	}

	body, err := o.deps.Fetcher.Fetch(ctx, item.url, item.force)
	if err != nil {
		o.handleFailure(t, item, err, rs, itemLog)
		return
	}
	hash := utils.CalculateBytesSHA256(body)

	if !item.isNew && !o.opts.ReprocessAll && o.unchanged(item.url, hash) {
		if err := o.recordSuccess(t, item, hash); err != nil {
			itemLog.Warnf("Ledger update failed: %v", err)
		}
		rs.mu.Lock()
		rs.result.Types[t].Unchanged++
		rs.committed[t][item.url] = true
		rs.mu.Unlock()
		itemLog.Debug("Content unchanged since last commit")
		return
	}

	var (
		touched  []string
		orphaned bool
	)
	switch t {
	case models.ContentTypeShow:
		var show *models.Show
		if show, err = o.deps.Extractor.Show(item.url, body); err == nil {
			show.LastMod = item.lastMod
			err = o.deps.Store.UpsertShow(ctx, show)
		}
	case models.ContentTypeEpisode:
		var ep *models.Episode
		if ep, err = o.deps.Extractor.Episode(item.url, body); err == nil {
			ep.LastMod = item.lastMod
			var write db.EpisodeWrite
			write, err = o.deps.Store.UpsertEpisode(ctx, ep)
			touched = write.TouchedShows()
			orphaned = write.Orphaned
		}
	case models.ContentTypeMovie:
		var movie *models.Movie
		if movie, err = o.deps.Extractor.Movie(item.url, body); err == nil {
			movie.LastMod = item.lastMod
			err = o.deps.Store.UpsertMovie(ctx, movie)
		}
	default:
		err = fmt.Errorf("unsupported content type %q", t)
	}
	if err != nil {
		o.handleFailure(t, item, err, rs, itemLog)
		return
	}

	if orphaned {
		o.recordOrphan(t, item, hash, touched, rs, itemLog)
		return
	}

	if err := o.recordSuccess(t, item, hash); err != nil {
		itemLog.Warnf("Ledger update failed: %v", err)
	}
	rs.mu.Lock()
	rs.result.Types[t].Committed++
	rs.committed[t][item.url] = true
	for _, show := range touched {
		rs.touched[show] = true
	}
	rs.mu.Unlock()
	itemLog.Debug("Committed")
}

func (o *Orchestrator) unchanged(url, hash string) bool {
	if o.deps.Ledger == nil {
		return false
	}
	entry, found, err := o.deps.Ledger.Get(url)
	if err != nil || !found {
		return false
	}
	return entry.Status == models.ItemStatusSuccess && entry.ContentHash == hash
}

func (o *Orchestrator) recordSuccess(t models.ContentType, item workItem, hash string) error {
	if o.deps.Ledger == nil {
		return nil
	}
	return o.deps.Ledger.RecordSuccess(item.url, t, item.lastMod, hash)
}

// recordOrphan keeps an episode stored without its show out of the tracker, so it is
// written again on later runs until the show exists and the link resolves
func (o *Orchestrator) recordOrphan(t models.ContentType, item workItem, hash string, touched []string, rs *runState, itemLog *logrus.Entry) {
	if o.deps.Ledger != nil {
		if err := o.deps.Ledger.RecordOrphan(item.url, t, item.lastMod, hash); err != nil {
			itemLog.Warnf("Ledger update failed: %v", err)
		}
	}
	rs.mu.Lock()
	rs.result.Types[t].Orphaned++
	for _, show := range touched {
		rs.touched[show] = true
	}
	rs.mu.Unlock()
	itemLog.Info("Stored without a show link; will retry next run")
}

// handleFailure counts the error and records it in the ledger; cancellation is only counted
func (o *Orchestrator) handleFailure(t models.ContentType, item workItem, err error, rs *runState, itemLog *logrus.Entry) {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		rs.mu.Lock()
		rs.result.Types[t].Canceled++
		rs.mu.Unlock()
		itemLog.Debugf("Canceled: %v", err)
		return
	}

	category := rs.fail(t, err)
	itemLog = itemLog.WithField("error_type", category)
	switch {
	case errors.Is(err, utils.ErrParsing):
		itemLog.Warnf("Extraction failed, skipping: %v", err)
	case errors.Is(err, utils.ErrFetchFailed):
		itemLog.Warnf("Fetch failed: %v", err)
	default:
		itemLog.Errorf("Processing failed: %v", err)
	}

	if o.deps.Ledger != nil {
		if lerr := o.deps.Ledger.RecordFailure(item.url, t, item.lastMod, category); lerr != nil {
			itemLog.Warnf("Ledger update failed: %v", lerr)
		}
	}
}

// recomputeCounts refreshes episode_count once per show touched by the episode batch
func (o *Orchestrator) recomputeCounts(ctx context.Context, rs *runState, runLog *logrus.Entry) {
	if len(rs.touched) == 0 {
		return
	}
	shows := make([]string, 0, len(rs.touched))
	for s := range rs.touched {
		shows = append(shows, s)
	}
	sort.Strings(shows)

	for _, show := range shows {
		count, err := o.deps.Store.RecomputeEpisodeCount(ctx, show)
		if err != nil {
			category := utils.CategorizeError(err)
			rs.result.Failures[category]++
			runLog.WithFields(logrus.Fields{"show_url": show, "error_type": category}).
				Errorf("Episode count recompute failed: %v", err)
			continue
		}
		rs.result.EpisodeCounts[show] = count
	}
	runLog.Infof("Recomputed episode counts for %d shows", len(shows))
}

func (o *Orchestrator) notify(ctx context.Context, result *RunResult, runLog *logrus.Entry) {
	if o.deps.Notifier == nil || result.TotalNew() == 0 {
		return
	}
	batch := notify.NewBatch(result.RunID, result.NewCommitted, o.now())
	if err := o.deps.Notifier.Notify(ctx, batch); err != nil {
		result.Failures[utils.CategorizeError(err)]++
		runLog.Errorf("Notification failed: %v", err)
		return
	}
	runLog.Infof("Notified %s of %d new items", o.deps.Notifier.Name(), batch.Total())
}

// logSummary logs the end-of-run banner
func (o *Orchestrator) logSummary(r *RunResult, runLog *logrus.Entry) {
	runLog.Info("============================================")
	runLog.Infof("Run completed in %v", r.Duration.Round(time.Millisecond))
	for _, t := range models.AllContentTypes {
		s := r.Types[t]
		runLog.Infof("  %-8s discovered=%d new=%d queued=%d committed=%d unchanged=%d orphaned=%d held_back=%d failed=%d canceled=%d",
			t, s.Discovered, s.New, s.Queued, s.Committed, s.Unchanged, s.Orphaned, s.HeldBack, s.Failed, s.Canceled)
	}
	if len(r.Failures) > 0 {
		runLog.Info("Failures by category:")
		categories := make([]string, 0, len(r.Failures))
		for c := range r.Failures {
			categories = append(categories, c)
		}
		sort.Strings(categories)
		for _, c := range categories {
			runLog.Infof("    %s: %d", c, r.Failures[c])
		}
	}
	runLog.Info("--------------------------------------------")
	runLog.Infof("Total: %d new items, %d failed", r.TotalNew(), r.TotalFailed())
	runLog.Info("============================================")
}
