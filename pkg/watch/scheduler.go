// Package watch runs the pipeline periodically, skipping runs while the site's feed is unchanged.
package watch

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"farsiland-scraper/pkg/orchestrate"
)

// ErrRunInProgress is returned by Tick when the previous run has not finished
var ErrRunInProgress = errors.New("a run is already in progress")

// Runner performs one pipeline run; *orchestrate.Orchestrator implements it
type Runner interface {
	Run(ctx context.Context) (*orchestrate.RunResult, error)
}

// FeedChecker reports whether the site changed; *sitemap.Discoverer implements it
type FeedChecker interface {
	CheckForUpdates(ctx context.Context, feedURL string) (bool, error)
	CommitFeedCheck() error
}

// Options configures a Scheduler
type Options struct {
	Interval  time.Duration
	FeedURL   string // "" disables the feed check
	Force     bool   // Run on every tick regardless of the feed
	StateFile string
}

// Scheduler manages periodic runs
type Scheduler struct {
	runner       Runner
	feed         FeedChecker // may be nil
	opts         Options
	log          *logrus.Entry
	stateManager *StateManager
	gate         *semaphore.Weighted
	now          func() time.Time

	wg sync.WaitGroup
}

// NewScheduler creates a watch scheduler. feed may be nil.
func NewScheduler(runner Runner, feed FeedChecker, opts Options, log *logrus.Entry) *Scheduler {
	return &Scheduler{
		runner:       runner,
		feed:         feed,
		opts:         opts,
		log:          log,
		stateManager: NewStateManager(opts.StateFile),
		gate:         semaphore.NewWeighted(1),
		now:          time.Now,
	}
}

// Run loads the saved state, runs immediately when due, then re-checks on a ticker
// until ctx is canceled. An in-flight run is waited for before returning.
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.stateManager.Load(); err != nil {
		s.log.Warnf("Failed to load watch state: %v (starting fresh)", err)
	}

	s.log.Infof("Starting watch mode with interval %s", FormatInterval(s.opts.Interval))
	s.logSchedule()
	s.runIfDue(ctx)

	ticker := time.NewTicker(s.calculateTickInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info("Watch scheduler shutting down...")
			s.wg.Wait()
			return nil
		case <-ticker.C:
			s.runIfDue(ctx)
		}
	}
}

// State returns the last recorded run state
func (s *Scheduler) State() RunState {
	return s.stateManager.Get()
}

func (s *Scheduler) runIfDue(ctx context.Context) {
	if !s.stateManager.ShouldRun(s.opts.Interval, s.now()) {
		s.logNextRun()
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if _, err := s.Tick(ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.log.Errorf("Scheduled run failed: %v", err)
		}
		s.logNextRun()
	}()
}

// Tick performs one scheduling cycle: feed check, run, state update.
// It reports whether a run happened. Overlapping calls return ErrRunInProgress.
func (s *Scheduler) Tick(ctx context.Context) (bool, error) {
	if !s.gate.TryAcquire(1) {
		s.log.Warn("Previous run still in progress, skipping tick")
		return false, ErrRunInProgress
	}
	defer s.gate.Release(1)

	if !s.opts.Force && s.feed != nil && s.opts.FeedURL != "" {
		updated, err := s.feed.CheckForUpdates(ctx, s.opts.FeedURL)
		if err != nil {
			s.log.Warnf("Feed check failed, running anyway: %v", err)
		}
		if !updated {
			s.log.Info("Site unchanged, skipping run")
			s.stateManager.RecordSkip(s.now())
			s.saveState()
			return false, nil
		}
	}

	result, runErr := s.runner.Run(ctx)
	s.stateManager.RecordRun(result, runErr, s.now())
	if runErr == nil && s.feed != nil {
		if err := s.feed.CommitFeedCheck(); err != nil {
			s.log.Warnf("Failed to record feed build date: %v", err)
		}
	}
	s.saveState()

	if runErr != nil {
		return true, fmt.Errorf("run: %w", runErr)
	}
	return true, nil
}

func (s *Scheduler) saveState() {
	if err := s.stateManager.Save(s.now()); err != nil {
		s.log.Errorf("Failed to save watch state: %v", err)
	}
}

// calculateTickInterval returns how often to check whether a run is due
func (s *Scheduler) calculateTickInterval() time.Duration {
	// Check at least every minute, or every 1/10th of the interval
	checkInterval := s.opts.Interval / 10
	if checkInterval < time.Minute {
		checkInterval = time.Minute
	}
	if checkInterval > 10*time.Minute {
		checkInterval = 10 * time.Minute
	}
	return checkInterval
}

func (s *Scheduler) logSchedule() {
	st := s.stateManager.Get()
	if st.LastRunTime.IsZero() {
		s.log.Info("Never run, will run immediately")
		return
	}
	status := "success"
	if !st.LastRunSuccess {
		status = "failed"
	}
	s.log.Infof("Last run %s (%s, %d failed), next run %s",
		st.LastRunTime.Format(time.RFC3339), status, st.Failed,
		s.stateManager.NextRunTime(s.opts.Interval, s.now()).Format(time.RFC3339))
}

func (s *Scheduler) logNextRun() {
	next := s.stateManager.NextRunTime(s.opts.Interval, s.now())
	until := next.Sub(s.now())
	if until < 0 {
		until = 0
	}
	s.log.Infof("Next run in %v (at %s)", until.Round(time.Second), next.Format("15:04:05"))
}

// FormatInterval formats a duration for display
func FormatInterval(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm", int(d.Minutes()))
	}
	if d < 24*time.Hour {
		hours := int(d.Hours())
		mins := int(d.Minutes()) % 60
		if mins > 0 {
			return fmt.Sprintf("%dh%dm", hours, mins)
		}
		return fmt.Sprintf("%dh", hours)
	}
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	if hours > 0 {
		return fmt.Sprintf("%dd%dh", days, hours)
	}
	return fmt.Sprintf("%dd", days)
}

var dayPrefix = regexp.MustCompile(`^(\d+)d(.*)$`)

// ParseInterval parses a duration with an optional leading day count ("7d", "1d12h")
func ParseInterval(s string) (time.Duration, error) {
	if d, err := time.ParseDuration(s); err == nil {
		if d <= 0 {
			return 0, fmt.Errorf("interval must be positive: %s", s)
		}
		return d, nil
	}

	m := dayPrefix.FindStringSubmatch(s)
	if m == nil {
		return 0, fmt.Errorf("invalid interval format: %s (examples: 30m, 1h, 24h, 7d)", s)
	}
	days, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, fmt.Errorf("invalid interval format: %s", s)
	}
	d := time.Duration(days) * 24 * time.Hour
	if m[2] != "" {
		extra, err := time.ParseDuration(m[2])
		if err != nil {
			return 0, fmt.Errorf("invalid interval format: %s", s)
		}
		d += extra
	}
	if d <= 0 {
		return 0, fmt.Errorf("interval must be positive: %s", s)
	}
	return d, nil
}
