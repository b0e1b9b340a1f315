package watch

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"farsiland-scraper/pkg/models"
	"farsiland-scraper/pkg/orchestrate"
)

func testLogger() *logrus.Entry {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return logrus.NewEntry(log)
}

type fakeRunner struct {
	mu     sync.Mutex
	calls  int
	err    error
	result *orchestrate.RunResult
	block  chan struct{} // when set, Run waits on it
}

func (f *fakeRunner) Run(ctx context.Context) (*orchestrate.RunResult, error) {
	f.mu.Lock()
	f.calls++
	block := f.block
	f.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return f.result, f.err
}

func (f *fakeRunner) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeFeed struct {
	updated   bool
	err       error
	checks    int
	committed int
}

func (f *fakeFeed) CheckForUpdates(context.Context, string) (bool, error) {
	f.checks++
	return f.updated, f.err
}

func (f *fakeFeed) CommitFeedCheck() error {
	f.committed++
	return nil
}

func runResult() *orchestrate.RunResult {
	return &orchestrate.RunResult{
		RunID: "run-1",
		Types: map[models.ContentType]*orchestrate.TypeStats{
			models.ContentTypeShow: {Failed: 1},
		},
		NewCommitted: map[models.ContentType][]string{
			models.ContentTypeShow:    {"https://farsiland.com/tvshows/a/"},
			models.ContentTypeEpisode: {},
		},
	}
}

func newTestScheduler(t *testing.T, runner Runner, feed FeedChecker, force bool) *Scheduler {
	t.Helper()
	s := NewScheduler(runner, feed, Options{
		Interval:  time.Hour,
		FeedURL:   "https://farsiland.com/feed",
		Force:     force,
		StateFile: filepath.Join(t.TempDir(), "watch_state.json"),
	}, testLogger())
	s.now = func() time.Time { return time.Date(2025, 4, 1, 8, 0, 0, 0, time.UTC) }
	return s
}

func TestParseInterval(t *testing.T) {
	tests := []struct {
		input    string
		expected time.Duration
		wantErr  bool
	}{
		{"30s", 30 * time.Second, false},
		{"10m", 10 * time.Minute, false},
		{"24h", 24 * time.Hour, false},
		{"1d", 24 * time.Hour, false},
		{"7d", 7 * 24 * time.Hour, false},
		{"1d12h", 36 * time.Hour, false},
		{"2d30m", 48*time.Hour + 30*time.Minute, false},
		{"0s", 0, true},
		{"0d", 0, true},
		{"1dx", 0, true},
		{"d", 0, true},
		{"invalid", 0, true},
		{"", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseInterval(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Errorf("ParseInterval(%q) expected error, got nil", tt.input)
				}
				return
			}
			if err != nil {
				t.Errorf("ParseInterval(%q) unexpected error: %v", tt.input, err)
				return
			}
			if got != tt.expected {
				t.Errorf("ParseInterval(%q) = %v, want %v", tt.input, got, tt.expected)
			}
		})
	}
}

func TestFormatInterval(t *testing.T) {
	tests := []struct {
		input    time.Duration
		expected string
	}{
		{45 * time.Second, "45s"},
		{10 * time.Minute, "10m"},
		{2 * time.Hour, "2h"},
		{90 * time.Minute, "1h30m"},
		{24 * time.Hour, "1d"},
		{36 * time.Hour, "1d12h"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			if got := FormatInterval(tt.input); got != tt.expected {
				t.Errorf("FormatInterval(%v) = %q, want %q", tt.input, got, tt.expected)
			}
		})
	}
}

func TestStateManager_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "watch_state.json")
	now := time.Date(2025, 4, 1, 8, 0, 0, 0, time.UTC)

	sm := NewStateManager(path)
	require.NoError(t, sm.Load(), "missing file is not an error")
	assert.True(t, sm.ShouldRun(time.Hour, now))
	assert.Equal(t, now, sm.NextRunTime(time.Hour, now))

	sm.RecordRun(runResult(), nil, now)
	assert.False(t, sm.ShouldRun(time.Hour, now.Add(59*time.Minute)))
	assert.True(t, sm.ShouldRun(time.Hour, now.Add(time.Hour)))
	require.NoError(t, sm.Save(now))

	loaded := NewStateManager(path)
	require.NoError(t, loaded.Load())
	st := loaded.Get()
	assert.Equal(t, "run-1", st.LastRunID)
	assert.True(t, st.LastRunSuccess)
	assert.Equal(t, 1, st.Failed)
	assert.Equal(t, 1, st.NewItems[models.ContentTypeShow])
	assert.True(t, st.LastRunTime.Equal(now))
}

func TestStateManager_RecordFailedRun(t *testing.T) {
	sm := NewStateManager(filepath.Join(t.TempDir(), "watch_state.json"))
	now := time.Date(2025, 4, 1, 8, 0, 0, 0, time.UTC)

	sm.RecordRun(nil, errors.New("discovery failed"), now)
	st := sm.Get()
	assert.False(t, st.LastRunSuccess)
	assert.Equal(t, "discovery failed", st.ErrorMessage)
	assert.Empty(t, st.LastRunID)
}

func TestStateManager_SkipDelaysNextRun(t *testing.T) {
	sm := NewStateManager(filepath.Join(t.TempDir(), "watch_state.json"))
	now := time.Date(2025, 4, 1, 8, 0, 0, 0, time.UTC)

	sm.RecordRun(runResult(), nil, now)
	sm.RecordSkip(now.Add(time.Hour))
	assert.False(t, sm.ShouldRun(time.Hour, now.Add(90*time.Minute)))
	assert.Equal(t, now.Add(2*time.Hour), sm.NextRunTime(time.Hour, now))
}

func TestStateManager_CorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "watch_state.json")
	sm := NewStateManager(path)
	require.NoError(t, sm.Save(time.Now()))
	require.NoError(t, os.WriteFile(path, []byte("{oops"), 0o644))

	assert.Error(t, NewStateManager(path).Load())
}

func TestTick_SkipsWhenFeedUnchanged(t *testing.T) {
	runner := &fakeRunner{result: runResult()}
	feed := &fakeFeed{updated: false}
	s := newTestScheduler(t, runner, feed, false)

	ran, err := s.Tick(context.Background())
	require.NoError(t, err)
	assert.False(t, ran)
	assert.Equal(t, 0, runner.Calls())
	assert.Equal(t, 1, feed.checks)
	assert.Equal(t, 0, feed.committed)
	assert.False(t, s.State().LastSkipTime.IsZero())
}

func TestTick_RunsAndCommitsFeed(t *testing.T) {
	runner := &fakeRunner{result: runResult()}
	feed := &fakeFeed{updated: true}
	s := newTestScheduler(t, runner, feed, false)

	ran, err := s.Tick(context.Background())
	require.NoError(t, err)
	assert.True(t, ran)
	assert.Equal(t, 1, runner.Calls())
	assert.Equal(t, 1, feed.committed)

	reloaded := NewStateManager(s.opts.StateFile)
	require.NoError(t, reloaded.Load())
	assert.Equal(t, "run-1", reloaded.Get().LastRunID)
}

func TestTick_FeedErrorStillRuns(t *testing.T) {
	runner := &fakeRunner{result: runResult()}
	feed := &fakeFeed{updated: true, err: errors.New("feed unreachable")}
	s := newTestScheduler(t, runner, feed, false)

	ran, err := s.Tick(context.Background())
	require.NoError(t, err)
	assert.True(t, ran)
	assert.Equal(t, 1, runner.Calls())
}

func TestTick_FailedRunKeepsFeedUncommitted(t *testing.T) {
	runner := &fakeRunner{err: errors.New("boom")}
	feed := &fakeFeed{updated: true}
	s := newTestScheduler(t, runner, feed, false)

	ran, err := s.Tick(context.Background())
	assert.True(t, ran)
	assert.ErrorContains(t, err, "boom")
	assert.Equal(t, 0, feed.committed)
	assert.False(t, s.State().LastRunSuccess)
}

func TestTick_ForceIgnoresFeed(t *testing.T) {
	runner := &fakeRunner{result: runResult()}
	feed := &fakeFeed{updated: false}
	s := newTestScheduler(t, runner, feed, true)

	ran, err := s.Tick(context.Background())
	require.NoError(t, err)
	assert.True(t, ran)
	assert.Equal(t, 0, feed.checks)
	assert.Equal(t, 1, feed.committed)
}

func TestTick_OverlappingRunSkipped(t *testing.T) {
	runner := &fakeRunner{result: runResult(), block: make(chan struct{})}
	s := newTestScheduler(t, runner, nil, false)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = s.Tick(context.Background())
	}()
	require.Eventually(t, func() bool { return runner.Calls() == 1 }, time.Second, 5*time.Millisecond)

	ran, err := s.Tick(context.Background())
	assert.False(t, ran)
	assert.ErrorIs(t, err, ErrRunInProgress)

	close(runner.block)
	<-done
	assert.Equal(t, 1, runner.Calls())
}

func TestRun_StopsOnCancel(t *testing.T) {
	runner := &fakeRunner{result: runResult()}
	s := newTestScheduler(t, runner, nil, false)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return runner.Calls() == 1 }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestCalculateTickInterval(t *testing.T) {
	s := &Scheduler{}
	for interval, want := range map[time.Duration]time.Duration{
		5 * time.Minute:  time.Minute,
		30 * time.Minute: 3 * time.Minute,
		24 * time.Hour:   10 * time.Minute,
	} {
		s.opts.Interval = interval
		assert.Equal(t, want, s.calculateTickInterval(), "interval %v", interval)
	}
}
