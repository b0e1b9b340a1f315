package sitemap

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"farsiland-scraper/pkg/parse"
	"farsiland-scraper/pkg/storage"
)

// CheckForUpdates reports whether the RSS feed's build date moved past the one recorded
// by the last CommitFeedCheck. Missing history or an undated feed count as updated.
// On fetch or parse failure it returns true along with the error, so callers can still run.
func (d *Discoverer) CheckForUpdates(ctx context.Context, feedURL string) (bool, error) {
	feedLog := d.log.WithField("feed_url", feedURL)
	feedLog.Info("Checking RSS feed for updates...")

	body, err := d.fetcher.Fetch(ctx, feedURL, true)
	if err != nil {
		return true, err
	}
	feed, err := parse.ParseRSS(body)
	if err != nil {
		return true, err
	}

	build, ok := feed.LastBuild()
	if !ok {
		feedLog.Warn("Could not get last build date from feed, assuming update needed")
		return true, nil
	}
	buildStr := build.UTC().Format(time.RFC3339)
	d.mu.Lock()
	d.pendingBuild = buildStr
	d.mu.Unlock()

	if d.meta == nil {
		return true, nil
	}
	recordedStr, found, err := d.meta.GetMeta(storage.MetaFeedLastBuild)
	if err != nil {
		return true, err
	}
	if !found {
		feedLog.Info("No previous check found, update needed")
		return true, nil
	}
	recorded, err := time.Parse(time.RFC3339, recordedStr)
	if err != nil {
		feedLog.Warnf("Unreadable recorded build date %q, assuming update needed", recordedStr)
		return true, nil
	}

	feedLog.WithFields(logrus.Fields{"last_build": buildStr, "last_check": recordedStr}).Info("Compared feed build dates")
	if build.After(recorded) {
		feedLog.Info("Site has been updated since last check")
		return true, nil
	}
	feedLog.Info("No updates since last check")
	return false, nil
}

// CommitFeedCheck records the build date seen by the last CheckForUpdates.
// Call it after a successful run so a failed run is retried on the next tick.
func (d *Discoverer) CommitFeedCheck() error {
	d.mu.Lock()
	build := d.pendingBuild
	d.mu.Unlock()
	if build == "" || d.meta == nil {
		return nil
	}
	return d.meta.SetMeta(storage.MetaFeedLastBuild, build)
}
