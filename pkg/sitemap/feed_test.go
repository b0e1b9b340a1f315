package sitemap

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"farsiland-scraper/pkg/storage"
	"farsiland-scraper/pkg/utils"
)

const feedURL = "https://farsiland.com/feed"

func rssFeed(lastBuild string) string {
	return `<?xml version="1.0"?><rss version="2.0"><channel><title>Farsiland</title>` +
		`<lastBuildDate>` + lastBuild + `</lastBuildDate>` +
		`<item><title>A</title><link>https://farsiland.com/episodes/a-1/</link><pubDate>Mon, 03 Jun 2024 08:00:00 +0000</pubDate></item>` +
		`</channel></rss>`
}

func TestCheckForUpdates(t *testing.T) {
	t.Run("no history means updated", func(t *testing.T) {
		f := &fakeFetcher{docs: map[string]string{feedURL: rssFeed("Mon, 03 Jun 2024 10:00:00 +0000")}}
		changed, err := newTestDiscoverer(f, newMemMeta(), 0).CheckForUpdates(context.Background(), feedURL)
		require.NoError(t, err)
		assert.True(t, changed)
		force, _ := f.forceFor(feedURL)
		assert.True(t, force, "feed always bypasses the cache")
	})

	t.Run("commit then unchanged", func(t *testing.T) {
		meta := newMemMeta()
		f := &fakeFetcher{docs: map[string]string{feedURL: rssFeed("Mon, 03 Jun 2024 10:00:00 +0000")}}
		d := newTestDiscoverer(f, meta, 0)

		changed, err := d.CheckForUpdates(context.Background(), feedURL)
		require.NoError(t, err)
		require.True(t, changed)
		require.NoError(t, d.CommitFeedCheck())
		assert.Equal(t, "2024-06-03T10:00:00Z", meta.values[storage.MetaFeedLastBuild])

		changed, err = d.CheckForUpdates(context.Background(), feedURL)
		require.NoError(t, err)
		assert.False(t, changed)

		f.docs[feedURL] = rssFeed("Tue, 04 Jun 2024 10:00:00 +0000")
		changed, err = d.CheckForUpdates(context.Background(), feedURL)
		require.NoError(t, err)
		assert.True(t, changed)
	})

	t.Run("uncommitted check is not remembered", func(t *testing.T) {
		meta := newMemMeta()
		f := &fakeFetcher{docs: map[string]string{feedURL: rssFeed("Mon, 03 Jun 2024 10:00:00 +0000")}}
		d := newTestDiscoverer(f, meta, 0)
		_, err := d.CheckForUpdates(context.Background(), feedURL)
		require.NoError(t, err)

		changed, err := d.CheckForUpdates(context.Background(), feedURL)
		require.NoError(t, err)
		assert.True(t, changed)
	})

	t.Run("falls back to newest item date", func(t *testing.T) {
		meta := newMemMeta()
		meta.values[storage.MetaFeedLastBuild] = "2024-06-03T09:00:00Z"
		f := &fakeFetcher{docs: map[string]string{feedURL: rssFeed("")}}
		changed, err := newTestDiscoverer(f, meta, 0).CheckForUpdates(context.Background(), feedURL)
		require.NoError(t, err)
		assert.False(t, changed, "item pubDate 08:00 is older than the recorded 09:00")
	})

	t.Run("fetch failure reports updated with error", func(t *testing.T) {
		f := &fakeFetcher{errs: map[string]error{feedURL: utils.ErrFetchFailed}}
		changed, err := newTestDiscoverer(f, newMemMeta(), 0).CheckForUpdates(context.Background(), feedURL)
		assert.True(t, changed)
		assert.ErrorIs(t, err, utils.ErrFetchFailed)
	})

	t.Run("malformed feed", func(t *testing.T) {
		f := &fakeFetcher{docs: map[string]string{feedURL: "<rss><channel>"}}
		changed, err := newTestDiscoverer(f, newMemMeta(), 0).CheckForUpdates(context.Background(), feedURL)
		assert.True(t, changed)
		assert.ErrorIs(t, err, utils.ErrParsing)
	})

	t.Run("meta read failure", func(t *testing.T) {
		meta := newMemMeta()
		meta.err = errors.New("ledger closed")
		f := &fakeFetcher{docs: map[string]string{feedURL: rssFeed("Mon, 03 Jun 2024 10:00:00 +0000")}}
		changed, err := newTestDiscoverer(f, meta, 0).CheckForUpdates(context.Background(), feedURL)
		assert.True(t, changed)
		assert.Error(t, err)
	})
}

func TestCommitFeedCheck_NothingPending(t *testing.T) {
	meta := newMemMeta()
	d := newTestDiscoverer(&fakeFetcher{}, meta, 0)
	require.NoError(t, d.CommitFeedCheck())
	assert.Empty(t, meta.values)
}
