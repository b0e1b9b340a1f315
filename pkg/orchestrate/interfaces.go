package orchestrate

//go:generate mockgen -source=interfaces.go -destination=mocks/mocks.go -package=mocks

import (
	"context"

	"farsiland-scraper/pkg/db"
	"farsiland-scraper/pkg/models"
	"farsiland-scraper/pkg/notify"
	"farsiland-scraper/pkg/sitemap"
)

// Discoverer produces the classified candidate set
type Discoverer interface {
	Discover(ctx context.Context, indexURL, localIndexFile string) (sitemap.Result, error)
}

// PageFetcher returns page bodies, from cache unless forceRefresh is set
type PageFetcher interface {
	Fetch(ctx context.Context, rawURL string, forceRefresh bool) ([]byte, error)
}

// Store persists extracted records
type Store interface {
	UpsertShow(ctx context.Context, show *models.Show) error
	UpsertEpisode(ctx context.Context, ep *models.Episode) (db.EpisodeWrite, error)
	UpsertMovie(ctx context.Context, movie *models.Movie) error
	RecomputeEpisodeCount(ctx context.Context, showURL string) (int, error)
}

// Ledger remembers per-URL outcomes across runs
type Ledger interface {
	Get(url string) (*models.LedgerEntry, bool, error)
	NeedsRefresh(url, sitemapLastMod string) bool
	Retryable(ctx context.Context, t models.ContentType) ([]string, error)
	RecordSuccess(url string, t models.ContentType, lastMod, contentHash string) error
	RecordFailure(url string, t models.ContentType, lastMod, errType string) error
	RecordOrphan(url string, t models.ContentType, lastMod, contentHash string) error
}

// Notifier receives the URLs first committed by a run
type Notifier interface {
	Notify(ctx context.Context, b notify.Batch) error
	Name() string
}
