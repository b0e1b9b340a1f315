package storage

import (
	"context"
	"time"

	"farsiland-scraper/pkg/models"
)

// ItemLedger tracks the processing outcome of individual content URLs
type ItemLedger interface {
	// Get returns the entry for a normalized URL; found is false when the URL was never recorded
	Get(normalizedURL string) (entry *models.LedgerEntry, found bool, err error)

	// Put stores entry as-is, replacing any previous value
	Put(normalizedURL string, entry *models.LedgerEntry) error

	// RecordSuccess marks the URL as persisted with the sitemap lastmod and body hash seen
	RecordSuccess(normalizedURL string, t models.ContentType, lastMod, contentHash string) error

	// RecordFailure marks the URL as failed and increments its consecutive failure count
	RecordFailure(normalizedURL string, t models.ContentType, lastMod, errorType string) error

	// RecordOrphan marks an episode stored without its show link; it stays retryable
	RecordOrphan(normalizedURL string, t models.ContentType, lastMod, contentHash string) error

	// NeedsRefresh reports whether a previously processed URL has a newer sitemap lastmod
	NeedsRefresh(normalizedURL, sitemapLastMod string) bool

	// Failed lists URLs of the given type whose last attempt failed
	Failed(ctx context.Context, t models.ContentType) ([]string, error)

	// Retryable lists URLs of the given type worth another attempt without a page change:
	// failures in a retryable category and orphaned episodes
	Retryable(ctx context.Context, t models.ContentType) ([]string, error)
}

// MetaStore keeps small named values such as the feed's last build date
type MetaStore interface {
	GetMeta(name string) (value string, found bool, err error)
	SetMeta(name, value string) error
}

// StoreAdmin handles lifecycle and administrative operations
type StoreAdmin interface {
	// Count returns the number of URL entries in the ledger
	Count() (int, error)

	// WriteFailureLog writes one line per failed URL ("type<TAB>url<TAB>error_type") to filePath
	WriteFailureLog(ctx context.Context, filePath string) (int, error)

	// RunGC runs periodic garbage collection. Should be run in a goroutine
	RunGC(ctx context.Context, interval time.Duration)

	// Close cleanly closes the database connection
	Close() error
}

// Ledger combines all store interfaces for components that need full access
type Ledger interface {
	ItemLedger
	MetaStore
	StoreAdmin
}
