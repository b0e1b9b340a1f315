package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"

	"farsiland-scraper/pkg/log"
	"farsiland-scraper/pkg/models"
	"farsiland-scraper/pkg/parse"
	"farsiland-scraper/pkg/utils"
)

const (
	urlKeyPrefix  = "url:"   // Prefix for content URL keys in DB
	metaKeyPrefix = "meta:"  // Prefix for named meta values
	ledgerDirName = "ledger" // Suffix of the Badger directory within stateDir
)

var _ Ledger = (*BadgerStore)(nil)

// Meta keys shared between discovery and watch mode
const (
	MetaFeedLastBuild = "feed_last_build"
	MetaSitemapPrefix = "sitemap_lastmod:" // + normalized child sitemap URL
)

// BadgerStore implements the Ledger interface using BadgerDB
type BadgerStore struct {
	db  *badger.DB
	log *logrus.Entry
	now func() time.Time
}

// LedgerPath returns the directory used for the ledger of siteHost under stateDir
func LedgerPath(stateDir, siteHost string) string {
	return filepath.Join(stateDir, utils.HostFilename(siteHost)+"_"+ledgerDirName)
}

// NewBadgerStore opens (creating if needed) the ledger for siteHost under stateDir
func NewBadgerStore(stateDir, siteHost string, logger *logrus.Entry) (*BadgerStore, error) {
	dbPath := LedgerPath(stateDir, siteHost)
	logger.Infof("Opening URL ledger at: %s", dbPath)

	if err := os.MkdirAll(dbPath, 0755); err != nil {
		return nil, fmt.Errorf("%w: cannot create ledger directory %s: %w", utils.ErrFilesystem, dbPath, err)
	}

	badgerLogger := log.NewBadgerLogrusAdapter(logger.WithField("component", "badgerdb"))
	opts := badger.DefaultOptions(dbPath).
		WithLogger(badgerLogger).
		WithNumVersionsToKeep(1)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open badger database at %s: %w", utils.ErrDatabase, dbPath, err)
	}

	return &BadgerStore{db: db, log: logger, now: time.Now}, nil
}

const maxConflictRetries = 10

// dbUpdate wraps db.Update with a retry loop for BadgerDB transaction conflicts.
// Concurrent workers recording outcomes can collide on the same key; conflicts
// resolve in microseconds, so a tight retry loop is enough.
func (s *BadgerStore) dbUpdate(fn func(txn *badger.Txn) error) error {
	for i := range maxConflictRetries {
		err := s.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
		s.log.Debugf("BadgerDB transaction conflict (attempt %d/%d), retrying", i+1, maxConflictRetries)
	}
	return fmt.Errorf("%w: transaction conflict not resolved after %d retries", utils.ErrDatabase, maxConflictRetries)
}

// Get implements the ItemLedger interface
func (s *BadgerStore) Get(normalizedURL string) (*models.LedgerEntry, bool, error) {
	key := []byte(urlKeyPrefix + normalizedURL)
	var entry *models.LedgerEntry

	err := s.db.View(func(txn *badger.Txn) error {
		item, errGet := txn.Get(key)
		if errors.Is(errGet, badger.ErrKeyNotFound) {
			return nil
		}
		if errGet != nil {
			return fmt.Errorf("%w: failed getting key '%s': %w", utils.ErrDatabase, string(key), errGet)
		}
		return item.Value(func(val []byte) error {
			var decoded models.LedgerEntry
			if errJson := json.Unmarshal(val, &decoded); errJson != nil {
				s.log.Warnf("Failed to unmarshal ledger entry for key '%s': %v. Treating as not found.", string(key), errJson)
				return nil
			}
			entry = &decoded
			return nil
		})
	})
	if err != nil {
		s.log.Errorf("DB View error in Get for key '%s': %v", string(key), err)
		return nil, false, err
	}
	return entry, entry != nil, nil
}

// Put implements the ItemLedger interface
func (s *BadgerStore) Put(normalizedURL string, entry *models.LedgerEntry) error {
	key := []byte(urlKeyPrefix + normalizedURL)

	entryBytes, errJson := json.Marshal(entry)
	if errJson != nil {
		return fmt.Errorf("%w: failed to marshal JSON ledger entry for key '%s': %w", utils.ErrParsing, string(key), errJson)
	}

	err := s.dbUpdate(func(txn *badger.Txn) error {
		return txn.SetEntry(badger.NewEntry(key, entryBytes))
	})
	if err != nil {
		s.log.WithField("key", string(key)).Errorf("DB Update error in Put: %v", err)
		return fmt.Errorf("%w: failed setting ledger entry for key '%s': %w", utils.ErrDatabase, string(key), err)
	}
	s.log.Debugf("Ledger entry '%s' set to '%s'", string(key), entry.Status)
	return nil
}

// update applies mutate to the current entry (zero value when absent) in one transaction
func (s *BadgerStore) update(normalizedURL string, mutate func(e *models.LedgerEntry)) error {
	key := []byte(urlKeyPrefix + normalizedURL)

	err := s.dbUpdate(func(txn *badger.Txn) error {
		var entry models.LedgerEntry
		item, errGet := txn.Get(key)
		switch {
		case errors.Is(errGet, badger.ErrKeyNotFound):
		case errGet != nil:
			return errGet
		default:
			if errVal := item.Value(func(val []byte) error {
				if errJson := json.Unmarshal(val, &entry); errJson != nil {
					s.log.Warnf("Overwriting unreadable ledger entry '%s': %v", string(key), errJson)
					entry = models.LedgerEntry{}
				}
				return nil
			}); errVal != nil {
				return errVal
			}
		}

		mutate(&entry)
		data, errJson := json.Marshal(&entry)
		if errJson != nil {
			return fmt.Errorf("%w: marshal JSON ledger entry: %w", utils.ErrParsing, errJson)
		}
		return txn.SetEntry(badger.NewEntry(key, data))
	})
	if err != nil {
		s.log.WithField("key", string(key)).Errorf("DB Update error: %v", err)
		if errors.Is(err, utils.ErrDatabase) || errors.Is(err, utils.ErrParsing) {
			return err
		}
		return fmt.Errorf("%w: failed updating ledger entry '%s': %w", utils.ErrDatabase, string(key), err)
	}
	return nil
}

// RecordSuccess implements the ItemLedger interface
func (s *BadgerStore) RecordSuccess(normalizedURL string, t models.ContentType, lastMod, contentHash string) error {
	now := s.now()
	return s.update(normalizedURL, func(e *models.LedgerEntry) {
		e.Type = t
		e.Status = models.ItemStatusSuccess
		if lastMod != "" {
			e.LastMod = lastMod
		}
		e.ContentHash = contentHash
		e.ErrorType = ""
		e.Attempts = 0
		e.ProcessedAt = now
		e.LastAttempt = now
	})
}

// RecordFailure implements the ItemLedger interface.
// A previous success keeps its ProcessedAt and ContentHash.
func (s *BadgerStore) RecordFailure(normalizedURL string, t models.ContentType, lastMod, errorType string) error {
	now := s.now()
	return s.update(normalizedURL, func(e *models.LedgerEntry) {
		e.Type = t
		e.Status = models.ItemStatusFailure
		if e.LastMod == "" {
			e.LastMod = lastMod
		}
		e.ErrorType = errorType
		e.Attempts++
		e.LastAttempt = now
	})
}

// RecordOrphan implements the ItemLedger interface: the episode row was written but its
// show was missing, so the URL stays scheduled until a later write links it
func (s *BadgerStore) RecordOrphan(normalizedURL string, t models.ContentType, lastMod, contentHash string) error {
	now := s.now()
	return s.update(normalizedURL, func(e *models.LedgerEntry) {
		e.Type = t
		e.Status = models.ItemStatusOrphaned
		if lastMod != "" {
			e.LastMod = lastMod
		}
		e.ContentHash = contentHash
		e.ErrorType = ""
		e.Attempts++
		e.ProcessedAt = now
		e.LastAttempt = now
	})
}

// NeedsRefresh implements the ItemLedger interface.
// Unknown URLs, missing hints and ledger read errors all report false.
func (s *BadgerStore) NeedsRefresh(normalizedURL, sitemapLastMod string) bool {
	if sitemapLastMod == "" {
		return false
	}
	entry, found, err := s.Get(normalizedURL)
	if err != nil || !found {
		return false
	}
	if entry.LastMod == "" {
		return true
	}
	return parse.LastModAfter(sitemapLastMod, entry.LastMod)
}

// Failed implements the ItemLedger interface
func (s *BadgerStore) Failed(ctx context.Context, t models.ContentType) ([]string, error) {
	var urls []string
	err := s.scan(ctx, func(url string, entry *models.LedgerEntry) {
		if entry.Type == t && entry.Status == models.ItemStatusFailure {
			urls = append(urls, url)
		}
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(urls)
	return urls, nil
}

// Retryable implements the ItemLedger interface
func (s *BadgerStore) Retryable(ctx context.Context, t models.ContentType) ([]string, error) {
	var urls []string
	err := s.scan(ctx, func(url string, entry *models.LedgerEntry) {
		if entry.Type != t {
			return
		}
		switch {
		case entry.Status == models.ItemStatusOrphaned,
			entry.Status == models.ItemStatusFailure && utils.IsRetryableCategory(entry.ErrorType):
			urls = append(urls, url)
		}
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(urls)
	return urls, nil
}

// scan visits every decodable URL entry, stopping early on context cancellation
func (s *BadgerStore) scan(ctx context.Context, visit func(url string, entry *models.LedgerEntry)) error {
	prefix := []byte(urlKeyPrefix)
	scanErrors := 0

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = true
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			select {
			case <-ctx.Done():
				s.log.Warnf("Ledger scan interrupted by context cancellation: %v", ctx.Err())
				return ctx.Err()
			default:
			}

			item := it.Item()
			url := string(item.KeyCopy(nil)[len(prefix):])
			errValue := item.Value(func(val []byte) error {
				var entry models.LedgerEntry
				if errJson := json.Unmarshal(val, &entry); errJson != nil {
					s.log.Errorf("Ledger scan: failed to unmarshal entry for '%s': %v. Skipping.", url, errJson)
					scanErrors++
					return nil
				}
				visit(url, &entry)
				return nil
			})
			if errValue != nil {
				s.log.Errorf("Ledger scan: error getting value for '%s': %v", url, errValue)
				scanErrors++
			}
		}
		return nil
	})

	if scanErrors > 0 {
		s.log.Warnf("Ledger scan finished with %d unreadable entries", scanErrors)
	}
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: ledger scan: %w", utils.ErrDatabase, err)
	}
	return err
}

// GetMeta implements the MetaStore interface
func (s *BadgerStore) GetMeta(name string) (string, bool, error) {
	key := []byte(metaKeyPrefix + name)
	var value []byte
	found := false

	err := s.db.View(func(txn *badger.Txn) error {
		item, errGet := txn.Get(key)
		if errors.Is(errGet, badger.ErrKeyNotFound) {
			return nil
		}
		if errGet != nil {
			return errGet
		}
		found = true
		var errCopy error
		value, errCopy = item.ValueCopy(nil)
		return errCopy
	})
	if err != nil {
		return "", false, fmt.Errorf("%w: failed getting meta key '%s': %w", utils.ErrDatabase, name, err)
	}
	return string(value), found, nil
}

// SetMeta implements the MetaStore interface
func (s *BadgerStore) SetMeta(name, value string) error {
	key := []byte(metaKeyPrefix + name)
	err := s.dbUpdate(func(txn *badger.Txn) error {
		return txn.SetEntry(badger.NewEntry(key, []byte(value)))
	})
	if err != nil {
		if errors.Is(err, utils.ErrDatabase) {
			return err
		}
		return fmt.Errorf("%w: failed setting meta key '%s': %w", utils.ErrDatabase, name, err)
	}
	return nil
}

// Count implements the StoreAdmin interface
func (s *BadgerStore) Count() (int, error) {
	count := 0
	prefix := []byte(urlKeyPrefix)
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			count++
		}
		return nil
	})
	return count, err
}

// WriteFailureLog implements the StoreAdmin interface
func (s *BadgerStore) WriteFailureLog(ctx context.Context, filePath string) (int, error) {
	type failure struct {
		url, kind, errType string
	}
	var failures []failure
	err := s.scan(ctx, func(url string, entry *models.LedgerEntry) {
		if entry.Status == models.ItemStatusFailure {
			failures = append(failures, failure{url: url, kind: string(entry.Type), errType: entry.ErrorType})
		}
	})
	if err != nil {
		return 0, err
	}
	sort.Slice(failures, func(i, j int) bool { return failures[i].url < failures[j].url })

	file, err := os.Create(filePath)
	if err != nil {
		s.log.Errorf("Failed to create failure log '%s': %v", filePath, err)
		return 0, fmt.Errorf("%w: create failure log '%s': %w", utils.ErrFilesystem, filePath, err)
	}
	defer file.Close()

	writer := bufio.NewWriter(file)
	for _, f := range failures {
		if _, errWrite := fmt.Fprintf(writer, "%s\t%s\t%s\n", f.kind, f.url, f.errType); errWrite != nil {
			return 0, fmt.Errorf("%w: write failure log: %w", utils.ErrFilesystem, errWrite)
		}
	}
	if errFlush := writer.Flush(); errFlush != nil {
		return 0, fmt.Errorf("%w: flush failure log: %w", utils.ErrFilesystem, errFlush)
	}
	if errSync := file.Sync(); errSync != nil {
		return 0, fmt.Errorf("%w: sync failure log: %w", utils.ErrFilesystem, errSync)
	}

	s.log.Infof("Wrote %d failed URLs to %s", len(failures), filePath)
	return len(failures), nil
}

// RunGC runs BadgerDB's garbage collection periodically
func (s *BadgerStore) RunGC(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.log.Debug("BadgerDB GC goroutine started.")

	for {
		select {
		case <-ticker.C:
			if s.db == nil || s.db.IsClosed() {
				s.log.Debug("DB GC: Database is nil or closed, skipping GC cycle.")
				continue
			}

			var err error
			for {
				// Run GC if log is at least 50% reclaimable space
				err = s.db.RunValueLogGC(0.5)
				if err != nil {
					break
				}
			}
			if errors.Is(err, badger.ErrNoRewrite) {
				s.log.Debug("BadgerDB GC finished (no rewrite needed).")
			} else {
				s.log.Errorf("BadgerDB GC error: %v", err)
			}

		case <-ctx.Done():
			s.log.Debugf("Stopping BadgerDB garbage collection goroutine: %v", ctx.Err())
			return
		}
	}
}

// Close implements the StoreAdmin interface
func (s *BadgerStore) Close() error {
	if s.db != nil && !s.db.IsClosed() {
		s.log.Info("Closing URL ledger...")
		if err := s.db.Close(); err != nil {
			s.log.Errorf("Error closing URL ledger: %v", err)
			return err
		}
		return nil
	}
	s.log.Debug("URL ledger already closed or was not initialized.")
	return nil
}
