package cache

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"farsiland-scraper/pkg/fetch"
	"farsiland-scraper/pkg/metrics"
	"farsiland-scraper/pkg/parse"
	"farsiland-scraper/pkg/utils"
)

const (
	fileSuffix = ".cache"
	tempMarker = ".cache.tmp-"
)

// Getter performs the network fetch behind the cache; *fetch.Fetcher implements it
type Getter interface {
	Get(ctx context.Context, rawURL string) (*fetch.Response, error)
}

// Options configures a Cache
type Options struct {
	Dir string
	TTL time.Duration    // 0 = entries never expire; only forceRefresh invalidates
	Now func() time.Time // Clock used for FetchedAt and TTL checks (time.Now when nil)
}

// Cache is a disk-backed response cache keyed by normalized URL
type Cache struct {
	dir     string
	ttl     time.Duration
	now     func() time.Time
	fetcher Getter
	locker  *KeyedLocker
	group   singleflight.Group
	log     *logrus.Entry

	// wrapWriter, when set, wraps the temp file writer (used to simulate interrupted writes)
	wrapWriter func(io.Writer) io.Writer
}

// New creates the cache directory if needed and removes temp files left by an earlier crash
func New(opts Options, fetcher Getter, log *logrus.Entry) (*Cache, error) {
	if opts.Dir == "" {
		return nil, fmt.Errorf("%w: cache directory is empty", utils.ErrFilesystem)
	}
	if err := os.MkdirAll(opts.Dir, 0755); err != nil {
		return nil, fmt.Errorf("%w: create cache dir '%s': %w", utils.ErrFilesystem, opts.Dir, err)
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	c := &Cache{
		dir:     opts.Dir,
		ttl:     opts.TTL,
		now:     now,
		fetcher: fetcher,
		locker:  NewKeyedLocker(log),
		log:     log,
	}
	c.removeStaleTemps()
	return c, nil
}

// Key returns the stable file key for rawURL: the SHA-256 of its normalized form
func (c *Cache) Key(rawURL string) string {
	return utils.CalculateStringSHA256(parse.NormalizeOrRaw(rawURL))
}

// Path returns the cache file path for rawURL (which may not exist)
func (c *Cache) Path(rawURL string) string {
	return c.pathForKey(c.Key(rawURL))
}

func (c *Cache) pathForKey(key string) string {
	return filepath.Join(c.dir, key+fileSuffix)
}

// Get looks up rawURL without touching the network.
// A missing or expired entry returns (nil, false, nil); an unreadable or partial one
// returns (nil, false, err) with err wrapping ErrCorruptEntry.
func (c *Cache) Get(rawURL string) (*Entry, bool, error) {
	data, err := os.ReadFile(c.Path(rawURL))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("%w: read cache entry: %w", utils.ErrFilesystem, err)
	}

	entry, err := decodeEntry(data)
	if err != nil {
		return nil, false, err
	}
	if c.ttl > 0 && c.now().Sub(entry.FetchedAt) > c.ttl {
		return nil, false, nil
	}
	return entry, true, nil
}

// Fetch returns the body for rawURL, from disk when present and forceRefresh is false,
// otherwise from the network followed by an atomic cache write. Concurrent calls for the
// same URL share one network fetch, and writes for a URL are serialized. The shared fetch
// runs detached from any one caller's ctx; a canceled caller stops waiting with ctx.Err()
// while the others still receive the body.
func (c *Cache) Fetch(ctx context.Context, rawURL string, forceRefresh bool) ([]byte, error) {
	entryLog := c.log.WithFields(logrus.Fields{"url": rawURL, "force_refresh": forceRefresh})

	if !forceRefresh {
		entry, ok, err := c.Get(rawURL)
		if ok {
			metrics.ObserveCache(metrics.CacheHit)
			entryLog.Debug("Cache hit")
			return entry.Body, nil
		}
		if err != nil {
			entryLog.Warnf("Ignoring unusable cache entry: %v", err)
		}
	}

	key := c.Key(rawURL)
	flightKey := key
	if forceRefresh {
		flightKey += ":refresh"
	}

	ch := c.group.DoChan(flightKey, func() (interface{}, error) {
		flightCtx := context.WithoutCancel(ctx)
		var body []byte
		err := c.locker.WithLock(flightCtx, key, func() error {
			// A writer that held the lock before us may have just filled the entry
			if !forceRefresh {
				if entry, ok, _ := c.Get(rawURL); ok {
					metrics.ObserveCache(metrics.CacheHit)
					body = entry.Body
					return nil
				}
			}

			if forceRefresh {
				metrics.ObserveCache(metrics.CacheRefresh)
			} else {
				metrics.ObserveCache(metrics.CacheMiss)
			}

			resp, err := c.fetcher.Get(flightCtx, rawURL)
			if err != nil {
				return err
			}
			body = resp.Body

			entry := &Entry{
				URL:         parse.NormalizeOrRaw(rawURL),
				FetchedAt:   c.now().UTC(),
				Status:      resp.StatusCode,
				ContentType: resp.ContentType,
				Size:        int64(len(resp.Body)),
				Body:        resp.Body,
			}
			if err := c.write(key, entry); err != nil {
				// The body is still good; the next call simply refetches
				entryLog.Errorf("Cache write failed: %v", err)
			}
			return nil
		})
		return body, err
	})

	var res singleflight.Result
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res = <-ch:
	}
	if res.Err != nil {
		return nil, res.Err
	}
	if res.Shared {
		entryLog.Debug("Joined in-flight fetch")
	}
	return res.Val.([]byte), nil
}

// write stores entry under key via a temp sibling, fsync and rename, so readers see either
// the previous file or the complete new one. The temp file never outlives the call.
func (c *Cache) write(key string, entry *Entry) (err error) {
	tmp, err := os.CreateTemp(c.dir, key+tempMarker+"*")
	if err != nil {
		return fmt.Errorf("%w: create temp file: %w", utils.ErrFilesystem, err)
	}
	tmpName := tmp.Name()
	closed := false
	defer func() {
		if err != nil {
			if !closed {
				tmp.Close()
			}
			os.Remove(tmpName)
		}
	}()

	var w io.Writer = tmp
	if c.wrapWriter != nil {
		w = c.wrapWriter(w)
	}
	bw := bufio.NewWriter(w)
	if err = encodeEntry(bw, entry); err != nil {
		return fmt.Errorf("%w: write temp file: %w", utils.ErrFilesystem, err)
	}
	if err = bw.Flush(); err != nil {
		return fmt.Errorf("%w: flush temp file: %w", utils.ErrFilesystem, err)
	}
	if err = tmp.Sync(); err != nil {
		return fmt.Errorf("%w: sync temp file: %w", utils.ErrFilesystem, err)
	}
	closed = true
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("%w: close temp file: %w", utils.ErrFilesystem, err)
	}
	if err = os.Rename(tmpName, c.pathForKey(key)); err != nil {
		return fmt.Errorf("%w: rename temp file: %w", utils.ErrFilesystem, err)
	}
	return nil
}

// removeStaleTemps deletes temp files left behind by a process that died mid-write
func (c *Cache) removeStaleTemps() {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		c.log.Warnf("Could not scan cache dir for stale temp files: %v", err)
		return
	}
	removed := 0
	for _, e := range entries {
		if e.IsDir() || !strings.Contains(e.Name(), tempMarker) {
			continue
		}
		if err := os.Remove(filepath.Join(c.dir, e.Name())); err == nil {
			removed++
		}
	}
	if removed > 0 {
		c.log.Infof("Removed %d stale cache temp file(s)", removed)
	}
}
