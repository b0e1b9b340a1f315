package sitemap

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"

	"farsiland-scraper/pkg/models"
	"farsiland-scraper/pkg/parse"
	"farsiland-scraper/pkg/utils"
)

// localEntry is one URL in the JSON form of a local index
type localEntry struct {
	URL     string `json:"url"`
	LastMod string `json:"lastmod,omitempty"`
}

// discoverLocal reads a local sitemap (XML) or pre-classified index (JSON) without touching the network
func (d *Discoverer) discoverLocal(ctx context.Context, file string) (Result, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, &DiscoveryError{Source: file, Err: fmt.Errorf("%w: %w", utils.ErrFilesystem, err)}
	}

	if trimmed := bytes.TrimSpace(data); len(trimmed) > 0 && trimmed[0] == '{' {
		acc, err := d.parseLocalJSON(trimmed)
		if err != nil {
			return nil, &DiscoveryError{Source: file, Err: err}
		}
		d.log.Infof("Loaded local JSON index %s", file)
		return d.finish(acc), nil
	}

	dir := filepath.Dir(file)
	w := &walker{
		d: d,
		load: func(_ context.Context, loc string, _ bool) ([]byte, error) {
			if loc == file {
				return data, nil
			}
			b, err := os.ReadFile(loc)
			if err != nil {
				return nil, fmt.Errorf("%w: %w", utils.ErrFilesystem, err)
			}
			return b, nil
		},
		resolve: func(loc string) (string, bool) { return resolveLocalChild(dir, loc) },
		acc:     newAccumulator(),
		local:   true,
	}
	if err := w.walk(ctx, file, 1, false); err != nil {
		return nil, err
	}
	d.log.Infof("Loaded local sitemap %s", file)
	return d.finish(w.acc), nil
}

// parseLocalJSON accepts {"shows":[{"url":..,"lastmod":..}],"episodes":[..],"movies":[..]}.
// Bucket names are trusted; URLs are normalized and invalid ones dropped.
func (d *Discoverer) parseLocalJSON(data []byte) (*accumulator, error) {
	var raw map[string][]localEntry
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: JSON local index: %v", utils.ErrParsing, err)
	}

	acc := newAccumulator()
	for key, entries := range raw {
		t, err := models.ParseContentType(key)
		if err != nil {
			d.log.Warnf("Ignoring unknown bucket %q in local index", key)
			continue
		}
		for _, e := range entries {
			normalized, _, err := parse.ParseAndNormalize(e.URL)
			if err != nil {
				d.log.Warnf("Skipping invalid URL %q in local index: %v", e.URL, err)
				continue
			}
			acc.add(models.DiscoveredURL{Type: t, URL: normalized, LastMod: e.LastMod})
		}
	}
	return acc, nil
}

// resolveLocalChild maps a child <loc> to a file next to the index: absolute URLs
// resolve by file name, relative paths against dir
func resolveLocalChild(dir, loc string) (string, bool) {
	if u, err := url.Parse(loc); err == nil && u.Scheme != "" {
		if u.Scheme == "file" {
			return u.Path, u.Path != ""
		}
		base := path.Base(u.Path)
		if base == "/" || base == "." {
			return "", false
		}
		return filepath.Join(dir, base), true
	}
	if loc == "" {
		return "", false
	}
	if filepath.IsAbs(loc) {
		return loc, true
	}
	return filepath.Join(dir, filepath.FromSlash(loc)), true
}
