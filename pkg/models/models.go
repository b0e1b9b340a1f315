package models

import (
	"fmt"
	"time"
)

// ContentType tags a discovered URL or stored record with its entity kind
type ContentType string

const (
	ContentTypeShow    ContentType = "shows"
	ContentTypeEpisode ContentType = "episodes"
	ContentTypeMovie   ContentType = "movies"
)

// AllContentTypes lists the content types in processing order.
// Shows come before episodes so episode foreign keys can resolve.
var AllContentTypes = []ContentType{ContentTypeShow, ContentTypeMovie, ContentTypeEpisode}

// String implements fmt.Stringer for logging
func (t ContentType) String() string {
	return string(t)
}

// IsValid returns true for the three known content types
func (t ContentType) IsValid() bool {
	switch t {
	case ContentTypeShow, ContentTypeEpisode, ContentTypeMovie:
		return true
	}
	return false
}

// ParseContentType accepts the plural bucket name or the singular form ("show", "episode", "movie")
func ParseContentType(s string) (ContentType, error) {
	switch s {
	case "shows", "show", "tvshows", "series":
		return ContentTypeShow, nil
	case "episodes", "episode":
		return ContentTypeEpisode, nil
	case "movies", "movie":
		return ContentTypeMovie, nil
	}
	return "", fmt.Errorf("unknown content type %q", s)
}

// DiscoveredURL is one classified entry from the site's URL index
type DiscoveredURL struct {
	Type    ContentType `json:"type"`
	URL     string      `json:"url"`               // Normalized absolute URL
	LastMod string      `json:"lastmod,omitempty"` // Raw <lastmod> hint from the sitemap, if any
}

// VideoLink is one downloadable video file
type VideoLink struct {
	Quality string `json:"quality"`
	URL     string `json:"url"`
	Size    string `json:"size,omitempty"`
}

// Season maps a season number to the ordered episode URLs listed on the show page
type Season struct {
	Number      int      `json:"season_number"`
	EpisodeURLs []string `json:"episode_urls"`
}

// Show is a TV series record keyed by URL
type Show struct {
	URL          string   `json:"url"`
	Title        string   `json:"title"`
	TitleFa      string   `json:"title_fa,omitempty"`
	Description  string   `json:"description,omitempty"`
	Poster       string   `json:"poster,omitempty"`
	FirstAirDate string   `json:"first_air_date,omitempty"`
	Rating       float64  `json:"rating,omitempty"`
	Genres       []string `json:"genres"`
	Directors    []string `json:"directors,omitempty"`
	Cast         []string `json:"cast"`
	Seasons      []Season `json:"seasons"`
	EpisodeCount int      `json:"episode_count"` // Maintained by the store, ignored on upsert
	LastMod      string   `json:"lastmod,omitempty"`
}

// Episode is a single episode record; ShowURL is empty when the parent is unknown
type Episode struct {
	URL           string      `json:"url"`
	ShowURL       string      `json:"show_url,omitempty"`
	Title         string      `json:"title"`
	SeasonNumber  int         `json:"season_number,omitempty"`
	EpisodeNumber int         `json:"episode_number,omitempty"`
	AirDate       string      `json:"air_date,omitempty"`
	Thumbnail     string      `json:"thumbnail,omitempty"`
	VideoLinks    []VideoLink `json:"video_links"`
	LastMod       string      `json:"lastmod,omitempty"`
}

// Movie is a film record keyed by URL
type Movie struct {
	URL         string      `json:"url"`
	Title       string      `json:"title"`
	TitleFa     string      `json:"title_fa,omitempty"`
	Description string      `json:"description,omitempty"`
	Poster      string      `json:"poster,omitempty"`
	Year        int         `json:"year,omitempty"`
	Rating      float64     `json:"rating,omitempty"`
	VideoLinks  []VideoLink `json:"video_links"`
	LastMod     string      `json:"lastmod,omitempty"`
}

// LedgerEntry stores the last known processing outcome of a content URL
type LedgerEntry struct {
	Type        ContentType `json:"type"`
	Status      ItemStatus  `json:"status"`
	LastMod     string      `json:"lastmod,omitempty"`      // Sitemap lastmod seen when last processed
	ContentHash string      `json:"content_hash,omitempty"` // SHA-256 of the body last persisted
	ErrorType   string      `json:"error_type,omitempty"`   // Error category (on failure)
	Attempts    int         `json:"attempts,omitempty"`     // Consecutive failed runs
	ProcessedAt time.Time   `json:"processed_at,omitempty"` // Timestamp of successful processing
	LastAttempt time.Time   `json:"last_attempt"`           // Timestamp of the last processing attempt
}
