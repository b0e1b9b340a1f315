package sitemap

import (
	"net/url"
	"path"
	"regexp"
	"strings"

	"farsiland-scraper/pkg/models"
	"farsiland-scraper/pkg/parse"
)

type rule struct {
	contentType models.ContentType
	pattern     *regexp.Regexp
}

// rules are evaluated in order; the first match wins
var rules = []rule{
	{models.ContentTypeMovie, regexp.MustCompile(`^/movies/[^/]+/?$`)},
	{models.ContentTypeMovie, regexp.MustCompile(`^/movies-\d{4}/[^/]+/?$`)},
	{models.ContentTypeMovie, regexp.MustCompile(`^/old-iranian-movies/[^/]+/?$`)},
	{models.ContentTypeShow, regexp.MustCompile(`^/tvshows/[^/]+/?$`)},
	{models.ContentTypeShow, regexp.MustCompile(`^/series-22/[^/]+/?$`)},
	{models.ContentTypeShow, regexp.MustCompile(`^/iranian-series/[^/]+/?$`)},
	{models.ContentTypeEpisode, regexp.MustCompile(`^/episodes/[^/]+/?$`)},
}

// Taxonomy listings share the content path shapes but are never content pages
var taxonomyPrefixes = []string{"/genres/", "/dtcast/", "/dtdirector/", "/dtcreator/", "/dtstudio/", "/dtnetworks/", "/dtyear/"}

// Classify returns the content type and normalized form of rawURL.
// ok is false for unparseable URLs, hosts other than allowedHost, taxonomy pages,
// and paths matching no rule. An empty allowedHost accepts any host.
func Classify(rawURL, allowedHost string) (t models.ContentType, normalized string, ok bool) {
	normalized, _, err := parse.ParseAndNormalize(rawURL)
	if err != nil {
		return "", "", false
	}
	u, err := url.Parse(normalized)
	if err != nil {
		return "", "", false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", "", false
	}
	if allowedHost != "" && !sameSite(u, allowedHost) {
		return "", "", false
	}

	p := u.Path
	for _, prefix := range taxonomyPrefixes {
		if strings.HasPrefix(p, prefix) {
			return "", "", false
		}
	}
	for _, r := range rules {
		if r.pattern.MatchString(p) {
			return r.contentType, normalized, true
		}
	}
	return "", "", false
}

// sameSite compares hostnames ignoring case and a leading "www."
func sameSite(u *url.URL, allowedHost string) bool {
	host := strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
	allowed := strings.ToLower(allowedHost)
	if h, _, found := strings.Cut(allowed, ":"); found {
		allowed = h
	}
	return host == strings.TrimPrefix(allowed, "www.")
}

var sitemapKindPattern = regexp.MustCompile(`^([a-zA-Z_-]+?)-sitemap\d*\.xml$`)

// Child sitemaps that only list taxonomy or blog pages; skipping them saves a fetch
var skippedSitemapKinds = map[string]bool{
	"genres":     true,
	"dtcast":     true,
	"dtdirector": true,
	"dtcreator":  true,
	"dtstudio":   true,
	"dtnetworks": true,
	"dtyear":     true,
	"category":   true,
	"post_tag":   true,
	"author":     true,
}

// sitemapKind extracts "tvshows" from ".../tvshows-sitemap2.xml"; "" when the name has no kind
func sitemapKind(loc string) string {
	p := loc
	if u, err := url.Parse(loc); err == nil && u.Path != "" {
		p = u.Path
	}
	m := sitemapKindPattern.FindStringSubmatch(path.Base(p))
	if m == nil {
		return ""
	}
	return strings.ToLower(m[1])
}

// skipChildSitemap reports whether a child sitemap is known to contain no content pages
func skipChildSitemap(loc string) bool {
	return skippedSitemapKinds[sitemapKind(loc)]
}
