package parse

import (
	"fmt"
	"net"
	"net/url"
	"path"
	"strings"
)

// NormalizeURL standardizes a URL for comparison and storage.
// It lowercases the scheme and host, removes default ports (80 for http, 443 for https), collapses
// repeated slashes, resolves dot segments, ensures a trailing slash on directory-style paths (the site's canonical form;
// paths whose last segment has a file extension are left alone), re-encodes the path canonically
// and removes fragments and query strings. NormalizeURL(parse(NormalizeURL(u))) == NormalizeURL(u).
// Does not modify the input *url.URL
func NormalizeURL(u *url.URL) string {
	if u == nil {
		return ""
	}
	// Work on a copy
	normalized := *u
	normalized.User = nil

	normalized.Scheme = strings.ToLower(normalized.Scheme)
	normalized.Host = strings.ToLower(normalized.Host)

	// Remove default ports
	host, port, err := net.SplitHostPort(normalized.Host)
	if err == nil {
		if (normalized.Scheme == "http" && port == "80") ||
			(normalized.Scheme == "https" && port == "443") {
			normalized.Host = host
		}
	}

	normalized.Path = normalizePath(normalized.Path)
	normalized.RawPath = "" // Always emit the canonical escaping

	normalized.Fragment = ""
	normalized.RawFragment = ""
	normalized.RawQuery = ""
	normalized.ForceQuery = false

	return normalized.String()
}

func normalizePath(p string) string {
	if p == "" {
		return "/"
	}
	trailing := strings.HasSuffix(p, "/")
	// Clean collapses repeated slashes and resolves "." and ".." segments
	p = path.Clean("/" + p)
	if p == "/" {
		return p
	}
	if trailing || !strings.Contains(path.Base(p), ".") {
		return p + "/"
	}
	return p // File-like resource, e.g. /sitemap_index.xml
}

// ParseAndNormalize parses a URL string using the stricter url.ParseRequestURI (requiring a scheme) and then normalizes it using NormalizeURL
// Returns the normalized string, the parsed URL object, and any parse error
func ParseAndNormalize(urlStr string) (string, *url.URL, error) {
	parsed, err := url.ParseRequestURI(strings.TrimSpace(urlStr))
	if err != nil {
		return "", nil, err
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return "", nil, fmt.Errorf("URL %q is not absolute", urlStr)
	}
	normalizedStr := NormalizeURL(parsed)
	return normalizedStr, parsed, nil
}

// NormalizeOrRaw returns the normalized form of urlStr, or urlStr unchanged if it does not parse
func NormalizeOrRaw(urlStr string) string {
	n, _, err := ParseAndNormalize(urlStr)
	if err != nil {
		return urlStr
	}
	return n
}
