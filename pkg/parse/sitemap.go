package parse

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"strings"
	"time"

	"farsiland-scraper/pkg/utils"
)

// --- XML Structs for Sitemap Parsing ---

// XMLURL represents a <url> element in a sitemap
type XMLURL struct {
	Loc     string `xml:"loc"`
	LastMod string `xml:"lastmod,omitempty"`
}

// XMLURLSet represents a <urlset> element in a sitemap
type XMLURLSet struct {
	XMLName xml.Name `xml:"urlset"`
	URLs    []XMLURL `xml:"url"`
}

// XMLSitemap represents a <sitemap> element in a sitemap index file
type XMLSitemap struct {
	Loc     string `xml:"loc"`
	LastMod string `xml:"lastmod,omitempty"`
}

// XMLSitemapIndex represents a <sitemapindex> element
type XMLSitemapIndex struct {
	XMLName  xml.Name     `xml:"sitemapindex"`
	Sitemaps []XMLSitemap `xml:"sitemap"`
}

// Sitemap is a decoded sitemap document of either kind
type Sitemap struct {
	IsIndex  bool
	Sitemaps []XMLSitemap // Set when IsIndex
	URLs     []XMLURL     // Set for <urlset>
}

// ParseSitemap decodes a <sitemapindex> or <urlset> document.
// Any other root element, or malformed XML, is an ErrParsing error.
func ParseSitemap(data []byte) (*Sitemap, error) {
	root, err := rootElement(data)
	if err != nil {
		return nil, err
	}

	switch root {
	case "sitemapindex":
		var idx XMLSitemapIndex
		if err := xml.Unmarshal(data, &idx); err != nil {
			return nil, fmt.Errorf("%w: XML sitemap index: %v", utils.ErrParsing, err)
		}
		return &Sitemap{IsIndex: true, Sitemaps: idx.Sitemaps}, nil
	case "urlset":
		var set XMLURLSet
		if err := xml.Unmarshal(data, &set); err != nil {
			return nil, fmt.Errorf("%w: XML urlset: %v", utils.ErrParsing, err)
		}
		return &Sitemap{URLs: set.URLs}, nil
	default:
		return nil, fmt.Errorf("%w: XML root <%s> is not a sitemap", utils.ErrParsing, root)
	}
}

// rootElement returns the local name of the first start element
func rootElement(data []byte) (string, error) {
	dec := xml.NewDecoder(bytes.NewReader(data))
	for {
		tok, err := dec.Token()
		if err != nil {
			return "", fmt.Errorf("%w: XML has no root element: %v", utils.ErrParsing, err)
		}
		if se, ok := tok.(xml.StartElement); ok {
			return se.Name.Local, nil
		}
	}
}

// --- XML Structs for RSS Feeds ---

// XMLRSS represents an RSS 2.0 <rss> document
type XMLRSS struct {
	XMLName xml.Name      `xml:"rss"`
	Channel XMLRSSChannel `xml:"channel"`
}

// XMLRSSChannel represents the <channel> element
type XMLRSSChannel struct {
	Title         string       `xml:"title"`
	Link          string       `xml:"link"`
	LastBuildDate string       `xml:"lastBuildDate"`
	Items         []XMLRSSItem `xml:"item"`
}

// XMLRSSItem represents an <item> element
type XMLRSSItem struct {
	Title   string `xml:"title"`
	Link    string `xml:"link"`
	GUID    string `xml:"guid"`
	PubDate string `xml:"pubDate"`
}

// ParseRSS decodes an RSS 2.0 feed
func ParseRSS(data []byte) (*XMLRSS, error) {
	var feed XMLRSS
	if err := xml.Unmarshal(data, &feed); err != nil {
		return nil, fmt.Errorf("%w: XML feed: %v", utils.ErrParsing, err)
	}
	return &feed, nil
}

// LastBuild returns the channel's lastBuildDate, falling back to the newest item pubDate.
// ok is false when neither is present or parseable.
func (f *XMLRSS) LastBuild() (t time.Time, ok bool) {
	if t, ok := ParseFeedDate(f.Channel.LastBuildDate); ok {
		return t, true
	}
	for _, item := range f.Channel.Items {
		if it, ok := ParseFeedDate(item.PubDate); ok && it.After(t) {
			t = it
		}
	}
	return t, !t.IsZero()
}

var feedDateLayouts = []string{time.RFC1123Z, time.RFC1123, "Mon, 2 Jan 2006 15:04:05 -0700", "Mon, 2 Jan 2006 15:04:05 MST"}

// ParseFeedDate parses an RFC 822 style RSS date
func ParseFeedDate(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range feedDateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

var lastModLayouts = []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05", "2006-01-02T15:04Z07:00", "2006-01-02"}

// ParseLastMod parses a W3C datetime <lastmod> value
func ParseLastMod(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range lastModLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// LastModAfter reports whether lastmod a is strictly newer than b.
// An unparseable or empty b is older than any parseable a; an unparseable a is never newer.
func LastModAfter(a, b string) bool {
	ta, okA := ParseLastMod(a)
	if !okA {
		return false
	}
	tb, okB := ParseLastMod(b)
	if !okB {
		return true
	}
	return ta.After(tb)
}
