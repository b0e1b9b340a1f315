package parse

import (
	"encoding/xml"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"farsiland-scraper/pkg/utils"
)

func TestXMLURL_Unmarshal(t *testing.T) {
	tests := []struct {
		name            string
		xmlData         string
		expectedLoc     string
		expectedLastMod string
	}{
		{"LocOnly", `<url><loc>https://farsiland.com/tvshows/a/</loc></url>`, "https://farsiland.com/tvshows/a/", ""},
		{"LocAndLastMod", `<url><loc>https://farsiland.com/tvshows/a/</loc><lastmod>2025-04-01T10:00:00+00:00</lastmod></url>`, "https://farsiland.com/tvshows/a/", "2025-04-01T10:00:00+00:00"},
		{"EmptyLoc", `<url><loc></loc></url>`, "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var u XMLURL
			err := xml.Unmarshal([]byte(tt.xmlData), &u)
			if err != nil {
				t.Fatalf("xml.Unmarshal() error = %v", err)
			}
			if u.Loc != tt.expectedLoc {
				t.Errorf("XMLURL.Loc = %q, want %q", u.Loc, tt.expectedLoc)
			}
			if u.LastMod != tt.expectedLastMod {
				t.Errorf("XMLURL.LastMod = %q, want %q", u.LastMod, tt.expectedLastMod)
			}
		})
	}
}

func TestParseSitemap_URLSet(t *testing.T) {
	data := []byte(`<?xml version="1.0" encoding="UTF-8"?>
<urlset xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">
  <url><loc>https://farsiland.com/tvshows/a/</loc><lastmod>2025-04-01</lastmod></url>
  <url><loc>https://farsiland.com/episodes/a-1x01/</loc></url>
</urlset>`)

	sm, err := ParseSitemap(data)

	require.NoError(t, err)
	assert.False(t, sm.IsIndex)
	require.Len(t, sm.URLs, 2)
	assert.Equal(t, "https://farsiland.com/tvshows/a/", sm.URLs[0].Loc)
	assert.Equal(t, "2025-04-01", sm.URLs[0].LastMod)
	assert.Empty(t, sm.Sitemaps)
}

func TestParseSitemap_Index(t *testing.T) {
	data := []byte(`<?xml version="1.0" encoding="UTF-8"?>
<?xml-stylesheet type="text/xsl" href="//farsiland.com/main-sitemap.xsl"?>
<sitemapindex xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">
  <sitemap><loc>https://farsiland.com/tvshows-sitemap.xml</loc><lastmod>2025-04-17T08:00:00+00:00</lastmod></sitemap>
  <sitemap><loc>https://farsiland.com/movies-sitemap.xml</loc></sitemap>
</sitemapindex>`)

	sm, err := ParseSitemap(data)

	require.NoError(t, err)
	assert.True(t, sm.IsIndex)
	require.Len(t, sm.Sitemaps, 2)
	assert.Equal(t, "https://farsiland.com/tvshows-sitemap.xml", sm.Sitemaps[0].Loc)
	assert.Equal(t, "2025-04-17T08:00:00+00:00", sm.Sitemaps[0].LastMod)
}

func TestParseSitemap_Errors(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"Empty", ""},
		{"HTML", "<html><body>maintenance</body></html>"},
		{"Truncated", `<urlset><url><loc>https://farsiland.com/a/</loc>`},
		{"NotXML", "{\"shows\":[]}"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseSitemap([]byte(tt.data))
			require.Error(t, err)
			assert.ErrorIs(t, err, utils.ErrParsing)
			assert.Equal(t, "Content_ParsingXML", utils.CategorizeError(err))
		})
	}
}

func TestParseRSS_LastBuild(t *testing.T) {
	feed, err := ParseRSS([]byte(`<?xml version="1.0"?>
<rss version="2.0"><channel>
  <title>Farsiland</title>
  <lastBuildDate>Thu, 17 Apr 2025 08:30:00 +0000</lastBuildDate>
  <item><title>A</title><link>https://farsiland.com/episodes/a-1x02/</link><pubDate>Wed, 16 Apr 2025 10:00:00 +0000</pubDate></item>
</channel></rss>`))

	require.NoError(t, err)
	assert.Equal(t, "Farsiland", feed.Channel.Title)
	require.Len(t, feed.Channel.Items, 1)

	got, ok := feed.LastBuild()
	require.True(t, ok)
	assert.True(t, got.Equal(time.Date(2025, 4, 17, 8, 30, 0, 0, time.UTC)))
}

func TestParseRSS_LastBuildFallsBackToItems(t *testing.T) {
	feed, err := ParseRSS([]byte(`<rss><channel>
  <item><pubDate>Mon, 14 Apr 2025 10:00:00 +0000</pubDate></item>
  <item><pubDate>Tue, 15 Apr 2025 10:00:00 +0000</pubDate></item>
  <item><pubDate>garbage</pubDate></item>
</channel></rss>`))
	require.NoError(t, err)

	got, ok := feed.LastBuild()
	require.True(t, ok)
	assert.Equal(t, 15, got.Day())

	empty := &XMLRSS{}
	_, ok = empty.LastBuild()
	assert.False(t, ok)
}

func TestParseRSS_Invalid(t *testing.T) {
	_, err := ParseRSS([]byte("<rss><channel>"))
	assert.ErrorIs(t, err, utils.ErrParsing)
}

func TestParseLastMod(t *testing.T) {
	tests := []struct {
		in   string
		ok   bool
		want time.Time
	}{
		{"2025-04-17", true, time.Date(2025, 4, 17, 0, 0, 0, 0, time.UTC)},
		{"2025-04-17T08:00:00+00:00", true, time.Date(2025, 4, 17, 8, 0, 0, 0, time.UTC)},
		{"2025-04-17T08:00:00Z", true, time.Date(2025, 4, 17, 8, 0, 0, 0, time.UTC)},
		{"2025-04-17T08:00:00.5Z", true, time.Date(2025, 4, 17, 8, 0, 0, 500000000, time.UTC)},
		{" 2025-04-17T08:00:00 ", true, time.Date(2025, 4, 17, 8, 0, 0, 0, time.UTC)},
		{"", false, time.Time{}},
		{"yesterday", false, time.Time{}},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, ok := ParseLastMod(tt.in)
			assert.Equal(t, tt.ok, ok)
			assert.True(t, tt.want.Equal(got), "got %v want %v", got, tt.want)
		})
	}
}

func TestLastModAfter(t *testing.T) {
	assert.True(t, LastModAfter("2025-04-17", "2025-04-16T23:59:59Z"))
	assert.False(t, LastModAfter("2025-04-16", "2025-04-16"))
	assert.True(t, LastModAfter("2025-04-16", ""), "anything beats an unknown lastmod")
	assert.False(t, LastModAfter("", "2025-04-16"))
	assert.False(t, LastModAfter("bad", ""))
}
