package sitemap

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"farsiland-scraper/pkg/models"
	"farsiland-scraper/pkg/utils"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0644))
	return p
}

func TestDiscoverLocal_XMLIndex(t *testing.T) {
	dir := t.TempDir()
	index := writeFile(t, dir, "sitemap_index.xml", sitemapIndex(
		[2]string{"https://farsiland.com/tvshows-sitemap.xml", ""},
		[2]string{"episodes-sitemap.xml", ""},
	))
	writeFile(t, dir, "tvshows-sitemap.xml", urlSet([2]string{"https://farsiland.com/tvshows/a/", "2024-01-01"}))
	writeFile(t, dir, "episodes-sitemap.xml", urlSet([2]string{"https://farsiland.com/episodes/a-1/", ""}))

	f := &fakeFetcher{docs: map[string]string{}}
	result, err := newTestDiscoverer(f, nil, 0).Discover(context.Background(), indexURL, index)
	require.NoError(t, err)

	assert.Equal(t, []string{"https://farsiland.com/tvshows/a/"}, result.URLs(models.ContentTypeShow))
	assert.Equal(t, []string{"https://farsiland.com/episodes/a-1/"}, result.URLs(models.ContentTypeEpisode))
	assert.Empty(t, result[models.ContentTypeMovie])
	assert.Empty(t, f.calls, "local discovery never touches the network")
}

func TestDiscoverLocal_URLSet(t *testing.T) {
	file := writeFile(t, t.TempDir(), "urls.xml", urlSet(
		[2]string{"https://farsiland.com/movies/m/", ""},
		[2]string{"https://farsiland.com/movies/m", "2024-02-02"},
	))
	result, err := newTestDiscoverer(&fakeFetcher{}, nil, 0).Discover(context.Background(), "", file)
	require.NoError(t, err)
	assert.Equal(t, []models.DiscoveredURL{
		{Type: models.ContentTypeMovie, URL: "https://farsiland.com/movies/m/", LastMod: "2024-02-02"},
	}, result[models.ContentTypeMovie])
}

func TestDiscoverLocal_JSON(t *testing.T) {
	file := writeFile(t, t.TempDir(), "index.json", `{
		"shows": [{"url": "https://farsiland.com/tvshows/a", "lastmod": "2024-01-01"}, {"url": "not a url"}],
		"episodes": [{"url": "https://farsiland.com/episodes/a-1/"}, {"url": "https://farsiland.com/episodes/a-1"}],
		"movies": [],
		"general": [{"url": "https://farsiland.com/about/"}]
	}`)
	result, err := newTestDiscoverer(&fakeFetcher{}, nil, 0).Discover(context.Background(), "", file)
	require.NoError(t, err)

	assert.Equal(t, []models.DiscoveredURL{
		{Type: models.ContentTypeShow, URL: "https://farsiland.com/tvshows/a/", LastMod: "2024-01-01"},
	}, result[models.ContentTypeShow])
	assert.Equal(t, []string{"https://farsiland.com/episodes/a-1/"}, result.URLs(models.ContentTypeEpisode))
	assert.Empty(t, result[models.ContentTypeMovie])
	assert.Equal(t, 2, result.Total())
}

func TestDiscoverLocal_Errors(t *testing.T) {
	dir := t.TempDir()

	t.Run("missing file", func(t *testing.T) {
		_, err := newTestDiscoverer(&fakeFetcher{}, nil, 0).Discover(context.Background(), "", filepath.Join(dir, "nope.xml"))
		assert.ErrorIs(t, err, utils.ErrDiscoveryFailed)
		assert.ErrorIs(t, err, os.ErrNotExist)
	})

	t.Run("missing child file", func(t *testing.T) {
		index := writeFile(t, dir, "index.xml", sitemapIndex([2]string{"missing-sitemap.xml", ""}))
		result, err := newTestDiscoverer(&fakeFetcher{}, nil, 0).Discover(context.Background(), "", index)
		assert.Nil(t, result)
		assert.ErrorIs(t, err, utils.ErrDiscoveryFailed)
		assert.ErrorIs(t, err, utils.ErrFilesystem)
	})

	t.Run("malformed JSON", func(t *testing.T) {
		file := writeFile(t, dir, "bad.json", `{"shows": [`)
		_, err := newTestDiscoverer(&fakeFetcher{}, nil, 0).Discover(context.Background(), "", file)
		assert.ErrorIs(t, err, utils.ErrDiscoveryFailed)
		assert.ErrorIs(t, err, utils.ErrParsing)
	})
}

func TestResolveLocalChild(t *testing.T) {
	dir := filepath.Join("data", "maps")
	tests := []struct {
		loc    string
		want   string
		wantOK bool
	}{
		{"https://farsiland.com/tvshows-sitemap.xml", filepath.Join(dir, "tvshows-sitemap.xml"), true},
		{"episodes-sitemap.xml", filepath.Join(dir, "episodes-sitemap.xml"), true},
		{"sub/movies-sitemap.xml", filepath.Join(dir, "sub", "movies-sitemap.xml"), true},
		{"file:///tmp/x.xml", "/tmp/x.xml", true},
		{"https://farsiland.com/", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.loc, func(t *testing.T) {
			got, ok := resolveLocalChild(dir, tt.loc)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}
