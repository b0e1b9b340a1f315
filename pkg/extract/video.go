package extract

import (
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"farsiland-scraper/pkg/models"
)

var qualityPattern = regexp.MustCompile(`(?i)\b(\d{3,4}p)\b`)

// qualityFromURL reads "720p" style markers from a file URL
func qualityFromURL(href string) string {
	if m := qualityPattern.FindStringSubmatch(href); m != nil {
		return strings.ToLower(m[1])
	}
	return "unknown"
}

// videoLinks collects download links from the download table and from direct .mp4 anchors.
// Table rows that only carry a fileid form are skipped.
func (e *HTMLExtractor) videoLinks(p *page) []models.VideoLink {
	links := []models.VideoLink{}
	seen := make(map[string]bool)
	add := func(v models.VideoLink) {
		if v.URL == "" || seen[v.URL] {
			return
		}
		seen[v.URL] = true
		links = append(links, v)
	}

	skipped := 0
	p.doc.Find("#download table tr[id^='link-']").Each(func(_ int, row *goquery.Selection) {
		href, ok := row.Find("a[href]").First().Attr("href")
		if !ok || strings.TrimSpace(href) == "" || strings.HasPrefix(strings.TrimSpace(href), "#") {
			if row.Find("input[name='fileid']").Length() > 0 {
				skipped++
			}
			return
		}
		abs := p.resolve(href)
		quality := collapseSpace(row.Find("strong.quality").First().Text())
		if quality == "" {
			quality = collapseSpace(row.Find("td:nth-child(2)").First().Text())
		}
		if quality == "" {
			quality = qualityFromURL(abs)
		}
		add(models.VideoLink{
			Quality: quality,
			URL:     abs,
			Size:    collapseSpace(row.Find("td:nth-child(3)").First().Text()),
		})
	})

	p.doc.Find("a[href$='.mp4']").Each(func(_ int, a *goquery.Selection) {
		href, _ := a.Attr("href")
		abs := p.resolve(href)
		add(models.VideoLink{Quality: qualityFromURL(abs), URL: abs})
	})

	if skipped > 0 {
		e.log.WithField("page_url", p.base.String()).Debugf("Skipped %d download rows that need form resolution", skipped)
	}
	return links
}
