package extract

import (
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/sirupsen/logrus"

	"farsiland-scraper/pkg/models"
	"farsiland-scraper/pkg/parse"
)

var (
	numerandoPattern  = regexp.MustCompile(`(\d+)\s*-\s*(\d+)`)
	slugSxEPattern    = regexp.MustCompile(`(?i)(\d+)x(\d+)/?$`)
	slugEpPattern     = regexp.MustCompile(`(?i)ep(?:isode)?[_-]?(\d+)`)
	showPathPattern   = regexp.MustCompile(`^/(tvshows|series-22|iranian-series)/[^/]+/?$`)
	showLinkSelectors = []string{
		".breadcrumb li:nth-last-child(2) a",
		"div.pag_episodes a[href*='/tvshows/']",
		"a[href*='/tvshows/']",
		"a[href*='/iranian-series/']",
		"a[href*='/series-22/']",
	}
)

// Episode extracts an episode page. ShowURL is "" when no parent link is present.
func (e *HTMLExtractor) Episode(pageURL string, body []byte) (*models.Episode, error) {
	p, err := parsePage(pageURL, body)
	if err != nil {
		return nil, err
	}

	ep := &models.Episode{
		URL:        pageURL,
		ShowURL:    p.showLink(),
		Title:      p.text(".player-title", "h1", ".episodiotitle h3", "meta[property='og:title']"),
		AirDate:    p.text(".extra span.date + span.date", ".episodiotitle .date", ".date[itemprop='dateCreated']", "span.date"),
		Thumbnail:  p.image("meta[property='og:image']", ".poster img", ".thumb img"),
		VideoLinks: e.videoLinks(p),
	}
	ep.SeasonNumber, ep.EpisodeNumber = episodeNumbers(p, pageURL)

	if ep.Title == "" && ep.ShowURL == "" && len(ep.VideoLinks) == 0 {
		return nil, errNoContent(pageURL)
	}
	if ep.Title == "" {
		ep.Title = slugTitle(pageURL)
	}

	epLog := e.log.WithFields(logrus.Fields{"page_url": pageURL, "show_url": ep.ShowURL})
	if ep.ShowURL == "" {
		epLog.Warn("No parent show link found on episode page")
	}
	epLog.Debugf("Extracted episode S%dE%d with %d video links", ep.SeasonNumber, ep.EpisodeNumber, len(ep.VideoLinks))
	return ep, nil
}

// showLink returns the normalized URL of the parent show, or ""
func (p *page) showLink() string {
	for _, sel := range showLinkSelectors {
		found := ""
		p.doc.Find(sel).EachWithBreak(func(_ int, a *goquery.Selection) bool {
			href, ok := a.Attr("href")
			if !ok {
				return true
			}
			normalized, _, err := parse.ParseAndNormalize(p.resolve(href))
			if err != nil {
				return true
			}
			u, err := url.Parse(normalized)
			if err != nil || !strings.EqualFold(u.Hostname(), p.base.Hostname()) {
				return true
			}
			if showPathPattern.MatchString(u.Path) {
				found = normalized
				return false
			}
			return true
		})
		if found != "" {
			return found
		}
	}
	return ""
}

// episodeNumbers reads "1 - 2" from .numerando, then falls back to "1x02" or "ep2" in the URL
func episodeNumbers(p *page, pageURL string) (season, episode int) {
	if m := numerandoPattern.FindStringSubmatch(p.doc.Find(".numerando").First().Text()); m != nil {
		season, _ = strconv.Atoi(m[1])
		episode, _ = strconv.Atoi(m[2])
		return season, episode
	}
	if m := slugSxEPattern.FindStringSubmatch(pageURL); m != nil {
		season, _ = strconv.Atoi(m[1])
		episode, _ = strconv.Atoi(m[2])
		return season, episode
	}
	if m := slugEpPattern.FindStringSubmatch(pageURL); m != nil {
		episode, _ = strconv.Atoi(m[1])
	}
	return season, episode
}
