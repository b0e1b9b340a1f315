package extract

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/sirupsen/logrus"

	"farsiland-scraper/pkg/models"
	"farsiland-scraper/pkg/parse"
)

var seasonNumberPattern = regexp.MustCompile(`\d+`)

// Show extracts a show page. EpisodeCount is left zero; the store maintains it.
func (e *HTMLExtractor) Show(pageURL string, body []byte) (*models.Show, error) {
	p, err := parsePage(pageURL, body)
	if err != nil {
		return nil, err
	}

	show := &models.Show{
		URL:          pageURL,
		Title:        p.text(".data h1", ".sheader .shead h1", "h1", ".entry-title", "meta[property='og:title']"),
		TitleFa:      p.text(".data h2", ".custom_fields span.valor.original"),
		Description:  p.text(".wp-content", "meta[name='description']", "meta[property='og:description']", ".description"),
		Poster:       p.image(".poster img", ".thumb img", "meta[property='og:image']", ".imagen img"),
		FirstAirDate: p.text(".extra span.date", "span.date", "meta[property='og:release_date']"),
		Rating:       p.rating(".imdb span", ".dt_rating_vgs", "span[itemprop='ratingValue']"),
		Genres:       p.list(".sgeneros a", "span[itemprop='genre']", ".genres a"),
		Directors:    p.list(".person[itemprop='director'] .name", ".director a", "span[itemprop='director']"),
		Cast:         p.list(".person[itemprop='actor'] .name", ".cast a", "span[itemprop='actor']"),
		Seasons:      e.seasons(p),
	}

	if show.Title == "" && show.Poster == "" && show.Description == "" && len(show.Seasons) == 0 {
		return nil, errNoContent(pageURL)
	}
	if show.Title == "" {
		show.Title = slugTitle(pageURL)
		e.log.WithField("page_url", pageURL).Warnf("No title found, using slug %q", show.Title)
	}

	e.log.WithFields(logrus.Fields{"page_url": pageURL, "seasons": len(show.Seasons)}).Debug("Extracted show")
	return show, nil
}

// seasons reads the season accordion; a season header without digits takes its position as number
func (e *HTMLExtractor) seasons(p *page) []models.Season {
	containers := p.doc.Find("div.se-c")
	if containers.Length() == 0 {
		containers = p.doc.Find(".temporadas > div")
	}

	seasons := []models.Season{}
	containers.Each(func(i int, div *goquery.Selection) {
		number := i + 1
		if m := seasonNumberPattern.FindString(div.Find(".se-q .se-t").First().Text()); m != "" {
			if n, err := strconv.Atoi(m); err == nil {
				number = n
			}
		}

		items := div.Find("ul.episodios > li")
		if items.Length() == 0 {
			items = div.Find(".se-a ul > li")
		}

		var urls []string
		seen := make(map[string]bool)
		items.Each(func(_ int, li *goquery.Selection) {
			link := li.Find(".episodiotitle a").First()
			if _, ok := link.Attr("href"); !ok {
				link = li.Find("a[href]").First()
			}
			href, ok := link.Attr("href")
			if !ok || strings.TrimSpace(href) == "" {
				return
			}
			u := parse.NormalizeOrRaw(p.resolve(href))
			if !seen[u] {
				seen[u] = true
				urls = append(urls, u)
			}
		})
		if len(urls) == 0 {
			return
		}
		seasons = append(seasons, models.Season{Number: number, EpisodeURLs: urls})
	})
	return seasons
}
