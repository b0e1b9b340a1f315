package extract

import (
	"regexp"
	"strconv"

	"github.com/sirupsen/logrus"

	"farsiland-scraper/pkg/models"
)

var (
	yearPattern    = regexp.MustCompile(`\b(19\d{2}|20\d{2})\b`)
	urlYearPattern = regexp.MustCompile(`/movies-(\d{4})/`)
)

// Movie extracts a movie page
func (e *HTMLExtractor) Movie(pageURL string, body []byte) (*models.Movie, error) {
	p, err := parsePage(pageURL, body)
	if err != nil {
		return nil, err
	}

	movie := &models.Movie{
		URL:         pageURL,
		Title:       p.text(".data h1", "h1.player-title", "h1", "meta[property='og:title']"),
		TitleFa:     p.text(".data h2", ".data h3", ".custom_fields span.valor.original"),
		Description: p.joinedText(".wp-content p", ".description p"),
		Poster:      p.image(".poster img", "meta[property='og:image']"),
		Rating:      p.rating(".dt_rating_vgs", "span[itemprop='ratingValue']", ".imdb span"),
		VideoLinks:  e.videoLinks(p),
	}
	if movie.Description == "" {
		movie.Description = p.text("meta[name='description']", "meta[property='og:description']")
	}
	movie.Year = movieYear(p.text(".extra span.date", ".date[itemprop='dateCreated']"), pageURL)

	if movie.Title == "" && movie.Poster == "" && len(movie.VideoLinks) == 0 {
		return nil, errNoContent(pageURL)
	}
	if movie.Title == "" {
		movie.Title = slugTitle(pageURL)
	}

	e.log.WithFields(logrus.Fields{"page_url": pageURL, "year": movie.Year}).
		Debugf("Extracted movie with %d video links", len(movie.VideoLinks))
	return movie, nil
}

// movieYear prefers the release date, then the /movies-YYYY/ path segment
func movieYear(releaseDate, pageURL string) int {
	if m := yearPattern.FindString(releaseDate); m != "" {
		y, _ := strconv.Atoi(m)
		return y
	}
	if m := urlYearPattern.FindStringSubmatch(pageURL); m != nil {
		y, _ := strconv.Atoi(m[1])
		return y
	}
	return 0
}
