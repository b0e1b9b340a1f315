// Package extract turns farsiland show, episode and movie pages into model records.
//
// Each field is read from a list of selectors tried in order; the site has changed theme
// markup several times, so older layouts stay in the lists. Extraction never touches the
// network: video links that require a form POST to resolve are skipped.
package extract

import (
	"bytes"
	"fmt"
	"net/url"
	"path"
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"github.com/PuerkitoBio/goquery"
	"github.com/sirupsen/logrus"

	"farsiland-scraper/pkg/models"
	"farsiland-scraper/pkg/utils"
)

// Extractor parses fetched page bodies into records
type Extractor interface {
	Show(pageURL string, body []byte) (*models.Show, error)
	Episode(pageURL string, body []byte) (*models.Episode, error)
	Movie(pageURL string, body []byte) (*models.Movie, error)
}

// HTMLExtractor is the goquery-based Extractor for the site's theme
type HTMLExtractor struct {
	log *logrus.Entry
}

// New creates an HTMLExtractor
func New(log *logrus.Entry) *HTMLExtractor {
	return &HTMLExtractor{log: log}
}

var _ Extractor = (*HTMLExtractor)(nil)

// page wraps a parsed document with its base URL
type page struct {
	doc  *goquery.Document
	base *url.URL
}

func parsePage(pageURL string, body []byte) (*page, error) {
	base, err := url.Parse(pageURL)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid page URL %q: %v", utils.ErrParsing, pageURL, err)
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, fmt.Errorf("%w: empty HTML body for %s", utils.ErrParsing, pageURL)
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: HTML for %s: %v", utils.ErrParsing, pageURL, err)
	}
	return &page{doc: doc, base: base}, nil
}

func errNoContent(pageURL string) error {
	return fmt.Errorf("%w: no recognizable content in HTML of %s", utils.ErrParsing, pageURL)
}

// text returns the trimmed text (or content attribute for <meta>) of the first selector that matches non-empty
func (p *page) text(selectors ...string) string {
	for _, sel := range selectors {
		s := p.doc.Find(sel).First()
		if s.Length() == 0 {
			continue
		}
		var v string
		if goquery.NodeName(s) == "meta" {
			v, _ = s.Attr("content")
		} else {
			v = s.Text()
		}
		if v = collapseSpace(v); v != "" {
			return v
		}
	}
	return ""
}

// joinedText concatenates every match of the first selector that matches
func (p *page) joinedText(selectors ...string) string {
	for _, sel := range selectors {
		var parts []string
		p.doc.Find(sel).Each(func(_ int, s *goquery.Selection) {
			if t := collapseSpace(s.Text()); t != "" {
				parts = append(parts, t)
			}
		})
		if len(parts) > 0 {
			return strings.Join(parts, " ")
		}
	}
	return ""
}

// list collects distinct texts from the first selector that yields any
func (p *page) list(selectors ...string) []string {
	for _, sel := range selectors {
		var out []string
		seen := make(map[string]bool)
		p.doc.Find(sel).Each(func(_ int, s *goquery.Selection) {
			t := collapseSpace(s.Text())
			if t != "" && !seen[t] {
				seen[t] = true
				out = append(out, t)
			}
		})
		if len(out) > 0 {
			return out
		}
	}
	return []string{}
}

var imageAttrs = []string{"src", "data-src", "data-lazy-src"}

// image returns the absolute URL of the first matching <img> or <meta> image
func (p *page) image(selectors ...string) string {
	for _, sel := range selectors {
		s := p.doc.Find(sel).First()
		if s.Length() == 0 {
			continue
		}
		if goquery.NodeName(s) == "meta" {
			if v, ok := s.Attr("content"); ok && strings.TrimSpace(v) != "" {
				return p.resolve(v)
			}
			continue
		}
		for _, attr := range imageAttrs {
			if v, ok := s.Attr(attr); ok && strings.TrimSpace(v) != "" {
				return p.resolve(v)
			}
		}
	}
	return ""
}

// resolve makes href absolute against the page URL; unparseable hrefs are returned trimmed
func (p *page) resolve(href string) string {
	href = strings.TrimSpace(href)
	ref, err := url.Parse(href)
	if err != nil {
		return href
	}
	return p.base.ResolveReference(ref).String()
}

var firstNumber = regexp.MustCompile(`\d+(?:\.\d+)?`)

// rating parses the first decimal number of the first matching selector
func (p *page) rating(selectors ...string) float64 {
	m := firstNumber.FindString(p.text(selectors...))
	if m == "" {
		return 0
	}
	v, err := strconv.ParseFloat(m, 64)
	if err != nil {
		return 0
	}
	return v
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// slugTitle turns ".../tvshows/the-good-doctor/" into "The Good Doctor"
func slugTitle(pageURL string) string {
	p := pageURL
	if u, err := url.Parse(pageURL); err == nil {
		p = u.Path
	}
	slug := path.Base(strings.TrimSuffix(p, "/"))
	if slug == "." || slug == "/" {
		return ""
	}
	if unescaped, err := url.PathUnescape(slug); err == nil {
		slug = unescaped
	}
	words := strings.FieldsFunc(slug, func(r rune) bool { return r == '-' || r == '_' })
	for i, w := range words {
		r := []rune(w)
		r[0] = unicode.ToUpper(r[0])
		words[i] = string(r)
	}
	return strings.Join(words, " ")
}
