package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/sirupsen/logrus"

	"farsiland-scraper/pkg/metrics"
	"farsiland-scraper/pkg/models"
)

// EpisodeWrite reports the parent links around one episode upsert.
// ShowURL is the stored parent ("" when orphaned); PreviousShowURL is the parent before the write.
type EpisodeWrite struct {
	ShowURL         string
	PreviousShowURL string
	Orphaned        bool // A parent was named but no such show exists
}

// TouchedShows lists the distinct non-empty shows whose episode count may have changed
func (w EpisodeWrite) TouchedShows() []string {
	var out []string
	if w.ShowURL != "" {
		out = append(out, w.ShowURL)
	}
	if w.PreviousShowURL != "" && w.PreviousShowURL != w.ShowURL {
		out = append(out, w.PreviousShowURL)
	}
	return out
}

const upsertShowSQL = `
INSERT INTO shows (
	url, title, title_fa, description, poster, first_air_date, rating,
	genres, directors, cast_members, seasons, lastmod, last_scraped
) VALUES (
	$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, NOW()
)
ON CONFLICT (url) DO UPDATE SET
	title = EXCLUDED.title,
	title_fa = EXCLUDED.title_fa,
	description = EXCLUDED.description,
	poster = EXCLUDED.poster,
	first_air_date = EXCLUDED.first_air_date,
	rating = EXCLUDED.rating,
	genres = EXCLUDED.genres,
	directors = EXCLUDED.directors,
	cast_members = EXCLUDED.cast_members,
	seasons = EXCLUDED.seasons,
	lastmod = EXCLUDED.lastmod,
	last_scraped = EXCLUDED.last_scraped`

const previousShowSQL = `SELECT COALESCE(show_url, '') FROM episodes WHERE url = $1`

// The parent is resolved inside the statement so an unknown show yields NULL instead of an FK error
const upsertEpisodeSQL = `
INSERT INTO episodes (
	url, show_url, title, season_number, episode_number, air_date, thumbnail,
	video_links, lastmod, last_scraped
) VALUES (
	$1, (SELECT url FROM shows WHERE url = $2), $3, $4, $5, $6, $7, $8, $9, NOW()
)
ON CONFLICT (url) DO UPDATE SET
	show_url = EXCLUDED.show_url,
	title = EXCLUDED.title,
	season_number = EXCLUDED.season_number,
	episode_number = EXCLUDED.episode_number,
	air_date = EXCLUDED.air_date,
	thumbnail = EXCLUDED.thumbnail,
	video_links = EXCLUDED.video_links,
	lastmod = EXCLUDED.lastmod,
	last_scraped = EXCLUDED.last_scraped
RETURNING COALESCE(show_url, '')`

const upsertMovieSQL = `
INSERT INTO movies (
	url, title, title_fa, description, poster, year, rating,
	video_links, lastmod, last_scraped
) VALUES (
	$1, $2, $3, $4, $5, $6, $7, $8, $9, NOW()
)
ON CONFLICT (url) DO UPDATE SET
	title = EXCLUDED.title,
	title_fa = EXCLUDED.title_fa,
	description = EXCLUDED.description,
	poster = EXCLUDED.poster,
	year = EXCLUDED.year,
	rating = EXCLUDED.rating,
	video_links = EXCLUDED.video_links,
	lastmod = EXCLUDED.lastmod,
	last_scraped = EXCLUDED.last_scraped`

const recomputeCountSQL = `
UPDATE shows
SET episode_count = (SELECT COUNT(*) FROM episodes WHERE show_url = $1)
WHERE url = $1
RETURNING episode_count`

var errMissingURL = errors.New("url is required")

// UpsertShow inserts or replaces a show. EpisodeCount is ignored; see RecomputeEpisodeCount.
func (s *Store) UpsertShow(ctx context.Context, show *models.Show) error {
	if show == nil || show.URL == "" {
		return &Error{Kind: KindConstraint, Op: "upsert_show", Err: errMissingURL}
	}
	genres, directors, cast, seasons, err := encodeShowLists(show)
	if err != nil {
		return &Error{Kind: KindUnknown, Op: "upsert_show", URL: show.URL, Err: err}
	}

	err = s.withTx(ctx, "upsert_show", show.URL, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, upsertShowSQL,
			show.URL, show.Title, show.TitleFa, show.Description, show.Poster, show.FirstAirDate, show.Rating,
			genres, directors, cast, seasons, show.LastMod,
		)
		return err
	})
	observe(models.ContentTypeShow, err)
	return err
}

// UpsertEpisode inserts or replaces an episode. A ShowURL with no matching show is stored as NULL.
func (s *Store) UpsertEpisode(ctx context.Context, ep *models.Episode) (EpisodeWrite, error) {
	if ep == nil || ep.URL == "" {
		return EpisodeWrite{}, &Error{Kind: KindConstraint, Op: "upsert_episode", Err: errMissingURL}
	}
	links, err := encodeJSONList(ep.VideoLinks)
	if err != nil {
		return EpisodeWrite{}, &Error{Kind: KindUnknown, Op: "upsert_episode", URL: ep.URL, Err: err}
	}

	var write EpisodeWrite
	err = s.withTx(ctx, "upsert_episode", ep.URL, func(tx pgx.Tx) error {
		write = EpisodeWrite{}
		if err := tx.QueryRow(ctx, previousShowSQL, ep.URL).Scan(&write.PreviousShowURL); err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return err
		}
		return tx.QueryRow(ctx, upsertEpisodeSQL,
			ep.URL, ep.ShowURL, ep.Title, ep.SeasonNumber, ep.EpisodeNumber, ep.AirDate, ep.Thumbnail,
			links, ep.LastMod,
		).Scan(&write.ShowURL)
	})
	observe(models.ContentTypeEpisode, err)
	if err != nil {
		return EpisodeWrite{}, err
	}

	if ep.ShowURL != "" && write.ShowURL == "" {
		write.Orphaned = true
		s.log.WithFields(logrus.Fields{"url": ep.URL, "show_url": ep.ShowURL}).
			Warn("Episode parent show not found; stored without a show link")
	}
	return write, nil
}

// UpsertMovie inserts or replaces a movie
func (s *Store) UpsertMovie(ctx context.Context, movie *models.Movie) error {
	if movie == nil || movie.URL == "" {
		return &Error{Kind: KindConstraint, Op: "upsert_movie", Err: errMissingURL}
	}
	links, err := encodeJSONList(movie.VideoLinks)
	if err != nil {
		return &Error{Kind: KindUnknown, Op: "upsert_movie", URL: movie.URL, Err: err}
	}

	err = s.withTx(ctx, "upsert_movie", movie.URL, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, upsertMovieSQL,
			movie.URL, movie.Title, movie.TitleFa, movie.Description, movie.Poster, movie.Year, movie.Rating,
			links, movie.LastMod,
		)
		return err
	})
	observe(models.ContentTypeMovie, err)
	return err
}

// RecomputeEpisodeCount sets shows.episode_count from the episodes table and returns it.
// A show that does not exist yields 0 and no error.
func (s *Store) RecomputeEpisodeCount(ctx context.Context, showURL string) (int, error) {
	var count int
	err := s.withTx(ctx, "recompute_episode_count", showURL, func(tx pgx.Tx) error {
		count = 0
		err := tx.QueryRow(ctx, recomputeCountSQL, showURL).Scan(&count)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		return err
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

func observe(t models.ContentType, err error) {
	result := "ok"
	if err != nil {
		var dbErr *Error
		if errors.As(err, &dbErr) {
			result = dbErr.Kind.String()
		} else {
			result = "error"
		}
	}
	metrics.ObserveUpsert(t.String(), result)
}

// encodeJSONList marshals a slice, encoding nil as [] so the NOT NULL JSONB columns stay arrays
func encodeJSONList[T any](items []T) ([]byte, error) {
	if items == nil {
		items = []T{}
	}
	b, err := json.Marshal(items)
	if err != nil {
		return nil, fmt.Errorf("encode JSON column: %w", err)
	}
	return b, nil
}

func encodeShowLists(show *models.Show) (genres, directors, cast, seasons []byte, err error) {
	if genres, err = encodeJSONList(show.Genres); err != nil {
		return
	}
	if directors, err = encodeJSONList(show.Directors); err != nil {
		return
	}
	if cast, err = encodeJSONList(show.Cast); err != nil {
		return
	}
	seasons, err = encodeJSONList(show.Seasons)
	return
}
