package db

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"farsiland-scraper/pkg/models"
	"farsiland-scraper/pkg/retry"
	"farsiland-scraper/pkg/utils"
)

const (
	showURL    = "https://farsiland.com/tvshows/a/"
	episodeURL = "https://farsiland.com/episodes/a-1x01/"
	movieURL   = "https://farsiland.com/movies/m/"
)

func testLogger() *logrus.Entry {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return logrus.NewEntry(log)
}

func noSleep(context.Context, time.Duration) error { return nil }

func newMockStore(t *testing.T, maxAttempts int) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return NewWithPool(mock, maxAttempts, testLogger()).WithRetryOptions(retry.WithSleeper(noSleep)), mock
}

func testShow(title string) *models.Show {
	return &models.Show{
		URL:     showURL,
		Title:   title,
		Genres:  []string{"Drama"},
		Cast:    []string{"Actor"},
		Seasons: []models.Season{{Number: 1, EpisodeURLs: []string{episodeURL}}},
		LastMod: "2025-01-01",
	}
}

func showArgs(s *models.Show) []any {
	return []any{
		s.URL, s.Title, s.TitleFa, s.Description, s.Poster, s.FirstAirDate, s.Rating,
		[]byte(`["Drama"]`), []byte(`[]`), []byte(`["Actor"]`),
		[]byte(`[{"season_number":1,"episode_urls":["` + episodeURL + `"]}]`),
		s.LastMod,
	}
}

func episodeArgs(ep *models.Episode) []any {
	return []any{
		ep.URL, ep.ShowURL, ep.Title, ep.SeasonNumber, ep.EpisodeNumber, ep.AirDate, ep.Thumbnail,
		[]byte(`[]`), ep.LastMod,
	}
}

func TestUpsertShow(t *testing.T) {
	t.Run("twice keeps one row with the latest title", func(t *testing.T) {
		store, mock := newMockStore(t, 3)

		for _, title := range []string{"First", "Second"} {
			show := testShow(title)
			mock.ExpectBegin()
			mock.ExpectExec("INSERT INTO shows").
				WithArgs(showArgs(show)...).
				WillReturnResult(pgxmock.NewResult("INSERT", 1))
			mock.ExpectCommit()
			require.NoError(t, store.UpsertShow(context.Background(), show))
		}
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unique violation is not retried", func(t *testing.T) {
		store, mock := newMockStore(t, 3)
		show := testShow("A")

		mock.ExpectBegin()
		mock.ExpectExec("INSERT INTO shows").
			WithArgs(showArgs(show)...).
			WillReturnError(&pgconn.PgError{Code: "23505", Message: "duplicate key"})
		mock.ExpectRollback()

		err := store.UpsertShow(context.Background(), show)
		require.Error(t, err)
		assert.ErrorIs(t, err, utils.ErrConstraintViolation)
		var dbErr *Error
		require.ErrorAs(t, err, &dbErr)
		assert.Equal(t, "upsert_show", dbErr.Op)
		assert.Equal(t, showURL, dbErr.URL)
		assert.Equal(t, "23505", dbErr.Code)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("serialization failure retried then committed", func(t *testing.T) {
		store, mock := newMockStore(t, 3)
		show := testShow("A")

		mock.ExpectBegin()
		mock.ExpectExec("INSERT INTO shows").
			WithArgs(showArgs(show)...).
			WillReturnError(&pgconn.PgError{Code: "40001"})
		mock.ExpectRollback()
		mock.ExpectBegin()
		mock.ExpectExec("INSERT INTO shows").
			WithArgs(showArgs(show)...).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
		mock.ExpectCommit()

		require.NoError(t, store.UpsertShow(context.Background(), show))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("transient errors exhaust the attempts", func(t *testing.T) {
		store, mock := newMockStore(t, 2)
		show := testShow("A")

		for range 2 {
			mock.ExpectBegin()
			mock.ExpectExec("INSERT INTO shows").
				WithArgs(showArgs(show)...).
				WillReturnError(&pgconn.PgError{Code: "40P01"})
			mock.ExpectRollback()
		}

		err := store.UpsertShow(context.Background(), show)
		require.Error(t, err)
		assert.ErrorIs(t, err, utils.ErrTransientIO)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("missing table is a schema error", func(t *testing.T) {
		store, mock := newMockStore(t, 3)
		show := testShow("A")

		mock.ExpectBegin()
		mock.ExpectExec("INSERT INTO shows").
			WithArgs(showArgs(show)...).
			WillReturnError(&pgconn.PgError{Code: "42P01", Message: `relation "shows" does not exist`})
		mock.ExpectRollback()

		err := store.UpsertShow(context.Background(), show)
		assert.ErrorIs(t, err, utils.ErrSchema)
		assert.Equal(t, "Database_Schema", utils.CategorizeError(err))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("begin failure is classified", func(t *testing.T) {
		store, mock := newMockStore(t, 1)
		mock.ExpectBegin().WillReturnError(io.ErrUnexpectedEOF)

		err := store.UpsertShow(context.Background(), testShow("A"))
		assert.ErrorIs(t, err, utils.ErrTransientIO)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("missing url never reaches the database", func(t *testing.T) {
		store, mock := newMockStore(t, 3)
		err := store.UpsertShow(context.Background(), &models.Show{Title: "x"})
		assert.ErrorIs(t, err, utils.ErrConstraintViolation)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestUpsertEpisode(t *testing.T) {
	newEpisode := func(show string) *models.Episode {
		return &models.Episode{URL: episodeURL, ShowURL: show, Title: "Episode 1", SeasonNumber: 1, EpisodeNumber: 1}
	}

	t.Run("new episode linked to its show", func(t *testing.T) {
		store, mock := newMockStore(t, 3)
		ep := newEpisode(showURL)

		mock.ExpectBegin()
		mock.ExpectQuery("SELECT COALESCE").WithArgs(episodeURL).
			WillReturnRows(pgxmock.NewRows([]string{"show_url"}))
		mock.ExpectQuery("INSERT INTO episodes").WithArgs(episodeArgs(ep)...).
			WillReturnRows(pgxmock.NewRows([]string{"show_url"}).AddRow(showURL))
		mock.ExpectCommit()

		write, err := store.UpsertEpisode(context.Background(), ep)
		require.NoError(t, err)
		assert.Equal(t, EpisodeWrite{ShowURL: showURL}, write)
		assert.Equal(t, []string{showURL}, write.TouchedShows())
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unknown parent is stored as orphan", func(t *testing.T) {
		store, mock := newMockStore(t, 3)
		ep := newEpisode("https://farsiland.com/tvshows/missing/")

		mock.ExpectBegin()
		mock.ExpectQuery("SELECT COALESCE").WithArgs(episodeURL).
			WillReturnRows(pgxmock.NewRows([]string{"show_url"}))
		mock.ExpectQuery("INSERT INTO episodes").WithArgs(episodeArgs(ep)...).
			WillReturnRows(pgxmock.NewRows([]string{"show_url"}).AddRow(""))
		mock.ExpectCommit()

		write, err := store.UpsertEpisode(context.Background(), ep)
		require.NoError(t, err)
		assert.True(t, write.Orphaned)
		assert.Empty(t, write.ShowURL)
		assert.Empty(t, write.TouchedShows())
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("parent change touches both shows", func(t *testing.T) {
		store, mock := newMockStore(t, 3)
		ep := newEpisode(showURL)
		previous := "https://farsiland.com/tvshows/old/"

		mock.ExpectBegin()
		mock.ExpectQuery("SELECT COALESCE").WithArgs(episodeURL).
			WillReturnRows(pgxmock.NewRows([]string{"show_url"}).AddRow(previous))
		mock.ExpectQuery("INSERT INTO episodes").WithArgs(episodeArgs(ep)...).
			WillReturnRows(pgxmock.NewRows([]string{"show_url"}).AddRow(showURL))
		mock.ExpectCommit()

		write, err := store.UpsertEpisode(context.Background(), ep)
		require.NoError(t, err)
		assert.Equal(t, previous, write.PreviousShowURL)
		assert.Equal(t, []string{showURL, previous}, write.TouchedShows())
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("foreign key violation rolls back", func(t *testing.T) {
		store, mock := newMockStore(t, 3)
		ep := newEpisode(showURL)

		mock.ExpectBegin()
		mock.ExpectQuery("SELECT COALESCE").WithArgs(episodeURL).
			WillReturnRows(pgxmock.NewRows([]string{"show_url"}))
		mock.ExpectQuery("INSERT INTO episodes").WithArgs(episodeArgs(ep)...).
			WillReturnError(&pgconn.PgError{Code: "23503"})
		mock.ExpectRollback()

		_, err := store.UpsertEpisode(context.Background(), ep)
		assert.ErrorIs(t, err, utils.ErrConstraintViolation)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestUpsertMovie(t *testing.T) {
	store, mock := newMockStore(t, 3)
	movie := &models.Movie{
		URL:        movieURL,
		Title:      "M",
		Year:       1999,
		VideoLinks: []models.VideoLink{{Quality: "720p", URL: "https://cdn.farsiland.com/m.mp4"}},
	}

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO movies").
		WithArgs(movie.URL, movie.Title, "", "", "", 1999, 0.0,
			[]byte(`[{"quality":"720p","url":"https://cdn.farsiland.com/m.mp4"}]`), "").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	require.NoError(t, store.UpsertMovie(context.Background(), movie))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecomputeEpisodeCount(t *testing.T) {
	t.Run("returns the stored count", func(t *testing.T) {
		store, mock := newMockStore(t, 3)
		mock.ExpectBegin()
		mock.ExpectQuery("UPDATE shows").WithArgs(showURL).
			WillReturnRows(pgxmock.NewRows([]string{"episode_count"}).AddRow(6))
		mock.ExpectCommit()

		count, err := store.RecomputeEpisodeCount(context.Background(), showURL)
		require.NoError(t, err)
		assert.Equal(t, 6, count)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unknown show yields zero", func(t *testing.T) {
		store, mock := newMockStore(t, 3)
		mock.ExpectBegin()
		mock.ExpectQuery("UPDATE shows").WithArgs(showURL).
			WillReturnRows(pgxmock.NewRows([]string{"episode_count"}))
		mock.ExpectCommit()

		count, err := store.RecomputeEpisodeCount(context.Background(), showURL)
		require.NoError(t, err)
		assert.Zero(t, count)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestEnsureSchema(t *testing.T) {
	store, mock := newMockStore(t, 3)

	mock.ExpectBegin()
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS shows").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS episodes").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectExec("CREATE INDEX IF NOT EXISTS idx_episodes_show_url").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS movies").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectCommit()

	require.NoError(t, store.EnsureSchema(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWithTx_ContextCanceledBetweenAttempts(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	ctx, cancel := context.WithCancel(context.Background())
	store := NewWithPool(mock, 3, testLogger()).WithRetryOptions(retry.WithSleeper(func(ctx context.Context, _ time.Duration) error {
		cancel()
		return ctx.Err()
	}))

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO shows").
		WithArgs(showArgs(testShow("A"))...).
		WillReturnError(&pgconn.PgError{Code: "40001"})
	mock.ExpectRollback()

	err = store.UpsertShow(ctx, testShow("A"))
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.ErrorIs(t, err, utils.ErrDatabase)
	assert.True(t, errors.Is(err, utils.ErrTransientIO), "last attempt's error stays reachable")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPing(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	store := NewWithPool(mock, 1, testLogger())

	mock.ExpectPing()
	assert.NoError(t, store.Ping(context.Background()))

	mock.ExpectPing().WillReturnError(io.EOF)
	assert.ErrorIs(t, store.Ping(context.Background()), utils.ErrTransientIO)
	assert.NoError(t, mock.ExpectationsWereMet())
}
