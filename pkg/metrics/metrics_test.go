package metrics

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInit_Idempotent(t *testing.T) {
	Init()
	first := cacheRequestsTotal
	Init()

	require.NotNil(t, first)
	assert.Same(t, first, cacheRequestsTotal)
	assert.NotNil(t, fetchRetriesTotal)
	assert.NotNil(t, runDurationSeconds)
}

func TestObserveCache(t *testing.T) {
	Init()
	before := testutil.ToFloat64(cacheRequestsTotal.WithLabelValues(CacheHit))

	ObserveCache(CacheHit)
	ObserveCache(CacheHit)
	ObserveCache(CacheMiss)

	assert.Equal(t, before+2, testutil.ToFloat64(cacheRequestsTotal.WithLabelValues(CacheHit)))
}

func TestObserveFetch(t *testing.T) {
	Init()
	retries := testutil.ToFloat64(fetchRetriesTotal)
	failures := testutil.ToFloat64(fetchFailuresTotal)

	ObserveFetchRetry()
	ObserveFetchRetry()
	ObserveFetchFailure()

	assert.Equal(t, retries+2, testutil.ToFloat64(fetchRetriesTotal))
	assert.Equal(t, failures+1, testutil.ToFloat64(fetchFailuresTotal))
}

func TestObservePipelineCounters(t *testing.T) {
	Init()
	discovered := testutil.ToFloat64(discoveredURLsTotal.WithLabelValues("shows"))
	upserts := testutil.ToFloat64(upsertsTotal.WithLabelValues("episodes", "ok"))
	newItems := testutil.ToFloat64(newItemsTotal.WithLabelValues("movies"))
	notifyErrs := testutil.ToFloat64(notificationsSentTotal.WithLabelValues("file", "error"))

	ObserveDiscovered("shows", 12)
	ObserveUpsert("episodes", "ok")
	ObserveNewItems("movies", 3)
	ObserveNotification("file", errors.New("disk full"))
	ObserveNotification("file", nil)

	assert.Equal(t, discovered+12, testutil.ToFloat64(discoveredURLsTotal.WithLabelValues("shows")))
	assert.Equal(t, upserts+1, testutil.ToFloat64(upsertsTotal.WithLabelValues("episodes", "ok")))
	assert.Equal(t, newItems+3, testutil.ToFloat64(newItemsTotal.WithLabelValues("movies")))
	assert.Equal(t, notifyErrs+1, testutil.ToFloat64(notificationsSentTotal.WithLabelValues("file", "error")))
}

func TestHandler_ExposesCollectors(t *testing.T) {
	ObserveRunDuration(1500 * time.Millisecond)
	ObserveCache(CacheRefresh)

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	text := string(body)
	assert.True(t, strings.Contains(text, "farsiland_run_duration_seconds_bucket"))
	assert.True(t, strings.Contains(text, `farsiland_cache_requests_total{result="refresh"}`))
}
