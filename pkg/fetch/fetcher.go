package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"farsiland-scraper/pkg/config"
	"farsiland-scraper/pkg/metrics"
	"farsiland-scraper/pkg/retry"
	"farsiland-scraper/pkg/utils"
)

// Response is a successful (2xx) fetch with the body fully read
type Response struct {
	URL         string
	StatusCode  int
	ContentType string
	Body        []byte
	Attempts    int
}

// FetchError reports a fetch that gave up, carrying the last cause and the attempts made
type FetchError struct {
	URL        string
	Attempts   int
	StatusCode int // Last HTTP status seen, 0 for transport errors
	Err        error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s failed after %d attempt(s): %v", e.URL, e.Attempts, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Is makes every FetchError match utils.ErrFetchFailed
func (e *FetchError) Is(target error) bool { return target == utils.ErrFetchFailed }

// Fetcher performs GET requests with bounded retry, per-host politeness and a fixed User-Agent
type Fetcher struct {
	client       *http.Client
	policy       retry.Policy
	userAgent    string
	rateLimiter  *RateLimiter // Optional
	delayPerHost time.Duration
	retryOpts    []retry.Option
	log          *logrus.Entry
}

// NewFetcher creates a new Fetcher instance; rateLimiter may be nil
func NewFetcher(client *http.Client, cfg *config.AppConfig, rateLimiter *RateLimiter, log *logrus.Entry) *Fetcher {
	return &Fetcher{
		client: client,
		policy: retry.Policy{
			MaxAttempts: cfg.MaxAttempts,
			BaseDelay:   cfg.InitialRetryDelay,
			MaxDelay:    cfg.MaxRetryDelay,
		},
		userAgent:    cfg.UserAgent,
		rateLimiter:  rateLimiter,
		delayPerHost: cfg.DelayPerHost,
		log:          log,
	}
}

// WithRetryOptions appends options passed to every retry.Do call (custom sleeper or jitter)
func (f *Fetcher) WithRetryOptions(opts ...retry.Option) *Fetcher {
	f.retryOpts = append(f.retryOpts, opts...)
	return f
}

// Policy returns the retry policy in use
func (f *Fetcher) Policy() retry.Policy { return f.policy }

// Get fetches rawURL. Transport errors, 5xx and 429 are retried up to MaxAttempts total attempts;
// other 4xx and non-2xx statuses fail immediately. Any failure is returned as *FetchError.
func (f *Fetcher) Get(ctx context.Context, rawURL string) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, &FetchError{URL: rawURL, Err: fmt.Errorf("%w: %v", utils.ErrRequestCreation, err)}
	}
	if f.userAgent != "" {
		req.Header.Set("User-Agent", f.userAgent)
	}
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")

	reqLog := f.log.WithField("url", rawURL)
	host := req.URL.Hostname()

	var result *Response
	var lastStatus int

	opts := append([]retry.Option{
		retry.WithOnRetry(func(attempt int, delay time.Duration, err error) {
			metrics.ObserveFetchRetry()
			reqLog.WithFields(logrus.Fields{"attempt": attempt, "max_attempts": f.policy.MaxAttempts, "delay": delay}).
				Warnf("Retrying request: %v", err)
		}),
	}, f.retryOpts...)

	attempts, err := retry.Do(ctx, f.policy, func(ctx context.Context, attempt int) error {
		resp, status, err := f.do(ctx, req, host)
		lastStatus = status
		if err != nil {
			return err
		}
		resp.Attempts = attempt
		result = resp
		return nil
	}, opts...)

	if err != nil {
		if ctx.Err() == nil {
			metrics.ObserveFetchFailure()
		}
		reqLog.WithFields(logrus.Fields{"attempts": attempts, "status_code": lastStatus}).Errorf("Fetch failed: %v", err)
		return nil, &FetchError{URL: rawURL, Attempts: attempts, StatusCode: lastStatus, Err: err}
	}

	reqLog.WithField("attempts", attempts).Debug("Successfully fetched")
	return result, nil
}

// do performs a single attempt. Errors wrapped with retry.Permanent stop the retry loop.
func (f *Fetcher) do(ctx context.Context, req *http.Request, host string) (*Response, int, error) {
	if f.rateLimiter != nil {
		f.rateLimiter.ApplyDelay(ctx, host, f.delayPerHost)
		defer f.rateLimiter.UpdateLastRequestTime(host)
	}

	resp, err := f.client.Do(req.Clone(ctx))
	if err != nil {
		// Cancellation of the caller's context is never retried; client timeouts are
		if ctx.Err() != nil {
			return nil, 0, retry.Permanent(err)
		}
		return nil, 0, err
	}
	defer func() {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	statusCode := resp.StatusCode
	switch {
	case statusCode >= 200 && statusCode < 300:
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, statusCode, fmt.Errorf("%w: %v", utils.ErrResponseBodyRead, err)
		}
		return &Response{
			URL:         req.URL.String(),
			StatusCode:  statusCode,
			ContentType: resp.Header.Get("Content-Type"),
			Body:        body,
		}, statusCode, nil

	case statusCode >= 500:
		return nil, statusCode, fmt.Errorf("%w: status %s", utils.ErrServerHTTPError, resp.Status)

	case statusCode == http.StatusTooManyRequests:
		return nil, statusCode, fmt.Errorf("%w: status %s", utils.ErrClientHTTPError, resp.Status)

	case statusCode >= 400:
		return nil, statusCode, retry.Permanent(fmt.Errorf("%w: status %s", utils.ErrClientHTTPError, resp.Status))

	default:
		return nil, statusCode, retry.Permanent(fmt.Errorf("%w: status %s", utils.ErrOtherHTTPError, resp.Status))
	}
}
