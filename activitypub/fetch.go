package activitypub

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/deemkeen/trailpost/metrics"
	"github.com/deemkeen/trailpost/util"
	"golang.org/x/time/rate"
)

var (
	// ErrNotFound is returned for objects the remote server reports as gone (404, 410).
	ErrNotFound = errors.New("activitypub: remote object not found")
	// ErrAuthExpired is returned when the remote server refuses access (401, 403).
	ErrAuthExpired = errors.New("activitypub: remote authorization refused")
)

// Fetcher retrieves the ActivityStreams JSON of a remote object.
type Fetcher interface {
	Fetch(ctx context.Context, uri string) ([]byte, error)
}

// HTTPFetcher is a Fetcher over HTTP with an outbound request rate limit.
type HTTPFetcher struct {
	client    *http.Client
	limiter   *rate.Limiter
	userAgent string
	maxBody   int64
}

func NewHTTPFetcher(conf *util.AppConfig) *HTTPFetcher {
	return &HTTPFetcher{
		client:    &http.Client{Timeout: time.Duration(conf.Fetch.TimeoutSeconds) * time.Second},
		limiter:   rate.NewLimiter(rate.Limit(conf.Fetch.RequestsPerSecond), conf.Fetch.Burst),
		userAgent: util.UserAgent(conf.Conf.SslDomain),
		maxBody:   conf.Fetch.MaxBodyBytes,
	}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, uri string) ([]byte, error) {
	if err := f.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", `application/activity+json, application/ld+json; profile="https://www.w3.org/ns/activitystreams"`)
	req.Header.Set("User-Agent", f.userAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		metrics.RemoteFetches.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("request to %s failed: %w", uri, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		metrics.RemoteFetches.WithLabelValues("not_found").Inc()
		return nil, fmt.Errorf("%w: %s", ErrNotFound, uri)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		metrics.RemoteFetches.WithLabelValues("unauthorized").Inc()
		return nil, fmt.Errorf("%w: %s (status %d)", ErrAuthExpired, uri, resp.StatusCode)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		metrics.RemoteFetches.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("fetch of %s failed with status: %d", uri, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBody+1))
	if err != nil {
		metrics.RemoteFetches.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if int64(len(body)) > f.maxBody {
		metrics.RemoteFetches.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("response from %s exceeds %d bytes", uri, f.maxBody)
	}
	metrics.RemoteFetches.WithLabelValues("ok").Inc()
	return body, nil
}
