package scraper

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// Kind labels a crawl failure category for logs and metrics.
type Kind string

const (
	KindTimeout     Kind = "timeout"
	KindConnection  Kind = "connection"
	KindForbidden   Kind = "forbidden"
	KindNotFound    Kind = "not_found"
	KindRateLimited Kind = "rate_limited"
	KindParse       Kind = "parse"
	KindOther       Kind = "other"
)

// CrawlError wraps a page-level failure with its category and URL. Failures
// are contained at the page they occur on; they never abort the whole crawl.
type CrawlError struct {
	Kind Kind
	URL  string
	Err  error
}

func (e *CrawlError) Error() string {
	if e.URL == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.URL, e.Err)
}

func (e *CrawlError) Unwrap() error {
	return e.Err
}

// Retryable reports whether a failure of this kind is worth another attempt.
// Parse failures and hard HTTP statuses are not.
func (e *CrawlError) Retryable() bool {
	switch e.Kind {
	case KindTimeout, KindConnection, KindRateLimited, KindOther:
		return true
	}
	return false
}

// classify maps a transport error and status code onto a failure kind.
func classify(url string, err error, statusCode int) *CrawlError {
	kind := KindOther

	var netErr net.Error
	var opErr *net.OpError
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		kind = KindTimeout
	case errors.As(err, &netErr) && netErr.Timeout():
		kind = KindTimeout
	case errors.As(err, &opErr):
		kind = KindConnection
	case statusCode == http.StatusForbidden:
		kind = KindForbidden
	case statusCode == http.StatusNotFound:
		kind = KindNotFound
	case statusCode == http.StatusTooManyRequests:
		kind = KindRateLimited
	}

	if err == nil {
		err = fmt.Errorf("http status %d", statusCode)
	}
	return &CrawlError{Kind: kind, URL: url, Err: err}
}
