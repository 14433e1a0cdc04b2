package scraper

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jarcoal/httpmock"

	"bookcrawl/config"
	"bookcrawl/models"
	"bookcrawl/pipeline"
)

type collectingWriter struct {
	mu      sync.Mutex
	records []*models.RawRecord
}

func (w *collectingWriter) Write(records []*models.RawRecord) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.records = append(w.records, records...)
	return nil
}

func (w *collectingWriter) Close() error    { return nil }
func (w *collectingWriter) Validate() error { return nil }

func (w *collectingWriter) titles() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]string, 0, len(w.records))
	for _, rec := range w.records {
		out = append(out, rec.Title)
	}
	return out
}

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.BaseURL = "http://example.test"
	cfg.StartPage = "catalogue/page-1.html"
	cfg.Delay = 0
	cfg.MaxRetries = 0
	cfg.RetryBackoff = time.Millisecond
	cfg.RetryBackoffMax = 5 * time.Millisecond
	return cfg
}

func catalogPage(next string, books ...string) string {
	var sb strings.Builder
	sb.WriteString("<html><body>")
	for _, slug := range books {
		fmt.Fprintf(&sb, `<article class="product_pod">
<p class="star-rating Three"></p>
<h3><a href="%s/index.html" title="%s">%s</a></h3>
<p class="price_color">£10.00</p>
<p class="instock availability">In stock</p>
</article>`, slug, slug, slug)
	}
	if next != "" {
		fmt.Fprintf(&sb, `<ul class="pager"><li class="next"><a href="%s">next</a></li></ul>`, next)
	}
	sb.WriteString("</body></html>")
	return sb.String()
}

func productPage(title, price, rating, availability, category string) string {
	return fmt.Sprintf(`<html><body>
<ul class="breadcrumb">
<li><a href="/index.html">Home</a></li>
<li><a href="/books/index.html">Books</a></li>
<li><a href="/books/%s/index.html">%s</a></li>
<li class="active">%s</li>
</ul>
<div class="product_main">
<h1>%s</h1>
<p class="price_color">%s</p>
<p class="star-rating %s"></p>
<p class="instock availability">%s</p>
</div>
</body></html>`, category, category, title, title, price, rating, availability)
}

func htmlResponder(body string) httpmock.Responder {
	resp := httpmock.NewStringResponse(200, body)
	resp.Header.Set("Content-Type", "text/html; charset=utf-8")
	return httpmock.ResponderFromResponse(resp)
}

func newTestScraper(t *testing.T, cfg *config.Config, transport *httpmock.MockTransport) *Scraper {
	t.Helper()
	s, err := NewScraper(cfg)
	if err != nil {
		t.Fatalf("new scraper: %v", err)
	}
	s.collector.WithTransport(transport)
	return s
}

func runCrawl(t *testing.T, s *Scraper) (*models.CrawlResult, *collectingWriter, error) {
	t.Helper()
	writer := &collectingWriter{}
	p := pipeline.NewPipeline(writer)
	p.Start()

	result, err := s.Run(context.Background(), p)
	if cerr := p.Close(); cerr != nil {
		t.Fatalf("pipeline close: %v", cerr)
	}
	return result, writer, err
}

func TestCrawlTwoPageSite(t *testing.T) {
	transport := httpmock.NewMockTransport()
	transport.RegisterResponder("GET", "http://example.test/catalogue/page-1.html",
		htmlResponder(catalogPage("page-2.html", "book-one", "book-two")))
	transport.RegisterResponder("GET", "http://example.test/catalogue/page-2.html",
		htmlResponder(catalogPage("", "book-three")))
	for _, slug := range []string{"book-one", "book-two", "book-three"} {
		transport.RegisterResponder("GET", "http://example.test/catalogue/"+slug+"/index.html",
			htmlResponder(productPage(slug, "£51.77", "Three", "In stock (22 available)", "Poetry")))
	}

	s := newTestScraper(t, testConfig(), transport)
	result, writer, err := runCrawl(t, s)
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if result.PageCount != 2 {
		t.Fatalf("pages = %d, want 2", result.PageCount)
	}
	titles := writer.titles()
	want := []string{"book-one", "book-two", "book-three"}
	if len(titles) != len(want) {
		t.Fatalf("records = %v, want %v", titles, want)
	}
	for i := range want {
		if titles[i] != want[i] {
			t.Fatalf("record %d = %q, want %q", i, titles[i], want[i])
		}
	}
	if writer.records[0].Category != "Poetry" {
		t.Fatalf("category = %q, want Poetry", writer.records[0].Category)
	}
	if result.ErrorCount != 0 {
		t.Fatalf("errors = %d, want 0", result.ErrorCount)
	}
}

func TestCrawlSkipsDuplicateProducts(t *testing.T) {
	transport := httpmock.NewMockTransport()
	transport.RegisterResponder("GET", "http://example.test/catalogue/page-1.html",
		htmlResponder(catalogPage("page-2.html", "book-one")))
	// page 2 lists the same product again
	transport.RegisterResponder("GET", "http://example.test/catalogue/page-2.html",
		htmlResponder(catalogPage("", "book-one")))
	transport.RegisterResponder("GET", "http://example.test/catalogue/book-one/index.html",
		htmlResponder(productPage("book-one", "£10.00", "One", "In stock", "Fiction")))

	s := newTestScraper(t, testConfig(), transport)
	result, writer, err := runCrawl(t, s)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.PageCount != 2 {
		t.Fatalf("pages = %d, want 2", result.PageCount)
	}
	if got := len(writer.titles()); got != 1 {
		t.Fatalf("records = %d, want 1 (duplicate skipped)", got)
	}
}

func TestCrawlStopsOnPaginationCycle(t *testing.T) {
	transport := httpmock.NewMockTransport()
	// page 2 points back at page 1
	transport.RegisterResponder("GET", "http://example.test/catalogue/page-1.html",
		htmlResponder(catalogPage("page-2.html")))
	transport.RegisterResponder("GET", "http://example.test/catalogue/page-2.html",
		htmlResponder(catalogPage("page-1.html")))

	s := newTestScraper(t, testConfig(), transport)
	result, _, err := runCrawl(t, s)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.PageCount != 2 {
		t.Fatalf("pages = %d, want 2 (cycle guard)", result.PageCount)
	}
}

func TestCrawlRespectsPageCap(t *testing.T) {
	transport := httpmock.NewMockTransport()
	// every page links to the next one, forever
	for i := 1; i <= 10; i++ {
		transport.RegisterResponder("GET", fmt.Sprintf("http://example.test/catalogue/page-%d.html", i),
			htmlResponder(catalogPage(fmt.Sprintf("page-%d.html", i+1))))
	}

	cfg := testConfig()
	cfg.MaxPages = 3
	s := newTestScraper(t, cfg, transport)
	result, _, err := runCrawl(t, s)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.PageCount != 3 {
		t.Fatalf("pages = %d, want 3", result.PageCount)
	}
}

func TestCrawlFirstPageUnreachable(t *testing.T) {
	transport := httpmock.NewMockTransport()
	transport.RegisterResponder("GET", "http://example.test/catalogue/page-1.html",
		httpmock.NewErrorResponder(errors.New("connection refused")))

	s := newTestScraper(t, testConfig(), transport)
	result, writer, err := runCrawl(t, s)
	if err == nil {
		t.Fatalf("expected overall failure when no pages were processed")
	}
	if result.PageCount != 0 {
		t.Fatalf("pages = %d, want 0", result.PageCount)
	}
	if len(writer.titles()) != 0 {
		t.Fatalf("no records expected, got %v", writer.titles())
	}
}

func TestCrawlProductFetchFailureSkipsProduct(t *testing.T) {
	transport := httpmock.NewMockTransport()
	transport.RegisterResponder("GET", "http://example.test/catalogue/page-1.html",
		htmlResponder(catalogPage("", "book-one", "book-two")))
	transport.RegisterResponder("GET", "http://example.test/catalogue/book-one/index.html",
		httpmock.NewStringResponder(http.StatusNotFound, "gone"))
	transport.RegisterResponder("GET", "http://example.test/catalogue/book-two/index.html",
		htmlResponder(productPage("book-two", "£5.00", "One", "In stock", "Fiction")))

	s := newTestScraper(t, testConfig(), transport)
	result, writer, err := runCrawl(t, s)
	if err != nil {
		t.Fatalf("run should survive a failed product page: %v", err)
	}
	titles := writer.titles()
	if len(titles) != 1 || titles[0] != "book-two" {
		t.Fatalf("records = %v, want [book-two]", titles)
	}
	if result.ErrorsByType["not_found"] != 1 {
		t.Fatalf("errors by type = %v, want one not_found", result.ErrorsByType)
	}
}

func TestVisitRetriesTransientFailure(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	transport := httpmock.NewMockTransport()
	transport.RegisterResponder("GET", "http://example.test/catalogue/page-1.html",
		func(req *http.Request) (*http.Response, error) {
			mu.Lock()
			defer mu.Unlock()
			calls++
			if calls == 1 {
				return nil, &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}
			}
			resp := httpmock.NewStringResponse(200, catalogPage(""))
			resp.Header.Set("Content-Type", "text/html; charset=utf-8")
			resp.Request = req
			return resp, nil
		})

	cfg := testConfig()
	cfg.MaxRetries = 2
	s := newTestScraper(t, cfg, transport)
	result, _, err := runCrawl(t, s)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.PageCount != 1 {
		t.Fatalf("pages = %d, want 1", result.PageCount)
	}
	if result.RetryCount != 1 {
		t.Fatalf("retries = %d, want 1", result.RetryCount)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		statusCode int
		expected   Kind
	}{
		{name: "context timeout", err: context.DeadlineExceeded, statusCode: 0, expected: KindTimeout},
		{name: "net timeout", err: &net.DNSError{IsTimeout: true}, statusCode: 0, expected: KindTimeout},
		{name: "connection", err: &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}, statusCode: 0, expected: KindConnection},
		{name: "forbidden", err: nil, statusCode: http.StatusForbidden, expected: KindForbidden},
		{name: "not found", err: nil, statusCode: http.StatusNotFound, expected: KindNotFound},
		{name: "rate limited", err: nil, statusCode: http.StatusTooManyRequests, expected: KindRateLimited},
		{name: "other", err: errors.New("some other error"), statusCode: 0, expected: KindOther},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := classify("http://example.test/", tt.err, tt.statusCode); got.Kind != tt.expected {
				t.Fatalf("classify = %q, want %q", got.Kind, tt.expected)
			}
		})
	}
}

func TestBackoffCapped(t *testing.T) {
	cfg := testConfig()
	cfg.RetryBackoff = 200 * time.Millisecond
	cfg.RetryBackoffMax = 500 * time.Millisecond

	s, err := NewScraper(cfg)
	if err != nil {
		t.Fatalf("new scraper: %v", err)
	}
	if delay := s.backoff(4); delay > cfg.RetryBackoffMax {
		t.Fatalf("delay %v exceeds max %v", delay, cfg.RetryBackoffMax)
	}
	if delay := s.backoff(1); delay != cfg.RetryBackoff {
		t.Fatalf("first backoff = %v, want %v", delay, cfg.RetryBackoff)
	}
}

func TestMarkVisited(t *testing.T) {
	s, err := NewScraper(testConfig())
	if err != nil {
		t.Fatalf("new scraper: %v", err)
	}
	if !s.markVisited("http://example.test/a") {
		t.Fatalf("first visit should be new")
	}
	if s.markVisited("http://example.test/a") {
		t.Fatalf("second visit should be recognized")
	}
}
