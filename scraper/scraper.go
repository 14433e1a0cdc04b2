// Package scraper walks the paginated catalog and feeds raw records into the
// crawl pipeline. Fetching goes through a single colly collector; one page at
// a time, with a mandatory inter-request delay.
package scraper

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/gocolly/colly/v2"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"

	"bookcrawl/config"
	"bookcrawl/models"
	"bookcrawl/parser"
	"bookcrawl/pipeline"
)

// visitedCacheSize bounds the URL cycle guard; the demo catalog is three
// orders of magnitude smaller.
const visitedCacheSize = 8192

// fetchOutcome carries the result of a single visit out of the colly
// handlers. The collector runs synchronously, so at most one visit is in
// flight at a time.
type fetchOutcome struct {
	page   *parser.CatalogPage
	record *models.RawRecord
	err    *CrawlError
}

// Scraper wraps the colly collector, politeness limiter, and retry policy.
type Scraper struct {
	cfg       *config.Config
	collector *colly.Collector
	limiter   *rate.Limiter
	visited   *lru.Cache[string, struct{}]
	Metrics   *Metrics

	pipe     *pipeline.Pipeline
	outcome  fetchOutcome
	pageType string

	requestCount int64
	pageCount    int64
	recordCount  int64
	errorCount   int64
	retryCount   int64

	mu           sync.Mutex
	failedURLs   []string
	errorsByType map[string]int

	handlersOnce sync.Once
}

// NewScraper builds a scraper instance configured from cfg.
func NewScraper(cfg *config.Config) (*Scraper, error) {
	parsed, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if parsed.Host == "" {
		return nil, fmt.Errorf("base url must include a host")
	}

	collector := colly.NewCollector(
		colly.AllowedDomains(parsed.Host),
		colly.UserAgent(cfg.UserAgent),
		colly.AllowURLRevisit(),
	)
	collector.SetRequestTimeout(cfg.Timeout)
	collector.IgnoreRobotsTxt = !cfg.RespectRobotsTxt
	collector.WithTransport(&http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   cfg.Timeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        100,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	})

	visited, err := lru.New[string, struct{}](visitedCacheSize)
	if err != nil {
		return nil, fmt.Errorf("create visited cache: %w", err)
	}

	return &Scraper{
		cfg:          cfg,
		collector:    collector,
		limiter:      rate.NewLimiter(rate.Every(cfg.Delay), 1),
		visited:      visited,
		Metrics:      NewMetrics(),
		errorsByType: make(map[string]int),
	}, nil
}

// Run walks the catalog from the configured start page, visiting each product
// page and streaming raw records through the pipeline. The crawl only fails
// as a whole when not a single catalog page could be processed.
func (s *Scraper) Run(ctx context.Context, p *pipeline.Pipeline) (*models.CrawlResult, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	startURL, err := s.cfg.StartURL()
	if err != nil {
		return nil, err
	}

	s.pipe = p
	s.configureHandlers()

	start := time.Now()
	pageURL := startURL
	for index := 0; pageURL != ""; index++ {
		if index >= s.cfg.MaxPages {
			slog.Warn("page cap reached, stopping crawl", slog.Int("pages", index))
			break
		}
		if ctx.Err() != nil {
			slog.Info("crawl cancelled", slog.String("url", pageURL))
			break
		}
		if !s.markVisited(pageURL) {
			slog.Warn("pagination cycle detected, stopping crawl", slog.String("url", pageURL))
			break
		}

		pc := models.PageContext{URL: pageURL, Index: index}
		out, cerr := s.visit(ctx, pageURL, "catalog")
		if cerr != nil {
			// Navigation depends on page content; without the page
			// there is no next link to follow.
			s.recordFailure(pageURL, cerr)
			slog.Error("catalog page failed",
				slog.String("url", pageURL),
				slog.String("kind", string(cerr.Kind)),
				slog.Any("error", cerr.Err),
			)
			break
		}
		if out.page == nil {
			cerr := &CrawlError{Kind: KindParse, URL: pageURL, Err: errors.New("expected a catalog page")}
			s.recordFailure(pageURL, cerr)
			slog.Error("catalog page failed", slog.String("url", pageURL), slog.Any("error", cerr))
			break
		}

		pc.NextURL = out.page.NextURL
		atomic.AddInt64(&s.pageCount, 1)
		s.Metrics.IncPages()
		slog.Info("catalog page processed",
			slog.Int("page", pc.Index),
			slog.String("url", pc.URL),
			slog.Int("products", len(out.page.Records)),
		)

		for _, rec := range out.page.Records {
			if ctx.Err() != nil {
				break
			}
			s.scrapeProduct(ctx, rec)
		}

		pageURL = pc.NextURL
	}

	result := &models.CrawlResult{
		StartTime:    start,
		EndTime:      time.Now(),
		RecordCount:  int(atomic.LoadInt64(&s.recordCount)),
		PageCount:    int(atomic.LoadInt64(&s.pageCount)),
		RequestCount: int(atomic.LoadInt64(&s.requestCount)),
		ErrorCount:   int(atomic.LoadInt64(&s.errorCount)),
		RetryCount:   int(atomic.LoadInt64(&s.retryCount)),
		FailedURLs:   s.snapshotFailedURLs(),
		ErrorsByType: s.snapshotErrors(),
	}

	if result.PageCount == 0 {
		return result, fmt.Errorf("no catalog pages processed (start url %s)", startURL)
	}
	return result, nil
}

// scrapeProduct fetches one product detail page and emits its raw record.
// A failed fetch skips the product, never the crawl. Pods without a detail
// link still contribute their partial record.
func (s *Scraper) scrapeProduct(ctx context.Context, pod *models.RawRecord) {
	if pod.SourceURL == "" {
		s.emit(pod)
		return
	}
	if !s.markVisited(pod.SourceURL) {
		slog.Debug("duplicate product url skipped", slog.String("url", pod.SourceURL))
		return
	}

	out, cerr := s.visit(ctx, pod.SourceURL, "product")
	if cerr != nil {
		s.recordFailure(pod.SourceURL, cerr)
		slog.Error("skipping product after fetch error",
			slog.String("url", pod.SourceURL),
			slog.String("kind", string(cerr.Kind)),
			slog.Any("error", cerr.Err),
		)
		return
	}
	if out.record == nil {
		cerr := &CrawlError{Kind: KindParse, URL: pod.SourceURL, Err: errors.New("expected a product page")}
		s.recordFailure(pod.SourceURL, cerr)
		slog.Error("skipping product", slog.Any("error", cerr))
		return
	}
	s.emit(out.record)
}

func (s *Scraper) emit(rec *models.RawRecord) {
	atomic.AddInt64(&s.recordCount, 1)
	s.Metrics.IncRecords()
	if err := s.pipe.Process(rec); err != nil && !errors.Is(err, pipeline.ErrPipelineClosed) {
		slog.Error("pipeline process error", slog.Any("error", err))
	}
}

// visit performs one rate-limited GET, retrying transient failures with
// capped exponential backoff. Every attempt, retries included, waits on the
// politeness limiter first.
func (s *Scraper) visit(ctx context.Context, pageURL, pageType string) (*fetchOutcome, *CrawlError) {
	var last *CrawlError
	for attempt := 0; attempt <= s.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			atomic.AddInt64(&s.retryCount, 1)
			s.Metrics.IncRetries()
			slog.Debug("retrying",
				slog.String("url", pageURL),
				slog.Int("attempt", attempt),
			)
			if err := sleepCtx(ctx, s.backoff(attempt)); err != nil {
				return nil, &CrawlError{Kind: KindOther, URL: pageURL, Err: err}
			}
		}
		if err := s.limiter.Wait(ctx); err != nil {
			return nil, &CrawlError{Kind: KindOther, URL: pageURL, Err: err}
		}

		s.outcome = fetchOutcome{}
		s.pageType = pageType
		if err := s.collector.Visit(pageURL); err != nil && s.outcome.err == nil {
			s.outcome.err = classify(pageURL, err, 0)
		}
		if s.outcome.err == nil {
			out := s.outcome
			return &out, nil
		}

		last = s.outcome.err
		s.Metrics.IncError(last.Kind)
		if !last.Retryable() {
			break
		}
	}
	return nil, last
}

func (s *Scraper) configureHandlers() {
	s.handlersOnce.Do(func() {
		s.collector.OnRequest(func(r *colly.Request) {
			r.Ctx.Put("start", time.Now())
			atomic.AddInt64(&s.requestCount, 1)
			s.Metrics.IncRequest(s.pageType)
		})

		s.collector.OnResponse(func(r *colly.Response) {
			if start, ok := r.Ctx.GetAny("start").(time.Time); ok {
				s.Metrics.ObserveDuration(time.Since(start))
			}

			pageURL := r.Request.URL.String()
			doc, err := goquery.NewDocumentFromReader(bytes.NewReader(r.Body))
			if err != nil {
				s.outcome.err = &CrawlError{Kind: KindParse, URL: pageURL, Err: err}
				return
			}

			if parser.IsProductPage(doc) {
				s.outcome.record = parser.ParseProduct(doc, pageURL)
				return
			}
			s.outcome.page = parser.ParseCatalog(doc, pageURL)
		})

		s.collector.OnError(func(r *colly.Response, err error) {
			atomic.AddInt64(&s.errorCount, 1)
			statusCode := 0
			pageURL := ""
			if r != nil {
				statusCode = r.StatusCode
				if r.Request != nil && r.Request.URL != nil {
					pageURL = r.Request.URL.String()
				}
			}
			s.outcome.err = classify(pageURL, err, statusCode)
		})
	})
}

func (s *Scraper) backoff(attempt int) time.Duration {
	if attempt <= 0 {
		attempt = 1
	}

	base := s.cfg.RetryBackoff
	if base <= 0 {
		base = 100 * time.Millisecond
	}

	delay := base * time.Duration(1<<(attempt-1))
	if max := s.cfg.RetryBackoffMax; max > 0 && delay > max {
		delay = max
	}
	return delay
}

// markVisited records the URL in the cycle guard; false means it was already
// seen.
func (s *Scraper) markVisited(pageURL string) bool {
	found, _ := s.visited.ContainsOrAdd(pageURL, struct{}{})
	return !found
}

func (s *Scraper) recordFailure(pageURL string, cerr *CrawlError) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failedURLs = append(s.failedURLs, pageURL)
	s.errorsByType[string(cerr.Kind)]++
}

func (s *Scraper) snapshotFailedURLs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.failedURLs))
	copy(out, s.failedURLs)
	return out
}

func (s *Scraper) snapshotErrors() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int, len(s.errorsByType))
	for k, v := range s.errorsByType {
		out[k] = v
	}
	return out
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
