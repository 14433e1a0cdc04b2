// Package models defines the record types shared by the crawl and ETL stages.
package models

import "time"

// RawRecord holds field values exactly as extracted from the page markup.
// Missing optional fields are empty strings; no typing or validation happens
// before the ETL stage. SourceURL identifies the product page the record came
// from and is not part of the serialized artifact.
type RawRecord struct {
	Title        string
	Price        string
	Rating       string
	Availability string
	Category     string

	SourceURL string
}

// Fields returns the record's serializable fields in artifact order.
func (r *RawRecord) Fields() []string {
	return []string{r.Title, r.Price, r.Rating, r.Availability, r.Category}
}

// RawFieldCount is the fixed number of fields per artifact line.
const RawFieldCount = 5

// NormalizedRecord is the typed form produced by the ETL normalizer.
// Rating and StockCount are nil when the source text carried no usable value.
type NormalizedRecord struct {
	Title      string  `json:"title"`
	Price      float64 `json:"price"`
	Rating     *int    `json:"rating"`
	InStock    bool    `json:"in_stock"`
	StockCount *int    `json:"stock_count"`
	Category   string  `json:"category"`
}

// PageContext tracks per-page state while walking the catalog pagination.
// NextURL is empty on the last page.
type PageContext struct {
	URL     string
	Index   int
	NextURL string
}

// CrawlResult summarizes one crawl invocation.
type CrawlResult struct {
	StartTime    time.Time
	EndTime      time.Time
	RecordCount  int
	PageCount    int
	RequestCount int
	ErrorCount   int
	RetryCount   int
	FailedURLs   []string
	ErrorsByType map[string]int
}
