// Package parser extracts raw records and navigation links from catalog HTML.
//
// All selectors are structural (tag + class signatures), never positional, so
// a missing optional element yields an empty field rather than a panic or a
// dropped record.
package parser

import (
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"bookcrawl/models"
)

// CatalogPage is the parsed form of one catalog listing page.
type CatalogPage struct {
	// Records holds one raw record per product pod, in document order.
	// SourceURL points at the product detail page.
	Records []*models.RawRecord
	// NextURL is the absolute URL of the next listing page, or "" on the
	// last page.
	NextURL string
}

// ParseCatalog extracts the product pods and the next-page link from a
// listing page. pageURL anchors relative hrefs.
func ParseCatalog(doc *goquery.Document, pageURL string) *CatalogPage {
	page := &CatalogPage{}

	doc.Find("article.product_pod").Each(func(_ int, pod *goquery.Selection) {
		rec := &models.RawRecord{
			Title:        strings.TrimSpace(pod.Find("h3 a").AttrOr("title", "")),
			Price:        cleanText(pod.Find("p.price_color").Text()),
			Rating:       ratingWord(pod.Find("p.star-rating")),
			Availability: cleanText(pod.Find("p.availability").Text()),
		}
		if href, ok := pod.Find("h3 a").Attr("href"); ok {
			rec.SourceURL = absURL(pageURL, href)
		}
		page.Records = append(page.Records, rec)
	})

	page.NextURL = NextPageURL(doc, pageURL)
	return page
}

// ParseProduct extracts one raw record from a product detail page. Missing
// fields come back as empty strings; validation is the ETL stage's job.
func ParseProduct(doc *goquery.Document, pageURL string) *models.RawRecord {
	main := doc.Find("div.product_main")

	return &models.RawRecord{
		Title:        cleanText(main.Find("h1").Text()),
		Price:        cleanText(main.Find("p.price_color").Text()),
		Rating:       ratingWord(main.Find("p.star-rating")),
		Availability: cleanText(main.Find("p.availability").Text()),
		Category:     breadcrumbCategory(doc),
		SourceURL:    pageURL,
	}
}

// NextPageURL finds the pagination "next" link and resolves it against
// pageURL. Returns "" when the page is the last one.
func NextPageURL(doc *goquery.Document, pageURL string) string {
	href, ok := doc.Find("li.next a").Attr("href")
	if !ok || href == "" {
		return ""
	}
	return absURL(pageURL, href)
}

// IsProductPage reports whether the document looks like a product detail
// page rather than a catalog listing.
func IsProductPage(doc *goquery.Document) bool {
	return doc.Find("div.product_main").Length() > 0
}

// ratingWord pulls the textual rating out of the star-rating class list,
// e.g. class="star-rating Three" yields "Three".
func ratingWord(sel *goquery.Selection) string {
	class, ok := sel.Attr("class")
	if !ok {
		return ""
	}
	for _, c := range strings.Fields(class) {
		if c != "star-rating" {
			return c
		}
	}
	return ""
}

// breadcrumbCategory reads the category from the breadcrumb trail
// (Home > Books > <category> > <title>).
func breadcrumbCategory(doc *goquery.Document) string {
	links := doc.Find("ul.breadcrumb li a")
	if links.Length() < 3 {
		return ""
	}
	return cleanText(links.Eq(2).Text())
}

// cleanText trims and collapses whitespace runs to single spaces.
func cleanText(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func absURL(pageURL, href string) string {
	base, err := url.Parse(pageURL)
	if err != nil {
		return href
	}
	ref, err := url.Parse(href)
	if err != nil {
		return href
	}
	return base.ResolveReference(ref).String()
}
