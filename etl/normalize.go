// Package etl turns the raw artifact into typed records and writes the final
// CSV and JSON outputs.
package etl

import (
	"fmt"
	"html"
	"regexp"
	"strconv"
	"strings"

	"bookcrawl/models"
)

// ratingWords maps the site's textual ratings onto the 0-5 scale.
var ratingWords = map[string]int{
	"Zero":  0,
	"One":   1,
	"Two":   2,
	"Three": 3,
	"Four":  4,
	"Five":  5,
}

// stockCountRe matches the optional quantity in availability text, e.g.
// "In stock (22 available)".
var stockCountRe = regexp.MustCompile(`\((\d+)\s+available\)`)

// Normalize converts one raw record to its typed form. A record without a
// usable title or price is invalid and comes back as a nil record with the
// reason; unknown rating or availability text degrades the field, not the
// record.
func Normalize(raw *models.RawRecord) (*models.NormalizedRecord, error) {
	title := cleanText(html.UnescapeString(raw.Title))
	if title == "" {
		return nil, fmt.Errorf("empty title")
	}

	price, err := parsePrice(raw.Price)
	if err != nil {
		return nil, fmt.Errorf("price %q: %w", raw.Price, err)
	}

	inStock, stockCount := parseAvailability(raw.Availability)

	return &models.NormalizedRecord{
		Title:      title,
		Price:      price,
		Rating:     parseRating(raw.Rating),
		InStock:    inStock,
		StockCount: stockCount,
		Category:   cleanText(html.UnescapeString(raw.Category)),
	}, nil
}

// parsePrice strips currency symbols and parses the remainder as a decimal.
// The "Â" guard covers the £ mojibake a mis-decoded page produces.
func parsePrice(s string) (float64, error) {
	cleaned := strings.TrimSpace(s)
	for _, sym := range []string{"Â", "£", "$", "€"} {
		cleaned = strings.ReplaceAll(cleaned, sym, "")
	}
	cleaned = strings.TrimSpace(cleaned)
	if cleaned == "" {
		return 0, fmt.Errorf("no numeric value")
	}

	price, err := strconv.ParseFloat(cleaned, 64)
	if err != nil {
		return 0, fmt.Errorf("not a decimal")
	}
	if price < 0 {
		return 0, fmt.Errorf("negative price")
	}
	return price, nil
}

// parseAvailability extracts the stock flag and optional count. Text without
// a recognized pattern yields (false, nil).
func parseAvailability(s string) (bool, *int) {
	text := strings.ToLower(strings.TrimSpace(s))
	if text == "" {
		return false, nil
	}

	if strings.Contains(text, "in stock") {
		if m := stockCountRe.FindStringSubmatch(text); m != nil {
			qty, err := strconv.Atoi(m[1])
			if err == nil {
				return true, &qty
			}
		}
		return true, nil
	}
	if strings.Contains(text, "out of stock") {
		zero := 0
		return false, &zero
	}
	return false, nil
}

// parseRating maps the rating word onto 0-5; unrecognized text yields nil.
func parseRating(s string) *int {
	if v, ok := ratingWords[strings.TrimSpace(s)]; ok {
		return &v
	}
	return nil
}

func cleanText(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
