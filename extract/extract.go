// Package extract turns one parsed catalogue page into book records.
//
// The container holding the item entries is never selected directly: the
// page carries a single warning banner immediately before it, and the
// container is that banner's next element sibling. This positional lookup
// is fragile against markup reshuffles; callers get MarkerNotFoundError
// when the anchor disappears.
package extract

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	"github.com/pcorreia/bookscrape/models"
)

// MarkerSelector identifies the warning banner anchoring the container.
const MarkerSelector = "div.alert.alert-warning"

const ratingClassPrefix = "star-rating"

// ratingScale is the closed vocabulary of star-rating labels.
var ratingScale = map[string]int{
	"One":   1,
	"Two":   2,
	"Three": 3,
	"Four":  4,
	"Five":  5,
}

// HTML parses raw page markup and extracts its records.
func HTML(body []byte) (models.PageResult, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return models.PageResult{}, fmt.Errorf("parse page: %w", err)
	}
	return Page(doc)
}

// Page extracts every book record from one parsed catalogue page, in
// document order. It is a pure read of the document: calling it twice
// yields identical results and no record shares backing state with
// another. The caller fills in page number, absolute URL, and timestamp.
func Page(doc *goquery.Document) (models.PageResult, error) {
	container, err := findContainer(doc)
	if err != nil {
		return models.PageResult{}, err
	}

	titles, hrefs := collectTitles(container)
	ratings, err := collectRatings(container)
	if err != nil {
		return models.PageResult{}, err
	}
	prices, err := collectPrices(container)
	if err != nil {
		return models.PageResult{}, err
	}
	availability := collectAvailability(container)

	if len(titles) != len(ratings) || len(titles) != len(prices) || len(titles) != len(availability) {
		return models.PageResult{}, LengthMismatchError{
			Titles:       len(titles),
			Ratings:      len(ratings),
			Prices:       len(prices),
			Availability: len(availability),
		}
	}

	books := make([]*models.Book, 0, len(titles))
	for i := range titles {
		books = append(books, &models.Book{
			Title:        titles[i],
			StarRating:   ratings[i],
			Price:        prices[i],
			Availability: availability[i],
			Position:     i + 1,
			URL:          hrefs[i],
		})
	}
	return models.PageResult{Books: books}, nil
}

// findContainer locates the warning banner and hops to its next element
// sibling. goquery's Next skips intervening text nodes, which matches the
// "structural successor" the page layout promises.
func findContainer(doc *goquery.Document) (*goquery.Selection, error) {
	marker := doc.Find(MarkerSelector).First()
	if marker.Length() == 0 {
		return nil, MarkerNotFoundError{Selector: MarkerSelector}
	}
	container := marker.Next()
	if container.Length() == 0 {
		return nil, MarkerNotFoundError{Selector: MarkerSelector + " + *"}
	}
	return container, nil
}

func collectTitles(container *goquery.Selection) ([]string, []string) {
	var titles, hrefs []string
	container.Find("h3").Each(func(_ int, h *goquery.Selection) {
		link := h.Find("a").First()
		title, _ := link.Attr("title")
		href, _ := link.Attr("href")
		titles = append(titles, strings.TrimSpace(title))
		hrefs = append(hrefs, href)
	})
	return titles, hrefs
}

func collectRatings(container *goquery.Selection) ([]int, error) {
	var ratings []int
	var firstErr error
	container.Find("p." + ratingClassPrefix).EachWithBreak(func(i int, p *goquery.Selection) bool {
		class, _ := p.Attr("class")
		label := ratingLabel(class)
		value, ok := ratingScale[label]
		if !ok {
			firstErr = UnmappedRatingError{Label: label, Position: i + 1}
			return false
		}
		ratings = append(ratings, value)
		return true
	})
	if firstErr != nil {
		return nil, firstErr
	}
	return ratings, nil
}

// ratingLabel pulls the label token out of a "star-rating <Label>" class
// attribute.
func ratingLabel(class string) string {
	for _, field := range strings.Fields(class) {
		if field != ratingClassPrefix {
			return field
		}
	}
	return ""
}

func collectPrices(container *goquery.Selection) ([]float64, error) {
	var prices []float64
	var firstErr error
	container.Find(".price_color").EachWithBreak(func(i int, p *goquery.Selection) bool {
		value, err := parsePrice(p.Text(), i+1)
		if err != nil {
			firstErr = err
			return false
		}
		prices = append(prices, value)
		return true
	})
	if firstErr != nil {
		return nil, firstErr
	}
	return prices, nil
}

// parsePrice strips exactly one leading non-digit rune (the currency
// symbol) and parses the remainder as a decimal amount.
func parsePrice(text string, position int) (float64, error) {
	raw := strings.TrimSpace(text)
	trimmed := raw
	if r, size := utf8.DecodeRuneInString(trimmed); size > 0 && !unicode.IsDigit(r) {
		trimmed = trimmed[size:]
	}
	value, err := strconv.ParseFloat(strings.TrimSpace(trimmed), 64)
	if err != nil {
		return 0, PriceParseError{Raw: raw, Position: position, Err: err}
	}
	return value, nil
}

func collectAvailability(container *goquery.Selection) []string {
	var availability []string
	container.Find("p.availability").Each(func(_ int, p *goquery.Selection) {
		availability = append(availability, strings.TrimSpace(p.Text()))
	})
	return availability
}
