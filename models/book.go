// Package models defines data structures shared across the scraper.
package models

import "time"

// Book is one extracted catalogue entry. StarRating is in [1,5] for
// records produced by the extractor; Price is the amount in pounds with
// the currency symbol already stripped.
type Book struct {
	Title        string    `csv:"title" json:"title"`
	StarRating   int       `csv:"star_rating" json:"star_rating"`
	Price        float64   `csv:"price_pounds" json:"price_pounds"`
	Availability string    `csv:"availability" json:"availability"`
	Page         int       `csv:"page" json:"page"`
	Position     int       `csv:"position" json:"position"`
	URL          string    `csv:"url" json:"url"`
	ScrapedAt    time.Time `csv:"scraped_at" json:"scraped_at"`
}

// PageResult holds the books extracted from a single catalogue page, in
// document order.
type PageResult struct {
	Page  int
	URL   string
	Books []*Book
}

// ScrapeResult holds the overall result of a scraping run.
type ScrapeResult struct {
	StartTime    time.Time
	EndTime      time.Time
	TotalCount   int
	PageCount    int
	RequestCount int
	ErrorCount   int
	RetryCount   int
	FailedURLs   []string
	ErrorsByType map[string]int
}
