package scraper

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gocolly/colly/v2"
	"github.com/jarcoal/httpmock"
	"github.com/pcorreia/bookscrape/config"
	"github.com/pcorreia/bookscrape/models"
	"github.com/pcorreia/bookscrape/pipeline"
)

type collectingWriter struct {
	mu    sync.Mutex
	books []*models.Book
}

func (w *collectingWriter) Write(books []*models.Book) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.books = append(w.books, books...)
	return nil
}

func (w *collectingWriter) Close() error    { return nil }
func (w *collectingWriter) Validate() error { return nil }

func (w *collectingWriter) snapshot() []*models.Book {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]*models.Book, len(w.books))
	copy(out, w.books)
	return out
}

func catalogueFixture(titles ...string) string {
	var sb strings.Builder
	sb.WriteString(`<html><body><div class="alert alert-warning" role="alert">warning</div><div><ol class="row">`)
	for i, title := range titles {
		fmt.Fprintf(&sb, `<li><article class="product_pod">`+
			`<p class="star-rating Three"></p>`+
			`<h3><a href="catalogue/book_%d/index.html" title="%s">%s</a></h3>`+
			`<p class="price_color">£10.00</p>`+
			`<p class="instock availability">In stock</p>`+
			`</article></li>`, i+1, title, title)
	}
	sb.WriteString(`</ol></div></body></html>`)
	return sb.String()
}

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.BaseURL = "http://example.test"
	cfg.StartPage = 1
	cfg.MaxPages = 1
	cfg.Parallelism = 1
	cfg.MaxRetries = 0
	return cfg
}

func registerPage(transport *httpmock.MockTransport, url string, responder httpmock.Responder) {
	transport.RegisterResponder("GET", url, responder)
	if !strings.HasSuffix(url, "/") && strings.Count(url, "/") == 2 {
		transport.RegisterResponder("GET", url+"/", responder)
	}
}

func TestScraperExtractsPagesInOrder(t *testing.T) {
	cfg := testConfig()
	cfg.MaxPages = 2

	transport := httpmock.NewMockTransport()
	registerPage(transport, "http://example.test", httpmock.NewStringResponder(http.StatusOK, catalogueFixture("A1", "A2")))
	registerPage(transport, "http://example.test/catalogue/page-2.html", httpmock.NewStringResponder(http.StatusOK, catalogueFixture("B1")))

	s, err := NewScraper(cfg)
	if err != nil {
		t.Fatalf("new scraper: %v", err)
	}
	s.collector.WithTransport(transport)

	writer := &collectingWriter{}
	p := pipeline.NewPipeline(writer, cfg)
	p.Start(1)

	result, err := s.Run(context.Background(), p)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("close pipeline: %v", err)
	}

	if result.PageCount != 2 {
		t.Fatalf("page count = %d, want 2", result.PageCount)
	}

	got := writer.snapshot()
	wantTitles := []string{"A1", "A2", "B1"}
	if len(got) != len(wantTitles) {
		t.Fatalf("records=%d, want %d", len(got), len(wantTitles))
	}
	for i, book := range got {
		if book.Title != wantTitles[i] {
			t.Errorf("record %d = %q, want %q", i, book.Title, wantTitles[i])
		}
	}
	if got[0].Page != 1 || got[2].Page != 2 {
		t.Fatalf("page provenance wrong: %d, %d", got[0].Page, got[2].Page)
	}
	if !strings.HasPrefix(got[0].URL, "http://example.test/") {
		t.Fatalf("book url not absolutized: %q", got[0].URL)
	}
}

func TestScraperRecordsExtractionFailure(t *testing.T) {
	cfg := testConfig()

	transport := httpmock.NewMockTransport()
	registerPage(transport, "http://example.test", httpmock.NewStringResponder(http.StatusOK, "<html><body><p>no marker here</p></body></html>"))

	s, err := NewScraper(cfg)
	if err != nil {
		t.Fatalf("new scraper: %v", err)
	}
	s.collector.WithTransport(transport)

	writer := &collectingWriter{}
	p := pipeline.NewPipeline(writer, cfg)
	p.Start(1)

	result, err := s.Run(context.Background(), p)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("close pipeline: %v", err)
	}

	if result.ErrorsByType["marker_not_found"] != 1 {
		t.Fatalf("errors by type = %v, want marker_not_found=1", result.ErrorsByType)
	}
	if len(result.FailedURLs) != 1 {
		t.Fatalf("failed urls = %v, want one entry", result.FailedURLs)
	}
	if len(writer.snapshot()) != 0 {
		t.Fatalf("no records should be written for a failed page")
	}
}

func TestScraperHTTPStatusClassification(t *testing.T) {
	tests := []struct {
		status   int
		expected string
	}{
		{status: http.StatusTooManyRequests, expected: "rate_limited"},
		{status: http.StatusForbidden, expected: "forbidden"},
		{status: http.StatusNotFound, expected: "not_found"},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("status_%d", tt.status), func(t *testing.T) {
			cfg := testConfig()

			transport := httpmock.NewMockTransport()
			registerPage(transport, "http://example.test", httpmock.NewStringResponder(tt.status, ""))

			s, err := NewScraper(cfg)
			if err != nil {
				t.Fatalf("new scraper: %v", err)
			}
			s.collector.WithTransport(transport)

			writer := &collectingWriter{}
			p := pipeline.NewPipeline(writer, cfg)
			p.Start(1)

			result, err := s.Run(context.Background(), p)
			if err != nil {
				t.Fatalf("run: %v", err)
			}
			if err := p.Close(); err != nil {
				t.Fatalf("close pipeline: %v", err)
			}

			if result.ErrorsByType[tt.expected] != 1 {
				t.Fatalf("errors by type = %v, want %s=1", result.ErrorsByType, tt.expected)
			}
		})
	}
}

func TestScraperVisitedCacheSuppressesDuplicates(t *testing.T) {
	cfg := testConfig()

	transport := httpmock.NewMockTransport()
	registerPage(transport, "http://example.test", httpmock.NewStringResponder(http.StatusOK, catalogueFixture("A1")))

	s, err := NewScraper(cfg)
	if err != nil {
		t.Fatalf("new scraper: %v", err)
	}
	s.collector.WithTransport(transport)

	if err := s.visit("http://example.test"); err != nil {
		t.Fatalf("first visit: %v", err)
	}
	if err := s.visit("http://example.test"); err == nil {
		t.Fatalf("second visit should be suppressed")
	}
	s.collector.Wait()
}

func TestRetryManagerScheduleRespectsLimit(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.MaxRetries = 2
	cfg.RetryBackoff = time.Hour
	cfg.RetryBackoffMax = time.Hour

	rm := newRetryManager(colly.NewCollector(), cfg, NewMetrics())

	if !rm.Schedule("http://example.com/page") {
		t.Fatalf("first retry should be scheduled")
	}
	if !rm.Schedule("http://example.com/page") {
		t.Fatalf("second retry should be scheduled")
	}
	if rm.Schedule("http://example.com/page") {
		t.Fatalf("third retry should not be scheduled")
	}

	rm.Stop()
	if got := rm.TotalRetries(); got != 2 {
		t.Fatalf("total retries = %d, want 2", got)
	}
}

func TestRetryManagerStopDrainsInflightRetries(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.MaxRetries = 1
	cfg.RetryBackoff = time.Nanosecond
	cfg.RetryBackoffMax = time.Nanosecond

	var visits int64
	transport := httpmock.NewMockTransport()
	transport.RegisterResponder("GET", "http://example.test/page",
		func(req *http.Request) (*http.Response, error) {
			atomic.AddInt64(&visits, 1)
			return httpmock.NewStringResponse(http.StatusOK, ""), nil
		})

	collector := colly.NewCollector(colly.Async(true), colly.AllowURLRevisit())
	collector.WithTransport(transport)

	rm := newRetryManager(collector, cfg, NewMetrics())
	if !rm.Schedule("http://example.test/page") {
		t.Fatalf("retry should be scheduled")
	}
	rm.Stop()
	collector.Wait()

	// Stop blocked until the fired retry issued its visit; nothing may
	// arrive after this point.
	before := atomic.LoadInt64(&visits)
	time.Sleep(20 * time.Millisecond)
	collector.Wait()
	if got := atomic.LoadInt64(&visits); got != before {
		t.Fatalf("visit issued after Stop returned: before=%d after=%d", before, got)
	}
}

func TestRetryManagerBackoffCapped(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.RetryBackoff = 200 * time.Millisecond
	cfg.RetryBackoffMax = 500 * time.Millisecond

	rm := newRetryManager(colly.NewCollector(), cfg, NewMetrics())

	delay := rm.backoff(4)
	if delay > cfg.RetryBackoffMax {
		t.Fatalf("delay %v exceeds max %v", delay, cfg.RetryBackoffMax)
	}
}

func TestRetryManagerIgnoresEmptyURL(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.MaxRetries = 2

	rm := newRetryManager(colly.NewCollector(), cfg, NewMetrics())
	if rm.Schedule("") {
		t.Fatalf("empty url should not be scheduled")
	}
}

func TestClassifyFetch(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		statusCode int
		expected   string
	}{
		{name: "nil", err: nil, statusCode: 0, expected: FetchUnknown},
		{name: "context timeout", err: context.DeadlineExceeded, statusCode: 0, expected: FetchTimeout},
		{name: "net timeout", err: &net.DNSError{IsTimeout: true}, statusCode: 0, expected: FetchTimeout},
		{name: "connection", err: &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}, statusCode: 0, expected: FetchConnection},
		{name: "forbidden", err: nil, statusCode: http.StatusForbidden, expected: FetchForbidden},
		{name: "not found", err: nil, statusCode: http.StatusNotFound, expected: FetchNotFound},
		{name: "rate limited", err: nil, statusCode: http.StatusTooManyRequests, expected: FetchRateLimited},
		{name: "server error status", err: nil, statusCode: http.StatusInternalServerError, expected: FetchOther},
		{name: "other", err: errors.New("some other error"), statusCode: 0, expected: FetchOther},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := classifyFetch(tt.err, tt.statusCode).Category; got != tt.expected {
				t.Fatalf("classifyFetch(%v, %d) = %q, want %q", tt.err, tt.statusCode, got, tt.expected)
			}
		})
	}
}

func TestFetchErrorUnwraps(t *testing.T) {
	fetchErr := classifyFetch(context.DeadlineExceeded, 0)
	if !errors.Is(fetchErr, context.DeadlineExceeded) {
		t.Fatalf("fetch error should unwrap to its cause")
	}
	if !strings.Contains(fetchErr.Error(), FetchTimeout) {
		t.Fatalf("fetch error message %q missing category", fetchErr.Error())
	}
}
