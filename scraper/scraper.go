// Package scraper drives the paginated catalogue crawl: it fetches every
// listing page, runs the extractor over each body, and streams ordered
// page results into the pipeline.
package scraper

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gocolly/colly/v2"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pcorreia/bookscrape/config"
	"github.com/pcorreia/bookscrape/extract"
	"github.com/pcorreia/bookscrape/models"
	"github.com/pcorreia/bookscrape/pipeline"
)

// Scraper wraps the colly collector, retry logic, and the extraction
// step for the catalogue target.
type Scraper struct {
	cfg       *config.Config
	collector *colly.Collector
	retry     *retryManager
	visited   *lru.Cache[string, struct{}]
	Metrics   *Metrics

	requestCount int64
	pageCount    int64
	errorCount   int64

	mu           sync.Mutex
	pages        map[string]int
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

	// Revisits stay allowed at the collector level so retries can re-fetch
	// a failed URL; first-visit dedup is handled by the LRU cache instead.
	collector := colly.NewCollector(
		colly.Async(true),
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

	if err := collector.Limit(&colly.LimitRule{
		DomainGlob:  "*",
		Parallelism: cfg.Parallelism,
		Delay:       cfg.Delay,
		RandomDelay: cfg.RandomDelay,
	}); err != nil {
		return nil, fmt.Errorf("configure rate limits: %w", err)
	}

	visited, err := lru.New[string, struct{}](cfg.VisitedCacheSize)
	if err != nil {
		return nil, fmt.Errorf("create visited cache: %w", err)
	}

	s := &Scraper{
		cfg:          cfg,
		collector:    collector,
		visited:      visited,
		pages:        make(map[string]int),
		errorsByType: make(map[string]int),
		Metrics:      NewMetrics(),
	}
	s.retry = newRetryManager(collector, cfg, s.Metrics)
	return s, nil
}

// Run fetches every configured catalogue page and streams extracted page
// results through the pipeline. It blocks until all in-flight requests
// and retries have settled.
func (s *Scraper) Run(ctx context.Context, p *pipeline.Pipeline) (*models.ScrapeResult, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.retry.SetContext(ctx)
	s.configureHandlers(p)

	start := time.Now()
	done := make(chan struct{})
	defer close(done)

	go func() {
		select {
		case <-ctx.Done():
			s.collector.Wait()
			s.retry.Stop()
		case <-done:
		}
	}()

	for page := s.cfg.StartPage; page < s.cfg.StartPage+s.cfg.MaxPages; page++ {
		if ctx.Err() != nil {
			break
		}
		pageURL := s.cfg.PageURL(page)
		s.registerPage(pageURL, page)
		if err := s.visit(pageURL); err != nil {
			slog.Error("visit failed", slog.String("url", pageURL), slog.Any("error", err))
			s.recordFailure(pageURL, "other")
			p.SkipPage(page)
		}
	}

	s.collector.Wait()
	// A retry timer can fire between Wait returning and Stop taking
	// effect; Stop blocks until that visit is issued, and the second
	// Wait drains its response before the result is snapshotted.
	s.retry.Stop()
	s.collector.Wait()

	result := &models.ScrapeResult{
		StartTime:    start,
		EndTime:      time.Now(),
		ErrorCount:   int(atomic.LoadInt64(&s.errorCount)),
		FailedURLs:   s.snapshotFailedURLs(),
		ErrorsByType: s.snapshotErrors(),
		RetryCount:   s.retry.TotalRetries(),
		RequestCount: int(atomic.LoadInt64(&s.requestCount)),
		PageCount:    int(atomic.LoadInt64(&s.pageCount)),
	}

	if metrics := p.GetMetrics(); metrics != nil {
		if processed, ok := metrics["processed_books"].(int64); ok {
			result.TotalCount = int(processed)
		}
	}

	return result, nil
}

// visit issues a first-time fetch for a URL. The LRU suppresses duplicate
// first visits; retries bypass it through the retry manager.
func (s *Scraper) visit(pageURL string) error {
	if _, seen := s.visited.Get(pageURL); seen {
		return fmt.Errorf("duplicate page url: %s", pageURL)
	}
	s.visited.Add(pageURL, struct{}{})
	return s.collector.Visit(pageURL)
}

func (s *Scraper) configureHandlers(p *pipeline.Pipeline) {
	s.handlersOnce.Do(func() {
		s.collector.OnRequest(func(r *colly.Request) {
			r.Ctx.Put("start", time.Now())
			atomic.AddInt64(&s.requestCount, 1)
			s.Metrics.IncRequest("started")
			slog.Debug("fetching page", slog.String("url", r.URL.String()))
		})

		s.collector.OnResponse(func(r *colly.Response) {
			if start, ok := r.Request.Ctx.GetAny("start").(time.Time); ok {
				s.Metrics.ObserveDuration(time.Since(start))
			}

			requestURL := r.Request.URL.String()
			page, ok := s.pageFor(requestURL)
			if !ok {
				slog.Error("response for unregistered url", slog.String("url", requestURL))
				return
			}
			if r.StatusCode >= http.StatusBadRequest {
				slog.Error("non-200 response",
					slog.Int("status", r.StatusCode),
					slog.String("url", requestURL),
				)
				s.recordFailure(requestURL, classifyFetch(nil, r.StatusCode).Category)
				p.SkipPage(page)
				return
			}

			pr, err := extract.HTML(r.Body)
			if err != nil {
				category := extract.ErrorLabel(err)
				slog.Error("page extraction failed",
					slog.String("url", requestURL),
					slog.Int("page", page),
					slog.String("category", category),
					slog.Any("error", err),
				)
				s.Metrics.IncExtractionError(category)
				s.recordFailure(requestURL, category)
				p.SkipPage(page)
				return
			}

			now := time.Now()
			pr.Page = page
			pr.URL = requestURL
			for _, book := range pr.Books {
				book.Page = page
				book.ScrapedAt = now
				if book.URL != "" {
					book.URL = r.Request.AbsoluteURL(book.URL)
				}
			}

			atomic.AddInt64(&s.pageCount, 1)
			s.Metrics.IncPages()
			s.Metrics.AddItems(len(pr.Books))

			if err := p.Process(pr); err != nil && err != pipeline.ErrPipelineClosed {
				slog.Error("pipeline process error", slog.Any("error", err))
			}
		})

		s.collector.OnError(func(r *colly.Response, err error) {
			statusCode := 0
			requestURL := ""
			if r != nil {
				statusCode = r.StatusCode
			}
			if r != nil && r.Request != nil && r.Request.URL != nil {
				requestURL = r.Request.URL.String()
			}

			fetchErr := classifyFetch(err, statusCode)
			category := fetchErr.Category

			slog.Error("request error",
				slog.String("url", requestURL),
				slog.String("category", category),
				slog.Any("error", err),
			)
			s.Metrics.IncError(category)

			if s.retry.Schedule(requestURL) {
				return
			}
			s.recordFailure(requestURL, category)
			if page, ok := s.pageFor(requestURL); ok {
				p.SkipPage(page)
			}
		})
	})
}

func (s *Scraper) registerPage(pageURL string, page int) {
	s.mu.Lock()
	s.pages[strings.TrimSuffix(pageURL, "/")] = page
	s.mu.Unlock()
}

func (s *Scraper) pageFor(pageURL string) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	page, ok := s.pages[strings.TrimSuffix(pageURL, "/")]
	return page, ok
}

func (s *Scraper) recordFailure(pageURL, category string) {
	atomic.AddInt64(&s.errorCount, 1)
	s.mu.Lock()
	s.errorsByType[category]++
	s.failedURLs = append(s.failedURLs, pageURL)
	s.mu.Unlock()
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

