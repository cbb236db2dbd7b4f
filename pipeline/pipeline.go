// Package pipeline validates extracted records and writes them out in
// page order, even though pages arrive from concurrent fetches.
package pipeline

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/pcorreia/bookscrape/config"
	"github.com/pcorreia/bookscrape/models"
)

var (
	// ErrPipelineClosed is returned when Process is called after shutdown.
	ErrPipelineClosed = errors.New("pipeline: closed")
)

// OutputWriter defines the interface for data output.
type OutputWriter interface {
	Write(books []*models.Book) error
	Close() error
	Validate() error
}

// Pipeline coordinates validation, de-duplication, ordered assembly, and
// output writing. Pages may be processed in any order; rows reach the
// writer ordered by page then by in-page position.
type Pipeline struct {
	writer OutputWriter
	pageCh chan models.PageResult

	wg sync.WaitGroup

	seen   map[string]struct{}
	seenMu sync.Mutex

	// orderMu serializes the reorder buffer and all writer calls so page
	// order survives concurrent workers.
	orderMu  sync.Mutex
	nextPage int
	pending  map[int][]*models.Book
	skipped  map[int]bool

	metrics metrics

	mu     sync.Mutex // guards closed/err
	closed bool
	err    error

	closeOnce    sync.Once
	shutdown     chan struct{}
	shutdownOnce sync.Once
}

// NewPipeline builds a pipeline that releases pages starting at
// cfg.StartPage.
func NewPipeline(writer OutputWriter, cfg *config.Config) *Pipeline {
	return &Pipeline{
		writer:   writer,
		pageCh:   make(chan models.PageResult, 64),
		seen:     make(map[string]struct{}),
		nextPage: cfg.StartPage,
		pending:  make(map[int][]*models.Book),
		skipped:  make(map[int]bool),
		metrics:  newMetrics(),
		shutdown: make(chan struct{}),
	}
}

// Start launches worker goroutines.
func (p *Pipeline) Start(workers int) {
	if workers <= 0 {
		workers = 1
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
}

// Process enqueues one page's records for downstream processing.
func (p *Pipeline) Process(pr models.PageResult) error {
	closed, err := p.state()
	if err != nil {
		return err
	}
	if closed {
		return ErrPipelineClosed
	}
	return p.enqueue(pr)
}

// SkipPage marks a page as permanently absent so the reorder buffer does
// not stall waiting for it. Used for fetch and extraction failures.
func (p *Pipeline) SkipPage(page int) {
	p.orderMu.Lock()
	defer p.orderMu.Unlock()
	p.skipped[page] = true
	p.releaseReadyLocked()
}

// Close waits for workers to finish, flushes any pages still buffered,
// and prevents more submissions.
func (p *Pipeline) Close() error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
	}
	p.mu.Unlock()

	p.signalShutdown()
	p.closeOnce.Do(func() {
		close(p.pageCh)
	})

	p.wg.Wait()
	p.flushRemaining()
	return p.Err()
}

// Err returns the first error encountered during processing.
func (p *Pipeline) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// GetMetrics returns a snapshot of the internal counters.
func (p *Pipeline) GetMetrics() map[string]interface{} {
	return p.metrics.snapshot()
}

// StartMetricsReporting emits periodic progress logs.
func (p *Pipeline) StartMetricsReporting(interval time.Duration) {
	if interval <= 0 {
		return
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				snapshot := p.GetMetrics()
				processed := snapshot["processed_books"].(int64)
				pages := snapshot["written_pages"].(int64)
				validation := snapshot["validation_errors"].(map[string]int)
				slog.Info("pipeline progress",
					slog.Int64("processed", processed),
					slog.Int64("pages_written", pages),
					slog.Int("validation_errors", len(validation)),
				)
			case <-p.shutdown:
				return
			}
		}
	}()
}

func (p *Pipeline) worker() {
	defer p.wg.Done()

	for pr := range p.pageCh {
		books := make([]*models.Book, 0, len(pr.Books))
		for _, book := range pr.Books {
			if prepared := p.prepare(book); prepared != nil {
				books = append(books, prepared)
			}
		}
		p.submit(pr.Page, books)
	}
}

// prepare validates one record and suppresses duplicates. Records are
// already normalized by the extractor.
func (p *Pipeline) prepare(book *models.Book) *models.Book {
	if err := validateBook(book); err != nil {
		p.metrics.addValidation("invalid_record")
		return nil
	}

	key := book.URL
	if key == "" {
		key = fmt.Sprintf("%d:%d", book.Page, book.Position)
	}
	p.seenMu.Lock()
	if _, ok := p.seen[key]; ok {
		p.seenMu.Unlock()
		p.metrics.addValidation("duplicate_url")
		return nil
	}
	p.seen[key] = struct{}{}
	p.seenMu.Unlock()

	p.metrics.incrementProcessed()
	return book
}

func validateBook(b *models.Book) error {
	if b == nil {
		return fmt.Errorf("book is nil")
	}
	if b.Title == "" {
		return fmt.Errorf("book missing title")
	}
	if b.StarRating < 1 || b.StarRating > 5 {
		return fmt.Errorf("book rating out of range for %s", b.Title)
	}
	if b.Price < 0 {
		return fmt.Errorf("book price negative for %s", b.Title)
	}
	if b.Availability == "" {
		return fmt.Errorf("book missing availability for %s", b.Title)
	}
	return nil
}

// submit parks a completed page in the reorder buffer and releases every
// page that is now contiguous with the write frontier.
func (p *Pipeline) submit(page int, books []*models.Book) {
	p.orderMu.Lock()
	defer p.orderMu.Unlock()
	p.pending[page] = books
	p.releaseReadyLocked()
}

func (p *Pipeline) releaseReadyLocked() {
	// Lock order: p.mu nests inside orderMu (this read, and setErr on
	// the failure path). No path acquires orderMu while holding p.mu.
	if p.Err() != nil {
		return
	}
	for {
		books, ok := p.pending[p.nextPage]
		if !ok {
			if !p.skipped[p.nextPage] {
				return
			}
			delete(p.skipped, p.nextPage)
			p.nextPage++
			continue
		}
		if err := p.writePageLocked(books); err != nil {
			p.setErr(err)
			return
		}
		delete(p.pending, p.nextPage)
		p.nextPage++
	}
}

func (p *Pipeline) writePageLocked(books []*models.Book) error {
	if len(books) == 0 {
		p.metrics.incrementPages()
		return nil
	}
	if err := p.writer.Write(books); err != nil {
		return fmt.Errorf("write page: %w", err)
	}
	p.metrics.incrementPages()
	return nil
}

// flushRemaining drains pages left behind gaps after shutdown, in
// ascending page order.
func (p *Pipeline) flushRemaining() {
	p.orderMu.Lock()
	defer p.orderMu.Unlock()

	if len(p.pending) == 0 || p.Err() != nil {
		return
	}
	pages := make([]int, 0, len(p.pending))
	for page := range p.pending {
		pages = append(pages, page)
	}
	sort.Ints(pages)
	for _, page := range pages {
		if err := p.writePageLocked(p.pending[page]); err != nil {
			p.setErr(err)
			return
		}
		delete(p.pending, page)
	}
}

func (p *Pipeline) enqueue(pr models.PageResult) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = ErrPipelineClosed
		}
	}()

	select {
	case <-p.shutdown:
		return ErrPipelineClosed
	case p.pageCh <- pr:
		return nil
	}
}

func (p *Pipeline) setErr(err error) {
	if err == nil {
		return
	}

	p.mu.Lock()
	if p.err != nil {
		p.mu.Unlock()
		return
	}
	p.err = err
	p.closed = true
	p.mu.Unlock()

	p.signalShutdown()
	p.closeOnce.Do(func() {
		close(p.pageCh)
	})
}

func (p *Pipeline) state() (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed, p.err
}

func (p *Pipeline) signalShutdown() {
	p.shutdownOnce.Do(func() {
		close(p.shutdown)
	})
}

type metrics struct {
	mu         sync.Mutex
	processed  int64
	pages      int64
	validation map[string]int
}

func newMetrics() metrics {
	return metrics{
		validation: make(map[string]int),
	}
}

func (m *metrics) incrementProcessed() {
	m.mu.Lock()
	m.processed++
	m.mu.Unlock()
}

func (m *metrics) incrementPages() {
	m.mu.Lock()
	m.pages++
	m.mu.Unlock()
}

func (m *metrics) addValidation(kind string) {
	m.mu.Lock()
	m.validation[kind]++
	m.mu.Unlock()
}

func (m *metrics) snapshot() map[string]interface{} {
	m.mu.Lock()
	defer m.mu.Unlock()

	copyValidation := make(map[string]int, len(m.validation))
	for k, v := range m.validation {
		copyValidation[k] = v
	}

	return map[string]interface{}{
		"processed_books":   m.processed,
		"written_pages":     m.pages,
		"validation_errors": copyValidation,
	}
}
