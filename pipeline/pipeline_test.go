package pipeline

import (
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pcorreia/bookscrape/config"
	"github.com/pcorreia/bookscrape/models"
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

type failingWriter struct{}

func (failingWriter) Write([]*models.Book) error { return errors.New("disk full") }
func (failingWriter) Close() error               { return nil }
func (failingWriter) Validate() error            { return nil }

func pageOf(page int, titles ...string) models.PageResult {
	books := make([]*models.Book, 0, len(titles))
	for i, title := range titles {
		books = append(books, &models.Book{
			Title:        title,
			StarRating:   3,
			Price:        10.00,
			Availability: "In stock",
			Page:         page,
			Position:     i + 1,
			URL:          title,
			ScrapedAt:    time.Now(),
		})
	}
	return models.PageResult{Page: page, Books: books}
}

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.StartPage = 1
	return cfg
}

func TestPipelineOrdersPages(t *testing.T) {
	writer := &collectingWriter{}
	p := NewPipeline(writer, testConfig())
	p.Start(4)

	// Pages submitted out of order must still be written in page order.
	for _, pr := range []models.PageResult{
		pageOf(3, "c1", "c2"),
		pageOf(1, "a1", "a2"),
		pageOf(2, "b1"),
	} {
		if err := p.Process(pr); err != nil {
			t.Fatalf("process page %d: %v", pr.Page, err)
		}
	}
	if err := p.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	got := writer.snapshot()
	wantTitles := []string{"a1", "a2", "b1", "c1", "c2"}
	if len(got) != len(wantTitles) {
		t.Fatalf("records=%d, want %d", len(got), len(wantTitles))
	}
	for i, book := range got {
		if book.Title != wantTitles[i] {
			t.Errorf("record %d = %q, want %q", i, book.Title, wantTitles[i])
		}
	}
}

func TestPipelineSkipPageUnblocksSuccessors(t *testing.T) {
	writer := &collectingWriter{}
	p := NewPipeline(writer, testConfig())
	p.Start(1)

	if err := p.Process(pageOf(2, "b1")); err != nil {
		t.Fatalf("process: %v", err)
	}
	p.SkipPage(1)
	if err := p.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	got := writer.snapshot()
	if len(got) != 1 || got[0].Title != "b1" {
		t.Fatalf("records=%v, want single b1", got)
	}
}

func TestPipelineFlushesTrailingPagesOnClose(t *testing.T) {
	writer := &collectingWriter{}
	p := NewPipeline(writer, testConfig())
	p.Start(1)

	// Page 1 never arrives and is never skipped; page 3 must still be
	// flushed at shutdown.
	if err := p.Process(pageOf(3, "c1")); err != nil {
		t.Fatalf("process: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	got := writer.snapshot()
	if len(got) != 1 || got[0].Title != "c1" {
		t.Fatalf("records=%v, want single c1", got)
	}
}

func TestPipelineDropsInvalidRecords(t *testing.T) {
	writer := &collectingWriter{}
	p := NewPipeline(writer, testConfig())
	p.Start(1)

	pr := pageOf(1, "valid")
	pr.Books = append(pr.Books,
		&models.Book{Title: "", StarRating: 3, Price: 1, Availability: "In stock", Page: 1, Position: 2},
		&models.Book{Title: "bad rating", StarRating: 0, Price: 1, Availability: "In stock", Page: 1, Position: 3, URL: "bad-rating"},
	)
	if err := p.Process(pr); err != nil {
		t.Fatalf("process: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	got := writer.snapshot()
	if len(got) != 1 || got[0].Title != "valid" {
		t.Fatalf("records=%v, want single valid record", got)
	}

	snapshot := p.GetMetrics()
	validation := snapshot["validation_errors"].(map[string]int)
	if validation["invalid_record"] != 2 {
		t.Fatalf("invalid_record=%d, want 2", validation["invalid_record"])
	}
}

func TestPipelineSuppressesDuplicateURLs(t *testing.T) {
	writer := &collectingWriter{}
	p := NewPipeline(writer, testConfig())
	p.Start(1)

	if err := p.Process(pageOf(1, "same")); err != nil {
		t.Fatalf("process: %v", err)
	}
	if err := p.Process(pageOf(2, "same")); err != nil {
		t.Fatalf("process: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	got := writer.snapshot()
	if len(got) != 1 {
		t.Fatalf("records=%d, want 1", len(got))
	}

	snapshot := p.GetMetrics()
	validation := snapshot["validation_errors"].(map[string]int)
	if validation["duplicate_url"] != 1 {
		t.Fatalf("duplicate_url=%d, want 1", validation["duplicate_url"])
	}
}

func TestPipelineRejectsAfterClose(t *testing.T) {
	writer := &collectingWriter{}
	p := NewPipeline(writer, testConfig())
	p.Start(1)

	if err := p.Process(pageOf(1, "a1")); err != nil {
		t.Fatalf("process: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	if err := p.Process(pageOf(2, "b1")); !errors.Is(err, ErrPipelineClosed) {
		t.Fatalf("err = %v, want ErrPipelineClosed", err)
	}
}

func TestPipelineSurfacesWriterError(t *testing.T) {
	p := NewPipeline(failingWriter{}, testConfig())
	p.Start(1)

	_ = p.Process(pageOf(1, "a1"))
	err := p.Close()
	if err == nil || !strings.Contains(err.Error(), "disk full") {
		t.Fatalf("err = %v, want write failure", err)
	}
}
