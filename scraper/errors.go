package scraper

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// Fetch failure categories. Each value is at once the metrics label, the
// ErrorsByType key in the run result, and the category logged for a
// failed catalogue page.
const (
	FetchTimeout     = "timeout"
	FetchConnection  = "connection"
	FetchForbidden   = "forbidden"
	FetchNotFound    = "not_found"
	FetchRateLimited = "rate_limited"
	FetchOther       = "other"
	FetchUnknown     = "unknown"
)

// FetchError is a failed catalogue page request tagged with its failure
// category.
type FetchError struct {
	Category string
	Err      error
}

func (e FetchError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("fetch %s", e.Category)
	}
	return fmt.Sprintf("fetch %s: %v", e.Category, e.Err)
}

func (e FetchError) Unwrap() error {
	return e.Err
}

// classifyFetch buckets a page request failure by transport error first,
// then by HTTP status. Timeouts are detected both from the context
// deadline and from the net layer; any *net.OpError that is not a
// timeout counts as a connection failure.
func classifyFetch(err error, statusCode int) FetchError {
	if errors.Is(err, context.DeadlineExceeded) {
		return FetchError{Category: FetchTimeout, Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return FetchError{Category: FetchTimeout, Err: err}
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return FetchError{Category: FetchConnection, Err: err}
	}

	if statusCode != 0 {
		wrapped := err
		if wrapped == nil {
			wrapped = fmt.Errorf("http status %d", statusCode)
		}
		switch statusCode {
		case http.StatusForbidden:
			return FetchError{Category: FetchForbidden, Err: wrapped}
		case http.StatusNotFound:
			return FetchError{Category: FetchNotFound, Err: wrapped}
		case http.StatusTooManyRequests:
			return FetchError{Category: FetchRateLimited, Err: wrapped}
		}
		return FetchError{Category: FetchOther, Err: wrapped}
	}

	if err == nil {
		return FetchError{Category: FetchUnknown}
	}
	return FetchError{Category: FetchOther, Err: err}
}
