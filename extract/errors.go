package extract

import (
	"errors"
	"fmt"
)

// MarkerNotFoundError indicates the warning marker that anchors the item
// container is absent, so the container cannot be located.
type MarkerNotFoundError struct {
	Selector string
}

func (e MarkerNotFoundError) Error() string {
	return fmt.Sprintf("marker_not_found: no element matches %q", e.Selector)
}

// UnmappedRatingError indicates a star-rating class carried a label
// outside the One..Five vocabulary.
type UnmappedRatingError struct {
	Label    string
	Position int
}

func (e UnmappedRatingError) Error() string {
	return fmt.Sprintf("unmapped_rating: label %q at item %d", e.Label, e.Position)
}

// PriceParseError indicates a price node's text did not parse as a
// decimal amount after stripping the currency symbol.
type PriceParseError struct {
	Raw      string
	Position int
	Err      error
}

func (e PriceParseError) Error() string {
	return fmt.Sprintf("price_parse: %q at item %d: %v", e.Raw, e.Position, e.Err)
}

func (e PriceParseError) Unwrap() error {
	return e.Err
}

// LengthMismatchError indicates the four extracted sequences disagree in
// length, which means a selector matched the wrong set of nodes. The page
// is rejected rather than zipped misaligned.
type LengthMismatchError struct {
	Titles       int
	Ratings      int
	Prices       int
	Availability int
}

func (e LengthMismatchError) Error() string {
	return fmt.Sprintf("length_mismatch: titles=%d ratings=%d prices=%d availability=%d",
		e.Titles, e.Ratings, e.Prices, e.Availability)
}

// ErrorLabel maps an extraction error to a stable category label used for
// metrics and structured logs.
func ErrorLabel(err error) string {
	if err == nil {
		return "unknown"
	}
	var marker MarkerNotFoundError
	if errors.As(err, &marker) {
		return "marker_not_found"
	}
	var rating UnmappedRatingError
	if errors.As(err, &rating) {
		return "unmapped_rating"
	}
	var price PriceParseError
	if errors.As(err, &price) {
		return "price_parse"
	}
	var mismatch LengthMismatchError
	if errors.As(err, &mismatch) {
		return "length_mismatch"
	}
	return "other"
}
