package parser

import "fmt"

// ParseError reports the first structural problem found in a file.
//
// Row is the 1-based data row index (the header is row 0). Line is the
// physical line or sheet row where the problem was found, 0 when unknown.
type ParseError struct {
	Reason string
	Row    int
	Line   int
	Err    error
}

func (e *ParseError) Error() string {
	switch {
	case e.Row > 0 && e.Line > 0:
		return fmt.Sprintf("row %d (line %d): %s", e.Row, e.Line, e.Reason)
	case e.Row > 0:
		return fmt.Sprintf("row %d: %s", e.Row, e.Reason)
	case e.Line > 0:
		return fmt.Sprintf("line %d: %s", e.Line, e.Reason)
	}
	return e.Reason
}

func (e *ParseError) Unwrap() error { return e.Err }

// Common structural failure reasons.
const (
	ReasonEmpty       = "file is empty or has no header row"
	ReasonInvalidUTF8 = "invalid UTF-8 encoding"
)

func columnMismatch(want, got int) string {
	return fmt.Sprintf("expected %d columns, got %d", want, got)
}
