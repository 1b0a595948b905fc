package parser

import (
	"encoding/csv"
	"errors"
	"io"
)

// delimitedSource reads comma or tab separated text.
type delimitedSource struct {
	r *csv.Reader
}

func newDelimitedSource(r io.Reader, comma rune, opts Options) *delimitedSource {
	in := decodeInput(r)
	if opts.InvalidUTF8 == UTF8Replace {
		in = newUTF8Sanitizer(in)
	}

	cr := csv.NewReader(in)
	cr.Comma = comma
	cr.FieldsPerRecord = -1
	if comma == '\t' {
		cr.LazyQuotes = true
	}
	return &delimitedSource{r: cr}
}

func (s *delimitedSource) next() ([]string, int, error) {
	rec, err := s.r.Read()
	if err != nil {
		var perr *csv.ParseError
		if errors.As(err, &perr) {
			return nil, perr.StartLine, &ParseError{Reason: perr.Err.Error(), Line: perr.Line, Err: err}
		}
		return nil, 0, err
	}
	line, _ := s.r.FieldPos(0)
	return rec, line, nil
}

func (s *delimitedSource) total() int { return -1 }

func (s *delimitedSource) strictWidth() bool { return true }

func (s *delimitedSource) close() error { return nil }
