package parser

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"unicode/utf8"
)

// UTF8Policy selects how invalid UTF-8 in delimited text is handled.
type UTF8Policy string

const (
	// UTF8Reject fails the parse at the first invalid sequence.
	UTF8Reject UTF8Policy = "reject"
	// UTF8Replace substitutes U+FFFD for invalid bytes.
	UTF8Replace UTF8Policy = "replace"
)

// Options tune a parse.
type Options struct {
	InvalidUTF8 UTF8Policy
}

// Row is one data row. Values are aligned with Rows.Columns.
type Row []string

// Map returns the row as a column name to value mapping.
func (r Row) Map(columns []string) map[string]string {
	m := make(map[string]string, len(columns))
	for i, c := range columns {
		if i < len(r) {
			m[c] = r[i]
		}
	}
	return m
}

// source yields raw records from one file format.
type source interface {
	// next returns the next raw record and its physical line number.
	// It returns io.EOF when the input is exhausted.
	next() (record []string, line int, err error)
	// total estimates the number of physical lines, -1 if unknown.
	total() int
	// strictWidth reports whether short records are errors. Spreadsheet
	// rows drop trailing empty cells, so they are padded instead.
	strictWidth() bool
	close() error
}

// Rows is a forward-only, single-pass cursor over the data rows of a file.
// It is not safe for concurrent use.
//
//	rows, err := parser.Parse(r, parser.FormatCSV, parser.Options{})
//	if err != nil { ... }
//	defer rows.Close()
//	for rows.Next() {
//	    row := rows.Row()
//	}
//	if err := rows.Err(); err != nil { ... }
type Rows struct {
	src        source
	counter    *countingReader
	opts       Options
	columns    []string
	headerLine int
	row        Row
	index      int
	err        error
	done       bool
	closed     bool
}

// Parse reads the header of r and returns a cursor positioned before the
// first data row. Structural problems are reported as *ParseError; other
// errors come from reading r.
func Parse(r io.Reader, format Format, opts Options) (*Rows, error) {
	counter := &countingReader{reader: r}

	var (
		src source
		err error
	)
	switch format {
	case FormatCSV:
		src = newDelimitedSource(counter, ',', opts)
	case FormatTSV:
		src = newDelimitedSource(counter, '\t', opts)
	case FormatXLSX:
		src, err = newXLSXSource(counter)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}

	rows := &Rows{src: src, counter: counter, opts: opts}
	if err := rows.readHeader(); err != nil {
		_ = src.close()
		return nil, err
	}
	return rows, nil
}

func (rs *Rows) readHeader() error {
	for {
		rec, line, err := rs.src.next()
		if errors.Is(err, io.EOF) {
			return &ParseError{Reason: ReasonEmpty}
		}
		if err != nil {
			return rs.wrap(err, 0, line)
		}
		if isBlank(rec) {
			continue
		}
		if err := rs.checkEncoding(rec, 0, line); err != nil {
			return err
		}
		rs.columns = headerNames(rec)
		rs.headerLine = line
		return nil
	}
}

// Next advances to the next data row. It returns false at the end of input
// or on the first structural error, which is then available from Err.
// Whitespace-only rows are skipped.
func (rs *Rows) Next() bool {
	if rs.done {
		return false
	}
	for {
		rec, line, err := rs.src.next()
		if errors.Is(err, io.EOF) {
			rs.done = true
			return false
		}
		if err != nil {
			rs.fail(rs.wrap(err, rs.index+1, line))
			return false
		}
		if isBlank(rec) {
			continue
		}

		idx := rs.index + 1
		if err := rs.checkEncoding(rec, idx, line); err != nil {
			rs.fail(err)
			return false
		}
		row, err := rs.shape(rec, idx, line)
		if err != nil {
			rs.fail(err)
			return false
		}

		rs.index = idx
		rs.row = row
		return true
	}
}

// NextContext is Next with a cancellation check before each row.
func (rs *Rows) NextContext(ctx context.Context) bool {
	if err := ctx.Err(); err != nil {
		if !rs.done {
			rs.fail(err)
		}
		return false
	}
	return rs.Next()
}

func (rs *Rows) shape(rec []string, idx, line int) (Row, error) {
	want := len(rs.columns)
	switch {
	case len(rec) == want:
		return Row(rec), nil
	case rs.src.strictWidth():
		// Delimited rows must match the header exactly, extra empty
		// fields included.
	case len(rec) > want:
		// Spreadsheets may report styled but empty cells past the header.
		if isBlank(rec[want:]) {
			return Row(rec[:want]), nil
		}
	default:
		padded := make(Row, want)
		copy(padded, rec)
		return padded, nil
	}
	return nil, &ParseError{Reason: columnMismatch(want, len(rec)), Row: idx, Line: line}
}

func (rs *Rows) checkEncoding(rec []string, idx, line int) error {
	if rs.opts.InvalidUTF8 == UTF8Replace {
		return nil
	}
	for _, v := range rec {
		if !utf8.ValidString(v) {
			return &ParseError{Reason: ReasonInvalidUTF8, Row: idx, Line: line}
		}
	}
	return nil
}

func (rs *Rows) wrap(err error, idx, line int) error {
	var pe *ParseError
	if errors.As(err, &pe) {
		if pe.Row == 0 {
			pe.Row = idx
		}
		if pe.Line == 0 {
			pe.Line = line
		}
		return pe
	}
	// Anything else comes from the underlying reader, not the file contents.
	return fmt.Errorf("read input: %w", err)
}

func (rs *Rows) fail(err error) {
	rs.err = err
	rs.done = true
	rs.row = nil
}

// Columns returns the header names. The slice must not be modified.
func (rs *Rows) Columns() []string { return rs.columns }

// Row returns the current row. It is valid until the next call to Next.
func (rs *Rows) Row() Row { return rs.row }

// Index returns the 1-based index of the current data row.
func (rs *Rows) Index() int { return rs.index }

// Total estimates the number of data rows, or -1 when the format does
// not reveal it before reading.
func (rs *Rows) Total() int {
	t := rs.src.total()
	if t < 0 {
		return -1
	}
	if n := t - rs.headerLine; n > 0 {
		return n
	}
	return 0
}

// Consumed returns the number of input bytes read so far.
func (rs *Rows) Consumed() int64 { return rs.counter.n }

// Err returns the error that stopped iteration, if any.
func (rs *Rows) Err() error { return rs.err }

// Close releases the underlying reader state. It is safe to call twice.
func (rs *Rows) Close() error {
	rs.done = true
	if rs.closed {
		return nil
	}
	rs.closed = true
	return rs.src.close()
}

// headerNames cleans header cells: blank names become colN (1-based) and
// repeated names get a numeric suffix.
func headerNames(rec []string) []string {
	names := make([]string, len(rec))
	seen := make(map[string]int, len(rec))
	for i, raw := range rec {
		name := strings.TrimSpace(raw)
		if name == "" {
			name = "col" + strconv.Itoa(i+1)
		}
		base := name
		for k := 2; seen[name] > 0; k++ {
			name = base + "_" + strconv.Itoa(k)
		}
		seen[name]++
		names[i] = name
	}
	return names
}

func isBlank(rec []string) bool {
	for _, v := range rec {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}
