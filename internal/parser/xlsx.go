package parser

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/xuri/excelize/v2"
)

// xlsxSource reads rows from the active sheet of a workbook.
type xlsxSource struct {
	file *excelize.File
	rows *excelize.Rows
	line int
	last int
}

func newXLSXSource(r io.Reader) (*xlsxSource, error) {
	// A workbook is a zip archive and needs random access, so it is
	// buffered. Read errors here belong to the caller's reader.
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read input: %w", err)
	}
	if len(data) == 0 {
		return nil, &ParseError{Reason: ReasonEmpty}
	}

	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return nil, &ParseError{Reason: "not a readable xlsx workbook", Err: err}
	}

	sheet := f.GetSheetName(f.GetActiveSheetIndex())
	if sheet == "" {
		list := f.GetSheetList()
		if len(list) == 0 {
			_ = f.Close()
			return nil, &ParseError{Reason: ReasonEmpty}
		}
		sheet = list[0]
	}

	rows, err := f.Rows(sheet)
	if err != nil {
		_ = f.Close()
		return nil, &ParseError{Reason: fmt.Sprintf("cannot read sheet %q", sheet), Err: err}
	}

	return &xlsxSource{
		file: f,
		rows: rows,
		last: sheetLastRow(f, sheet),
	}, nil
}

// sheetLastRow returns the last row of the sheet's declared dimension,
// e.g. 10 for "A1:C10", or -1 when the workbook does not record it.
func sheetLastRow(f *excelize.File, sheet string) int {
	dim, err := f.GetSheetDimension(sheet)
	if err != nil || dim == "" {
		return -1
	}
	ref := dim
	if i := strings.LastIndexByte(dim, ':'); i >= 0 {
		ref = dim[i+1:]
	}
	_, row, err := excelize.CellNameToCoordinates(ref)
	if err != nil {
		return -1
	}
	return row
}

func (s *xlsxSource) next() ([]string, int, error) {
	if !s.rows.Next() {
		if err := s.rows.Error(); err != nil {
			return nil, s.line, &ParseError{Reason: "malformed sheet data", Line: s.line + 1, Err: err}
		}
		return nil, s.line, io.EOF
	}
	s.line++

	cols, err := s.rows.Columns()
	if err != nil {
		return nil, s.line, &ParseError{Reason: "malformed sheet row", Line: s.line, Err: err}
	}
	return cols, s.line, nil
}

func (s *xlsxSource) total() int { return s.last }

func (s *xlsxSource) strictWidth() bool { return false }

func (s *xlsxSource) close() error {
	return errors.Join(s.rows.Close(), s.file.Close())
}
