// Package parser turns stored tabular bytes into a forward-only row cursor.
//
// Three formats are supported: comma separated (csv), tab separated (tsv)
// and Office Open XML workbooks (xlsx). The first non-blank row is the
// header. Structural problems are reported as *ParseError and never
// skipped silently.
package parser

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// Format identifies a supported tabular file format.
type Format string

const (
	FormatCSV  Format = "csv"
	FormatTSV  Format = "tsv"
	FormatXLSX Format = "xlsx"
)

// ErrUnsupportedFormat is returned when neither the declared format nor the
// file extension names a supported format.
var ErrUnsupportedFormat = errors.New("unsupported file format")

// ParseFormat resolves a declared format name, extension or MIME type.
func ParseFormat(name string) (Format, error) {
	switch strings.ToLower(strings.TrimPrefix(strings.TrimSpace(name), ".")) {
	case "csv", "text/csv":
		return FormatCSV, nil
	case "tsv", "tab", "text/tab-separated-values":
		return FormatTSV, nil
	case "xlsx", "xlsm", "excel", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet":
		return FormatXLSX, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, name)
}

// DetectFormat resolves the format of an upload. A declared format wins;
// otherwise the filename extension decides.
func DetectFormat(declared, filename string) (Format, error) {
	if strings.TrimSpace(declared) != "" {
		return ParseFormat(declared)
	}
	ext := filepath.Ext(filename)
	if ext == "" {
		return "", fmt.Errorf("%w: cannot infer format from %q", ErrUnsupportedFormat, filename)
	}
	return ParseFormat(ext)
}

// Valid reports whether f is a supported format.
func (f Format) Valid() bool {
	switch f {
	case FormatCSV, FormatTSV, FormatXLSX:
		return true
	}
	return false
}

func (f Format) String() string { return string(f) }
