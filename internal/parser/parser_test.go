package parser

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
	"golang.org/x/text/encoding/unicode"
)

// collect drains a cursor and returns its rows and final error.
func collect(t *testing.T, rows *Rows) ([]Row, error) {
	t.Helper()
	var out []Row
	for rows.Next() {
		out = append(out, append(Row(nil), rows.Row()...))
	}
	require.NoError(t, rows.Close())
	return out, rows.Err()
}

func parseString(t *testing.T, input string, format Format, opts Options) (*Rows, error) {
	t.Helper()
	return Parse(strings.NewReader(input), format, opts)
}

// =============================================================================
// CSV
// =============================================================================

func TestParse_CSVThreeRows(t *testing.T) {
	rows, err := parseString(t, "id,name\n1,a\n2,b\n3,c\n", FormatCSV, Options{})
	require.NoError(t, err)

	assert.Equal(t, []string{"id", "name"}, rows.Columns())
	assert.Equal(t, -1, rows.Total())

	got, err := collect(t, rows)
	require.NoError(t, err)
	assert.Equal(t, []Row{{"1", "a"}, {"2", "b"}, {"3", "c"}}, got)
}

func TestParse_ColumnMismatchReportsRow(t *testing.T) {
	rows, err := parseString(t, "id,name\n1,a\n2\n3,c\n", FormatCSV, Options{})
	require.NoError(t, err)

	got, err := collect(t, rows)
	assert.Len(t, got, 1)

	var pe *ParseError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, 2, pe.Row)
	assert.Equal(t, 3, pe.Line)
	assert.Equal(t, "row 2 (line 3): expected 2 columns, got 1", pe.Error())
}

func TestParse_ExtraFieldsAreAMismatch(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"empty extra fields", "a,b\n1,2,,\n3,4\n", "row 1 (line 2): expected 2 columns, got 4"},
		{"one trailing comma", "a,b\n1,2\n3,4,\n", "row 2 (line 3): expected 2 columns, got 3"},
		{"filled extra field", "a,b\n1,2,x\n", "row 1 (line 2): expected 2 columns, got 3"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rows, err := parseString(t, tt.input, FormatCSV, Options{})
			require.NoError(t, err)

			_, err = collect(t, rows)
			var pe *ParseError
			require.ErrorAs(t, err, &pe)
			assert.Equal(t, tt.want, pe.Error())
		})
	}
}

func TestParse_EmptyInput(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"zero bytes", ""},
		{"blank lines", "\n\n\n"},
		{"whitespace rows", "  \n\t\n"},
		{"only bom", "\xEF\xBB\xBF"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parseString(t, tt.input, FormatCSV, Options{})
			var pe *ParseError
			require.ErrorAs(t, err, &pe)
			assert.Equal(t, 0, pe.Row)
			assert.Equal(t, ReasonEmpty, pe.Reason)
		})
	}
}

func TestParse_HeaderOnly(t *testing.T) {
	rows, err := parseString(t, "id,name\n", FormatCSV, Options{})
	require.NoError(t, err)

	got, err := collect(t, rows)
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.Equal(t, []string{"id", "name"}, rows.Columns())
}

func TestParse_SkipsBlankRows(t *testing.T) {
	input := "\n\nid,name\n1,a\n   \n2,b\n\n\n"
	rows, err := parseString(t, input, FormatCSV, Options{})
	require.NoError(t, err)

	got, err := collect(t, rows)
	require.NoError(t, err)
	assert.Equal(t, []Row{{"1", "a"}, {"2", "b"}}, got)
	assert.Equal(t, 2, rows.Index())
}

func TestParse_HeaderNames(t *testing.T) {
	rows, err := parseString(t, "id, ,name,name,,id\n1,2,3,4,5,6\n", FormatCSV, Options{})
	require.NoError(t, err)
	defer rows.Close()

	assert.Equal(t, []string{"id", "col2", "name", "name_2", "col5", "id_2"}, rows.Columns())
}

func TestParse_MalformedQuote(t *testing.T) {
	rows, err := parseString(t, "id,name\n1,a\"b\n", FormatCSV, Options{})
	require.NoError(t, err)

	_, err = collect(t, rows)
	var pe *ParseError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, 1, pe.Row)
	assert.ErrorIs(t, err, csv.ErrBareQuote)
}

func TestParse_QuotedFieldsKeepNewlines(t *testing.T) {
	rows, err := parseString(t, "id,note\n1,\"multi\nline\"\n2,plain\n", FormatCSV, Options{})
	require.NoError(t, err)

	got, err := collect(t, rows)
	require.NoError(t, err)
	assert.Equal(t, []Row{{"1", "multi\nline"}, {"2", "plain"}}, got)
}

func TestParse_TSV(t *testing.T) {
	rows, err := parseString(t, "id\tname\n1\ta \"quoted\" b\n", FormatTSV, Options{})
	require.NoError(t, err)

	got, err := collect(t, rows)
	require.NoError(t, err)
	assert.Equal(t, []Row{{"1", "a \"quoted\" b"}}, got)
}

func TestParse_UnsupportedFormat(t *testing.T) {
	_, err := parseString(t, "a,b\n", Format("xml"), Options{})
	assert.ErrorIs(t, err, ErrUnsupportedFormat)
}

// =============================================================================
// Encoding
// =============================================================================

func TestParse_UTF8BOM(t *testing.T) {
	rows, err := parseString(t, "\xEF\xBB\xBFid,name\n1,a\n", FormatCSV, Options{})
	require.NoError(t, err)
	defer rows.Close()

	assert.Equal(t, []string{"id", "name"}, rows.Columns())
}

func TestParse_UTF16(t *testing.T) {
	for _, endian := range []unicode.Endianness{unicode.LittleEndian, unicode.BigEndian} {
		enc := unicode.UTF16(endian, unicode.UseBOM).NewEncoder()
		input, err := enc.String("id,name\n1,Zoë\n")
		require.NoError(t, err)

		rows, err := parseString(t, input, FormatCSV, Options{})
		require.NoError(t, err)

		got, err := collect(t, rows)
		require.NoError(t, err)
		assert.Equal(t, []string{"id", "name"}, rows.Columns())
		assert.Equal(t, []Row{{"1", "Zoë"}}, got)
	}
}

func TestParse_InvalidUTF8(t *testing.T) {
	input := "id,name\n1,a\n2,b\xffc\n"

	t.Run("reject", func(t *testing.T) {
		rows, err := parseString(t, input, FormatCSV, Options{InvalidUTF8: UTF8Reject})
		require.NoError(t, err)

		got, err := collect(t, rows)
		assert.Len(t, got, 1)
		var pe *ParseError
		require.ErrorAs(t, err, &pe)
		assert.Equal(t, 2, pe.Row)
		assert.Equal(t, ReasonInvalidUTF8, pe.Reason)
	})

	t.Run("replace", func(t *testing.T) {
		rows, err := parseString(t, input, FormatCSV, Options{InvalidUTF8: UTF8Replace})
		require.NoError(t, err)

		got, err := collect(t, rows)
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, "b�c", got[1][1])
	})
}

// =============================================================================
// XLSX
// =============================================================================

func workbook(t *testing.T, dimension string, rows ...[]any) []byte {
	t.Helper()
	f := excelize.NewFile()
	defer f.Close()

	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		require.NoError(t, err)
		require.NoError(t, f.SetSheetRow("Sheet1", cell, &row))
	}
	require.NoError(t, f.SetSheetDimension("Sheet1", dimension))
	buf, err := f.WriteToBuffer()
	require.NoError(t, err)
	return buf.Bytes()
}

func TestParse_XLSX(t *testing.T) {
	data := workbook(t, "A1:C3",
		[]any{"id", "name", "note"},
		[]any{1, "a"},
		[]any{2, "b", "x"},
	)

	rows, err := Parse(bytes.NewReader(data), FormatXLSX, Options{})
	require.NoError(t, err)

	assert.Equal(t, []string{"id", "name", "note"}, rows.Columns())
	assert.Equal(t, 2, rows.Total())
	assert.Equal(t, int64(len(data)), rows.Consumed())

	got, err := collect(t, rows)
	require.NoError(t, err)
	assert.Equal(t, []Row{{"1", "a", ""}, {"2", "b", "x"}}, got)
}

func TestParse_XLSXTooWide(t *testing.T) {
	data := workbook(t, "A1:C2",
		[]any{"id", "name"},
		[]any{1, "a", "extra"},
	)

	rows, err := Parse(bytes.NewReader(data), FormatXLSX, Options{})
	require.NoError(t, err)

	_, err = collect(t, rows)
	var pe *ParseError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, 1, pe.Row)
	assert.Equal(t, 2, pe.Line)
}

func TestParse_XLSXGarbage(t *testing.T) {
	_, err := Parse(strings.NewReader("definitely not a zip"), FormatXLSX, Options{})
	var pe *ParseError
	require.ErrorAs(t, err, &pe)
}

// =============================================================================
// Cursor behaviour
// =============================================================================

func TestRows_NextContextStopsOnCancel(t *testing.T) {
	rows, err := parseString(t, "id\n1\n2\n3\n", FormatCSV, Options{})
	require.NoError(t, err)
	defer rows.Close()

	ctx, cancel := context.WithCancel(context.Background())
	require.True(t, rows.NextContext(ctx))
	cancel()

	assert.False(t, rows.NextContext(ctx))
	assert.ErrorIs(t, rows.Err(), context.Canceled)
	assert.False(t, rows.Next(), "cursor must stay exhausted")
}

func TestRows_ConsumedAdvances(t *testing.T) {
	input := "id,name\n" + strings.Repeat("1,abcdefghij\n", 2000)
	rows, err := parseString(t, input, FormatCSV, Options{})
	require.NoError(t, err)

	first := rows.Consumed()
	for rows.Next() {
	}
	require.NoError(t, rows.Err())
	assert.Equal(t, int64(len(input)), rows.Consumed())
	assert.Less(t, first, rows.Consumed())
	require.NoError(t, rows.Close())
	require.NoError(t, rows.Close())
}

func TestRow_Map(t *testing.T) {
	m := Row{"1", "a"}.Map([]string{"id", "name"})
	assert.Equal(t, map[string]string{"id": "1", "name": "a"}, m)
}

func TestParseError_Messages(t *testing.T) {
	tests := []struct {
		err  *ParseError
		want string
	}{
		{&ParseError{Reason: ReasonEmpty}, ReasonEmpty},
		{&ParseError{Reason: "bad", Row: 4}, "row 4: bad"},
		{&ParseError{Reason: "bad", Row: 4, Line: 9}, "row 4 (line 9): bad"},
		{&ParseError{Reason: "bad", Line: 2}, "line 2: bad"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.err.Error())
	}

	inner := errors.New("inner")
	assert.ErrorIs(t, &ParseError{Reason: "x", Err: inner}, inner)
}

func TestDetectFormat(t *testing.T) {
	tests := []struct {
		declared string
		filename string
		want     Format
		wantErr  bool
	}{
		{"", "data.csv", FormatCSV, false},
		{"", "DATA.CSV", FormatCSV, false},
		{"", "data.tsv", FormatTSV, false},
		{"", "book.xlsx", FormatXLSX, false},
		{"csv", "book.xlsx", FormatCSV, false},
		{"Excel", "upload", FormatXLSX, false},
		{"text/csv", "", FormatCSV, false},
		{"", "legacy.xls", "", true},
		{"", "noext", "", true},
		{"json", "data.csv", "", true},
	}

	for _, tt := range tests {
		got, err := DetectFormat(tt.declared, tt.filename)
		if tt.wantErr {
			assert.ErrorIs(t, err, ErrUnsupportedFormat, "DetectFormat(%q, %q)", tt.declared, tt.filename)
			continue
		}
		require.NoError(t, err)
		assert.Equal(t, tt.want, got, "DetectFormat(%q, %q)", tt.declared, tt.filename)
	}
}
