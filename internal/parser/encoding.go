package parser

// encoding.go normalizes raw input before it reaches a format reader:
//
//   - a UTF-8 byte order mark is dropped
//   - UTF-16 input (LE or BE, identified by its BOM) is decoded to UTF-8
//   - optionally, invalid UTF-8 sequences are replaced on the fly
//
// Everything streams with constant memory.

import (
	"bufio"
	"bytes"
	"io"
	"unicode/utf8"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

var (
	bomUTF8    = []byte{0xEF, 0xBB, 0xBF}
	bomUTF16LE = []byte{0xFF, 0xFE}
	bomUTF16BE = []byte{0xFE, 0xFF}
)

// decodeInput inspects the first bytes of r and returns a reader producing
// UTF-8 text without a byte order mark.
func decodeInput(r io.Reader) io.Reader {
	br := bufio.NewReader(r)
	head, _ := br.Peek(3)

	switch {
	case bytes.HasPrefix(head, bomUTF8):
		_, _ = br.Discard(len(bomUTF8))
		return br
	case bytes.HasPrefix(head, bomUTF16LE):
		return transform.NewReader(br, unicode.UTF16(unicode.LittleEndian, unicode.ExpectBOM).NewDecoder())
	case bytes.HasPrefix(head, bomUTF16BE):
		return transform.NewReader(br, unicode.UTF16(unicode.BigEndian, unicode.ExpectBOM).NewDecoder())
	}
	return br
}

// utf8Sanitizer wraps an io.Reader and replaces invalid UTF-8 bytes with
// U+FFFD. Incomplete sequences at a read boundary are held back until the
// next read completes or invalidates them.
type utf8Sanitizer struct {
	reader  io.Reader
	pending []byte // undecided tail from the previous read
	out     []byte // sanitized bytes not yet returned
	buf     []byte
	err     error
}

func newUTF8Sanitizer(r io.Reader) *utf8Sanitizer {
	return &utf8Sanitizer{
		reader: r,
		buf:    make([]byte, 32*1024),
	}
}

// Read implements io.Reader.
func (s *utf8Sanitizer) Read(p []byte) (int, error) {
	for len(s.out) == 0 {
		if s.err != nil {
			return 0, s.err
		}
		n, err := s.reader.Read(s.buf)
		s.err = err
		data := append(s.pending, s.buf[:n]...)
		s.pending = nil
		s.fill(data, err != nil)
	}

	n := copy(p, s.out)
	s.out = s.out[n:]
	return n, nil
}

// fill appends the sanitized form of data to s.out. When atEOF is false a
// trailing partial rune is kept in s.pending.
func (s *utf8Sanitizer) fill(data []byte, atEOF bool) {
	if isAllASCII(data) {
		s.out = append(s.out[:0], data...)
		return
	}

	out := s.out[:0]
	for i := 0; i < len(data); {
		r, size := utf8.DecodeRune(data[i:])
		if r == utf8.RuneError && size == 1 {
			if !atEOF && !utf8.FullRune(data[i:]) {
				s.pending = append([]byte(nil), data[i:]...)
				break
			}
			out = utf8.AppendRune(out, utf8.RuneError)
			i++
			continue
		}
		out = append(out, data[i:i+size]...)
		i += size
	}
	s.out = out
}

// isAllASCII returns true if all bytes are ASCII (< 128).
func isAllASCII(data []byte) bool {
	for _, b := range data {
		if b >= 0x80 {
			return false
		}
	}
	return true
}

// countingReader tracks how many raw bytes the parser has consumed.
type countingReader struct {
	reader io.Reader
	n      int64
}

func (r *countingReader) Read(p []byte) (int, error) {
	n, err := r.reader.Read(p)
	r.n += int64(n)
	return n, err
}
