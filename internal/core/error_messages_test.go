package core

import (
	"errors"
	"fmt"
	"testing"

	"github.com/JonMunkholm/fileparse/internal/parser"
)

func TestMapError(t *testing.T) {
	tests := []struct {
		name        string
		err         error
		wantCode    string
		wantMessage string
	}{
		{
			name:        "nil error returns empty",
			err:         nil,
			wantCode:    "",
			wantMessage: "",
		},
		{
			name:        "row mismatch keeps parser description",
			err:         &parser.ParseError{Reason: "expected 2 columns, got 1", Row: 2, Line: 3},
			wantCode:    "FILE005",
			wantMessage: "Could not parse file: row 2 (line 3): expected 2 columns, got 1",
		},
		{
			name:        "wrapped parse error",
			err:         fmt.Errorf("parse: %w", &parser.ParseError{Reason: parser.ReasonEmpty}),
			wantCode:    "FILE004",
			wantMessage: "Could not parse file: " + parser.ReasonEmpty,
		},
		{
			name:        "invalid encoding",
			err:         &parser.ParseError{Reason: parser.ReasonInvalidUTF8, Row: 7},
			wantCode:    "FILE003",
			wantMessage: "Could not parse file: row 7: " + parser.ReasonInvalidUTF8,
		},
		{
			name:        "validation detail is surfaced",
			err:         validationError("filename is required"),
			wantCode:    "REQ001",
			wantMessage: "Invalid request: filename is required",
		},
		{
			name:        "unsupported format",
			err:         fmt.Errorf("%w: %q", parser.ErrUnsupportedFormat, "pdf"),
			wantCode:    "FILE002",
			wantMessage: "Unsupported file format",
		},
		{
			name:        "not ready wins over conflict",
			err:         ErrNotReady,
			wantCode:    "REQ005",
			wantMessage: "File is not ready",
		},
		{
			name:        "plain conflict",
			err:         fmt.Errorf("%w: record abc already exists", ErrConflict),
			wantCode:    "REQ006",
			wantMessage: "The resource already exists",
		},
		{
			name:        "forbidden",
			err:         ErrForbidden,
			wantCode:    "REQ003",
			wantMessage: "You do not have access to this file",
		},
		{
			name:        "too many uploads",
			err:         ErrTooManyUploads,
			wantCode:    "UPL002",
			wantMessage: "System is busy processing other files",
		},
		{
			name:        "storage failure",
			err:         storageError("open raw file", errors.New("disk on fire")),
			wantCode:    "STO001",
			wantMessage: "A storage error occurred while processing the file",
		},
		{
			name:        "interrupted",
			err:         ErrInterrupted,
			wantCode:    "UPL004",
			wantMessage: "Processing was interrupted by a server restart",
		},
		{
			name:        "connection refused pattern",
			err:         errors.New("dial tcp 127.0.0.1:5432: connect: Connection Refused"),
			wantCode:    "DB001",
			wantMessage: "Unable to connect to database",
		},
		{
			name:        "unknown error returns default",
			err:         errors.New("some random internal error"),
			wantCode:    "ERR000",
			wantMessage: "An unexpected error occurred",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := MapError(tt.err)
			if got.Code != tt.wantCode {
				t.Errorf("MapError() code = %q, want %q", got.Code, tt.wantCode)
			}
			if got.Message != tt.wantMessage {
				t.Errorf("MapError() message = %q, want %q", got.Message, tt.wantMessage)
			}
		})
	}
}

func TestFormatUserError(t *testing.T) {
	result := FormatUserError(ErrPayloadTooLarge)

	expected := "File exceeds the maximum size limit (Code: FILE001). Split the file into smaller files"
	if result != expected {
		t.Errorf("FormatUserError() = %q, want %q", result, expected)
	}
	if FormatUserError(nil) != "" {
		t.Error("FormatUserError(nil) should be empty")
	}
}

func TestIsUserFacing(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{
			name: "nil error is not user facing",
			err:  nil,
			want: false,
		},
		{
			name: "sentinel is user facing",
			err:  fmt.Errorf("delete: %w", ErrNotFound),
			want: true,
		},
		{
			name: "unknown error is not user facing",
			err:  errors.New("random internal error xyz"),
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := IsUserFacing(tt.err)
			if got != tt.want {
				t.Errorf("IsUserFacing() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNewUserError(t *testing.T) {
	t.Run("nil error returns nil", func(t *testing.T) {
		if got := NewUserError(nil); got != nil {
			t.Errorf("NewUserError(nil) = %v, want nil", got)
		}
	})

	t.Run("wraps technical error with user message", func(t *testing.T) {
		techErr := fmt.Errorf("lookup: %w", ErrNotFound)
		userErr := NewUserError(techErr)

		if userErr.Error() != "File not found" {
			t.Errorf("Error() = %q, want user message", userErr.Error())
		}

		if !errors.Is(userErr, ErrNotFound) {
			t.Error("Unwrap() should return original error")
		}
	})
}
