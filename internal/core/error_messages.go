package core

// error_messages.go turns technical errors into user-facing messages with
// codes for support reference. Users quote the code; support looks it up
// here.
//
// # Request Errors (REQ001-REQ099)
//
//	REQ001 - Validation: the request is missing or has an invalid field
//	REQ002 - Unauthorized: no valid credentials were presented
//	REQ003 - Forbidden: the file belongs to another user
//	REQ004 - Not found: no such file
//	REQ005 - Not ready: the file has not finished parsing
//	REQ006 - Conflict: the resource already exists
//
// # File Errors (FILE001-FILE099)
//
//	FILE001 - File too large: the upload exceeded the size limit
//	FILE002 - Unsupported format: neither csv, tsv nor xlsx
//	FILE003 - Encoding error: the file is not valid UTF-8 or UTF-16
//	FILE004 - Empty file: no header row was found
//	FILE005 - Malformed file: a row is structurally inconsistent
//
// # Upload Errors (UPL001-UPL099)
//
//	UPL001 - Upload cancelled: the client went away or the file was deleted
//	UPL002 - System busy: too many files are being processed
//	UPL003 - Upload timeout: no data arrived within the idle window
//	UPL004 - Interrupted: the server restarted while the file was in flight
//	UPL005 - Parse timeout: parsing ran past the configured limit
//
// # Storage and Database Errors (STO001, DB001-DB099)
//
//	STO001 - Storage error: reading or writing file bytes failed
//	DB001  - Connection refused: the database is unreachable
//	DB002  - Connection reset: the database connection dropped
//
// # Rate Limiting (RATE001)
//
//	RATE001 - Rate limited: too many requests
//
// # Default Error (ERR000)
//
// When nothing matches, ERR000 is returned and the technical error is only
// in the logs.
//
// Sentinel errors are classified with errors.Is first. Errors that reach
// MapError without a sentinel fall back to case-insensitive substring
// patterns; the first matching pattern wins.

import (
	"errors"
	"fmt"
	"strings"

	"github.com/JonMunkholm/fileparse/internal/parser"
)

// UserMessage provides user-friendly error information with actionable guidance.
type UserMessage struct {
	Message string `json:"message"` // What happened (user-friendly)
	Action  string `json:"action"`  // What to do about it
	Code    string `json:"code"`    // Error code for support reference
}

// Messages for the sentinel errors, keyed by code.
var (
	msgValidation = UserMessage{
		Message: "The request is invalid",
		Action:  "Check the request fields and try again",
		Code:    "REQ001",
	}
	msgUnauthorized = UserMessage{
		Message: "Authentication required",
		Action:  "Log in and retry with a valid bearer token",
		Code:    "REQ002",
	}
	msgForbidden = UserMessage{
		Message: "You do not have access to this file",
		Action:  "Use a file you uploaded yourself",
		Code:    "REQ003",
	}
	msgNotFound = UserMessage{
		Message: "File not found",
		Action:  "Check the file id; deleted files are no longer available",
		Code:    "REQ004",
	}
	msgNotReady = UserMessage{
		Message: "File is not ready",
		Action:  "Wait for the file to finish parsing, or check its progress",
		Code:    "REQ005",
	}
	msgConflict = UserMessage{
		Message: "The resource already exists",
		Action:  "Use a different value",
		Code:    "REQ006",
	}
	msgTooLarge = UserMessage{
		Message: "File exceeds the maximum size limit",
		Action:  "Split the file into smaller files",
		Code:    "FILE001",
	}
	msgUnsupported = UserMessage{
		Message: "Unsupported file format",
		Action:  "Upload a CSV, TSV or XLSX file",
		Code:    "FILE002",
	}
	msgCancelled = UserMessage{
		Message: "Upload was cancelled",
		Action:  "Start a new upload when ready",
		Code:    "UPL001",
	}
	msgBusy = UserMessage{
		Message: "System is busy processing other files",
		Action:  "Please wait a moment and try again",
		Code:    "UPL002",
	}
	msgUploadTimeout = UserMessage{
		Message: "Upload stalled and timed out",
		Action:  "Check your connection and upload again",
		Code:    "UPL003",
	}
	msgInterrupted = UserMessage{
		Message: "Processing was interrupted by a server restart",
		Action:  "Upload the file again",
		Code:    "UPL004",
	}
	msgParseTimeout = UserMessage{
		Message: "Parsing took too long and was stopped",
		Action:  "Split the file into smaller files",
		Code:    "UPL005",
	}
	msgStorage = UserMessage{
		Message: "A storage error occurred while processing the file",
		Action:  "Upload the file again; contact support if it keeps failing",
		Code:    "STO001",
	}
)

// errorPattern defines a pattern to match and its corresponding user message.
type errorPattern struct {
	pattern string
	msg     UserMessage
}

// errorPatterns catch errors from libraries that carry no sentinel.
var errorPatterns = []errorPattern{
	{
		pattern: "connection refused",
		msg: UserMessage{
			Message: "Unable to connect to database",
			Action:  "Please try again in a few moments",
			Code:    "DB001",
		},
	},
	{
		pattern: "connection reset",
		msg: UserMessage{
			Message: "Database connection was interrupted",
			Action:  "Please try again",
			Code:    "DB002",
		},
	},
	{
		pattern: "rate limit",
		msg: UserMessage{
			Message: "Too many requests",
			Action:  "Please wait a moment before trying again",
			Code:    "RATE001",
		},
	},
}

// defaultMessage is returned when nothing matches (ERR000).
var defaultMessage = UserMessage{
	Message: "An unexpected error occurred",
	Action:  "Please try again or contact support",
	Code:    "ERR000",
}

// MapError converts a technical error to a user-friendly message.
//
// Parse failures keep the parser's description, which names the offending
// row, so users can find the problem in their file:
//
//	msg := MapError(&parser.ParseError{Reason: "expected 2 columns, got 1", Row: 2})
//	// msg.Code == "FILE005"
//	// msg.Message == "Could not parse file: row 2: expected 2 columns, got 1"
func MapError(err error) UserMessage {
	if err == nil {
		return UserMessage{}
	}

	var pe *parser.ParseError
	if errors.As(err, &pe) {
		return parseMessage(pe)
	}

	switch {
	case errors.Is(err, parser.ErrUnsupportedFormat):
		return msgUnsupported
	case errors.Is(err, ErrValidation):
		m := msgValidation
		if detail := detailAfter(err, ErrValidation); detail != "" {
			m.Message = "Invalid request: " + detail
		}
		return m
	case errors.Is(err, ErrUnauthorized):
		return msgUnauthorized
	case errors.Is(err, ErrForbidden):
		return msgForbidden
	case errors.Is(err, ErrNotFound):
		return msgNotFound
	case errors.Is(err, ErrNotReady):
		return msgNotReady
	case errors.Is(err, ErrConflict):
		return msgConflict
	case errors.Is(err, ErrPayloadTooLarge):
		return msgTooLarge
	case errors.Is(err, ErrTooManyUploads):
		return msgBusy
	case errors.Is(err, ErrUploadTimeout):
		return msgUploadTimeout
	case errors.Is(err, ErrInterrupted):
		return msgInterrupted
	case errors.Is(err, ErrParseTimeout):
		return msgParseTimeout
	case errors.Is(err, ErrStorage):
		return msgStorage
	case errors.Is(err, ErrCancelled):
		return msgCancelled
	}

	errStr := strings.ToLower(err.Error())
	for _, ep := range errorPatterns {
		if strings.Contains(errStr, ep.pattern) {
			return ep.msg
		}
	}

	return defaultMessage
}

func parseMessage(pe *parser.ParseError) UserMessage {
	m := UserMessage{
		Message: "Could not parse file: " + pe.Error(),
		Action:  "Fix the reported row and upload the file again",
		Code:    "FILE005",
	}
	switch pe.Reason {
	case parser.ReasonInvalidUTF8:
		m.Code = "FILE003"
		m.Action = "Save the file as UTF-8 and upload it again"
	case parser.ReasonEmpty:
		m.Code = "FILE004"
		m.Action = "Upload a file with a header row"
	}
	return m
}

// detailAfter returns the text following a sentinel's message, e.g.
// "filename is required" from "validation failed: filename is required".
func detailAfter(err, sentinel error) string {
	prefix := sentinel.Error() + ": "
	s := err.Error()
	if i := strings.Index(s, prefix); i >= 0 {
		return s[i+len(prefix):]
	}
	return ""
}

// FormatUserError creates a formatted error string for display.
// The format is: "Message (Code: XXX). Action"
func FormatUserError(err error) string {
	msg := MapError(err)
	if msg.Message == "" {
		return ""
	}
	return fmt.Sprintf("%s (Code: %s). %s", msg.Message, msg.Code, msg.Action)
}

// IsUserFacing reports whether err maps to something more specific than
// the ERR000 fallback.
func IsUserFacing(err error) bool {
	if err == nil {
		return false
	}
	return MapError(err).Code != defaultMessage.Code
}

// UserError pairs a technical error with its user-facing message.
type UserError struct {
	Technical error       // Original technical error for logging
	User      UserMessage // User-friendly message for display
}

func (e *UserError) Error() string {
	return e.User.Message
}

func (e *UserError) Unwrap() error {
	return e.Technical
}

// NewUserError maps err to a UserError. Returns nil if err is nil.
func NewUserError(err error) *UserError {
	if err == nil {
		return nil
	}
	return &UserError{
		Technical: err,
		User:      MapError(err),
	}
}
