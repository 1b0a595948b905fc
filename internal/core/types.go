package core

import (
	"io"
	"time"

	"github.com/JonMunkholm/fileparse/internal/events"
	"github.com/JonMunkholm/fileparse/internal/parser"
)

// Status is a file's lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusUploading Status = "uploading"
	StatusStored    Status = "stored"
	StatusParsing   Status = "parsing"
	StatusParsed    Status = "parsed"
	StatusFailed    Status = "failed"
	StatusDeleted   Status = "deleted"
)

// Unknown marks a byte or row total that is not known yet.
const Unknown int64 = -1

// FileRecord is the authoritative state of one uploaded file.
// Values handed out by the store are copies; mutate through RecordStore.Mutate.
type FileRecord struct {
	ID            string        `json:"file_id"`
	OwnerID       string        `json:"owner_id"`
	Filename      string        `json:"filename"`
	Format        parser.Format `json:"format"`
	Status        Status        `json:"status"`
	BytesReceived int64         `json:"bytes_received"`
	BytesTotal    int64         `json:"bytes_total"`
	RowsParsed    int64         `json:"rows_parsed"`
	RowsTotal     int64         `json:"rows_total"`
	Percent       int           `json:"percent"`
	ErrorMessage  string        `json:"error_message,omitempty"`
	ErrorCode     string        `json:"error_code,omitempty"`
	Checksum      string        `json:"checksum,omitempty"`
	StorageKey    string        `json:"-"`
	ContentKey    string        `json:"-"`
	Columns       []string      `json:"columns,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

func (r FileRecord) clone() FileRecord {
	if r.Columns != nil {
		r.Columns = append([]string(nil), r.Columns...)
	}
	return r
}

// Event builds the progress event describing r's current state.
func (r FileRecord) Event(message string) events.Event {
	return events.Event{
		FileID:        r.ID,
		Status:        string(r.Status),
		Percent:       r.Percent,
		BytesReceived: r.BytesReceived,
		BytesTotal:    r.BytesTotal,
		RowsParsed:    r.RowsParsed,
		RowsTotal:     r.RowsTotal,
		Message:       message,
		Error:         r.ErrorMessage,
		ErrorCode:     r.ErrorCode,
		Terminal:      r.Status.Terminal(),
		Timestamp:     r.UpdatedAt,
	}
}

// ParsedContent is the result of a successful parse. It is read-only once
// the record is parsed. Rows is nil when the content was too large to keep
// in memory; it is then read back from ContentKey.
type ParsedContent struct {
	Columns    []string
	RowCount   int64
	Rows       []parser.Row
	ContentKey string
}

// AcceptRequest describes one upload.
type AcceptRequest struct {
	OwnerID  string
	Filename string
	Format   string // declared format, optional
	Size     int64  // declared size, Unknown if not sent
	Body     io.Reader

	// Deadline, when set, moves the read deadline of the connection behind
	// Body. It lets a stalled read fail instead of blocking past the idle
	// window.
	Deadline func(t time.Time) error
}

// ContentPage is one page of parsed rows.
type ContentPage struct {
	FileID    string              `json:"file_id"`
	Filename  string              `json:"filename"`
	Columns   []string            `json:"columns"`
	TotalRows int64               `json:"total_rows"`
	Page      int                 `json:"page"`
	Limit     int                 `json:"limit"`
	Rows      []map[string]string `json:"rows"`
}
