// Package events fans out per-file progress events to live subscribers.
//
// Every file has its own topic with its own lock and sequence counter;
// publishing to one file never waits on another. Publishing never blocks
// on a subscriber: a subscriber whose buffer is full is handled by the
// bus's backpressure policy.
package events

import "time"

// Event names used on the wire.
const (
	KindProgress = "progress"
	KindParsed   = "parsed"
	KindFailed   = "failed"
	KindDeleted  = "deleted"
)

// Event is an immutable snapshot of one file's progress.
type Event struct {
	FileID        string    `json:"file_id"`
	Seq           uint64    `json:"seq"`
	Status        string    `json:"status"`
	Percent       int       `json:"percent"`
	BytesReceived int64     `json:"bytes_received"`
	BytesTotal    int64     `json:"bytes_total"`
	RowsParsed    int64     `json:"rows_parsed"`
	RowsTotal     int64     `json:"rows_total"`
	Message       string    `json:"message,omitempty"`
	Error         string    `json:"error,omitempty"`
	ErrorCode     string    `json:"error_code,omitempty"`
	Terminal      bool      `json:"terminal"`
	Timestamp     time.Time `json:"timestamp"`
}

// Kind returns the wire event name: the status for terminal events,
// "progress" otherwise.
func (e Event) Kind() string {
	if e.Terminal {
		return e.Status
	}
	return KindProgress
}
