package web

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/JonMunkholm/fileparse/internal/core"
	"github.com/JonMunkholm/fileparse/internal/events"
	"github.com/JonMunkholm/fileparse/internal/logging"
)

// handleEvents streams a file's progress as server-sent events:
//
//	id: <seq>
//	event: progress | parsed | failed | deleted
//	data: {...}
//
// A reconnecting client sends Last-Event-ID (or ?lastEventId=) and receives
// the logged events after it. The stream ends after the terminal event.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	fileID := chi.URLParam(r, "fileID")
	afterSeq, err := lastEventID(r)
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	sub, err := s.deps.Files.Subscribe(r.Context(), fileID, callerID(r), afterSeq)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	defer sub.Close()

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})
	if err := rc.Flush(); err != nil {
		logging.FromContext(r.Context()).Error("streaming not supported", "error", err)
		return
	}

	log := logging.WithFields(r.Context(), "file_id", fileID)
	heartbeat := time.NewTicker(s.heartbeat())
	defer heartbeat.Stop()

	for {
		select {
		case ev, ok := <-sub.C():
			if !ok {
				if err := sub.Err(); err != nil {
					log.Debug("event stream closed", "error", err)
				}
				return
			}
			if err := writeEvent(w, ev); err != nil {
				log.Debug("event write failed", "error", err)
				return
			}
			if err := rc.Flush(); err != nil {
				return
			}

		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			if err := rc.Flush(); err != nil {
				return
			}

		case <-r.Context().Done():
			return
		}
	}
}

func writeEvent(w http.ResponseWriter, ev events.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.Seq, ev.Kind(), data)
	return err
}

func (s *Server) heartbeat() time.Duration {
	if d := s.cfg.Events.Heartbeat; d > 0 {
		return d
	}
	return 15 * time.Second
}

// lastEventID reads the resume point from the Last-Event-ID header or the
// lastEventId query parameter. Absent means "from the current state".
func lastEventID(r *http.Request) (uint64, error) {
	v := strings.TrimSpace(r.Header.Get("Last-Event-ID"))
	if v == "" {
		v = r.URL.Query().Get("lastEventId")
	}
	if v == "" {
		return 0, nil
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: Last-Event-ID must be a sequence number", core.ErrValidation)
	}
	return n, nil
}
