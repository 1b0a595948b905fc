package web

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/JonMunkholm/fileparse/internal/core"
)

// multipartOverhead is the allowance for boundaries and small fields on top
// of the file size limit.
const multipartOverhead = 1 << 20

// maxFieldSize caps the small text fields sent before the file part.
const maxFieldSize = 64

// handleUpload streams a multipart upload part by part. Optional "format"
// and "size" fields must precede the "file" part; the file part is handed
// to the pipeline without being buffered.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.Upload.MaxFileSize+multipartOverhead)

	mr, err := r.MultipartReader()
	if err != nil {
		s.respondError(w, r, fmt.Errorf("%w: expected a multipart/form-data body", core.ErrValidation))
		return
	}

	req := core.AcceptRequest{
		OwnerID: callerID(r),
		Size:    core.Unknown,
	}
	rc := http.NewResponseController(w)
	req.Deadline = rc.SetReadDeadline

	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			s.respondError(w, r, fmt.Errorf("%w: file part is required", core.ErrValidation))
			return
		}
		if err != nil {
			s.respondError(w, r, multipartError(err))
			return
		}

		switch part.FormName() {
		case "format":
			req.Format, err = readField(part)
		case "size":
			var v string
			if v, err = readField(part); err == nil && v != "" {
				req.Size, err = strconv.ParseInt(v, 10, 64)
				if err != nil {
					err = fmt.Errorf("%w: size must be an integer", core.ErrValidation)
				}
			}
		case "file":
			req.Filename = part.FileName()
			req.Body = part
			rec, err := s.deps.Files.Accept(r.Context(), req)
			_ = part.Close()
			_ = rc.SetReadDeadline(time.Time{})
			if err != nil {
				s.respondError(w, r, err)
				return
			}
			w.Header().Set("Location", "/files/"+rec.ID)
			writeJSON(w, http.StatusCreated, rec)
			return
		}
		_ = part.Close()
		if err != nil {
			s.respondError(w, r, err)
			return
		}
	}
}

func readField(part io.Reader) (string, error) {
	b, err := io.ReadAll(io.LimitReader(part, maxFieldSize+1))
	if err != nil {
		return "", multipartError(err)
	}
	if len(b) > maxFieldSize {
		return "", fmt.Errorf("%w: form field too long", core.ErrValidation)
	}
	return strings.TrimSpace(string(b)), nil
}

// multipartError keeps body size violations distinguishable from
// malformed input.
func multipartError(err error) error {
	var maxBytes *http.MaxBytesError
	if errors.As(err, &maxBytes) {
		return fmt.Errorf("%w: request body exceeds %d bytes", core.ErrPayloadTooLarge, maxBytes.Limit)
	}
	return fmt.Errorf("%w: malformed multipart body: %w", core.ErrValidation, err)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	files, err := s.deps.Files.List(r.Context(), callerID(r))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	if files == nil {
		files = []core.FileRecord{}
	}
	writeJSON(w, http.StatusOK, files)
}

func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	rec, err := s.deps.Files.Progress(r.Context(), chi.URLParam(r, "fileID"), callerID(r))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// handleContent returns a page of parsed rows. Missing page or limit fall
// back to the first page and the configured page size.
func (s *Server) handleContent(w http.ResponseWriter, r *http.Request) {
	page, err := queryInt(r, "page")
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	limit, err := queryInt(r, "limit")
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	content, err := s.deps.Files.Content(r.Context(), chi.URLParam(r, "fileID"), callerID(r), page, limit)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, content)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Files.Delete(r.Context(), chi.URLParam(r, "fileID"), callerID(r)); err != nil {
		s.respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// queryInt parses an optional integer query parameter; absent means 0.
func queryInt(r *http.Request, name string) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%w: %s must be an integer", core.ErrValidation, name)
	}
	return n, nil
}
