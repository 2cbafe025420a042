package api

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
)

// outputPollWait is how long each getOutput call may wait on the worker.
const outputPollWait = 10 * time.Second

// handleStreamOutput streams a paragraph's output as server-sent events. Each
// event's id is the byte offset after it, so a client reconnecting with
// Last-Event-ID resumes where it stopped. A final "done" event follows the
// last output.
func (s *Server) handleStreamOutput(w http.ResponseWriter, r *http.Request) {
	group := chi.URLParam(r, "group")
	paragraph := chi.URLParam(r, "paragraph")

	offset := 0
	raw := r.Header.Get("Last-Event-ID")
	if raw == "" {
		raw = r.URL.Query().Get("offset")
	}
	if raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			s.writeError(w, http.StatusBadRequest, "offset must be a non-negative integer")
			return
		}
		offset = n
	}

	p, err := s.manager.Process(r.Context(), group)
	if err != nil {
		s.writeFailure(w, "stream output", err)
		return
	}
	// The first read also reports an unknown paragraph before headers go out.
	res, err := p.Output(r.Context(), paragraph, offset, 0)
	if err != nil {
		s.writeFailure(w, "stream output", err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	// Disable write timeout for long-lived SSE connections.
	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		s.logger.Debug("set write deadline for SSE", "error", err)
	}

	w.WriteHeader(http.StatusOK)
	flusher, canFlush := w.(http.Flusher)
	flush := func() {
		if canFlush {
			flusher.Flush()
		}
	}
	flush()

	for {
		if res.Data != "" {
			if err := writeSSEData(w, res.Offset, res.Data); err != nil {
				return // Client gone.
			}
			flush()
		}
		if res.Done {
			_ = writeSSEEvent(w, "done", "stream complete")
			flush()
			return
		}
		if r.Context().Err() != nil {
			return
		}

		res, err = p.Output(r.Context(), paragraph, res.Offset, outputPollWait)
		if err != nil {
			if r.Context().Err() == nil {
				s.logger.Warn("stream output", "group_id", group, "paragraph_id", paragraph, "error", err)
				_ = writeSSEEvent(w, "error", err.Error())
				flush()
			}
			return
		}
	}
}

// writeSSEData writes output as one SSE event. Multi-line output is split so
// that each line gets its own "data:" prefix.
func writeSSEData(w http.ResponseWriter, id int, data string) error {
	if _, err := fmt.Fprintf(w, "id: %d\n", id); err != nil {
		return err
	}
	for seg := range strings.SplitSeq(data, "\n") {
		if _, err := fmt.Fprintf(w, "data: %s\n", seg); err != nil {
			return err
		}
	}
	_, err := fmt.Fprint(w, "\n")
	return err
}

// writeSSEEvent writes a named SSE event.
func writeSSEEvent(w http.ResponseWriter, eventType, data string) error {
	if _, err := fmt.Fprintf(w, "event: %s\n", eventType); err != nil {
		return err
	}
	_, err := fmt.Fprintf(w, "data: %s\n\n", strings.ReplaceAll(data, "\n", " "))
	return err
}
