package controllers

import (
	"encoding/json"
	"net/http"

	"github.com/rzbill/chorus/pkg/log"
)

// sseSink writes stream frames as Server-Sent Events.
//
// Each frame is sent as a data event named after the frame type, with the
// JSON-encoded frame as data.
type sseSink struct {
	w http.ResponseWriter
	f http.Flusher
}

// Send formats and sends a frame as an SSE event.
func (s sseSink) Send(f streamFrame) error {
	b, err := json.Marshal(f)
	if err != nil {
		return err
	}
	if _, err := s.w.Write([]byte("event: " + f.Type + "\ndata: ")); err != nil {
		return err
	}
	if _, err := s.w.Write(b); err != nil {
		return err
	}
	_, err = s.w.Write([]byte("\n\n"))
	return err
}

// Flush pushes buffered events to the client.
func (s sseSink) Flush() error {
	s.f.Flush()
	return nil
}

// Ping writes an SSE comment so proxies keep the connection open.
func (s sseSink) Ping() error {
	if _, err := s.w.Write([]byte(": ping\n\n")); err != nil {
		return err
	}
	return s.Flush()
}

// handleSSE is the Server-Sent Events variant of the websocket stream for
// clients that cannot upgrade.
func (c *StreamController) handleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "Streaming unsupported")
		return
	}
	channel, cursor, filter, ok := c.subscribeParams(w, r)
	if !ok {
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	err := c.pump(r.Context(), sseSink{w: w, f: flusher}, channel, cursor, filter)
	if err != nil && r.Context().Err() == nil {
		c.logger.Debug("sse stream ended", log.Err(err))
	}
}
