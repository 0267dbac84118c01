package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/wudi/urlmd/internal/logging"
)

// sseWriter frames Server-Sent Events and flushes after each one.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func newSSEWriter(w http.ResponseWriter) (*sseWriter, bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, false
	}
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	return &sseWriter{w: w, flusher: flusher}, true
}

// Event writes one named event with a JSON payload.
func (s *sseWriter) Event(event string, data any) {
	raw, err := json.Marshal(data)
	if err != nil {
		logging.Warn("sse payload encode failed", zap.String("event", event), zap.Error(err))
		return
	}
	fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", event, raw)
	s.flusher.Flush()
}
