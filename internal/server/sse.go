package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/haasonsaas/strand/internal/stream"
)

// serveSSE streams the run's events as server-sent frames until the run
// reaches a terminal event or the client disconnects. Reconnecting clients
// resume via the Last-Event-ID header.
func (s *Server) serveSSE(w http.ResponseWriter, r *http.Request, runID string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "InternalError", "streaming unsupported")
		return
	}

	events, err := s.broker.Subscribe(r.Context(), stream.SubscribeOptions{
		RunID:       runID,
		LastEventID: r.Header.Get("Last-Event-ID"),
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "StorageError", err.Error())
		return
	}

	s.metrics.StreamSubscribers.Inc()
	defer s.metrics.StreamSubscribers.Dec()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for ev := range events {
		data, err := json.Marshal(ev)
		if err != nil {
			s.logger.Error("marshal event for stream", "eventId", ev.EventID, "error", err)
			continue
		}
		fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", ev.EventID, ev.Type, data)
		flusher.Flush()
	}
}
