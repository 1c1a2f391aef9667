package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"actionserver/internal/bus"
	"actionserver/pkg/logging"
)

const sseKeepAliveInterval = 30 * time.Second

// handleEvents streams bus events as server-sent events. Each subscribed
// topic opens with its snapshot frame, then deltas follow in publish order.
// A subscriber that stops draining gets a terminal lost frame and is cut off.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	topics := splitTopics(r.URL.Query().Get("topics"))
	if len(topics) == 0 {
		topics = []string{bus.TopicRuns, bus.TopicCatalog}
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "streaming unsupported"})
		return
	}

	sub, err := s.deps.Bus.Subscribe(topics...)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: err.Error()})
		return
	}
	defer s.deps.Bus.Close(sub)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	logging.Debug("Server", "Event stream %s opened for topics %v", sub.ID(), topics)

	keepAlive := time.NewTicker(sseKeepAliveInterval)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepAlive.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case evt, open := <-sub.Events():
			if !open {
				return
			}
			if err := writeSSEEvent(w, evt); err != nil {
				return
			}
			flusher.Flush()
			if evt.Kind == bus.EventLost {
				return
			}
		}
	}
}

func writeSSEEvent(w http.ResponseWriter, evt bus.Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\nid: %d\ndata: %s\n\n", evt.Kind, evt.Seq, data)
	return err
}

func splitTopics(raw string) []string {
	var topics []string
	for _, t := range strings.Split(raw, ",") {
		if t = strings.TrimSpace(t); t != "" {
			topics = append(topics, t)
		}
	}
	return topics
}
