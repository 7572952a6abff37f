package server

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/ndvalle/mostrador/internal/events"
)

const (
	sseBuffer    = 64
	sseHeartbeat = 15 * time.Second
)

// handleEvents streams emitter events. The ring buffer is replayed first
// so a freshly opened console shows recent activity. An optional topic
// query parameter filters the stream.
func (s *Server) handleEvents(c *gin.Context) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	topic := events.Topic(c.Query("topic"))
	keep := func(ev events.Event) bool { return topic == "" || ev.Topic == topic }

	writeSSE(c.Writer, "connected", map[string]string{"type": "connected"})
	if s.events == nil {
		c.Writer.Flush()
		return
	}

	// Subscribe before replaying so nothing published in between is lost.
	sub := s.events.Subscribe(sseBuffer)
	defer s.events.Unsubscribe(sub)

	var lastID string
	for _, ev := range s.events.Recent() {
		if keep(ev) {
			writeSSE(c.Writer, string(ev.Topic), ev)
		}
		lastID = ev.ID
	}
	c.Writer.Flush()

	ctx := c.Request.Context()
	heartbeat := time.NewTicker(sseHeartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			writeSSE(c.Writer, "heartbeat", map[string]string{
				"timestamp": time.Now().UTC().Format(time.RFC3339),
			})
			c.Writer.Flush()
		case ev, ok := <-sub.C:
			if !ok {
				return
			}
			// Event ids are sortable, so anything not newer was replayed.
			if ev.ID <= lastID || !keep(ev) {
				continue
			}
			writeSSE(c.Writer, string(ev.Topic), ev)
			c.Writer.Flush()
		}
	}
}

// writeSSE writes a single SSE event to the writer.
func writeSSE(w io.Writer, event string, data any) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, string(jsonData))
}
