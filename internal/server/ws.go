package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/agleyzer/posesync/internal/events"
)

const (
	writeWait    = 5 * time.Second
	pingInterval = 30 * time.Second
	eventBuffer  = 256
)

// TopicSnapshot is the first message on every websocket: the full state.
const TopicSnapshot events.Topic = "snapshot"

// parseTopics reads a comma separated topic list. Empty means all topics.
func parseTopics(raw string) ([]events.Topic, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var out []events.Topic
	for _, part := range strings.Split(raw, ",") {
		t, err := events.ParseTopic(strings.TrimSpace(part))
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

// handleEvents streams bus events as JSON messages until the client goes
// away or the engine closes.
func (s *Server) handleEvents(c *gin.Context) {
	topics, err := parseTopics(c.Query("topics"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	bus := s.engine.Bus()
	sub, err := bus.Subscribe(eventBuffer, topics...)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	defer bus.Unsubscribe(sub.ID)

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	s.logger.Debug("websocket subscriber connected", "subscriber", sub.ID, "topics", topics)

	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(events.Event{
		Topic: TopicSnapshot,
		At:    time.Now(),
		Data:  s.engine.Snapshot(),
	}); err != nil {
		return
	}

	// Reads only detect the close; clients never send commands here.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	for {
		select {
		case <-done:
			s.logger.Debug("websocket subscriber disconnected", "subscriber", sub.ID)
			return
		case ev, ok := <-sub.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "engine closed"))
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				s.logger.Debug("websocket write failed", "subscriber", sub.ID, "error", err)
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}
