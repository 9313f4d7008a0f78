package tileserver

import (
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"imagery-timeloop/internal/loop"
	"imagery-timeloop/internal/overlay"
)

const (
	pingInterval = 30 * time.Second
	pongWait     = 60 * time.Second
	writeTimeout = 10 * time.Second
	sendBuffer   = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// EventMessage is one event on the /events stream.
type EventMessage struct {
	Type     string         `json:"type"`
	Current  int            `json:"current,omitempty"`
	Total    int            `json:"total,omitempty"`
	Key      string         `json:"key,omitempty"`
	Name     string         `json:"name,omitempty"`
	Error    string         `json:"error,omitempty"`
	Snapshot *loop.Snapshot `json:"snapshot,omitempty"`
}

func messageFor(ev overlay.Event) EventMessage {
	msg := EventMessage{Key: ev.Descriptor.CacheKey, Name: ev.Descriptor.Name}
	switch ev.Kind {
	case overlay.EventProgress:
		msg = EventMessage{Type: "progress", Current: ev.Current, Total: ev.Total}
	case overlay.EventError:
		msg.Type = "error"
		if ev.Err != nil {
			msg.Error = ev.Err.Error()
		}
	case overlay.EventReady:
		msg.Type = "ready"
	}
	return msg
}

type eventConn struct {
	ws   *websocket.Conn
	send chan []byte
	done chan struct{}
}

// handleEvents streams controller events to a websocket client. The first
// message is a snapshot of the loop. A client that falls behind loses
// events rather than stalling the loop.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	c := &eventConn{
		ws:   ws,
		send: make(chan []byte, sendBuffer),
		done: make(chan struct{}),
	}

	snap := s.ctl.Snapshot()
	if data, err := json.Marshal(EventMessage{Type: "snapshot", Snapshot: &snap}); err == nil {
		c.send <- data
	}
	unsubscribe := s.ctl.Subscribe(func(ev overlay.Event) {
		data, err := json.Marshal(messageFor(ev))
		if err != nil {
			return
		}
		select {
		case c.send <- data:
		case <-c.done:
		default:
			s.log.Debug().Msg("event client too slow, dropping event")
		}
	})

	go s.writePump(c)
	go func() {
		s.readPump(c)
		unsubscribe()
	}()
}

// readPump discards client messages and keeps the read deadline fresh.
func (s *Server) readPump(c *eventConn) {
	defer func() {
		close(c.done)
		c.ws.Close()
	}()

	c.ws.SetReadLimit(512)
	if err := c.ws.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		return
	}
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.ws.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.log.Debug().Err(err).Msg("event client error")
			}
			return
		}
	}
}

func (s *Server) writePump(c *eventConn) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case data := <-c.send:
			if err := c.ws.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
				return
			}
			w, err := c.ws.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			if _, err := w.Write(data); err != nil {
				w.Close()
				return
			}
			if err := w.Close(); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.ws.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
				return
			}
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-s.quit:
			c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
			return
		case <-c.done:
			return
		}
	}
}
