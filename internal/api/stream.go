package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"bandwatch/internal/engine"
)

const writeWait = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// StreamMessage is the JSON frame exchanged on /v1/stream. Clients send subscribe (with an
// optional series; empty means all) and unsubscribe (with sub_id); the server answers with
// subscribed, unsubscribed, event and error frames.
type StreamMessage struct {
	Type   string      `json:"type"`
	Series string      `json:"series,omitempty"`
	SubID  string      `json:"sub_id,omitempty"`
	State  string      `json:"state,omitempty"`
	Result *resultView `json:"result,omitempty"`
	Error  string      `json:"error,omitempty"`
	At     *time.Time  `json:"at,omitempty"`
}

// wsConn serialises writes; gorilla connections allow one concurrent writer.
type wsConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *wsConn) send(msg StreamMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, payload)
}

func (c *wsConn) goingAway() {
	c.mu.Lock()
	defer c.mu.Unlock()
	frame := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
	_ = c.conn.WriteControl(websocket.CloseMessage, frame, time.Now().Add(writeWait))
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	raw, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}
	conn := &wsConn{conn: raw}
	defer func() { _ = raw.Close() }()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	subs := make(map[string]*engine.Subscription)
	var subsMu sync.Mutex

	go func() {
		defer cancel()
		for {
			_, msg, err := raw.ReadMessage()
			if err != nil {
				return
			}

			var cmd StreamMessage
			if err := json.Unmarshal(msg, &cmd); err != nil {
				_ = conn.send(StreamMessage{Type: "error", Error: "invalid message format"})
				continue
			}

			switch cmd.Type {
			case "subscribe":
				if cmd.Series != "" {
					if _, err := s.deps.Engine.Status(cmd.Series); err != nil {
						_ = conn.send(StreamMessage{Type: "error", Series: cmd.Series, Error: err.Error()})
						continue
					}
				}
				sub := s.deps.Engine.Subscribe(cmd.Series)
				subsMu.Lock()
				subs[sub.ID] = sub
				subsMu.Unlock()
				_ = conn.send(StreamMessage{Type: "subscribed", Series: cmd.Series, SubID: sub.ID})
				go s.forwardEvents(ctx, conn, sub)

			case "unsubscribe":
				subsMu.Lock()
				if sub, ok := subs[cmd.SubID]; ok {
					delete(subs, cmd.SubID)
					sub.Close()
				}
				subsMu.Unlock()
				_ = conn.send(StreamMessage{Type: "unsubscribed", SubID: cmd.SubID})

			default:
				_ = conn.send(StreamMessage{Type: "error", Error: "unknown command: " + cmd.Type})
			}
		}
	}()

	select {
	case <-ctx.Done():
	case <-s.done:
		conn.goingAway()
		cancel()
	}

	subsMu.Lock()
	for _, sub := range subs {
		sub.Close()
	}
	subsMu.Unlock()
}

func (s *Server) forwardEvents(ctx context.Context, conn *wsConn, sub *engine.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.C():
			if !ok {
				return
			}
			at := ev.At
			msg := StreamMessage{
				Type:   "event",
				Series: ev.Identity,
				SubID:  sub.ID,
				State:  ev.State.String(),
				Result: newResultView(ev.Result, true),
				At:     &at,
			}
			if ev.Err != nil {
				msg.Error = ev.Err.Error()
			}
			if err := conn.send(msg); err != nil {
				return
			}
		}
	}
}
