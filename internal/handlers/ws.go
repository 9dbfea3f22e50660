package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/mossy-p/callkit/internal/session"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Origin checking is handled by middleware.
		return true
	},
}

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
)

// StateFeed streams call state events to a connected UI. The feed is
// read-only: call control goes through the HTTP endpoints, and a slow or
// dead consumer is disconnected rather than allowed to stall calls.
func StateFeed(registry *session.Registry, log *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			log.WithError(err).Warn("state feed upgrade failed")
			return
		}

		events, cancel := registry.Subscribe()
		client := &feedClient{conn: conn, events: events, cancel: cancel, log: log}

		go client.writePump()
		go client.readPump()
	}
}

type feedClient struct {
	conn   *websocket.Conn
	events <-chan session.StateEvent
	cancel func()
	log    *logrus.Logger
}

// readPump discards inbound frames; it exists to process pongs and to
// notice the peer going away.
func (f *feedClient) readPump() {
	defer func() {
		f.cancel()
		f.conn.Close()
	}()

	f.conn.SetReadDeadline(time.Now().Add(pongWait))
	f.conn.SetPongHandler(func(string) error {
		f.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := f.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				f.log.WithError(err).Debug("state feed read error")
			}
			return
		}
	}
}

func (f *feedClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		f.conn.Close()
	}()

	for {
		select {
		case ev, ok := <-f.events:
			f.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				f.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				f.log.WithError(err).Warn("state event marshal failed")
				continue
			}
			if err := f.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-ticker.C:
			f.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := f.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
