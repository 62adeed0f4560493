package ws

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const sendBuffer = 64

// Keepalive tuning. A peer that sends nothing and answers no ping within
// pongWait is reclaimed. Vars so tests can shrink the windows.
var (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
)

// conn wraps a websocket connection with a buffered outbound queue. Room
// broadcasts arrive on Deliver, which never blocks: a full queue drops the
// event and the client resynchronizes from the next presence delta.
type conn struct {
	ws   *websocket.Conn
	send chan any
	once sync.Once
}

func newConn(ws *websocket.Conn) *conn {
	return &conn{ws: ws, send: make(chan any, sendBuffer)}
}

// Deliver implements presence.Subscriber.
func (c *conn) Deliver(event any) {
	select {
	case c.send <- event:
	default:
	}
}

func (c *conn) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case event, ok := <-c.send:
			if !ok {
				return
			}
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteJSON(event); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// reject writes a single error frame directly and closes the connection. It
// must only run before writeLoop starts; afterwards all writes go through the
// send queue.
func (c *conn) reject(code, message string) {
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	_ = c.ws.WriteJSON(errorReply{Type: MsgError, Code: code, Message: message})
	c.shutdown()
}

// shutdown must only run after the connection's room membership has been
// removed, so no Deliver races the channel close.
func (c *conn) shutdown() {
	c.once.Do(func() {
		close(c.send)
		_ = c.ws.Close()
	})
}

// rateLimiter caps events per one-second window. It is owned by a single
// read loop and needs no locking.
type rateLimiter struct {
	limit  int
	window time.Time
	count  int
}

func (l *rateLimiter) allow(now time.Time) bool {
	if l.limit <= 0 {
		return true
	}
	if now.Sub(l.window) >= time.Second {
		l.window = now
		l.count = 0
	}
	l.count++
	return l.count <= l.limit
}
