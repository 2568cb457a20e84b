package signaling

import (
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 64 * 1024 // 64 KB - enough for SDP with many candidates

	sendBuffer = 256
)

// Client is one websocket connection to the relay.
type Client struct {
	hub   *Hub
	conn  *websocket.Conn
	codec Codec
	log   *logrus.Entry

	// send is drained by WritePump. Only the hub sends on it or closes it.
	send chan *Message

	// Owned by the hub loop.
	roomID   string
	userID   string
	userName string
}

func NewClient(hub *Hub, conn *websocket.Conn, codec Codec, log *logrus.Entry) *Client {
	return &Client{
		hub:   hub,
		conn:  conn,
		codec: codec,
		log:   log,
		send:  make(chan *Message, sendBuffer),
	}
}

// trySend queues msg without blocking the hub. A client that cannot keep up loses messages.
func (c *Client) trySend(msg *Message) {
	select {
	case c.send <- msg:
	default:
		c.log.WithField("type", msg.Type).Warn("send buffer full, dropping message")
	}
}

// ReadPump pumps messages from the websocket connection to the hub.
//
// The application runs ReadPump in a per-connection goroutine. The application
// ensures that there is at most one reader on a connection by executing all
// reads from this goroutine.
func (c *Client) ReadPump() {
	defer func() {
		c.hub.unregisterClient(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.log.WithError(err).Warn("connection closed unexpectedly")
			}
			return
		}

		var msg Message
		if err := c.codec.Unmarshal(data, &msg); err != nil {
			c.log.WithError(err).Debug("dropping undecodable frame")
			continue
		}
		msg.client = c

		if !c.hub.deliver(&msg) {
			return
		}
	}
}

// WritePump pumps messages from the hub to the websocket connection.
//
// A goroutine running WritePump is started for each connection. The
// application ensures that there is at most one writer to a connection by
// executing all writes from this goroutine.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel.
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			data, err := c.codec.Marshal(message)
			if err != nil {
				c.log.WithError(err).WithField("type", message.Type).Error("failed to encode message")
				continue
			}
			if err := c.conn.WriteMessage(c.codec.FrameType(), data); err != nil {
				c.log.WithError(err).Debug("write failed")
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
