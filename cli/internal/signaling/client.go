package signaling

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/meshtalk/meshtalk/cli/internal/dns"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024

	handshakeTimeout = 10 * time.Second
	outgoingBuffer   = 64
	incomingBuffer   = 64
)

// ErrClientClosed is returned when sending on a closed or lost connection.
var ErrClientClosed = errors.New("signaling connection closed")

// Client manages the WebSocket connection to the relay server.
type Client struct {
	conn      *websocket.Conn
	serverURL string
	codec     Codec
	log       *logrus.Entry

	incoming chan *Message
	outgoing chan *Message
	done     chan struct{} // closed by Close
	lost     chan struct{} // closed when the read side ends

	closeOnce sync.Once
}

// NewClient creates a new signaling client speaking the given wire codec.
func NewClient(serverURL string, codec Codec, log *logrus.Entry) *Client {
	if codec == nil {
		codec = jsonCodec{}
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Client{
		serverURL: serverURL,
		codec:     codec,
		log:       log.WithField("component", "signaling"),
		incoming:  make(chan *Message, incomingBuffer),
		outgoing:  make(chan *Message, outgoingBuffer),
		done:      make(chan struct{}),
		lost:      make(chan struct{}),
	}
}

// Connect establishes the WebSocket connection and starts the pumps.
func (c *Client) Connect(ctx context.Context) error {
	u, err := url.Parse(c.serverURL)
	if err != nil {
		return fmt.Errorf("invalid server URL: %w", err)
	}
	q := u.Query()
	q.Set("wire", c.codec.Name())
	u.RawQuery = q.Encode()

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: handshakeTimeout,
		NetDialContext:   dns.NewResolver().DialContext,
	}
	conn, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}

	c.conn = conn
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	go c.readPump()
	go c.writePump()

	c.log.WithField("url", u.Redacted()).Debug("connected to relay")
	return nil
}

// readPump decodes frames from the connection until it fails or the client closes.
func (c *Client) readPump() {
	defer func() {
		close(c.lost)
		c.conn.Close()
		close(c.incoming)
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.WithError(err).Warn("relay connection lost")
			}
			return
		}

		var msg Message
		if err := c.codec.Unmarshal(data, &msg); err != nil {
			c.log.WithError(err).Warn("dropping undecodable frame")
			continue
		}

		select {
		case c.incoming <- &msg:
		case <-c.done:
			return
		}
	}
}

// writePump writes queued messages and sends periodic pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)

	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message := <-c.outgoing:
			data, err := c.codec.Marshal(message)
			if err != nil {
				c.log.WithError(err).WithField("type", message.Type).Error("failed to encode message")
				continue
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(c.codec.FrameType(), data); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.lost:
			return

		case <-c.done:
			c.drain()
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// drain flushes messages queued before Close, such as a final leave_room.
func (c *Client) drain() {
	for {
		select {
		case message := <-c.outgoing:
			data, err := c.codec.Marshal(message)
			if err != nil {
				continue
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(c.codec.FrameType(), data); err != nil {
				return
			}
		default:
			return
		}
	}
}

// SendMessage queues a message for the server.
func (c *Client) SendMessage(msg *Message) error {
	select {
	case <-c.done:
		return ErrClientClosed
	case <-c.lost:
		return ErrClientClosed
	default:
	}

	select {
	case c.outgoing <- msg:
		return nil
	case <-c.done:
		return ErrClientClosed
	case <-c.lost:
		return ErrClientClosed
	}
}

// Incoming returns the channel for receiving messages. It is closed when the connection ends.
func (c *Client) Incoming() <-chan *Message {
	return c.incoming
}

// Lost is closed once the connection has ended for any reason.
func (c *Client) Lost() <-chan struct{} {
	return c.lost
}

// Close closes the WebSocket connection. Safe to call more than once.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}
