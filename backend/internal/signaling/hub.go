package signaling

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	DefaultRoomTTL       = 10 * time.Minute
	defaultSweepInterval = time.Minute
)

var (
	ErrRoomNotFound = errors.New("room not found")
	ErrHubStopped   = errors.New("hub stopped")
)

// Hub is the central brain of the relay server.
// It manages all active rooms and clients from the single goroutine running Run.
type Hub struct {
	rooms   map[string]*Room
	clients map[*Client]struct{}

	register   chan *Client
	unregister chan *Client
	inbound    chan *Message
	queries    chan func()
	done       chan struct{}

	roomTTL       time.Duration
	sweepInterval time.Duration
	now           func() time.Time
	log           *logrus.Entry
}

type Option func(*Hub)

// WithRoomTTL sets how long an empty room survives.
func WithRoomTTL(d time.Duration) Option {
	return func(h *Hub) { h.roomTTL = d }
}

// WithSweepInterval sets how often expired rooms are collected.
func WithSweepInterval(d time.Duration) Option {
	return func(h *Hub) { h.sweepInterval = d }
}

func WithLogger(log *logrus.Entry) Option {
	return func(h *Hub) { h.log = log }
}

// NewHub creates a new Hub instance.
func NewHub(opts ...Option) *Hub {
	h := &Hub{
		rooms:         make(map[string]*Room),
		clients:       make(map[*Client]struct{}),
		register:      make(chan *Client),
		unregister:    make(chan *Client),
		inbound:       make(chan *Message),
		queries:       make(chan func()),
		done:          make(chan struct{}),
		roomTTL:       DefaultRoomTTL,
		sweepInterval: defaultSweepInterval,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.log == nil {
		h.log = logrus.NewEntry(logrus.StandardLogger())
	}
	return h
}

// Register hands a new connection to the hub. It reports false once the hub has stopped.
func (h *Hub) Register(c *Client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) unregisterClient(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

func (h *Hub) deliver(msg *Message) bool {
	select {
	case h.inbound <- msg:
		return true
	case <-h.done:
		return false
	}
}

// Lookup returns the listing for a room code, matched case-insensitively.
func (h *Hub) Lookup(ctx context.Context, code string) (*RoomInfo, error) {
	reply := make(chan *RoomInfo, 1)
	query := func() {
		if room, ok := h.rooms[normalizeCode(code)]; ok {
			reply <- room.info()
			return
		}
		reply <- nil
	}

	select {
	case h.queries <- query:
	case <-h.done:
		return nil, ErrHubStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	info := <-reply
	if info == nil {
		return nil, ErrRoomNotFound
	}
	return info, nil
}

// Done is closed once Run has returned.
func (h *Hub) Done() <-chan struct{} {
	return h.done
}

// Run starts the hub's main processing loop.
// This is the single goroutine that safely manages all state (rooms, clients).
func (h *Hub) Run(ctx context.Context) {
	sweep := time.NewTicker(h.sweepInterval)
	defer func() {
		sweep.Stop()
		for c := range h.clients {
			close(c.send)
		}
		h.clients = nil
		close(h.done)
	}()

	for {
		select {
		case <-ctx.Done():
			h.log.Info("hub stopping")
			return

		case client := <-h.register:
			h.clients[client] = struct{}{}
			client.log.Debug("client registered")

		case client := <-h.unregister:
			if _, ok := h.clients[client]; !ok {
				continue
			}
			h.leave(client)
			delete(h.clients, client)
			close(client.send)
			client.log.Debug("client unregistered")

		case msg := <-h.inbound:
			if _, ok := h.clients[msg.client]; !ok {
				continue
			}
			h.handle(msg)

		case query := <-h.queries:
			query()

		case <-sweep.C:
			h.sweep()
		}
	}
}

func (h *Hub) handle(msg *Message) {
	c := msg.client
	switch msg.Type {
	case TypeCreateRoom:
		h.createRoom(c, msg)
	case TypeJoinRoom:
		h.joinRoom(c, msg)
	case TypeLeaveRoom:
		h.leave(c)
	case TypeSignal:
		h.relaySignal(c, msg)
	default:
		c.log.WithField("type", msg.Type).Debug("unknown message type")
		c.trySend(&Message{Type: TypeError, Error: ErrTextUnknownType})
	}
}

func (h *Hub) createRoom(c *Client, msg *Message) {
	code, err := generateRoomCode(func(code string) bool {
		_, taken := h.rooms[code]
		return taken
	})
	if err != nil {
		c.log.WithError(err).Error("failed to generate room code")
		c.trySend(&Message{Type: TypeError, Error: "Could not create room"})
		return
	}

	h.rooms[code] = newRoom(code, msg.UserName, h.now())
	h.log.WithFields(logrus.Fields{"room": code, "rooms": len(h.rooms)}).Info("room created")

	c.trySend(&Message{Type: TypeRoomCreated, RoomID: code})
}

func (h *Hub) joinRoom(c *Client, msg *Message) {
	if msg.UserID == "" {
		c.trySend(&Message{Type: TypeError, Error: ErrTextUserIDRequired})
		return
	}
	if c.roomID != "" {
		c.trySend(&Message{Type: TypeError, Error: ErrTextAlreadyInRoom})
		return
	}

	room, ok := h.rooms[normalizeCode(msg.RoomID)]
	if !ok {
		c.log.WithField("room", msg.RoomID).Debug("join failed, room not found")
		c.trySend(&Message{Type: TypeError, Error: ErrTextRoomNotFound})
		return
	}
	if _, taken := room.members[msg.UserID]; taken {
		c.trySend(&Message{Type: TypeError, Error: ErrTextAlreadyInRoom})
		return
	}

	c.roomID = room.ID
	c.userID = msg.UserID
	c.userName = msg.UserName
	c.log = c.log.WithFields(logrus.Fields{"room": room.ID, "user": msg.UserID})

	room.members[msg.UserID] = &member{client: c, joinedAt: h.now()}
	room.emptySince = time.Time{}
	c.log.WithField("participants", len(room.members)).Info("participant joined")

	c.trySend(&Message{Type: TypeJoinSuccess, RoomID: room.ID, Participants: room.participants()})
	h.broadcast(room, c, &Message{
		Type:     TypeParticipantJoined,
		RoomID:   room.ID,
		UserID:   c.userID,
		UserName: c.userName,
	})
}

// leave removes c from its room, if any, and tells the remaining members.
func (h *Hub) leave(c *Client) {
	if c.roomID == "" {
		return
	}
	room, ok := h.rooms[c.roomID]
	c.roomID = ""
	if !ok {
		return
	}
	if m, ok := room.members[c.userID]; !ok || m.client != c {
		return
	}

	delete(room.members, c.userID)
	c.log.WithField("participants", len(room.members)).Info("participant left")

	if room.empty() {
		room.emptySince = h.now()
		return
	}
	h.broadcast(room, c, &Message{
		Type:     TypeParticipantLeft,
		RoomID:   room.ID,
		UserID:   c.userID,
		UserName: c.userName,
	})
}

// relaySignal forwards a peer signal to every other member of the sender's room.
// Addressee filtering is left to the receivers.
func (h *Hub) relaySignal(c *Client, msg *Message) {
	if c.roomID == "" {
		c.trySend(&Message{Type: TypeError, Error: ErrTextNotInRoom})
		return
	}
	room, ok := h.rooms[c.roomID]
	if !ok {
		c.trySend(&Message{Type: TypeError, Error: ErrTextRoomNotFound})
		return
	}
	if msg.Signal == nil {
		c.log.Debug("signal message without signal")
		return
	}

	sig := *msg.Signal
	if sig.From != c.userID {
		c.log.WithField("claimed", sig.From).Warn("signal sender rewritten to connection's user")
		sig.From = c.userID
	}

	c.log.WithFields(logrus.Fields{"signal": sig.Type, "to": sig.To}).Trace("relaying signal")
	h.broadcast(room, c, &Message{Type: TypeSignal, RoomID: room.ID, Signal: &sig})
}

func (h *Hub) broadcast(room *Room, except *Client, msg *Message) {
	for _, m := range room.members {
		if m.client != except {
			m.client.trySend(msg)
		}
	}
}

// sweep deletes rooms that have been empty for longer than the TTL.
func (h *Hub) sweep() {
	now := h.now()
	for id, room := range h.rooms {
		if room.empty() && now.Sub(room.emptySince) >= h.roomTTL {
			delete(h.rooms, id)
			h.log.WithField("room", id).Info("room expired")
		}
	}
}
