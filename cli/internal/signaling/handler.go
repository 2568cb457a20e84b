package signaling

import (
	"time"

	"github.com/sirupsen/logrus"
)

// Handler routes incoming relay messages to typed channels.
type Handler struct {
	client      *Client
	log         *logrus.Entry
	RoomCreated chan string
	JoinSuccess chan []Participant
	Presence    chan PresenceEvent
	Signal      chan Signal
	Error       chan string
	closed      bool
}

// NewHandler creates a new message handler.
func NewHandler(client *Client) *Handler {
	return &Handler{
		client:      client,
		log:         client.log,
		RoomCreated: make(chan string, 1),
		JoinSuccess: make(chan []Participant, 1),
		Presence:    make(chan PresenceEvent, 32),
		Signal:      make(chan Signal, 128),
		Error:       make(chan string, 4),
	}
}

// Start routes messages until the client's incoming channel closes, then closes every
// handler channel.
func (h *Handler) Start() {
	defer h.close()

	for msg := range h.client.Incoming() {
		switch msg.Type {

		case MessageTypeRoomCreated:
			h.deliverRoomCreated(msg)

		case MessageTypeJoinSuccess:
			tryDeliver(h, h.JoinSuccess, msg.Participants)

		case MessageTypeParticipantJoined:
			h.handlePresence(PeerAppeared, msg)

		case MessageTypeParticipantLeft:
			h.handlePresence(PeerVanished, msg)

		case MessageTypeSignal:
			h.handleSignal(msg)

		case MessageTypeError:
			tryDeliver(h, h.Error, msg.Error)

		default:
			h.log.WithField("type", msg.Type).Debug("ignoring unknown message type")
		}
	}
}

func (h *Handler) deliverRoomCreated(msg *Message) {
	if msg.RoomID == "" {
		tryDeliver(h, h.Error, "server created a room without a code")
		return
	}
	tryDeliver(h, h.RoomCreated, msg.RoomID)
}

// handlePresence turns a participant_joined/left envelope into a presence event.
func (h *Handler) handlePresence(kind PresenceKind, msg *Message) {
	if msg.UserID == "" {
		h.log.WithField("type", msg.Type).Warn("presence message without user id")
		return
	}
	p := Participant{UserID: msg.UserID, UserName: msg.UserName}
	if kind == PeerAppeared {
		p.JoinedAt = time.Now()
	}
	deliver(h, h.Presence, PresenceEvent{Kind: kind, Participant: p})
}

// handleSignal forwards the embedded peer signal. Validation is left to the consumer.
func (h *Handler) handleSignal(msg *Message) {
	if msg.Signal == nil {
		h.log.Warn("signal envelope without signal")
		return
	}
	deliver(h, h.Signal, *msg.Signal)
}

// deliver blocks until the consumer takes v or the client is closed.
func deliver[T any](h *Handler, ch chan T, v T) {
	select {
	case ch <- v:
	case <-h.client.done:
	}
}

// tryDeliver hands v over only if there is room. Replies nobody waits for are dropped.
func tryDeliver[T any](h *Handler, ch chan T, v T) {
	select {
	case ch <- v:
	default:
		h.log.Debug("dropping unread reply")
	}
}

func (h *Handler) close() {
	if h.closed {
		return
	}
	h.closed = true

	close(h.RoomCreated)
	close(h.JoinSuccess)
	close(h.Presence)
	close(h.Signal)
	close(h.Error)
}
