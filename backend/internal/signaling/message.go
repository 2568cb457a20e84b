package signaling

import (
	"encoding/json"
	"time"
)

// Message is the envelope for every websocket frame between clients and the relay.
type Message struct {
	Type         string        `json:"type" msgpack:"type"`
	RoomID       string        `json:"room_id,omitempty" msgpack:"room_id,omitempty"`
	UserID       string        `json:"user_id,omitempty" msgpack:"user_id,omitempty"`
	UserName     string        `json:"user_name,omitempty" msgpack:"user_name,omitempty"`
	Signal       *Signal       `json:"signal,omitempty" msgpack:"signal,omitempty"`
	Participants []Participant `json:"participants,omitempty" msgpack:"participants,omitempty"`
	Error        string        `json:"error,omitempty" msgpack:"error,omitempty"`

	// client is the sender. It's used internally by the Hub and never encoded.
	client *Client
}

// Signal is a peer signaling message. The relay forwards it without interpreting the payload.
type Signal struct {
	Type string          `json:"type" msgpack:"type"`
	From string          `json:"from" msgpack:"from"`
	To   string          `json:"to" msgpack:"to"`
	Data json.RawMessage `json:"data,omitempty" msgpack:"data,omitempty"`
}

// Participant is a room member as listed to clients.
type Participant struct {
	UserID   string    `json:"user_id" msgpack:"user_id"`
	UserName string    `json:"user_name,omitempty" msgpack:"user_name,omitempty"`
	JoinedAt time.Time `json:"joined_at" msgpack:"joined_at"`
}

// RoomInfo is the listing served for a single room.
type RoomInfo struct {
	RoomID       string        `json:"room_id"`
	Name         string        `json:"name,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
	Participants []Participant `json:"participants"`
}

// Message types, client to server.
const (
	TypeCreateRoom = "create_room"
	TypeJoinRoom   = "join_room"
	TypeLeaveRoom  = "leave_room"
	TypeSignal     = "signal"
)

// Message types, server to client.
const (
	TypeRoomCreated       = "room_created"
	TypeJoinSuccess       = "join_success"
	TypeParticipantJoined = "participant_joined"
	TypeParticipantLeft   = "participant_left"
	TypeError             = "error"
)

// Error strings sent to clients. Clients match on them.
const (
	ErrTextRoomNotFound   = "Room not found"
	ErrTextAlreadyInRoom  = "Already in room"
	ErrTextUserIDRequired = "User id required"
	ErrTextNotInRoom      = "You must join a room first"
	ErrTextUnknownType    = "Unknown message type"
)
