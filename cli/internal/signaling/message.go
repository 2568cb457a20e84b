package signaling

import "time"

// Message represents all WebSocket messages between CLI and relay server.
type Message struct {
	Type         string        `json:"type" msgpack:"type"`
	RoomID       string        `json:"room_id,omitempty" msgpack:"room_id,omitempty"`
	UserID       string        `json:"user_id,omitempty" msgpack:"user_id,omitempty"`
	UserName     string        `json:"user_name,omitempty" msgpack:"user_name,omitempty"`
	Signal       *Signal       `json:"signal,omitempty" msgpack:"signal,omitempty"`
	Participants []Participant `json:"participants,omitempty" msgpack:"participants,omitempty"`
	Error        string        `json:"error,omitempty" msgpack:"error,omitempty"`
}

// Message type constants.
const (
	MessageTypeCreateRoom = "create_room"
	MessageTypeJoinRoom   = "join_room"
	MessageTypeLeaveRoom  = "leave_room"
	MessageTypeSignal     = "signal"

	MessageTypeRoomCreated       = "room_created"
	MessageTypeJoinSuccess       = "join_success"
	MessageTypeParticipantJoined = "participant_joined"
	MessageTypeParticipantLeft   = "participant_left"
	MessageTypeError             = "error"
)

// Participant is a room member as reported by the relay server.
type Participant struct {
	UserID   string    `json:"user_id" msgpack:"user_id"`
	UserName string    `json:"user_name,omitempty" msgpack:"user_name,omitempty"`
	JoinedAt time.Time `json:"joined_at" msgpack:"joined_at"`
}

// PresenceKind tells whether a participant appeared in or vanished from the room.
type PresenceKind int

const (
	PeerAppeared PresenceKind = iota
	PeerVanished
)

func (k PresenceKind) String() string {
	if k == PeerVanished {
		return "vanished"
	}
	return "appeared"
}

// PresenceEvent is a participant joined/left notification for the local room.
type PresenceEvent struct {
	Kind        PresenceKind
	Participant Participant
}
