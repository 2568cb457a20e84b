package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

// Errors reported by the relay server.
var (
	ErrRoomNotFound   = errors.New("room not found")
	ErrAlreadyInRoom  = errors.New("already in room")
	ErrUserIDRequired = errors.New("user id required")
	ErrConnectionLost = errors.New("relay connection lost")
)

// ServerError maps an error string sent by the relay to a sentinel where one exists.
func ServerError(msg string) error {
	switch strings.ToLower(strings.TrimSpace(msg)) {
	case "room not found":
		return ErrRoomNotFound
	case "already in room":
		return ErrAlreadyInRoom
	case "user id required":
		return ErrUserIDRequired
	default:
		return fmt.Errorf("relay error: %s", msg)
	}
}

// RoomInfo is the participant listing served by GET /rooms/{code}.
type RoomInfo struct {
	RoomID       string        `json:"room_id"`
	Name         string        `json:"name,omitempty"`
	Participants []Participant `json:"participants"`
}

// RoomChannel is a joined room subscription over one relay connection. It carries peer
// signals in both directions and participant presence inbound.
type RoomChannel struct {
	client  *Client
	handler *Handler
	log     *logrus.Entry

	roomID string
	userID string
	roster []Participant

	closeOnce sync.Once
}

// RoomID returns the code of the joined room.
func (rc *RoomChannel) RoomID() string { return rc.roomID }

// Participants returns the roster reported when the room was joined.
func (rc *RoomChannel) Participants() []Participant {
	out := make([]Participant, len(rc.roster))
	copy(out, rc.roster)
	return out
}

// Send publishes a peer signal to the room.
func (rc *RoomChannel) Send(s Signal) error {
	return rc.client.SendMessage(&Message{
		Type:   MessageTypeSignal,
		RoomID: rc.roomID,
		UserID: rc.userID,
		Signal: &s,
	})
}

// Signals delivers peer signals relayed from other room members.
func (rc *RoomChannel) Signals() <-chan Signal { return rc.handler.Signal }

// Presence delivers participant joined/left notifications.
func (rc *RoomChannel) Presence() <-chan PresenceEvent { return rc.handler.Presence }

// Errors delivers error strings the relay sends after the room was joined.
func (rc *RoomChannel) Errors() <-chan string { return rc.handler.Error }

// Close leaves the room and closes the connection. Safe to call more than once.
func (rc *RoomChannel) Close() error {
	rc.closeOnce.Do(func() {
		if err := rc.client.SendMessage(&Message{Type: MessageTypeLeaveRoom, RoomID: rc.roomID, UserID: rc.userID}); err != nil {
			rc.log.WithError(err).Debug("leave_room not sent")
		}
		rc.client.Close()
	})
	return nil
}

// Opener dials the relay and joins rooms.
type Opener struct {
	ServerURL string
	Codec     Codec
	UserName  string
	Logger    *logrus.Entry
}

// Open connects to the relay and joins roomID as userID. It returns once the relay has
// confirmed the join.
func (o *Opener) Open(ctx context.Context, roomID, userID string) (*RoomChannel, error) {
	log := o.logger().WithFields(logrus.Fields{"room": roomID, "user": userID})

	client := NewClient(o.ServerURL, o.Codec, log)
	if err := client.Connect(ctx); err != nil {
		return nil, err
	}
	handler := NewHandler(client)
	go handler.Start()

	join := &Message{Type: MessageTypeJoinRoom, RoomID: roomID, UserID: userID, UserName: o.UserName}
	if err := client.SendMessage(join); err != nil {
		client.Close()
		return nil, err
	}

	select {
	case roster, ok := <-handler.JoinSuccess:
		if !ok {
			client.Close()
			return nil, ErrConnectionLost
		}
		log.WithField("participants", len(roster)).Info("joined room")
		return &RoomChannel{
			client:  client,
			handler: handler,
			log:     log,
			roomID:  roomID,
			userID:  userID,
			roster:  roster,
		}, nil

	case msg, ok := <-handler.Error:
		client.Close()
		if !ok {
			return nil, ErrConnectionLost
		}
		return nil, ServerError(msg)

	case <-ctx.Done():
		client.Close()
		return nil, ctx.Err()
	}
}

func (o *Opener) logger() *logrus.Entry {
	if o.Logger != nil {
		return o.Logger
	}
	return logrus.NewEntry(logrus.StandardLogger())
}

// CreateRoom asks the relay for a new room and returns its code.
func CreateRoom(ctx context.Context, serverURL string, codec Codec, name string) (string, error) {
	client := NewClient(serverURL, codec, nil)
	if err := client.Connect(ctx); err != nil {
		return "", err
	}
	defer client.Close()

	handler := NewHandler(client)
	go handler.Start()

	if err := client.SendMessage(&Message{Type: MessageTypeCreateRoom, UserName: name}); err != nil {
		return "", err
	}

	select {
	case code, ok := <-handler.RoomCreated:
		if !ok {
			return "", ErrConnectionLost
		}
		return code, nil
	case msg, ok := <-handler.Error:
		if !ok {
			return "", ErrConnectionLost
		}
		return "", ServerError(msg)
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// FetchRoom lists the participants of a room over HTTP.
func FetchRoom(ctx context.Context, httpClient *http.Client, baseURL, code string) (*RoomInfo, error) {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	endpoint, err := url.JoinPath(baseURL, "rooms", strings.ToUpper(code))
	if err != nil {
		return nil, fmt.Errorf("invalid server URL: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to reach relay: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, ErrRoomNotFound
	default:
		return nil, fmt.Errorf("relay returned %s", resp.Status)
	}

	var info RoomInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, fmt.Errorf("decode room listing: %w", err)
	}
	return &info, nil
}
