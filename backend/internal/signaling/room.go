package signaling

import (
	"crypto/rand"
	"math/big"
	"sort"
	"strings"
	"time"
)

// Room codes are short, case-insensitive and avoid look-alike characters.
const (
	roomCodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	roomCodeLength   = 6
)

// member is one participant's seat in a room.
type member struct {
	client   *Client
	joinedAt time.Time
}

// Room is a group call. Every member relays signals to every other member.
type Room struct {
	// ID is the upper-case room code.
	ID   string
	Name string

	CreatedAt time.Time

	// emptySince is when the last member left, zero while occupied.
	emptySince time.Time

	members map[string]*member
}

func newRoom(id, name string, now time.Time) *Room {
	return &Room{
		ID:         id,
		Name:       name,
		CreatedAt:  now,
		emptySince: now,
		members:    make(map[string]*member),
	}
}

func (r *Room) empty() bool {
	return len(r.members) == 0
}

// participants lists members in join order.
func (r *Room) participants() []Participant {
	out := make([]Participant, 0, len(r.members))
	for id, m := range r.members {
		out = append(out, Participant{UserID: id, UserName: m.client.userName, JoinedAt: m.joinedAt})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].UserID < out[j].UserID
		}
		return out[i].JoinedAt.Before(out[j].JoinedAt)
	})
	return out
}

func (r *Room) info() *RoomInfo {
	return &RoomInfo{RoomID: r.ID, Name: r.Name, CreatedAt: r.CreatedAt, Participants: r.participants()}
}

// normalizeCode makes room lookups case-insensitive.
func normalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// generateRoomCode returns a random code not present in taken.
func generateRoomCode(taken func(string) bool) (string, error) {
	max := big.NewInt(int64(len(roomCodeAlphabet)))
	for {
		var b strings.Builder
		for i := 0; i < roomCodeLength; i++ {
			n, err := rand.Int(rand.Reader, max)
			if err != nil {
				return "", err
			}
			b.WriteByte(roomCodeAlphabet[n.Int64()])
		}
		if code := b.String(); !taken(code) {
			return code, nil
		}
	}
}
