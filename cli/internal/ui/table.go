package ui

import (
	"fmt"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
)

// ParticipantRow is one room member in the participants table.
type ParticipantRow struct {
	Name     string
	UserID   string
	JoinedAt time.Time
}

// ParticipantsView renders the members of a room, with join times relative to now.
func ParticipantsView(roomID, roomName string, rows []ParticipantRow, now time.Time) string {
	if len(rows) == 0 {
		return MutedStyle.Render(fmt.Sprintf("Room %s is empty", roomID))
	}

	t := table.NewWriter()
	t.SetStyle(table.StyleRounded)
	title := "Room " + roomID
	if roomName != "" {
		title += " · " + roomName
	}
	t.SetTitle(title)
	t.AppendHeader(table.Row{"#", "Name", "User ID", "Joined"})

	for i, r := range rows {
		name := r.Name
		if name == "" {
			name = "anonymous"
		}
		t.AppendRow(table.Row{i + 1, truncate(name, 24), shortID(r.UserID), since(r.JoinedAt, now)})
	}
	t.AppendFooter(table.Row{"", fmt.Sprintf("%d in call", len(rows)), "", ""})

	return t.Render()
}

func RenderParticipants(roomID, roomName string, rows []ParticipantRow) {
	fmt.Println(ParticipantsView(roomID, roomName, rows, time.Now()))
}

// RoomInfo is the box shown after a room is created.
type RoomInfo struct {
	RoomID string
	Name   string
}

func NewRoomInfo(roomID, name string) *RoomInfo {
	return &RoomInfo{RoomID: roomID, Name: name}
}

func (r *RoomInfo) View() string {
	content := fmt.Sprintf("%s Room Created!\n\n%s Room code:  %s\n%s Join with:  %s",
		IconSuccess,
		IconCopy, BoldStyle.Foreground(Primary).Render(r.RoomID),
		IconRoom, MutedStyle.Render("meshtalk join "+r.RoomID),
	)
	if r.Name != "" {
		content = fmt.Sprintf("%s\n%s Name:       %s", content, IconPeer, r.Name)
	}
	return RoomBoxStyle.Render(content)
}

func RenderRoomInfo(roomID, name string) {
	fmt.Println(NewRoomInfo(roomID, name).View())
}

func truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	if max <= 3 {
		return string(r[:max])
	}
	return string(r[:max-3]) + "..."
}

// shortID keeps the first block of a uuid, which is enough to tell peers apart on screen.
func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func since(t, now time.Time) string {
	if t.IsZero() {
		return "-"
	}
	d := now.Sub(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	default:
		return fmt.Sprintf("%dh%02dm ago", int(d.Hours()), int(d.Minutes())%60)
	}
}
