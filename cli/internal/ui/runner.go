package ui

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
)

const (
	refreshInterval = 500 * time.Millisecond
	maxNotices      = 4
)

// PeerRow is one remote participant as shown during a call.
type PeerRow struct {
	ID    string
	Name  string
	State string
}

// CallOptions wires the call view to the session driving it.
type CallOptions struct {
	RoomID   string
	UserName string
	// Roster is polled for the participant list.
	Roster func() []PeerRow
	// OnMute is called with the new mute state when the user toggles it.
	OnMute func(muted bool) bool
	// Recording is the directory remote audio is written to, if any.
	Recording string
}

// CallUI runs the in-call view.
type CallUI struct {
	program *tea.Program
	model   *callModel
	notices chan string
	left    chan struct{}
	wg      sync.WaitGroup
}

type noticeMsg string

type refreshMsg time.Time

// callModel is the bubbletea model behind CallUI
type callModel struct {
	opts    CallOptions
	spinner spinner.Model
	peers   []PeerRow
	muted   bool
	notices []string
	started time.Time
	now     time.Time
	notify  chan string
	left    chan struct{}
	leaving bool
}

func NewCallUI(opts CallOptions) *CallUI {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = SpinnerStyle

	notices := make(chan string, 32)
	left := make(chan struct{})
	now := time.Now()

	return &CallUI{
		model: &callModel{
			opts:    opts,
			spinner: s,
			started: now,
			now:     now,
			notify:  notices,
			left:    left,
		},
		notices: notices,
		left:    left,
	}
}

// Start runs the view in its own goroutine. Inline mode keeps earlier output visible.
func (ui *CallUI) Start() {
	ui.program = tea.NewProgram(ui.model)
	ui.wg.Add(1)
	go func() {
		defer ui.wg.Done()
		if _, err := ui.program.Run(); err != nil {
			fmt.Printf("UI error: %v\n", err)
		}
		ui.model.leave()
	}()
}

// Notify shows a short event line. It never blocks; lines are dropped when the view lags.
func (ui *CallUI) Notify(format string, args ...any) {
	select {
	case ui.notices <- fmt.Sprintf(format, args...):
	default:
	}
}

// Left is closed once the user asked to leave or the view exited.
func (ui *CallUI) Left() <-chan struct{} {
	return ui.left
}

// Stop closes the view and waits for it to exit.
func (ui *CallUI) Stop() {
	if ui.program != nil {
		ui.program.Quit()
	}
	ui.wg.Wait()
}

func (m *callModel) leave() {
	if !m.leaving {
		m.leaving = true
		close(m.left)
	}
}

func (m *callModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.waitForNotice(), m.refresh())
}

func (m *callModel) waitForNotice() tea.Cmd {
	return func() tea.Msg {
		return noticeMsg(<-m.notify)
	}
}

func (m *callModel) refresh() tea.Cmd {
	return tea.Tick(refreshInterval, func(t time.Time) tea.Msg {
		return refreshMsg(t)
	})
}

func (m *callModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "m":
			muted := !m.muted
			if m.opts.OnMute != nil {
				muted = m.opts.OnMute(muted)
			}
			m.muted = muted
		case "q", "ctrl+c":
			m.leave()
			return m, tea.Quit
		}

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case refreshMsg:
		m.now = time.Time(msg)
		if m.opts.Roster != nil {
			m.setPeers(m.opts.Roster())
		}
		if m.leaving {
			return m, nil
		}
		return m, m.refresh()

	case noticeMsg:
		m.notices = append(m.notices, string(msg))
		if len(m.notices) > maxNotices {
			m.notices = m.notices[len(m.notices)-maxNotices:]
		}
		return m, m.waitForNotice()
	}

	return m, nil
}

func (m *callModel) setPeers(peers []PeerRow) {
	sort.Slice(peers, func(i, j int) bool { return peers[i].ID < peers[j].ID })
	m.peers = peers
}

func (m *callModel) View() string {
	if m.leaving {
		return ""
	}

	var b strings.Builder

	badge := LiveBadgeStyle.Render(IconMic + " live")
	if m.muted {
		badge = MutedBadgeStyle.Render(IconMuted + " muted")
	}
	elapsed := m.now.Sub(m.started).Truncate(time.Second)
	fmt.Fprintf(&b, "%s %s  %s  %s\n", IconRoom, TitleStyle.Render(m.opts.RoomID), badge, MutedStyle.Render(elapsed.String()))
	if m.opts.Recording != "" {
		fmt.Fprintf(&b, "%s %s\n", IconRecord, MutedStyle.Render("recording to "+m.opts.Recording))
	}
	b.WriteString("\n")

	if len(m.peers) == 0 {
		fmt.Fprintf(&b, "%s %s\n", m.spinner.View(), MutedStyle.Render("Waiting for others to join..."))
	}
	for _, p := range m.peers {
		name := p.Name
		if name == "" {
			name = shortID(p.ID)
		}
		fmt.Fprintf(&b, "  %s %s %s\n", IconPeer, BoldStyle.Width(24).Render(truncate(name, 22)), stateStyle(p.State).Render(p.State))
	}

	var box strings.Builder
	for _, n := range m.notices {
		box.WriteString(MutedStyle.Render("· "+n) + "\n")
	}
	if box.Len() > 0 {
		b.WriteString("\n" + CallBoxStyle.Render(strings.TrimSuffix(box.String(), "\n")) + "\n")
	}

	you := m.opts.UserName
	if you == "" {
		you = "you"
	}
	b.WriteString("\n" + MutedStyle.Render(fmt.Sprintf("%s · m mute · q leave", you)))
	return b.String()
}
