package mesh

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	pion "github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/require"

	"github.com/meshtalk/meshtalk/cli/internal/media"
	"github.com/meshtalk/meshtalk/cli/internal/signaling"
)

var testSTUN = []string{"stun:stun.test.invalid:3478", "stun:stun2.test.invalid:3478"}

// fakeTransport models the signaling-state rules of a real peer connection.
type fakeTransport struct {
	mu sync.Mutex

	id  int
	cfg pion.Configuration

	tracks     []pion.TrackLocal
	state      pion.SignalingState
	local      *pion.SessionDescription
	remote     *pion.SessionDescription
	candidates []pion.ICECandidateInit
	closes     int

	onCandidate func(*pion.ICECandidateInit)
	onStream    func(RemoteStream)
	onState     func(pion.PeerConnectionState)
}

func (t *fakeTransport) AddTrack(track pion.TrackLocal) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tracks = append(t.tracks, track)
	return nil
}

func (t *fakeTransport) CreateOffer() (pion.SessionDescription, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.tracks) == 0 {
		return pion.SessionDescription{}, errors.New("offer without local tracks")
	}
	if t.state != pion.SignalingStateStable {
		return pion.SessionDescription{}, fmt.Errorf("create offer in %s", t.state)
	}
	return pion.SessionDescription{Type: pion.SDPTypeOffer, SDP: fmt.Sprintf("offer-%d", t.id)}, nil
}

func (t *fakeTransport) CreateAnswer() (pion.SessionDescription, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.tracks) == 0 {
		return pion.SessionDescription{}, errors.New("answer without local tracks")
	}
	if t.state != pion.SignalingStateHaveRemoteOffer {
		return pion.SessionDescription{}, fmt.Errorf("create answer in %s", t.state)
	}
	return pion.SessionDescription{Type: pion.SDPTypeAnswer, SDP: fmt.Sprintf("answer-%d", t.id)}, nil
}

func (t *fakeTransport) SetLocalDescription(desc pion.SessionDescription) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch {
	case desc.Type == pion.SDPTypeOffer && t.state == pion.SignalingStateStable:
		t.state = pion.SignalingStateHaveLocalOffer
	case desc.Type == pion.SDPTypeAnswer && t.state == pion.SignalingStateHaveRemoteOffer:
		t.state = pion.SignalingStateStable
	default:
		return fmt.Errorf("set local %s in %s", desc.Type, t.state)
	}
	t.local = &desc
	return nil
}

func (t *fakeTransport) SetRemoteDescription(desc pion.SessionDescription) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch {
	case desc.Type == pion.SDPTypeOffer && t.state == pion.SignalingStateStable:
		t.state = pion.SignalingStateHaveRemoteOffer
	case desc.Type == pion.SDPTypeAnswer && t.state == pion.SignalingStateHaveLocalOffer:
		t.state = pion.SignalingStateStable
	default:
		return fmt.Errorf("set remote %s in %s", desc.Type, t.state)
	}
	t.remote = &desc
	return nil
}

func (t *fakeTransport) HasRemoteDescription() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.remote != nil
}

func (t *fakeTransport) AddICECandidate(c pion.ICECandidateInit) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.remote == nil {
		return errors.New("candidate before remote description")
	}
	t.candidates = append(t.candidates, c)
	return nil
}

func (t *fakeTransport) OnICECandidate(f func(*pion.ICECandidateInit)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onCandidate = f
}

func (t *fakeTransport) OnRemoteStream(f func(RemoteStream)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onStream = f
}

func (t *fakeTransport) OnStateChange(f func(pion.PeerConnectionState)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onState = f
}

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closes++
	return nil
}

func (t *fakeTransport) emitCandidate(c *pion.ICECandidateInit) {
	t.mu.Lock()
	f := t.onCandidate
	t.mu.Unlock()
	f(c)
}

func (t *fakeTransport) emitStream(id string) {
	t.mu.Lock()
	f := t.onStream
	t.mu.Unlock()
	f(RemoteStream{ID: id})
}

func (t *fakeTransport) emitState(s pion.PeerConnectionState) {
	t.mu.Lock()
	f := t.onState
	t.mu.Unlock()
	f(s)
}

func (t *fakeTransport) closeCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closes
}

func (t *fakeTransport) remoteSDP() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.remote == nil {
		return ""
	}
	return t.remote.SDP
}

func (t *fakeTransport) appliedCandidates() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.candidates)
}

// transportLog hands out fake transports and remembers them in creation order.
type transportLog struct {
	mu  sync.Mutex
	all []*fakeTransport
}

func (l *transportLog) factory(cfg pion.Configuration) (Transport, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	t := &fakeTransport{id: len(l.all) + 1, cfg: cfg, state: pion.SignalingStateStable}
	l.all = append(l.all, t)
	return t, nil
}

func (l *transportLog) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.all)
}

func (l *transportLog) get(i int) *fakeTransport {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.all[i]
}

type routed struct {
	from string
	sig  signaling.Signal
}

// fakeBus is an in-memory relay. Signals go to every other member, like the relay server.
// With hold set, signals queue until flush.
type fakeBus struct {
	mu      sync.Mutex
	members map[string]*fakeChannel
	hold    bool
	held    []routed
	opens   int
}

func newFakeBus(hold bool) *fakeBus {
	return &fakeBus{members: make(map[string]*fakeChannel), hold: hold}
}

func (b *fakeBus) opener() ChannelOpener {
	return OpenerFunc(func(ctx context.Context, roomID, userID string) (Channel, error) {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.opens++
		ch := &fakeChannel{
			bus:      b,
			user:     userID,
			signals:  make(chan signaling.Signal, 256),
			presence: make(chan signaling.PresenceEvent, 16),
		}
		b.members[userID] = ch
		return ch, nil
	})
}

func (b *fakeBus) route(from string, s signaling.Signal) {
	b.mu.Lock()
	if b.hold {
		b.held = append(b.held, routed{from: from, sig: s})
		b.mu.Unlock()
		return
	}
	targets := b.othersLocked(from)
	b.mu.Unlock()

	for _, m := range targets {
		m.signals <- s
	}
}

func (b *fakeBus) othersLocked(from string) []*fakeChannel {
	var out []*fakeChannel
	for id, m := range b.members {
		if id != from {
			out = append(out, m)
		}
	}
	return out
}

func (b *fakeBus) heldCount(kind signaling.Kind) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, r := range b.held {
		if r.sig.Kind == kind {
			n++
		}
	}
	return n
}

func (b *fakeBus) flush() {
	b.mu.Lock()
	held := b.held
	b.held = nil
	type delivery struct {
		to  *fakeChannel
		sig signaling.Signal
	}
	var out []delivery
	for _, r := range held {
		for _, m := range b.othersLocked(r.from) {
			out = append(out, delivery{m, r.sig})
		}
	}
	b.mu.Unlock()

	for _, d := range out {
		d.to.signals <- d.sig
	}
}

func (b *fakeBus) leave(ch *fakeChannel) {
	b.mu.Lock()
	if b.members[ch.user] != ch {
		b.mu.Unlock()
		return
	}
	delete(b.members, ch.user)
	others := b.othersLocked(ch.user)
	b.mu.Unlock()

	ev := signaling.PresenceEvent{Kind: signaling.PeerVanished, Participant: signaling.Participant{UserID: ch.user}}
	for _, m := range others {
		select {
		case m.presence <- ev:
		default:
		}
	}
}

func (b *fakeBus) channel(user string) *fakeChannel {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.members[user]
}

func (b *fakeBus) openCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.opens
}

type fakeChannel struct {
	bus      *fakeBus
	user     string
	signals  chan signaling.Signal
	presence chan signaling.PresenceEvent

	mu     sync.Mutex
	sent   []signaling.Signal
	closes int
}

func (c *fakeChannel) Send(s signaling.Signal) error {
	c.mu.Lock()
	c.sent = append(c.sent, s)
	c.mu.Unlock()
	c.bus.route(c.user, s)
	return nil
}

func (c *fakeChannel) Signals() <-chan signaling.Signal         { return c.signals }
func (c *fakeChannel) Presence() <-chan signaling.PresenceEvent { return c.presence }

// Close leaves the bus and tells the remaining members, as the relay does.
func (c *fakeChannel) Close() error {
	c.mu.Lock()
	c.closes++
	c.mu.Unlock()
	c.bus.leave(c)
	return nil
}

func (c *fakeChannel) sentTo(kind signaling.Kind, to string) []signaling.Signal {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []signaling.Signal
	for _, s := range c.sent {
		if s.Kind == kind && s.To == to {
			out = append(out, s)
		}
	}
	return out
}

func (c *fakeChannel) closeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closes
}

// blockingCapturer holds Capture until release is closed.
type blockingCapturer struct {
	started chan struct{}
	release chan struct{}
	stream  *media.LocalStream
}

func (b *blockingCapturer) Capture(ctx context.Context, c media.Constraints) (*media.LocalStream, error) {
	close(b.started)
	<-b.release
	s, err := (&media.SilenceCapturer{}).Capture(ctx, c)
	b.stream = s
	return s, err
}

type deniedCapturer struct{}

func (deniedCapturer) Capture(context.Context, media.Constraints) (*media.LocalStream, error) {
	return nil, fmt.Errorf("%w: no microphone", media.ErrCaptureDenied)
}

func newTestMesh(t *testing.T, bus *fakeBus, user string, transports *transportLog, opts ...Option) *Coordinator {
	t.Helper()
	opts = append([]Option{WithTransportFactory(transports.factory)}, opts...)
	c, err := New(Config{RoomID: "QX7K2M", UserID: user, STUNServers: testSTUN}, &media.SilenceCapturer{}, bus.opener(), opts...)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = c.Initialize(ctx)
	require.NoError(t, err)
	t.Cleanup(c.Disconnect)
	return c
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, cond, 3*time.Second, 5*time.Millisecond, msg)
}

func offerFrom(t *testing.T, from, to, sdp string) signaling.Signal {
	t.Helper()
	s, err := signaling.NewOffer(from, to, pion.SessionDescription{Type: pion.SDPTypeOffer, SDP: sdp})
	require.NoError(t, err)
	return s
}

func answerFrom(t *testing.T, from, to, sdp string) signaling.Signal {
	t.Helper()
	s, err := signaling.NewAnswer(from, to, pion.SessionDescription{Type: pion.SDPTypeAnswer, SDP: sdp})
	require.NoError(t, err)
	return s
}

func candidateFrom(t *testing.T, from, to, cand string) signaling.Signal {
	t.Helper()
	s, err := signaling.NewICECandidate(from, to, pion.ICECandidateInit{Candidate: cand})
	require.NoError(t, err)
	return s
}
