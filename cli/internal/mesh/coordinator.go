package mesh

import (
	"context"
	"fmt"
	"sort"
	"sync"

	pion "github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"

	"github.com/meshtalk/meshtalk/cli/internal/media"
	"github.com/meshtalk/meshtalk/cli/internal/signaling"
)

const (
	minICEServers       = 2
	eventBuffer         = 256
	defaultEarlyBacklog = 64
)

// Channel is a joined room on the relay: peer signals both ways, presence inbound.
type Channel interface {
	Send(s signaling.Signal) error
	Signals() <-chan signaling.Signal
	Presence() <-chan signaling.PresenceEvent
	Close() error
}

// ChannelOpener subscribes to a room's relay channel.
type ChannelOpener interface {
	Open(ctx context.Context, roomID, userID string) (Channel, error)
}

// OpenerFunc adapts a function to ChannelOpener.
type OpenerFunc func(ctx context.Context, roomID, userID string) (Channel, error)

func (f OpenerFunc) Open(ctx context.Context, roomID, userID string) (Channel, error) {
	return f(ctx, roomID, userID)
}

// rosterSource is implemented by channels that know who was in the room at join time.
type rosterSource interface {
	Participants() []signaling.Participant
}

// RemoteStreamHandler receives each distinct remote stream once per peer. It runs on the
// coordinator's event loop and must not block.
type RemoteStreamHandler func(peerID string, stream RemoteStream)

// PeerStateHandler observes every negotiation state change. It runs on the event loop and
// must not block.
type PeerStateHandler func(peerID string, state State)

// Config identifies the local participant and how to reach peers.
type Config struct {
	RoomID      string
	UserID      string
	STUNServers []string
	Constraints media.Constraints
}

// PeerInfo is a snapshot of one known room member.
type PeerInfo struct {
	ID    string
	Name  string
	State State
	// Linked is false for members present in the room without a connection record.
	Linked bool
}

type Option func(*Coordinator)

// WithRemoteStreamHandler sets the handler for remote media.
func WithRemoteStreamHandler(h RemoteStreamHandler) Option {
	return func(c *Coordinator) { c.onRemoteStream = h }
}

// WithPeerStateHandler sets the handler for per-peer state changes.
func WithPeerStateHandler(h PeerStateHandler) Option {
	return func(c *Coordinator) { c.onPeerState = h }
}

// WithLogger sets the parent log entry.
func WithLogger(log *logrus.Entry) Option {
	return func(c *Coordinator) { c.log = log }
}

// WithTransportFactory replaces the default pion transports.
func WithTransportFactory(f TransportFactory) Option {
	return func(c *Coordinator) { c.newTransport = f }
}

// WithEarlyCandidateLimit bounds how many candidates are held per unknown peer.
func WithEarlyCandidateLimit(n int) Option {
	return func(c *Coordinator) { c.earlyLimit = n }
}

type phase int

const (
	phaseNew phase = iota
	phaseInitializing
	phaseRunning
	phaseClosed
)

// Coordinator runs the peer mesh for one participant in one room.
type Coordinator struct {
	cfg            Config
	capturer       media.Capturer
	opener         ChannelOpener
	newTransport   TransportFactory
	onRemoteStream RemoteStreamHandler
	onPeerState    PeerStateHandler
	earlyLimit     int
	log            *logrus.Entry

	// mu guards the lifecycle fields; the peer maps below belong to the event loop.
	mu      sync.Mutex
	phase   phase
	stream  *media.LocalStream
	channel Channel

	events   chan func()
	quit     chan struct{}
	done     chan struct{}
	quitOnce sync.Once
	doneOnce sync.Once

	connections map[string]*record
	early       map[string][]pion.ICECandidateInit
	roster      map[string]signaling.Participant
}

// New creates a coordinator. Nothing is captured or dialled until Initialize.
func New(cfg Config, capturer media.Capturer, opener ChannelOpener, opts ...Option) (*Coordinator, error) {
	switch {
	case cfg.RoomID == "":
		return nil, WrapError("new mesh", ErrInvalidConfig, "room id required")
	case cfg.UserID == "":
		return nil, WrapError("new mesh", ErrInvalidConfig, "user id required")
	case len(cfg.STUNServers) < minICEServers:
		return nil, WrapError("new mesh", ErrInvalidConfig, fmt.Sprintf("need at least %d STUN servers", minICEServers))
	case capturer == nil || opener == nil:
		return nil, WrapError("new mesh", ErrInvalidConfig, "capturer and channel opener required")
	}

	if cfg.Constraints == (media.Constraints{}) {
		cfg.Constraints = media.AudioOnly()
	}

	c := &Coordinator{
		cfg:         cfg,
		capturer:    capturer,
		opener:      opener,
		earlyLimit:  defaultEarlyBacklog,
		events:      make(chan func(), eventBuffer),
		quit:        make(chan struct{}),
		done:        make(chan struct{}),
		connections: make(map[string]*record),
		early:       make(map[string][]pion.ICECandidateInit),
		roster:      make(map[string]signaling.Participant),
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.log == nil {
		c.log = logrus.NewEntry(logrus.StandardLogger())
	}
	c.log = c.log.WithFields(logrus.Fields{"room": cfg.RoomID, "user": cfg.UserID})

	if c.newTransport == nil {
		api, err := NewAPI(pion.SettingEngine{}, c.log)
		if err != nil {
			return nil, err
		}
		c.newTransport = PionTransports(api)
	}
	return c, nil
}

// Initialize captures local audio, joins the room channel and announces the local
// participant. The returned stream is owned by the coordinator.
func (c *Coordinator) Initialize(ctx context.Context) (*media.LocalStream, error) {
	c.mu.Lock()
	switch c.phase {
	case phaseClosed:
		c.mu.Unlock()
		return nil, ErrClosed
	case phaseInitializing, phaseRunning:
		c.mu.Unlock()
		return nil, ErrAlreadyInitialized
	}
	c.phase = phaseInitializing
	c.mu.Unlock()

	stream, err := c.capturer.Capture(ctx, c.cfg.Constraints)
	if err != nil {
		c.abort()
		return nil, NewError("capture audio", err)
	}

	if c.closedDuring() {
		stream.Stop()
		c.abort()
		return nil, ErrClosed
	}

	ch, err := c.opener.Open(ctx, c.cfg.RoomID, c.cfg.UserID)
	if err != nil {
		stream.Stop()
		c.abort()
		return nil, NewError("open room channel", err)
	}

	c.mu.Lock()
	if c.phase == phaseClosed {
		c.mu.Unlock()
		ch.Close()
		stream.Stop()
		c.abort()
		return nil, ErrClosed
	}
	c.stream = stream
	c.channel = ch
	c.phase = phaseRunning
	c.mu.Unlock()

	if rs, ok := ch.(rosterSource); ok {
		for _, p := range rs.Participants() {
			if p.UserID != c.cfg.UserID {
				c.roster[p.UserID] = p
			}
		}
	}

	go c.run(ch, stream)

	if err := ch.Send(signaling.NewJoinNotification(c.cfg.UserID)); err != nil {
		c.Disconnect()
		return nil, NewError("announce join", err)
	}

	c.log.Info("mesh initialized")
	return stream, nil
}

func (c *Coordinator) closedDuring() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase == phaseClosed
}

// abort finishes a coordinator whose Initialize did not reach the running phase.
func (c *Coordinator) abort() {
	c.mu.Lock()
	c.phase = phaseClosed
	c.mu.Unlock()
	c.markDone()
}

func (c *Coordinator) markDone() {
	c.doneOnce.Do(func() { close(c.done) })
}

// Disconnect tears down every peer, stops the local stream and leaves the room. It is safe
// to call repeatedly and from any goroutine except the coordinator's own handlers.
func (c *Coordinator) Disconnect() {
	c.mu.Lock()
	prev := c.phase
	c.phase = phaseClosed
	c.mu.Unlock()

	switch prev {
	case phaseNew:
		c.markDone()
	case phaseRunning:
		c.quitOnce.Do(func() { close(c.quit) })
		<-c.done
	case phaseInitializing:
		// Initialize observes the closed phase and releases what it acquired.
	case phaseClosed:
	}
}

// DisconnectPeer closes and forgets the connection to one peer.
func (c *Coordinator) DisconnectPeer(peerID string) {
	c.call(func() {
		delete(c.early, peerID)
		if r, ok := c.connections[peerID]; ok {
			c.dropRecord(r, "disconnected locally", nil)
		}
	})
}

// SetMuted mutes or unmutes the local stream. Peers keep receiving silence while muted.
func (c *Coordinator) SetMuted(muted bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stream != nil {
		c.stream.SetMuted(muted)
	}
}

// Muted reports whether the local stream is muted.
func (c *Coordinator) Muted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stream != nil && c.stream.Muted()
}

// LocalStream returns the captured stream, or nil before Initialize and after Disconnect.
func (c *Coordinator) LocalStream() *media.LocalStream {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stream
}

// Peers returns the known room members sorted by id.
func (c *Coordinator) Peers() []PeerInfo {
	var out []PeerInfo
	c.call(func() {
		seen := make(map[string]bool, len(c.connections))
		for id, r := range c.connections {
			seen[id] = true
			out = append(out, PeerInfo{ID: id, Name: c.roster[id].UserName, State: r.state, Linked: true})
		}
		for id, p := range c.roster {
			if !seen[id] {
				out = append(out, PeerInfo{ID: id, Name: p.UserName, State: StateIdle})
			}
		}
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Done is closed once the coordinator has fully shut down.
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}

// post queues f for the event loop. It reports false once the loop is stopping.
func (c *Coordinator) post(f func()) bool {
	select {
	case <-c.quit:
		return false
	default:
	}
	select {
	case c.events <- f:
		return true
	case <-c.quit:
		return false
	}
}

// call runs f on the event loop and waits for it. It does nothing unless the loop runs.
func (c *Coordinator) call(f func()) {
	c.mu.Lock()
	running := c.phase == phaseRunning
	c.mu.Unlock()
	if !running {
		return
	}

	reply := make(chan struct{})
	if !c.post(func() { f(); close(reply) }) {
		return
	}
	select {
	case <-reply:
	case <-c.done:
	}
}

func (c *Coordinator) run(ch Channel, stream *media.LocalStream) {
	defer c.teardown(ch, stream)

	signals := ch.Signals()
	presence := ch.Presence()

	for {
		select {
		case <-c.quit:
			return

		case f := <-c.events:
			f()

		case s, ok := <-signals:
			if !ok {
				c.log.Warn("relay channel closed, existing calls continue without signaling")
				signals = nil
				continue
			}
			c.handleSignal(s, stream)

		case ev, ok := <-presence:
			if !ok {
				presence = nil
				continue
			}
			c.handlePresence(ev)
		}
	}
}

// teardown runs on the loop goroutine after quit. Every step runs even if earlier ones fail.
func (c *Coordinator) teardown(ch Channel, stream *media.LocalStream) {
	for _, r := range c.connections {
		c.dropRecord(r, "mesh closing", nil)
	}
	c.early = make(map[string][]pion.ICECandidateInit)
	c.roster = make(map[string]signaling.Participant)

	if err := ch.Close(); err != nil {
		c.log.WithError(err).Warn("failed to close room channel")
	}
	stream.Stop()

	c.mu.Lock()
	c.stream = nil
	c.channel = nil
	c.mu.Unlock()

	c.log.Info("mesh closed")
	c.markDone()
}

func (c *Coordinator) handlePresence(ev signaling.PresenceEvent) {
	id := ev.Participant.UserID
	if id == c.cfg.UserID {
		return
	}

	switch ev.Kind {
	case signaling.PeerAppeared:
		c.roster[id] = ev.Participant
		c.log.WithField("peer", id).Debug("participant joined")
		if c.onPeerState != nil {
			c.onPeerState(id, StateIdle)
		}

	case signaling.PeerVanished:
		delete(c.roster, id)
		delete(c.early, id)
		if r, ok := c.connections[id]; ok {
			c.dropRecord(r, "participant left", nil)
		} else if c.onPeerState != nil {
			c.onPeerState(id, StateClosed)
		}
	}
}

func (c *Coordinator) handleSignal(s signaling.Signal, stream *media.LocalStream) {
	log := c.log.WithFields(logrus.Fields{"peer": s.From, "signal": s.Kind})

	if err := s.Validate(); err != nil {
		log.WithError(err).Warn("dropping malformed signal")
		return
	}
	if s.From == c.cfg.UserID {
		return
	}
	if !s.AddressedTo(c.cfg.UserID) {
		log.WithField("to", s.To).Trace("signal addressed elsewhere")
		return
	}

	switch s.Kind {
	case signaling.KindJoinNotification:
		c.handleJoin(s.From, stream, log)
	case signaling.KindOffer:
		c.handleOffer(s, stream, log)
	case signaling.KindAnswer:
		c.handleAnswer(s, log)
	case signaling.KindICECandidate:
		c.handleCandidate(s, log)
	}
}

// handleJoin initiates toward a peer that announced itself, unless a record exists.
func (c *Coordinator) handleJoin(peerID string, stream *media.LocalStream, log *logrus.Entry) {
	if _, ok := c.connections[peerID]; ok {
		log.Debug("already connected or negotiating, ignoring join")
		return
	}

	r, err := c.createRecord(peerID, stream)
	if err != nil {
		log.WithError(err).Error("failed to create peer connection")
		return
	}
	c.setState(r, StateOffering)

	offer, err := r.transport.CreateOffer()
	if err != nil {
		c.dropRecord(r, "create offer", err)
		return
	}
	if err := r.transport.SetLocalDescription(offer); err != nil {
		c.dropRecord(r, "set local offer", err)
		return
	}

	sig, err := signaling.NewOffer(c.cfg.UserID, peerID, offer)
	if err != nil {
		c.dropRecord(r, "encode offer", err)
		return
	}
	c.send(sig)
	c.setState(r, StateAwaitingAnswer)
}

func (c *Coordinator) handleOffer(s signaling.Signal, stream *media.LocalStream, log *logrus.Entry) {
	desc, err := s.SessionDescription()
	if err != nil {
		log.WithError(err).Warn("dropping offer")
		return
	}

	r, ok := c.connections[s.From]
	if !ok {
		r, err = c.createRecord(s.From, stream)
		if err != nil {
			log.WithError(err).Error("failed to create peer connection")
			return
		}
		c.answer(r, desc)
		return
	}

	switch {
	case r.state.initiated():
		// Glare. The participant with the smaller id answers on a fresh connection.
		if c.cfg.UserID > s.From {
			log.Debug("offer collision, keeping local offer")
			return
		}
		log.Debug("offer collision, answering on a new connection")
		pending := r.pending
		c.retire(r)
		if r, err = c.createRecord(s.From, stream); err != nil {
			log.WithError(err).Error("failed to recreate peer connection")
			c.notifyClosed(s.From)
			return
		}
		r.pending = append(pending, r.pending...)
		c.answer(r, desc)

	case r.state == StateAnswering:
		log.Debug("duplicate offer ignored")

	case r.state == StateConnecting || r.state == StateConnected:
		if desc.SDP == r.remoteOffer {
			log.Debug("duplicate offer ignored")
			return
		}
		log.Info("renegotiating")
		c.answer(r, desc)

	default:
		log.WithField("state", r.state).Debug("offer ignored")
	}
}

// answer applies a remote offer to r and replies with an answer.
func (c *Coordinator) answer(r *record, offer pion.SessionDescription) {
	c.setState(r, StateAnswering)

	if err := r.transport.SetRemoteDescription(offer); err != nil {
		c.dropRecord(r, "apply remote offer", err)
		return
	}
	r.remoteOffer = offer.SDP
	c.flush(r)

	answer, err := r.transport.CreateAnswer()
	if err != nil {
		c.dropRecord(r, "create answer", err)
		return
	}
	if err := r.transport.SetLocalDescription(answer); err != nil {
		c.dropRecord(r, "set local answer", err)
		return
	}

	sig, err := signaling.NewAnswer(c.cfg.UserID, r.peerID, answer)
	if err != nil {
		c.dropRecord(r, "encode answer", err)
		return
	}
	c.send(sig)
	c.setState(r, r.settledState())
}

func (c *Coordinator) handleAnswer(s signaling.Signal, log *logrus.Entry) {
	r, ok := c.connections[s.From]
	if !ok || r.state != StateAwaitingAnswer {
		log.Debug("unexpected answer ignored")
		return
	}

	desc, err := s.SessionDescription()
	if err != nil {
		log.WithError(err).Warn("dropping answer")
		return
	}
	if err := r.transport.SetRemoteDescription(desc); err != nil {
		c.dropRecord(r, "apply remote answer", err)
		return
	}
	c.flush(r)
	c.setState(r, r.settledState())
}

func (c *Coordinator) handleCandidate(s signaling.Signal, log *logrus.Entry) {
	cand, err := s.ICECandidate()
	if err != nil {
		log.WithError(err).Warn("dropping candidate")
		return
	}

	r, ok := c.connections[s.From]
	if !ok {
		held := c.early[s.From]
		if len(held) >= c.earlyLimit {
			log.Debug("early candidate backlog full, dropping")
			return
		}
		c.early[s.From] = append(held, cand)
		return
	}

	buffered, err := r.addCandidate(cand)
	switch {
	case err != nil:
		log.WithError(err).Warn("failed to add remote candidate")
	case buffered:
		log.Trace("candidate buffered until remote description")
	}
}

func (c *Coordinator) flush(r *record) {
	for _, err := range r.flushCandidates() {
		c.log.WithField("peer", r.peerID).WithError(err).Warn("failed to add buffered candidate")
	}
}

// createRecord builds a transport for peerID with every local track attached and its
// callbacks wired to the event loop.
func (c *Coordinator) createRecord(peerID string, stream *media.LocalStream) (*record, error) {
	t, err := c.newTransport(pion.Configuration{ICEServers: ICEServers(c.cfg.STUNServers)})
	if err != nil {
		return nil, PeerError("create transport", peerID, err)
	}
	for _, track := range stream.Tracks() {
		if err := t.AddTrack(track); err != nil {
			t.Close()
			return nil, PeerError("attach local track", peerID, err)
		}
	}

	r := newRecord(peerID, t)
	r.pending = c.early[peerID]
	delete(c.early, peerID)

	t.OnICECandidate(func(cand *pion.ICECandidateInit) {
		if cand == nil {
			return
		}
		local := *cand
		c.post(func() { c.onLocalCandidate(r, local) })
	})
	t.OnRemoteStream(func(rs RemoteStream) {
		c.post(func() { c.onRemoteStreamArrived(r, rs) })
	})
	t.OnStateChange(func(state pion.PeerConnectionState) {
		c.post(func() { c.onTransportState(r, state) })
	})

	c.connections[peerID] = r
	c.setState(r, StateIdle)
	return r, nil
}

func (c *Coordinator) live(r *record) bool {
	return !r.closed && c.connections[r.peerID] == r
}

func (c *Coordinator) onLocalCandidate(r *record, cand pion.ICECandidateInit) {
	if !c.live(r) {
		return
	}
	sig, err := signaling.NewICECandidate(c.cfg.UserID, r.peerID, cand)
	if err != nil {
		c.log.WithError(err).Warn("failed to encode local candidate")
		return
	}
	c.send(sig)
}

func (c *Coordinator) onRemoteStreamArrived(r *record, rs RemoteStream) {
	if !c.live(r) || !r.firstStream(rs.ID) {
		return
	}
	c.log.WithFields(logrus.Fields{"peer": r.peerID, "stream": rs.ID}).Info("remote stream")
	if c.onRemoteStream != nil {
		c.onRemoteStream(r.peerID, rs)
	}
}

func (c *Coordinator) onTransportState(r *record, state pion.PeerConnectionState) {
	if !c.live(r) {
		return
	}
	log := c.log.WithFields(logrus.Fields{"peer": r.peerID, "transport": state.String()})

	switch state {
	case pion.PeerConnectionStateConnected:
		r.iceConnected = true
		if r.state == StateConnecting {
			c.setState(r, StateConnected)
		}
	case pion.PeerConnectionStateDisconnected:
		r.iceConnected = false
		log.Warn("peer connection interrupted")
	case pion.PeerConnectionStateFailed:
		c.dropRecord(r, "transport failed", ErrTransportFailed)
	case pion.PeerConnectionStateClosed:
		c.dropRecord(r, "transport closed", nil)
	default:
		log.Debug("transport state")
	}
}

func (c *Coordinator) setState(r *record, state State) {
	r.state = state
	if c.onPeerState != nil {
		c.onPeerState(r.peerID, state)
	}
}

// dropRecord closes r and forgets it if it is still the live record for its peer.
func (c *Coordinator) dropRecord(r *record, reason string, cause error) {
	log := c.log.WithFields(logrus.Fields{"peer": r.peerID, "reason": reason})
	if cause != nil {
		log.WithError(PeerError(reason, r.peerID, cause)).Warn("closing peer connection")
	} else {
		log.Debug("closing peer connection")
	}

	if c.connections[r.peerID] == r {
		delete(c.connections, r.peerID)
	}
	if r.closed {
		return
	}
	if err := r.close(); err != nil {
		log.WithError(err).Debug("transport close reported an error")
	}
	c.notifyClosed(r.peerID)
}

// retire closes r without reporting the peer as gone; a replacement record follows.
func (c *Coordinator) retire(r *record) {
	if c.connections[r.peerID] == r {
		delete(c.connections, r.peerID)
	}
	if err := r.close(); err != nil {
		c.log.WithField("peer", r.peerID).WithError(err).Debug("transport close reported an error")
	}
}

func (c *Coordinator) notifyClosed(peerID string) {
	if c.onPeerState != nil {
		c.onPeerState(peerID, StateClosed)
	}
}

func (c *Coordinator) send(s signaling.Signal) {
	c.mu.Lock()
	ch := c.channel
	c.mu.Unlock()
	if ch == nil {
		return
	}
	if err := ch.Send(s); err != nil {
		c.log.WithError(err).WithFields(logrus.Fields{"peer": s.To, "signal": s.Kind}).Warn("failed to send signal")
	}
}
