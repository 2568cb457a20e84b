package mesh

import (
	pion "github.com/pion/webrtc/v4"
)

// State is the negotiation state of one peer connection.
type State int

const (
	StateIdle State = iota
	StateOffering
	StateAwaitingAnswer
	StateAnswering
	StateConnecting
	StateConnected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateOffering:
		return "offering"
	case StateAwaitingAnswer:
		return "awaiting-answer"
	case StateAnswering:
		return "answering"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// initiated reports whether a local offer is outstanding.
func (s State) initiated() bool {
	return s == StateOffering || s == StateAwaitingAnswer
}

// record is the connection to one remote peer. It is only touched from the event loop.
type record struct {
	peerID    string
	transport Transport
	state     State

	// iceConnected mirrors the transport's last reported connection state.
	iceConnected bool

	// remoteOffer is the SDP of the last remote offer applied.
	remoteOffer string

	// pending holds remote candidates received before a remote description was applied.
	pending []pion.ICECandidateInit

	// streams are the remote stream ids already handed to the stream handler.
	streams map[string]struct{}

	closed bool
}

func newRecord(peerID string, t Transport) *record {
	return &record{
		peerID:    peerID,
		transport: t,
		state:     StateIdle,
		streams:   make(map[string]struct{}),
	}
}

// addCandidate applies c now, or buffers it until a remote description exists.
func (r *record) addCandidate(c pion.ICECandidateInit) (buffered bool, err error) {
	if !r.transport.HasRemoteDescription() {
		r.pending = append(r.pending, c)
		return true, nil
	}
	return false, r.transport.AddICECandidate(c)
}

// flushCandidates applies every buffered candidate. Failures do not stop the flush.
func (r *record) flushCandidates() []error {
	var errs []error
	for _, c := range r.pending {
		if err := r.transport.AddICECandidate(c); err != nil {
			errs = append(errs, err)
		}
	}
	r.pending = nil
	return errs
}

// firstStream reports whether id has not been delivered before, and marks it delivered.
func (r *record) firstStream(id string) bool {
	if _, seen := r.streams[id]; seen {
		return false
	}
	r.streams[id] = struct{}{}
	return true
}

// settledState is where a record rests once both descriptions are in place.
func (r *record) settledState() State {
	if r.iceConnected {
		return StateConnected
	}
	return StateConnecting
}

// close releases the transport exactly once.
func (r *record) close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	r.state = StateClosed
	r.pending = nil
	return r.transport.Close()
}
