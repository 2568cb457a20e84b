package signaling

import (
	"encoding/json"
	"errors"
	"fmt"

	pion "github.com/pion/webrtc/v4"
)

// Kind identifies one of the four signaling message shapes exchanged between peers.
type Kind string

const (
	KindOffer            Kind = "offer"
	KindAnswer           Kind = "answer"
	KindICECandidate     Kind = "ice-candidate"
	KindJoinNotification Kind = "join-notification"
)

// Broadcast is the addressee used by join notifications.
const Broadcast = "all"

var ErrMalformedSignal = errors.New("malformed signal")

// Signal is a peer-to-peer signaling message carried by the room relay.
// Field names on the wire match the web client.
type Signal struct {
	Kind    Kind            `json:"type" msgpack:"type"`
	From    string          `json:"from" msgpack:"from"`
	To      string          `json:"to" msgpack:"to"`
	Payload json.RawMessage `json:"data,omitempty" msgpack:"data,omitempty"`
}

// NewJoinNotification announces from to everyone in the room.
func NewJoinNotification(from string) Signal {
	return Signal{Kind: KindJoinNotification, From: from, To: Broadcast}
}

// NewOffer wraps a local offer addressed to a single peer.
func NewOffer(from, to string, desc pion.SessionDescription) (Signal, error) {
	return newDescriptionSignal(KindOffer, from, to, desc)
}

// NewAnswer wraps a local answer addressed to a single peer.
func NewAnswer(from, to string, desc pion.SessionDescription) (Signal, error) {
	return newDescriptionSignal(KindAnswer, from, to, desc)
}

// NewICECandidate wraps one locally discovered candidate addressed to a single peer.
func NewICECandidate(from, to string, candidate pion.ICECandidateInit) (Signal, error) {
	data, err := json.Marshal(candidate)
	if err != nil {
		return Signal{}, fmt.Errorf("encode ice candidate: %w", err)
	}
	return Signal{Kind: KindICECandidate, From: from, To: to, Payload: data}, nil
}

func newDescriptionSignal(kind Kind, from, to string, desc pion.SessionDescription) (Signal, error) {
	data, err := json.Marshal(desc)
	if err != nil {
		return Signal{}, fmt.Errorf("encode %s: %w", kind, err)
	}
	return Signal{Kind: kind, From: from, To: to, Payload: data}, nil
}

// Validate reports whether s is structurally usable. It never inspects the SDP itself.
func (s Signal) Validate() error {
	if s.Kind == "" || s.From == "" || s.To == "" {
		return fmt.Errorf("%w: missing type, from or to", ErrMalformedSignal)
	}

	switch s.Kind {
	case KindJoinNotification:
		if s.To != Broadcast {
			return fmt.Errorf("%w: join notification must be addressed to %q", ErrMalformedSignal, Broadcast)
		}
	case KindOffer, KindAnswer, KindICECandidate:
		if !hasPayload(s.Payload) {
			return fmt.Errorf("%w: %s without data", ErrMalformedSignal, s.Kind)
		}
	default:
		return fmt.Errorf("%w: unknown type %q", ErrMalformedSignal, s.Kind)
	}
	return nil
}

// AddressedTo reports whether s should be processed by the participant id.
func (s Signal) AddressedTo(id string) bool {
	return s.To == id || s.To == Broadcast
}

// SessionDescription decodes the payload of an offer or answer.
func (s Signal) SessionDescription() (pion.SessionDescription, error) {
	var desc pion.SessionDescription
	if s.Kind != KindOffer && s.Kind != KindAnswer {
		return desc, fmt.Errorf("%w: %s carries no session description", ErrMalformedSignal, s.Kind)
	}
	if err := json.Unmarshal(s.Payload, &desc); err != nil {
		return desc, fmt.Errorf("%w: decode %s: %v", ErrMalformedSignal, s.Kind, err)
	}
	if desc.SDP == "" {
		return desc, fmt.Errorf("%w: empty sdp in %s", ErrMalformedSignal, s.Kind)
	}

	want := pion.SDPTypeOffer
	if s.Kind == KindAnswer {
		want = pion.SDPTypeAnswer
	}
	if desc.Type != want {
		return desc, fmt.Errorf("%w: %s carries a %s description", ErrMalformedSignal, s.Kind, desc.Type)
	}
	return desc, nil
}

// ICECandidate decodes the payload of an ice-candidate signal.
func (s Signal) ICECandidate() (pion.ICECandidateInit, error) {
	var candidate pion.ICECandidateInit
	if s.Kind != KindICECandidate {
		return candidate, fmt.Errorf("%w: %s carries no candidate", ErrMalformedSignal, s.Kind)
	}
	if err := json.Unmarshal(s.Payload, &candidate); err != nil {
		return candidate, fmt.Errorf("%w: decode candidate: %v", ErrMalformedSignal, err)
	}
	return candidate, nil
}

func hasPayload(p json.RawMessage) bool {
	return len(p) > 0 && string(p) != "null"
}
