package mesh

import (
	"github.com/pion/interceptor"
	pion "github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"

	"github.com/meshtalk/meshtalk/cli/internal/logging"
)

// RemoteStream is a media stream received from a peer.
type RemoteStream struct {
	ID    string
	Track *pion.TrackRemote
}

// Transport is the per-peer connection the coordinator negotiates.
type Transport interface {
	AddTrack(track pion.TrackLocal) error
	CreateOffer() (pion.SessionDescription, error)
	CreateAnswer() (pion.SessionDescription, error)
	SetLocalDescription(desc pion.SessionDescription) error
	SetRemoteDescription(desc pion.SessionDescription) error
	HasRemoteDescription() bool
	AddICECandidate(c pion.ICECandidateInit) error

	// OnICECandidate receives nil once gathering completes.
	OnICECandidate(f func(*pion.ICECandidateInit))
	OnRemoteStream(f func(RemoteStream))
	OnStateChange(f func(pion.PeerConnectionState))

	Close() error
}

// TransportFactory creates a transport for one peer.
type TransportFactory func(cfg pion.Configuration) (Transport, error)

// NewAPI builds a pion API with the default codecs and interceptors. pion's own logging
// goes through logrus unless se already carries a LoggerFactory.
func NewAPI(se pion.SettingEngine, log *logrus.Entry) (*pion.API, error) {
	if se.LoggerFactory == nil {
		se.LoggerFactory = logging.NewPionFactory(log)
	}

	m := &pion.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, NewError("register codecs", err)
	}

	registry := &interceptor.Registry{}
	if err := pion.RegisterDefaultInterceptors(m, registry); err != nil {
		return nil, NewError("register interceptors", err)
	}

	return pion.NewAPI(
		pion.WithSettingEngine(se),
		pion.WithMediaEngine(m),
		pion.WithInterceptorRegistry(registry),
	), nil
}

// PionTransports returns a factory creating pion peer connections from api.
func PionTransports(api *pion.API) TransportFactory {
	return func(cfg pion.Configuration) (Transport, error) {
		pc, err := api.NewPeerConnection(cfg)
		if err != nil {
			return nil, NewError("create peer connection", err)
		}
		return &pionTransport{pc: pc}, nil
	}
}

// ICEServers turns STUN URLs into one ICE server entry each.
func ICEServers(urls []string) []pion.ICEServer {
	servers := make([]pion.ICEServer, 0, len(urls))
	for _, u := range urls {
		servers = append(servers, pion.ICEServer{URLs: []string{u}})
	}
	return servers
}

type pionTransport struct {
	pc *pion.PeerConnection
}

func (t *pionTransport) AddTrack(track pion.TrackLocal) error {
	sender, err := t.pc.AddTrack(track)
	if err != nil {
		return NewError("add track", err)
	}

	// RTCP has to be read for interceptors such as NACK to run.
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()
	return nil
}

func (t *pionTransport) CreateOffer() (pion.SessionDescription, error) {
	return t.pc.CreateOffer(nil)
}

func (t *pionTransport) CreateAnswer() (pion.SessionDescription, error) {
	return t.pc.CreateAnswer(nil)
}

func (t *pionTransport) SetLocalDescription(desc pion.SessionDescription) error {
	return t.pc.SetLocalDescription(desc)
}

func (t *pionTransport) SetRemoteDescription(desc pion.SessionDescription) error {
	return t.pc.SetRemoteDescription(desc)
}

func (t *pionTransport) HasRemoteDescription() bool {
	return t.pc.RemoteDescription() != nil
}

func (t *pionTransport) AddICECandidate(c pion.ICECandidateInit) error {
	return t.pc.AddICECandidate(c)
}

func (t *pionTransport) OnICECandidate(f func(*pion.ICECandidateInit)) {
	t.pc.OnICECandidate(func(c *pion.ICECandidate) {
		if c == nil {
			f(nil)
			return
		}
		cand := c.ToJSON()
		f(&cand)
	})
}

func (t *pionTransport) OnRemoteStream(f func(RemoteStream)) {
	t.pc.OnTrack(func(track *pion.TrackRemote, _ *pion.RTPReceiver) {
		f(RemoteStream{ID: track.StreamID(), Track: track})
	})
}

func (t *pionTransport) OnStateChange(f func(pion.PeerConnectionState)) {
	t.pc.OnConnectionStateChange(f)
}

func (t *pionTransport) Close() error {
	return t.pc.Close()
}
