package mesh

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pion/logging"
	"github.com/pion/transport/v4/vnet"
	pion "github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshtalk/meshtalk/cli/internal/media"
	"github.com/meshtalk/meshtalk/cli/internal/signaling"
)

// vnetTransports returns real pion transports bound to n. STUN servers are unreachable on
// the virtual network, so the factory drops them and peers pair on host candidates.
func vnetTransports(t *testing.T, n *vnet.Net, log *logrus.Entry) TransportFactory {
	t.Helper()
	se := pion.SettingEngine{}
	se.SetNet(n)

	api, err := NewAPI(se, log)
	require.NoError(t, err)

	factory := PionTransports(api)
	return func(cfg pion.Configuration) (Transport, error) {
		cfg.ICEServers = nil
		return factory(cfg)
	}
}

// vnetPair starts a virtual LAN with two hosts.
func vnetPair(t *testing.T) (*vnet.Net, *vnet.Net) {
	t.Helper()
	router, err := vnet.NewRouter(&vnet.RouterConfig{
		CIDR:          "10.0.0.0/24",
		LoggerFactory: logging.NewDefaultLoggerFactory(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = router.Stop() })

	netA, err := vnet.NewNet(&vnet.NetConfig{StaticIPs: []string{"10.0.0.1"}})
	require.NoError(t, err)
	netB, err := vnet.NewNet(&vnet.NetConfig{StaticIPs: []string{"10.0.0.2"}})
	require.NoError(t, err)
	require.NoError(t, router.AddNet(netA))
	require.NoError(t, router.AddNet(netB))
	require.NoError(t, router.Start())
	return netA, netB
}

func quietLogger() *logrus.Entry {
	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)
	return logrus.NewEntry(logger)
}

func TestSimultaneousOffersConnectOverRealTransports(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping virtual network call in short mode")
	}
	netA, netB := vnetPair(t)
	log := quietLogger()

	bus := newFakeBus(true)
	start := func(user string, n *vnet.Net) *Coordinator {
		c, err := New(Config{RoomID: "QX7K2M", UserID: user, STUNServers: testSTUN}, &media.SilenceCapturer{}, bus.opener(),
			WithLogger(log),
			WithTransportFactory(vnetTransports(t, n, log)),
		)
		require.NoError(t, err)

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_, err = c.Initialize(ctx)
		require.NoError(t, err)
		t.Cleanup(c.Disconnect)
		return c
	}
	alice := start("alice", netA)
	bob := start("bob", netB)

	// Both join notifications land together, so both sides offer.
	bus.flush()
	require.Eventually(t, func() bool { return bus.heldCount(signaling.KindOffer) == 2 },
		5*time.Second, 20*time.Millisecond, "both sides should offer")

	connected := func(c *Coordinator, peer string) bool {
		s, ok := peerState(c, peer)
		return ok && s == StateConnected
	}
	require.Eventually(t, func() bool {
		bus.flush()
		return connected(alice, "bob") && connected(bob, "alice")
	}, 15*time.Second, 20*time.Millisecond, "peers never connected after glare")

	assert.Len(t, bus.channel("alice").sentTo(signaling.KindAnswer, "bob"), 1)
	assert.Empty(t, bus.channel("bob").sentTo(signaling.KindAnswer, "alice"))
}

func TestTwoPeersExchangeAudio(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping virtual network call in short mode")
	}

	netA, netB := vnetPair(t)

	log := quietLogger()

	var mu sync.Mutex
	received := make(map[string]RemoteStream)
	onStream := func(self string) RemoteStreamHandler {
		return func(peer string, rs RemoteStream) {
			mu.Lock()
			received[self+"<-"+peer] = rs
			mu.Unlock()
		}
	}
	got := func(key string) (RemoteStream, bool) {
		mu.Lock()
		defer mu.Unlock()
		rs, ok := received[key]
		return rs, ok
	}

	bus := newFakeBus(false)
	start := func(user string, n *vnet.Net) *Coordinator {
		c, err := New(Config{RoomID: "QX7K2M", UserID: user, STUNServers: testSTUN}, &media.SilenceCapturer{}, bus.opener(),
			WithLogger(log),
			WithTransportFactory(vnetTransports(t, n, log)),
			WithRemoteStreamHandler(onStream(user)),
		)
		require.NoError(t, err)

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_, err = c.Initialize(ctx)
		require.NoError(t, err)
		t.Cleanup(c.Disconnect)
		return c
	}

	alice := start("alice", netA)
	bob := start("bob", netB)

	connected := func(c *Coordinator, peer string) bool {
		s, ok := peerState(c, peer)
		return ok && s == StateConnected
	}
	require.Eventually(t, func() bool {
		return connected(alice, "bob") && connected(bob, "alice")
	}, 15*time.Second, 50*time.Millisecond, "peers never connected")

	require.Eventually(t, func() bool {
		_, a := got("alice<-bob")
		_, b := got("bob<-alice")
		return a && b
	}, 15*time.Second, 50*time.Millisecond, "remote audio never arrived")

	rs, _ := got("alice<-bob")
	require.NotNil(t, rs.Track)
	require.Equal(t, pion.MimeTypeOpus, rs.Track.Codec().MimeType)

	// Bob's audio keeps flowing into alice's recorder until bob leaves.
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	path, err := media.RecordFile(ctx, rs.Track, t.TempDir(), "bob")
	require.NoError(t, err)
	require.FileExists(t, path)

	bob.Disconnect()
	require.Eventually(t, func() bool {
		_, ok := peerState(alice, "bob")
		return !ok
	}, 5*time.Second, 20*time.Millisecond, "alice kept bob after bob left")
}
