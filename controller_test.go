package callengine

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grvoip/callengine/internal/config"
	"github.com/grvoip/callengine/internal/endpoint"
	"github.com/grvoip/callengine/internal/handshake"
	"github.com/grvoip/callengine/internal/reliable"
	"github.com/grvoip/callengine/internal/testnet"
	"github.com/grvoip/callengine/internal/wire"
)

func make256Key() []byte {
	key := make([]byte, 256)
	for i := range key {
		key[i] = byte(i)
	}
	return key
}

func testAddr(port int) *net.UDPAddr {
	return &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port}
}

// twoControllers wires up an outgoing and an incoming Controller, each
// pointed at the other over a FakeSocket pair, sharing the same call key.
func twoControllers(t *testing.T) (ca, cb *Controller, socks []*testnet.FakeSocket) {
	t.Helper()
	addrA, addrB := testAddr(41001), testAddr(41002)
	socks = testnet.NewNetwork(addrA, addrB)

	ca = NewController(true, []byte{wire.CodecOpus})
	cb = NewController(false, []byte{wire.CodecOpus})
	require.NoError(t, ca.SetEncryptionKey(make256Key()))
	require.NoError(t, cb.SetEncryptionKey(make256Key()))

	epFromA := endpoint.NewP2P(addrB, wire.EPTypeP2PInet)
	epFromB := endpoint.NewP2P(addrA, wire.EPTypeP2PInet)
	ca.SetRemoteEndpoints([]*endpoint.Endpoint{epFromA}, false)
	cb.SetRemoteEndpoints([]*endpoint.Endpoint{epFromB}, false)

	ca.Start(socks[0])
	cb.Start(socks[1])
	return ca, cb, socks
}

func establish(t *testing.T, ca, cb *Controller) {
	t.Helper()
	ca.Connect()
	cb.Connect()
	require.Eventually(t, func() bool {
		ca.mu.Lock()
		cb.mu.Lock()
		defer ca.mu.Unlock()
		defer cb.mu.Unlock()
		return ca.hs.State() == handshake.Established && cb.hs.State() == handshake.Established
	}, 2*time.Second, 5*time.Millisecond)
}

func pingUntilRTT(e *endpoint.Endpoint, rtt float64) {
	e.SendPing(1, 0)
	e.OnPong(1, rtt)
}

type fakeJitterBuffer struct {
	frames [][]byte
	ptss   []uint32
}

func newFakeJitterBuffer() *fakeJitterBuffer {
	return &fakeJitterBuffer{}
}

func (f *fakeJitterBuffer) HandleInput(data []byte, pts uint32) {
	f.frames = append(f.frames, data)
	f.ptss = append(f.ptss, pts)
}

type spyEncoder struct {
	bitrate        uint32
	lastPacketLoss int
}

func (s *spyEncoder) SetBitrate(bps uint32)    { s.bitrate = bps }
func (s *spyEncoder) SetPacketLoss(pct int)    { s.lastPacketLoss = pct }

// Scenario 1 (spec.md §8): handshake happy path. Both sides Connect, each
// observes the other's PKT_INIT and replies with PKT_INIT_ACK, and both
// converge on Established with the negotiated peer version latched.
func TestHandshakeHappyPath(t *testing.T) {
	ca, cb, socks := twoControllers(t)
	defer ca.Stop()
	defer cb.Stop()
	defer socks[0].Close()
	defer socks[1].Close()

	establish(t, ca, cb)

	ca.mu.Lock()
	pv, ok := ca.hs.PeerVersion()
	ca.mu.Unlock()
	assert.True(t, ok)
	assert.EqualValues(t, wire.ProtocolVersion, pv)
}

// Scenario 2 (spec.md §8): init retransmission. Delivery of every INIT is
// delayed past the 0.5s retransmit interval, so the WaitInitAck state must
// still be retransmitting when the delayed datagram finally lands, and the
// handshake must still converge.
func TestInitRetransmission(t *testing.T) {
	ca, cb, socks := twoControllers(t)
	defer ca.Stop()
	defer cb.Stop()
	defer socks[0].Close()
	defer socks[1].Close()

	socks[0].SetLatency(func() float64 { return 0.7 })
	socks[1].SetLatency(func() float64 { return 0.7 })

	ca.Connect()
	cb.Connect()

	time.Sleep(600 * time.Millisecond)
	ca.mu.Lock()
	stillWaiting := ca.hs.State() == handshake.WaitInitAck
	ca.mu.Unlock()
	assert.True(t, stillWaiting, "must still be retransmitting INIT before the delayed delivery lands")

	require.Eventually(t, func() bool {
		ca.mu.Lock()
		cb.mu.Lock()
		defer ca.mu.Unlock()
		defer cb.mu.Unlock()
		return ca.hs.State() == handshake.Established && cb.hs.State() == handshake.Established
	}, 3*time.Second, 10*time.Millisecond)
}

// Scenario 3 (spec.md §8): duplicate drop. The same sealed frame delivered
// twice must only be handed to the jitter buffer once, and the duplicate
// must not move the receive-packet counter.
func TestDuplicateDrop(t *testing.T) {
	ca, cb, socks := twoControllers(t)
	defer ca.Stop()
	defer cb.Stop()
	defer socks[0].Close()
	defer socks[1].Close()

	establish(t, ca, cb)

	jb := newFakeJitterBuffer()
	cb.mu.Lock()
	cb.jitterBuffer = jb
	cb.mu.Unlock()

	ca.mu.Lock()
	e := ca.currentEndpoint()
	require.NotNil(t, e)
	frame := ca.buildLegacyFrame(e, wire.PktStreamData, buildStreamFramePayload(1, 42, []byte("hello")), true)
	ca.mu.Unlock()

	before := cb.GetStats().PacketsReceived

	_, err := socks[0].WriteTo(frame, e.Addr)
	require.NoError(t, err)
	_, err = socks[0].WriteTo(frame, e.Addr)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(jb.frames) >= 1
	}, time.Second, 5*time.Millisecond)
	time.Sleep(100 * time.Millisecond)

	assert.Len(t, jb.frames, 1, "the duplicate must never reach the jitter buffer")
	assert.Equal(t, before+1, cb.GetStats().PacketsReceived)
}

// Scenario 4 (spec.md §8): ack window. An ack_id of 40 with a full mask
// confirms every sequence number in [9, 40] (the 32-wide window below it);
// reliable entries sent under those sequences must be dropped, the ones
// sent under [1, 8] must remain queued.
func TestAckWindowRemovesCoveredReliableEntries(t *testing.T) {
	c := NewController(true, nil)

	for i := 1; i <= 40; i++ {
		c.relq.SendReliably(wire.PktNop, []byte{byte(i)}, 0, 0)
	}
	var nextSeq uint32
	c.relq.Tick(0, func(qp *reliable.QueuedPacket) uint32 {
		nextSeq++
		c.seq.OnSend(nextSeq, 0)
		return nextSeq
	})
	require.Equal(t, 40, c.relq.Len())

	c.seq.OnAckReceived(40, 0xFFFFFFFF, 1.0)
	c.relq.RemoveAcked(c.seq)

	assert.Equal(t, 8, c.relq.Len(), "only the 8 entries sent under seqs 1..8 should survive")
}

// Scenario 5 (spec.md §8): relay failover. The call starts on a relay,
// switches onto a faster P2P path, then the P2P path stops delivering
// packets; once the receive timeout elapses the controller must fall back
// to the preferred relay and reset the abandoned P2P path's RTT history.
func TestRelayFailoverOnReceiveTimeout(t *testing.T) {
	relay := endpoint.New(1, testAddr(1), wire.EPTypeUDPRelay, [16]byte{9})
	p2p := endpoint.NewP2P(testAddr(2), wire.EPTypeP2PInet)

	ca := NewController(true, nil, WithFileConfig(config.File{
		InitTimeout: 30, RecvTimeout: 0.3, DataSaving: "never",
	}))
	ca.SetRemoteEndpoints([]*endpoint.Endpoint{relay, p2p}, true)

	pingUntilRTT(relay, 0.3)
	pingUntilRTT(p2p, 0.1)

	noop := func(e *endpoint.Endpoint) uint32 { return 0 }

	ca.paths.Tick(1.0, noop)
	require.Same(t, p2p, ca.paths.Current(), "must switch onto the faster P2P path")

	ca.paths.OnPacketReceived(1.0)
	ca.paths.Tick(1.0+ca.fileCfg.RecvTimeout+0.1, noop)

	assert.Same(t, relay, ca.paths.Current(), "must fall back to the preferred relay once P2P stops delivering")
	assert.Equal(t, 0.0, p2p.AverageRTT(), "the abandoned P2P path's RTT history must be reset")
}

// spec.md §4.6: a reflector reply reveals a fresh P2P-INET candidate, and
// when the relay observed the same address for both sides, that they share
// a NAT, which must be exchanged via a reliable PKT_LAN_ENDPOINT.
func TestReflectorReplyAddsP2PEndpointAndDetectsNATSharing(t *testing.T) {
	relay := endpoint.New(1, testAddr(1), wire.EPTypeUDPRelay, [16]byte{7})
	ca := NewController(true, nil)
	ca.SetRemoteEndpoints([]*endpoint.Endpoint{relay}, true)

	sock := testnet.NewNetwork(testAddr(50))[0]
	ca.Start(sock)
	defer ca.Stop()

	shared := net.IPv4(203, 0, 113, 9)
	reply := wire.EncodeReflectorReply(relay.PeerTag, wire.ReflectorInfo{
		MyAddr:   shared,
		MyPort:   50,
		PeerAddr: shared,
		PeerPort: 60000,
	})

	ca.handleDatagram(reply, relay.Addr)

	ca.mu.Lock()
	defer ca.mu.Unlock()
	var found *endpoint.Endpoint
	for _, e := range ca.table.All() {
		if e.Type == wire.EPTypeP2PInet {
			found = e
		}
	}
	require.NotNil(t, found, "reflector reply must add a P2P-INET candidate")
	assert.Equal(t, shared.String(), found.Addr.IP.String())
	assert.Equal(t, 60000, found.Addr.Port)
	assert.Equal(t, 1, ca.relq.Len(), "NAT sharing must queue a reliable PKT_LAN_ENDPOINT")
}

// spec.md §4.6: PKT_LAN_ENDPOINT replaces any previously known P2P-LAN
// candidate with the address it carries.
func TestHandleLanEndpointReplacesPriorP2PLan(t *testing.T) {
	relay := endpoint.New(1, testAddr(1), wire.EPTypeUDPRelay, [16]byte{7})
	stale := endpoint.New(2, testAddr(2), wire.EPTypeP2PLan, [16]byte{})
	ca := NewController(true, nil)
	ca.SetRemoteEndpoints([]*endpoint.Endpoint{relay, stale}, true)

	payload := wire.EncodeLanEndpoint(net.IPv4(192, 168, 1, 5), 7000)
	ca.mu.Lock()
	ca.onPacket(wire.Header{Type: wire.PktLanEndpoint, Seq: 1}, payload, testAddr(1))
	ca.mu.Unlock()

	ca.mu.Lock()
	defer ca.mu.Unlock()
	var lanEndpoints []*endpoint.Endpoint
	for _, e := range ca.table.All() {
		if e.Type == wire.EPTypeP2PLan {
			lanEndpoints = append(lanEndpoints, e)
		}
	}
	require.Len(t, lanEndpoints, 1, "the stale P2P-LAN candidate must be replaced, not appended to")
	assert.Equal(t, "192.168.1.5", lanEndpoints[0].Addr.IP.String())
	assert.Equal(t, 7000, lanEndpoints[0].Addr.Port)
}

// spec.md §4.6's anti-hijack rule: a relay-sourced data packet arriving
// while the call is on a P2P path is ignored unless 32+ sequence numbers
// have gone unacknowledged, in which case the call migrates to the relay
// and reissues a reflector request.
func TestAntiHijackMigratesAfterSustainedUnackedRun(t *testing.T) {
	relay := endpoint.New(1, testAddr(1), wire.EPTypeUDPRelay, [16]byte{7})
	p2p := endpoint.NewP2P(testAddr(2), wire.EPTypeP2PInet)
	ca := NewController(true, nil, WithFileConfig(config.File{InitTimeout: 30, RecvTimeout: 10, DataSaving: "never"}))
	ca.SetRemoteEndpoints([]*endpoint.Endpoint{relay, p2p}, true)

	sock := testnet.NewNetwork(testAddr(51))[0]
	ca.Start(sock)
	defer ca.Stop()

	pingUntilRTT(relay, 0.3)
	pingUntilRTT(p2p, 0.1)
	noop := func(e *endpoint.Endpoint) uint32 { return 0 }

	ca.mu.Lock()
	ca.paths.Tick(1.0, noop)
	require.Same(t, p2p, ca.paths.Current(), "must switch onto the faster P2P path first")
	for i := 0; i < 40; i++ {
		ca.seq.NextSendSeq()
	}
	ca.mu.Unlock()

	ca.mu.Lock()
	ca.onPacket(wire.Header{Type: wire.PktStreamData, Seq: 1}, []byte{0}, relay.Addr)
	ca.mu.Unlock()

	ca.mu.Lock()
	defer ca.mu.Unlock()
	assert.Same(t, relay, ca.paths.Current(), "a long unacked run must be trusted as a real migration")
}

// spec.md §4.6 rule 4: once an Established call's current path is the relay
// itself and even the relay stops delivering, there is nowhere left to fall
// back to, and the call must fail with TIMEOUT.
func TestEstablishedFailsWithTimeoutWhenAllRelaysDead(t *testing.T) {
	ca, cb, _ := twoControllers(t)
	defer ca.Stop()
	defer cb.Stop()
	establish(t, ca, cb)

	relay := endpoint.New(99, testAddr(9001), wire.EPTypeUDPRelay, [16]byte{1})
	ca.SetRemoteEndpoints([]*endpoint.Endpoint{relay}, false)

	var gotErr error
	ca.SetStateCallback(func(s handshake.State, err error) {
		if s == handshake.Failed {
			gotErr = err
		}
	})

	noop := func(e *endpoint.Endpoint) uint32 { return 0 }
	ca.mu.Lock()
	ca.paths.OnPacketReceived(1000.0)
	allTimedOut := ca.paths.Tick(1000.0+ca.fileCfg.RecvTimeout+0.1, noop)
	if allTimedOut && ca.hs.State() == handshake.Established {
		ca.fail(newCallError(ErrTimeout, "all relays timed out"))
	}
	ca.mu.Unlock()

	assert.Equal(t, handshake.Failed, ca.hs.State())
	assert.Equal(t, handshake.ErrTimeout, ca.hs.Error())
	require.Error(t, gotErr)
}

// Scenario 6 (spec.md §8): loss-adaptive FEC. A 10% measured loss rate
// (one lost frame in the 10-sample window) must push the encoder's
// packet-loss hint to 35 within a single policy application; 40 needs a
// rate strictly above 10%.
func TestLossAdaptivePacketLossHint(t *testing.T) {
	enc := &spyEncoder{}
	c := NewController(true, nil, WithEncoder(enc))

	for i := 0; i < 10; i++ {
		c.brate.RecordFrameLoss(i == 0)
	}

	c.mu.Lock()
	c.pushPacketLossHint()
	c.mu.Unlock()

	assert.Equal(t, 35, enc.lastPacketLoss)
}
