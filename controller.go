// Package callengine is the public facade: Controller wires the framing,
// crypto, sequence/ack, congestion, reliable-retry, path-manager, handshake
// and bitrate packages together into the send/receive/tick concurrency
// model spec.md §5 describes, and exposes the operations of §4.10.
//
// Grounded on the teacher's core/main.go signal-driven shutdown (the
// sigChan/errChan select loop generalizes into stopCh/wg here) and its
// single coarse lock per live session (source/protocol/raknet.go's Session
// guards all of its mutable state with one mutex; a VoIP call's packet
// rate never justifies the spec's finer endpoints/queued_packets/
// send_buffer lock split, so this keeps the teacher's one-mutex shape
// instead — noted in DESIGN.md).
package callengine

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/grvoip/callengine/internal/bitrate"
	"github.com/grvoip/callengine/internal/clock"
	"github.com/grvoip/callengine/internal/config"
	"github.com/grvoip/callengine/internal/congestion"
	"github.com/grvoip/callengine/internal/endpoint"
	"github.com/grvoip/callengine/internal/handshake"
	"github.com/grvoip/callengine/internal/pathmgr"
	"github.com/grvoip/callengine/internal/reliable"
	"github.com/grvoip/callengine/internal/seqack"
	"github.com/grvoip/callengine/internal/telemetry"
	"github.com/grvoip/callengine/internal/testnet"
	"github.com/grvoip/callengine/internal/wire"
	"github.com/grvoip/callengine/internal/xcrypto"
)

// initFlagDataSavingRequested is the PKT_INIT flags bit a side sets to tell
// its peer it would like the link run in data-saving mode.
const initFlagDataSavingRequested uint32 = 1

// outgoingFrame is one already-sealed datagram waiting for the send task.
type outgoingFrame struct {
	endpoint *endpoint.Endpoint
	frame    []byte
}

// Option configures a Controller at construction time.
type Option func(*Controller)

func WithMetrics(m *telemetry.Metrics) Option { return func(c *Controller) { c.metrics = m } }
func WithEncoder(e Encoder) Option            { return func(c *Controller) { c.encoder = e } }
func WithJitterBuffer(j JitterBuffer) Option  { return func(c *Controller) { c.jitterBuffer = j } }
func WithAudioInput(a AudioInput) Option      { return func(c *Controller) { c.audioInput = a } }
func WithFileConfig(f config.File) Option     { return func(c *Controller) { c.fileCfg = f } }

// Controller drives one call end to end: handshake, path selection,
// reliable control messages, congestion-aware bitrate, and the audio
// send/receive path. One Controller handles exactly one call.
type Controller struct {
	mu sync.Mutex

	isOutgoing  bool
	key         []byte
	fingerprint [8]byte
	callID      [16]byte
	crypto      xcrypto.Funcs

	socket testnet.Socket

	table *endpoint.Table
	paths *pathmgr.Manager

	seq   *seqack.State
	cong  *congestion.Controller
	relq  *reliable.Queue
	hs    *handshake.Machine
	brate *bitrate.Policy

	cfgStore *config.Store
	fileCfg  config.File

	metrics  *telemetry.Metrics
	debugLog *telemetry.DebugLog

	netType        int
	dataSaving     bitrate.DataSavingMode
	peerDataSaving bool
	allowP2P       bool
	micMuted       bool

	encoder      Encoder
	jitterBuffer JitterBuffer
	audioInput   AudioInput

	currentAudioInputName  string
	currentAudioOutputName string

	stateCB      func(handshake.State, error)
	failNotified bool

	stats Stats

	lastAssignedSeq uint32

	lastStreamSeq      uint32
	haveLastStreamSeq  bool

	waitingForAcks   bool
	dontSendPackets  int
	rttHistory       [32]float64
	firstSentPingSeq uint32
	lastStallCheck   float64
	lastLossHintCheck float64

	started  bool
	stopping bool
	stopCh   chan struct{}
	sendCh   chan outgoingFrame
	wg       sync.WaitGroup

	log *logrus.Entry
}

// NewController builds a Controller for one call. isOutgoing marks this
// side as the caller, which controls the KDF offset convention (spec.md
// §4.1: x=0 for the outgoing party's packets, x=8 for the incoming
// party's). audioCodecIDs is advertised in PKT_INIT.
func NewController(isOutgoing bool, audioCodecIDs []byte, opts ...Option) *Controller {
	c := &Controller{
		isOutgoing: isOutgoing,
		crypto:     xcrypto.Default(),
		table:      endpoint.NewTable(),
		cong:       congestion.NewController(),
		relq:       reliable.NewQueue(),
		cfgStore:   config.NewStore(),
		fileCfg: config.File{
			InitTimeout: 30, RecvTimeout: 10, DataSaving: "never",
			EnableAEC: true, EnableNS: true, EnableAGC: true,
		},
		debugLog: telemetry.NewDebugLog(),
		netType:  wire.NetTypeUnknown,
		allowP2P: true,
		stopCh:   make(chan struct{}),
		sendCh:   make(chan outgoingFrame, 256),
		log:      logrus.WithField("component", "callengine"),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.dataSaving = parseDataSaving(c.fileCfg.DataSaving)
	c.seq = seqack.NewState(c.cong)

	var initFlags uint32
	if c.dataSaving != bitrate.DataSavingNever {
		initFlags = initFlagDataSavingRequested
	}
	ourInit := handshake.InitPayload{
		ProtoVer:      wire.ProtocolVersion,
		MinProtoVer:   wire.MinProtocolVersion,
		Flags:         initFlags,
		AudioCodecIDs: audioCodecIDs,
	}
	c.hs = handshake.NewMachine(ourInit, c.fileCfg.InitTimeout)
	c.brate = bitrate.NewPolicy(bitrate.InitAudioBitrate, c.cfgStore)
	return c
}

func parseDataSaving(s string) bitrate.DataSavingMode {
	switch s {
	case "always":
		return bitrate.DataSavingAlways
	case "mobile":
		return bitrate.DataSavingMobile
	default:
		return bitrate.DataSavingNever
	}
}

// SetEncryptionKey installs the 256-byte shared call key. It must precede
// Start, mirroring the original's "the key is fixed for the life of the
// call" contract.
func (c *Controller) SetEncryptionKey(key []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return fmt.Errorf("callengine: SetEncryptionKey must precede Start")
	}
	if len(key) != 256 {
		return fmt.Errorf("callengine: encryption key must be 256 bytes, got %d", len(key))
	}
	c.key = append([]byte(nil), key...)
	fp := c.crypto.SHA1(c.key)
	copy(c.fingerprint[:], fp[len(fp)-8:])
	cid := c.crypto.SHA256(c.key)
	copy(c.callID[:], cid[len(cid)-16:])
	return nil
}

// SetRemoteEndpoints installs the known candidate paths to the peer. The
// first entry seeds both the current path and the preferred relay, per
// spec.md §4.6, until ping history and the path manager's policy pick a
// better one.
func (c *Controller) SetRemoteEndpoints(eps []*endpoint.Endpoint, allowP2P bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.table = endpoint.NewTable()
	for _, e := range eps {
		c.table.Put(e)
	}
	c.allowP2P = allowP2P
	if len(eps) > 0 {
		c.paths = pathmgr.NewManager(c.table, eps[0], allowP2P, c.fileCfg.RecvTimeout, c.requestPublicEndpoints, c.cfgStore)
	}
}

// SetNetworkType updates the classified network link, feeding the bitrate
// ceiling and mobile-data-saving policy.
func (c *Controller) SetNetworkType(netType int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.netType = netType
}

// SetConfig pushes a server-supplied JSON config blob, per [EXP-CONFIG].
func (c *Controller) SetConfig(data []byte) error {
	return c.cfgStore.Update(data)
}

// SetStateCallback installs the function invoked whenever the handshake
// state changes. It is called synchronously from whichever task drove the
// transition; it must not call back into the Controller.
func (c *Controller) SetStateCallback(fn func(handshake.State, error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stateCB = fn
}

// SetCurrentAudioInput and SetCurrentAudioOutput record the selected device
// name; actual device lifecycle is the embedder's responsibility (spec.md
// §6's AudioInput/AudioOutput are narrow collaborators, not owned here).
func (c *Controller) SetCurrentAudioInput(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.currentAudioInputName = name
}

func (c *Controller) SetCurrentAudioOutput(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.currentAudioOutputName = name
}

// SetMicMute mutes or unmutes the call. Muting stops the audio input and
// checks it settled; a device that reports itself uninitialized after
// Stop is an AUDIO_IO failure (spec.md §9 Open Questions).
func (c *Controller) SetMicMute(muted bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.micMuted = muted
	if !muted || c.audioInput == nil {
		return nil
	}
	if err := c.audioInput.Stop(); err != nil {
		return newCallError(ErrAudioIO, err.Error())
	}
	if !c.audioInput.IsInitialized() {
		return newCallError(ErrAudioIO, "audio input not initialized after stop")
	}
	return nil
}

// GetStats returns a snapshot of the call's packet/byte counters and
// current bitrate/RTT, per [EXP-STATS].
func (c *Controller) GetStats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.Bitrate = c.brate.Current()
	s.AverageRTT = c.seq.GetAverageRTT()
	s.SendLossCount = uint64(c.cong.GetSendLossCount())
	return s
}

// GetDebugString renders the most recent debug snapshot as a one-line
// human-readable summary.
func (c *Controller) GetDebugString() string {
	return c.debugLog.String()
}

// GetDebugLog returns the JSON-encoded ring of recent debug snapshots, per
// [EXP-DEBUGLOG].
func (c *Controller) GetDebugLog() ([]byte, error) {
	return c.debugLog.JSON()
}

// Start begins the call's three long-running tasks (receive, send, tick)
// over socket, per spec.md §5.
func (c *Controller) Start(socket testnet.Socket) {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return
	}
	c.started = true
	c.socket = socket
	c.mu.Unlock()

	c.wg.Add(3)
	go c.recvLoop()
	go c.sendLoop()
	go c.tickLoop()
}

// Stop ends all three tasks, closes the socket, and zeroes the key.
func (c *Controller) Stop() {
	c.mu.Lock()
	if c.stopping {
		c.mu.Unlock()
		return
	}
	c.stopping = true
	c.mu.Unlock()

	close(c.stopCh)
	if c.socket != nil {
		c.socket.Close()
	}
	c.wg.Wait()

	c.mu.Lock()
	for i := range c.key {
		c.key[i] = 0
	}
	c.mu.Unlock()
}

// Connect begins the handshake: PKT_INIT is sent to every known endpoint
// and WaitInitAck retransmission begins.
func (c *Controller) Connect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	body := c.hs.Connect(clock.Now())
	c.broadcastInit(body)
}

func (c *Controller) broadcastInit(body []byte) {
	for _, e := range c.table.All() {
		c.sendExtended(e, wire.PktInit, body)
	}
}

func (c *Controller) kdfOffsets() (encodeOffset, decodeOffset int) {
	if c.isOutgoing {
		return 0, 8
	}
	return 8, 0
}

func (c *Controller) envelopeLeadingID(e *endpoint.Endpoint) [16]byte {
	if e != nil && e.IsRelay() {
		return e.PeerTag
	}
	return c.callID
}

func (c *Controller) expectedLeadingIDFor(from *net.UDPAddr) [16]byte {
	if e := c.endpointFor(from); e != nil {
		return c.envelopeLeadingID(e)
	}
	return c.callID
}

func (c *Controller) endpointFor(from *net.UDPAddr) *endpoint.Endpoint {
	for _, e := range c.table.All() {
		if sameAddr(e.Addr, from) {
			return e
		}
	}
	return nil
}

func sameAddr(a, b *net.UDPAddr) bool {
	if a == nil || b == nil {
		return false
	}
	return a.IP.Equal(b.IP) && a.Port == b.Port
}

func (c *Controller) currentEndpoint() *endpoint.Endpoint {
	if c.paths == nil {
		return nil
	}
	return c.paths.Current()
}

// buildLegacyFrame assigns the next outgoing sequence number, seals a
// legacy (steady-state) frame, and records it with the congestion
// controller when dataCarrying.
func (c *Controller) buildLegacyFrame(e *endpoint.Endpoint, typ byte, payload []byte, dataCarrying bool) []byte {
	encodeOffset, _ := c.kdfOffsets()
	ackID, ackMask := c.seq.BuildAckMask()
	seq := c.seq.NextSendSeq()
	c.seq.OnSend(seq, clock.Now())
	c.lastAssignedSeq = seq
	hdr := wire.Header{Type: typ, AckID: ackID, Seq: seq, AckMask: ackMask}
	frame := wire.EncodeLegacy(c.envelopeLeadingID(e), c.fingerprint, c.key, encodeOffset, c.crypto, hdr, payload)
	if dataCarrying {
		c.cong.PacketSent(seq, len(frame))
	}
	return frame
}

// sendLegacy builds and immediately transmits a legacy frame: used for
// control-plane packets (ping/pong/reliable retries) that are small and
// rare enough not to need the queued send path.
func (c *Controller) sendLegacy(e *endpoint.Endpoint, typ byte, payload []byte, dataCarrying bool) {
	if e == nil {
		return
	}
	c.writeNow(e, c.buildLegacyFrame(e, typ, payload, dataCarrying))
}

func (c *Controller) sendExtended(e *endpoint.Endpoint, typ byte, payload []byte) {
	if e == nil {
		return
	}
	encodeOffset, _ := c.kdfOffsets()
	ackID, ackMask := c.seq.BuildAckMask()
	seq := c.seq.NextSendSeq()
	c.seq.OnSend(seq, clock.Now())
	c.lastAssignedSeq = seq
	hdr := wire.ExtendedHeader{
		Header:    wire.Header{Type: typ, AckID: ackID, Seq: seq, AckMask: ackMask},
		HasCallID: true,
		CallID:    c.callID,
		HasProto:  true,
	}
	frame := wire.EncodeExtended(c.envelopeLeadingID(e), c.fingerprint, c.key, encodeOffset, c.crypto, hdr, payload)
	c.writeNow(e, frame)
}

// writeNow transmits frame synchronously and updates send-side stats.
// Called from within the controller's mutex.
func (c *Controller) writeNow(e *endpoint.Endpoint, frame []byte) {
	if c.socket == nil || e == nil {
		return
	}
	if _, err := c.socket.WriteTo(frame, e.Addr); err != nil {
		c.log.WithError(err).Warn("send failed")
		return
	}
	c.accountSent(len(frame))
}

// enqueueSend hands frame to the send task's queue, dropping it with a
// warning on backpressure rather than blocking the caller (spec.md §5's
// "producer drops the packet with a warning" pool-exhaustion policy).
func (c *Controller) enqueueSend(e *endpoint.Endpoint, frame []byte) {
	select {
	case c.sendCh <- outgoingFrame{endpoint: e, frame: frame}:
	default:
		c.log.Warn("send queue full, dropping packet")
	}
}

func (c *Controller) accountSent(n int) {
	c.stats.PacketsSent++
	if wire.IsMobileNetwork(c.netType) {
		c.stats.BytesSentMobile += uint64(n)
	} else {
		c.stats.BytesSentWifi += uint64(n)
	}
	if c.metrics != nil {
		c.metrics.BytesSent.Add(float64(n))
	}
}

func (c *Controller) requestPublicEndpoints() {
	if c.paths == nil || c.socket == nil {
		return
	}
	relay := c.paths.PreferredRelay()
	if relay == nil {
		return
	}
	payload := make([]byte, 32)
	copy(payload[:16], relay.PeerTag[:])
	for i := 16; i < 32; i++ {
		payload[i] = 0xFF
	}
	if _, err := c.socket.WriteTo(payload, relay.Addr); err != nil {
		c.log.WithError(err).Warn("reflector probe failed")
	}
}

// handleReflectorReply processes the unenveloped 48-byte reply a relay sends
// back to a reflector probe (requestPublicEndpoints): it reveals a fresh
// P2P-INET candidate and, when the relay saw the same address for both
// sides, that the two peers share a NAT, in which case the LAN-local
// address is worth exchanging too (spec.md §4.6).
func (c *Controller) handleReflectorReply(data []byte, from *net.UDPAddr) {
	if c.table == nil || c.paths == nil {
		return
	}
	info, err := wire.DecodeReflectorReply(data)
	if err != nil {
		return
	}

	c.table.RemoveType(wire.EPTypeP2PInet)
	c.table.RemoveType(wire.EPTypeP2PLan)
	peer := endpoint.NewP2P(&net.UDPAddr{IP: info.PeerAddr, Port: int(info.PeerPort)}, wire.EPTypeP2PInet)
	c.table.Put(peer)

	if !info.MyAddr.Equal(info.PeerAddr) {
		return
	}
	if c.socket == nil {
		return
	}
	local := c.socket.LocalAddr()
	if local == nil {
		return
	}
	lanPayload := wire.EncodeLanEndpoint(local.IP, uint16(local.Port))
	c.relq.SendReliably(wire.PktLanEndpoint, lanPayload, 0.5, 10)
}

// handleLanEndpoint records the peer's LAN-local address as reported over
// the reliable control queue, replacing any earlier P2P-LAN candidate
// (spec.md §4.6).
func (c *Controller) handleLanEndpoint(payload []byte, from *net.UDPAddr) {
	if c.table == nil {
		return
	}
	addr, port, err := wire.DecodeLanEndpoint(payload)
	if err != nil {
		return
	}
	c.table.RemoveType(wire.EPTypeP2PLan)
	c.table.Put(endpoint.NewP2P(&net.UDPAddr{IP: addr, Port: int(port)}, wire.EPTypeP2PLan))
}

func (c *Controller) sendPing(e *endpoint.Endpoint) uint32 {
	seq := c.seq.NextSendSeq()
	c.seq.OnSend(seq, clock.Now())
	c.lastAssignedSeq = seq
	ackID, ackMask := c.seq.BuildAckMask()
	hdr := wire.Header{Type: wire.PktPing, AckID: ackID, Seq: seq, AckMask: ackMask}
	encodeOffset, _ := c.kdfOffsets()
	frame := wire.EncodeLegacy(c.envelopeLeadingID(e), c.fingerprint, c.key, encodeOffset, c.crypto, hdr, encodePingSeq(seq))
	c.writeNow(e, frame)
	return seq
}

func (c *Controller) sendReliable(qp *reliable.QueuedPacket) uint32 {
	e := c.currentEndpoint()
	if e == nil {
		return 0
	}
	return c.buildAndWriteLegacySeq(e, qp.Type, qp.Data)
}

func (c *Controller) buildAndWriteLegacySeq(e *endpoint.Endpoint, typ byte, payload []byte) uint32 {
	frame := c.buildLegacyFrame(e, typ, payload, false)
	c.writeNow(e, frame)
	return c.lastAssignedSeq
}

func encodePingSeq(seq uint32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, seq)
	return b
}

func decodePingSeq(b []byte) (uint32, bool) {
	if len(b) < 4 {
		return 0, false
	}
	return binary.LittleEndian.Uint32(b), true
}

// recvLoop is the receive task: it owns all per-packet decode, decrypt,
// and state-transition work (spec.md §5).
func (c *Controller) recvLoop() {
	defer c.wg.Done()
	buf := make([]byte, 4096)
	for {
		n, from, err := c.socket.ReadFrom(buf)
		if err != nil {
			return
		}
		data := append([]byte(nil), buf[:n]...)
		c.handleDatagram(data, from)
	}
}

func (c *Controller) handleDatagram(data []byte, from *net.UDPAddr) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if wire.IsReflectorReply(data) {
		c.handleReflectorReply(data, from)
		return
	}

	if c.key == nil {
		return
	}
	_, decodeOffset := c.kdfOffsets()
	leadingID := c.expectedLeadingIDFor(from)

	if eh, payload, err := wire.DecodeExtended(data, leadingID, c.fingerprint, c.key, decodeOffset, c.crypto, c.callID); err == nil {
		c.onPacket(eh.Header, payload, from)
		return
	} else if errors.Is(err, wire.ErrCallIDMismatch) {
		c.fail(newCallError(ErrUnknown, "call id mismatch"))
		return
	} else if errors.Is(err, wire.ErrIncompatible) {
		c.fail(newCallError(ErrIncompatible, "protocol marker mismatch"))
		return
	}

	hdr, payload, err := wire.DecodeLegacy(data, leadingID, c.fingerprint, c.key, decodeOffset, c.crypto)
	if err != nil {
		c.log.WithError(err).Debug("dropping malformed packet")
		return
	}
	c.onPacket(hdr, payload, from)
}

func (c *Controller) onPacket(hdr wire.Header, payload []byte, from *net.UDPAddr) {
	now := clock.Now()
	if dup := c.seq.OnReceive(hdr.Seq, now); dup {
		return
	}
	c.seq.OnAckReceived(hdr.AckID, hdr.AckMask, now)
	c.relq.RemoveAcked(c.seq)
	if c.waitingForAcks && c.seq.IsAcked(c.firstSentPingSeq) {
		c.waitingForAcks = false
		c.rttHistory = [32]float64{}
		c.dontSendPackets = 10
	}
	if c.paths != nil {
		c.paths.OnPacketReceived(now)
	}

	c.stats.PacketsReceived++
	if wire.IsMobileNetwork(c.netType) {
		c.stats.BytesRecvdMobile += uint64(len(payload))
	} else {
		c.stats.BytesRecvdWifi += uint64(len(payload))
	}
	if c.metrics != nil {
		c.metrics.BytesReceived.Add(float64(len(payload)))
	}

	c.trackFrameLoss(hdr.Type, hdr.Seq)

	e := c.endpointFor(from)
	if c.paths != nil && e != nil && isStreamDataType(hdr.Type) {
		if c.paths.OnDataFromEndpoint(e, c.seq.UnackedSendCount()) {
			c.requestPublicEndpoints()
		}
	}

	switch hdr.Type {
	case wire.PktInit:
		c.handleInit(now, payload, e)
	case wire.PktInitAck:
		c.handleInitAck(now, payload)
	case wire.PktPing:
		c.handlePing(payload, e)
	case wire.PktPong:
		c.handlePong(now, payload, e)
	case wire.PktStreamData, wire.PktStreamDataX2, wire.PktStreamDataX3:
		c.handleStreamData(hdr.Type, payload)
	case wire.PktLanEndpoint:
		c.handleLanEndpoint(payload, from)
	}
}

func isStreamDataType(typ byte) bool {
	return typ == wire.PktStreamData || typ == wire.PktStreamDataX2 || typ == wire.PktStreamDataX3
}

// trackFrameLoss infers lost audio frames from gaps in the received
// STREAM_DATA sequence numbers and feeds them into the bitrate policy's
// loss window, per spec.md §4.8.
func (c *Controller) trackFrameLoss(typ byte, seq uint32) {
	if !isStreamDataType(typ) {
		return
	}
	if c.haveLastStreamSeq && int32(seq-c.lastStreamSeq) > 0 {
		gap := seq - c.lastStreamSeq - 1
		for i := uint32(0); i < gap && i < 10; i++ {
			c.brate.RecordFrameLoss(true)
			c.stats.RecvLossCount++
		}
		c.brate.RecordFrameLoss(false)
	} else if !c.haveLastStreamSeq {
		c.brate.RecordFrameLoss(false)
	}
	if !c.haveLastStreamSeq || int32(seq-c.lastStreamSeq) > 0 {
		c.lastStreamSeq = seq
		c.haveLastStreamSeq = true
	}
}

func (c *Controller) buildInitAck() handshake.InitAckPayload {
	return handshake.InitAckPayload{
		ProtoVer:    wire.ProtocolVersion,
		MinProtoVer: wire.MinProtocolVersion,
		Streams: []handshake.StreamDesc{{
			ID: 1, Type: wire.StreamTypeAudio, Codec: wire.CodecOpus,
			FrameDurationMs: 20, Enabled: true,
		}},
	}
}

func (c *Controller) handleInit(now float64, payload []byte, e *endpoint.Endpoint) {
	peerInit, err := handshake.DecodeInitPayload(payload)
	if err != nil {
		return
	}
	if peerInit.Flags&initFlagDataSavingRequested != 0 {
		c.peerDataSaving = true
	}
	ackBody, ok := c.hs.OnInitReceived(now, peerInit, c.buildInitAck())
	if !ok {
		c.fail(newCallError(ErrIncompatible, "peer protocol version incompatible"))
		return
	}
	c.sendExtended(e, wire.PktInitAck, ackBody)
}

func (c *Controller) handleInitAck(now float64, payload []byte) {
	peerVersion, have := c.hs.PeerVersion()
	if !have {
		peerVersion = wire.ProtocolVersion
	}
	ack, err := handshake.DecodeInitAckPayload(payload, peerVersion)
	if err != nil {
		return
	}
	if c.hs.OnInitAckReceived(now, ack) {
		c.onEstablished()
	} else if c.hs.State() == handshake.Failed {
		c.fail(newCallError(ErrIncompatible, "init_ack version incompatible"))
	}
}

func (c *Controller) onEstablished() {
	initial := bitrate.InitialBitrate(c.netType, c.dataSaving, c.peerDataSaving, c.cfgStore)
	c.brate = bitrate.NewPolicy(initial, c.cfgStore)
	if c.encoder != nil {
		c.encoder.SetBitrate(initial)
	}
	if c.allowP2P {
		c.requestPublicEndpoints()
	}
	c.notifyState(nil)
}

func (c *Controller) handlePing(payload []byte, e *endpoint.Endpoint) {
	seq, ok := decodePingSeq(payload)
	if !ok || e == nil {
		return
	}
	c.sendLegacy(e, wire.PktPong, encodePingSeq(seq), false)
}

func (c *Controller) handlePong(now float64, payload []byte, e *endpoint.Endpoint) {
	seq, ok := decodePingSeq(payload)
	if !ok || e == nil {
		return
	}
	e.OnPong(seq, now)
}

func (c *Controller) fail(err *CallError) {
	if c.failNotified {
		return
	}
	c.failNotified = true
	c.hs.Fail(clock.Now(), handshakeErrorCodeFor(err))
	c.notifyState(err)
}

func handshakeErrorCodeFor(err *CallError) handshake.ErrorCode {
	switch err.Sentinel {
	case ErrTimeout:
		return handshake.ErrTimeout
	case ErrIncompatible:
		return handshake.ErrIncompatible
	default:
		return handshake.ErrNone
	}
}

func (c *Controller) handleHandshakeFailure() {
	if c.failNotified {
		return
	}
	c.failNotified = true
	switch c.hs.Error() {
	case handshake.ErrTimeout:
		c.notifyState(newCallError(ErrTimeout, "handshake timed out"))
	case handshake.ErrIncompatible:
		c.notifyState(newCallError(ErrIncompatible, "incompatible protocol version"))
	default:
		c.notifyState(newCallError(ErrUnknown, "handshake failed"))
	}
}

func (c *Controller) notifyState(err error) {
	entry := c.log.WithField("state", c.hs.State().String())
	if err != nil {
		entry.WithError(err).Error("call failed")
	} else {
		entry.Info("call state changed")
	}
	if c.stateCB != nil {
		c.stateCB(c.hs.State(), err)
	}
}

// sendLoop is the send task: it owns nothing but the socket write, so the
// producer (HandleAudioInput) never blocks on network I/O.
func (c *Controller) sendLoop() {
	defer c.wg.Done()
	for {
		select {
		case <-c.stopCh:
			return
		case of, ok := <-c.sendCh:
			if !ok {
				return
			}
			if c.socket == nil || of.endpoint == nil {
				continue
			}
			if _, err := c.socket.WriteTo(of.frame, of.endpoint.Addr); err != nil {
				c.log.WithError(err).Warn("send failed")
				continue
			}
			c.mu.Lock()
			c.accountSent(len(of.frame))
			c.mu.Unlock()
		}
	}
}

// tickLoop is the control-plane task: it drives handshake retransmission,
// path-manager pinging/switching, the reliable retry queue, congestion
// control, and the adaptive bitrate policy, once every 100ms.
func (c *Controller) tickLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.onTick()
		}
	}
}

func (c *Controller) onTick() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.key == nil {
		return
	}
	now := clock.Now()

	if retransmit := c.hs.Tick(now); retransmit != nil {
		c.broadcastInit(retransmit)
	}
	if c.hs.State() == handshake.Failed {
		c.handleHandshakeFailure()
	}

	if c.paths != nil {
		if allTimedOut := c.paths.Tick(now, c.sendPing); allTimedOut && c.hs.State() == handshake.Established {
			c.fail(newCallError(ErrTimeout, "all relays timed out"))
		}
	}

	c.relq.Tick(now, c.sendReliable)
	c.relq.RemoveAcked(c.seq)

	c.cong.Tick(now)
	if c.hs.State() == handshake.Established {
		ceiling := bitrate.Ceiling(c.netType, c.dataSaving, c.peerDataSaving, c.cfgStore)
		c.brate.ApplyBandwidthAction(c.cong.GetBandwidthControlAction(), ceiling)
		if c.encoder != nil {
			c.encoder.SetBitrate(c.brate.Current())
		}
	}

	if c.dontSendPackets > 0 {
		c.dontSendPackets--
	}
	c.checkStall(now)

	if now-c.lastLossHintCheck >= 1.0 {
		c.lastLossHintCheck = now
		c.pushPacketLossHint()
	}

	c.pushDebugSnapshot(now)
}

func (c *Controller) pushPacketLossHint() {
	if c.encoder != nil {
		c.encoder.SetPacketLoss(c.brate.PacketLossHint())
	}
}

// checkStall mirrors the original's waiting_for_acks stall detector: on a
// data-starved mobile link with a sustained high RTT, data sending pauses
// until the in-flight pings are acknowledged (original_source/
// VoIPController.cpp's stalling-detection block).
func (c *Controller) checkStall(now float64) {
	if now-c.lastStallCheck < 0.5 {
		return
	}
	c.lastStallCheck = now

	rtt := c.seq.GetAverageRTT()
	copy(c.rttHistory[1:], c.rttHistory[:len(c.rttHistory)-1])
	c.rttHistory[0] = rtt

	if !c.waitingForAcks &&
		(c.netType == wire.NetTypeEdge || c.netType == wire.NetTypeGPRS) &&
		c.rttHistory[0] > 10 && c.rttHistory[8] > 10 {
		c.waitingForAcks = true
		c.firstSentPingSeq = c.lastAssignedSeq + 1
	}
}

func (c *Controller) pushDebugSnapshot(now float64) {
	entry := telemetry.DebugEntry{
		Time:            now,
		BandwidthAction: c.cong.GetBandwidthControlAction().String(),
		Bitrate:         c.brate.Current(),
		EndpointRTTs:    map[uint64]float64{},
	}
	if c.paths != nil {
		if cur := c.paths.Current(); cur != nil {
			entry.CurrentEndpoint = cur.ID
		}
		if pref := c.paths.PreferredRelay(); pref != nil {
			entry.PreferredRelay = pref.ID
		}
	}
	for _, e := range c.table.All() {
		entry.EndpointRTTs[e.ID] = e.AverageRTT()
	}
	c.debugLog.Push(entry)

	if c.metrics != nil {
		c.metrics.CurrentBitrate.Set(float64(c.brate.Current()))
		c.metrics.AverageRTT.Set(c.seq.GetAverageRTT())
	}
}
