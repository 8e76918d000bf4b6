// Package webrtctest provides in-memory fakes of the transport interfaces.
package webrtctest

import (
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rescp17/dropmesh/pkg/signaling"
	dmrtc "github.com/rescp17/dropmesh/pkg/webrtc"
)

type FakeDataChannel struct {
	mu        sync.Mutex
	label     string
	state     webrtc.DataChannelState
	onOpen    func()
	onClose   func()
	onMessage func(webrtc.DataChannelMessage)
	onError   func(error)
	texts     []string
	binary    int
	closed    bool
}

func NewFakeDataChannel(label string) *FakeDataChannel {
	return &FakeDataChannel{label: label, state: webrtc.DataChannelStateConnecting}
}

func (d *FakeDataChannel) Label() string { return d.label }

func (d *FakeDataChannel) ReadyState() webrtc.DataChannelState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

func (d *FakeDataChannel) OnOpen(f func())                             { d.mu.Lock(); d.onOpen = f; d.mu.Unlock() }
func (d *FakeDataChannel) OnClose(f func())                            { d.mu.Lock(); d.onClose = f; d.mu.Unlock() }
func (d *FakeDataChannel) OnMessage(f func(webrtc.DataChannelMessage)) { d.mu.Lock(); d.onMessage = f; d.mu.Unlock() }
func (d *FakeDataChannel) OnError(f func(error))                       { d.mu.Lock(); d.onError = f; d.mu.Unlock() }

func (d *FakeDataChannel) Send(data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state != webrtc.DataChannelStateOpen {
		return errors.New("channel not open")
	}
	d.binary += len(data)
	return nil
}

func (d *FakeDataChannel) SendText(text string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state != webrtc.DataChannelStateOpen {
		return errors.New("channel not open")
	}
	d.texts = append(d.texts, text)
	return nil
}

func (d *FakeDataChannel) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	d.state = webrtc.DataChannelStateClosed
	return nil
}

// Open marks the channel open and fires the registered open handler.
func (d *FakeDataChannel) Open() {
	d.mu.Lock()
	d.state = webrtc.DataChannelStateOpen
	f := d.onOpen
	d.mu.Unlock()
	if f != nil {
		f()
	}
}

func (d *FakeDataChannel) Texts() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.texts...)
}

func (d *FakeDataChannel) Closed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

type FakePeerConnection struct {
	mu             sync.Mutex
	Servers        []webrtc.ICEServer
	onCandidate    func(*webrtc.ICECandidate)
	onConnState    func(webrtc.PeerConnectionState)
	onICEState     func(webrtc.ICEConnectionState)
	onDataChannel  func(dmrtc.DataChannel)
	channels       []*FakeDataChannel
	offers         []bool
	local          []webrtc.SessionDescription
	remote         []webrtc.SessionDescription
	added          []webrtc.ICECandidateInit
	signalingState webrtc.SignalingState
	RemoteGate     chan struct{}
	remoteErr      error
	closed         bool
}

func (c *FakePeerConnection) OnICECandidate(f func(*webrtc.ICECandidate)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onCandidate = f
}

func (c *FakePeerConnection) OnICEGatheringStateChange(func(webrtc.ICEGatheringState)) {}

func (c *FakePeerConnection) OnConnectionStateChange(f func(webrtc.PeerConnectionState)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onConnState = f
}

func (c *FakePeerConnection) OnICEConnectionStateChange(f func(webrtc.ICEConnectionState)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onICEState = f
}

func (c *FakePeerConnection) OnDataChannel(f func(dmrtc.DataChannel)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onDataChannel = f
}

func (c *FakePeerConnection) CreateDataChannel(label string, _ *webrtc.DataChannelInit) (dmrtc.DataChannel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	dc := NewFakeDataChannel(label)
	c.channels = append(c.channels, dc)
	return dc, nil
}

func (c *FakePeerConnection) CreateOffer(options *webrtc.OfferOptions) (webrtc.SessionDescription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	restart := options != nil && options.ICERestart
	c.offers = append(c.offers, restart)
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: fmt.Sprintf("offer-%d", len(c.offers))}, nil
}

func (c *FakePeerConnection) CreateAnswer() (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "answer"}, nil
}

func (c *FakePeerConnection) SetLocalDescription(desc webrtc.SessionDescription) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.local = append(c.local, desc)
	if desc.Type == webrtc.SDPTypeOffer {
		c.signalingState = webrtc.SignalingStateHaveLocalOffer
	} else {
		c.signalingState = webrtc.SignalingStateStable
	}
	return nil
}

func (c *FakePeerConnection) SetRemoteDescription(desc webrtc.SessionDescription) error {
	c.mu.Lock()
	gate := c.RemoteGate
	c.mu.Unlock()
	if gate != nil {
		<-gate
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.remoteErr != nil {
		return c.remoteErr
	}
	c.remote = append(c.remote, desc)
	if desc.Type == webrtc.SDPTypeOffer {
		c.signalingState = webrtc.SignalingStateHaveRemoteOffer
	} else {
		c.signalingState = webrtc.SignalingStateStable
	}
	return nil
}

func (c *FakePeerConnection) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.added = append(c.added, candidate)
	return nil
}

func (c *FakePeerConnection) SignalingState() webrtc.SignalingState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.signalingState
}

func (c *FakePeerConnection) SelectedCandidatePair() (*webrtc.ICECandidatePair, error) {
	return nil, dmrtc.ErrNoConnection
}

func (c *FakePeerConnection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *FakePeerConnection) Added() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.added))
	for _, a := range c.added {
		out = append(out, a.Candidate)
	}
	return out
}

func (c *FakePeerConnection) Offers() []bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]bool(nil), c.offers...)
}

func (c *FakePeerConnection) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *FakePeerConnection) Channel(i int) *FakeDataChannel {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.channels[i]
}

func (c *FakePeerConnection) FireCandidate(candidate *webrtc.ICECandidate) {
	c.mu.Lock()
	f := c.onCandidate
	c.mu.Unlock()
	f(candidate)
}

func (c *FakePeerConnection) FireConnectionState(state webrtc.PeerConnectionState) {
	c.mu.Lock()
	f := c.onConnState
	c.mu.Unlock()
	f(state)
}

func (c *FakePeerConnection) FireICEState(state webrtc.ICEConnectionState) {
	c.mu.Lock()
	f := c.onICEState
	c.mu.Unlock()
	f(state)
}

func (c *FakePeerConnection) FireDataChannel(dc dmrtc.DataChannel) {
	c.mu.Lock()
	f := c.onDataChannel
	c.mu.Unlock()
	f(dc)
}

// FakeTransport records every connection it creates. A non-nil RemoteGate
// makes SetRemoteDescription block until the gate is closed.
type FakeTransport struct {
	mu         sync.Mutex
	conns      []*FakePeerConnection
	RemoteGate chan struct{}
}

func (t *FakeTransport) NewPeerConnection(servers []webrtc.ICEServer) (dmrtc.PeerConnection, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	pc := &FakePeerConnection{
		Servers:        servers,
		signalingState: webrtc.SignalingStateStable,
		RemoteGate:     t.RemoteGate,
	}
	t.conns = append(t.conns, pc)
	return pc, nil
}

func (t *FakeTransport) Conn(i int) *FakePeerConnection {
	t.mu.Lock()
	defer t.mu.Unlock()
	if i >= len(t.conns) {
		return nil
	}
	return t.conns[i]
}

func (t *FakeTransport) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.conns)
}

type FakeSignaler struct {
	mu   sync.Mutex
	msgs []*signaling.Message
}

func (s *FakeSignaler) Send(msg *signaling.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, msg)
	return true
}

func (s *FakeSignaler) OfType(t signaling.MessageType) []*signaling.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*signaling.Message
	for _, m := range s.msgs {
		if m.Type == t {
			out = append(out, m)
		}
	}
	return out
}

func (c *FakePeerConnection) SetSignalingState(state webrtc.SignalingState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.signalingState = state
}

func (c *FakePeerConnection) SetRemoteErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.remoteErr = err
}

func (c *FakePeerConnection) Remote() []webrtc.SessionDescription {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]webrtc.SessionDescription(nil), c.remote...)
}

func (c *FakePeerConnection) Local() []webrtc.SessionDescription {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]webrtc.SessionDescription(nil), c.local...)
}

func (c *FakePeerConnection) Channels() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.channels)
}

func (s *FakeSignaler) All() []*signaling.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*signaling.Message(nil), s.msgs...)
}

var (
	_ dmrtc.Transport      = (*FakeTransport)(nil)
	_ dmrtc.PeerConnection = (*FakePeerConnection)(nil)
	_ dmrtc.DataChannel    = (*FakeDataChannel)(nil)
	_ dmrtc.Signaler       = (*FakeSignaler)(nil)
)

// FireMessage delivers msg to the registered message handler.
func (d *FakeDataChannel) FireMessage(msg webrtc.DataChannelMessage) {
	d.mu.Lock()
	f := d.onMessage
	d.mu.Unlock()
	if f != nil {
		f(msg)
	}
}
