package webrtc

import (
	"errors"
	"fmt"

	"github.com/pion/ice/v4"
	"github.com/pion/webrtc/v4"
)

const (
	MTU uint = 1400

	// DataChannelLabel names the single ordered channel a caller opens.
	DataChannelLabel = "dropmesh"
)

var ErrNoConnection = errors.New("peer connection not created")

// PeerConnection is the subset of a WebRTC peer connection a session
// drives. The pion implementation is returned by WebRTCAPI; tests use fakes.
type PeerConnection interface {
	OnICECandidate(f func(*webrtc.ICECandidate))
	OnICEGatheringStateChange(f func(webrtc.ICEGatheringState))
	OnConnectionStateChange(f func(webrtc.PeerConnectionState))
	OnICEConnectionStateChange(f func(webrtc.ICEConnectionState))
	OnDataChannel(f func(DataChannel))
	CreateDataChannel(label string, options *webrtc.DataChannelInit) (DataChannel, error)
	CreateOffer(options *webrtc.OfferOptions) (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	SetRemoteDescription(desc webrtc.SessionDescription) error
	AddICECandidate(candidate webrtc.ICECandidateInit) error
	SignalingState() webrtc.SignalingState
	SelectedCandidatePair() (*webrtc.ICECandidatePair, error)
	Close() error
}

// DataChannel is the subset of a WebRTC data channel the transfer engine uses.
type DataChannel interface {
	Label() string
	ReadyState() webrtc.DataChannelState
	OnOpen(f func())
	OnClose(f func())
	OnMessage(f func(webrtc.DataChannelMessage))
	OnError(f func(error))
	Send(data []byte) error
	SendText(text string) error
	Close() error
}

// Transport creates peer connections.
type Transport interface {
	NewPeerConnection(servers []webrtc.ICEServer) (PeerConnection, error)
}

// APIOptions tunes the shared pion setting engine.
type APIOptions struct {
	// ForceLoopback gathers loopback candidates for same-host testing.
	ForceLoopback bool
	// DisableMDNS exposes raw host addresses instead of .local names.
	DisableMDNS bool
}

type WebRTCAPI struct {
	api *webrtc.API
}

func NewWebRTCAPI(opts APIOptions) *WebRTCAPI {
	settings := webrtc.SettingEngine{}
	if opts.DisableMDNS {
		settings.SetICEMulticastDNSMode(ice.MulticastDNSModeDisabled)
	} else {
		settings.SetICEMulticastDNSMode(ice.MulticastDNSModeQueryAndGather)
	}
	settings.SetReceiveMTU(MTU)
	if opts.ForceLoopback {
		settings.SetIncludeLoopbackCandidate(true)
	}

	// Using NewAPI is crucial for managing multiple PeerConnections in one application.
	return &WebRTCAPI{api: webrtc.NewAPI(webrtc.WithSettingEngine(settings))}
}

// NewPeerConnection creates a pion peer connection using servers as-is; an
// empty list gathers host candidates only.
func (a *WebRTCAPI) NewPeerConnection(servers []webrtc.ICEServer) (PeerConnection, error) {
	pc, err := a.api.NewPeerConnection(webrtc.Configuration{ICEServers: servers})
	if err != nil {
		return nil, fmt.Errorf("creating peer connection: %w", err)
	}
	return &pionPeerConnection{pc: pc}, nil
}

type pionPeerConnection struct {
	pc *webrtc.PeerConnection
}

func (c *pionPeerConnection) OnICECandidate(f func(*webrtc.ICECandidate)) {
	c.pc.OnICECandidate(f)
}

func (c *pionPeerConnection) OnICEGatheringStateChange(f func(webrtc.ICEGatheringState)) {
	c.pc.OnICEGatheringStateChange(f)
}

func (c *pionPeerConnection) OnConnectionStateChange(f func(webrtc.PeerConnectionState)) {
	c.pc.OnConnectionStateChange(f)
}

func (c *pionPeerConnection) OnICEConnectionStateChange(f func(webrtc.ICEConnectionState)) {
	c.pc.OnICEConnectionStateChange(f)
}

func (c *pionPeerConnection) OnDataChannel(f func(DataChannel)) {
	c.pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		f(dc)
	})
}

func (c *pionPeerConnection) CreateDataChannel(label string, options *webrtc.DataChannelInit) (DataChannel, error) {
	dc, err := c.pc.CreateDataChannel(label, options)
	if err != nil {
		return nil, err
	}
	return dc, nil
}

func (c *pionPeerConnection) CreateOffer(options *webrtc.OfferOptions) (webrtc.SessionDescription, error) {
	return c.pc.CreateOffer(options)
}

func (c *pionPeerConnection) CreateAnswer() (webrtc.SessionDescription, error) {
	return c.pc.CreateAnswer(nil)
}

func (c *pionPeerConnection) SetLocalDescription(desc webrtc.SessionDescription) error {
	return c.pc.SetLocalDescription(desc)
}

func (c *pionPeerConnection) SetRemoteDescription(desc webrtc.SessionDescription) error {
	return c.pc.SetRemoteDescription(desc)
}

func (c *pionPeerConnection) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	return c.pc.AddICECandidate(candidate)
}

func (c *pionPeerConnection) SignalingState() webrtc.SignalingState {
	return c.pc.SignalingState()
}

func (c *pionPeerConnection) SelectedCandidatePair() (*webrtc.ICECandidatePair, error) {
	sctp := c.pc.SCTP()
	if sctp == nil || sctp.Transport() == nil {
		return nil, ErrNoConnection
	}
	return sctp.Transport().ICETransport().GetSelectedCandidatePair()
}

// Close gracefully shuts down the WebRTC connection.
func (c *pionPeerConnection) Close() error {
	return c.pc.Close()
}

var (
	_ Transport   = (*WebRTCAPI)(nil)
	_ DataChannel = (*webrtc.DataChannel)(nil)
)
