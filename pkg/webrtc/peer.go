package webrtc

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/pion/webrtc/v4"
	"github.com/rescp17/dropmesh/pkg/concurrency"
	"github.com/rescp17/dropmesh/pkg/signaling"
	"github.com/rescp17/dropmesh/pkg/transfer"
)

// Role is fixed when a session is created.
type Role int

const (
	// RoleCaller opens the data channel and sends the first offer.
	RoleCaller Role = iota
	// RoleCallee waits for an inbound offer.
	RoleCallee
)

func (r Role) String() string {
	if r == RoleCaller {
		return "caller"
	}
	return "callee"
}

// State is the aggregate connection state of a session.
type State string

const (
	StateIdle         State = "idle"
	StateNegotiating  State = "negotiating"
	StateConnected    State = "connected"
	StateDisconnected State = "disconnected"
	StateFailed       State = "failed"
	StateClosed       State = "closed"
)

// ICE sub-state reported after Destroy.
const ICEStateClosed = "closed"

// Signaler carries session messages to the remote through the relay.
type Signaler interface {
	Send(msg *signaling.Message) bool
}

// PeerHooks are the session's outbound notifications. Nil hooks are skipped.
type PeerHooks struct {
	OnStateChange    func(p *Peer, state State)
	OnICEStateChange func(p *Peer, state string)
	Transfer         transfer.Hooks
}

type PeerConfig struct {
	SessionID     string
	RemoteID      string
	Role          Role
	Transport     Transport
	Signaler      Signaler
	ICEServers    []webrtc.ICEServer
	Loop          *concurrency.Loop
	Transfer      transfer.Config
	ForceLoopback bool
	Logger        *slog.Logger
	Hooks         PeerHooks
}

// Peer is one negotiation attempt with one remote identity. Every method
// must be called from the owning loop; transport callbacks and slow
// negotiation steps post their results back onto it.
type Peer struct {
	sessionID     string
	remoteID      string
	role          Role
	transport     Transport
	signaler      Signaler
	iceServers    []webrtc.ICEServer
	loop          *concurrency.Loop
	forceLoopback bool
	logger        *slog.Logger
	hooks         PeerHooks

	pc       PeerConnection
	dc       DataChannel
	engine   *transfer.Engine
	state    State
	iceState string

	remoteDescriptionSet bool
	negotiating          bool
	// pendingCandidates keeps arrival order; an empty Candidate is the
	// end-of-candidates marker.
	pendingCandidates    []webrtc.ICECandidateInit
	iceRestarts          int
	stats                CandidateStats

	destroyed bool
}

func NewPeer(cfg PeerConfig) *Peer {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("session", cfg.SessionID, "peer", cfg.RemoteID, "role", cfg.Role.String())
	p := &Peer{
		sessionID:     cfg.SessionID,
		remoteID:      cfg.RemoteID,
		role:          cfg.Role,
		transport:     cfg.Transport,
		signaler:      cfg.Signaler,
		iceServers:    cfg.ICEServers,
		loop:          cfg.Loop,
		forceLoopback: cfg.ForceLoopback,
		logger:        logger,
		hooks:         cfg.Hooks,
		state:         StateIdle,
		iceState:      webrtc.ICEConnectionStateNew.String(),
		stats:         newCandidateStats(),
	}
	p.engine = transfer.NewEngine(cfg.Transfer, cfg.Hooks.Transfer, logger)
	return p
}

func (p *Peer) SessionID() string { return p.sessionID }
func (p *Peer) RemoteID() string  { return p.remoteID }
func (p *Peer) Role() Role        { return p.role }
func (p *Peer) State() State      { return p.state }
func (p *Peer) ICEState() string  { return p.iceState }
func (p *Peer) Destroyed() bool   { return p.destroyed }

// Connected reports whether the transport is up.
func (p *Peer) Connected() bool {
	return !p.destroyed && p.state == StateConnected
}

// HasConnection reports whether the transport has been created.
func (p *Peer) HasConnection() bool {
	return p.pc != nil
}

// SetICEServers replaces the servers used when the transport is created.
// It has no effect once the transport exists.
func (p *Peer) SetICEServers(servers []webrtc.ICEServer) {
	if p.pc != nil {
		return
	}
	p.iceServers = servers
}

// ICEServers returns the servers the transport is (or will be) created with.
func (p *Peer) ICEServers() []webrtc.ICEServer {
	return p.iceServers
}

// CandidateStats returns a copy of the per-direction candidate tallies.
func (p *Peer) CandidateStats() CandidateStats {
	return p.stats.clone()
}

// Busy reports whether a file is being sent.
func (p *Peer) Busy() bool {
	return p.engine.Busy()
}

// SendFiles queues files for sending once the data channel is open.
func (p *Peer) SendFiles(files ...*transfer.File) {
	p.engine.SendFiles(files...)
}

// TakeQueued removes every unconfirmed outgoing file.
func (p *Peer) TakeQueued() []*transfer.File {
	return p.engine.TakeQueued()
}

// Start begins negotiation for a caller. Callees wait for HandleOffer.
func (p *Peer) Start() error {
	if p.destroyed || p.role != RoleCaller {
		return nil
	}
	if err := p.createConnection(); err != nil {
		return err
	}
	p.createOffer(false)
	return nil
}

func (p *Peer) setState(state State) {
	if p.state == state {
		return
	}
	p.state = state
	p.logger.Info("Connection state changed", "state", state)
	if p.hooks.OnStateChange != nil {
		p.hooks.OnStateChange(p, state)
	}
}

// post runs f on the loop unless the session was destroyed or its
// transport replaced in the meantime.
func (p *Peer) post(pc PeerConnection, f func()) {
	p.loop.Post(func() {
		if p.destroyed || p.pc != pc {
			return
		}
		f()
	})
}

// async runs a slow transport step off the loop and delivers its result
// back onto it.
func (p *Peer) async(pc PeerConnection, step func() error, done func(err error)) {
	go func() {
		err := step()
		p.post(pc, func() { done(err) })
	}()
}

func (p *Peer) createConnection() error {
	if p.pc != nil {
		return nil
	}
	if p.transport == nil {
		return ErrNoConnection
	}
	pc, err := p.transport.NewPeerConnection(p.iceServers)
	if err != nil {
		p.logger.Error("Failed to create peer connection", "error", err)
		return err
	}
	p.pc = pc
	p.setState(StateNegotiating)

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		var init *webrtc.ICECandidateInit
		if c != nil {
			candidate := c.ToJSON()
			init = &candidate
		}
		p.post(pc, func() { p.onLocalCandidate(init) })
	})
	pc.OnICEGatheringStateChange(func(state webrtc.ICEGatheringState) {
		p.logger.Debug("ICE gathering state changed", "state", state.String())
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		p.post(pc, func() { p.onConnectionState(state) })
	})
	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		p.post(pc, func() { p.onICEState(state) })
	})
	pc.OnDataChannel(func(dc DataChannel) {
		p.post(pc, func() { p.onRemoteDataChannel(dc) })
	})

	if p.role == RoleCaller {
		ordered := true
		dc, err := pc.CreateDataChannel(DataChannelLabel, &webrtc.DataChannelInit{Ordered: &ordered})
		if err != nil {
			p.logger.Error("Failed to create data channel", "error", err)
			return fmt.Errorf("creating data channel: %w", err)
		}
		p.attachChannel(dc)
	}
	return nil
}

func (p *Peer) onLocalCandidate(init *webrtc.ICECandidateInit) {
	if init != nil {
		if p.forceLoopback {
			if rewritten, ok := RewriteMDNSToLoopback(init.Candidate); ok {
				init.Candidate = rewritten
			}
		}
		typ, _, err := ParseCandidate(init.Candidate)
		if err != nil {
			p.logger.Debug("Unclassified local candidate", "error", err)
		}
		p.stats.Local[typ]++
	}
	msg, err := signaling.NewCandidate(p.sessionID, p.remoteID, init)
	if err != nil {
		p.logger.Warn("Failed to encode local candidate", "error", err)
		return
	}
	if !p.signaler.Send(msg) {
		p.logger.Debug("Relay closed, local candidate not sent")
	}
}

func (p *Peer) onConnectionState(state webrtc.PeerConnectionState) {
	switch state {
	case webrtc.PeerConnectionStateConnecting, webrtc.PeerConnectionStateNew:
		p.setState(StateNegotiating)
	case webrtc.PeerConnectionStateConnected:
		p.setState(StateConnected)
		p.logSelectedPair()
	case webrtc.PeerConnectionStateDisconnected:
		p.setState(StateDisconnected)
	case webrtc.PeerConnectionStateFailed:
		p.setState(StateFailed)
	case webrtc.PeerConnectionStateClosed:
		p.setState(StateClosed)
	}
}

func (p *Peer) logSelectedPair() {
	pair, err := p.pc.SelectedCandidatePair()
	if err != nil || pair == nil {
		p.logger.Debug("Selected candidate pair unavailable", "error", err)
		return
	}
	p.logger.Info("Selected candidate pair",
		"local", fmt.Sprintf("%s %s:%d", pair.Local.Typ, pair.Local.Address, pair.Local.Port),
		"remote", fmt.Sprintf("%s %s:%d", pair.Remote.Typ, pair.Remote.Address, pair.Remote.Port),
	)
}

func (p *Peer) onICEState(state webrtc.ICEConnectionState) {
	p.iceState = state.String()
	p.logger.Info("ICE state change", "state", p.iceState)
	if p.hooks.OnICEStateChange != nil {
		p.hooks.OnICEStateChange(p, p.iceState)
	}
	if state == webrtc.ICEConnectionStateFailed {
		p.maybeRestartICE()
	}
}

// maybeRestartICE issues at most one restart, from the caller, and only
// when no negotiation is in flight.
func (p *Peer) maybeRestartICE() {
	switch {
	case p.role != RoleCaller:
		p.logger.Debug("ICE failed, waiting for the caller to restart")
	case p.iceRestarts > 0:
		p.logger.Warn("ICE failed again, restart budget spent")
	case p.negotiating || p.pc.SignalingState() != webrtc.SignalingStateStable:
		p.logger.Warn("ICE failed mid-negotiation, not restarting")
	default:
		p.iceRestarts++
		p.logger.Info("Restarting ICE")
		p.createOffer(true)
	}
}

func (p *Peer) onRemoteDataChannel(dc DataChannel) {
	if p.dc != nil {
		p.logger.Warn("Ignoring extra data channel", "label", dc.Label())
		return
	}
	p.logger.Info("Remote opened data channel", "label", dc.Label())
	p.attachChannel(dc)
}

func (p *Peer) attachChannel(dc DataChannel) {
	p.dc = dc
	pc := p.pc
	guard := func(f func()) {
		p.post(pc, func() {
			if p.dc == dc {
				f()
			}
		})
	}
	channel := dataChannel{dc}
	dc.OnOpen(func() {
		guard(func() {
			p.logger.Info("Data channel open", "label", dc.Label())
			p.engine.Attach(channel)
		})
	})
	dc.OnClose(func() {
		guard(func() {
			p.logger.Info("Data channel closed", "label", dc.Label())
			p.engine.Detach()
		})
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		guard(func() { p.engine.HandleFrame(msg.IsString, msg.Data) })
	})
	dc.OnError(func(err error) {
		p.logger.Warn("Data channel error", "error", err)
	})
	if dc.ReadyState() == webrtc.DataChannelStateOpen {
		p.engine.Attach(channel)
	}
}

func (p *Peer) createOffer(iceRestart bool) {
	pc := p.pc
	p.negotiating = true
	var offer webrtc.SessionDescription
	p.async(pc, func() error {
		var err error
		offer, err = pc.CreateOffer(&webrtc.OfferOptions{ICERestart: iceRestart})
		if err != nil {
			return fmt.Errorf("creating offer: %w", err)
		}
		if err := pc.SetLocalDescription(offer); err != nil {
			return fmt.Errorf("setting local offer: %w", err)
		}
		return nil
	}, func(err error) {
		p.negotiating = false
		if err != nil {
			p.negotiationFailed(err)
			return
		}
		if !p.signaler.Send(signaling.NewOffer(p.sessionID, p.remoteID, offer.SDP)) {
			p.logger.Warn("Relay closed, offer not sent")
		}
		p.flushCandidates()
	})
}

// HandleOffer applies a remote offer and replies with an answer.
func (p *Peer) HandleOffer(sdp string) {
	if p.destroyed {
		return
	}
	if err := p.createConnection(); err != nil {
		p.logger.Warn("Cannot answer offer", "error", err)
		return
	}
	pc := p.pc
	p.negotiating = true
	desc := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp}
	p.async(pc, func() error {
		if err := pc.SetRemoteDescription(desc); err != nil {
			return fmt.Errorf("applying remote offer: %w", err)
		}
		return nil
	}, func(err error) {
		if err != nil {
			p.negotiating = false
			p.negotiationFailed(err)
			return
		}
		p.remoteDescriptionSet = true
		p.applyBuffered()
		p.answer(pc)
	})
}

func (p *Peer) answer(pc PeerConnection) {
	var answer webrtc.SessionDescription
	p.async(pc, func() error {
		var err error
		answer, err = pc.CreateAnswer()
		if err != nil {
			return fmt.Errorf("creating answer: %w", err)
		}
		if err := pc.SetLocalDescription(answer); err != nil {
			return fmt.Errorf("setting local answer: %w", err)
		}
		return nil
	}, func(err error) {
		p.negotiating = false
		if err != nil {
			p.negotiationFailed(err)
			return
		}
		if !p.signaler.Send(signaling.NewAnswer(p.sessionID, p.remoteID, answer.SDP)) {
			p.logger.Warn("Relay closed, answer not sent")
		}
		p.flushCandidates()
	})
}

// HandleAnswer applies the remote answer to our offer.
func (p *Peer) HandleAnswer(sdp string) error {
	if p.destroyed {
		return nil
	}
	if p.pc == nil {
		return ErrNoConnection
	}
	pc := p.pc
	p.negotiating = true
	desc := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp}
	p.async(pc, func() error {
		if err := pc.SetRemoteDescription(desc); err != nil {
			return fmt.Errorf("applying remote answer: %w", err)
		}
		return nil
	}, func(err error) {
		p.negotiating = false
		if err != nil {
			p.negotiationFailed(err)
			return
		}
		p.remoteDescriptionSet = true
		p.flushCandidates()
	})
	return nil
}

func (p *Peer) negotiationFailed(err error) {
	p.logger.Warn("Negotiation step failed", "error", err)
	p.flushCandidates()
}

// HandleCandidate applies or buffers a remote candidate. A nil candidate is
// the end-of-candidates marker.
func (p *Peer) HandleCandidate(candidate *webrtc.ICECandidateInit) {
	if p.destroyed {
		return
	}
	if candidate == nil {
		p.pendingCandidates = append(p.pendingCandidates, webrtc.ICECandidateInit{})
		p.flushCandidates()
		return
	}
	if strings.TrimSpace(candidate.Candidate) == "" {
		p.logger.Debug("Ignoring empty candidate")
		return
	}
	init := *candidate
	if p.forceLoopback {
		if rewritten, ok := RewriteMDNSToLoopback(init.Candidate); ok {
			init.Candidate = rewritten
		}
	}
	typ, _, err := ParseCandidate(init.Candidate)
	if err != nil {
		p.logger.Debug("Ignoring unparseable candidate", "candidate", init.Candidate, "error", err)
		return
	}
	p.stats.Remote[typ]++
	p.pendingCandidates = append(p.pendingCandidates, init)
	p.flushCandidates()
}

func (p *Peer) canApplyCandidates() bool {
	return p.pc != nil && p.remoteDescriptionSet && !p.negotiating
}

// flushCandidates applies buffered candidates and end markers in arrival
// order once the remote description is in place and no step is in flight.
func (p *Peer) flushCandidates() {
	if !p.canApplyCandidates() {
		return
	}
	p.applyBuffered()
}

func (p *Peer) applyBuffered() {
	pending := p.pendingCandidates
	p.pendingCandidates = nil
	for _, c := range pending {
		if err := p.pc.AddICECandidate(c); err != nil {
			p.logger.Warn("Failed to add remote candidate", "candidate", c.Candidate, "error", err)
		}
	}
}

// Destroy tears the session down. It is safe to call in any state.
func (p *Peer) Destroy() {
	if p.destroyed {
		return
	}
	p.destroyed = true
	p.engine.Destroy()

	if dc := p.dc; dc != nil {
		dc.OnOpen(func() {})
		dc.OnClose(func() {})
		dc.OnMessage(func(webrtc.DataChannelMessage) {})
		dc.OnError(func(error) {})
		if err := dc.Close(); err != nil {
			p.logger.Debug("Closing data channel", "error", err)
		}
	}
	if pc := p.pc; pc != nil {
		pc.OnICECandidate(func(*webrtc.ICECandidate) {})
		pc.OnICEGatheringStateChange(func(webrtc.ICEGatheringState) {})
		pc.OnConnectionStateChange(func(webrtc.PeerConnectionState) {})
		pc.OnICEConnectionStateChange(func(webrtc.ICEConnectionState) {})
		pc.OnDataChannel(func(DataChannel) {})
		logger := p.logger
		go func() {
			if err := pc.Close(); err != nil {
				logger.Debug("Closing peer connection", "error", err)
			}
		}()
	}
	p.dc = nil
	p.pc = nil
	p.pendingCandidates = nil
	p.negotiating = false

	p.state = StateClosed
	p.iceState = ICEStateClosed
	p.logger.Info("Session destroyed")
	if p.hooks.OnStateChange != nil {
		p.hooks.OnStateChange(p, StateClosed)
	}
	if p.hooks.OnICEStateChange != nil {
		p.hooks.OnICEStateChange(p, ICEStateClosed)
	}
}

// dataChannel adapts a DataChannel to the transfer engine.
type dataChannel struct {
	dc DataChannel
}

func (c dataChannel) SendText(text string) error { return c.dc.SendText(text) }
func (c dataChannel) Send(data []byte) error     { return c.dc.Send(data) }
func (c dataChannel) IsOpen() bool               { return c.dc.ReadyState() == webrtc.DataChannelStateOpen }
