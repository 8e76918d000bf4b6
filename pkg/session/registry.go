package session

import (
	"errors"
	"log/slog"
	"sort"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	appevents "github.com/rescp17/dropmesh/internal/app_events"
	"github.com/rescp17/dropmesh/pkg/concurrency"
	"github.com/rescp17/dropmesh/pkg/signaling"
	"github.com/rescp17/dropmesh/pkg/transfer"
	dmrtc "github.com/rescp17/dropmesh/pkg/webrtc"
)

var (
	ErrNoLocalID   = errors.New("local identity not assigned by relay yet")
	ErrUnknownPeer = errors.New("unknown peer")
	ErrDestroyed   = errors.New("session registry destroyed")
)

// Signaler is the relay side of the registry.
type Signaler interface {
	Send(msg *signaling.Message) bool
	ICEServers() []webrtc.ICEServer
}

type Options struct {
	Loop          *concurrency.Loop
	Signaler      Signaler
	Transport     dmrtc.Transport
	Transfer      transfer.Config
	ForceLoopback bool
	// AutoConnect starts a session to every peer this side should call.
	AutoConnect bool
	Logger      *slog.Logger
	// NewSessionID mints session ids; defaults to random UUIDs.
	NewSessionID func() string
}

// Broadcast reports what BroadcastFiles queued.
type Broadcast struct {
	Peers int
	Files int
}

type pendingCandidates struct {
	remoteID string
	messages []*signaling.Message
}

// Registry owns every session and routes relay messages to them. All
// methods must be called from the loop in Options.
type Registry struct {
	opts   Options
	logger *slog.Logger
	events *appevents.Queue

	self      signaling.Peer
	directory map[string]signaling.Peer
	// sessions holds every session by id, including superseded ones, so
	// late messages for them can be told apart from unknown ids.
	sessions map[string]*dmrtc.Peer
	current  map[string]*dmrtc.Peer
	pending  map[string]*pendingCandidates
	// rejected maps glare offers we ignored to their remote, so their
	// trickled candidates are dropped instead of buffered.
	rejected map[string]string

	destroyed bool
}

func NewRegistry(opts Options) *Registry {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.NewSessionID == nil {
		opts.NewSessionID = uuid.NewString
	}
	return &Registry{
		opts:      opts,
		logger:    opts.Logger.With("component", "registry"),
		events:    appevents.NewQueue(),
		directory: make(map[string]signaling.Peer),
		sessions:  make(map[string]*dmrtc.Peer),
		current:   make(map[string]*dmrtc.Peer),
		pending:   make(map[string]*pendingCandidates),
		rejected:  make(map[string]string),
	}
}

// ShouldInitiate is the glare tie-break: the side whose id sorts first
// sends the offer.
func ShouldInitiate(localID, remoteID string) bool {
	return localID < remoteID
}

// Events delivers notifications for the presentation layer.
func (r *Registry) Events() <-chan appevents.AppEvent {
	return r.events.C()
}

func (r *Registry) emit(ev appevents.AppEvent) {
	r.events.Push(ev)
}

// LocalID returns the relay-assigned id, empty before HELLO.
func (r *Registry) LocalID() string {
	return r.self.ID
}

// Peers returns the known identities ordered by id.
func (r *Registry) Peers() []signaling.Peer {
	out := make([]signaling.Peer, 0, len(r.directory))
	for _, p := range r.directory {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Session returns the session with the given id, including superseded ones.
func (r *Registry) Session(sessionID string) *dmrtc.Peer {
	return r.sessions[sessionID]
}

// Current returns the live session for a remote, if any.
func (r *Registry) Current(remoteID string) *dmrtc.Peer {
	if p := r.current[remoteID]; p != nil && !p.Destroyed() {
		return p
	}
	return nil
}

// StartSession returns the session for sessionID, or for remoteID when
// sessionID is empty, creating one if needed. The tie-break decides the
// role of a new session; a callee session waits for the remote's offer.
func (r *Registry) StartSession(remoteID, sessionID string) (*dmrtc.Peer, error) {
	if r.destroyed {
		return nil, ErrDestroyed
	}
	if sessionID != "" {
		if p := r.sessions[sessionID]; p != nil {
			return p, nil
		}
	} else if p := r.Current(remoteID); p != nil {
		return p, nil
	}
	if r.self.ID == "" {
		return nil, ErrNoLocalID
	}
	if remoteID == "" || remoteID == r.self.ID {
		return nil, ErrUnknownPeer
	}
	if sessionID == "" {
		sessionID = r.opts.NewSessionID()
	}

	role := dmrtc.RoleCallee
	if ShouldInitiate(r.self.ID, remoteID) {
		role = dmrtc.RoleCaller
	}
	p := r.newPeer(remoteID, sessionID, role)
	r.register(p)
	if err := p.Start(); err != nil {
		r.logger.Warn("Failed to start session", "peer", remoteID, "session", sessionID, "error", err)
		return p, err
	}
	return p, nil
}

func (r *Registry) newPeer(remoteID, sessionID string, role dmrtc.Role) *dmrtc.Peer {
	return dmrtc.NewPeer(dmrtc.PeerConfig{
		SessionID:     sessionID,
		RemoteID:      remoteID,
		Role:          role,
		Transport:     r.opts.Transport,
		Signaler:      r.opts.Signaler,
		ICEServers:    r.opts.Signaler.ICEServers(),
		Loop:          r.opts.Loop,
		Transfer:      r.opts.Transfer,
		ForceLoopback: r.opts.ForceLoopback,
		Logger:        r.opts.Logger,
		Hooks:         r.hooksFor(remoteID),
	})
}

func (r *Registry) hooksFor(remoteID string) dmrtc.PeerHooks {
	return dmrtc.PeerHooks{
		OnStateChange: func(p *dmrtc.Peer, state dmrtc.State) {
			r.emit(appevents.ConnectionStateChanged{RemoteID: remoteID, SessionID: p.SessionID(), State: string(state)})
		},
		OnICEStateChange: func(p *dmrtc.Peer, state string) {
			r.emit(appevents.ICEStateChanged{RemoteID: remoteID, SessionID: p.SessionID(), State: state})
		},
		Transfer: transfer.Hooks{
			OnFileReceived: func(blob *transfer.Blob) {
				r.emit(appevents.FileReceived{RemoteID: remoteID, Blob: blob})
			},
			OnReceiveProgress: func(header transfer.Header, progress float64) {
				r.emit(appevents.TransferProgress{RemoteID: remoteID, Name: header.Name, Direction: transfer.DirectionReceive, Progress: progress})
			},
			OnSendProgress: func(name string, progress float64) {
				r.emit(appevents.TransferProgress{RemoteID: remoteID, Name: name, Direction: transfer.DirectionSend, Progress: progress})
			},
			OnFileSent: func(name string) {
				r.emit(appevents.FileSent{RemoteID: remoteID, Name: name})
			},
			OnTransferFailed: func(name string, dir transfer.Direction, err error) {
				r.emit(appevents.TransferFailed{RemoteID: remoteID, Name: name, Direction: dir, Err: err})
			},
		},
	}
}

// register makes p the current session for its remote. A previous live
// session is destroyed and its unsent files move to p.
func (r *Registry) register(p *dmrtc.Peer) {
	remoteID := p.RemoteID()
	if old := r.current[remoteID]; old != nil && old != p && !old.Destroyed() {
		files := old.TakeQueued()
		r.logger.Info("Superseding session", "peer", remoteID, "old", old.SessionID(), "new", p.SessionID(), "files", len(files))
		old.Destroy()
		p.SendFiles(files...)
	}
	r.sessions[p.SessionID()] = p
	r.current[remoteID] = p
}

// HandleMessage dispatches one relay message.
func (r *Registry) HandleMessage(msg *signaling.Message) {
	if r.destroyed || msg == nil {
		return
	}
	switch msg.Type {
	case signaling.TypeHello:
		r.onHello(msg)
	case signaling.TypeJoin:
		r.onJoin(msg)
	case signaling.TypeUpdate:
		r.onUpdate(msg)
	case signaling.TypeLeft:
		r.onLeft(msg)
	case signaling.TypeOffer:
		r.onOffer(msg)
	case signaling.TypeAnswer:
		r.onAnswer(msg)
	case signaling.TypeCandidate:
		r.onCandidate(msg)
	case signaling.TypeError:
		r.logger.Warn("Relay reported an error", "code", msg.Code)
		r.emit(appevents.RelayError{Code: msg.Code})
	default:
		r.logger.Debug("Ignoring relay message", "type", msg.Type)
	}
}

func (r *Registry) onHello(msg *signaling.Message) {
	if msg.Client != nil {
		r.self = *msg.Client
		r.logger.Info("Registered with relay", "id", r.self.ID)
		r.emit(appevents.Registered{Self: r.self})
	}

	servers := r.opts.Signaler.ICEServers()
	for _, p := range r.sessions {
		if !p.Destroyed() && !p.HasConnection() {
			p.SetICEServers(servers)
		}
	}

	for _, peer := range msg.Peers {
		r.learn(peer)
	}
}

func (r *Registry) onJoin(msg *signaling.Message) {
	if msg.Peer == nil {
		return
	}
	r.learn(*msg.Peer)
}

// learn records an identity and connects to it when configured to.
func (r *Registry) learn(peer signaling.Peer) {
	if peer.ID == "" || peer.ID == r.self.ID {
		return
	}
	_, known := r.directory[peer.ID]
	r.directory[peer.ID] = peer
	if known {
		r.emit(appevents.PeerUpdated{Peer: peer})
	} else {
		r.emit(appevents.PeerJoined{Peer: peer})
	}

	if r.opts.AutoConnect && r.self.ID != "" && ShouldInitiate(r.self.ID, peer.ID) {
		if _, err := r.StartSession(peer.ID, ""); err != nil {
			r.logger.Warn("Auto-connect failed", "peer", peer.ID, "error", err)
		}
	}
}

func (r *Registry) onUpdate(msg *signaling.Message) {
	if msg.Peer == nil || msg.Peer.ID == "" {
		return
	}
	if msg.Peer.ID == r.self.ID {
		r.self = *msg.Peer
		return
	}
	r.directory[msg.Peer.ID] = *msg.Peer
	r.emit(appevents.PeerUpdated{Peer: *msg.Peer})
}

func (r *Registry) onLeft(msg *signaling.Message) {
	remoteID := msg.Sender()
	if remoteID == "" {
		return
	}
	r.RemoveByRemoteID(remoteID)
	delete(r.directory, remoteID)
	r.emit(appevents.PeerLeft{PeerID: remoteID})
}

func (r *Registry) onOffer(msg *signaling.Message) {
	remoteID, sessionID := msg.Sender(), msg.SessionID
	if remoteID == "" || sessionID == "" {
		r.logger.Warn("Dropping offer without peer or session", "peer", remoteID, "session", sessionID)
		return
	}

	if p := r.sessions[sessionID]; p != nil {
		if p.Destroyed() {
			r.logger.Debug("Dropping offer for stale session", "peer", remoteID, "session", sessionID)
			return
		}
		p.HandleOffer(msg.SDP)
		return
	}

	if cur := r.Current(remoteID); cur != nil && cur.Role() == dmrtc.RoleCaller && ShouldInitiate(r.self.ID, remoteID) {
		r.logger.Info("Ignoring glare offer, keeping ours", "peer", remoteID, "session", sessionID, "ours", cur.SessionID())
		delete(r.pending, sessionID)
		r.rejected[sessionID] = remoteID
		return
	}

	p := r.newPeer(remoteID, sessionID, dmrtc.RoleCallee)
	r.register(p)
	p.HandleOffer(msg.SDP)
	r.flushPending(p)
}

func (r *Registry) onAnswer(msg *signaling.Message) {
	p := r.routed(msg)
	if p == nil {
		return
	}
	if err := p.HandleAnswer(msg.SDP); err != nil {
		r.logger.Warn("Failed to handle answer", "peer", p.RemoteID(), "session", p.SessionID(), "error", err)
	}
}

func (r *Registry) onCandidate(msg *signaling.Message) {
	if msg.SessionID == "" {
		r.logger.Debug("Dropping candidate without session", "peer", msg.Sender())
		return
	}
	if _, ok := r.rejected[msg.SessionID]; ok {
		r.logger.Debug("Dropping candidate for ignored offer", "peer", msg.Sender(), "session", msg.SessionID)
		return
	}
	if r.sessions[msg.SessionID] == nil {
		buf := r.pending[msg.SessionID]
		if buf == nil {
			buf = &pendingCandidates{remoteID: msg.Sender()}
			r.pending[msg.SessionID] = buf
		}
		buf.messages = append(buf.messages, msg)
		return
	}
	if p := r.routed(msg); p != nil {
		deliverCandidate(p, msg)
	}
}

// routed returns the live session a session-scoped message belongs to,
// or nil after logging why it was dropped.
func (r *Registry) routed(msg *signaling.Message) *dmrtc.Peer {
	p := r.sessions[msg.SessionID]
	switch {
	case p == nil:
		r.logger.Debug("Dropping message for unknown session", "type", msg.Type, "session", msg.SessionID)
		return nil
	case p.Destroyed():
		r.logger.Debug("Dropping message for stale session", "type", msg.Type, "session", msg.SessionID)
		return nil
	case msg.Sender() != "" && msg.Sender() != p.RemoteID():
		r.logger.Warn("Dropping message from unexpected peer", "type", msg.Type, "session", msg.SessionID, "from", msg.Sender())
		return nil
	}
	return p
}

func deliverCandidate(p *dmrtc.Peer, msg *signaling.Message) {
	if msg.IsEndOfCandidates() {
		p.HandleCandidate(nil)
		return
	}
	init, err := msg.CandidateInit()
	if err != nil {
		return
	}
	p.HandleCandidate(&init)
}

func (r *Registry) flushPending(p *dmrtc.Peer) {
	buf := r.pending[p.SessionID()]
	if buf == nil {
		return
	}
	delete(r.pending, p.SessionID())
	for _, msg := range buf.messages {
		if msg.Sender() != "" && msg.Sender() != p.RemoteID() {
			continue
		}
		deliverCandidate(p, msg)
	}
}

// ReportSignalingError surfaces a relay socket or framing failure.
func (r *Registry) ReportSignalingError(err error) {
	if r.destroyed || err == nil {
		return
	}
	r.emit(appevents.SignalingError{Err: err})
}

// RemoveByRemoteID destroys every session with remoteID and drops its
// buffered candidates.
func (r *Registry) RemoveByRemoteID(remoteID string) {
	for id, p := range r.sessions {
		if p.RemoteID() == remoteID {
			p.Destroy()
			delete(r.sessions, id)
		}
	}
	delete(r.current, remoteID)
	for id, buf := range r.pending {
		if buf.remoteID == remoteID {
			delete(r.pending, id)
		}
	}
	for id, owner := range r.rejected {
		if owner == remoteID {
			delete(r.rejected, id)
		}
	}
}

// ConnectedSessions returns live, connected sessions ordered by remote id.
func (r *Registry) ConnectedSessions() []*dmrtc.Peer {
	var out []*dmrtc.Peer
	for _, p := range r.current {
		if p.Connected() {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RemoteID() < out[j].RemoteID() })
	return out
}

// BroadcastFiles queues files on every connected session.
func (r *Registry) BroadcastFiles(files ...*transfer.File) Broadcast {
	sessions := r.ConnectedSessions()
	if len(sessions) == 0 || len(files) == 0 {
		return Broadcast{}
	}
	for _, p := range sessions {
		p.SendFiles(files...)
	}
	return Broadcast{Peers: len(sessions), Files: len(files)}
}

// SendFiles queues files for one remote, starting a session if needed.
func (r *Registry) SendFiles(remoteID string, files ...*transfer.File) (*dmrtc.Peer, error) {
	if _, known := r.directory[remoteID]; !known && r.Current(remoteID) == nil {
		return nil, ErrUnknownPeer
	}
	p, err := r.StartSession(remoteID, "")
	if p == nil {
		return nil, err
	}
	p.SendFiles(files...)
	return p, err
}

// Destroy tears down every session. The event channel closes afterwards.
func (r *Registry) Destroy() {
	if r.destroyed {
		return
	}
	r.destroyed = true
	for _, p := range r.sessions {
		p.Destroy()
	}
	r.sessions = make(map[string]*dmrtc.Peer)
	r.current = make(map[string]*dmrtc.Peer)
	r.pending = make(map[string]*pendingCandidates)
	r.rejected = make(map[string]string)
	r.events.Close()
}
