package sender

import (
	"context"
	"errors"
	"log/slog"
	"sort"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/rescp17/dropmesh/internal/app"
	appevents "github.com/rescp17/dropmesh/internal/app_events"
	"github.com/rescp17/dropmesh/pkg/session"
	"github.com/rescp17/dropmesh/pkg/transfer"
	dmrtc "github.com/rescp17/dropmesh/pkg/webrtc"
)

// TargetAll broadcasts to every connected peer.
const TargetAll = "all"

var (
	ErrNothingToSend = errors.New("no files to send")
	ErrPeerLeft      = errors.New("peer left before the transfer completed")
)

// App is the application logic controller for the sender. It hands the
// files to the target once a session is available and finishes when
// every dispatched transfer has completed or failed.
type App struct {
	mesh       app.Mesh
	files      []*transfer.File
	target     string
	logger     *slog.Logger
	uiMessages chan tea.Msg // App -> TUI
	served     map[string]bool
}

// NewApp creates a sender for files. target is a peer id or TargetAll.
func NewApp(mesh app.Mesh, files []*transfer.File, target string, logger *slog.Logger) *App {
	if target == "" {
		target = TargetAll
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &App{
		mesh:       mesh,
		files:      files,
		target:     target,
		logger:     logger.With("component", "sender"),
		uiMessages: make(chan tea.Msg, 64),
		served:     make(map[string]bool),
	}
}

// UIMessages returns the channel for the UI to listen on for updates. It
// is closed when Run returns.
func (a *App) UIMessages() <-chan tea.Msg {
	return a.uiMessages
}

// Run consumes node events until the transfers are done or ctx ends.
func (a *App) Run(ctx context.Context) error {
	defer close(a.uiMessages)
	if len(a.files) == 0 {
		a.publish(ctx, appevents.Finished{Err: ErrNothingToSend})
		return ErrNothingToSend
	}

	events := a.mesh.Events()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			app.Track(a.mesh.Tracker(), ev)
			a.publish(ctx, ev)
			if err := a.handle(ctx, ev); err != nil {
				a.publish(ctx, appevents.Finished{Err: err})
				return err
			}
			if a.done() {
				a.publish(ctx, appevents.Finished{})
				return nil
			}
		}
	}
}

func (a *App) publish(ctx context.Context, msg tea.Msg) {
	select {
	case a.uiMessages <- msg:
	case <-ctx.Done():
	}
}

func (a *App) handle(ctx context.Context, ev appevents.AppEvent) error {
	switch e := ev.(type) {
	case appevents.Registered, appevents.PeerJoined:
		if a.target != TargetAll {
			return a.sendToTarget(ctx)
		}
	case appevents.ConnectionStateChanged:
		if a.target == TargetAll && e.State == string(dmrtc.StateConnected) {
			return a.broadcast(ctx)
		}
	case appevents.PeerLeft:
		a.abandon(e.PeerID)
	}
	return nil
}

// abandon fails the unfinished sends to a peer that left the relay.
func (a *App) abandon(peerID string) {
	tracker := a.mesh.Tracker()
	for _, s := range tracker.Snapshot() {
		if s.Peer == peerID && s.Direction == transfer.DirectionSend && !s.State.IsTerminal() {
			tracker.Fail(peerID, s.Name, transfer.DirectionSend, ErrPeerLeft)
		}
	}
}

func (a *App) sendToTarget(ctx context.Context) error {
	if a.served[a.target] {
		return nil
	}
	var (
		queued  bool
		sendErr error
	)
	err := a.mesh.Do(func(r *session.Registry) {
		var p *dmrtc.Peer
		p, sendErr = r.SendFiles(a.target, a.files...)
		queued = p != nil
	})
	switch {
	case err != nil:
		return err
	case errors.Is(sendErr, session.ErrUnknownPeer):
		// Not announced yet; a later JOIN retries.
		return nil
	case !queued:
		return sendErr
	case sendErr != nil:
		a.logger.Warn("Session start reported an error, files stay queued", "peer", a.target, "error", sendErr)
	}
	a.dispatched(ctx, []string{a.target})
	return nil
}

func (a *App) broadcast(ctx context.Context) error {
	var fresh []string
	err := a.mesh.Do(func(r *session.Registry) {
		if len(a.served) == 0 {
			res := r.BroadcastFiles(a.files...)
			a.logger.Info("Broadcasting files", "peers", res.Peers, "files", res.Files)
			for _, p := range r.ConnectedSessions() {
				fresh = append(fresh, p.RemoteID())
			}
			return
		}
		for _, p := range r.ConnectedSessions() {
			if !a.served[p.RemoteID()] {
				p.SendFiles(a.files...)
				fresh = append(fresh, p.RemoteID())
			}
		}
	})
	if err != nil {
		return err
	}
	if len(fresh) > 0 {
		a.dispatched(ctx, fresh)
	}
	return nil
}

func (a *App) dispatched(ctx context.Context, peers []string) {
	sort.Strings(peers)
	names := make([]string, 0, len(a.files))
	for _, f := range a.files {
		names = append(names, f.Name)
	}
	for _, id := range peers {
		a.served[id] = true
		a.mesh.Tracker().Queue(id, names...)
	}
	a.logger.Info("Files dispatched", "peers", peers, "files", len(names))
	a.publish(ctx, appevents.FilesDispatched{Peers: peers, Files: len(names)})
}

// done reports whether something was dispatched and nothing is in flight.
func (a *App) done() bool {
	return len(a.served) > 0 && a.mesh.Tracker().Outstanding() == 0
}
