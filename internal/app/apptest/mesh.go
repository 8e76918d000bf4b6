// Package apptest provides an in-memory mesh node for controller tests:
// a real Registry on a real loop, over fake transports and a recording
// relay.
package apptest

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/require"

	"github.com/rescp17/dropmesh/internal/app"
	appevents "github.com/rescp17/dropmesh/internal/app_events"
	"github.com/rescp17/dropmesh/pkg/concurrency"
	"github.com/rescp17/dropmesh/pkg/session"
	"github.com/rescp17/dropmesh/pkg/signaling"
	"github.com/rescp17/dropmesh/pkg/transfer"
	"github.com/rescp17/dropmesh/pkg/webrtc/webrtctest"
)

// Relay records outbound relay messages and serves a fixed ICE list.
type Relay struct {
	webrtctest.FakeSignaler
}

func (r *Relay) ICEServers() []webrtc.ICEServer { return nil }

type Mesh struct {
	t         *testing.T
	Loop      *concurrency.Loop
	Relay     *Relay
	Transport *webrtctest.FakeTransport
	Registry  *session.Registry

	tracker *transfer.Tracker
}

var _ app.Mesh = (*Mesh)(nil)

func NewMesh(t *testing.T) *Mesh {
	t.Helper()
	m := &Mesh{
		t:         t,
		Loop:      concurrency.NewLoop(),
		Relay:     &Relay{},
		Transport: &webrtctest.FakeTransport{},
		tracker:   transfer.NewTracker(nil),
	}
	m.Registry = session.NewRegistry(session.Options{
		Loop:      m.Loop,
		Signaler:  m.Relay,
		Transport: m.Transport,
		Logger:    Logger(),
	})
	t.Cleanup(func() {
		_ = m.Loop.Call(m.Registry.Destroy)
		m.Loop.Close()
	})
	return m
}

// Logger discards everything.
func Logger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func (m *Mesh) Events() <-chan appevents.AppEvent { return m.Registry.Events() }

func (m *Mesh) Tracker() *transfer.Tracker { return m.tracker }

func (m *Mesh) Do(f func(r *session.Registry)) error {
	return m.Loop.Call(func() { f(m.Registry) })
}

// Deliver hands relay messages to the registry.
func (m *Mesh) Deliver(msgs ...*signaling.Message) {
	m.t.Helper()
	require.NoError(m.t, m.Do(func(r *session.Registry) {
		for _, msg := range msgs {
			r.HandleMessage(msg)
		}
	}))
}

// Hello registers self with the given peers already present.
func (m *Mesh) Hello(self string, peers ...string) {
	msg := &signaling.Message{Type: signaling.TypeHello, Client: &signaling.Peer{ID: self}}
	for _, id := range peers {
		msg.Peers = append(msg.Peers, signaling.Peer{ID: id})
	}
	m.Deliver(msg)
}

// Offer delivers an inbound offer and returns the connection it created.
func (m *Mesh) Offer(remote, sessionID string) *webrtctest.FakePeerConnection {
	m.t.Helper()
	before := m.Transport.Count()
	m.Deliver(&signaling.Message{Type: signaling.TypeOffer, Peer: &signaling.Peer{ID: remote}, SessionID: sessionID, SDP: "remote-offer"})
	pc := m.Transport.Conn(before)
	require.NotNil(m.t, pc)
	return pc
}

// Connect drives pc to connected and hands it an open data channel.
func (m *Mesh) Connect(pc *webrtctest.FakePeerConnection) *webrtctest.FakeDataChannel {
	m.t.Helper()
	dc := webrtctest.NewFakeDataChannel("remote")
	dc.Open()
	pc.FireDataChannel(dc)
	pc.FireConnectionState(webrtc.PeerConnectionStateConnected)
	require.NoError(m.t, m.Loop.Call(func() {}))
	return dc
}

// Eventually waits for cond, evaluated on the loop.
func (m *Mesh) Eventually(cond func() bool) {
	m.t.Helper()
	require.Eventually(m.t, func() bool {
		var ok bool
		if err := m.Loop.Call(func() { ok = cond() }); err != nil {
			return false
		}
		return ok
	}, 5*time.Second, 5*time.Millisecond)
}
