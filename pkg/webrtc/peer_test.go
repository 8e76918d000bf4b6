package webrtc_test

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rescp17/dropmesh/pkg/concurrency"
	"github.com/rescp17/dropmesh/pkg/signaling"
	"github.com/rescp17/dropmesh/pkg/transfer"
	dmrtc "github.com/rescp17/dropmesh/pkg/webrtc"
	"github.com/rescp17/dropmesh/pkg/webrtc/webrtctest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	hostA = "candidate:1 1 udp 2122260223 10.0.0.1 50000 typ host"
	hostB = "candidate:2 1 udp 2122260223 10.0.0.2 50001 typ host"
	srflx = "candidate:3 1 udp 1686052607 203.0.113.7 50002 typ srflx raddr 10.0.0.1 rport 50000"
)

type harness struct {
	t         *testing.T
	loop      *concurrency.Loop
	transport *webrtctest.FakeTransport
	signaler  *webrtctest.FakeSignaler
	peer      *dmrtc.Peer

	mu        sync.Mutex
	states    []dmrtc.State
	iceStates []string
}

func newHarness(t *testing.T, role dmrtc.Role, opts ...func(*dmrtc.PeerConfig)) *harness {
	t.Helper()
	h := &harness{
		t:         t,
		loop:      concurrency.NewLoop(),
		transport: &webrtctest.FakeTransport{},
		signaler:  &webrtctest.FakeSignaler{},
	}
	t.Cleanup(h.loop.Close)

	cfg := dmrtc.PeerConfig{
		SessionID:  "session-1",
		RemoteID:   "bob",
		Role:       role,
		Transport:  h.transport,
		Signaler:   h.signaler,
		ICEServers: []webrtc.ICEServer{{URLs: []string{"stun:stun.example.org"}}},
		Loop:       h.loop,
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		Hooks: dmrtc.PeerHooks{
			OnStateChange: func(_ *dmrtc.Peer, state dmrtc.State) {
				h.mu.Lock()
				h.states = append(h.states, state)
				h.mu.Unlock()
			},
			OnICEStateChange: func(_ *dmrtc.Peer, state string) {
				h.mu.Lock()
				h.iceStates = append(h.iceStates, state)
				h.mu.Unlock()
			},
		},
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	h.peer = dmrtc.NewPeer(cfg)
	return h
}

// do runs f on the loop and waits for it.
func (h *harness) do(f func()) {
	h.t.Helper()
	require.NoError(h.t, h.loop.Call(f))
}

// settle waits until cond, evaluated on the loop, holds.
func (h *harness) settle(cond func() bool) {
	h.t.Helper()
	require.Eventually(h.t, func() bool {
		var ok bool
		if err := h.loop.Call(func() { ok = cond() }); err != nil {
			return false
		}
		return ok
	}, 5*time.Second, 5*time.Millisecond)
}

func (h *harness) conn() *webrtctest.FakePeerConnection {
	h.t.Helper()
	pc := h.transport.Conn(0)
	require.NotNil(h.t, pc)
	return pc
}

func candidate(s string) *webrtc.ICECandidateInit {
	return &webrtc.ICECandidateInit{Candidate: s}
}

func TestPeer_CallerStartSendsOffer(t *testing.T) {
	h := newHarness(t, dmrtc.RoleCaller)
	h.do(func() { require.NoError(t, h.peer.Start()) })

	h.settle(func() bool { return len(h.signaler.OfType(signaling.TypeOffer)) == 1 })
	offer := h.signaler.OfType(signaling.TypeOffer)[0]
	assert.Equal(t, "session-1", offer.SessionID)
	assert.Equal(t, "bob", offer.Target)
	assert.Equal(t, "offer-1", offer.SDP)

	pc := h.conn()
	assert.Equal(t, []string{"stun:stun.example.org"}, pc.Servers[0].URLs)
	assert.Equal(t, 1, pc.Channels())
	assert.Equal(t, dmrtc.DataChannelLabel, pc.Channel(0).Label())
	h.do(func() {
		assert.Equal(t, dmrtc.StateNegotiating, h.peer.State())
		assert.True(t, h.peer.HasConnection())
	})
}

func TestPeer_CalleeDoesNotStart(t *testing.T) {
	h := newHarness(t, dmrtc.RoleCallee)
	h.do(func() {
		require.NoError(t, h.peer.Start())
		assert.False(t, h.peer.HasConnection())
		assert.Equal(t, dmrtc.StateIdle, h.peer.State())
	})
	assert.Zero(t, h.transport.Count())
}

func TestPeer_BuffersCandidatesUntilRemoteDescription(t *testing.T) {
	h := newHarness(t, dmrtc.RoleCallee)
	h.do(func() {
		h.peer.HandleCandidate(candidate(hostA))
		h.peer.HandleCandidate(candidate(srflx))
		h.peer.HandleCandidate(nil)
		h.peer.HandleOffer("remote-offer")
	})

	h.settle(func() bool { return len(h.signaler.OfType(signaling.TypeAnswer)) == 1 })
	assert.Equal(t, []string{hostA, srflx, ""}, h.conn().Added())

	answer := h.signaler.OfType(signaling.TypeAnswer)[0]
	assert.Equal(t, "session-1", answer.SessionID)
	assert.Equal(t, "answer", answer.SDP)
	assert.Equal(t, "remote-offer", h.conn().Remote()[0].SDP)

	h.do(func() {
		stats := h.peer.CandidateStats()
		assert.Equal(t, 1, stats.Remote[dmrtc.CandidateHost])
		assert.Equal(t, 1, stats.Remote[dmrtc.CandidateSrflx])
	})
}

func TestPeer_EndMarkerKeepsItsPlaceInTheBuffer(t *testing.T) {
	h := newHarness(t, dmrtc.RoleCallee)
	h.do(func() {
		h.peer.HandleCandidate(candidate(hostA))
		h.peer.HandleCandidate(nil)
		h.peer.HandleCandidate(candidate(hostB))
		h.peer.HandleOffer("remote-offer")
	})

	h.settle(func() bool { return len(h.conn().Added()) == 3 })
	assert.Equal(t, []string{hostA, "", hostB}, h.conn().Added())
}

func TestPeer_QueuesCandidatesWhileNegotiationSuspended(t *testing.T) {
	h := newHarness(t, dmrtc.RoleCallee)
	gate := make(chan struct{})
	h.transport.RemoteGate = gate

	h.do(func() {
		h.peer.HandleCandidate(candidate(hostA))
		h.peer.HandleOffer("remote-offer")
	})
	h.do(func() {
		h.peer.HandleCandidate(candidate(hostB))
		h.peer.HandleCandidate(nil)
	})
	assert.Empty(t, h.conn().Added(), "nothing applied while the remote description is pending")

	close(gate)
	h.settle(func() bool { return len(h.signaler.OfType(signaling.TypeAnswer)) == 1 })
	h.settle(func() bool { return len(h.conn().Added()) == 3 })
	assert.Equal(t, []string{hostA, hostB, ""}, h.conn().Added())

	// Once stable, new candidates apply immediately.
	h.do(func() { h.peer.HandleCandidate(candidate(srflx)) })
	assert.Equal(t, []string{hostA, hostB, "", srflx}, h.conn().Added())
}

func TestPeer_CallerAppliesAnswer(t *testing.T) {
	h := newHarness(t, dmrtc.RoleCaller)
	h.do(func() { require.NoError(t, h.peer.Start()) })
	h.settle(func() bool { return len(h.signaler.OfType(signaling.TypeOffer)) == 1 })

	h.do(func() {
		h.peer.HandleCandidate(candidate(hostB))
		require.NoError(t, h.peer.HandleAnswer("remote-answer"))
	})
	h.settle(func() bool { return len(h.conn().Added()) == 1 })
	assert.Equal(t, []string{hostB}, h.conn().Added())
	assert.Equal(t, webrtc.SDPTypeAnswer, h.conn().Remote()[0].Type)
}

func TestPeer_AnswerWithoutConnection(t *testing.T) {
	h := newHarness(t, dmrtc.RoleCallee)
	h.do(func() {
		assert.ErrorIs(t, h.peer.HandleAnswer("sdp"), dmrtc.ErrNoConnection)
	})
}

func TestPeer_RemoteDescriptionFailureIsNotFatal(t *testing.T) {
	h := newHarness(t, dmrtc.RoleCaller)
	h.do(func() { require.NoError(t, h.peer.Start()) })
	h.settle(func() bool { return len(h.signaler.OfType(signaling.TypeOffer)) == 1 })

	h.conn().SetRemoteErr(errors.New("bad sdp"))
	h.do(func() {
		h.peer.HandleCandidate(candidate(hostA))
		require.NoError(t, h.peer.HandleAnswer("garbage"))
	})
	h.do(func() {})
	h.do(func() {
		assert.False(t, h.peer.Destroyed())
		assert.Equal(t, dmrtc.StateNegotiating, h.peer.State())
	})
	assert.Empty(t, h.conn().Added())

	h.conn().SetRemoteErr(nil)
	h.do(func() { require.NoError(t, h.peer.HandleAnswer("good")) })
	h.settle(func() bool { return len(h.conn().Added()) == 1 })
}

func TestPeer_IgnoresInvalidCandidates(t *testing.T) {
	h := newHarness(t, dmrtc.RoleCallee)
	h.do(func() { h.peer.HandleOffer("remote-offer") })
	h.settle(func() bool { return len(h.signaler.OfType(signaling.TypeAnswer)) == 1 })

	h.do(func() {
		h.peer.HandleCandidate(candidate(""))
		h.peer.HandleCandidate(candidate("   "))
		h.peer.HandleCandidate(candidate("candidate:not a candidate"))
		h.peer.HandleCandidate(candidate(hostA))
	})
	assert.Equal(t, []string{hostA}, h.conn().Added())
}

func TestPeer_ForcedLoopbackRewritesRemoteCandidates(t *testing.T) {
	h := newHarness(t, dmrtc.RoleCallee, func(cfg *dmrtc.PeerConfig) { cfg.ForceLoopback = true })
	h.do(func() {
		h.peer.HandleCandidate(candidate("candidate:1 1 udp 2122260223 0d1f6a2e-host.local 50000 typ host"))
		h.peer.HandleOffer("remote-offer")
	})
	h.settle(func() bool { return len(h.conn().Added()) == 1 })
	assert.Equal(t, []string{"candidate:1 1 udp 2122260223 127.0.0.1 50000 typ host"}, h.conn().Added())
}

func TestPeer_SendsLocalCandidatesAndEndOfGathering(t *testing.T) {
	h := newHarness(t, dmrtc.RoleCaller)
	h.do(func() { require.NoError(t, h.peer.Start()) })

	pc := h.conn()
	pc.FireCandidate(&webrtc.ICECandidate{
		Foundation: "1",
		Priority:   2122260223,
		Address:    "10.0.0.5",
		Protocol:   webrtc.ICEProtocolUDP,
		Port:       50000,
		Typ:        webrtc.ICECandidateTypeHost,
		Component:  1,
	})
	pc.FireCandidate(nil)

	h.settle(func() bool { return len(h.signaler.OfType(signaling.TypeCandidate)) == 2 })
	msgs := h.signaler.OfType(signaling.TypeCandidate)
	init, err := msgs[0].CandidateInit()
	require.NoError(t, err)
	assert.Contains(t, init.Candidate, "10.0.0.5")
	assert.Equal(t, "bob", msgs[0].Target)
	assert.True(t, msgs[1].IsEndOfCandidates())

	h.do(func() { assert.Equal(t, 1, h.peer.CandidateStats().Local[dmrtc.CandidateHost]) })
}

func TestPeer_ICERestartPolicy(t *testing.T) {
	t.Run("caller restarts once", func(t *testing.T) {
		h := newHarness(t, dmrtc.RoleCaller)
		h.do(func() { require.NoError(t, h.peer.Start()) })
		h.settle(func() bool { return len(h.signaler.OfType(signaling.TypeOffer)) == 1 })
		h.conn().SetSignalingState(webrtc.SignalingStateStable)

		h.conn().FireICEState(webrtc.ICEConnectionStateFailed)
		h.settle(func() bool { return len(h.signaler.OfType(signaling.TypeOffer)) == 2 })
		assert.Equal(t, []bool{false, true}, h.conn().Offers())

		h.conn().SetSignalingState(webrtc.SignalingStateStable)
		h.conn().FireICEState(webrtc.ICEConnectionStateFailed)
		h.do(func() {})
		h.do(func() {})
		assert.Len(t, h.conn().Offers(), 2)
	})

	t.Run("not mid-negotiation", func(t *testing.T) {
		h := newHarness(t, dmrtc.RoleCaller)
		h.do(func() { require.NoError(t, h.peer.Start()) })
		h.settle(func() bool { return len(h.signaler.OfType(signaling.TypeOffer)) == 1 })

		h.conn().FireICEState(webrtc.ICEConnectionStateFailed)
		h.do(func() {})
		h.do(func() {})
		assert.Len(t, h.conn().Offers(), 1, "have-local-offer is not stable")
	})

	t.Run("callee never restarts", func(t *testing.T) {
		h := newHarness(t, dmrtc.RoleCallee)
		h.do(func() { h.peer.HandleOffer("remote-offer") })
		h.settle(func() bool { return len(h.signaler.OfType(signaling.TypeAnswer)) == 1 })

		h.conn().FireICEState(webrtc.ICEConnectionStateFailed)
		h.do(func() {})
		assert.Empty(t, h.conn().Offers())
		h.do(func() { assert.Equal(t, "failed", h.peer.ICEState()) })
	})
}

func TestPeer_ConnectionStateDrivesObservable(t *testing.T) {
	h := newHarness(t, dmrtc.RoleCaller)
	h.do(func() { require.NoError(t, h.peer.Start()) })

	h.conn().FireConnectionState(webrtc.PeerConnectionStateConnected)
	h.settle(func() bool { return h.peer.Connected() })

	h.conn().FireConnectionState(webrtc.PeerConnectionStateDisconnected)
	h.settle(func() bool { return h.peer.State() == dmrtc.StateDisconnected })

	h.mu.Lock()
	defer h.mu.Unlock()
	assert.Equal(t, []dmrtc.State{dmrtc.StateNegotiating, dmrtc.StateConnected, dmrtc.StateDisconnected}, h.states)
}

func TestPeer_DataChannelCarriesTransfers(t *testing.T) {
	h := newHarness(t, dmrtc.RoleCaller)
	h.do(func() { require.NoError(t, h.peer.Start()) })
	dc := h.conn().Channel(0)

	h.do(func() {
		h.peer.SendFiles(&transfer.File{Name: "empty.txt", Size: 0})
		assert.False(t, h.peer.Busy(), "waits for the channel to open")
	})
	dc.Open()
	h.settle(func() bool { return len(dc.Texts()) == 1 })
	assert.JSONEq(t, `{"type":"header","name":"empty.txt","size":0}`, dc.Texts()[0])
}

func TestPeer_CalleeAdoptsRemoteDataChannel(t *testing.T) {
	var received []*transfer.Blob
	h := newHarness(t, dmrtc.RoleCallee, func(cfg *dmrtc.PeerConfig) {
		cfg.Hooks.Transfer.OnFileReceived = func(blob *transfer.Blob) { received = append(received, blob) }
	})
	h.do(func() { h.peer.HandleOffer("remote-offer") })

	dc := webrtctest.NewFakeDataChannel("remote")
	dc.Open()
	h.conn().FireDataChannel(dc)
	h.do(func() {})

	dc.FireMessage(webrtc.DataChannelMessage{IsString: true, Data: []byte(`{"type":"header","name":"x","size":1}`)})
	dc.FireMessage(webrtc.DataChannelMessage{Data: []byte("z")})
	h.settle(func() bool { return len(received) == 1 })
	assert.Equal(t, "z", string(received[0].Data))
	assert.Contains(t, dc.Texts()[len(dc.Texts())-1], "transfer-complete")
}

func TestPeer_Destroy(t *testing.T) {
	h := newHarness(t, dmrtc.RoleCallee)
	gate := make(chan struct{})
	h.transport.RemoteGate = gate
	h.do(func() {
		h.peer.HandleCandidate(candidate(hostA))
		h.peer.HandleOffer("remote-offer")
	})

	h.do(func() {
		h.peer.Destroy()
		h.peer.Destroy()
		assert.True(t, h.peer.Destroyed())
		assert.False(t, h.peer.HasConnection())
		assert.Equal(t, dmrtc.StateClosed, h.peer.State())
		assert.Equal(t, dmrtc.ICEStateClosed, h.peer.ICEState())
	})
	pc := h.transport.Conn(0)
	require.Eventually(t, pc.Closed, 5*time.Second, 5*time.Millisecond)

	// The suspended step settles after teardown and must not answer.
	close(gate)
	pc.FireConnectionState(webrtc.PeerConnectionStateConnected)
	h.do(func() {})
	h.do(func() {})
	assert.Empty(t, h.signaler.OfType(signaling.TypeAnswer))
	assert.Empty(t, pc.Added())

	h.mu.Lock()
	defer h.mu.Unlock()
	assert.Equal(t, dmrtc.StateClosed, h.states[len(h.states)-1])
	assert.Equal(t, []string{dmrtc.ICEStateClosed}, h.iceStates)
}
