package ui

import (
	"bytes"
	"errors"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appevents "github.com/rescp17/dropmesh/internal/app_events"
	"github.com/rescp17/dropmesh/pkg/signaling"
	"github.com/rescp17/dropmesh/pkg/transfer"
)

func feed(t *testing.T, m Model, msgs ...tea.Msg) Model {
	t.Helper()
	for _, msg := range msgs {
		next, _ := m.Update(msg)
		var ok bool
		m, ok = next.(Model)
		require.True(t, ok)
	}
	return m
}

func TestModel_RendersPeersAndTransfers(t *testing.T) {
	tracker := transfer.NewTracker(func() time.Time { return time.Unix(0, 0) })
	tracker.Queue("alice", "report.pdf")
	tracker.Progress("alice", "report.pdf", transfer.DirectionSend, 0.5)

	m := NewModel(Sender, "ws://localhost:9000/ws", nil, tracker)
	m = feed(t, m,
		appevents.Registered{Self: signaling.Peer{ID: "bob"}},
		appevents.PeerJoined{Peer: signaling.Peer{ID: "alice", PeerInfo: signaling.PeerInfo{Alias: "Alice", DeviceType: "mobile"}}},
		appevents.FilesDispatched{Peers: []string{"alice"}, Files: 1},
	)

	view := m.View()
	assert.Contains(t, view, "dropmesh send")
	assert.Contains(t, view, "id bob via ws://localhost:9000/ws")
	assert.Contains(t, view, "Alice")
	assert.Contains(t, view, "report.pdf")
	assert.Contains(t, view, " 50%")
	assert.Contains(t, view, "Sending 1 file(s) to alice")
}

func TestModel_PeerLeftRemovesRow(t *testing.T) {
	m := NewModel(Receiver, "relay", nil, transfer.NewTracker(nil))
	m = feed(t, m,
		appevents.PeerJoined{Peer: signaling.Peer{ID: "alice", PeerInfo: signaling.PeerInfo{Alias: "Alice"}}},
		appevents.PeerLeft{PeerID: "alice"},
	)
	assert.NotContains(t, m.View(), "Alice")
	assert.Empty(t, m.directory)
}

func TestModel_FinishedAndErrors(t *testing.T) {
	m := NewModel(Receiver, "relay", nil, transfer.NewTracker(nil))
	m = feed(t, m, appevents.RelayError{Code: "NOT_FOUND"})
	assert.Contains(t, m.View(), "relay error: NOT_FOUND")

	m = feed(t, m, appevents.Finished{})
	assert.True(t, m.finished)
	assert.Contains(t, m.View(), "Done.")

	_, cmd := m.Update(controllerClosedMsg{})
	require.NotNil(t, cmd)
	assert.Equal(t, tea.Quit(), cmd())
}

func TestModel_ListensForControllerMessages(t *testing.T) {
	ch := make(chan tea.Msg, 1)
	m := NewModel(Sender, "relay", ch, transfer.NewTracker(nil))

	ch <- appevents.PeerLeft{PeerID: "x"}
	assert.Equal(t, appevents.PeerLeft{PeerID: "x"}, m.listenForAppMessages()())

	close(ch)
	assert.Equal(t, controllerClosedMsg{}, m.listenForAppMessages()())
}

func TestPrint(t *testing.T) {
	ch := make(chan tea.Msg, 8)
	failure := errors.New("channel closed")
	ch <- appevents.Registered{Self: signaling.Peer{ID: "bob"}}
	ch <- appevents.ICEStateChanged{RemoteID: "alice", State: "checking"}
	ch <- appevents.FileSaved{RemoteID: "alice", Path: "out/a.txt", Size: 2048}
	ch <- appevents.TransferFailed{RemoteID: "alice", Name: "b.txt", Err: failure}
	ch <- appevents.Finished{Err: failure}
	close(ch)

	var out bytes.Buffer
	err := Print(&out, ch)
	assert.ErrorIs(t, err, failure)
	assert.Equal(t, "registered as bob\n"+
		"saved out/a.txt (2 KB) from alice\n"+
		"transfer of b.txt with alice failed: channel closed\n"+
		"finished with error: channel closed\n", out.String())
}
