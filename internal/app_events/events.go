package appevents

import (
	"github.com/rescp17/dropmesh/pkg/signaling"
	"github.com/rescp17/dropmesh/pkg/transfer"
)

// AppEvent is a marker interface for notifications sent from the session
// layer to the presentation layer. It uses an unexported method so only
// types embedding Event satisfy it.
type AppEvent interface {
	isAppEvent()
}

// Event is embedded in every event type to satisfy AppEvent.
type Event struct{}

func (Event) isAppEvent() {}

// --- Relay ---

// Registered is sent when the relay assigned the local identity.
type Registered struct {
	Event
	Self signaling.Peer
}

type PeerJoined struct {
	Event
	Peer signaling.Peer
}

type PeerUpdated struct {
	Event
	Peer signaling.Peer
}

type PeerLeft struct {
	Event
	PeerID string
}

// RelayError carries an ERROR message from the relay.
type RelayError struct {
	Event
	Code string
}

// SignalingError reports a malformed relay frame or a socket failure.
type SignalingError struct {
	Event
	Err error
}

// --- Sessions ---

type ConnectionStateChanged struct {
	Event
	RemoteID  string
	SessionID string
	State     string
}

type ICEStateChanged struct {
	Event
	RemoteID  string
	SessionID string
	State     string
}

// --- Transfers ---

type FileReceived struct {
	Event
	RemoteID string
	Blob     *transfer.Blob
}

type TransferProgress struct {
	Event
	RemoteID  string
	Name      string
	Direction transfer.Direction
	Progress  float64
}

type FileSent struct {
	Event
	RemoteID string
	Name     string
}

type TransferFailed struct {
	Event
	RemoteID  string
	Name      string
	Direction transfer.Direction
	Err       error
}

// --- Controllers ---

// FilesDispatched reports files handed to one or more sessions.
type FilesDispatched struct {
	Event
	Peers []string
	Files int
}

// FileSaved is sent once a received blob was written to disk.
type FileSaved struct {
	Event
	RemoteID string
	Path     string
	Size     int64
}

// Finished ends a send or receive run. Err is nil on success.
type Finished struct {
	Event
	Err error
}

var (
	_ AppEvent = Registered{}
	_ AppEvent = PeerJoined{}
	_ AppEvent = PeerUpdated{}
	_ AppEvent = PeerLeft{}
	_ AppEvent = RelayError{}
	_ AppEvent = SignalingError{}
	_ AppEvent = ConnectionStateChanged{}
	_ AppEvent = ICEStateChanged{}
	_ AppEvent = FileReceived{}
	_ AppEvent = TransferProgress{}
	_ AppEvent = FileSent{}
	_ AppEvent = TransferFailed{}
	_ AppEvent = FilesDispatched{}
	_ AppEvent = FileSaved{}
	_ AppEvent = Finished{}
)
