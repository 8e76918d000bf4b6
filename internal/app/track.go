package app

import (
	appevents "github.com/rescp17/dropmesh/internal/app_events"
	"github.com/rescp17/dropmesh/pkg/transfer"
)

// Track folds transfer events into the tracker. Other events are ignored.
func Track(t *transfer.Tracker, ev appevents.AppEvent) {
	switch e := ev.(type) {
	case appevents.TransferProgress:
		t.Progress(e.RemoteID, e.Name, e.Direction, e.Progress)
	case appevents.FileSent:
		t.Complete(e.RemoteID, e.Name, transfer.DirectionSend)
	case appevents.FileReceived:
		t.Complete(e.RemoteID, e.Blob.Name, transfer.DirectionReceive)
	case appevents.TransferFailed:
		t.Fail(e.RemoteID, e.Name, e.Direction, e.Err)
	}
}
