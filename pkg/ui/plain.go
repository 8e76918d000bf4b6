package ui

import (
	"fmt"
	"io"

	tea "github.com/charmbracelet/bubbletea"

	appevents "github.com/rescp17/dropmesh/internal/app_events"
	"github.com/rescp17/dropmesh/internal/util"
)

// Print writes one line per notable controller message until the channel
// closes. It is used when stdout is not a terminal. It returns the error
// carried by the final Finished message.
func Print(w io.Writer, messages <-chan tea.Msg) error {
	var result error
	for msg := range messages {
		line := ""
		switch e := msg.(type) {
		case appevents.Registered:
			line = fmt.Sprintf("registered as %s", e.Self.ID)
		case appevents.PeerJoined:
			line = fmt.Sprintf("peer %s joined (%s)", e.Peer.ID, e.Peer.Alias)
		case appevents.PeerLeft:
			line = fmt.Sprintf("peer %s left", e.PeerID)
		case appevents.ConnectionStateChanged:
			line = fmt.Sprintf("%s: %s", e.RemoteID, e.State)
		case appevents.FilesDispatched:
			line = fmt.Sprintf("sending %d file(s) to %v", e.Files, e.Peers)
		case appevents.FileSent:
			line = fmt.Sprintf("sent %s to %s", e.Name, e.RemoteID)
		case appevents.FileSaved:
			line = fmt.Sprintf("saved %s (%s) from %s", e.Path, util.FormatSize(e.Size), e.RemoteID)
		case appevents.TransferFailed:
			line = fmt.Sprintf("transfer of %s with %s failed: %v", e.Name, e.RemoteID, e.Err)
		case appevents.RelayError:
			line = fmt.Sprintf("relay error: %s", e.Code)
		case appevents.Finished:
			result = e.Err
			if e.Err == nil {
				line = "done"
			} else {
				line = fmt.Sprintf("finished with error: %v", e.Err)
			}
		}
		if line != "" {
			if _, err := fmt.Fprintln(w, line); err != nil {
				return err
			}
		}
	}
	return result
}
