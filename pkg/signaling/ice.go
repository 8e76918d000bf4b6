package signaling

import (
	"fmt"
	"strings"

	"github.com/pion/webrtc/v4"
)

// ICEMode selects where ICE servers come from.
type ICEMode string

const (
	// ICEModeServer prefers relay-supplied servers and falls back to public STUN.
	ICEModeServer ICEMode = "server"
	// ICEModeSTUN always uses the public STUN server.
	ICEModeSTUN ICEMode = "stun"
	// ICEModeNone uses no servers; only host candidates are gathered.
	ICEModeNone ICEMode = "none"
)

const PublicSTUNServer = "stun:stun.l.google.com:19302"

func ParseICEMode(s string) (ICEMode, error) {
	switch mode := ICEMode(strings.ToLower(strings.TrimSpace(s))); mode {
	case "":
		return ICEModeServer, nil
	case ICEModeServer, ICEModeSTUN, ICEModeNone:
		return mode, nil
	default:
		return "", fmt.Errorf("unknown ICE mode %q (want server, stun or none)", s)
	}
}

// ResolveICEServers applies mode to the servers the relay supplied.
func ResolveICEServers(mode ICEMode, relay []ICEServer) []webrtc.ICEServer {
	public := []webrtc.ICEServer{{URLs: []string{PublicSTUNServer}}}
	switch mode {
	case ICEModeNone:
		return nil
	case ICEModeSTUN:
		return public
	default:
		if len(relay) == 0 {
			return public
		}
		servers := make([]webrtc.ICEServer, 0, len(relay))
		for _, s := range relay {
			servers = append(servers, s.WebRTC())
		}
		return servers
	}
}
