package signaling

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseICEMode(t *testing.T) {
	for in, want := range map[string]ICEMode{"": ICEModeServer, "server": ICEModeServer, "STUN": ICEModeSTUN, " none ": ICEModeNone} {
		got, err := ParseICEMode(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseICEMode("turn")
	assert.Error(t, err)
}

func TestResolveICEServers(t *testing.T) {
	relay := []ICEServer{{URLs: StringList{"turn:relay"}, Username: "u", Credential: "p"}}

	assert.Empty(t, ResolveICEServers(ICEModeNone, relay))

	stun := ResolveICEServers(ICEModeSTUN, relay)
	require.Len(t, stun, 1)
	assert.Equal(t, []string{PublicSTUNServer}, stun[0].URLs)

	server := ResolveICEServers(ICEModeServer, relay)
	require.Len(t, server, 1)
	assert.Equal(t, []string{"turn:relay"}, server[0].URLs)
	assert.Equal(t, "p", server[0].Credential)

	fallback := ResolveICEServers(ICEModeServer, nil)
	require.Len(t, fallback, 1)
	assert.Equal(t, []string{PublicSTUNServer}, fallback[0].URLs)
}
