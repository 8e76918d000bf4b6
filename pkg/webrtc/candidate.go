package webrtc

import (
	"fmt"
	"strings"

	"github.com/pion/ice/v4"
)

// CandidateType is the typ attribute of an ICE candidate.
type CandidateType string

const (
	CandidateHost    CandidateType = "host"
	CandidateSrflx   CandidateType = "srflx"
	CandidatePrflx   CandidateType = "prflx"
	CandidateRelay   CandidateType = "relay"
	CandidateUnknown CandidateType = "unknown"
)

const loopbackAddress = "127.0.0.1"

// ParseCandidate validates an SDP candidate attribute and returns its type
// and connection address.
func ParseCandidate(raw string) (CandidateType, string, error) {
	value := strings.TrimPrefix(strings.TrimSpace(raw), "candidate:")
	if value == "" {
		return CandidateUnknown, "", fmt.Errorf("empty candidate")
	}
	c, err := ice.UnmarshalCandidate(value)
	if err != nil {
		return CandidateUnknown, "", fmt.Errorf("parsing candidate: %w", err)
	}
	return classify(c.Type()), c.Address(), nil
}

func classify(t ice.CandidateType) CandidateType {
	switch t {
	case ice.CandidateTypeHost:
		return CandidateHost
	case ice.CandidateTypeServerReflexive:
		return CandidateSrflx
	case ice.CandidateTypePeerReflexive:
		return CandidatePrflx
	case ice.CandidateTypeRelay:
		return CandidateRelay
	default:
		return CandidateUnknown
	}
}

// RewriteMDNSToLoopback replaces the .local address of a host candidate with
// 127.0.0.1. Other candidates are returned unchanged.
func RewriteMDNSToLoopback(raw string) (string, bool) {
	prefixed := strings.HasPrefix(raw, "candidate:")
	fields := strings.Fields(strings.TrimPrefix(raw, "candidate:"))
	// foundation component transport priority address port typ <type> ...
	if len(fields) < 8 || fields[6] != "typ" || fields[7] != string(CandidateHost) {
		return raw, false
	}
	if !strings.HasSuffix(strings.ToLower(fields[4]), ".local") {
		return raw, false
	}
	fields[4] = loopbackAddress
	out := strings.Join(fields, " ")
	if prefixed {
		out = "candidate:" + out
	}
	return out, true
}

// CandidateStats tallies candidates by type in each direction.
type CandidateStats struct {
	Local  map[CandidateType]int
	Remote map[CandidateType]int
}

func newCandidateStats() CandidateStats {
	return CandidateStats{
		Local:  make(map[CandidateType]int),
		Remote: make(map[CandidateType]int),
	}
}

func (s CandidateStats) clone() CandidateStats {
	out := newCandidateStats()
	for k, v := range s.Local {
		out.Local[k] = v
	}
	for k, v := range s.Remote {
		out.Remote[k] = v
	}
	return out
}
