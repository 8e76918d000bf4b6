package signaling

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/pion/webrtc/v4"
)

// MessageType tags a relay message.
type MessageType string

const (
	TypeHello     MessageType = "HELLO"
	TypeJoin      MessageType = "JOIN"
	TypeUpdate    MessageType = "UPDATE"
	TypeLeft      MessageType = "LEFT"
	TypeOffer     MessageType = "OFFER"
	TypeAnswer    MessageType = "ANSWER"
	TypeCandidate MessageType = "CANDIDATE"
	TypeError     MessageType = "ERROR"
)

var (
	ErrMalformedMessage = errors.New("malformed relay message")
	ErrNoCandidate      = errors.New("message carries no candidate")
)

// PeerInfo is the self-description attached to UPDATE.
type PeerInfo struct {
	Alias       string `json:"alias"`
	DeviceModel string `json:"deviceModel,omitempty"`
	DeviceType  string `json:"deviceType,omitempty"`
	Token       string `json:"token,omitempty"`
}

// Peer is an identity known to the relay.
type Peer struct {
	ID string `json:"id"`
	PeerInfo
}

// UnmarshalJSON accepts either a full identity object or a bare id string.
func (p *Peer) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		*p = Peer{}
		return json.Unmarshal(data, &p.ID)
	}
	type plain Peer
	return json.Unmarshal(data, (*plain)(p))
}

// StringList decodes either a single string or an array of strings.
type StringList []string

func (s *StringList) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var one string
		if err := json.Unmarshal(data, &one); err != nil {
			return err
		}
		*s = StringList{one}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return err
	}
	*s = many
	return nil
}

// ICEServer is one STUN/TURN credential set as supplied by the relay.
type ICEServer struct {
	URLs       StringList `json:"urls"`
	Username   string     `json:"username,omitempty"`
	Credential string     `json:"credential,omitempty"`
}

func (s ICEServer) WebRTC() webrtc.ICEServer {
	server := webrtc.ICEServer{
		URLs:     append([]string(nil), s.URLs...),
		Username: s.Username,
	}
	if s.Credential != "" {
		server.Credential = s.Credential
	}
	return server
}

// Message is the single tagged record exchanged with the relay. Which
// fields are populated depends on Type.
type Message struct {
	Type MessageType `json:"type"`

	// HELLO
	Client     *Peer       `json:"client,omitempty"`
	Peers      []Peer      `json:"peers,omitempty"`
	ICEServers []ICEServer `json:"iceServers,omitempty"`

	// JOIN, UPDATE (inbound), OFFER, ANSWER, CANDIDATE (inbound)
	Peer *Peer `json:"peer,omitempty"`

	// LEFT
	PeerID string `json:"peerId,omitempty"`

	// UPDATE (outbound)
	Info *PeerInfo `json:"info,omitempty"`

	// OFFER, ANSWER, CANDIDATE
	SessionID string          `json:"sessionId,omitempty"`
	Target    string          `json:"target,omitempty"`
	SDP       string          `json:"sdp,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`

	// ERROR
	Code string `json:"code,omitempty"`
}

// Decode parses one relay frame.
func Decode(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if msg.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrMalformedMessage)
	}
	return &msg, nil
}

// Sender returns the id of the remote identity a message came from.
func (m *Message) Sender() string {
	switch {
	case m.Peer != nil:
		return m.Peer.ID
	case m.PeerID != "":
		return m.PeerID
	default:
		return ""
	}
}

// IsEndOfCandidates reports whether a CANDIDATE message carries the null
// end-of-gathering marker.
func (m *Message) IsEndOfCandidates() bool {
	return bytes.Equal(bytes.TrimSpace(m.Candidate), []byte("null"))
}

// CandidateInit decodes the carried candidate. It returns ErrNoCandidate
// for an absent or null candidate.
func (m *Message) CandidateInit() (webrtc.ICECandidateInit, error) {
	raw := bytes.TrimSpace(m.Candidate)
	if len(raw) == 0 || m.IsEndOfCandidates() {
		return webrtc.ICECandidateInit{}, ErrNoCandidate
	}
	var init webrtc.ICECandidateInit
	if raw[0] == '"' {
		if err := json.Unmarshal(raw, &init.Candidate); err != nil {
			return init, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
		}
		return init, nil
	}
	if err := json.Unmarshal(raw, &init); err != nil {
		return init, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	return init, nil
}

func NewOffer(sessionID, target, sdp string) *Message {
	return &Message{Type: TypeOffer, SessionID: sessionID, Target: target, SDP: sdp}
}

func NewAnswer(sessionID, target, sdp string) *Message {
	return &Message{Type: TypeAnswer, SessionID: sessionID, Target: target, SDP: sdp}
}

// NewCandidate builds a CANDIDATE message. A nil candidate encodes the
// end-of-gathering marker as JSON null.
func NewCandidate(sessionID, target string, candidate *webrtc.ICECandidateInit) (*Message, error) {
	msg := &Message{Type: TypeCandidate, SessionID: sessionID, Target: target}
	if candidate == nil {
		msg.Candidate = json.RawMessage("null")
		return msg, nil
	}
	raw, err := json.Marshal(candidate)
	if err != nil {
		return nil, fmt.Errorf("encoding candidate: %w", err)
	}
	msg.Candidate = raw
	return msg, nil
}

func NewUpdate(info PeerInfo) *Message {
	return &Message{Type: TypeUpdate, Info: &info}
}
