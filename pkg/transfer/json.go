package transfer

import (
	"encoding/json"
	"fmt"
)

type JSONSerializer struct{}

func NewJSONSerializer() *JSONSerializer {
	return &JSONSerializer{}
}

type jsonControlMessage struct {
	Type     MessageType `json:"type"`
	Name     string      `json:"name,omitempty"`
	MIME     string      `json:"mime,omitempty"`
	Size     *int64      `json:"size,omitempty"`
	Offset   int64       `json:"offset,omitempty"`
	Progress float64     `json:"progress,omitempty"`
	Checksum string      `json:"checksum,omitempty"`
}

// Marshal encodes a control frame. Headers always carry their size, even
// for empty files.
func (j *JSONSerializer) Marshal(msg *ControlMessage) ([]byte, error) {
	jsonMsg := jsonControlMessage{
		Type:     msg.Type,
		Name:     msg.Name,
		MIME:     msg.MIME,
		Offset:   msg.Offset,
		Progress: msg.Progress,
		Checksum: msg.Checksum,
	}
	if msg.Type == TypeHeader || msg.Size != 0 {
		size := msg.Size
		jsonMsg.Size = &size
	}
	return json.Marshal(jsonMsg)
}

// Unmarshal decodes a control frame. Frames that are not JSON objects or
// carry an unknown type wrap ErrCorruptFrame.
func (j *JSONSerializer) Unmarshal(data []byte) (*ControlMessage, error) {
	var jsonMsg jsonControlMessage
	if err := json.Unmarshal(data, &jsonMsg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptFrame, err)
	}
	if !jsonMsg.Type.valid() {
		return nil, fmt.Errorf("%w: unknown type %q", ErrCorruptFrame, jsonMsg.Type)
	}
	var size int64
	if jsonMsg.Size != nil {
		size = *jsonMsg.Size
	}
	return &ControlMessage{
		Type:     jsonMsg.Type,
		Name:     jsonMsg.Name,
		MIME:     jsonMsg.MIME,
		Size:     size,
		Offset:   jsonMsg.Offset,
		Progress: jsonMsg.Progress,
		Checksum: jsonMsg.Checksum,
	}, nil
}

func (j *JSONSerializer) Name() string {
	return "json"
}
