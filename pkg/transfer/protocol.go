package transfer

import "errors"

// MessageType tags a control frame of the transfer protocol. Control
// frames travel as text; file bytes travel as binary frames.
type MessageType string

const (
	TypeHeader            MessageType = "header"
	TypePartition         MessageType = "partition"
	TypePartitionReceived MessageType = "partition-received"
	TypeProgress          MessageType = "progress"
	TypeTransferComplete  MessageType = "transfer-complete"
)

var ErrCorruptFrame = errors.New("corrupt control frame")

// ControlMessage is the single tagged record used for every control
// frame. Only the fields relevant to Type are set.
type ControlMessage struct {
	Type     MessageType
	Name     string
	MIME     string
	Size     int64
	Offset   int64
	Progress float64
	Checksum string
}

func (t MessageType) valid() bool {
	switch t {
	case TypeHeader, TypePartition, TypePartitionReceived, TypeProgress, TypeTransferComplete:
		return true
	}
	return false
}

type MessageSerializer interface {
	Marshal(message *ControlMessage) ([]byte, error)
	Unmarshal(data []byte) (*ControlMessage, error)
	Name() string
}

func headerMessage(file *File) *ControlMessage {
	return &ControlMessage{Type: TypeHeader, Name: file.Name, MIME: file.MIME, Size: file.Size, Checksum: file.Checksum}
}

func partitionMessage(offset int64) *ControlMessage {
	return &ControlMessage{Type: TypePartition, Offset: offset}
}

func partitionReceivedMessage(offset int64) *ControlMessage {
	return &ControlMessage{Type: TypePartitionReceived, Offset: offset}
}

func progressMessage(progress float64) *ControlMessage {
	return &ControlMessage{Type: TypeProgress, Progress: progress}
}

func transferCompleteMessage() *ControlMessage {
	return &ControlMessage{Type: TypeTransferComplete}
}
