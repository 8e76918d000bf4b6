package transfer

import (
	"io"
)

// File is an outgoing byte source of known size.
type File struct {
	Name    string
	MIME    string
	Size    int64
	Content io.ReaderAt
	// Checksum is the hex SHA-256 of Content, announced in the header
	// when set.
	Checksum string
}

// Header describes an incoming file as announced by the sender.
type Header struct {
	Name     string
	MIME     string
	Size     int64
	Checksum string
}

// Blob is a fully reassembled incoming file.
type Blob struct {
	Name string
	MIME string
	Data []byte
	// Checksum is the digest the sender announced, empty if none.
	Checksum string
}

// Size returns the number of bytes in the blob.
func (b *Blob) Size() int64 {
	return int64(len(b.Data))
}
