package transfer

import (
	"errors"
	"fmt"
)

var (
	ErrChunkOverflow = errors.New("chunk exceeds declared file size")
	ErrInvalidSize   = errors.New("declared file size is negative")
	ErrAborted       = errors.New("transfer aborted")
	ErrPending       = errors.New("transfer still in progress")
)

// Digester reassembles an incoming file from its chunks. It settles
// exactly once: either with a Blob when the declared size is reached, or
// with an error when aborted.
type Digester struct {
	header   Header
	chunks   [][]byte
	received int64
	done     chan struct{}
	blob     *Blob
	err      error
}

// NewDigester creates a Digester for the announced file. A zero-size file
// is complete as soon as it is created.
func NewDigester(header Header) *Digester {
	if header.MIME == "" {
		header.MIME = DefaultMIMEType
	}
	d := &Digester{
		header: header,
		done:   make(chan struct{}),
	}
	switch {
	case header.Size < 0:
		d.Abort(fmt.Errorf("%w: %d", ErrInvalidSize, header.Size))
	case header.Size == 0:
		d.complete()
	}
	return d
}

// Unchunk appends one chunk. A chunk larger than the remaining expected
// bytes aborts the digest and the returned error wraps ErrChunkOverflow.
// Calls after settlement are ignored.
func (d *Digester) Unchunk(chunk []byte) error {
	if d.Settled() {
		return nil
	}
	remaining := d.header.Size - d.received
	if int64(len(chunk)) > remaining {
		err := fmt.Errorf("%w: got %d bytes, %d remaining", ErrChunkOverflow, len(chunk), remaining)
		d.Abort(err)
		return err
	}
	d.chunks = append(d.chunks, chunk)
	d.received += int64(len(chunk))
	if d.received == d.header.Size {
		d.complete()
	}
	return nil
}

func (d *Digester) complete() {
	data := make([]byte, 0, d.header.Size)
	for _, chunk := range d.chunks {
		data = append(data, chunk...)
	}
	d.chunks = nil
	d.blob = &Blob{
		Name:     d.header.Name,
		MIME:     d.header.MIME,
		Data:     data,
		Checksum: d.header.Checksum,
	}
	close(d.done)
}

// Abort fails the digest with reason. It is a no-op once settled.
func (d *Digester) Abort(reason error) {
	if d.Settled() {
		return
	}
	if reason == nil {
		reason = ErrAborted
	}
	d.err = reason
	d.chunks = nil
	close(d.done)
}

func (d *Digester) Settled() bool {
	select {
	case <-d.done:
		return true
	default:
		return false
	}
}

// Done is closed when the digest settles.
func (d *Digester) Done() <-chan struct{} {
	return d.done
}

// Result returns the outcome of a settled digest, or ErrPending.
func (d *Digester) Result() (*Blob, error) {
	if !d.Settled() {
		return nil, ErrPending
	}
	return d.blob, d.err
}

func (d *Digester) Header() Header {
	return d.header
}

func (d *Digester) BytesReceived() int64 {
	return d.received
}

func (d *Digester) Progress() float64 {
	if d.header.Size <= 0 {
		return 1
	}
	return float64(d.received) / float64(d.header.Size)
}
