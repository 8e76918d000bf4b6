package transfer

import (
	"errors"
	"fmt"
	"log/slog"
)

var (
	ErrChannelNotOpen = errors.New("data channel is not open")
	ErrSuperseded     = errors.New("superseded by a new header")
	ErrDestroyed      = errors.New("transfer engine destroyed")
)

// Channel is the ordered, reliable byte stream the engine writes to.
type Channel interface {
	SendText(text string) error
	Send(data []byte) error
	IsOpen() bool
}

// Hooks are the engine's outbound notifications. Nil hooks are skipped.
type Hooks struct {
	// OnFileReceived fires when an incoming file has been reassembled.
	OnFileReceived func(blob *Blob)
	// OnReceiveProgress reports progress of the incoming file.
	OnReceiveProgress func(header Header, progress float64)
	// OnSendProgress relays the progress the receiver reported.
	OnSendProgress func(name string, progress float64)
	// OnFileSent fires when the receiver confirmed the whole file.
	OnFileSent func(name string)
	// OnTransferFailed fires when a send or receive is abandoned.
	OnTransferFailed func(name string, dir Direction, err error)
}

// Engine runs the chunked transfer protocol over one data channel. It
// sends one file at a time and waits for a partition-received
// acknowledgement after every partition. Engine is not safe for
// concurrent use; all calls must come from the owning event loop.
type Engine struct {
	cfg        Config
	serializer MessageSerializer
	hooks      Hooks
	logger     *slog.Logger
	channel    Channel

	queue   []*File
	busy    bool
	active  *File
	chunker *Chunker

	digester     *Digester
	lastReported float64

	destroyed bool
}

func NewEngine(cfg Config, hooks Hooks, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		cfg:        cfg.withDefaults(),
		serializer: NewJSONSerializer(),
		hooks:      hooks,
		logger:     logger,
	}
}

// Attach binds the engine to an open channel and resumes queued sends.
func (e *Engine) Attach(channel Channel) {
	if e.destroyed {
		return
	}
	e.channel = channel
	e.dequeue()
}

// Detach unbinds the channel. The active send fails with
// ErrChannelNotOpen; queued files wait for the next Attach.
func (e *Engine) Detach() {
	e.channel = nil
	if e.active != nil {
		e.failSend(ErrChannelNotOpen)
	}
}

// SendFiles queues files. They are sent in order once the channel is open.
func (e *Engine) SendFiles(files ...*File) {
	if e.destroyed {
		return
	}
	e.queue = append(e.queue, files...)
	e.dequeue()
}

// TakeQueued removes and returns every file not yet confirmed by the
// receiver, including the active one, so another engine can send them.
func (e *Engine) TakeQueued() []*File {
	var files []*File
	if e.active != nil {
		files = append(files, e.active)
	}
	files = append(files, e.queue...)
	e.queue = nil
	e.active = nil
	e.chunker = nil
	e.busy = false
	return files
}

// Busy reports whether a file is being sent.
func (e *Engine) Busy() bool {
	return e.busy
}

// Queued returns the number of files waiting behind the active one.
func (e *Engine) Queued() int {
	return len(e.queue)
}

func (e *Engine) isOpen() bool {
	return e.channel != nil && e.channel.IsOpen()
}

func (e *Engine) send(data []byte) error {
	if !e.isOpen() {
		return ErrChannelNotOpen
	}
	return e.channel.Send(data)
}

func (e *Engine) sendMessage(msg *ControlMessage) error {
	data, err := e.serializer.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encoding %s frame: %w", msg.Type, err)
	}
	if !e.isOpen() {
		return ErrChannelNotOpen
	}
	return e.channel.SendText(string(data))
}

func (e *Engine) dequeue() {
	if e.destroyed || e.busy || len(e.queue) == 0 || !e.isOpen() {
		return
	}
	file := e.queue[0]
	e.queue = e.queue[1:]
	e.busy = true
	e.active = file

	e.logger.Info("Sending file", "name", file.Name, "size", file.Size, "sha256", file.Checksum)
	if err := e.sendMessage(headerMessage(file)); err != nil {
		e.failSend(err)
		return
	}
	chunker, err := NewChunker(file, e.cfg.ChunkSize, e.cfg.PartitionSize, e.send, e.onPartitionEnd)
	if err != nil {
		e.failSend(err)
		return
	}
	e.chunker = chunker
	if err := chunker.NextPartition(); err != nil {
		e.failSend(err)
	}
}

func (e *Engine) onPartitionEnd(offset int64) error {
	return e.sendMessage(partitionMessage(offset))
}

func (e *Engine) failSend(err error) {
	name := ""
	if e.active != nil {
		name = e.active.Name
	}
	e.logger.Warn("File send failed", "name", name, "error", err)
	e.active = nil
	e.chunker = nil
	e.busy = false
	if e.hooks.OnTransferFailed != nil {
		e.hooks.OnTransferFailed(name, DirectionSend, err)
	}
	e.dequeue()
}

// HandleFrame processes one inbound data channel message.
func (e *Engine) HandleFrame(isText bool, data []byte) {
	if e.destroyed {
		return
	}
	if !isText {
		e.onChunk(data)
		return
	}
	msg, err := e.serializer.Unmarshal(data)
	if err != nil {
		e.logger.Warn("Dropping control frame", "error", err)
		return
	}
	switch msg.Type {
	case TypeHeader:
		e.onHeader(Header{Name: msg.Name, MIME: msg.MIME, Size: msg.Size, Checksum: msg.Checksum})
	case TypePartition:
		if err := e.sendMessage(partitionReceivedMessage(msg.Offset)); err != nil {
			e.logger.Warn("Failed to acknowledge partition", "offset", msg.Offset, "error", err)
		}
	case TypePartitionReceived:
		e.onPartitionReceived(msg.Offset)
	case TypeProgress:
		if e.active != nil && e.hooks.OnSendProgress != nil {
			e.hooks.OnSendProgress(e.active.Name, msg.Progress)
		}
	case TypeTransferComplete:
		e.onTransferComplete()
	}
}

func (e *Engine) onHeader(header Header) {
	if e.digester != nil {
		e.digester.Abort(ErrSuperseded)
		e.failReceive(e.digester, ErrSuperseded)
	}
	e.logger.Info("Receiving file", "name", header.Name, "size", header.Size)
	e.digester = NewDigester(header)
	e.lastReported = 0
	if e.digester.Settled() {
		e.onDigestSettled()
	}
}

func (e *Engine) onChunk(chunk []byte) {
	d := e.digester
	if d == nil {
		e.logger.Warn("Dropping chunk without a header", "size", len(chunk))
		return
	}
	if err := d.Unchunk(chunk); err != nil {
		e.digester = nil
		e.failReceive(d, err)
		return
	}
	progress := d.Progress()
	if progress-e.lastReported >= e.cfg.ProgressStep || progress >= 1 {
		e.lastReported = progress
		if err := e.sendMessage(progressMessage(progress)); err != nil {
			e.logger.Debug("Failed to report progress", "error", err)
		}
		if e.hooks.OnReceiveProgress != nil {
			e.hooks.OnReceiveProgress(d.Header(), progress)
		}
	}
	if d.Settled() {
		e.onDigestSettled()
	}
}

func (e *Engine) onDigestSettled() {
	d := e.digester
	e.digester = nil
	blob, err := d.Result()
	if err != nil {
		e.failReceive(d, err)
		return
	}
	e.logger.Info("File received", "name", blob.Name, "size", blob.Size())
	if e.hooks.OnFileReceived != nil {
		e.hooks.OnFileReceived(blob)
	}
	if err := e.sendMessage(transferCompleteMessage()); err != nil {
		e.logger.Warn("Failed to confirm transfer", "name", blob.Name, "error", err)
	}
}

func (e *Engine) failReceive(d *Digester, err error) {
	e.logger.Warn("File receive failed", "name", d.Header().Name, "error", err)
	if e.hooks.OnTransferFailed != nil {
		e.hooks.OnTransferFailed(d.Header().Name, DirectionReceive, err)
	}
}

func (e *Engine) onPartitionReceived(offset int64) {
	if e.chunker == nil {
		e.logger.Debug("Partition acknowledgement without an active send", "offset", offset)
		return
	}
	if offset != e.chunker.Offset() {
		e.logger.Warn("Partition acknowledgement offset mismatch", "got", offset, "want", e.chunker.Offset())
	}
	if e.chunker.IsFileEnd() {
		return
	}
	if err := e.chunker.NextPartition(); err != nil {
		e.failSend(err)
	}
}

func (e *Engine) onTransferComplete() {
	if e.active == nil {
		e.logger.Debug("Transfer completion without an active send")
		return
	}
	name := e.active.Name
	e.active = nil
	e.chunker = nil
	e.busy = false
	e.logger.Info("File sent", "name", name)
	if e.hooks.OnFileSent != nil {
		e.hooks.OnFileSent(name)
	}
	e.dequeue()
}

// Destroy aborts any pending digest and the active send, then makes the
// engine inert. Queued files that never started are dropped silently.
func (e *Engine) Destroy() {
	if e.destroyed {
		return
	}
	e.destroyed = true
	e.channel = nil
	e.queue = nil
	if d := e.digester; d != nil {
		e.digester = nil
		d.Abort(ErrDestroyed)
		e.failReceive(d, ErrDestroyed)
	}
	if e.active != nil {
		e.failSend(ErrDestroyed)
	}
}
